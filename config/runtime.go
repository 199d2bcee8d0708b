package config

import (
	"fmt"
	"regexp"
)

// 运行时默认值
const (
	DefaultExecutorQueueDepth = 1024
	DefaultMetricsNamespace   = "aerofs"
)

// ExecutorConfig 执行上下文配置
type ExecutorConfig struct {
	// QueueDepth 每个优先级的外部任务队列深度
	QueueDepth int `json:"queue_depth"`
}

// DefaultExecutorConfig 返回默认执行上下文配置
func DefaultExecutorConfig() ExecutorConfig {
	return ExecutorConfig{QueueDepth: DefaultExecutorQueueDepth}
}

// Validate 验证执行上下文配置
func (c ExecutorConfig) Validate() error {
	if c.QueueDepth <= 0 {
		return fmt.Errorf("%w: queue_depth must be positive", ErrInvalidConfig)
	}
	return nil
}

// MetricsConfig 指标配置
type MetricsConfig struct {
	Enabled   bool   `json:"enabled"`
	Namespace string `json:"namespace"`
}

// DefaultMetricsConfig 返回默认指标配置
func DefaultMetricsConfig() MetricsConfig {
	return MetricsConfig{Enabled: true, Namespace: DefaultMetricsNamespace}
}

var metricNameRE = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Validate 验证指标配置
func (c MetricsConfig) Validate() error {
	if c.Enabled && !metricNameRE.MatchString(c.Namespace) {
		return fmt.Errorf("%w: namespace %q is not a valid metric name", ErrInvalidConfig, c.Namespace)
	}
	return nil
}
