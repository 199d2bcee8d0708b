// Package config 提供传输层的统一配置
//
// 主 Config 结构体嵌入各组件的子配置，每个子配置在独立文件中定义，
// 并提供 DefaultXxxConfig() 和 Validate()。配置可以从 JSON 加载和保存，
// 时长字段使用 Duration 以字符串形式（"10s"）书写。
//
// 使用示例：
//
//	cfg := config.NewConfig()
//	cfg.Stores.HubMode = true
//	cfg.Unicast.ListenAddr = ":29870"
//
//	// 从 JSON 加载（未出现的字段保留默认值）
//	cfg, err := config.FromJSON(data)
package config

import "fmt"

// Config 传输层完整配置
//
//   - Unicast: 单播 TCP 传输和 Peer 状态机
//   - Multicast: 局域网组播发现
//   - ARP: 设备地址表回收
//   - Pulse: 心跳探活
//   - Stores: 存储兴趣通告
//   - Executor: 执行上下文
//   - LinkState: 网络接口监控
//   - Metrics: Prometheus 指标
type Config struct {
	Unicast   UnicastConfig   `json:"unicast"`
	Multicast MulticastConfig `json:"multicast"`
	ARP       ARPConfig       `json:"arp"`
	Pulse     PulseConfig     `json:"pulse"`
	Stores    StoresConfig    `json:"stores"`
	Executor  ExecutorConfig  `json:"executor"`
	LinkState LinkStateConfig `json:"link_state"`
	Metrics   MetricsConfig   `json:"metrics"`
}

// NewConfig 创建默认配置
func NewConfig() *Config {
	return &Config{
		Unicast:   DefaultUnicastConfig(),
		Multicast: DefaultMulticastConfig(),
		ARP:       DefaultARPConfig(),
		Pulse:     DefaultPulseConfig(),
		Stores:    DefaultStoresConfig(),
		Executor:  DefaultExecutorConfig(),
		LinkState: DefaultLinkStateConfig(),
		Metrics:   DefaultMetricsConfig(),
	}
}

// Validate 验证配置
//
// 返回第一个无效子配置的错误，错误信息带有子配置名称。
func (c *Config) Validate() error {
	checks := []struct {
		name string
		v    interface{ Validate() error }
	}{
		{"unicast", c.Unicast},
		{"multicast", c.Multicast},
		{"arp", c.ARP},
		{"pulse", c.Pulse},
		{"stores", c.Stores},
		{"executor", c.Executor},
		{"link_state", c.LinkState},
		{"metrics", c.Metrics},
	}
	for _, ch := range checks {
		if err := ch.v.Validate(); err != nil {
			return fmt.Errorf("%s: %w", ch.name, err)
		}
	}
	return nil
}
