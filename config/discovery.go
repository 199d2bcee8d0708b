package config

import (
	"fmt"
	"time"
)

// 发现相关默认值
const (
	DefaultARPGCInterval     = 30 * time.Second
	DefaultARPMaxAge         = 90 * time.Second
	DefaultPollInterval      = 2 * time.Second
	DefaultFastPollInterval  = 500 * time.Millisecond
	DefaultFastPollDuration  = 10 * time.Second
	DefaultPulseMinTimeout   = 2 * time.Second
	DefaultPulseMaxTimeout   = 30 * time.Second
	DefaultPulseMaxFailures  = 3
	DefaultBloomBits         = 1024
	DefaultBloomHashes       = 4
	DefaultStorePrefixLength = 4

	// 与通告解码的上限一致
	MaxBloomHashes = 32
	MaxBloomBits   = 8 * (64 << 10)
)

// ============================================================================
//                              ARP
// ============================================================================

// ARPConfig 设备地址表配置
type ARPConfig struct {
	// GCInterval 回收扫描周期
	GCInterval Duration `json:"gc_interval"`

	// MaxAge 超过该时长未更新且没有连接的条目被回收
	MaxAge Duration `json:"max_age"`
}

// DefaultARPConfig 返回默认 ARP 配置
func DefaultARPConfig() ARPConfig {
	return ARPConfig{
		GCInterval: Duration(DefaultARPGCInterval),
		MaxAge:     Duration(DefaultARPMaxAge),
	}
}

// Validate 验证 ARP 配置
func (c ARPConfig) Validate() error {
	if err := positive("gc_interval", c.GCInterval); err != nil {
		return err
	}
	return positive("max_age", c.MaxAge)
}

// ============================================================================
//                              LinkState
// ============================================================================

// LinkStateConfig 网络接口监控配置
type LinkStateConfig struct {
	PollInterval     Duration `json:"poll_interval"`
	FastPollInterval Duration `json:"fast_poll_interval"`
	FastPollDuration Duration `json:"fast_poll_duration"`
}

// DefaultLinkStateConfig 返回默认接口监控配置
func DefaultLinkStateConfig() LinkStateConfig {
	return LinkStateConfig{
		PollInterval:     Duration(DefaultPollInterval),
		FastPollInterval: Duration(DefaultFastPollInterval),
		FastPollDuration: Duration(DefaultFastPollDuration),
	}
}

// Validate 验证接口监控配置
func (c LinkStateConfig) Validate() error {
	if err := positive("poll_interval", c.PollInterval); err != nil {
		return err
	}
	if c.FastPollInterval > c.PollInterval {
		return fmt.Errorf("%w: fast_poll_interval exceeds poll_interval", ErrInvalidConfig)
	}
	return nil
}

// ============================================================================
//                              Pulse
// ============================================================================

// PulseConfig 心跳探活配置
type PulseConfig struct {
	// MinTimeout 首次心跳超时
	MinTimeout Duration `json:"min_timeout"`

	// MaxTimeout 超时翻倍的上限
	MaxTimeout Duration `json:"max_timeout"`

	// MaxFailures 连续失败超过该次数后判定设备不可达
	MaxFailures int `json:"max_failures"`
}

// DefaultPulseConfig 返回默认心跳配置
func DefaultPulseConfig() PulseConfig {
	return PulseConfig{
		MinTimeout:  Duration(DefaultPulseMinTimeout),
		MaxTimeout:  Duration(DefaultPulseMaxTimeout),
		MaxFailures: DefaultPulseMaxFailures,
	}
}

// Validate 验证心跳配置
func (c PulseConfig) Validate() error {
	if err := positive("min_timeout", c.MinTimeout); err != nil {
		return err
	}
	if c.MaxTimeout < c.MinTimeout {
		return fmt.Errorf("%w: max_timeout %s below min_timeout %s", ErrInvalidConfig, c.MaxTimeout, c.MinTimeout)
	}
	if c.MaxFailures < 0 {
		return fmt.Errorf("%w: max_failures must not be negative", ErrInvalidConfig)
	}
	return nil
}

// ============================================================================
//                              Stores
// ============================================================================

// StoresConfig 存储兴趣通告配置
type StoresConfig struct {
	// HubMode 集线器模式：以 SID 前缀代替布隆过滤器通告
	HubMode bool `json:"hub_mode"`

	// BloomBits 布隆过滤器位数（8 的倍数）
	BloomBits int `json:"bloom_bits"`

	// BloomHashes 布隆过滤器哈希函数个数
	BloomHashes int `json:"bloom_hashes"`

	// PrefixLength 集线器模式下的前缀字节数
	PrefixLength int `json:"prefix_length"`
}

// DefaultStoresConfig 返回默认存储兴趣配置
func DefaultStoresConfig() StoresConfig {
	return StoresConfig{
		BloomBits:    DefaultBloomBits,
		BloomHashes:  DefaultBloomHashes,
		PrefixLength: DefaultStorePrefixLength,
	}
}

// Validate 验证存储兴趣配置
func (c StoresConfig) Validate() error {
	if c.BloomBits <= 0 || c.BloomBits%8 != 0 {
		return fmt.Errorf("%w: bloom_bits must be a positive multiple of 8", ErrInvalidConfig)
	}
	if c.BloomHashes <= 0 || c.BloomHashes > MaxBloomHashes {
		return fmt.Errorf("%w: bloom_hashes must be in [1, %d]", ErrInvalidConfig, MaxBloomHashes)
	}
	if c.BloomBits > MaxBloomBits {
		return fmt.Errorf("%w: bloom_bits must not exceed %d", ErrInvalidConfig, MaxBloomBits)
	}
	if c.PrefixLength <= 0 || c.PrefixLength > 16 {
		return fmt.Errorf("%w: prefix_length must be in [1, 16]", ErrInvalidConfig)
	}
	return nil
}
