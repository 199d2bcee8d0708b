package config

import (
	"fmt"
	"net/netip"
)

// 组播默认值
const (
	DefaultMulticastGroup    = "239.192.35.1"
	DefaultMulticastPort     = 29871
	DefaultMulticastTTL      = 1
	DefaultDedupCacheSize    = 4096
	DefaultPongRatePerSecond = 4.0
	DefaultMaxDatagramSize   = 1400
)

// MulticastConfig 局域网组播发现配置
type MulticastConfig struct {
	// Enabled 是否启用组播发现
	Enabled bool `json:"enabled"`

	// Group IPv4 组播地址
	Group string `json:"group"`

	// Port 组播端口
	Port int `json:"port"`

	// TTL 组播跳数
	TTL int `json:"ttl"`

	// Loopback 是否接收本机发出的组播
	Loopback bool `json:"loopback"`

	// DedupCacheSize 组播数据报去重缓存容量
	DedupCacheSize int `json:"dedup_cache_size"`

	// PongRatePerSecond 回复 ping 的 pong 速率上限
	PongRatePerSecond float64 `json:"pong_rate_per_second"`

	// MaxDatagramSize 组播帧最大字节数
	MaxDatagramSize int `json:"max_datagram_size"`
}

// DefaultMulticastConfig 返回默认组播配置
func DefaultMulticastConfig() MulticastConfig {
	return MulticastConfig{
		Enabled:           true,
		Group:             DefaultMulticastGroup,
		Port:              DefaultMulticastPort,
		TTL:               DefaultMulticastTTL,
		Loopback:          true,
		DedupCacheSize:    DefaultDedupCacheSize,
		PongRatePerSecond: DefaultPongRatePerSecond,
		MaxDatagramSize:   DefaultMaxDatagramSize,
	}
}

// GroupAddr 组播地址和端口
func (c MulticastConfig) GroupAddr() (netip.AddrPort, error) {
	addr, err := netip.ParseAddr(c.Group)
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("%w: group %q: %v", ErrInvalidConfig, c.Group, err)
	}
	if !addr.Is4() || !addr.IsMulticast() {
		return netip.AddrPort{}, fmt.Errorf("%w: group %q is not an IPv4 multicast address", ErrInvalidConfig, c.Group)
	}
	return netip.AddrPortFrom(addr, uint16(c.Port)), nil
}

// Validate 验证组播配置
func (c MulticastConfig) Validate() error {
	if !c.Enabled {
		return nil
	}
	if _, err := c.GroupAddr(); err != nil {
		return err
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("%w: port %d out of range", ErrInvalidConfig, c.Port)
	}
	if c.TTL < 1 || c.TTL > 255 {
		return fmt.Errorf("%w: ttl %d out of range", ErrInvalidConfig, c.TTL)
	}
	if c.DedupCacheSize <= 0 || c.MaxDatagramSize <= 0 {
		return fmt.Errorf("%w: dedup_cache_size and max_datagram_size must be positive", ErrInvalidConfig)
	}
	if c.PongRatePerSecond <= 0 {
		return fmt.Errorf("%w: pong_rate_per_second must be positive", ErrInvalidConfig)
	}
	return nil
}
