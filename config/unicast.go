package config

import (
	"fmt"
	"net"
	"time"
)

// 单播默认值
const (
	DefaultListenAddr            = ":0"
	DefaultConnectTimeout        = 10 * time.Second
	DefaultReconnectDelay        = 2 * time.Second
	DefaultPendingQueueDepth     = 256
	DefaultMaxConnectionsPerPeer = 2
	DefaultSendQueueDepth        = 256
	DefaultMaxFrameSize          = 1 << 20
	DefaultMaxPayloadSize        = DefaultMaxFrameSize - 1024
	DefaultHandshakeTimeout      = 10 * time.Second
	DefaultKeepAlive             = 30 * time.Second
)

// UnicastConfig 单播 TCP 传输与 Peer 状态机配置
type UnicastConfig struct {
	// ListenAddr TCP 监听地址，端口为 0 时由系统分配
	ListenAddr string `json:"listen_addr"`

	// ConnectTimeout 建连（拨号 + 前导）超时
	ConnectTimeout Duration `json:"connect_timeout"`

	// ReconnectDelay 建连失败后仍有心跳排队时的重连延迟
	ReconnectDelay Duration `json:"reconnect_delay"`

	// PendingQueueDepth 每个 Peer 每个优先级的待发操作上限
	PendingQueueDepth int `json:"pending_queue_depth"`

	// MaxConnectionsPerPeer 每个 Peer 的最大连接数
	MaxConnectionsPerPeer int `json:"max_connections_per_peer"`

	// SendQueueDepth 每条连接的写队列深度
	SendQueueDepth int `json:"send_queue_depth"`

	// MaxFrameSize 单帧最大字节数
	MaxFrameSize int `json:"max_frame_size"`

	// MaxPayloadSize 向上层通告的最大载荷
	MaxPayloadSize int `json:"max_payload_size"`

	// HandshakeTimeout 被动连接等待前导的期限
	HandshakeTimeout Duration `json:"handshake_timeout"`

	// KeepAlive TCP keepalive 周期，0 表示关闭
	KeepAlive Duration `json:"keep_alive"`
}

// DefaultUnicastConfig 返回默认单播配置
func DefaultUnicastConfig() UnicastConfig {
	return UnicastConfig{
		ListenAddr:            DefaultListenAddr,
		ConnectTimeout:        Duration(DefaultConnectTimeout),
		ReconnectDelay:        Duration(DefaultReconnectDelay),
		PendingQueueDepth:     DefaultPendingQueueDepth,
		MaxConnectionsPerPeer: DefaultMaxConnectionsPerPeer,
		SendQueueDepth:        DefaultSendQueueDepth,
		MaxFrameSize:          DefaultMaxFrameSize,
		MaxPayloadSize:        DefaultMaxPayloadSize,
		HandshakeTimeout:      Duration(DefaultHandshakeTimeout),
		KeepAlive:             Duration(DefaultKeepAlive),
	}
}

// Validate 验证单播配置
func (c UnicastConfig) Validate() error {
	if _, _, err := net.SplitHostPort(c.ListenAddr); err != nil {
		return fmt.Errorf("%w: listen_addr %q: %v", ErrInvalidConfig, c.ListenAddr, err)
	}
	for _, d := range []struct {
		name string
		v    Duration
	}{
		{"connect_timeout", c.ConnectTimeout},
		{"reconnect_delay", c.ReconnectDelay},
		{"handshake_timeout", c.HandshakeTimeout},
	} {
		if err := positive(d.name, d.v); err != nil {
			return err
		}
	}
	if c.KeepAlive < 0 {
		return fmt.Errorf("%w: keep_alive must not be negative", ErrInvalidConfig)
	}
	if c.PendingQueueDepth <= 0 || c.SendQueueDepth <= 0 {
		return fmt.Errorf("%w: queue depths must be positive", ErrInvalidConfig)
	}
	if c.MaxConnectionsPerPeer < 1 {
		return fmt.Errorf("%w: max_connections_per_peer must be at least 1", ErrInvalidConfig)
	}
	if c.MaxPayloadSize <= 0 || c.MaxPayloadSize >= c.MaxFrameSize {
		return fmt.Errorf("%w: max_payload_size must be in (0, max_frame_size)", ErrInvalidConfig)
	}
	return nil
}
