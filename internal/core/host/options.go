package host

import (
	"github.com/benbjohnson/clock"

	"github.com/aer0ss/aerofs-sub011/config"
	"github.com/aer0ss/aerofs-sub011/internal/core/eventbus"
	"github.com/aer0ss/aerofs-sub011/internal/core/linkstate"
	"github.com/aer0ss/aerofs-sub011/internal/core/metrics"
	"github.com/aer0ss/aerofs-sub011/internal/core/multicast"
	"github.com/aer0ss/aerofs-sub011/pkg/interfaces"
	"github.com/aer0ss/aerofs-sub011/pkg/types"
)

// Option Host 配置选项
type Option func(*Host) error

// WithConfig 设置配置
func WithConfig(cfg *config.Config) Option {
	return func(h *Host) error {
		if cfg != nil {
			h.cfg = cfg
		}
		return nil
	}
}

// WithDeviceID 设置本机设备 ID
func WithDeviceID(did types.DID) Option {
	return func(h *Host) error {
		if did.IsEmpty() {
			return types.ErrInvalidDID
		}
		h.did = did
		return nil
	}
}

// WithReceiver 设置上层数据接收者
func WithReceiver(r interfaces.Receiver) Option {
	return func(h *Host) error {
		h.receiver = r
		return nil
	}
}

// WithClock 设置时钟（测试使用 clock.NewMock）
func WithClock(clk clock.Clock) Option {
	return func(h *Host) error {
		h.clock = clk
		return nil
	}
}

// WithEventBus 设置事件总线
func WithEventBus(bus *eventbus.Bus) Option {
	return func(h *Host) error {
		h.bus = bus
		return nil
	}
}

// WithMetrics 设置指标集合
func WithMetrics(m *metrics.Metrics) Option {
	return func(h *Host) error {
		h.metrics = m
		return nil
	}
}

// WithSocketFactory 设置组播套接字工厂（默认使用系统 UDP 套接字）
func WithSocketFactory(f multicast.SocketFactory) Option {
	return func(h *Host) error {
		h.sockets = f
		return nil
	}
}

// WithInterfaceSource 设置网络接口来源（默认读取系统接口）
func WithInterfaceSource(src linkstate.Source) Option {
	return func(h *Host) error {
		h.interfaces = src
		return nil
	}
}
