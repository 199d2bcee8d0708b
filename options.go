package aerofs

import (
	"errors"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/fx"

	"github.com/aer0ss/aerofs-sub011/config"
	"github.com/aer0ss/aerofs-sub011/internal/core/linkstate"
	"github.com/aer0ss/aerofs-sub011/internal/core/multicast"
)

// 可替换的底层组件
type (
	// MulticastSocketFactory 按网络接口创建组播套接字
	MulticastSocketFactory = multicast.SocketFactory

	// MulticastSocket 单个接口上的组播套接字
	MulticastSocket = multicast.Socket

	// MemoryMulticastHub 进程内组播总线（测试和单机演示）
	MemoryMulticastHub = multicast.MemoryHub

	// InterfaceSource 网络接口来源
	InterfaceSource = linkstate.Source
)

// NewMemoryMulticastHub 创建进程内组播总线
func NewMemoryMulticastHub() *MemoryMulticastHub {
	return multicast.NewMemoryHub()
}

// Option 用户配置选项函数
type Option func(*options) error

// options 内部选项结构
type options struct {
	config     *config.Config
	configFile string

	did      *DID
	receiver Receiver
	clock    clock.Clock

	sockets    MulticastSocketFactory
	interfaces InterfaceSource
	registry   *prometheus.Registry

	listenAddr string
	multicast  *bool
	hubMode    *bool

	fxOptions []fx.Option
}

// resolveConfig 合并配置文件、完整配置和单项覆盖
func (o *options) resolveConfig() (*config.Config, error) {
	var cfg *config.Config
	switch {
	case o.config != nil:
		cfg = o.config.Clone()
	case o.configFile != "":
		loaded, err := config.Load(o.configFile)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	default:
		cfg = config.NewConfig()
	}

	if o.listenAddr != "" {
		cfg.Unicast.ListenAddr = o.listenAddr
	}
	if o.multicast != nil {
		cfg.Multicast.Enabled = *o.multicast
	}
	if o.hubMode != nil {
		cfg.Stores.HubMode = *o.hubMode
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ════════════════════════════════════════════════════════════════════════════
//                              配置
// ════════════════════════════════════════════════════════════════════════════

// WithConfig 使用完整配置（会被复制）
func WithConfig(cfg *config.Config) Option {
	return func(o *options) error {
		if cfg == nil {
			return errors.New("config is nil")
		}
		o.config = cfg
		return nil
	}
}

// WithConfigFile 从 JSON 文件加载配置
func WithConfigFile(path string) Option {
	return func(o *options) error {
		o.configFile = path
		return nil
	}
}

// WithListenAddr 设置单播监听地址
func WithListenAddr(addr string) Option {
	return func(o *options) error {
		o.listenAddr = addr
		return nil
	}
}

// WithMulticast 启用或关闭组播发现
func WithMulticast(enable bool) Option {
	return func(o *options) error {
		o.multicast = &enable
		return nil
	}
}

// WithHubMode 以集线器模式通告存储前缀
func WithHubMode(enable bool) Option {
	return func(o *options) error {
		o.hubMode = &enable
		return nil
	}
}

// ════════════════════════════════════════════════════════════════════════════
//                              身份与上层
// ════════════════════════════════════════════════════════════════════════════

// WithDeviceID 设置本机设备 ID（默认随机生成）
func WithDeviceID(did DID) Option {
	return func(o *options) error {
		if did.IsEmpty() {
			return errors.New("device ID is empty")
		}
		o.did = &did
		return nil
	}
}

// WithReceiver 设置上层数据接收者
func WithReceiver(r Receiver) Option {
	return func(o *options) error {
		o.receiver = r
		return nil
	}
}

// ════════════════════════════════════════════════════════════════════════════
//                              运行环境
// ════════════════════════════════════════════════════════════════════════════

// WithClock 设置时钟（测试使用 clock.NewMock）
func WithClock(clk clock.Clock) Option {
	return func(o *options) error {
		o.clock = clk
		return nil
	}
}

// WithMulticastSockets 替换组播套接字工厂
func WithMulticastSockets(f MulticastSocketFactory) Option {
	return func(o *options) error {
		o.sockets = f
		return nil
	}
}

// WithInterfaceSource 替换网络接口来源
func WithInterfaceSource(src InterfaceSource) Option {
	return func(o *options) error {
		o.interfaces = src
		return nil
	}
}

// WithRegistry 把指标注册到指定 Registry
func WithRegistry(reg *prometheus.Registry) Option {
	return func(o *options) error {
		o.registry = reg
		return nil
	}
}

// WithFxOption 追加 Fx 选项（高级用法）
func WithFxOption(opts ...fx.Option) Option {
	return func(o *options) error {
		o.fxOptions = append(o.fxOptions, opts...)
		return nil
	}
}
