package aerofs

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/fx"

	"github.com/aer0ss/aerofs-sub011/config"
	"github.com/aer0ss/aerofs-sub011/internal/core/eventbus"
	"github.com/aer0ss/aerofs-sub011/internal/core/host"
	"github.com/aer0ss/aerofs-sub011/internal/util/logger"
)

var log = logger.Logger("aerofs")

// closeTimeout Close 等待停止的上限
const closeTimeout = 10 * time.Second

// Transport 传输层入口
//
// 方法可以从任意 goroutine 调用。
type Transport struct {
	app  *fx.App
	host *host.Host
	cfg  *config.Config

	mu      sync.Mutex
	started bool
	stopped bool

	streamsMu sync.Mutex
	streams   map[StreamID]*OutgoingStream
}

// New 创建传输层（不启动）
func New(opts ...Option) (*Transport, error) {
	o := &options{}
	for _, opt := range opts {
		if err := opt(o); err != nil {
			return nil, fmt.Errorf("apply option: %w", err)
		}
	}
	cfg, err := o.resolveConfig()
	if err != nil {
		return nil, err
	}
	app, h, err := buildFxApp(o, cfg)
	if err != nil {
		return nil, err
	}
	t := &Transport{app: app, host: h, cfg: cfg, streams: make(map[StreamID]*OutgoingStream)}
	h.SetRemoteAbortFunc(t.onRemoteAbort)
	return t, nil
}

// Start 创建并启动传输层
func Start(ctx context.Context, opts ...Option) (*Transport, error) {
	t, err := New(opts...)
	if err != nil {
		return nil, err
	}
	if err := t.Start(ctx); err != nil {
		return nil, err
	}
	return t, nil
}

// Start 启动传输层
func (t *Transport) Start(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		return ErrClosed
	}
	if t.started {
		return ErrAlreadyStarted
	}
	if err := t.app.Start(ctx); err != nil {
		log.Error("传输层启动失败", "err", err)
		return fmt.Errorf("start transport: %w", err)
	}
	t.started = true
	log.Info("传输层已启动",
		"device", t.host.DID().ShortString(),
		"port", t.host.ListenPort(),
		"version", Version)
	return nil
}

// Stop 停止传输层，可重复调用
func (t *Transport) Stop(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		return nil
	}
	t.stopped = true
	if !t.started {
		return t.host.Stop()
	}
	if err := t.app.Stop(ctx); err != nil {
		log.Warn("停止 Fx 应用失败", "err", err)
		return err
	}
	return nil
}

// Close 以默认超时停止传输层
func (t *Transport) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()
	return t.Stop(ctx)
}

// ════════════════════════════════════════════════════════════════════════════
//                              信息
// ════════════════════════════════════════════════════════════════════════════

// DID 本机设备 ID
func (t *Transport) DID() DID { return t.host.DID() }

// ListenPort 单播监听端口（启动前为 0）
func (t *Transport) ListenPort() uint16 { return t.host.ListenPort() }

// Config 生效配置的副本
func (t *Transport) Config() *config.Config { return t.cfg.Clone() }

// Registry 指标 Registry（未启用指标时为 nil）
func (t *Transport) Registry() *prometheus.Registry {
	m := t.host.Metrics()
	if m == nil {
		return nil
	}
	return m.Registry()
}

// ════════════════════════════════════════════════════════════════════════════
//                              数据
// ════════════════════════════════════════════════════════════════════════════

// SendDatagram 向设备发送数据报
//
// 没有连接时数据报进入该设备的待发队列并发起建连，建连成功后按优先级重放。
func (t *Transport) SendDatagram(did DID, sid SID, payload []byte, prio Priority) *Completion {
	return t.host.SendDatagram(did, sid, payload, prio)
}

// SendMulticast 向关心该存储的全部设备发送数据报
func (t *Transport) SendMulticast(sid SID, payload []byte, prio Priority) *Completion {
	return t.host.SendMulticast(sid, payload, prio)
}

// Pulse 检查设备是否存活，收到应答时成功，连续超时后失败并断开该设备
func (t *Transport) Pulse(did DID) *Completion {
	return t.host.Pulse(did)
}

// ════════════════════════════════════════════════════════════════════════════
//                              存储与外部信号
// ════════════════════════════════════════════════════════════════════════════

// UpdateStores 更新本设备关心的存储集合
func (t *Transport) UpdateStores(added, removed []SID) error {
	return t.host.UpdateStores(added, removed)
}

// PresenceServiceConnected 通知在线状态服务已连接
func (t *Transport) PresenceServiceConnected() error {
	return t.host.PresenceServiceConnected()
}

// PresenceServiceDisconnected 通知在线状态服务断开，断开全部单播连接
func (t *Transport) PresenceServiceDisconnected() error {
	return t.host.PresenceServiceDisconnected()
}

// ════════════════════════════════════════════════════════════════════════════
//                              订阅
// ════════════════════════════════════════════════════════════════════════════

// Subscription 事件订阅
type Subscription[T any] struct {
	sub *eventbus.Subscription[T]
}

// Out 事件通道，订阅关闭后关闭
func (s *Subscription[T]) Out() <-chan T { return s.sub.Out() }

// Close 取消订阅
func (s *Subscription[T]) Close() error { return s.sub.Close() }

// Subscribe 订阅传输层事件
//
// T 为 PresenceEvent、PeerStatusEvent、LinkMetricsEvent 或 MUODChangedEvent。
// bufSize <= 0 时使用默认缓冲，缓冲满时新事件被丢弃。
func Subscribe[T any](t *Transport, bufSize int) (*Subscription[T], error) {
	var opts []eventbus.SubscriptionOpt
	if bufSize > 0 {
		opts = append(opts, eventbus.BufSize(bufSize))
	}
	sub, err := eventbus.Subscribe[T](t.host.EventBus(), opts...)
	if err != nil {
		return nil, err
	}
	return &Subscription[T]{sub: sub}, nil
}
