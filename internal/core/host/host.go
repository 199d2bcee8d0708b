package host

import (
	"fmt"
	"sync/atomic"

	"github.com/benbjohnson/clock"

	"github.com/aer0ss/aerofs-sub011/config"
	"github.com/aer0ss/aerofs-sub011/internal/core/arp"
	"github.com/aer0ss/aerofs-sub011/internal/core/eventbus"
	"github.com/aer0ss/aerofs-sub011/internal/core/executor"
	"github.com/aer0ss/aerofs-sub011/internal/core/linkstate"
	"github.com/aer0ss/aerofs-sub011/internal/core/metrics"
	"github.com/aer0ss/aerofs-sub011/internal/core/multicast"
	"github.com/aer0ss/aerofs-sub011/internal/core/peer"
	"github.com/aer0ss/aerofs-sub011/internal/core/pulse"
	"github.com/aer0ss/aerofs-sub011/internal/core/stores"
	"github.com/aer0ss/aerofs-sub011/internal/core/transport/tcp"
	"github.com/aer0ss/aerofs-sub011/internal/core/unicast"
	"github.com/aer0ss/aerofs-sub011/internal/core/wire"
	"github.com/aer0ss/aerofs-sub011/internal/util/logger"
	"github.com/aer0ss/aerofs-sub011/pkg/interfaces"
	"github.com/aer0ss/aerofs-sub011/pkg/types"
)

var log = logger.Logger("core/host")

// Host 传输层组件的装配点
type Host struct {
	cfg        *config.Config
	did        types.DID
	receiver   interfaces.Receiver
	clock      clock.Clock
	bus        *eventbus.Bus
	ownsBus    bool
	metrics    *metrics.Metrics
	sockets    multicast.SocketFactory
	interfaces linkstate.Source

	exec    *executor.Executor
	arp     *arp.Table
	stores  *stores.Stores
	unicast *unicast.Service
	pulse   *pulse.Service
	tcp     *tcp.Transport
	mcast   *multicast.Service
	links   *linkstate.Monitor

	presenceEm *eventbus.Emitter[types.PresenceEvent]
	statusEm   *eventbus.Emitter[types.PeerStatusEvent]
	linkEm     *eventbus.Emitter[types.LinkMetricsEvent]
	muodEm     *eventbus.Emitter[types.MUODChangedEvent]

	// gcTimer 只在执行上下文中访问
	gcTimer *executor.Timer

	// remoteAbort 在 Start 之前设置，执行上下文中调用
	remoteAbort func(did types.DID, id types.StreamID, reason wire.AbortReason)

	started atomic.Bool
	closed  atomic.Bool
}

// New 创建 Host
//
// 未指定设备 ID 时随机生成；未指定配置时使用默认配置。
func New(opts ...Option) (*Host, error) {
	h := &Host{
		cfg:      config.NewConfig(),
		did:      types.RandomDID(),
		receiver: interfaces.NopReceiver{},
	}
	for _, opt := range opts {
		if err := opt(h); err != nil {
			return nil, err
		}
	}
	if err := h.cfg.Validate(); err != nil {
		return nil, err
	}
	if h.receiver == nil {
		h.receiver = interfaces.NopReceiver{}
	}
	if h.clock == nil {
		h.clock = clock.New()
	}
	if h.bus == nil {
		h.bus = eventbus.NewBus()
		h.ownsBus = true
	}
	if h.metrics == nil && h.cfg.Metrics.Enabled {
		m, err := metrics.New(h.cfg.Metrics.Namespace, nil)
		if err != nil {
			return nil, fmt.Errorf("创建指标失败: %w", err)
		}
		h.metrics = m
	}

	if err := h.build(); err != nil {
		return nil, err
	}
	if err := h.openEmitters(); err != nil {
		h.closeEmitters()
		return nil, err
	}

	log.Info("Host 已创建",
		"device", h.did.ShortString(),
		"multicast", h.cfg.Multicast.Enabled,
		"hub", h.cfg.Stores.HubMode)
	return h, nil
}

// build 创建全部组件并连接信号
func (h *Host) build() error {
	cfg := h.cfg
	sig := &signals{h: h}

	h.exec = executor.New(cfg.Executor.QueueDepth, h.clock)
	h.arp = arp.NewTable()

	h.stores = stores.New(stores.Config{
		HubMode:      cfg.Stores.HubMode,
		BloomBits:    cfg.Stores.BloomBits,
		BloomHashes:  cfg.Stores.BloomHashes,
		PrefixLength: cfg.Stores.PrefixLength,
	}, h.arp, h.clock)
	h.stores.SetAnnouncer(sig)
	h.stores.SetPresenceFunc(h.onPresence)

	h.tcp = tcp.New(tcp.Config{
		ListenAddr:       cfg.Unicast.ListenAddr,
		MaxFrameSize:     cfg.Unicast.MaxFrameSize,
		SendQueueDepth:   cfg.Unicast.SendQueueDepth,
		HandshakeTimeout: cfg.Unicast.HandshakeTimeout.Duration(),
		KeepAlive:        cfg.Unicast.KeepAlive.Duration(),
	}, h.did, h.exec, h.arp.Addr, h.stores.Advertisement, sig, h.receiver, h.metrics)

	h.unicast = unicast.New(peer.Config{
		ConnectTimeout: cfg.Unicast.ConnectTimeout.Duration(),
		ReconnectDelay: cfg.Unicast.ReconnectDelay.Duration(),
		QueueDepth:     cfg.Unicast.PendingQueueDepth,
		MaxConnections: cfg.Unicast.MaxConnectionsPerPeer,
	}, h.exec, h.tcp, h.metrics)
	h.unicast.SetStatusFunc(h.onPeerStatus)

	h.pulse = pulse.New(pulse.Config{
		MinTimeout:  cfg.Pulse.MinTimeout.Duration(),
		MaxTimeout:  cfg.Pulse.MaxTimeout.Duration(),
		MaxFailures: cfg.Pulse.MaxFailures,
	}, h.exec, h.unicast, h.metrics)
	h.unicast.SetDestroyedFunc(h.pulse.OnPeerDestroyed)

	if cfg.Multicast.Enabled {
		factory := h.sockets
		if factory == nil {
			group, err := cfg.Multicast.GroupAddr()
			if err != nil {
				return err
			}
			factory = &multicast.UDPFactory{
				Group:    group,
				TTL:      cfg.Multicast.TTL,
				Loopback: cfg.Multicast.Loopback,
			}
		}
		mcast, err := multicast.New(multicast.Config{
			DedupCacheSize:    cfg.Multicast.DedupCacheSize,
			PongRatePerSecond: cfg.Multicast.PongRatePerSecond,
			MaxDatagramSize:   cfg.Multicast.MaxDatagramSize,
		}, h.did, h.exec, factory, h.stores, sig, h.metrics)
		if err != nil {
			return err
		}
		h.mcast = mcast
	}

	h.links = linkstate.NewMonitor(linkstate.Config{
		PollInterval:     cfg.LinkState.PollInterval.Duration(),
		FastPollInterval: cfg.LinkState.FastPollInterval.Duration(),
		FastPollDuration: cfg.LinkState.FastPollDuration.Duration(),
	}, h.clock, h.interfaces)
	h.links.Subscribe(func(c linkstate.Change) {
		h.exec.Submit(func() { h.onLinkStateChanged(c) })
	})

	h.arp.Watch(h.onARPChanged)
	h.arp.WatchMUOD(h.onMUODChanged)
	return nil
}

func (h *Host) openEmitters() error {
	var err error
	if h.presenceEm, err = eventbus.NewEmitter[types.PresenceEvent](h.bus); err != nil {
		return err
	}
	if h.statusEm, err = eventbus.NewEmitter[types.PeerStatusEvent](h.bus); err != nil {
		return err
	}
	if h.linkEm, err = eventbus.NewEmitter[types.LinkMetricsEvent](h.bus, eventbus.Stateful()); err != nil {
		return err
	}
	h.muodEm, err = eventbus.NewEmitter[types.MUODChangedEvent](h.bus, eventbus.Stateful())
	return err
}

func (h *Host) closeEmitters() {
	if h.presenceEm != nil {
		_ = h.presenceEm.Close()
	}
	if h.statusEm != nil {
		_ = h.statusEm.Close()
	}
	if h.linkEm != nil {
		_ = h.linkEm.Close()
	}
	if h.muodEm != nil {
		_ = h.muodEm.Close()
	}
}

// ============================================================================
//                              访问器
// ============================================================================

// DID 本机设备 ID
func (h *Host) DID() types.DID { return h.did }

// Config 当前配置（不可修改）
func (h *Host) Config() *config.Config { return h.cfg }

// EventBus 通知总线
func (h *Host) EventBus() *eventbus.Bus { return h.bus }

// Metrics 指标集合（未启用时为 nil）
func (h *Host) Metrics() *metrics.Metrics { return h.metrics }

// ListenPort 单播监听端口（启动前为 0）
func (h *Host) ListenPort() uint16 { return h.tcp.ListenPort() }

// ============================================================================
//                              组件信号（执行上下文）
// ============================================================================

func (h *Host) onPresence(ev types.PresenceEvent) {
	if err := h.presenceEm.Emit(ev); err != nil {
		log.Debug("发布存储在线事件失败", "err", err)
	}
}

func (h *Host) onPeerStatus(did types.DID, online bool, reason error) {
	if err := h.statusEm.Emit(types.PeerStatusEvent{
		DID:    did,
		Online: online,
		Reason: reason,
		Time:   h.clock.Now(),
	}); err != nil {
		log.Debug("发布设备状态事件失败", "err", err)
	}
}

func (h *Host) onARPChanged(op arp.Op, e arp.Entry) {
	h.metrics.SetARPEntries(h.arp.Len())
	if op != arp.OpRemove {
		return
	}
	h.stores.OnDeviceRemoved(e)
	h.unicast.OnDeviceOffline(e.DID)
}

func (h *Host) onMUODChanged(devices []types.DID) {
	if err := h.muodEm.Emit(types.MUODChangedEvent{Devices: devices, Time: h.clock.Now()}); err != nil {
		log.Debug("发布 MUOD 事件失败", "err", err)
	}
}

func (h *Host) onLinkStateChanged(c linkstate.Change) {
	log.Info("网络接口变化",
		"up", len(c.Current),
		"added", len(c.Added),
		"removed", len(c.Removed))
	if h.mcast != nil {
		h.mcast.OnLinkStateChanged(c)
	}
	h.unicast.OnLinkStateChanged(c.Current)
	h.emitLinkMetrics()
}

func (h *Host) emitLinkMetrics() {
	if err := h.linkEm.Emit(types.LinkMetricsEvent{
		MaxPayloadSize: h.cfg.Unicast.MaxPayloadSize,
		Time:           h.clock.Now(),
	}); err != nil {
		log.Debug("发布链路指标事件失败", "err", err)
	}
}

// scheduleGC 安排下一次 ARP 清理
func (h *Host) scheduleGC() {
	if h.closed.Load() {
		return
	}
	h.gcTimer = h.exec.Schedule(h.cfg.ARP.GCInterval.Duration(), func() {
		h.sweepARP()
		h.scheduleGC()
	})
}

// sweepARP 清理过期且没有连接的设备
func (h *Host) sweepARP() {
	evicted := h.arp.Sweep(h.clock.Now(), h.cfg.ARP.MaxAge.Duration(), h.unicast.IsConnected)
	if len(evicted) > 0 {
		log.Debug("ARP 清理完成", "evicted", len(evicted), "remaining", h.arp.Len())
	}
	if reaped := h.unicast.ReapIdle(); len(reaped) > 0 {
		log.Debug("回收闲置 Peer", "count", len(reaped))
	}
}
