// Package unicast 实现单播分发服务
//
// 维护 DID 到 Peer 的注册表，Peer 按需创建。链路状态、在线状态服务
// 以及设备下线通知都在这里转换为 Peer 的销毁。
//
// Service 的所有方法都必须在执行上下文中调用。
package unicast

import (
	"net"
	"slices"

	"github.com/aer0ss/aerofs-sub011/internal/core/executor"
	"github.com/aer0ss/aerofs-sub011/internal/core/metrics"
	"github.com/aer0ss/aerofs-sub011/internal/core/peer"
	"github.com/aer0ss/aerofs-sub011/internal/core/wire"
	"github.com/aer0ss/aerofs-sub011/internal/util/future"
	"github.com/aer0ss/aerofs-sub011/internal/util/logger"
	"github.com/aer0ss/aerofs-sub011/pkg/types"
)

var log = logger.Logger("core/unicast")

// Service 单播分发服务
type Service struct {
	cfg       peer.Config
	exec      *executor.Executor
	connector peer.Connector
	metrics   *metrics.Metrics

	peers  map[types.DID]*peer.Peer
	online map[types.DID]struct{}

	onStatus    peer.StatusFunc
	onDestroyed func(did types.DID)
}

// New 创建单播分发服务
func New(cfg peer.Config, exec *executor.Executor, connector peer.Connector, m *metrics.Metrics) *Service {
	return &Service{
		cfg:       cfg,
		exec:      exec,
		connector: connector,
		metrics:   m,
		peers:     make(map[types.DID]*peer.Peer),
		online:    make(map[types.DID]struct{}),
	}
}

// SetStatusFunc 设置设备在线状态回调
func (s *Service) SetStatusFunc(fn peer.StatusFunc) { s.onStatus = fn }

// SetDestroyedFunc 设置 Peer 销毁回调
func (s *Service) SetDestroyedFunc(fn func(did types.DID)) { s.onDestroyed = fn }

// resolve 获取或创建 Peer
func (s *Service) resolve(did types.DID) *peer.Peer {
	if p, ok := s.peers[did]; ok {
		return p
	}
	p := peer.New(did, s.cfg, s.exec, s.connector, s.metrics)
	p.SetStatusFunc(s.statusChanged)
	s.peers[did] = p
	log.Debug("创建 Peer", "peer", did.ShortString())
	return p
}

func (s *Service) statusChanged(did types.DID, online bool, reason error) {
	if online {
		s.online[did] = struct{}{}
	} else {
		delete(s.online, did)
	}
	s.metrics.SetPeers(len(s.online))
	if s.onStatus != nil {
		s.onStatus(did, online, reason)
	}
}

// Get 获取已存在的 Peer
func (s *Service) Get(did types.DID) (*peer.Peer, bool) {
	p, ok := s.peers[did]
	return p, ok
}

// Peers 返回已知设备（有序）
func (s *Service) Peers() []types.DID {
	out := make([]types.DID, 0, len(s.peers))
	for did := range s.peers {
		out = append(out, did)
	}
	slices.SortFunc(out, types.DID.Compare)
	return out
}

// IsConnected 设备是否有可用连接
func (s *Service) IsConnected(did types.DID) bool {
	p, ok := s.peers[did]
	return ok && (p.IsConnected() || p.IsConnecting())
}

// ============================================================================
//                              委托操作
// ============================================================================

// SendDatagram 发送数据报
func (s *Service) SendDatagram(did types.DID, sid types.SID, payload []byte, prio types.Priority) *future.Void {
	defer s.reapIfIdle(did)
	return s.resolve(did).SendDatagram(sid, payload, prio)
}

// BeginStream 开始发送流
func (s *Service) BeginStream(did types.DID, id types.StreamID, sid types.SID, prio types.Priority) *future.Future[*peer.Connection] {
	defer s.reapIfIdle(did)
	return s.resolve(did).BeginStream(id, sid, prio)
}

// SendChunk 发送流数据块
func (s *Service) SendChunk(did types.DID, cookie *peer.Connection, id types.StreamID, seq uint32, payload []byte, prio types.Priority) *future.Void {
	p, ok := s.peers[did]
	if !ok {
		return future.Failed[struct{}](peer.ErrStreamPinLost)
	}
	return p.SendChunk(cookie, id, seq, payload, prio)
}

// EndStream 结束流
func (s *Service) EndStream(did types.DID, cookie *peer.Connection, id types.StreamID, prio types.Priority) *future.Void {
	p, ok := s.peers[did]
	if !ok {
		return future.Failed[struct{}](peer.ErrStreamPinLost)
	}
	return p.EndStream(cookie, id, prio)
}

// AbortStream 中止流
func (s *Service) AbortStream(did types.DID, cookie *peer.Connection, id types.StreamID, reason wire.AbortReason, prio types.Priority) *future.Void {
	p, ok := s.peers[did]
	if !ok {
		return future.Failed[struct{}](peer.ErrStreamPinLost)
	}
	return p.AbortStream(cookie, id, reason, prio)
}

// Pulse 发送心跳请求
func (s *Service) Pulse(did types.DID, pulseID uint64, prio types.Priority) *future.Void {
	defer s.reapIfIdle(did)
	return s.resolve(did).Pulse(pulseID, prio)
}

// AddInboundConnection 复用握手完成的被动连接
func (s *Service) AddInboundConnection(did types.DID, conn *peer.Connection) {
	s.resolve(did).AddConnection(conn)
}

// ============================================================================
//                              外部信号
// ============================================================================

// OnLinkStateChanged 链路状态变化，没有可用接口时销毁全部 Peer
func (s *Service) OnLinkStateChanged(up []net.Interface) {
	if len(up) > 0 {
		return
	}
	log.Info("没有可用的网络接口，断开全部连接")
	s.DestroyAll(ErrLinkDown)
}

// OnPresenceServiceConnected 在线状态服务已连接
func (s *Service) OnPresenceServiceConnected() {
	log.Debug("在线状态服务已连接")
}

// OnPresenceServiceDisconnected 在线状态服务断开，销毁全部 Peer
func (s *Service) OnPresenceServiceDisconnected() {
	log.Info("在线状态服务断开，断开全部连接")
	s.DestroyAll(ErrPresenceDisconnected)
}

// OnDeviceOffline 设备下线
func (s *Service) OnDeviceOffline(did types.DID) {
	s.DestroyPeer(did, ErrDeviceOffline)
}

// DestroyPeer 销毁并移除 Peer
func (s *Service) DestroyPeer(did types.DID, reason error) {
	p, ok := s.peers[did]
	if !ok {
		return
	}
	delete(s.peers, did)
	p.Destroy(reason)
	if s.onDestroyed != nil {
		s.onDestroyed(did)
	}
}

// ReapIdle 回收全部闲置 Peer，返回被回收的设备
//
// 闲置 Peer 没有连接、没有排队操作，移除时不触发销毁回调。
func (s *Service) ReapIdle() []types.DID {
	var reaped []types.DID
	for _, did := range s.Peers() {
		if s.reapIfIdle(did) {
			reaped = append(reaped, did)
		}
	}
	return reaped
}

func (s *Service) reapIfIdle(did types.DID) bool {
	p, ok := s.peers[did]
	if !ok || !p.IsIdle() {
		return false
	}
	delete(s.peers, did)
	p.Destroy(ErrIdle)
	log.Debug("回收闲置 Peer", "peer", did.ShortString())
	return true
}

// DestroyAll 销毁全部 Peer
func (s *Service) DestroyAll(reason error) {
	for _, did := range s.Peers() {
		s.DestroyPeer(did, reason)
	}
}
