// Package multicast 实现局域网组播发现
//
// 每个支持组播的接口一个套接字：接口 up 时加入组播组，down 时离开并关闭。
// 任一接口 up 时发送 ping，若本机存储通告已初始化再发送 pong。
// 收到 ping 回复 pong（限速），收到 pong 交给存储兴趣协议，
// 收到 offline 通知时移除该设备，组播数据报去重后交给上层。
//
// Service 的状态只在执行上下文中访问；每个套接字的读循环运行在
// 自己的 goroutine 中，解码后通过 Submit 转交执行上下文。
package multicast

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"net"
	"net/netip"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/time/rate"

	"github.com/aer0ss/aerofs-sub011/internal/core/executor"
	"github.com/aer0ss/aerofs-sub011/internal/core/linkstate"
	"github.com/aer0ss/aerofs-sub011/internal/core/metrics"
	"github.com/aer0ss/aerofs-sub011/internal/core/wire"
	"github.com/aer0ss/aerofs-sub011/internal/util/logger"
	"github.com/aer0ss/aerofs-sub011/pkg/types"
)

var log = logger.Logger("core/multicast")

// 默认参数
const (
	DefaultGroup             = "239.192.35.1"
	DefaultPort              = 29871
	DefaultTTL               = 1
	DefaultDedupCacheSize    = 4096
	DefaultPongRatePerSecond = 4
	DefaultMaxDatagramSize   = 1400
)

// readBufferSize 读缓冲大小
const readBufferSize = 64 * 1024

// 丢弃原因（指标标签）
const (
	dropBadMagic    = "bad_magic"
	dropBadChecksum = "bad_checksum"
	dropMalformed   = "malformed"
	dropDuplicate   = "duplicate"
)

// Config 组播配置
type Config struct {
	DedupCacheSize    int
	PongRatePerSecond float64
	MaxDatagramSize   int
}

// DefaultConfig 返回默认配置
func DefaultConfig() Config {
	return Config{
		DedupCacheSize:    DefaultDedupCacheSize,
		PongRatePerSecond: DefaultPongRatePerSecond,
		MaxDatagramSize:   DefaultMaxDatagramSize,
	}
}

// Advertiser 本机存储兴趣通告来源
type Advertiser interface {
	Initialized() bool
	Advertisement(remote *wire.Advertisement) *wire.Advertisement
}

// Handler 组播消息的去向
type Handler interface {
	// OnPong 收到远端通告，addr 为远端单播地址（未知时无效）
	OnPong(did types.DID, addr netip.AddrPort, adv *wire.Advertisement)

	// OnOffline 远端宣告下线
	OnOffline(did types.DID)

	// OnDatagram 收到去重后的组播数据报
	OnDatagram(did types.DID, sid types.SID, payload []byte)
}

type dedupKey struct {
	did types.DID
	id  uint64
}

type member struct {
	iface  net.Interface
	socket Socket
}

// Service 组播发现服务
type Service struct {
	cfg     Config
	did     types.DID
	exec    *executor.Executor
	factory SocketFactory
	adv     Advertiser
	handler Handler
	metrics *metrics.Metrics

	listenPort uint16
	members    map[int]*member
	dedup      *lru.Cache[dedupKey, struct{}]
	pongLimit  *rate.Limiter
	nextID     uint64
	stopped    bool

	readers sync.WaitGroup
}

// New 创建组播服务
func New(cfg Config, did types.DID, exec *executor.Executor, factory SocketFactory,
	adv Advertiser, handler Handler, m *metrics.Metrics) (*Service, error) {
	if cfg.DedupCacheSize <= 0 {
		cfg.DedupCacheSize = DefaultDedupCacheSize
	}
	if cfg.PongRatePerSecond <= 0 {
		cfg.PongRatePerSecond = DefaultPongRatePerSecond
	}
	if cfg.MaxDatagramSize <= 0 {
		cfg.MaxDatagramSize = DefaultMaxDatagramSize
	}
	dedup, err := lru.New[dedupKey, struct{}](cfg.DedupCacheSize)
	if err != nil {
		return nil, fmt.Errorf("create dedup cache: %w", err)
	}
	burst := max(1, int(cfg.PongRatePerSecond))
	return &Service{
		cfg:       cfg,
		did:       did,
		exec:      exec,
		factory:   factory,
		adv:       adv,
		handler:   handler,
		metrics:   m,
		members:   make(map[int]*member),
		dedup:     dedup,
		pongLimit: rate.NewLimiter(rate.Limit(cfg.PongRatePerSecond), burst),
		nextID:    rand.Uint64(),
	}, nil
}

// SetListenPort 设置在 ping/pong 中通告的单播监听端口
func (s *Service) SetListenPort(port uint16) { s.listenPort = port }

// Interfaces 当前加入组播组的接口索引
func (s *Service) Interfaces() []int {
	out := make([]int, 0, len(s.members))
	for idx := range s.members {
		out = append(out, idx)
	}
	return out
}

// ============================================================================
//                              链路状态
// ============================================================================

// OnLinkStateChanged 处理接口变化
//
// 新增接口加入组播组，移除的接口先发送 offline 再关闭。
// 有接口新加入时发送 ping，通告已初始化时再发送 pong。
func (s *Service) OnLinkStateChanged(change linkstate.Change) {
	if s.stopped {
		return
	}
	for _, iface := range change.Removed {
		if m, ok := s.members[iface.Index]; ok {
			s.sendOn(m, s.control(wire.TypeOffline))
			s.closeMember(m)
		}
	}

	joined := false
	for _, iface := range change.Added {
		if iface.Flags&net.FlagMulticast == 0 {
			continue
		}
		if _, ok := s.members[iface.Index]; ok {
			continue
		}
		sock, err := s.factory.Open(iface)
		if err != nil {
			log.Warn("打开组播套接字失败", "iface", iface.Name, "err", err)
			continue
		}
		m := &member{iface: iface, socket: sock}
		s.members[iface.Index] = m
		s.readers.Add(1)
		go s.readLoop(m)
		joined = true
		log.Info("已加入组播组", "iface", iface.Name)
	}

	if joined {
		s.SendPing()
		if s.adv.Initialized() {
			s.BroadcastPong()
		}
	}
}

func (s *Service) closeMember(m *member) {
	delete(s.members, m.iface.Index)
	if err := m.socket.Close(); err != nil {
		log.Debug("关闭组播套接字失败", "iface", m.iface.Name, "err", err)
	}
	log.Info("已离开组播组", "iface", m.iface.Name)
}

// Stop 发送 offline 并关闭所有套接字
func (s *Service) Stop() {
	if s.stopped {
		return
	}
	s.stopped = true
	off := s.control(wire.TypeOffline)
	for _, m := range s.members {
		s.sendOn(m, off)
		s.closeMember(m)
	}
	s.readers.Wait()
}

// ============================================================================
//                              发送
// ============================================================================

func (s *Service) control(t wire.Type) *wire.Header {
	return &wire.Header{Type: t, DID: s.did, ListenPort: s.listenPort}
}

// SendPing 广播 ping
func (s *Service) SendPing() {
	s.broadcast(s.control(wire.TypePing), nil)
}

// BroadcastPong 广播携带本机通告的 pong
func (s *Service) BroadcastPong() {
	h := s.control(wire.TypePong)
	h.Adv = s.adv.Advertisement(nil)
	s.broadcast(h, nil)
}

// SendDatagram 向所有接口组播数据报
func (s *Service) SendDatagram(sid types.SID, payload []byte) error {
	if s.stopped {
		return ErrStopped
	}
	if len(s.members) == 0 {
		return ErrNoInterfaces
	}
	s.nextID++
	h := &wire.Header{Type: wire.TypeMulticastDatagram, DID: s.did, SID: sid, MulticastID: s.nextID}
	b, err := wire.EncodeMulticast(h, payload)
	if err != nil {
		return err
	}
	if len(b) > s.cfg.MaxDatagramSize {
		return fmt.Errorf("%w: %d > %d", ErrDatagramTooLarge, len(b), s.cfg.MaxDatagramSize)
	}
	var sent bool
	var lastErr error
	for _, m := range s.members {
		if err := s.write(m, b); err != nil {
			lastErr = err
			continue
		}
		sent = true
	}
	if !sent {
		return fmt.Errorf("%w: %w", types.ErrTransportFailure, lastErr)
	}
	return nil
}

func (s *Service) broadcast(h *wire.Header, payload []byte) {
	b, err := wire.EncodeMulticast(h, payload)
	if err != nil {
		log.Error("编码组播帧失败", "type", h.Type, "err", err)
		return
	}
	for _, m := range s.members {
		if err := s.write(m, b); err != nil {
			log.Debug("组播发送失败", "iface", m.iface.Name, "type", h.Type, "err", err)
		}
	}
}

func (s *Service) sendOn(m *member, h *wire.Header) {
	b, err := wire.EncodeMulticast(h, nil)
	if err != nil {
		log.Error("编码组播帧失败", "type", h.Type, "err", err)
		return
	}
	if err := s.write(m, b); err != nil {
		log.Debug("组播发送失败", "iface", m.iface.Name, "type", h.Type, "err", err)
	}
}

func (s *Service) write(m *member, b []byte) error {
	if err := m.socket.WriteToGroup(b); err != nil {
		return err
	}
	s.metrics.BytesSent(len(b))
	s.metrics.Frame(metrics.DirectionOut, metrics.ChannelMulticast)
	return nil
}

// ============================================================================
//                              接收
// ============================================================================

func (s *Service) readLoop(m *member) {
	defer s.readers.Done()
	buf := make([]byte, readBufferSize)
	for {
		n, src, err := m.socket.ReadFrom(buf)
		if err != nil {
			if !errors.Is(err, ErrSocketClosed) {
				log.Warn("组播读取失败", "iface", m.iface.Name, "err", err)
			}
			return
		}
		s.metrics.BytesReceived(n)

		f, err := wire.DecodeMulticast(buf[:n])
		if err != nil {
			s.dropped(err, src)
			continue
		}
		s.metrics.Frame(metrics.DirectionIn, metrics.ChannelMulticast)
		s.exec.Submit(func() { s.handle(f, src) })
	}
}

func (s *Service) dropped(err error, src netip.AddrPort) {
	reason := dropMalformed
	switch {
	case errors.Is(err, wire.ErrBadMagic):
		reason = dropBadMagic
	case errors.Is(err, wire.ErrBadChecksum):
		reason = dropBadChecksum
	}
	s.metrics.FrameDropped(reason)
	log.Debug("丢弃组播帧", "src", src, "reason", reason, "err", err)
}

// handle 处理一个组播帧（执行上下文）
func (s *Service) handle(f *wire.Frame, src netip.AddrPort) {
	if s.stopped {
		return
	}
	h := f.Header
	if h.DID == s.did {
		return
	}

	switch h.Type {
	case wire.TypePing:
		s.onPing(h)
	case wire.TypePong:
		var addr netip.AddrPort
		if h.ListenPort != 0 && src.Addr().IsValid() {
			addr = netip.AddrPortFrom(src.Addr(), h.ListenPort)
		}
		s.handler.OnPong(h.DID, addr, h.Adv)
	case wire.TypeOffline:
		log.Debug("远端设备下线", "peer", h.DID.ShortString())
		s.handler.OnOffline(h.DID)
	case wire.TypeNop:
	case wire.TypeMulticastDatagram:
		if seen, _ := s.dedup.ContainsOrAdd(dedupKey{did: h.DID, id: h.MulticastID}, struct{}{}); seen {
			s.metrics.FrameDropped(dropDuplicate)
			return
		}
		s.handler.OnDatagram(h.DID, h.SID, f.Payload)
	default:
		s.metrics.FrameDropped(dropMalformed)
		log.Debug("组播通道不接受该类型", "type", h.Type, "peer", h.DID.ShortString())
	}
}

func (s *Service) onPing(h *wire.Header) {
	if !s.adv.Initialized() {
		return
	}
	if !s.pongLimit.AllowN(s.exec.Clock().Now(), 1) {
		log.Debug("pong 回复被限速", "peer", h.DID.ShortString())
		return
	}
	s.BroadcastPong()
}
