package tcp

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/aer0ss/aerofs-sub011/internal/core/executor"
	"github.com/aer0ss/aerofs-sub011/internal/core/metrics"
	"github.com/aer0ss/aerofs-sub011/internal/core/peer"
	"github.com/aer0ss/aerofs-sub011/internal/core/pipeline"
	"github.com/aer0ss/aerofs-sub011/internal/core/wire"
	"github.com/aer0ss/aerofs-sub011/internal/util/logger"
	"github.com/aer0ss/aerofs-sub011/pkg/interfaces"
	"github.com/aer0ss/aerofs-sub011/pkg/types"
)

var log = logger.Logger("core/transport/tcp")

// 默认参数
const (
	DefaultListenAddr       = ":0"
	DefaultSendQueueDepth   = 256
	DefaultHandshakeTimeout = 10 * time.Second
	DefaultKeepAlive        = 30 * time.Second
)

// Config TCP 传输配置
type Config struct {
	ListenAddr       string
	MaxFrameSize     int
	SendQueueDepth   int
	HandshakeTimeout time.Duration
	KeepAlive        time.Duration
}

// DefaultConfig 返回默认配置
func DefaultConfig() Config {
	return Config{
		ListenAddr:       DefaultListenAddr,
		MaxFrameSize:     wire.DefaultMaxFrameSize,
		SendQueueDepth:   DefaultSendQueueDepth,
		HandshakeTimeout: DefaultHandshakeTimeout,
		KeepAlive:        DefaultKeepAlive,
	}
}

// Resolver 查询设备的单播地址
type Resolver func(did types.DID) (netip.AddrPort, error)

// Advertiser 本机存储兴趣通告
type Advertiser func(remote *wire.Advertisement) *wire.Advertisement

// Dispatcher 连接上收到的控制消息的去向
//
// 所有回调都在执行上下文中调用。
type Dispatcher interface {
	// OnInbound 被动连接完成握手
	OnInbound(did types.DID, conn *peer.Connection)

	// OnStores 收到远端存储兴趣通告，addr 为远端监听地址（未知时无效）
	OnStores(did types.DID, addr netip.AddrPort, adv *wire.Advertisement)

	// OnPulseReply 收到心跳应答
	OnPulseReply(did types.DID, pulseID uint64)

	// OnRemoteAbort 远端中止了本端正在发送的流
	OnRemoteAbort(did types.DID, id types.StreamID, reason wire.AbortReason)
}

// ============================================================================
//                              Transport 实现
// ============================================================================

// Transport TCP 单播传输
type Transport struct {
	cfg      Config
	did      types.DID
	exec     *executor.Executor
	resolve  Resolver
	adv      Advertiser
	dispatch Dispatcher
	receiver interfaces.Receiver
	metrics  *metrics.Metrics

	dialer net.Dialer

	ctx    context.Context
	cancel context.CancelFunc
	group  errgroup.Group

	mu       sync.Mutex
	listener net.Listener
	port     uint16
	conns    map[*socketConn]struct{}
	closed   bool
}

// 确保实现 peer.Connector
var _ peer.Connector = (*Transport)(nil)

// New 创建 TCP 传输
func New(cfg Config, did types.DID, exec *executor.Executor, resolve Resolver, adv Advertiser,
	dispatch Dispatcher, receiver interfaces.Receiver, m *metrics.Metrics) *Transport {
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = DefaultListenAddr
	}
	if cfg.MaxFrameSize <= 0 {
		cfg.MaxFrameSize = wire.DefaultMaxFrameSize
	}
	if cfg.SendQueueDepth <= 0 {
		cfg.SendQueueDepth = DefaultSendQueueDepth
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if receiver == nil {
		receiver = interfaces.NopReceiver{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Transport{
		cfg:      cfg,
		did:      did,
		exec:     exec,
		resolve:  resolve,
		adv:      adv,
		dispatch: dispatch,
		receiver: receiver,
		metrics:  m,
		dialer:   net.Dialer{KeepAlive: cfg.KeepAlive},
		ctx:      ctx,
		cancel:   cancel,
		conns:    make(map[*socketConn]struct{}),
	}
}

// Start 开始监听
func (t *Transport) Start(ctx context.Context) error {
	var lc net.ListenConfig
	l, err := lc.Listen(ctx, "tcp", t.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("监听失败: %w", err)
	}
	addr, ok := l.Addr().(*net.TCPAddr)
	if !ok {
		_ = l.Close()
		return fmt.Errorf("不是 TCP 监听器: %T", l.Addr())
	}

	t.mu.Lock()
	t.listener = l
	t.port = uint16(addr.Port)
	t.mu.Unlock()

	t.group.Go(func() error {
		t.acceptLoop(l)
		return nil
	})
	log.Info("TCP 传输已启动", "addr", addr.String())
	return nil
}

// ListenPort 实际监听端口
func (t *Transport) ListenPort() uint16 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.port
}

// Stop 关闭监听器和全部连接，等待所有 goroutine 退出
func (t *Transport) Stop() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	l := t.listener
	conns := make([]*socketConn, 0, len(t.conns))
	for sc := range t.conns {
		conns = append(conns, sc)
	}
	t.mu.Unlock()

	t.cancel()
	var err error
	if l != nil {
		if cerr := l.Close(); cerr != nil && !errors.Is(cerr, net.ErrClosed) {
			err = cerr
		}
	}
	for _, sc := range conns {
		sc.close(ErrTransportClosed)
	}
	if werr := t.group.Wait(); werr != nil && err == nil {
		err = werr
	}
	log.Info("TCP 传输已停止")
	return err
}

func (t *Transport) track(sc *socketConn) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return false
	}
	t.conns[sc] = struct{}{}
	return true
}

func (t *Transport) untrack(sc *socketConn) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.conns, sc)
}

// ============================================================================
//                              主动连接
// ============================================================================

// Connect 实现 peer.Connector
//
// 立即返回连接，拨号和前导交换在后台完成，结果通过 Connected 通知。
func (t *Transport) Connect(did types.DID) (*peer.Connection, error) {
	addr, err := t.resolve(did)
	if err != nil {
		return nil, err
	}
	conn := peer.NewConnection(uuid.NewString(), did, false)
	sc := newSocketConn(t, conn, addr)
	if !t.track(sc) {
		return nil, ErrTransportClosed
	}
	t.attach(conn, sc)
	conn.Connect()
	log.Debug("发起 TCP 连接", "peer", did.ShortString(), "addr", addr, "conn", conn.ID())
	return conn, nil
}

// dial 后台拨号，结果回到执行上下文
func (t *Transport) dial(sc *socketConn, ev *pipeline.Event) {
	t.group.Go(func() error {
		nc, err := t.dialer.DialContext(t.ctx, "tcp", sc.remote.String())
		t.exec.Submit(func() {
			if err != nil {
				err = fmt.Errorf("%w: %s: %w", ErrDialFailed, sc.remote, err)
				ev.Done.TryFail(err)
				sc.close(err)
				return
			}
			if !sc.establish(nc) {
				ev.Done.TryFail(peer.ErrConnectionClosed)
				return
			}
			ev.Done.TrySet(struct{}{})
		})
		return nil
	})
}

// ============================================================================
//                              被动连接
// ============================================================================

func (t *Transport) acceptLoop(l net.Listener) {
	for {
		nc, err := l.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) || t.ctx.Err() != nil {
				return
			}
			log.Warn("接受连接失败", "err", err)
			continue
		}
		t.accept(nc)
	}
}

func (t *Transport) accept(nc net.Conn) {
	if tc, ok := nc.(*net.TCPConn); ok {
		_ = tc.SetNoDelay(true)
		if t.cfg.KeepAlive > 0 {
			_ = tc.SetKeepAlive(true)
			_ = tc.SetKeepAlivePeriod(t.cfg.KeepAlive)
		}
	}
	var remote netip.AddrPort
	if ta, ok := nc.RemoteAddr().(*net.TCPAddr); ok {
		ap := ta.AddrPort()
		remote = netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port())
	}

	conn := peer.NewConnection(uuid.NewString(), types.EmptyDID, true)
	sc := newSocketConn(t, conn, remote)
	if !t.track(sc) {
		_ = nc.Close()
		return
	}
	hs := t.attach(conn, sc)
	log.Debug("接受 TCP 连接", "remote", remote, "conn", conn.ID())
	t.exec.Submit(func() {
		if sc.establish(nc) {
			hs.armTimeout()
		}
	})
}

// attach 构建连接管线
func (t *Transport) attach(conn *peer.Connection, sc *socketConn) *handshake {
	sess := &session{t: t, conn: conn, sc: sc}
	hs := &handshake{sess: sess}
	p, err := pipeline.NewBuilder().
		MustAdd(&codec{sess: sess}, pipeline.PositionLast).
		MustAdd(hs, pipeline.PositionLast).
		MustAdd(&pulseResponder{sess: sess}, pipeline.PositionLast).
		MustAdd(newStreamDemux(sess), pipeline.PositionLast).
		MustAdd(&dispatcher{sess: sess}, pipeline.PositionLast).
		Build(sc)
	if err != nil {
		// 只有 sink 为空时才会失败
		panic(err)
	}
	conn.Attach(p)
	return hs
}
