// Package peer 实现每个远端设备的连接状态机
//
// 状态：
//
//	Idle ──操作入队──▶ Connecting ──成功──▶ Connected ──连接全部关闭──▶ Idle
//	  │                    │ 失败/超时                     │
//	  │                    ▼                              │
//	  │                  Idle（排队的心跳保留并延迟重连）     │
//	  └──────────── Destroy ──────────▶ Destroyed ◀────────┘
//
// 有主连接时操作立即发出；否则进入有界优先级队列并发起建连。
// 建连成功后先把队列整体取出再依次重放，高优先级在前。
// 所有回调都校验 p.pending == conn，迟到的结果被丢弃。
//
// Peer 的所有方法都必须在执行上下文中调用。
package peer

import (
	"fmt"
	"time"

	"github.com/aer0ss/aerofs-sub011/internal/core/executor"
	"github.com/aer0ss/aerofs-sub011/internal/core/metrics"
	"github.com/aer0ss/aerofs-sub011/internal/core/wire"
	"github.com/aer0ss/aerofs-sub011/internal/util/future"
	"github.com/aer0ss/aerofs-sub011/internal/util/logger"
	"github.com/aer0ss/aerofs-sub011/pkg/types"
)

var log = logger.Logger("core/peer")

// 默认参数
const (
	DefaultConnectTimeout = 10 * time.Second
	DefaultReconnectDelay = 2 * time.Second
	DefaultMaxConnections = 2
)

// Config Peer 配置
type Config struct {
	ConnectTimeout time.Duration
	ReconnectDelay time.Duration
	QueueDepth     int
	MaxConnections int
}

// DefaultConfig 返回默认配置
func DefaultConfig() Config {
	return Config{
		ConnectTimeout: DefaultConnectTimeout,
		ReconnectDelay: DefaultReconnectDelay,
		QueueDepth:     DefaultQueueDepth,
		MaxConnections: DefaultMaxConnections,
	}
}

// Connector 新建到设备的连接
//
// Connect 不能阻塞：返回的连接已经发起握手，结果通过 Connected 通知。
type Connector interface {
	Connect(did types.DID) (*Connection, error)
}

// StatusFunc 设备在线状态变化回调（第一条连接建立 / 最后一条连接关闭）
type StatusFunc func(did types.DID, online bool, reason error)

// Peer 单个远端设备的连接状态
type Peer struct {
	did       types.DID
	cfg       Config
	exec      *executor.Executor
	connector Connector
	metrics   *metrics.Metrics
	onStatus  StatusFunc

	conns []*Connection

	pending      *Connection
	pendingTimer *executor.Timer

	reconnectTimer *executor.Timer

	queue *opQueue

	destroyed bool
}

// New 创建 Peer
func New(did types.DID, cfg Config, exec *executor.Executor, connector Connector, m *metrics.Metrics) *Peer {
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = DefaultMaxConnections
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = DefaultConnectTimeout
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = DefaultReconnectDelay
	}
	return &Peer{
		did:       did,
		cfg:       cfg,
		exec:      exec,
		connector: connector,
		metrics:   m,
		queue:     newOpQueue(cfg.QueueDepth),
	}
}

// SetStatusFunc 设置在线状态回调
func (p *Peer) SetStatusFunc(fn StatusFunc) { p.onStatus = fn }

// DID 远端设备
func (p *Peer) DID() types.DID { return p.did }

// IsConnected 是否有可用连接
func (p *Peer) IsConnected() bool { return len(p.conns) > 0 }

// IsConnecting 是否有进行中的建连
func (p *Peer) IsConnecting() bool { return p.pending != nil }

// IsDestroyed 是否已销毁
func (p *Peer) IsDestroyed() bool { return p.destroyed }

// Connections 当前连接（第一个为主连接）
func (p *Peer) Connections() []*Connection {
	return append([]*Connection(nil), p.conns...)
}

// QueueLen 排队中的操作数
func (p *Peer) QueueLen() int { return p.queue.len() }

// IsIdle 没有连接、没有建连、没有排队操作也没有待重连
func (p *Peer) IsIdle() bool {
	return !p.destroyed && len(p.conns) == 0 && p.pending == nil &&
		p.queue.len() == 0 && p.reconnectTimer == nil
}

func (p *Peer) primary() *Connection {
	if len(p.conns) == 0 {
		return nil
	}
	return p.conns[0]
}

// ============================================================================
//                              操作
// ============================================================================

// SendDatagram 发送数据报
func (p *Peer) SendDatagram(sid types.SID, payload []byte, prio types.Priority) *future.Void {
	return p.submit(&op{kind: opDatagram, prio: prio, frame: DatagramFrame(sid, payload), done: future.NewVoid()})
}

// Pulse 发送心跳请求
func (p *Peer) Pulse(pulseID uint64, prio types.Priority) *future.Void {
	return p.submit(&op{kind: opPulse, prio: prio, frame: PulseFrame(pulseID), done: future.NewVoid()})
}

// BeginStream 开始发送流
//
// 返回的 Connection 是后续数据块的绑定凭据。
func (p *Peer) BeginStream(id types.StreamID, sid types.SID, prio types.Priority) *future.Future[*Connection] {
	o := &op{kind: opStreamBegin, prio: prio, frame: StreamBeginFrame(id, sid), stream: future.New[*Connection]()}
	if p.destroyed {
		o.fail(ErrPeerDestroyed)
		return o.stream
	}
	if c := p.primary(); c != nil {
		p.issue(c, o)
		return o.stream
	}
	p.enqueue(o)
	return o.stream
}

// SendChunk 在绑定的连接上发送流数据块
func (p *Peer) SendChunk(cookie *Connection, id types.StreamID, seq uint32, payload []byte, prio types.Priority) *future.Void {
	if err := p.checkPin(cookie); err != nil {
		return future.Failed[struct{}](err)
	}
	return cookie.Send(StreamChunkFrame(id, seq, payload), prio)
}

// EndStream 结束流
func (p *Peer) EndStream(cookie *Connection, id types.StreamID, prio types.Priority) *future.Void {
	if err := p.checkPin(cookie); err != nil {
		return future.Failed[struct{}](err)
	}
	return cookie.Send(StreamEndFrame(id), prio)
}

// AbortStream 中止流
func (p *Peer) AbortStream(cookie *Connection, id types.StreamID, reason wire.AbortReason, prio types.Priority) *future.Void {
	if err := p.checkPin(cookie); err != nil {
		return future.Failed[struct{}](err)
	}
	return cookie.Send(StreamAbortFrame(id, reason), prio)
}

func (p *Peer) checkPin(cookie *Connection) error {
	if p.destroyed {
		return ErrPeerDestroyed
	}
	if cookie == nil || cookie.IsClosed() || !p.hasConnection(cookie) {
		return ErrStreamPinLost
	}
	return nil
}

func (p *Peer) hasConnection(c *Connection) bool {
	for _, x := range p.conns {
		if x == c {
			return true
		}
	}
	return false
}

func (p *Peer) submit(o *op) *future.Void {
	if p.destroyed {
		o.fail(ErrPeerDestroyed)
		return o.done
	}
	if c := p.primary(); c != nil {
		p.issue(c, o)
		return o.done
	}
	p.enqueue(o)
	return o.done
}

func (p *Peer) enqueue(o *op) {
	if err := p.queue.push(o); err != nil {
		p.metrics.QueueOverflow("peer")
		log.Debug("待发送队列已满", "peer", p.did.ShortString(), "prio", o.prio)
		o.fail(err)
		return
	}
	p.startConnect()
}

// issue 在连接上发出操作
func (p *Peer) issue(c *Connection, o *op) {
	sent := c.Send(o.frame, o.prio)
	if o.kind == opStreamBegin {
		sent.AddListener(func(_ struct{}, err error) {
			if err != nil {
				o.stream.TryFail(err)
				return
			}
			o.stream.TrySet(c)
		})
		return
	}
	sent.AddListener(func(_ struct{}, err error) {
		if err != nil {
			o.done.TryFail(err)
			return
		}
		o.done.TrySet(struct{}{})
	})
}

// ============================================================================
//                              建连
// ============================================================================

func (p *Peer) startConnect() {
	if p.pending != nil || p.destroyed || p.primary() != nil {
		return
	}
	if p.reconnectTimer != nil {
		p.reconnectTimer.Cancel()
		p.reconnectTimer = nil
	}

	conn, err := p.connector.Connect(p.did)
	if err != nil {
		log.Debug("无法发起连接", "peer", p.did.ShortString(), "err", err)
		p.metrics.ConnectAttempt(metrics.ResultFailure)
		p.failQueue(err)
		return
	}

	p.pending = conn
	p.pendingTimer = p.exec.Schedule(p.cfg.ConnectTimeout, func() { p.onConnectTimeout(conn) })
	p.watchClosed(conn)
	conn.Connected().AddListener(func(_ struct{}, err error) {
		p.exec.Submit(func() {
			if err != nil {
				p.onConnectFailed(conn, err)
				return
			}
			p.onConnectSucceeded(conn)
		})
	})
	log.Debug("发起连接", "peer", p.did.ShortString(), "conn", conn.ID())
}

func (p *Peer) watchClosed(conn *Connection) {
	conn.Closed().AddListener(func(_ struct{}, err error) {
		p.exec.Submit(func() { p.onConnectionClosed(conn, err) })
	})
}

func (p *Peer) clearPending() {
	p.pending = nil
	if p.pendingTimer != nil {
		p.pendingTimer.Cancel()
		p.pendingTimer = nil
	}
}

func (p *Peer) onConnectSucceeded(conn *Connection) {
	if p.pending != conn || p.destroyed {
		log.Debug("丢弃迟到的建连结果", "peer", p.did.ShortString(), "conn", conn.ID())
		conn.Disconnect(ErrStaleConnection)
		return
	}
	p.clearPending()
	p.metrics.ConnectAttempt(metrics.ResultSuccess)
	p.addConnection(conn)
	log.Debug("连接已建立", "peer", p.did.ShortString(), "conn", conn.ID())
}

func (p *Peer) onConnectFailed(conn *Connection, err error) {
	if p.pending != conn || p.destroyed {
		return
	}
	p.clearPending()
	p.metrics.ConnectAttempt(metrics.ResultFailure)
	log.Debug("建连失败", "peer", p.did.ShortString(), "err", err)
	p.failQueue(err)
}

func (p *Peer) onConnectTimeout(conn *Connection) {
	if p.pending != conn || p.destroyed {
		return
	}
	p.clearPending()
	p.metrics.ConnectAttempt(metrics.ResultTimeout)
	log.Debug("建连超时", "peer", p.did.ShortString(), "timeout", p.cfg.ConnectTimeout)
	conn.Disconnect(ErrConnectTimeout)
	p.failQueue(ErrConnectTimeout)
}

// failQueue 失败全部排队操作，心跳重新入队并延迟重连
func (p *Peer) failQueue(cause error) {
	for _, o := range p.queue.drain() {
		if o.kind == opPulse {
			_ = p.queue.push(o)
			continue
		}
		o.fail(cause)
	}
	if p.queue.hasPulse() && p.reconnectTimer == nil {
		p.reconnectTimer = p.exec.Schedule(p.cfg.ReconnectDelay, func() {
			p.reconnectTimer = nil
			if p.queue.len() > 0 {
				p.startConnect()
			}
		})
	}
}

// AddConnection 加入已建立的连接（被动接受的连接复用）
func (p *Peer) AddConnection(conn *Connection) {
	if p.destroyed {
		conn.Disconnect(ErrPeerDestroyed)
		return
	}
	if p.hasConnection(conn) {
		return
	}
	p.watchClosed(conn)
	p.addConnection(conn)
}

func (p *Peer) addConnection(conn *Connection) {
	wasOnline := len(p.conns) > 0
	p.conns = append(p.conns, conn)
	if len(p.conns) > p.cfg.MaxConnections {
		oldest := p.conns[0]
		p.conns = p.conns[1:]
		log.Debug("连接池已满，断开最旧的连接", "peer", p.did.ShortString(), "conn", oldest.ID())
		oldest.Disconnect(ErrConnectionEvicted)
	}
	if !wasOnline && p.onStatus != nil {
		p.onStatus(p.did, true, nil)
	}
	p.replay()
}

// replay 先整体取出队列，再在主连接上依次重放
func (p *Peer) replay() {
	if p.queue.len() == 0 {
		return
	}
	if p.reconnectTimer != nil {
		p.reconnectTimer.Cancel()
		p.reconnectTimer = nil
	}
	ops := p.queue.drain()
	for _, o := range ops {
		c := p.primary()
		if c == nil {
			o.fail(ErrConnectionClosed)
			continue
		}
		p.issue(c, o)
	}
}

func (p *Peer) onConnectionClosed(conn *Connection, err error) {
	if conn == p.pending {
		if err == nil {
			err = ErrConnectionClosed
		}
		p.onConnectFailed(conn, err)
		return
	}

	idx := -1
	for i, c := range p.conns {
		if c == conn {
			idx = i
			break
		}
	}
	if idx < 0 {
		return
	}
	p.conns = append(p.conns[:idx], p.conns[idx+1:]...)
	log.Debug("连接已关闭", "peer", p.did.ShortString(), "conn", conn.ID(), "err", err)

	if len(p.conns) == 0 && !p.destroyed && p.onStatus != nil {
		p.onStatus(p.did, false, err)
	}
}

// ============================================================================
//                              销毁
// ============================================================================

// Destroy 销毁 Peer，断开全部连接并失败全部排队操作
//
// 可重复调用。销毁后的操作立即以 ErrPeerDestroyed 失败。
func (p *Peer) Destroy(reason error) {
	if p.destroyed {
		return
	}
	p.destroyed = true

	cause := ErrPeerDestroyed
	if reason != nil {
		cause = fmt.Errorf("%w: %w", ErrPeerDestroyed, reason)
	}

	if p.reconnectTimer != nil {
		p.reconnectTimer.Cancel()
		p.reconnectTimer = nil
	}
	if pending := p.pending; pending != nil {
		p.clearPending()
		pending.Disconnect(cause)
	}
	wasOnline := len(p.conns) > 0
	for _, c := range p.conns {
		c.Disconnect(cause)
	}
	p.conns = nil

	for _, o := range p.queue.drain() {
		o.fail(cause)
	}

	log.Debug("Peer 已销毁", "peer", p.did.ShortString(), "reason", reason)
	if wasOnline && p.onStatus != nil {
		p.onStatus(p.did, false, cause)
	}
}
