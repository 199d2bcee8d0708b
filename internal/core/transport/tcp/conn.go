package tcp

import (
	"bufio"
	"errors"
	"io"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/aer0ss/aerofs-sub011/internal/core/executor"
	"github.com/aer0ss/aerofs-sub011/internal/core/metrics"
	"github.com/aer0ss/aerofs-sub011/internal/core/peer"
	"github.com/aer0ss/aerofs-sub011/internal/core/pipeline"
	"github.com/aer0ss/aerofs-sub011/internal/core/wire"
	"github.com/aer0ss/aerofs-sub011/internal/util/future"
	"github.com/aer0ss/aerofs-sub011/pkg/types"
)

// 读循环投递重试的退避上限
const (
	enqueueBackoffMin = time.Millisecond
	enqueueBackoffMax = 100 * time.Millisecond
)

type writeReq struct {
	b    []byte
	done *future.Void
}

// socketConn 管线的 Sink：一条 TCP 套接字
//
// Process 只在执行上下文中调用；读写循环运行在各自的 goroutine 中。
type socketConn struct {
	t      *Transport
	conn   *peer.Connection
	remote netip.AddrPort

	// 以下字段只在执行上下文中访问
	nc      net.Conn
	dialing bool

	writes  chan writeReq
	closing chan struct{}

	closeOnce sync.Once
	mu        sync.Mutex
	reason    error
	opened    bool

	markOnce sync.Once
}

var _ pipeline.Sink = (*socketConn)(nil)

func newSocketConn(t *Transport, conn *peer.Connection, remote netip.AddrPort) *socketConn {
	return &socketConn{
		t:       t,
		conn:    conn,
		remote:  remote,
		writes:  make(chan writeReq, t.cfg.SendQueueDepth),
		closing: make(chan struct{}),
	}
}

func (sc *socketConn) isClosing() bool {
	select {
	case <-sc.closing:
		return true
	default:
		return false
	}
}

// establish 绑定已建立的套接字并启动读写循环（执行上下文）
func (sc *socketConn) establish(nc net.Conn) bool {
	sc.mu.Lock()
	if sc.isClosing() || sc.t.ctx.Err() != nil {
		sc.mu.Unlock()
		_ = nc.Close()
		return false
	}
	sc.nc = nc
	sc.opened = true
	sc.mu.Unlock()
	sc.t.metrics.ConnectionOpened()

	sc.t.group.Go(func() error {
		sc.readLoop(nc)
		return nil
	})
	sc.t.group.Go(func() error {
		sc.writeLoop(nc)
		return nil
	})
	return true
}

// Process 实现 pipeline.Sink
func (sc *socketConn) Process(ev *pipeline.Event) {
	switch ev.Kind {
	case pipeline.KindConnect:
		switch {
		case sc.isClosing():
			ev.Done.TryFail(peer.ErrConnectionClosed)
		case sc.nc != nil || sc.conn.Inbound():
			ev.Done.TrySet(struct{}{})
		case sc.dialing:
			ev.Done.TryFail(errors.New("dial already in progress"))
		default:
			sc.dialing = true
			sc.t.dial(sc, ev)
		}

	case pipeline.KindMessage:
		b, ok := ev.Message.([]byte)
		if !ok {
			ev.Done.TryFail(ErrBadMessage)
			return
		}
		sc.write(b, ev.Done)

	case pipeline.KindDisconnect:
		sc.close(ev.Cause)
		ev.Done.TrySet(struct{}{})

	case pipeline.KindRead:
		ev.Done.TrySet(struct{}{})

	case pipeline.KindException:
		// 处理器异常：失败触发操作并断开连接
		log.Debug("连接管线异常", "conn", sc.conn.ID(), "err", ev.Cause)
		ev.Done.TryFail(ev.Cause)
		sc.close(ev.Cause)
	}
}

func (sc *socketConn) write(b []byte, done *future.Void) {
	if sc.isClosing() {
		done.TryFail(peer.ErrConnectionClosed)
		return
	}
	if sc.nc == nil {
		done.TryFail(ErrNotConnected)
		return
	}
	select {
	case sc.writes <- writeReq{b: b, done: done}:
	default:
		sc.t.metrics.QueueOverflow("send")
		done.TryFail(ErrSendQueueFull)
	}
}

// complete 在执行上下文中完成写出句柄
func (sc *socketConn) complete(done *future.Void, err error) {
	sc.t.exec.Submit(func() {
		if err != nil {
			done.TryFail(err)
			return
		}
		done.TrySet(struct{}{})
	})
}

func (sc *socketConn) writeLoop(nc net.Conn) {
	w := bufio.NewWriter(nc)
	for {
		select {
		case <-sc.closing:
			sc.failWrites()
			return
		case req := <-sc.writes:
			_, err := w.Write(req.b)
			if err == nil && len(sc.writes) == 0 {
				err = w.Flush()
			}
			if err != nil {
				sc.complete(req.done, err)
				sc.close(err)
				sc.failWrites()
				return
			}
			sc.t.metrics.BytesSent(len(req.b))
			sc.t.metrics.Frame(metrics.DirectionOut, metrics.ChannelUnicast)
			sc.complete(req.done, nil)
		}
	}
}

func (sc *socketConn) failWrites() {
	for {
		select {
		case req := <-sc.writes:
			sc.complete(req.done, peer.ErrConnectionClosed)
		default:
			return
		}
	}
}

// readLoop 读取帧体并按到达顺序投递到执行上下文
//
// 关闭通知走同一条通道，排在已读到的帧之后。
func (sc *socketConn) readLoop(nc net.Conn) {
	r := bufio.NewReader(nc)
	var cause error
	for {
		body, err := wire.ReadBody(r, sc.t.cfg.MaxFrameSize)
		if err != nil {
			cause = err
			break
		}
		sc.t.metrics.BytesReceived(len(body))
		sc.t.metrics.Frame(metrics.DirectionIn, metrics.ChannelUnicast)
		pipe := sc.conn.Pipeline()
		if !sc.deliver(func() {
			pipe.ProcessIncoming(pipeline.NewMessage(body, types.PriorityLow))
		}) {
			break
		}
	}

	sc.close(closeReason(cause))
	sc.deliver(sc.markClosed)
}

// deliver 以低优先级投递到执行上下文，队列满时退避重试
func (sc *socketConn) deliver(fn func()) bool {
	backoff := enqueueBackoffMin
	for {
		err := sc.t.exec.Enqueue(types.PriorityLow, fn)
		if err == nil {
			return true
		}
		if !errors.Is(err, executor.ErrQueueFull) {
			return false
		}
		select {
		case <-sc.t.ctx.Done():
			return false
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, enqueueBackoffMax)
	}
}

func closeReason(err error) error {
	if err == nil || errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
		return peer.ErrConnectionClosed
	}
	return err
}

// close 关闭套接字（任意 goroutine，可重复调用）
func (sc *socketConn) close(reason error) {
	sc.closeOnce.Do(func() {
		if reason == nil {
			reason = peer.ErrConnectionClosed
		}
		sc.mu.Lock()
		sc.reason = reason
		close(sc.closing)
		nc, opened := sc.nc, sc.opened
		sc.mu.Unlock()

		sc.t.untrack(sc)
		if nc != nil {
			_ = nc.Close()
		}
		if opened {
			sc.t.metrics.ConnectionClosed()
		} else {
			// 没有读循环负责通知
			sc.t.exec.Submit(sc.markClosed)
		}
		log.Debug("TCP 连接已关闭", "conn", sc.conn.ID(), "peer", sc.conn.DID().ShortString(), "reason", reason)
	})
}

// markClosed 通知连接已关闭（执行上下文）
func (sc *socketConn) markClosed() {
	sc.markOnce.Do(func() {
		sc.mu.Lock()
		reason := sc.reason
		sc.mu.Unlock()
		sc.conn.MarkClosed(reason)
	})
}
