package peer

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aer0ss/aerofs-sub011/internal/core/executor"
	"github.com/aer0ss/aerofs-sub011/internal/core/pipeline"
	"github.com/aer0ss/aerofs-sub011/internal/core/wire"
	"github.com/aer0ss/aerofs-sub011/internal/util/future"
	"github.com/aer0ss/aerofs-sub011/pkg/types"
)

// ============================================================================
//                              测试辅助
// ============================================================================

// fakeSink 模拟套接字：记录连接请求，消息立即写出成功
type fakeSink struct {
	mu      sync.Mutex
	conn    *Connection
	connect *pipeline.Event
	sent    []*wire.Frame
}

func (s *fakeSink) Process(ev *pipeline.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch ev.Kind {
	case pipeline.KindConnect:
		s.connect = ev
	case pipeline.KindMessage:
		s.sent = append(s.sent, ev.Message.(*wire.Frame))
		future.Complete(ev.Done)
	case pipeline.KindDisconnect:
		ev.Done.TrySet(struct{}{})
		s.conn.MarkClosed(ev.Cause)
	}
}

func (s *fakeSink) frames() []*wire.Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*wire.Frame(nil), s.sent...)
}

// fakeConnector 记录每次建连
type fakeConnector struct {
	mu    sync.Mutex
	sinks []*fakeSink
	err   error
}

func (c *fakeConnector) Connect(did types.DID) (*Connection, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return nil, c.err
	}
	conn, sink := newFakeConnection(fmt.Sprintf("out-%d", len(c.sinks)), did, false)
	c.sinks = append(c.sinks, sink)
	conn.Connect()
	return conn, nil
}

func (c *fakeConnector) attempts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sinks)
}

func (c *fakeConnector) sink(i int) *fakeSink {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sinks[i]
}

func newFakeConnection(id string, did types.DID, inbound bool) (*Connection, *fakeSink) {
	conn := NewConnection(id, did, inbound)
	sink := &fakeSink{conn: conn}
	p, err := pipeline.NewBuilder().Build(sink)
	if err != nil {
		panic(err)
	}
	conn.Attach(p)
	return conn, sink
}

type harness struct {
	t         *testing.T
	clock     *clock.Mock
	exec      *executor.Executor
	connector *fakeConnector
	peer      *Peer
	status    []bool
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	h := &harness{t: t, clock: clock.NewMock(), connector: &fakeConnector{}}
	h.exec = executor.New(64, h.clock)
	h.exec.Start()
	t.Cleanup(h.exec.Stop)
	h.peer = New(types.RandomDID(), cfg, h.exec, h.connector, nil)
	h.peer.SetStatusFunc(func(_ types.DID, online bool, _ error) { h.status = append(h.status, online) })
	return h
}

// do 在执行上下文中运行 fn 并等待排在前面的内部任务完成
func (h *harness) do(fn func()) {
	h.t.Helper()
	require.NoError(h.t, h.exec.Call(context.Background(), fn))
}

func (h *harness) sync() { h.do(func() {}) }

func waitDone(t *testing.T, f *future.Void) error {
	t.Helper()
	select {
	case <-f.Done():
		return f.Err()
	case <-time.After(2 * time.Second):
		t.Fatal("future 未完成")
		return nil
	}
}

// ============================================================================
//                              测试用例
// ============================================================================

// TestPeer_ReplayOrder 测试建连后按优先级、同优先级按入队顺序重放
func TestPeer_ReplayOrder(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	sid := types.RandomSID()

	var futures []*future.Void
	h.do(func() {
		futures = append(futures,
			h.peer.SendDatagram(sid, []byte("low-1"), types.PriorityLow),
			h.peer.SendDatagram(sid, []byte("high-1"), types.PriorityHigh),
			h.peer.SendDatagram(sid, []byte("low-2"), types.PriorityLow),
			h.peer.SendDatagram(sid, []byte("high-2"), types.PriorityHigh),
		)
	})
	require.Equal(t, 1, h.connector.attempts(), "只发起一次建连")

	sink := h.connector.sink(0)
	future.Complete(sink.connect.Done)
	h.sync()

	var got []string
	for _, f := range sink.frames() {
		got = append(got, string(f.Payload))
	}
	assert.Equal(t, []string{"high-1", "high-2", "low-1", "low-2"}, got)
	for _, f := range futures {
		assert.NoError(t, waitDone(t, f))
	}
	assert.Equal(t, []bool{true}, h.status)

	// 已连接时立即发出
	h.do(func() { h.peer.SendDatagram(sid, []byte("direct"), types.PriorityLow) })
	assert.Len(t, sink.frames(), 5)

	t.Log("✅ 同优先级 FIFO 重放，高优先级在前")
}

// TestPeer_ConnectionBounds 测试最多两条连接、最多一个进行中的建连
func TestPeer_ConnectionBounds(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	sid := types.RandomSID()

	h.do(func() {
		for i := 0; i < 10; i++ {
			h.peer.SendDatagram(sid, nil, types.PriorityLow)
		}
		assert.True(t, h.peer.IsConnecting())
	})
	assert.Equal(t, 1, h.connector.attempts())

	var inbound []*Connection
	for i := 0; i < 3; i++ {
		c, _ := newFakeConnection(fmt.Sprintf("in-%d", i), h.peer.DID(), true)
		inbound = append(inbound, c)
		h.do(func() { h.peer.AddConnection(c) })
	}
	h.sync()

	h.do(func() {
		conns := h.peer.Connections()
		assert.Len(t, conns, 2)
		assert.Same(t, inbound[1], conns[0], "最旧的连接被断开后次旧的成为主连接")
		assert.Equal(t, 0, h.peer.QueueLen())
	})
	assert.True(t, inbound[0].IsClosed())

	// 进行中的建连成功后仍受上限约束
	future.Complete(h.connector.sink(0).connect.Done)
	h.sync()
	h.do(func() {
		assert.Len(t, h.peer.Connections(), 2)
		assert.False(t, h.peer.IsConnecting())
	})
}

// TestPeer_LateSuccessRejected 测试超时后迟到的建连成功被拒绝
func TestPeer_LateSuccessRejected(t *testing.T) {
	h := newHarness(t, DefaultConfig())

	var f *future.Void
	h.do(func() { f = h.peer.SendDatagram(types.RandomSID(), nil, types.PriorityLow) })

	h.clock.Add(DefaultConnectTimeout + time.Second)
	err := waitDone(t, f)
	assert.ErrorIs(t, err, ErrConnectTimeout)
	assert.ErrorIs(t, err, types.ErrDeviceUnreachable)

	sink := h.connector.sink(0)
	future.Complete(sink.connect.Done)
	h.sync()

	// 直接投递迟到的成功回调，身份校验应拒绝
	h.do(func() { h.peer.onConnectSucceeded(sink.conn) })

	h.do(func() {
		assert.False(t, h.peer.IsConnected())
		assert.False(t, h.peer.IsConnecting())
	})
	assert.True(t, sink.conn.IsClosed(), "迟到的连接被断开")
	assert.Empty(t, h.status)

	t.Log("✅ 迟到的建连成功被丢弃")
}

// TestPeer_QueueFull 测试队列满时立即失败
func TestPeer_QueueFull(t *testing.T) {
	cfg := DefaultConfig()
	cfg.QueueDepth = 2
	h := newHarness(t, cfg)

	h.do(func() {
		h.peer.SendDatagram(types.RandomSID(), nil, types.PriorityLow)
		h.peer.SendDatagram(types.RandomSID(), nil, types.PriorityLow)
		f := h.peer.SendDatagram(types.RandomSID(), nil, types.PriorityLow)
		require.True(t, f.IsDone())
		assert.ErrorIs(t, f.Err(), ErrQueueFull)
		assert.True(t, types.IsTransient(f.Err()))

		// 高优先级使用独立配额
		assert.False(t, h.peer.SendDatagram(types.RandomSID(), nil, types.PriorityHigh).IsDone())
	})
}

// TestPeer_PulseRequeued 测试建连失败时心跳保留并延迟重连
func TestPeer_PulseRequeued(t *testing.T) {
	h := newHarness(t, DefaultConfig())

	var datagram, pulse *future.Void
	h.do(func() {
		datagram = h.peer.SendDatagram(types.RandomSID(), nil, types.PriorityLow)
		pulse = h.peer.Pulse(7, types.PriorityHigh)
	})

	h.connector.sink(0).connect.Done.Fail(fmt.Errorf("%w: refused", types.ErrTransportFailure))
	h.sync()

	assert.ErrorIs(t, waitDone(t, datagram), types.ErrTransportFailure)
	assert.False(t, pulse.IsDone())
	h.do(func() { assert.Equal(t, 1, h.peer.QueueLen()) })

	h.clock.Add(DefaultReconnectDelay)
	require.Eventually(t, func() bool { return h.connector.attempts() == 2 },
		2*time.Second, 5*time.Millisecond, "延迟后重新建连")

	future.Complete(h.connector.sink(1).connect.Done)
	h.sync()
	assert.NoError(t, waitDone(t, pulse))
	frames := h.connector.sink(1).frames()
	require.Len(t, frames, 1)
	assert.Equal(t, wire.TypePulseCall, frames[0].Header.Type)
	assert.Equal(t, uint64(7), frames[0].Header.PulseID)
}

// TestPeer_Destroy 测试销毁的幂等性和快速失败
func TestPeer_Destroy(t *testing.T) {
	h := newHarness(t, DefaultConfig())

	var queued *future.Void
	h.do(func() { queued = h.peer.Pulse(1, types.PriorityLow) })
	conn, _ := newFakeConnection("in", h.peer.DID(), true)
	h.do(func() { h.peer.AddConnection(conn) })
	assert.NoError(t, waitDone(t, queued))

	h.do(func() {
		h.peer.Destroy(nil)
		h.peer.Destroy(nil)
		assert.True(t, h.peer.IsDestroyed())

		f := h.peer.SendDatagram(types.RandomSID(), nil, types.PriorityHigh)
		require.True(t, f.IsDone())
		assert.ErrorIs(t, f.Err(), ErrPeerDestroyed)
	})
	assert.True(t, conn.IsClosed())
	assert.True(t, h.connector.sink(0).conn.IsClosed(), "进行中的建连被断开")
	assert.Equal(t, []bool{true, false}, h.status)
}

// TestPeer_StreamPinned 测试流数据块绑定到承载连接
func TestPeer_StreamPinned(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	conn, sink := newFakeConnection("in", h.peer.DID(), true)
	h.do(func() { h.peer.AddConnection(conn) })

	var stream *future.Future[*Connection]
	h.do(func() { stream = h.peer.BeginStream(9, types.RandomSID(), types.PriorityLow) })
	cookie, err := stream.Result()
	require.NoError(t, err)
	assert.Same(t, conn, cookie)

	h.do(func() {
		assert.NoError(t, waitDone(t, h.peer.SendChunk(cookie, 9, 0, []byte("a"), types.PriorityLow)))
		assert.NoError(t, waitDone(t, h.peer.EndStream(cookie, 9, types.PriorityLow)))
	})
	assert.Len(t, sink.frames(), 3)

	conn.MarkClosed(nil)
	h.sync()
	h.do(func() {
		f := h.peer.SendChunk(cookie, 9, 1, []byte("b"), types.PriorityLow)
		assert.ErrorIs(t, f.Err(), ErrStreamPinLost)
	})
	assert.Equal(t, []bool{true, false}, h.status)
}
