package tcp

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/multiformats/go-varint"
	"google.golang.org/protobuf/encoding/protowire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aer0ss/aerofs-sub011/internal/core/executor"
	"github.com/aer0ss/aerofs-sub011/internal/core/peer"
	"github.com/aer0ss/aerofs-sub011/internal/core/wire"
	"github.com/aer0ss/aerofs-sub011/pkg/interfaces"
	"github.com/aer0ss/aerofs-sub011/pkg/types"
)

// ============================================================================
//                              测试辅助
// ============================================================================

type storesMsg struct {
	did  types.DID
	addr netip.AddrPort
	adv  *wire.Advertisement
}

// recorder 同时实现 Dispatcher 和 Receiver
type recorder struct {
	interfaces.NopReceiver

	mu        sync.Mutex
	inbound   []types.DID
	stores    []storesMsg
	replies   []uint64
	datagrams []string
	chunks    []uint32
	aborted   []error
	ended     int
	remote    []types.StreamID
}

func (r *recorder) OnInbound(did types.DID, _ *peer.Connection) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.inbound = append(r.inbound, did)
}

func (r *recorder) OnStores(did types.DID, addr netip.AddrPort, adv *wire.Advertisement) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stores = append(r.stores, storesMsg{did, addr, adv})
}

func (r *recorder) OnPulseReply(_ types.DID, id uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.replies = append(r.replies, id)
}

func (r *recorder) OnRemoteAbort(_ types.DID, id types.StreamID, _ wire.AbortReason) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.remote = append(r.remote, id)
}

func (r *recorder) OnDatagram(_ types.DID, _ types.SID, payload []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.datagrams = append(r.datagrams, string(payload))
}

func (r *recorder) OnStreamChunk(_ types.DID, _ types.StreamID, seq uint32, _ []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.chunks = append(r.chunks, seq)
}

func (r *recorder) OnStreamEnded(types.DID, types.StreamID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ended++
}

func (r *recorder) OnStreamAborted(_ types.DID, _ types.StreamID, reason error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.aborted = append(r.aborted, reason)
}

func (r *recorder) read(fn func(r *recorder)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fn(r)
}

type endpoint struct {
	did  types.DID
	exec *executor.Executor
	tr   *Transport
	rec  *recorder
	addr netip.AddrPort
}

func newEndpoint(t *testing.T, resolve Resolver) *endpoint {
	t.Helper()
	return newEndpointWith(t, resolve, nil)
}

// newEndpointWith 可替换上层接收者，nil 时使用 recorder
func newEndpointWith(t *testing.T, resolve Resolver, recv interfaces.Receiver) *endpoint {
	t.Helper()
	exec := executor.New(256, nil)
	exec.Start()

	e := &endpoint{did: types.RandomDID(), exec: exec, rec: &recorder{}}
	cfg := DefaultConfig()
	cfg.ListenAddr = "127.0.0.1:0"
	cfg.MaxFrameSize = 4096
	adv := func(*wire.Advertisement) *wire.Advertisement {
		return &wire.Advertisement{Filter: []byte{0xff}, FilterSeq: 1, FilterHashes: 4}
	}
	if recv == nil {
		recv = e.rec
	}
	e.tr = New(cfg, e.did, exec, resolve, adv, e.rec, recv, nil)
	require.NoError(t, e.tr.Start(context.Background()))
	e.addr = netip.AddrPortFrom(netip.MustParseAddr("127.0.0.1"), e.tr.ListenPort())

	t.Cleanup(func() {
		assert.NoError(t, e.tr.Stop())
		exec.Stop()
	})
	return e
}

func (e *endpoint) call(t *testing.T, fn func()) {
	t.Helper()
	require.NoError(t, e.exec.Call(context.Background(), fn))
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	require.Eventually(t, cond, 3*time.Second, 5*time.Millisecond)
}

// rawConn 手工构造帧的客户端
type rawConn struct {
	net.Conn
	r *bufio.Reader
}

func dialRaw(t *testing.T, addr netip.AddrPort) *rawConn {
	t.Helper()
	nc, err := net.Dial("tcp", addr.String())
	require.NoError(t, err)
	t.Cleanup(func() { nc.Close() })
	return &rawConn{Conn: nc, r: bufio.NewReader(nc)}
}

func (c *rawConn) send(t *testing.T, h *wire.Header, payload []byte) {
	t.Helper()
	b, err := wire.AppendFrame(nil, h, payload)
	require.NoError(t, err)
	_, err = c.Write(b)
	require.NoError(t, err)
}

// sendRaw 发送任意控制头字节组成的帧
func (c *rawConn) sendRaw(t *testing.T, hdr []byte) {
	t.Helper()
	body := append(varint.ToUvarint(uint64(len(hdr))), hdr...)
	_, err := c.Write(append(varint.ToUvarint(uint64(len(body))), body...))
	require.NoError(t, err)
}

// expectClosed 读到对端关闭为止
func (c *rawConn) expectClosed(t *testing.T) {
	t.Helper()
	require.NoError(t, c.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, err := io.ReadAll(c.r)
	var ne net.Error
	if errors.As(err, &ne) {
		assert.False(t, ne.Timeout(), "连接应被对端关闭")
	}
}

// panickyReceiver 收到 "boom" 时 panic
type panickyReceiver struct {
	*recorder
}

func (p panickyReceiver) OnDatagram(did types.DID, sid types.SID, payload []byte) {
	if string(payload) == "boom" {
		panic("receiver failed")
	}
	p.recorder.OnDatagram(did, sid, payload)
}

// ============================================================================
//                              测试用例
// ============================================================================

// TestTransport_HandshakeAndDatagram 测试前导交换、通告和数据报
func TestTransport_HandshakeAndDatagram(t *testing.T) {
	b := newEndpoint(t, nil)
	a := newEndpoint(t, func(did types.DID) (netip.AddrPort, error) {
		if did == b.did {
			return b.addr, nil
		}
		return netip.AddrPort{}, errors.New("unknown")
	})

	var conn *peer.Connection
	var err error
	a.call(t, func() { conn, err = a.tr.Connect(b.did) })
	require.NoError(t, err)
	waitFor(t, func() bool { return conn.Connected().IsDone() })
	require.NoError(t, conn.Connected().Err())

	a.call(t, func() {
		conn.Send(peer.DatagramFrame(types.RandomSID(), []byte("hello")), types.PriorityLow)
		conn.Send(peer.PulseFrame(42), types.PriorityHigh)
	})

	waitFor(t, func() bool {
		var ok bool
		b.rec.read(func(r *recorder) { ok = len(r.datagrams) == 1 })
		return ok
	})
	waitFor(t, func() bool {
		var ok bool
		a.rec.read(func(r *recorder) { ok = len(r.replies) == 1 && len(r.stores) == 1 })
		return ok
	})

	b.rec.read(func(r *recorder) {
		assert.Equal(t, []string{"hello"}, r.datagrams)
		assert.Equal(t, []types.DID{a.did}, r.inbound)
		require.Len(t, r.stores, 1)
		assert.Equal(t, a.did, r.stores[0].did)
		assert.Equal(t, a.addr, r.stores[0].addr)
	})
	a.rec.read(func(r *recorder) {
		assert.Equal(t, []uint64{42}, r.replies)
		assert.Equal(t, b.did, r.stores[0].did)
		assert.Equal(t, b.addr, r.stores[0].addr)
	})

	t.Log("✅ 握手和数据报传输正常")
}

// TestTransport_ConnectUnknown 测试无地址时立即失败
func TestTransport_ConnectUnknown(t *testing.T) {
	a := newEndpoint(t, func(types.DID) (netip.AddrPort, error) {
		return netip.AddrPort{}, types.ErrDeviceUnreachable
	})
	a.call(t, func() {
		_, err := a.tr.Connect(types.RandomDID())
		assert.ErrorIs(t, err, types.ErrDeviceUnreachable)
	})
}

// TestTransport_DialFailure 测试拨号失败
func TestTransport_DialFailure(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	dead := netip.MustParseAddrPort(l.Addr().String())
	require.NoError(t, l.Close())

	a := newEndpoint(t, func(types.DID) (netip.AddrPort, error) { return dead, nil })
	var conn *peer.Connection
	a.call(t, func() { conn, err = a.tr.Connect(types.RandomDID()) })
	require.NoError(t, err)

	waitFor(t, func() bool { return conn.Closed().IsDone() })
	assert.ErrorIs(t, conn.Connected().Err(), ErrDialFailed)
}

// TestTransport_DropBeforePreamble 测试前导之前的帧被丢弃
func TestTransport_DropBeforePreamble(t *testing.T) {
	b := newEndpoint(t, nil)
	raw := dialRaw(t, b.addr)
	remote := types.RandomDID()

	raw.send(t, &wire.Header{Type: wire.TypeDatagram}, []byte("early"))
	raw.send(t, &wire.Header{Type: wire.TypePreamble, DID: remote, ListenPort: 9}, nil)
	raw.send(t, &wire.Header{Type: wire.TypeDatagram}, []byte("late"))

	waitFor(t, func() bool {
		var ok bool
		b.rec.read(func(r *recorder) { ok = len(r.datagrams) == 1 })
		return ok
	})
	b.rec.read(func(r *recorder) {
		assert.Equal(t, []string{"late"}, r.datagrams)
		assert.Equal(t, []types.DID{remote}, r.inbound)
	})

	// 对端回复前导
	f, err := wire.ReadFrame(raw.r, 0)
	require.NoError(t, err)
	assert.Equal(t, wire.TypePreamble, f.Header.Type)
	assert.Equal(t, b.did, f.Header.DID)
	f, err = wire.ReadFrame(raw.r, 0)
	require.NoError(t, err)
	assert.Equal(t, wire.TypeStores, f.Header.Type)

	t.Log("✅ 前导之前的帧被丢弃")
}

// TestTransport_StreamOrdering 测试流数据块乱序中止和断连中止
func TestTransport_StreamOrdering(t *testing.T) {
	b := newEndpoint(t, nil)
	raw := dialRaw(t, b.addr)

	raw.send(t, &wire.Header{Type: wire.TypePreamble, DID: types.RandomDID()}, nil)
	raw.send(t, &wire.Header{Type: wire.TypeStreamBegin, StreamID: 1, SID: types.RandomSID()}, nil)
	raw.send(t, &wire.Header{Type: wire.TypeStreamChunk, StreamID: 1, ChunkSeq: 0}, []byte("a"))
	raw.send(t, &wire.Header{Type: wire.TypeStreamChunk, StreamID: 1, ChunkSeq: 2}, []byte("c"))
	raw.send(t, &wire.Header{Type: wire.TypeStreamBegin, StreamID: 2, SID: types.RandomSID()}, nil)

	waitFor(t, func() bool {
		var ok bool
		b.rec.read(func(r *recorder) { ok = len(r.aborted) == 1 })
		return ok
	})
	b.rec.read(func(r *recorder) {
		assert.Equal(t, []uint32{0}, r.chunks)
		assert.ErrorIs(t, r.aborted[0], ErrStreamOutOfOrder)
	})

	// 远端收到中止通知（跳过前导和通告）
	for {
		f, err := wire.ReadFrame(raw.r, 0)
		require.NoError(t, err)
		if f.Header.Type == wire.TypeStreamAbort {
			assert.Equal(t, wire.AbortOutOfOrder, f.Header.AbortReason)
			break
		}
	}

	require.NoError(t, raw.Close())
	waitFor(t, func() bool {
		var ok bool
		b.rec.read(func(r *recorder) { ok = len(r.aborted) == 2 })
		return ok
	})
	b.rec.read(func(r *recorder) {
		assert.ErrorIs(t, r.aborted[1], ErrStreamConnectionLost)
	})

	t.Log("✅ 入站流顺序检查正常")
}

// TestTransport_FrameTooLarge 测试超长帧关闭连接
func TestTransport_FrameTooLarge(t *testing.T) {
	b := newEndpoint(t, nil)
	raw := dialRaw(t, b.addr)

	_, err := raw.Write(varint.ToUvarint(1 << 20))
	require.NoError(t, err)
	raw.expectClosed(t)
}

// TestTransport_MalformedFrameKeepsConnection 测试无法解析的帧被丢弃，连接保持可用
func TestTransport_MalformedFrameKeepsConnection(t *testing.T) {
	b := newEndpoint(t, nil)
	raw := dialRaw(t, b.addr)

	raw.send(t, &wire.Header{Type: wire.TypePreamble, DID: types.RandomDID()}, nil)

	// 未知消息类型
	raw.sendRaw(t, protowire.AppendVarint(protowire.AppendTag(nil, 1, protowire.VarintType), 99))
	// 截断的控制头
	raw.sendRaw(t, []byte{0x0a, 0x10, 0x01})
	raw.send(t, &wire.Header{Type: wire.TypeDatagram, SID: types.RandomSID()}, []byte("after"))

	waitFor(t, func() bool {
		var ok bool
		b.rec.read(func(r *recorder) { ok = len(r.datagrams) == 1 })
		return ok
	})
	b.rec.read(func(r *recorder) {
		assert.Equal(t, []string{"after"}, r.datagrams)
	})

	t.Log("✅ 无法解析的帧被丢弃，连接保持")
}

// TestTransport_HandlerPanicDisconnects 测试处理器异常断开连接
func TestTransport_HandlerPanicDisconnects(t *testing.T) {
	rec := &recorder{}
	b := newEndpointWith(t, nil, panickyReceiver{rec})
	raw := dialRaw(t, b.addr)

	raw.send(t, &wire.Header{Type: wire.TypePreamble, DID: types.RandomDID()}, nil)
	raw.send(t, &wire.Header{Type: wire.TypeDatagram, SID: types.RandomSID()}, []byte("ok"))
	raw.send(t, &wire.Header{Type: wire.TypeDatagram, SID: types.RandomSID()}, []byte("boom"))

	raw.expectClosed(t)
	rec.read(func(r *recorder) {
		assert.Equal(t, []string{"ok"}, r.datagrams)
	})

	t.Log("✅ 处理器异常后连接被关闭")
}

// TestTransport_RemoteAbortOfOutgoingStream 测试远端中止本端发出的流
func TestTransport_RemoteAbortOfOutgoingStream(t *testing.T) {
	b := newEndpoint(t, nil)
	raw := dialRaw(t, b.addr)

	raw.send(t, &wire.Header{Type: wire.TypePreamble, DID: types.RandomDID()}, nil)
	raw.send(t, &wire.Header{Type: wire.TypeStreamBegin, StreamID: 3, SID: types.RandomSID()}, nil)
	// 入站流 3 的中止交给上层接收者，未知的流 8 视为本端发出的流
	raw.send(t, &wire.Header{Type: wire.TypeStreamAbort, StreamID: 3, AbortReason: wire.AbortCancelled}, nil)
	raw.send(t, &wire.Header{Type: wire.TypeStreamAbort, StreamID: 8, AbortReason: wire.AbortOutOfOrder}, nil)

	waitFor(t, func() bool {
		var ok bool
		b.rec.read(func(r *recorder) { ok = len(r.remote) == 1 })
		return ok
	})
	b.rec.read(func(r *recorder) {
		assert.Equal(t, []types.StreamID{8}, r.remote)
		require.Len(t, r.aborted, 1)
		assert.ErrorIs(t, r.aborted[0], ErrStreamAborted)
	})
}
