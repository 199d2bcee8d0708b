package aerofs

import (
	"context"
	"net"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aer0ss/aerofs-sub011/config"
	"github.com/aer0ss/aerofs-sub011/internal/core/wire"
	"github.com/aer0ss/aerofs-sub011/pkg/types"
)

func loopbackInterfaces() ([]net.Interface, error) {
	return []net.Interface{{Index: 1, Name: "test0", Flags: net.FlagUp | net.FlagMulticast}}, nil
}

// streamRecorder 记录收到的数据
type streamRecorder struct {
	NopReceiver

	mu        sync.Mutex
	datagrams []string
	chunks    []uint32
	begun     int
	ended     int
}

func (r *streamRecorder) OnDatagram(_ DID, _ SID, payload []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.datagrams = append(r.datagrams, string(payload))
}

func (r *streamRecorder) OnStreamBegun(DID, SID, StreamID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.begun++
}

func (r *streamRecorder) OnStreamChunk(_ DID, _ StreamID, seq uint32, _ []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.chunks = append(r.chunks, seq)
}

func (r *streamRecorder) OnStreamEnded(DID, StreamID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ended++
}

func (r *streamRecorder) snapshot() (datagrams []string, chunks []uint32, begun, ended int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.datagrams...), append([]uint32(nil), r.chunks...), r.begun, r.ended
}

func startTransport(t *testing.T, hub *MemoryMulticastHub, opts ...Option) (*Transport, *streamRecorder) {
	t.Helper()
	rec := &streamRecorder{}
	base := []Option{
		WithListenAddr("127.0.0.1:0"),
		WithReceiver(rec),
		WithInterfaceSource(loopbackInterfaces),
		WithMulticastSockets(hub.Factory(netip.MustParseAddr("127.0.0.1"))),
	}
	tr, err := Start(context.Background(), append(base, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = tr.Close() })
	return tr, rec
}

func waitDone(t *testing.T, c *Completion) error {
	t.Helper()
	select {
	case <-c.Done():
		return c.Err()
	case <-time.After(5 * time.Second):
		t.Fatal("等待完成超时")
		return nil
	}
}

// connectPair 两个传输层互相发现并声明同一存储
func connectPair(t *testing.T) (a, b *Transport, recvB *streamRecorder, sid SID) {
	t.Helper()
	hub := NewMemoryMulticastHub()
	a, _ = startTransport(t, hub)
	b, recvB = startTransport(t, hub)

	sub, err := Subscribe[PresenceEvent](a, 16)
	require.NoError(t, err)
	defer sub.Close()

	sid = types.RandomSID()
	require.NoError(t, a.UpdateStores([]SID{sid}, nil))
	require.NoError(t, b.UpdateStores([]SID{sid}, nil))

	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev := <-sub.Out():
			if ev.DID == b.DID() && ev.Online {
				return a, b, recvB, sid
			}
		case <-deadline:
			t.Fatal("没有发现对端")
		}
	}
}

// TestTransport_EndToEnd 测试组播发现、排队数据报只送达一次
func TestTransport_EndToEnd(t *testing.T) {
	a, b, recvB, sid := connectPair(t)

	require.NoError(t, waitDone(t, a.SendDatagram(b.DID(), sid, []byte("one"), PriorityLow)))

	require.Eventually(t, func() bool {
		d, _, _, _ := recvB.snapshot()
		return len(d) == 1
	}, 5*time.Second, 10*time.Millisecond)
	time.Sleep(100 * time.Millisecond)

	d, _, _, _ := recvB.snapshot()
	assert.Equal(t, []string{"one"}, d)

	devices, err := a.Devices(context.Background())
	require.NoError(t, err)
	require.Len(t, devices, 1)
	assert.Equal(t, b.DID(), devices[0].DID)
	assert.True(t, devices[0].ViaMulticast)
	assert.Equal(t, []SID{sid}, devices[0].StoresOnline)
	assert.Equal(t, b.ListenPort(), devices[0].Addr.Port())

	muod, err := a.MUOD(context.Background())
	require.NoError(t, err)
	assert.Empty(t, muod)

	t.Log("✅ 端到端发现与送达")
}

// TestTransport_Stream 测试流按序送达
func TestTransport_Stream(t *testing.T) {
	a, b, recvB, sid := connectPair(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s, err := a.BeginStream(ctx, b.DID(), sid, PriorityLow)
	require.NoError(t, err)

	for range 3 {
		require.NoError(t, waitDone(t, s.Write([]byte("chunk"))))
	}
	require.NoError(t, waitDone(t, s.End()))
	assert.ErrorIs(t, waitDone(t, s.Write([]byte("late"))), ErrStreamFinished)

	require.Eventually(t, func() bool {
		_, _, _, ended := recvB.snapshot()
		return ended == 1
	}, 5*time.Second, 10*time.Millisecond)

	_, chunks, begun, _ := recvB.snapshot()
	assert.Equal(t, 1, begun)
	assert.Equal(t, []uint32{0, 1, 2}, chunks)

	t.Log("✅ 流按序送达")
}

// TestTransport_StreamRejectedWriteKeepsSequence 测试被拒绝的写入不占用序号
func TestTransport_StreamRejectedWriteKeepsSequence(t *testing.T) {
	a, b, recvB, sid := connectPair(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s, err := a.BeginStream(ctx, b.DID(), sid, PriorityLow)
	require.NoError(t, err)

	require.NoError(t, waitDone(t, s.Write([]byte("c0"))))
	tooBig := make([]byte, a.Config().Unicast.MaxPayloadSize+1)
	assert.ErrorIs(t, waitDone(t, s.Write(tooBig)), ErrProtocol)
	require.NoError(t, waitDone(t, s.Write([]byte("c1"))))
	require.NoError(t, waitDone(t, s.End()))

	require.Eventually(t, func() bool {
		_, _, _, ended := recvB.snapshot()
		return ended == 1
	}, 5*time.Second, 10*time.Millisecond)

	_, chunks, _, _ := recvB.snapshot()
	assert.Equal(t, []uint32{0, 1}, chunks)

	t.Log("✅ 拒绝的写入可以重试")
}

// TestTransport_StreamAbortedByReceiver 测试接收方中止后写入失败
func TestTransport_StreamAbortedByReceiver(t *testing.T) {
	a, b, _, sid := connectPair(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s, err := a.BeginStream(ctx, b.DID(), sid, PriorityLow)
	require.NoError(t, err)
	require.NoError(t, waitDone(t, s.Write([]byte("c0"))))

	// 其他设备发来的同号中止不影响该流
	a.onRemoteAbort(types.RandomDID(), s.ID(), wire.AbortOutOfOrder)
	assert.NoError(t, s.Err())

	a.onRemoteAbort(b.DID(), s.ID(), wire.AbortOutOfOrder)
	assert.ErrorIs(t, s.Err(), ErrStreamAborted)
	assert.ErrorIs(t, waitDone(t, s.Write([]byte("c1"))), ErrStreamAborted)
	assert.ErrorIs(t, waitDone(t, s.End()), ErrStreamAborted)

	// 中止仍可通知对方
	require.NoError(t, waitDone(t, s.Abort()))

	t.Log("✅ 接收方中止传递到发送方")
}

// TestTransport_Lifecycle 测试生命周期和选项
func TestTransport_Lifecycle(t *testing.T) {
	reg := prometheus.NewRegistry()
	did := types.RandomDID()

	tr, err := New(
		WithDeviceID(did),
		WithListenAddr("127.0.0.1:0"),
		WithMulticast(false),
		WithHubMode(true),
		WithInterfaceSource(loopbackInterfaces),
		WithRegistry(reg),
	)
	require.NoError(t, err)
	assert.Equal(t, did, tr.DID())
	assert.True(t, tr.Config().Stores.HubMode)
	assert.Same(t, reg, tr.Registry())

	assert.ErrorIs(t, tr.UpdateStores(nil, nil), ErrNotStarted)

	ctx := context.Background()
	require.NoError(t, tr.Start(ctx))
	assert.ErrorIs(t, tr.Start(ctx), ErrAlreadyStarted)
	assert.NotZero(t, tr.ListenPort())

	sub, err := Subscribe[LinkMetricsEvent](tr, 0)
	require.NoError(t, err)
	select {
	case ev := <-sub.Out():
		assert.Equal(t, config.DefaultMaxPayloadSize, ev.MaxPayloadSize)
	case <-time.After(5 * time.Second):
		t.Fatal("没有收到链路指标事件")
	}

	require.NoError(t, tr.Close())
	require.NoError(t, tr.Close())
	assert.ErrorIs(t, tr.Start(ctx), ErrClosed)

	t.Log("✅ 生命周期正确")
}

// TestNew_InvalidOptions 测试无效选项
func TestNew_InvalidOptions(t *testing.T) {
	_, err := New(WithDeviceID(DID{}))
	assert.Error(t, err)

	_, err = New(WithConfig(nil))
	assert.Error(t, err)

	cfg := config.NewConfig()
	cfg.Stores.BloomBits = 7
	_, err = New(WithConfig(cfg))
	assert.ErrorIs(t, err, config.ErrInvalidConfig)

	_, err = New(WithConfigFile("/nonexistent/aerofs.json"))
	assert.Error(t, err)

	t.Log("✅ 无效选项被拒绝")
}

// TestVersionInfo 测试版本信息
func TestVersionInfo(t *testing.T) {
	assert.Contains(t, VersionInfo(), Version)
}
