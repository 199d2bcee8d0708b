package unicast

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aer0ss/aerofs-sub011/internal/core/executor"
	"github.com/aer0ss/aerofs-sub011/internal/core/peer"
	"github.com/aer0ss/aerofs-sub011/internal/core/pipeline"
	"github.com/aer0ss/aerofs-sub011/internal/util/future"
	"github.com/aer0ss/aerofs-sub011/pkg/types"
)

// hangingConnector 建连永远不完成，断开时标记连接关闭
type hangingConnector struct{}

func newConn(did types.DID, inbound bool) *peer.Connection {
	conn := peer.NewConnection("test", did, inbound)
	p, _ := pipeline.NewBuilder().Build(pipeline.SinkFunc(func(ev *pipeline.Event) {
		switch ev.Kind {
		case pipeline.KindDisconnect:
			ev.Done.TrySet(struct{}{})
			conn.MarkClosed(ev.Cause)
		case pipeline.KindMessage:
			future.Complete(ev.Done)
		}
	}))
	conn.Attach(p)
	return conn
}

func (hangingConnector) Connect(did types.DID) (*peer.Connection, error) {
	conn := newConn(did, false)
	conn.Connect()
	return conn, nil
}

// failingConnector 没有地址，建连立即失败
type failingConnector struct{}

func (failingConnector) Connect(did types.DID) (*peer.Connection, error) {
	return nil, fmt.Errorf("%w: %s", types.ErrDeviceUnreachable, did.ShortString())
}

func newTestService(t *testing.T) (*Service, *executor.Executor) {
	t.Helper()
	exec := executor.New(64, clock.NewMock())
	exec.Start()
	t.Cleanup(exec.Stop)
	return New(peer.DefaultConfig(), exec, hangingConnector{}, nil), exec
}

func call(t *testing.T, exec *executor.Executor, fn func()) {
	t.Helper()
	require.NoError(t, exec.Call(context.Background(), fn))
}

// TestService_LazyPeer 测试按需创建 Peer
func TestService_LazyPeer(t *testing.T) {
	s, exec := newTestService(t)
	did := types.RandomDID()

	call(t, exec, func() {
		_, ok := s.Get(did)
		assert.False(t, ok)
		assert.False(t, s.IsConnected(did))

		s.SendDatagram(did, types.RandomSID(), []byte("x"), types.PriorityLow)
		p, ok := s.Get(did)
		require.True(t, ok)
		assert.True(t, p.IsConnecting())
		assert.True(t, s.IsConnected(did), "建连中的设备视为活跃")
		assert.Equal(t, []types.DID{did}, s.Peers())
	})
}

// TestService_DeviceOffline 测试设备下线销毁 Peer 并失败排队操作
func TestService_DeviceOffline(t *testing.T) {
	s, exec := newTestService(t)
	did := types.RandomDID()

	var destroyed []types.DID
	s.SetDestroyedFunc(func(d types.DID) { destroyed = append(destroyed, d) })

	var f *future.Void
	call(t, exec, func() {
		f = s.SendDatagram(did, types.RandomSID(), nil, types.PriorityLow)
		s.OnDeviceOffline(did)
		s.OnDeviceOffline(did)
	})

	require.True(t, f.IsDone())
	assert.ErrorIs(t, f.Err(), ErrDeviceOffline)
	assert.ErrorIs(t, f.Err(), peer.ErrPeerDestroyed)
	assert.Equal(t, []types.DID{did}, destroyed)

	call(t, exec, func() {
		_, ok := s.Get(did)
		assert.False(t, ok)
	})
}

// TestService_LinkDown 测试没有可用接口时销毁全部 Peer
func TestService_LinkDown(t *testing.T) {
	s, exec := newTestService(t)
	a, b := types.RandomDID(), types.RandomDID()

	var status []bool
	s.SetStatusFunc(func(_ types.DID, online bool, _ error) { status = append(status, online) })

	inbound := newConn(a, true)
	call(t, exec, func() {
		s.AddInboundConnection(a, inbound)
		s.Pulse(b, 1, types.PriorityHigh)

		s.OnLinkStateChanged([]net.Interface{{Name: "eth0"}})
		assert.Len(t, s.Peers(), 2)

		s.OnLinkStateChanged(nil)
		assert.Empty(t, s.Peers())
	})
	assert.True(t, inbound.IsClosed())
	assert.Equal(t, []bool{true, false}, status)

	call(t, exec, func() {
		s.Pulse(a, 2, types.PriorityHigh)
		s.OnPresenceServiceDisconnected()
		assert.Empty(t, s.Peers())
	})
}

// TestService_StreamWithoutPeer 测试未知设备的流操作
func TestService_StreamWithoutPeer(t *testing.T) {
	s, exec := newTestService(t)
	call(t, exec, func() {
		f := s.SendChunk(types.RandomDID(), nil, 1, 0, nil, types.PriorityLow)
		assert.ErrorIs(t, f.Err(), peer.ErrStreamPinLost)
	})
}

// TestService_ReapIdle 测试建连失败和连接关闭后的闲置 Peer 被回收
func TestService_ReapIdle(t *testing.T) {
	exec := executor.New(64, clock.NewMock())
	exec.Start()
	t.Cleanup(exec.Stop)
	s := New(peer.DefaultConfig(), exec, failingConnector{}, nil)

	var destroyed []types.DID
	s.SetDestroyedFunc(func(d types.DID) { destroyed = append(destroyed, d) })

	call(t, exec, func() {
		for range 3 {
			f := s.SendDatagram(types.RandomDID(), types.RandomSID(), []byte("x"), types.PriorityLow)
			assert.ErrorIs(t, f.Err(), types.ErrDeviceUnreachable)
		}
		assert.Empty(t, s.Peers())
	})

	did := types.RandomDID()
	inbound := newConn(did, true)
	call(t, exec, func() {
		s.AddInboundConnection(did, inbound)
		assert.Empty(t, s.ReapIdle())
		inbound.Disconnect(errors.New("remote closed"))
	})

	require.Eventually(t, func() bool {
		var connected bool
		call(t, exec, func() { connected = s.IsConnected(did) })
		return !connected
	}, 3*time.Second, 5*time.Millisecond)

	call(t, exec, func() {
		assert.Equal(t, []types.DID{did}, s.ReapIdle())
		assert.Empty(t, s.Peers())
	})
	assert.Empty(t, destroyed, "回收不触发销毁回调")

	t.Log("✅ 闲置 Peer 被回收")
}
