package eventbus

import (
	"reflect"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aer0ss/aerofs-sub011/pkg/types"
)

func recv[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v, ok := <-ch:
		require.True(t, ok, "通道已关闭")
		return v
	case <-time.After(2 * time.Second):
		t.Fatal("等待事件超时")
	}
	var zero T
	return zero
}

// TestBus_EmitAndReceive 测试事件发射和接收
func TestBus_EmitAndReceive(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	sub, err := Subscribe[types.PeerStatusEvent](bus)
	require.NoError(t, err)
	defer sub.Close()

	em, err := NewEmitter[types.PeerStatusEvent](bus)
	require.NoError(t, err)
	defer em.Close()

	did := types.RandomDID()
	require.NoError(t, em.Emit(types.PeerStatusEvent{DID: did, Online: true}))

	ev := recv(t, sub.Out())
	assert.Equal(t, did, ev.DID)
	assert.True(t, ev.Online)

	t.Log("✅ 事件发射和接收成功")
}

// TestBus_TypeIsolation 测试不同事件类型互不干扰
func TestBus_TypeIsolation(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	presence, err := Subscribe[types.PresenceEvent](bus)
	require.NoError(t, err)
	muod, err := Subscribe[types.MUODChangedEvent](bus)
	require.NoError(t, err)

	em, err := NewEmitter[types.MUODChangedEvent](bus)
	require.NoError(t, err)
	require.NoError(t, em.Emit(types.MUODChangedEvent{Devices: []types.DID{types.RandomDID()}}))

	ev := recv(t, muod.Out())
	assert.Len(t, ev.Devices, 1)

	select {
	case <-presence.Out():
		t.Fatal("不应收到其他类型的事件")
	case <-time.After(50 * time.Millisecond):
	}
	assert.Len(t, bus.EventTypes(), 2)
}

// TestBus_Stateful 测试有状态发射器向新订阅者补发最后一个事件
func TestBus_Stateful(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	em, err := NewEmitter[types.LinkMetricsEvent](bus, Stateful())
	require.NoError(t, err)
	require.NoError(t, em.Emit(types.LinkMetricsEvent{MaxPayloadSize: 1}))
	require.NoError(t, em.Emit(types.LinkMetricsEvent{MaxPayloadSize: 2}))

	sub, err := Subscribe[types.LinkMetricsEvent](bus)
	require.NoError(t, err)
	assert.Equal(t, 2, recv(t, sub.Out()).MaxPayloadSize)
}

// TestBus_SlowConsumerDropped 测试慢消费者不阻塞发射
func TestBus_SlowConsumerDropped(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	_, err := Subscribe[types.PresenceEvent](bus, BufSize(1))
	require.NoError(t, err)
	em, err := NewEmitter[types.PresenceEvent](bus)
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			_ = em.Emit(types.PresenceEvent{})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("发射被慢消费者阻塞")
	}
	assert.Greater(t, bus.Dropped(reflect.TypeOf(types.PresenceEvent{})), int64(0))
}

// TestBus_Close 测试关闭后的行为
func TestBus_Close(t *testing.T) {
	bus := NewBus()
	sub, err := Subscribe[types.PresenceEvent](bus)
	require.NoError(t, err)
	em, err := NewEmitter[types.PresenceEvent](bus)
	require.NoError(t, err)

	require.NoError(t, em.Close())
	assert.ErrorIs(t, em.Emit(types.PresenceEvent{}), ErrEmitterClosed)

	require.NoError(t, bus.Close())
	select {
	case _, ok := <-sub.Out():
		assert.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("订阅通道未关闭")
	}
	require.NoError(t, sub.Close())

	_, err = Subscribe[types.PresenceEvent](bus)
	assert.ErrorIs(t, err, ErrClosed)
}
