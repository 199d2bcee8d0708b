package pulse

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aer0ss/aerofs-sub011/internal/core/executor"
	"github.com/aer0ss/aerofs-sub011/internal/util/future"
	"github.com/aer0ss/aerofs-sub011/pkg/types"
)

// fakeSender 记录心跳请求
type fakeSender struct {
	mu        sync.Mutex
	ids       []uint64
	destroyed []types.DID
}

func (f *fakeSender) Pulse(_ types.DID, id uint64, _ types.Priority) *future.Void {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ids = append(f.ids, id)
	return future.NewVoid()
}

func (f *fakeSender) DestroyPeer(did types.DID, _ error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.destroyed = append(f.destroyed, did)
}

func (f *fakeSender) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.ids)
}

func (f *fakeSender) last() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ids[len(f.ids)-1]
}

func setup(t *testing.T, cfg Config) (*Service, *fakeSender, *executor.Executor, *clock.Mock) {
	t.Helper()
	mock := clock.NewMock()
	exec := executor.New(64, mock)
	exec.Start()
	t.Cleanup(exec.Stop)
	sender := &fakeSender{}
	return New(cfg, exec, sender, nil), sender, exec, mock
}

func call(t *testing.T, exec *executor.Executor, fn func()) {
	t.Helper()
	require.NoError(t, exec.Call(context.Background(), fn))
}

// advance 推进时钟直到发出第 n 个心跳
func advance(t *testing.T, mock *clock.Mock, sender *fakeSender, d time.Duration, n int) {
	t.Helper()
	mock.Add(d)
	require.Eventually(t, func() bool { return sender.count() >= n }, 2*time.Second, 5*time.Millisecond)
}

// TestPulse_Reply 测试收到应答后成功
func TestPulse_Reply(t *testing.T) {
	s, sender, exec, _ := setup(t, DefaultConfig())
	did := types.RandomDID()

	var w1, w2 *future.Void
	call(t, exec, func() {
		w1 = s.Start(did)
		w2 = s.Start(did)
	})
	require.Equal(t, 1, sender.count(), "同一设备复用当前轮次")

	call(t, exec, func() {
		s.OnReply(did, sender.last()+1)
		assert.True(t, s.IsPulsing(did), "ID 不匹配的应答被忽略")
		s.OnReply(did, sender.last())
		assert.False(t, s.IsPulsing(did))
	})
	assert.NoError(t, w1.Err())
	assert.True(t, w2.IsDone())

	t.Log("✅ 心跳应答完成等待者")
}

// TestPulse_BackoffAndFailure 测试超时翻倍以及失败上限
func TestPulse_BackoffAndFailure(t *testing.T) {
	cfg := Config{MinTimeout: time.Second, MaxTimeout: 3 * time.Second, MaxFailures: 2}
	s, sender, exec, mock := setup(t, cfg)
	did := types.RandomDID()

	var w *future.Void
	call(t, exec, func() { w = s.Start(did) })

	advance(t, mock, sender, time.Second, 2)
	call(t, exec, func() { assert.Equal(t, 2*time.Second, s.states[did].timeout) })

	advance(t, mock, sender, 2*time.Second, 3)
	call(t, exec, func() { assert.Equal(t, 3*time.Second, s.states[did].timeout, "不超过上限") })

	mock.Add(3 * time.Second)
	select {
	case <-w.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("心跳未判定失败")
	}
	assert.ErrorIs(t, w.Err(), ErrPulsingFailed)
	assert.ErrorIs(t, w.Err(), types.ErrDeviceUnreachable)

	sender.mu.Lock()
	assert.Equal(t, []types.DID{did}, sender.destroyed)
	sender.mu.Unlock()
}

// TestPulse_PeerDestroyed 测试 Peer 销毁时失败等待者
func TestPulse_PeerDestroyed(t *testing.T) {
	s, _, exec, _ := setup(t, DefaultConfig())
	did := types.RandomDID()

	var w *future.Void
	call(t, exec, func() {
		w = s.Start(did)
		s.OnPeerDestroyed(did)
		s.OnPeerDestroyed(did)
	})
	assert.ErrorIs(t, w.Err(), ErrPeerGone)

	call(t, exec, func() {
		w = s.Start(did)
		s.Stop()
	})
	assert.ErrorIs(t, w.Err(), ErrStopped)
}
