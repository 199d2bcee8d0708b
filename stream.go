package aerofs

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/aer0ss/aerofs-sub011/internal/core/peer"
	"github.com/aer0ss/aerofs-sub011/internal/core/wire"
	"github.com/aer0ss/aerofs-sub011/internal/util/future"
)

// streamIDs 进程内流 ID 分配
var streamIDs atomic.Uint64

// OutgoingStream 发往单个设备的流
//
// 流绑定在开始时使用的连接上，连接断开后后续写入失败。
// 数据块序号从 0 递增，方法可并发调用，序号按调用顺序分配。
// 被同步拒绝的写入（载荷过大、队列已满）不占用序号，可以重试；
// 已投递的数据块失败或接收方中止后，流进入失败状态，后续写入都返回该错误。
type OutgoingStream struct {
	t      *Transport
	did    DID
	id     StreamID
	prio   Priority
	cookie *peer.Connection

	mu       sync.Mutex
	seq      uint32
	finished bool

	// failed 可能在执行上下文中设置，不受 mu 保护
	failed atomic.Pointer[error]
}

// BeginStream 开始向设备发送流，等待远端连接建立
func (t *Transport) BeginStream(ctx context.Context, did DID, sid SID, prio Priority) (*OutgoingStream, error) {
	id := StreamID(streamIDs.Add(1))
	fut := t.host.BeginStream(did, id, sid, prio)
	select {
	case <-fut.Done():
	case <-ctx.Done():
		// 连接建立后立即中止，远端不会收到数据块
		fut.AddListener(func(conn *peer.Connection, err error) {
			if err == nil {
				t.host.AbortStream(did, conn, id, wire.AbortCancelled, prio)
			}
		})
		return nil, ctx.Err()
	}
	conn, err := fut.Result()
	if err != nil {
		return nil, err
	}
	s := &OutgoingStream{t: t, did: did, id: id, prio: prio, cookie: conn}
	t.trackStream(s)
	return s, nil
}

// ID 流标识
func (s *OutgoingStream) ID() StreamID { return s.id }

// DID 目标设备
func (s *OutgoingStream) DID() DID { return s.did }

// Err 流进入失败状态的原因，正常时为 nil
func (s *OutgoingStream) Err() error {
	if p := s.failed.Load(); p != nil {
		return *p
	}
	return nil
}

func (s *OutgoingStream) fail(err error) {
	if s.failed.CompareAndSwap(nil, &err) {
		log.Debug("发出的流失败", "device", s.did.ShortString(), "stream", s.id, "err", err)
	}
}

// Write 发送下一个数据块
func (s *OutgoingStream) Write(payload []byte) *Completion {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finished {
		return future.Failed[struct{}](ErrStreamFinished)
	}
	if err := s.Err(); err != nil {
		return future.Failed[struct{}](err)
	}
	done, err := s.t.host.PostChunk(s.did, s.cookie, s.id, s.seq, payload, s.prio)
	if err != nil {
		return future.Failed[struct{}](err)
	}
	s.seq++
	done.AddListener(func(_ struct{}, err error) {
		if err != nil {
			s.fail(err)
		}
	})
	return done
}

// End 正常结束流
func (s *OutgoingStream) End() *Completion {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finished {
		return future.Failed[struct{}](ErrStreamFinished)
	}
	if err := s.Err(); err != nil {
		return future.Failed[struct{}](err)
	}
	s.finished = true
	s.t.untrackStream(s)
	return s.t.host.EndStream(s.did, s.cookie, s.id, s.prio)
}

// Abort 中止流
func (s *OutgoingStream) Abort() *Completion {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finished {
		return future.Failed[struct{}](ErrStreamFinished)
	}
	s.finished = true
	s.t.untrackStream(s)
	return s.t.host.AbortStream(s.did, s.cookie, s.id, wire.AbortCancelled, s.prio)
}

// ============================================================================
//                              流登记
// ============================================================================

func (t *Transport) trackStream(s *OutgoingStream) {
	t.streamsMu.Lock()
	defer t.streamsMu.Unlock()
	t.streams[s.id] = s
}

func (t *Transport) untrackStream(s *OutgoingStream) {
	t.streamsMu.Lock()
	defer t.streamsMu.Unlock()
	if t.streams[s.id] == s {
		delete(t.streams, s.id)
	}
}

// onRemoteAbort 接收方中止了本端发出的流（执行上下文）
func (t *Transport) onRemoteAbort(did DID, id StreamID, reason wire.AbortReason) {
	t.streamsMu.Lock()
	s, ok := t.streams[id]
	if ok && s.did == did {
		delete(t.streams, id)
	}
	t.streamsMu.Unlock()
	if ok && s.did == did {
		s.fail(fmt.Errorf("%w: %s", ErrStreamAborted, reason))
	}
}
