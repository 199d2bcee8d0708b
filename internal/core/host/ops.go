package host

import (
	"context"
	"errors"
	"fmt"

	"github.com/aer0ss/aerofs-sub011/internal/core/arp"
	"github.com/aer0ss/aerofs-sub011/internal/core/executor"
	"github.com/aer0ss/aerofs-sub011/internal/core/peer"
	"github.com/aer0ss/aerofs-sub011/internal/core/wire"
	"github.com/aer0ss/aerofs-sub011/internal/util/future"
	"github.com/aer0ss/aerofs-sub011/pkg/types"
)

// ============================================================================
//                              投递
// ============================================================================

// enqueue 把操作投递到执行上下文，结果转发到返回的 Future
func enqueue[T any](h *Host, prio types.Priority, op func() *future.Future[T]) *future.Future[T] {
	out := future.New[T]()
	if err := h.post(prio, func() { op().Chain(out) }); err != nil {
		out.Fail(err)
	}
	return out
}

func (h *Host) post(prio types.Priority, fn func()) error {
	if h.closed.Load() {
		return ErrClosed
	}
	if !h.started.Load() {
		return ErrNotStarted
	}
	err := h.exec.Enqueue(prio, fn)
	if errors.Is(err, executor.ErrQueueFull) {
		h.metrics.QueueOverflow("executor")
	}
	return err
}

// call 同步读取执行上下文中的状态
func (h *Host) call(ctx context.Context, fn func()) error {
	if h.closed.Load() {
		return ErrClosed
	}
	if !h.started.Load() {
		return ErrNotStarted
	}
	return h.exec.Call(ctx, fn)
}

func (h *Host) checkPayload(payload []byte) error {
	if limit := h.cfg.Unicast.MaxPayloadSize; len(payload) > limit {
		return fmt.Errorf("%w: %d > %d", ErrPayloadTooLarge, len(payload), limit)
	}
	return nil
}

// ============================================================================
//                              单播
// ============================================================================

// SendDatagram 向设备发送数据报
func (h *Host) SendDatagram(did types.DID, sid types.SID, payload []byte, prio types.Priority) *future.Void {
	if err := h.checkPayload(payload); err != nil {
		return future.Failed[struct{}](err)
	}
	return enqueue(h, prio, func() *future.Void {
		return h.unicast.SendDatagram(did, sid, payload, prio)
	})
}

// BeginStream 开始向设备发送流，返回流绑定的连接
func (h *Host) BeginStream(did types.DID, id types.StreamID, sid types.SID, prio types.Priority) *future.Future[*peer.Connection] {
	return enqueue(h, prio, func() *future.Future[*peer.Connection] {
		return h.unicast.BeginStream(did, id, sid, prio)
	})
}

// SendChunk 在流绑定的连接上发送数据块
func (h *Host) SendChunk(did types.DID, cookie *peer.Connection, id types.StreamID, seq uint32,
	payload []byte, prio types.Priority) *future.Void {
	out, err := h.PostChunk(did, cookie, id, seq, payload, prio)
	if err != nil {
		return future.Failed[struct{}](err)
	}
	return out
}

// PostChunk 同 SendChunk，但把同步拒绝作为返回值
//
// 返回错误时数据块没有进入执行上下文，序号可以重用。
func (h *Host) PostChunk(did types.DID, cookie *peer.Connection, id types.StreamID, seq uint32,
	payload []byte, prio types.Priority) (*future.Void, error) {
	if err := h.checkPayload(payload); err != nil {
		return nil, err
	}
	out := future.New[struct{}]()
	if err := h.post(prio, func() {
		h.unicast.SendChunk(did, cookie, id, seq, payload, prio).Chain(out)
	}); err != nil {
		return nil, err
	}
	return out, nil
}

// SetRemoteAbortFunc 设置远端中止本端发出的流时的回调
//
// 必须在 Start 之前调用；回调在执行上下文中运行。
func (h *Host) SetRemoteAbortFunc(fn func(did types.DID, id types.StreamID, reason wire.AbortReason)) {
	h.remoteAbort = fn
}

// EndStream 结束流
func (h *Host) EndStream(did types.DID, cookie *peer.Connection, id types.StreamID, prio types.Priority) *future.Void {
	return enqueue(h, prio, func() *future.Void {
		return h.unicast.EndStream(did, cookie, id, prio)
	})
}

// AbortStream 中止流
func (h *Host) AbortStream(did types.DID, cookie *peer.Connection, id types.StreamID,
	reason wire.AbortReason, prio types.Priority) *future.Void {
	return enqueue(h, prio, func() *future.Void {
		return h.unicast.AbortStream(did, cookie, id, reason, prio)
	})
}

// Pulse 对设备发起心跳，收到应答时成功，判定失联时失败
func (h *Host) Pulse(did types.DID) *future.Void {
	return enqueue(h, types.PriorityHigh, func() *future.Void {
		return h.pulse.Start(did)
	})
}

// ============================================================================
//                              组播
// ============================================================================

// SendMulticast 向关心存储的所有设备发送数据报
//
// 组播发往所有接口；只能单播到达的 MUOD 设备中在线集合包含该存储的，
// 改为单播数据报。两条路径都没有发出时失败。
func (h *Host) SendMulticast(sid types.SID, payload []byte, prio types.Priority) *future.Void {
	return enqueue(h, prio, func() *future.Void {
		var sent bool
		var mcastErr error
		if h.mcast != nil {
			if mcastErr = h.mcast.SendDatagram(sid, payload); mcastErr == nil {
				sent = true
			}
		} else {
			mcastErr = ErrMulticastDisabled
		}

		for _, did := range h.arp.MUOD() {
			e, ok := h.arp.Get(did)
			if !ok || !e.StoresOnline.Has(sid) {
				continue
			}
			sent = true
			h.unicast.SendDatagram(did, sid, payload, prio).AddListener(func(_ struct{}, err error) {
				if err != nil {
					log.Debug("MUOD 单播数据报发送失败", "device", did.ShortString(), "err", err)
				}
			})
		}

		if !sent {
			return future.Failed[struct{}](mcastErr)
		}
		return future.Succeeded(struct{}{})
	})
}

// ============================================================================
//                              存储与外部信号
// ============================================================================

// UpdateStores 更新本设备关心的存储集合
func (h *Host) UpdateStores(added, removed []types.SID) error {
	return h.post(types.PriorityHigh, func() {
		h.stores.UpdateStores(added, removed)
	})
}

// PresenceServiceConnected 在线状态服务已连接
func (h *Host) PresenceServiceConnected() error {
	return h.post(types.PriorityHigh, h.unicast.OnPresenceServiceConnected)
}

// PresenceServiceDisconnected 在线状态服务断开，断开全部单播连接
func (h *Host) PresenceServiceDisconnected() error {
	return h.post(types.PriorityHigh, h.unicast.OnPresenceServiceDisconnected)
}

// ============================================================================
//                              诊断
// ============================================================================

// Devices 返回 ARP 表快照
func (h *Host) Devices(ctx context.Context) ([]arp.Entry, error) {
	var out []arp.Entry
	err := h.call(ctx, func() { out = h.arp.Snapshot() })
	return out, err
}

// MUOD 返回只能单播到达的在线设备
func (h *Host) MUOD(ctx context.Context) ([]types.DID, error) {
	var out []types.DID
	err := h.call(ctx, func() { out = h.arp.MUOD() })
	return out, err
}

// Peers 返回当前存在 Peer 的设备
func (h *Host) Peers(ctx context.Context) ([]types.DID, error) {
	var out []types.DID
	err := h.call(ctx, func() { out = h.unicast.Peers() })
	return out, err
}
