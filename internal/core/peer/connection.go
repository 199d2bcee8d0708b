package peer

import (
	"github.com/aer0ss/aerofs-sub011/internal/core/pipeline"
	"github.com/aer0ss/aerofs-sub011/internal/core/wire"
	"github.com/aer0ss/aerofs-sub011/internal/util/future"
	"github.com/aer0ss/aerofs-sub011/pkg/types"
)

// Connection 到远端设备的一条连接
//
// 由一条管线和两个完成句柄组成：connected 在握手完成时完成，
// closed 在连接关闭时完成（失败原因即关闭原因）。
// Connection 本身也是流数据块的绑定凭据。
type Connection struct {
	id      string
	did     types.DID
	inbound bool

	pipe      *pipeline.Pipeline
	connected *future.Void
	closed    *future.Void
}

// NewConnection 创建连接，管线通过 Attach 绑定
func NewConnection(id string, did types.DID, inbound bool) *Connection {
	return &Connection{
		id:        id,
		did:       did,
		inbound:   inbound,
		connected: future.NewVoid(),
		closed:    future.NewVoid(),
	}
}

// Attach 绑定管线
func (c *Connection) Attach(p *pipeline.Pipeline) { c.pipe = p }

// Pipeline 返回管线
func (c *Connection) Pipeline() *pipeline.Pipeline { return c.pipe }

// ID 连接标识
func (c *Connection) ID() string { return c.id }

// DID 远端设备
func (c *Connection) DID() types.DID { return c.did }

// SetDID 设置远端设备（被动连接在收到前导后才知道）
func (c *Connection) SetDID(did types.DID) { c.did = did }

// Inbound 是否为被动接受的连接
func (c *Connection) Inbound() bool { return c.inbound }

// Connected 握手完成句柄
func (c *Connection) Connected() *future.Void { return c.connected }

// Closed 关闭句柄
func (c *Connection) Closed() *future.Void { return c.closed }

// IsClosed 是否已关闭
func (c *Connection) IsClosed() bool { return c.closed.IsDone() }

// Connect 发起连接，结果通过 Connected 通知
func (c *Connection) Connect() *future.Void {
	ev := pipeline.NewConnect()
	ev.Done.AddListener(func(_ struct{}, err error) {
		if err != nil {
			c.connected.TryFail(err)
			return
		}
		c.connected.TrySet(struct{}{})
	})
	c.pipe.ProcessOutgoing(ev)
	return c.connected
}

// Send 发送一帧，返回写出完成句柄
func (c *Connection) Send(f *wire.Frame, prio types.Priority) *future.Void {
	if c.IsClosed() {
		return future.Failed[struct{}](ErrConnectionClosed)
	}
	ev := pipeline.NewMessage(f, prio)
	c.pipe.ProcessOutgoing(ev)
	return ev.Done
}

// Disconnect 断开连接
func (c *Connection) Disconnect(reason error) *future.Void {
	ev := pipeline.NewDisconnect(reason)
	c.pipe.ProcessOutgoing(ev)
	return ev.Done
}

// MarkClosed 标记连接已关闭（由套接字层调用）
//
// 尚未完成的握手以同样的原因失败。
func (c *Connection) MarkClosed(reason error) {
	if reason == nil {
		reason = ErrConnectionClosed
	}
	c.connected.TryFail(reason)
	c.closed.TryFail(reason)
}

// ============================================================================
//                              帧构造
// ============================================================================

// DatagramFrame 数据报
func DatagramFrame(sid types.SID, payload []byte) *wire.Frame {
	return &wire.Frame{Header: &wire.Header{Type: wire.TypeDatagram, SID: sid}, Payload: payload}
}

// StreamBeginFrame 流开始
func StreamBeginFrame(id types.StreamID, sid types.SID) *wire.Frame {
	return &wire.Frame{Header: &wire.Header{Type: wire.TypeStreamBegin, StreamID: id, SID: sid}}
}

// StreamChunkFrame 流数据块
func StreamChunkFrame(id types.StreamID, seq uint32, payload []byte) *wire.Frame {
	return &wire.Frame{Header: &wire.Header{Type: wire.TypeStreamChunk, StreamID: id, ChunkSeq: seq}, Payload: payload}
}

// StreamEndFrame 流结束
func StreamEndFrame(id types.StreamID) *wire.Frame {
	return &wire.Frame{Header: &wire.Header{Type: wire.TypeStreamEnd, StreamID: id}}
}

// StreamAbortFrame 流中止
func StreamAbortFrame(id types.StreamID, reason wire.AbortReason) *wire.Frame {
	return &wire.Frame{Header: &wire.Header{Type: wire.TypeStreamAbort, StreamID: id, AbortReason: reason}}
}

// PulseFrame 心跳请求
func PulseFrame(pulseID uint64) *wire.Frame {
	return &wire.Frame{Header: &wire.Header{Type: wire.TypePulseCall, PulseID: pulseID}}
}
