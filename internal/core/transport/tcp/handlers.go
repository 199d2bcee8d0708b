package tcp

import (
	"fmt"
	"net/netip"

	"github.com/aer0ss/aerofs-sub011/internal/core/executor"
	"github.com/aer0ss/aerofs-sub011/internal/core/peer"
	"github.com/aer0ss/aerofs-sub011/internal/core/pipeline"
	"github.com/aer0ss/aerofs-sub011/internal/core/wire"
	"github.com/aer0ss/aerofs-sub011/pkg/types"
)

// session 同一连接上各处理器共享的状态
type session struct {
	t    *Transport
	conn *peer.Connection
	sc   *socketConn

	// 前导交换完成后有效
	handshaken bool
	did        types.DID
	listenPort uint16
}

// remoteAddr 远端的单播监听地址
func (s *session) remoteAddr() netip.AddrPort {
	if s.listenPort == 0 || !s.sc.remote.Addr().IsValid() {
		return netip.AddrPort{}
	}
	return netip.AddrPortFrom(s.sc.remote.Addr(), s.listenPort)
}

// reply 从当前处理器向外发送一帧
func reply(ctx *pipeline.Context, f *wire.Frame, prio types.Priority) *pipeline.Event {
	ev := pipeline.NewMessage(f, prio)
	ctx.ForwardOutgoing(ev)
	return ev
}

func frameOf(ev *pipeline.Event) (*wire.Frame, error) {
	f, ok := ev.Message.(*wire.Frame)
	if !ok {
		return nil, fmt.Errorf("%w: %T", ErrBadMessage, ev.Message)
	}
	return f, nil
}

// ============================================================================
//                              codec
// ============================================================================

// codec 帧编解码
type codec struct {
	sess *session
}

func (*codec) Capabilities() pipeline.Capability { return pipeline.CapBoth }

// HandleIncoming 无法解析的帧只丢弃，不关闭连接
func (c *codec) HandleIncoming(ctx *pipeline.Context, ev *pipeline.Event) error {
	if ev.Kind != pipeline.KindMessage {
		ctx.ForwardIncoming(ev)
		return nil
	}
	body, ok := ev.Message.([]byte)
	if !ok {
		return fmt.Errorf("%w: %T", ErrBadMessage, ev.Message)
	}
	f, err := wire.DecodeBody(body)
	if err != nil {
		// 帧边界仍然完整，丢弃该帧，连接继续可用
		c.sess.t.metrics.FrameDropped("malformed")
		log.Debug("丢弃无法解析的帧", "conn", c.sess.conn.ID(), "err", err)
		ev.Done.TrySet(struct{}{})
		return nil
	}
	ev.Message = f
	ctx.ForwardIncoming(ev)
	return nil
}

// HandleOutgoing 编码失败只失败该消息，不影响连接
func (c *codec) HandleOutgoing(ctx *pipeline.Context, ev *pipeline.Event) error {
	if ev.Kind != pipeline.KindMessage {
		ctx.ForwardOutgoing(ev)
		return nil
	}
	f, err := frameOf(ev)
	if err != nil {
		ev.Done.TryFail(err)
		return nil
	}
	b, err := wire.AppendFrame(nil, f.Header, f.Payload)
	if err == nil {
		if limit := c.sess.t.cfg.MaxFrameSize; len(b) > limit {
			err = fmt.Errorf("%w: %d > %d", wire.ErrFrameTooLarge, len(b), limit)
		}
	}
	if err != nil {
		ev.Done.TryFail(err)
		return nil
	}
	ev.Message = b
	ctx.ForwardOutgoing(ev)
	return nil
}

// ============================================================================
//                              handshake
// ============================================================================

// handshake 前导交换
//
// 主动连接：套接字建立后发送前导和存储通告，前导写出后连接就绪。
// 被动连接：收到前导之前丢弃一切；收到后回复前导和通告并加入 Peer 连接池。
type handshake struct {
	pipeline.Forward
	sess  *session
	timer *executor.Timer
}

func (h *handshake) preamble() *wire.Frame {
	return &wire.Frame{Header: &wire.Header{
		Type:       wire.TypePreamble,
		DID:        h.sess.t.did,
		ListenPort: h.sess.t.ListenPort(),
	}}
}

func (h *handshake) advertisement() *wire.Frame {
	return &wire.Frame{Header: &wire.Header{Type: wire.TypeStores, Adv: h.sess.t.adv(nil)}}
}

// armTimeout 被动连接的前导期限（执行上下文）
func (h *handshake) armTimeout() {
	h.timer = h.sess.t.exec.Schedule(h.sess.t.cfg.HandshakeTimeout, func() {
		if !h.sess.handshaken {
			log.Debug("等待前导超时", "conn", h.sess.conn.ID(), "remote", h.sess.sc.remote)
			h.sess.conn.Disconnect(ErrHandshakeTimeout)
		}
	})
}

func (h *handshake) HandleOutgoing(ctx *pipeline.Context, ev *pipeline.Event) error {
	if ev.Kind != pipeline.KindConnect || h.sess.conn.Inbound() {
		ctx.ForwardOutgoing(ev)
		return nil
	}

	inner := pipeline.NewConnect()
	inner.Done.AddListener(func(_ struct{}, err error) {
		if err != nil {
			ev.Done.TryFail(err)
			return
		}
		pre := reply(ctx, h.preamble(), types.PriorityHigh)
		reply(ctx, h.advertisement(), types.PriorityHigh)
		pre.Done.AddListener(func(_ struct{}, err error) {
			if err != nil {
				ev.Done.TryFail(err)
				return
			}
			ev.Done.TrySet(struct{}{})
		})
	})
	ctx.ForwardOutgoing(inner)
	return nil
}

func (h *handshake) HandleIncoming(ctx *pipeline.Context, ev *pipeline.Event) error {
	if ev.Kind != pipeline.KindMessage {
		ctx.ForwardIncoming(ev)
		return nil
	}
	f, err := frameOf(ev)
	if err != nil {
		return err
	}

	if f.Header.Type != wire.TypePreamble {
		if !h.sess.handshaken {
			h.sess.t.metrics.FrameDropped("before_preamble")
			log.Debug("丢弃前导之前的帧", "conn", h.sess.conn.ID(), "type", f.Header.Type)
			ev.Done.TrySet(struct{}{})
			return nil
		}
		ctx.ForwardIncoming(ev)
		return nil
	}

	if h.sess.handshaken {
		return ErrDuplicatePreamble
	}
	conn := h.sess.conn
	remote := f.Header.DID
	if !conn.Inbound() && remote != conn.DID() {
		return fmt.Errorf("%w: expected %s, got %s", ErrHandshakeMismatch, conn.DID().ShortString(), remote.ShortString())
	}

	h.sess.handshaken = true
	h.sess.did = remote
	h.sess.listenPort = f.Header.ListenPort
	if h.timer != nil {
		h.timer.Cancel()
		h.timer = nil
	}
	ev.Done.TrySet(struct{}{})

	if conn.Inbound() {
		conn.SetDID(remote)
		reply(ctx, h.preamble(), types.PriorityHigh)
		reply(ctx, h.advertisement(), types.PriorityHigh)
		conn.Connected().TrySet(struct{}{})
		h.sess.t.dispatch.OnInbound(remote, conn)
	}
	log.Debug("前导交换完成", "peer", remote.ShortString(), "conn", conn.ID(), "inbound", conn.Inbound())
	return nil
}

// ============================================================================
//                              pulse
// ============================================================================

// pulseResponder 应答心跳请求，并把心跳应答交给 pulse 服务
type pulseResponder struct {
	sess *session
}

func (*pulseResponder) Capabilities() pipeline.Capability { return pipeline.CapInbound }

func (*pulseResponder) HandleOutgoing(ctx *pipeline.Context, ev *pipeline.Event) error {
	ctx.ForwardOutgoing(ev)
	return nil
}

func (p *pulseResponder) HandleIncoming(ctx *pipeline.Context, ev *pipeline.Event) error {
	if ev.Kind != pipeline.KindMessage {
		ctx.ForwardIncoming(ev)
		return nil
	}
	f, err := frameOf(ev)
	if err != nil {
		return err
	}
	switch f.Header.Type {
	case wire.TypePulseCall:
		reply(ctx, &wire.Frame{Header: &wire.Header{Type: wire.TypePulseReply, PulseID: f.Header.PulseID}}, types.PriorityHigh)
	case wire.TypePulseReply:
		p.sess.t.dispatch.OnPulseReply(p.sess.did, f.Header.PulseID)
	default:
		ctx.ForwardIncoming(ev)
		return nil
	}
	ev.Done.TrySet(struct{}{})
	return nil
}

// ============================================================================
//                              stream
// ============================================================================

// streamDemux 入站流分发，检查数据块顺序
//
// 连接关闭时未结束的入站流全部以 ErrStreamConnectionLost 中止。
// 针对本端发出的流的中止通知交给 Dispatcher。
type streamDemux struct {
	sess    *session
	streams map[types.StreamID]uint32
}

func newStreamDemux(sess *session) *streamDemux {
	d := &streamDemux{sess: sess, streams: make(map[types.StreamID]uint32)}
	sess.conn.Closed().AddListener(func(struct{}, error) { d.abortAll() })
	return d
}

func (*streamDemux) Capabilities() pipeline.Capability { return pipeline.CapInbound }

func (*streamDemux) HandleOutgoing(ctx *pipeline.Context, ev *pipeline.Event) error {
	ctx.ForwardOutgoing(ev)
	return nil
}

func (d *streamDemux) HandleIncoming(ctx *pipeline.Context, ev *pipeline.Event) error {
	if ev.Kind != pipeline.KindMessage {
		ctx.ForwardIncoming(ev)
		return nil
	}
	f, err := frameOf(ev)
	if err != nil {
		return err
	}
	h := f.Header
	did := d.sess.did
	recv := d.sess.t.receiver

	switch h.Type {
	case wire.TypeStreamBegin:
		if _, ok := d.streams[h.StreamID]; ok {
			recv.OnStreamAborted(did, h.StreamID, ErrStreamOutOfOrder)
		}
		d.streams[h.StreamID] = 0
		recv.OnStreamBegun(did, h.SID, h.StreamID)

	case wire.TypeStreamChunk:
		next, ok := d.streams[h.StreamID]
		if !ok {
			log.Debug("未知流的数据块", "peer", did.ShortString(), "stream", h.StreamID)
			break
		}
		if h.ChunkSeq != next {
			delete(d.streams, h.StreamID)
			log.Debug("流数据块乱序", "peer", did.ShortString(), "stream", h.StreamID,
				"expected", next, "got", h.ChunkSeq)
			recv.OnStreamAborted(did, h.StreamID, ErrStreamOutOfOrder)
			reply(ctx, peer.StreamAbortFrame(h.StreamID, wire.AbortOutOfOrder), types.PriorityHigh)
			break
		}
		d.streams[h.StreamID] = next + 1
		recv.OnStreamChunk(did, h.StreamID, h.ChunkSeq, f.Payload)

	case wire.TypeStreamEnd:
		if _, ok := d.streams[h.StreamID]; ok {
			delete(d.streams, h.StreamID)
			recv.OnStreamEnded(did, h.StreamID)
		}

	case wire.TypeStreamAbort:
		if _, ok := d.streams[h.StreamID]; ok {
			delete(d.streams, h.StreamID)
			recv.OnStreamAborted(did, h.StreamID, fmt.Errorf("%w: %s", ErrStreamAborted, h.AbortReason))
			break
		}
		// 不是入站流，则是本端发出的流被对方拒绝
		d.sess.t.dispatch.OnRemoteAbort(did, h.StreamID, h.AbortReason)

	default:
		ctx.ForwardIncoming(ev)
		return nil
	}
	ev.Done.TrySet(struct{}{})
	return nil
}

func (d *streamDemux) abortAll() {
	for id := range d.streams {
		d.sess.t.receiver.OnStreamAborted(d.sess.did, id, ErrStreamConnectionLost)
	}
	clear(d.streams)
}

// ============================================================================
//                              dispatch
// ============================================================================

// dispatcher 管线尾部：数据报交给上层，存储通告交给存储兴趣协议
type dispatcher struct {
	sess *session
}

func (*dispatcher) Capabilities() pipeline.Capability { return pipeline.CapInbound }

func (*dispatcher) HandleOutgoing(ctx *pipeline.Context, ev *pipeline.Event) error {
	ctx.ForwardOutgoing(ev)
	return nil
}

func (d *dispatcher) HandleIncoming(ctx *pipeline.Context, ev *pipeline.Event) error {
	if ev.Kind != pipeline.KindMessage {
		ctx.ForwardIncoming(ev)
		return nil
	}
	f, err := frameOf(ev)
	if err != nil {
		return err
	}
	switch f.Header.Type {
	case wire.TypeDatagram:
		d.sess.t.receiver.OnDatagram(d.sess.did, f.Header.SID, f.Payload)
	case wire.TypeStores:
		d.sess.t.dispatch.OnStores(d.sess.did, d.sess.remoteAddr(), f.Header.Adv)
	default:
		ctx.ForwardIncoming(ev)
		return nil
	}
	ev.Done.TrySet(struct{}{})
	return nil
}
