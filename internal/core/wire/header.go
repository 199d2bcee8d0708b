// Package wire 定义传输层的线上格式
//
// 每条消息由一个控制头和可选的不透明载荷组成。控制头使用 protobuf
// 线上编码（protowire），单播帧和组播帧在此基础上各自加一层封装：
//
//	单播: [uvarint bodyLen][uvarint hdrLen][header][payload]
//	组播: [magic 4][crc32 4][uvarint hdrLen][header][payload]
package wire

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/aer0ss/aerofs-sub011/pkg/types"
)

// Type 消息类型
type Type uint8

const (
	// TypeInvalid 无效类型
	TypeInvalid Type = iota
	// TypePreamble 连接前导，携带发送方 DID 和监听端口
	TypePreamble
	// TypeDatagram 单播数据报
	TypeDatagram
	// TypeStreamBegin 流开始
	TypeStreamBegin
	// TypeStreamChunk 流数据块
	TypeStreamChunk
	// TypeStreamEnd 流结束
	TypeStreamEnd
	// TypeStreamAbort 流中止
	TypeStreamAbort
	// TypePulseCall 心跳请求
	TypePulseCall
	// TypePulseReply 心跳应答
	TypePulseReply
	// TypeStores 存储兴趣通告（单播）
	TypeStores
	// TypePing 组播探测
	TypePing
	// TypePong 组播探测应答，携带存储兴趣通告
	TypePong
	// TypeOffline 设备下线通知
	TypeOffline
	// TypeNop 空操作
	TypeNop
	// TypeMulticastDatagram 组播数据报
	TypeMulticastDatagram

	typeCount
)

var typeNames = [...]string{
	TypeInvalid:           "invalid",
	TypePreamble:          "preamble",
	TypeDatagram:          "datagram",
	TypeStreamBegin:       "stream-begin",
	TypeStreamChunk:       "stream-chunk",
	TypeStreamEnd:         "stream-end",
	TypeStreamAbort:       "stream-abort",
	TypePulseCall:         "pulse-call",
	TypePulseReply:        "pulse-reply",
	TypeStores:            "stores",
	TypePing:              "ping",
	TypePong:              "pong",
	TypeOffline:           "offline",
	TypeNop:               "nop",
	TypeMulticastDatagram: "mcast-datagram",
}

// String 返回类型名
func (t Type) String() string {
	if t < typeCount {
		return typeNames[t]
	}
	return fmt.Sprintf("type(%d)", uint8(t))
}

// HasPayload 该类型消息是否携带载荷
func (t Type) HasPayload() bool {
	switch t {
	case TypeDatagram, TypeStreamChunk, TypeMulticastDatagram:
		return true
	default:
		return false
	}
}

// AbortReason 流中止原因
type AbortReason uint8

const (
	// AbortUnspecified 未指定
	AbortUnspecified AbortReason = iota
	// AbortCancelled 发送方取消
	AbortCancelled
	// AbortOutOfOrder 数据块乱序
	AbortOutOfOrder
	// AbortConnectionLost 承载连接断开
	AbortConnectionLost
	// AbortReceiverRejected 接收方拒绝
	AbortReceiverRejected
)

// String 返回原因描述
func (r AbortReason) String() string {
	switch r {
	case AbortCancelled:
		return "cancelled"
	case AbortOutOfOrder:
		return "out-of-order"
	case AbortConnectionLost:
		return "connection-lost"
	case AbortReceiverRejected:
		return "receiver-rejected"
	default:
		return "unspecified"
	}
}

// Header 控制头
//
// 各类型使用的字段：
//   - Preamble: DID, ListenPort
//   - Datagram: SID
//   - StreamBegin: StreamID, SID
//   - StreamChunk: StreamID, ChunkSeq
//   - StreamEnd: StreamID
//   - StreamAbort: StreamID, AbortReason
//   - PulseCall / PulseReply: PulseID
//   - Stores: Adv
//   - Ping / Pong / Offline / Nop / MulticastDatagram: DID（组播帧必须携带发送方）
type Header struct {
	Type        Type
	DID         types.DID
	SID         types.SID
	ListenPort  uint16
	StreamID    types.StreamID
	ChunkSeq    uint32
	AbortReason AbortReason
	PulseID     uint64
	Adv         *Advertisement
	MulticastID uint64
}

// 远端过滤器通告的上限，超出视为协议错误
const (
	MaxFilterHashes = 32
	MaxFilterBytes  = 64 << 10
)

// Advertisement 存储兴趣通告
//
// 普通节点发送布隆过滤器及其序号，集线器模式发送 SID 前缀列表。
type Advertisement struct {
	Hub          bool
	Filter       []byte
	FilterSeq    uint32
	FilterHashes uint32
	Prefixes     [][]byte
}

// Clone 深拷贝
func (a *Advertisement) Clone() *Advertisement {
	if a == nil {
		return nil
	}
	c := &Advertisement{
		Hub:          a.Hub,
		FilterSeq:    a.FilterSeq,
		FilterHashes: a.FilterHashes,
	}
	if a.Filter != nil {
		c.Filter = append([]byte(nil), a.Filter...)
	}
	for _, p := range a.Prefixes {
		c.Prefixes = append(c.Prefixes, append([]byte(nil), p...))
	}
	return c
}

// Validate 检查类型和必需字段
func (h *Header) Validate() error {
	if h.Type == TypeInvalid || h.Type >= typeCount {
		return fmt.Errorf("%w: %d", ErrUnknownType, uint8(h.Type))
	}
	switch h.Type {
	case TypePreamble, TypePing, TypePong, TypeOffline, TypeNop, TypeMulticastDatagram:
		if h.DID.IsEmpty() {
			return fmt.Errorf("%w: %s without did", ErrMissingField, h.Type)
		}
	case TypeStores:
		if h.Adv == nil {
			return fmt.Errorf("%w: stores without advertisement", ErrMissingField)
		}
	}
	if h.Type == TypePong && h.Adv == nil {
		return fmt.Errorf("%w: pong without advertisement", ErrMissingField)
	}
	return nil
}

// ============================================================================
//                              protowire 编解码
// ============================================================================

const (
	fieldType        protowire.Number = 1
	fieldDID         protowire.Number = 2
	fieldSID         protowire.Number = 3
	fieldListenPort  protowire.Number = 4
	fieldStreamID    protowire.Number = 5
	fieldChunkSeq    protowire.Number = 6
	fieldAbortReason protowire.Number = 7
	fieldPulseID     protowire.Number = 8
	fieldAdv         protowire.Number = 9
	fieldMulticastID protowire.Number = 10
)

const (
	advFieldHub          protowire.Number = 1
	advFieldFilter       protowire.Number = 2
	advFieldFilterSeq    protowire.Number = 3
	advFieldFilterHashes protowire.Number = 4
	advFieldPrefix       protowire.Number = 5
)

// AppendHeader 将控制头编码追加到 b
func AppendHeader(b []byte, h *Header) []byte {
	b = appendVarintField(b, fieldType, uint64(h.Type))
	if !h.DID.IsEmpty() {
		b = protowire.AppendTag(b, fieldDID, protowire.BytesType)
		b = protowire.AppendBytes(b, h.DID[:])
	}
	if !h.SID.IsEmpty() {
		b = protowire.AppendTag(b, fieldSID, protowire.BytesType)
		b = protowire.AppendBytes(b, h.SID[:])
	}
	b = appendVarintField(b, fieldListenPort, uint64(h.ListenPort))
	b = appendVarintField(b, fieldStreamID, uint64(h.StreamID))
	b = appendVarintField(b, fieldChunkSeq, uint64(h.ChunkSeq))
	b = appendVarintField(b, fieldAbortReason, uint64(h.AbortReason))
	b = appendVarintField(b, fieldPulseID, h.PulseID)
	if h.Adv != nil {
		b = protowire.AppendTag(b, fieldAdv, protowire.BytesType)
		b = protowire.AppendBytes(b, appendAdvertisement(nil, h.Adv))
	}
	b = appendVarintField(b, fieldMulticastID, h.MulticastID)
	return b
}

// MarshalHeader 编码控制头
func MarshalHeader(h *Header) []byte {
	return AppendHeader(nil, h)
}

func appendVarintField(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendAdvertisement(b []byte, a *Advertisement) []byte {
	if a.Hub {
		b = appendVarintField(b, advFieldHub, 1)
	}
	if len(a.Filter) > 0 {
		b = protowire.AppendTag(b, advFieldFilter, protowire.BytesType)
		b = protowire.AppendBytes(b, a.Filter)
	}
	b = appendVarintField(b, advFieldFilterSeq, uint64(a.FilterSeq))
	b = appendVarintField(b, advFieldFilterHashes, uint64(a.FilterHashes))
	for _, p := range a.Prefixes {
		b = protowire.AppendTag(b, advFieldPrefix, protowire.BytesType)
		b = protowire.AppendBytes(b, p)
	}
	return b
}

// UnmarshalHeader 解码控制头并校验
//
// 未知字段被跳过，便于协议扩展。
func UnmarshalHeader(b []byte) (*Header, error) {
	h := &Header{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("%w: %v", ErrMalformedHeader, protowire.ParseError(n))
		}
		b = b[n:]

		switch {
		case typ == protowire.VarintType && isVarintField(num):
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, fmt.Errorf("%w: %v", ErrMalformedHeader, protowire.ParseError(n))
			}
			b = b[n:]
			if err := h.setVarint(num, v); err != nil {
				return nil, err
			}

		case typ == protowire.BytesType && (num == fieldDID || num == fieldSID || num == fieldAdv):
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, fmt.Errorf("%w: %v", ErrMalformedHeader, protowire.ParseError(n))
			}
			b = b[n:]
			if err := h.setBytes(num, v); err != nil {
				return nil, err
			}

		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, fmt.Errorf("%w: %v", ErrMalformedHeader, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	if err := h.Validate(); err != nil {
		return nil, err
	}
	return h, nil
}

func isVarintField(num protowire.Number) bool {
	switch num {
	case fieldType, fieldListenPort, fieldStreamID, fieldChunkSeq,
		fieldAbortReason, fieldPulseID, fieldMulticastID:
		return true
	default:
		return false
	}
}

func (h *Header) setVarint(num protowire.Number, v uint64) error {
	switch num {
	case fieldType:
		if v == 0 || v >= uint64(typeCount) {
			return fmt.Errorf("%w: %d", ErrUnknownType, v)
		}
		h.Type = Type(v)
	case fieldListenPort:
		if v > 0xffff {
			return fmt.Errorf("%w: listen port %d", ErrMalformedHeader, v)
		}
		h.ListenPort = uint16(v)
	case fieldStreamID:
		h.StreamID = types.StreamID(v)
	case fieldChunkSeq:
		h.ChunkSeq = uint32(v)
	case fieldAbortReason:
		h.AbortReason = AbortReason(v)
	case fieldPulseID:
		h.PulseID = v
	case fieldMulticastID:
		h.MulticastID = v
	}
	return nil
}

func (h *Header) setBytes(num protowire.Number, v []byte) error {
	var err error
	switch num {
	case fieldDID:
		h.DID, err = types.DIDFromBytes(v)
	case fieldSID:
		h.SID, err = types.SIDFromBytes(v)
	case fieldAdv:
		h.Adv, err = unmarshalAdvertisement(v)
	}
	if err != nil {
		return fmt.Errorf("%w: %w", ErrMalformedHeader, err)
	}
	return nil
}

func unmarshalAdvertisement(b []byte) (*Advertisement, error) {
	a := &Advertisement{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		b = b[n:]

		switch {
		case typ == protowire.VarintType && num != advFieldFilter && num != advFieldPrefix:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			b = b[n:]
			switch num {
			case advFieldHub:
				a.Hub = v != 0
			case advFieldFilterSeq:
				a.FilterSeq = uint32(v)
			case advFieldFilterHashes:
				a.FilterHashes = uint32(v)
			}

		case typ == protowire.BytesType && (num == advFieldFilter || num == advFieldPrefix):
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			b = b[n:]
			// ConsumeBytes 返回的切片引用输入缓冲区，这里拷贝出来
			cp := append([]byte(nil), v...)
			if num == advFieldFilter {
				a.Filter = cp
			} else {
				a.Prefixes = append(a.Prefixes, cp)
			}

		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			b = b[n:]
		}
	}
	if err := a.Validate(); err != nil {
		return nil, err
	}
	return a, nil
}

// Validate 检查过滤器参数范围
func (a *Advertisement) Validate() error {
	if a.FilterHashes > MaxFilterHashes {
		return fmt.Errorf("%w: %d filter hashes", ErrBadAdvertisement, a.FilterHashes)
	}
	if len(a.Filter) > 0 && a.FilterHashes == 0 {
		return fmt.Errorf("%w: filter without hashes", ErrBadAdvertisement)
	}
	if len(a.Filter) > MaxFilterBytes {
		return fmt.Errorf("%w: %d filter bytes", ErrBadAdvertisement, len(a.Filter))
	}
	return nil
}
