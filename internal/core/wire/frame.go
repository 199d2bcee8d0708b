package wire

import (
	"bufio"
	"fmt"
	"io"

	"github.com/multiformats/go-varint"
)

// DefaultMaxFrameSize 默认单播帧最大长度
const DefaultMaxFrameSize = 1 << 20

// Frame 解码后的消息
type Frame struct {
	Header  *Header
	Payload []byte
}

// AppendFrame 将单播帧追加到 dst
//
// 格式: [uvarint bodyLen][uvarint hdrLen][header][payload]
func AppendFrame(dst []byte, h *Header, payload []byte) ([]byte, error) {
	if len(payload) > 0 && !h.Type.HasPayload() {
		return dst, fmt.Errorf("%w: %s", ErrUnexpectedPayload, h.Type)
	}
	hdr := MarshalHeader(h)
	hdrLen := uint64(len(hdr))
	bodyLen := uint64(varint.UvarintSize(hdrLen)) + hdrLen + uint64(len(payload))

	dst = append(dst, varint.ToUvarint(bodyLen)...)
	dst = append(dst, varint.ToUvarint(hdrLen)...)
	dst = append(dst, hdr...)
	dst = append(dst, payload...)
	return dst, nil
}

// EncodedSize 返回编码后的帧长度
func EncodedSize(h *Header, payloadLen int) int {
	hdrLen := uint64(len(MarshalHeader(h)))
	bodyLen := uint64(varint.UvarintSize(hdrLen)) + hdrLen + uint64(payloadLen)
	return varint.UvarintSize(bodyLen) + int(bodyLen)
}

// ReadFrame 从 r 读取一个单播帧
//
// maxFrameSize 限制帧体长度，超出时返回 ErrFrameTooLarge，连接应当关闭。
func ReadFrame(r *bufio.Reader, maxFrameSize int) (*Frame, error) {
	body, err := ReadBody(r, maxFrameSize)
	if err != nil {
		return nil, err
	}
	return DecodeBody(body)
}

// ReadBody 读取一个单播帧的帧体（不解码）
func ReadBody(r *bufio.Reader, maxFrameSize int) ([]byte, error) {
	bodyLen, err := varint.ReadUvarint(r)
	if err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("%w: %v", ErrTruncatedFrame, err)
	}
	if maxFrameSize > 0 && bodyLen > uint64(maxFrameSize) {
		return nil, fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, bodyLen, maxFrameSize)
	}

	body := make([]byte, bodyLen)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTruncatedFrame, err)
	}
	return body, nil
}

// DecodeBody 解码去掉外层长度前缀后的帧体
func DecodeBody(body []byte) (*Frame, error) {
	hdrLen, n, err := varint.FromUvarint(body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedHeader, err)
	}
	body = body[n:]
	if hdrLen > uint64(len(body)) {
		return nil, fmt.Errorf("%w: header length %d exceeds body", ErrTruncatedFrame, hdrLen)
	}

	h, err := UnmarshalHeader(body[:hdrLen])
	if err != nil {
		return nil, err
	}
	payload := body[hdrLen:]
	if len(payload) > 0 && !h.Type.HasPayload() {
		return nil, fmt.Errorf("%w: %s", ErrUnexpectedPayload, h.Type)
	}
	if len(payload) == 0 {
		payload = nil
	}
	return &Frame{Header: h, Payload: payload}, nil
}
