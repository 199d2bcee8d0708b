package wire

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"

	"github.com/multiformats/go-varint"
)

// MulticastMagic 组播帧魔数
const MulticastMagic uint32 = 0xAE0F5C01

// multicastPrefixLen 魔数 + 校验和
const multicastPrefixLen = 8

// EncodeMulticast 编码组播帧
//
// 格式: [magic 4][crc32 4][uvarint hdrLen][header][payload]，
// 校验和覆盖魔数和校验和之后的全部字节。
func EncodeMulticast(h *Header, payload []byte) ([]byte, error) {
	if err := h.Validate(); err != nil {
		return nil, err
	}
	if len(payload) > 0 && !h.Type.HasPayload() {
		return nil, fmt.Errorf("%w: %s", ErrUnexpectedPayload, h.Type)
	}
	hdr := MarshalHeader(h)

	buf := make([]byte, multicastPrefixLen, multicastPrefixLen+varint.UvarintSize(uint64(len(hdr)))+len(hdr)+len(payload))
	binary.BigEndian.PutUint32(buf[0:4], MulticastMagic)
	buf = append(buf, varint.ToUvarint(uint64(len(hdr)))...)
	buf = append(buf, hdr...)
	buf = append(buf, payload...)
	binary.BigEndian.PutUint32(buf[4:8], crc32.ChecksumIEEE(buf[multicastPrefixLen:]))
	return buf, nil
}

// DecodeMulticast 解码组播帧
//
// 魔数或校验和不匹配时返回 ErrBadMagic / ErrBadChecksum，调用方丢弃该帧。
func DecodeMulticast(b []byte) (*Frame, error) {
	if len(b) < multicastPrefixLen {
		return nil, fmt.Errorf("%w: %d bytes", ErrTruncatedFrame, len(b))
	}
	if binary.BigEndian.Uint32(b[0:4]) != MulticastMagic {
		return nil, ErrBadMagic
	}
	body := b[multicastPrefixLen:]
	if binary.BigEndian.Uint32(b[4:8]) != crc32.ChecksumIEEE(body) {
		return nil, ErrBadChecksum
	}
	f, err := DecodeBody(body)
	if err != nil {
		return nil, err
	}
	if f.Payload != nil {
		f.Payload = append([]byte(nil), f.Payload...)
	}
	return f, nil
}
