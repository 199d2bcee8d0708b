package wire

import (
	"fmt"

	"github.com/aer0ss/aerofs-sub011/pkg/types"
)

// ============================================================================
//                              错误定义
// ============================================================================

var (
	// ErrMalformedHeader 控制头无法解析
	ErrMalformedHeader = fmt.Errorf("%w: malformed header", types.ErrProtocol)

	// ErrUnknownType 未知的消息类型
	ErrUnknownType = fmt.Errorf("%w: unknown message type", types.ErrProtocol)

	// ErrMissingField 缺少必需字段
	ErrMissingField = fmt.Errorf("%w: missing required field", types.ErrProtocol)

	// ErrUnexpectedPayload 该类型消息不应携带载荷
	ErrUnexpectedPayload = fmt.Errorf("%w: unexpected payload", types.ErrProtocol)

	// ErrFrameTooLarge 帧超过最大长度
	ErrFrameTooLarge = fmt.Errorf("%w: frame too large", types.ErrProtocol)

	// ErrTruncatedFrame 帧被截断
	ErrTruncatedFrame = fmt.Errorf("%w: truncated frame", types.ErrProtocol)

	// ErrBadAdvertisement 存储通告参数越界
	ErrBadAdvertisement = fmt.Errorf("%w: bad advertisement", types.ErrProtocol)

	// ErrBadMagic 组播帧魔数不匹配
	ErrBadMagic = fmt.Errorf("%w: bad multicast magic", types.ErrProtocol)

	// ErrBadChecksum 组播帧校验和不匹配
	ErrBadChecksum = fmt.Errorf("%w: bad multicast checksum", types.ErrProtocol)
)
