package tcp

import (
	"errors"
	"fmt"

	"github.com/aer0ss/aerofs-sub011/pkg/types"
)

var (
	// ErrTransportClosed 传输已关闭
	ErrTransportClosed = fmt.Errorf("%w: tcp transport closed", types.ErrTransportFailure)

	// ErrNotConnected 套接字尚未建立
	ErrNotConnected = fmt.Errorf("%w: socket not connected", types.ErrTransportFailure)

	// ErrSendQueueFull 连接写队列已满
	ErrSendQueueFull = fmt.Errorf("%w: send queue full", types.ErrResourceExhausted)

	// ErrDialFailed 拨号失败
	ErrDialFailed = fmt.Errorf("%w: dial failed", types.ErrDeviceUnreachable)

	// ErrHandshakeMismatch 前导中的设备与预期不符
	ErrHandshakeMismatch = fmt.Errorf("%w: preamble device mismatch", types.ErrProtocol)

	// ErrDuplicatePreamble 重复的前导
	ErrDuplicatePreamble = fmt.Errorf("%w: duplicate preamble", types.ErrProtocol)

	// ErrHandshakeTimeout 被动连接未在期限内收到前导
	ErrHandshakeTimeout = fmt.Errorf("%w: handshake timeout", types.ErrTransportFailure)

	// ErrBadMessage 管线中出现了意外的消息类型
	ErrBadMessage = fmt.Errorf("%w: unexpected pipeline message", types.ErrProtocol)

	// ErrStreamOutOfOrder 流数据块乱序
	ErrStreamOutOfOrder = fmt.Errorf("%w: stream chunk out of order", types.ErrProtocol)

	// ErrStreamAborted 远端中止了流
	ErrStreamAborted = errors.New("stream aborted by remote")

	// ErrStreamConnectionLost 承载流的连接断开
	ErrStreamConnectionLost = fmt.Errorf("%w: stream connection lost", types.ErrTransportFailure)
)
