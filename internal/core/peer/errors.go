package peer

import (
	"errors"
	"fmt"

	"github.com/aer0ss/aerofs-sub011/pkg/types"
)

// ============================================================================
//                              错误定义
// ============================================================================

var (
	// ErrQueueFull 待发送队列已满
	ErrQueueFull = fmt.Errorf("%w: peer pending queue full", types.ErrResourceExhausted)

	// ErrPeerDestroyed Peer 已销毁
	ErrPeerDestroyed = fmt.Errorf("%w: peer destroyed", types.ErrDeviceUnreachable)

	// ErrConnectTimeout 建连超时
	ErrConnectTimeout = fmt.Errorf("%w: connect timeout", types.ErrDeviceUnreachable)

	// ErrConnectionClosed 连接已关闭
	ErrConnectionClosed = fmt.Errorf("%w: connection closed", types.ErrTransportFailure)

	// ErrConnectionEvicted 连接池已满，最旧的连接被断开
	ErrConnectionEvicted = errors.New("connection evicted from pool")

	// ErrStaleConnection 迟到的建连结果
	ErrStaleConnection = errors.New("stale connection attempt")

	// ErrStreamPinLost 流绑定的连接已断开
	ErrStreamPinLost = fmt.Errorf("%w: stream connection lost", types.ErrTransportFailure)
)
