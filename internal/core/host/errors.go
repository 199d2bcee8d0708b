package host

import (
	"errors"
	"fmt"

	"github.com/aer0ss/aerofs-sub011/pkg/types"
)

var (
	// ErrAlreadyStarted Host 已启动
	ErrAlreadyStarted = errors.New("host already started")

	// ErrNotStarted Host 未启动
	ErrNotStarted = errors.New("host not started")

	// ErrClosed Host 已关闭
	ErrClosed = errors.New("host closed")

	// ErrStopping 关闭过程中销毁的 Peer 使用此原因
	ErrStopping = fmt.Errorf("%w: host stopping", types.ErrTransportFailure)

	// ErrMulticastDisabled 组播未启用
	ErrMulticastDisabled = fmt.Errorf("%w: multicast disabled", types.ErrTransportFailure)

	// ErrPayloadTooLarge 载荷超过通告的上限
	ErrPayloadTooLarge = fmt.Errorf("%w: payload too large", types.ErrProtocol)
)
