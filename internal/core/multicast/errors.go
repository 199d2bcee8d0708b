package multicast

import (
	"errors"
	"fmt"

	"github.com/aer0ss/aerofs-sub011/pkg/types"
)

var (
	// ErrNoInterfaces 没有可用的组播接口
	ErrNoInterfaces = fmt.Errorf("%w: no multicast interface", types.ErrTransportFailure)

	// ErrDatagramTooLarge 组播数据报超过最大尺寸
	ErrDatagramTooLarge = fmt.Errorf("%w: multicast datagram too large", types.ErrProtocol)

	// ErrStopped 组播服务已停止
	ErrStopped = errors.New("multicast service stopped")

	// ErrSocketClosed 套接字已关闭
	ErrSocketClosed = errors.New("multicast socket closed")
)
