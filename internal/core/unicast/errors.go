package unicast

import (
	"fmt"

	"github.com/aer0ss/aerofs-sub011/pkg/types"
)

var (
	// ErrLinkDown 没有可用的网络接口
	ErrLinkDown = fmt.Errorf("%w: no usable network interface", types.ErrDeviceUnreachable)

	// ErrPresenceDisconnected 在线状态服务断开
	ErrPresenceDisconnected = fmt.Errorf("%w: presence service disconnected", types.ErrDeviceUnreachable)

	// ErrIdle 建连失败后闲置的 Peer 被回收
	ErrIdle = fmt.Errorf("%w: idle peer reaped", types.ErrDeviceUnreachable)

	// ErrDeviceOffline 设备已下线
	ErrDeviceOffline = fmt.Errorf("%w: device went offline", types.ErrDeviceUnreachable)
)
