package pulse

import (
	"errors"
	"fmt"

	"github.com/aer0ss/aerofs-sub011/pkg/types"
)

var (
	// ErrPulsingFailed 连续心跳失败次数超过上限
	ErrPulsingFailed = fmt.Errorf("%w: pulsing failed", types.ErrDeviceUnreachable)

	// ErrPeerGone 心跳期间 Peer 被销毁
	ErrPeerGone = fmt.Errorf("%w: peer destroyed while pulsing", types.ErrDeviceUnreachable)

	// ErrStopped 服务已停止
	ErrStopped = errors.New("pulse service stopped")
)
