package aerofs

import (
	"errors"

	"github.com/aer0ss/aerofs-sub011/internal/core/host"
	"github.com/aer0ss/aerofs-sub011/internal/core/transport/tcp"
	"github.com/aer0ss/aerofs-sub011/pkg/types"
)

// 公共错误定义
var (
	// ────────────────────────────────────────────────────────────────────────
	// 生命周期错误
	// ────────────────────────────────────────────────────────────────────────

	// ErrNotStarted 传输层未启动
	ErrNotStarted = host.ErrNotStarted

	// ErrAlreadyStarted 传输层已启动
	ErrAlreadyStarted = host.ErrAlreadyStarted

	// ErrClosed 传输层已关闭
	ErrClosed = host.ErrClosed

	// ────────────────────────────────────────────────────────────────────────
	// 错误分类（用 errors.Is 判断）
	// ────────────────────────────────────────────────────────────────────────

	// ErrResourceExhausted 队列已满，稍后重试
	ErrResourceExhausted = types.ErrResourceExhausted

	// ErrDeviceUnreachable 设备没有已知地址
	ErrDeviceUnreachable = types.ErrDeviceUnreachable

	// ErrProtocol 协议错误
	ErrProtocol = types.ErrProtocol

	// ErrTransportFailure 套接字错误或连接超时
	ErrTransportFailure = types.ErrTransportFailure

	// ErrHandlerException 管道处理器异常
	ErrHandlerException = types.ErrHandlerException

	// ────────────────────────────────────────────────────────────────────────
	// 流错误
	// ────────────────────────────────────────────────────────────────────────

	// ErrStreamFinished 流已结束或已中止
	ErrStreamFinished = errors.New("stream already finished")

	// ErrStreamAborted 接收方中止了流
	ErrStreamAborted = tcp.ErrStreamAborted
)
