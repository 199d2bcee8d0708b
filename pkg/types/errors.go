// Package types 定义传输层的基础类型
//
// 本文件定义错误分类的根错误。
// 各模块的哨兵错误通过 fmt.Errorf("%w: ...") 包装这些根错误，
// 上层可以用 errors.Is 判断错误类别。
package types

import "errors"

// ============================================================================
//                              错误分类
// ============================================================================

var (
	// ErrResourceExhausted 资源耗尽（队列已满，调用方稍后重试）
	ErrResourceExhausted = errors.New("resource exhausted")

	// ErrDeviceUnreachable 设备不可达（没有已知地址）
	ErrDeviceUnreachable = errors.New("device unreachable")

	// ErrProtocol 协议错误（无法识别或格式错误的控制消息）
	ErrProtocol = errors.New("protocol error")

	// ErrTransportFailure 传输失败（套接字错误、连接超时）
	ErrTransportFailure = errors.New("transport failure")

	// ErrHandlerException 管道处理器异常
	ErrHandlerException = errors.New("handler exception")
)

// IsTransient 判断错误是否为可重试的临时错误
func IsTransient(err error) bool {
	return errors.Is(err, ErrResourceExhausted)
}
