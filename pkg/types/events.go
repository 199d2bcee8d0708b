// Package types 定义传输层的基础类型
//
// 本文件定义发往上层的通知事件。
package types

import (
	"time"
)

// ============================================================================
//                              存在性事件
// ============================================================================

// PresenceEvent 设备对存储的在线状态变化
//
// Online 为 true 表示 Stores 中的存储在该设备上新近变为可达，
// 为 false 表示不再可达。上层观察到的是差量，而不是原始消息。
type PresenceEvent struct {
	DID    DID
	Stores []SID
	Online bool
	Time   time.Time
}

// ============================================================================
//                              设备状态事件
// ============================================================================

// PeerStatusEvent 设备连接状态变化
type PeerStatusEvent struct {
	DID    DID
	Online bool
	Reason error
	Time   time.Time
}

// ============================================================================
//                              链路事件
// ============================================================================

// LinkMetricsEvent 链路指标（通告的最大载荷大小）
type LinkMetricsEvent struct {
	MaxPayloadSize int
	Time           time.Time
}

// MUODChangedEvent 仅可单播可达的在线设备集合变化
//
// Devices 是不可变快照，按 DID 字节序排列。
type MUODChangedEvent struct {
	Devices []DID
	Time    time.Time
}
