package aerofs

import (
	"github.com/aer0ss/aerofs-sub011/internal/util/future"
	"github.com/aer0ss/aerofs-sub011/pkg/interfaces"
	"github.com/aer0ss/aerofs-sub011/pkg/types"
)

// ════════════════════════════════════════════════════════════════════════════
//                              版本信息
// ════════════════════════════════════════════════════════════════════════════

// Version 当前版本
const Version = "v0.1.0"

// BuildInfo 构建信息（通过 ldflags 注入）
var (
	// GitCommit Git 提交哈希
	GitCommit string

	// BuildDate 构建日期
	BuildDate string
)

// VersionInfo 返回完整版本信息字符串
func VersionInfo() string {
	info := "aerofs-transport " + Version
	if GitCommit != "" {
		info += " (" + GitCommit[:min(8, len(GitCommit))] + ")"
	}
	if BuildDate != "" {
		info += " built " + BuildDate
	}
	return info
}

// ════════════════════════════════════════════════════════════════════════════
//                              类型别名
// ════════════════════════════════════════════════════════════════════════════

type (
	// DID 设备标识
	DID = types.DID

	// SID 存储标识
	SID = types.SID

	// StreamID 流标识
	StreamID = types.StreamID

	// Priority 操作优先级
	Priority = types.Priority

	// Receiver 上层数据接收者
	Receiver = interfaces.Receiver

	// NopReceiver 丢弃全部数据的接收者
	NopReceiver = interfaces.NopReceiver

	// Completion 操作完成句柄，Done 关闭后 Err 返回结果
	Completion = future.Future[struct{}]
)

// 事件类型
type (
	PresenceEvent    = types.PresenceEvent
	PeerStatusEvent  = types.PeerStatusEvent
	LinkMetricsEvent = types.LinkMetricsEvent
	MUODChangedEvent = types.MUODChangedEvent
)

// 优先级
const (
	PriorityLow  = types.PriorityLow
	PriorityHigh = types.PriorityHigh
)

// ParseDID 解析 Base58 形式的设备 ID
func ParseDID(s string) (DID, error) { return types.ParseDID(s) }

// ParseSID 解析 Base58 形式的存储 ID
func ParseSID(s string) (SID, error) { return types.ParseSID(s) }
