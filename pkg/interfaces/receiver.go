// Package interfaces 定义传输层的公共接口
//
// 本文件定义 Receiver 接口，传输层通过它把收到的数据交给上层。
package interfaces

import (
	"github.com/aer0ss/aerofs-sub011/pkg/types"
)

// Receiver 上层数据接收者
//
// 所有回调都在传输层的执行上下文中调用，实现必须尽快返回，
// 耗时处理应当转交给自己的 goroutine。payload 的所有权转移给接收者。
type Receiver interface {
	// OnDatagram 收到单播数据报
	OnDatagram(did types.DID, sid types.SID, payload []byte)

	// OnMulticastDatagram 收到组播数据报
	OnMulticastDatagram(did types.DID, sid types.SID, payload []byte)

	// OnStreamBegun 远端开始发送流
	OnStreamBegun(did types.DID, sid types.SID, id types.StreamID)

	// OnStreamChunk 收到流数据块（按序号递增）
	OnStreamChunk(did types.DID, id types.StreamID, seq uint32, payload []byte)

	// OnStreamEnded 流正常结束
	OnStreamEnded(did types.DID, id types.StreamID)

	// OnStreamAborted 流被中止（远端中止、乱序或连接断开）
	OnStreamAborted(did types.DID, id types.StreamID, reason error)
}

// NopReceiver 丢弃所有数据的接收者
type NopReceiver struct{}

var _ Receiver = NopReceiver{}

func (NopReceiver) OnDatagram(types.DID, types.SID, []byte)                {}
func (NopReceiver) OnMulticastDatagram(types.DID, types.SID, []byte)       {}
func (NopReceiver) OnStreamBegun(types.DID, types.SID, types.StreamID)     {}
func (NopReceiver) OnStreamChunk(types.DID, types.StreamID, uint32, []byte) {}
func (NopReceiver) OnStreamEnded(types.DID, types.StreamID)                {}
func (NopReceiver) OnStreamAborted(types.DID, types.StreamID, error)       {}
