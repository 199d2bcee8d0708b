package pipeline

import (
	"fmt"

	"github.com/aer0ss/aerofs-sub011/internal/util/future"
	"github.com/aer0ss/aerofs-sub011/pkg/types"
)

// Kind 事件类型
type Kind uint8

const (
	// KindMessage 消息（入站为解码后的帧，出站为待发送的帧）
	KindMessage Kind = iota
	// KindConnect 建立连接
	KindConnect
	// KindDisconnect 断开连接
	KindDisconnect
	// KindRead 请求继续读取
	KindRead
	// KindException 处理器异常
	KindException
)

// String 返回事件类型名
func (k Kind) String() string {
	switch k {
	case KindMessage:
		return "message"
	case KindConnect:
		return "connect"
	case KindDisconnect:
		return "disconnect"
	case KindRead:
		return "read"
	case KindException:
		return "exception"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Event 流经管线的事件
//
// Done 只能被完成一次。事件离开管线（被某个处理器消费、到达 Sink、
// 或从尾部落空）后，由最终持有者负责完成它。
type Event struct {
	Kind     Kind
	Message  any
	Priority types.Priority
	Cause    error
	Done     *future.Void
}

// NewMessage 创建消息事件
func NewMessage(msg any, prio types.Priority) *Event {
	return &Event{Kind: KindMessage, Message: msg, Priority: prio, Done: future.NewVoid()}
}

// NewConnect 创建连接事件
func NewConnect() *Event {
	return &Event{Kind: KindConnect, Priority: types.PriorityHigh, Done: future.NewVoid()}
}

// NewDisconnect 创建断开事件
func NewDisconnect(reason error) *Event {
	return &Event{Kind: KindDisconnect, Cause: reason, Priority: types.PriorityHigh, Done: future.NewVoid()}
}

// NewRead 创建读取事件
func NewRead() *Event {
	return &Event{Kind: KindRead, Done: future.NewVoid()}
}

// newException 以原事件的完成句柄创建异常事件
func newException(orig *Event, cause error) *Event {
	return &Event{
		Kind:     KindException,
		Message:  orig.Message,
		Priority: orig.Priority,
		Cause:    cause,
		Done:     orig.Done,
	}
}
