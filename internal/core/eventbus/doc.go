// Package eventbus 实现传输层向上层的通知总线
//
// 上层（同步核心、诊断工具）通过订阅获取设备在线状态、存储在线集合、
// 链路参数和 MUOD 集合的变化。事件按类型分发，每种事件类型对应一个节点。
//
// # 快速开始
//
//	bus := eventbus.NewBus()
//
//	sub, _ := eventbus.Subscribe[types.PresenceEvent](bus)
//	defer sub.Close()
//
//	go func() {
//	    for ev := range sub.Out() {
//	        // ev 的类型为 types.PresenceEvent
//	    }
//	}()
//
//	em, _ := eventbus.NewEmitter[types.PresenceEvent](bus)
//	em.Emit(types.PresenceEvent{...})
//
// # 投递语义
//
// 发射不会阻塞：订阅者缓冲区满时事件被丢弃并计数告警。
// 传输层的执行上下文负责发射，慢消费者不能拖住状态机。
//
// 有状态（Stateful）发射器会保留最后一个事件，新订阅者立即收到它。
package eventbus
