// Package host 把传输层的各组件装配到同一个执行上下文上
//
// Host 持有 ARP 表、存储兴趣状态、单播分发、心跳、组播发现、TCP 传输和
// 链路监控，并在它们之间转发信号：
//
//	组播 pong / 单播 Stores ──▶ stores ──▶ ARP ──▶ PresenceEvent
//	ARP 删除 ──▶ stores 下线 + unicast 销毁 Peer
//	链路变化 ──▶ multicast 加入/离开 + unicast 全部断开 + LinkMetricsEvent
//	Peer 在线变化 ──▶ PeerStatusEvent
//
// 所有组件状态只在执行上下文中访问。对外操作通过 Enqueue 按优先级投递，
// 队列满时返回的 Future 立即以资源耗尽失败。
//
// # 生命周期
//
//	h, _ := host.New(host.WithConfig(cfg), host.WithReceiver(r))
//	_ = h.Start(ctx)
//	defer h.Stop()
package host
