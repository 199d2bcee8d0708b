// Package aerofs 提供文件同步守护进程的点对点传输层
//
// 传输层负责发现局域网内的设备、维护到它们的直连 TCP 连接、交换各设备
// 关心的存储集合，并代表上层同步核心收发数据报和流。上层只通过 Receiver
// 接收数据，通过事件总线观察设备和存储的在线状态。
//
// # 快速开始
//
//	t, err := aerofs.Start(ctx,
//	    aerofs.WithReceiver(myReceiver),
//	    aerofs.WithListenAddr(":0"),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer t.Close()
//
//	// 声明本设备关心的存储，触发组播通告
//	_ = t.UpdateStores([]aerofs.SID{sid}, nil)
//
//	// 订阅存储在线状态
//	sub, _ := aerofs.Subscribe[aerofs.PresenceEvent](t, 64)
//	for ev := range sub.Out() {
//	    // ev.DID 上的 ev.Stores 上线或下线
//	}
//
//	// 发送数据报（没有连接时排队并自动建连）
//	err = t.SendDatagram(did, sid, payload, aerofs.PriorityLow).Err()
//
// # 组件
//
//	┌──────────────────────────────────────────────────────────────┐
//	│  Transport（本包）                                            │
//	├──────────────────────────────────────────────────────────────┤
//	│  host: 单一执行上下文上的组件装配                               │
//	│  ┌─────────┐ ┌─────────┐ ┌────────┐ ┌───────┐ ┌───────────┐  │
//	│  │ unicast │ │multicast│ │ stores │ │  arp  │ │   pulse   │  │
//	│  └─────────┘ └─────────┘ └────────┘ └───────┘ └───────────┘  │
//	│  ┌─────────┐ ┌──────────┐ ┌───────────┐ ┌────────────────┐   │
//	│  │  peer   │ │ pipeline │ │ tcp       │ │ linkstate      │   │
//	│  └─────────┘ └──────────┘ └───────────┘ └────────────────┘   │
//	└──────────────────────────────────────────────────────────────┘
//
// # 并发
//
// 所有状态由一个执行 goroutine 独占。公共方法可以从任意 goroutine 调用：
// 操作按优先级进入有界队列，队列满时返回的完成句柄立即以
// ErrResourceExhausted 失败。Receiver 回调在执行 goroutine 中运行。
package aerofs
