// Package tcp 实现单播 TCP 传输
//
// 每条连接的第一帧是前导（本机 DID 与监听端口）。被动接受的连接在收到
// 前导之前丢弃一切；前导交换完成后双方在同一连接上发送存储兴趣通告，
// 被动连接随后加入对应 Peer 的连接池以便复用。
//
// # 帧格式
//
//	[uvarint bodyLen][uvarint hdrLen][header][payload]
//
// 帧体超过 MaxFrameSize 时连接被关闭。
//
// # 连接管线
//
//	head ─ codec ─ handshake ─ pulse ─ stream ─ dispatch ─ tail
//
// 管线只在执行上下文中运行。每条连接一个写 goroutine（保持发送顺序）
// 和一个读 goroutine（把帧按到达顺序投递到执行上下文）。
package tcp
