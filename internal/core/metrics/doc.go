// Package metrics 提供传输层的 Prometheus 指标
//
// 所有方法对 nil *Metrics 安全，关闭指标时组件直接持有 nil。
//
// 指标列表（命名空间可配置，默认 aerofs，子系统 transport）：
//   - peers / connections / arp_entries: 当前数量
//   - bytes_sent_total / bytes_received_total: 单播字节数
//   - frames_total{direction,channel}: 帧数
//   - frames_dropped_total{reason}: 丢弃的帧
//   - queue_overflows_total{queue}: 队列溢出
//   - pulse_failures_total: 心跳失败
//   - connect_attempts_total{result}: 建连结果
package metrics
