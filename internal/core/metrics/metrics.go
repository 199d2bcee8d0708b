package metrics

import (
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/multierr"
)

// DefaultNamespace 默认指标命名空间
const DefaultNamespace = "aerofs"

const subsystem = "transport"

// 标签取值
const (
	DirectionIn  = "in"
	DirectionOut = "out"

	ChannelUnicast   = "unicast"
	ChannelMulticast = "multicast"

	ResultSuccess = "success"
	ResultFailure = "failure"
	ResultTimeout = "timeout"
)

// Metrics 传输层指标集合
type Metrics struct {
	registry *prometheus.Registry

	peers       prometheus.Gauge
	connections prometheus.Gauge
	arpEntries  prometheus.Gauge

	bytesSent     prometheus.Counter
	bytesReceived prometheus.Counter

	frames         *prometheus.CounterVec
	framesDropped  *prometheus.CounterVec
	queueOverflows *prometheus.CounterVec
	pulseFailures  prometheus.Counter
	connects       *prometheus.CounterVec
}

// New 创建并注册指标
//
// reg 为 nil 时使用新建的独立 Registry。
func New(namespace string, reg *prometheus.Registry) (*Metrics, error) {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	gauge := func(name, help string) prometheus.Gauge {
		return prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: subsystem, Name: name, Help: help,
		})
	}
	counter := func(name, help string) prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: subsystem, Name: name, Help: help,
		})
	}
	counterVec := func(name, help string, labels ...string) *prometheus.CounterVec {
		return prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: subsystem, Name: name, Help: help,
		}, labels)
	}

	m := &Metrics{
		registry:       reg,
		peers:          gauge("peers", "Number of peers with a live connection"),
		connections:    gauge("connections", "Number of open unicast connections"),
		arpEntries:     gauge("arp_entries", "Number of devices in the ARP table"),
		bytesSent:      counter("bytes_sent_total", "Bytes written to the network"),
		bytesReceived:  counter("bytes_received_total", "Bytes read from the network"),
		frames:         counterVec("frames_total", "Frames processed", "direction", "channel"),
		framesDropped:  counterVec("frames_dropped_total", "Frames dropped", "reason"),
		queueOverflows: counterVec("queue_overflows_total", "Operations rejected by a full queue", "queue"),
		pulseFailures:  counter("pulse_failures_total", "Pulse attempts that timed out"),
		connects:       counterVec("connect_attempts_total", "Outbound connect attempts", "result"),
	}

	var errs error
	for _, c := range []prometheus.Collector{
		m.peers, m.connections, m.arpEntries, m.bytesSent, m.bytesReceived,
		m.frames, m.framesDropped, m.queueOverflows, m.pulseFailures, m.connects,
	} {
		if err := reg.Register(c); err != nil {
			var already prometheus.AlreadyRegisteredError
			if errors.As(err, &already) {
				err = fmt.Errorf("metric already registered: %w", err)
			}
			errs = multierr.Append(errs, err)
		}
	}
	if errs != nil {
		return nil, errs
	}
	return m, nil
}

// Registry 返回底层 Registry
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// SetPeers 设置在线 Peer 数
func (m *Metrics) SetPeers(n int) {
	if m != nil {
		m.peers.Set(float64(n))
	}
}

// ConnectionOpened 连接打开
func (m *Metrics) ConnectionOpened() {
	if m != nil {
		m.connections.Inc()
	}
}

// ConnectionClosed 连接关闭
func (m *Metrics) ConnectionClosed() {
	if m != nil {
		m.connections.Dec()
	}
}

// SetARPEntries 设置 ARP 表大小
func (m *Metrics) SetARPEntries(n int) {
	if m != nil {
		m.arpEntries.Set(float64(n))
	}
}

// BytesSent 记录发送字节
func (m *Metrics) BytesSent(n int) {
	if m != nil {
		m.bytesSent.Add(float64(n))
	}
}

// BytesReceived 记录接收字节
func (m *Metrics) BytesReceived(n int) {
	if m != nil {
		m.bytesReceived.Add(float64(n))
	}
}

// Frame 记录一帧
func (m *Metrics) Frame(direction, channel string) {
	if m != nil {
		m.frames.WithLabelValues(direction, channel).Inc()
	}
}

// FrameDropped 记录丢弃的帧
func (m *Metrics) FrameDropped(reason string) {
	if m != nil {
		m.framesDropped.WithLabelValues(reason).Inc()
	}
}

// QueueOverflow 记录队列溢出
func (m *Metrics) QueueOverflow(queue string) {
	if m != nil {
		m.queueOverflows.WithLabelValues(queue).Inc()
	}
}

// PulseFailure 记录心跳失败
func (m *Metrics) PulseFailure() {
	if m != nil {
		m.pulseFailures.Inc()
	}
}

// ConnectAttempt 记录建连结果
func (m *Metrics) ConnectAttempt(result string) {
	if m != nil {
		m.connects.WithLabelValues(result).Inc()
	}
}
