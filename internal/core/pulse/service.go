// Package pulse 实现设备存活心跳
//
// 对怀疑失联的设备周期性发送心跳请求，收到相同 ID 的应答即认为存活。
// 每次超时后超时时间翻倍（不超过上限），连续失败超过上限时判定失联，
// 销毁该设备的 Peer。
//
// Service 的所有方法都必须在执行上下文中调用。
package pulse

import (
	crand "crypto/rand"
	"encoding/binary"
	"time"

	"github.com/aer0ss/aerofs-sub011/internal/core/executor"
	"github.com/aer0ss/aerofs-sub011/internal/core/metrics"
	"github.com/aer0ss/aerofs-sub011/internal/util/future"
	"github.com/aer0ss/aerofs-sub011/internal/util/logger"
	"github.com/aer0ss/aerofs-sub011/pkg/types"
)

var log = logger.Logger("core/pulse")

// 默认参数
const (
	DefaultMinTimeout  = 2 * time.Second
	DefaultMaxTimeout  = 30 * time.Second
	DefaultMaxFailures = 3
)

// Config 心跳配置
type Config struct {
	MinTimeout  time.Duration
	MaxTimeout  time.Duration
	MaxFailures int
}

// DefaultConfig 返回默认配置
func DefaultConfig() Config {
	return Config{
		MinTimeout:  DefaultMinTimeout,
		MaxTimeout:  DefaultMaxTimeout,
		MaxFailures: DefaultMaxFailures,
	}
}

// Sender 心跳出口
type Sender interface {
	// Pulse 通过单播发送心跳请求
	Pulse(did types.DID, pulseID uint64, prio types.Priority) *future.Void

	// DestroyPeer 判定失联后销毁 Peer
	DestroyPeer(did types.DID, reason error)
}

// state 单个设备的心跳状态
type state struct {
	did      types.DID
	pulseID  uint64
	failures int
	timeout  time.Duration
	timer    *executor.Timer
	waiters  []*future.Void
}

// Service 心跳服务
type Service struct {
	cfg     Config
	exec    *executor.Executor
	sender  Sender
	metrics *metrics.Metrics

	states map[types.DID]*state
	nextID uint64
}

// New 创建心跳服务
func New(cfg Config, exec *executor.Executor, sender Sender, m *metrics.Metrics) *Service {
	if cfg.MinTimeout <= 0 {
		cfg.MinTimeout = DefaultMinTimeout
	}
	if cfg.MaxTimeout < cfg.MinTimeout {
		cfg.MaxTimeout = cfg.MinTimeout
	}
	if cfg.MaxFailures < 0 {
		cfg.MaxFailures = DefaultMaxFailures
	}

	var seed [8]byte
	_, _ = crand.Read(seed[:])

	return &Service{
		cfg:     cfg,
		exec:    exec,
		sender:  sender,
		metrics: m,
		states:  make(map[types.DID]*state),
		nextID:  binary.BigEndian.Uint64(seed[:]),
	}
}

// Start 开始对设备发送心跳
//
// 设备已在心跳中时复用当前轮次。返回的句柄在收到应答时成功，
// 判定失联或 Peer 被销毁时失败。
func (s *Service) Start(did types.DID) *future.Void {
	waiter := future.NewVoid()
	if st, ok := s.states[did]; ok {
		st.waiters = append(st.waiters, waiter)
		return waiter
	}

	st := &state{
		did:     did,
		timeout: s.cfg.MinTimeout,
		waiters: []*future.Void{waiter},
	}
	s.states[did] = st
	log.Debug("开始心跳", "peer", did.ShortString())
	s.send(st)
	return waiter
}

// IsPulsing 设备是否在心跳中
func (s *Service) IsPulsing(did types.DID) bool {
	_, ok := s.states[did]
	return ok
}

func (s *Service) send(st *state) {
	s.nextID++
	if s.nextID == 0 {
		s.nextID++
	}
	id := s.nextID
	st.pulseID = id

	s.sender.Pulse(st.did, id, types.PriorityHigh)
	st.timer = s.exec.Schedule(st.timeout, func() { s.onTimeout(st, id) })
}

func (s *Service) onTimeout(st *state, id uint64) {
	if s.states[st.did] != st || st.pulseID != id {
		return
	}
	st.failures++
	s.metrics.PulseFailure()

	if st.failures > s.cfg.MaxFailures {
		log.Info("心跳失败次数超过上限，判定设备失联",
			"peer", st.did.ShortString(),
			"failures", st.failures)
		s.finish(st, ErrPulsingFailed)
		s.sender.DestroyPeer(st.did, ErrPulsingFailed)
		return
	}

	st.timeout *= 2
	if st.timeout > s.cfg.MaxTimeout {
		st.timeout = s.cfg.MaxTimeout
	}
	log.Debug("心跳超时，重试",
		"peer", st.did.ShortString(),
		"failures", st.failures,
		"timeout", st.timeout)
	s.send(st)
}

// OnReply 收到心跳应答
func (s *Service) OnReply(did types.DID, pulseID uint64) {
	st, ok := s.states[did]
	if !ok || st.pulseID != pulseID {
		log.Debug("忽略不匹配的心跳应答", "peer", did.ShortString(), "id", pulseID)
		return
	}
	log.Debug("心跳应答", "peer", did.ShortString(), "failures", st.failures)
	s.finish(st, nil)
}

// OnPeerDestroyed Peer 被销毁时失败全部等待者
func (s *Service) OnPeerDestroyed(did types.DID) {
	if st, ok := s.states[did]; ok {
		s.finish(st, ErrPeerGone)
	}
}

// Stop 停止全部心跳
func (s *Service) Stop() {
	for _, st := range s.states {
		s.finish(st, ErrStopped)
	}
}

func (s *Service) finish(st *state, err error) {
	delete(s.states, st.did)
	if st.timer != nil {
		st.timer.Cancel()
	}
	for _, w := range st.waiters {
		if err != nil {
			w.TryFail(err)
		} else {
			w.TrySet(struct{}{})
		}
	}
}
