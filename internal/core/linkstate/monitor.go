// Package linkstate 监控本机网络接口的链路状态
//
// 采用轮询策略：
//   - 正常情况下按 PollInterval 检查
//   - 检测到变化后切换到 FastPollInterval 快速轮询，持续 FastPollDuration
//   - 支持外部通知触发立即检查
//
// 变化以 Change 的形式同步通知给订阅者（在监控 goroutine 中）。
package linkstate

import (
	"context"
	"net"
	"slices"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/aer0ss/aerofs-sub011/internal/util/logger"
)

var log = logger.Logger("core/linkstate")

// 默认轮询参数
const (
	DefaultPollInterval     = 2 * time.Second
	DefaultFastPollInterval = 500 * time.Millisecond
	DefaultFastPollDuration = 10 * time.Second
)

// Config 监控配置
type Config struct {
	PollInterval     time.Duration
	FastPollInterval time.Duration
	FastPollDuration time.Duration
}

// DefaultConfig 返回默认配置
func DefaultConfig() Config {
	return Config{
		PollInterval:     DefaultPollInterval,
		FastPollInterval: DefaultFastPollInterval,
		FastPollDuration: DefaultFastPollDuration,
	}
}

// Source 接口枚举函数
type Source func() ([]net.Interface, error)

// SystemInterfaces 返回本机处于 up 状态的非回环接口
func SystemInterfaces() ([]net.Interface, error) {
	all, err := net.Interfaces()
	if err != nil {
		return nil, err
	}
	return slices.DeleteFunc(all, func(i net.Interface) bool { return !Usable(i) }), nil
}

// Usable 接口是否可用于传输
func Usable(i net.Interface) bool {
	return i.Flags&net.FlagUp != 0 && i.Flags&net.FlagLoopback == 0
}

// Change 链路状态变化
type Change struct {
	Previous []net.Interface
	Current  []net.Interface
	Added    []net.Interface
	Removed  []net.Interface
	Time     time.Time
}

// Listener 变化订阅者
type Listener func(Change)

// Monitor 链路状态监控器
type Monitor struct {
	cfg    Config
	clock  clock.Clock
	source Source

	mu        sync.Mutex
	current   []net.Interface
	listeners []Listener

	force  chan struct{}
	cancel context.CancelFunc
	done   chan struct{}
}

// NewMonitor 创建监控器
func NewMonitor(cfg Config, clk clock.Clock, source Source) *Monitor {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.FastPollInterval <= 0 || cfg.FastPollInterval > cfg.PollInterval {
		cfg.FastPollInterval = cfg.PollInterval
	}
	if cfg.FastPollDuration <= 0 {
		cfg.FastPollDuration = DefaultFastPollDuration
	}
	if clk == nil {
		clk = clock.New()
	}
	if source == nil {
		source = SystemInterfaces
	}
	return &Monitor{
		cfg:    cfg,
		clock:  clk,
		source: source,
		force:  make(chan struct{}, 1),
	}
}

// Subscribe 订阅变化（需在 Start 之前调用才能收到初始状态）
func (m *Monitor) Subscribe(l Listener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, l)
}

// Current 当前可用接口
func (m *Monitor) Current() []net.Interface {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.current)
}

// Start 执行首次检查并启动轮询
//
// 首次检查把全部接口作为 Added 通知订阅者。
func (m *Monitor) Start(_ context.Context) error {
	m.Check()

	// Fx OnStart 的 ctx 在启动完成后会被取消，这里使用独立的 ctx
	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.done = make(chan struct{})
	go m.loop(ctx)

	log.Info("链路状态监控已启动", "interfaces", len(m.Current()))
	return nil
}

// Stop 停止轮询
func (m *Monitor) Stop() error {
	if m.cancel == nil {
		return nil
	}
	m.cancel()
	<-m.done
	m.cancel = nil
	log.Info("链路状态监控已停止")
	return nil
}

// ForceCheck 请求立即检查
func (m *Monitor) ForceCheck() {
	select {
	case m.force <- struct{}{}:
	default:
	}
}

func (m *Monitor) loop(ctx context.Context) {
	defer close(m.done)

	interval := m.cfg.PollInterval
	ticker := m.clock.Ticker(interval)
	defer func() { ticker.Stop() }()

	var fastUntil time.Time
	setInterval := func(d time.Duration) {
		if d == interval {
			return
		}
		interval = d
		ticker.Stop()
		ticker = m.clock.Ticker(d)
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.force:
		case <-ticker.C:
		}

		now := m.clock.Now()
		if m.Check() {
			fastUntil = now.Add(m.cfg.FastPollDuration)
			setInterval(m.cfg.FastPollInterval)
		} else if !fastUntil.IsZero() && now.After(fastUntil) {
			fastUntil = time.Time{}
			setInterval(m.cfg.PollInterval)
		}
	}
}

// Check 检查一次接口状态，有变化时通知订阅者并返回 true
func (m *Monitor) Check() bool {
	next, err := m.source()
	if err != nil {
		log.Warn("获取网络接口失败", "err", err)
		return false
	}

	m.mu.Lock()
	prev := m.current
	added, removed := diff(prev, next)
	first := prev == nil
	if !first && len(added) == 0 && len(removed) == 0 {
		m.mu.Unlock()
		return false
	}
	m.current = slices.Clone(next)
	if m.current == nil {
		m.current = []net.Interface{}
	}
	listeners := slices.Clone(m.listeners)
	m.mu.Unlock()

	change := Change{
		Previous: prev,
		Current:  slices.Clone(next),
		Added:    added,
		Removed:  removed,
		Time:     m.clock.Now(),
	}
	log.Info("检测到网络接口变化",
		"added", len(added),
		"removed", len(removed),
		"current", len(next))
	for _, l := range listeners {
		l(change)
	}
	return !first || len(added) > 0
}

// diff 按接口索引和标志比较
//
// 同一索引标志变化视为先移除再新增。
func diff(prev, next []net.Interface) (added, removed []net.Interface) {
	key := func(i net.Interface) [2]int { return [2]int{i.Index, int(i.Flags)} }
	old := make(map[[2]int]net.Interface, len(prev))
	for _, i := range prev {
		old[key(i)] = i
	}
	seen := make(map[[2]int]struct{}, len(next))
	for _, i := range next {
		k := key(i)
		seen[k] = struct{}{}
		if _, ok := old[k]; !ok {
			added = append(added, i)
		}
	}
	for _, i := range prev {
		if _, ok := seen[key(i)]; !ok {
			removed = append(removed, i)
		}
	}
	return added, removed
}
