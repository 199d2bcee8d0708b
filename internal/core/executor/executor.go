// Package executor 提供传输层的串行执行上下文
//
// 每个传输实例只有一个执行 goroutine，Peer/ARP/Stores 等状态的所有修改
// 都在这里发生，从而得到状态转换的全序，组件内部无需加锁。
//
// 三条通道：
//   - 内部通道（Submit）：套接字回调、定时器等系统完成事件，无界，不会丢失
//   - 高优先级 / 低优先级通道（Enqueue）：外部调用，有界，满时立即返回 ErrQueueFull
//
// 内部通道优先于高优先级通道，高优先级通道优先于低优先级通道。
package executor

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/aer0ss/aerofs-sub011/internal/util/logger"
	"github.com/aer0ss/aerofs-sub011/pkg/types"
)

var log = logger.Logger("core/executor")

// ============================================================================
//                              错误定义
// ============================================================================

var (
	// ErrQueueFull 工作队列已满
	ErrQueueFull = fmt.Errorf("%w: executor queue full", types.ErrResourceExhausted)

	// ErrStopped 执行上下文已停止
	ErrStopped = errors.New("executor stopped")
)

// DefaultQueueDepth 默认每个优先级的队列深度
const DefaultQueueDepth = 1024

// ============================================================================
//                              Executor 实现
// ============================================================================

// Executor 串行执行上下文
type Executor struct {
	clock clock.Clock

	queues [2]chan func()

	internalMu sync.Mutex
	internal   []func()
	wake       chan struct{}

	quit    chan struct{}
	done    chan struct{}
	started atomic.Bool
	stopped atomic.Bool
	stopMu  sync.Once

	// inLoop 执行 goroutine 正在运行任务
	inLoop atomic.Bool
}

// New 创建执行上下文
func New(depth int, clk clock.Clock) *Executor {
	if depth <= 0 {
		depth = DefaultQueueDepth
	}
	if clk == nil {
		clk = clock.New()
	}
	e := &Executor{
		clock: clk,
		wake:  make(chan struct{}, 1),
		quit:  make(chan struct{}),
		done:  make(chan struct{}),
	}
	for i := range e.queues {
		e.queues[i] = make(chan func(), depth)
	}
	return e
}

// Clock 返回执行上下文使用的时钟
func (e *Executor) Clock() clock.Clock {
	return e.clock
}

// Start 启动执行 goroutine
func (e *Executor) Start() {
	if !e.started.CompareAndSwap(false, true) {
		return
	}
	go e.loop()
	log.Debug("执行上下文已启动")
}

// Stop 停止执行上下文并等待当前任务结束
//
// 未执行的任务被丢弃。
func (e *Executor) Stop() {
	e.stopMu.Do(func() {
		e.stopped.Store(true)
		close(e.quit)
	})
	if e.started.Load() {
		<-e.done
	}
	log.Debug("执行上下文已停止")
}

// Enqueue 以指定优先级投递外部任务
//
// 队列满时立即返回 ErrQueueFull，不阻塞调用方。
func (e *Executor) Enqueue(prio types.Priority, fn func()) error {
	if e.stopped.Load() {
		return ErrStopped
	}
	q := e.queues[queueIndex(prio)]
	select {
	case q <- fn:
		return nil
	default:
		return ErrQueueFull
	}
}

// Submit 投递内部任务（无界）
//
// 用于套接字回调和定时器，保证状态转换不会因为队列满而丢失。
// 执行上下文停止后提交的任务被丢弃。
func (e *Executor) Submit(fn func()) {
	if e.stopped.Load() {
		return
	}
	e.internalMu.Lock()
	e.internal = append(e.internal, fn)
	e.internalMu.Unlock()

	select {
	case e.wake <- struct{}{}:
	default:
	}
}

// Timer 延迟任务句柄
type Timer struct {
	t         *clock.Timer
	cancelled atomic.Bool
}

// Cancel 取消尚未执行的延迟任务
func (t *Timer) Cancel() {
	t.cancelled.Store(true)
	t.t.Stop()
}

// Schedule 在 d 之后于执行上下文中运行 fn
func (e *Executor) Schedule(d time.Duration, fn func()) *Timer {
	timer := &Timer{}
	timer.t = e.clock.AfterFunc(d, func() {
		e.Submit(func() {
			if timer.cancelled.Load() {
				return
			}
			fn()
		})
	})
	return timer
}

// Call 在执行上下文中同步运行 fn
//
// 供其他 goroutine 读取状态使用。不能在执行上下文内调用，否则会死锁。
func (e *Executor) Call(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	if err := e.Enqueue(types.PriorityHigh, func() {
		defer close(done)
		fn()
	}); err != nil {
		return err
	}
	select {
	case <-done:
		return nil
	case <-e.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// InLoop 执行 goroutine 当前是否正在运行任务（仅用于诊断和测试）
func (e *Executor) InLoop() bool {
	return e.inLoop.Load()
}

// ============================================================================
//                              内部方法
// ============================================================================

func queueIndex(prio types.Priority) int {
	if prio == types.PriorityHigh {
		return 0
	}
	return 1
}

func (e *Executor) popInternal() func() {
	e.internalMu.Lock()
	defer e.internalMu.Unlock()
	if len(e.internal) == 0 {
		return nil
	}
	fn := e.internal[0]
	e.internal[0] = nil
	e.internal = e.internal[1:]
	return fn
}

func (e *Executor) loop() {
	defer close(e.done)

	high, low := e.queues[0], e.queues[1]
	for {
		select {
		case <-e.quit:
			return
		default:
		}

		if fn := e.popInternal(); fn != nil {
			e.run(fn)
			continue
		}

		select {
		case fn := <-high:
			e.run(fn)
			continue
		default:
		}

		select {
		case <-e.quit:
			return
		case <-e.wake:
		case fn := <-high:
			e.run(fn)
		case fn := <-low:
			e.run(fn)
		}
	}
}

func (e *Executor) run(fn func()) {
	e.inLoop.Store(true)
	defer func() {
		e.inLoop.Store(false)
		if r := recover(); r != nil {
			log.Error("任务执行 panic",
				"panic", r,
				"stack", string(debug.Stack()))
		}
	}()
	fn()
}
