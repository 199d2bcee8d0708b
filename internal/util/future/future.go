// Package future 提供单次赋值的完成句柄
//
// Future 只能被完成一次（成功或失败）。重复完成是编程错误，会触发 panic。
// 监听器在完成者所在的 goroutine 中同步调用；如果监听器需要修改
// 传输层状态，必须自行投递到执行上下文。
package future

import (
	"errors"
	"sync"
)

// ErrAlreadyCompleted 重复完成
var ErrAlreadyCompleted = errors.New("future already completed")

// Future 单次赋值的结果
type Future[T any] struct {
	mu        sync.Mutex
	done      chan struct{}
	completed bool
	value     T
	err       error
	listeners []func(T, error)
}

// New 创建未完成的 Future
func New[T any]() *Future[T] {
	return &Future[T]{done: make(chan struct{})}
}

// Succeeded 创建已成功完成的 Future
func Succeeded[T any](v T) *Future[T] {
	f := New[T]()
	f.Set(v)
	return f
}

// Failed 创建已失败的 Future
func Failed[T any](err error) *Future[T] {
	f := New[T]()
	f.Fail(err)
	return f
}

// Set 以成功结果完成
func (f *Future[T]) Set(v T) {
	f.complete(v, nil)
}

// Fail 以错误完成
func (f *Future[T]) Fail(err error) {
	if err == nil {
		panic("future: Fail called with nil error")
	}
	var zero T
	f.complete(zero, err)
}

// TrySet 尝试以成功结果完成，已完成时返回 false
func (f *Future[T]) TrySet(v T) bool {
	return f.tryComplete(v, nil)
}

// TryFail 尝试以错误完成，已完成时返回 false
func (f *Future[T]) TryFail(err error) bool {
	var zero T
	return f.tryComplete(zero, err)
}

func (f *Future[T]) complete(v T, err error) {
	if !f.tryComplete(v, err) {
		panic(ErrAlreadyCompleted)
	}
}

func (f *Future[T]) tryComplete(v T, err error) bool {
	f.mu.Lock()
	if f.completed {
		f.mu.Unlock()
		return false
	}
	f.completed = true
	f.value = v
	f.err = err
	listeners := f.listeners
	f.listeners = nil
	close(f.done)
	f.mu.Unlock()

	for _, l := range listeners {
		l(v, err)
	}
	return true
}

// Done 返回完成信号通道
func (f *Future[T]) Done() <-chan struct{} {
	return f.done
}

// IsDone 是否已完成
func (f *Future[T]) IsDone() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

// Result 阻塞等待结果
func (f *Future[T]) Result() (T, error) {
	<-f.done
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.value, f.err
}

// Err 返回错误（未完成时返回 nil）
func (f *Future[T]) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

// AddListener 注册完成监听器
//
// 已完成时立即在调用者 goroutine 中执行。
func (f *Future[T]) AddListener(l func(T, error)) {
	f.mu.Lock()
	if !f.completed {
		f.listeners = append(f.listeners, l)
		f.mu.Unlock()
		return
	}
	v, err := f.value, f.err
	f.mu.Unlock()
	l(v, err)
}

// Chain 将 f 的结果转发给 other
func (f *Future[T]) Chain(other *Future[T]) {
	f.AddListener(func(v T, err error) {
		if err != nil {
			other.Fail(err)
			return
		}
		other.Set(v)
	})
}

// Void 无值的完成句柄
type Void = Future[struct{}]

// NewVoid 创建无值的 Future
func NewVoid() *Void {
	return New[struct{}]()
}

// Complete 以成功完成无值 Future
func Complete(f *Void) {
	f.Set(struct{}{})
}
