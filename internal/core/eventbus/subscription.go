package eventbus

import (
	"reflect"
	"sync"
)

// ============================================================================
//                              Subscription 实现
// ============================================================================

// subscription 无类型订阅
type subscription struct {
	bus       *Bus
	typ       reflect.Type
	out       chan any
	closeOnce sync.Once
}

// close 从总线移除并关闭通道
//
// removeSub 持有节点锁，返回后不会再有发射写入该通道。
func (s *subscription) close() {
	s.closeOnce.Do(func() {
		s.bus.removeSub(s)
		close(s.out)
	})
}

// Subscription 类型化订阅
type Subscription[T any] struct {
	sub  *subscription
	out  chan T
	once sync.Once
}

// Subscribe 订阅类型为 T 的事件
func Subscribe[T any](b *Bus, opts ...SubscriptionOpt) (*Subscription[T], error) {
	sub, err := b.subscribe(reflect.TypeOf((*T)(nil)).Elem(), opts...)
	if err != nil {
		return nil, err
	}
	s := &Subscription[T]{
		sub: sub,
		out: make(chan T),
	}
	go s.pump()
	return s, nil
}

func (s *Subscription[T]) pump() {
	defer close(s.out)
	for ev := range s.sub.out {
		s.out <- ev.(T)
	}
}

// Out 返回事件通道，订阅关闭后通道关闭
func (s *Subscription[T]) Out() <-chan T {
	return s.out
}

// Close 取消订阅
//
// 可以多次调用。关闭后剩余事件被丢弃。
func (s *Subscription[T]) Close() error {
	s.once.Do(func() {
		s.sub.close()
		go func() {
			for range s.out {
			}
		}()
	})
	return nil
}

// ============================================================================
//                              Emitter 实现
// ============================================================================

// Emitter 类型化发射器
type Emitter[T any] struct {
	bus       *Bus
	node      *node
	closed    bool
	closeOnce sync.Once
	mu        sync.RWMutex
}

// NewEmitter 获取类型为 T 的事件发射器
func NewEmitter[T any](b *Bus, opts ...EmitterOpt) (*Emitter[T], error) {
	n, err := b.emitter(reflect.TypeOf((*T)(nil)).Elem(), opts...)
	if err != nil {
		return nil, err
	}
	return &Emitter[T]{bus: b, node: n}, nil
}

// Emit 发射事件，不阻塞
func (e *Emitter[T]) Emit(event T) error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return ErrEmitterClosed
	}
	e.node.emit(event)
	return nil
}

// Close 关闭发射器
func (e *Emitter[T]) Close() error {
	e.closeOnce.Do(func() {
		e.mu.Lock()
		e.closed = true
		e.mu.Unlock()
		if e.node.nEmitters.Add(-1) == 0 {
			e.bus.tryDropNode(e.node.typ)
		}
	})
	return nil
}
