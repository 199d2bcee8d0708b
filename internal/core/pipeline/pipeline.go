// Package pipeline 实现双向处理器管线
//
// 管线由若干处理器组成，入站事件从头到尾流动，出站事件从尾到头流动。
// 构建完成后管线不可变：处理器以数组保存，相邻关系由下标表示，
// 没有对应方向能力的节点在遍历时直接跳过。
//
//	       入站 ──▶
//	Sink ◀─ [head] ─ [h1] ─ [h2] ─ [tail] ─▶ ErrUnprocessed
//	       ◀── 出站
//
// 处理器返回错误或 panic 时，事件被转换为携带原完成句柄的异常事件，
// 直接交给 Sink，不再进入处理器链。
package pipeline

import (
	"fmt"
	"reflect"

	"github.com/aer0ss/aerofs-sub011/internal/util/logger"
	"github.com/aer0ss/aerofs-sub011/pkg/types"
)

var log = logger.Logger("core/pipeline")

// Capability 处理器能力
type Capability uint8

const (
	// CapInbound 处理入站事件
	CapInbound Capability = 1 << iota
	// CapOutbound 处理出站事件
	CapOutbound

	// CapBoth 双向
	CapBoth = CapInbound | CapOutbound
)

// Handler 管线处理器
type Handler interface {
	// Capabilities 声明处理方向，构建时读取一次
	Capabilities() Capability

	// HandleIncoming 处理入站事件
	HandleIncoming(ctx *Context, ev *Event) error

	// HandleOutgoing 处理出站事件
	HandleOutgoing(ctx *Context, ev *Event) error
}

// Sink 出站事件越过头部后的终点（通常是套接字）
type Sink interface {
	Process(ev *Event)
}

// SinkFunc 函数形式的 Sink
type SinkFunc func(ev *Event)

// Process 实现 Sink
func (f SinkFunc) Process(ev *Event) { f(ev) }

// Forward 默认处理器，原样转发两个方向的事件
//
// 嵌入到具体处理器中，只需覆盖关心的方法。
type Forward struct{}

// Capabilities 实现 Handler
func (Forward) Capabilities() Capability { return CapBoth }

// HandleIncoming 实现 Handler
func (Forward) HandleIncoming(ctx *Context, ev *Event) error {
	ctx.ForwardIncoming(ev)
	return nil
}

// HandleOutgoing 实现 Handler
func (Forward) HandleOutgoing(ctx *Context, ev *Event) error {
	ctx.ForwardOutgoing(ev)
	return nil
}

// ============================================================================
//                              Pipeline
// ============================================================================

type node struct {
	handler Handler
	caps    Capability
	ctx     Context
}

// Pipeline 不可变的处理器管线
type Pipeline struct {
	nodes []node
	sink  Sink
}

// Context 处理器在管线中的位置
type Context struct {
	p     *Pipeline
	index int
}

// Pipeline 返回所属管线
func (c *Context) Pipeline() *Pipeline { return c.p }

// ForwardIncoming 将入站事件交给下一个入站处理器
func (c *Context) ForwardIncoming(ev *Event) {
	c.p.incomingFrom(c.index+1, ev)
}

// ForwardOutgoing 将出站事件交给上一个出站处理器
func (c *Context) ForwardOutgoing(ev *Event) {
	c.p.outgoingFrom(c.index-1, ev)
}

// ProcessIncoming 从头部注入入站事件
func (p *Pipeline) ProcessIncoming(ev *Event) {
	p.incomingFrom(0, ev)
}

// ProcessOutgoing 从尾部注入出站事件
func (p *Pipeline) ProcessOutgoing(ev *Event) {
	p.outgoingFrom(len(p.nodes)-1, ev)
}

// Len 处理器数量
func (p *Pipeline) Len() int { return len(p.nodes) }

// Handler 返回第 i 个处理器
func (p *Pipeline) Handler(i int) Handler { return p.nodes[i].handler }

// Find 返回管线中第一个类型为 T 的处理器
func Find[T Handler](p *Pipeline) (T, bool) {
	for i := range p.nodes {
		if h, ok := p.nodes[i].handler.(T); ok {
			return h, true
		}
	}
	var zero T
	return zero, false
}

func (p *Pipeline) incomingFrom(i int, ev *Event) {
	for ; i < len(p.nodes); i++ {
		if p.nodes[i].caps&CapInbound != 0 {
			p.invoke(i, true, ev)
			return
		}
	}
	log.Debug("入站事件未被处理", "kind", ev.Kind)
	ev.Done.TryFail(ErrUnprocessed)
}

func (p *Pipeline) outgoingFrom(i int, ev *Event) {
	for ; i >= 0; i-- {
		if p.nodes[i].caps&CapOutbound != 0 {
			p.invoke(i, false, ev)
			return
		}
	}
	p.sink.Process(ev)
}

func (p *Pipeline) invoke(i int, inbound bool, ev *Event) {
	n := &p.nodes[i]
	defer func() {
		if r := recover(); r != nil {
			p.exception(n.handler, ev, fmt.Errorf("%w: panic: %v", types.ErrHandlerException, r))
		}
	}()

	var err error
	if inbound {
		err = n.handler.HandleIncoming(&n.ctx, ev)
	} else {
		err = n.handler.HandleOutgoing(&n.ctx, ev)
	}
	if err != nil {
		p.exception(n.handler, ev, fmt.Errorf("%w: %w", types.ErrHandlerException, err))
	}
}

func (p *Pipeline) exception(h Handler, ev *Event, cause error) {
	log.Debug("处理器异常",
		"handler", reflect.TypeOf(h).String(),
		"kind", ev.Kind,
		"err", cause)
	if ev.Kind == KindException {
		// 异常事件本身出错时不再递归，直接交给 Sink
		p.sink.Process(ev)
		return
	}
	p.sink.Process(newException(ev, cause))
}

// ============================================================================
//                              Builder
// ============================================================================

// Position 添加位置
type Position int

const (
	// PositionLast 添加到尾部
	PositionLast Position = iota
	// PositionFirst 添加到头部
	PositionFirst
)

// Builder 管线构建器
type Builder struct {
	handlers []Handler
}

// NewBuilder 创建构建器
func NewBuilder() *Builder {
	return &Builder{}
}

// Add 添加处理器
//
// 同一个实例只能添加一次。
func (b *Builder) Add(h Handler, pos Position) error {
	for _, existing := range b.handlers {
		if sameHandler(existing, h) {
			return fmt.Errorf("%w: %T", ErrDuplicateHandler, h)
		}
	}
	if pos == PositionFirst {
		b.handlers = append([]Handler{h}, b.handlers...)
	} else {
		b.handlers = append(b.handlers, h)
	}
	return nil
}

// MustAdd 添加处理器，重复时 panic
func (b *Builder) MustAdd(h Handler, pos Position) *Builder {
	if err := b.Add(h, pos); err != nil {
		panic(err)
	}
	return b
}

// Build 冻结为不可变管线
func (b *Builder) Build(sink Sink) (*Pipeline, error) {
	if sink == nil {
		return nil, ErrNilSink
	}
	p := &Pipeline{
		nodes: make([]node, len(b.handlers)),
		sink:  sink,
	}
	for i, h := range b.handlers {
		p.nodes[i] = node{
			handler: h,
			caps:    h.Capabilities(),
			ctx:     Context{p: p, index: i},
		}
	}
	return p, nil
}

// sameHandler 按实例判断处理器是否相同
//
// 不可比较的值类型处理器视为不同实例。
func sameHandler(a, b Handler) bool {
	ta, tb := reflect.TypeOf(a), reflect.TypeOf(b)
	if ta != tb || !ta.Comparable() {
		return false
	}
	return a == b
}
