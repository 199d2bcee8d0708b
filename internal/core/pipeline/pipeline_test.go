package pipeline

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aer0ss/aerofs-sub011/internal/util/future"
	"github.com/aer0ss/aerofs-sub011/pkg/types"
)

// recordingSink 记录到达 Sink 的事件
type recordingSink struct {
	events []*Event
}

func (s *recordingSink) Process(ev *Event) { s.events = append(s.events, ev) }

// tracer 记录经过的处理器名称
type tracer struct {
	Forward
	name  string
	caps  Capability
	trace *[]string
}

func (t *tracer) Capabilities() Capability { return t.caps }

func (t *tracer) HandleIncoming(ctx *Context, ev *Event) error {
	*t.trace = append(*t.trace, "in:"+t.name)
	ctx.ForwardIncoming(ev)
	return nil
}

func (t *tracer) HandleOutgoing(ctx *Context, ev *Event) error {
	*t.trace = append(*t.trace, "out:"+t.name)
	ctx.ForwardOutgoing(ev)
	return nil
}

// failing 返回错误或 panic 的处理器
type failing struct {
	Forward
	panics bool
}

func (f *failing) HandleIncoming(*Context, *Event) error {
	if f.panics {
		panic("boom")
	}
	return errors.New("bad input")
}

func newTracer(name string, caps Capability, trace *[]string) *tracer {
	return &tracer{name: name, caps: caps, trace: trace}
}

// TestPipeline_FallThrough 测试出站越过头部到达 Sink、入站越过尾部失败
func TestPipeline_FallThrough(t *testing.T) {
	var trace []string
	sink := &recordingSink{}

	b := NewBuilder()
	require.NoError(t, b.Add(newTracer("a", CapBoth, &trace), PositionLast))
	require.NoError(t, b.Add(newTracer("b", CapBoth, &trace), PositionLast))
	p, err := b.Build(sink)
	require.NoError(t, err)

	out := NewMessage("payload", types.PriorityLow)
	p.ProcessOutgoing(out)
	require.Len(t, sink.events, 1)
	assert.Same(t, out, sink.events[0])
	assert.Equal(t, "payload", sink.events[0].Message)
	assert.False(t, out.Done.IsDone())

	in := NewMessage("frame", types.PriorityLow)
	p.ProcessIncoming(in)
	require.True(t, in.Done.IsDone())
	assert.ErrorIs(t, in.Done.Err(), ErrUnprocessed)

	assert.Equal(t, []string{"out:b", "out:a", "in:a", "in:b"}, trace)
	t.Log("✅ 出站到达 Sink，入站未处理时以 ErrUnprocessed 失败")
}

// TestPipeline_CapabilitySkip 测试缺少方向能力的节点被跳过
func TestPipeline_CapabilitySkip(t *testing.T) {
	var trace []string
	b := NewBuilder()
	b.MustAdd(newTracer("in-only", CapInbound, &trace), PositionLast)
	b.MustAdd(newTracer("out-only", CapOutbound, &trace), PositionLast)
	b.MustAdd(newTracer("first", CapBoth, &trace), PositionFirst)

	p, err := b.Build(&recordingSink{})
	require.NoError(t, err)
	assert.Equal(t, 3, p.Len())

	p.ProcessIncoming(NewRead())
	p.ProcessOutgoing(NewConnect())

	assert.Equal(t, []string{"in:first", "in:in-only", "out:out-only", "out:first"}, trace)
}

// TestPipeline_Exception 测试处理器错误和 panic 转换为异常事件
func TestPipeline_Exception(t *testing.T) {
	for _, panics := range []bool{false, true} {
		sink := &recordingSink{}
		var trace []string
		b := NewBuilder()
		b.MustAdd(&failing{panics: panics}, PositionLast)
		b.MustAdd(newTracer("after", CapBoth, &trace), PositionLast)
		p, err := b.Build(sink)
		require.NoError(t, err)

		ev := NewMessage("x", types.PriorityHigh)
		p.ProcessIncoming(ev)

		require.Len(t, sink.events, 1)
		exc := sink.events[0]
		assert.Equal(t, KindException, exc.Kind)
		assert.Same(t, ev.Done, exc.Done)
		assert.ErrorIs(t, exc.Cause, types.ErrHandlerException)
		assert.Empty(t, trace, "异常事件不应重新进入处理器链")
	}
}

// TestBuilder_Duplicate 测试重复添加同一处理器
func TestBuilder_Duplicate(t *testing.T) {
	h := &failing{}
	b := NewBuilder()
	require.NoError(t, b.Add(h, PositionLast))
	assert.ErrorIs(t, b.Add(h, PositionFirst), ErrDuplicateHandler)
	assert.NoError(t, b.Add(&failing{}, PositionLast))

	_, err := b.Build(nil)
	assert.ErrorIs(t, err, ErrNilSink)

	p, err := b.Build(SinkFunc(func(*Event) {}))
	require.NoError(t, err)
	found, ok := Find[*failing](p)
	assert.True(t, ok)
	assert.Same(t, h, found)
}

// TestEvent_DoubleCompletion 测试完成句柄只能完成一次
func TestEvent_DoubleCompletion(t *testing.T) {
	ev := NewMessage(nil, types.PriorityLow)
	future.Complete(ev.Done)
	assert.PanicsWithValue(t, future.ErrAlreadyCompleted, func() { future.Complete(ev.Done) })
}
