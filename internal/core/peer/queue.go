package peer

import (
	"github.com/aer0ss/aerofs-sub011/internal/core/wire"
	"github.com/aer0ss/aerofs-sub011/internal/util/future"
	"github.com/aer0ss/aerofs-sub011/pkg/types"
)

// DefaultQueueDepth 每个优先级的默认队列深度
const DefaultQueueDepth = 256

type opKind uint8

const (
	opDatagram opKind = iota
	opStreamBegin
	opPulse
)

// op 等待连接建立的操作
type op struct {
	kind  opKind
	prio  types.Priority
	frame *wire.Frame

	done   *future.Void
	stream *future.Future[*Connection]
}

func (o *op) fail(err error) {
	if o.stream != nil {
		o.stream.TryFail(err)
		return
	}
	o.done.TryFail(err)
}

// opQueue 按优先级分组的有界 FIFO
type opQueue struct {
	depth int
	lanes [2][]*op
}

func newOpQueue(depth int) *opQueue {
	if depth <= 0 {
		depth = DefaultQueueDepth
	}
	return &opQueue{depth: depth}
}

func lane(prio types.Priority) int {
	if prio == types.PriorityHigh {
		return 0
	}
	return 1
}

func (q *opQueue) push(o *op) error {
	l := lane(o.prio)
	if len(q.lanes[l]) >= q.depth {
		return ErrQueueFull
	}
	q.lanes[l] = append(q.lanes[l], o)
	return nil
}

// drain 取出全部操作，高优先级在前，同优先级保持入队顺序
func (q *opQueue) drain() []*op {
	out := make([]*op, 0, q.len())
	out = append(out, q.lanes[0]...)
	out = append(out, q.lanes[1]...)
	q.lanes[0], q.lanes[1] = nil, nil
	return out
}

func (q *opQueue) len() int {
	return len(q.lanes[0]) + len(q.lanes[1])
}

func (q *opQueue) hasPulse() bool {
	for _, l := range q.lanes {
		for _, o := range l {
			if o.kind == opPulse {
				return true
			}
		}
	}
	return false
}
