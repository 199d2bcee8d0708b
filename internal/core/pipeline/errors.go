package pipeline

import (
	"errors"
	"fmt"

	"github.com/aer0ss/aerofs-sub011/pkg/types"
)

var (
	// ErrDuplicateHandler 同一个处理器实例被重复添加
	ErrDuplicateHandler = errors.New("handler already added to pipeline")

	// ErrNilSink 未指定 Sink
	ErrNilSink = errors.New("pipeline sink is nil")

	// ErrUnprocessed 入站事件到达尾部仍未被处理
	ErrUnprocessed = fmt.Errorf("%w: event fell off the pipeline tail", types.ErrProtocol)
)
