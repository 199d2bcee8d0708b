package types

// Priority 操作优先级
//
// 执行上下文和 Peer 的待发队列都按优先级分区，分区内保持 FIFO。
type Priority int

const (
	// PriorityLow 低优先级（默认）
	PriorityLow Priority = iota
	// PriorityHigh 高优先级
	PriorityHigh
)

// priorityCount 优先级数量
const priorityCount = 2

// PriorityCount 返回优先级数量
func PriorityCount() int {
	return priorityCount
}

// String 返回优先级的字符串表示
func (p Priority) String() string {
	switch p {
	case PriorityHigh:
		return "high"
	case PriorityLow:
		return "low"
	default:
		return "unknown"
	}
}

// Valid 检查优先级是否合法
func (p Priority) Valid() bool {
	return p == PriorityLow || p == PriorityHigh
}
