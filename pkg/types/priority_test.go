package types

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

// TestPriority 测试优先级的字符串和合法性
func TestPriority(t *testing.T) {
	assert.Equal(t, "low", PriorityLow.String())
	assert.Equal(t, "high", PriorityHigh.String())
	assert.Equal(t, "unknown", Priority(7).String())

	assert.True(t, PriorityLow.Valid())
	assert.True(t, PriorityHigh.Valid())
	assert.False(t, Priority(-1).Valid())
	assert.Equal(t, 2, PriorityCount())
}

// TestIsTransient 测试临时错误判断
func TestIsTransient(t *testing.T) {
	assert.True(t, IsTransient(fmt.Errorf("queue: %w", ErrResourceExhausted)))
	assert.False(t, IsTransient(ErrTransportFailure))
	assert.False(t, IsTransient(nil))

	t.Log("✅ 错误分类正确")
}
