package eventbus

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/fx"
	"go.uber.org/fx/fxtest"

	"github.com/aer0ss/aerofs-sub011/pkg/types"
)

// TestModule_Lifecycle 测试 Fx 模块加载与停止时关闭总线
func TestModule_Lifecycle(t *testing.T) {
	var bus *Bus
	app := fxtest.New(t,
		Module(),
		fx.NopLogger,
		fx.Populate(&bus),
	)
	app.RequireStart()
	require.NotNil(t, bus)

	sub, err := Subscribe[types.PresenceEvent](bus)
	require.NoError(t, err)

	app.RequireStop()

	_, ok := <-sub.Out()
	assert.False(t, ok)
}
