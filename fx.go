package aerofs

import (
	"fmt"

	"github.com/benbjohnson/clock"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"github.com/aer0ss/aerofs-sub011/config"
	"github.com/aer0ss/aerofs-sub011/internal/core/eventbus"
	"github.com/aer0ss/aerofs-sub011/internal/core/host"
	"github.com/aer0ss/aerofs-sub011/internal/core/linkstate"
	"github.com/aer0ss/aerofs-sub011/internal/core/metrics"
	"github.com/aer0ss/aerofs-sub011/internal/core/multicast"
	"github.com/aer0ss/aerofs-sub011/pkg/interfaces"
)

// buildFxApp 构建 Fx 应用
//
// 加载顺序（按依赖）：
//  1. 配置注入
//  2. EventBus → Metrics（可选）
//  3. Host（装配全部传输组件）
//  4. 用户自定义 Fx 选项
func buildFxApp(o *options, cfg *config.Config) (*fx.App, *host.Host, error) {
	var h *host.Host

	modules := []fx.Option{
		fx.Supply(cfg),
		eventbus.Module(),
	}

	if cfg.Metrics.Enabled {
		modules = append(modules, fx.Provide(func() (*metrics.Metrics, error) {
			return metrics.New(cfg.Metrics.Namespace, o.registry)
		}))
	}

	// 可选依赖
	if o.did != nil {
		modules = append(modules, fx.Supply(fx.Annotated{Name: "device_id", Target: *o.did}))
	}
	if o.receiver != nil {
		r := o.receiver
		modules = append(modules, fx.Provide(func() interfaces.Receiver { return r }))
	}
	if o.clock != nil {
		clk := o.clock
		modules = append(modules, fx.Provide(func() clock.Clock { return clk }))
	}
	if o.sockets != nil {
		f := o.sockets
		modules = append(modules, fx.Provide(func() multicast.SocketFactory { return f }))
	}
	if o.interfaces != nil {
		src := o.interfaces
		modules = append(modules, fx.Provide(func() linkstate.Source { return src }))
	}

	modules = append(modules, host.Module())
	modules = append(modules, o.fxOptions...)
	modules = append(modules,
		fx.Populate(&h),
		fx.WithLogger(func() fxevent.Logger {
			return &fxevent.ZapLogger{Logger: zap.NewNop()}
		}),
	)

	app := fx.New(modules...)
	if err := app.Err(); err != nil {
		return nil, nil, fmt.Errorf("build fx app: %w", err)
	}
	return app, h, nil
}
