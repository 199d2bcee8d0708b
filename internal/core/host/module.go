package host

import (
	"context"

	"github.com/benbjohnson/clock"
	"go.uber.org/fx"

	"github.com/aer0ss/aerofs-sub011/config"
	"github.com/aer0ss/aerofs-sub011/internal/core/eventbus"
	"github.com/aer0ss/aerofs-sub011/internal/core/linkstate"
	"github.com/aer0ss/aerofs-sub011/internal/core/metrics"
	"github.com/aer0ss/aerofs-sub011/internal/core/multicast"
	"github.com/aer0ss/aerofs-sub011/pkg/interfaces"
	"github.com/aer0ss/aerofs-sub011/pkg/types"
)

// ModuleInput 模块输入依赖
type ModuleInput struct {
	fx.In

	Config   *config.Config `optional:"true"`
	EventBus *eventbus.Bus

	DID        types.DID               `name:"device_id" optional:"true"`
	Receiver   interfaces.Receiver     `optional:"true"`
	Clock      clock.Clock             `optional:"true"`
	Metrics    *metrics.Metrics        `optional:"true"`
	Sockets    multicast.SocketFactory `optional:"true"`
	Interfaces linkstate.Source        `optional:"true"`
}

// ModuleOutput 模块输出
type ModuleOutput struct {
	fx.Out

	Host *Host
}

// ProvideHost 提供 Host
func ProvideHost(input ModuleInput) (ModuleOutput, error) {
	opts := []Option{
		WithConfig(input.Config),
		WithEventBus(input.EventBus),
		WithReceiver(input.Receiver),
		WithClock(input.Clock),
		WithMetrics(input.Metrics),
		WithSocketFactory(input.Sockets),
		WithInterfaceSource(input.Interfaces),
	}
	if !input.DID.IsEmpty() {
		opts = append(opts, WithDeviceID(input.DID))
	}
	h, err := New(opts...)
	if err != nil {
		return ModuleOutput{}, err
	}
	return ModuleOutput{Host: h}, nil
}

// Module 返回 Fx 模块
func Module() fx.Option {
	return fx.Module("host",
		fx.Provide(ProvideHost),
		fx.Invoke(registerLifecycle),
	)
}

// registerLifecycle 注册生命周期钩子
func registerLifecycle(lc fx.Lifecycle, h *Host) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			return h.Start(ctx)
		},
		OnStop: func(_ context.Context) error {
			return h.Stop()
		},
	})
}
