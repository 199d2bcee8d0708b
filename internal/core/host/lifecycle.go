package host

import (
	"context"
	"time"

	"go.uber.org/multierr"
)

// stopTimeout 关闭时等待执行上下文清理的上限
const stopTimeout = 5 * time.Second

// Start 启动执行上下文、TCP 监听、链路监控和 ARP 清理
//
// 组播接口在链路监控的首次检查中加入。
func (h *Host) Start(ctx context.Context) error {
	if h.closed.Load() {
		return ErrClosed
	}
	if !h.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}

	log.Info("正在启动 Host", "device", h.did.ShortString())

	h.exec.Start()

	// 1. TCP 监听
	if err := h.tcp.Start(ctx); err != nil {
		log.Error("启动 TCP 传输失败", "err", err)
		h.exec.Stop()
		return err
	}
	port := h.tcp.ListenPort()

	// 2. 组播端口、ARP 清理、初始链路指标
	if err := h.exec.Call(ctx, func() {
		if h.mcast != nil {
			h.mcast.SetListenPort(port)
		}
		h.scheduleGC()
		h.emitLinkMetrics()
	}); err != nil {
		_ = h.tcp.Stop()
		h.exec.Stop()
		return err
	}

	// 3. 链路监控（首次检查触发组播加入）
	if err := h.links.Start(ctx); err != nil {
		log.Error("启动链路监控失败", "err", err)
		_ = h.tcp.Stop()
		h.exec.Stop()
		return err
	}

	log.Info("Host 已启动", "port", port)
	return nil
}

// Stop 停止全部组件
//
// 顺序：链路监控 → 组播下线 / 心跳 / Peer 销毁 → TCP → 执行上下文 → 事件总线。
func (h *Host) Stop() error {
	if !h.closed.CompareAndSwap(false, true) {
		return nil
	}
	var errs error

	if h.started.Load() {
		log.Info("正在停止 Host")

		errs = multierr.Append(errs, h.links.Stop())

		ctx, cancel := context.WithTimeout(context.Background(), stopTimeout)
		errs = multierr.Append(errs, h.exec.Call(ctx, func() {
			if h.gcTimer != nil {
				h.gcTimer.Cancel()
			}
			if h.mcast != nil {
				h.mcast.Stop()
			}
			h.pulse.Stop()
			h.unicast.DestroyAll(ErrStopping)
		}))
		cancel()

		errs = multierr.Append(errs, h.tcp.Stop())
		h.exec.Stop()
	}

	h.closeEmitters()
	if h.ownsBus {
		errs = multierr.Append(errs, h.bus.Close())
	}

	if errs != nil {
		log.Warn("Host 停止时出现错误", "err", errs)
	} else {
		log.Info("Host 已停止")
	}
	return errs
}
