// Package main 提供传输层守护进程入口
//
// 守护进程启动传输层、声明命令行给出的存储，并把设备和存储的在线变化
// 写入日志。可选地在 HTTP 上暴露 Prometheus 指标。
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/aer0ss/aerofs-sub011"
	"github.com/aer0ss/aerofs-sub011/internal/util/logger"
)

var log = logger.Logger("cmd/transportd")

// ═══════════════════════════════════════════════════════════════════════════
// 命令行参数
// ═══════════════════════════════════════════════════════════════════════════
//
//   命令行参数：运行时覆盖（「这次运行」想怎么跑）
//   JSON 配置文件：持久化配置（「这台设备」的固定配置）
//
// ═══════════════════════════════════════════════════════════════════════════
var (
	configFile  = flag.String("config", "", "配置文件路径（JSON）")
	listenAddr  = flag.String("listen", "", "单播监听地址，例如 :7070")
	deviceID    = flag.String("device", "", "本机设备 ID（Base58，默认随机）")
	stores      = flag.String("stores", "", "本机关心的存储 ID（Base58，逗号分隔）")
	noMulticast = flag.Bool("no-multicast", false, "关闭组播发现")
	hubMode     = flag.Bool("hub", false, "以集线器模式通告存储前缀")
	metricsAddr = flag.String("metrics-addr", "", "Prometheus 指标监听地址，例如 :9100")
	logFile     = flag.String("log", "", "日志文件路径（默认输出到 stderr）")

	showVersion = flag.Bool("version", false, "显示版本信息")
	dumpConfig  = flag.Bool("dump-config", false, "打印生效配置后退出")
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "错误: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	flag.Parse()

	if *showVersion {
		printVersion()
		return nil
	}

	if *logFile != "" {
		f, err := os.OpenFile(*logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
		if err != nil {
			return fmt.Errorf("打开日志文件失败: %w", err)
		}
		defer func() { _ = f.Close() }()
		logger.SetOutput(f)
	}

	rt, err := loadRuntime()
	if err != nil {
		return fmt.Errorf("配置错误: %w", err)
	}

	t, err := aerofs.New(rt.options()...)
	if err != nil {
		return fmt.Errorf("创建传输层失败: %w", err)
	}

	if *dumpConfig {
		data, err := t.Config().ToJSON()
		if err != nil {
			return err
		}
		fmt.Println(string(data))
		return nil
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	fmt.Printf("📦 %s\n", aerofs.VersionInfo())
	if err := t.Start(ctx); err != nil {
		return fmt.Errorf("启动失败: %w", err)
	}
	defer func() { _ = t.Close() }()

	if len(rt.stores) > 0 {
		if err := t.UpdateStores(rt.stores, nil); err != nil {
			return fmt.Errorf("声明存储失败: %w", err)
		}
	}

	if *metricsAddr != "" {
		srv := serveMetrics(t, *metricsAddr)
		defer func() {
			shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
			defer done()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	printInfo(t, len(rt.stores))

	if err := watchEvents(ctx, t); err != nil {
		return err
	}
	fmt.Println("\n正在关闭传输层...")
	return nil
}

// serveMetrics 在 HTTP 上暴露指标
func serveMetrics(t *aerofs.Transport, addr string) *http.Server {
	mux := http.NewServeMux()
	if reg := t.Registry(); reg != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	}
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("指标服务退出", "addr", addr, "err", err)
		}
	}()
	log.Info("指标服务已启动", "addr", addr)
	return srv
}

// watchEvents 把传输层事件写入日志，直到收到退出信号
func watchEvents(ctx context.Context, t *aerofs.Transport) error {
	presence, err := aerofs.Subscribe[aerofs.PresenceEvent](t, 256)
	if err != nil {
		return err
	}
	defer presence.Close()
	status, err := aerofs.Subscribe[aerofs.PeerStatusEvent](t, 256)
	if err != nil {
		return err
	}
	defer status.Close()
	muod, err := aerofs.Subscribe[aerofs.MUODChangedEvent](t, 16)
	if err != nil {
		return err
	}
	defer muod.Close()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-presence.Out():
			if !ok {
				return nil
			}
			log.Info("存储在线变化", "device", ev.DID.ShortString(), "stores", len(ev.Stores), "online", ev.Online)
		case ev, ok := <-status.Out():
			if !ok {
				return nil
			}
			log.Info("设备连接变化", "device", ev.DID.ShortString(), "online", ev.Online, "reason", ev.Reason)
		case ev, ok := <-muod.Out():
			if !ok {
				return nil
			}
			log.Info("MUOD 变化", "devices", len(ev.Devices))
		}
	}
}

// printInfo 打印本机信息
func printInfo(t *aerofs.Transport, storeCount int) {
	cfg := t.Config()
	fmt.Println("╔══════════════════════════════════════════════════════════════════════╗")
	fmt.Printf("║  aerofs transport %-51s║\n", aerofs.Version)
	fmt.Println("╠══════════════════════════════════════════════════════════════════════╣")
	fmt.Printf("║  Device:    %-57s║\n", t.DID().String())
	fmt.Printf("║  TCP port:  %-57d║\n", t.ListenPort())
	if cfg.Multicast.Enabled {
		fmt.Printf("║  Multicast: %-57s║\n", fmt.Sprintf("%s:%d", cfg.Multicast.Group, cfg.Multicast.Port))
	} else {
		fmt.Printf("║  Multicast: %-57s║\n", "disabled")
	}
	fmt.Printf("║  Stores:    %-57d║\n", storeCount)
	fmt.Println("╚══════════════════════════════════════════════════════════════════════╝")
	fmt.Println("传输层已启动，按 Ctrl+C 退出")
}

// printVersion 打印版本信息
func printVersion() {
	fmt.Printf("aerofs-transportd %s\n", aerofs.Version)
	if aerofs.GitCommit != "" {
		fmt.Printf("  commit: %s\n", aerofs.GitCommit)
	}
	if aerofs.BuildDate != "" {
		fmt.Printf("  built:  %s\n", aerofs.BuildDate)
	}
}
