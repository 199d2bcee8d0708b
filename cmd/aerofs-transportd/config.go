package main

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/aer0ss/aerofs-sub011"
)

// 环境变量
const (
	envPrefix     = "AEROFS_"
	envConfig     = "CONFIG"
	envListenAddr = "LISTEN_ADDR"
	envDeviceID   = "DEVICE_ID"
	envStores     = "STORES"
	envMulticast  = "MULTICAST"
)

// runtimeConfig 命令行和环境变量合并后的运行参数
type runtimeConfig struct {
	configFile string
	listenAddr string
	device     *aerofs.DID
	stores     []aerofs.SID
	multicast  *bool
	hub        bool
}

// loadRuntime 合并参数
//
// 优先级（从高到低）：命令行参数 > 环境变量（AEROFS_*）> 配置文件。
func loadRuntime() (*runtimeConfig, error) {
	rt := &runtimeConfig{hub: *hubMode}

	rt.configFile = pick("config", *configFile, envConfig)
	rt.listenAddr = pick("listen", *listenAddr, envListenAddr)

	if s := pick("device", *deviceID, envDeviceID); s != "" {
		did, err := aerofs.ParseDID(s)
		if err != nil {
			return nil, fmt.Errorf("设备 ID %q: %w", s, err)
		}
		rt.device = &did
	}

	if s := pick("stores", *stores, envStores); s != "" {
		for _, part := range splitAndTrim(s, ",") {
			sid, err := aerofs.ParseSID(part)
			if err != nil {
				return nil, fmt.Errorf("存储 ID %q: %w", part, err)
			}
			rt.stores = append(rt.stores, sid)
		}
	}

	if isFlagSet("no-multicast") {
		enabled := !*noMulticast
		rt.multicast = &enabled
	} else if v := os.Getenv(envPrefix + envMulticast); v != "" {
		enabled, err := strconv.ParseBool(v)
		if err != nil {
			return nil, fmt.Errorf("%s%s: %w", envPrefix, envMulticast, err)
		}
		rt.multicast = &enabled
	}
	return rt, nil
}

// options 转换为传输层选项
func (rt *runtimeConfig) options() []aerofs.Option {
	var opts []aerofs.Option
	if rt.configFile != "" {
		opts = append(opts, aerofs.WithConfigFile(rt.configFile))
	}
	if rt.listenAddr != "" {
		opts = append(opts, aerofs.WithListenAddr(rt.listenAddr))
	}
	if rt.device != nil {
		opts = append(opts, aerofs.WithDeviceID(*rt.device))
	}
	if rt.multicast != nil {
		opts = append(opts, aerofs.WithMulticast(*rt.multicast))
	}
	if rt.hub {
		opts = append(opts, aerofs.WithHubMode(true))
	}
	return opts
}

// pick 命令行显式设置时用命令行，否则用环境变量
func pick(flagName, flagValue, env string) string {
	if isFlagSet(flagName) {
		return flagValue
	}
	if v := os.Getenv(envPrefix + env); v != "" {
		return v
	}
	return flagValue
}

// isFlagSet 检查命令行参数是否被显式设置
func isFlagSet(name string) bool {
	found := false
	flag.Visit(func(f *flag.Flag) {
		if f.Name == name {
			found = true
		}
	})
	return found
}

func splitAndTrim(s, sep string) []string {
	var out []string
	for _, part := range strings.Split(s, sep) {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
