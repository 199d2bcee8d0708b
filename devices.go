package aerofs

import (
	"context"
	"net/netip"
	"time"

	"github.com/aer0ss/aerofs-sub011/internal/core/arp"
)

// DeviceInfo 已发现设备的诊断信息
type DeviceInfo struct {
	DID          DID
	Addr         netip.AddrPort
	LastUpdated  time.Time
	StoresOnline []SID

	// ViaMulticast 是否经组播确认过（否则属于 MUOD）
	ViaMulticast bool

	// Hub 远端是否以集线器模式通告
	Hub bool

	// FilterSeq 远端过滤器序号（集线器模式为 0）
	FilterSeq uint32
}

func deviceInfo(e arp.Entry) DeviceInfo {
	info := DeviceInfo{
		DID:          e.DID,
		Addr:         e.Addr,
		LastUpdated:  e.LastUpdated,
		StoresOnline: e.StoresOnline.Sorted(),
		ViaMulticast: e.ViaMulticast,
		FilterSeq:    e.FilterSeq(),
	}
	if e.Adv != nil {
		info.Hub = e.Adv.Hub
	}
	return info
}

// Devices 返回 ARP 表中全部设备（按 DID 排序）
func (t *Transport) Devices(ctx context.Context) ([]DeviceInfo, error) {
	entries, err := t.host.Devices(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]DeviceInfo, 0, len(entries))
	for _, e := range entries {
		out = append(out, deviceInfo(e))
	}
	return out, nil
}

// MUOD 返回只能通过单播到达的在线设备（按 DID 排序）
func (t *Transport) MUOD(ctx context.Context) ([]DID, error) {
	return t.host.MUOD(ctx)
}

// Peers 返回当前存在连接状态的设备
func (t *Transport) Peers(ctx context.Context) ([]DID, error) {
	return t.host.Peers(ctx)
}
