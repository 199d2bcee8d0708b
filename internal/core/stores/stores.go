// Package stores 实现存储兴趣协议
//
// 本设备关心的存储集合以布隆过滤器（普通模式）或 SID 前缀列表（集线器模式）
// 对外通告。收到远端通告后，计算每个设备当前在线的、本设备也关心的存储集合，
// 与 ARP 表中记录的集合比较，产生存储上线/下线事件。
//
// Stores 不是并发安全的，只能在执行上下文中调用。
package stores

import (
	"bytes"
	"net/netip"
	"slices"

	"github.com/benbjohnson/clock"

	"github.com/aer0ss/aerofs-sub011/internal/core/arp"
	"github.com/aer0ss/aerofs-sub011/internal/core/wire"
	"github.com/aer0ss/aerofs-sub011/internal/util/logger"
	"github.com/aer0ss/aerofs-sub011/pkg/types"
)

var log = logger.Logger("core/stores")

// DefaultPrefixLength 默认前缀长度（字节）
const DefaultPrefixLength = 4

// Config 存储兴趣配置
type Config struct {
	HubMode      bool
	BloomBits    int
	BloomHashes  int
	PrefixLength int
}

// Announcer 通告出口
type Announcer interface {
	// BroadcastPong 通过组播发送携带本机通告的 pong
	BroadcastPong()

	// SendAdvertisement 通过单播向指定设备发送本机通告
	SendAdvertisement(did types.DID)
}

// PresenceFunc 存储在线状态变化回调
type PresenceFunc func(ev types.PresenceEvent)

// Stores 存储兴趣状态
type Stores struct {
	cfg   Config
	arp   *arp.Table
	clock clock.Clock

	announcer Announcer
	presence  PresenceFunc

	local       arp.SIDSet
	initialized bool

	filter    *Bloom
	filterSeq uint32
	indices   map[types.SID][]uint32

	prefixes map[string][]types.SID
}

// New 创建存储兴趣状态
func New(cfg Config, table *arp.Table, clk clock.Clock) *Stores {
	if cfg.PrefixLength <= 0 || cfg.PrefixLength > types.IDLength {
		cfg.PrefixLength = DefaultPrefixLength
	}
	if clk == nil {
		clk = clock.New()
	}
	return &Stores{
		cfg:      cfg,
		arp:      table,
		clock:    clk,
		local:    arp.SIDSet{},
		filter:   NewBloom(cfg.BloomBits, cfg.BloomHashes),
		indices:  make(map[types.SID][]uint32),
		prefixes: make(map[string][]types.SID),
	}
}

// SetAnnouncer 设置通告出口
func (s *Stores) SetAnnouncer(a Announcer) { s.announcer = a }

// SetPresenceFunc 设置在线状态回调
func (s *Stores) SetPresenceFunc(fn PresenceFunc) { s.presence = fn }

// Initialized 是否已产生过通告（收到过至少一次 UpdateStores）
func (s *Stores) Initialized() bool { return s.initialized }

// FilterSeq 当前过滤器序号
func (s *Stores) FilterSeq() uint32 { return s.filterSeq }

// Local 本设备关心的存储（有序）
func (s *Stores) Local() []types.SID { return s.local.Sorted() }

// ============================================================================
//                              本地存储变化
// ============================================================================

// UpdateStores 更新本设备关心的存储集合
//
// 有删除时整体重建过滤器，否则增量置位。过滤器变化时序号递增。
// 之后重算每个已知设备的在线集合、广播 pong，并向在线集合发生变化的
// MUOD 设备单播通告。
func (s *Stores) UpdateStores(added, removed []types.SID) {
	var reallyAdded, reallyRemoved []types.SID
	for _, sid := range removed {
		if s.local.Has(sid) {
			delete(s.local, sid)
			reallyRemoved = append(reallyRemoved, sid)
		}
	}
	for _, sid := range added {
		if !s.local.Has(sid) {
			s.local[sid] = struct{}{}
			reallyAdded = append(reallyAdded, sid)
		}
	}

	changed := len(reallyAdded) > 0 || len(reallyRemoved) > 0
	if !changed && s.initialized {
		return
	}

	if len(reallyRemoved) > 0 {
		s.rebuildFilter()
	} else {
		for _, sid := range reallyAdded {
			idx := s.filter.Indices(sid)
			s.indices[sid] = idx
			s.filter.Set(idx)
		}
	}
	s.filterSeq = arp.NextSeq(s.filterSeq)
	s.initialized = true

	for _, sid := range reallyRemoved {
		s.unindexPrefix(sid)
	}
	for _, sid := range reallyAdded {
		s.indexPrefix(sid)
	}

	log.Debug("本地存储集合已更新",
		"added", len(reallyAdded),
		"removed", len(reallyRemoved),
		"seq", s.filterSeq)

	changedDevices := s.recomputeAll()

	if s.announcer == nil {
		return
	}
	s.announcer.BroadcastPong()
	for _, did := range s.arp.MUOD() {
		if _, ok := changedDevices[did]; ok {
			s.announcer.SendAdvertisement(did)
		}
	}
}

func (s *Stores) rebuildFilter() {
	s.filter.Reset()
	clear(s.indices)
	for sid := range s.local {
		idx := s.filter.Indices(sid)
		s.indices[sid] = idx
		s.filter.Set(idx)
	}
}

func (s *Stores) prefixKey(sid types.SID) string {
	return string(sid.Prefix(s.cfg.PrefixLength))
}

func (s *Stores) indexPrefix(sid types.SID) {
	key := s.prefixKey(sid)
	s.prefixes[key] = append(s.prefixes[key], sid)
}

func (s *Stores) unindexPrefix(sid types.SID) {
	key := s.prefixKey(sid)
	list := slices.DeleteFunc(s.prefixes[key], func(x types.SID) bool { return x == sid })
	if len(list) == 0 {
		delete(s.prefixes, key)
		return
	}
	s.prefixes[key] = list
}

// recomputeAll 重算所有设备的在线集合，返回发生变化的设备
func (s *Stores) recomputeAll() map[types.DID]struct{} {
	changed := make(map[types.DID]struct{})
	for _, e := range s.arp.Snapshot() {
		online := s.onlineFor(e.Adv)
		if s.diff(e.DID, e.StoresOnline, online) {
			s.arp.Put(e.DID, e.Addr, e.Adv, online, e.ViaMulticast, e.LastUpdated)
			changed[e.DID] = struct{}{}
		}
	}
	return changed
}

// ============================================================================
//                              远端通告
// ============================================================================

// StoresReceived 处理远端设备的通告
//
// 已知设备发来相同序号的过滤器时只刷新地址；否则重算在线集合并产生差异事件。
func (s *Stores) StoresReceived(did types.DID, addr netip.AddrPort, adv *wire.Advertisement, viaMulticast bool) {
	now := s.clock.Now()
	prev, known := s.arp.Get(did)

	if adv == nil || (known && sameFilter(prev.Adv, adv)) {
		s.arp.Put(did, addr, nil, nil, viaMulticast, now)
		return
	}
	if known && prev.Adv != nil && !prev.Adv.Hub && !adv.Hub && arp.SeqNewer(prev.Adv.FilterSeq, adv.FilterSeq) {
		// 乱序到达的旧通告
		s.arp.Put(did, addr, nil, nil, viaMulticast, now)
		return
	}

	online := s.onlineFor(adv)
	s.arp.Put(did, addr, adv, online, viaMulticast, now)
	s.diff(did, prev.StoresOnline, online)
}

func sameFilter(recorded, incoming *wire.Advertisement) bool {
	if recorded == nil || recorded.Hub || incoming.Hub {
		return false
	}
	return recorded.FilterSeq == incoming.FilterSeq && recorded.FilterSeq != arp.InvalidSeq
}

// OnDeviceRemoved 设备从 ARP 表删除时，它的所有在线存储下线
func (s *Stores) OnDeviceRemoved(e arp.Entry) {
	if len(e.StoresOnline) == 0 {
		return
	}
	s.emit(e.DID, e.StoresOnline.Sorted(), false)
}

// OnlineFor 计算给定远端通告与本地存储的交集
func (s *Stores) OnlineFor(adv *wire.Advertisement) arp.SIDSet {
	return s.onlineFor(adv)
}

func (s *Stores) onlineFor(adv *wire.Advertisement) arp.SIDSet {
	online := arp.SIDSet{}
	if adv == nil {
		return online
	}
	if adv.Hub {
		for _, p := range adv.Prefixes {
			if len(p) == s.cfg.PrefixLength {
				for _, sid := range s.prefixes[string(p)] {
					online[sid] = struct{}{}
				}
				continue
			}
			for sid := range s.local {
				if bytes.HasPrefix(sid[:], p) {
					online[sid] = struct{}{}
				}
			}
		}
		return online
	}

	if len(adv.Filter) == 0 {
		return online
	}
	remote := BloomFromBytes(adv.Filter, adv.FilterHashes)
	for sid := range s.local {
		if remote.MayContain(sid) {
			online[sid] = struct{}{}
		}
	}
	return online
}

// diff 比较新旧在线集合并发出事件，返回是否有变化
func (s *Stores) diff(did types.DID, before, after arp.SIDSet) bool {
	var added, removed []types.SID
	for sid := range after {
		if !before.Has(sid) {
			added = append(added, sid)
		}
	}
	for sid := range before {
		if !after.Has(sid) {
			removed = append(removed, sid)
		}
	}
	if len(added) > 0 {
		slices.SortFunc(added, types.SID.Compare)
		s.emit(did, added, true)
	}
	if len(removed) > 0 {
		slices.SortFunc(removed, types.SID.Compare)
		s.emit(did, removed, false)
	}
	return len(added) > 0 || len(removed) > 0
}

func (s *Stores) emit(did types.DID, sids []types.SID, online bool) {
	log.Debug("存储在线状态变化",
		"device", did.ShortString(),
		"stores", len(sids),
		"online", online)
	if s.presence == nil {
		return
	}
	s.presence(types.PresenceEvent{
		DID:    did,
		Stores: sids,
		Online: online,
		Time:   s.clock.Now(),
	})
}

// ============================================================================
//                              本机通告
// ============================================================================

// Advertisement 构造本机通告
//
// 集线器模式下 remote 非空时只回复请求方关心的存储前缀。
func (s *Stores) Advertisement(remote *wire.Advertisement) *wire.Advertisement {
	if !s.cfg.HubMode {
		return &wire.Advertisement{
			Filter:       s.filter.Bytes(),
			FilterSeq:    s.filterSeq,
			FilterHashes: s.filter.Hashes(),
		}
	}

	adv := &wire.Advertisement{Hub: true}
	var sids []types.SID
	if remote != nil {
		sids = s.onlineFor(remote).Sorted()
	} else {
		sids = s.local.Sorted()
	}
	seen := make(map[string]struct{}, len(sids))
	for _, sid := range sids {
		key := s.prefixKey(sid)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		adv.Prefixes = append(adv.Prefixes, []byte(key))
	}
	return adv
}
