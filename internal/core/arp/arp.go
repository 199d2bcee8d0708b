// Package arp 维护设备到网络地址的映射表
//
// 每个条目记录设备的单播地址、最后更新时间、存储兴趣通告以及
// 当前在线的存储集合。同时维护 MUOD（仅通过单播发现的设备）集合，
// 这些设备收不到组播通告，存储变化时需要单独发送定向通告。
//
// Table 不是并发安全的，只能在传输层的执行上下文中访问。
// 观察者在变更发生时同步回调，回调顺序与变更顺序一致。
package arp

import (
	"net/netip"
	"slices"
	"time"

	"github.com/aer0ss/aerofs-sub011/internal/core/wire"
	"github.com/aer0ss/aerofs-sub011/internal/util/logger"
	"github.com/aer0ss/aerofs-sub011/pkg/types"
)

var log = logger.Logger("core/arp")

// SIDSet 存储集合
type SIDSet map[types.SID]struct{}

// NewSIDSet 由列表创建集合
func NewSIDSet(sids ...types.SID) SIDSet {
	s := make(SIDSet, len(sids))
	for _, sid := range sids {
		s[sid] = struct{}{}
	}
	return s
}

// Has 是否包含
func (s SIDSet) Has(sid types.SID) bool {
	_, ok := s[sid]
	return ok
}

// Clone 拷贝
func (s SIDSet) Clone() SIDSet {
	c := make(SIDSet, len(s))
	for sid := range s {
		c[sid] = struct{}{}
	}
	return c
}

// Sorted 返回有序列表
func (s SIDSet) Sorted() []types.SID {
	out := make([]types.SID, 0, len(s))
	for sid := range s {
		out = append(out, sid)
	}
	slices.SortFunc(out, types.SID.Compare)
	return out
}

// Entry ARP 条目
type Entry struct {
	DID          types.DID
	Addr         netip.AddrPort
	LastUpdated  time.Time
	Adv          *wire.Advertisement
	StoresOnline SIDSet

	// ViaMulticast 条目创建以来是否经组播确认过
	ViaMulticast bool
}

// FilterSeq 返回记录的过滤器序号
func (e *Entry) FilterSeq() uint32 {
	if e.Adv == nil || e.Adv.Hub {
		return InvalidSeq
	}
	return e.Adv.FilterSeq
}

func (e *Entry) clone() Entry {
	c := *e
	c.Adv = e.Adv.Clone()
	c.StoresOnline = e.StoresOnline.Clone()
	return c
}

// Op 变更类型
type Op int

const (
	// OpAdd 新增
	OpAdd Op = iota
	// OpUpdate 更新
	OpUpdate
	// OpRemove 删除
	OpRemove
)

// String 返回变更类型名
func (o Op) String() string {
	switch o {
	case OpAdd:
		return "add"
	case OpUpdate:
		return "update"
	default:
		return "remove"
	}
}

// Watcher 条目变更观察者，删除时 e 为删除前的条目
type Watcher func(op Op, e Entry)

// MUODWatcher MUOD 集合变更观察者
type MUODWatcher func(devices []types.DID)

// Table ARP 表
type Table struct {
	entries map[types.DID]*Entry

	muod     map[types.DID]struct{}
	muodSnap []types.DID

	watchers     []Watcher
	muodWatchers []MUODWatcher
}

// NewTable 创建 ARP 表
func NewTable() *Table {
	return &Table{
		entries: make(map[types.DID]*Entry),
		muod:    make(map[types.DID]struct{}),
	}
}

// Watch 注册条目观察者
func (t *Table) Watch(w Watcher) {
	t.watchers = append(t.watchers, w)
}

// WatchMUOD 注册 MUOD 观察者
func (t *Table) WatchMUOD(w MUODWatcher) {
	t.muodWatchers = append(t.muodWatchers, w)
}

// Put 写入条目，返回是否新建
//
// adv 为 nil 或序号比已记录的旧时保留原有通告和在线集合，只刷新地址和时间。
// 组播写入将设备移出 MUOD；单播写入在设备为新设备或从未经组播确认时加入 MUOD。
func (t *Table) Put(did types.DID, addr netip.AddrPort, adv *wire.Advertisement,
	storesOnline SIDSet, viaMulticast bool, ts time.Time) bool {

	old, exists := t.entries[did]
	e := &Entry{
		DID:          did,
		Addr:         addr,
		LastUpdated:  ts,
		Adv:          adv.Clone(),
		StoresOnline: storesOnline.Clone(),
		ViaMulticast: viaMulticast,
	}

	if exists {
		e.ViaMulticast = viaMulticast || old.ViaMulticast
		if !addr.IsValid() {
			e.Addr = old.Addr
		}
		if adv == nil || isStale(old.Adv, adv) {
			if adv != nil {
				log.Debug("忽略旧序号的通告",
					"device", did.ShortString(),
					"recorded", old.FilterSeq(),
					"received", adv.FilterSeq)
			}
			e.Adv = old.Adv
			e.StoresOnline = old.StoresOnline
		}
	}
	if e.StoresOnline == nil {
		e.StoresOnline = SIDSet{}
	}
	t.entries[did] = e

	op := OpUpdate
	if !exists {
		op = OpAdd
	}
	t.notify(op, e)

	if viaMulticast {
		t.muodRemove(did)
	} else if !exists || !old.ViaMulticast {
		t.muodAdd(did)
	}
	return !exists
}

// isStale 新通告的过滤器序号是否比记录的旧
//
// 集线器通告没有序号，总是接受。
func isStale(recorded, incoming *wire.Advertisement) bool {
	if recorded == nil || recorded.Hub || incoming.Hub {
		return false
	}
	return SeqNewer(recorded.FilterSeq, incoming.FilterSeq)
}

// Get 获取条目副本
func (t *Table) Get(did types.DID) (Entry, bool) {
	e, ok := t.entries[did]
	if !ok {
		return Entry{}, false
	}
	return e.clone(), true
}

// Addr 获取设备地址
func (t *Table) Addr(did types.DID) (netip.AddrPort, error) {
	e, ok := t.entries[did]
	if !ok || !e.Addr.IsValid() {
		return netip.AddrPort{}, ErrNoEntry
	}
	return e.Addr, nil
}

// Remove 删除条目，返回是否存在
func (t *Table) Remove(did types.DID) bool {
	e, ok := t.entries[did]
	if !ok {
		return false
	}
	delete(t.entries, did)
	t.notify(OpRemove, e)
	t.muodRemove(did)
	return true
}

// Len 条目数
func (t *Table) Len() int {
	return len(t.entries)
}

// Devices 返回全部设备（有序）
func (t *Table) Devices() []types.DID {
	out := make([]types.DID, 0, len(t.entries))
	for did := range t.entries {
		out = append(out, did)
	}
	slices.SortFunc(out, types.DID.Compare)
	return out
}

// Snapshot 返回全部条目副本（按 DID 排序）
func (t *Table) Snapshot() []Entry {
	out := make([]Entry, 0, len(t.entries))
	for _, did := range t.Devices() {
		out = append(out, t.entries[did].clone())
	}
	return out
}

// MUOD 返回 MUOD 集合的不可变有序快照
func (t *Table) MUOD() []types.DID {
	return t.muodSnap
}

// IsMUOD 设备是否仅通过单播可见
func (t *Table) IsMUOD(did types.DID) bool {
	_, ok := t.muod[did]
	return ok
}

// Sweep 清理过期且未连接的条目，返回被删除的设备
func (t *Table) Sweep(now time.Time, maxAge time.Duration, isLive func(types.DID) bool) []types.DID {
	var evicted []types.DID
	for _, did := range t.Devices() {
		e := t.entries[did]
		if now.Sub(e.LastUpdated) <= maxAge {
			continue
		}
		if isLive != nil && isLive(did) {
			continue
		}
		evicted = append(evicted, did)
	}
	for _, did := range evicted {
		log.Debug("清理过期 ARP 条目", "device", did.ShortString())
		t.Remove(did)
	}
	return evicted
}

// ============================================================================
//                              内部方法
// ============================================================================

func (t *Table) notify(op Op, e *Entry) {
	if len(t.watchers) == 0 {
		return
	}
	snap := e.clone()
	for _, w := range t.watchers {
		w(op, snap)
	}
}

func (t *Table) muodAdd(did types.DID) {
	if _, ok := t.muod[did]; ok {
		return
	}
	t.muod[did] = struct{}{}
	t.muodChanged()
}

func (t *Table) muodRemove(did types.DID) {
	if _, ok := t.muod[did]; !ok {
		return
	}
	delete(t.muod, did)
	t.muodChanged()
}

func (t *Table) muodChanged() {
	snap := make([]types.DID, 0, len(t.muod))
	for did := range t.muod {
		snap = append(snap, did)
	}
	slices.SortFunc(snap, types.DID.Compare)
	t.muodSnap = snap

	for _, w := range t.muodWatchers {
		w(snap)
	}
}
