package host

import (
	"net/netip"

	"github.com/aer0ss/aerofs-sub011/internal/core/multicast"
	"github.com/aer0ss/aerofs-sub011/internal/core/peer"
	"github.com/aer0ss/aerofs-sub011/internal/core/stores"
	"github.com/aer0ss/aerofs-sub011/internal/core/transport/tcp"
	"github.com/aer0ss/aerofs-sub011/internal/core/wire"
	"github.com/aer0ss/aerofs-sub011/pkg/types"
)

// signals 组件之间的信号转发，全部在执行上下文中调用
type signals struct {
	h *Host
}

var (
	_ stores.Announcer  = (*signals)(nil)
	_ multicast.Handler = (*signals)(nil)
	_ tcp.Dispatcher    = (*signals)(nil)
)

// ============================================================================
//                              stores.Announcer
// ============================================================================

func (s *signals) BroadcastPong() {
	if s.h.mcast != nil {
		s.h.mcast.BroadcastPong()
	}
}

// SendAdvertisement 通过已有连接单播通告，没有连接时等下次握手再交换
func (s *signals) SendAdvertisement(did types.DID) {
	p, ok := s.h.unicast.Get(did)
	if !ok || !p.IsConnected() {
		return
	}
	conn := p.Connections()[0]
	f := &wire.Frame{Header: &wire.Header{Type: wire.TypeStores, Adv: s.h.stores.Advertisement(nil)}}
	conn.Send(f, types.PriorityHigh).AddListener(func(_ struct{}, err error) {
		if err != nil {
			log.Debug("单播通告发送失败", "device", did.ShortString(), "err", err)
		}
	})
}

// ============================================================================
//                              multicast.Handler
// ============================================================================

func (s *signals) OnPong(did types.DID, addr netip.AddrPort, adv *wire.Advertisement) {
	s.h.stores.StoresReceived(did, addr, adv, true)
}

func (s *signals) OnOffline(did types.DID) {
	s.h.arp.Remove(did)
}

func (s *signals) OnDatagram(did types.DID, sid types.SID, payload []byte) {
	s.h.receiver.OnMulticastDatagram(did, sid, payload)
}

// ============================================================================
//                              tcp.Dispatcher
// ============================================================================

func (s *signals) OnInbound(did types.DID, conn *peer.Connection) {
	s.h.unicast.AddInboundConnection(did, conn)
}

func (s *signals) OnStores(did types.DID, addr netip.AddrPort, adv *wire.Advertisement) {
	s.h.stores.StoresReceived(did, addr, adv, false)
}

func (s *signals) OnPulseReply(did types.DID, pulseID uint64) {
	s.h.pulse.OnReply(did, pulseID)
}

func (s *signals) OnRemoteAbort(did types.DID, id types.StreamID, reason wire.AbortReason) {
	log.Debug("远端中止发出的流", "device", did.ShortString(), "stream", id, "reason", reason)
	if fn := s.h.remoteAbort; fn != nil {
		fn(did, id, reason)
	}
}
