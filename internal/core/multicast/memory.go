package multicast

import (
	"net"
	"net/netip"
	"sync"
)

// ============================================================================
//                              内存组播网络
// ============================================================================

// memQueueSize 每个内存套接字的接收缓冲（包数）
const memQueueSize = 128

// MemoryHub 进程内组播网络
//
// 所有通过同一个 Hub 打开的套接字互相可见（包括发送方自身，相当于开启回环）。
// 缓冲满时丢包，与 UDP 语义一致。用于测试和单机多实例。
type MemoryHub struct {
	mu      sync.Mutex
	sockets map[*memSocket]struct{}
}

// NewMemoryHub 创建内存组播网络
func NewMemoryHub() *MemoryHub {
	return &MemoryHub{sockets: make(map[*memSocket]struct{})}
}

// Factory 返回以 addr 作为源地址的套接字工厂
func (h *MemoryHub) Factory(addr netip.Addr) SocketFactory {
	return memFactory{hub: h, addr: addr}
}

// Len 当前打开的套接字数量
func (h *MemoryHub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sockets)
}

func (h *MemoryHub) deliver(from *memSocket, b []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for s := range h.sockets {
		pkt := memPacket{src: from.src, data: append([]byte(nil), b...)}
		select {
		case s.in <- pkt:
		default:
		}
	}
}

type memFactory struct {
	hub  *MemoryHub
	addr netip.Addr
}

func (f memFactory) Open(iface net.Interface) (Socket, error) {
	s := &memSocket{
		hub:    f.hub,
		src:    netip.AddrPortFrom(f.addr, 0),
		in:     make(chan memPacket, memQueueSize),
		closed: make(chan struct{}),
	}
	f.hub.mu.Lock()
	f.hub.sockets[s] = struct{}{}
	f.hub.mu.Unlock()
	return s, nil
}

type memPacket struct {
	src  netip.AddrPort
	data []byte
}

type memSocket struct {
	hub    *MemoryHub
	src    netip.AddrPort
	in     chan memPacket
	closed chan struct{}
	once   sync.Once
}

func (s *memSocket) ReadFrom(buf []byte) (int, netip.AddrPort, error) {
	select {
	case pkt := <-s.in:
		return copy(buf, pkt.data), pkt.src, nil
	case <-s.closed:
		return 0, netip.AddrPort{}, ErrSocketClosed
	}
}

func (s *memSocket) WriteToGroup(b []byte) error {
	select {
	case <-s.closed:
		return ErrSocketClosed
	default:
	}
	s.hub.deliver(s, b)
	return nil
}

func (s *memSocket) Close() error {
	s.once.Do(func() {
		s.hub.mu.Lock()
		delete(s.hub.sockets, s)
		s.hub.mu.Unlock()
		close(s.closed)
	})
	return nil
}
