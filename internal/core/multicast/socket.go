package multicast

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"

	"golang.org/x/net/ipv4"
)

// ============================================================================
//                              套接字抽象
// ============================================================================

// Socket 绑定到单个接口的组播套接字
type Socket interface {
	// ReadFrom 读取一个组播包，只返回从本接口到达的包
	ReadFrom(buf []byte) (int, netip.AddrPort, error)

	// WriteToGroup 向组播组发送
	WriteToGroup(b []byte) error

	// Close 离开组播组并关闭
	Close() error
}

// SocketFactory 按接口创建组播套接字
type SocketFactory interface {
	Open(iface net.Interface) (Socket, error)
}

// ============================================================================
//                              UDP 实现
// ============================================================================

// UDPFactory 基于系统 UDP 套接字的工厂
//
// 每个接口一个套接字，全部绑定到组播端口（SO_REUSEADDR/SO_REUSEPORT），
// 通过 IP_PKTINFO 控制消息过滤掉其他接口到达的包。
type UDPFactory struct {
	Group    netip.AddrPort
	TTL      int
	Loopback bool
}

// Open 打开套接字并加入组播组
func (f *UDPFactory) Open(iface net.Interface) (Socket, error) {
	if !f.Group.Addr().Is4() {
		return nil, fmt.Errorf("multicast group must be IPv4: %s", f.Group)
	}

	lc := net.ListenConfig{Control: reuseControl}
	pc, err := lc.ListenPacket(context.Background(), "udp4", fmt.Sprintf(":%d", f.Group.Port()))
	if err != nil {
		return nil, fmt.Errorf("listen multicast port: %w", err)
	}

	p := ipv4.NewPacketConn(pc)
	group := &net.UDPAddr{IP: f.Group.Addr().AsSlice(), Port: int(f.Group.Port())}
	if err := p.JoinGroup(&iface, group); err != nil {
		pc.Close()
		return nil, fmt.Errorf("join group on %s: %w", iface.Name, err)
	}
	if err := p.SetMulticastInterface(&iface); err != nil {
		p.LeaveGroup(&iface, group)
		pc.Close()
		return nil, fmt.Errorf("set multicast interface %s: %w", iface.Name, err)
	}
	if f.TTL > 0 {
		if err := p.SetMulticastTTL(f.TTL); err != nil {
			log.Debug("设置组播 TTL 失败", "iface", iface.Name, "err", err)
		}
	}
	if err := p.SetMulticastLoopback(f.Loopback); err != nil {
		log.Debug("设置组播回环失败", "iface", iface.Name, "err", err)
	}
	filter := true
	if err := p.SetControlMessage(ipv4.FlagInterface, true); err != nil {
		// 平台不支持时放弃接口过滤
		log.Debug("接口控制消息不可用", "iface", iface.Name, "err", err)
		filter = false
	}

	return &udpSocket{
		iface:  iface,
		group:  group,
		pc:     p,
		filter: filter,
	}, nil
}

type udpSocket struct {
	iface  net.Interface
	group  *net.UDPAddr
	pc     *ipv4.PacketConn
	filter bool
}

func (s *udpSocket) ReadFrom(buf []byte) (int, netip.AddrPort, error) {
	for {
		n, cm, src, err := s.pc.ReadFrom(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return 0, netip.AddrPort{}, ErrSocketClosed
			}
			return 0, netip.AddrPort{}, err
		}
		if s.filter && cm != nil && cm.IfIndex != 0 && cm.IfIndex != s.iface.Index {
			continue
		}
		ua, ok := src.(*net.UDPAddr)
		if !ok {
			continue
		}
		ap := ua.AddrPort()
		return n, netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port()), nil
	}
}

func (s *udpSocket) WriteToGroup(b []byte) error {
	_, err := s.pc.WriteTo(b, nil, s.group)
	return err
}

func (s *udpSocket) Close() error {
	_ = s.pc.LeaveGroup(&s.iface, s.group)
	return s.pc.Close()
}
