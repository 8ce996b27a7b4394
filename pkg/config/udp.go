package config

import (
	"context"
	"fmt"
	"net"

	"golang.org/x/net/ipv4"
)

type UDP struct {
	ListenAddr string `default:":4000" desc:"listen address, ip:port"`
	Multicast  string `desc:"multicast group to join, empty for unicast"`
	Interface  string `desc:"network interface used for the multicast join"`
	ReadBuffer int    `default:"4194304" desc:"socket receive buffer in bytes"`
	ReusePort  bool   `default:"true" desc:"set SO_REUSEADDR/SO_REUSEPORT"`
}

// Listen opens the datagram socket and joins the multicast group when configured.
func (udp *UDP) Listen(ctx context.Context) (*net.UDPConn, error) {
	lc := net.ListenConfig{}
	if udp.ReusePort {
		lc.Control = reuseControl
	}
	pc, err := lc.ListenPacket(ctx, "udp4", udp.ListenAddr)
	if err != nil {
		return nil, err
	}
	conn := pc.(*net.UDPConn)
	if udp.ReadBuffer > 0 {
		conn.SetReadBuffer(udp.ReadBuffer)
	}
	if udp.Multicast == "" {
		return conn, nil
	}
	group := net.ParseIP(udp.Multicast)
	if group == nil || !group.IsMulticast() {
		conn.Close()
		return nil, fmt.Errorf("invalid multicast group %q", udp.Multicast)
	}
	var ifi *net.Interface
	if udp.Interface != "" {
		if ifi, err = net.InterfaceByName(udp.Interface); err != nil {
			conn.Close()
			return nil, err
		}
	}
	if err = ipv4.NewPacketConn(conn).JoinGroup(ifi, &net.UDPAddr{IP: group}); err != nil {
		conn.Close()
		return nil, fmt.Errorf("join %s: %w", udp.Multicast, err)
	}
	return conn, nil
}
