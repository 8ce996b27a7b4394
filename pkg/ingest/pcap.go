package ingest

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"

	"m7s.live/atsc3/pkg/util"
)

const pcapngMagic = 0x0a0d0d0a

// Handler receives one UDP payload. The slice is only valid during the call.
type Handler func([]byte) error

type PcapConfig struct {
	File    string `desc:"capture file to replay, pcap or pcapng"`
	DstAddr string `desc:"only replay datagrams sent to this address"`
	DstPort uint16 `desc:"only replay datagrams sent to this port, 0 for any"`
}

// Filter selects datagrams by destination. Zero fields match anything.
type Filter struct {
	DstAddr net.IP
	DstPort uint16
}

func (conf *PcapConfig) Filter() (f Filter, err error) {
	f.DstPort = conf.DstPort
	if conf.DstAddr != "" {
		if f.DstAddr = net.ParseIP(conf.DstAddr); f.DstAddr == nil {
			err = fmt.Errorf("invalid destination address %q", conf.DstAddr)
		}
	}
	return
}

func (f Filter) Match(dst net.IP, port uint16) bool {
	if f.DstPort != 0 && f.DstPort != port {
		return false
	}
	return f.DstAddr == nil || f.DstAddr.Equal(dst)
}

type captureSource interface {
	gopacket.PacketDataSource
	LinkType() layers.LinkType
}

func openCapture(r io.Reader) (captureSource, error) {
	br := bufio.NewReader(r)
	magic, err := br.Peek(4)
	if err != nil {
		return nil, fmt.Errorf("capture header: %w", err)
	}
	if util.ReadBE[uint32](magic) == pcapngMagic {
		return pcapgo.NewNgReader(br, pcapgo.DefaultNgReaderOptions)
	}
	return pcapgo.NewReader(br)
}

// ReadPcap replays the UDP datagrams of a capture that pass filter and
// returns how many were handed over. A handler error stops the replay.
func ReadPcap(ctx context.Context, r io.Reader, filter Filter, handle Handler) (n int, err error) {
	src, err := openCapture(r)
	if err != nil {
		return
	}
	decoder := src.LinkType()
	for {
		if ctx.Err() != nil {
			return n, context.Cause(ctx)
		}
		var data []byte
		if data, _, err = src.ReadPacketData(); err != nil {
			if errors.Is(err, io.EOF) {
				err = nil
			}
			return
		}
		packet := gopacket.NewPacket(data, decoder, gopacket.DecodeOptions{Lazy: true, NoCopy: true})
		udp, ok := packet.Layer(layers.LayerTypeUDP).(*layers.UDP)
		if !ok {
			continue
		}
		var dst net.IP
		switch ip := packet.NetworkLayer().(type) {
		case *layers.IPv4:
			dst = ip.DstIP
		case *layers.IPv6:
			dst = ip.DstIP
		}
		if !filter.Match(dst, uint16(udp.DstPort)) {
			continue
		}
		n++
		if err = handle(udp.Payload); err != nil {
			return
		}
	}
}
