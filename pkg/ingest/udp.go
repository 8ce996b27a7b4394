package ingest

import (
	"context"
	"net"

	"m7s.live/atsc3/pkg/config"
	"m7s.live/atsc3/pkg/mmtp"
	"m7s.live/atsc3/pkg/task"
)

// UDPReceiver reads datagrams from a socket and hands each one to Handler.
type UDPReceiver struct {
	task.Task
	config.UDP
	Handler Handler
	conn    *net.UDPConn
	buf     []byte
}

func (r *UDPReceiver) Start() (err error) {
	if r.conn, err = r.Listen(r.Context); err != nil {
		return
	}
	// one byte over the ceiling so oversized datagrams stay detectable
	r.buf = make([]byte, mmtp.MaxPacketSize+1)
	context.AfterFunc(r.Context, func() {
		r.conn.Close()
	})
	r.Info("listening", "addr", r.conn.LocalAddr(), "multicast", r.Multicast)
	return
}

func (r *UDPReceiver) Addr() net.Addr {
	return r.conn.LocalAddr()
}

func (r *UDPReceiver) Run() error {
	for {
		n, from, err := r.conn.ReadFromUDP(r.buf)
		if err != nil {
			if r.IsStopped() {
				return r.StopReason()
			}
			return err
		}
		r.Trace("datagram", "from", from, "size", n)
		if err = r.Handler(r.buf[:n]); err != nil {
			return err
		}
	}
}

func (r *UDPReceiver) Dispose() {
	if r.conn != nil {
		r.conn.Close()
	}
}
