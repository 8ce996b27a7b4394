package main

import (
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/bluenviron/mediacommon/pkg/codecs/h264"

	"m7s.live/atsc3/pkg/box"
	"m7s.live/atsc3/pkg/fmp4"
)

var typeAVC1 = box.Type([]byte("avc1"))

type trackTally struct {
	track      *fmp4.Track
	samples    int
	bytes      int
	idr        int
	first, end time.Duration
}

// printer logs every sample line when verbose and keeps per-track totals.
type printer struct {
	verbose bool
	*slog.Logger
	mu     sync.Mutex
	tracks map[uint32]*trackTally
	order  []uint32
	pcr    time.Duration
}

func newPrinter(verbose bool, logger *slog.Logger) *printer {
	return &printer{verbose: verbose, Logger: logger, tracks: make(map[uint32]*trackTally), pcr: fmp4.NoTimestamp}
}

func (p *printer) WriteSample(t *fmp4.Track, s *fmp4.Sample) {
	p.mu.Lock()
	defer p.mu.Unlock()
	tally, ok := p.tracks[t.ID]
	if !ok {
		tally = &trackTally{track: t, first: s.DTS}
		p.tracks[t.ID] = tally
		p.order = append(p.order, t.ID)
	}
	tally.samples++
	tally.bytes += len(s.Data)
	tally.end = s.DTS + s.Duration
	idr := false
	if t.Codec == typeAVC1 {
		if au, err := h264.AVCCUnmarshal(s.Data); err == nil {
			idr = h264.IDRPresent(au)
		} else {
			p.Warn("avcc", "track", t.ID, "dts", s.DTS, "error", err)
		}
		if idr {
			tally.idr++
		}
	}
	if p.verbose {
		fmt.Fprintf(os.Stdout, "track=%d %s dts=%v pts=%v dur=%v size=%d sync=%v idr=%v disc=%v\n",
			t.ID, t.Category, s.DTS, pts(s.PTS), s.Duration, len(s.Data), s.Sync, idr, s.Discontinuity)
	}
}

func (p *printer) SetPCR(pcr time.Duration) {
	p.mu.Lock()
	p.pcr = pcr
	p.mu.Unlock()
}

func pts(v time.Duration) any {
	if v == fmp4.NoTimestamp {
		return "none"
	}
	return v
}

func (p *printer) summary() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, id := range p.order {
		tally := p.tracks[id]
		p.Info("track summary", "track", tally.track, "samples", tally.samples, "bytes", tally.bytes, "idr", tally.idr, "from", tally.first, "to", tally.end)
	}
	p.Info("clock", "pcr", pts(p.pcr))
}
