package fmp4

import (
	"errors"
	"fmt"
	"io"
	"time"

	"m7s.live/atsc3/pkg/box"
)

// Init reads the top-level boxes up to and including moov and sets up the
// tracks. On failure the stream is rewound so Init can be retried once more
// data is available.
func (d *Demuxer) Init() error {
	start := d.tell()
	err := d.open()
	if err != nil {
		d.seek(start)
	}
	return err
}

func (d *Demuxer) open() error {
	var top []*box.Box
	var moov *box.Box
	for moov == nil {
		hdr, err := d.peekHeader()
		if err != nil {
			if endOfStream(err) {
				return fmt.Errorf("%w: %w", ErrNoMoov, err)
			}
			return err
		}
		switch hdr.Type {
		case box.TypeFTYP, box.TypeSTYP, box.TypeSIDX, box.TypeMOOV:
			b, err := d.readBox(hdr)
			if err != nil {
				return err
			}
			top = append(top, b)
			if hdr.Type == box.TypeMOOV {
				moov = b
			}
		default:
			if hdr.Size == 0 {
				return ErrNoMoov
			}
			if err := d.seek(hdr.End()); err != nil {
				return err
			}
		}
	}
	// on-demand profiles index the segments right after moov
	if hdr, err := d.peekHeader(); err == nil && hdr.Type == box.TypeSIDX {
		if b, err := d.readBox(hdr); err == nil {
			top = append(top, b)
		}
	}
	root := box.NewRoot(top...)
	if ftyp := box.Find[*box.FileTypeBox](root, "ftyp"); ftyp != nil {
		d.Debug("file type", "brand", string(ftyp.MajorBrand[:]), "minor", ftyp.MinorVersion)
	} else {
		d.Debug("file type box missing, assuming ISO media")
	}
	mvhd := box.Find[*box.MovieHeaderBox](moov, "mvhd")
	if mvhd == nil || mvhd.Timescale == 0 {
		return fmt.Errorf("%w: no valid mvhd", ErrBadMoov)
	}
	traks := children(moov, box.TypeTRAK)
	if len(traks) == 0 {
		return fmt.Errorf("%w: no trak", ErrBadMoov)
	}

	d.root, d.moov = root, moov
	d.Timescale = mvhd.Timescale
	d.duration, d.moovDuration, d.cumulated = int64(mvhd.Duration), int64(mvhd.Duration), int64(mvhd.Duration)
	d.Tracks = d.Tracks[:0]
	for _, trak := range traks {
		t := &Track{resync: true}
		if err := t.setup(trak); err != nil {
			d.Warn("ignoring track", "error", err)
		} else {
			t.trex = trexFor(moov, t.ID)
			t.Selected = true
			d.Info("adding track", "track", t, "codec", string(t.Codec[:]), "timescale", t.Timescale, "language", t.Language, "enabled", t.Enabled)
		}
		d.Tracks = append(d.Tracks, t)
	}

	mvex := moov.Get("mvex")
	if mvex != nil {
		d.applyMehd(mvex)
		if root.Get("sidx") != nil {
			d.Fragmented = true
		}
		if d.Seekable {
			if !d.Fragmented {
				if err := d.probeFragments(d.duration == 0); err != nil {
					d.Warn("fragment probe", "error", err)
				}
			}
			if err := d.seek(moov.Offset); err != nil {
				return err
			}
		} else {
			d.ctx.atom, d.ctx.kind = moov, box.TypeMOOV
			d.Fragmented = true
		}
	} else if d.Seekable {
		d.flat = true
	} else {
		d.ctx.atom, d.ctx.kind = moov, box.TypeMOOV
	}
	d.initialized = true
	d.Info("moov loaded", "tracks", len(d.Tracks), "timescale", d.Timescale, "duration", d.Length(), "fragmented", d.Fragmented)
	return nil
}

func (d *Demuxer) applyMehd(mvex *box.Box) {
	mehd := box.Find[*box.MovieExtendsHeaderBox](mvex, "mehd")
	if mehd == nil {
		return
	}
	if v := int64(mehd.FragmentDuration); v > d.duration {
		d.Fragmented = true
		d.duration = v
	}
}

func trexFor(moov *box.Box, trackID uint32) *box.TrackExtendsBox {
	mvex := moov.Get("mvex")
	if mvex == nil {
		return nil
	}
	for _, b := range children(mvex, box.TypeTREX) {
		if trex, ok := b.Data.(*box.TrackExtendsBox); ok && trex.TrackID == trackID {
			return trex
		}
	}
	return nil
}

type moovLane struct{ d *Demuxer }

func (l moovLane) done(t *Track) bool { return t.moovDone() }
func (l moovLane) dts(t *Track) time.Duration { return t.moovDTS() }
func (l moovLane) pos(t *Track) int64 { return t.moovPos() }
func (l moovLane) demux(t *Track, p time.Duration) Status {
	return l.d.moovDemuxTrack(t, p)
}

// demuxMoov interleaves samples described by the moov sample tables.
func (d *Demuxer) demuxMoov() Status {
	nztime := d.nztime
	if d.pcr != NoTimestamp {
		eof := true
		for _, t := range d.Tracks {
			if t.OK && !t.moovDone() {
				eof = eof && nztime > t.moovDTS()
			}
		}
		if eof {
			return StatusEOS
		}
	}
	status := d.interleave(moovLane{d}, nztime)
	d.nztime += d.Increment
	if d.pcr != NoTimestamp {
		d.setPCR(d.nztime)
	}
	return status
}

// moovDemuxTrack sends the samples of the current chunk that fall within
// the preload window. An I/O failure disables the track.
func (d *Demuxer) moovDemuxTrack(t *Track, preload time.Duration) Status {
	if !t.OK || t.moovDone() {
		return StatusEOS
	}
	chunk := t.samples[t.sample].chunk
	maxDTS := Unbounded
	if preload != Unbounded {
		maxDTS = t.moovDTS() + preload
	}
	for !t.moovDone() && t.moovDTS() <= maxDTS {
		s := &t.samples[t.sample]
		if s.chunk != chunk {
			break
		}
		if s.size > 0 {
			if d.tell() != s.offset {
				if err := d.seek(s.offset); err != nil {
					d.Warn("track will be disabled", "track", t, "pos", s.offset, "error", err)
					t.OK = false
					return StatusEOF
				}
			}
			sample := &Sample{
				DTS:      toDuration(s.dts, t.Timescale),
				Duration: toDuration(int64(s.duration), t.Timescale),
				Sync:     s.sync,
				Offset:   s.offset,
				Data:     make([]byte, s.size),
			}
			if _, err := io.ReadFull(d.r, sample.Data); err != nil {
				d.Warn("track will be disabled", "track", t, "size", s.size, "pos", s.offset, "error", err)
				t.OK = false
				if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
					return StatusEOS
				}
				return StatusEOF
			}
			if d.pcr == NoTimestamp {
				d.setPCR(sample.DTS)
			}
			switch {
			case t.hasCTTS:
				sample.PTS = toDuration(s.dts+s.cto, t.Timescale)
			case t.Category != CategoryVideo:
				sample.PTS = sample.DTS
			default:
				sample.PTS = NoTimestamp
			}
			d.emit(t, sample)
		}
		t.sample++
	}
	return StatusSuccess
}
