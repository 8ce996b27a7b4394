package fmp4

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"time"

	"m7s.live/atsc3/pkg"
	"m7s.live/atsc3/pkg/box"
	"m7s.live/atsc3/pkg/task"
)

var (
	ErrNoMoov       = errors.New("no moov")
	ErrBadMoov      = errors.New("bad moov")
	ErrUnknownTrack = errors.New("unknown track type")
	ErrNoTrack      = errors.New("no track selected")
	ErrSeekFailed   = errors.New("seek failed")
	ErrBroken       = errors.New("unrecoverable stream position")
)

const (
	Increment  = 250 * time.Millisecond
	MaxPreload = 15 * time.Second
	// Unbounded disables the per-track preload limit.
	Unbounded time.Duration = math.MaxInt64
	// NoTimestamp marks an unknown PTS or an unset clock.
	NoTimestamp time.Duration = math.MinInt64
)

type Status int

const (
	StatusSuccess Status = iota
	StatusEOS
	StatusEOF
)

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusEOS:
		return "eos"
	}
	return "eof"
}

type Sample struct {
	DTS           time.Duration
	PTS           time.Duration // NoTimestamp when unknown
	Duration      time.Duration
	Sync          bool
	Discontinuity bool
	Offset        int64
	Data          []byte
}

// Output receives demuxed samples and the presentation clock.
type Output interface {
	WriteSample(*Track, *Sample)
	SetPCR(time.Duration)
}

// Peeker is implemented by sources that can look ahead without seeking.
type Peeker interface {
	Peek(n int) ([]byte, error)
}

// Availabler is implemented by growing sources; Available is the absolute
// offset one past the last byte currently readable.
type Availabler interface {
	Available() int64
}

type Options struct {
	Seekable         bool
	FastSeekable     bool
	BuildIndexOnSeek bool
	Increment        time.Duration
	MaxPreload       time.Duration
}

func (o *Options) preload() time.Duration {
	switch {
	case o.FastSeekable:
		return 0
	case o.Seekable:
		return o.MaxPreload
	}
	return Unbounded
}

type fragContext struct {
	kind     box.Type
	atom     *box.Box
	sidx     *box.SegmentIndexBox
	lastSeq  uint32
	postMdat int64
	start    int64
}

// Demuxer walks an ISOBMFF byte stream and emits track-interleaved samples.
type Demuxer struct {
	*slog.Logger
	Options
	Output Output
	Tracks []*Track

	r            io.ReadSeeker
	root         *box.Box
	moov         *box.Box
	Timescale    uint32
	duration     int64 // movie timescale
	moovDuration int64
	cumulated    int64
	Fragmented   bool
	flat         bool
	initialized  bool

	index           *FragmentsIndex
	indexProbed     bool
	fragmentsProbed bool

	nztime time.Duration
	pcr    time.Duration
	ctx    fragContext
	broken bool
}

func NewDemuxer(r io.ReadSeeker, opt Options, out Output, logger *slog.Logger) *Demuxer {
	if opt.Increment <= 0 {
		opt.Increment = Increment
	}
	if opt.MaxPreload <= 0 {
		opt.MaxPreload = MaxPreload
	}
	return &Demuxer{
		Logger:  logger,
		Options: opt,
		Output:  out,
		r:       r,
		pcr:     NoTimestamp,
	}
}

func (d *Demuxer) trace(msg string, args ...any) {
	d.Log(context.Background(), task.TraceLevel, msg, args...)
}

func (d *Demuxer) tell() int64 {
	pos, _ := d.r.Seek(0, io.SeekCurrent)
	return pos
}

func (d *Demuxer) seek(pos int64) error {
	_, err := d.r.Seek(pos, io.SeekStart)
	return err
}

func (d *Demuxer) peek(n int) ([]byte, error) {
	if p, ok := d.r.(Peeker); ok {
		return p.Peek(n)
	}
	pos := d.tell()
	buf := make([]byte, n)
	m, err := io.ReadFull(d.r, buf)
	if serr := d.seek(pos); err == nil {
		err = serr
	}
	return buf[:m], err
}

func (d *Demuxer) peekHeader() (box.BasicBox, error) {
	pos := d.tell()
	b, err := d.peek(box.BasicBoxLen)
	if err != nil {
		return box.BasicBox{Offset: pos}, err
	}
	n := box.BasicBoxLen
	if b[0] == 0 && b[1] == 0 && b[2] == 0 && b[3] == 1 {
		n = box.LargeBoxLen
	}
	if box.Type(b[4:8]) == box.TypeUUID {
		n += 16
	}
	if n > len(b) {
		if b, err = d.peek(n); err != nil {
			return box.BasicBox{Offset: pos}, err
		}
	}
	return box.PeekHeader(b, pos)
}

// ensure reports pkg.ErrNeedData when a growing source does not yet hold
// the bytes up to end.
func (d *Demuxer) ensure(end int64) error {
	if a, ok := d.r.(Availabler); ok && end > a.Available() {
		return pkg.ErrNeedData
	}
	return nil
}

func (d *Demuxer) readBox(hdr box.BasicBox) (*box.Box, error) {
	if hdr.Size != 0 {
		if err := d.ensure(hdr.Offset + int64(hdr.Size)); err != nil {
			return nil, err
		}
	}
	b, err := box.ReadBox(d.r, hdr.Offset)
	if err != nil {
		d.seek(hdr.Offset)
	}
	return b, err
}

func endOfStream(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, box.ErrTruncated)
}

// fail maps a stream error to a demux result: growing sources wait for
// data, a clean end of stream carries no error.
func (d *Demuxer) fail(err error) (Status, error) {
	switch {
	case errors.Is(err, pkg.ErrNeedData):
		return StatusSuccess, err
	case endOfStream(err):
		return StatusEOF, nil
	}
	return StatusEOF, err
}

func (d *Demuxer) trackByID(id uint32) *Track {
	for _, t := range d.Tracks {
		if t.ID == id {
			return t
		}
	}
	return nil
}

func (d *Demuxer) SelectTrack(id uint32, selected bool) error {
	t := d.trackByID(id)
	if t == nil {
		return fmt.Errorf("%w: %d", ErrUnknownTrack, id)
	}
	if t.Selected != selected {
		d.Debug("track selection", "track", t, "selected", selected)
	}
	t.Selected = selected && t.OK
	return nil
}

func (d *Demuxer) setPCR(pcr time.Duration) {
	d.pcr = pcr
	if d.Output != nil {
		d.Output.SetPCR(pcr)
	}
}

func (d *Demuxer) emit(t *Track, s *Sample) {
	if t.discont {
		s.Discontinuity = true
		t.discont = false
	}
	if d.Output != nil {
		d.Output.WriteSample(t, s)
	}
}

// Watermark is the lowest offset the demuxer may still read.
func (d *Demuxer) Watermark() int64 {
	if d.ctx.kind == box.TypeMOOF || d.ctx.kind == box.TypeMDAT {
		return d.ctx.start
	}
	return d.tell()
}

// Demux produces the next batch of samples. pkg.ErrNeedData is returned
// with StatusSuccess when a growing source must be appended to first.
func (d *Demuxer) Demux() (Status, error) {
	if !d.initialized {
		return StatusSuccess, ErrNoMoov
	}
	if d.flat {
		status := d.demuxMoov()
		if status == StatusEOS {
			status = StatusEOF
		}
		return status, nil
	}
	return d.demuxFrag()
}

func (d *Demuxer) resetContext() {
	d.ctx.atom = nil
	d.ctx.kind = box.Type{}
	for _, t := range d.Tracks {
		t.defaultSize, t.defaultDur = 0, 0
	}
}

func (d *Demuxer) demuxFrag() (status Status, err error) {
	defer func() {
		if status != StatusEOF {
			return
		}
		end := time.Duration(math.MinInt64)
		for _, t := range d.Tracks {
			end = max(end, t.Time())
		}
		if end != math.MinInt64 {
			d.setPCR(end)
		}
	}()
	if d.broken {
		d.Warn("unrecoverable error")
		return StatusEOF, ErrBroken
	}
	selected := 0
	for _, t := range d.Tracks {
		if t.OK && t.Selected {
			selected++
		}
	}
	if selected == 0 {
		d.Warn("no track selected, exiting")
		return StatusEOF, ErrNoTrack
	}

	if d.ctx.kind != box.TypeMDAT {
		hdr, err := d.peekHeader()
		if err != nil {
			return d.fail(err)
		}
		switch hdr.Type {
		case box.TypeMOOF, box.TypeMOOV:
			b, err := d.readBox(hdr)
			if err != nil {
				return d.fail(err)
			}
			d.resetContext()
			d.ctx.start = hdr.Offset
			if hdr.Type == box.TypeMOOV {
				d.ctx.atom = d.moov
			} else {
				d.ctx.atom = b
				seq := moofSequence(b)
				discontinuity := seq != d.ctx.lastSeq+1
				if discontinuity {
					d.Info("fragment sequence discontinuity", "seq", seq, "want", d.ctx.lastSeq+1)
				}
				d.ctx.lastSeq = seq
				d.prepareChunk(b, d.ctx.sidx, noSegmentTime, discontinuity)
				d.ctx.sidx = nil
				if discontinuity {
					d.nztime = d.tracksTime()
					d.pcr = NoTimestamp
				}
			}
			d.ctx.kind = hdr.Type
		case box.TypeSIDX:
			b, err := d.readBox(hdr)
			if err != nil {
				return d.fail(err)
			}
			d.ctx.sidx, _ = b.Data.(*box.SegmentIndexBox)
		case box.TypeMDAT:
			d.ctx.postMdat = hdr.End()
			if hdr.Size == 0 {
				d.ctx.postMdat = math.MaxInt64
			}
			d.ctx.kind = box.TypeMDAT
		default:
			if hdr.Size == 0 {
				return StatusEOF, nil
			}
			if err := d.seek(hdr.End()); err != nil {
				return StatusEOF, err
			}
		}
	}

	if d.ctx.kind != box.TypeMDAT {
		return StatusSuccess, nil
	}
	if d.ctx.postMdat != math.MaxInt64 {
		if err := d.ensure(d.ctx.postMdat); err != nil {
			return StatusSuccess, err
		}
	}
	status = StatusEOS
	switch {
	case d.ctx.atom == nil:
		d.Warn("mdat without fragment metadata")
	case d.ctx.atom.Type == box.TypeMOOV:
		status = d.demuxMoov()
	case d.ctx.atom.Type == box.TypeMOOF:
		status = d.demuxMoof()
	}
	if status == StatusEOS {
		status = StatusSuccess
		if pos := d.tell(); pos != d.ctx.postMdat && d.ctx.postMdat != math.MaxInt64 {
			if pos > d.ctx.postMdat {
				d.Error("overread mdat", "bytes", pos-d.ctx.postMdat)
			} else {
				d.Warn("mdat bytes left unparsed", "bytes", d.ctx.postMdat-pos)
			}
			if err := d.seek(d.ctx.postMdat); err != nil {
				return StatusEOF, err
			}
		}
		d.ctx.kind = box.Type{}
	}
	return status, nil
}

// lane abstracts the two sample cursors of a track, moov sample tables and
// fragment runs, for the shared interleaving scheduler.
type lane interface {
	done(*Track) bool
	dts(*Track) time.Duration
	pos(*Track) int64
	demux(*Track, time.Duration) Status
}

type fragLane struct{ d *Demuxer }

func (l fragLane) done(t *Track) bool { return t.fragDone() }
func (l fragLane) dts(t *Track) time.Duration { return t.Time() }
func (l fragLane) pos(t *Track) int64 { return t.pos }
func (l fragLane) demux(t *Track, p time.Duration) Status {
	return l.d.fragDemuxTrack(t, p)
}

func (d *Demuxer) eligible(t *Track) bool {
	return t.OK && (t.Selected || !d.Seekable)
}

// interleave repeatedly demuxes the eligible track closest in the byte
// stream among those due within one increment of nztime.
func (d *Demuxer) interleave(l lane, nztime time.Duration) Status {
	preload := d.preload()
	for {
		var tk *Track
		status := StatusEOS
		for _, t := range d.Tracks {
			if !d.eligible(t) || l.done(t) {
				continue
			}
			status = StatusSuccess
			if l.dts(t) <= nztime+d.Increment && (tk == nil || l.pos(t) < l.pos(tk)) {
				tk = t
			}
		}
		if tk == nil {
			return status
		}
		if preload != 0 {
			for _, t := range d.Tracks {
				if t == tk || !d.eligible(t) || l.done(t) {
					continue
				}
				if l.dts(t) <= nztime+d.MaxPreload && l.pos(t) < l.pos(tk) {
					tk = t
				}
			}
		}
		switch l.demux(tk, preload) {
		case StatusSuccess:
		case StatusEOF:
			return StatusEOF
		}
	}
}

func (d *Demuxer) demuxMoof() Status {
	nztime := d.nztime
	if d.pcr == NoTimestamp {
		d.setPCR(nztime)
	}
	status := d.interleave(fragLane{d}, nztime)
	if status != StatusEOS {
		d.nztime += d.Increment
		d.setPCR(d.nztime)
		return status
	}
	end := time.Duration(math.MinInt64)
	for _, t := range d.Tracks {
		if d.eligible(t) {
			end = max(end, t.Time())
		}
	}
	if end != math.MinInt64 {
		d.nztime = end
		d.setPCR(end)
	}
	return status
}

// skipEmptyRuns rolls the track over runs holding no sample.
func (t *Track) skipEmptyRuns() bool {
	for !t.fragDone() && t.trunSample >= t.runs[t.current].Trun.SampleCount {
		t.trunSample = 0
		if t.current++; !t.fragDone() {
			t.time = t.runs[t.current].FirstDTS
			t.pos = t.runs[t.current].Offset
		}
	}
	return !t.fragDone()
}

func (d *Demuxer) fragDemuxTrack(t *Track, preload time.Duration) Status {
	if !t.OK || !t.skipEmptyRuns() {
		return StatusEOS
	}
	trun := t.runs[t.current].Trun
	if d.tell() != t.pos {
		if err := d.seek(t.pos); err != nil {
			d.Warn("sample seek", "track", t, "pos", t.pos, "error", err)
			return StatusEOF
		}
	}
	maxDTS := int64(math.MaxInt64)
	if preload != Unbounded {
		maxDTS = t.time + fromDuration(preload, t.Timescale)
	}
	for i := t.trunSample; i < trun.SampleCount; i++ {
		s := trun.Sample(int(i))
		dur, size := t.defaultDur, t.defaultSize
		if trun.Has(box.TR_FLAG_DATA_SAMPLE_DURATION) {
			dur = s.Duration
		}
		dts := t.time
		if dts > maxDTS {
			return StatusSuccess
		}
		t.time += int64(dur)
		t.trunSample = i + 1
		pts := dts
		if trun.Has(box.TR_FLAG_DATA_SAMPLE_COMPOSITION_TIME) {
			pts += s.CompositionOffset
		}
		if trun.Has(box.TR_FLAG_DATA_SAMPLE_SIZE) {
			size = s.Size
		}
		flags := t.defaultFlag
		switch {
		case trun.Has(box.TR_FLAG_DATA_SAMPLE_FLAGS):
			flags = s.Flags
		case i == 0 && trun.Has(box.TR_FLAG_DATA_FIRST_SAMPLE_FLAGS):
			flags = trun.FirstSampleFlags
		}
		if dur == 0 {
			d.Warn("zero duration sample in trun", "track", t)
		}
		if size == 0 {
			d.Warn("zero length sample in trun", "track", t)
		}
		sample := &Sample{
			DTS:      toDuration(dts, t.Timescale),
			PTS:      toDuration(pts, t.Timescale),
			Duration: toDuration(int64(dur), t.Timescale),
			Sync:     flags&box.MOV_FRAG_SAMPLE_FLAG_IS_NON_SYNC == 0,
			Offset:   t.pos,
			Data:     make([]byte, size),
		}
		n, err := io.ReadFull(d.r, sample.Data)
		t.pos += int64(n)
		if err != nil {
			d.Warn("short sample read", "track", t, "want", size, "got", n, "error", err)
			return StatusEOF
		}
		if t.Category == CategoryVideo && !trun.Has(box.TR_FLAG_DATA_SAMPLE_COMPOSITION_TIME) {
			sample.PTS = NoTimestamp
		}
		d.trace("sample", "track", t, "dts", sample.DTS, "size", size)
		d.emit(t, sample)
	}
	t.trunSample = 0
	if t.current++; !t.fragDone() {
		t.time = t.runs[t.current].FirstDTS
		t.pos = t.runs[t.current].Offset
	}
	return StatusSuccess
}
