package fmp4

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"m7s.live/atsc3/pkg/box"
)

var ErrBadSampleTable = errors.New("bad sample table")

// maxSamples bounds the flattened sample table of one track.
const maxSamples = 1 << 24

type Category int

const (
	CategoryUnknown Category = iota
	CategoryVideo
	CategoryAudio
	CategorySubtitle
)

func (c Category) String() string {
	switch c {
	case CategoryVideo:
		return "video"
	case CategoryAudio:
		return "audio"
	case CategorySubtitle:
		return "subtitle"
	}
	return "unknown"
}

func categoryOf(handler box.Type) Category {
	switch handler {
	case box.TypeVIDE:
		return CategoryVideo
	case box.TypeSOUN:
		return CategoryAudio
	case box.TypeTEXT, box.TypeSBTL, box.TypeSUBT:
		return CategorySubtitle
	}
	return CategoryUnknown
}

// Run is the sample range described by one trun, resolved against its moof.
type Run struct {
	FirstDTS int64 // track timescale
	Offset   int64
	Trun     *box.TrackRunBox
}

type moovSample struct {
	dts      int64
	cto      int64
	duration uint32
	size     uint32
	offset   int64
	sync     bool
	chunk    int
}

type Track struct {
	ID         uint32
	Timescale  uint32
	Category   Category
	Codec      box.Type
	Language   string
	Width      uint16
	Height     uint16
	Channels   uint16
	SampleRate uint32
	OK         bool
	Enabled    bool
	Selected   bool

	trak *box.Box
	trex *box.TrackExtendsBox

	// moov sample tables
	samples []moovSample
	hasCTTS bool
	sample  int

	// fragment state
	runs        []Run
	current     int
	trunSample  uint32
	pos         int64
	time        int64
	resync      bool
	discont     bool
	defaultSize uint32
	defaultDur  uint32
	defaultFlag uint32
}

func (t *Track) String() string {
	return fmt.Sprintf("track[%d] %s %s", t.ID, t.Category, string(t.Codec[:]))
}

func (t *Track) LogValue() slog.Value {
	return slog.GroupValue(slog.Uint64("id", uint64(t.ID)), slog.String("cat", t.Category.String()))
}

// Snapshot copies the descriptive fields, leaving out demux state.
func (t *Track) Snapshot() Track {
	return Track{
		ID:         t.ID,
		Timescale:  t.Timescale,
		Category:   t.Category,
		Codec:      t.Codec,
		Language:   t.Language,
		Width:      t.Width,
		Height:     t.Height,
		Channels:   t.Channels,
		SampleRate: t.SampleRate,
		OK:         t.OK,
		Enabled:    t.Enabled,
		Selected:   t.Selected,
	}
}

// Runs returns the runs indexed from the current fragment.
func (t *Track) Runs() []Run {
	return t.runs
}

// Time is the decode time of the next fragment sample.
func (t *Track) Time() time.Duration {
	return toDuration(t.time, t.Timescale)
}

func (t *Track) fragDone() bool {
	return t.current >= len(t.runs)
}

func (t *Track) moovDone() bool {
	return t.sample >= len(t.samples)
}

func (t *Track) moovDTS() time.Duration {
	if t.moovDone() {
		if n := len(t.samples); n > 0 {
			last := t.samples[n-1]
			return toDuration(last.dts+int64(last.duration), t.Timescale)
		}
		return 0
	}
	return toDuration(t.samples[t.sample].dts, t.Timescale)
}

func (t *Track) moovPos() int64 {
	if t.moovDone() {
		return math.MaxInt64
	}
	return t.samples[t.sample].offset
}

// moovSeek moves the sample cursor to the last sync sample at or before at
// and returns its decode time.
func (t *Track) moovSeek(at time.Duration) time.Duration {
	target := fromDuration(at, t.Timescale)
	t.sample = 0
	for i, s := range t.samples {
		if s.dts > target {
			break
		}
		if s.sync {
			t.sample = i
		}
	}
	return t.moovDTS()
}

func (t *Track) clearRuns() {
	t.runs = t.runs[:0]
	t.current = 0
	t.trunSample = 0
}

func (t *Track) setup(trak *box.Box) error {
	t.trak = trak
	tkhd := box.Find[*box.TrackHeaderBox](trak, "tkhd")
	if tkhd == nil {
		return fmt.Errorf("%w: no tkhd", ErrBadMoov)
	}
	t.ID = tkhd.TrackID
	t.Enabled = tkhd.Has(box.TKHD_FLAG_ENABLED)
	mdhd := box.Find[*box.MediaHeaderBox](trak, "mdia/mdhd")
	if mdhd == nil || mdhd.Timescale == 0 {
		return fmt.Errorf("%w: track %d has no timescale", ErrBadMoov, t.ID)
	}
	t.Timescale = mdhd.Timescale
	t.Language = mdhd.Language
	if hdlr := box.Find[*box.HandlerBox](trak, "mdia/hdlr"); hdlr != nil {
		t.Category = categoryOf(hdlr.HandlerType)
	}
	if t.Category == CategoryUnknown {
		return fmt.Errorf("%w: track %d handler", ErrUnknownTrack, t.ID)
	}
	if stsd := box.Find[*box.SampleDescriptionBox](trak, "mdia/minf/stbl/stsd"); stsd != nil && len(stsd.Entries) > 0 {
		entry := &stsd.Entries[0]
		t.Codec = entry.Type
		switch t.Category {
		case CategoryVideo:
			t.Width, t.Height = entry.VisualSize()
		case CategoryAudio:
			t.Channels, t.SampleRate = entry.Audio()
		}
	}
	if stbl := trak.Get("mdia/minf/stbl"); stbl != nil {
		if err := t.buildSamples(stbl); err != nil {
			return fmt.Errorf("track %d: %w", t.ID, err)
		}
	}
	t.OK = true
	return nil
}

// buildSamples flattens stts/ctts/stsc/stsz/stco into one entry per sample.
func (t *Track) buildSamples(stbl *box.Box) error {
	stsz := box.Find[*box.SampleSizeBox](stbl, "stsz")
	if stsz == nil || stsz.SampleCount == 0 {
		return nil
	}
	stts := box.Find[*box.TimeToSampleBox](stbl, "stts")
	stsc := box.Find[*box.SampleToChunkBox](stbl, "stsc")
	stco := box.Find[*box.ChunkOffsetBox](stbl, "stco")
	if stco == nil {
		stco = box.Find[*box.ChunkOffsetBox](stbl, "co64")
	}
	if stts == nil || stsc == nil || stco == nil || len(stsc.Entries) == 0 {
		return fmt.Errorf("%w: missing stts, stsc or chunk offsets", ErrBadSampleTable)
	}
	if stsz.SampleCount > maxSamples {
		return fmt.Errorf("%w: %d samples", ErrBadSampleTable, stsz.SampleCount)
	}
	n := int(stsz.SampleCount)
	var total uint64
	for _, e := range stts.Entries {
		total += uint64(e.SampleCount)
	}
	if total != uint64(n) {
		return fmt.Errorf("%w: stts covers %d of %d samples", ErrBadSampleTable, total, n)
	}
	samples := make([]moovSample, 0, n)
	var dts int64
	for _, e := range stts.Entries {
		for i := uint32(0); i < e.SampleCount; i++ {
			samples = append(samples, moovSample{dts: dts, duration: e.SampleDelta, size: stsz.Size(len(samples)), sync: true})
			dts += int64(e.SampleDelta)
		}
	}
	if ctts := box.Find[*box.CompositionOffsetBox](stbl, "ctts"); ctts != nil {
		t.hasCTTS = true
		i := 0
		for _, e := range ctts.Entries {
			for k := uint32(0); k < e.SampleCount && i < n; k++ {
				samples[i].cto = int64(e.SampleOffset)
				i++
			}
		}
	}
	i := 0
	for chunk := range stco.Offsets {
		per := samplesPerChunk(stsc.Entries, uint32(chunk+1))
		off := int64(stco.Offsets[chunk])
		for k := uint32(0); k < per && i < n; k++ {
			samples[i].offset = off
			samples[i].chunk = chunk
			off += int64(samples[i].size)
			i++
		}
	}
	if i != n {
		return fmt.Errorf("%w: chunks hold %d of %d samples", ErrBadSampleTable, i, n)
	}
	if stss := box.Find[*box.SyncSampleBox](stbl, "stss"); stss != nil {
		for i := range samples {
			samples[i].sync = false
		}
		for _, num := range stss.SampleNumbers {
			if num >= 1 && int(num) <= n {
				samples[num-1].sync = true
			}
		}
	}
	t.samples = samples
	t.sample = 0
	return nil
}

func samplesPerChunk(entries []box.StscEntry, chunk uint32) (per uint32) {
	for _, e := range entries {
		if e.FirstChunk > chunk {
			break
		}
		per = e.SamplesPerChunk
	}
	return
}

// rescale converts v between two timescales without overflowing on large
// values.
func rescale(v int64, from, to uint32) int64 {
	if from == to || from == 0 {
		return v
	}
	q, r := v/int64(from), v%int64(from)
	return q*int64(to) + r*int64(to)/int64(from)
}

func toDuration(v int64, timescale uint32) time.Duration {
	if timescale == 0 {
		return 0
	}
	return time.Duration(rescale(v, timescale, uint32(time.Second/time.Microsecond))) * time.Microsecond
}

func fromDuration(d time.Duration, timescale uint32) int64 {
	return rescale(int64(d/time.Microsecond), uint32(time.Second/time.Microsecond), timescale)
}
