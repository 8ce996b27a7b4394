package fmp4

import (
	"math"
	"time"

	"m7s.live/atsc3/pkg/box"
	"m7s.live/atsc3/pkg/util"
)

// noSegmentTime marks an unknown segment time.
const noSegmentTime int64 = math.MinInt64

func moofSequence(moof *box.Box) uint32 {
	if mfhd := box.Find[*box.MovieFragmentHeaderBox](moof, "mfhd"); mfhd != nil {
		return mfhd.SequenceNumber
	}
	return 0
}

func children(b *box.Box, typ box.Type) (out []*box.Box) {
	for _, c := range b.Children {
		if c.Type == typ {
			out = append(out, c)
		}
	}
	return
}

// sampleDefaults resolves per-sample defaults from tfhd; zero values fall
// back to trex.
func sampleDefaults(tfhd *box.TrackFragmentHeaderBox, trex *box.TrackExtendsBox) (size, duration, flags uint32) {
	if tfhd.Has(box.TF_FLAG_DEFAULT_SAMPLE_SIZE_PRESENT) {
		size = tfhd.DefaultSampleSize
	}
	if tfhd.Has(box.TF_FLAG_DEFAULT_SAMPLE_DURATION_PRESENT) {
		duration = tfhd.DefaultSampleDuration
	}
	if tfhd.Has(box.TF_FLAG_DEFAULT_SAMPLE_FLAGS_PRESENT) {
		flags = tfhd.DefaultSampleFlags
	} else if trex != nil {
		flags = trex.DefaultSampleFlags
	}
	if trex != nil {
		size = util.Conditional(size == 0, trex.DefaultSampleSize, size)
		duration = util.Conditional(duration == 0, trex.DefaultSampleDuration, duration)
	}
	return
}

// trunSpan returns the total duration and byte size of a trun.
func trunSpan(trun *box.TrackRunBox, defaultDuration, defaultSize uint32) (duration, size int64) {
	if trun.Has(box.TR_FLAG_DATA_SAMPLE_DURATION) {
		for _, s := range trun.Samples {
			duration += int64(s.Duration)
		}
	} else {
		duration = int64(trun.SampleCount) * int64(defaultDuration)
	}
	if trun.Has(box.TR_FLAG_DATA_SAMPLE_SIZE) {
		for _, s := range trun.Samples {
			size += int64(s.Size)
		}
	} else {
		size = int64(trun.SampleCount) * int64(defaultSize)
	}
	return
}

// moovTrackDuration is the duration, in movie timescale, covered by the
// track's own sample tables.
func (d *Demuxer) moovTrackDuration(t *Track) int64 {
	if t.trak == nil {
		return 0
	}
	stsz := box.Find[*box.SampleSizeBox](t.trak, "mdia/minf/stbl/stsz")
	tkhd := box.Find[*box.TrackHeaderBox](t.trak, "tkhd")
	if stsz == nil || stsz.SampleCount == 0 || tkhd == nil {
		return 0
	}
	return min(int64(tkhd.Duration), d.moovDuration)
}

// moofTrackDuration sums the trun durations of the track's traf in moof.
func (d *Demuxer) moofTrackDuration(moof *box.Box, t *Track) (int64, bool) {
	for _, traf := range children(moof, box.TypeTRAF) {
		tfhd := box.Find[*box.TrackFragmentHeaderBox](traf, "tfhd")
		truns := children(traf, box.TypeTRUN)
		if tfhd == nil || len(truns) == 0 || tfhd.TrackID != t.ID {
			continue
		}
		_, duration, _ := sampleDefaults(tfhd, t.trex)
		var total int64
		for _, b := range truns {
			if trun, ok := b.Data.(*box.TrackRunBox); ok {
				dur, _ := trunSpan(trun, duration, 0)
				total += dur
			}
		}
		return total, true
	}
	return 0, false
}

// createTrunIndex rebuilds every track's runs from moof.
func (d *Demuxer) createTrunIndex(moof *box.Box, sidx *box.SegmentIndexBox, moofTime int64) {
	moofEnd := moof.Offset + int64(moof.Size)
	var prevTrafEnd int64
	trafIndex := 0
	for _, t := range d.Tracks {
		t.clearRuns()
	}
	for _, traf := range children(moof, box.TypeTRAF) {
		tfhd := box.Find[*box.TrackFragmentHeaderBox](traf, "tfhd")
		truns := children(traf, box.TypeTRUN)
		if tfhd == nil || len(truns) == 0 {
			continue
		}
		t := d.trackByID(tfhd.TrackID)
		if t == nil {
			continue
		}
		t.defaultSize, t.defaultDur, t.defaultFlag = sampleDefaults(tfhd, t.trex)
		start := t.time
		if t.resync {
			t.resync = false
			start = d.trafStartTime(t, moof, traf, sidx, moofTime)
		}

		var base int64
		switch {
		case tfhd.Has(box.TF_FLAG_BASE_DATA_OFFSET):
			base = int64(tfhd.BaseDataOffset)
		case tfhd.Has(box.TF_FLAG_DEFAULT_BASE_IS_MOOF), trafIndex == 0:
			base = moof.Offset
		default:
			base = prevTrafEnd
		}

		dts, off := start, base
		var size int64
		for _, b := range truns {
			trun, ok := b.Data.(*box.TrackRunBox)
			if !ok {
				continue
			}
			if trun.Has(box.TR_FLAG_DATA_OFFSET) {
				do := int64(trun.DataOffset)
				switch {
				case !tfhd.Has(box.TF_FLAG_BASE_DATA_OFFSET) && trafIndex == 0 && base+do < moofEnd+box.BasicBoxLen:
					// offset written relative to tfhd instead of moof
					off += int64(moof.Size) + box.BasicBoxLen
				case tfhd.Has(box.TF_FLAG_BASE_DATA_OFFSET):
					off = int64(tfhd.BaseDataOffset) + do
				case tfhd.Has(box.TF_FLAG_DEFAULT_BASE_IS_MOOF):
					off = moof.Offset + do
				default:
					off += do
				}
			} else {
				off += size
			}
			t.runs = append(t.runs, Run{FirstDTS: dts, Offset: off, Trun: trun})
			d.trace("run", "track", t.ID, "run", len(t.runs)-1, "firstdts", toDuration(dts, t.Timescale), "offset", off)
			var dur int64
			dur, size = trunSpan(trun, t.defaultDur, t.defaultSize)
			dts += dur
			prevTrafEnd = off + size
		}
		trafIndex++
	}
}

// trafStartTime picks the first authoritative base decode time for traf.
func (d *Demuxer) trafStartTime(t *Track, moof, traf *box.Box, sidx *box.SegmentIndexBox, moofTime int64) int64 {
	if tfdt := box.Find[*box.TrackFragmentBaseMediaDecodeTimeBox](traf, "tfdt"); tfdt != nil {
		return int64(tfdt.BaseMediaDecodeTime)
	}
	if len(d.Tracks) == 1 {
		for _, u := range children(traf, box.TypeUUID) {
			if tfxd, ok := u.Data.(*box.TfxdBox); ok {
				return int64(tfxd.AbsoluteTime)
			}
		}
	}
	if d.index != nil {
		if start, ok := d.index.StartTime(moof.Offset, t.ID); ok {
			return rescale(start, d.Timescale, t.Timescale)
		}
	}
	if sidx != nil && sidx.Timescale != 0 && len(sidx.References) == 1 {
		return rescale(int64(sidx.EarliestPresentationTime), sidx.Timescale, t.Timescale)
	}
	if moofSequence(moof) == 1 {
		return rescale(d.moovTrackDuration(t), d.Timescale, t.Timescale)
	}
	if moofTime != noSegmentTime {
		return rescale(moofTime, d.Timescale, t.Timescale)
	}
	return fromDuration(d.nztime, t.Timescale)
}

// prepareChunk indexes moof and rewinds every track to its first run.
func (d *Demuxer) prepareChunk(moof *box.Box, sidx *box.SegmentIndexBox, moofTime int64, discontinuity bool) {
	if discontinuity {
		for _, t := range d.Tracks {
			t.resync = true
		}
	}
	d.createTrunIndex(moof, sidx, moofTime)
	for _, t := range d.Tracks {
		if len(t.runs) > 0 {
			t.pos = t.runs[0].Offset
			t.trunSample = 0
			t.time = t.runs[0].FirstDTS
		}
	}
}

// tracksTime is the earliest decode time among tracks holding runs.
func (d *Demuxer) tracksTime() time.Duration {
	earliest := time.Duration(math.MaxInt64)
	for _, t := range d.Tracks {
		if len(t.runs) > 0 {
			earliest = min(earliest, t.Time())
		}
	}
	if earliest == math.MaxInt64 {
		return d.nztime
	}
	return earliest
}
