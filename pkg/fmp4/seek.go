package fmp4

import (
	"fmt"
	"io"
	"sort"
	"time"

	"m7s.live/atsc3/pkg/box"
	"m7s.live/atsc3/pkg/util"
)

// probeIndex loads the mfra pointed to by a trailing mfro, if any.
func (d *Demuxer) probeIndex() error {
	if d.root.Get("mfra") != nil {
		return nil
	}
	pos := d.tell()
	defer d.seek(pos)
	size, err := d.r.Seek(0, io.SeekEnd)
	if err != nil {
		return err
	}
	if size < box.MfroLen {
		return nil
	}
	if err = d.seek(size - box.MfroLen); err != nil {
		return err
	}
	var mfro [box.MfroLen]byte
	if _, err = io.ReadFull(d.r, mfro[:]); err != nil {
		return err
	}
	if box.Type(mfro[4:8]) != box.TypeMFRO || util.ReadBE[uint32](mfro[:4]) != box.MfroLen {
		return nil
	}
	offset := int64(util.ReadBE[uint32](mfro[12:16]))
	if offset == 0 || size <= offset {
		return nil
	}
	if err = d.seek(size - offset); err != nil {
		return err
	}
	hdr, err := d.peekHeader()
	if err != nil || hdr.Type != box.TypeMFRA {
		return err
	}
	mfra, err := d.readBox(hdr)
	if err != nil {
		return err
	}
	mfra.Parent = d.root
	d.root.Children = append(d.root.Children, mfra)
	d.Debug("loaded random access index", "pos", hdr.Offset, "tfra", len(children(mfra, box.TypeTFRA)))
	return nil
}

// probeFragments walks the remaining top-level boxes. A forced or fast
// seekable walk reads every moof to build the fragments index; otherwise it
// stops at the first moof.
func (d *Demuxer) probeFragments(force bool) error {
	defer d.updateCumulated()
	if !d.Seekable || !(d.FastSeekable || force) {
		for {
			hdr, err := d.peekHeader()
			if err != nil {
				if endOfStream(err) {
					return nil
				}
				return err
			}
			if hdr.Type == box.TypeMOOF {
				d.Fragmented = true
				return nil
			}
			if hdr.Size == 0 {
				return nil
			}
			if err = d.seek(hdr.End()); err != nil {
				return err
			}
		}
	}

	var moofs []*box.Box
	for {
		hdr, err := d.peekHeader()
		if err != nil {
			if endOfStream(err) {
				break
			}
			return err
		}
		if hdr.Type == box.TypeMOOF || hdr.Type == box.TypeMFRA {
			b, err := d.readBox(hdr)
			if err != nil {
				return err
			}
			if hdr.Type == box.TypeMOOF {
				moofs = append(moofs, b)
			} else if d.root.Get("mfra") == nil {
				b.Parent = d.root
				d.root.Children = append(d.root.Children, b)
			}
			continue
		}
		if hdr.Size == 0 {
			break
		}
		if err = d.seek(hdr.End()); err != nil {
			return err
		}
	}
	d.fragmentsProbed = true
	if len(moofs) == 0 {
		return nil
	}
	d.Fragmented = true

	ids := make([]uint32, len(d.Tracks))
	for i, t := range d.Tracks {
		ids[i] = t.ID
	}
	idx := NewFragmentsIndex(ids, len(moofs))
	cur := make([]int64, len(d.Tracks)) // track timescale
	times := make([]int64, len(d.Tracks))
	for i, moof := range moofs {
		for j, t := range d.Tracks {
			if tfdt := d.trafTfdt(moof, t.ID); tfdt != nil {
				cur[j] = int64(tfdt.BaseMediaDecodeTime)
			} else if i == 0 {
				cur[j] = rescale(d.moovTrackDuration(t), d.Timescale, t.Timescale)
			}
			times[j] = rescale(cur[j], t.Timescale, d.Timescale)
			if dur, ok := d.moofTrackDuration(moof, t); ok {
				cur[j] += dur
			}
		}
		idx.Add(moof.Offset, times)
	}
	for j, t := range d.Tracks {
		idx.Ends[j] = rescale(cur[j], t.Timescale, d.Timescale)
		idx.LastTime = max(idx.LastTime, idx.Ends[j])
	}
	d.index = idx
	d.Debug("fragments index built", "index", idx)
	return nil
}

func (d *Demuxer) trafTfdt(moof *box.Box, trackID uint32) *box.TrackFragmentBaseMediaDecodeTimeBox {
	for _, traf := range children(moof, box.TypeTRAF) {
		if tfhd := box.Find[*box.TrackFragmentHeaderBox](traf, "tfhd"); tfhd != nil && tfhd.TrackID == trackID {
			return box.Find[*box.TrackFragmentBaseMediaDecodeTimeBox](traf, "tfdt")
		}
	}
	return nil
}

// updateCumulated derives the total duration when mvex carries no mehd.
func (d *Demuxer) updateCumulated() {
	if d.moov == nil || d.moov.Get("mvex/mehd") != nil {
		return
	}
	var longest int64
	for _, t := range d.Tracks {
		longest = max(longest, d.moovTrackDuration(t))
		if d.index != nil {
			longest = max(longest, d.index.TrackDuration(t.ID))
		}
	}
	d.cumulated = longest
}

func (d *Demuxer) sidxLookup(target time.Duration) (pos int64, at time.Duration, ok bool) {
	b := d.root.Get("sidx")
	if b == nil {
		return
	}
	sidx, _ := b.Data.(*box.SegmentIndexBox)
	if sidx == nil || sidx.Timescale == 0 {
		return
	}
	want := fromDuration(target, sidx.Timescale)
	pos = int64(sidx.FirstOffset) + b.Offset + int64(b.Size)
	var t int64
	for _, ref := range sidx.References {
		if t+int64(ref.SubsegmentDuration) > want {
			return pos, toDuration(t, sidx.Timescale), true
		}
		pos += int64(ref.ReferencedSize)
		t += int64(ref.SubsegmentDuration)
	}
	return 0, 0, false
}

// tfraLookup picks the last random access entry of the track at or before
// target.
func (d *Demuxer) tfraLookup(target time.Duration, t *Track) (pos int64, at time.Duration, ok bool) {
	mfra := d.root.Get("mfra")
	if mfra == nil {
		return
	}
	want := fromDuration(target, t.Timescale)
	for _, b := range children(mfra, box.TypeTFRA) {
		tfra, _ := b.Data.(*box.TrackFragmentRandomAccessBox)
		if tfra == nil || tfra.TrackID != t.ID || len(tfra.Entries) == 0 {
			continue
		}
		entries := tfra.Entries
		if int64(entries[0].Time) > want {
			return
		}
		i := sort.Search(len(entries), func(i int) bool { return int64(entries[i].Time) > want }) - 1
		return int64(entries[i].MoofOffset), toDuration(int64(entries[i].Time), t.Timescale), true
	}
	return
}

// seekTrack prefers a selected video track, then a selected audio track,
// then the first usable track.
func (d *Demuxer) seekTrack() (int, *Track) {
	for _, cat := range [...]Category{CategoryVideo, CategoryAudio} {
		for i, t := range d.Tracks {
			if t.OK && t.Selected && t.Category == cat {
				return i, t
			}
		}
	}
	for i, t := range d.Tracks {
		if t.OK {
			return i, t
		}
	}
	if len(d.Tracks) > 0 {
		return 0, d.Tracks[0]
	}
	return -1, nil
}

// trunSeekToTime positions the track on the sample covering target within
// the current fragment's runs.
func (t *Track) trunSeekToTime(target int64) {
	if !t.OK || len(t.runs) == 0 {
		return
	}
	run, sample := 0, uint32(0)
	pos, at := t.runs[0].Offset, t.runs[0].FirstDTS
	for r, rn := range t.runs {
		if r > 0 && rn.FirstDTS > target {
			break
		}
		run, sample, pos, at = r, 0, rn.Offset, rn.FirstDTS
		trun := rn.Trun
		dur, size := t.defaultDur, t.defaultSize
		for i := uint32(0); i < trun.SampleCount; i++ {
			s := trun.Sample(int(i))
			if trun.Has(box.TR_FLAG_DATA_SAMPLE_DURATION) {
				dur = s.Duration
			}
			if at+int64(dur) > target {
				break
			}
			if trun.Has(box.TR_FLAG_DATA_SAMPLE_SIZE) {
				size = s.Size
			}
			at += int64(dur)
			pos += int64(size)
			sample++
		}
	}
	t.current, t.trunSample, t.pos, t.time = run, sample, pos, at
}

// seekLoadFragment loads the moov or the moof found at the current position
// as the new fragment context.
func (d *Demuxer) seekLoadFragment(kind box.Type, segmentTime int64) error {
	atom := d.moov
	start := d.tell()
	if kind == box.TypeMOOF {
		hdr, err := d.peekHeader()
		if err != nil {
			return err
		}
		if hdr.Type != box.TypeMOOF {
			return fmt.Errorf("%w: %s at %d", ErrSeekFailed, string(hdr.Type[:]), hdr.Offset)
		}
		if atom, err = d.readBox(hdr); err != nil {
			return err
		}
	}
	d.resetContext()
	d.ctx.atom, d.ctx.kind, d.ctx.start = atom, kind, start
	if kind == box.TypeMOOF {
		d.prepareChunk(atom, nil, segmentTime, true)
		d.ctx.lastSeq = moofSequence(atom)
		d.nztime = d.tracksTime()
		d.pcr = NoTimestamp
	}
	d.Debug("seeked", "box", string(kind[:]), "pos", atom.Offset)
	return nil
}

// restore puts the stream back where a failed seek found it.
func (d *Demuxer) restore(pos int64) {
	d.broken = d.seek(pos) != nil
}

// SeekTime repositions the demuxer so the next samples start at or before
// target. With accurate set, the output is told which time to display from.
func (d *Demuxer) SeekTime(target time.Duration, accurate bool) error {
	if !d.initialized {
		return ErrNoMoov
	}
	if d.flat {
		return d.flatSeek(target, accurate)
	}
	return d.fragSeek(target, accurate)
}

// SeekPosition seeks to the fraction f of the total duration.
func (d *Demuxer) SeekPosition(f float64, accurate bool) error {
	length := d.Length()
	if !d.Seekable || d.Timescale == 0 || length <= 0 {
		return ErrSeekFailed
	}
	return d.SeekTime(time.Duration(f*float64(length)), accurate)
}

func (d *Demuxer) flatSeek(target time.Duration, accurate bool) error {
	if !d.Seekable {
		return ErrSeekFailed
	}
	start := target
	if _, st := d.seekTrack(); st != nil && !accurate {
		start = st.moovSeek(target)
	}
	for _, t := range d.Tracks {
		if t.OK {
			t.moovSeek(start)
		}
	}
	d.nztime = start
	d.pcr = NoTimestamp
	d.nextDisplayTime(accurate, target)
	d.Debug("seek", "target", target, "start", start)
	return nil
}

func (d *Demuxer) fragSeek(target time.Duration, accurate bool) error {
	if d.Timescale == 0 || max(d.duration, d.cumulated) <= 0 || !d.Seekable {
		return ErrSeekFailed
	}
	backup := d.tell()
	if !d.fragmentsProbed && !d.indexProbed {
		if err := d.probeIndex(); err != nil {
			d.Warn("random access index probe", "error", err)
		}
		d.indexProbed = true
	}
	col, st := d.seekTrack()
	if st == nil {
		return ErrNoTrack
	}

	pos := int64(-1)
	kind := box.TypeMOOF
	segmentTime := noSegmentTime
	sync := target
	iframesync := false
	if fromDuration(target, d.Timescale) < d.moovTrackDuration(st) {
		pos, kind = d.moov.Offset, box.TypeMOOV
	} else if p, at, ok := d.sidxLookup(target); ok {
		pos, sync = p, at
		segmentTime = fromDuration(at, d.Timescale)
		d.Debug("seeking to sidx moof", "pos", pos, "time", at)
	} else {
		if p, at, ok := d.tfraLookup(target, st); ok {
			pos, sync, iframesync = p, at, true
			d.Debug("seeking to sync point", "pos", pos, "time", at)
		} else if !d.fragmentsProbed && (d.FastSeekable || d.BuildIndexOnSeek) {
			err := d.seek(d.moov.End())
			if err == nil {
				err = d.probeFragments(true)
				d.fragmentsProbed = true
			}
			if err != nil {
				d.restore(backup)
				return fmt.Errorf("%w: %w", ErrSeekFailed, err)
			}
		}
		if pos < 0 && d.fragmentsProbed && d.index != nil {
			_, p, ok := d.index.Lookup(fromDuration(sync, d.Timescale), col)
			if !ok {
				d.restore(backup)
				return ErrSeekFailed
			}
			pos = p
			d.Debug("seeking to fragment index", "pos", pos)
		}
	}
	if pos < 0 {
		d.Warn("seek by index failed", "target", target)
		d.restore(backup)
		return ErrSeekFailed
	}
	if err := d.seek(pos); err != nil {
		d.Error("seek failed", "pos", pos, "error", err)
		d.restore(backup)
		return fmt.Errorf("%w: %w", ErrSeekFailed, err)
	}
	if err := d.seekLoadFragment(kind, segmentTime); err != nil {
		d.restore(backup)
		return fmt.Errorf("%w: %w", ErrSeekFailed, err)
	}
	d.pcr = NoTimestamp
	for _, t := range d.Tracks {
		switch {
		case kind == box.TypeMOOV:
			t.moovSeek(sync)
			d.nztime = sync
		case iframesync:
			t.trunSeekToTime(fromDuration(sync, t.Timescale))
			t.discont = true
		}
	}
	d.nextDisplayTime(iframesync && accurate, target)
	return nil
}

type displayTimer interface {
	SetNextDisplayTime(time.Duration)
}

func (d *Demuxer) nextDisplayTime(accurate bool, at time.Duration) {
	if !accurate {
		return
	}
	if dt, ok := d.Output.(displayTimer); ok {
		dt.SetNextDisplayTime(at)
	}
}
