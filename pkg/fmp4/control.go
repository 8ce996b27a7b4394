package fmp4

import (
	"time"

	"m7s.live/atsc3/pkg"
	"m7s.live/atsc3/pkg/box"
)

func (d *Demuxer) CanSeek() bool {
	return d.Seekable
}

// Length is the larger of the declared and the probed duration.
func (d *Demuxer) Length() time.Duration {
	if d.Timescale == 0 {
		return 0
	}
	return toDuration(max(d.duration, d.cumulated), d.Timescale)
}

// Time is the current demux time.
func (d *Demuxer) Time() time.Duration {
	if d.Timescale == 0 {
		return 0
	}
	return d.nztime
}

// PCR returns the last clock reference sent to the output.
func (d *Demuxer) PCR() time.Duration {
	return d.pcr
}

// Position is the demux time as a fraction of Length.
func (d *Demuxer) Position() float64 {
	length := d.Length()
	if length <= 0 {
		return 0
	}
	return float64(d.nztime) / float64(length)
}

// FPS estimates the frame rate of the first video track from its sample
// tables, or from the default sample duration of its fragments.
func (d *Demuxer) FPS() float64 {
	for _, t := range d.Tracks {
		if !t.OK || t.Category != CategoryVideo {
			continue
		}
		if n := len(t.samples); n > 0 {
			last := t.samples[n-1]
			if span := toDuration(last.dts+int64(last.duration), t.Timescale); span > 0 {
				return float64(n) / span.Seconds()
			}
		}
		dur := t.defaultDur
		if dur == 0 && t.trex != nil {
			dur = t.trex.DefaultSampleDuration
		}
		if dur > 0 {
			return float64(t.Timescale) / float64(dur)
		}
	}
	return 0
}

func (d *Demuxer) Attachments() ([]*box.Box, error) {
	return nil, pkg.ErrUnsupported
}

func (d *Demuxer) TitleInfo() ([]string, error) {
	return nil, pkg.ErrUnsupported
}
