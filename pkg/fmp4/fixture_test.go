package fmp4

import (
	"log/slog"
	"os"
	"time"

	"m7s.live/atsc3/pkg/box"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

type trackDef struct {
	id        uint32
	handler   box.Type
	timescale uint32
	duration  uint64
	stbl      [][]byte
}

var (
	videoDef = trackDef{id: 1, handler: box.TypeVIDE, timescale: 1000}
	audioDef = trackDef{id: 2, handler: box.TypeSOUN, timescale: 1000}
)

func ftypBox() []byte {
	return box.Encode(&box.FileTypeBox{MajorBrand: box.Type([]byte("isom")), CompatibleBrands: []box.Type{box.Type([]byte("iso6"))}})
}

func trakBox(def trackDef) []byte {
	var minf [][]byte
	if len(def.stbl) > 0 {
		minf = append(minf, box.Container(box.TypeSTBL, def.stbl...))
	}
	return box.Container(box.TypeTRAK,
		box.Encode(&box.TrackHeaderBox{FullBox: box.FullBox{Flags: box.TKHD_FLAG_ENABLED}, TrackID: def.id, Duration: def.duration}),
		box.Container(box.TypeMDIA,
			box.Encode(&box.MediaHeaderBox{Timescale: def.timescale, Language: "und"}),
			box.Encode(&box.HandlerBox{HandlerType: def.handler, Name: "test"}),
			box.Container(box.TypeMINF, minf...),
		),
	)
}

// moovBox builds a moov in a 1000 Hz movie timescale. A nil mvex makes the
// file non-fragmented.
func moovBox(duration uint64, mvex []byte, tracks ...trackDef) []byte {
	children := [][]byte{box.Encode(&box.MovieHeaderBox{Timescale: 1000, Duration: duration, NextTrackID: uint32(len(tracks) + 1)})}
	for _, def := range tracks {
		children = append(children, trakBox(def))
	}
	if mvex != nil {
		children = append(children, mvex)
	}
	return box.Container(box.TypeMOOV, children...)
}

func mvexBox(mehd uint64, tracks ...trackDef) []byte {
	var children [][]byte
	if mehd > 0 {
		children = append(children, box.Encode(&box.MovieExtendsHeaderBox{FragmentDuration: mehd}))
	}
	for _, def := range tracks {
		children = append(children, box.Encode(&box.TrackExtendsBox{TrackID: def.id, DefaultSampleDescriptionIndex: 1}))
	}
	return box.Container(box.TypeMVEX, children...)
}

type trafDef struct {
	id    uint32
	start uint64
	n     int
	dur   uint32
	size  uint32
	tfdt  bool
	// sync marks the samples that are sync points; nil means all of them
	sync []bool
}

func sampleByte(id uint32, k int) byte {
	return byte(id)<<4 | byte(k&0x0f)
}

// fragment encodes moof+mdat with default-base-is-moof offsets.
func fragment(seq uint32, trafs ...trafDef) []byte {
	build := func(offsets []int32) []byte {
		children := [][]byte{box.Encode(&box.MovieFragmentHeaderBox{SequenceNumber: seq})}
		for i, tf := range trafs {
			flags := box.TR_FLAG_DATA_OFFSET | box.TR_FLAG_DATA_SAMPLE_DURATION | box.TR_FLAG_DATA_SAMPLE_SIZE
			if tf.sync != nil {
				flags |= box.TR_FLAG_DATA_SAMPLE_FLAGS
			}
			trun := &box.TrackRunBox{FullBox: box.FullBox{Flags: flags}, SampleCount: uint32(tf.n), DataOffset: offsets[i]}
			for k := 0; k < tf.n; k++ {
				s := box.TrunSample{Duration: tf.dur, Size: tf.size}
				if tf.sync != nil && !tf.sync[k] {
					s.Flags = box.MOV_FRAG_SAMPLE_FLAG_IS_NON_SYNC
				}
				trun.Samples = append(trun.Samples, s)
			}
			traf := [][]byte{box.Encode(&box.TrackFragmentHeaderBox{FullBox: box.FullBox{Flags: box.TF_FLAG_DEFAULT_BASE_IS_MOOF}, TrackID: tf.id})}
			if tf.tfdt {
				traf = append(traf, box.Encode(&box.TrackFragmentBaseMediaDecodeTimeBox{BaseMediaDecodeTime: tf.start}))
			}
			traf = append(traf, box.Encode(trun))
			children = append(children, box.Container(box.TypeTRAF, traf...))
		}
		return box.Container(box.TypeMOOF, children...)
	}
	offsets := make([]int32, len(trafs))
	off := int32(len(build(offsets)) + box.BasicBoxLen)
	var payload []byte
	for i, tf := range trafs {
		offsets[i] = off
		for k := 0; k < tf.n; k++ {
			for j := uint32(0); j < tf.size; j++ {
				payload = append(payload, sampleByte(tf.id, k))
			}
		}
		off += int32(tf.n) * int32(tf.size)
	}
	return append(build(offsets), box.Raw(box.TypeMDAT, payload)...)
}

type got struct {
	track uint32
	*Sample
}

type recorder struct {
	samples []got
	pcr     []time.Duration
	display []time.Duration
}

func (r *recorder) WriteSample(t *Track, s *Sample) {
	r.samples = append(r.samples, got{t.ID, s})
}

func (r *recorder) SetPCR(pcr time.Duration) {
	r.pcr = append(r.pcr, pcr)
}

func (r *recorder) SetNextDisplayTime(at time.Duration) {
	r.display = append(r.display, at)
}

func (r *recorder) track(id uint32) (out []*Sample) {
	for _, g := range r.samples {
		if g.track == id {
			out = append(out, g.Sample)
		}
	}
	return
}

func (r *recorder) reset() {
	r.samples, r.pcr, r.display = nil, nil, nil
}

func ms(v int) time.Duration {
	return time.Duration(v) * time.Millisecond
}
