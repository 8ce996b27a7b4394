package fmp4

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"m7s.live/atsc3/pkg/box"
)

// flatFile holds four 250ms samples per track: video of 5 bytes with sync
// samples 1 and 3, then audio of 3 bytes, each track in a single chunk.
func flatFile(withCTTS bool) []byte {
	tracks := func(videoAt, audioAt uint64) []trackDef {
		vstbl := [][]byte{
			box.Encode(&box.TimeToSampleBox{Entries: []box.SttsEntry{{SampleCount: 4, SampleDelta: 250}}}),
			box.Encode(&box.SampleToChunkBox{Entries: []box.StscEntry{{FirstChunk: 1, SamplesPerChunk: 4, SampleDescriptionIndex: 1}}}),
			box.Encode(&box.SampleSizeBox{SampleSize: 5, SampleCount: 4}),
			box.Encode(&box.ChunkOffsetBox{Offsets: []uint64{videoAt}}),
			box.Encode(&box.SyncSampleBox{SampleNumbers: []uint32{1, 3}}),
		}
		if withCTTS {
			vstbl = append(vstbl, box.Encode(&box.CompositionOffsetBox{Entries: []box.CttsEntry{{SampleCount: 4, SampleOffset: 500}}}))
		}
		astbl := [][]byte{
			box.Encode(&box.TimeToSampleBox{Entries: []box.SttsEntry{{SampleCount: 4, SampleDelta: 250}}}),
			box.Encode(&box.SampleToChunkBox{Entries: []box.StscEntry{{FirstChunk: 1, SamplesPerChunk: 4, SampleDescriptionIndex: 1}}}),
			box.Encode(&box.SampleSizeBox{SampleCount: 4, EntrySizes: []uint32{3, 3, 3, 3}}),
			box.Encode(&box.ChunkOffsetBox{Offsets: []uint64{audioAt}}),
		}
		v, a := videoDef, audioDef
		v.duration, v.stbl = 1000, vstbl
		a.duration, a.stbl = 1000, astbl
		return []trackDef{v, a}
	}
	head := append(ftypBox(), moovBox(1000, nil, tracks(0, 0)...)...)
	videoAt := uint64(len(head) + box.BasicBoxLen)
	head = append(ftypBox(), moovBox(1000, nil, tracks(videoAt, videoAt+20)...)...)
	var payload []byte
	for k := 0; k < 4; k++ {
		payload = append(payload, bytes.Repeat([]byte{sampleByte(1, k)}, 5)...)
	}
	for k := 0; k < 4; k++ {
		payload = append(payload, bytes.Repeat([]byte{sampleByte(2, k)}, 3)...)
	}
	return append(head, box.Raw(box.TypeMDAT, payload)...)
}

func TestFlatDemux(t *testing.T) {
	var out recorder
	d := NewDemuxer(bytes.NewReader(flatFile(false)), Options{Seekable: true}, &out, testLogger())
	if err := d.Init(); err != nil {
		t.Fatal(err)
	}
	if !d.flat || d.Fragmented {
		t.Fatalf("flat %v fragmented %v", d.flat, d.Fragmented)
	}
	demuxAll(t, d)

	video, audio := out.track(1), out.track(2)
	if len(video) != 4 || len(audio) != 4 {
		t.Fatalf("video %d audio %d", len(video), len(audio))
	}
	for i, s := range video {
		if s.DTS != ms(i*250) || s.PTS != NoTimestamp || s.Sync != (i%2 == 0) || !bytes.Equal(s.Data, bytes.Repeat([]byte{sampleByte(1, i)}, 5)) {
			t.Errorf("video %d: dts %v pts %v sync %v data %x", i, s.DTS, s.PTS, s.Sync, s.Data)
		}
	}
	for i, s := range audio {
		if s.DTS != ms(i*250) || s.PTS != s.DTS || !bytes.Equal(s.Data, bytes.Repeat([]byte{sampleByte(2, i)}, 3)) {
			t.Errorf("audio %d: dts %v pts %v data %x", i, s.DTS, s.PTS, s.Data)
		}
	}
	if fps := d.FPS(); fps != 4 {
		t.Errorf("fps %v", fps)
	}

	out.reset()
	if err := d.SeekTime(ms(600), false); err != nil {
		t.Fatal(err)
	}
	if d.Time() != ms(500) {
		t.Errorf("seek snapped to %v", d.Time())
	}
	demuxAll(t, d)
	if video = out.track(1); len(video) != 2 || video[0].DTS != ms(500) || !video[0].Sync {
		t.Errorf("video after seek %d", len(video))
	}
	if audio = out.track(2); len(audio) != 2 || audio[0].DTS != ms(500) {
		t.Errorf("audio after seek %d", len(audio))
	}
}

func TestFlatCompositionOffsets(t *testing.T) {
	var out recorder
	d := NewDemuxer(bytes.NewReader(flatFile(true)), Options{Seekable: true}, &out, testLogger())
	if err := d.Init(); err != nil {
		t.Fatal(err)
	}
	demuxAll(t, d)
	for i, s := range out.track(1) {
		if s.PTS != s.DTS+ms(500) {
			t.Errorf("video %d: pts %v dts %v", i, s.PTS, s.DTS)
		}
	}
}

func TestTruncatedMdat(t *testing.T) {
	data := flatFile(false)
	var out recorder
	d := NewDemuxer(bytes.NewReader(data[:len(data)-4]), Options{Seekable: true}, &out, testLogger())
	if err := d.Init(); err != nil {
		t.Fatal(err)
	}
	demuxAll(t, d)
	if len(out.track(1)) != 4 || len(out.track(2)) != 2 {
		t.Errorf("video %d audio %d", len(out.track(1)), len(out.track(2)))
	}
	if d.Tracks[1].OK {
		t.Error("audio track still usable after a short read")
	}
}

func TestInit(t *testing.T) {
	tests := []struct {
		name string
		data []byte
		err  error
	}{
		{"empty", nil, ErrNoMoov},
		{"no moov", append(ftypBox(), box.Raw(box.TypeFREE, make([]byte, 8))...), ErrNoMoov},
		{"no timescale", box.Container(box.TypeMOOV, box.Encode(&box.MovieHeaderBox{})), ErrBadMoov},
		{"no trak", moovBox(1000, nil), ErrBadMoov},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := NewDemuxer(bytes.NewReader(tt.data), Options{Seekable: true}, nil, testLogger())
			if err := d.Init(); !errors.Is(err, tt.err) {
				t.Errorf("got %v, want %v", err, tt.err)
			}
			if d.tell() != 0 {
				t.Errorf("left at %d", d.tell())
			}
			if st, err := d.Demux(); st != StatusSuccess || !errors.Is(err, ErrNoMoov) {
				t.Errorf("demux before init: %v %v", st, err)
			}
		})
	}

	t.Run("unknown handler", func(t *testing.T) {
		other := trackDef{id: 3, handler: box.Type([]byte("hint")), timescale: 1000}
		d := NewDemuxer(bytes.NewReader(moovBox(1000, mvexBox(0, videoDef), videoDef, other)), Options{}, nil, testLogger())
		if err := d.Init(); err != nil {
			t.Fatal(err)
		}
		if len(d.Tracks) != 2 || !d.Tracks[0].OK || d.Tracks[1].OK {
			t.Errorf("tracks %v", d.Tracks)
		}
		if d.Tracks[0].Category != CategoryVideo || d.Tracks[0].Language != "und" || !d.Tracks[0].Enabled {
			t.Errorf("video %+v", d.Tracks[0])
		}
	})
	t.Run("mehd", func(t *testing.T) {
		d := NewDemuxer(bytes.NewReader(moovBox(1000, mvexBox(8000, videoDef), videoDef)), Options{Seekable: true}, nil, testLogger())
		if err := d.Init(); err != nil {
			t.Fatal(err)
		}
		if !d.Fragmented || d.Length() != 8*time.Second {
			t.Errorf("fragmented %v length %v", d.Fragmented, d.Length())
		}
	})
}

func TestBuildSamples(t *testing.T) {
	stbl := func(children ...[]byte) *box.Box {
		b, err := box.Parse(box.Container(box.TypeSTBL, children...), 0)
		if err != nil {
			t.Fatal(err)
		}
		return b[0]
	}
	stts := box.Encode(&box.TimeToSampleBox{Entries: []box.SttsEntry{{SampleCount: 3, SampleDelta: 10}}})
	stsc := box.Encode(&box.SampleToChunkBox{Entries: []box.StscEntry{{FirstChunk: 1, SamplesPerChunk: 2, SampleDescriptionIndex: 1}, {FirstChunk: 2, SamplesPerChunk: 1, SampleDescriptionIndex: 1}}})
	stco := box.Encode(&box.ChunkOffsetBox{Offsets: []uint64{100, 500}})

	var tk Track
	if err := tk.buildSamples(stbl(stts, stsc, stco, box.Encode(&box.SampleSizeBox{SampleSize: 7, SampleCount: 3}))); err != nil {
		t.Fatal(err)
	}
	want := []moovSample{
		{dts: 0, duration: 10, size: 7, offset: 100, sync: true, chunk: 0},
		{dts: 10, duration: 10, size: 7, offset: 107, sync: true, chunk: 0},
		{dts: 20, duration: 10, size: 7, offset: 500, sync: true, chunk: 1},
	}
	for i, s := range tk.samples {
		if s != want[i] {
			t.Errorf("sample %d: %+v", i, s)
		}
	}
	if err := tk.buildSamples(stbl(stts, stsc, stco, box.Encode(&box.SampleSizeBox{SampleSize: 7, SampleCount: 4}))); !errors.Is(err, ErrBadSampleTable) {
		t.Errorf("stts shorter than stsz: %v", err)
	}
	if err := tk.buildSamples(stbl(stts, stsc, box.Encode(&box.SampleSizeBox{SampleSize: 7, SampleCount: 3}))); !errors.Is(err, ErrBadSampleTable) {
		t.Errorf("no chunk offsets: %v", err)
	}
}
