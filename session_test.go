package atsc3

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/Eyevinn/mp4ff/mp4"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"m7s.live/atsc3/pkg"
	"m7s.live/atsc3/pkg/fmp4"
	"m7s.live/atsc3/pkg/mmtp"
	"m7s.live/atsc3/pkg/task"
	"m7s.live/atsc3/pkg/util"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

type collected struct {
	mu      sync.Mutex
	samples []*fmp4.Sample
	pcr     time.Duration
}

func (c *collected) WriteSample(_ *fmp4.Track, s *fmp4.Sample) {
	c.mu.Lock()
	c.samples = append(c.samples, s)
	c.mu.Unlock()
}

func (c *collected) SetPCR(pcr time.Duration) {
	c.mu.Lock()
	c.pcr = pcr
	c.mu.Unlock()
}

const (
	samplesPerFragment = 4
	sampleSize         = 100
)

func initSegment(t *testing.T) []byte {
	init := mp4.CreateEmptyInit()
	init.AddEmptyTrack(1000, "audio", "und")
	var buf bytes.Buffer
	if err := init.Encode(&buf); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

// mediaFragment holds one second of audio starting at second seq-1.
func mediaFragment(t *testing.T, seq uint32) []byte {
	frag, err := mp4.CreateFragment(seq, 1)
	if err != nil {
		t.Fatal(err)
	}
	for k := 0; k < samplesPerFragment; k++ {
		frag.AddFullSample(mp4.FullSample{
			Data:       bytes.Repeat([]byte{byte(seq)<<4 | byte(k)}, sampleSize),
			DecodeTime: uint64(seq-1)*1000 + uint64(k)*250,
			Sample:     mp4.Sample{Flags: mp4.SyncSampleFlags, Dur: 250, Size: sampleSize},
		})
	}
	var buf bytes.Buffer
	if err = frag.Encode(&buf); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

type packetizer struct {
	packetID uint16
	counter  uint32
}

func (p *packetizer) packet(payloadType uint8, payload []byte) []byte {
	p.counter++
	h := mmtp.Header{PayloadType: payloadType, PacketID: p.packetID, SequenceNumber: p.counter, PacketCounter: p.counter}
	b, _ := h.MarshalBinary()
	return append(b, payload...)
}

func (p *packetizer) mpu(ft mmtp.FragmentType, ind mmtp.FragmentationIndicator, seq uint32, body []byte) []byte {
	b := util.AppendBE(nil, uint16(0), 2)
	b = append(b, byte(ft)<<4|byte(ind)<<1, 0)
	b = util.AppendBE(b, seq, 4)
	if ft == mmtp.FragmentMFU {
		b = util.AppendBE(b, uint32(1), 4)
		if ind == mmtp.IndicatorFirst {
			b = append(b, make([]byte, 6)...)
		}
	}
	b = append(b, body...)
	util.PutBE(b[0:2], uint16(len(b)-2))
	return p.packet(mmtp.PayloadTypeMPU, b)
}

// mfus splits data into non-timed MFU packets of at most n bytes.
func (p *packetizer) mfus(seq uint32, data []byte, n int) (out [][]byte) {
	if len(data) <= n {
		return [][]byte{p.mpu(mmtp.FragmentMFU, mmtp.IndicatorComplete, seq, data)}
	}
	for off := 0; off < len(data); off += n {
		ind := mmtp.IndicatorMiddle
		switch {
		case off == 0:
			ind = mmtp.IndicatorFirst
		case off+n >= len(data):
			ind = mmtp.IndicatorLast
		}
		out = append(out, p.mpu(mmtp.FragmentMFU, ind, seq, data[off:min(off+n, len(data))]))
	}
	return
}

func startSession(t *testing.T, conf Config, out fmp4.Output) *Session {
	t.Helper()
	s, err := NewSession(conf, out, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	if err = s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		s.Stop(task.ErrExit)
		s.WaitStopped()
	})
	return s
}

func TestSession(t *testing.T) {
	conf, err := DefaultConfig()
	if err != nil {
		t.Fatal(err)
	}
	var out collected
	s := startSession(t, conf, &out)
	p := &packetizer{packetID: conf.PacketID}
	other := &packetizer{packetID: conf.PacketID + 1}

	var packets [][]byte
	packets = append(packets, p.mfus(0, bytes.Repeat([]byte{0xee}, 200), 1000)...)
	packets = append(packets, p.mpu(mmtp.FragmentMPUMetadata, mmtp.IndicatorComplete, 1, initSegment(t)))
	packets = append(packets, make([]byte, 10), other.mpu(mmtp.FragmentMPUMetadata, mmtp.IndicatorComplete, 1, make([]byte, 64)))
	packets = append(packets, p.packet(mmtp.PayloadTypeSignalling, make([]byte, 40)))
	for seq := uint32(1); seq <= 3; seq++ {
		packets = append(packets, p.mfus(seq, mediaFragment(t, seq), 300)...)
	}
	for _, pkt := range packets {
		if err = s.HandleDatagram(pkt); err != nil {
			t.Fatal(err)
		}
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err = s.Finish(ctx); err != nil {
		t.Fatal(err)
	}
	if !s.Ready() {
		t.Fatal("container not initialised")
	}

	out.mu.Lock()
	samples := out.samples
	out.mu.Unlock()
	if len(samples) != 3*samplesPerFragment {
		t.Fatalf("%d samples", len(samples))
	}
	for i, sample := range samples {
		seq, k := i/samplesPerFragment+1, i%samplesPerFragment
		want := bytes.Repeat([]byte{byte(seq)<<4 | byte(k)}, sampleSize)
		if sample.DTS != time.Duration(i)*250*time.Millisecond || !bytes.Equal(sample.Data, want) {
			t.Errorf("sample %d at %v: %x", i, sample.DTS, sample.Data[:4])
		}
	}

	for reason, want := range map[string]uint64{dropSize: 1, dropPacketID: 1, dropMetadata: 1, dropQueueFull: 0} {
		if got := s.Dropped(reason); got != want {
			t.Errorf("dropped %s: %d, want %d", reason, got, want)
		}
	}
	if n := s.stats.skipped["signalling"].Load(); n != 1 {
		t.Errorf("skipped signalling %d", n)
	}
	if n := s.stats.mpus.Load(); n != 3 {
		t.Errorf("%d mpus", n)
	}
	if tracks := s.Tracks(); len(tracks) != 1 || tracks[0].Category != fmp4.CategoryAudio {
		t.Errorf("tracks %v", tracks)
	} else {
		ok := tracks[0].OK
		tracks[0].OK = !ok
		if s.Tracks()[0].OK != ok {
			t.Error("track copy shares state with the session")
		}
	}
	if s.CanSeek() || !errors.Is(s.SeekTime(time.Second, false), fmp4.ErrSeekFailed) {
		t.Error("live session seeks")
	}
	if _, err = s.TitleInfo(); !errors.Is(err, pkg.ErrUnsupported) {
		t.Errorf("title info: %v", err)
	}
	if n := testutil.CollectAndCount(s, "atsc3_samples_total"); n != 1 {
		t.Errorf("%d sample series", n)
	}
	if n := testutil.CollectAndCount(s, "atsc3_dropped_total"); n != len(dropReasons) {
		t.Errorf("%d drop series", n)
	}
}

func TestSessionQueueLimit(t *testing.T) {
	conf, err := DefaultConfig()
	if err != nil {
		t.Fatal(err)
	}
	conf.QueueLimit = 1
	s, err := NewSession(conf, nil, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	p := &packetizer{packetID: conf.PacketID}
	for seq := uint32(1); seq <= 2; seq++ {
		if err = s.HandleDatagram(p.mpu(mmtp.FragmentMPUMetadata, mmtp.IndicatorComplete, seq, make([]byte, 64))); err != nil {
			t.Fatal(err)
		}
	}
	if s.Dropped(dropQueueFull) != 1 || s.stats.mpus.Load() != 0 {
		t.Errorf("queue full %d, mpus %d", s.Dropped(dropQueueFull), s.stats.mpus.Load())
	}
}

func TestSessionStopsWithConsumer(t *testing.T) {
	conf, err := DefaultConfig()
	if err != nil {
		t.Fatal(err)
	}
	s := startSession(t, conf, nil)
	s.consumer.Stop(task.ErrExit)
	if err = s.WaitStopped(); !errors.Is(err, task.ErrExit) {
		t.Errorf("session stopped with %v", err)
	}
	p := &packetizer{packetID: conf.PacketID}
	if err = s.HandleDatagram(p.mpu(mmtp.FragmentMPUMetadata, mmtp.IndicatorComplete, 1, make([]byte, 64))); err != nil {
		t.Fatal(err)
	}
	if err = s.HandleDatagram(p.mpu(mmtp.FragmentMPUMetadata, mmtp.IndicatorComplete, 2, make([]byte, 64))); !errors.Is(err, pkg.ErrClosed) {
		t.Errorf("datagram after stop: %v", err)
	}
}

func TestSessionKeepsUnitsBeforeTrailer(t *testing.T) {
	conf, err := DefaultConfig()
	if err != nil {
		t.Fatal(err)
	}
	s, err := NewSession(conf, nil, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	b := util.AppendBE(nil, uint16(0), 2)
	b = append(b, byte(mmtp.FragmentMPUMetadata)<<4|0x01, 0)
	b = util.AppendBE(b, uint32(1), 4)
	for _, v := range []byte{0xaa, 0xbb} {
		b = util.AppendBE(b, uint16(16), 2)
		b = append(b, bytes.Repeat([]byte{v}, 16)...)
	}
	b = append(b, 0)
	util.PutBE(b[0:2], uint16(len(b)-2))

	p := &packetizer{packetID: conf.PacketID}
	if err = s.HandleDatagram(p.packet(mmtp.PayloadTypeMPU, b)); err != nil {
		t.Fatal(err)
	}
	if n := s.reassembler.Pending(); n != 32 {
		t.Errorf("%d bytes pending", n)
	}
	if n := s.stats.mfus.Load(); n != 2 {
		t.Errorf("%d units", n)
	}
	if n := s.Dropped(dropPayload); n != 1 {
		t.Errorf("payload drops %d", n)
	}
}
