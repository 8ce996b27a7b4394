package atsc3

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"m7s.live/atsc3/pkg"
	"m7s.live/atsc3/pkg/box"
	"m7s.live/atsc3/pkg/fmp4"
	"m7s.live/atsc3/pkg/mmtp"
	"m7s.live/atsc3/pkg/task"
	"m7s.live/atsc3/pkg/util"
)

// Session reassembles one MMTP asset and demuxes it as it arrives.
// HandleDatagram runs on the ingest goroutine; the container engine runs on
// the consumer task. Both meet only at the bridge.
type Session struct {
	task.Job
	ID     string
	Config Config
	Output fmp4.Output

	reassembler *mmtp.Reassembler
	bridge      *mmtp.Bridge
	consumer    mmtp.Consumer
	live        guarded
	stats       stats
	desc        prometheusDesc
}

// guarded serialises the consumer's container calls with control queries.
type guarded struct {
	sync.Mutex
	*fmp4.Live
}

func (g *guarded) Append(b []byte) error {
	g.Lock()
	defer g.Unlock()
	return g.Live.Append(b)
}

func (g *guarded) Init() error {
	g.Lock()
	defer g.Unlock()
	return g.Live.Init()
}

func (g *guarded) Demux() error {
	g.Lock()
	defer g.Unlock()
	return g.Live.Demux()
}

func NewSession(conf Config, out fmp4.Output, logger *slog.Logger) (*Session, error) {
	s := &Session{ID: uuid.NewString(), Config: conf, Output: out}
	if conf.LogLevel != "" {
		handler := &pkg.MultiLogHandler{}
		handler.Add(logger.Handler())
		handler.SetLevel(pkg.ParseLevel(conf.LogLevel))
		logger = slog.New(handler)
	}
	s.Logger = logger.With("session", s.ID, "packetId", conf.PacketID)
	s.stats.init()
	s.desc.init(s.ID)
	s.bridge = mmtp.NewBridge(conf.QueueLimit)
	s.reassembler = mmtp.NewReassembler(conf.PacketID, s, s.With("component", "reassembler"))
	s.reassembler.RestartOnMetadata = conf.RestartOnMetadata
	var sinks mmtp.MultiSink
	if conf.DumpDir != "" {
		sink, err := mmtp.NewFileSink(conf.DumpDir)
		if err != nil {
			return nil, fmt.Errorf("dump dir: %w", err)
		}
		sinks = append(sinks, sink)
	}
	if conf.Inspect {
		sinks = append(sinks, mmtp.InspectSink{Logger: s.reassembler.Logger})
	}
	if len(sinks) > 0 {
		s.reassembler.Sink = sinks
	}
	s.live.Live = fmp4.NewLive(conf.options(), (*sessionOutput)(s), s.With("component", "demuxer"))
	s.consumer.Bridge = s.bridge
	s.consumer.Container = &s.live
	return s, nil
}

// Start launches the consumer task. The session stops with it.
func (s *Session) Start(ctx context.Context) error {
	s.Init(ctx, s.Logger)
	s.consumer.OnDispose(func() {
		s.Stop(s.consumer.StopReason())
	})
	if err := s.AddTask(&s.consumer, s.With("component", "consumer")).WaitStarted(); err != nil {
		return err
	}
	s.Info("session started", "queueLimit", s.Config.QueueLimit)
	return nil
}

// HandleDatagram runs one demux cycle for a single datagram. Malformed
// packets and units of other assets are counted and dropped; the only error
// returned is a closed bridge.
func (s *Session) HandleDatagram(b []byte) error {
	s.stats.packets.Add(1)
	if len(b) < s.Config.MinPacketSize || len(b) > s.Config.MaxPacketSize {
		s.drop(dropSize)
		return nil
	}
	var h mmtp.Header
	c := util.NewCursor(b)
	if _, err := h.Unmarshal(c); err != nil {
		if errors.Is(err, mmtp.ErrUnsupportedVersion) {
			s.drop(dropVersion)
		} else {
			s.drop(dropHeader)
		}
		s.Trace("bad header", "error", err, "size", len(b))
		return nil
	}
	if h.PayloadType != mmtp.PayloadTypeMPU {
		s.stats.skip(h.PayloadType)
		return nil
	}
	if h.PacketID != s.Config.PacketID {
		s.drop(dropPacketID)
		return nil
	}
	_, units, perr := mmtp.ParseMPU(h.PacketID, c)
	for i := range units {
		s.stats.mfus.Add(1)
		act, err := s.reassembler.Push(&units[i])
		if act.Drop != mmtp.DropNone {
			s.drop(string(act.Drop))
		}
		if err == nil {
			continue
		}
		if !errors.Is(err, pkg.ErrQueueFull) {
			return err
		}
		s.drop(dropQueueFull)
		s.Warn("mpu dropped", "error", err)
	}
	// units decoded ahead of a malformed tail are kept
	if perr != nil {
		s.drop(dropPayload)
		s.Trace("bad mpu payload", "error", perr, "seq", h.SequenceNumber, "units", len(units))
	}
	return nil
}

func (s *Session) Trace(msg string, fields ...any) {
	s.Log(context.Background(), task.TraceLevel, msg, fields...)
}

// WriteMPU is the reassembler's output.
func (s *Session) WriteMPU(m *mmtp.MPU) error {
	if err := s.bridge.WriteMPU(m); err != nil {
		return err
	}
	s.stats.mpus.Add(1)
	s.stats.mpuBytes.Add(uint64(len(m.Data)))
	return nil
}

// Flush hands the MPU still being accumulated to the demuxer.
func (s *Session) Flush() error {
	err := s.reassembler.Close()
	if errors.Is(err, pkg.ErrQueueFull) {
		s.drop(dropQueueFull)
	}
	return err
}

// Finish flushes the pending MPU and waits until the demuxer has consumed
// everything queued so far.
func (s *Session) Finish(ctx context.Context) error {
	if err := s.Flush(); err != nil && !errors.Is(err, pkg.ErrQueueFull) {
		return err
	}
	tick := time.NewTicker(10 * time.Millisecond)
	defer tick.Stop()
	for s.consumer.Handled() < s.bridge.Written() {
		select {
		case <-ctx.Done():
			return context.Cause(ctx)
		case <-s.Done():
			return s.StopReason()
		case <-tick.C:
		}
	}
	return nil
}

// Ready reports whether the container engine has parsed the moov.
func (s *Session) Ready() bool {
	return s.consumer.Ready()
}

// Tracks returns copies taken under the container lock.
func (s *Session) Tracks() []fmp4.Track {
	s.live.Lock()
	defer s.live.Unlock()
	tracks := make([]fmp4.Track, len(s.live.Demuxer.Tracks))
	for i, t := range s.live.Demuxer.Tracks {
		tracks[i] = t.Snapshot()
	}
	return tracks
}

func (s *Session) CanSeek() bool {
	return false
}

func (s *Session) SeekTime(time.Duration, bool) error {
	return fmt.Errorf("%w: live mmtp session", fmp4.ErrSeekFailed)
}

func (s *Session) SeekPosition(float64, bool) error {
	return fmt.Errorf("%w: live mmtp session", fmp4.ErrSeekFailed)
}

func (s *Session) Time() time.Duration {
	s.live.Lock()
	defer s.live.Unlock()
	return s.live.Demuxer.Time()
}

func (s *Session) Length() time.Duration {
	s.live.Lock()
	defer s.live.Unlock()
	return s.live.Demuxer.Length()
}

func (s *Session) Position() float64 {
	s.live.Lock()
	defer s.live.Unlock()
	return s.live.Demuxer.Position()
}

func (s *Session) PCR() time.Duration {
	s.live.Lock()
	defer s.live.Unlock()
	return s.live.Demuxer.PCR()
}

func (s *Session) Attachments() ([]*box.Box, error) {
	return s.live.Demuxer.Attachments()
}

func (s *Session) TitleInfo() ([]string, error) {
	return s.live.Demuxer.TitleInfo()
}

// sessionOutput counts samples before passing them on. It is only called
// from the demuxer, under the container lock.
type sessionOutput Session

func (o *sessionOutput) WriteSample(t *fmp4.Track, sample *fmp4.Sample) {
	o.stats.sample(t)
	if o.Output != nil {
		o.Output.WriteSample(t, sample)
	}
}

func (o *sessionOutput) SetPCR(pcr time.Duration) {
	if o.Output != nil {
		o.Output.SetPCR(pcr)
	}
}

func (o *sessionOutput) SetNextDisplayTime(at time.Duration) {
	if d, ok := o.Output.(interface{ SetNextDisplayTime(time.Duration) }); ok {
		d.SetNextDisplayTime(at)
	}
}
