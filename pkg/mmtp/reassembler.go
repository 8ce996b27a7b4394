package mmtp

import (
	"context"
	"log/slog"
	"net"

	"m7s.live/atsc3/pkg/task"
	"m7s.live/atsc3/pkg/util"
)

const DefaultPacketID = 35

type Phase uint8

const (
	PhaseIdle Phase = iota
	PhaseAccumulating
)

func (p Phase) String() string {
	if p == PhaseAccumulating {
		return "accumulating"
	}
	return "idle"
}

// State is the reassembly state; Last is meaningful only while accumulating.
type State struct {
	Phase Phase
	Last  uint32
}

type DropReason string

const (
	DropNone       DropReason = ""
	DropPacketID   DropReason = "packet_id"
	DropNoMetadata DropReason = "no_metadata"
)

// Action describes the side effects of one transition.
type Action struct {
	Drop    DropReason
	Flush   bool
	Append  bool
	Restart bool
}

// RestartDistance is how far behind the current sequence an MPU metadata
// fragment must be to count as a stream restart rather than reordering.
const RestartDistance = 64

// SeqAfter reports whether a follows b in 32-bit serial number arithmetic.
func SeqAfter(a, b uint32) bool {
	return int32(a-b) > 0
}

func nextState(s State, u *DataUnit, restartOnMetadata bool) (State, Action) {
	if s.Phase == PhaseIdle {
		if u.FragmentType != FragmentMPUMetadata {
			return s, Action{Drop: DropNoMetadata}
		}
		return State{Phase: PhaseAccumulating, Last: u.MPUSequence}, Action{Flush: true, Append: true}
	}
	switch {
	case SeqAfter(u.MPUSequence, s.Last):
		return State{Phase: PhaseAccumulating, Last: u.MPUSequence}, Action{Flush: true, Append: true}
	case restartOnMetadata && u.FragmentType == FragmentMPUMetadata && SeqAfter(s.Last, u.MPUSequence) && s.Last-u.MPUSequence > RestartDistance:
		return State{Phase: PhaseAccumulating, Last: u.MPUSequence}, Action{Flush: true, Append: true, Restart: true}
	}
	return s, Action{Append: true}
}

// MPU is one reassembled media processing unit.
type MPU struct {
	Sequence uint32
	Counter  uint64
	Init     bool
	Data     []byte
}

type MPUWriter interface {
	WriteMPU(*MPU) error
}

// Counters numbers MPUs per session and MFUs within the current MPU.
type Counters struct {
	MPU uint64
	MFU uint64
}

type Reassembler struct {
	PacketID          uint16
	RestartOnMetadata bool
	Sink              FragmentSink
	*slog.Logger
	out         MPUWriter
	state       State
	pending     net.Buffers
	pendingSize int
	flushed     bool
	counters    Counters
}

func NewReassembler(packetID uint16, out MPUWriter, logger *slog.Logger) *Reassembler {
	return &Reassembler{
		PacketID:          packetID,
		RestartOnMetadata: true,
		Logger:            logger,
		out:               out,
	}
}

func (r *Reassembler) State() State {
	return r.state
}

func (r *Reassembler) Counters() Counters {
	return r.counters
}

func (r *Reassembler) Pending() int {
	return r.pendingSize
}

// Push feeds one data unit through the state machine.
// A non-nil error comes from the downstream writer; the unit itself was accepted.
func (r *Reassembler) Push(u *DataUnit) (act Action, err error) {
	if u.PacketID != r.PacketID {
		return Action{Drop: DropPacketID}, nil
	}
	next, act := nextState(r.state, u, r.RestartOnMetadata)
	if act.Drop != DropNone {
		r.Log(context.Background(), task.TraceLevel, "drop unit", "reason", act.Drop, "seq", u.MPUSequence, "type", u.FragmentType)
		return
	}
	if act.Restart {
		r.Info("mpu sequence restart", "last", r.state.Last, "seq", u.MPUSequence)
	}
	if act.Flush {
		err = r.flush()
	}
	r.state = next
	if act.Append {
		r.append(u)
	}
	return
}

// Close emits the pending MPU, if any, and returns to idle.
func (r *Reassembler) Close() error {
	err := r.flush()
	r.state = State{}
	return err
}

func (r *Reassembler) append(u *DataUnit) {
	if len(u.Payload) == 0 {
		return
	}
	r.pending = append(r.pending, append([]byte(nil), u.Payload...))
	r.pendingSize += len(u.Payload)
	r.counters.MFU++
	if r.Sink != nil {
		if err := r.Sink.WriteMFU(r.counters, u); err != nil {
			r.Warn("fragment sink", "error", err)
		}
	}
}

func (r *Reassembler) flush() error {
	if r.pendingSize == 0 {
		r.pending = nil
		return nil
	}
	mpu := &MPU{
		Sequence: r.state.Last,
		Counter:  r.counters.MPU,
		Init:     !r.flushed,
		Data:     util.ConcatBuffers(r.pending),
	}
	r.pending, r.pendingSize = nil, 0
	r.flushed = true
	r.Debug("mpu complete", "seq", mpu.Sequence, "counter", mpu.Counter, "size", len(mpu.Data), "mfus", r.counters.MFU, "init", mpu.Init)
	if r.Sink != nil {
		if err := r.Sink.WriteMPU(r.counters, mpu); err != nil {
			r.Warn("fragment sink", "error", err)
		}
	}
	r.counters.MPU++
	r.counters.MFU = 0
	return r.out.WriteMPU(mpu)
}
