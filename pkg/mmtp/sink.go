package mmtp

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/Eyevinn/mp4ff/mp4"

	"m7s.live/atsc3/pkg/task"
)

// FragmentSink observes reassembly without taking part in it.
type FragmentSink interface {
	WriteMFU(Counters, *DataUnit) error
	WriteMPU(Counters, *MPU) error
}

// FileSink dumps every MFU payload and every gathered MPU under Dir.
type FileSink struct {
	Dir string
}

func NewFileSink(dir string) (*FileSink, error) {
	for _, sub := range [...]string{"mfu", "mpu"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return nil, err
		}
	}
	return &FileSink{Dir: dir}, nil
}

func (s *FileSink) MFUPath(c Counters) string {
	return filepath.Join(s.Dir, "mfu", fmt.Sprintf("%d-%d", c.MPU, c.MFU))
}

func (s *FileSink) MPUPath(c Counters, m *MPU) string {
	return filepath.Join(s.Dir, "mpu", fmt.Sprintf("%d-%d.mp4", c.MPU, m.Sequence))
}

func (s *FileSink) WriteMFU(c Counters, u *DataUnit) error {
	return os.WriteFile(s.MFUPath(c), u.Payload, 0o644)
}

func (s *FileSink) WriteMPU(c Counters, m *MPU) error {
	return os.WriteFile(s.MPUPath(c, m), m.Data, 0o644)
}

// InspectSink decodes each MPU as ISOBMFF and logs its top-level layout.
type InspectSink struct {
	*slog.Logger
}

func (s InspectSink) WriteMFU(Counters, *DataUnit) error {
	return nil
}

func (s InspectSink) WriteMPU(c Counters, m *MPU) error {
	f, err := mp4.DecodeFile(bytes.NewReader(m.Data))
	if err != nil {
		return fmt.Errorf("decode mpu %d: %w", m.Sequence, err)
	}
	attrs := make([]any, 0, len(f.Children)*2+4)
	attrs = append(attrs, "counter", c.MPU, "seq", m.Sequence)
	for _, b := range f.Children {
		attrs = append(attrs, b.Type(), b.Size())
	}
	s.Log(context.Background(), task.TraceLevel, "mpu layout", attrs...)
	return nil
}

type MultiSink []FragmentSink

func (m MultiSink) WriteMFU(c Counters, u *DataUnit) error {
	var errs []error
	for _, s := range m {
		errs = append(errs, s.WriteMFU(c, u))
	}
	return errors.Join(errs...)
}

func (m MultiSink) WriteMPU(c Counters, mpu *MPU) error {
	var errs []error
	for _, s := range m {
		errs = append(errs, s.WriteMPU(c, mpu))
	}
	return errors.Join(errs...)
}
