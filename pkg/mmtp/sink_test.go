package mmtp

import (
	"bytes"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/Eyevinn/mp4ff/mp4"

	"m7s.live/atsc3/pkg/task"
)

func TestFileSink(t *testing.T) {
	dir := t.TempDir()
	s, err := NewFileSink(dir)
	if err != nil {
		t.Fatal(err)
	}
	c := Counters{MPU: 3, MFU: 7}
	if err = s.WriteMFU(c, &DataUnit{Payload: []byte("mfu")}); err != nil {
		t.Fatal(err)
	}
	if err = s.WriteMPU(c, &MPU{Sequence: 42, Data: []byte("mpu")}); err != nil {
		t.Fatal(err)
	}
	for path, want := range map[string]string{
		filepath.Join(dir, "mfu", "3-7"):     "mfu",
		filepath.Join(dir, "mpu", "3-42.mp4"): "mpu",
	} {
		b, err := os.ReadFile(path)
		if err != nil || string(b) != want {
			t.Errorf("%s: %q %v", path, b, err)
		}
	}
}

func TestInspectSink(t *testing.T) {
	init := mp4.CreateEmptyInit()
	init.AddEmptyTrack(1000, "audio", "und")
	var data bytes.Buffer
	if err := init.Encode(&data); err != nil {
		t.Fatal(err)
	}
	var log bytes.Buffer
	s := InspectSink{slog.New(slog.NewTextHandler(&log, &slog.HandlerOptions{Level: task.TraceLevel}))}
	if err := s.WriteMPU(Counters{MPU: 1}, &MPU{Sequence: 5, Data: data.Bytes()}); err != nil {
		t.Fatal(err)
	}
	line := log.String()
	for _, want := range []string{"mpu layout", "seq=5", "ftyp=", "moov="} {
		if !strings.Contains(line, want) {
			t.Errorf("log %q lacks %q", line, want)
		}
	}
}

type failingSink struct {
	err   error
	calls int
}

func (f *failingSink) WriteMFU(Counters, *DataUnit) error {
	f.calls++
	return f.err
}

func (f *failingSink) WriteMPU(Counters, *MPU) error {
	f.calls++
	return f.err
}

func TestMultiSink(t *testing.T) {
	errFull := errors.New("disk full")
	a, b := &failingSink{err: errFull}, &failingSink{}
	m := MultiSink{a, b}
	if err := m.WriteMFU(Counters{}, &DataUnit{}); !errors.Is(err, errFull) {
		t.Errorf("mfu: %v", err)
	}
	if err := m.WriteMPU(Counters{}, &MPU{}); !errors.Is(err, errFull) {
		t.Errorf("mpu: %v", err)
	}
	if a.calls != 2 || b.calls != 2 {
		t.Errorf("calls %d %d", a.calls, b.calls)
	}
	if err := (MultiSink{b}).WriteMPU(Counters{}, &MPU{}); err != nil {
		t.Errorf("no failures: %v", err)
	}
}
