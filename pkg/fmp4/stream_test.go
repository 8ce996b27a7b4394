package fmp4

import (
	"errors"
	"io"
	"testing"

	"m7s.live/atsc3/pkg"
)

func TestWindow(t *testing.T) {
	var w Window
	w.Append([]byte("hello "))
	if b, err := w.Peek(6); err != nil || string(b) != "hello " {
		t.Fatalf("peek %q %v", b, err)
	}
	if _, err := w.Peek(7); !errors.Is(err, pkg.ErrNeedData) {
		t.Errorf("short peek: %v", err)
	}
	buf := make([]byte, 4)
	if n, err := w.Read(buf); n != 4 || err != nil {
		t.Fatalf("read %d %v", n, err)
	}
	if _, err := io.ReadFull(&w, buf); err == nil || !errors.Is(err, pkg.ErrNeedData) {
		t.Errorf("read past the end: %v", err)
	}
	w.Append([]byte("world"))
	if w.Available() != 11 {
		t.Errorf("available %d", w.Available())
	}

	w.Compact(8)
	if w.Base() != 6 || w.Buffered() != 5 {
		t.Errorf("compact beyond the read position: %v", w.LogValue())
	}
	if pos, err := w.Seek(-3, io.SeekEnd); pos != 8 || err != nil {
		t.Errorf("seek from end %d %v", pos, err)
	}
	if b, _ := w.Peek(3); string(b) != "rld" {
		t.Errorf("after seek %q", b)
	}
	if _, err := w.Seek(2, io.SeekStart); !errors.Is(err, ErrCompacted) {
		t.Errorf("seek below base: %v", err)
	}
	if pos, _ := w.Seek(0, io.SeekCurrent); pos != 8 {
		t.Errorf("failed seek moved to %d", pos)
	}
	w.Compact(100)
	if w.Base() != 8 || w.Buffered() != 3 {
		t.Errorf("compact clamps to the read position: %v", w.LogValue())
	}
}

func TestLiveRetriesInit(t *testing.T) {
	var out recorder
	live := NewLive(Options{Seekable: true}, &out, testLogger())
	if live.Demuxer.Seekable {
		t.Fatal("live source reports seekable")
	}
	if err := live.Demux(); !errors.Is(err, ErrNoMoov) {
		t.Errorf("demux before init: %v", err)
	}
	live.Append(ftypBox())
	if err := live.Init(); !errors.Is(err, pkg.ErrNeedData) {
		t.Errorf("init without moov: %v", err)
	}
	live.Append(moovBox(0, mvexBox(0, videoDef), videoDef))
	if err := live.Init(); err != nil {
		t.Fatal(err)
	}
	live.Append(fragment(1, trafDef{id: 1, n: 3, dur: 40, size: 8, tfdt: true}))
	drain(t, live)
	if n := len(out.track(1)); n != 3 {
		t.Errorf("%d samples", n)
	}
}

func TestTrackSnapshot(t *testing.T) {
	tk := &Track{ID: 1, Category: CategoryVideo, OK: true, Selected: true, runs: []Run{{FirstDTS: 10}}, pos: 100}
	snap := tk.Snapshot()
	tk.OK, tk.Selected = false, false
	if snap.ID != 1 || snap.Category != CategoryVideo || !snap.OK || !snap.Selected {
		t.Errorf("snapshot %+v", snap)
	}
	if snap.Runs() != nil || snap.pos != 0 {
		t.Error("snapshot carries demux state")
	}
}
