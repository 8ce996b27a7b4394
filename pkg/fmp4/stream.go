package fmp4

import (
	"errors"
	"fmt"
	"io"
	"log/slog"

	"m7s.live/atsc3/pkg"
)

var ErrCompacted = errors.New("offset already compacted")

// Window is a growing byte stream addressed by absolute offsets. Bytes below
// the base have been released by Compact. Reads past the end report
// pkg.ErrNeedData instead of io.EOF since more data may still arrive.
type Window struct {
	buf  []byte
	base int64
	pos  int64
}

func (w *Window) Append(b []byte) {
	w.buf = append(w.buf, b...)
}

// Available is the absolute offset one past the last appended byte.
func (w *Window) Available() int64 {
	return w.base + int64(len(w.buf))
}

func (w *Window) Base() int64 {
	return w.base
}

func (w *Window) Buffered() int {
	return len(w.buf)
}

func (w *Window) Read(p []byte) (n int, err error) {
	if w.pos < w.base {
		return 0, fmt.Errorf("%w: %d < %d", ErrCompacted, w.pos, w.base)
	}
	if w.pos >= w.Available() {
		return 0, pkg.ErrNeedData
	}
	n = copy(p, w.buf[w.pos-w.base:])
	w.pos += int64(n)
	return
}

func (w *Window) Seek(offset int64, whence int) (int64, error) {
	switch whence {
	case io.SeekCurrent:
		offset += w.pos
	case io.SeekEnd:
		offset += w.Available()
	}
	if offset < w.base {
		return w.pos, fmt.Errorf("%w: %d < %d", ErrCompacted, offset, w.base)
	}
	w.pos = offset
	return offset, nil
}

// Peek returns the next n bytes without moving the read position.
func (w *Window) Peek(n int) ([]byte, error) {
	if w.pos < w.base {
		return nil, fmt.Errorf("%w: %d < %d", ErrCompacted, w.pos, w.base)
	}
	start := w.pos - w.base
	if start+int64(n) > int64(len(w.buf)) {
		return nil, pkg.ErrNeedData
	}
	return w.buf[start : start+int64(n)], nil
}

// Compact releases every byte below watermark.
func (w *Window) Compact(watermark int64) {
	watermark = min(watermark, w.pos, w.Available())
	if watermark <= w.base {
		return
	}
	n := copy(w.buf, w.buf[watermark-w.base:])
	w.buf = w.buf[:n]
	w.base = watermark
}

func (w *Window) LogValue() slog.Value {
	return slog.GroupValue(slog.Int64("base", w.base), slog.Int64("pos", w.pos), slog.Int("buffered", len(w.buf)))
}

// Live runs a non-seekable Demuxer over a Window fed with whole MPUs.
type Live struct {
	*Window
	Demuxer *Demuxer
}

func NewLive(opt Options, out Output, logger *slog.Logger) *Live {
	opt.Seekable, opt.FastSeekable = false, false
	w := &Window{}
	return &Live{Window: w, Demuxer: NewDemuxer(w, opt, out, logger)}
}

func (l *Live) Append(b []byte) error {
	l.Window.Append(b)
	return nil
}

func (l *Live) Init() error {
	if err := l.Demuxer.Init(); err != nil {
		return err
	}
	l.Compact(l.Demuxer.Watermark())
	return nil
}

// Demux emits one batch. pkg.ErrNeedData is returned once the window holds
// no further complete box; the window is compacted at that point.
func (l *Live) Demux() error {
	status, err := l.Demuxer.Demux()
	if err != nil {
		if errors.Is(err, pkg.ErrNeedData) {
			l.Compact(l.Demuxer.Watermark())
		}
		return err
	}
	if status == StatusEOF {
		return io.EOF
	}
	return nil
}
