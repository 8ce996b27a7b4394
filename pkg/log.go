package pkg

import (
	"context"
	"io"
	"log/slog"
	"os"
	"slices"

	"github.com/alchemy/rotoslog"
	"github.com/phsym/console-slog"
	"m7s.live/atsc3/pkg/task"
)

var _ slog.Handler = (*MultiLogHandler)(nil)

func ParseLevel(level string) slog.Level {
	var lv slog.LevelVar
	if level == "trace" {
		lv.Set(task.TraceLevel)
	} else {
		lv.UnmarshalText([]byte(level))
	}
	return lv.Level()
}

// LogConfig selects the console level and an optional rotating log directory.
type LogConfig struct {
	Level     string `default:"info" desc:"log level: trace, debug, info, warn, error"`
	Path      string `desc:"directory for rotated log files, empty disables file output"`
	Size      uint64 `default:"1048576" desc:"max log file size in bytes"`
	Formatter string `default:"2006-01-02T15" desc:"log file name layout"`
	MaxFiles  uint64 `default:"7" desc:"max rotated files kept"`
}

const logTimeFormat = "2006-01-02 15:04:05.000"

// NewLogger builds the process logger: colored console output plus rotated
// plain files when a path is configured.
func NewLogger(conf LogConfig) (*slog.Logger, *MultiLogHandler, error) {
	level := ParseLevel(conf.Level)
	handler := &MultiLogHandler{}
	handler.SetLevel(level)
	handler.Add(console.NewHandler(os.Stdout, &console.HandlerOptions{Level: task.TraceLevel, TimeFormat: logTimeFormat}))
	if conf.Path != "" {
		builder := func(w io.Writer, opts *slog.HandlerOptions) slog.Handler {
			return console.NewHandler(w, &console.HandlerOptions{NoColor: true, Level: task.TraceLevel, TimeFormat: logTimeFormat})
		}
		fileHandler, err := rotoslog.NewHandler(rotoslog.LogHandlerBuilder(builder), rotoslog.LogDir(conf.Path), rotoslog.MaxFileSize(conf.Size), rotoslog.DateTimeLayout(conf.Formatter), rotoslog.MaxRotatedFiles(conf.MaxFiles))
		if err != nil {
			return nil, nil, err
		}
		handler.Add(fileHandler)
	}
	return slog.New(handler), handler, nil
}

type MultiLogHandler struct {
	handlers     []slog.Handler
	attrChildren map[*MultiLogHandler][]slog.Attr
	parentLevel  *slog.Level
	level        *slog.Level
}

func (m *MultiLogHandler) Add(h slog.Handler) {
	m.handlers = append(m.handlers, h)
	for child, attrs := range m.attrChildren {
		child.Add(h.WithAttrs(attrs))
	}
}

func (m *MultiLogHandler) Remove(h slog.Handler) {
	if i := slices.Index(m.handlers, h); i != -1 {
		m.handlers = slices.Delete(m.handlers, i, i+1)
	}
}

func (m *MultiLogHandler) SetLevel(level slog.Level) {
	if m.level == nil {
		m.level = &level
	} else {
		*m.level = level
	}
}

// Enabled implements slog.Handler.
func (m *MultiLogHandler) Enabled(_ context.Context, l slog.Level) bool {
	if m.level != nil {
		return l >= *m.level
	}
	if m.parentLevel != nil {
		return l >= *m.parentLevel
	}
	return l >= slog.LevelInfo
}

// Handle implements slog.Handler.
func (m *MultiLogHandler) Handle(ctx context.Context, rec slog.Record) error {
	for _, h := range m.handlers {
		if err := h.Handle(ctx, rec); err != nil {
			return err
		}
	}
	return nil
}

// WithAttrs implements slog.Handler.
func (m *MultiLogHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	result := &MultiLogHandler{
		handlers:    make([]slog.Handler, len(m.handlers)),
		parentLevel: m.parentLevel,
	}
	if m.attrChildren == nil {
		m.attrChildren = make(map[*MultiLogHandler][]slog.Attr)
	}
	m.attrChildren[result] = attrs
	if m.level != nil {
		result.parentLevel = m.level
	}
	for i, h := range m.handlers {
		result.handlers[i] = h.WithAttrs(attrs)
	}
	return result
}

// WithGroup implements slog.Handler.
func (m *MultiLogHandler) WithGroup(name string) slog.Handler {
	result := &MultiLogHandler{
		handlers:    make([]slog.Handler, len(m.handlers)),
		parentLevel: m.parentLevel,
	}
	if m.level != nil {
		result.parentLevel = m.level
	}
	for i, h := range m.handlers {
		result.handlers[i] = h.WithGroup(name)
	}
	return result
}
