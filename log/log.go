// Package log provides leveled, structured logging for the node. It is a
// thin wrapper over log/slog in the style of the go-ethereum family of
// loggers: callers pass a message plus alternating key/value pairs.
package log

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"

	"github.com/go-stack/stack"
	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
)

// Level mirrors slog.Level but keeps the Trace/Crit names the rest of the
// codebase uses.
type Level int

const (
	LevelTrace Level = -8
	LevelDebug Level = -4
	LevelInfo  Level = 0
	LevelWarn  Level = 4
	LevelError Level = 8
	LevelCrit  Level = 12
)

func (l Level) slog() slog.Level { return slog.Level(l) }

func (l Level) String() string {
	switch {
	case l < LevelDebug:
		return "TRACE"
	case l < LevelInfo:
		return "DEBUG"
	case l < LevelWarn:
		return "INFO"
	case l < LevelError:
		return "WARN"
	case l < LevelCrit:
		return "ERROR"
	default:
		return "CRIT"
	}
}

// Logger is the interface satisfied by every logger in this package.
type Logger interface {
	New(ctx ...any) Logger
	Trace(msg string, ctx ...any)
	Debug(msg string, ctx ...any)
	Info(msg string, ctx ...any)
	Warn(msg string, ctx ...any)
	Error(msg string, ctx ...any)
	Crit(msg string, ctx ...any)
	Log(level Level, msg string, ctx ...any)
}

type logger struct {
	inner *slog.Logger
	ctx   []any
}

// New creates a Logger that writes through h, seeded with ctx key/value pairs.
func New(h slog.Handler, ctx ...any) Logger {
	return &logger{inner: slog.New(h), ctx: ctx}
}

func (l *logger) New(ctx ...any) Logger {
	merged := make([]any, 0, len(l.ctx)+len(ctx))
	merged = append(merged, l.ctx...)
	merged = append(merged, ctx...)
	return &logger{inner: l.inner, ctx: merged}
}

func (l *logger) Log(level Level, msg string, ctx ...any) {
	all := make([]any, 0, len(l.ctx)+len(ctx))
	all = append(all, l.ctx...)
	all = append(all, ctx...)
	if !l.inner.Enabled(context.Background(), level.slog()) {
		return
	}
	l.inner.Log(context.Background(), level.slog(), msg, all...)
	if level == LevelCrit {
		fmt.Fprintln(os.Stderr, stack.Trace().TrimRuntime())
	}
}

func (l *logger) Trace(msg string, ctx ...any) { l.Log(LevelTrace, msg, ctx...) }
func (l *logger) Debug(msg string, ctx ...any) { l.Log(LevelDebug, msg, ctx...) }
func (l *logger) Info(msg string, ctx ...any)  { l.Log(LevelInfo, msg, ctx...) }
func (l *logger) Warn(msg string, ctx ...any)  { l.Log(LevelWarn, msg, ctx...) }
func (l *logger) Error(msg string, ctx ...any) { l.Log(LevelError, msg, ctx...) }
func (l *logger) Crit(msg string, ctx ...any)  { l.Log(LevelCrit, msg, ctx...) }

// NewTerminalHandler returns a handler that colorizes output when w is a
// real terminal (detected via go-isatty) and wraps w with go-colorable so
// ANSI sequences behave on Windows consoles too.
func NewTerminalHandler(w io.Writer, useColor bool) slog.Handler {
	if f, ok := w.(*os.File); ok {
		w = colorable.NewColorable(f)
		useColor = useColor || isatty.IsTerminal(f.Fd())
	}
	return &termHandler{w: w, color: useColor, minLevel: LevelInfo.slog()}
}

type termHandler struct {
	mu       sync.Mutex
	w        io.Writer
	color    bool
	minLevel slog.Level
	attrs    []slog.Attr
}

func (h *termHandler) Enabled(_ context.Context, lvl slog.Level) bool { return lvl >= h.minLevel }

func (h *termHandler) Handle(_ context.Context, r slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	lvl := Level(r.Level)
	ts := r.Time.Format("01-02|15:04:05.000")
	line := fmt.Sprintf("%-5s[%s] %s", lvl.String(), ts, r.Message)
	for _, a := range h.attrs {
		line += fmt.Sprintf(" %s=%v", a.Key, a.Value)
	}
	r.Attrs(func(a slog.Attr) bool {
		line += fmt.Sprintf(" %s=%v", a.Key, a.Value)
		return true
	})
	if h.color {
		line = colorize(lvl, line)
	}
	_, err := fmt.Fprintln(h.w, line)
	return err
}

func (h *termHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	cp := *h
	cp.attrs = append(append([]slog.Attr{}, h.attrs...), attrs...)
	return &cp
}

func (h *termHandler) WithGroup(_ string) slog.Handler { return h }

func colorize(lvl Level, line string) string {
	var code string
	switch {
	case lvl >= LevelCrit:
		code = "35" // magenta
	case lvl >= LevelError:
		code = "31" // red
	case lvl >= LevelWarn:
		code = "33" // yellow
	case lvl >= LevelInfo:
		code = "32" // green
	default:
		code = "36" // cyan
	}
	return "\x1b[" + code + "m" + line + "\x1b[0m"
}

// LogfmtHandler returns a plain, non-colorized handler suitable for log
// files and piped output.
func LogfmtHandler(w io.Writer) slog.Handler {
	return slog.NewTextHandler(w, &slog.HandlerOptions{Level: LevelTrace.slog()})
}

var (
	rootMu sync.Mutex
	root   atomic.Value
)

func init() {
	root.Store(New(NewTerminalHandler(os.Stderr, false)))
}

// Root returns the default logger used by the package-level helpers below.
func Root() Logger { return root.Load().(Logger) }

// SetDefault replaces the root logger.
func SetDefault(l Logger) {
	rootMu.Lock()
	defer rootMu.Unlock()
	root.Store(l)
}

func Trace(msg string, ctx ...any) { Root().Trace(msg, ctx...) }
func Debug(msg string, ctx ...any) { Root().Debug(msg, ctx...) }
func Info(msg string, ctx ...any)  { Root().Info(msg, ctx...) }
func Warn(msg string, ctx ...any)  { Root().Warn(msg, ctx...) }
func Error(msg string, ctx ...any) { Root().Error(msg, ctx...) }
func Crit(msg string, ctx ...any)  { Root().Crit(msg, ctx...) }

// NewContext returns a child of Root(), bound to its handler and seeded
// with the given context. Mirrors the go-ethereum `log.New(...)` helper.
func NewContext(ctx ...any) Logger { return Root().New(ctx...) }
