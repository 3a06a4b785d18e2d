package log

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"
)

const (
	timeFormat   = "01-02|15:04:05.000"
	colorReset   = "\033[0m"
	colorRed     = "\033[31m"
	colorYellow  = "\033[33m"
	colorGreen   = "\033[32m"
	colorCyan    = "\033[36m"
	colorMagenta = "\033[35m"
)

// TerminalHandler renders records as one aligned line each:
//
//	INFO [10-17|12:00:00.000] message    module=blob key=value
type TerminalHandler struct {
	mu       *sync.Mutex
	wr       io.Writer
	lvl      slog.Leveler
	useColor bool
	attrs    []slog.Attr
}

// NewTerminalHandlerWithLevel returns a handler that drops records below lvl.
func NewTerminalHandlerWithLevel(wr io.Writer, lvl slog.Leveler, useColor bool) *TerminalHandler {
	return &TerminalHandler{
		mu:       new(sync.Mutex),
		wr:       wr,
		lvl:      lvl,
		useColor: useColor,
	}
}

func (h *TerminalHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.lvl.Level()
}

func (h *TerminalHandler) Handle(_ context.Context, r slog.Record) error {
	var buf bytes.Buffer
	lvl := LevelAlignedString(r.Level)
	if h.useColor {
		color := ""
		switch r.Level {
		case LevelCrit:
			color = colorMagenta
		case slog.LevelError:
			color = colorRed
		case slog.LevelWarn:
			color = colorYellow
		case slog.LevelInfo:
			color = colorGreen
		case slog.LevelDebug, LevelTrace:
			color = colorCyan
		}
		lvl = color + lvl + colorReset
	}
	buf.WriteString(lvl)
	buf.WriteString(" [")
	t := r.Time
	if t.IsZero() {
		t = time.Now()
	}
	buf.WriteString(t.Format(timeFormat))
	buf.WriteString("] ")
	buf.WriteString(r.Message)
	if len(r.Message) < 40 && (len(h.attrs) > 0 || r.NumAttrs() > 0) {
		buf.Write(bytes.Repeat([]byte{' '}, 40-len(r.Message)))
	}
	for _, a := range h.attrs {
		writeAttr(&buf, a)
	}
	r.Attrs(func(a slog.Attr) bool {
		writeAttr(&buf, a)
		return true
	})
	buf.WriteByte('\n')

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := h.wr.Write(buf.Bytes())
	return err
}

func writeAttr(buf *bytes.Buffer, a slog.Attr) {
	if a.Equal(slog.Attr{}) {
		return
	}
	fmt.Fprintf(buf, " %s=%v", a.Key, a.Value.Resolve())
}

func (h *TerminalHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	out := *h
	out.attrs = append(append([]slog.Attr{}, h.attrs...), attrs...)
	return &out
}

func (h *TerminalHandler) WithGroup(name string) slog.Handler {
	return h
}

type discardHandler struct{}

// DiscardHandler returns a no-op handler
func DiscardHandler() slog.Handler {
	return &discardHandler{}
}

func (h *discardHandler) Handle(_ context.Context, r slog.Record) error {
	return nil
}

func (h *discardHandler) Enabled(_ context.Context, level slog.Level) bool {
	return false
}

func (h *discardHandler) WithGroup(name string) slog.Handler {
	return h
}

func (h *discardHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return h
}
