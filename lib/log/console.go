package log

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"golang.org/x/term"
)

// ANSI color codes used by the console handler.
const (
	colorReset  = "\033[0m"
	colorGray   = "\033[90m"
	colorRed    = "\033[91m"
	colorYellow = "\033[93m"
	colorBlue   = "\033[94m"
	colorCyan   = "\033[96m"
	colorDim    = "\033[2m"
)

// ConsoleHandler is a slog.Handler tuned for operators watching a terminal:
// short level codes, dimmed pack.func provenance, colors when the output is
// a real TTY.
type ConsoleHandler struct {
	opts   *slog.HandlerOptions
	writer io.Writer
	mu     *sync.Mutex

	useColor bool

	attrs  []slog.Attr
	groups []string
}

// NewConsoleHandler builds a ConsoleHandler writing to w. Color is enabled
// automatically when w is a terminal.
func NewConsoleHandler(w io.Writer, opts *slog.HandlerOptions) *ConsoleHandler {
	if opts == nil {
		opts = &slog.HandlerOptions{}
	}
	return &ConsoleHandler{
		opts:     opts,
		writer:   w,
		mu:       &sync.Mutex{},
		useColor: isTerminal(w),
	}
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

// Enabled reports whether level passes the configured minimum.
func (h *ConsoleHandler) Enabled(_ context.Context, level slog.Level) bool {
	min := slog.LevelInfo
	if h.opts.Level != nil {
		min = h.opts.Level.Level()
	}
	return level >= min
}

// Handle renders one record as a single line: "[timestamp] LVL message pack.func k=v ...".
func (h *ConsoleHandler) Handle(_ context.Context, r slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	debugRes := h.opts.Level != nil && h.opts.Level.Level() <= slog.LevelDebug
	stamp := r.Time.Format("060102/150405-07")
	if debugRes {
		stamp = r.Time.Format("060102/150405.000-07")
	}
	level := levelTag(r.Level)
	pack, fn := h.packFunc(r)

	var buf strings.Builder
	if h.useColor {
		buf.WriteString(h.paint(colorGray, "["+stamp+"]"))
		buf.WriteString(" ")
		buf.WriteString(h.paintLevel(r.Level, level))
		buf.WriteString(" ")
		buf.WriteString(h.paintLevel(r.Level, r.Message))
		if pack != "" {
			buf.WriteString(" ")
			buf.WriteString(h.paint(colorDim, pack+"."+fn))
		}
	} else {
		fmt.Fprintf(&buf, "[%s] %s %s", stamp, level, r.Message)
		if pack != "" {
			fmt.Fprintf(&buf, " %s.%s", pack, fn)
		}
	}

	h.writeAttrs(&buf, r)
	buf.WriteString("\n")

	_, err := h.writer.Write([]byte(buf.String()))
	return err
}

func (h *ConsoleHandler) packFunc(r slog.Record) (pack, fn string) {
	for _, a := range h.attrs {
		switch a.Key {
		case "pack":
			pack = a.Value.String()
		case "func":
			fn = a.Value.String()
		}
	}
	r.Attrs(func(a slog.Attr) bool {
		switch a.Key {
		case "pack":
			pack = a.Value.String()
		case "func":
			fn = a.Value.String()
		}
		return true
	})
	return pack, fn
}

func (h *ConsoleHandler) writeAttrs(buf *strings.Builder, r slog.Record) {
	for _, a := range h.attrs {
		if a.Key != "pack" && a.Key != "func" {
			h.writeAttr(buf, a)
		}
	}
	r.Attrs(func(a slog.Attr) bool {
		if a.Key != "pack" && a.Key != "func" {
			h.writeAttr(buf, a)
		}
		return true
	})
}

func (h *ConsoleHandler) writeAttr(buf *strings.Builder, a slog.Attr) {
	if h.opts.ReplaceAttr != nil {
		a = h.opts.ReplaceAttr(h.groups, a)
		if a.Key == "" {
			return
		}
	}
	buf.WriteString(" ")
	buf.WriteString(a.Key)
	buf.WriteString("=")
	switch a.Value.Kind() {
	case slog.KindString:
		buf.WriteString(a.Value.String())
	case slog.KindInt64:
		fmt.Fprintf(buf, "%d", a.Value.Int64())
	case slog.KindUint64:
		fmt.Fprintf(buf, "%d", a.Value.Uint64())
	case slog.KindFloat64:
		fmt.Fprintf(buf, "%g", a.Value.Float64())
	case slog.KindBool:
		fmt.Fprintf(buf, "%t", a.Value.Bool())
	case slog.KindTime:
		buf.WriteString(a.Value.Time().Format(time.RFC3339))
	case slog.KindDuration:
		buf.WriteString(a.Value.Duration().String())
	default:
		fmt.Fprintf(buf, "%v", a.Value.Any())
	}
}

func levelTag(level slog.Level) string {
	switch level {
	case slog.LevelDebug:
		return "DBG"
	case slog.LevelInfo:
		return "INF"
	case slog.LevelWarn:
		return "WRN"
	case slog.LevelError:
		return "ERR"
	default:
		return "???"
	}
}

func (h *ConsoleHandler) paint(color, text string) string {
	if !h.useColor {
		return text
	}
	return color + text + colorReset
}

func (h *ConsoleHandler) paintLevel(level slog.Level, text string) string {
	if !h.useColor {
		return text
	}
	var color string
	switch level {
	case slog.LevelDebug:
		color = colorCyan
	case slog.LevelInfo:
		color = colorBlue
	case slog.LevelWarn:
		color = colorYellow
	case slog.LevelError:
		color = colorRed
	default:
		color = colorReset
	}
	return color + text + colorReset
}

// WithAttrs returns a copy of the handler with additional bound attributes.
func (h *ConsoleHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := make([]slog.Attr, len(h.attrs)+len(attrs))
	copy(next, h.attrs)
	copy(next[len(h.attrs):], attrs)
	return &ConsoleHandler{opts: h.opts, writer: h.writer, mu: h.mu, useColor: h.useColor, attrs: next, groups: h.groups}
}

// WithGroup returns a copy of the handler scoped under the given group name.
func (h *ConsoleHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	next := make([]string, len(h.groups)+1)
	copy(next, h.groups)
	next[len(h.groups)] = name
	return &ConsoleHandler{opts: h.opts, writer: h.writer, mu: h.mu, useColor: h.useColor, attrs: h.attrs, groups: next}
}
