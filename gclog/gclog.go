// Package gclog formats the collector log the way a JVM prints -Xlog:gc
// output: one line per record, prefixed with the uptime, the level and the
// tags.
//
//	[0.012s][info][gc] Pause Young gc=1 cause="Allocation Failure" before=1.0MB after=64.0KB
package gclog

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/exp/slog"
)

// ANSI colors for the level column.
const (
	colorReset  = "\x1b[0m"
	colorGray   = "\x1b[90m"
	colorBlue   = "\x1b[34m"
	colorYellow = "\x1b[33m"
	colorRed    = "\x1b[31m"
)

// Options configures a Handler.
type Options struct {
	// Level is the lowest level written.
	Level slog.Leveler
	// Color wraps the level in ANSI escapes.
	Color bool
	// Tags is the tag column, "gc" if empty.
	Tags string
	// Start is the time uptimes are measured from, now if zero.
	Start time.Time
}

// Handler is a slog.Handler writing gc log lines.
type Handler struct {
	opts  Options
	mu    *sync.Mutex
	w     io.Writer
	attrs []byte
	group string
}

// NewHandler returns a handler writing to w.
func NewHandler(w io.Writer, opts Options) *Handler {
	if opts.Level == nil {
		opts.Level = slog.LevelInfo
	}
	if opts.Tags == "" {
		opts.Tags = "gc"
	}
	if opts.Start.IsZero() {
		opts.Start = time.Now()
	}
	return &Handler{opts: opts, mu: new(sync.Mutex), w: w}
}

// New returns a logger writing gc log lines of at least level to w.
func New(w io.Writer, level slog.Leveler, color bool) *slog.Logger {
	return slog.New(NewHandler(w, Options{Level: level, Color: color}))
}

func (h *Handler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.opts.Level.Level()
}

func (h *Handler) Handle(_ context.Context, r slog.Record) error {
	buf := new(bytes.Buffer)
	uptime := r.Time.Sub(h.opts.Start)
	if r.Time.IsZero() || uptime < 0 {
		uptime = 0
	}
	fmt.Fprintf(buf, "[%.3fs][%s][%s] %s", uptime.Seconds(), h.level(r.Level), h.opts.Tags, r.Message)
	buf.Write(h.attrs)
	r.Attrs(func(a slog.Attr) bool {
		appendAttr(buf, h.group, a)
		return true
	})
	buf.WriteByte('\n')

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := h.w.Write(buf.Bytes())
	return err
}

func (h *Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	if len(attrs) == 0 {
		return h
	}
	h2 := *h
	buf := bytes.NewBuffer(append([]byte(nil), h.attrs...))
	for _, a := range attrs {
		appendAttr(buf, h.group, a)
	}
	h2.attrs = buf.Bytes()
	return &h2
}

func (h *Handler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	h2 := *h
	h2.group = joinKey(h.group, name)
	return &h2
}

func (h *Handler) level(l slog.Level) string {
	name := strings.ToLower(l.String())
	if l == slog.LevelWarn {
		name = "warning"
	}
	if !h.opts.Color {
		return name
	}
	color := colorGray
	switch {
	case l >= slog.LevelError:
		color = colorRed
	case l >= slog.LevelWarn:
		color = colorYellow
	case l >= slog.LevelInfo:
		color = colorBlue
	}
	return color + name + colorReset
}

func joinKey(group, key string) string {
	if group == "" {
		return key
	}
	return group + "." + key
}

func appendAttr(buf *bytes.Buffer, group string, a slog.Attr) {
	a.Value = a.Value.Resolve()
	if a.Equal(slog.Attr{}) {
		return
	}
	if a.Value.Kind() == slog.KindGroup {
		g := group
		if a.Key != "" {
			g = joinKey(group, a.Key)
		}
		for _, ga := range a.Value.Group() {
			appendAttr(buf, g, ga)
		}
		return
	}
	buf.WriteByte(' ')
	buf.WriteString(joinKey(group, a.Key))
	buf.WriteByte('=')
	buf.WriteString(formatValue(a.Value))
}

func formatValue(v slog.Value) string {
	var s string
	switch v.Kind() {
	case slog.KindDuration:
		return formatDuration(v.Duration())
	case slog.KindString:
		s = v.String()
	case slog.KindTime:
		return v.Time().Format(time.RFC3339Nano)
	default:
		s = v.String()
	}
	if s == "" || strings.ContainsAny(s, " \t\n\"=") {
		return strconv.Quote(s)
	}
	return s
}

// formatDuration prints pause times in milliseconds like the JVM does.
func formatDuration(d time.Duration) string {
	return strconv.FormatFloat(float64(d)/float64(time.Millisecond), 'f', 3, 64) + "ms"
}
