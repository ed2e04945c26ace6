package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gookit/color"
)

// prettyHandler is a single-line key=value handler for local development.
type prettyHandler struct {
	w      io.Writer
	opts   slog.HandlerOptions
	attrs  []slog.Attr
	groups []string
	color  bool
	mu     *sync.Mutex
}

var (
	styleDim  = color.New(color.OpFuzzy)
	styleBold = color.New(color.OpBold)
)

func newPrettyHandler(w io.Writer, opts *slog.HandlerOptions, useColor bool) slog.Handler {
	h := &prettyHandler{
		w:     w,
		color: useColor,
		mu:    &sync.Mutex{},
	}
	if opts != nil {
		h.opts = *opts
	}
	return h
}

func (h *prettyHandler) Enabled(_ context.Context, level slog.Level) bool {
	minLevel := slog.LevelInfo
	if h.opts.Level != nil {
		minLevel = h.opts.Level.Level()
	}
	return level >= minLevel
}

func (h *prettyHandler) Handle(_ context.Context, r slog.Record) error {
	var b strings.Builder

	ts := r.Time
	if ts.IsZero() {
		ts = time.Now()
	}
	b.WriteString(h.paint(styleDim, ts.Format("15:04:05.000")))
	b.WriteByte(' ')
	b.WriteString(h.levelTag(r.Level))
	b.WriteByte(' ')
	b.WriteString(h.paint(styleBold, r.Message))

	if h.opts.AddSource && r.PC != 0 {
		frames := runtime.CallersFrames([]uintptr{r.PC})
		frame, _ := frames.Next()
		if frame.File != "" {
			b.WriteString(" src=")
			b.WriteString(h.paint(styleDim, fmt.Sprintf("%s:%d", filepath.Base(frame.File), frame.Line)))
		}
	}

	// Stored attrs were qualified when they were added.
	for _, a := range h.attrs {
		h.appendAttr(&b, a, "")
	}
	prefix := h.groupPrefix()
	r.Attrs(func(a slog.Attr) bool {
		h.appendAttr(&b, a, prefix)
		return true
	})

	b.WriteByte('\n')

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := io.WriteString(h.w, b.String())
	return err
}

func (h *prettyHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	cp := *h
	cp.attrs = append([]slog.Attr{}, h.attrs...)
	prefix := h.groupPrefix()
	for _, a := range attrs {
		a.Key = prefix + a.Key
		cp.attrs = append(cp.attrs, a)
	}
	return &cp
}

func (h *prettyHandler) groupPrefix() string {
	if len(h.groups) == 0 {
		return ""
	}
	return strings.Join(h.groups, ".") + "."
}

func (h *prettyHandler) WithGroup(name string) slog.Handler {
	if strings.TrimSpace(name) == "" {
		return h
	}
	cp := *h
	cp.groups = append(append([]string{}, h.groups...), name)
	return &cp
}

func (h *prettyHandler) appendAttr(b *strings.Builder, a slog.Attr, prefix string) {
	a.Value = a.Value.Resolve()
	if a.Equal(slog.Attr{}) {
		return
	}

	key := strings.TrimSpace(a.Key)
	if key == "" {
		return
	}
	fullKey := prefix + key

	if a.Value.Kind() == slog.KindGroup {
		for _, ga := range a.Value.Group() {
			h.appendAttr(b, ga, fullKey+".")
		}
		return
	}

	// Stored attrs carry their group path in the key.
	head, leaf := "", key
	if i := strings.LastIndexByte(key, '.'); i >= 0 {
		head, leaf = key[:i+1], key[i+1:]
	}

	b.WriteByte(' ')
	b.WriteString(prefix + head + remapPrettyKey(leaf))
	b.WriteByte('=')
	b.WriteString(h.prettyValue(leaf, a.Value))
}

func (h *prettyHandler) prettyValue(key string, v slog.Value) string {
	switch key {
	case "method":
		return h.paint(color.New(color.FgMagenta), strings.ToUpper(strings.TrimSpace(v.String())))
	case "path":
		return h.paint(color.New(color.FgCyan), strings.TrimSpace(v.String()))
	case "status":
		if n, ok := valueToInt64(v); ok {
			return h.paint(statusStyle(int(n)), strconv.FormatInt(n, 10))
		}
	case "status_class":
		return h.paint(statusClassStyle(v.String()), v.String())
	case "duration_ms":
		if n, ok := valueToInt64(v); ok {
			return h.paint(durationStyle(n), strconv.FormatInt(n, 10)+"ms")
		}
	case "err":
		return h.paint(color.New(color.FgRed), quoteIfNeeded(valueToString(v)))
	}
	return quoteIfNeeded(valueToString(v))
}

func (h *prettyHandler) levelTag(level slog.Level) string {
	switch {
	case level >= slog.LevelError:
		return h.paint(color.New(color.FgRed, color.OpBold), "[ERROR]")
	case level >= slog.LevelWarn:
		return h.paint(color.New(color.FgYellow), "[WARN]")
	case level < slog.LevelInfo:
		return h.paint(color.New(color.FgMagenta), "[DEBUG]")
	default:
		return h.paint(color.New(color.FgBlue), "[INFO]")
	}
}

func (h *prettyHandler) paint(s color.Style, text string) string {
	if !h.color {
		return text
	}
	return s.Render(text)
}

func statusStyle(code int) color.Style {
	switch {
	case code >= 500:
		return color.New(color.FgRed)
	case code >= 400:
		return color.New(color.FgYellow)
	case code >= 300:
		return color.New(color.FgCyan)
	default:
		return color.New(color.FgGreen)
	}
}

func statusClassStyle(class string) color.Style {
	if class == "" {
		return color.New()
	}
	switch class[0] {
	case '5':
		return color.New(color.FgRed)
	case '4':
		return color.New(color.FgYellow)
	default:
		return color.New(color.FgGreen)
	}
}

func durationStyle(ms int64) color.Style {
	switch {
	case ms >= 1000:
		return color.New(color.FgRed)
	case ms >= 250:
		return color.New(color.FgYellow)
	default:
		return styleDim
	}
}

func remapPrettyKey(k string) string {
	switch k {
	case "status_class":
		return "class"
	case "duration_ms":
		return "duration"
	default:
		return k
	}
}

func valueToInt64(v slog.Value) (int64, bool) {
	switch v.Kind() {
	case slog.KindInt64:
		return v.Int64(), true
	case slog.KindUint64:
		return int64(v.Uint64()), true
	case slog.KindFloat64:
		return int64(v.Float64()), true
	default:
		return 0, false
	}
}

func valueToString(v slog.Value) string {
	switch v.Kind() {
	case slog.KindString:
		return v.String()
	case slog.KindInt64:
		return strconv.FormatInt(v.Int64(), 10)
	case slog.KindUint64:
		return strconv.FormatUint(v.Uint64(), 10)
	case slog.KindFloat64:
		return strconv.FormatFloat(v.Float64(), 'f', -1, 64)
	case slog.KindBool:
		return strconv.FormatBool(v.Bool())
	case slog.KindDuration:
		return v.Duration().String()
	case slog.KindTime:
		return v.Time().Format(time.RFC3339)
	default:
		return fmt.Sprint(v.Any())
	}
}

func quoteIfNeeded(s string) string {
	if s == "" {
		return `""`
	}
	if strings.ContainsAny(s, " \t\r\n\"=") {
		return strconv.Quote(s)
	}
	return s
}
