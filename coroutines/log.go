package coroutines

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"

	"github.com/kmrgirish/corosched/internal/prettylog"
)

// LogFormat selects how the default logger renders records on the console.
type LogFormat string

const (
	LogFormatRaw      LogFormat = "raw"
	LogFormatIndented LogFormat = "indented"
	LogFormatPretty   LogFormat = "pretty"
)

func ParseLogFormat(s string) (LogFormat, error) {
	k := LogFormat(s)
	if k != LogFormatRaw && k != LogFormatIndented && k != LogFormatPretty {
		return "", fmt.Errorf("bad log format %q (known raw,indented,pretty)", s)
	}
	return k, nil
}

// makeLogger builds a JSON logger whose records carry a manager-wide
// sequence number, so records from different workers can be ordered.
func makeLogger(out io.Writer, level slog.Level) *slog.Logger {
	ho := slog.HandlerOptions{
		Level:     level,
		AddSource: true,
	}
	handler := slog.NewJSONHandler(out, &ho)
	return slog.New(wrapHandler{inner: handler, seq: new(atomic.Uint64)})
}

type wrapHandler struct {
	inner slog.Handler
	seq   *atomic.Uint64
}

func (w wrapHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return w.inner.Enabled(ctx, level)
}

func (w wrapHandler) Handle(ctx context.Context, r slog.Record) error {
	r.AddAttrs(slog.Uint64("seq", w.seq.Add(1)))
	if co, ok := ctx.Value(coroutineKey{}).(*Coroutine); ok {
		r.AddAttrs(slog.Uint64("coroutine", uint64(co.id)))
	}
	return w.inner.Handle(ctx, r)
}

func (w wrapHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return wrapHandler{
		inner: w.inner.WithAttrs(attrs),
		seq:   w.seq,
	}
}

func (w wrapHandler) WithGroup(name string) slog.Handler {
	return wrapHandler{
		inner: w.inner.WithGroup(name),
		seq:   w.seq,
	}
}

type coroutineKey struct{}

// WithCoroutine returns a context whose log records name co.
func WithCoroutine(ctx context.Context, co *Coroutine) context.Context {
	return context.WithValue(ctx, coroutineKey{}, co)
}

type indentedWriter struct {
	out io.Writer
}

func (w *indentedWriter) Write(p []byte) (n int, err error) {
	if len(p) > 0 && p[len(p)-1] == '\n' {
		var x any
		if err := json.Unmarshal(p, &x); err == nil {
			o := json.NewEncoder(w.out)
			o.SetIndent("", "  ")
			o.Encode(x)
			return len(p), nil
		}
	}
	w.out.Write(p)
	return len(p), nil
}

// MakeConsoleWriter wraps out to render JSON log lines in format.
func MakeConsoleWriter(out io.Writer, format LogFormat) io.Writer {
	switch format {
	case LogFormatRaw:
		return out
	case LogFormatIndented:
		return &indentedWriter{
			out: out,
		}
	case LogFormatPretty, "":
		return prettylog.NewWriter(out)
	default:
		panic(format)
	}
}
