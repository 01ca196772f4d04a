// MIT License
//
// # Copyright (c) 2017 Olivier Poitrey
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in
// all copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
// SOFTWARE.
//
// Based on https://github.com/rs/zerolog/blob/master/console.go.
package prettylog

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-isatty"
)

const (
	colorRed     = 31
	colorGreen   = 32
	colorYellow  = 33
	colorMagenta = 35
	colorCyan    = 36

	colorBold     = 1
	colorDarkGray = 90
)

const (
	seqKey       = "seq"
	workerKey    = "worker"
	coroutineKey = "coroutine"
	errorKey     = "err"
	stackKey     = "stackframes"
)

// headerKeys are rendered by writeHeader and writeStack, never as fields.
var headerKeys = map[string]bool{
	seqKey:          true,
	workerKey:       true,
	coroutineKey:    true,
	stackKey:        true,
	slog.TimeKey:    true,
	slog.LevelKey:   true,
	slog.SourceKey:  true,
	slog.MessageKey: true,
}

// A Writer renders JSON log records as console lines. Every Write must hold
// exactly one record; input that does not decode is copied unchanged.
//
// A record renders as its sequence number, worker and coroutine, time,
// level, source and message, followed by the remaining attrs sorted by key
// with err first. Stack frames follow on lines of their own.
type Writer struct {
	out   io.Writer
	color bool
}

func NewWriter(out io.Writer) *Writer {
	return &Writer{out: out, color: colorEnabled()}
}

// colorEnabled follows NO_COLOR and FORCE_COLOR, then whether stdout is a
// terminal.
func colorEnabled() bool {
	if os.Getenv("FORCE_COLOR") != "" {
		return true
	}
	if os.Getenv("NO_COLOR") != "" || os.Getenv("TERM") == "dumb" {
		return false
	}
	fd := os.Stdout.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}

var bufPool = sync.Pool{
	New: func() any {
		return bytes.NewBuffer(make([]byte, 0, 1024))
	},
}

func (w *Writer) Write(p []byte) (int, error) {
	body := bytes.TrimLeft(p, " ")
	prefix := p[:len(p)-len(body)]

	var rec map[string]any
	d := json.NewDecoder(bytes.NewReader(body))
	d.UseNumber()
	if err := d.Decode(&rec); err != nil {
		w.out.Write(p)
		return len(p), fmt.Errorf("cannot decode record: %w", err)
	}

	buf := bufPool.Get().(*bytes.Buffer)
	defer func() {
		buf.Reset()
		bufPool.Put(buf)
	}()

	w.writeHeader(buf, rec)
	w.writeFields(buf, rec)
	buf.WriteByte('\n')
	w.writeStack(buf, rec[stackKey])

	// continuation lines are indented below the record
	for i, line := range bytes.SplitAfter(buf.Bytes(), []byte("\n")) {
		if len(line) == 0 {
			continue
		}
		w.out.Write(prefix)
		if i > 0 {
			io.WriteString(w.out, "    ")
		}
		w.out.Write(line)
	}
	return len(p), nil
}

func (w *Writer) writeHeader(buf *bytes.Buffer, rec map[string]any) {
	parts := make([]string, 0, 6)
	if v, ok := rec[seqKey]; ok {
		parts = append(parts, padLeft(fmt.Sprint(v), 5))
	}
	if v, ok := rec[workerKey]; ok {
		label := fmt.Sprint(v)
		if co, ok := rec[coroutineKey]; ok {
			label += "/" + fmt.Sprint(co)
		}
		parts = append(parts, padRight(label, 10))
	}
	if v, ok := rec[slog.TimeKey]; ok {
		parts = append(parts, w.timestamp(v))
	}
	if v, ok := rec[slog.LevelKey]; ok {
		parts = append(parts, w.level(v))
	}
	if s := w.source(rec[slog.SourceKey]); s != "" {
		parts = append(parts, s)
	}
	if v, ok := rec[slog.MessageKey]; ok && v != "" {
		parts = append(parts, w.message(rec[slog.LevelKey], v))
	}
	buf.WriteString(strings.Join(parts, " "))
}

func (w *Writer) writeFields(buf *bytes.Buffer, rec map[string]any) {
	keys := make([]string, 0, len(rec))
	for k := range rec {
		if !headerKeys[k] {
			keys = append(keys, k)
		}
	}
	slices.Sort(keys)
	if i := slices.Index(keys, errorKey); i > 0 {
		keys = slices.Insert(slices.Delete(keys, i, i+1), 0, errorKey)
	}

	for _, k := range keys {
		if buf.Len() > 0 {
			buf.WriteByte(' ')
		}
		buf.WriteString(w.colorize(k+"=", colorCyan))
		buf.WriteString(w.value(k, rec[k]))
	}
}

// writeStack renders the frames of a stackframes attr, innermost first.
func (w *Writer) writeStack(buf *bytes.Buffer, v any) {
	frames, _ := v.([]any)
	for _, f := range frames {
		frame, ok := f.(map[string]any)
		if !ok {
			continue
		}
		fn, _ := frame["function"].(string)
		buf.WriteString(fn)
		buf.WriteByte(' ')
		buf.WriteString(w.colorize(shortFile(frame["file"], frame["line"]), colorDarkGray))
		buf.WriteByte('\n')
	}
}

func (w *Writer) value(key string, v any) string {
	var s string
	switch v := v.(type) {
	case string:
		s = v
		if needsQuote(s) {
			s = strconv.Quote(s)
		}
	case json.Number:
		s = v.String()
	default:
		var b bytes.Buffer
		enc := json.NewEncoder(&b)
		enc.SetEscapeHTML(false)
		if err := enc.Encode(v); err != nil {
			return w.colorize(fmt.Sprintf("[error: %v]", err), colorRed)
		}
		s = strings.TrimSuffix(b.String(), "\n")
	}
	if key == errorKey {
		return w.colorize(s, colorBold, colorRed)
	}
	return s
}

// needsQuote reports whether s is unreadable without quotes.
func needsQuote(s string) bool {
	for i := range s {
		if s[i] < 0x20 || s[i] > 0x7e || s[i] == ' ' || s[i] == '\\' || s[i] == '"' {
			return true
		}
	}
	return false
}

const pad = "          "

func padLeft(s string, n int) string {
	if len(s) >= n {
		return s
	}
	return pad[:n-len(s)] + s
}

func padRight(s string, n int) string {
	if len(s) >= n {
		return s
	}
	return s + pad[:n-len(s)]
}

// colorize wraps s in the ANSI codes cs, innermost first.
func (w *Writer) colorize(s string, cs ...int) string {
	if !w.color {
		return s
	}
	for _, c := range cs {
		if c != 0 {
			s = fmt.Sprintf("\x1b[%dm%s\x1b[0m", c, s)
		}
	}
	return s
}

const timeFormat = "15:04:05.000"

func (w *Writer) timestamp(v any) string {
	s := fmt.Sprint(v)
	if ts, err := time.Parse(time.RFC3339Nano, s); err == nil {
		s = ts.UTC().Format(timeFormat)
	}
	return w.colorize(s, colorDarkGray)
}

var levels = map[slog.Level]struct {
	short string
	color int
}{
	slog.LevelDebug: {"DBG", colorMagenta},
	slog.LevelInfo:  {"INF", colorGreen},
	slog.LevelWarn:  {"WRN", colorYellow},
	slog.LevelError: {"ERR", colorRed},
}

func parseLevel(v any) (slog.Level, string, bool) {
	s, _ := v.(string)
	var l slog.Level
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return 0, s, false
	}
	return l, s, true
}

func (w *Writer) level(v any) string {
	l, s, ok := parseLevel(v)
	if known, found := levels[l]; ok && found {
		return w.colorize(known.short, known.color)
	}
	if s == "" {
		return "???"
	}
	return strings.ToUpper(s[:min(3, len(s))])
}

func (w *Writer) message(level, v any) string {
	s := fmt.Sprint(v)
	if l, _, ok := parseLevel(level); ok && l >= slog.LevelInfo {
		return w.colorize(s, colorBold)
	}
	return s
}

func (w *Writer) source(v any) string {
	m, ok := v.(map[string]any)
	if !ok {
		return ""
	}
	return w.colorize(shortFile(m["file"], m["line"]), colorDarkGray) + w.colorize(" >", colorCyan)
}

// shortFile renders a frame location as dir/file.go:line.
func shortFile(file, line any) string {
	f, _ := file.(string)
	return fmt.Sprintf("%s/%s:%v", path.Base(path.Dir(f)), path.Base(f), line)
}
