// Package schedlog reads the JSON logs written by a coroutine manager and
// provides the attrs it adds to them.
package schedlog

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"runtime"
	"slices"
	"time"
)

type Stackframe struct {
	File     string `json:"file"`
	Function string `json:"function"`
	Line     int    `json:"line"`
}

// Log is one parsed record. Fields the manager does not always set are left
// zero.
type Log struct {
	Index int `json:"-"`

	Time        time.Time     `json:"time"`
	Level       slog.Level    `json:"level"`
	Msg         string        `json:"msg"`
	Source      *Stackframe   `json:"source"`
	Seq         uint64        `json:"seq"`
	Strategy    string        `json:"strategy"`
	Worker      string        `json:"worker"`
	Coroutine   uint64        `json:"coroutine"`
	Name        string        `json:"name"`
	Stackframes []*Stackframe `json:"stackframes"`

	// Raw is the record as it was read.
	Raw json.RawMessage `json:"-"`
}

// ParseLog parses newline separated JSON records, skipping lines that are
// not records. Records are returned in sequence order.
func ParseLog(logs []byte) []*Log {
	var out []*Log

	for _, line := range bytes.Split(logs, []byte("\n")) {
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		var log Log
		if err := json.Unmarshal(line, &log); err != nil {
			continue
		}
		log.Raw = json.RawMessage(line)
		out = append(out, &log)
	}

	slices.SortStableFunc(out, func(a, b *Log) int {
		switch {
		case a.Seq < b.Seq:
			return -1
		case a.Seq > b.Seq:
			return 1
		default:
			return 0
		}
	})
	for i, log := range out {
		log.Index = i
	}
	return out
}

// ForWorker returns the records logged on behalf of worker.
func ForWorker(logs []*Log, worker string) []*Log {
	var out []*Log
	for _, log := range logs {
		if log.Worker == worker {
			out = append(out, log)
		}
	}
	return out
}

// Stack returns the caller's stack as an attr, skipping skip frames.
func Stack(skip int) slog.Attr {
	var pcs [256]uintptr
	n := runtime.Callers(skip+1, pcs[:])

	var frames []Stackframe
	if n > 0 {
		iter := runtime.CallersFrames(pcs[:n])
		for {
			frame, more := iter.Next()
			frames = append(frames, Stackframe{
				Function: frame.Function,
				File:     frame.File,
				Line:     frame.Line,
			})
			if !more {
				break
			}
		}
	}
	return slog.Any("stackframes", frames)
}
