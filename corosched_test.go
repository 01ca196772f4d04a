package corosched_test

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/kmrgirish/corosched"
	"github.com/kmrgirish/corosched/coroutines"
	"github.com/kmrgirish/corosched/nemesis"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func quietConfig(strategy coroutines.Strategy) coroutines.Config {
	return coroutines.Config{
		Strategy: strategy,
		Workers:  3,
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

func TestRunWorkload(t *testing.T) {
	for _, strategy := range []coroutines.Strategy{coroutines.StrategyStackful, coroutines.StrategyThreaded} {
		for _, w := range []corosched.Workload{
			{Tasks: 20, Steps: 4},
			{Tasks: 10, Steps: 6, Sleep: 100 * time.Microsecond, Fanout: 3},
			{Tasks: 10, Steps: 2, Fanout: 2, Immediate: true, Priority: coroutines.PriorityHigh},
			{Tasks: 10, Steps: 4, Scenario: nemesis.MigrationBurst{Count: 3, Interval: time.Millisecond}},
		} {
			t.Run(strategy.String(), func(t *testing.T) {
				var res corosched.Result
				err := corosched.Run(quietConfig(strategy), func(m coroutines.Manager, main *coroutines.Coroutine) error {
					var err error
					res, err = w.Run(m, main)
					return err
				})
				if err != nil {
					t.Fatal(err)
				}
				if res.Checksum != w.Expected() {
					t.Errorf("checksum %d, expected %d", res.Checksum, w.Expected())
				}
				if res.Stats.Strategy != strategy {
					t.Errorf("stats for %s", res.Stats.Strategy)
				}
			})
		}
	}
}

func TestRunBodyError(t *testing.T) {
	failure := errors.New("setup failed")
	var stuck *coroutines.CompletionEvent
	err := corosched.Run(quietConfig(coroutines.StrategyStackful), func(m coroutines.Manager, main *coroutines.Coroutine) error {
		never := coroutines.NewEvent(m)
		stuck = coroutines.NewCompletionEvent(m)
		if err := m.Launch(main, stuck, coroutines.MethodFunc{
			MethodName: "stuck",
			Fn: func(co *coroutines.Coroutine, _ []any) (any, error) {
				m.Await(co, never)
				return nil, nil
			},
		}, nil, coroutines.LaunchOptions{}); err != nil {
			return err
		}
		return failure
	})
	if !errors.Is(err, failure) {
		t.Fatalf("expected body error, got %v", err)
	}
	if _, err := stuck.Result(); !errors.Is(err, coroutines.ErrAborted) {
		t.Errorf("expected stuck coroutine to be aborted, got %v", err)
	}
}

func TestRunAbortError(t *testing.T) {
	err := corosched.Run(quietConfig(coroutines.StrategyThreaded), func(m coroutines.Manager, main *coroutines.Coroutine) error {
		return m.Launch(main, nil, coroutines.MethodFunc{
			MethodName: "fatal",
			Fn: func(*coroutines.Coroutine, []any) (any, error) {
				return nil, errors.New("invariant broken")
			},
		}, nil, coroutines.LaunchOptions{Abort: true})
	})
	if !errors.Is(err, coroutines.ErrAborted) || !strings.Contains(err.Error(), "invariant broken") {
		t.Errorf("unexpected error %v", err)
	}
}

func TestRunBadConfig(t *testing.T) {
	err := corosched.Run(coroutines.Config{Workers: -1}, func(coroutines.Manager, *coroutines.Coroutine) error {
		t.Error("body ran")
		return nil
	})
	if err == nil {
		t.Error("expected error")
	}
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) lines() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return strings.Split(strings.TrimSpace(b.buf.String()), "\n")
}

func TestZapListener(t *testing.T) {
	var out syncBuffer
	logger := slog.New(slog.NewJSONHandler(&out, nil))
	listener, err := corosched.NewZapListener(logger)
	if err != nil {
		t.Fatal(err)
	}

	cfg := quietConfig(coroutines.StrategyStackful)
	cfg.Listener = listener
	if err := corosched.Run(cfg, func(m coroutines.Manager, main *coroutines.Coroutine) error {
		_, err := corosched.Workload{Tasks: 5, Steps: 1}.Run(m, main)
		return err
	}); err != nil {
		t.Fatal(err)
	}
	listener.Sync()

	started, ended := listener.Counts()
	if started == 0 || started != ended {
		t.Errorf("started %d, ended %d", started, ended)
	}

	var tasks, starts int
	for _, line := range out.lines() {
		if strings.Count(line, `"name":`) > 1 {
			t.Errorf("duplicate name key: %s", line)
		}
		var rec struct {
			Msg       string `json:"msg"`
			Name      string `json:"name"`
			Coroutine string `json:"coroutine"`
			Type      string `json:"type"`
			Status    string `json:"status"`
		}
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			t.Fatalf("bad record %q: %v", line, err)
		}
		if rec.Coroutine != "task" {
			continue
		}
		if rec.Name != "listener" {
			t.Errorf("record not from listener: %s", line)
		}
		switch rec.Msg {
		case "coroutine started":
			starts++
			if rec.Type != "mutator" {
				t.Errorf("task has type %q: %s", rec.Type, line)
			}
		case "coroutine ended":
			tasks++
			if rec.Status != "finished" {
				t.Errorf("task did not finish: %s", line)
			}
		}
	}
	if starts != 5 || tasks != 5 {
		t.Errorf("expected 5 task start and end records, got %d and %d", starts, tasks)
	}
}
