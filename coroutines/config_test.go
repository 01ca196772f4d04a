package coroutines

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigDefaults(t *testing.T) {
	cfg, err := Config{}.withDefaults()
	require.NoError(t, err)
	assert.Equal(t, StrategyStackful, cfg.Strategy)
	assert.GreaterOrEqual(t, cfg.Workers, 2)
	assert.Equal(t, defaultStackSizePages, cfg.StackSizePages)
	assert.Equal(t, int64(defaultStackBudget), cfg.StackBudget)
	assert.Equal(t, defaultMigrationInterval, cfg.MigrationInterval)
	assert.Equal(t, LogFormatPretty, cfg.LogFormat)
	assert.Equal(t, os.Stderr, cfg.LogOutput)
	assert.NotNil(t, cfg.GC)
	assert.NotNil(t, cfg.Listener)
	assert.NotNil(t, cfg.Observer)
	assert.Equal(t, int64(defaultStackBudget)/int64(defaultStackSizePages*pageSize()), cfg.CoroutineLimit())
}

func TestConfigErrors(t *testing.T) {
	for _, tc := range []struct {
		name string
		cfg  Config
	}{
		{"strategy", Config{Strategy: 7}},
		{"negative workers", Config{Workers: -1}},
		{"too many workers", Config{Workers: MaxWorkers + 1}},
		{"exclusive overflow", Config{Workers: MaxWorkers - 1, MaxExclusiveWorkers: 2}},
		{"empty budget", Config{Workers: 2, StackSizePages: 4, StackBudget: 1}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			_, err := tc.cfg.withDefaults()
			assert.Error(t, err)
		})
	}
}

func TestParseNames(t *testing.T) {
	s, err := ParseStrategy("Threaded")
	require.NoError(t, err)
	assert.Equal(t, StrategyThreaded, s)
	_, err = ParseStrategy("green")
	assert.ErrorContains(t, err, "unknown strategy")

	p, err := ParsePolicy("non-main")
	require.NoError(t, err)
	assert.Equal(t, PolicyNonMainWorker, p)
	_, err = ParsePolicy("random")
	assert.Error(t, err)

	f, err := ParseLogFormat("indented")
	require.NoError(t, err)
	assert.Equal(t, LogFormatIndented, f)
	_, err = ParseLogFormat("xml")
	assert.Error(t, err)
}

func TestParseTraceflags(t *testing.T) {
	flags, err := parseTraceflagsConfig(" sched, migrate ,")
	require.NoError(t, err)
	assert.Equal(t, traceFlags{sched: true, migrate: true}, flags)

	flags, err = parseTraceflagsConfig("all")
	require.NoError(t, err)
	assert.Equal(t, traceFlags{sched: true, migrate: true, pool: true, worker: true}, flags)

	_, err = parseTraceflagsConfig("sched,bogus")
	assert.ErrorContains(t, err, `unknown traceflag "bogus"`)
	assert.Equal(t, "all,migrate,pool,sched,worker", KnownTraceFlags())
}

func TestLoggerSequenceAndCoroutine(t *testing.T) {
	var buf bytes.Buffer
	logger := makeLogger(&buf, slog.LevelDebug)

	co := &Coroutine{id: 9}
	logger.Info("first")
	logger.With("worker", "1.1").InfoContext(WithCoroutine(context.Background(), co), "second")

	dec := json.NewDecoder(&buf)
	var first, second map[string]any
	require.NoError(t, dec.Decode(&first))
	require.NoError(t, dec.Decode(&second))

	assert.Equal(t, float64(1), first["seq"])
	assert.NotContains(t, first, "coroutine")
	assert.Equal(t, float64(2), second["seq"])
	assert.Equal(t, float64(9), second["coroutine"])
	assert.Equal(t, "1.1", second["worker"])
	assert.Contains(t, second, "source")
}
