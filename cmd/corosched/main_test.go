package main

import (
	"bytes"
	"flag"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rogpeppe/go-internal/testscript"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kmrgirish/corosched/coroutines"
	"github.com/kmrgirish/corosched/internal/runstore"
)

func TestMain(m *testing.M) {
	os.Exit(testscript.RunMain(m, map[string]func() int{
		"corosched": realMain,
	}))
}

func TestScript(t *testing.T) {
	testscript.Run(t, testscript.Params{
		Dir: "testdata",
	})
}

func parseRunFlags(t *testing.T, args ...string) *runFlags {
	t.Helper()
	var f runFlags
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	f.register(fs)
	require.NoError(t, fs.Parse(args))
	return &f
}

func TestManagerConfigFlagsOverrideFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sched.hcl")
	require.NoError(t, os.WriteFile(path, []byte(`
strategy = "threaded"
workers  = 6
`), 0o644))

	cfg, err := parseRunFlags(t, "-config", path).managerConfig()
	require.NoError(t, err)
	assert.Equal(t, coroutines.StrategyThreaded, cfg.Strategy)
	assert.Equal(t, 6, cfg.Workers)

	cfg, err = parseRunFlags(t, "-config", path, "-strategy", "stackful", "-workers", "3").managerConfig()
	require.NoError(t, err)
	assert.Equal(t, coroutines.StrategyStackful, cfg.Strategy)
	assert.Equal(t, 3, cfg.Workers)
}

func TestManagerConfigLevelPrecedence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sched.hcl")
	require.NoError(t, os.WriteFile(path, []byte(`log_level = "debug"`), 0o644))

	cfg, err := parseRunFlags(t, "-config", path).managerConfig()
	require.NoError(t, err)
	assert.Equal(t, slog.LevelDebug, cfg.LogLevel)

	t.Setenv(logEnv, "warn")
	cfg, err = parseRunFlags(t, "-config", path).managerConfig()
	require.NoError(t, err)
	assert.Equal(t, slog.LevelWarn, cfg.LogLevel, "environment overrides the file")

	cfg, err = parseRunFlags(t, "-config", path, "-log", "error").managerConfig()
	require.NoError(t, err)
	assert.Equal(t, slog.LevelError, cfg.LogLevel, "flag overrides the environment")
}

func TestRunCommandLogFile(t *testing.T) {
	dir := t.TempDir()
	logFile := filepath.Join(dir, "run.log")
	require.NoError(t, runCommand([]string{
		"-workers", "2", "-tasks", "4", "-steps", "2", "-log", "debug", "-logfile", logFile,
	}))

	var raw bytes.Buffer
	require.NoError(t, logCommand([]string{"-format", "raw", "-worker", "1.1", logFile}, &raw))
	lines := strings.Split(strings.TrimSpace(raw.String()), "\n")
	require.NotEmpty(t, lines)
	for _, line := range lines {
		assert.Contains(t, line, `"worker":"1.1"`)
	}
	assert.Contains(t, raw.String(), "worker shut down")
}

func TestManagerConfigErrors(t *testing.T) {
	_, err := parseRunFlags(t, "-strategy", "green").managerConfig()
	assert.Error(t, err)

	_, err = parseRunFlags(t, "-log", "loud").managerConfig()
	assert.Error(t, err)

	_, err = parseRunFlags(t, "-config", filepath.Join(t.TempDir(), "missing.hcl")).managerConfig()
	assert.Error(t, err)
}

func TestRunCommandStoresReports(t *testing.T) {
	db := filepath.Join(t.TempDir(), "runs.db")
	err := runCommand([]string{
		"-workers", "2", "-tasks", "8", "-steps", "4", "-fanout", "1",
		"-repeat", "3", "-parallel", "2", "-db", db, "-log", "error",
	})
	require.NoError(t, err)

	store, err := runstore.Open(db)
	require.NoError(t, err)
	defer store.Close()
	reports, err := store.List(10)
	require.NoError(t, err)
	require.Len(t, reports, 3)
	for _, r := range reports {
		assert.Empty(t, r.Err)
		assert.Equal(t, "stackful", r.Strategy)
		assert.Equal(t, 8, r.Tasks)
		assert.Equal(t, "none", r.Scenario)
		// 8 tasks and 8 children, plus the manager's own coroutines
		assert.GreaterOrEqual(t, r.Launched, uint64(16))
	}
}

func TestRunCommandUnknownScenario(t *testing.T) {
	err := runCommand([]string{"-scenario", "meteor"})
	assert.ErrorContains(t, err, "meteor")
}

func TestPrintReports(t *testing.T) {
	started := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	var buf bytes.Buffer
	printReports(&buf, []runstore.Report{
		{ID: 2, Started: started, Strategy: "threaded", Workers: 4, Tasks: 10, Duration: time.Millisecond, Err: "boom\ntrace"},
		{ID: 1, Started: started, Strategy: "stackful", Workers: 2, Tasks: 5, Scenario: "resize", Duration: time.Second},
	})
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 3)
	assert.True(t, strings.HasPrefix(lines[0], "ID"))
	assert.Contains(t, lines[1], "threaded")
	assert.True(t, strings.HasSuffix(lines[1], "boom"))
	assert.Contains(t, lines[2], "resize")
	assert.True(t, strings.HasSuffix(lines[2], "ok"))
}
