// Package config loads manager configuration from HCL files.
//
// A file looks like
//
//	strategy   = "stackful"
//	workers    = "auto" # or a number
//	policy     = "non-main-worker"
//	log_level  = "debug"
//	trace      = ["sched", "migrate"]
//
//	migration {
//	  enabled  = true
//	  interval = "2ms"
//	}
//
// Every attribute is optional; missing ones keep the manager defaults.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/hashicorp/hcl/v2/hclwrite"
	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/gocty"

	"github.com/kmrgirish/corosched/coroutines"
)

type file struct {
	Strategy            *string        `hcl:"strategy,optional"`
	Workers             hcl.Expression `hcl:"workers,optional"`
	StackSizePages      *int           `hcl:"stack_size_pages,optional"`
	StackBudget         *int64         `hcl:"stack_budget,optional"`
	Policy              *string        `hcl:"policy,optional"`
	MaxExclusiveWorkers *int           `hcl:"max_exclusive_workers,optional"`
	ReuseCoroutines     *bool          `hcl:"reuse_coroutines,optional"`
	LogLevel            *string        `hcl:"log_level,optional"`
	LogFormat           *string        `hcl:"log_format,optional"`
	Trace               []string       `hcl:"trace,optional"`

	Migration *migrationBlock `hcl:"migration,block"`
}

type migrationBlock struct {
	Enabled  *bool   `hcl:"enabled,optional"`
	Interval *string `hcl:"interval,optional"`
}

// Load reads and decodes the HCL file at path.
func Load(path string) (coroutines.Config, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return coroutines.Config{}, err
	}
	return Parse(src, path)
}

// Parse decodes HCL source. filename is used in diagnostics only.
func Parse(src []byte, filename string) (coroutines.Config, error) {
	parser := hclparse.NewParser()
	f, diags := parser.ParseHCL(src, filename)
	if diags.HasErrors() {
		return coroutines.Config{}, fmt.Errorf("failed to parse %s: %w", filename, diags)
	}

	var raw file
	if diags := gohcl.DecodeBody(f.Body, nil, &raw); diags.HasErrors() {
		return coroutines.Config{}, fmt.Errorf("failed to decode %s: %w", filename, diags)
	}

	cfg, err := raw.config()
	if err != nil {
		return coroutines.Config{}, fmt.Errorf("%s: %w", filename, err)
	}
	return cfg, nil
}

func (f *file) config() (coroutines.Config, error) {
	var cfg coroutines.Config
	var err error

	if f.Strategy != nil {
		if cfg.Strategy, err = coroutines.ParseStrategy(*f.Strategy); err != nil {
			return cfg, err
		}
	}
	if cfg.Workers, err = decodeWorkers(f.Workers); err != nil {
		return cfg, err
	}
	if f.StackSizePages != nil {
		cfg.StackSizePages = *f.StackSizePages
	}
	if f.StackBudget != nil {
		cfg.StackBudget = *f.StackBudget
	}
	if f.Policy != nil {
		if cfg.Policy, err = coroutines.ParsePolicy(*f.Policy); err != nil {
			return cfg, err
		}
	}
	if f.MaxExclusiveWorkers != nil {
		cfg.MaxExclusiveWorkers = *f.MaxExclusiveWorkers
	}
	if f.ReuseCoroutines != nil {
		cfg.ReuseCoroutines = *f.ReuseCoroutines
	}
	if f.LogLevel != nil {
		if err := cfg.LogLevel.UnmarshalText([]byte(*f.LogLevel)); err != nil {
			return cfg, fmt.Errorf("log_level: %w", err)
		}
	}
	if f.LogFormat != nil {
		if cfg.LogFormat, err = coroutines.ParseLogFormat(*f.LogFormat); err != nil {
			return cfg, err
		}
	}
	cfg.TraceFlags = strings.Join(f.Trace, ",")

	if m := f.Migration; m != nil {
		cfg.EnableMigration = m.Enabled == nil || *m.Enabled
		if m.Interval != nil {
			d, err := time.ParseDuration(*m.Interval)
			if err != nil {
				return cfg, fmt.Errorf("migration interval: %w", err)
			}
			if d <= 0 {
				return cfg, fmt.Errorf("migration interval %s is not positive", d)
			}
			cfg.MigrationInterval = d
		}
	}
	return cfg, nil
}

// decodeWorkers accepts a number or the string "auto".
func decodeWorkers(expr hcl.Expression) (int, error) {
	if expr == nil {
		return coroutines.WorkersAuto, nil
	}
	val, diags := expr.Value(nil)
	if diags.HasErrors() {
		return 0, fmt.Errorf("workers: %w", diags)
	}
	if val.IsNull() {
		return coroutines.WorkersAuto, nil
	}
	switch val.Type() {
	case cty.String:
		if s := val.AsString(); s != "auto" {
			return 0, fmt.Errorf("workers: expected a number or \"auto\", got %q", s)
		}
		return coroutines.WorkersAuto, nil
	case cty.Number:
		var n int
		if err := gocty.FromCtyValue(val, &n); err != nil {
			return 0, fmt.Errorf("workers: %w", err)
		}
		if n <= 0 {
			return 0, fmt.Errorf("workers: %d is not positive", n)
		}
		return n, nil
	default:
		return 0, fmt.Errorf("workers: expected a number or \"auto\", got %s", val.Type().FriendlyName())
	}
}

// Format renders cfg as an HCL file that Parse reads back to the same
// settings. Collaborators and loggers are not representable and are left
// out.
func Format(cfg coroutines.Config) []byte {
	f := hclwrite.NewEmptyFile()
	body := f.Body()

	body.SetAttributeValue("strategy", cty.StringVal(cfg.Strategy.String()))
	if cfg.Workers == coroutines.WorkersAuto {
		body.SetAttributeValue("workers", cty.StringVal("auto"))
	} else {
		body.SetAttributeValue("workers", cty.NumberIntVal(int64(cfg.Workers)))
	}
	if cfg.StackSizePages != 0 {
		body.SetAttributeValue("stack_size_pages", cty.NumberIntVal(int64(cfg.StackSizePages)))
	}
	if cfg.StackBudget != 0 {
		body.SetAttributeValue("stack_budget", cty.NumberIntVal(cfg.StackBudget))
	}
	body.SetAttributeValue("policy", cty.StringVal(cfg.Policy.String()))
	if cfg.MaxExclusiveWorkers != 0 {
		body.SetAttributeValue("max_exclusive_workers", cty.NumberIntVal(int64(cfg.MaxExclusiveWorkers)))
	}
	body.SetAttributeValue("reuse_coroutines", cty.BoolVal(cfg.ReuseCoroutines))
	body.SetAttributeValue("log_level", cty.StringVal(strings.ToLower(cfg.LogLevel.String())))
	if cfg.LogFormat != "" {
		body.SetAttributeValue("log_format", cty.StringVal(string(cfg.LogFormat)))
	}
	if cfg.TraceFlags != "" {
		var flags []cty.Value
		for _, name := range strings.Split(cfg.TraceFlags, ",") {
			if name = strings.TrimSpace(name); name != "" {
				flags = append(flags, cty.StringVal(name))
			}
		}
		if len(flags) > 0 {
			body.SetAttributeValue("trace", cty.ListVal(flags))
		}
	}

	body.AppendNewline()
	migration := body.AppendNewBlock("migration", nil).Body()
	migration.SetAttributeValue("enabled", cty.BoolVal(cfg.EnableMigration))
	if cfg.MigrationInterval != 0 {
		migration.SetAttributeValue("interval", cty.StringVal(cfg.MigrationInterval.String()))
	}
	return f.Bytes()
}

// LevelFromEnv returns the level named by the environment variable key, or
// def if it is unset.
func LevelFromEnv(key string, def slog.Level) (slog.Level, error) {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return def, nil
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(v)); err != nil {
		return def, fmt.Errorf("%s: %w", key, err)
	}
	return level, nil
}
