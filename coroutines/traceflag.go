package coroutines

import (
	"fmt"
	"maps"
	"slices"
	"strings"
)

// traceFlags enables debug logging per category. They are fixed when the
// manager is created.
type traceFlags struct {
	sched   bool
	migrate bool
	pool    bool
	worker  bool
}

func knownTraceflags() []string {
	return slices.Sorted(maps.Keys(traceflagSetters))
}

// KnownTraceFlags lists the categories accepted by Config.TraceFlags.
func KnownTraceFlags() string {
	return strings.Join(knownTraceflags(), ",")
}

var traceflagSetters = map[string]func(f *traceFlags){
	"sched":   func(f *traceFlags) { f.sched = true },
	"migrate": func(f *traceFlags) { f.migrate = true },
	"pool":    func(f *traceFlags) { f.pool = true },
	"worker":  func(f *traceFlags) { f.worker = true },
	"all": func(f *traceFlags) {
		*f = traceFlags{sched: true, migrate: true, pool: true, worker: true}
	},
}

func parseTraceflagsConfig(config string) (traceFlags, error) {
	var flags traceFlags
	for _, name := range strings.Split(config, ",") {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}

		set, ok := traceflagSetters[name]
		if !ok {
			return traceFlags{}, fmt.Errorf("unknown traceflag %q (known %s)", name, KnownTraceFlags())
		}
		set(&flags)
	}
	return flags, nil
}
