package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"path"
	"strings"
	"text/tabwriter"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kmrgirish/corosched"
	"github.com/kmrgirish/corosched/config"
	"github.com/kmrgirish/corosched/coroutines"
	"github.com/kmrgirish/corosched/internal/runstore"
	"github.com/kmrgirish/corosched/internal/schedlog"
	"github.com/kmrgirish/corosched/nemesis"
)

const doc = `Corosched runs synthetic workloads on a coroutine scheduler.

Usage: corosched <command> [arguments]

The commands are:

    run            run a workload
    history        list or prune stored run reports
    log            print the records of a run log
    config         print the effective configuration
    help           print this help

The 'run' command:

Usage: corosched run [-config=file] [-strategy=...] [-workers=n] [-tasks=n]
    [-steps=n] [-sleep=d] [-fanout=n] [-immediate] [-scenario=name]
    [-repeat=n] [-parallel=n] [-db=file] [-log=level] [-logfile=file]

The run command starts a manager, runs Tasks coroutines that each pass Steps
suspension points and launch Fanout children, and checks that every step was
accounted for. Flags override the values loaded from -config.

The log level comes from -log, else from the COROSCHED_LOG environment
variable, else from the config file. With -logfile the manager writes JSON
records to that file instead of the console; with -repeat above 1 every
run gets its own file, named file.0, file.1 and so on.

The -scenario flag disturbs the manager while the workload runs; known
scenarios are none, resize, migrate and stop-the-world.

The -repeat flag runs the workload n times; -parallel bounds how many
independent managers run at once. With -db every run is stored as a report.

The 'history' command:

Usage: corosched history [-db=file] [-n=count] [-prune=keep]

The history command lists the most recent stored reports, newest first. With
-prune it deletes all but the newest keep reports instead.

The 'log' command:

Usage: corosched log [-worker=id] [-format=raw|indented|pretty] file

The log command reads a file written by 'run -logfile' and prints its
records in sequence order, optionally only those of one worker (for
example -worker=1.1).

The 'config' command:

Usage: corosched config [-config=file]

The config command prints the configuration a run would use, in HCL.
`

const (
	defaultDB = "corosched.db"
	logEnv    = "COROSCHED_LOG"
)

func commandName(cmd string) string {
	return fmt.Sprintf("%s %s", path.Base(os.Args[0]), cmd)
}

type runFlags struct {
	configPath string
	strategy   string
	workers    int
	level      string

	workload corosched.Workload
	scenario string
	repeat   int
	parallel int
	db       string
	logFile  string
}

func (f *runFlags) register(fs *flag.FlagSet) {
	fs.StringVar(&f.configPath, "config", "", "HCL configuration file")
	fs.StringVar(&f.strategy, "strategy", "", "scheduling strategy: stackful|threaded")
	fs.IntVar(&f.workers, "workers", -1, "number of workers, 0 for automatic")
	fs.StringVar(&f.level, "log", "", "log level: debug|info|warn|error")
	fs.IntVar(&f.workload.Tasks, "tasks", 100, "number of task coroutines")
	fs.IntVar(&f.workload.Steps, "steps", 10, "suspension points per coroutine")
	fs.DurationVar(&f.workload.Sleep, "sleep", 0, "sleep at every other step")
	fs.IntVar(&f.workload.Fanout, "fanout", 0, "children launched by every task")
	fs.BoolVar(&f.workload.Immediate, "immediate", false, "launch the first child immediately")
	fs.StringVar(&f.scenario, "scenario", "none", "disturbance while running: none|resize|migrate|stop-the-world")
	fs.IntVar(&f.repeat, "repeat", 1, "number of runs")
	fs.IntVar(&f.parallel, "parallel", 1, "number of runs at once")
	fs.StringVar(&f.db, "db", "", "store reports in this database")
	fs.StringVar(&f.logFile, "logfile", "", "write JSON log records to this file")
}

// managerConfig merges the config file with the flags that were set.
func (f *runFlags) managerConfig() (coroutines.Config, error) {
	var cfg coroutines.Config
	if f.configPath != "" {
		loaded, err := config.Load(f.configPath)
		if err != nil {
			return cfg, err
		}
		cfg = loaded
	}
	level, err := config.LevelFromEnv(logEnv, cfg.LogLevel)
	if err != nil {
		return cfg, err
	}
	cfg.LogLevel = level
	if f.strategy != "" {
		s, err := coroutines.ParseStrategy(f.strategy)
		if err != nil {
			return cfg, err
		}
		cfg.Strategy = s
	}
	if f.workers >= 0 {
		cfg.Workers = f.workers
	}
	if f.level != "" {
		if err := cfg.LogLevel.UnmarshalText([]byte(f.level)); err != nil {
			return cfg, fmt.Errorf("bad -log: %w", err)
		}
	}
	return cfg, nil
}

func report(cfg coroutines.Config, w corosched.Workload, scenario, logFile string, started time.Time, res corosched.Result, runErr error) *runstore.Report {
	r := &runstore.Report{
		Started:    started,
		LogFile:    logFile,
		Duration:   res.Duration,
		Strategy:   cfg.Strategy.String(),
		Workers:    cfg.Workers,
		Tasks:      w.Tasks,
		Scenario:   scenario,
		Launched:   res.Stats.Launched,
		Terminated: res.Stats.Terminated,
	}
	if runErr != nil {
		r.Err = runErr.Error()
	}
	for _, ws := range res.Stats.Workers {
		r.PerWorker = append(r.PerWorker, runstore.WorkerReport{
			Name:      ws.Name,
			Completed: ws.Completed,
			Switches:  ws.Switches,
		})
	}
	return r
}

// runOnce runs w on a fresh manager. It must run on a goroutine of its own,
// which becomes the manager's main coroutine.
func runOnce(cfg coroutines.Config, w corosched.Workload) (corosched.Result, error) {
	var res corosched.Result
	err := corosched.Run(cfg, func(m coroutines.Manager, main *coroutines.Coroutine) error {
		var err error
		res, err = w.Run(m, main)
		if err != nil {
			return err
		}
		if res.Checksum != w.Expected() {
			return fmt.Errorf("checksum %d, expected %d", res.Checksum, w.Expected())
		}
		return nil
	})
	return res, err
}

func runCommand(args []string) error {
	var f runFlags
	fs := flag.NewFlagSet(commandName("run"), flag.ExitOnError)
	f.register(fs)
	fs.Parse(args)

	cfg, err := f.managerConfig()
	if err != nil {
		return err
	}
	scenario, err := nemesis.Named(f.scenario)
	if err != nil {
		return err
	}
	w := f.workload
	w.Scenario = scenario

	var store *runstore.Store
	if f.db != "" {
		store, err = runstore.Open(f.db)
		if err != nil {
			return err
		}
		defer store.Close()
	}

	var g errgroup.Group
	g.SetLimit(max(f.parallel, 1))
	for i := 0; i < f.repeat; i++ {
		g.Go(func() error {
			runCfg := cfg
			logFile := f.logFile
			if logFile != "" {
				if f.repeat > 1 {
					logFile = fmt.Sprintf("%s.%d", logFile, i)
				}
				out, err := os.Create(logFile)
				if err != nil {
					return err
				}
				defer out.Close()
				runCfg.LogOutput = out
				runCfg.LogFormat = coroutines.LogFormatRaw
			}

			started := time.Now()
			res, runErr := runOnce(runCfg, w)
			if store != nil {
				r := report(runCfg, w, f.scenario, logFile, started, res, runErr)
				if err := store.Put(r); err != nil {
					return errors.Join(runErr, err)
				}
				log.Printf("run %d: %s, %d launched in %s", r.ID, cfg.Strategy, r.Launched, r.Duration)
			} else if runErr == nil {
				log.Printf("run %d: %s, %d launched in %s", i, cfg.Strategy, res.Stats.Launched, res.Duration)
			}
			if runErr != nil {
				return fmt.Errorf("run %d: %w", i, runErr)
			}
			return nil
		})
	}
	return g.Wait()
}

func historyCommand(args []string) error {
	fs := flag.NewFlagSet(commandName("history"), flag.ExitOnError)
	db := fs.String("db", defaultDB, "report database")
	n := fs.Int("n", 20, "number of reports to list")
	prune := fs.Int("prune", -1, "delete all but the newest reports")
	fs.Parse(args)

	store, err := runstore.Open(*db)
	if err != nil {
		return err
	}
	defer store.Close()

	if *prune >= 0 {
		deleted, err := store.Prune(*prune)
		if err != nil {
			return err
		}
		log.Printf("deleted %d reports", deleted)
		return nil
	}

	reports, err := store.List(*n)
	if err != nil {
		return err
	}
	printReports(os.Stdout, reports)
	return nil
}

func logCommand(args []string, out io.Writer) error {
	fs := flag.NewFlagSet(commandName("log"), flag.ExitOnError)
	worker := fs.String("worker", "", "only print records of this worker")
	formatName := fs.String("format", "pretty", "output format: raw|indented|pretty")
	fs.Parse(args)

	if fs.NArg() != 1 {
		return errors.New("log: expected exactly one log file")
	}
	format, err := coroutines.ParseLogFormat(*formatName)
	if err != nil {
		return err
	}
	b, err := os.ReadFile(fs.Arg(0))
	if err != nil {
		return err
	}

	logs := schedlog.ParseLog(b)
	if *worker != "" {
		logs = schedlog.ForWorker(logs, *worker)
	}
	w := coroutines.MakeConsoleWriter(out, format)
	for _, rec := range logs {
		line := make([]byte, 0, len(rec.Raw)+1)
		line = append(append(line, rec.Raw...), '\n')
		w.Write(line)
	}
	return nil
}

func printReports(out io.Writer, reports []runstore.Report) {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTARTED\tSTRATEGY\tWORKERS\tTASKS\tSCENARIO\tDURATION\tRESULT")
	for _, r := range reports {
		result := "ok"
		if r.Err != "" {
			result = strings.SplitN(r.Err, "\n", 2)[0]
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%d\t%d\t%s\t%s\t%s\n",
			r.ID, r.Started.Format(time.DateTime), r.Strategy, r.Workers, r.Tasks,
			r.Scenario, r.Duration.Round(time.Microsecond), result)
	}
	tw.Flush()
}

func configCommand(args []string) error {
	var f runFlags
	fs := flag.NewFlagSet(commandName("config"), flag.ExitOnError)
	f.register(fs)
	fs.Parse(args)

	cfg, err := f.managerConfig()
	if err != nil {
		return err
	}
	os.Stdout.Write(config.Format(cfg))
	return nil
}

func main() {
	os.Exit(realMain())
}

// realMain runs the command line and returns the exit code.
func realMain() int {
	flag.Usage = func() {
		fmt.Print(doc)
	}
	flag.Parse()

	if len(flag.Args()) < 1 {
		flag.Usage()
		return 2
	}
	cmd := flag.Args()[0]
	cmdArgs := flag.Args()[1:]

	var err error
	switch cmd {
	case "run":
		err = runCommand(cmdArgs)
	case "history":
		err = historyCommand(cmdArgs)
	case "log":
		err = logCommand(cmdArgs, os.Stdout)
	case "config":
		err = configCommand(cmdArgs)
	case "help":
		flag.Usage()
	default:
		flag.Usage()
		return 2
	}
	if err != nil {
		log.Print(err)
		return 1
	}
	return 0
}
