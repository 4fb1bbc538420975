// Command gengc runs a synthetic workload on a generational heap and prints
// the collector log, like a JVM started with -Xlog:gc.
//
//	gengc -flags "-Xmx32m -Xmn8m -XX:MaxTenuringThreshold=3" -workload tree -iterations 500
package main

import (
	"flag"
	"fmt"
	"io"
	"math/rand"
	"os"
	"strings"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/gofrs/flock"
	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
	"github.com/tinygo-org/gengc/config"
	"github.com/tinygo-org/gengc/diagnostics"
	"github.com/tinygo-org/gengc/gc"
	"github.com/tinygo-org/gengc/gclog"
	"github.com/tinygo-org/gengc/heapdump"
	"github.com/tinygo-org/gengc/verify"
	"golang.org/x/exp/slog"
)

type options struct {
	configPath string
	flags      string
	workload   string
	iterations int
	depth      int
	mutators   int
	seed       int64
	logPath    string
	dumpPath   string
	stats      bool
	verify     bool
	verbose    bool
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: gengc [options]")
	fmt.Fprintln(os.Stderr, "\noptions:")
	flag.PrintDefaults()
	fmt.Fprintln(os.Stderr, "\nheap options accepted by -flags:")
	for _, name := range config.FlagNames() {
		fmt.Fprintln(os.Stderr, "  -XX:"+name)
	}
}

// Print a message to stderr and exit.
func fatal(msg string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "gengc: "+msg+"\n", args...)
	os.Exit(1)
}

func main() {
	var o options
	flag.StringVar(&o.configPath, "config", "", "YAML heap configuration file")
	flag.StringVar(&o.flags, "flags", "", "JVM-style heap options, like \"-Xmx64m -XX:MaxTenuringThreshold=4\"")
	flag.StringVar(&o.workload, "workload", "churn", "workload to run: "+strings.Join(workloadNames(), ", "))
	flag.IntVar(&o.iterations, "iterations", 100, "number of workload iterations per mutator")
	flag.IntVar(&o.depth, "depth", 12, "depth of the long-lived tree of the tree workload")
	flag.IntVar(&o.mutators, "mutators", 1, "number of concurrent mutators")
	flag.Int64Var(&o.seed, "seed", 1, "random seed")
	flag.StringVar(&o.logPath, "log", "", "append the collector log to this file instead of stderr")
	flag.StringVar(&o.dumpPath, "dump", "", "write a JSON heap dump to this file when done")
	flag.BoolVar(&o.stats, "stats", false, "print the collector counters as JSON when done")
	flag.BoolVar(&o.verify, "verify", false, "verify the heap before and after every collection")
	flag.BoolVar(&o.verbose, "v", false, "log debug messages")
	flag.Usage = usage
	flag.Parse()
	if flag.NArg() != 0 {
		usage()
		os.Exit(1)
	}

	if err := run(o); err != nil {
		var list diagnostics.List
		if errors.As(err, &list) {
			fmt.Fprintln(os.Stderr, "gengc: heap verification failed")
			diagnostics.CreateDiagnostics(list).WriteTo(os.Stderr)
			os.Exit(1)
		}
		fatal("%v", err)
	}
}

func loadConfig(o options) (config.Config, error) {
	cfg := config.Default()
	if o.configPath != "" {
		var err error
		if cfg, err = config.Load(o.configPath); err != nil {
			return cfg, err
		}
	}
	if err := cfg.ParseFlags(o.flags); err != nil {
		return cfg, err
	}
	if o.verify {
		cfg.VerifyBeforeGC = true
		cfg.VerifyAfterGC = true
	}
	return cfg, nil
}

// openLog returns the writer for the collector log and whether it is a
// terminal. A log file is locked so that two runs cannot interleave lines.
func openLog(path string) (w io.Writer, color bool, closer func() error, err error) {
	if path == "" {
		color = isatty.IsTerminal(os.Stderr.Fd()) || isatty.IsCygwinTerminal(os.Stderr.Fd())
		return colorable.NewColorable(os.Stderr), color, func() error { return nil }, nil
	}
	lock := flock.New(path + ".lock")
	locked, err := lock.TryLock()
	if err != nil {
		return nil, false, nil, errors.Wrapf(err, "lock %s", path)
	}
	if !locked {
		return nil, false, nil, errors.Newf("log %s is in use by another process", path)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		lock.Unlock()
		return nil, false, nil, err
	}
	return f, false, func() error {
		return errors.CombineErrors(f.Close(), lock.Unlock())
	}, nil
}

func run(o options) (err error) {
	work, ok := workloads[o.workload]
	if !ok {
		return errors.Newf("unknown workload %q, choose one of %s", o.workload, strings.Join(workloadNames(), ", "))
	}
	if o.mutators < 1 {
		return errors.New("need at least one mutator")
	}
	cfg, err := loadConfig(o)
	if err != nil {
		return err
	}

	w, color, closeLog, err := openLog(o.logPath)
	if err != nil {
		return err
	}
	defer func() {
		err = errors.CombineErrors(err, closeLog())
	}()
	level := slog.LevelInfo
	if o.verbose {
		level = slog.LevelDebug
	}
	log := gclog.New(w, level, color)

	h, err := gc.New(cfg, log)
	if err != nil {
		return err
	}
	defer func() {
		err = errors.CombineErrors(err, h.Close())
	}()
	if o.verify {
		verify.Install(h)
	}

	if err := runMutators(h, work, o); err != nil {
		return err
	}
	log.Info("workload done",
		"workload", o.workload,
		"collections", h.TotalCollections(),
		"full", h.TotalFullCollections(),
		"used", config.Size(h.Used()),
		"capacity", config.Size(h.Capacity()))

	if o.verify {
		var verr error
		h.AtSafepoint(func() { verr = verify.Heap(h) })
		if verr != nil {
			return verr
		}
	}
	if o.dumpPath != "" {
		if err := writeDump(o.dumpPath, h); err != nil {
			return err
		}
	}
	if o.stats {
		if err := heapdump.WriteStats(os.Stdout, h); err != nil {
			return err
		}
		fmt.Println()
	}
	return nil
}

// runMutators runs the workload on o.mutators goroutines and returns the
// first error. A failed heap assertion is reported as an error too.
func runMutators(h *gc.Heap, work workload, o options) error {
	var wg sync.WaitGroup
	errs := make([]error, o.mutators)
	for i := 0; i < o.mutators; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					if err, ok := r.(error); ok {
						errs[i] = err
					} else {
						errs[i] = errors.Newf("%v", r)
					}
				}
			}()
			m := h.NewMutator(fmt.Sprintf("mutator-%d", i))
			defer m.Release()
			rng := rand.New(rand.NewSource(o.seed + int64(i)))
			if err := work(m, rng, o); err != nil {
				errs[i] = errors.Wrapf(err, "%s", m.Name())
			}
		}(i)
	}
	wg.Wait()
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

func writeDump(path string, h *gc.Heap) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := heapdump.Write(f, h, heapdump.Options{Collect: true}); err != nil {
		f.Close()
		return errors.Wrapf(err, "dump %s", path)
	}
	return f.Close()
}
