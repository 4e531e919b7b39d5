package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"promptq/internal/app"
	"promptq/internal/config"
	"promptq/internal/history"
	"promptq/internal/watch"
	logx "promptq/pkg/logx"
)

func main() {
	var (
		cfgPath     = flag.String("config", "./promptq.yaml", "path to config (json or yaml)")
		model       = flag.String("m", "", "model alias from the config")
		promptName  = flag.String("p", "", "prompt alias from the config")
		output      = flag.String("o", "-", "output path (\"-\" = stdout)")
		jobs        = flag.Int("j", 0, "concurrent items (0 = config or GOMAXPROCS)")
		offset      = flag.Int("offset", 0, "skip the first N records")
		limit       = flag.Int("limit", 0, "process at most N records (0 = all)")
		reorder     = flag.Bool("allow-reordering", false, "emit results in completion order instead of input order")
		failureRate = flag.Float64("allowed-failure-rate", -1, "failed fraction above which the exit code is nonzero (-1 = config)")
		rateLimit   = flag.String("rate-limit", "", "rate expression override, e.g. 500/m")
		timeout     = flag.Duration("timeout", 0, "per-attempt timeout (0 = config)")
		watchMode   = flag.Bool("watch", false, "re-run when the input file changes (plus watch.schedule, if set)")
		histN       = flag.Int("history", 0, "list the last N recorded runs and exit")
	)
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: %s [flags] <input-file>\n\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	if *histN > 0 {
		os.Exit(listHistory(*cfgPath, *histN))
	}

	if flag.NArg() != 1 || *model == "" || *promptName == "" {
		flag.Usage()
		os.Exit(2)
	}
	input := flag.Arg(0)

	cfgm := config.NewManager(*cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}

	logs, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console || !cfg.Logging.File.Enabled,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	defer logs.Close()
	cfgm.SetLogger(log)

	opts := app.Options{
		Config:         cfg,
		Model:          *model,
		Prompt:         *promptName,
		InputPath:      input,
		OutputPath:     *output,
		Jobs:           *jobs,
		Offset:         *offset,
		Limit:          *limit,
		RateLimit:      *rateLimit,
		RequestTimeout: *timeout,
	}
	if isFlagSet("allow-reordering") {
		opts.AllowReordering = reorder
	}
	if *failureRate >= 0 {
		opts.AllowedFailureRate = failureRate
	}

	a, err := app.New(opts, log)
	if err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
	defer a.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	go hardStopAfterGrace(ctx, cfg.Run, log)

	if *watchMode || (cfg.Watch != nil && cfg.Watch.Enabled) {
		os.Exit(runWatch(ctx, a, cfgm, input, log))
	}

	_, err = a.Run(ctx)
	switch {
	case err == nil:
	case errors.Is(err, app.ErrFailureRateExceeded):
		log.Error("run failed", logx.Err(err))
		os.Exit(3)
	default:
		log.Error("run failed", logx.Err(err))
		os.Exit(1)
	}
}

// listHistory prints the most recent recorded runs, newest first.
func listHistory(cfgPath string, n int) int {
	cfg, err := config.NewManager(cfgPath).Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		return 1
	}
	if cfg.History == nil || !cfg.History.Enabled {
		fmt.Fprintln(os.Stderr, "fatal: history is not enabled in the config")
		return 1
	}

	st, err := history.Open(*cfg.History, logx.Logger{})
	if err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		return 1
	}
	defer st.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	runs, err := st.Recent(ctx, n)
	if err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		return 1
	}

	tw := tabwriter.NewWriter(os.Stdout, 2, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "STARTED\tMODEL\tPROMPT\tTOTAL\tOK\tFAILED\tERR")
	for _, r := range runs {
		errStr := r.Err
		if errStr == "" {
			errStr = "-"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%d\t%s\n",
			r.StartedAt.Local().Format(time.DateTime),
			r.Model, r.Prompt,
			r.Summary.Total, r.Summary.Ok, r.Summary.Failed,
			errStr,
		)
	}
	tw.Flush()
	return 0
}

func runWatch(ctx context.Context, a *app.App, cfgm *config.Manager, input string, log logx.Logger) int {
	cfg := cfgm.Get()
	wc := config.WatchConfig{Enabled: true}
	if cfg.Watch != nil {
		wc = *cfg.Watch
	}

	// Hot-reload of the config file applies to subsequent runs.
	go func() {
		if err := cfgm.Watch(ctx); err != nil {
			log.Warn("config watch stopped", logx.Err(err))
		}
	}()
	go logConfigChanges(ctx, cfgm, log)

	svc, err := watch.New(func(ctx context.Context) error {
		_, err := a.Run(ctx)
		return err
	}, input, wc, log)
	if err != nil {
		log.Error("watch setup failed", logx.Err(err))
		return 1
	}
	if err := svc.Run(ctx); err != nil && ctx.Err() == nil {
		log.Error("watch stopped", logx.Err(err))
		return 1
	}
	return 0
}

func logConfigChanges(ctx context.Context, cfgm *config.Manager, log logx.Logger) {
	updates := cfgm.Subscribe(4)
	defer cfgm.Unsubscribe(updates)

	prev := cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case next, ok := <-updates:
			if !ok {
				return
			}
			changed, attrs := config.SummarizeChange(prev, next)
			if len(changed) > 0 {
				log.Info("config changed", append(attrs, logx.Any("sections", changed))...)
			}
			prev = next
		}
	}
}

// hardStopAfterGrace gives in-flight requests a bounded window to finish
// after an interrupt, then exits regardless.
func hardStopAfterGrace(ctx context.Context, rc config.RunConfig, log logx.Logger) {
	<-ctx.Done()
	grace, err := config.ParseDurationOrDefault("run.shutdown_grace", rc.ShutdownGrace, 5*time.Second)
	if err != nil {
		grace = 5 * time.Second
	}
	log.Warn("interrupted; draining in-flight work", logx.Duration("grace", grace))
	time.Sleep(grace)
	log.Error("shutdown grace expired; exiting")
	os.Exit(130)
}

func isFlagSet(name string) bool {
	set := false
	flag.Visit(func(f *flag.Flag) {
		if f.Name == name {
			set = true
		}
	})
	return set
}
