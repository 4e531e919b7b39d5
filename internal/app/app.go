// Package app wires one batch run end to end: input file -> scheduler ->
// driver under retry -> aggregator -> output file, with the run summary
// logged and optionally persisted.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"promptq/internal/config"
	"promptq/internal/drivers"
	"promptq/internal/history"
	"promptq/internal/progress"
	"promptq/internal/prompt"
	"promptq/internal/queue"
	"promptq/internal/ratelimit"
	"promptq/internal/recordio"
	"promptq/internal/retry"
	"promptq/internal/work"
	logx "promptq/pkg/logx"
)

// ErrFailureRateExceeded is returned when every record was processed but the
// failed fraction crossed the configured threshold. The output file is still
// complete when this is returned.
var ErrFailureRateExceeded = errors.New("failure rate exceeded")

// Options selects what one run does. Flag overrides beat config values;
// zero/nil means "use the config".
type Options struct {
	Config *config.Config

	Model  string
	Prompt string

	// InputPath may be "-" for stdin; OutputPath empty or "-" for stdout.
	InputPath  string
	OutputPath string

	Jobs            int
	Offset          int
	Limit           int
	AllowReordering *bool

	AllowedFailureRate *float64

	// RateLimit is a rate expression that overrides the model's budget.
	RateLimit string

	// RequestTimeout bounds each attempt. Zero falls back to the config.
	RequestTimeout time.Duration
}

// App is one fully wired run, ready to execute (possibly repeatedly, in
// watch mode).
type App struct {
	opts Options
	cfg  *config.Config

	proc    *Processor
	hist    *history.Store
	log     logx.Logger
	jobs    int
	offset  int
	limit   int
	strict  bool
	allowed float64
}

// New resolves the model, prompt, and budgets for a run. It fails fast on
// anything that would fail every record anyway (unknown model alias, bad
// template, missing base URL).
func New(opts Options, log logx.Logger) (*App, error) {
	cfg := opts.Config
	if cfg == nil {
		return nil, errors.New("app: config is required")
	}

	mc, ok := cfg.Models[opts.Model]
	if !ok {
		return nil, fmt.Errorf("app: unknown model %q", opts.Model)
	}
	pc, ok := cfg.Prompts[opts.Prompt]
	if !ok {
		return nil, fmt.Errorf("app: unknown prompt %q", opts.Prompt)
	}

	tmpl, err := prompt.Compile(opts.Prompt, pc.System, pc.User)
	if err != nil {
		return nil, err
	}
	driver, err := drivers.New(opts.Model, mc, log)
	if err != nil {
		return nil, err
	}

	bucket, err := resolveBucket(cfg, mc, opts.RateLimit)
	if err != nil {
		return nil, err
	}

	policy, err := resolvePolicy(cfg.Run, opts.RequestTimeout)
	if err != nil {
		return nil, err
	}

	a := &App{
		opts: opts,
		cfg:  cfg,
		proc: &Processor{
			driver:          driver,
			tmpl:            tmpl,
			bucket:          bucket,
			policy:          policy,
			maxOutputTokens: mc.MaxOutputTokens,
			temperature:     mc.Temperature,
			log:             log,
		},
		log:     log,
		jobs:    cfg.Run.Jobs,
		offset:  cfg.Run.Offset,
		limit:   cfg.Run.Limit,
		strict:  !cfg.Run.AllowReordering,
		allowed: cfg.Run.EffectiveAllowedFailureRate(),
	}
	if opts.Jobs > 0 {
		a.jobs = opts.Jobs
	}
	if opts.Offset > 0 {
		a.offset = opts.Offset
	}
	if opts.Limit > 0 {
		a.limit = opts.Limit
	}
	if opts.AllowReordering != nil {
		a.strict = !*opts.AllowReordering
	}
	if opts.AllowedFailureRate != nil {
		a.allowed = *opts.AllowedFailureRate
	}

	if cfg.History != nil && cfg.History.Enabled {
		st, err := history.Open(*cfg.History, log)
		if err != nil {
			return nil, fmt.Errorf("app: open history: %w", err)
		}
		a.hist = st
	}
	return a, nil
}

// Close releases resources held across runs.
func (a *App) Close() error {
	return a.hist.Close()
}

func resolveBucket(cfg *config.Config, mc config.ModelConfig, override string) (*ratelimit.Bucket, error) {
	if override != "" {
		l, err := ratelimit.Parse(override)
		if err != nil {
			return nil, err
		}
		return ratelimit.NewBucket(l), nil
	}
	if mc.RateLimit != "" {
		l, err := ratelimit.Parse(mc.RateLimit)
		if err != nil {
			return nil, err
		}
		return ratelimit.NewBucket(l), nil
	}
	cat := ratelimit.CategoryLLM
	if c := strings.TrimSpace(mc.Category); c != "" {
		cat = ratelimit.Category(c)
	}
	return ratelimit.NewSet(cfg.RateLimitOverrides()).Get(cat), nil
}

func resolvePolicy(rc config.RunConfig, timeoutOverride time.Duration) (retry.Policy, error) {
	base, max, err := rc.Retry.RetryDelays()
	if err != nil {
		return retry.Policy{}, err
	}
	attemptTimeout, err := config.ParseDurationField("run.request_timeout", rc.RequestTimeout)
	if err != nil {
		return retry.Policy{}, err
	}
	if timeoutOverride > 0 {
		attemptTimeout = timeoutOverride
	}
	return retry.Policy{
		MaxAttempts:    rc.Retry.MaxAttempts,
		AttemptTimeout: attemptTimeout,
		BaseDelay:      base,
		MaxDelay:       max,
		Multiplier:     rc.Retry.Multiplier,
		Jitter:         rc.Retry.Jitter,
	}, nil
}

// Run executes one batch and blocks until the output is fully written.
// The returned summary is valid even when err is non-nil.
func (a *App) Run(ctx context.Context) (work.Summary, error) {
	in, closeIn, err := openInput(a.opts.InputPath)
	if err != nil {
		return work.Summary{}, err
	}
	defer closeIn()

	out, closeOut, err := openOutput(a.opts.OutputPath)
	if err != nil {
		return work.Summary{}, err
	}
	defer closeOut()

	return a.run(ctx, recordio.OpenSource(a.opts.InputPath, in), recordio.NewJSONLSink(out))
}

func (a *App) run(ctx context.Context, src recordio.Source, sink *recordio.JSONLSink) (work.Summary, error) {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var runID string
	if a.hist != nil {
		id, err := a.hist.BeginRun(ctx, a.opts.Model, a.opts.Prompt, a.opts.InputPath)
		if err != nil {
			a.log.Warn("history write failed", logx.Err(err))
		} else {
			runID = id
		}
	}

	bus := progress.NewBus()
	reporterDone := make(chan struct{})
	go func() {
		defer close(reporterDone)
		progress.NewReporter(a.log, 5*time.Second).Run(runCtx, bus)
	}()

	started := time.Now()
	bus.Publish(progress.Event{Type: progress.EventRunStarted})
	a.log.Info("run started",
		logx.String("model", a.opts.Model),
		logx.String("prompt", a.opts.Prompt),
		logx.String("input", a.opts.InputPath),
		logx.Int("jobs", a.effectiveJobs()),
		logx.Bool("strict_order", a.strict),
	)

	// Written by the scheduler's admission goroutine; the output channel
	// closing after it orders the write before the read below.
	var srcErr error

	outputs := queue.Process(runCtx, src, a.proc.Transform, queue.Options[recordio.Record, recordio.Payload]{
		Jobs:            a.jobs,
		AllowReordering: !a.strict,
		Offset:          a.offset,
		Limit:           a.limit,
		Skipped: func(in work.Input[recordio.Record]) work.Output[recordio.Payload] {
			return work.NewSkipped(in.ID, recordio.EmptyPayload(in.Data.Passthrough))
		},
		Failed: func(seq int, err error) work.Output[recordio.Payload] {
			return work.NewFailed(nil, []string{err.Error()}, recordio.EmptyPayload(nil))
		},
		SourceFailed: func(err error) { srcErr = err },
		Bus: bus,
		Log: a.log,
	})

	counters := &work.Counters{}
	writeErr := work.Aggregate(outputs, work.SinkFunc[recordio.Payload](func(o work.Output[recordio.Payload]) error {
		if err := sink.Write(o); err != nil {
			// The scheduler must not keep admitting work we can't persist.
			cancel()
			return err
		}
		return nil
	}), counters)

	if err := sink.Flush(); err != nil && writeErr == nil {
		writeErr = err
	}

	bus.Publish(progress.Event{Type: progress.EventRunFinished})
	cancel()
	<-reporterDone

	sum := counters.Summary()
	a.logSummary(sum, time.Since(started))

	if a.hist != nil && runID != "" {
		runErr := writeErr
		if runErr == nil {
			runErr = srcErr
		}
		hctx, hcancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := a.hist.FinishRun(hctx, runID, sum, runErr); err != nil {
			a.log.Warn("history write failed", logx.Err(err))
		}
		hcancel()
	}

	switch {
	case writeErr != nil:
		return sum, fmt.Errorf("write output: %w", writeErr)
	case srcErr != nil:
		// Sources already contextualize their terminal errors.
		return sum, srcErr
	case ctx.Err() != nil:
		return sum, ctx.Err()
	case sum.FailureRate() > a.allowed:
		return sum, fmt.Errorf("%w: %d of %d records failed (%.1f%% > %.1f%%)",
			ErrFailureRateExceeded, sum.FailureCount(), sum.Total,
			sum.FailureRate()*100, a.allowed*100)
	default:
		return sum, nil
	}
}

func (a *App) effectiveJobs() int {
	if a.jobs > 0 {
		return a.jobs
	}
	return queue.DefaultJobs()
}

func (a *App) logSummary(sum work.Summary, took time.Duration) {
	fields := []logx.Field{
		logx.Int("total", sum.Total),
		logx.Int("ok", sum.Ok),
		logx.Int("skipped", sum.Skipped),
		logx.Int("incomplete", sum.Incomplete),
		logx.Int("failed", sum.Failed),
		logx.Uint64("prompt_tokens", sum.TokenUsage.PromptTokens),
		logx.Uint64("completion_tokens", sum.TokenUsage.CompletionTokens),
		logx.Duration("took", took),
	}
	if sum.EstimatedCost != nil {
		fields = append(fields, logx.Float64("estimated_cost", *sum.EstimatedCost))
	}
	a.log.Info("run finished", fields...)
}

func openInput(path string) (io.Reader, func() error, error) {
	if path == "" || path == "-" {
		return os.Stdin, func() error { return nil }, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("open input: %w", err)
	}
	return f, f.Close, nil
}

func openOutput(path string) (io.Writer, func() error, error) {
	if path == "" || path == "-" {
		return os.Stdout, func() error { return nil }, nil
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, nil, fmt.Errorf("create output: %w", err)
	}
	return f, f.Close, nil
}
