// Package watch re-runs a batch when its input file changes or on a cron
// schedule. Runs are serialized: triggers arriving while a run is in flight
// coalesce into a single follow-up run.
package watch

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"promptq/internal/config"
	logx "promptq/pkg/logx"
)

// Runner executes one batch run.
type Runner func(ctx context.Context) error

// Service drives repeated runs from file events and/or a schedule.
type Service struct {
	run      Runner
	path     string
	debounce time.Duration
	schedule string
	loc      *time.Location
	log      logx.Logger

	// trigger has capacity 1: a pending trigger absorbs later ones.
	trigger chan string
}

func New(run Runner, inputPath string, wc config.WatchConfig, log logx.Logger) (*Service, error) {
	debounce, err := config.ParseDurationOrDefault("watch.debounce", wc.Debounce, 500*time.Millisecond)
	if err != nil {
		return nil, err
	}

	loc := time.Local
	if tz := strings.TrimSpace(wc.Timezone); tz != "" {
		loc, err = time.LoadLocation(tz)
		if err != nil {
			return nil, fmt.Errorf("watch.timezone: %w", err)
		}
	}

	if strings.TrimSpace(wc.Schedule) != "" {
		if _, err := cron.ParseStandard(wc.Schedule); err != nil {
			return nil, fmt.Errorf("watch.schedule: %w", err)
		}
	}

	return &Service{
		run:      run,
		path:     inputPath,
		debounce: debounce,
		schedule: strings.TrimSpace(wc.Schedule),
		loc:      loc,
		log:      log,
		trigger:  make(chan string, 1),
	}, nil
}

// Run performs one initial batch, then blocks re-running on triggers until
// ctx is canceled. Per-run failures (including the failure-rate threshold)
// are logged, not fatal: the watcher's job is to keep going.
func (s *Service) Run(ctx context.Context) error {
	s.runOnce(ctx, "startup")

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return s.watchFile(gctx) })
	if s.schedule != "" {
		g.Go(func() error { return s.runCron(gctx) })
	}
	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return nil
			case reason := <-s.trigger:
				s.runOnce(gctx, reason)
			}
		}
	})

	return g.Wait()
}

func (s *Service) fire(reason string) {
	select {
	case s.trigger <- reason:
	default:
	}
}

func (s *Service) runOnce(ctx context.Context, reason string) {
	if ctx.Err() != nil {
		return
	}
	s.log.Info("watch run", logx.String("reason", reason), logx.String("input", s.path))
	if err := s.run(ctx); err != nil && ctx.Err() == nil {
		s.log.Error("watch run failed", logx.String("reason", reason), logx.Err(err))
	}
}

func (s *Service) runCron(ctx context.Context) error {
	c := cron.New(cron.WithLocation(s.loc))
	if _, err := c.AddFunc(s.schedule, func() { s.fire("schedule") }); err != nil {
		return fmt.Errorf("watch.schedule: %w", err)
	}
	c.Start()
	<-ctx.Done()
	stopCtx := c.Stop()
	<-stopCtx.Done()
	return nil
}

// watchFile follows the input file's directory, debouncing bursts of write
// events into one trigger. Watching the directory rather than the file
// itself survives editors and pipelines that replace the file on save.
func (s *Service) watchFile(ctx context.Context) error {
	dir := filepath.Dir(s.path)
	file := filepath.Base(s.path)

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("watch init: %w", err)
	}
	defer w.Close()

	if err := w.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}
	s.log.Debug("input watcher started", logx.String("dir", dir), logx.String("file", file))

	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if !strings.EqualFold(filepath.Base(ev.Name), file) {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(s.debounce, func() { s.fire("file change") })
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			if err != nil {
				s.log.Warn("input watch error", logx.Err(err))
			}
		}
	}
}
