package progress

import (
	"context"
	"time"

	logx "promptq/pkg/logx"
)

// Reporter consumes bus events and logs a periodic progress line. It stays
// responsive through interruption (it exits when its context is canceled or
// the bus unsubscribes) but is purely cosmetic: dropped events only make the
// printed counts lag, never the run itself.
type Reporter struct {
	log      logx.Logger
	interval time.Duration
}

func NewReporter(log logx.Logger, interval time.Duration) *Reporter {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Reporter{log: log, interval: interval}
}

// Run subscribes to the bus and blocks until ctx is canceled or the run
// finishes. Call it from its own goroutine.
func (r *Reporter) Run(ctx context.Context, bus Bus) {
	events, unsub := bus.Subscribe(256)
	defer unsub()

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	var done, failed int
	dirty := false

	flush := func() {
		if !dirty {
			return
		}
		r.log.Info("progress", logx.Int("done", done), logx.Int("failed", failed))
		dirty = false
	}

	for {
		select {
		case <-ctx.Done():
			flush()
			return
		case <-ticker.C:
			flush()
		case e, ok := <-events:
			if !ok {
				flush()
				return
			}
			switch e.Type {
			case EventItemCompleted:
				done++
				if it, ok := e.Data.(ItemEvent); ok && (it.Status == "failed" || it.Status == "incomplete") {
					failed++
				}
				dirty = true
			case EventRunFinished:
				flush()
				return
			}
		}
	}
}
