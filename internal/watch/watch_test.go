package watch

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"promptq/internal/config"
	logx "promptq/pkg/logx"
)

func TestRunsOnStartupAndOnFileChange(t *testing.T) {
	dir := t.TempDir()
	input := filepath.Join(dir, "in.jsonl")
	if err := os.WriteFile(input, []byte(`{"id":"a"}`+"\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	var runs atomic.Int64
	svc, err := New(func(ctx context.Context) error {
		runs.Add(1)
		return nil
	}, input, config.WatchConfig{Enabled: true, Debounce: "50ms"}, logx.Logger{})
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Run(ctx) }()

	// Startup run.
	waitFor(t, func() bool { return runs.Load() >= 1 })

	// A burst of writes debounces into one re-run.
	for i := 0; i < 3; i++ {
		if err := os.WriteFile(input, []byte(`{"id":"b"}`+"\n"), 0o600); err != nil {
			t.Fatal(err)
		}
		time.Sleep(5 * time.Millisecond)
	}
	waitFor(t, func() bool { return runs.Load() >= 2 })

	time.Sleep(150 * time.Millisecond)
	if n := runs.Load(); n > 3 {
		t.Fatalf("burst was not debounced: %d runs", n)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("service did not stop on cancel")
	}
}

func TestTriggersCoalesce(t *testing.T) {
	svc, err := New(func(ctx context.Context) error { return nil },
		"in.jsonl", config.WatchConfig{Enabled: true}, logx.Logger{})
	if err != nil {
		t.Fatal(err)
	}

	// With no consumer, repeated fires must never block.
	for i := 0; i < 10; i++ {
		svc.fire("test")
	}
	if len(svc.trigger) != 1 {
		t.Fatalf("trigger queue length = %d, want 1", len(svc.trigger))
	}
}

func TestBadScheduleRejected(t *testing.T) {
	_, err := New(func(ctx context.Context) error { return nil },
		"in.jsonl", config.WatchConfig{Enabled: true, Schedule: "every sometimes"}, logx.Logger{})
	if err == nil {
		t.Fatal("invalid cron expression must be rejected")
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}
