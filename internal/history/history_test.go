package history

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"promptq/internal/config"
	"promptq/internal/work"
	logx "promptq/pkg/logx"
)

func openTemp(t *testing.T) *Store {
	t.Helper()
	st, err := Open(config.HistoryConfig{
		Enabled: true,
		Path:    filepath.Join(t.TempDir(), "runs.db"),
	}, logx.Logger{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func TestBeginFinishRecent(t *testing.T) {
	st := openTemp(t)
	ctx := context.Background()

	id, err := st.BeginRun(ctx, "fast", "summarize", "in.jsonl")
	if err != nil {
		t.Fatalf("BeginRun: %v", err)
	}
	if id == "" {
		t.Fatal("empty run id")
	}

	cost := 0.42
	sum := work.Summary{
		Total: 10, Ok: 7, Skipped: 1, Incomplete: 1, Failed: 1,
		EstimatedCost: &cost,
		TokenUsage:    work.TokenUsage{PromptTokens: 100, CompletionTokens: 50},
	}
	if err := st.FinishRun(ctx, id, sum, nil); err != nil {
		t.Fatalf("FinishRun: %v", err)
	}

	runs, err := st.Recent(ctx, 10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(runs) != 1 {
		t.Fatalf("got %d runs", len(runs))
	}
	r := runs[0]
	if r.ID != id || r.Model != "fast" || r.Prompt != "summarize" || r.InputPath != "in.jsonl" {
		t.Fatalf("run: %+v", r)
	}
	if r.Summary.Total != 10 || r.Summary.FailureCount() != 2 {
		t.Fatalf("summary: %+v", r.Summary)
	}
	if r.Summary.EstimatedCost == nil || *r.Summary.EstimatedCost != 0.42 {
		t.Fatalf("cost: %v", r.Summary.EstimatedCost)
	}
	if r.FinishedAt.IsZero() || r.FinishedAt.Before(r.StartedAt) {
		t.Fatalf("timestamps: started=%v finished=%v", r.StartedAt, r.FinishedAt)
	}
	if r.Err != "" {
		t.Fatalf("err should be empty: %q", r.Err)
	}
}

func TestRecentOrdersNewestFirst(t *testing.T) {
	st := openTemp(t)
	ctx := context.Background()

	first, err := st.BeginRun(ctx, "m", "p", "a.jsonl")
	if err != nil {
		t.Fatal(err)
	}
	time.Sleep(5 * time.Millisecond)
	second, err := st.BeginRun(ctx, "m", "p", "b.jsonl")
	if err != nil {
		t.Fatal(err)
	}

	runs, err := st.Recent(ctx, 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 1 || runs[0].ID != second {
		t.Fatalf("want newest run %s, got %+v", second, runs)
	}

	runs, err = st.Recent(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 2 || runs[0].ID != second || runs[1].ID != first {
		t.Fatalf("order wrong: %+v", runs)
	}
}

func TestRunIDsAreSortable(t *testing.T) {
	a := NewRunID()
	time.Sleep(2 * time.Millisecond)
	b := NewRunID()
	if !(a < b) {
		t.Fatalf("ids must sort by creation time: %s vs %s", a, b)
	}
}
