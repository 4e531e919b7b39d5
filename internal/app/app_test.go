package app

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"promptq/internal/config"
	"promptq/internal/drivers"
	"promptq/internal/prompt"
	"promptq/internal/ratelimit"
	"promptq/internal/recordio"
	"promptq/internal/retry"
	"promptq/internal/work"
	logx "promptq/pkg/logx"
)

// scriptedDriver fails a fixed number of attempts per item before
// succeeding, or fails terminally, keyed by the rendered user message.
type scriptedDriver struct {
	mu       sync.Mutex
	attempts map[string]int

	retryableFails map[string]int
	fatal          map[string]bool
}

func (d *scriptedDriver) Name() string { return "scripted" }

func (d *scriptedDriver) Complete(ctx context.Context, req drivers.Request) (drivers.Response, error) {
	key := req.Messages[len(req.Messages)-1].Content

	d.mu.Lock()
	d.attempts[key]++
	n := d.attempts[key]
	d.mu.Unlock()

	if d.fatal[key] {
		return drivers.Response{}, &drivers.StatusError{Status: 400, Body: "bad request for " + key}
	}
	if n <= d.retryableFails[key] {
		return drivers.Response{}, &drivers.StatusError{Status: 503, Body: "try again"}
	}
	return drivers.Response{Text: "done-" + key}, nil
}

func testApp(t *testing.T, driver drivers.Driver, strict bool) *App {
	t.Helper()
	tmpl, err := prompt.Compile("p", "", "{{.id}}")
	if err != nil {
		t.Fatal(err)
	}
	return &App{
		opts: Options{Model: "m", Prompt: "p", InputPath: "in.jsonl"},
		proc: &Processor{
			driver: driver,
			tmpl:   tmpl,
			bucket: ratelimit.NewBucket(ratelimit.Limit{MaxRequests: 1000, Per: ratelimit.PerSecond}),
			policy: retry.Policy{
				MaxAttempts: 3,
				BaseDelay:   time.Millisecond,
				MaxDelay:    5 * time.Millisecond,
			},
		},
		jobs:    4,
		strict:  strict,
		allowed: 1.0,
	}
}

func runToLines(t *testing.T, a *App, input string) []map[string]any {
	t.Helper()
	var sb strings.Builder
	sink := recordio.NewJSONLSink(&sb)

	_, err := a.run(context.Background(), recordio.NewJSONLSource(strings.NewReader(input)), sink)
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(sb.String()), "\n") {
		var rec map[string]any
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			t.Fatalf("bad output line %q: %v", line, err)
		}
		out = append(out, rec)
	}
	return out
}

func TestRunEndToEnd(t *testing.T) {
	driver := &scriptedDriver{
		attempts:       map[string]int{},
		retryableFails: map[string]int{"a": 2},
		fatal:          map[string]bool{"c": true},
	}
	a := testApp(t, driver, true)

	input := `{"id":"a"}
{"id":"b"}
{"id":"c"}
`
	recs := runToLines(t, a, input)

	if len(recs) != 3 {
		t.Fatalf("got %d output records", len(recs))
	}

	// a: recovered after two retryable failures, both diagnostics kept.
	if recs[0]["id"] != "a" || recs[0]["status"] != "ok" {
		t.Fatalf("record a: %v", recs[0])
	}
	if errs := recs[0]["errors"].([]any); len(errs) != 2 {
		t.Fatalf("record a errors: %v", errs)
	}
	if recs[0]["response"] != "done-a" {
		t.Fatalf("record a response: %v", recs[0]["response"])
	}

	// b: clean first-try success, no errors key at all.
	if recs[1]["id"] != "b" || recs[1]["status"] != "ok" {
		t.Fatalf("record b: %v", recs[1])
	}
	if _, present := recs[1]["errors"]; present {
		t.Fatalf("record b must have no errors: %v", recs[1])
	}

	// c: fatal on the first attempt, exactly one diagnostic.
	if recs[2]["id"] != "c" || recs[2]["status"] != "failed" {
		t.Fatalf("record c: %v", recs[2])
	}
	if errs := recs[2]["errors"].([]any); len(errs) != 1 {
		t.Fatalf("record c errors: %v", errs)
	}
	if v, present := recs[2]["response"]; !present || v != nil {
		t.Fatalf("record c response must be null: %v", recs[2])
	}
}

func TestRunFailureRateThreshold(t *testing.T) {
	driver := &scriptedDriver{
		attempts: map[string]int{},
		fatal:    map[string]bool{"x": true},
	}
	a := testApp(t, driver, true)
	a.allowed = 0.10

	var sb strings.Builder
	input := `{"id":"x"}
{"id":"y"}
`
	sum, err := a.run(context.Background(), recordio.NewJSONLSource(strings.NewReader(input)), recordio.NewJSONLSink(&sb))
	if !errors.Is(err, ErrFailureRateExceeded) {
		t.Fatalf("want ErrFailureRateExceeded, got %v", err)
	}
	if sum.Total != 2 || sum.Failed != 1 {
		t.Fatalf("summary: %+v", sum)
	}
	// Output is still complete despite the nonzero exit.
	if lines := strings.Count(strings.TrimSpace(sb.String()), "\n") + 1; lines != 2 {
		t.Fatalf("output must contain both records, got %d lines", lines)
	}
}

// stickySource yields its records, then returns the same terminal error from
// every subsequent call, the way a file source behaves after a reader
// failure.
type stickySource struct {
	recs []work.Input[recordio.Record]
	i    int
	err  error
}

func (s *stickySource) Next(ctx context.Context) (work.Input[recordio.Record], error) {
	if s.i < len(s.recs) {
		in := s.recs[s.i]
		s.i++
		return in, nil
	}
	return work.Input[recordio.Record]{}, s.err
}

func TestRunInputStreamFailureIsFatal(t *testing.T) {
	driver := &scriptedDriver{attempts: map[string]int{}}
	a := testApp(t, driver, true)

	boom := errors.New("read input: disk read error")
	src := &stickySource{
		recs: []work.Input[recordio.Record]{
			{ID: "a", Seq: 0, Data: recordio.Record{Bindings: map[string]any{"id": "a"}}},
		},
		err: boom,
	}

	var sb strings.Builder
	sum, err := a.run(context.Background(), src, recordio.NewJSONLSink(&sb))
	if !errors.Is(err, boom) {
		t.Fatalf("want the stream error, got %v", err)
	}
	// The record read before the failure is still processed and written.
	if sum.Total != 1 || sum.Ok != 1 {
		t.Fatalf("summary: %+v", sum)
	}
	if lines := strings.TrimSpace(sb.String()); strings.Count(lines, "\n") != 0 || lines == "" {
		t.Fatalf("want exactly one output line, got %q", lines)
	}
}

func TestRunSkipBypassesDriver(t *testing.T) {
	driver := &scriptedDriver{attempts: map[string]int{}}
	a := testApp(t, driver, true)

	input := `{"id":"s","skip_processing":true,"passthrough_data":{"a":1}}
{"id":"t"}
`
	recs := runToLines(t, a, input)

	if recs[0]["status"] != "skipped" {
		t.Fatalf("record s: %v", recs[0])
	}
	if v, present := recs[0]["response"]; !present || v != nil {
		t.Fatalf("skipped response must be null: %v", recs[0])
	}
	if recs[0]["passthrough_data"].(map[string]any)["a"] != float64(1) {
		t.Fatalf("passthrough lost: %v", recs[0])
	}

	driver.mu.Lock()
	defer driver.mu.Unlock()
	if driver.attempts["s"] != 0 {
		t.Fatal("skip-flagged record must never reach the driver")
	}
	if driver.attempts["t"] != 1 {
		t.Fatalf("record t attempts = %d", driver.attempts["t"])
	}
}

func minimalConfig() *config.Config {
	return &config.Config{
		Models: map[string]config.ModelConfig{
			"m": {Driver: "echo"},
		},
		Prompts: map[string]config.PromptConfig{
			"p": {User: "{{.id}}"},
		},
	}
}

func TestNewRejectsUnknownAliases(t *testing.T) {
	cfg := minimalConfig()
	if _, err := New(Options{Config: cfg, Model: "nope", Prompt: "p"}, logx.Logger{}); err == nil {
		t.Fatal("unknown model must be rejected")
	}
	if _, err := New(Options{Config: cfg, Model: "m", Prompt: "nope"}, logx.Logger{}); err == nil {
		t.Fatal("unknown prompt must be rejected")
	}
	if _, err := New(Options{Config: cfg, Model: "m", Prompt: "p", RateLimit: "very fast"}, logx.Logger{}); err == nil {
		t.Fatal("bad rate override must be rejected")
	}
}
