package work

import (
	"errors"
	"sync"
	"testing"
)

func fptr(v float64) *float64 { return &v }

func TestCountersSkippedOnlyCountsTotal(t *testing.T) {
	var c Counters
	c.Observe(StatusSkipped, fptr(1.0), &TokenUsage{PromptTokens: 10})

	s := c.Summary()
	if s.Total != 1 || s.Skipped != 1 {
		t.Fatalf("summary = %+v", s)
	}
	if s.FailureCount() != 0 {
		t.Fatalf("skipped must not count as failure: %+v", s)
	}
	if s.EstimatedCost != nil || !s.TokenUsage.IsZero() {
		t.Fatalf("skipped must not accumulate accounting: %+v", s)
	}
}

func TestCountersFailureCount(t *testing.T) {
	var c Counters
	c.Observe(StatusOk, fptr(0.5), &TokenUsage{PromptTokens: 100, CompletionTokens: 20})
	c.Observe(StatusIncomplete, nil, nil)
	c.Observe(StatusFailed, nil, nil)
	c.Observe(StatusFailed, nil, nil)

	s := c.Summary()
	if s.Total != 4 {
		t.Fatalf("total = %d", s.Total)
	}
	if got := s.FailureCount(); got != 3 {
		t.Fatalf("failure count = %d, want 3 (incomplete + failed)", got)
	}
	if s.EstimatedCost == nil || *s.EstimatedCost != 0.5 {
		t.Fatalf("cost = %v", s.EstimatedCost)
	}
	if s.TokenUsage.PromptTokens != 100 || s.TokenUsage.CompletionTokens != 20 {
		t.Fatalf("usage = %+v", s.TokenUsage)
	}
}

func TestCountersConcurrent(t *testing.T) {
	var c Counters
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				c.Observe(StatusOk, fptr(0.01), &TokenUsage{PromptTokens: 1})
			}
		}()
	}
	wg.Wait()

	s := c.Summary()
	if s.Total != 5000 || s.TokenUsage.PromptTokens != 5000 {
		t.Fatalf("lost updates: %+v", s)
	}
}

func TestAggregateForwardsInOrder(t *testing.T) {
	outputs := make(chan Output[payload], 3)
	outputs <- Output[payload]{ID: "a", Status: StatusOk}
	outputs <- NewSkipped[payload]("b", payload{})
	outputs <- NewFailed[payload]("c", []string{"boom"}, payload{})
	close(outputs)

	var got []any
	var c Counters
	err := Aggregate(outputs, SinkFunc[payload](func(out Output[payload]) error {
		got = append(got, out.ID)
		return nil
	}), &c)
	if err != nil {
		t.Fatalf("aggregate: %v", err)
	}
	if len(got) != 3 || got[0] != "a" || got[1] != "b" || got[2] != "c" {
		t.Fatalf("order not preserved: %v", got)
	}

	s := c.Summary()
	if s.Total != 3 || s.Failed != 1 || s.Skipped != 1 {
		t.Fatalf("summary = %+v", s)
	}
}

func TestAggregateSinkErrorIsFatal(t *testing.T) {
	outputs := make(chan Output[payload], 2)
	outputs <- Output[payload]{ID: 1, Status: StatusOk}
	outputs <- Output[payload]{ID: 2, Status: StatusOk}
	close(outputs)

	sinkErr := errors.New("disk full")
	var c Counters
	err := Aggregate(outputs, SinkFunc[payload](func(Output[payload]) error { return sinkErr }), &c)
	if !errors.Is(err, sinkErr) {
		t.Fatalf("err = %v, want sink error", err)
	}
}
