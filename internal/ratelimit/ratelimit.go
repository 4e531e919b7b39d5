// Package ratelimit provides token-bucket admission control for outbound
// API calls, plus the "count/period" rate expressions used in config and on
// the command line (e.g. "500/m", "10/s").
//
// Buckets start full and refill lazily; callers block in Acquire until
// enough tokens are available. One process-wide Set is created per run and
// handed to every worker, so limits are shared across all in-flight items.
package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Period is the window over which a rate limit is applied.
type Period int

const (
	PerSecond Period = iota
	PerMinute
)

func (p Period) Duration() time.Duration {
	if p == PerMinute {
		return time.Minute
	}
	return time.Second
}

func (p Period) String() string {
	if p == PerMinute {
		return "m"
	}
	return "s"
}

// Limit is a parsed rate expression: at most MaxRequests per Per.
type Limit struct {
	MaxRequests int
	Per         Period
}

// Parse parses a rate expression of the form "<count>/<period>", where
// period is "s" or "m".
func Parse(s string) (Limit, error) {
	raw := strings.TrimSpace(s)
	parts := strings.SplitN(raw, "/", 2)
	if len(parts) != 2 {
		return Limit{}, fmt.Errorf("invalid rate limit %q: want <count>/<s|m>", s)
	}
	n, err := strconv.Atoi(strings.TrimSpace(parts[0]))
	if err != nil || n <= 0 {
		return Limit{}, fmt.Errorf("invalid rate limit %q: count must be a positive integer", s)
	}
	var per Period
	switch strings.TrimSpace(parts[1]) {
	case "s":
		per = PerSecond
	case "m":
		per = PerMinute
	default:
		return Limit{}, fmt.Errorf("invalid rate limit %q: unsupported period %q", s, parts[1])
	}
	return Limit{MaxRequests: n, Per: per}, nil
}

func (l Limit) String() string {
	return fmt.Sprintf("%d/%s", l.MaxRequests, l.Per)
}

// IsZero reports whether the limit is unset.
func (l Limit) IsZero() bool { return l.MaxRequests == 0 }

// perSecond converts the limit to a refill rate in tokens per second.
func (l Limit) perSecond() rate.Limit {
	return rate.Limit(float64(l.MaxRequests) / l.Per.Duration().Seconds())
}

// Bucket is a token bucket for one call category.
//
// Capacity equals the limit's MaxRequests, so a burst of up to one full
// period's quota is admitted immediately after startup or idle time.
type Bucket struct {
	limit Limit
	lim   *rate.Limiter
}

// NewBucket creates a full bucket for the given limit.
func NewBucket(l Limit) *Bucket {
	if l.MaxRequests <= 0 {
		l = Limit{MaxRequests: 1, Per: PerSecond}
	}
	return &Bucket{limit: l, lim: rate.NewLimiter(l.perSecond(), l.MaxRequests)}
}

// Acquire blocks until n tokens are available, then deducts them.
// It returns early with ctx.Err() if the context is canceled, or an error
// if n exceeds the bucket capacity (which could never be satisfied).
func (b *Bucket) Acquire(ctx context.Context, n int) error {
	if n <= 0 {
		return nil
	}
	if n > b.limit.MaxRequests {
		return fmt.Errorf("ratelimit: requested %d tokens exceeds capacity %d", n, b.limit.MaxRequests)
	}
	return b.lim.WaitN(ctx, n)
}

// TryAcquire deducts n tokens without blocking, reporting success.
func (b *Bucket) TryAcquire(n int) bool {
	if n <= 0 {
		return true
	}
	return b.lim.AllowN(time.Now(), n)
}

// Limit returns the configured limit for diagnostics.
func (b *Bucket) Limit() Limit { return b.limit }

// Category names an independent bucket. All LLM completion calls share the
// "llm" bucket; auxiliary non-LLM APIs (e.g. document pre-processing
// services) share "external".
type Category string

const (
	CategoryLLM      Category = "llm"
	CategoryExternal Category = "external"
)

// Defaults applied when a category has no configured limit.
var defaults = map[Category]Limit{
	CategoryLLM:      {MaxRequests: 500, Per: PerMinute},
	CategoryExternal: {MaxRequests: 10, Per: PerSecond},
}

// DefaultLimit returns the built-in limit for a category
// (1/s for unknown categories).
func DefaultLimit(cat Category) Limit {
	if l, ok := defaults[cat]; ok {
		return l
	}
	return Limit{MaxRequests: 1, Per: PerSecond}
}

// Set holds independent buckets keyed by category. The zero value is not
// usable; construct with NewSet.
type Set struct {
	mu        sync.Mutex
	overrides map[Category]Limit
	buckets   map[Category]*Bucket
}

// NewSet creates a bucket set with per-category overrides. Categories not
// present in overrides fall back to their built-in defaults on first use.
func NewSet(overrides map[Category]Limit) *Set {
	cp := make(map[Category]Limit, len(overrides))
	for k, v := range overrides {
		if !v.IsZero() {
			cp[k] = v
		}
	}
	return &Set{overrides: cp, buckets: make(map[Category]*Bucket)}
}

// Get returns the bucket for a category, creating it on first use.
func (s *Set) Get(cat Category) *Bucket {
	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok := s.buckets[cat]; ok {
		return b
	}
	l, ok := s.overrides[cat]
	if !ok {
		l = DefaultLimit(cat)
	}
	b := NewBucket(l)
	s.buckets[cat] = b
	return b
}
