package app

import (
	"context"

	"promptq/internal/drivers"
	"promptq/internal/prompt"
	"promptq/internal/ratelimit"
	"promptq/internal/recordio"
	"promptq/internal/retry"
	"promptq/internal/work"
	logx "promptq/pkg/logx"
)

// Processor turns one input record into one output record: render the
// prompt, take a rate-limit token, call the driver under the retry resolver,
// and map the resolution to a status. Skip-flagged records never reach it;
// the scheduler short-circuits those.
type Processor struct {
	driver drivers.Driver
	tmpl   *prompt.Template
	bucket *ratelimit.Bucket
	policy retry.Policy

	maxOutputTokens int
	temperature     *float64

	log logx.Logger
}

func (p *Processor) Transform(ctx context.Context, in work.Input[recordio.Record]) work.Output[recordio.Payload] {
	empty := recordio.EmptyPayload(in.Data.Passthrough)

	msgs, err := p.tmpl.Render(in.Data.Bindings)
	if err != nil {
		// A template that can't render against this record won't render on a
		// second try either.
		return work.NewFailed(in.ID, []string{err.Error()}, empty)
	}

	// One token per item, taken before the first attempt. Retries reuse the
	// token: the item is still one logical request from the budget's view.
	if !p.bucket.TryAcquire(1) {
		if p.log.Enabled(logx.LevelDebug) {
			p.log.Debug("rate limited, waiting",
				logx.Any("id", in.ID),
				logx.String("limit", p.bucket.Limit().String()),
			)
		}
		if err := p.bucket.Acquire(ctx, 1); err != nil {
			return work.NewFailed(in.ID, []string{err.Error()}, empty)
		}
	}

	req := drivers.Request{
		Messages:        msgs,
		MaxOutputTokens: p.maxOutputTokens,
		Temperature:     p.temperature,
	}

	res := retry.Resolve(ctx, p.policy, drivers.Classify, func(ctx context.Context) (work.Attempt[recordio.Payload], error) {
		resp, err := p.driver.Complete(ctx, req)
		if err != nil {
			return work.Attempt[recordio.Payload]{}, err
		}
		a := work.Attempt[recordio.Payload]{
			Data:       recordio.ResponsePayload(resp.Text, in.Data.Passthrough),
			Cost:       resp.Cost,
			Incomplete: resp.Incomplete,
		}
		if !resp.Usage.IsZero() {
			u := resp.Usage
			a.Usage = &u
		}
		if resp.Incomplete {
			a.Warnings = []string{"response truncated at the output token limit"}
		}
		return a, nil
	})

	if !res.Succeeded() && p.log.Enabled(logx.LevelDebug) {
		p.log.Debug("item failed",
			logx.Any("id", in.ID),
			logx.Int("seq", in.Seq),
			logx.String("outcome", res.Outcome.String()),
			logx.Err(res.FatalErr),
		)
	}
	return work.FromResolved(in.ID, res, empty)
}
