// Package work defines the input/output envelopes, status taxonomy and
// running counters shared by every work kind. The envelopes are pure data:
// an Output is constructed exactly once and read-only afterward, and every
// input consumed must produce exactly one output — dropping a record
// silently is a defect, because downstream tooling audits input/output
// record-count parity.
package work

import (
	"encoding/json"
	"fmt"

	"promptq/internal/retry"
)

// Status classifies one output record. Serialized verbatim in output files.
type Status string

const (
	StatusOk         Status = "ok"
	StatusSkipped    Status = "skipped"
	StatusIncomplete Status = "incomplete"
	StatusFailed     Status = "failed"
)

// IsSuccess reports whether the record counts as a success for the
// failure-rate check. Skipped records are successes.
func (s Status) IsSuccess() bool {
	return s == StatusOk || s == StatusSkipped
}

// Input is one unit of work read from the input stream.
type Input[T any] struct {
	// ID is an opaque correlation value echoed verbatim to the output.
	// Duplicates are permitted; we never deduplicate.
	ID any

	// Seq is the record's original position, used for strict ordering.
	Seq int

	// Skip requests that the item bypass processing entirely and come back
	// as a Skipped output.
	Skip bool

	Data T
}

// TokenUsage accounts for prompt and completion tokens of one call or of a
// whole run.
type TokenUsage struct {
	PromptTokens     uint64 `json:"prompt_tokens"`
	CompletionTokens uint64 `json:"completion_tokens"`
}

func (u TokenUsage) IsZero() bool {
	return u.PromptTokens == 0 && u.CompletionTokens == 0
}

func (u *TokenUsage) Add(other TokenUsage) {
	u.PromptTokens += other.PromptTokens
	u.CompletionTokens += other.CompletionTokens
}

// Output is the result envelope for one input record.
type Output[U any] struct {
	ID any `json:"id"`

	Status Status `json:"status"`

	// Errors is ordered oldest-first: every retry error, then the terminal
	// cause. Empty on first-try success.
	Errors []string `json:"errors,omitempty"`

	EstimatedCost *float64    `json:"estimated_cost,omitempty"`
	TokenUsage    *TokenUsage `json:"token_usage,omitempty"`

	// Data carries the work-kind-specific payload. Its fields are flattened
	// into the serialized record alongside the envelope fields.
	Data U
}

// MarshalJSON flattens Data's fields into the envelope, mirroring the
// "flat record" shape of the JSONL output format. Envelope fields win on
// key collisions.
func (o Output[U]) MarshalJSON() ([]byte, error) {
	merged := map[string]json.RawMessage{}

	db, err := json.Marshal(o.Data)
	if err != nil {
		return nil, fmt.Errorf("marshal output data: %w", err)
	}
	if len(db) > 0 && db[0] == '{' {
		if err := json.Unmarshal(db, &merged); err != nil {
			return nil, fmt.Errorf("flatten output data: %w", err)
		}
	} else if string(db) != "null" {
		merged["data"] = db
	}

	type envelope struct {
		ID            any         `json:"id"`
		Status        Status      `json:"status"`
		Errors        []string    `json:"errors,omitempty"`
		EstimatedCost *float64    `json:"estimated_cost,omitempty"`
		TokenUsage    *TokenUsage `json:"token_usage,omitempty"`
	}
	eb, err := json.Marshal(envelope{o.ID, o.Status, o.Errors, o.EstimatedCost, o.TokenUsage})
	if err != nil {
		return nil, err
	}
	var env map[string]json.RawMessage
	if err := json.Unmarshal(eb, &env); err != nil {
		return nil, err
	}
	for k, v := range env {
		merged[k] = v
	}
	return json.Marshal(merged)
}

// NewFailed builds a Failed output that still carries the given payload, so
// correlated rows are never silently dropped even on failure.
func NewFailed[U any](id any, errs []string, data U) Output[U] {
	return Output[U]{ID: id, Status: StatusFailed, Errors: errs, Data: data}
}

// NewSkipped builds the output for a skip-flagged input. Cost and token
// totals stay unset: a skipped item never touched the remote API.
func NewSkipped[U any](id any, data U) Output[U] {
	return Output[U]{ID: id, Status: StatusSkipped, Data: data}
}

// Attempt is what one successfully resolved operation produced: the payload
// plus optional accounting, and whether the result was accepted with caveats
// (e.g. a truncated response).
type Attempt[U any] struct {
	Data       U
	Usage      *TokenUsage
	Cost       *float64
	Incomplete bool
	Warnings   []string
}

// FromResolved derives the output envelope from a resolved retry result.
// It is a pure function: identical resolutions always yield identical
// status and error lists, for every work kind.
//
//	Ok            -> ok         (errors: none)
//	Recovered     -> ok         (errors: the retry errors)
//	Fatal         -> failed     (errors: the terminal cause)
//	GivenUp       -> failed     (errors: retry errors + terminal cause)
//	Unrecoverable -> failed     (errors: retry errors + terminal cause)
//
// An accepted-with-caveats attempt downgrades ok to incomplete and appends
// its warnings. `empty` is the payload used on failure paths; it should
// carry any passthrough data the caller wants echoed back.
func FromResolved[U any](id any, res retry.Resolved[Attempt[U]], empty U) Output[U] {
	switch res.Outcome {
	case retry.Ok, retry.Recovered:
		a := res.Output
		st := StatusOk
		errs := errStrings(res.RetryErrs)
		if a.Incomplete {
			st = StatusIncomplete
			errs = append(errs, a.Warnings...)
		}
		return Output[U]{
			ID:            id,
			Status:        st,
			Errors:        errs,
			EstimatedCost: a.Cost,
			TokenUsage:    a.Usage,
			Data:          a.Data,
		}
	case retry.Fatal:
		return NewFailed(id, []string{res.FatalErr.Error()}, empty)
	default: // GivenUp, Unrecoverable
		errs := errStrings(res.RetryErrs)
		errs = append(errs, res.FatalErr.Error())
		return NewFailed(id, errs, empty)
	}
}

func errStrings(errs []error) []string {
	if len(errs) == 0 {
		return nil
	}
	out := make([]string, len(errs))
	for i, err := range errs {
		out[i] = err.Error()
	}
	return out
}
