// Package recordio adapts input files (JSON Lines, CSV) into the work-item
// stream and writes output records back out as JSON Lines.
//
// Reserved input fields: "id" (opaque correlation value, echoed to the
// output), "skip_processing" (bypass the transform), "passthrough_data"
// (copied verbatim to the output regardless of outcome). Everything else is
// a template binding.
package recordio

import (
	"encoding/json"
	"fmt"
)

const (
	fieldID          = "id"
	fieldSkip        = "skip_processing"
	fieldPassthrough = "passthrough_data"
)

// Record is one parsed input row.
type Record struct {
	// Bindings holds every field of the row, reserved keys included, and is
	// what the prompt templates render against.
	Bindings map[string]any

	// Passthrough is the raw passthrough_data value, if any.
	Passthrough json.RawMessage
}

// BadRecordError marks a row that could not be parsed. The run keeps going;
// the scheduler turns it into a Failed output so row parity holds.
type BadRecordError struct {
	Line int
	Err  error
}

func (e *BadRecordError) Error() string {
	return fmt.Sprintf("record %d: %v", e.Line, e.Err)
}

func (e *BadRecordError) Unwrap() error { return e.Err }

// RecordError marks the failure as scoped to this record only; the scheduler
// keeps pulling past it. Reader-level errors deliberately lack this marker
// and terminate the stream instead.
func (e *BadRecordError) RecordError() {}

// splitReserved pulls the reserved fields out of a parsed row.
func splitReserved(m map[string]any) (id any, skip bool, passthrough json.RawMessage) {
	id = m[fieldID]
	if v, ok := m[fieldSkip].(bool); ok {
		skip = v
	}
	if v, ok := m[fieldPassthrough]; ok && v != nil {
		if b, err := json.Marshal(v); err == nil {
			passthrough = b
		}
	}
	return id, skip, passthrough
}
