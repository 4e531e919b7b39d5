package recordio

import "encoding/json"

// Payload is the data half of every output record: the completion text plus
// the caller's passthrough. Response is always present in the serialized
// record, null when the item failed or was skipped, so downstream consumers
// can rely on the key existing.
type Payload struct {
	Response    *string         `json:"response"`
	Passthrough json.RawMessage `json:"passthrough_data,omitempty"`
}

// EmptyPayload builds the minimal payload for error and skip paths. The
// passthrough still rides along so correlated rows are never dropped.
func EmptyPayload(passthrough json.RawMessage) Payload {
	return Payload{Passthrough: passthrough}
}

// ResponsePayload wraps a completion.
func ResponsePayload(text string, passthrough json.RawMessage) Payload {
	return Payload{Response: &text, Passthrough: passthrough}
}
