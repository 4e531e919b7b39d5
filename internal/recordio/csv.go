package recordio

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"promptq/internal/work"
)

// CSVSource reads a header row then one record per row. Column values are
// string bindings; the reserved columns follow the same contract as JSONL
// ("skip_processing" accepts true/false/1/0, "passthrough_data" holds raw
// JSON). A row with the wrong field count yields a BadRecordError.
type CSVSource struct {
	cr     *csv.Reader
	header []string
	line   int
	seq    int
	err    error
}

func NewCSVSource(r io.Reader) *CSVSource {
	cr := csv.NewReader(r)
	// Field-count mismatches are handled per row, not by the reader.
	cr.FieldsPerRecord = -1
	return &CSVSource{cr: cr}
}

func (s *CSVSource) Next(ctx context.Context) (work.Input[Record], error) {
	if s.err != nil {
		return work.Input[Record]{}, s.err
	}
	if err := ctx.Err(); err != nil {
		return work.Input[Record]{}, err
	}

	if s.header == nil {
		hdr, err := s.cr.Read()
		if err != nil {
			if err == io.EOF {
				s.err = io.EOF
			} else {
				s.err = fmt.Errorf("read csv header: %w", err)
			}
			return work.Input[Record]{}, s.err
		}
		s.line++
		s.header = make([]string, len(hdr))
		for i, h := range hdr {
			s.header[i] = strings.TrimSpace(h)
		}
	}

	row, err := s.cr.Read()
	if err != nil {
		if err == io.EOF {
			s.err = io.EOF
			return work.Input[Record]{}, io.EOF
		}
		var pe *csv.ParseError
		if errors.As(err, &pe) {
			// One bad row; the reader can still deliver the rows after it.
			s.line++
			seq := s.seq
			s.seq++
			return work.Input[Record]{Seq: seq}, &BadRecordError{Line: s.line, Err: err}
		}
		// Reader-level failure: sticky, terminates the stream.
		s.err = fmt.Errorf("read input: %w", err)
		return work.Input[Record]{}, s.err
	}
	s.line++
	seq := s.seq
	s.seq++

	if len(row) != len(s.header) {
		return work.Input[Record]{Seq: seq}, &BadRecordError{
			Line: s.line,
			Err:  fmt.Errorf("row has %d fields, header has %d", len(row), len(s.header)),
		}
	}

	m := make(map[string]any, len(row))
	for i, v := range row {
		m[s.header[i]] = v
	}

	id := m[fieldID]
	skip := false
	if v, ok := m[fieldSkip].(string); ok {
		skip, _ = strconv.ParseBool(strings.TrimSpace(v))
	}
	var passthrough json.RawMessage
	if v, ok := m[fieldPassthrough].(string); ok && strings.TrimSpace(v) != "" {
		raw := []byte(v)
		if json.Valid(raw) {
			passthrough = raw
		} else {
			// Not JSON; keep it as a JSON string.
			if b, err := json.Marshal(v); err == nil {
				passthrough = b
			}
		}
		m[fieldPassthrough] = json.RawMessage(passthrough)
	}

	return work.Input[Record]{
		ID:   id,
		Seq:  seq,
		Skip: skip,
		Data: Record{Bindings: m, Passthrough: passthrough},
	}, nil
}

// Source is what both readers implement.
type Source interface {
	Next(ctx context.Context) (work.Input[Record], error)
}

// OpenSource picks the reader for a path by extension: ".csv" gets the CSV
// reader, everything else is treated as JSON Lines.
func OpenSource(path string, r io.Reader) Source {
	if strings.HasSuffix(strings.ToLower(path), ".csv") {
		return NewCSVSource(r)
	}
	return NewJSONLSource(r)
}
