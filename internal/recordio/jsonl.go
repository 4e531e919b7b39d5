package recordio

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"promptq/internal/work"
)

// maxLineSize bounds one input line. Prompts with large embedded documents
// fit comfortably; anything bigger is almost certainly a corrupt file.
const maxLineSize = 16 << 20

// JSONLSource reads one JSON object per line. Blank lines are ignored.
// A line that fails to parse yields a BadRecordError for that record only.
type JSONLSource struct {
	sc   *bufio.Scanner
	line int
	seq  int
	err  error
}

func NewJSONLSource(r io.Reader) *JSONLSource {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), maxLineSize)
	return &JSONLSource{sc: sc}
}

func (s *JSONLSource) Next(ctx context.Context) (work.Input[Record], error) {
	if s.err != nil {
		return work.Input[Record]{}, s.err
	}
	for {
		if err := ctx.Err(); err != nil {
			return work.Input[Record]{}, err
		}
		if !s.sc.Scan() {
			if err := s.sc.Err(); err != nil {
				// Reader-level failure (not a single bad row): the stream is done.
				s.err = fmt.Errorf("read input: %w", err)
				return work.Input[Record]{}, s.err
			}
			s.err = io.EOF
			return work.Input[Record]{}, io.EOF
		}
		s.line++

		raw := strings.TrimSpace(s.sc.Text())
		if raw == "" {
			continue
		}

		seq := s.seq
		s.seq++

		var m map[string]any
		if err := json.Unmarshal([]byte(raw), &m); err != nil {
			return work.Input[Record]{Seq: seq}, &BadRecordError{Line: s.line, Err: err}
		}

		id, skip, passthrough := splitReserved(m)
		return work.Input[Record]{
			ID:   id,
			Seq:  seq,
			Skip: skip,
			Data: Record{Bindings: m, Passthrough: passthrough},
		}, nil
	}
}

// JSONLSink writes one output record per line.
type JSONLSink struct {
	bw  *bufio.Writer
	enc *json.Encoder
}

func NewJSONLSink(w io.Writer) *JSONLSink {
	bw := bufio.NewWriter(w)
	return &JSONLSink{bw: bw, enc: json.NewEncoder(bw)}
}

func (s *JSONLSink) Write(out work.Output[Payload]) error {
	return s.enc.Encode(out)
}

// Flush must be called once after the last record; records may sit in the
// buffer until then.
func (s *JSONLSink) Flush() error {
	return s.bw.Flush()
}
