package exporter

import (
	"encoding/json"
	"fmt"
	"io"
)

// jsonEncoder streams records as one top-level JSON array without ever
// holding more than a batch in memory. Framing: the first record opens
// "[\n", each subsequent record is preceded by ",\n", Flush closes with
// "\n]". Empty input produces "[]".
type jsonEncoder struct {
	w       io.Writer
	started bool
}

// NewJSONEncoder creates a JSON array encoder.
func NewJSONEncoder(w io.Writer) Encoder {
	return &jsonEncoder{w: w}
}

func (e *jsonEncoder) WriteBatch(batch []Record) error {
	for _, rec := range batch {
		body, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("exporter: marshal record: %w", err)
		}

		sep := ",\n"
		if !e.started {
			e.started = true
			sep = "[\n"
		}
		if _, err := io.WriteString(e.w, sep); err != nil {
			return fmt.Errorf("exporter: write json: %w", err)
		}
		if _, err := e.w.Write(body); err != nil {
			return fmt.Errorf("exporter: write json: %w", err)
		}
	}
	return nil
}

func (e *jsonEncoder) Flush() error {
	closing := "\n]"
	if !e.started {
		closing = "[]"
	}
	if _, err := io.WriteString(e.w, closing); err != nil {
		return fmt.Errorf("exporter: flush json: %w", err)
	}
	return nil
}
