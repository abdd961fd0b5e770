package exporter

import (
	"encoding/csv"
	"fmt"
	"io"
	"strings"
)

// utf8BOM makes Excel open the file as UTF-8 instead of the locale codepage.
var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// csvEncoder streams records as RFC 4180 CSV. The header is the sorted union
// of the first batch's flattened keys and stays fixed for the rest of the
// file. Every cell passes through the injection sanitizer.
type csvEncoder struct {
	w       io.Writer
	cw      *csv.Writer
	bom     bool
	header  []string
	started bool
}

// NewCSVEncoder creates a CSV encoder. When bom is set, a UTF-8 byte order
// mark is written before the header.
func NewCSVEncoder(w io.Writer, bom bool) Encoder {
	return &csvEncoder{w: w, cw: csv.NewWriter(w), bom: bom}
}

func (e *csvEncoder) WriteBatch(batch []Record) error {
	if len(batch) == 0 {
		return nil
	}

	if !e.started {
		e.started = true
		if e.bom {
			if _, err := e.w.Write(utf8BOM); err != nil {
				return fmt.Errorf("exporter: write bom: %w", err)
			}
		}
		e.header = headerFromBatch(batch)
		if err := e.cw.Write(e.header); err != nil {
			return fmt.Errorf("exporter: write csv header: %w", err)
		}
	}

	row := make([]string, len(e.header))
	for _, rec := range batch {
		flat := flatten(rec)
		for i, col := range e.header {
			row[i] = SanitizeCell(cellString(flat[col]))
		}
		if err := e.cw.Write(row); err != nil {
			return fmt.Errorf("exporter: write csv row: %w", err)
		}
	}
	return nil
}

func (e *csvEncoder) Flush() error {
	e.cw.Flush()
	if err := e.cw.Error(); err != nil {
		return fmt.Errorf("exporter: flush csv: %w", err)
	}
	return nil
}

// SanitizeCell defuses spreadsheet formula injection: a cell whose value
// starts with =, +, -, @, tab, or CR gets a single-quote prefix so Excel and
// Sheets treat it as text. Everything else passes through untouched.
func SanitizeCell(value string) string {
	if value == "" {
		return value
	}
	if strings.IndexByte("=+-@\t\r", value[0]) >= 0 {
		return "'" + value
	}
	return value
}
