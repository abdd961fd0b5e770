package exporter

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"time"
)

// Encoder turns record batches into format-specific bytes on an underlying
// writer. WriteBatch may be called any number of times; Flush finalizes the
// output and must be called exactly once, even for empty input.
type Encoder interface {
	WriteBatch(batch []Record) error
	Flush() error
}

// headerFromBatch derives the sticky column set: the sorted union of the
// flattened keys observed in the first batch. Later batches reuse it — rows
// carrying extra keys lose them, rows missing keys get empty cells.
func headerFromBatch(batch []Record) []string {
	seen := map[string]struct{}{}
	for _, rec := range batch {
		for key := range flatten(rec) {
			seen[key] = struct{}{}
		}
	}
	header := make([]string, 0, len(seen))
	for key := range seen {
		header = append(header, key)
	}
	sort.Strings(header)
	return header
}

// flatten expands nested objects into dotted keys ("result.key"). Arrays and
// scalars are kept as-is; only maps recurse.
func flatten(rec Record) map[string]any {
	out := make(map[string]any, len(rec))
	flattenInto(out, "", rec)
	return out
}

func flattenInto(out map[string]any, prefix string, rec map[string]any) {
	for key, value := range rec {
		full := key
		if prefix != "" {
			full = prefix + "." + key
		}
		switch v := value.(type) {
		case map[string]any:
			flattenInto(out, full, v)
		default:
			out[full] = value
		}
	}
}

// cellString renders a value for CSV and XLSX cells. Nulls become empty
// strings; composite values fall back to their JSON rendering.
func cellString(value any) string {
	switch v := value.(type) {
	case nil:
		return ""
	case string:
		return v
	case []byte:
		return string(v)
	case bool:
		return strconv.FormatBool(v)
	case int64:
		return strconv.FormatInt(v, 10)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case time.Time:
		return v.UTC().Format(time.RFC3339)
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprint(v)
		}
		return string(b)
	}
}
