// Package exporter contains the streaming export pipeline: a cursor-paginated
// source feeding a format encoder that writes into a multipart upload. Memory
// stays bounded by the batch size and the uploader's part buffer regardless
// of how many rows a tenant exports.
package exporter

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Record is one exported row. Values are whatever the database driver
// yielded; the encoders normalize them to strings or JSON as needed.
type Record map[string]any

// Source is a lazy, finite, non-restartable sequence of record batches.
// Next returns an empty batch when the sequence is exhausted.
type Source interface {
	// Count reports the total number of records the source will yield,
	// for progress calculation. Called once, before the first Next.
	Count(ctx context.Context) (int64, error)
	Next(ctx context.Context) ([]Record, error)
}

// DefaultBatchSize is the page size used when the request does not set one.
const DefaultBatchSize = 1000

// Exportable datasets. Each maps to a tenant-scoped table with a UUIDv7
// primary key, which makes "ORDER BY id" a stable creation-time order and
// the last id of a page a valid cursor.
var datasetTables = map[string]string{
	"audit_logs":    "audit_logs",
	"jobs":          "jobs",
	"usage_records": "usage_records",
}

// ValidDataset reports whether name is an exportable dataset.
func ValidDataset(name string) bool {
	_, ok := datasetTables[name]
	return ok
}

// cursorSource pages through one tenant's rows of a dataset table by id
// cursor. Each page query is "id > cursor ORDER BY id LIMIT n", so pages are
// pairwise disjoint and their union is exactly the rows that existed when
// their page was read.
type cursorSource struct {
	db        *gorm.DB
	table     string
	tenantID  uuid.UUID
	batchSize int
	cursor    string
	done      bool
}

// NewCursorSource creates a Source over a dataset for one tenant.
func NewCursorSource(gdb *gorm.DB, dataset string, tenantID uuid.UUID, batchSize int) (Source, error) {
	table, ok := datasetTables[dataset]
	if !ok {
		return nil, fmt.Errorf("exporter: unknown dataset %q", dataset)
	}
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	return &cursorSource{
		db:        gdb,
		table:     table,
		tenantID:  tenantID,
		batchSize: batchSize,
	}, nil
}

func (s *cursorSource) Count(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).
		Table(s.table).
		Where("tenant_id = ?", s.tenantID).
		Count(&n).Error
	if err != nil {
		return 0, fmt.Errorf("exporter: count %s: %w", s.table, err)
	}
	return n, nil
}

func (s *cursorSource) Next(ctx context.Context) ([]Record, error) {
	if s.done {
		return nil, nil
	}

	var rows []map[string]any
	q := s.db.WithContext(ctx).
		Table(s.table).
		Where("tenant_id = ?", s.tenantID)
	if s.cursor != "" {
		q = q.Where("id > ?", s.cursor)
	}
	if err := q.Order("id").Limit(s.batchSize).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("exporter: page %s after %q: %w", s.table, s.cursor, err)
	}

	if len(rows) == 0 {
		s.done = true
		return nil, nil
	}
	if len(rows) < s.batchSize {
		s.done = true
	}

	batch := make([]Record, len(rows))
	for i, row := range rows {
		batch[i] = Record(row)
	}
	if id, ok := rows[len(rows)-1]["id"].(string); ok {
		s.cursor = id
	} else {
		s.cursor = fmt.Sprint(rows[len(rows)-1]["id"])
	}
	return batch, nil
}
