package exporter

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/exportd-io/exportd/internal/db"
	"github.com/exportd-io/exportd/internal/storage"
)

// Request is the parsed job payload. The rest of the system treats the
// payload as opaque bytes; only the engine reads it.
type Request struct {
	// Dataset selects the exported relation: audit_logs, jobs, usage_records.
	Dataset string `json:"dataset"`
	// BatchSize overrides the default page size when > 0.
	BatchSize int `json:"batchSize,omitempty"`
	// ExcelBOM requests a UTF-8 BOM on CSV exports so Excel decodes them
	// correctly.
	ExcelBOM bool `json:"excelBom,omitempty"`
}

// ParseRequest validates a raw job payload.
func ParseRequest(payload []byte) (*Request, error) {
	var req Request
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, fmt.Errorf("exporter: parse payload: %w", err)
	}
	if !ValidDataset(req.Dataset) {
		return nil, fmt.Errorf("exporter: unknown dataset %q", req.Dataset)
	}
	return &req, nil
}

// Result is the tuple a successful run hands back to the worker, which
// forwards it over the event bus for the listener to persist.
type Result struct {
	Key    string
	Bytes  int64
	Rows   int64
	Format string
}

// ProgressFunc receives coarse progress percentages (25, 50, 75, 100).
type ProgressFunc func(percent int)

// progressSteps are the only percentages ever reported; coarse steps keep
// the event bus quiet on large exports.
var progressSteps = [...]int{25, 50, 75}

// Engine drives one export job end to end: cursor source, format encoder,
// multipart sink. One Engine is shared by all export workers; per-run state
// lives on the stack.
type Engine struct {
	gdb    *gorm.DB
	store  *storage.Store
	logger *zap.Logger
}

// NewEngine creates the export engine.
func NewEngine(gdb *gorm.DB, store *storage.Store, logger *zap.Logger) *Engine {
	return &Engine{gdb: gdb, store: store, logger: logger.Named("exporter")}
}

// Run executes the job's export. On any error the partial upload is aborted
// so no half-written object is ever referenced. Cancellation of ctx tears
// down the source, the encoder, and the upload.
func (e *Engine) Run(ctx context.Context, job *db.Job, onProgress ProgressFunc) (*Result, error) {
	req, err := ParseRequest(job.Payload)
	if err != nil {
		return nil, err
	}

	source, err := NewCursorSource(e.gdb, req.Dataset, job.TenantID, req.BatchSize)
	if err != nil {
		return nil, err
	}
	total, err := source.Count(ctx)
	if err != nil {
		return nil, err
	}

	key := storage.ExportKey(job.TenantID.String(), job.ID.String(), job.Type)
	upload, err := e.store.StartUpload(ctx, key, job.Type)
	if err != nil {
		return nil, err
	}

	result, err := e.pump(ctx, job, req, source, upload, total, onProgress)
	if err != nil {
		upload.Abort()
		return nil, err
	}
	return result, nil
}

func (e *Engine) pump(ctx context.Context, job *db.Job, req *Request, source Source, upload *storage.Upload, total int64, onProgress ProgressFunc) (*Result, error) {
	encoder, err := e.newEncoder(job.Type, req, upload)
	if err != nil {
		return nil, err
	}

	var rows int64
	nextStep := 0
	for {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("exporter: cancelled: %w", err)
		}

		batch, err := source.Next(ctx)
		if err != nil {
			return nil, err
		}
		if len(batch) == 0 {
			break
		}

		if err := encoder.WriteBatch(batch); err != nil {
			return nil, err
		}
		rows += int64(len(batch))

		if onProgress != nil && total > 0 {
			percent := int(rows * 100 / total)
			for nextStep < len(progressSteps) && percent >= progressSteps[nextStep] {
				onProgress(progressSteps[nextStep])
				nextStep++
			}
		}
	}

	if err := encoder.Flush(); err != nil {
		return nil, err
	}
	if err := upload.Close(); err != nil {
		return nil, err
	}
	if onProgress != nil {
		onProgress(100)
	}

	e.logger.Info("export finished",
		zap.String("job_id", job.ID.String()),
		zap.String("dataset", req.Dataset),
		zap.String("format", job.Type),
		zap.Int64("rows", rows),
		zap.Int64("bytes", upload.BytesWritten()),
	)

	return &Result{
		Key:    storage.ExportKey(job.TenantID.String(), job.ID.String(), job.Type),
		Bytes:  upload.BytesWritten(),
		Rows:   rows,
		Format: job.Type,
	}, nil
}

func (e *Engine) newEncoder(format string, req *Request, upload *storage.Upload) (Encoder, error) {
	switch format {
	case db.FormatCSV:
		return NewCSVEncoder(upload, req.ExcelBOM), nil
	case db.FormatJSON:
		return NewJSONEncoder(upload), nil
	case db.FormatXLSX:
		return NewXLSXEncoder(upload)
	default:
		return nil, fmt.Errorf("exporter: unknown format %q", format)
	}
}
