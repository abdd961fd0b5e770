package storage

import (
	"bytes"
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"go.uber.org/zap"
)

// partSize is the multipart buffer threshold. S3 requires at least 5 MiB for
// every part but the last, and 8 MiB also bounds the engine's memory per
// concurrent upload.
const partSize = 8 << 20

// Upload is a streaming multipart upload. It implements io.WriteCloser so
// format encoders can write into it directly; bytes are buffered to partSize
// and flushed as parts. Not safe for concurrent writers.
type Upload struct {
	store *Store
	key   string

	uploadID  string
	parts     []types.CompletedPart
	buf       bytes.Buffer
	written   atomic.Int64
	completed bool
	aborted   bool

	ctx    context.Context
	logger *zap.Logger
}

// StartUpload opens a multipart upload for the key.
func (s *Store) StartUpload(ctx context.Context, key, format string) (*Upload, error) {
	out, err := s.client.CreateMultipartUpload(ctx, &s3.CreateMultipartUploadInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		ContentType: aws.String(contentType(format)),
	})
	if err != nil {
		return nil, fmt.Errorf("storage: start upload %s: %w", key, err)
	}

	return &Upload{
		store:    s,
		key:      key,
		uploadID: aws.ToString(out.UploadId),
		ctx:      ctx,
		logger:   s.logger.With(zap.String("key", key)),
	}, nil
}

// Write buffers p and flushes full parts. The byte counter advances on
// buffering, not on part completion, so progress sampling tracks encoder
// output rather than network flushes.
func (u *Upload) Write(p []byte) (int, error) {
	if u.completed || u.aborted {
		return 0, fmt.Errorf("storage: write to closed upload %s", u.key)
	}

	n, _ := u.buf.Write(p)
	u.written.Add(int64(n))

	for u.buf.Len() >= partSize {
		if err := u.flushPart(); err != nil {
			return n, err
		}
	}
	return n, nil
}

// BytesWritten reports the total bytes accepted so far. Safe to call from the
// progress sampler while Write runs on the engine goroutine.
func (u *Upload) BytesWritten() int64 {
	return u.written.Load()
}

func (u *Upload) flushPart() error {
	part := u.buf.Next(partSize)
	number := int32(len(u.parts) + 1)

	out, err := u.store.client.UploadPart(u.ctx, &s3.UploadPartInput{
		Bucket:     aws.String(u.store.bucket),
		Key:        aws.String(u.key),
		UploadId:   aws.String(u.uploadID),
		PartNumber: aws.Int32(number),
		Body:       bytes.NewReader(part),
	})
	if err != nil {
		return fmt.Errorf("storage: upload part %d of %s: %w", number, u.key, err)
	}

	u.parts = append(u.parts, types.CompletedPart{
		ETag:       out.ETag,
		PartNumber: aws.Int32(number),
	})
	return nil
}

// Close completes the upload, flushing any remaining buffer as the final
// part. An upload that never received bytes still produces an empty object.
func (u *Upload) Close() error {
	if u.completed || u.aborted {
		return nil
	}

	if u.buf.Len() > 0 || len(u.parts) == 0 {
		if err := u.flushFinal(); err != nil {
			return err
		}
	}

	_, err := u.store.client.CompleteMultipartUpload(u.ctx, &s3.CompleteMultipartUploadInput{
		Bucket:   aws.String(u.store.bucket),
		Key:      aws.String(u.key),
		UploadId: aws.String(u.uploadID),
		MultipartUpload: &types.CompletedMultipartUpload{
			Parts: u.parts,
		},
	})
	if err != nil {
		return fmt.Errorf("storage: complete upload %s: %w", u.key, err)
	}
	u.completed = true
	return nil
}

// flushFinal uploads whatever is buffered as the last part; the final part is
// allowed to be under the minimum size.
func (u *Upload) flushFinal() error {
	part := u.buf.Next(u.buf.Len())
	number := int32(len(u.parts) + 1)

	out, err := u.store.client.UploadPart(u.ctx, &s3.UploadPartInput{
		Bucket:     aws.String(u.store.bucket),
		Key:        aws.String(u.key),
		UploadId:   aws.String(u.uploadID),
		PartNumber: aws.Int32(number),
		Body:       bytes.NewReader(part),
	})
	if err != nil {
		return fmt.Errorf("storage: upload final part of %s: %w", u.key, err)
	}

	u.parts = append(u.parts, types.CompletedPart{
		ETag:       out.ETag,
		PartNumber: aws.Int32(number),
	})
	return nil
}

// Abort discards the upload so no partial object becomes visible. Called on
// engine failure or cancellation; runs on a background context because the
// engine's context is usually already dead by then. Errors are logged — the
// bucket's abort-incomplete-multipart lifecycle rule is the backstop.
func (u *Upload) Abort() {
	if u.completed || u.aborted {
		return
	}
	u.aborted = true

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, err := u.store.client.AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{
		Bucket:   aws.String(u.store.bucket),
		Key:      aws.String(u.key),
		UploadId: aws.String(u.uploadID),
	})
	if err != nil {
		u.logger.Warn("failed to abort multipart upload", zap.Error(err))
	}
}
