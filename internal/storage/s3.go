// Package storage wraps the S3-compatible object store holding export
// artifacts. File bytes never pass through the database; the API hands out
// presigned URLs and the export engine streams directly into multipart
// uploads.
package storage

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"go.uber.org/zap"

	"github.com/exportd-io/exportd/internal/db"
)

// Presigned URL lifetimes. The API download endpoint hands out short URLs
// regenerated on demand; notification emails carry the long form so the link
// survives an overnight inbox.
const (
	DownloadURLTTL = 1 * time.Hour
	EmailURLTTL    = 24 * time.Hour
)

// Config holds the object store connection settings. Endpoint is optional
// and switches the client to path-style addressing for R2/MinIO/LocalStack.
type Config struct {
	Bucket    string
	Region    string
	Endpoint  string
	AccessKey string
	SecretKey string
}

// Store is the S3 client wrapper shared by the export engine, the API
// handlers, and the retention engine.
type Store struct {
	client    *s3.Client
	presigner *s3.PresignClient
	bucket    string
	logger    *zap.Logger
}

// New creates a Store. Credentials fall back to the default AWS chain when
// not set explicitly.
func New(ctx context.Context, cfg Config, logger *zap.Logger) (*Store, error) {
	loadOpts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.AccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("storage: load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})

	return &Store{
		client:    client,
		presigner: s3.NewPresignClient(client),
		bucket:    cfg.Bucket,
		logger:    logger.Named("storage"),
	}, nil
}

// ExportKey returns the canonical object key for a job artifact.
func ExportKey(tenantID, jobID, format string) string {
	return fmt.Sprintf("exports/%s/%s.%s", tenantID, jobID, format)
}

// DataExportKey returns the object key for a GDPR account archive.
func DataExportKey(tenantID string, at time.Time) string {
	return fmt.Sprintf("data-exports/%s/account-%s.json", tenantID, at.UTC().Format("20060102-150405"))
}

// TenantPrefixes lists the key prefixes owned by a tenant, in deletion order.
func TenantPrefixes(tenantID string) []string {
	return []string{
		"exports/" + tenantID + "/",
		"data-exports/" + tenantID + "/",
	}
}

// contentType maps an export format to its MIME type.
func contentType(format string) string {
	switch format {
	case db.FormatCSV:
		return "text/csv; charset=utf-8"
	case db.FormatJSON:
		return "application/json"
	case db.FormatXLSX:
		return "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	default:
		return "application/octet-stream"
	}
}

// PresignDownload returns a presigned GET URL for the key with the given
// lifetime, plus its expiry instant.
func (s *Store) PresignDownload(ctx context.Context, key string, ttl time.Duration) (string, time.Time, error) {
	req, err := s.presigner.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(ttl))
	if err != nil {
		return "", time.Time{}, fmt.Errorf("storage: presign %s: %w", key, err)
	}
	return req.URL, time.Now().UTC().Add(ttl), nil
}

// Head returns the byte size of an object, or an error when it is absent.
func (s *Store) Head(ctx context.Context, key string) (int64, error) {
	out, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return 0, fmt.Errorf("storage: head %s: %w", key, err)
	}
	return aws.ToInt64(out.ContentLength), nil
}

// Delete removes one object. Missing keys are not an error — S3 delete is
// idempotent.
func (s *Store) Delete(ctx context.Context, key string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("storage: delete %s: %w", key, err)
	}
	return nil
}

// DeletePrefix removes every object under the prefix, paging through the
// listing. Returns the number deleted plus per-object errors; a single bad
// object does not stop the sweep.
func (s *Store) DeletePrefix(ctx context.Context, prefix string) (deleted int, errs []error) {
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(prefix),
	})

	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			errs = append(errs, fmt.Errorf("storage: list %s: %w", prefix, err))
			return deleted, errs
		}
		for _, obj := range page.Contents {
			key := aws.ToString(obj.Key)
			if err := s.Delete(ctx, key); err != nil {
				errs = append(errs, err)
				continue
			}
			deleted++
		}
	}
	return deleted, errs
}

// Ping lists at most one object to prove reachability. Used by the health
// probe with its own deadline on ctx.
func (s *Store) Ping(ctx context.Context) error {
	_, err := s.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
		Bucket:  aws.String(s.bucket),
		MaxKeys: aws.Int32(1),
	})
	if err != nil {
		return fmt.Errorf("storage: ping: %w", err)
	}
	return nil
}

// FormatFromKey recovers the export format from an object key's extension.
func FormatFromKey(key string) string {
	if i := strings.LastIndexByte(key, '.'); i >= 0 {
		return key[i+1:]
	}
	return ""
}
