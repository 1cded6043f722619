package idempotency

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// ArchiveDestination receives the JSONL export of swept rows before they are
// deleted.
type ArchiveDestination interface {
	Write(ctx context.Context, data []byte) error
}

// S3Archive writes JSONL data to an S3-compatible bucket.
type S3Archive struct {
	client *s3.Client
	bucket string
	key    string
}

// NewS3Archive creates an S3 archive destination. If endpoint is non-empty,
// path-style addressing is enabled (for MinIO and similar).
func NewS3Archive(ctx context.Context, bucket, key, region, endpoint string) (*S3Archive, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(region),
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}

	var s3opts []func(*s3.Options)
	if endpoint != "" {
		s3opts = append(s3opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(endpoint)
			o.UsePathStyle = true
		})
	}

	client := s3.NewFromConfig(cfg, s3opts...)
	return &S3Archive{
		client: client,
		bucket: bucket,
		key:    key,
	}, nil
}

// Write uploads data to S3 as the configured object key.
func (a *S3Archive) Write(ctx context.Context, data []byte) error {
	contentType := "application/x-ndjson"
	_, err := a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(a.key),
		Body:        bytes.NewReader(data),
		ContentType: &contentType,
	})
	if err != nil {
		return fmt.Errorf("s3 put object: %w", err)
	}
	return nil
}

// exportJSONL renders rows as newline-delimited JSON.
func exportJSONL(rows []ProcessedEvent) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, row := range rows {
		if err := enc.Encode(row); err != nil {
			return nil, fmt.Errorf("encode row %s: %w", row.EventID, err)
		}
	}
	return buf.Bytes(), nil
}
