package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"llm_broker/internal/utils"
)

// PutObjectAPI is the part of the S3 client the writer needs
type PutObjectAPI interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Config configures the S3 archive
type S3Config struct {
	Bucket  string
	Region  string
	Prefix  string
	PodName string
	// Endpoint overrides the S3 endpoint, e.g. for MinIO. Path-style
	// addressing is used when it is set.
	Endpoint string
}

// S3Writer handles writing batches of call records to S3
type S3Writer struct {
	client  PutObjectAPI
	bucket  string
	prefix  string
	podName string
	now     func() time.Time
	logger  *utils.Logger
}

// NewS3Writer creates a new S3 writer using the default AWS credential chain
func NewS3Writer(ctx context.Context, cfg S3Config) (*S3Writer, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3 bucket is required")
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})

	return NewS3WriterWithClient(client, cfg), nil
}

// NewS3WriterWithClient creates a writer on top of an existing client
func NewS3WriterWithClient(client PutObjectAPI, cfg S3Config) *S3Writer {
	return &S3Writer{
		client:  client,
		bucket:  cfg.Bucket,
		prefix:  cfg.Prefix,
		podName: cfg.PodName,
		now:     time.Now,
		logger:  utils.NewLogger("s3-writer"),
	}
}

// objectKey formats calls/2026/10/14/broker-0-20261014-143022-123456789.jsonl
func (w *S3Writer) objectKey() string {
	now := w.now().UTC()
	return fmt.Sprintf("%s%04d/%02d/%02d/%s-%s-%09d.jsonl",
		w.prefix,
		now.Year(),
		now.Month(),
		now.Day(),
		w.podName,
		now.Format("20060102-150405"),
		now.Nanosecond(),
	)
}

// WriteBatch writes a batch of call records to S3 as a JSON Lines object
// and returns its key
func (w *S3Writer) WriteBatch(ctx context.Context, records []CallRecord) (string, error) {
	if len(records) == 0 {
		return "", nil
	}

	body, err := encodeJSONLines(records)
	if err != nil {
		return "", err
	}

	key := w.objectKey()
	_, err = w.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(w.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/x-ndjson"),
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload to S3: %w", err)
	}

	w.logger.Info("Wrote batch to S3", "key", key, "count", len(records), "bytes", len(body))
	return key, nil
}

// Close is a no-op, the S3 client holds no resources
func (w *S3Writer) Close() error {
	return nil
}

func encodeJSONLines(records []CallRecord) ([]byte, error) {
	var buf bytes.Buffer
	encoder := json.NewEncoder(&buf)
	for i := range records {
		if err := encoder.Encode(&records[i]); err != nil {
			return nil, fmt.Errorf("failed to encode call record: %w", err)
		}
	}
	return buf.Bytes(), nil
}
