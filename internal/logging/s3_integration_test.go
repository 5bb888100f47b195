package logging

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Integration tests for the S3 archive against MinIO.
//
//   docker run -d --name minio-test -p 9000:9000 \
//     -e MINIO_ROOT_USER=minioadmin -e MINIO_ROOT_PASSWORD=minioadmin \
//     minio/minio server /data
//
//   MINIO_ENDPOINT=http://localhost:9000 go test -v -run TestS3Integration ./internal/logging

const testBucketName = "test-llm-broker-calls"

func minioClient(t *testing.T) *s3.Client {
	t.Helper()

	endpoint := os.Getenv("MINIO_ENDPOINT")
	if endpoint == "" {
		t.Skip("MINIO_ENDPOINT not set")
	}
	accessKey := envOr("MINIO_ACCESS_KEY", "minioadmin")
	secretKey := envOr("MINIO_SECRET_KEY", "minioadmin")

	cfg, err := config.LoadDefaultConfig(context.Background(),
		config.WithRegion("us-east-1"),
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(accessKey, secretKey, "")),
	)
	require.NoError(t, err)

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		o.BaseEndpoint = aws.String(endpoint)
		o.UsePathStyle = true
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := client.ListBuckets(ctx, &s3.ListBucketsInput{}); err != nil {
		t.Skipf("MinIO not available: %v", err)
	}

	if _, err := client.HeadBucket(context.Background(), &s3.HeadBucketInput{Bucket: aws.String(testBucketName)}); err != nil {
		_, err = client.CreateBucket(context.Background(), &s3.CreateBucketInput{Bucket: aws.String(testBucketName)})
		require.NoError(t, err)
	}
	return client
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func TestS3Integration_WriteBatch(t *testing.T) {
	client := minioClient(t)
	ctx := context.Background()

	writer := NewS3WriterWithClient(client, S3Config{
		Bucket:  testBucketName,
		Prefix:  "it-calls/",
		PodName: "test-pod",
	})

	records := []CallRecord{sampleRecord("openai"), sampleRecord("anthropic")}
	key, err := writer.WriteBatch(ctx, records)
	require.NoError(t, err)
	t.Cleanup(func() {
		_, _ = client.DeleteObject(ctx, &s3.DeleteObjectInput{Bucket: aws.String(testBucketName), Key: aws.String(key)})
	})

	out, err := client.GetObject(ctx, &s3.GetObjectInput{Bucket: aws.String(testBucketName), Key: aws.String(key)})
	require.NoError(t, err)
	defer out.Body.Close()

	var providers []string
	scanner := bufio.NewScanner(out.Body)
	for scanner.Scan() {
		var rec CallRecord
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &rec))
		providers = append(providers, rec.Provider)
	}
	assert.Equal(t, []string{"openai", "anthropic"}, providers)
}
