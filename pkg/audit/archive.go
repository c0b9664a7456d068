package audit

import (
	"bytes"
	"compress/gzip"
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("github.com/platinummonkey/gatekeeper/pkg/audit")

// Archiver stores expiring audit records before retention cleanup deletes them
type Archiver interface {
	Archive(ctx context.Context, cutoff time.Time, records []*Record) error
}

// s3API is the subset of the S3 client used by S3Archiver
type s3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Config configures the archive bucket
type S3Config struct {
	Endpoint     string
	Region       string
	Bucket       string
	Prefix       string
	AccessKey    string
	SecretKey    string
	UsePathStyle bool
}

// S3Archiver writes gzipped NDJSON archives to S3
type S3Archiver struct {
	client s3API
	bucket string
	prefix string
}

// NewS3Archiver builds an S3 client from the default credential chain or static keys
func NewS3Archiver(ctx context.Context, cfg S3Config) (*S3Archiver, error) {
	opts := []func(*config.LoadOptions) error{config.WithRegion(cfg.Region)}
	if cfg.AccessKey != "" && cfg.SecretKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}

	awsConfig, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsConfig, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	})

	return newS3Archiver(client, cfg.Bucket, cfg.Prefix), nil
}

func newS3Archiver(client s3API, bucket, prefix string) *S3Archiver {
	if prefix == "" {
		prefix = "audit"
	}
	return &S3Archiver{client: client, bucket: bucket, prefix: prefix}
}

// Archive implements Archiver
func (a *S3Archiver) Archive(ctx context.Context, cutoff time.Time, records []*Record) error {
	key := archiveKey(a.prefix, cutoff)

	ctx, span := tracer.Start(ctx, "S3.PutObject",
		trace.WithAttributes(
			attribute.String("s3.bucket", a.bucket),
			attribute.String("s3.key", key),
			attribute.Int("audit.records", len(records)),
		),
	)
	defer span.End()

	data, err := exportNDJSON(records)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to encode records")
		return err
	}

	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(data); err != nil {
		return fmt.Errorf("failed to compress archive: %w", err)
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("failed to compress archive: %w", err)
	}

	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:          aws.String(a.bucket),
		Key:             aws.String(key),
		Body:            bytes.NewReader(buf.Bytes()),
		ContentType:     aws.String("application/x-ndjson"),
		ContentEncoding: aws.String("gzip"),
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to upload archive")
		return fmt.Errorf("failed to upload archive to s3: %w", err)
	}

	span.SetStatus(codes.Ok, "")
	return nil
}

func archiveKey(prefix string, cutoff time.Time) string {
	return fmt.Sprintf("%s/%s/audit-before-%d.ndjson.gz",
		prefix, cutoff.UTC().Format("2006/01/02"), cutoff.Unix())
}
