package archive

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"sync/atomic"
	"time"

	"github.com/aristath/quantlab/internal/jobs"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog"
)

// Uploader is the subset of manager.Uploader used by the sink.
type Uploader interface {
	Upload(ctx context.Context, input *s3.PutObjectInput, opts ...func(*manager.Uploader)) (*manager.UploadOutput, error)
}

// S3Config configures an S3-compatible bucket. Endpoint is set for
// Cloudflare R2 or MinIO and left empty for AWS.
type S3Config struct {
	Bucket    string
	Endpoint  string
	Region    string
	AccessKey string
	SecretKey string
	Prefix    string
}

// S3Sink uploads each batch of reaped jobs as one MessagePack object.
type S3Sink struct {
	uploader Uploader
	bucket   string
	prefix   string
	log      zerolog.Logger
	now      func() time.Time
	seq      atomic.Uint64
}

// NewS3Sink builds an uploader from cfg. Static credentials are used when
// both keys are set, otherwise the default AWS credential chain applies.
func NewS3Sink(ctx context.Context, cfg S3Config, log zerolog.Logger) (*S3Sink, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3 bucket is required")
	}

	region := cfg.Region
	if region == "" {
		region = "auto"
	}
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(region)}
	if cfg.AccessKey != "" && cfg.SecretKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load S3 config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})

	return NewS3SinkWithUploader(manager.NewUploader(client), cfg.Bucket, cfg.Prefix, log), nil
}

// NewS3SinkWithUploader wires the sink to an existing uploader.
func NewS3SinkWithUploader(u Uploader, bucket, prefix string, log zerolog.Logger) *S3Sink {
	return &S3Sink{
		uploader: u,
		bucket:   bucket,
		prefix:   prefix,
		log:      log.With().Str("component", "s3_archive").Str("bucket", bucket).Logger(),
		now:      time.Now,
	}
}

// Archive implements jobs.Archiver.
func (s *S3Sink) Archive(ctx context.Context, records []jobs.Record) error {
	if len(records) == 0 {
		return nil
	}

	entries := make([]Entry, 0, len(records))
	for _, rec := range records {
		e, err := NewEntry(rec)
		if err != nil {
			return err
		}
		entries = append(entries, e)
	}

	body, err := encodeBatch(entries)
	if err != nil {
		return fmt.Errorf("failed to encode archive batch: %w", err)
	}

	key := s.objectKey(s.now().UTC(), len(entries))
	_, err = s.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/msgpack"),
	})
	if err != nil {
		return fmt.Errorf("failed to upload %s: %w", key, err)
	}

	s.log.Info().Str("key", key).Int("jobs", len(entries)).Int("bytes", len(body)).Msg("Uploaded job archive")
	return nil
}

// objectKey lays batches out as prefix/YYYY/MM/DD/<unix-nanos>-<seq>-<count>.msgpack.
func (s *S3Sink) objectKey(at time.Time, count int) string {
	name := fmt.Sprintf("%d-%d-%d.msgpack", at.UnixNano(), s.seq.Add(1), count)
	return path.Join(s.prefix, at.Format("2006/01/02"), name)
}
