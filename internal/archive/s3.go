package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path"
	"sync/atomic"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"event-replay-service/internal/config"
	"event-replay-service/internal/events"
)

// Uploader stores one object.
type Uploader interface {
	Upload(ctx context.Context, key string, body []byte, contentType string) error
}

// Archiver copies rows to object storage before retention deletes them.
type Archiver struct {
	uploader Uploader
	prefix   string
	seq      atomic.Int64
}

// New returns nil when ARCHIVE_S3_BUCKET is unset; callers treat nil as "archiving disabled".
func New(ctx context.Context, cfg config.Config) (*Archiver, error) {
	if cfg.ArchiveS3Bucket == "" {
		return nil, nil
	}
	client, err := newS3Client(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return NewWithUploader(&s3Uploader{client: client, bucket: cfg.ArchiveS3Bucket}, cfg.ArchiveS3Prefix), nil
}

// NewWithUploader builds an Archiver over any object sink.
func NewWithUploader(u Uploader, prefix string) *Archiver {
	return &Archiver{uploader: u, prefix: prefix}
}

// Func returns an events.ArchiveFunc that writes each purge batch as a JSON
// lines object under <prefix>/<eventKey>/<runDate>/.
func (a *Archiver) Func(eventKey, runDate, runID string) events.ArchiveFunc {
	if a == nil {
		return nil
	}
	return func(ctx context.Context, table string, rows []json.RawMessage) error {
		if len(rows) == 0 {
			return nil
		}
		var buf bytes.Buffer
		for _, r := range rows {
			buf.Write(bytes.TrimSpace(r))
			buf.WriteByte('\n')
		}
		n := a.seq.Add(1)
		key := path.Join(a.prefix, eventKey, runDate, fmt.Sprintf("%s-%s-%06d.jsonl", runID, table, n))
		if err := a.uploader.Upload(ctx, key, buf.Bytes(), "application/x-ndjson"); err != nil {
			return fmt.Errorf("archive %s: %w", table, err)
		}
		return nil
	}
}

func newS3Client(ctx context.Context, cfg config.Config) (*s3.Client, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.ArchiveS3Region),
	}
	if cfg.ArchiveS3Endpoint != "" {
		resolver := aws.EndpointResolverWithOptionsFunc(func(service, region string, _ ...interface{}) (aws.Endpoint, error) {
			if service == s3.ServiceID {
				return aws.Endpoint{
					URL:               cfg.ArchiveS3Endpoint,
					HostnameImmutable: cfg.ArchiveS3PathStyle,
					SigningRegion:     cfg.ArchiveS3Region,
					Source:            aws.EndpointSourceCustom,
				}, nil
			}
			return aws.Endpoint{}, &aws.EndpointNotFoundError{}
		})
		opts = append(opts, awsconfig.WithEndpointResolverWithOptions(resolver))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.ArchiveS3PathStyle
	}), nil
}

type s3Uploader struct {
	client *s3.Client
	bucket string
}

func (s *s3Uploader) Upload(ctx context.Context, key string, body []byte, contentType string) error {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return fmt.Errorf("put object %s: %w", key, err)
	}
	return nil
}
