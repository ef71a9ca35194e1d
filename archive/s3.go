package archive

import (
	"context"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

type s3Backend struct {
	bucket   string
	uploader *manager.Uploader
}

// newS3Backend builds a client from static keys. ARCHIVE_ENDPOINT switches to
// path-style addressing for S3-compatible stores such as MinIO.
func newS3Backend(opts map[string]string) (*s3Backend, error) {
	if opts["bucket"] == "" || opts["region"] == "" {
		return nil, errors.New("archive: ARCHIVE_BUCKET and ARCHIVE_REGION are required for the s3 backend")
	}
	s3opts := s3.Options{
		Region:      opts["region"],
		Credentials: credentials.NewStaticCredentialsProvider(opts["access_key"], opts["secret_key"], ""),
	}
	if ep := opts["endpoint"]; ep != "" {
		s3opts.BaseEndpoint = aws.String(ep)
		s3opts.UsePathStyle = true
	}
	return &s3Backend{
		bucket:   opts["bucket"],
		uploader: manager.NewUploader(s3.New(s3opts)),
	}, nil
}

func (b *s3Backend) upload(ctx context.Context, key string, reader io.Reader) error {
	_, err := b.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
		Body:   reader,
	})
	if err != nil {
		return fmt.Errorf("failed to upload object %s to bucket %s: %w", key, b.bucket, err)
	}

	log.Info().Str("bucket", b.bucket).Str("key", key).Msg("archived artifact to s3")
	return nil
}
