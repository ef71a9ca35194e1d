// Package archive mirrors delivered artifacts to a local directory, S3, GCS or SFTP.
// Archiving is best effort: callers log failures and carry on.
package archive

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"media-fetch-bot/shared"
)

// Archive writes files to one configured backend
type Archive struct {
	backend string
	opts    map[string]string
	maxSize int64
	s3      *s3Backend
}

// New returns nil when no backend is configured
func New(ctx context.Context, cfg shared.ArchiveConfig) (*Archive, error) {
	if cfg.Backend == "" || cfg.Backend == "none" {
		return nil, nil
	}
	a := &Archive{backend: cfg.Backend, opts: cfg.Options, maxSize: cfg.MaxFileSize}
	if a.opts == nil {
		a.opts = map[string]string{}
	}
	switch cfg.Backend {
	case "local":
		if a.opts["dir"] == "" {
			return nil, errors.New("archive: ARCHIVE_DIR is required for the local backend")
		}
	case "s3":
		b, err := newS3Backend(a.opts)
		if err != nil {
			return nil, err
		}
		a.s3 = b
	case "gcs":
		if a.opts["bucket"] == "" {
			return nil, errors.New("archive: ARCHIVE_BUCKET is required for the gcs backend")
		}
	case "sftp":
		if a.opts["host"] == "" || a.opts["user"] == "" {
			return nil, errors.New("archive: ARCHIVE_HOST and ARCHIVE_USER are required for the sftp backend")
		}
		if _, err := hostKeyCallback(a.opts); err != nil {
			return nil, errors.Wrap(err, "archive")
		}
	default:
		return nil, fmt.Errorf("archive: unknown backend type: %s", cfg.Backend)
	}
	log.Info().Str("backend", cfg.Backend).Msg("artifact archive enabled")
	return a, nil
}

// Store copies the file at path to key on the backend
func (a *Archive) Store(ctx context.Context, path, key string) error {
	f, err := os.Open(path)
	if err != nil {
		return errors.Wrap(err, "open artifact")
	}
	defer f.Close()

	if a.maxSize > 0 {
		if st, err := f.Stat(); err == nil && st.Size() > a.maxSize {
			log.Debug().Str("key", key).Int64("size", st.Size()).Msg("archive: file above ARCHIVE_MAX_FILE_SIZE, skipped")
			return nil
		}
	}
	return a.write(ctx, objectKey(a.opts["prefix"], key), f)
}

func (a *Archive) write(ctx context.Context, key string, reader io.Reader) error {
	switch a.backend {
	case "local":
		if err := writeLocal(a.opts["dir"], key, reader); err != nil {
			return fmt.Errorf("failed to write to local archive: %w", err)
		}
	case "s3":
		if err := a.s3.upload(ctx, key, reader); err != nil {
			return fmt.Errorf("failed to upload to S3: %w", err)
		}
	case "gcs":
		if err := uploadToGCS(ctx, a.opts, key, reader); err != nil {
			return fmt.Errorf("failed to upload to GCS: %w", err)
		}
	case "sftp":
		if err := uploadToSFTP(ctx, a.opts, key, reader); err != nil {
			return fmt.Errorf("failed to upload to SFTP: %w", err)
		}
	default:
		return fmt.Errorf("unknown backend type: %s", a.backend)
	}
	return nil
}

func objectKey(prefix, key string) string {
	key = strings.TrimLeft(key, "/")
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		return key
	}
	return prefix + "/" + key
}
