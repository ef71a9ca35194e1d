package archive

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"

	"cloud.google.com/go/storage"
	"github.com/rs/zerolog/log"
	"google.golang.org/api/option"
)

// uploadToGCS streams reader into bucket/key. credentials_json may be raw or base64;
// when empty, application default credentials are used.
func uploadToGCS(ctx context.Context, opts map[string]string, key string, reader io.Reader) error {
	var clientOpts []option.ClientOption
	if raw := opts["credentials_json"]; raw != "" {
		creds, err := base64.StdEncoding.DecodeString(raw)
		if err != nil {
			creds = []byte(raw)
		}
		clientOpts = append(clientOpts, option.WithCredentialsJSON(creds))
	}
	client, err := storage.NewClient(ctx, clientOpts...)
	if err != nil {
		return fmt.Errorf("storage.NewClient: %w", err)
	}
	defer client.Close()

	bucketName := opts["bucket"]
	wc := client.Bucket(bucketName).Object(key).NewWriter(ctx)

	if _, err = io.Copy(wc, reader); err != nil {
		wc.Close()
		return fmt.Errorf("io.Copy: %w", err)
	}
	if err := wc.Close(); err != nil {
		return fmt.Errorf("Writer.Close: %w", err)
	}

	log.Info().Str("bucket", bucketName).Str("object", key).Msg("archived artifact to gcs")
	return nil
}
