package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	gcs "cloud.google.com/go/storage"
	"github.com/codeGROOVE-dev/retry"
	"github.com/rs/zerolog"
	"google.golang.org/api/option"
)

// GCSStore keeps the cursor document as a single Cloud Storage object.
type GCSStore struct {
	client *gcs.Client
	bucket string
	object string
	logger zerolog.Logger
}

// NewGCSClient connects with default credentials, or anonymously to endpoint
// when one is given (for the storage emulator).
func NewGCSClient(ctx context.Context, endpoint string) (*gcs.Client, error) {
	var opts []option.ClientOption
	if endpoint != "" {
		opts = append(opts, option.WithEndpoint(endpoint), option.WithoutAuthentication())
	}

	client, err := gcs.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create storage client: %w", err)
	}

	return client, nil
}

func NewGCSStore(client *gcs.Client, bucket, object string, logger zerolog.Logger) *GCSStore {
	return &GCSStore{
		client: client,
		bucket: bucket,
		object: object,
		logger: logger,
	}
}

func (s *GCSStore) Load(ctx context.Context) (string, bool) {
	r, err := s.client.Bucket(s.bucket).Object(s.object).NewReader(ctx)
	if err != nil {
		if !errors.Is(err, gcs.ErrObjectNotExist) {
			s.logger.Warn().Err(err).Str("bucket", s.bucket).Str("object", s.object).Msg("Cursor object unreadable, starting without cursor")
		}
		return "", false
	}
	defer r.Close()

	data, err := io.ReadAll(r)
	if err != nil {
		s.logger.Warn().Err(err).Str("object", s.object).Msg("Cursor object unreadable, starting without cursor")
		return "", false
	}

	id, ok, err := decodeCursor(data)
	if err != nil {
		s.logger.Warn().Err(err).Str("object", s.object).Msg("Cursor object corrupt, starting without cursor")
		return "", false
	}

	return id, ok
}

// Save returns once the object write has been committed; a closed writer means
// the upload finished.
func (s *GCSStore) Save(ctx context.Context, id string) error {
	data, err := encodeCursor(id)
	if err != nil {
		return fmt.Errorf("encode cursor: %w", err)
	}

	err = retry.Do(
		func() error {
			w := s.client.Bucket(s.bucket).Object(s.object).NewWriter(ctx)
			w.ContentType = "application/json"
			if _, writeErr := w.Write(data); writeErr != nil {
				if closeErr := w.Close(); closeErr != nil {
					s.logger.Warn().Err(closeErr).Msg("Failed to close writer after error")
				}
				return fmt.Errorf("write to storage: %w", writeErr)
			}
			if closeErr := w.Close(); closeErr != nil {
				return fmt.Errorf("close storage writer: %w", closeErr)
			}
			return nil
		},
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.MaxDelay(10*time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			s.logger.Warn().Err(err).Uint("attempt", n+1).Str("object", s.object).Msg("Retrying cursor save")
		}),
	)
	if err != nil {
		return fmt.Errorf("save cursor after retries: %w", err)
	}

	return nil
}
