package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/codeGROOVE-dev/retry"
	"github.com/rs/zerolog"
)

const (
	userAgent   = "feedbot/1.0 (+https://core.telegram.org/bots)"
	maxBodySize = 10 << 20
)

// StatusError is returned for non-200 responses.
type StatusError struct {
	URL  string
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("GET %s: HTTP %d", e.URL, e.Code)
}

func isTransient(err error) bool {
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.Code == http.StatusTooManyRequests || statusErr.Code >= 500
	}

	return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}

// NewHTTPClient returns a client whose every request is bounded by timeout.
func NewHTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{Timeout: timeout}
}

// get downloads url, retrying network failures, 429 and 5xx responses.
func get(ctx context.Context, client *http.Client, url, accept string, logger zerolog.Logger) ([]byte, error) {
	var body []byte

	err := retry.Do(
		func() error {
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
			if err != nil {
				return retry.Unrecoverable(fmt.Errorf("create request: %w", err))
			}
			req.Header.Set("User-Agent", userAgent)
			req.Header.Set("Accept", accept)

			start := time.Now()
			resp, err := client.Do(req)
			if err != nil {
				return err
			}
			defer resp.Body.Close()

			logger.Debug().
				Str("url", url).
				Int("status_code", resp.StatusCode).
				Dur("duration", time.Since(start)).
				Msg("HTTP request completed")

			if resp.StatusCode != http.StatusOK {
				_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
				return &StatusError{URL: url, Code: resp.StatusCode}
			}

			data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
			if err != nil {
				return fmt.Errorf("read body: %w", err)
			}
			body = data

			return nil
		},
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.MaxDelay(30*time.Second),
		retry.MaxJitter(time.Second),
		retry.Context(ctx),
		retry.RetryIf(isTransient),
		retry.OnRetry(func(n uint, err error) {
			logger.Warn().Err(err).Uint("attempt", n+1).Str("url", url).Msg("Retrying HTTP request")
		}),
	)
	if err != nil {
		return nil, err
	}

	return body, nil
}
