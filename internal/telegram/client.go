// Package telegram sends notifications through the Bot API and serves bot commands.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/codeGROOVE-dev/retry"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"
)

const maxRateLimitRetries = 3

// Destination is either a numeric chat id or a public @channel username.
type Destination struct {
	ChatID   int64
	Username string
}

func ParseDestination(s string) (Destination, error) {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "@") && len(s) > 1 {
		return Destination{Username: s}, nil
	}

	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return Destination{}, fmt.Errorf("telegram destination %q: want a chat id or @username", s)
	}

	return Destination{ChatID: id}, nil
}

func (d Destination) String() string {
	if d.Username != "" {
		return d.Username
	}

	return strconv.FormatInt(d.ChatID, 10)
}

type TextOptions struct {
	DisableLinkPreview bool
	RichFormatting     bool
}

type ImageOptions struct {
	RichFormatting bool
}

type Client struct {
	api    *tgbotapi.BotAPI
	dest   Destination
	logger zerolog.Logger
}

func NewClient(api *tgbotapi.BotAPI, dest Destination, logger zerolog.Logger) *Client {
	return &Client{
		api:    api,
		dest:   dest,
		logger: logger,
	}
}

func (c *Client) SendText(ctx context.Context, text string, opts TextOptions) error {
	var msg tgbotapi.MessageConfig
	if c.dest.Username != "" {
		msg = tgbotapi.NewMessageToChannel(c.dest.Username, text)
	} else {
		msg = tgbotapi.NewMessage(c.dest.ChatID, text)
	}

	msg.DisableWebPagePreview = opts.DisableLinkPreview
	if opts.RichFormatting {
		msg.ParseMode = tgbotapi.ModeMarkdownV2
	}

	return c.send(ctx, msg)
}

func (c *Client) SendImage(ctx context.Context, imageURL, caption string, opts ImageOptions) error {
	var photo tgbotapi.PhotoConfig
	if c.dest.Username != "" {
		photo = tgbotapi.NewPhotoToChannel(c.dest.Username, tgbotapi.FileURL(imageURL))
	} else {
		photo = tgbotapi.NewPhoto(c.dest.ChatID, tgbotapi.FileURL(imageURL))
	}

	photo.Caption = caption
	if opts.RichFormatting {
		photo.ParseMode = tgbotapi.ModeMarkdownV2
	}

	return c.send(ctx, photo)
}

// send waits out "Too Many Requests" answers a few times, sleeping exactly as
// long as Telegram asks; every other error is returned as is.
func (c *Client) send(ctx context.Context, msg tgbotapi.Chattable) error {
	return retry.Do(
		func() error {
			_, err := c.api.Send(msg)
			return err
		},
		retry.Attempts(maxRateLimitRetries+1),
		retry.Context(ctx),
		retry.RetryIf(isRateLimited),
		retry.DelayType(retryAfterDelay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			wait, _ := retryAfter(err)
			c.logger.Warn().
				Err(err).
				Uint("attempt", n+1).
				Dur("retry_after", wait).
				Str("chat", c.dest.String()).
				Msg("Rate limited by Telegram, waiting")
		}),
	)
}

func isRateLimited(err error) bool {
	_, limited := retryAfter(err)
	return limited
}

func retryAfterDelay(_ uint, err error, _ *retry.Config) time.Duration {
	wait, _ := retryAfter(err)
	return wait
}

func retryAfter(err error) (time.Duration, bool) {
	var code, seconds int

	var apiErr *tgbotapi.Error
	var apiErrVal tgbotapi.Error
	switch {
	case errors.As(err, &apiErr):
		code, seconds = apiErr.Code, apiErr.RetryAfter
	case errors.As(err, &apiErrVal):
		code, seconds = apiErrVal.Code, apiErrVal.RetryAfter
	default:
		return 0, false
	}

	if code != 429 {
		return 0, false
	}

	wait := time.Duration(seconds) * time.Second
	if wait <= 0 {
		wait = time.Second
	}

	return wait, true
}
