package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cristalhq/aconfig"
	"github.com/cristalhq/aconfig/aconfighcl"
	"github.com/robfig/cron/v3"
)

const (
	ParserRSS    = "rss"
	ParserGofeed = "gofeed"

	BackendFile     = "file"
	BackendPostgres = "postgres"
	BackendSQLite   = "sqlite"
	BackendGCS      = "gcs"
)

type Config struct {
	TelegramBotToken string  `hcl:"telegram_bot_token" env:"TELEGRAM_BOT_TOKEN" required:"true"`
	TelegramChatID   string  `hcl:"telegram_chat_id" env:"TELEGRAM_CHAT_ID" required:"true"`
	AdminUserIDs     []int64 `hcl:"admin_user_ids" env:"ADMIN_USER_IDS"`

	FeedURL          string        `hcl:"feed_url" env:"FEED_URL" required:"true"`
	FeedParser       string        `hcl:"feed_parser" env:"FEED_PARSER" default:"rss"`
	FetchTimeout     time.Duration `hcl:"fetch_timeout" env:"FETCH_TIMEOUT" default:"30s"`
	FetchInterval    time.Duration `hcl:"fetch_interval" env:"FETCH_INTERVAL" default:"5m"`
	CheckSchedule    string        `hcl:"check_schedule" env:"CHECK_SCHEDULE"`
	SendPacing       time.Duration `hcl:"send_pacing" env:"SEND_PACING" default:"3s"`
	FilterKeywords   []string      `hcl:"filter_keywords" env:"FILTER_KEYWORDS"`
	DateLayout       string        `hcl:"date_layout" env:"DATE_LAYOUT"`
	ImageFromBody    bool          `hcl:"image_from_body" env:"IMAGE_FROM_BODY"`
	FullTextFallback bool          `hcl:"full_text_fallback" env:"FULL_TEXT_FALLBACK"`

	CaptionLimit int    `hcl:"caption_limit" env:"CAPTION_LIMIT" default:"1024"`
	MessageLimit int    `hcl:"message_limit" env:"MESSAGE_LIMIT" default:"4096"`
	SourceLabel  string `hcl:"source_label" env:"SOURCE_LABEL" default:"Source"`

	CursorBackend string `hcl:"cursor_backend" env:"CURSOR_BACKEND" default:"file"`
	CursorPath    string `hcl:"cursor_path" env:"CURSOR_PATH" default:"last_guid.json"`
	DatabaseDSN   string `hcl:"database_dsn" env:"DATABASE_DSN"`
	GCSBucket     string `hcl:"gcs_bucket" env:"GCS_BUCKET"`
	GCSObject     string `hcl:"gcs_object" env:"GCS_OBJECT" default:"last_guid.json"`
	GCSEndpoint   string `hcl:"gcs_endpoint" env:"GCS_ENDPOINT"`

	HTTPAddr  string `hcl:"http_addr" env:"HTTP_ADDR"`
	LogLevel  string `hcl:"log_level" env:"LOG_LEVEL" default:"info"`
	LogFormat string `hcl:"log_format" env:"LOG_FORMAT" default:"console"`
}

// Load reads ./config.hcl, ./config.local.hcl and FEEDBOT_* environment variables,
// later sources overriding earlier ones.
func Load() (Config, error) {
	var cfg Config

	loader := aconfig.LoaderFor(&cfg, aconfig.Config{
		EnvPrefix:          "FEEDBOT",
		SkipFlags:          true,
		AllowUnknownFields: true,
		Files:              []string{"./config.hcl", "./config.local.hcl"},
		FileDecoders: map[string]aconfig.FileDecoder{
			".hcl": aconfighcl.New(),
		},
	})

	if err := loader.Load(); err != nil {
		return Config{}, fmt.Errorf("config load: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func (c Config) Validate() error {
	var errs []error

	if strings.TrimSpace(c.TelegramChatID) == "" {
		errs = append(errs, errors.New("telegram_chat_id: required"))
	}
	if strings.TrimSpace(c.FeedURL) == "" {
		errs = append(errs, errors.New("feed_url: required"))
	}

	switch c.FeedParser {
	case ParserRSS, ParserGofeed:
	default:
		errs = append(errs, fmt.Errorf("feed_parser: unknown parser %q", c.FeedParser))
	}

	switch c.CursorBackend {
	case BackendFile:
		if strings.TrimSpace(c.CursorPath) == "" {
			errs = append(errs, errors.New("cursor_path: required for file backend"))
		}
	case BackendPostgres, BackendSQLite:
		if c.DatabaseDSN == "" {
			errs = append(errs, fmt.Errorf("database_dsn: required for %s backend", c.CursorBackend))
		}
	case BackendGCS:
		if c.GCSBucket == "" {
			errs = append(errs, errors.New("gcs_bucket: required for gcs backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("cursor_backend: unknown backend %q", c.CursorBackend))
	}

	if c.CheckSchedule == "" && c.FetchInterval <= 0 {
		errs = append(errs, errors.New("fetch_interval: must be positive"))
	}
	if c.CheckSchedule != "" {
		if _, err := cron.ParseStandard(c.CheckSchedule); err != nil {
			errs = append(errs, fmt.Errorf("check_schedule: %w", err))
		}
	}
	if c.SendPacing < 0 {
		errs = append(errs, errors.New("send_pacing: must not be negative"))
	}
	if c.CaptionLimit <= 0 || c.MessageLimit <= 0 {
		errs = append(errs, errors.New("caption_limit and message_limit must be positive"))
	}

	return errors.Join(errs...)
}

// Schedule returns the wall-clock schedule for periodic checks.
func (c Config) Schedule() cron.Schedule {
	if c.CheckSchedule != "" {
		if s, err := cron.ParseStandard(c.CheckSchedule); err == nil {
			return s
		}
	}

	return cron.Every(c.FetchInterval)
}
