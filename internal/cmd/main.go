package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"feedbot/internal/bot"
	"feedbot/internal/config"
	"feedbot/internal/content"
	"feedbot/internal/logger"
	"feedbot/internal/metrics"
	"feedbot/internal/notifier"
	"feedbot/internal/server"
	"feedbot/internal/source"
	"feedbot/internal/storage"
	"feedbot/internal/telegram"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "feedbot: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	log := logger.New(cfg.LogLevel, cfg.LogFormat)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	botAPI, err := tgbotapi.NewBotAPI(cfg.TelegramBotToken)
	if err != nil {
		return fmt.Errorf("create bot api: %w", err)
	}
	log.Info().Str("bot", botAPI.Self.UserName).Msg("Authorized on Telegram")

	dest, err := telegram.ParseDestination(cfg.TelegramChatID)
	if err != nil {
		return err
	}

	cursor, closeCursor, err := newCursorStore(ctx, cfg, log.With().Str("component", "storage").Logger())
	if err != nil {
		return err
	}
	defer closeCursor()

	var (
		httpClient = source.NewHTTPClient(cfg.FetchTimeout)
		feed       = newSource(cfg, httpClient, log.With().Str("component", "source").Logger())
		sender     = telegram.NewClient(botAPI, dest, log.With().Str("component", "telegram").Logger())
		registry   = prometheus.NewRegistry()
	)

	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	n := notifier.New(feed, cursor, sender, notifier.Options{
		Schedule:     cfg.Schedule(),
		Pacing:       cfg.SendPacing,
		CaptionLimit: cfg.CaptionLimit,
		MessageLimit: cfg.MessageLimit,
		Keywords:     cfg.FilterKeywords,
		Renderer:     content.NewRenderer(cfg.SourceLabel),
		Enricher: source.NewEnricher(
			cfg.DateLayout,
			cfg.ImageFromBody,
			cfg.FullTextFallback,
			httpClient,
			log.With().Str("component", "enricher").Logger(),
		),
		Metrics: metrics.NewCollector(registry),
	}, log.With().Str("component", "notifier").Logger())

	commands := bot.New(botAPI, cfg.AdminUserIDs, log.With().Str("component", "bot").Logger())
	commands.RegisterCmdView("start", bot.ViewCmdStart())
	commands.RegisterCmdView("check", bot.ViewCmdCheck(n))
	commands.RegisterCmdView("test", bot.ViewCmdCheck(n))

	var wg sync.WaitGroup

	wg.Add(1)
	go func(ctx context.Context) {
		defer wg.Done()
		if err := n.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error().Err(err).Msg("Notifier stopped with error")
			return
		}

		log.Info().Msg("Notifier has stopped")
	}(ctx)

	if cfg.HTTPAddr != "" {
		srv := server.New(cfg.HTTPAddr, n, metrics.Handler(registry), log.With().Str("component", "http").Logger())

		wg.Add(1)
		go func(ctx context.Context) {
			defer wg.Done()
			if err := srv.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Error().Err(err).Msg("HTTP server stopped with error")
				return
			}

			log.Info().Msg("HTTP server has stopped")
		}(ctx)
	}

	if err := commands.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Error().Err(err).Msg("Bot stopped with error")
	} else {
		log.Info().Msg("Bot has stopped")
	}

	wg.Wait()
	return nil
}

func newSource(cfg config.Config, client *http.Client, log zerolog.Logger) notifier.Source {
	if cfg.FeedParser == config.ParserGofeed {
		return source.NewGofeedSource(cfg.FeedURL, client, log)
	}

	return source.NewRSSSource(cfg.FeedURL, client, log)
}

func newCursorStore(ctx context.Context, cfg config.Config, log zerolog.Logger) (notifier.CursorStore, func(), error) {
	switch cfg.CursorBackend {
	case config.BackendPostgres, config.BackendSQLite:
		driver := storage.DriverPostgres
		if cfg.CursorBackend == config.BackendSQLite {
			driver = storage.DriverSQLite
		}

		db, err := storage.Connect(ctx, driver, cfg.DatabaseDSN)
		if err != nil {
			return nil, nil, err
		}

		store := storage.NewSQLStore(db, log)
		if err := store.Migrate(ctx); err != nil {
			db.Close()
			return nil, nil, err
		}

		return store, func() { db.Close() }, nil

	case config.BackendGCS:
		client, err := storage.NewGCSClient(ctx, cfg.GCSEndpoint)
		if err != nil {
			return nil, nil, err
		}

		return storage.NewGCSStore(client, cfg.GCSBucket, cfg.GCSObject, log), func() { client.Close() }, nil

	default:
		return storage.NewFileStore(cfg.CursorPath, log), func() {}, nil
	}
}
