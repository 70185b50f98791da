package notifier

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"feedbot/internal/content"
	"feedbot/internal/model"
	"feedbot/internal/telegram"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

type Source interface {
	Fetch(ctx context.Context) ([]model.Item, error)
}

// CursorStore holds the id of the last item that reached the chat.
type CursorStore interface {
	Load(ctx context.Context) (string, bool)
	Save(ctx context.Context, id string) error
}

type Sender interface {
	SendText(ctx context.Context, text string, opts telegram.TextOptions) error
	SendImage(ctx context.Context, imageURL, caption string, opts telegram.ImageOptions) error
}

type Enricher interface {
	Enrich(ctx context.Context, item model.Item) model.Item
}

type Metrics interface {
	CycleFinished(result string, duration time.Duration)
	FetchFailed()
	ItemDelivered()
	ItemFiltered()
	DeliveryFailed()
}

type Options struct {
	Schedule     cron.Schedule
	Pacing       time.Duration
	CaptionLimit int
	MessageLimit int

	// Keywords skips items whose title contains one of them or whose category
	// equals one. Skipped items count as settled: the cursor moves past them.
	Keywords []string

	Renderer content.Renderer
	Enricher Enricher
	Metrics  Metrics
}

// Report summarizes one cycle, also when it stopped early.
type Report struct {
	Fetched   int
	Selected  int
	Delivered int
	Filtered  int
	Cursor    string
}

type Notifier struct {
	source   Source
	cursor   CursorStore
	sender   Sender
	renderer content.Renderer
	enricher Enricher
	metrics  Metrics
	filter   keywordFilter

	schedule     cron.Schedule
	limiter      *rate.Limiter
	captionLimit int
	messageLimit int

	// one slot: the timer and the check command never run a cycle at the same time
	sem chan struct{}

	logger zerolog.Logger
}

func New(source Source, cursor CursorStore, sender Sender, opts Options, logger zerolog.Logger) *Notifier {
	limit := rate.Inf
	if opts.Pacing > 0 {
		limit = rate.Every(opts.Pacing)
	}

	if opts.Schedule == nil {
		opts.Schedule = cron.Every(5 * time.Minute)
	}
	if opts.CaptionLimit <= 0 {
		opts.CaptionLimit = content.CaptionLimit
	}
	if opts.MessageLimit <= 0 {
		opts.MessageLimit = content.MessageLimit
	}
	if opts.Renderer.SourceLabel == "" {
		opts.Renderer = content.NewRenderer("")
	}
	if opts.Enricher == nil {
		opts.Enricher = noEnrich{}
	}
	if opts.Metrics == nil {
		opts.Metrics = nopMetrics{}
	}

	return &Notifier{
		source:       source,
		cursor:       cursor,
		sender:       sender,
		renderer:     opts.Renderer,
		enricher:     opts.Enricher,
		metrics:      opts.Metrics,
		filter:       newKeywordFilter(opts.Keywords),
		schedule:     opts.Schedule,
		limiter:      rate.NewLimiter(limit, 1),
		captionLimit: opts.CaptionLimit,
		messageLimit: opts.MessageLimit,
		sem:          make(chan struct{}, 1),
		logger:       logger,
	}
}

// Run checks the feed right away and then on every tick of the schedule. The
// next tick is computed only after a cycle has finished, so cycles never
// overlap. Run returns when ctx is done.
func (n *Notifier) Run(ctx context.Context) error {
	for {
		n.runCycle(ctx)

		next := n.schedule.Next(time.Now())
		n.logger.Debug().Time("next_check", next).Msg("Waiting for next check")

		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func (n *Notifier) runCycle(ctx context.Context) {
	n.logger.Info().Msg("Checking feed")

	report, err := n.Check(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return
		}

		event := n.logger.Error().Err(err)
		var cycleErr *CycleError
		if errors.As(err, &cycleErr) {
			event = event.Str("stage", string(cycleErr.Stage)).Str("item_id", cycleErr.ItemID)
		}
		event.
			Int("selected", report.Selected).
			Int("delivered", report.Delivered).
			Msg("Delivery cycle failed")
		return
	}

	n.logger.Info().
		Int("fetched", report.Fetched).
		Int("selected", report.Selected).
		Int("delivered", report.Delivered).
		Int("filtered", report.Filtered).
		Msg("Delivery cycle finished")
}

// Check runs one full cycle: fetch, select, and deliver every new item in order.
// It waits while another cycle is running. A failure on an item ends the cycle
// with the cursor left on the last item that was sent.
func (n *Notifier) Check(ctx context.Context) (report Report, err error) {
	select {
	case n.sem <- struct{}{}:
	case <-ctx.Done():
		return Report{}, ctx.Err()
	}
	defer func() { <-n.sem }()

	start := time.Now()
	defer func() {
		if p := recover(); p != nil {
			n.logger.Error().
				Str("panic", fmt.Sprint(p)).
				Str("stack", string(debug.Stack())).
				Msg("Recovered panic in delivery cycle")
			err = fmt.Errorf("%w: %v", ErrPanic, p)
		}

		result := "ok"
		if err != nil {
			result = string(StageOf(err))
			if result == "" {
				result = "error"
			}
		}
		n.metrics.CycleFinished(result, time.Since(start))
	}()

	return n.cycle(ctx)
}

func (n *Notifier) cycle(ctx context.Context) (Report, error) {
	var report Report

	cursor, ok := n.cursor.Load(ctx)
	report.Cursor = cursor

	snapshot, err := n.source.Fetch(ctx)
	if err != nil {
		n.metrics.FetchFailed()
		return report, &CycleError{Stage: StageFetch, Err: err}
	}
	report.Fetched = len(snapshot)

	selected := SelectNew(snapshot, cursor, ok)
	report.Selected = len(selected)

	if len(selected) == 0 {
		return report, nil
	}

	if !ok {
		n.logger.Info().Str("item_id", selected[0].ID).Msg("No cursor stored, starting from the newest item")
	} else if len(selected) == len(snapshot) {
		n.logger.Warn().Str("cursor", cursor).Int("items", len(selected)).Msg("Cursor not found in feed, sending every item")
	}

	for _, item := range selected {
		log := n.logger.With().Str("item_id", item.ID).Logger()

		if n.filter.IsSkipped(item) {
			if err := n.cursor.Save(ctx, item.ID); err != nil {
				return report, &CycleError{Stage: StageStore, ItemID: item.ID, Err: err}
			}
			report.Filtered++
			report.Cursor = item.ID
			n.metrics.ItemFiltered()
			log.Info().Str("title", item.Title).Msg("Item filtered by keyword")
			continue
		}

		item = n.enricher.Enrich(ctx, item)

		payload, err := n.render(item)
		if err != nil {
			return report, &CycleError{Stage: StageRender, ItemID: item.ID, Err: err}
		}

		if err := n.limiter.Wait(ctx); err != nil {
			return report, &CycleError{Stage: StageDeliver, ItemID: item.ID, Err: err}
		}

		if err := n.deliver(ctx, payload); err != nil {
			n.metrics.DeliveryFailed()
			return report, &CycleError{Stage: StageDeliver, ItemID: item.ID, Err: err}
		}

		if err := n.cursor.Save(ctx, item.ID); err != nil {
			return report, &CycleError{Stage: StageStore, ItemID: item.ID, Err: err}
		}

		report.Delivered++
		report.Cursor = item.ID
		n.metrics.ItemDelivered()

		log.Info().
			Str("title", item.Title).
			Bool("image", payload.HasImage()).
			Msg("Item delivered")
	}

	return report, nil
}

// render uses the caption limit when the item has a picture. A caption that
// cannot fit even without body is sent as a plain message instead.
func (n *Notifier) render(item model.Item) (model.Payload, error) {
	body := content.Sanitize(item.Body)

	if item.ImageURL != "" {
		payload, err := n.renderer.Render(item, body, n.captionLimit)
		if err == nil {
			return payload, nil
		}
		if !errors.Is(err, content.ErrPayloadTooLong) {
			return model.Payload{}, err
		}

		n.logger.Warn().Str("item_id", item.ID).Msg("Caption too long, sending without image")
		item.ImageURL = ""
	}

	return n.renderer.Render(item, body, n.messageLimit)
}

func (n *Notifier) deliver(ctx context.Context, payload model.Payload) error {
	if payload.HasImage() {
		return n.sender.SendImage(ctx, payload.ImageURL, payload.Text, telegram.ImageOptions{
			RichFormatting: true,
		})
	}

	return n.sender.SendText(ctx, payload.Text, telegram.TextOptions{
		DisableLinkPreview: true,
		RichFormatting:     true,
	})
}

type noEnrich struct{}

func (noEnrich) Enrich(_ context.Context, item model.Item) model.Item { return item }

type nopMetrics struct{}

func (nopMetrics) CycleFinished(string, time.Duration) {}
func (nopMetrics) FetchFailed()                        {}
func (nopMetrics) ItemDelivered()                      {}
func (nopMetrics) ItemFiltered()                       {}
func (nopMetrics) DeliveryFailed()                     {}
