// Package bot answers Telegram commands sent to the notifier's bot account.
package bot

import (
	"context"
	"fmt"
	"runtime/debug"
	"strings"
	"time"

	"feedbot/internal/notifier"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"
	"github.com/samber/lo"
)

type ViewFunc func(ctx context.Context, bot *tgbotapi.BotAPI, update tgbotapi.Update) error

type Checker interface {
	Check(ctx context.Context) (notifier.Report, error)
}

func ViewCmdStart() ViewFunc {
	return func(ctx context.Context, bot *tgbotapi.BotAPI, update tgbotapi.Update) error {
		text := "I forward new feed items to the channel.\n/check runs a check right now."
		if _, err := bot.Send(tgbotapi.NewMessage(update.FromChat().ID, text)); err != nil {
			return err
		}

		return nil
	}
}

// ViewCmdCheck runs one delivery cycle and replies with what it did.
func ViewCmdCheck(checker Checker) ViewFunc {
	return func(ctx context.Context, bot *tgbotapi.BotAPI, update tgbotapi.Update) error {
		report, err := checker.Check(ctx)

		reply := tgbotapi.NewMessage(update.FromChat().ID, FormatReport(report, err))
		reply.ReplyToMessageID = update.Message.MessageID

		if _, sendErr := bot.Send(reply); sendErr != nil {
			return sendErr
		}

		return nil
	}
}

func FormatReport(report notifier.Report, err error) string {
	var sb strings.Builder

	if err != nil {
		fmt.Fprintf(&sb, "Check failed: %v\n", err)
	} else {
		sb.WriteString("Check finished\n")
	}

	fmt.Fprintf(&sb, "fetched: %d, new: %d, sent: %d", report.Fetched, report.Selected, report.Delivered)
	if report.Filtered > 0 {
		fmt.Fprintf(&sb, ", filtered: %d", report.Filtered)
	}
	if report.Cursor != "" {
		fmt.Fprintf(&sb, "\nlast item: %s", report.Cursor)
	}

	return sb.String()
}

type Bot struct {
	api      *tgbotapi.BotAPI
	cmdViews map[string]ViewFunc
	admins   map[int64]struct{}
	logger   zerolog.Logger
}

// New returns a bot that answers only the given users, or everyone when
// adminIDs is empty.
func New(api *tgbotapi.BotAPI, adminIDs []int64, logger zerolog.Logger) *Bot {
	return &Bot{
		api:    api,
		admins: lo.SliceToMap(adminIDs, func(id int64) (int64, struct{}) { return id, struct{}{} }),
		logger: logger,
	}
}

func (b *Bot) RegisterCmdView(cmd string, view ViewFunc) {
	if b.cmdViews == nil {
		b.cmdViews = make(map[string]ViewFunc)
	}

	b.cmdViews[cmd] = view
}

func (b *Bot) allowed(user *tgbotapi.User) bool {
	if len(b.admins) == 0 {
		return true
	}
	if user == nil {
		return false
	}

	_, ok := b.admins[user.ID]
	return ok
}

func (b *Bot) handleUpdate(ctx context.Context, update tgbotapi.Update) {
	defer func() {
		if p := recover(); p != nil {
			b.logger.Error().
				Str("panic", fmt.Sprint(p)).
				Str("stack", string(debug.Stack())).
				Msg("Recovered panic in command view")
		}
	}()

	if update.Message == nil || !update.Message.IsCommand() {
		return
	}

	command := update.Message.Command()
	log := b.logger.With().Str("command", command).Int64("chat_id", update.Message.Chat.ID).Logger()

	view, ok := b.cmdViews[command]
	if !ok {
		return
	}

	if !b.allowed(update.Message.From) {
		log.Warn().Msg("Command from user who is not an admin ignored")
		return
	}

	if err := view(ctx, b.api, update); err != nil {
		log.Error().Err(err).Msg("Command view failed")

		if _, sendErr := b.api.Send(tgbotapi.NewMessage(update.Message.Chat.ID, "Internal error")); sendErr != nil {
			log.Error().Err(sendErr).Msg("Failed to send error message")
		}
	}
}

func (b *Bot) Run(ctx context.Context) error {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60

	updates := b.api.GetUpdatesChan(u)
	defer b.api.StopReceivingUpdates()

	for {
		select {
		case update := <-updates:
			updateCtx, updateCancel := context.WithTimeout(ctx, 5*time.Minute)
			b.handleUpdate(updateCtx, update)
			updateCancel()
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
