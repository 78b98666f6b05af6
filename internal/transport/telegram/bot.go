// Package telegram connects the router to the Telegram Bot API.
package telegram

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"unicode/utf16"

	"github.com/gin-gonic/gin"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"counselbot/internal/config"
	"counselbot/internal/router"
	"counselbot/internal/worker"
)

// maxMessageLen is Telegram's limit in UTF-16 code units.
const maxMessageLen = 4096

var allowedUpdates = []string{"message", "callback_query"}

const msgBusy = "⏳ The bot is busy right now. Please send your message again in a moment."

// api is the subset of *tgbotapi.BotAPI used to talk to Telegram.
type api interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
}

// SubmitFunc queues an event for routing; (*worker.Dispatcher).Submit fits.
type SubmitFunc func(ctx context.Context, ev router.Event) error

type Bot struct {
	api  api
	bot  *tgbotapi.BotAPI
	cfg  config.TelegramConfig
	name string
}

func New(cfg config.TelegramConfig) (*Bot, error) {
	if cfg.Token == "" {
		return nil, errors.New("telegram token is required")
	}
	bot, err := tgbotapi.NewBotAPI(cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("connect telegram: %w", err)
	}
	bot.Debug = cfg.Debug
	b := newBot(bot, cfg)
	b.bot = bot
	b.name = bot.Self.UserName
	slog.Info("telegram bot authorized", "username", b.name, "mode", cfg.Mode)
	return b, nil
}

func newBot(a api, cfg config.TelegramConfig) *Bot {
	return &Bot{api: a, cfg: cfg}
}

// Send delivers one outbound message, split into several when it exceeds the
// Telegram length limit. Keyboards ride on the last part.
func (b *Bot) Send(ctx context.Context, out router.Outbound) error {
	msgs := buildMessages(out)
	errCh := make(chan error, 1)
	go func() {
		for _, m := range msgs {
			if _, err := b.api.Send(m); err != nil {
				errCh <- err
				return
			}
		}
		errCh <- nil
	}()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func buildMessages(out router.Outbound) []tgbotapi.MessageConfig {
	parts := splitText(out.Text, maxMessageLen)
	msgs := make([]tgbotapi.MessageConfig, len(parts))
	for i, part := range parts {
		msgs[i] = tgbotapi.NewMessage(out.RecipientID, part)
		msgs[i].DisableWebPagePreview = true
	}
	last := &msgs[len(msgs)-1]
	switch {
	case len(out.Buttons) > 0:
		last.ReplyMarkup = inlineKeyboard(out.Buttons)
	case len(out.Keyboard) > 0:
		last.ReplyMarkup = replyKeyboard(out.Keyboard)
	}
	return msgs
}

func inlineKeyboard(rows [][]router.Button) tgbotapi.InlineKeyboardMarkup {
	kb := make([][]tgbotapi.InlineKeyboardButton, 0, len(rows))
	for _, row := range rows {
		buttons := make([]tgbotapi.InlineKeyboardButton, 0, len(row))
		for _, btn := range row {
			buttons = append(buttons, tgbotapi.NewInlineKeyboardButtonData(btn.Text, btn.Data))
		}
		kb = append(kb, tgbotapi.NewInlineKeyboardRow(buttons...))
	}
	return tgbotapi.NewInlineKeyboardMarkup(kb...)
}

func replyKeyboard(rows [][]string) tgbotapi.ReplyKeyboardMarkup {
	kb := make([][]tgbotapi.KeyboardButton, 0, len(rows))
	for _, row := range rows {
		buttons := make([]tgbotapi.KeyboardButton, 0, len(row))
		for _, label := range row {
			buttons = append(buttons, tgbotapi.NewKeyboardButton(label))
		}
		kb = append(kb, tgbotapi.NewKeyboardButtonRow(buttons...))
	}
	markup := tgbotapi.NewReplyKeyboard(kb...)
	markup.ResizeKeyboard = true
	return markup
}

// splitText cuts s into chunks of at most limit UTF-16 code units, preferring
// newlines.
func splitText(s string, limit int) []string {
	if s == "" {
		return []string{" "}
	}
	var parts []string
	for utf16Len(s) > limit {
		cut := unitOffset(s, limit)
		if nl := strings.LastIndexByte(s[:cut], '\n'); nl > 0 {
			cut = nl + 1
		}
		parts = append(parts, s[:cut])
		s = s[cut:]
	}
	return append(parts, s)
}

func utf16Len(s string) int {
	n := 0
	for _, r := range s {
		n += utf16.RuneLen(r)
	}
	return n
}

// unitOffset returns the byte offset of the longest prefix of s that fits in
// n UTF-16 code units without splitting a rune.
func unitOffset(s string, n int) int {
	units := 0
	for pos, r := range s {
		w := utf16.RuneLen(r)
		if units+w > n {
			return pos
		}
		units += w
	}
	return len(s)
}

// handle turns an update into an event and submits it. Callback queries are
// acknowledged first so the client stops its spinner.
func (b *Bot) handle(ctx context.Context, update tgbotapi.Update, submit SubmitFunc) {
	if cq := update.CallbackQuery; cq != nil {
		if _, err := b.api.Request(tgbotapi.NewCallback(cq.ID, "")); err != nil {
			slog.WarnContext(ctx, "answer callback", "error", err)
		}
	}
	ev, ok := EventFromUpdate(update)
	if !ok {
		return
	}
	err := submit(ctx, ev)
	switch {
	case err == nil:
	case errors.Is(err, worker.ErrDispatcherBusy):
		slog.WarnContext(ctx, "dispatcher busy, event rejected", "sender_id", ev.SenderID)
		if err := b.Send(ctx, router.Outbound{RecipientID: ev.SenderID, Text: msgBusy, Kind: router.KindReply}); err != nil {
			slog.WarnContext(ctx, "send busy notice", "error", err)
		}
	default:
		slog.ErrorContext(ctx, "submit event", "sender_id", ev.SenderID, "error", err)
	}
}

// Poll long-polls for updates until ctx is cancelled.
func (b *Bot) Poll(ctx context.Context, submit SubmitFunc) error {
	if b.bot == nil {
		return errors.New("telegram bot not connected")
	}
	if _, err := b.bot.Request(tgbotapi.DeleteWebhookConfig{}); err != nil {
		return fmt.Errorf("delete webhook: %w", err)
	}
	u := tgbotapi.NewUpdate(0)
	u.Timeout = b.cfg.PollTimeout
	u.AllowedUpdates = allowedUpdates
	updates := b.bot.GetUpdatesChan(u)
	slog.InfoContext(ctx, "telegram polling started")
	for {
		select {
		case <-ctx.Done():
			b.bot.StopReceivingUpdates()
			return nil
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			b.handle(ctx, update, submit)
		}
	}
}

// SetWebhook registers cfg.WebhookURL with Telegram together with the secret
// token Telegram must echo on every push.
func (b *Bot) SetWebhook() error {
	if b.bot == nil {
		return errors.New("telegram bot not connected")
	}
	params := tgbotapi.Params{"url": strings.TrimRight(b.cfg.WebhookURL, "/") + b.cfg.WebhookPath}
	params.AddNonEmpty("secret_token", b.cfg.WebhookSecret)
	if err := params.AddInterface("allowed_updates", allowedUpdates); err != nil {
		return fmt.Errorf("build webhook: %w", err)
	}
	if _, err := b.bot.MakeRequest("setWebhook", params); err != nil {
		return fmt.Errorf("set webhook: %w", err)
	}
	info, err := b.bot.GetWebhookInfo()
	if err == nil && info.LastErrorDate != 0 {
		slog.Warn("telegram webhook reports errors", "message", info.LastErrorMessage)
	}
	return nil
}

const secretHeader = "X-Telegram-Bot-Api-Secret-Token"

// WebhookHandler accepts updates pushed by Telegram. Requests without the
// configured secret token are rejected before the body is read. It answers
// 200 once the body parses so Telegram does not redeliver.
func (b *Bot) WebhookHandler(submit SubmitFunc) gin.HandlerFunc {
	return func(c *gin.Context) {
		got := c.GetHeader(secretHeader)
		if b.cfg.WebhookSecret == "" || subtle.ConstantTimeCompare([]byte(got), []byte(b.cfg.WebhookSecret)) != 1 {
			slog.WarnContext(c.Request.Context(), "webhook request with bad secret token", "remote", c.ClientIP())
			c.AbortWithStatus(http.StatusUnauthorized)
			return
		}
		var update tgbotapi.Update
		if err := c.ShouldBindJSON(&update); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid update"})
			return
		}
		b.handle(c.Request.Context(), update, submit)
		c.Status(http.StatusOK)
	}
}
