package telegram

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"golang.org/x/time/rate"

	"agentrouter/pkg/errors"
	"agentrouter/pkg/logger"
)

// maxMessageRunes is Telegram's limit for one message body
const maxMessageRunes = 4096

// Sender delivers one formatted message. Implemented by Bot.
type Sender interface {
	SendMessageWithContext(ctx context.Context, chatID int64, text string) error
}

// Bot is a send-only Telegram client for session verdicts.
// Telegram limits a bot to about 30 messages per second overall and one per second per chat.
type Bot struct {
	api    *tgbotapi.BotAPI
	log    *logger.Logger
	global *rate.Limiter

	mu      sync.Mutex
	perChat map[int64]*rate.Limiter
}

// Config contains Telegram bot configuration
type Config struct {
	Token       string
	Debug       bool
	HTTPTimeout time.Duration
	GlobalRate  int // messages per second across all chats (default 20)
}

// NewBot authorizes the token and returns a bot ready to send
func NewBot(cfg Config, log *logger.Logger) (*Bot, error) {
	if cfg.Token == "" {
		return nil, errors.NewValidationError("TELEGRAM_BOT_TOKEN", "is required", "")
	}
	if log == nil {
		log = logger.Get()
	}
	if cfg.HTTPTimeout == 0 {
		cfg.HTTPTimeout = 30 * time.Second
	}
	if cfg.GlobalRate <= 0 {
		cfg.GlobalRate = 20
	}

	httpClient := &http.Client{Timeout: cfg.HTTPTimeout}
	api, err := tgbotapi.NewBotAPIWithClient(cfg.Token, tgbotapi.APIEndpoint, httpClient)
	if err != nil {
		return nil, errors.Wrapf(errors.ErrUnavailable, "authorize telegram bot: %v", err)
	}
	api.Debug = cfg.Debug

	log = log.With("component", "telegram_bot")
	log.Infow("Telegram bot authorized", "username", api.Self.UserName)

	return &Bot{
		api:     api,
		log:     log,
		global:  rate.NewLimiter(rate.Limit(cfg.GlobalRate), cfg.GlobalRate),
		perChat: make(map[int64]*rate.Limiter),
	}, nil
}

// SendMessageWithContext sends a MarkdownV2 message, split into several when it
// exceeds Telegram's size limit. The text must already be escaped.
func (b *Bot) SendMessageWithContext(ctx context.Context, chatID int64, text string) error {
	for i, part := range splitMessage(text, maxMessageRunes) {
		if err := b.sendPart(ctx, chatID, part); err != nil {
			return errors.Wrapf(err, "send part %d to chat %d", i+1, chatID)
		}
	}
	return nil
}

// sendPart sends one chunk and retries once when Telegram answers 429 with a retry_after
func (b *Bot) sendPart(ctx context.Context, chatID int64, text string) error {
	if err := b.wait(ctx, chatID); err != nil {
		return err
	}

	msg := tgbotapi.NewMessage(chatID, text)
	msg.ParseMode = tgbotapi.ModeMarkdownV2
	msg.DisableWebPagePreview = true

	start := time.Now()
	_, err := b.api.Send(msg)

	var apiErr *tgbotapi.Error
	if errors.As(err, &apiErr) && apiErr.RetryAfter > 0 {
		delay := time.Duration(apiErr.RetryAfter) * time.Second
		b.log.Warnw("Telegram flood control, retrying", "chat_id", chatID, "retry_after", delay)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		_, err = b.api.Send(msg)
	}
	if err != nil {
		return errors.Wrapf(errors.ErrUnavailable, "telegram: %v", err)
	}

	b.log.Debugw("Message sent", "chat_id", chatID, "runes", utf8.RuneCountInString(text), "duration", time.Since(start))
	return nil
}

func (b *Bot) wait(ctx context.Context, chatID int64) error {
	b.mu.Lock()
	lim, ok := b.perChat[chatID]
	if !ok {
		lim = rate.NewLimiter(rate.Every(time.Second), 1)
		b.perChat[chatID] = lim
	}
	b.mu.Unlock()

	if err := b.global.Wait(ctx); err != nil {
		return err
	}
	return lim.Wait(ctx)
}

// splitMessage cuts text into chunks of at most limit runes, preferring line breaks.
// A single line longer than limit is cut at the rune boundary, stepping back over a
// trailing backslash so a MarkdownV2 escape is never separated from its character.
func splitMessage(text string, limit int) []string {
	if utf8.RuneCountInString(text) <= limit {
		return []string{text}
	}

	var (
		parts []string
		cur   strings.Builder
		n     int
	)
	flush := func() {
		if cur.Len() > 0 {
			parts = append(parts, cur.String())
			cur.Reset()
			n = 0
		}
	}

	for _, line := range strings.SplitAfter(text, "\n") {
		runes := []rune(line)
		for len(runes) > limit {
			flush()
			cut := limit
			for cut > 1 && runes[cut-1] == '\\' {
				cut--
			}
			parts = append(parts, string(runes[:cut]))
			runes = runes[cut:]
		}
		if n+len(runes) > limit {
			flush()
		}
		cur.WriteString(string(runes))
		n += len(runes)
	}
	flush()
	return parts
}
