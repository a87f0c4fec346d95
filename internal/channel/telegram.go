package channel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"chatgate/internal/domain"
)

const (
	telegramMaxMsgLen      = 4000
	telegramMaxSendRetries = 3
)

// TelegramBot is the subset of *tgbotapi.BotAPI the adapter uses.
type TelegramBot interface {
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	GetFileDirectURL(fileID string) (string, error)
}

// Telegram is the long-polling adapter.
type Telegram struct {
	bot         TelegramBot
	parseMode   string
	pollTimeout int
	dispatcher  *Dispatcher
	logger      *slog.Logger

	// retryWait scales the backoff between send attempts.
	retryWait time.Duration
}

type TelegramConfig struct {
	Bot         TelegramBot
	ParseMode   string
	PollTimeout int
	Logger      *slog.Logger
}

func NewTelegram(cfg TelegramConfig) *Telegram {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = 30
	}
	return &Telegram{
		bot:         cfg.Bot,
		parseMode:   cfg.ParseMode,
		pollTimeout: cfg.PollTimeout,
		logger:      cfg.Logger.With("channel", "telegram"),
		retryWait:   time.Second,
	}
}

func (t *Telegram) Name() string             { return "telegram" }
func (t *Telegram) Kind() domain.ChannelKind { return domain.ChannelPolling }

// Bind attaches the dispatcher that receives normalized messages.
func (t *Telegram) Bind(d *Dispatcher) { t.dispatcher = d }

// Start polls for updates until ctx is cancelled. In-flight messages keep
// running; the caller drains them with Dispatcher.Shutdown.
func (t *Telegram) Start(ctx context.Context) error {
	if t.dispatcher == nil {
		return errors.New("telegram: no dispatcher bound")
	}
	u := tgbotapi.NewUpdate(0)
	u.Timeout = t.pollTimeout
	updates := t.bot.GetUpdatesChan(u)
	t.logger.Info("telegram polling started")

	for {
		select {
		case <-ctx.Done():
			t.logger.Info("telegram channel stopping")
			t.bot.StopReceivingUpdates()
			return nil
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			msg, ok := normalizeTelegram(update)
			if !ok {
				continue
			}
			t.dispatcher.Submit(msg)
		}
	}
}

// Stop is a no-op: polling ends when Start's context is cancelled, and
// StopReceivingUpdates must not be called twice.
func (t *Telegram) Stop() error { return nil }

// normalizeTelegram maps an update to an InboundMessage. Replies go to the
// chat, so the chat id is used as sender.
func normalizeTelegram(update tgbotapi.Update) (domain.InboundMessage, bool) {
	m := update.Message
	if m == nil || m.Chat == nil {
		return domain.InboundMessage{}, false
	}
	id := strconv.Itoa(update.UpdateID)
	sender := strconv.FormatInt(m.Chat.ID, 10)

	switch {
	case m.Document != nil:
		return domain.NewDocumentMessage(domain.ChannelPolling, id, sender, domain.AttachmentRef{
			Handle:   m.Document.FileID,
			Filename: m.Document.FileName,
			MimeType: m.Document.MimeType,
		}), true
	case m.Voice != nil, m.Audio != nil:
		return domain.NewMediaMessage(domain.ChannelPolling, id, sender, domain.KindVoice), true
	case len(m.Photo) > 0:
		return domain.NewMediaMessage(domain.ChannelPolling, id, sender, domain.KindPhoto), true
	case strings.TrimSpace(m.Text) != "":
		return domain.NewTextMessage(domain.ChannelPolling, id, sender, m.Text), true
	default:
		return domain.NewMediaMessage(domain.ChannelPolling, id, sender, domain.KindUnsupported), true
	}
}

// SendText delivers text in chunks under Telegram's length limit.
func (t *Telegram) SendText(ctx context.Context, chatID, text string) error {
	id, err := strconv.ParseInt(chatID, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid chat ID: %w", err)
	}
	for _, chunk := range splitMessage(text, telegramMaxMsgLen) {
		if err := t.sendChunk(ctx, id, chunk); err != nil {
			return err
		}
	}
	return nil
}

// sendChunk tries the configured parse mode first, falls back to plain
// text on entity errors and backs off on rate limits.
func (t *Telegram) sendChunk(ctx context.Context, chatID int64, text string) error {
	var lastErr error
	for attempt := 0; attempt <= telegramMaxSendRetries; attempt++ {
		msg := tgbotapi.NewMessage(chatID, text)
		if attempt == 0 && t.parseMode != "" {
			msg.ParseMode = t.parseMode
		}
		_, err := t.bot.Send(msg)
		if err == nil {
			return nil
		}
		lastErr = err
		errStr := err.Error()

		if attempt == 0 && msg.ParseMode != "" && strings.Contains(errStr, "can't parse entities") {
			t.logger.Warn("telegram markdown parse error, retrying as plain text", "parse_mode", t.parseMode)
			continue
		}

		wait := time.Duration(attempt+1) * t.retryWait
		if strings.Contains(errStr, "Too Many Requests") || strings.Contains(errStr, "429") {
			wait *= 3
			t.logger.Warn("telegram rate limited, backing off", "retry_after", wait, "attempt", attempt+1)
		} else if attempt < telegramMaxSendRetries {
			t.logger.Warn("telegram send error, retrying", "error", err, "backoff", wait)
		}
		if attempt == telegramMaxSendRetries {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
	return fmt.Errorf("telegram send failed after %d attempts: %w", telegramMaxSendRetries+1, lastErr)
}

// splitMessage cuts msg into chunks of at most maxLen bytes, preferring
// newline boundaries and never splitting a UTF-8 sequence.
func splitMessage(msg string, maxLen int) []string {
	if len(msg) <= maxLen {
		return []string{msg}
	}
	var chunks []string
	for len(msg) > maxLen {
		cut := strings.LastIndex(msg[:maxLen], "\n")
		if cut < maxLen/2 {
			cut = maxLen
			for cut > 0 && !utf8.RuneStart(msg[cut]) {
				cut--
			}
		}
		chunks = append(chunks, msg[:cut])
		msg = strings.TrimPrefix(msg[cut:], "\n")
	}
	if msg != "" {
		chunks = append(chunks, msg)
	}
	return chunks
}
