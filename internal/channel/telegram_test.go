package channel

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatgate/internal/domain"
	"chatgate/internal/logging"
)

type fakeBot struct {
	updates chan tgbotapi.Update
	stopped bool

	mu      sync.Mutex
	sent    []tgbotapi.MessageConfig
	failFor int // fail this many sends before succeeding
	failErr error
}

func newFakeBot() *fakeBot { return &fakeBot{updates: make(chan tgbotapi.Update, 8)} }

func (b *fakeBot) GetUpdatesChan(tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel { return b.updates }
func (b *fakeBot) StopReceivingUpdates()                                        { b.stopped = true }
func (b *fakeBot) GetFileDirectURL(id string) (string, error)                   { return "https://files/" + id, nil }

func (b *fakeBot) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	msg := c.(tgbotapi.MessageConfig)
	b.sent = append(b.sent, msg)
	if b.failFor > 0 {
		b.failFor--
		return tgbotapi.Message{}, b.failErr
	}
	return tgbotapi.Message{}, nil
}

func (b *fakeBot) Sent() []tgbotapi.MessageConfig {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]tgbotapi.MessageConfig(nil), b.sent...)
}

func TestNormalizeTelegram(t *testing.T) {
	chat := &tgbotapi.Chat{ID: 777}
	cases := []struct {
		name string
		msg  *tgbotapi.Message
		kind domain.MessageKind
	}{
		{"text", &tgbotapi.Message{Chat: chat, Text: "hola"}, domain.KindText},
		{"document", &tgbotapi.Message{Chat: chat, Document: &tgbotapi.Document{FileID: "f1", FileName: "a.pdf", MimeType: "application/pdf"}}, domain.KindDocument},
		{"voice", &tgbotapi.Message{Chat: chat, Voice: &tgbotapi.Voice{FileID: "v"}}, domain.KindVoice},
		{"audio", &tgbotapi.Message{Chat: chat, Audio: &tgbotapi.Audio{FileID: "a"}}, domain.KindVoice},
		{"photo", &tgbotapi.Message{Chat: chat, Photo: []tgbotapi.PhotoSize{{FileID: "p"}}}, domain.KindPhoto},
		{"sticker", &tgbotapi.Message{Chat: chat, Sticker: &tgbotapi.Sticker{FileID: "s"}}, domain.KindUnsupported},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			msg, ok := normalizeTelegram(tgbotapi.Update{UpdateID: 9, Message: tc.msg})
			require.True(t, ok)
			assert.Equal(t, tc.kind, msg.Kind)
			assert.Equal(t, "777", msg.SenderID)
			assert.Equal(t, "9", msg.ID)
			assert.Equal(t, domain.ChannelPolling, msg.Channel)
			assert.NoError(t, msg.Validate())
		})
	}

	_, ok := normalizeTelegram(tgbotapi.Update{UpdateID: 1})
	assert.False(t, ok, "updates without a message are skipped")
}

func TestTelegram_PollingLoop(t *testing.T) {
	bot := newFakeBot()
	tg := NewTelegram(TelegramConfig{Bot: bot, Logger: logging.Discard()})
	r := &countingRouter{answer: "respuesta"}
	d, _ := newTestDispatcher(tg, r, &countingIngester{}, nil)
	tg.Bind(d)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- tg.Start(ctx) }()

	bot.updates <- tgbotapi.Update{UpdateID: 1, Message: &tgbotapi.Message{Chat: &tgbotapi.Chat{ID: 5}, Text: "/start"}}
	bot.updates <- tgbotapi.Update{UpdateID: 2, Message: &tgbotapi.Message{Chat: &tgbotapi.Chat{ID: 5}, Text: "¿pregunta?"}}

	require.Eventually(t, func() bool { return len(bot.Sent()) == 2 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)
	assert.True(t, bot.stopped)

	texts := []string{bot.Sent()[0].Text, bot.Sent()[1].Text}
	assert.ElementsMatch(t, []string{testReplies.Welcome, "respuesta"}, texts)
	assert.Equal(t, int32(1), r.calls.Load())
}

func TestTelegram_SendTextFallsBackToPlain(t *testing.T) {
	bot := newFakeBot()
	bot.failFor = 1
	bot.failErr = errors.New("Bad Request: can't parse entities")
	tg := NewTelegram(TelegramConfig{Bot: bot, ParseMode: "Markdown", Logger: logging.Discard()})

	require.NoError(t, tg.SendText(context.Background(), "5", "*hola"))
	sent := bot.Sent()
	require.Len(t, sent, 2)
	assert.Equal(t, "Markdown", sent[0].ParseMode)
	assert.Equal(t, "", sent[1].ParseMode)
}

func TestTelegram_SendTextGivesUp(t *testing.T) {
	bot := newFakeBot()
	bot.failFor = 100
	bot.failErr = errors.New("connection reset")
	tg := NewTelegram(TelegramConfig{Bot: bot, Logger: logging.Discard()})
	tg.retryWait = time.Millisecond

	err := tg.SendText(context.Background(), "5", "hola")
	require.Error(t, err)
	assert.Len(t, bot.Sent(), telegramMaxSendRetries+1)
}

func TestTelegram_SendTextInvalidChat(t *testing.T) {
	tg := NewTelegram(TelegramConfig{Bot: newFakeBot(), Logger: logging.Discard()})
	assert.Error(t, tg.SendText(context.Background(), "not-a-number", "x"))
}
