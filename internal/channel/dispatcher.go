package channel

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"chatgate/internal/bus"
	"chatgate/internal/dedup"
	"chatgate/internal/domain"
	"chatgate/internal/ingest"
)

// Answerer turns free text into a reply. It never fails.
type Answerer interface {
	Answer(ctx context.Context, text string) string
}

// Ingester runs the document pipeline. It never fails or panics outward.
type Ingester interface {
	Ingest(ctx context.Context, ref domain.AttachmentRef, notify ingest.Notifier) domain.IngestionOutcome
}

// Replies are the canned texts the dispatcher sends.
type Replies struct {
	Welcome          string
	ProcessingError  string
	VoiceUnsupported string
	PhotoUnsupported string
	Unsupported      string
	IngestSucceeded  string // %s receives the engine message
	IngestFailed     string // %s receives the diagnostic
}

type DispatcherConfig struct {
	Platform      domain.Platform
	Router        Answerer
	Ingester      Ingester
	Greetings     []string
	Replies       Replies
	Dedup         dedup.Store // optional
	Events        *bus.EventBus
	MaxConcurrent int
	Logger        *slog.Logger
}

// Dispatcher is the platform-independent half of a channel adapter: it
// routes one normalized message to a greeting, a query, an ingestion or a
// fixed reply, and sends exactly one final reply.
type Dispatcher struct {
	cfg    DispatcherConfig
	logger *slog.Logger
	sem    *semaphore.Weighted
	wg     sync.WaitGroup

	// Processing outlives the request or poll that delivered a message;
	// it is cancelled only when Shutdown gives up waiting.
	procCtx    context.Context
	procCancel context.CancelFunc
}

func NewDispatcher(cfg DispatcherConfig) *Dispatcher {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 8
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		cfg:        cfg,
		logger:     cfg.Logger.With("component", "dispatcher", "channel", cfg.Platform.Name()),
		sem:        semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
		procCtx:    ctx,
		procCancel: cancel,
	}
}

// Submit handles msg on a background goroutine.
func (d *Dispatcher) Submit(msg domain.InboundMessage) {
	d.Background(func(ctx context.Context) { d.Handle(ctx, msg) })
}

// Background runs fn on a tracked goroutine once a concurrency slot is free.
func (d *Dispatcher) Background(fn func(ctx context.Context)) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		if err := d.sem.Acquire(d.procCtx, 1); err != nil {
			return
		}
		defer d.sem.Release(1)
		defer func() {
			if r := recover(); r != nil {
				d.logger.Error("background task panic", "panic", r, "stack", string(debug.Stack()))
			}
		}()
		fn(d.procCtx)
	}()
}

// Shutdown waits for in-flight messages until ctx expires, then cancels them.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		d.procCancel()
		return nil
	case <-ctx.Done():
		d.logger.Warn("shutdown deadline reached, cancelling in-flight messages")
		d.procCancel()
		<-done
		return ctx.Err()
	}
}

// IsGreeting reports whether text is one of the configured greeting tokens.
func (d *Dispatcher) IsGreeting(text string) bool {
	t := strings.TrimSpace(text)
	for _, g := range d.cfg.Greetings {
		if strings.EqualFold(t, strings.TrimSpace(g)) {
			return true
		}
	}
	return false
}

// Handle processes one message synchronously. Redeliveries are dropped
// without a reply; everything else ends in exactly one Reply.
func (d *Dispatcher) Handle(ctx context.Context, msg domain.InboundMessage) {
	if !d.admit(ctx, msg) {
		return
	}

	replied := false
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("message handling panic", "panic", r, "stack", string(debug.Stack()))
			if !replied {
				d.Reply(ctx, msg.SenderID, d.cfg.Replies.ProcessingError)
			}
		}
	}()

	reply := d.route(ctx, msg)
	replied = true
	d.Reply(ctx, msg.SenderID, reply)
}

// ReplyOnce answers msg with a fixed text instead of routing it. The
// malformed and redelivery checks of Handle still apply.
func (d *Dispatcher) ReplyOnce(ctx context.Context, msg domain.InboundMessage, text string) {
	if !d.admit(ctx, msg) {
		return
	}
	d.Reply(ctx, msg.SenderID, text)
}

func (d *Dispatcher) admit(ctx context.Context, msg domain.InboundMessage) bool {
	if err := msg.Validate(); err != nil {
		d.logger.Warn("dropping malformed message", "error", err)
		return false
	}
	if d.duplicate(ctx, msg) {
		return false
	}
	d.emit(bus.EventMessageReceived, map[string]any{"kind": string(msg.Kind), "id": msg.ID})
	d.logger.Info("message received", "sender", msg.SenderID, "kind", msg.Kind, "id", msg.ID)
	return true
}

func (d *Dispatcher) route(ctx context.Context, msg domain.InboundMessage) string {
	switch msg.Kind {
	case domain.KindText:
		if d.IsGreeting(msg.Text) {
			return d.cfg.Replies.Welcome
		}
		start := time.Now()
		answer := d.cfg.Router.Answer(ctx, msg.Text)
		d.emit(bus.EventQueryAnswered, map[string]any{"duration": time.Since(start)})
		return answer
	case domain.KindDocument:
		notify := func(ctx context.Context, text string) error {
			return d.cfg.Platform.SendText(ctx, msg.SenderID, text)
		}
		out := d.cfg.Ingester.Ingest(ctx, *msg.Attachment, notify)
		if out.Success {
			return fmt.Sprintf(d.cfg.Replies.IngestSucceeded, out.Message)
		}
		return fmt.Sprintf(d.cfg.Replies.IngestFailed, out.Message)
	case domain.KindVoice:
		return d.cfg.Replies.VoiceUnsupported
	case domain.KindPhoto:
		return d.cfg.Replies.PhotoUnsupported
	default:
		return d.cfg.Replies.Unsupported
	}
}

// Reply sends text to chatID. Send failures are logged and not retried.
func (d *Dispatcher) Reply(ctx context.Context, chatID, text string) {
	if err := d.cfg.Platform.SendText(ctx, chatID, text); err != nil {
		d.logger.Error("reply failed", "chat", chatID, "error", err)
		d.emit(bus.EventReplyFailed, nil)
		return
	}
	d.emit(bus.EventReplySent, nil)
}

func (d *Dispatcher) duplicate(ctx context.Context, msg domain.InboundMessage) bool {
	if d.cfg.Dedup == nil || msg.ID == "" {
		return false
	}
	seen, err := d.cfg.Dedup.MarkSeen(ctx, msg.ID)
	if err != nil {
		d.logger.Warn("dedup lookup failed, processing anyway", "error", err)
		return false
	}
	if seen {
		d.logger.Info("duplicate delivery dropped", "id", msg.ID)
		d.emit(bus.EventMessageDuplicate, map[string]any{"id": msg.ID})
	}
	return seen
}

func (d *Dispatcher) emit(typ string, payload map[string]any) {
	if d.cfg.Events == nil {
		return
	}
	d.cfg.Events.Emit(bus.Event{Type: typ, Source: d.cfg.Platform.Name(), Payload: payload})
}
