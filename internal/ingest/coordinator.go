package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"chatgate/internal/bus"
	"chatgate/internal/domain"
	"chatgate/internal/media"
)

// Validator rejects unsupported attachments before download.
type Validator interface {
	Accept(ref domain.AttachmentRef) error
}

// Fetcher retrieves attachment bytes.
type Fetcher interface {
	Fetch(ctx context.Context, ref domain.AttachmentRef) (domain.FetchedMedia, error)
}

// Notifier sends an interim message to the user. Failures are ignored.
type Notifier func(ctx context.Context, text string) error

// Messages are the user-facing texts the coordinator produces itself.
// Error details never reach the user; they are logged instead.
type Messages struct {
	Started        string
	DefaultSuccess string
	EngineError    string // content engine unreachable or failed
	InternalError  string // staging failures, panics and anything unexpected
}

type Config struct {
	Source        string // channel name used on events
	Validator     Validator
	Fetcher       Fetcher
	Engine        domain.ContentEngine
	Stager        *Stager
	Events        *bus.EventBus
	FetchTimeout  time.Duration
	IngestTimeout time.Duration
	Secrets       []string
	Messages      Messages
	Logger        *slog.Logger
}

// Coordinator runs validate, notify, fetch, stage and ingest for one
// attachment and turns every outcome into a user-safe result.
type Coordinator struct {
	cfg    Config
	logger *slog.Logger
}

func NewCoordinator(cfg Config) *Coordinator {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Messages.DefaultSuccess == "" {
		cfg.Messages.DefaultSuccess = "Documento procesado."
	}
	if cfg.Messages.EngineError == "" {
		cfg.Messages.EngineError = "el servicio de documentos no está disponible en este momento"
	}
	if cfg.Messages.InternalError == "" {
		cfg.Messages.InternalError = "error interno"
	}
	return &Coordinator{cfg: cfg, logger: cfg.Logger.With("component", "ingest", "channel", cfg.Source)}
}

// Ingest never panics and never returns a failed outcome without a message.
func (c *Coordinator) Ingest(ctx context.Context, ref domain.AttachmentRef, notify Notifier) (out domain.IngestionOutcome) {
	start := time.Now()
	stage := "validate"
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("ingestion panic", "stage", stage, "panic", c.scrub(fmt.Sprint(r)))
			out = domain.IngestionOutcome{Success: false, Message: c.cfg.Messages.InternalError}
		}
		if !out.Success && strings.TrimSpace(out.Message) == "" {
			out.Message = c.cfg.Messages.InternalError
		}
		c.emit(out, stage, time.Since(start), ref)
	}()

	if err := c.cfg.Validator.Accept(ref); err != nil {
		c.logger.Info("attachment rejected", "filename", ref.Filename, "mime", ref.MimeType)
		var verr *media.ValidationError
		if errors.As(err, &verr) {
			return domain.IngestionOutcome{Message: verr.UserMessage()}
		}
		c.logger.Error("validator failed", "error", c.scrub(err.Error()))
		return domain.IngestionOutcome{Message: c.cfg.Messages.InternalError}
	}

	stage = "notify"
	if notify != nil && c.cfg.Messages.Started != "" {
		if err := notify(ctx, c.cfg.Messages.Started); err != nil {
			c.logger.Warn("progress notification failed", "error", err)
		}
	}

	stage = "fetch"
	fetched, err := c.fetch(ctx, ref)
	if err != nil {
		c.logger.Error("media fetch failed", "error", c.scrub(err.Error()))
		var fe *media.FetchError
		if errors.As(err, &fe) {
			return domain.IngestionOutcome{Message: fe.UserMessage()}
		}
		return domain.IngestionOutcome{Message: c.cfg.Messages.InternalError}
	}

	stage = "stage"
	name := DisplayName(ref.Filename)
	lease, err := c.cfg.Stager.Acquire(fetched.Bytes, name)
	if err != nil {
		c.logger.Error("staging failed", "error", err)
		return domain.IngestionOutcome{Message: c.cfg.Messages.InternalError}
	}
	defer func() {
		if err := lease.Release(); err != nil {
			c.logger.Warn("cannot release staged file", "path", lease.Path, "error", err)
		}
	}()

	stage = "ingest"
	res, err := c.ingest(ctx, fetched.Bytes, name)
	if err != nil {
		c.logger.Error("content engine failed", "error", c.scrub(err.Error()))
		return domain.IngestionOutcome{Message: c.cfg.Messages.EngineError}
	}
	msg := res.Message
	if res.Success && strings.TrimSpace(msg) == "" {
		msg = c.cfg.Messages.DefaultSuccess
	}
	c.logger.Info("document ingested", "filename", name, "bytes", fetched.Len(), "success", res.Success)
	return domain.IngestionOutcome{Success: res.Success, Message: c.scrub(msg)}
}

func (c *Coordinator) fetch(ctx context.Context, ref domain.AttachmentRef) (domain.FetchedMedia, error) {
	if c.cfg.FetchTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.FetchTimeout)
		defer cancel()
	}
	return c.cfg.Fetcher.Fetch(ctx, ref)
}

func (c *Coordinator) ingest(ctx context.Context, data []byte, name string) (domain.IngestResult, error) {
	if c.cfg.IngestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.IngestTimeout)
		defer cancel()
	}
	return c.cfg.Engine.IngestDocument(ctx, data, name)
}

// scrub removes configured credentials from text that may reach a user.
func (c *Coordinator) scrub(s string) string {
	for _, secret := range c.cfg.Secrets {
		if len(secret) >= 4 {
			s = strings.ReplaceAll(s, secret, "***")
		}
	}
	return s
}

func (c *Coordinator) emit(out domain.IngestionOutcome, stage string, d time.Duration, ref domain.AttachmentRef) {
	if c.cfg.Events == nil {
		return
	}
	typ := bus.EventIngestCompleted
	if !out.Success {
		typ = bus.EventIngestFailed
	}
	c.cfg.Events.Emit(bus.Event{
		Type:   typ,
		Source: c.cfg.Source,
		Payload: map[string]any{
			"stage":    stage,
			"duration": d,
			"filename": ref.Filename,
		},
	})
}
