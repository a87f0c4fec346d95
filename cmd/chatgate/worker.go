package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/spf13/cobra"

	"chatgate/internal/bus"
	"chatgate/internal/channel"
	"chatgate/internal/config"
	"chatgate/internal/dedup"
	"chatgate/internal/domain"
	"chatgate/internal/engine"
	"chatgate/internal/ingest"
	"chatgate/internal/media"
	"chatgate/internal/metrics"
	"chatgate/internal/query"
	"chatgate/internal/supervisor"
	"chatgate/internal/transport"
)

const engineInitTimeout = 30 * time.Second

func workerCmd() *cobra.Command {
	return &cobra.Command{
		Use:       "worker <telegram|whatsapp>",
		Short:     "Run a single channel in the foreground",
		Long:      "Runs one channel adapter. Started by 'chatgate run', but usable on its own.",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{"telegram", "whatsapp"},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWorker(args[0])
		},
	}
}

// worker holds everything one channel process owns.
type worker struct {
	name       string
	cfg        *config.Config
	logger     *slog.Logger
	events     *bus.EventBus
	collector  *metrics.Collector
	stager     *ingest.Stager
	janitor    *ingest.Janitor
	seen       dedup.Store
	content    *engine.ContentClient
	dispatcher *channel.Dispatcher
	adapter    domain.Channel
	serve      func(ctx context.Context) error
}

func runWorker(name string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	log := logger.With("worker", name, "pid", os.Getpid())

	if err := config.RequireChannel(cfg, name); err != nil {
		log.Error("configuration error, not starting", "err", err)
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	w := &worker{name: name, cfg: cfg, logger: log}
	defer w.close()
	if err := w.init(ctx); err != nil {
		log.Error("worker initialization failed", "err", err)
		return err
	}

	if err := supervisor.NotifyReady(); err != nil {
		log.Warn("cannot signal readiness", "err", err)
	}
	log.Info("worker ready")

	runErr := w.serve(ctx)
	if err := w.adapter.Stop(); err != nil {
		log.Warn("stopping adapter", "err", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.General.ShutdownTimeout())
	defer cancel()
	if err := w.dispatcher.Shutdown(shutdownCtx); err != nil {
		log.Warn("in-flight messages cancelled at shutdown", "err", err)
	}
	log.Info("worker stopped")
	return runErr
}

func (w *worker) init(ctx context.Context) error {
	cfg := w.cfg
	var err error

	w.stager, err = ingest.NewStager(cfg.General.TempDir(w.name), cfg.General.KeepStagedFiles)
	if err != nil {
		return fmt.Errorf("staging directory: %w", err)
	}
	if cfg.General.KeepStagedFiles && cfg.Staging.SweepCron != "" {
		w.janitor, err = ingest.NewJanitor(w.stager.Dir(), cfg.Staging.SweepCron,
			time.Duration(cfg.Staging.MaxAgeHours)*time.Hour, w.logger)
		if err != nil {
			return fmt.Errorf("staging janitor: %w", err)
		}
		w.janitor.Start()
	}

	w.content = engine.NewContentClient(engine.Options{
		BaseURL: cfg.Engines.Content.BaseURL,
		APIKey:  cfg.Engines.Content.APIKey,
		Timeout: cfg.General.IngestTimeout(),
		Logger:  w.logger,
	})
	initCtx, cancel := context.WithTimeout(ctx, engineInitTimeout)
	defer cancel()
	if err := w.content.Initialize(initCtx); err != nil {
		return fmt.Errorf("content engine: %w", err)
	}
	queryEngine := engine.NewQueryClient(engine.Options{
		BaseURL: cfg.Engines.Query.BaseURL,
		APIKey:  cfg.Engines.Query.APIKey,
		Timeout: cfg.General.QueryTimeout(),
		Logger:  w.logger,
	})

	ttl := time.Duration(cfg.Dedup.TTLHours) * time.Hour
	switch cfg.Dedup.Backend {
	case "sqlite":
		w.seen, err = dedup.NewSQLite(cfg.Dedup.DBPath, w.name, ttl, w.logger)
		if err != nil {
			return fmt.Errorf("dedup store: %w", err)
		}
	default:
		w.seen = dedup.NewMemory(cfg.Dedup.Capacity, ttl)
	}

	w.events = bus.NewEventBus(w.logger)
	w.collector = metrics.NewCollector("chatgate_")
	metrics.Observe(w.collector, w.events)

	var (
		platform  domain.Platform
		resolver  media.Resolver
		greetings []string
		welcome   string
		bind      func(*channel.Dispatcher)
	)
	switch w.name {
	case "telegram":
		tc := cfg.Channels.Telegram
		bot, err := tgbotapi.NewBotAPIWithClient(tc.Token, tgbotapi.APIEndpoint,
			transport.NewHTTPClient(time.Duration(tc.PollTimeout+30)*time.Second))
		if err != nil {
			return fmt.Errorf("telegram bot: %w", err)
		}
		w.logger.Info("telegram bot authorized", "username", bot.Self.UserName)
		tg := channel.NewTelegram(channel.TelegramConfig{
			Bot:         bot,
			ParseMode:   tc.ParseMode,
			PollTimeout: tc.PollTimeout,
			Logger:      w.logger,
		})
		platform, resolver, bind = tg, &media.TelegramResolver{Bot: bot}, tg.Bind
		greetings, welcome = tc.Greetings, tc.Welcome
		w.adapter, w.serve = tg, tg.Start

	case "whatsapp":
		wc := cfg.Channels.WhatsApp
		client := transport.NewHTTPClient(cfg.General.FetchTimeout())
		wa := channel.NewWhatsApp(channel.WhatsAppChannelConfig{
			Config:   wc,
			PDFUsage: cfg.Messages.PDFCommandUsage,
			Client:   client,
			Metrics:  w.collector.Handler(),
			Logger:   w.logger,
		})
		resolver = &media.GraphResolver{Client: client, APIBase: wc.APIBase, Token: wc.AccessToken, UserAgent: wc.MediaUserAgent}
		// Bind before reporting ready so the platform can reach us.
		ln, err := wa.Listen()
		if err != nil {
			return err
		}
		platform, bind = wa, wa.Bind
		greetings, welcome = wc.Greetings, wc.Welcome
		w.adapter = wa
		w.serve = func(ctx context.Context) error { return wa.Serve(ctx, ln) }

	default:
		return fmt.Errorf("unknown channel %q", w.name)
	}

	fetcher := media.NewFetcher(media.FetcherConfig{
		Client:   transport.NewHTTPClient(cfg.General.FetchTimeout()),
		Resolver: resolver,
		MaxBytes: cfg.General.MaxDocumentBytes,
		Logger:   w.logger,
	})
	coordinator := ingest.NewCoordinator(ingest.Config{
		Source:        w.name,
		Validator:     media.NewPDFValidator(cfg.Messages.WrongFormat),
		Fetcher:       fetcher,
		Engine:        w.content,
		Stager:        w.stager,
		Events:        w.events,
		FetchTimeout:  cfg.General.FetchTimeout(),
		IngestTimeout: cfg.General.IngestTimeout(),
		Secrets:       config.Secrets(cfg),
		Messages: ingest.Messages{
			Started:     cfg.Messages.IngestStarted,
			EngineError: cfg.Messages.IngestEngineError,
		},
		Logger: w.logger,
	})
	router := query.NewRouter(queryEngine, cfg.General.QueryTimeout(), cfg.Messages.QueryError, w.logger)

	w.dispatcher = channel.NewDispatcher(channel.DispatcherConfig{
		Platform:  platform,
		Router:    router,
		Ingester:  coordinator,
		Greetings: greetings,
		Replies: channel.Replies{
			Welcome:          welcome,
			ProcessingError:  cfg.Messages.ProcessingError,
			VoiceUnsupported: cfg.Messages.VoiceUnsupported,
			PhotoUnsupported: cfg.Messages.PhotoUnsupported,
			Unsupported:      cfg.Messages.Unsupported,
			IngestSucceeded:  cfg.Messages.IngestSucceeded,
			IngestFailed:     cfg.Messages.IngestFailed,
		},
		Dedup:         w.seen,
		Events:        w.events,
		MaxConcurrent: cfg.General.MaxConcurrentMessages,
		Logger:        w.logger,
	})
	bind(w.dispatcher)
	return nil
}

func (w *worker) close() {
	if w.janitor != nil {
		w.janitor.Stop()
	}
	if w.seen != nil {
		if err := w.seen.Close(); err != nil {
			w.logger.Warn("closing dedup store", "err", err)
		}
	}
}
