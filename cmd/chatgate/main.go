package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"chatgate/internal/bus"
	"chatgate/internal/config"
	"chatgate/internal/logging"
	"chatgate/internal/metrics"
	"chatgate/internal/supervisor"

	"github.com/spf13/cobra"
)

var (
	version    = "0.1.0"
	logger     *slog.Logger
	configPath string // overridable via --config flag
)

func main() {
	logger, _ = logging.New("info", "text")

	root := &cobra.Command{
		Use:          "chatgate",
		Short:        "Chat gateway between messaging platforms and a document QA engine",
		Long:         "chatgate connects Telegram and WhatsApp users to a question-answering engine and a document ingestion engine.",
		Version:      version,
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config.json or config.yaml (default: ~/.chatgate/config.json)")

	root.AddCommand(initCmd())
	root.AddCommand(runCmd())
	root.AddCommand(workerCmd())
	root.AddCommand(configCmd())
	root.AddCommand(doctorCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

// resolveConfigPath returns the config path from --config flag or default.
func resolveConfigPath() string {
	if configPath != "" {
		return configPath
	}
	return config.DefaultConfigPath()
}

// loadConfig loads the config and swaps the bootstrap logger for the
// configured one.
func loadConfig() (*config.Config, error) {
	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	l, err := logging.New(cfg.General.LogLevel, cfg.General.LogFormat)
	if err != nil {
		return nil, err
	}
	logger = l
	return cfg, nil
}

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Write a default config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			if _, err := os.Stat(cfgPath); err == nil {
				return fmt.Errorf("config already exists at %s", cfgPath)
			}
			if err := config.Save(cfgPath, config.Defaults()); err != nil {
				return err
			}
			logger.Info("initialized", "config", cfgPath)
			return nil
		},
	}
}

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start one worker process per enabled channel and supervise them",
		Long:  "Spawns a worker for each enabled channel, waits for each to report ready, and stops them all on SIGINT or SIGTERM.",
		RunE:  runSupervisor,
	}
}

func runSupervisor(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	names := config.EnabledChannels(cfg)
	if len(names) == 0 {
		return errors.New("no channels enabled")
	}
	// Fail before spawning anything rather than watching workers die one by one.
	for _, name := range names {
		if err := config.RequireChannel(cfg, name); err != nil {
			logger.Error("cannot start channel", "channel", name, "err", err)
			return err
		}
	}

	specs := make([]supervisor.WorkerSpec, 0, len(names))
	for _, name := range names {
		wargs := []string{"worker", name}
		if configPath != "" {
			wargs = append(wargs, "--config", configPath)
		}
		specs = append(specs, supervisor.WorkerSpec{Name: name, Args: wargs})
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sup, collector := newSupervisor(cfg, "", specs)
	logger.Info("supervisor starting", "channels", names, "version", version)
	err = sup.Run(ctx)
	logger.Debug("supervisor metrics", "snapshot", collector.Render())
	if err != nil {
		for _, h := range sup.Snapshot() {
			logger.Info("worker", "state", h.String())
		}
		return err
	}
	return nil
}

// newSupervisor builds a supervisor whose worker transitions feed a
// metrics collector through its own event bus. An empty exe runs the
// current binary.
func newSupervisor(cfg *config.Config, exe string, specs []supervisor.WorkerSpec) (*supervisor.Supervisor, *metrics.Collector) {
	events := bus.NewEventBus(logger)
	collector := metrics.NewCollector("chatgate_supervisor_")
	metrics.Observe(collector, events)

	sup := supervisor.New(supervisor.Config{
		Executable:   exe,
		Workers:      specs,
		StartTimeout: cfg.Supervisor.StartTimeout(),
		Events:       events,
		Logger:       logger,
	})
	return sup, collector
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect configuration",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "get [path]",
		Short: "Get a config value (e.g. channels.whatsapp.port)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			val, err := config.GetByPath(cfg, args[0])
			if err != nil {
				return err
			}
			data, _ := json.MarshalIndent(val, "", "  ")
			fmt.Println(string(data))
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "Print the effective configuration with secrets masked",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			data, _ := json.MarshalIndent(config.Sanitize(cfg), "", "  ")
			fmt.Println(string(data))
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Check ranges and the credentials of every enabled channel",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				return err
			}
			var errs []error
			for _, name := range config.EnabledChannels(cfg) {
				if err := config.RequireChannel(cfg, name); err != nil {
					errs = append(errs, err)
				}
			}
			if err := errors.Join(errs...); err != nil {
				return err
			}
			fmt.Println("config ok")
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "path",
		Short: "Show config file path",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(resolveConfigPath())
		},
	})

	return cmd
}
