package main

import (
	"context"
	"database/sql"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"chatgate/internal/config"
	"chatgate/internal/engine"
	"chatgate/internal/logging"

	"github.com/spf13/cobra"
	_ "modernc.org/sqlite"
)

type checkResults struct {
	passed, warned, failed int
}

func (r *checkResults) pass(check, detail string) {
	fmt.Printf("  [PASS] %-22s %s\n", check, detail)
	r.passed++
}

func (r *checkResults) fail(check, detail string) {
	fmt.Printf("  [FAIL] %-22s %s\n", check, detail)
	r.failed++
}

func (r *checkResults) warn(check, detail string) {
	fmt.Printf("  [WARN] %-22s %s\n", check, detail)
	r.warned++
}

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check configuration, credentials, engines and local resources",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			fmt.Printf("chatgate doctor v%s\n\n", version)
			var r checkResults

			cfg, err := config.Load(cfgPath)
			if err != nil {
				r.fail("Config", err.Error())
				return fmt.Errorf("config cannot be loaded")
			}
			r.pass("Config", cfgPath)

			for _, name := range config.EnabledChannels(cfg) {
				if err := config.RequireChannel(cfg, name); err != nil {
					r.fail("Channel "+name, err.Error())
				} else {
					r.pass("Channel "+name, "credentials present")
				}
			}

			for _, name := range config.EnabledChannels(cfg) {
				dir := cfg.General.TempDir(name)
				if err := checkWritableDir(dir); err != nil {
					r.fail("Staging "+name, err.Error())
				} else {
					r.pass("Staging "+name, dir)
				}
			}

			if cfg.Dedup.Backend == "sqlite" {
				if err := checkDatabase(cfg.Dedup.DBPath); err != nil {
					r.fail("Dedup database", err.Error())
				} else {
					r.pass("Dedup database", cfg.Dedup.DBPath)
				}
			}

			if cfg.Channels.WhatsApp.Enabled {
				wa := cfg.Channels.WhatsApp
				if err := checkPort(wa.Host, wa.Port); err != nil {
					r.warn("Webhook port", fmt.Sprintf("port %d may be in use: %v", wa.Port, err))
				} else {
					r.pass("Webhook port", fmt.Sprintf(":%d available", wa.Port))
				}
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()
			content := engine.NewContentClient(engine.Options{
				BaseURL:  cfg.Engines.Content.BaseURL,
				APIKey:   cfg.Engines.Content.APIKey,
				Timeout:  5 * time.Second,
				Attempts: 1,
				Logger:   logging.Discard(),
			})
			if err := content.Initialize(ctx); err != nil {
				r.fail("Content engine", err.Error())
			} else {
				r.pass("Content engine", cfg.Engines.Content.BaseURL)
			}

			fmt.Printf("\nResults: %d passed, %d warnings, %d failed\n", r.passed, r.warned, r.failed)
			if r.failed > 0 {
				return fmt.Errorf("%d check(s) failed", r.failed)
			}
			return nil
		},
	}
}

func checkWritableDir(dir string) error {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("cannot create: %w", err)
	}
	f, err := os.CreateTemp(dir, ".doctor-*")
	if err != nil {
		return fmt.Errorf("not writable: %w", err)
	}
	f.Close()
	return os.Remove(f.Name())
}

func checkDatabase(dbPath string) error {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return fmt.Errorf("cannot create database directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return fmt.Errorf("cannot open: %w", err)
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("cannot ping: %w", err)
	}
	if _, err := db.ExecContext(ctx, "CREATE TABLE IF NOT EXISTS _doctor_test (id INTEGER PRIMARY KEY)"); err != nil {
		return fmt.Errorf("not writable: %w", err)
	}
	db.ExecContext(ctx, "DROP TABLE IF EXISTS _doctor_test")
	return nil
}

func checkPort(host string, port int) error {
	ln, err := net.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return err
	}
	ln.Close()
	return nil
}
