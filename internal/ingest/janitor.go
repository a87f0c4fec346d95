package ingest

import (
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/robfig/cron/v3"
)

// Janitor periodically deletes staged files older than maxAge. Only useful
// when staged files are kept after ingestion.
type Janitor struct {
	dir    string
	maxAge time.Duration
	cron   *cron.Cron
	logger *slog.Logger
	now    func() time.Time
}

func NewJanitor(dir, schedule string, maxAge time.Duration, logger *slog.Logger) (*Janitor, error) {
	if logger == nil {
		logger = slog.Default()
	}
	j := &Janitor{
		dir:    dir,
		maxAge: maxAge,
		cron:   cron.New(),
		logger: logger.With("component", "staging-janitor"),
		now:    time.Now,
	}
	if _, err := j.cron.AddFunc(schedule, func() { j.Sweep() }); err != nil {
		return nil, err
	}
	return j, nil
}

func (j *Janitor) Start() {
	j.cron.Start()
	j.logger.Info("staging janitor started", "dir", j.dir, "max_age", j.maxAge)
}

// Stop halts scheduling and waits for a running sweep.
func (j *Janitor) Stop() {
	<-j.cron.Stop().Done()
}

// Sweep removes expired regular files and returns how many were deleted.
func (j *Janitor) Sweep() int {
	entries, err := os.ReadDir(j.dir)
	if err != nil {
		j.logger.Warn("cannot list staging dir", "error", err)
		return 0
	}
	cutoff := j.now().Add(-j.maxAge)
	removed := 0
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		info, err := e.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(j.dir, e.Name())); err != nil {
			j.logger.Warn("cannot remove staged file", "file", e.Name(), "error", err)
			continue
		}
		removed++
	}
	if removed > 0 {
		j.logger.Info("staged files removed", "count", removed)
	}
	return removed
}
