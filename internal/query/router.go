package query

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"chatgate/internal/domain"
)

// Router forwards free text to the question-answering engine.
type Router struct {
	engine  domain.QueryEngine
	timeout time.Duration
	apology string
	logger  *slog.Logger
}

func NewRouter(engine domain.QueryEngine, timeout time.Duration, apology string, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		engine:  engine,
		timeout: timeout,
		apology: apology,
		logger:  logger.With("component", "query-router"),
	}
}

// Answer never fails: engine errors and empty answers become the apology.
func (r *Router) Answer(ctx context.Context, text string) string {
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	start := time.Now()
	res, err := r.engine.Query(ctx, text)
	if err != nil {
		r.logger.Error("query failed", "error", err, "duration", time.Since(start))
		return r.apology
	}
	if strings.TrimSpace(res.Answer) == "" {
		r.logger.Warn("query engine returned an empty answer")
		return r.apology
	}
	r.logger.Debug("query answered", "duration", time.Since(start), "answer_len", len(res.Answer))
	return res.Answer
}
