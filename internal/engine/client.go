package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"chatgate/internal/domain"
	"chatgate/internal/transport"
)

// Error is any failure talking to an external engine.
type Error struct {
	Engine string
	Op     string
	Status int
	Err    error
}

func (e *Error) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s engine %s: HTTP %d: %v", e.Engine, e.Op, e.Status, e.Err)
	}
	return fmt.Sprintf("%s engine %s: %v", e.Engine, e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// ErrNotInitialized is returned by IngestDocument before a successful Initialize.
var ErrNotInitialized = errors.New("content engine not initialized")

// Options shared by both clients.
type Options struct {
	BaseURL  string
	APIKey   string
	Timeout  time.Duration
	Attempts int // for idempotent calls; 0 means 3
	Backoff  func(int) time.Duration
	Logger   *slog.Logger
	Client   *http.Client
}

type base struct {
	baseURL string
	apiKey  string
	retrier *transport.Retrier
	client  *http.Client
	logger  *slog.Logger
}

func newBase(name string, opts Options) base {
	client := opts.Client
	if client == nil {
		client = transport.NewHTTPClient(opts.Timeout)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", name+"-engine")
	attempts := opts.Attempts
	if attempts == 0 {
		attempts = 3
	}
	return base{
		baseURL: strings.TrimRight(opts.BaseURL, "/"),
		apiKey:  opts.APIKey,
		client:  client,
		logger:  logger,
		retrier: &transport.Retrier{Client: client, Attempts: attempts, Backoff: opts.Backoff, Logger: logger},
	}
}

func (b base) authorize(req *http.Request) {
	if b.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+b.apiKey)
	}
}

func statusOf(err error) int {
	var serr *transport.StatusError
	if errors.As(err, &serr) {
		return serr.StatusCode
	}
	return 0
}

// QueryClient talks to the question-answering engine.
type QueryClient struct {
	base
}

func NewQueryClient(opts Options) *QueryClient {
	return &QueryClient{base: newBase("query", opts)}
}

// Query sends {"question": ...} to POST /query.
func (c *QueryClient) Query(ctx context.Context, question string) (domain.QueryResult, error) {
	payload, err := json.Marshal(map[string]string{"question": question})
	if err != nil {
		return domain.QueryResult{}, &Error{Engine: "query", Op: "query", Err: err}
	}

	resp, err := c.retrier.Do(ctx, func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/query", bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		c.authorize(req)
		return req, nil
	})
	if err != nil {
		return domain.QueryResult{}, &Error{Engine: "query", Op: "query", Status: statusOf(err), Err: err}
	}
	defer resp.Body.Close()

	var result domain.QueryResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return domain.QueryResult{}, &Error{Engine: "query", Op: "query", Err: fmt.Errorf("decode response: %w", err)}
	}
	return result, nil
}

// ContentClient talks to the document ingestion engine.
type ContentClient struct {
	base
	ready atomic.Bool
}

func NewContentClient(opts Options) *ContentClient {
	return &ContentClient{base: newBase("content", opts)}
}

// Initialize checks GET /health. Called once at worker startup.
func (c *ContentClient) Initialize(ctx context.Context) error {
	resp, err := c.retrier.Do(ctx, func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
		if err != nil {
			return nil, err
		}
		c.authorize(req)
		return req, nil
	})
	if err != nil {
		return &Error{Engine: "content", Op: "initialize", Status: statusOf(err), Err: err}
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	c.ready.Store(true)
	c.logger.Info("content engine ready", "base_url", c.baseURL)
	return nil
}

// IngestDocument uploads data as multipart field "file". Not retried:
// the engine may have indexed a document even when the response is lost.
func (c *ContentClient) IngestDocument(ctx context.Context, data []byte, filename string) (domain.IngestResult, error) {
	if !c.ready.Load() {
		return domain.IngestResult{}, &Error{Engine: "content", Op: "ingest", Err: ErrNotInitialized}
	}

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("file", filename)
	if err != nil {
		return domain.IngestResult{}, &Error{Engine: "content", Op: "ingest", Err: err}
	}
	if _, err := part.Write(data); err != nil {
		return domain.IngestResult{}, &Error{Engine: "content", Op: "ingest", Err: err}
	}
	if err := mw.Close(); err != nil {
		return domain.IngestResult{}, &Error{Engine: "content", Op: "ingest", Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/documents", &body)
	if err != nil {
		return domain.IngestResult{}, &Error{Engine: "content", Op: "ingest", Err: err}
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	c.authorize(req)

	resp, err := c.client.Do(req)
	if err != nil {
		return domain.IngestResult{}, &Error{Engine: "content", Op: "ingest", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return domain.IngestResult{}, &Error{
			Engine: "content", Op: "ingest", Status: resp.StatusCode,
			Err: errors.New(transport.ReadErrorBody(resp)),
		}
	}

	var result domain.IngestResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return domain.IngestResult{}, &Error{Engine: "content", Op: "ingest", Err: fmt.Errorf("decode response: %w", err)}
	}
	return result, nil
}
