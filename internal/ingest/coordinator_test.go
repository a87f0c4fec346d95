package ingest

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatgate/internal/bus"
	"chatgate/internal/domain"
	"chatgate/internal/engine"
	"chatgate/internal/logging"
	"chatgate/internal/media"
)

type fakeFetcher struct {
	calls atomic.Int32
	data  []byte
	err   error
	panic bool
}

func (f *fakeFetcher) Fetch(ctx context.Context, ref domain.AttachmentRef) (domain.FetchedMedia, error) {
	f.calls.Add(1)
	if f.panic {
		panic("fetcher exploded")
	}
	if f.err != nil {
		return domain.FetchedMedia{}, f.err
	}
	return domain.FetchedMedia{Bytes: f.data}, nil
}

type fakeEngine struct {
	calls    atomic.Int32
	result   domain.IngestResult
	err      error
	gotName  string
	gotBytes int
	block    bool
}

func (e *fakeEngine) Initialize(context.Context) error { return nil }

func (e *fakeEngine) IngestDocument(ctx context.Context, data []byte, filename string) (domain.IngestResult, error) {
	e.calls.Add(1)
	e.gotName = filename
	e.gotBytes = len(data)
	if e.block {
		<-ctx.Done()
		return domain.IngestResult{}, ctx.Err()
	}
	return e.result, e.err
}

const (
	wrongFormat = "Formato no soportado: solo puedo procesar documentos PDF."
	engineDown  = "el servicio de documentos no está disponible"
)

func newCoordinator(t *testing.T, f *fakeFetcher, e *fakeEngine, keep bool) (*Coordinator, *Stager, *bus.EventBus) {
	t.Helper()
	stager, err := NewStager(t.TempDir(), keep)
	require.NoError(t, err)
	eb := bus.NewEventBus(logging.Discard())
	c := NewCoordinator(Config{
		Source:        "whatsapp",
		Validator:     media.NewPDFValidator(wrongFormat),
		Fetcher:       f,
		Engine:        e,
		Stager:        stager,
		Events:        eb,
		FetchTimeout:  time.Second,
		IngestTimeout: 50 * time.Millisecond,
		Secrets:       []string{"EAAG-secret-token"},
		Messages:      Messages{Started: "procesando", DefaultSuccess: "listo", EngineError: engineDown},
		Logger:        logging.Discard(),
	})
	return c, stager, eb
}

func stagedFiles(t *testing.T, s *Stager) int {
	entries, err := os.ReadDir(s.Dir())
	require.NoError(t, err)
	return len(entries)
}

func TestIngest_Success(t *testing.T) {
	f := &fakeFetcher{data: []byte("%PDF-1.4")}
	e := &fakeEngine{result: domain.IngestResult{Success: true, Message: "12 fragmentos indexados"}}
	c, stager, eb := newCoordinator(t, f, e, false)

	var notified []string
	out := c.Ingest(context.Background(), domain.AttachmentRef{Handle: "id", Filename: "../../report.pdf"}, func(_ context.Context, text string) error {
		notified = append(notified, text)
		return nil
	})

	assert.True(t, out.Success)
	assert.Equal(t, "12 fragmentos indexados", out.Message)
	assert.Equal(t, []string{"procesando"}, notified)
	assert.Equal(t, "report.pdf", e.gotName)
	assert.Equal(t, 8, e.gotBytes)
	assert.Equal(t, 0, stagedFiles(t, stager), "staged file must be released")
	assert.Len(t, eb.Replay(bus.EventIngestCompleted, time.Time{}), 1)
}

func TestIngest_EmptySuccessMessageGetsDefault(t *testing.T) {
	e := &fakeEngine{result: domain.IngestResult{Success: true}}
	c, _, _ := newCoordinator(t, &fakeFetcher{data: []byte("x")}, e, false)
	out := c.Ingest(context.Background(), domain.AttachmentRef{Handle: "id", Filename: "a.pdf"}, nil)
	assert.True(t, out.Success)
	assert.Equal(t, "listo", out.Message)
}

func TestIngest_RejectedBeforeFetch(t *testing.T) {
	f := &fakeFetcher{data: []byte("x")}
	e := &fakeEngine{}
	c, _, eb := newCoordinator(t, f, e, false)

	notified := false
	out := c.Ingest(context.Background(), domain.AttachmentRef{Handle: "id", Filename: "notes.docx"}, func(context.Context, string) error {
		notified = true
		return nil
	})
	assert.False(t, out.Success)
	assert.Equal(t, wrongFormat, out.Message)
	assert.False(t, notified)
	assert.Equal(t, int32(0), f.calls.Load())
	assert.Equal(t, int32(0), e.calls.Load())

	failed := eb.Replay(bus.EventIngestFailed, time.Time{})
	require.Len(t, failed, 1)
	assert.Equal(t, "validate", failed[0].Payload["stage"])
}

func TestIngest_FetchFailure(t *testing.T) {
	f := &fakeFetcher{err: &media.FetchError{Kind: media.MetadataUnavailable}}
	e := &fakeEngine{}
	c, _, _ := newCoordinator(t, f, e, false)

	out := c.Ingest(context.Background(), domain.AttachmentRef{Handle: "id", MimeType: "application/pdf"}, nil)
	assert.False(t, out.Success)
	assert.Contains(t, out.Message, "recuperar")
	assert.Equal(t, int32(0), e.calls.Load())
}

func TestIngest_NotifyFailureIgnored(t *testing.T) {
	e := &fakeEngine{result: domain.IngestResult{Success: true, Message: "ok"}}
	c, _, _ := newCoordinator(t, &fakeFetcher{data: []byte("x")}, e, false)
	out := c.Ingest(context.Background(), domain.AttachmentRef{Handle: "id", Filename: "a.pdf"}, func(context.Context, string) error {
		return errors.New("send failed")
	})
	assert.True(t, out.Success)
}

func TestIngest_EngineErrorIsScrubbed(t *testing.T) {
	e := &fakeEngine{err: errors.New("upstream rejected token EAAG-secret-token")}
	c, stager, _ := newCoordinator(t, &fakeFetcher{data: []byte("x")}, e, false)

	out := c.Ingest(context.Background(), domain.AttachmentRef{Handle: "id", Filename: "a.pdf"}, nil)
	assert.False(t, out.Success)
	assert.Equal(t, engineDown, out.Message)
	assert.NotContains(t, out.Message, "EAAG-secret-token")
	assert.Equal(t, 0, stagedFiles(t, stager))
}

const traceback = "Traceback (most recent call last):\n  File \"/srv/app/ingest.py\", line 42, in handle\nKeyError: 'pages'"

func newContentEngine(t *testing.T) (*engine.ContentClient, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			w.WriteHeader(http.StatusOK)
			return
		}
		http.Error(w, traceback, http.StatusInternalServerError)
	}))
	t.Cleanup(srv.Close)
	client := engine.NewContentClient(engine.Options{BaseURL: srv.URL, Timeout: time.Second, Logger: logging.Discard()})
	require.NoError(t, client.Initialize(context.Background()))
	return client, srv
}

func TestIngest_EngineFailureDetailsStayInLogs(t *testing.T) {
	content, srv := newContentEngine(t)
	host := strings.TrimPrefix(srv.URL, "http://")
	stager, err := NewStager(t.TempDir(), false)
	require.NoError(t, err)
	c := NewCoordinator(Config{
		Source:    "telegram",
		Validator: media.NewPDFValidator(wrongFormat),
		Fetcher:   &fakeFetcher{data: []byte("%PDF-1.4")},
		Engine:    content,
		Stager:    stager,
		Messages:  Messages{EngineError: engineDown},
		Logger:    logging.Discard(),
	})
	ref := domain.AttachmentRef{Handle: "id", Filename: "a.pdf"}

	out := c.Ingest(context.Background(), ref, nil)
	assert.False(t, out.Success)
	assert.Equal(t, engineDown, out.Message)
	assert.NotContains(t, out.Message, "Traceback")
	assert.NotContains(t, out.Message, host)

	// Engine unreachable: the transport error names the engine URL.
	srv.Close()
	out = c.Ingest(context.Background(), ref, nil)
	assert.False(t, out.Success)
	assert.Equal(t, engineDown, out.Message)
	assert.NotContains(t, out.Message, host)
	assert.Equal(t, 0, stagedFiles(t, stager))
}

func TestIngest_EngineTimeout(t *testing.T) {
	e := &fakeEngine{block: true}
	c, _, _ := newCoordinator(t, &fakeFetcher{data: []byte("x")}, e, false)

	start := time.Now()
	out := c.Ingest(context.Background(), domain.AttachmentRef{Handle: "id", Filename: "a.pdf"}, nil)
	assert.False(t, out.Success)
	assert.NotEmpty(t, out.Message)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestIngest_EngineReportsFailureWithoutMessage(t *testing.T) {
	e := &fakeEngine{result: domain.IngestResult{Success: false}}
	c, _, _ := newCoordinator(t, &fakeFetcher{data: []byte("x")}, e, false)
	out := c.Ingest(context.Background(), domain.AttachmentRef{Handle: "id", Filename: "a.pdf"}, nil)
	assert.False(t, out.Success)
	assert.NotEmpty(t, out.Message)
}

func TestIngest_PanicRecovered(t *testing.T) {
	c, _, eb := newCoordinator(t, &fakeFetcher{panic: true}, &fakeEngine{}, false)

	var out domain.IngestionOutcome
	require.NotPanics(t, func() {
		out = c.Ingest(context.Background(), domain.AttachmentRef{Handle: "id", Filename: "a.pdf"}, nil)
	})
	assert.False(t, out.Success)
	assert.Equal(t, "error interno", out.Message)

	failed := eb.Replay(bus.EventIngestFailed, time.Time{})
	require.Len(t, failed, 1)
	assert.Equal(t, "fetch", failed[0].Payload["stage"])
}

func TestIngest_KeepStagedFiles(t *testing.T) {
	e := &fakeEngine{result: domain.IngestResult{Success: true, Message: "ok"}}
	c, stager, _ := newCoordinator(t, &fakeFetcher{data: []byte("x")}, e, true)
	c.Ingest(context.Background(), domain.AttachmentRef{Handle: "id", Filename: "a.pdf"}, nil)
	assert.Equal(t, 1, stagedFiles(t, stager))
}
