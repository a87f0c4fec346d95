package engine

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func noWait(int) time.Duration { return 0 }

func TestQueryClient_Query(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/query", r.URL.Path)
		assert.Equal(t, "Bearer k", r.Header.Get("Authorization"))
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		json.NewEncoder(w).Encode(map[string]string{"answer": "echo: " + body["question"]})
	}))
	defer srv.Close()

	c := NewQueryClient(Options{BaseURL: srv.URL + "/", APIKey: "k"})
	res, err := c.Query(context.Background(), "hola")
	require.NoError(t, err)
	assert.Equal(t, "echo: hola", res.Answer)
}

func TestQueryClient_ServerErrorRetriedThenReported(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewQueryClient(Options{BaseURL: srv.URL, Attempts: 2, Backoff: noWait})
	_, err := c.Query(context.Background(), "x")
	var eerr *Error
	require.True(t, errors.As(err, &eerr))
	assert.Equal(t, http.StatusInternalServerError, eerr.Status)
	assert.Equal(t, int32(2), calls.Load())
}

func TestContentClient_RequiresInitialize(t *testing.T) {
	c := NewContentClient(Options{BaseURL: "http://127.0.0.1:1"})
	_, err := c.IngestDocument(context.Background(), []byte("x"), "a.pdf")
	assert.ErrorIs(t, err, ErrNotInitialized)
}

func TestContentClient_InitializeAndIngest(t *testing.T) {
	var ingests atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/health":
			w.Write([]byte("ok"))
		case "/documents":
			ingests.Add(1)
			f, hdr, err := r.FormFile("file")
			require.NoError(t, err)
			data, _ := io.ReadAll(f)
			assert.Equal(t, "doc.pdf", hdr.Filename)
			assert.Equal(t, "%PDF", string(data))
			json.NewEncoder(w).Encode(map[string]any{"success": true, "message": "3 páginas"})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	c := NewContentClient(Options{BaseURL: srv.URL})
	require.NoError(t, c.Initialize(context.Background()))
	res, err := c.IngestDocument(context.Background(), []byte("%PDF"), "doc.pdf")
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, "3 páginas", res.Message)
	assert.Equal(t, int32(1), ingests.Load())
}

func TestContentClient_InitializeFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := NewContentClient(Options{BaseURL: srv.URL, Attempts: 1})
	err := c.Initialize(context.Background())
	var eerr *Error
	require.True(t, errors.As(err, &eerr))
	assert.Equal(t, "initialize", eerr.Op)
}

func TestContentClient_IngestNotRetried(t *testing.T) {
	var ingests atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/documents" {
			ingests.Add(1)
			w.WriteHeader(http.StatusBadGateway)
			return
		}
	}))
	defer srv.Close()

	c := NewContentClient(Options{BaseURL: srv.URL})
	require.NoError(t, c.Initialize(context.Background()))
	_, err := c.IngestDocument(context.Background(), []byte("x"), "a.pdf")
	require.Error(t, err)
	assert.Equal(t, int32(1), ingests.Load())
}
