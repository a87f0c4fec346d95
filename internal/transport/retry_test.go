package transport

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func noWait(int) time.Duration { return 0 }

func TestRetrier_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	r := &Retrier{Client: srv.Client(), Attempts: 3, Backoff: noWait}
	resp, err := r.Do(context.Background(), func() (*http.Request, error) {
		return http.NewRequest(http.MethodGet, srv.URL, nil)
	})
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	resp.Body.Close()
	if calls.Load() != 3 {
		t.Fatalf("expected 3 calls, got %d", calls.Load())
	}
}

func TestRetrier_ClientErrorNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(strings.Repeat("x", 2000)))
	}))
	defer srv.Close()

	r := &Retrier{Client: srv.Client(), Attempts: 3, Backoff: noWait}
	_, err := r.Do(context.Background(), func() (*http.Request, error) {
		return http.NewRequest(http.MethodGet, srv.URL, nil)
	})
	var serr *StatusError
	if !errors.As(err, &serr) {
		t.Fatalf("expected *StatusError, got %v", err)
	}
	if serr.StatusCode != http.StatusBadRequest || len(serr.Body) != MaxErrorBody {
		t.Fatalf("unexpected error: status=%d body=%d", serr.StatusCode, len(serr.Body))
	}
	if calls.Load() != 1 {
		t.Fatalf("expected 1 call, got %d", calls.Load())
	}
}

func TestRetrier_StopsOnCancel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	r := &Retrier{Client: srv.Client(), Attempts: 5, Backoff: func(int) time.Duration { return time.Hour }}
	_, err := r.Do(ctx, func() (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodGet, srv.URL, nil)
	})
	if err == nil {
		t.Fatal("expected error after cancel")
	}
}
