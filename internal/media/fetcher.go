package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/gabriel-vasile/mimetype"

	"chatgate/internal/domain"
	"chatgate/internal/transport"
)

// BrowserUserAgent is sent on direct-URL downloads; some file hosts refuse
// obviously scripted clients.
const BrowserUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0 Safari/537.36"

// Download is a resolved, fetchable location.
type Download struct {
	URL    string
	Header http.Header
}

// Resolver turns a platform media handle into a Download.
type Resolver interface {
	Resolve(ctx context.Context, handle string) (Download, error)
}

// Fetcher retrieves attachment bytes. One attempt per call, no retry.
type Fetcher struct {
	client   *http.Client
	resolver Resolver
	maxBytes int64
	logger   *slog.Logger
}

// FetcherConfig configures a Fetcher. Resolver may be nil when only
// direct URLs are expected.
type FetcherConfig struct {
	Client   *http.Client
	Resolver Resolver
	MaxBytes int64
	Logger   *slog.Logger
}

func NewFetcher(cfg FetcherConfig) *Fetcher {
	if cfg.Client == nil {
		cfg.Client = transport.NewHTTPClient(0)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Fetcher{
		client:   cfg.Client,
		resolver: cfg.Resolver,
		maxBytes: cfg.MaxBytes,
		logger:   cfg.Logger.With("component", "media-fetcher"),
	}
}

// Fetch downloads the bytes behind ref. Failures are *FetchError.
func (f *Fetcher) Fetch(ctx context.Context, ref domain.AttachmentRef) (domain.FetchedMedia, error) {
	if ref.IsURL() {
		hdr := http.Header{}
		hdr.Set("User-Agent", BrowserUserAgent)
		data, err := f.download(ctx, Download{URL: ref.Handle, Header: hdr})
		if err != nil {
			return domain.FetchedMedia{}, err
		}
		if detected := mimetype.Detect(data); !detected.Is(PDFMimeType) {
			f.logger.Warn("direct download does not look like a PDF",
				"detected", detected.String(), "bytes", len(data))
		}
		return domain.FetchedMedia{Bytes: data}, nil
	}

	if f.resolver == nil {
		return domain.FetchedMedia{}, &FetchError{Kind: MetadataUnavailable, Err: errors.New("no resolver for platform handle")}
	}
	dl, err := f.resolver.Resolve(ctx, ref.Handle)
	if err != nil {
		var fe *FetchError
		if errors.As(err, &fe) {
			return domain.FetchedMedia{}, fe
		}
		return domain.FetchedMedia{}, &FetchError{Kind: DownloadFailed, Err: err}
	}
	if dl.URL == "" {
		return domain.FetchedMedia{}, &FetchError{Kind: MetadataUnavailable, Err: errors.New("resolver returned empty url")}
	}
	data, err := f.download(ctx, dl)
	if err != nil {
		return domain.FetchedMedia{}, err
	}
	return domain.FetchedMedia{Bytes: data}, nil
}

func (f *Fetcher) download(ctx context.Context, dl Download) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, dl.URL, nil)
	if err != nil {
		return nil, &FetchError{Kind: DownloadFailed, Err: err}
	}
	for k, vs := range dl.Header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	resp, err := f.client.Do(req)
	if err != nil {
		// *url.Error repeats the URL, which may carry a token.
		var uerr *url.Error
		if errors.As(err, &uerr) {
			err = uerr.Err
		}
		return nil, &FetchError{Kind: DownloadFailed, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &FetchError{Kind: DownloadFailed, Status: resp.StatusCode, Body: transport.ReadErrorBody(resp)}
	}
	return readCapped(resp.Body, f.maxBytes)
}

func readCapped(r io.Reader, max int64) ([]byte, error) {
	if max <= 0 {
		data, err := io.ReadAll(r)
		if err != nil {
			return nil, &FetchError{Kind: DownloadFailed, Err: err}
		}
		return data, nil
	}
	data, err := io.ReadAll(io.LimitReader(r, max+1))
	if err != nil {
		return nil, &FetchError{Kind: DownloadFailed, Err: err}
	}
	if int64(len(data)) > max {
		return nil, &FetchError{Kind: DownloadFailed, Err: fmt.Errorf("%w: more than %d bytes", ErrTooLarge, max)}
	}
	return data, nil
}
