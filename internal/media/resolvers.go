package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/tidwall/gjson"

	"chatgate/internal/transport"
)

// WhatsAppMediaUserAgent is what the Cloud API media host expects.
const WhatsAppMediaUserAgent = "WhatsApp/2.19.81 A"

// GraphResolver implements the Cloud API two-step lookup: the media id
// resolves to a short-lived URL that is then downloaded with the same token.
type GraphResolver struct {
	Client    *http.Client
	APIBase   string
	Token     string
	UserAgent string
}

func (g *GraphResolver) Resolve(ctx context.Context, mediaID string) (Download, error) {
	endpoint := strings.TrimRight(g.APIBase, "/") + "/" + mediaID
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return Download{}, &FetchError{Kind: DownloadFailed, Err: err}
	}
	req.Header.Set("Authorization", "Bearer "+g.Token)

	resp, err := g.Client.Do(req)
	if err != nil {
		return Download{}, &FetchError{Kind: DownloadFailed, Err: fmt.Errorf("media metadata: %w", err)}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Download{}, &FetchError{Kind: DownloadFailed, Status: resp.StatusCode, Body: transport.ReadErrorBody(resp)}
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return Download{}, &FetchError{Kind: DownloadFailed, Err: err}
	}

	url := gjson.GetBytes(body, "url").String()
	if url == "" {
		return Download{}, &FetchError{Kind: MetadataUnavailable, Err: errors.New("metadata has no url")}
	}

	ua := g.UserAgent
	if ua == "" {
		ua = WhatsAppMediaUserAgent
	}
	hdr := http.Header{}
	hdr.Set("Authorization", "Bearer "+g.Token)
	hdr.Set("User-Agent", ua)
	return Download{URL: url, Header: hdr}, nil
}

// FileURLer is the slice of the Telegram bot API the resolver needs.
type FileURLer interface {
	GetFileDirectURL(fileID string) (string, error)
}

// TelegramResolver resolves a file_id through getFile. The returned URL
// embeds the bot token, so it is never logged.
type TelegramResolver struct {
	Bot FileURLer
}

func (t *TelegramResolver) Resolve(_ context.Context, fileID string) (Download, error) {
	url, err := t.Bot.GetFileDirectURL(fileID)
	if err != nil {
		return Download{}, &FetchError{Kind: MetadataUnavailable, Err: errors.New("getFile failed")}
	}
	if url == "" {
		return Download{}, &FetchError{Kind: MetadataUnavailable, Err: errors.New("getFile returned no path")}
	}
	return Download{URL: url}, nil
}
