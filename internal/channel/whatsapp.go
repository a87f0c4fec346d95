package channel

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"time"

	"chatgate/internal/config"
	"chatgate/internal/domain"
	"chatgate/internal/media"
	"chatgate/internal/transport"
)

const (
	maxWebhookBody = 1 << 20
	pdfCommand     = "pdf:"
)

// WhatsApp is the Cloud API webhook adapter. It owns its HTTP server.
type WhatsApp struct {
	cfg        config.WhatsAppConfig
	usage      string
	client     *http.Client
	dispatcher *Dispatcher
	metrics    http.Handler
	logger     *slog.Logger
	server     *http.Server
}

type WhatsAppChannelConfig struct {
	Config config.WhatsAppConfig
	// PDFUsage is sent when a "pdf:" command has no valid URL.
	PDFUsage string
	Client   *http.Client
	// Metrics is mounted at /metrics when set.
	Metrics http.Handler
	Logger  *slog.Logger
}

func NewWhatsApp(cfg WhatsAppChannelConfig) *WhatsApp {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Client == nil {
		cfg.Client = transport.NewHTTPClient(30 * time.Second)
	}
	return &WhatsApp{
		cfg:     cfg.Config,
		usage:   cfg.PDFUsage,
		client:  cfg.Client,
		metrics: cfg.Metrics,
		logger:  cfg.Logger.With("channel", "whatsapp"),
	}
}

func (w *WhatsApp) Name() string             { return "whatsapp" }
func (w *WhatsApp) Kind() domain.ChannelKind { return domain.ChannelWebhook }

func (w *WhatsApp) Bind(d *Dispatcher) { w.dispatcher = d }

// Handler returns the full route table.
func (w *WhatsApp) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", w.handleRoot)
	mux.HandleFunc("GET "+w.cfg.WebhookPath, w.handleVerification)
	mux.HandleFunc("POST "+w.cfg.WebhookPath, w.handleIncoming)
	if w.metrics != nil {
		mux.Handle("GET /metrics", w.metrics)
	}
	if w.cfg.SendEndpoint {
		mux.HandleFunc("POST /send-message", w.handleSendMessage)
	}
	return mux
}

// Listen binds the configured address. Split from Serve so that a worker
// can report ready only once the port is actually open.
func (w *WhatsApp) Listen() (net.Listener, error) {
	addr := net.JoinHostPort(w.cfg.Host, strconv.Itoa(w.cfg.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("whatsapp listen %s: %w", addr, err)
	}
	return ln, nil
}

// Serve runs the webhook server on ln until ctx is cancelled.
func (w *WhatsApp) Serve(ctx context.Context, ln net.Listener) error {
	if w.dispatcher == nil {
		return errors.New("whatsapp: no dispatcher bound")
	}
	w.server = &http.Server{
		Handler:           w.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	w.logger.Info("whatsapp webhook server starting", "addr", ln.Addr().String(), "path", w.cfg.WebhookPath)

	errCh := make(chan error, 1)
	go func() {
		if err := w.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		w.logger.Info("whatsapp webhook server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return w.server.Shutdown(shutdownCtx)
	case err := <-errCh:
		return fmt.Errorf("whatsapp webhook server: %w", err)
	}
}

// Start listens and serves. See Listen and Serve.
func (w *WhatsApp) Start(ctx context.Context) error {
	ln, err := w.Listen()
	if err != nil {
		return err
	}
	return w.Serve(ctx, ln)
}

func (w *WhatsApp) Stop() error { return nil }

func (w *WhatsApp) handleRoot(rw http.ResponseWriter, r *http.Request) {
	fmt.Fprintln(rw, "chatgate whatsapp webhook is running")
}

func (w *WhatsApp) handleVerification(rw http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	mode := q.Get("hub.mode")
	token := q.Get("hub.verify_token")
	challenge := q.Get("hub.challenge")

	if mode == "subscribe" && token != "" && hmac.Equal([]byte(token), []byte(w.cfg.VerifyToken)) {
		w.logger.Info("whatsapp webhook verified")
		rw.Header().Set("Content-Type", "text/plain; charset=utf-8")
		rw.Header().Set("X-Content-Type-Options", "nosniff")
		rw.WriteHeader(http.StatusOK)
		io.WriteString(rw, challenge)
		return
	}
	w.logger.Warn("whatsapp webhook verification failed", "mode", mode)
	http.Error(rw, "Forbidden", http.StatusForbidden)
}

// handleIncoming acknowledges before decoding anything. The platform
// retries deliveries that are not acknowledged quickly.
func (w *WhatsApp) handleIncoming(rw http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		http.Error(rw, "Bad request", http.StatusBadRequest)
		return
	}
	if w.cfg.AppSecret != "" && !verifyHMAC(body, w.cfg.AppSecret, r.Header.Get("X-Hub-Signature-256")) {
		w.logger.Warn("whatsapp invalid signature")
		http.Error(rw, "Forbidden", http.StatusForbidden)
		return
	}

	rw.WriteHeader(http.StatusOK)

	w.dispatcher.Background(func(ctx context.Context) {
		w.process(ctx, body)
	})
}

func (w *WhatsApp) process(ctx context.Context, body []byte) {
	var payload waPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		w.logger.Warn("whatsapp bad payload", "error", err)
		return
	}
	m, ok := payload.firstMessage()
	if !ok {
		w.logger.Debug("whatsapp delivery without messages")
		return
	}

	if isPDFCommand(m) {
		ref, ok := parsePDFCommand(m.Text.Body)
		if !ok {
			w.dispatcher.ReplyOnce(ctx, domain.NewTextMessage(domain.ChannelWebhook, m.ID, m.From, m.Text.Body), w.usage)
			return
		}
		w.dispatcher.Handle(ctx, domain.NewDocumentMessage(domain.ChannelWebhook, m.ID, m.From, ref))
		return
	}
	w.dispatcher.Handle(ctx, normalizeWhatsApp(m))
}

func normalizeWhatsApp(m waMessage) domain.InboundMessage {
	switch {
	case m.Type == "text" && m.Text != nil && strings.TrimSpace(m.Text.Body) != "":
		return domain.NewTextMessage(domain.ChannelWebhook, m.ID, m.From, m.Text.Body)
	case m.Type == "document" && m.Document != nil:
		return domain.NewDocumentMessage(domain.ChannelWebhook, m.ID, m.From, domain.AttachmentRef{
			Handle:   m.Document.ID,
			Filename: m.Document.Filename,
			MimeType: m.Document.MimeType,
		})
	case m.Type == "audio" || m.Type == "voice":
		return domain.NewMediaMessage(domain.ChannelWebhook, m.ID, m.From, domain.KindVoice)
	case m.Type == "image":
		return domain.NewMediaMessage(domain.ChannelWebhook, m.ID, m.From, domain.KindPhoto)
	default:
		return domain.NewMediaMessage(domain.ChannelWebhook, m.ID, m.From, domain.KindUnsupported)
	}
}

func isPDFCommand(m waMessage) bool {
	if m.Type != "text" || m.Text == nil {
		return false
	}
	body := strings.TrimSpace(m.Text.Body)
	return len(body) >= len(pdfCommand) && strings.EqualFold(body[:len(pdfCommand)], pdfCommand)
}

// parsePDFCommand extracts the URL from "pdf: <url>". The reference
// declares application/pdf so hosts without a .pdf path still validate.
func parsePDFCommand(text string) (domain.AttachmentRef, bool) {
	raw := strings.TrimSpace(strings.TrimSpace(text)[len(pdfCommand):])
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return domain.AttachmentRef{}, false
	}
	name := path.Base(u.Path)
	if name == "." || name == "/" {
		name = ""
	}
	return domain.AttachmentRef{Handle: raw, Filename: name, MimeType: media.PDFMimeType}, true
}

func (w *WhatsApp) handleSendMessage(rw http.ResponseWriter, r *http.Request) {
	var req struct {
		Phone   string `json:"phone"`
		Message string `json:"message"`
	}
	if err := json.NewDecoder(io.LimitReader(r.Body, maxWebhookBody)).Decode(&req); err != nil ||
		strings.TrimSpace(req.Phone) == "" || strings.TrimSpace(req.Message) == "" {
		writeJSON(rw, http.StatusBadRequest, map[string]any{"error": "phone and message are required"})
		return
	}
	if err := w.SendText(r.Context(), req.Phone, req.Message); err != nil {
		w.logger.Error("send-message failed", "error", err)
		writeJSON(rw, http.StatusInternalServerError, map[string]any{"error": "failed to send message"})
		return
	}
	writeJSON(rw, http.StatusOK, map[string]any{"success": true})
}

func writeJSON(rw http.ResponseWriter, status int, v any) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(status)
	json.NewEncoder(rw).Encode(v)
}

// SendText posts a text message through the Cloud API.
func (w *WhatsApp) SendText(ctx context.Context, to, text string) error {
	endpoint := fmt.Sprintf("%s/%s/messages", strings.TrimRight(w.cfg.APIBase, "/"), w.cfg.PhoneNumberID)
	payload := waSendRequest{
		MessagingProduct: "whatsapp",
		To:               to,
		Type:             "text",
		Text:             waSendText{PreviewURL: false, Body: text},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+w.cfg.AccessToken)

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("send: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("whatsapp API %d: %s", resp.StatusCode, transport.ReadErrorBody(resp))
	}
	return nil
}

func verifyHMAC(body []byte, secret, signature string) bool {
	if !strings.HasPrefix(signature, "sha256=") {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := "sha256=" + hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
}

// --- Cloud API payloads ---

type waPayload struct {
	Object string    `json:"object"`
	Entry  []waEntry `json:"entry"`
}

type waEntry struct {
	ID      string     `json:"id"`
	Changes []waChange `json:"changes"`
}

type waChange struct {
	Value waValue `json:"value"`
	Field string  `json:"field"`
}

type waValue struct {
	MessagingProduct string      `json:"messaging_product"`
	Messages         []waMessage `json:"messages"`
}

type waMessage struct {
	From     string      `json:"from"`
	ID       string      `json:"id"`
	Type     string      `json:"type"`
	Text     *waText     `json:"text,omitempty"`
	Document *waDocument `json:"document,omitempty"`
}

type waText struct {
	Body string `json:"body"`
}

type waDocument struct {
	ID       string `json:"id"`
	Filename string `json:"filename"`
	MimeType string `json:"mime_type"`
}

// firstMessage returns the first message of the delivery. Later ones, if
// any, are ignored.
func (p waPayload) firstMessage() (waMessage, bool) {
	for _, e := range p.Entry {
		for _, c := range e.Changes {
			if len(c.Value.Messages) > 0 {
				return c.Value.Messages[0], true
			}
		}
	}
	return waMessage{}, false
}

type waSendRequest struct {
	MessagingProduct string     `json:"messaging_product"`
	To               string     `json:"to"`
	Type             string     `json:"type"`
	Text             waSendText `json:"text"`
}

type waSendText struct {
	PreviewURL bool   `json:"preview_url"`
	Body       string `json:"body"`
}
