package channel

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"wxbot/internal/domain"

	"github.com/gorilla/websocket"
)

const (
	wechatSendTimeout  = 30 * time.Second
	wechatMaxBackoff   = 30 * time.Second
	wechatPingInterval = 30 * time.Second
	wechatReadTimeout  = 90 * time.Second
	wechatSendRetries  = 3
)

// WeChat is the primary channel. A WeChat gateway process owns the
// device protocol; this side consumes its parsed message events
// (webhook push or websocket sync) and answers through its HTTP send
// API.
type WeChat struct {
	mode    string
	listen  string
	path    string
	secret  string
	wsURL   string
	admins  map[string]struct{}
	gateway *gatewayClient
	bus     domain.MessageBus
	logger  *slog.Logger
	server  *http.Server
}

type WeChatChannelConfig struct {
	Mode          string // "webhook" (default) | "websocket"
	Listen        string // webhook bind address
	Path          string // webhook callback path
	Secret        string // HMAC secret for callback signatures
	APIBase       string // gateway send API base URL
	APIToken      string
	WSURL         string // websocket sync endpoint
	SendPerSecond float64
	Admins        []string
	Logger        *slog.Logger
}

func NewWeChat(cfg WeChatChannelConfig) *WeChat {
	if cfg.Mode == "" {
		cfg.Mode = "webhook"
	}
	if cfg.Path == "" {
		cfg.Path = "/webhook/wechat"
	}
	if cfg.Listen == "" {
		cfg.Listen = ":8090"
	}
	admins := make(map[string]struct{}, len(cfg.Admins))
	for _, id := range cfg.Admins {
		admins[id] = struct{}{}
	}
	return &WeChat{
		mode:   cfg.Mode,
		listen: cfg.Listen,
		path:   cfg.Path,
		secret: cfg.Secret,
		wsURL:  cfg.WSURL,
		admins: admins,
		logger: cfg.Logger,
		gateway: &gatewayClient{
			apiBase: strings.TrimRight(cfg.APIBase, "/"),
			token:   cfg.APIToken,
			client:  &http.Client{Timeout: wechatSendTimeout},
			limiter: NewSendLimiter(5, cfg.SendPerSecond),
			logger:  cfg.Logger,
		},
	}
}

func (w *WeChat) Name() string { return "wechat" }

// Start runs the configured sync mode until ctx is canceled.
func (w *WeChat) Start(ctx context.Context, bus domain.MessageBus) error {
	w.bus = bus

	bus.OnOutbound("wechat", func(msg domain.OutboundMessage) {
		sendCtx, cancel := context.WithTimeout(context.Background(), wechatSendTimeout)
		defer cancel()
		if msg.Content != "" {
			if err := w.gateway.SendText(sendCtx, msg.ChatID, msg.Content); err != nil {
				w.logger.Error("wechat text send failed", "chat", msg.ChatID, "err", err)
			}
		}
		for _, ref := range msg.Images {
			if err := w.gateway.SendImage(sendCtx, msg.ChatID, ref); err != nil {
				w.logger.Error("wechat image send failed", "chat", msg.ChatID, "err", err)
			}
		}
	})

	switch w.mode {
	case "websocket":
		return w.runSync(ctx)
	default:
		return w.runWebhook(ctx)
	}
}

func (w *WeChat) Stop() error { return nil }

func (w *WeChat) Send(ctx context.Context, chatID string, content string) error {
	return w.gateway.SendText(ctx, chatID, content)
}

// gatewayEvent is one parsed message the gateway delivers, in either
// sync mode. Attachment refs are gateway media handles the send API
// understands.
type gatewayEvent struct {
	Type        string   `json:"type"`
	ChatID      string   `json:"chat_id"`
	SenderID    string   `json:"sender_id"`
	SenderName  string   `json:"sender_name,omitempty"`
	Content     string   `json:"content,omitempty"`
	Attachments []string `json:"attachments,omitempty"`
	IsGroup     bool     `json:"is_group,omitempty"`
	Timestamp   int64    `json:"timestamp,omitempty"`
}

func (w *WeChat) publish(ev gatewayEvent) {
	if ev.ChatID == "" || ev.SenderID == "" {
		w.logger.Warn("gateway event without addressing dropped", "type", ev.Type)
		return
	}
	ts := time.Now()
	if ev.Timestamp > 0 {
		ts = time.Unix(ev.Timestamp, 0)
	}
	_, fromAdmin := w.admins[ev.SenderID]
	w.bus.Publish(domain.InboundMessage{
		Channel:     "wechat",
		ChatID:      ev.ChatID,
		SenderID:    ev.SenderID,
		SenderName:  ev.SenderName,
		Content:     ev.Content,
		Attachments: ev.Attachments,
		IsGroup:     ev.IsGroup,
		FromAdmin:   fromAdmin,
		Timestamp:   ts,
	})
}

// --- webhook mode ---

func (w *WeChat) runWebhook(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc(w.path, w.handleCallback)

	w.server = &http.Server{
		Addr:              w.listen,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	w.logger.Info("wechat webhook listening", "addr", w.listen, "path", w.path)

	errCh := make(chan error, 1)
	go func() {
		if err := w.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		w.logger.Info("wechat webhook shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return w.server.Shutdown(shutdownCtx)
	case err := <-errCh:
		return fmt.Errorf("wechat webhook: %w", err)
	}
}

func (w *WeChat) handleCallback(rw http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(rw, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		http.Error(rw, "Bad Request", http.StatusBadRequest)
		return
	}
	defer r.Body.Close()

	if w.secret != "" {
		sig := r.Header.Get("X-Signature-256")
		if sig == "" {
			http.Error(rw, "Missing signature", http.StatusUnauthorized)
			return
		}
		if !verifyHMAC(body, w.secret, sig) {
			w.logger.Warn("wechat callback with bad signature")
			http.Error(rw, "Invalid signature", http.StatusForbidden)
			return
		}
	}

	var ev gatewayEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		http.Error(rw, "Invalid JSON", http.StatusBadRequest)
		return
	}

	w.publish(ev)

	rw.WriteHeader(http.StatusAccepted)
	json.NewEncoder(rw).Encode(map[string]string{"status": "accepted"})
}

// --- websocket sync mode ---

// runSync keeps one websocket connection to the gateway alive,
// reconnecting with capped exponential backoff.
func (w *WeChat) runSync(ctx context.Context) error {
	backoff := time.Second
	for {
		conn, err := w.dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			w.logger.Warn("gateway websocket dial failed", "url", w.wsURL, "retry_in", backoff, "err", err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			backoff = min(backoff*2, wechatMaxBackoff)
			continue
		}

		backoff = time.Second
		w.logger.Info("gateway websocket connected", "url", w.wsURL)

		err = w.readLoop(ctx, conn)
		conn.Close()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		w.logger.Warn("gateway websocket closed, reconnecting", "err", err)
	}
}

func (w *WeChat) dial(ctx context.Context) (*websocket.Conn, error) {
	header := http.Header{}
	if w.gateway.token != "" {
		header.Set("Authorization", "Bearer "+w.gateway.token)
	}
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, w.wsURL, header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	return conn, err
}

// readLoop consumes gateway events until the connection breaks. A
// ping ticker keeps the read deadline moving so a dead peer is
// noticed instead of hanging the sync forever.
func (w *WeChat) readLoop(ctx context.Context, conn *websocket.Conn) error {
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		ticker := time.NewTicker(wechatPingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				conn.Close()
				return
			case <-stop:
				return
			case <-ticker.C:
				deadline := time.Now().Add(10 * time.Second)
				if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
					conn.Close()
					return
				}
			}
		}
	}()

	conn.SetReadDeadline(time.Now().Add(wechatReadTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wechatReadTimeout))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		conn.SetReadDeadline(time.Now().Add(wechatReadTimeout))

		var ev gatewayEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			w.logger.Warn("unparseable gateway event", "err", err)
			continue
		}
		w.publish(ev)
	}
}

// --- gateway send API ---

// gatewayClient talks to the gateway's HTTP send endpoints. All calls
// go through the token bucket so replies never burst.
type gatewayClient struct {
	apiBase string
	token   string
	client  *http.Client
	limiter *SendLimiter
	logger  *slog.Logger
}

func (g *gatewayClient) SendText(ctx context.Context, chatID, content string) error {
	return g.post(ctx, "/message/text", map[string]any{
		"chat_id": chatID,
		"content": content,
	})
}

// SendImage delivers one image. An http(s) ref is passed by URL for
// the gateway to fetch; anything else is read as a local file and
// inlined base64.
func (g *gatewayClient) SendImage(ctx context.Context, chatID, ref string) error {
	payload := map[string]any{"chat_id": chatID}
	if strings.HasPrefix(ref, "http://") || strings.HasPrefix(ref, "https://") {
		payload["url"] = ref
	} else {
		data, err := os.ReadFile(ref)
		if err != nil {
			return fmt.Errorf("read image %s: %w", ref, err)
		}
		payload["filename"] = filepath.Base(ref)
		payload["data"] = base64.StdEncoding.EncodeToString(data)
	}
	return g.post(ctx, "/message/image", payload)
}

// post sends one API call with throttling and retries on transient
// failures (network errors, 5xx, 429).
func (g *gatewayClient) post(ctx context.Context, path string, payload any) error {
	if g.apiBase == "" {
		return fmt.Errorf("gateway api base not configured")
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt <= wechatSendRetries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(attempt) * time.Second
			g.logger.Warn("gateway send retrying", "path", path, "attempt", attempt+1, "backoff", backoff)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
		}

		if err := g.limiter.Wait(ctx); err != nil {
			return err
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.apiBase+path, bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("build request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		if g.token != "" {
			req.Header.Set("Authorization", "Bearer "+g.token)
		}

		resp, err := g.client.Do(req)
		if err != nil {
			lastErr = err
			continue
		}
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()

		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			lastErr = fmt.Errorf("gateway %s: %d: %s", path, resp.StatusCode, strings.TrimSpace(string(respBody)))
			continue
		}
		if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusAccepted {
			return fmt.Errorf("gateway %s: %d: %s", path, resp.StatusCode, strings.TrimSpace(string(respBody)))
		}
		return nil
	}
	return fmt.Errorf("gateway %s failed after %d attempts: %w", path, wechatSendRetries+1, lastErr)
}
