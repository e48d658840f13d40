package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"path"
	"regexp"
	"strings"
	"time"

	"wxbot/internal/domain"
)

// FastGPT calls a FastGPT application over its OpenAI-style chat API.
// Conversation history lives server-side, keyed by the chat id the
// adapter derives from sender and chat.
type FastGPT struct {
	apiKey  string
	apiBase string
	appID   string
	detail  bool
	client  *http.Client
	logger  *slog.Logger
}

type FastGPTConfig struct {
	APIKey  string
	APIBase string
	AppID   string
	Detail  bool // ask for node-level responseData, needed for plugin apps
	Timeout time.Duration
	Logger  *slog.Logger
}

func NewFastGPT(cfg FastGPTConfig) *FastGPT {
	if cfg.APIBase == "" {
		cfg.APIBase = "https://api.fastgpt.in/api"
	}
	return &FastGPT{
		apiKey:  cfg.APIKey,
		apiBase: cfg.APIBase,
		appID:   cfg.AppID,
		detail:  cfg.Detail,
		client:  SharedHTTPClient(cfg.Timeout),
		logger:  cfg.Logger,
	}
}

func (f *FastGPT) Name() string { return "fastgpt" }

func (f *FastGPT) Healthy(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, "GET", f.apiBase, nil)
	if err != nil {
		return err
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return fmt.Errorf("fastgpt not reachable: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusInternalServerError {
		return fmt.Errorf("fastgpt returned %d", resp.StatusCode)
	}
	return nil
}

var (
	fgptImageURLRe = regexp.MustCompile(`(?i)https?://\S+\.(?:jpg|jpeg|png|gif|webp)`)
	fgptFileURLRe  = regexp.MustCompile(`(?i)https?://\S+\.(?:pdf|doc|docx|txt|md|html|xls|xlsx|csv|ppt|pptx)`)
)

type fgptRequest struct {
	ChatID   string        `json:"chatId"`
	Stream   bool          `json:"stream"`
	Detail   bool          `json:"detail"`
	Messages []fgptMessage `json:"messages"`
}

type fgptMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"` // plain string, or []fgptPart for multimodal input
}

type fgptPart struct {
	Type     string        `json:"type"`
	Text     string        `json:"text,omitempty"`
	ImageURL *fgptImageURL `json:"image_url,omitempty"`
	Name     string        `json:"name,omitempty"`
	URL      string        `json:"url,omitempty"`
}

type fgptImageURL struct {
	URL string `json:"url"`
}

type fgptResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	ResponseData []struct {
		ModuleType   string         `json:"moduleType"`
		PluginOutput map[string]any `json:"pluginOutput"`
	} `json:"responseData"`
}

// Answer sends the residual query as a single user message and returns
// the app's reply. Image and document links found in the query are
// lifted into multimodal content parts so FastGPT apps can consume them.
func (f *FastGPT) Answer(ctx context.Context, req domain.Request) (*domain.Reply, error) {
	chatID := req.SenderID + "_" + req.ChatID + "_" + f.appID

	body := fgptRequest{
		ChatID:   chatID,
		Stream:   false,
		Detail:   f.detail,
		Messages: []fgptMessage{{Role: "user", Content: fgptContent(req.Query, req.Attachment)}},
	}

	jsonBody, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", f.apiBase+"/v1/chat/completions", bytes.NewReader(jsonBody))
	if err != nil {
		return nil, fmt.Errorf("new request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+f.apiKey)

	resp, err := f.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("fastgpt request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, upstreamError("fastgpt", resp)
	}

	var fgptResp fgptResponse
	if err := json.NewDecoder(resp.Body).Decode(&fgptResp); err != nil {
		return nil, &domain.ProviderError{Provider: "fastgpt", Message: fmt.Sprintf("decode: %v", err)}
	}

	return &domain.Reply{Text: f.extractContent(&fgptResp)}, nil
}

// fgptContent builds the message content for a query. The full text is
// always the first part; links to images or documents become dedicated
// parts after it, as does a consumed attachment when it is a URL
// (FastGPT cannot read anything else). A query without links collapses
// to a plain string.
func fgptContent(query, attachment string) any {
	parts := []fgptPart{{Type: "text", Text: query}}
	if strings.HasPrefix(attachment, "http://") || strings.HasPrefix(attachment, "https://") {
		parts = append(parts, fgptPart{Type: "image_url", ImageURL: &fgptImageURL{URL: attachment}})
	}
	for _, u := range fgptImageURLRe.FindAllString(query, -1) {
		parts = append(parts, fgptPart{Type: "image_url", ImageURL: &fgptImageURL{URL: u}})
	}
	for _, u := range fgptFileURLRe.FindAllString(query, -1) {
		parts = append(parts, fgptPart{Type: "file_url", Name: path.Base(u), URL: u})
	}
	if len(parts) == 1 {
		return query
	}
	return parts
}

// extractContent walks the possible reply locations of a detail-mode
// response. Plugin-type apps put the answer in a pluginOutput node
// instead of choices.
func (f *FastGPT) extractContent(resp *fgptResponse) string {
	if len(resp.Choices) > 0 && resp.Choices[0].Message.Content != "" {
		return resp.Choices[0].Message.Content
	}
	for _, item := range resp.ResponseData {
		if item.ModuleType != "pluginOutput" {
			continue
		}
		if result, ok := item.PluginOutput["result"].(string); ok && result != "" {
			return result
		}
	}
	if len(resp.Choices) > 0 {
		return resp.Choices[0].Message.Content
	}
	return "未能获取有效回复"
}
