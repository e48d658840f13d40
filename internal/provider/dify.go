package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"wxbot/internal/domain"
)

// Dify calls a Dify application in blocking mode. It has no default
// endpoint; an API base must be configured.
type Dify struct {
	apiKey  string
	apiBase string
	client  *http.Client
	logger  *slog.Logger
}

type DifyConfig struct {
	APIKey  string
	APIBase string
	Timeout time.Duration
	Logger  *slog.Logger
}

func NewDify(cfg DifyConfig) *Dify {
	return &Dify{
		apiKey:  cfg.APIKey,
		apiBase: cfg.APIBase,
		client:  SharedHTTPClient(cfg.Timeout),
		logger:  cfg.Logger,
	}
}

func (d *Dify) Name() string { return "dify" }

func (d *Dify) Healthy(ctx context.Context) error {
	if d.apiBase == "" {
		return errors.New("dify: api base not configured")
	}
	req, err := http.NewRequestWithContext(ctx, "GET", d.apiBase, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+d.apiKey)
	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("dify not reachable: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusInternalServerError {
		return fmt.Errorf("dify returned %d", resp.StatusCode)
	}
	return nil
}

type difyRequest struct {
	Inputs         map[string]any `json:"inputs"`
	Query          string         `json:"query"`
	ResponseMode   string         `json:"response_mode"`
	ConversationID *string        `json:"conversation_id"`
	User           string         `json:"user"`
}

type difyResponse struct {
	Answer string `json:"answer"`
}

// ChatBlocking sends the query and waits for the complete answer. The
// user tag identifies the calling feature to Dify's analytics.
func (d *Dify) ChatBlocking(ctx context.Context, query, user string) (string, error) {
	if d.apiBase == "" {
		return "", &domain.ProviderError{Provider: "dify", Message: "api base not configured"}
	}
	if user == "" {
		user = "wxbot"
	}

	jsonBody, err := json.Marshal(difyRequest{
		Inputs:       map[string]any{},
		Query:        query,
		ResponseMode: "blocking",
		User:         user,
	})
	if err != nil {
		return "", fmt.Errorf("marshal: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", d.apiBase+"/chat-messages", bytes.NewReader(jsonBody))
	if err != nil {
		return "", fmt.Errorf("new request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+d.apiKey)

	resp, err := d.client.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("dify request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", upstreamError("dify", resp)
	}

	var difyResp difyResponse
	if err := json.NewDecoder(resp.Body).Decode(&difyResp); err != nil {
		return "", &domain.ProviderError{Provider: "dify", Message: fmt.Sprintf("decode: %v", err)}
	}
	return difyResp.Answer, nil
}
