package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"wxbot/internal/domain"
)

// VideoSource resolves short-video API endpoints. Each call asks one
// endpoint for a playable URL; the endpoints themselves come from the
// caller's source list.
type VideoSource struct {
	client *http.Client
	logger *slog.Logger
}

type VideoSourceConfig struct {
	Timeout time.Duration
	Logger  *slog.Logger
}

func NewVideoSource(cfg VideoSourceConfig) *VideoSource {
	return &VideoSource{
		client: SharedHTTPClient(cfg.Timeout),
		logger: cfg.Logger,
	}
}

func (v *VideoSource) Name() string { return "videosrc" }

// Healthy is a no-op: there is no fixed endpoint to probe.
func (v *VideoSource) Healthy(ctx context.Context) error { return nil }

type videoResponse struct {
	Data string `json:"data"`
}

// Fetch asks the endpoint for one video and returns its URL.
func (v *VideoSource) Fetch(ctx context.Context, apiURL string) (string, error) {
	sep := "?"
	if strings.Contains(apiURL, "?") {
		sep = "&"
	}
	httpReq, err := http.NewRequestWithContext(ctx, "GET", apiURL+sep+"type=json", nil)
	if err != nil {
		return "", fmt.Errorf("new request: %w", err)
	}

	resp, err := v.client.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("videosrc request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", upstreamError("videosrc", resp)
	}

	var vr videoResponse
	if err := json.NewDecoder(resp.Body).Decode(&vr); err != nil {
		return "", &domain.ProviderError{Provider: "videosrc", Message: fmt.Sprintf("decode: %v", err)}
	}
	if vr.Data == "" {
		return "", &domain.ProviderError{Provider: "videosrc", Message: "empty video url"}
	}
	return vr.Data, nil
}
