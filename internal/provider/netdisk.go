package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"wxbot/internal/domain"
)

// Resource is one search hit from the net-disk index.
type Resource struct {
	Title string `json:"title"`
	URL   string `json:"url"`
}

// NetDisk queries a net-disk resource index. Search hits the regular
// index; SearchAll hits the slower whole-network endpoint used as a
// fallback.
type NetDisk struct {
	apiBase string
	client  *http.Client
	logger  *slog.Logger
}

type NetDiskConfig struct {
	APIBase string
	Timeout time.Duration
	Logger  *slog.Logger
}

func NewNetDisk(cfg NetDiskConfig) *NetDisk {
	return &NetDisk{
		apiBase: strings.TrimRight(cfg.APIBase, "/"),
		client:  SharedHTTPClient(cfg.Timeout),
		logger:  cfg.Logger,
	}
}

func (n *NetDisk) Name() string { return "netdisk" }

func (n *NetDisk) Healthy(ctx context.Context) error {
	if n.apiBase == "" {
		return fmt.Errorf("netdisk: api base not configured")
	}
	req, err := http.NewRequestWithContext(ctx, "GET", n.apiBase, nil)
	if err != nil {
		return err
	}
	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("netdisk not reachable: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusInternalServerError {
		return fmt.Errorf("netdisk returned %d", resp.StatusCode)
	}
	return nil
}

type netdiskEnvelope struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

// Search queries the regular index. An empty result is not an error;
// callers fall back to SearchAll.
func (n *NetDisk) Search(ctx context.Context, keyword string) ([]Resource, error) {
	reqURL := n.apiBase + "/api/search?title=" + url.QueryEscape(keyword)
	httpReq, err := http.NewRequestWithContext(ctx, "GET", reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("new request: %w", err)
	}
	httpReq.Header.Set("Accept", "*/*")
	httpReq.Header.Set("Accept-Charset", "UTF-8")
	httpReq.Header.Set("Content-Type", "application/json; charset=UTF-8")
	httpReq.Header.Set("page_no", "1")
	httpReq.Header.Set("page_size", "90")

	return n.doSearch(httpReq)
}

// SearchAll queries the whole-network endpoint. Slower, broader.
func (n *NetDisk) SearchAll(ctx context.Context, keyword string) ([]Resource, error) {
	jsonBody, err := json.Marshal(map[string]string{"title": keyword})
	if err != nil {
		return nil, fmt.Errorf("marshal: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, "POST", n.apiBase+"/api/other/all_search", bytes.NewReader(jsonBody))
	if err != nil {
		return nil, fmt.Errorf("new request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	return n.doSearch(httpReq)
}

func (n *NetDisk) doSearch(httpReq *http.Request) ([]Resource, error) {
	resp, err := n.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("netdisk request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, upstreamError("netdisk", resp)
	}

	var env netdiskEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return nil, &domain.ProviderError{Provider: "netdisk", Message: fmt.Sprintf("decode: %v", err)}
	}
	if env.Code != http.StatusOK {
		return nil, &domain.ProviderError{Provider: "netdisk", Message: fmt.Sprintf("code %d: %s", env.Code, env.Message)}
	}

	// data is either a bare list or an object wrapping one.
	var items []Resource
	if err := json.Unmarshal(env.Data, &items); err == nil {
		return items, nil
	}
	var wrapped struct {
		Items []Resource `json:"items"`
	}
	if err := json.Unmarshal(env.Data, &wrapped); err != nil {
		return nil, &domain.ProviderError{Provider: "netdisk", Message: fmt.Sprintf("decode data: %v", err)}
	}
	return wrapped.Items, nil
}
