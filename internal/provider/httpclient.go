package provider

import (
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"wxbot/internal/domain"
)

const defaultHTTPTimeout = 120 * time.Second

// SharedHTTPClient returns an optimized HTTP client with connection pooling.
// Use this instead of creating individual clients per provider.
func SharedHTTPClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = defaultHTTPTimeout
	}
	transport := &http.Transport{
		MaxIdleConns:        20,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: timeout,
		ExpectContinueTimeout: 1 * time.Second,
	}
	return &http.Client{
		Timeout:   timeout,
		Transport: transport,
	}
}

// upstreamError reads a failed response into a *domain.ProviderError,
// keeping at most a few KB of the body as the message.
func upstreamError(name string, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return &domain.ProviderError{
		Provider: name,
		Status:   resp.StatusCode,
		Message:  strings.TrimSpace(string(body)),
	}
}
