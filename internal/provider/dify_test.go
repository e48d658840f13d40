package provider

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"wxbot/internal/domain"
)

func TestDify_ChatBlocking(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat-messages" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		var body map[string]any
		json.NewDecoder(r.Body).Decode(&body)
		if body["response_mode"] != "blocking" {
			t.Errorf("unexpected response_mode: %v", body["response_mode"])
		}
		if body["user"] != "stock_analysis" {
			t.Errorf("unexpected user: %v", body["user"])
		}
		if _, ok := body["conversation_id"]; !ok {
			t.Error("conversation_id should be present")
		}
		json.NewEncoder(w).Encode(map[string]any{"answer": "深度分析结果"})
	}))
	defer server.Close()

	d := NewDify(DifyConfig{APIKey: "k", APIBase: server.URL, Logger: testLogger()})
	answer, err := d.ChatBlocking(context.Background(), "分析这些数据", "stock_analysis")
	if err != nil {
		t.Fatal(err)
	}
	if answer != "深度分析结果" {
		t.Errorf("unexpected answer: %s", answer)
	}
}

func TestDify_NoBaseConfigured(t *testing.T) {
	d := NewDify(DifyConfig{Logger: testLogger()})
	_, err := d.ChatBlocking(context.Background(), "q", "u")

	var perr *domain.ProviderError
	if !errors.As(err, &perr) {
		t.Fatalf("expected ProviderError, got %v", err)
	}
}

func TestDify_UpstreamError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "quota exceeded", http.StatusPaymentRequired)
	}))
	defer server.Close()

	d := NewDify(DifyConfig{APIBase: server.URL, Logger: testLogger()})
	_, err := d.ChatBlocking(context.Background(), "q", "u")

	var perr *domain.ProviderError
	if !errors.As(err, &perr) {
		t.Fatalf("expected ProviderError, got %v", err)
	}
	if perr.Status != http.StatusPaymentRequired {
		t.Errorf("expected status 402, got %d", perr.Status)
	}
}
