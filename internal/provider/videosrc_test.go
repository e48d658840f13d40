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

func TestVideoSource_Fetch(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("type") != "json" {
			t.Errorf("missing type=json: %s", r.URL.RawQuery)
		}
		json.NewEncoder(w).Encode(map[string]string{"data": "https://video.example.com/1.mp4"})
	}))
	defer server.Close()

	vs := NewVideoSource(VideoSourceConfig{Logger: testLogger()})
	url, err := vs.Fetch(context.Background(), server.URL)
	if err != nil {
		t.Fatal(err)
	}
	if url != "https://video.example.com/1.mp4" {
		t.Errorf("unexpected url: %s", url)
	}
}

func TestVideoSource_Fetch_KeepsExistingQuery(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("cat") != "dance" || q.Get("type") != "json" {
			t.Errorf("query mangled: %s", r.URL.RawQuery)
		}
		json.NewEncoder(w).Encode(map[string]string{"data": "u"})
	}))
	defer server.Close()

	vs := NewVideoSource(VideoSourceConfig{Logger: testLogger()})
	if _, err := vs.Fetch(context.Background(), server.URL+"?cat=dance"); err != nil {
		t.Fatal(err)
	}
}

func TestVideoSource_Fetch_EmptyURL(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"data": ""})
	}))
	defer server.Close()

	vs := NewVideoSource(VideoSourceConfig{Logger: testLogger()})
	_, err := vs.Fetch(context.Background(), server.URL)

	var perr *domain.ProviderError
	if !errors.As(err, &perr) {
		t.Fatalf("expected ProviderError, got %v", err)
	}
}
