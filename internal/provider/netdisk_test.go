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

func TestNetDisk_Search(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/search" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		if r.URL.Query().Get("title") != "三体" {
			t.Errorf("unexpected title: %s", r.URL.Query().Get("title"))
		}
		if r.Header.Get("page_no") != "1" || r.Header.Get("page_size") != "90" {
			t.Error("paging headers missing")
		}
		json.NewEncoder(w).Encode(map[string]any{
			"code": 200,
			"data": []map[string]any{{"title": "三体 4K", "url": "https://pan.example.com/s/abc"}},
		})
	}))
	defer server.Close()

	nd := NewNetDisk(NetDiskConfig{APIBase: server.URL, Logger: testLogger()})
	items, err := nd.Search(context.Background(), "三体")
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 1 || items[0].Title != "三体 4K" {
		t.Fatalf("unexpected items: %+v", items)
	}
}

func TestNetDisk_SearchAll_WrappedItems(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/other/all_search" {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		var body map[string]string
		json.NewDecoder(r.Body).Decode(&body)
		if body["title"] != "电影" {
			t.Errorf("unexpected body: %v", body)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"code": 200,
			"data": map[string]any{"items": []map[string]any{
				{"title": "电影A", "url": "u1"},
				{"title": "电影B", "url": "u2"},
			}},
		})
	}))
	defer server.Close()

	nd := NewNetDisk(NetDiskConfig{APIBase: server.URL, Logger: testLogger()})
	items, err := nd.SearchAll(context.Background(), "电影")
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 2 {
		t.Fatalf("expected 2 items, got %d", len(items))
	}
}

func TestNetDisk_EmptyResult(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"code": 200, "data": []any{}})
	}))
	defer server.Close()

	nd := NewNetDisk(NetDiskConfig{APIBase: server.URL, Logger: testLogger()})
	items, err := nd.Search(context.Background(), "不存在的东西")
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 0 {
		t.Errorf("expected no items, got %d", len(items))
	}
}

func TestNetDisk_EnvelopeError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"code": 500, "message": "index rebuilding"})
	}))
	defer server.Close()

	nd := NewNetDisk(NetDiskConfig{APIBase: server.URL, Logger: testLogger()})
	_, err := nd.Search(context.Background(), "三体")

	var perr *domain.ProviderError
	if !errors.As(err, &perr) {
		t.Fatalf("expected ProviderError, got %v", err)
	}
}
