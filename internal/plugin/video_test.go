package plugin

import (
	"context"
	"errors"
	"strings"
	"testing"

	"wxbot/internal/domain"
)

type fetcherFunc func(ctx context.Context, apiURL string) (string, error)

func (f fetcherFunc) Fetch(ctx context.Context, apiURL string) (string, error) {
	return f(ctx, apiURL)
}

func videoManifest() *Manifest {
	return &Manifest{
		Name:     "video",
		Priority: 20,
		Price:    1,
		Commands: []string{"来个视频"},
		Extra: map[string]any{
			"sources": []any{
				map[string]any{"name": "风景", "url": "https://api.example.com/scenery"},
				map[string]any{"name": "美食", "url": "https://api.example.com/food"},
			},
		},
	}
}

func newVideoForTest(t *testing.T, m *Manifest, fetcher videoFetcher, ledger domain.CreditLedger, rec *recordingResponder) *VideoPlugin {
	t.Helper()
	return NewVideoPlugin(VideoDeps{
		Manifest:  m,
		Fetcher:   fetcher,
		Ledger:    ledger,
		Responder: rec,
		Logger:    testLogger(),
	})
}

func TestVideo_NamedSource(t *testing.T) {
	var gotAPI string
	fetcher := fetcherFunc(func(ctx context.Context, apiURL string) (string, error) {
		gotAPI = apiURL
		return "https://cdn.example.com/v/123.mp4", nil
	})
	ledger := newFakeLedger(map[string]int64{"wxid_u1": 5})
	rec := &recordingResponder{}
	p := newVideoForTest(t, videoManifest(), fetcher, ledger, rec)

	res, err := p.Handle(context.Background(), inbound("美食"))
	if err != nil {
		t.Fatal(err)
	}
	if res != domain.Handled {
		t.Fatalf("expected Handled, got %v", res)
	}
	if gotAPI != "https://api.example.com/food" {
		t.Fatalf("picked the wrong source: %s", gotAPI)
	}
	if got := rec.sentTexts(); len(got) != 1 || got[0] != "https://cdn.example.com/v/123.mp4" {
		t.Fatalf("unexpected replies: %v", got)
	}
	if ledger.balanceOf("wxid_u1") != 4 {
		t.Fatalf("expected deduction, balance %d", ledger.balanceOf("wxid_u1"))
	}
}

func TestVideo_RandomAliasDrawsFromPool(t *testing.T) {
	apis := map[string]bool{}
	fetcher := fetcherFunc(func(ctx context.Context, apiURL string) (string, error) {
		apis[apiURL] = true
		return "https://cdn.example.com/v/1.mp4", nil
	})
	p := newVideoForTest(t, videoManifest(), fetcher, newFakeLedger(map[string]int64{"wxid_u1": 100}), &recordingResponder{})

	for i := 0; i < 20; i++ {
		if res, _ := p.Handle(context.Background(), inbound("随机视频")); res != domain.Handled {
			t.Fatalf("expected Handled, got %v", res)
		}
	}
	for api := range apis {
		if api != "https://api.example.com/scenery" && api != "https://api.example.com/food" {
			t.Fatalf("random pick left the pool: %s", api)
		}
	}
}

func TestVideo_ManifestAlias(t *testing.T) {
	fetcher := fetcherFunc(func(ctx context.Context, apiURL string) (string, error) {
		return "https://cdn.example.com/v/2.mp4", nil
	})
	rec := &recordingResponder{}
	p := newVideoForTest(t, videoManifest(), fetcher, newFakeLedger(map[string]int64{"wxid_u1": 5}), rec)

	res, _ := p.Handle(context.Background(), inbound("来个视频"))
	if res != domain.Handled {
		t.Fatalf("manifest alias must trigger a random pick, got %v", res)
	}
}

func TestVideo_Catalog(t *testing.T) {
	rec := &recordingResponder{}
	p := newVideoForTest(t, videoManifest(), nil, newFakeLedger(nil), rec)

	res, _ := p.Handle(context.Background(), inbound("视频目录"))
	if res != domain.Handled {
		t.Fatalf("expected Handled, got %v", res)
	}
	got := rec.sentTexts()
	if len(got) != 1 || got[0] != "可用的视频系列：\n风景\n美食" {
		t.Fatalf("unexpected catalog: %v", got)
	}
}

func TestVideo_UnrelatedTextPassesOn(t *testing.T) {
	rec := &recordingResponder{}
	p := newVideoForTest(t, videoManifest(), nil, newFakeLedger(nil), rec)

	res, _ := p.Handle(context.Background(), inbound("今天吃什么"))
	if res != domain.NotHandled {
		t.Fatalf("expected NotHandled, got %v", res)
	}
	if len(rec.sentTexts()) != 0 {
		t.Fatal("unmatched message must be silent")
	}
}

func TestVideo_EmptyPoolStillAnswers(t *testing.T) {
	rec := &recordingResponder{}
	m := &Manifest{Name: "video", Priority: 20}
	p := newVideoForTest(t, m, nil, newFakeLedger(nil), rec)

	res, err := p.Handle(context.Background(), inbound("随机视频"))
	if err != nil {
		t.Fatal(err)
	}
	if res != domain.Handled {
		t.Fatalf("a random alias with no sources must still answer, got %v", res)
	}
	if got := rec.sentTexts(); len(got) != 1 || got[0] != videoFailureReply {
		t.Fatalf("unexpected replies: %v", got)
	}
}

func TestVideo_FetchFailure(t *testing.T) {
	fetcher := fetcherFunc(func(ctx context.Context, apiURL string) (string, error) {
		return "", errors.New("status 502")
	})
	ledger := newFakeLedger(map[string]int64{"wxid_u1": 5})
	rec := &recordingResponder{}
	p := newVideoForTest(t, videoManifest(), fetcher, ledger, rec)

	res, err := p.Handle(context.Background(), inbound("风景"))
	if res != domain.HandledWithError {
		t.Fatalf("expected HandledWithError, got %v", res)
	}
	if err == nil || !strings.Contains(err.Error(), "502") {
		t.Fatalf("expected the fetch error to surface, got %v", err)
	}
	if got := rec.sentTexts(); len(got) != 1 || got[0] != videoFailureReply {
		t.Fatalf("unexpected replies: %v", got)
	}
	if ledger.balanceOf("wxid_u1") != 5 {
		t.Fatalf("failed fetch must not charge, balance %d", ledger.balanceOf("wxid_u1"))
	}
}
