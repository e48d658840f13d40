package plugin

import (
	"testing"

	"wxbot/internal/config"
	"wxbot/internal/provider"
)

func builderDeps(t *testing.T, providers map[string]config.ProviderConfig) Deps {
	t.Helper()
	cfg := &config.Config{
		General:   config.GeneralConfig{Workspace: t.TempDir()},
		Providers: providers,
	}
	return Deps{
		Config:    cfg,
		Providers: provider.NewFactory(cfg, testLogger()),
		Ledger:    newFakeLedger(nil),
		Responder: &recordingResponder{},
		Logger:    testLogger(),
	}
}

func TestBuild_FullSuite(t *testing.T) {
	deps := builderDeps(t, map[string]config.ProviderConfig{
		"fastgpt":     {APIBase: "http://127.0.0.1:1", APIKey: "key"},
		"siliconflow": {APIBase: "http://127.0.0.1:1", APIKey: "key"},
		"dify":        {APIBase: "http://127.0.0.1:1", APIKey: "key"},
		"stockdata":   {APIBase: "http://127.0.0.1:1"},
		"netdisk":     {APIBase: "http://127.0.0.1:1"},
		"videosrc":    {},
	})
	manifests := []*Manifest{
		{Name: "fastgpt", Priority: 60, Commands: []string{"问"}},
		{Name: "siliconflow", Priority: 50},
		{Name: "stock", Priority: 40},
		{Name: "resources", Priority: 30},
		{Name: "video", Priority: 20},
		{Name: "credits", Priority: 90},
	}

	plugins := Build(manifests, deps)
	if len(plugins) != 6 {
		t.Fatalf("expected the full suite, got %d plugins", len(plugins))
	}
	names := make(map[string]bool)
	for _, p := range plugins {
		names[p.Name()] = true
	}
	for _, want := range []string{"fastgpt", "siliconflow", "stock", "resources", "video", "credits"} {
		if !names[want] {
			t.Fatalf("suite misses %s: %v", want, names)
		}
	}
}

func TestBuild_UnknownKindSkipped(t *testing.T) {
	deps := builderDeps(t, nil)
	manifests := []*Manifest{
		{Name: "weather"},
		{Name: "credits"},
	}

	plugins := Build(manifests, deps)
	if len(plugins) != 1 || plugins[0].Name() != "credits" {
		t.Fatalf("unknown kind must only disable itself, got %v", plugins)
	}
}

func TestBuild_MissingProviderEntrySkipped(t *testing.T) {
	// No videosrc entry configured.
	deps := builderDeps(t, map[string]config.ProviderConfig{
		"netdisk": {APIBase: "http://127.0.0.1:1"},
	})
	manifests := []*Manifest{
		{Name: "video"},
		{Name: "resources"},
	}

	plugins := Build(manifests, deps)
	if len(plugins) != 1 || plugins[0].Name() != "resources" {
		t.Fatalf("missing provider must only disable its plugin, got %d plugins", len(plugins))
	}
}

func TestBuild_ProviderOverride(t *testing.T) {
	// An unknown entry with credentials is served as an OpenAI
	// compatible chat endpoint, so a chat-shaped plugin can point at it.
	deps := builderDeps(t, map[string]config.ProviderConfig{
		"deepseek": {APIBase: "https://api.deepseek.com/v1", APIKey: "key", Model: "deepseek-chat"},
	})
	manifests := []*Manifest{
		{Name: "siliconflow", Provider: "deepseek"},
	}

	plugins := Build(manifests, deps)
	if len(plugins) != 1 || plugins[0].Name() != "siliconflow" {
		t.Fatalf("override onto a compatible endpoint must build, got %d plugins", len(plugins))
	}
}

func TestBuild_OverrideShapeMismatchSkipped(t *testing.T) {
	// The stock plugin needs quote history; a chat endpoint cannot
	// serve it no matter what the manifest says.
	deps := builderDeps(t, map[string]config.ProviderConfig{
		"deepseek": {APIBase: "https://api.deepseek.com/v1", APIKey: "key"},
	})
	manifests := []*Manifest{
		{Name: "stock", Provider: "deepseek"},
	}

	if plugins := Build(manifests, deps); len(plugins) != 0 {
		t.Fatalf("shape mismatch must disable the plugin, got %d", len(plugins))
	}
}

func TestBuild_StockWithoutDify(t *testing.T) {
	deps := builderDeps(t, map[string]config.ProviderConfig{
		"stockdata": {APIBase: "http://127.0.0.1:1"},
	})
	manifests := []*Manifest{{Name: "stock"}}

	plugins := Build(manifests, deps)
	if len(plugins) != 1 {
		t.Fatalf("stock must come up without dify, got %d plugins", len(plugins))
	}
	sp, ok := plugins[0].(*StockPlugin)
	if !ok {
		t.Fatalf("unexpected plugin type %T", plugins[0])
	}
	if sp.analyzer != nil {
		t.Fatal("missing dify entry must disable the AI reading")
	}
}
