package plugin

import (
	"fmt"
	"log/slog"
	"path/filepath"

	"wxbot/internal/config"
	"wxbot/internal/domain"
	"wxbot/internal/provider"
	"wxbot/internal/render"
)

// Deps carries the shared runtime pieces every plugin draws from.
type Deps struct {
	Config    *config.Config
	Providers *provider.Factory
	Ledger    domain.CreditLedger
	Responder domain.Responder
	Renderer  *render.Renderer
	Logger    *slog.Logger
}

// Build constructs the plugin suite from the loaded manifests. A
// manifest whose dependencies cannot be resolved disables only that
// plugin: the problem is logged and the rest of the suite comes up.
func Build(manifests []*Manifest, deps Deps) []domain.Plugin {
	plugins := make([]domain.Plugin, 0, len(manifests))
	for _, m := range manifests {
		p, err := buildOne(m, deps)
		if err != nil {
			deps.Logger.Warn("plugin disabled", "plugin", m.Name, "err", err)
			continue
		}
		plugins = append(plugins, p)
	}
	return plugins
}

// buildOne wires one manifest to its constructor. The manifest name is
// the plugin kind; its provider key may point the kind at a different
// entry of the providers map than the kind's default.
func buildOne(m *Manifest, deps Deps) (domain.Plugin, error) {
	switch m.Name {
	case "fastgpt":
		prov, err := deps.Providers.Get(providerEntry(m, "fastgpt"))
		if err != nil {
			return nil, &domain.ConfigurationError{Plugin: m.Name, Reason: err.Error()}
		}
		client, ok := prov.(fastgptClient)
		if !ok {
			return nil, &domain.ConfigurationError{Plugin: m.Name, Reason: fmt.Sprintf("provider %s cannot serve knowledge-base chat", prov.Name())}
		}
		return NewFastGPTPlugin(FastGPTDeps{
			Manifest:  m,
			Client:    client,
			Ledger:    deps.Ledger,
			Responder: deps.Responder,
			Logger:    deps.Logger,
		}), nil

	case "siliconflow":
		prov, err := deps.Providers.Get(providerEntry(m, "siliconflow"))
		if err != nil {
			return nil, &domain.ConfigurationError{Plugin: m.Name, Reason: err.Error()}
		}
		client, ok := prov.(siliconflowClient)
		if !ok {
			return nil, &domain.ConfigurationError{Plugin: m.Name, Reason: fmt.Sprintf("provider %s lacks chat, image, or vision calls", prov.Name())}
		}
		return NewSiliconFlowPlugin(SiliconFlowDeps{
			Manifest:  m,
			Client:    client,
			Ledger:    deps.Ledger,
			Responder: deps.Responder,
			Logger:    deps.Logger,
		}), nil

	case "stock":
		prov, err := deps.Providers.Get(providerEntry(m, "stockdata"))
		if err != nil {
			return nil, &domain.ConfigurationError{Plugin: m.Name, Reason: err.Error()}
		}
		quotes, ok := prov.(quoteSource)
		if !ok {
			return nil, &domain.ConfigurationError{Plugin: m.Name, Reason: fmt.Sprintf("provider %s serves no quote history", prov.Name())}
		}

		// Deep analysis is an extra: without a dify entry the report
		// still goes out, just without the AI reading.
		var analyzer deepAnalyzer
		if difyProv, err := deps.Providers.Get("dify"); err == nil {
			if a, ok := difyProv.(deepAnalyzer); ok {
				analyzer = a
			}
		} else {
			deps.Logger.Info("dify not configured, deep analysis disabled", "plugin", m.Name)
		}

		var renderer reportRenderer
		if deps.Renderer != nil {
			renderer = deps.Renderer
		}

		return NewStockPlugin(StockDeps{
			Manifest:  m,
			Quotes:    quotes,
			Analyzer:  analyzer,
			Renderer:  renderer,
			ImageDir:  filepath.Join(deps.Config.General.Workspace, "images"),
			Ledger:    deps.Ledger,
			Responder: deps.Responder,
			Logger:    deps.Logger,
		}), nil

	case "resources":
		prov, err := deps.Providers.Get(providerEntry(m, "netdisk"))
		if err != nil {
			return nil, &domain.ConfigurationError{Plugin: m.Name, Reason: err.Error()}
		}
		searcher, ok := prov.(resourceSearcher)
		if !ok {
			return nil, &domain.ConfigurationError{Plugin: m.Name, Reason: fmt.Sprintf("provider %s serves no resource search", prov.Name())}
		}
		return NewResourcesPlugin(ResourcesDeps{
			Manifest:  m,
			Searcher:  searcher,
			Ledger:    deps.Ledger,
			Responder: deps.Responder,
			Logger:    deps.Logger,
		}), nil

	case "video":
		prov, err := deps.Providers.Get(providerEntry(m, "videosrc"))
		if err != nil {
			return nil, &domain.ConfigurationError{Plugin: m.Name, Reason: err.Error()}
		}
		fetcher, ok := prov.(videoFetcher)
		if !ok {
			return nil, &domain.ConfigurationError{Plugin: m.Name, Reason: fmt.Sprintf("provider %s serves no videos", prov.Name())}
		}
		return NewVideoPlugin(VideoDeps{
			Manifest:  m,
			Fetcher:   fetcher,
			Ledger:    deps.Ledger,
			Responder: deps.Responder,
			Logger:    deps.Logger,
		}), nil

	case "credits":
		return NewCreditsPlugin(CreditsDeps{
			Manifest:  m,
			Ledger:    deps.Ledger,
			Responder: deps.Responder,
			Logger:    deps.Logger,
		}), nil

	default:
		return nil, &domain.ConfigurationError{Plugin: m.Name, Reason: "unknown plugin"}
	}
}

func providerEntry(m *Manifest, def string) string {
	if m.Provider != "" {
		return m.Provider
	}
	return def
}
