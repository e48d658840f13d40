package provider

import (
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"sync"
	"time"

	"wxbot/internal/config"
	"wxbot/internal/domain"
)

// ProviderConstructor is a function that creates a provider from a config entry.
type ProviderConstructor func(pc config.ProviderConfig, logger *slog.Logger) domain.Provider

// Factory creates and caches providers from config.
type Factory struct {
	cfg          *config.Config
	logger       *slog.Logger
	constructors map[string]ProviderConstructor
	cache        map[string]domain.Provider
	mu           sync.RWMutex
}

// NewFactory creates a provider factory with the built-in constructors registered.
func NewFactory(cfg *config.Config, logger *slog.Logger) *Factory {
	f := &Factory{
		cfg:          cfg,
		logger:       logger,
		constructors: make(map[string]ProviderConstructor),
		cache:        make(map[string]domain.Provider),
	}
	f.registerDefaults()
	return f
}

// RegisterConstructor adds (or replaces) a provider constructor by name.
// This allows third-party or plugin providers to be registered at runtime.
func (f *Factory) RegisterConstructor(name string, ctor ProviderConstructor) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.constructors[name] = ctor
}

// registerDefaults registers all built-in provider constructors.
func (f *Factory) registerDefaults() {
	f.constructors["fastgpt"] = func(pc config.ProviderConfig, logger *slog.Logger) domain.Provider {
		return NewFastGPT(FastGPTConfig{
			APIKey:  pc.APIKey,
			APIBase: pc.APIBase,
			AppID:   pc.Extra["app_id"],
			Detail:  extraBool(pc.Extra, "detail"),
			Timeout: timeoutOf(pc),
			Logger:  logger,
		})
	}

	f.constructors["siliconflow"] = func(pc config.ProviderConfig, logger *slog.Logger) domain.Provider {
		return NewSiliconFlow(SiliconFlowConfig{
			APIKey:        pc.APIKey,
			APIBase:       pc.APIBase,
			ChatModel:     pc.Model,
			MaxTokens:     extraInt(pc.Extra, "max_tokens"),
			Temperature:   extraFloat(pc.Extra, "temperature"),
			TopP:          extraFloat(pc.Extra, "top_p"),
			ImageModel:    pc.Extra["image_model"],
			ImageSize:     pc.Extra["image_size"],
			ImageSteps:    extraInt(pc.Extra, "image_steps"),
			GuidanceScale: extraFloat(pc.Extra, "guidance_scale"),
			ImageCount:    extraInt(pc.Extra, "image_count"),
			VisionModel:   pc.Extra["vision_model"],
			VisionPrompt:  pc.Extra["vision_prompt"],
			Timeout:       timeoutOf(pc),
			Logger:        logger,
		})
	}

	f.constructors["dify"] = func(pc config.ProviderConfig, logger *slog.Logger) domain.Provider {
		return NewDify(DifyConfig{APIKey: pc.APIKey, APIBase: pc.APIBase, Timeout: timeoutOf(pc), Logger: logger})
	}

	f.constructors["stockdata"] = func(pc config.ProviderConfig, logger *slog.Logger) domain.Provider {
		return NewStockData(StockDataConfig{
			APIBase:  pc.APIBase,
			Lookback: time.Duration(extraInt(pc.Extra, "lookback_days")) * 24 * time.Hour,
			Timeout:  timeoutOf(pc),
			Logger:   logger,
		})
	}

	f.constructors["videosrc"] = func(pc config.ProviderConfig, logger *slog.Logger) domain.Provider {
		return NewVideoSource(VideoSourceConfig{Timeout: timeoutOf(pc), Logger: logger})
	}

	f.constructors["netdisk"] = func(pc config.ProviderConfig, logger *slog.Logger) domain.Provider {
		return NewNetDisk(NetDiskConfig{APIBase: pc.APIBase, Timeout: timeoutOf(pc), Logger: logger})
	}
}

// Get returns the provider with the given name, creating it on first
// use. Created providers are cached so the same instance is reused
// across calls. Uses double-check locking to avoid TOCTOU races.
func (f *Factory) Get(name string) (domain.Provider, error) {
	if name == "" {
		return nil, fmt.Errorf("provider name required")
	}

	// Fast path: read lock.
	f.mu.RLock()
	if cached, ok := f.cache[name]; ok {
		f.mu.RUnlock()
		return cached, nil
	}
	f.mu.RUnlock()

	// Slow path: write lock with double-check.
	f.mu.Lock()
	defer f.mu.Unlock()

	// Re-check under write lock (another goroutine may have created it).
	if cached, ok := f.cache[name]; ok {
		return cached, nil
	}

	pc, ok := f.cfg.Providers[name]
	if !ok {
		return nil, fmt.Errorf("unknown provider: %s", name)
	}

	ctor, found := f.constructors[name]

	var p domain.Provider
	if found {
		p = ctor(pc, f.logger)
	} else if pc.APIBase != "" && pc.APIKey != "" {
		// Fallback: treat unknown providers as OpenAI-compatible chat endpoints.
		p = NewSiliconFlow(SiliconFlowConfig{
			Name:      name,
			APIKey:    pc.APIKey,
			APIBase:   pc.APIBase,
			ChatModel: pc.Model,
			Timeout:   timeoutOf(pc),
			Logger:    f.logger,
		})
	} else {
		return nil, fmt.Errorf("provider %s: no constructor registered and no API base/key configured", name)
	}

	f.cache[name] = p
	return p, nil
}

// Names returns the configured provider names in sorted order.
func (f *Factory) Names() []string {
	names := make([]string, 0, len(f.cfg.Providers))
	for name := range f.cfg.Providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func timeoutOf(pc config.ProviderConfig) time.Duration {
	return time.Duration(pc.TimeoutSeconds) * time.Second
}

func extraInt(extra map[string]string, key string) int {
	n, _ := strconv.Atoi(extra[key])
	return n
}

func extraFloat(extra map[string]string, key string) float64 {
	v, _ := strconv.ParseFloat(extra[key], 64)
	return v
}

func extraBool(extra map[string]string, key string) bool {
	b, _ := strconv.ParseBool(extra[key])
	return b
}
