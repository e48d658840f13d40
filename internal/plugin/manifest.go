package plugin

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"wxbot/internal/attach"

	"gopkg.in/yaml.v3"
)

// Manifest is one plugin's YAML definition under plugins.d/. Keys the
// loader does not know about stay available through Extra, so a plugin
// can carry its own knobs (video sources, vision flags) without the
// loader learning them.
type Manifest struct {
	Name          string   `yaml:"name"`
	Enabled       *bool    `yaml:"enabled"`
	Priority      int      `yaml:"priority"`
	Commands      []string `yaml:"commands"`
	ImageCommands []string `yaml:"image_commands"`
	Price         int64    `yaml:"price"`
	AdminIgnore   bool     `yaml:"admin_ignore"`
	Usage         string   `yaml:"usage"`
	Provider      string   `yaml:"provider"`
	Model         string   `yaml:"model"`
	TTLSeconds    int      `yaml:"ttl_seconds"`

	Extra map[string]any `yaml:",inline"`
}

// IsEnabled treats an absent enabled key as on.
func (m *Manifest) IsEnabled() bool {
	return m.Enabled == nil || *m.Enabled
}

// TTL is the attachment and gallery expiry window for this plugin.
func (m *Manifest) TTL() time.Duration {
	if m.TTLSeconds > 0 {
		return time.Duration(m.TTLSeconds) * time.Second
	}
	return attach.DefaultTTL
}

func (m *Manifest) ExtraString(key string) string {
	if v, ok := m.Extra[key].(string); ok {
		return v
	}
	return ""
}

func (m *Manifest) ExtraBool(key string, def bool) bool {
	if v, ok := m.Extra[key].(bool); ok {
		return v
	}
	return def
}

func (m *Manifest) ExtraInt(key string, def int) int {
	if v, ok := m.Extra[key].(int); ok {
		return v
	}
	return def
}

// Source is one named endpoint under a manifest's sources key.
type Source struct {
	Name string
	URL  string
}

// Sources reads the sources list the video plugin configures its
// upstream APIs with.
func (m *Manifest) Sources() []Source {
	raw, ok := m.Extra["sources"].([]any)
	if !ok {
		return nil
	}
	out := make([]Source, 0, len(raw))
	for _, item := range raw {
		entry, ok := item.(map[string]any)
		if !ok {
			continue
		}
		name, _ := entry["name"].(string)
		url, _ := entry["url"].(string)
		if name == "" || url == "" {
			continue
		}
		out = append(out, Source{Name: name, URL: url})
	}
	return out
}

// LoadManifests loads plugin manifests from YAML files in dir. A file
// that cannot be read or parsed disables only that plugin: it is
// logged and skipped, never fatal. Names in disabled are skipped too.
func LoadManifests(dir string, disabled []string, logger *slog.Logger) ([]*Manifest, error) {
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		logger.Debug("plugins directory does not exist, skipping", "dir", dir)
		return nil, nil
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read plugins dir: %w", err)
	}

	var manifests []*Manifest
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if !strings.HasSuffix(name, ".yaml") && !strings.HasSuffix(name, ".yml") {
			continue
		}

		path := filepath.Join(dir, name)
		data, err := os.ReadFile(path)
		if err != nil {
			logger.Warn("cannot read plugin manifest", "path", path, "err", err)
			continue
		}

		var m Manifest
		if err := yaml.Unmarshal(data, &m); err != nil {
			logger.Warn("cannot parse plugin manifest, plugin disabled", "path", path, "err", err)
			continue
		}
		if m.Name == "" {
			m.Name = strings.TrimSuffix(name, filepath.Ext(name))
		}
		if slices.Contains(disabled, m.Name) {
			logger.Info("plugin disabled by config", "plugin", m.Name)
			continue
		}

		logger.Info("loaded plugin manifest", "plugin", m.Name, "path", path)
		manifests = append(manifests, &m)
	}

	return manifests, nil
}
