package main

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"wxbot/internal/config"

	"github.com/spf13/cobra"
)

// providerMeta describes a provider option for the wizard.
type providerMeta struct {
	Name    string
	Desc    string
	EnvVar  string
	APIBase string
	Model   string
}

var knownProviders = []providerMeta{
	{Name: "siliconflow", Desc: "SiliconFlow LLM/image/vision", EnvVar: "SILICONFLOW_API_KEY", APIBase: "https://api.siliconflow.cn/v1", Model: "Qwen/QwQ-32B"},
	{Name: "fastgpt", Desc: "FastGPT knowledge-base Q&A", EnvVar: "FASTGPT_API_KEY", APIBase: "https://api.fastgpt.in/api"},
	{Name: "dify", Desc: "Dify workflow apps", EnvVar: "DIFY_API_KEY", APIBase: "https://api.dify.ai/v1"},
	{Name: "stockdata", Desc: "AKTools stock market data", APIBase: "http://127.0.0.1:8080"},
	{Name: "videosrc", Desc: "Video parse API", APIBase: ""},
	{Name: "netdisk", Desc: "Netdisk resource search", APIBase: ""},
}

var knownFrontends = []struct {
	ID   string
	Desc string
}{{"wechat", "WeChat gateway (primary)"}, {"cli", "Interactive terminal chat"}, {"telegram", "Telegram bot"}}

func wizardCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "wizard",
		Short: "Interactive setup: workspace → gateway → providers → save config",
		Long:  "Guides you through workspace path, the WeChat gateway connection, provider API keys, and an optional frontend. Writes config to the path used by --config or default.",
		RunE:  runWizard,
	}
}

func runWizard(cmd *cobra.Command, args []string) error {
	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		cfg = config.Defaults()
	}
	if cfg.Providers == nil {
		cfg.Providers = make(map[string]config.ProviderConfig)
	}

	reader := bufio.NewReader(os.Stdin)
	prompt := func(def string) (string, error) {
		if def != "" {
			fmt.Fprintf(os.Stdout, " [%s]: ", def)
		} else {
			fmt.Fprint(os.Stdout, ": ")
		}
		line, err := reader.ReadString('\n')
		if err != nil {
			return "", err
		}
		s := strings.TrimSpace(line)
		if s == "" && def != "" {
			return def, nil
		}
		return s, nil
	}

	// Step 1: Workspace
	fmt.Println("\n--- Step 1: Workspace ---")
	workspace := cfg.General.Workspace
	if workspace == "" {
		workspace = "~/.wxbot/workspace"
	}
	fmt.Fprint(os.Stdout, "Directory for bot data (cached images, rendered reports)")
	ws, err := prompt(workspace)
	if err != nil {
		return err
	}
	if ws != "" {
		cfg.General.Workspace = ws
	}
	cfg.General.Workspace = config.ExpandPath(cfg.General.Workspace)
	if err := os.MkdirAll(cfg.General.Workspace, 0o755); err != nil {
		return fmt.Errorf("create workspace: %w", err)
	}
	fmt.Fprintf(os.Stdout, "  Using workspace: %s\n", cfg.General.Workspace)

	// Step 2: WeChat gateway
	fmt.Println("\n--- Step 2: WeChat gateway ---")
	fmt.Fprint(os.Stdout, "Gateway send API base (e.g. http://127.0.0.1:8055)")
	apiBase, err := prompt(cfg.Channels.WeChat.APIBase)
	if err != nil {
		return err
	}
	if apiBase != "" {
		cfg.Channels.WeChat.APIBase = apiBase
		cfg.Channels.WeChat.Enabled = true
	}
	if cfg.Channels.WeChat.Enabled {
		fmt.Fprint(os.Stdout, "Gateway API token (empty for none)")
		tok, err := prompt(cfg.Channels.WeChat.APIToken)
		if err != nil {
			return err
		}
		cfg.Channels.WeChat.APIToken = tok

		fmt.Fprint(os.Stdout, "Sync mode: webhook or websocket")
		mode, err := prompt(cfg.Channels.WeChat.Mode)
		if err != nil {
			return err
		}
		if mode == "websocket" {
			cfg.Channels.WeChat.Mode = "websocket"
			fmt.Fprint(os.Stdout, "WebSocket sync URL (e.g. ws://127.0.0.1:8055/ws)")
			wsURL, err := prompt(cfg.Channels.WeChat.WSURL)
			if err != nil {
				return err
			}
			cfg.Channels.WeChat.WSURL = wsURL
		} else {
			cfg.Channels.WeChat.Mode = "webhook"
			fmt.Fprint(os.Stdout, "Webhook listen address")
			listen, err := prompt(cfg.Channels.WeChat.Listen)
			if err != nil {
				return err
			}
			cfg.Channels.WeChat.Listen = listen
			fmt.Fprint(os.Stdout, "Callback HMAC secret (empty to skip verification)")
			secret, err := prompt(cfg.Channels.WeChat.Secret)
			if err != nil {
				return err
			}
			cfg.Channels.WeChat.Secret = secret
		}
	}

	// Step 3: Providers
	fmt.Println("\n--- Step 3: Providers ---")
	fmt.Println("Configure the SaaS endpoints the plugins call. Empty key skips a provider.")
	for _, meta := range knownProviders {
		existing := cfg.Providers[meta.Name]
		fmt.Fprintf(os.Stdout, "\n%s — %s\n", meta.Name, meta.Desc)

		base := existing.APIBase
		if base == "" {
			base = meta.APIBase
		}
		fmt.Fprint(os.Stdout, "  API base (empty to skip)")
		apiBase, err := prompt(base)
		if err != nil {
			return err
		}
		if apiBase == "" {
			delete(cfg.Providers, meta.Name)
			continue
		}
		existing.APIBase = apiBase

		if meta.EnvVar != "" {
			def := existing.APIKey
			if def == "" {
				def = "${" + meta.EnvVar + "}"
			}
			fmt.Fprint(os.Stdout, "  API key: paste key or env reference")
			key, err := prompt(def)
			if err != nil {
				return err
			}
			existing.APIKey = key
		}
		if meta.Model != "" && existing.Model == "" {
			existing.Model = meta.Model
		}
		cfg.Providers[meta.Name] = existing
	}

	// Step 4: Frontend
	fmt.Println("\n--- Step 4: Frontend ---")
	for i, c := range knownFrontends {
		fmt.Fprintf(os.Stdout, "  %d) %s — %s\n", i+1, c.ID, c.Desc)
	}
	fmt.Fprint(os.Stdout, "Choose frontend (1–3)")
	chChoice, err := prompt("1")
	if err != nil {
		return err
	}
	var chIdx int
	if n, _ := fmt.Sscanf(chChoice, "%d", &chIdx); n != 1 || chIdx < 1 || chIdx > len(knownFrontends) {
		chIdx = 1
	}
	chID := knownFrontends[chIdx-1].ID
	cfg.Channels.CLI.Enabled = chID == "cli"
	if chID == "telegram" {
		cfg.Channels.Telegram.Enabled = true
		fmt.Fprint(os.Stdout, "Telegram bot token (from @BotFather)")
		tok, err := prompt("")
		if err != nil {
			return err
		}
		if tok != "" {
			cfg.Channels.Telegram.Token = tok
		}
	} else {
		cfg.Channels.Telegram.Enabled = false
	}
	fmt.Fprintf(os.Stdout, "  Using frontend: %s\n", chID)

	// Save
	cfgDir := filepath.Dir(cfgPath)
	if err := os.MkdirAll(cfgDir, 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	if err := config.Validate(cfg); err != nil {
		return fmt.Errorf("config validation: %w", err)
	}
	if err := config.Save(cfgPath, cfg); err != nil {
		return err
	}
	fmt.Fprintf(os.Stdout, "\nConfig saved to %s\n", cfgPath)
	fmt.Println("Next: run 'wxbot chat' to test locally, or 'wxbot run' for the gateway.")
	return nil
}
