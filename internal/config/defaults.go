package config

func Defaults() *Config {
	return &Config{
		General: GeneralConfig{
			Workspace:             "~/.wxbot/workspace",
			LogLevel:              "info",
			MaxConcurrentMessages: 5,
		},
		Providers: map[string]ProviderConfig{
			"siliconflow": {
				APIBase:        "https://api.siliconflow.cn/v1",
				Model:          "Qwen/QwQ-32B",
				TimeoutSeconds: 60,
			},
		},
		Channels: ChannelsConfig{
			WeChat: WeChatConfig{
				Enabled:       false,
				Mode:          "webhook",
				Listen:        "127.0.0.1:8901",
				WebhookPath:   "/webhook/wechat",
				SendPerSecond: 1,
			},
			Telegram: TelegramConfig{
				Enabled:   false,
				ParseMode: "Markdown",
			},
			CLI: CLIConfig{
				Enabled: true,
			},
			Webhook: WebhookConfig{
				Enabled: false,
				Port:    9090,
				Path:    "/webhook",
			},
		},
		Ledger: LedgerConfig{
			DBPath:         "~/.wxbot/ledger.db",
			DefaultBalance: 10,
		},
		Plugins: PluginsConfig{
			Dir: "~/.wxbot/plugins.d",
		},
		Sched: SchedConfig{
			Enabled: false,
		},
		Metrics: MetricsConfig{
			Enabled:  false,
			Listen:   "127.0.0.1:9100",
			Endpoint: "/metrics",
		},
	}
}
