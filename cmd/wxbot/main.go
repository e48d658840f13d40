package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"wxbot/internal/bus"
	"wxbot/internal/channel"
	"wxbot/internal/config"
	"wxbot/internal/domain"
	"wxbot/internal/ledger"
	"wxbot/internal/metrics"
	"wxbot/internal/plugin"
	"wxbot/internal/provider"
	"wxbot/internal/render"
	"wxbot/internal/sched"

	"github.com/spf13/cobra"
)

var (
	version    = "0.3.0"
	logger     *slog.Logger
	configPath string // overridable via --config flag
)

func main() {
	logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	root := &cobra.Command{
		Use:   "wxbot",
		Short: "wxbot: WeChat-bot plugin runtime",
		Long:  "wxbot runs a suite of chat plugins (FastGPT Q&A, SiliconFlow chat/draw/vision, stock analysis, resource search) behind a WeChat gateway, with optional Telegram, Discord, and Slack frontends.",
	}

	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config.json (default: ~/.wxbot/config.json)")

	root.AddCommand(initCmd())
	root.AddCommand(runCmd())
	root.AddCommand(chatCmd())
	root.AddCommand(statusCmd())
	root.AddCommand(configCmd())
	root.AddCommand(doctorCmd())
	root.AddCommand(wizardCmd())
	root.AddCommand(backupCmd())
	root.AddCommand(restoreCmd())
	root.AddCommand(installDaemonCmd())
	root.AddCommand(uninstallDaemonCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Initialize config, workspace, and plugins directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgDir := config.DefaultConfigDir()
			cfgPath := config.DefaultConfigPath()
			if err := os.MkdirAll(cfgDir, 0o755); err != nil {
				return err
			}
			cfg := config.Defaults()
			if err := config.Save(cfgPath, cfg); err != nil {
				return err
			}
			for _, dir := range []string{
				config.ExpandPath(cfg.General.Workspace),
				config.ExpandPath(cfg.Plugins.Dir),
			} {
				if err := os.MkdirAll(dir, 0o755); err != nil {
					return err
				}
			}
			logger.Info("initialized", "config", cfgPath, "workspace", cfg.General.Workspace, "plugins", cfg.Plugins.Dir)
			return nil
		},
	}
}

// resolveConfigPath returns the config path from --config flag or default.
func resolveConfigPath() string {
	if configPath != "" {
		return configPath
	}
	return config.DefaultConfigPath()
}

// setupLogger rebuilds the process logger from the loaded config:
// level from general.logLevel, optionally teeing into a log file.
func setupLogger(cfg *config.Config) *slog.Logger {
	var level slog.Level
	switch cfg.General.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	var out io.Writer = os.Stderr
	if cfg.General.LogFile != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.General.LogFile), 0o755); err == nil {
			if f, err := os.OpenFile(cfg.General.LogFile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644); err == nil {
				out = io.MultiWriter(os.Stderr, f)
			}
		}
	}

	return slog.New(slog.NewTextHandler(out, &slog.HandlerOptions{Level: level}))
}

// runtime bundles everything the run and chat commands wire up.
type runtime struct {
	cfg     *config.Config
	bus     *bus.InMemoryBus
	events  *bus.EventBus
	ledger  domain.CreditLedger
	factory *provider.Factory
	runner  *plugin.Runner
	sched   *sched.Scheduler
}

// buildRuntime assembles the ledger, providers, plugin chain, and
// runner from config. The caller owns the returned runtime's lifetime
// and must call close().
func buildRuntime(cfg *config.Config, messageBus *bus.InMemoryBus) (*runtime, error) {
	events := bus.NewEventBus(logger)
	metrics.Observe(events)

	store, err := ledger.NewSQLiteStore(cfg.Ledger.DBPath, cfg.Ledger.DefaultBalance, logger)
	if err != nil {
		return nil, fmt.Errorf("credit ledger: %w", err)
	}
	credits := ledger.WithEvents(store, events)

	factory := provider.NewFactory(cfg, logger)

	manifests, err := plugin.LoadManifests(cfg.Plugins.Dir, cfg.Plugins.Disabled, logger)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("plugin manifests: %w", err)
	}
	if len(manifests) == 0 {
		logger.Warn("no plugin manifests found, nothing will answer", "dir", cfg.Plugins.Dir)
	}

	plugins := plugin.Build(manifests, plugin.Deps{
		Config:    cfg,
		Providers: factory,
		Ledger:    credits,
		Responder: plugin.NewBusResponder(messageBus),
		Renderer:  render.New(render.Config{Logger: logger}),
		Logger:    logger,
	})

	chain := plugin.NewChain(logger, plugins...)
	runner := plugin.NewRunner(chain, messageBus, cfg.General.MaxConcurrentMessages, logger).WithEvents(events)

	rt := &runtime{
		cfg:     cfg,
		bus:     messageBus,
		events:  events,
		ledger:  credits,
		factory: factory,
		runner:  runner,
	}

	if cfg.Sched.Enabled {
		rt.sched = sched.New(messageBus, logger).WithEvents(events)
		rt.sched.FromConfig(cfg.Sched)
	}

	return rt, nil
}

func (rt *runtime) close() {
	if rt.sched != nil {
		rt.sched.Stop()
	}
	rt.bus.Close()
	if err := rt.ledger.Close(); err != nil {
		logger.Error("ledger close failed", "err", err)
	}
}

func chatCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "chat",
		Short: "Talk to the plugin chain from a local REPL",
		RunE:  runChat,
	}
}

func runChat(cmd *cobra.Command, args []string) error {
	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		logger.Warn("config not found, using defaults", "path", cfgPath, "err", err)
		cfg = config.Defaults()
		cfg.Ledger.DBPath = config.ExpandPath(cfg.Ledger.DBPath)
		cfg.Plugins.Dir = config.ExpandPath(cfg.Plugins.Dir)
		cfg.General.Workspace = config.ExpandPath(cfg.General.Workspace)
	}
	logger = setupLogger(cfg)

	if err := os.MkdirAll(cfg.General.Workspace, 0o755); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	messageBus := bus.New(100, logger)
	rt, err := buildRuntime(cfg, messageBus)
	if err != nil {
		return err
	}
	defer rt.close()

	go rt.runner.Run(ctx)
	if rt.sched != nil {
		go rt.sched.Start(ctx)
	}

	cliCh := channel.NewCLI(channel.CLIConfig{Logger: logger})
	return cliCh.Start(ctx, messageBus)
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show runtime status",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			cfg, err := config.Load(cfgPath)
			if err != nil {
				logger.Info("config", "path", cfgPath, "loaded", false, "err", err)
				return nil
			}
			logger.Info("config", "path", cfgPath, "loaded", true)

			factory := provider.NewFactory(cfg, logger)
			logger.Info("providers", "configured", factory.Names())

			manifests, err := plugin.LoadManifests(cfg.Plugins.Dir, cfg.Plugins.Disabled, logger)
			if err != nil {
				logger.Warn("plugins", "dir", cfg.Plugins.Dir, "err", err)
			} else {
				names := make([]string, 0, len(manifests))
				for _, m := range manifests {
					names = append(names, m.Name)
				}
				logger.Info("plugins", "dir", cfg.Plugins.Dir, "manifests", names)
			}

			store, err := ledger.NewSQLiteStore(cfg.Ledger.DBPath, cfg.Ledger.DefaultBalance, logger)
			if err != nil {
				logger.Warn("ledger", "path", cfg.Ledger.DBPath, "reachable", false, "err", err)
			} else {
				store.Close()
				logger.Info("ledger", "path", cfg.Ledger.DBPath, "reachable", true)
			}
			return nil
		},
	}
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "View and modify configuration",
		Long:  "Get, set, and list configuration values. Changes are saved to the config file.",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "get [path]",
		Short: "Get a config value (e.g. channels.wechat.apiBase)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			val, err := config.GetByPath(cfg, args[0])
			if err != nil {
				return err
			}
			data, _ := json.MarshalIndent(val, "", "  ")
			fmt.Println(string(data))
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "set [path] [value]",
		Short: "Set a config value (e.g. ledger.defaultBalance 20)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if err := config.SetByPath(cfg, args[0], args[1]); err != nil {
				return fmt.Errorf("set value: %w", err)
			}
			if err := config.Save(cfgPath, cfg); err != nil {
				return fmt.Errorf("save config: %w", err)
			}
			logger.Info("config updated", "path", args[0], "value", args[1], "file", cfgPath)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List all config values (secrets masked)",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			sanitized := config.Sanitize(cfg)
			data, _ := json.MarshalIndent(sanitized, "", "  ")
			fmt.Println(string(data))
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "path",
		Short: "Show config file path",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(resolveConfigPath())
		},
	})

	return cmd
}

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the gateway: all enabled channels plus the plugin chain",
		Long:  "Starts the WeChat gateway sync, any optional frontends (Telegram, Discord, Slack, webhook ingress), the scheduler, and the plugin chain. Press Ctrl+C to stop.",
		RunE:  runGateway,
	}
}

func runGateway(cmd *cobra.Command, args []string) error {
	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger = setupLogger(cfg)

	// Ensure workspace exists
	if err := os.MkdirAll(cfg.General.Workspace, 0o755); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	messageBus := bus.New(100, logger)
	rt, err := buildRuntime(cfg, messageBus)
	if err != nil {
		return err
	}

	go rt.runner.Run(ctx)
	if rt.sched != nil {
		go rt.sched.Start(ctx)
	}
	if cfg.Metrics.Enabled {
		go metrics.Collector.Serve(ctx, cfg.Metrics.Listen, cfg.Metrics.Endpoint, logger)
	}

	channels := buildChannels(cfg)
	if len(channels) == 0 {
		rt.close()
		return fmt.Errorf("no channels enabled; enable channels.wechat (or another channel) in %s", cfgPath)
	}
	for _, ch := range channels {
		go func(ch domain.Channel) {
			if err := ch.Start(ctx, messageBus); err != nil && ctx.Err() == nil {
				logger.Error("channel error", "channel", ch.Name(), "err", err)
			}
		}(ch)
		logger.Info("channel enabled", "channel", ch.Name())
	}

	logger.Info("wxbot gateway started. Press Ctrl+C to stop.", "version", version)

	// Block until shutdown signal
	<-ctx.Done()
	logger.Info("shutting down gateway...")

	// Graceful shutdown with timeout
	const shutdownTimeout = 10 * time.Second
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for _, ch := range channels {
			if err := ch.Stop(); err != nil {
				logger.Warn("channel stop failed", "channel", ch.Name(), "err", err)
			}
		}
		rt.close()
	}()

	select {
	case <-done:
		logger.Info("shutdown complete")
		return nil
	case <-shutdownCtx.Done():
		logger.Warn("shutdown timed out, forcing exit")
		return fmt.Errorf("shutdown timed out")
	}
}

// buildChannels constructs every enabled channel from config.
func buildChannels(cfg *config.Config) []domain.Channel {
	var channels []domain.Channel

	if wc := cfg.Channels.WeChat; wc.Enabled {
		channels = append(channels, channel.NewWeChat(channel.WeChatChannelConfig{
			Mode:          wc.Mode,
			Listen:        wc.Listen,
			Path:          wc.WebhookPath,
			Secret:        wc.Secret,
			APIBase:       wc.APIBase,
			APIToken:      wc.APIToken,
			WSURL:         wc.WSURL,
			SendPerSecond: wc.SendPerSecond,
			Admins:        cfg.General.Admins,
			Logger:        logger,
		}))
	}

	if tc := cfg.Channels.Telegram; tc.Enabled && tc.Token != "" {
		channels = append(channels, channel.NewTelegram(channel.TelegramConfig{
			Token:     tc.Token,
			AllowFrom: tc.AllowFrom,
			ParseMode: tc.ParseMode,
			Admins:    cfg.General.Admins,
			Logger:    logger,
		}))
	}

	if dc := cfg.Channels.Discord; dc.Enabled && dc.Token != "" {
		channels = append(channels, channel.NewDiscord(channel.DiscordConfig{
			Token:   dc.Token,
			GuildID: dc.GuildID,
			Logger:  logger,
		}))
	}

	if sc := cfg.Channels.Slack; sc.Enabled && sc.BotToken != "" && sc.AppToken != "" {
		channels = append(channels, channel.NewSlack(channel.SlackConfig{
			BotToken: sc.BotToken,
			AppToken: sc.AppToken,
			Logger:   logger,
		}))
	}

	if hc := cfg.Channels.Webhook; hc.Enabled {
		channels = append(channels, channel.NewWebhook(channel.WebhookConfig{
			Port:   hc.Port,
			Path:   hc.Path,
			Secret: hc.Secret,
			Logger: logger,
		}))
	}

	if cfg.Channels.CLI.Enabled {
		channels = append(channels, channel.NewCLI(channel.CLIConfig{Logger: logger}))
	}

	return channels
}
