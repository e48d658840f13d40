package main

import (
	"context"
	"database/sql"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"wxbot/internal/config"
	"wxbot/internal/plugin"

	"github.com/spf13/cobra"
	_ "modernc.org/sqlite"
)

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Run diagnostic checks on your wxbot installation",
		Long: `Verifies that wxbot's configuration, providers, credit ledger, plugin
manifests, and workspace are correctly set up. Reports pass/fail for each check.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			fmt.Printf("wxbot Doctor v%s\n", version)
			fmt.Printf("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n\n")

			passed := 0
			failed := 0
			warned := 0

			// 1. Config file exists
			if _, err := os.Stat(cfgPath); err != nil {
				printFail("Config file", fmt.Sprintf("not found at %s", cfgPath))
				failed++
				fmt.Printf("\nRun 'wxbot init' to create a default configuration.\n")
				return nil
			}
			printPass("Config file", cfgPath)
			passed++

			// 2. Config loads and validates
			cfg, err := config.Load(cfgPath)
			if err != nil {
				printFail("Config validation", err.Error())
				failed++
			} else {
				printPass("Config validation", "valid")
				passed++
			}

			if cfg == nil {
				fmt.Printf("\n%d passed, %d failed\n", passed, failed)
				return nil
			}

			// 3. Workspace directory exists
			if cfg.General.Workspace != "" {
				if info, err := os.Stat(cfg.General.Workspace); err != nil {
					printFail("Workspace", fmt.Sprintf("not found: %s", cfg.General.Workspace))
					failed++
				} else if !info.IsDir() {
					printFail("Workspace", fmt.Sprintf("not a directory: %s", cfg.General.Workspace))
					failed++
				} else {
					printPass("Workspace", cfg.General.Workspace)
					passed++
				}
			} else {
				printWarn("Workspace", "not configured (using current directory)")
				warned++
			}

			// 4. Ledger database writable
			dbPath := cfg.Ledger.DBPath
			if dbPath == "" {
				home, _ := os.UserHomeDir()
				dbPath = filepath.Join(home, ".wxbot", "ledger.db")
			}
			if err := checkDatabase(dbPath); err != nil {
				printFail("Credit ledger", err.Error())
				failed++
			} else {
				printPass("Credit ledger", dbPath)
				passed++
			}

			// 5. Check providers. Presence in the providers map is what
			// makes a provider available; a key with neither endpoint nor
			// credential is almost certainly a mistake.
			if len(cfg.Providers) == 0 {
				printFail("Providers", "no providers configured")
				failed++
			}
			for name, p := range cfg.Providers {
				if p.APIKey == "" && p.APIBase == "" {
					printWarn("Provider: "+name, "configured but no API key/base set")
					warned++
				} else {
					printPass("Provider: "+name, "configured")
					passed++
				}
			}

			// 6. Plugin manifests load
			manifests, err := plugin.LoadManifests(cfg.Plugins.Dir, cfg.Plugins.Disabled, logger)
			if err != nil {
				printFail("Plugins", err.Error())
				failed++
			} else if len(manifests) == 0 {
				printWarn("Plugins", fmt.Sprintf("no manifests in %s; nothing will answer", cfg.Plugins.Dir))
				warned++
			} else {
				printPass("Plugins", fmt.Sprintf("%d manifest(s) loaded", len(manifests)))
				passed++
			}

			// 7. Check ports
			if wc := cfg.Channels.WeChat; wc.Enabled && wc.Mode != "websocket" {
				if err := checkAddr(wc.Listen); err != nil {
					printWarn("WeChat webhook", fmt.Sprintf("%s may be in use: %v", wc.Listen, err))
					warned++
				} else {
					printPass("WeChat webhook", wc.Listen+" available")
					passed++
				}
			}

			if hc := cfg.Channels.Webhook; hc.Enabled {
				port := hc.Port
				if port == 0 {
					port = 8090
				}
				if err := checkAddr(fmt.Sprintf(":%d", port)); err != nil {
					printWarn("Webhook port", fmt.Sprintf("port %d may be in use: %v", port, err))
					warned++
				} else {
					printPass("Webhook port", fmt.Sprintf(":%d available", port))
					passed++
				}
			}

			if cfg.Metrics.Enabled {
				if err := checkAddr(cfg.Metrics.Listen); err != nil {
					printWarn("Metrics port", fmt.Sprintf("%s may be in use: %v", cfg.Metrics.Listen, err))
					warned++
				} else {
					printPass("Metrics port", cfg.Metrics.Listen+" available")
					passed++
				}
			}

			// 8. Check log file writable
			if cfg.General.LogFile != "" {
				if err := os.MkdirAll(filepath.Dir(cfg.General.LogFile), 0o755); err != nil {
					printWarn("Log file", fmt.Sprintf("cannot create log directory: %v", err))
					warned++
				} else {
					printPass("Log file", cfg.General.LogFile)
					passed++
				}
			}

			// Summary
			fmt.Printf("\n━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n")
			fmt.Printf("Results: %d passed, %d warnings, %d failed\n", passed, warned, failed)
			if failed > 0 {
				fmt.Printf("\nPlease fix the failed checks before running wxbot.\n")
				return fmt.Errorf("%d check(s) failed", failed)
			}
			if warned > 0 {
				fmt.Printf("\nwxbot should work but consider fixing the warnings.\n")
			} else {
				fmt.Printf("\nAll checks passed! wxbot is ready to run.\n")
			}
			return nil
		},
	}
}

func checkDatabase(dbPath string) error {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return fmt.Errorf("cannot create database directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return fmt.Errorf("cannot open: %w", err)
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("cannot ping: %w", err)
	}

	// Try a write.
	if _, err := db.ExecContext(ctx, "CREATE TABLE IF NOT EXISTS _doctor_test (id INTEGER PRIMARY KEY)"); err != nil {
		return fmt.Errorf("not writable: %w", err)
	}
	db.ExecContext(ctx, "DROP TABLE IF EXISTS _doctor_test")

	return nil
}

func checkAddr(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	ln.Close()
	return nil
}

func printPass(check, detail string) {
	fmt.Printf("  [PASS] %-20s %s\n", check, detail)
}

func printFail(check, detail string) {
	fmt.Printf("  [FAIL] %-20s %s\n", check, detail)
}

func printWarn(check, detail string) {
	fmt.Printf("  [WARN] %-20s %s\n", check, detail)
}
