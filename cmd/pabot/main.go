package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"pabot/internal/config"
	"pabot/internal/cursor"
	"pabot/internal/source"

	"github.com/spf13/cobra"
)

var (
	version    = "0.1.0"
	logger     *slog.Logger
	configPath string // overridable via --config flag
)

func main() {
	logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	root := &cobra.Command{
		Use:   "pabot",
		Short: "PA announcement gateway",
		Long:  "pabot watches a mailbox and a Google Classroom feed for new announcements and reads them out over a voice channel.",
	}

	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config.json (default: ~/.pabot/config.json)")

	root.AddCommand(initCmd())
	root.AddCommand(runCmd())
	root.AddCommand(loginCmd())
	root.AddCommand(resetCmd())
	root.AddCommand(statusCmd())
	root.AddCommand(configCmd())
	root.AddCommand(daemonCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

// resolveConfigPath returns the config path from --config flag or default.
func resolveConfigPath() string {
	if configPath != "" {
		return configPath
	}
	return config.DefaultConfigPath()
}

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Initialize config directory with defaults",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgDir := config.DefaultConfigDir()
			cfgPath := config.DefaultConfigPath()
			if err := os.MkdirAll(cfgDir, 0o755); err != nil {
				return err
			}
			if _, err := os.Stat(cfgPath); err == nil {
				return fmt.Errorf("config already exists: %s", cfgPath)
			}
			if err := config.Save(cfgPath, config.Defaults()); err != nil {
				return err
			}
			logger.Info("initialized", "config", cfgPath)
			return nil
		},
	}
}

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the gateway (pollers, feed, voice session)",
		Long:  "Starts the voice session, then the mailbox and classroom pollers. Press Ctrl+C to stop.",
		RunE:  runGateway,
	}
}

func loginCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "login",
		Short: "Authorize Google Classroom access",
		Long:  "Runs the browser consent flow and stores the Classroom token for later use.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if cfg.Classroom.CredentialsFile == "" {
				return fmt.Errorf("classroom.credentialsFile is not set")
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return source.Login(ctx, cfg.Classroom.CredentialsFile, cfg.Classroom.TokenFile, logger)
		},
	}
}

func resetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reset [source]",
		Short: "Reset stored cursors (mailbox, classroom, or all)",
		Long:  "Forgets the last-seen position so the next run re-baselines. With no argument every source is reset.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			store, err := cursor.NewSQLiteStore(cfg.General.StateDBPath, logger)
			if err != nil {
				return fmt.Errorf("open state db: %w", err)
			}
			defer store.Close()

			targets := []string{source.MailboxSourceID, source.ClassroomSourceID}
			if len(args) == 1 {
				switch args[0] {
				case source.MailboxSourceID, source.ClassroomSourceID:
					targets = []string{args[0]}
				default:
					return fmt.Errorf("unknown source %q (expected mailbox or classroom)", args[0])
				}
			}

			ctx := cmd.Context()
			for _, id := range targets {
				if err := store.Reset(ctx, id); err != nil {
					return fmt.Errorf("reset %s: %w", id, err)
				}
				logger.Info("cursor reset", "source", id)
			}
			return nil
		},
	}
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show configuration and cursor status",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			cfg, err := config.Load(cfgPath)
			if err != nil {
				logger.Info("config", "path", cfgPath, "loaded", false, "err", err)
				return nil
			}
			logger.Info("config", "path", cfgPath, "loaded", true)
			logger.Info("mailbox", "configured", cfg.MailboxConfigured(), "host", cfg.Email.IMAPHost)
			logger.Info("classroom", "enabled", cfg.Classroom.Enabled)

			if missing := config.MissingVoiceFields(cfg.Voice); len(missing) > 0 {
				logger.Warn("voice settings incomplete", "missing", missing)
			} else {
				logger.Info("voice", "channel", cfg.Voice.Channel, "ready", true)
			}

			store, err := cursor.NewSQLiteStore(cfg.General.StateDBPath, logger)
			if err != nil {
				logger.Warn("state db unavailable", "err", err)
				return nil
			}
			defer store.Close()
			positions, err := store.List(cmd.Context())
			if err != nil {
				return fmt.Errorf("list cursors: %w", err)
			}
			if len(positions) == 0 {
				logger.Info("no cursors stored yet")
			}
			for id, pos := range positions {
				logger.Info("cursor", "source", id, "position", float64(pos))
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
		Short: "Get a config value (e.g. polling.emailIntervalSeconds)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolveConfigPath())
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
		Short: "Set a config value (e.g. audio.autoBroadcast true)",
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
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			data, _ := json.MarshalIndent(config.Sanitize(cfg), "", "  ")
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

func daemonCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Manage the system daemon (launchd/systemd)",
	}
	cmd.AddCommand(installDaemonCmd())
	cmd.AddCommand(uninstallDaemonCmd())
	return cmd
}
