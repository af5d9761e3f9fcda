// Command optionbot is the entry point for the index option bot. It loads
// configuration, validates it, wires dependencies, sets up signal handling, and
// starts the application in the configured mode.
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/alanyoungcy/optionbot/internal/app"
	"github.com/alanyoungcy/optionbot/internal/config"
	"github.com/alanyoungcy/optionbot/internal/crypto"
)

var (
	version    = "dev"
	configPath string
)

func main() {
	rootCmd := &cobra.Command{
		Use:          "optionbot",
		Short:        "Index option trading bot with broker-side stop-losses",
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "config.toml", "path to configuration file")

	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(archiveCmd())
	rootCmd.AddCommand(encryptSecretCmd())
	rootCmd.AddCommand(versionCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func runCmd() *cobra.Command {
	var mode string
	var dryRun bool
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the bot in the configured mode (trade, monitor or archive)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return start(func(cfg *config.Config) {
				if mode != "" {
					cfg.Mode = mode
				}
				if dryRun {
					cfg.DryRun = true
				}
			})
		},
	}
	cmd.Flags().StringVar(&mode, "mode", "", "override the configured mode")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "log orders instead of sending them")
	return cmd
}

func archiveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "archive",
		Short: "Export closed positions older than the retention window to S3",
		RunE: func(cmd *cobra.Command, args []string) error {
			return start(func(cfg *config.Config) { cfg.Mode = "archive" })
		},
	}
}

func encryptSecretCmd() *cobra.Command {
	var label, out string
	cmd := &cobra.Command{
		Use:   "encrypt-secret",
		Short: "Seal a credential read from stdin with OPTIONBOT_SECRET_PASSWORD",
		RunE: func(cmd *cobra.Command, args []string) error {
			password := os.Getenv("OPTIONBOT_SECRET_PASSWORD")
			if password == "" {
				return errors.New("OPTIONBOT_SECRET_PASSWORD is not set")
			}
			secret, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
			if err != nil && strings.TrimSpace(secret) == "" {
				return fmt.Errorf("read secret from stdin: %w", err)
			}
			blob, err := crypto.EncryptSecret(label, secret, password)
			if err != nil {
				return err
			}
			if err := os.WriteFile(out, blob, 0o600); err != nil {
				return fmt.Errorf("write %s: %w", out, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "sealed secret written to %s\n", out)
			return nil
		},
	}
	cmd.Flags().StringVar(&label, "label", "", "label bound to the ciphertext (e.g. broker, gateway)")
	cmd.Flags().StringVarP(&out, "out", "o", "secret.json", "output file")
	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "optionbot %s\n", version)
		},
	}
}

// start loads and validates the configuration, applies override, and runs the
// application until it finishes or a shutdown signal arrives.
func start(override func(*config.Config)) error {
	// Setup structured JSON logger.
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	cfg, err := config.Load(configPath)
	if err != nil {
		logger.Error("failed to load config",
			slog.String("path", configPath),
			slog.String("error", err.Error()),
		)
		return err
	}
	override(cfg)

	logger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: parseLevel(cfg.LogLevel),
	}))
	slog.SetDefault(logger)

	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", slog.String("error", err.Error()))
		return err
	}

	logger.Info("option bot starting",
		slog.String("mode", cfg.Mode),
		slog.String("config", configPath),
		slog.Any("settings", config.RedactedConfig(cfg)),
	)

	application := app.New(cfg, logger)
	defer application.Close()

	// Setup signal handling for graceful shutdown.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := application.Run(ctx); err != nil {
		logger.Error("application exited with error", slog.String("error", err.Error()))
		return err
	}

	logger.Info("option bot stopped")
	return nil
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
