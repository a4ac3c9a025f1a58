package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"callrelay-backend/internal/client"
	"callrelay-backend/pkg/config"
	"callrelay-backend/pkg/logger"
)

var version = "1.0.0"

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "relay-client",
	Short: "Relay client - calls, chat, and presence from the terminal",
	Long: `relay-client connects to a call relay as one user and drives the call,
chat, and presence components against it.

Configuration is read from the environment (and a .env file if present):
  RELAY_URL, API_BASE_URL, RELAY_TOKEN, RING_TIMEOUT, ...

Examples:
  relay-client token alice --name Alice     # Mint a development credential
  relay-client status bob                   # Query a user's presence
  relay-client watch bob carol              # Follow presence changes
  relay-client call bob --video             # Place a video call
  relay-client answer                       # Wait for and accept a call
  relay-client send conv-1 "hello"          # Send a chat message
  relay-client tail conv-1                  # Follow a conversation`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		_ = godotenv.Load()
	},
}

func init() {
	rootCmd.AddCommand(tokenCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(setStatusCmd)
	rootCmd.AddCommand(callCmd)
	rootCmd.AddCommand(answerCmd)
	rootCmd.AddCommand(sendCmd)
	rootCmd.AddCommand(tailCmd)

	rootCmd.PersistentFlags().String("token", "", "Relay credential (overrides RELAY_TOKEN)")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "Enable debug logging")
}

// connect loads the client configuration, builds the App, and dials the
// relay. The returned context is cancelled on SIGINT or SIGTERM.
func connect(cmd *cobra.Command) (*client.App, context.Context, context.CancelFunc, error) {
	cfg, err := loadClientConfig(cmd)
	if err != nil {
		return nil, nil, nil, err
	}

	app, err := client.New(cfg, logDevices{})
	if err != nil {
		return nil, nil, nil, err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	if err := app.Connect(ctx); err != nil {
		stop()
		_ = app.Close()
		return nil, nil, nil, fmt.Errorf("failed to connect to %s: %w", cfg.RelayURL, err)
	}

	cleanup := func() {
		stop()
		if err := app.Close(); err != nil {
			logger.Warn("Close failed", zap.Error(err))
		}
		_ = logger.Sync()
	}
	return app, ctx, cleanup, nil
}

func loadClientConfig(cmd *cobra.Command) (*config.ClientConfig, error) {
	cfg, err := config.LoadClient()
	if err != nil {
		return nil, err
	}

	if token, _ := cmd.Flags().GetString("token"); token != "" {
		cfg.Token = token
	}
	if cfg.Token == "" {
		return nil, fmt.Errorf("no credential: set RELAY_TOKEN or pass --token")
	}

	if verbose, _ := cmd.Flags().GetBool("verbose"); verbose {
		cfg.Log.Level = "debug"
	}
	if err := logger.Init(&logger.Config{
		Level:    cfg.Log.Level,
		Format:   cfg.Log.Format,
		Output:   cfg.Log.Output,
		FilePath: cfg.Log.FilePath,
	}); err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	return cfg, nil
}
