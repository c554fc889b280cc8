// Package cli implements the contratweak command line.
package cli

import (
	"context"
	"log/slog"
	"os"
	"os/signal"

	"github.com/spf13/cobra"
)

var (
	cfgFile string
	server  string
	apiKey  string
	verbose bool
)

// Execute runs the CLI
func Execute(version string) error {
	rootCmd := &cobra.Command{
		Use:   "contratweak",
		Short: "Recompile and hot-swap deployed contracts on a fork",
		Long: `contratweak rebuilds a cloned contract from modified sources, checks that the new
storage layout is compatible with the deployed one, and replaces the code at the
original address on a local fork node.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: contratweak.toml or .contratweak.toml)")
	rootCmd.PersistentFlags().StringVar(&server, "server", "", "server URL for remote commands (default from config)")
	rootCmd.PersistentFlags().StringVar(&apiKey, "api-key", "", "API key for authentication")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "log pipeline progress")

	rootCmd.AddCommand(createTweakCmd())
	rootCmd.AddCommand(createCheckCmd())
	rootCmd.AddCommand(createLayoutCmd())
	rootCmd.AddCommand(createConfigCmd())
	rootCmd.AddCommand(createAuthCmd())
	rootCmd.AddCommand(createRemoteCmd())

	// Ctrl-C cancels in-flight RPC calls and compiler runs
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	return rootCmd.ExecuteContext(ctx)
}

// newLogger writes progress to stderr so stdout stays parseable.
func newLogger() *slog.Logger {
	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// getServer returns the server URL from flag, env, config file, or global config
func getServer() string {
	// 1. Command line flag
	if server != "" {
		return server
	}

	// 2. Environment variable
	if env := os.Getenv("CONTRATWEAK_SERVER"); env != "" {
		return env
	}

	// 3. Project config file (TOML)
	if config := loadProjectConfigSilent(); config != nil && config.Server != "" {
		return config.Server
	}

	// 4. Global config (YAML)
	if global := loadGlobalConfig(); global.Server != "" {
		return global.Server
	}

	return "http://localhost:8080"
}

// getAPIKey returns the API key from flag, env, or credentials file
func getAPIKey() string {
	if apiKey != "" {
		return apiKey
	}

	if env := os.Getenv("CONTRATWEAK_API_KEY"); env != "" {
		return env
	}

	// Credentials file (keyed by server URL)
	return getCredential(getServer())
}
