package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var (
	version = "0.1.0"

	// Global flags
	configPath string
	verbose    bool
)

var rootCmd = &cobra.Command{
	Use:   "streamwise",
	Short: "Streamwise - streaming chat client for OpenAI-compatible models",
	Long: `Streamwise keeps a local history of conversations and streams assistant
replies from the OpenAI Responses API or any OpenAI-compatible endpoint.

Run without arguments to start the interactive chat.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runChat(cmd, args)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to configuration file (JSON, YAML or TOML)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")

	conversationsCmd.AddCommand(conversationsListCmd, conversationsDeleteCmd)
	keysCmd.AddCommand(keysAddCmd, keysListCmd, keysRemoveCmd, keysUseCmd)

	keysAddCmd.Flags().String("name", "", "Display name for the key")
	keysAddCmd.Flags().String("provider", "openai", "Provider: openai or custom")
	keysAddCmd.Flags().String("base-url", "", "Base URL for a custom OpenAI-compatible endpoint")
	exportCmd.Flags().StringP("format", "f", "json", "Export format: json or markdown")
	exportCmd.Flags().StringP("output", "o", "", "Output file (default: generated name in the current directory)")
	exportCmd.Flags().Bool("all", false, "Export every conversation as one JSON file")
	serveCmd.Flags().String("addr", "", "Listen address (default from config)")

	rootCmd.AddCommand(
		chatCmd,
		serveCmd,
		conversationsCmd,
		keysCmd,
		exportCmd,
		importCmd,
		vacuumCmd,
	)
}

func main() {
	prepareConsole()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
