// Package main is the CLI entry point for relay, a multi-provider LLM
// dispatch and conversation orchestration engine.
//
// Start the engine with its metrics endpoint:
//
//	relay serve --config relay.yaml
//
// One-shot prompt from the terminal:
//
//	relay chat "summarize this repo"
//
// Credentials come from the environment (ANTHROPIC_API_KEY, OPENAI_API_KEY,
// GEMINI_API_KEY, ...) or from api_key entries in the config file.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Build information, populated by ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

var configPath string

func main() {
	root := &cobra.Command{
		Use:   "relay",
		Short: "Multi-provider LLM dispatch engine",
		Long:  "Relay routes conversations across Anthropic, OpenAI-compatible, Google, and local model providers with caching, retry, failover, and an agentic tool loop.",
	}
	root.PersistentFlags().StringVar(&configPath, "config", os.Getenv("RELAY_CONFIG"), "path to relay.yaml")

	root.AddCommand(newServeCmd())
	root.AddCommand(newChatCmd())
	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("relay %s (commit %s, built %s)\n", version, commit, date)
		},
	})

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
