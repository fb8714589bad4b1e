package main

import (
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/haasonsaas/relay/internal/agent"
)

func newChatCmd() *cobra.Command {
	var model string
	var stream bool

	cmd := &cobra.Command{
		Use:   "chat [prompt]",
		Short: "Send one prompt and print the response",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			rt, err := wire(ctx, configPath)
			if err != nil {
				return err
			}

			prompt := strings.Join(args, " ")
			opts := agent.ProcessOptions{ModelOverride: model}

			if stream {
				events, err := rt.engine.StreamMessage(ctx, "cli", prompt, opts)
				if err != nil {
					return err
				}
				for ev := range events {
					switch ev.Type {
					case agent.EventText:
						fmt.Print(ev.Text)
					case agent.EventError:
						return ev.Err
					case agent.EventDone:
						fmt.Println()
					}
				}
				return nil
			}

			text, err := rt.engine.ProcessMessage(ctx, "cli", prompt, opts)
			if text != "" {
				fmt.Println(text)
			}
			if err != nil {
				// The rendered text already explains the failure.
				os.Exit(1)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&model, "model", "", "provider/model override, e.g. anthropic/claude-haiku-4-5")
	cmd.Flags().BoolVar(&stream, "stream", false, "stream the response as it arrives")
	return cmd
}
