package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

func newRunCmd() *cobra.Command {
	var channel string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Process one batch for a channel and print the summary",
		Example: `  dispatch run --channel webhook
  dispatch run -c calendar`,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, cleanup, err := bootstrap(cmd.Context())
			if err != nil {
				return err
			}
			defer cleanup()

			summary, err := a.Registry.Run(cmd.Context(), channel)
			if err != nil {
				return fmt.Errorf("dispatch %s: %w", channel, err)
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(summary)
		},
	}

	cmd.Flags().StringVarP(&channel, "channel", "c", "", "channel to dispatch (webhook, chat, push, calendar)")
	_ = cmd.MarkFlagRequired("channel")
	return cmd
}
