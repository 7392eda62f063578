package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/lalithlochan/courier/internal/db"
	"github.com/lalithlochan/courier/internal/sqs"
)

func newTriggerCmd() *cobra.Command {
	var channel string

	cmd := &cobra.Command{
		Use:   "trigger",
		Short: "Send a dispatch trigger for a channel to the SQS trigger queue",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, ok := db.ParseChannel(channel); !ok {
				return fmt.Errorf("%w: %q", db.ErrUnknownChannel, channel)
			}

			a, cleanup, err := bootstrap(cmd.Context())
			if err != nil {
				return err
			}
			defer cleanup()

			if a.Config.SQSTriggerURL == "" {
				return errors.New("SQS_TRIGGER_QUEUE_URL is required for trigger")
			}

			id, err := sqs.NewTriggerProducer(sqs.NewClient(a.AWS), a.Config.SQSTriggerURL).Send(cmd.Context(), channel)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "trigger sent: %s\n", id)
			return nil
		},
	}

	cmd.Flags().StringVarP(&channel, "channel", "c", "", "channel to trigger")
	_ = cmd.MarkFlagRequired("channel")
	return cmd
}
