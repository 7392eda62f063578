package main

import (
	"context"
	"errors"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/lalithlochan/courier/internal/sqs"
)

func newListenCmd() *cobra.Command {
	var (
		maxMessages int32
		waitSeconds int32
	)

	cmd := &cobra.Command{
		Use:   "listen",
		Short: "Consume dispatch triggers from the SQS trigger queue",
		Long: `listen long-polls SQS_TRIGGER_QUEUE_URL and runs one batch for the
channel named in each message. It stops on SIGINT or SIGTERM.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, cleanup, err := bootstrap(cmd.Context())
			if err != nil {
				return err
			}
			defer cleanup()

			if a.Config.SQSTriggerURL == "" {
				return errors.New("SQS_TRIGGER_QUEUE_URL is required for listen")
			}

			visibility := sqs.VisibilityTimeoutFor(maxMessages, a.Config.BatchSize, a.Config.Concurrency, a.Config.RequestTimeout)
			consumer := sqs.NewTriggerConsumer(sqs.NewClient(a.AWS), sqs.ConsumerConfig{
				QueueURL:          a.Config.SQSTriggerURL,
				MaxMessages:       maxMessages,
				WaitTimeSeconds:   waitSeconds,
				VisibilityTimeout: visibility,
			}, a.Logger)

			a.Logger.Info("listening for dispatch triggers",
				zap.String("queue_url", a.Config.SQSTriggerURL),
			)

			err = consumer.Run(cmd.Context(), func(ctx context.Context, channel string) error {
				summary, err := a.Registry.Run(ctx, channel)
				if err != nil {
					return err
				}
				a.Logger.Info("batch complete",
					zap.String("channel", channel),
					zap.Int("processed", summary.Processed),
				)
				return nil
			})
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}

	cmd.Flags().Int32Var(&maxMessages, "max-messages", 5, "messages per receive call (1-10)")
	cmd.Flags().Int32Var(&waitSeconds, "wait", 20, "long-poll wait in seconds")
	return cmd
}
