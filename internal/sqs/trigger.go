package sqs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"go.uber.org/zap"

	"github.com/lalithlochan/courier/internal/metrics"
)

// Trigger asks a listener to run one dispatch batch for Channel.
type Trigger struct {
	Channel string `json:"channel"`
}

// Handler runs the batch named by a trigger.
type Handler func(ctx context.Context, channel string) error

// TriggerProducer enqueues dispatch triggers.
type TriggerProducer struct {
	client   API
	queueURL string
}

// NewTriggerProducer creates a trigger producer for queueURL.
func NewTriggerProducer(client API, queueURL string) *TriggerProducer {
	return &TriggerProducer{client: client, queueURL: queueURL}
}

// Send enqueues a trigger for channel.
func (p *TriggerProducer) Send(ctx context.Context, channel string) (string, error) {
	body, err := json.Marshal(Trigger{Channel: channel})
	if err != nil {
		return "", fmt.Errorf("failed to marshal trigger: %w", err)
	}

	result, err := p.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:          aws.String(p.queueURL),
		MessageBody:       aws.String(string(body)),
		MessageAttributes: traceAttributes(ctx, map[string]types.MessageAttributeValue{}),
	})
	if err != nil {
		return "", fmt.Errorf("sqs send failed: %w", err)
	}
	return aws.ToString(result.MessageId), nil
}

// MaxVisibilityTimeout is the SQS upper bound, in seconds.
const MaxVisibilityTimeout = 43200

const (
	// outcomeAllowance covers the store writes after each delivery round.
	outcomeAllowance = 5 * time.Second
	visibilityMargin = 30 * time.Second
)

// VisibilityTimeoutFor returns how many seconds a received set of messages
// must stay hidden. Messages are handled one after another, each running a
// dispatch batch of batchSize jobs in rounds of concurrency, and every
// round may take up to requestTimeout.
func VisibilityTimeoutFor(messages int32, batchSize, concurrency int, requestTimeout time.Duration) int32 {
	if messages <= 0 || messages > 10 {
		messages = 10
	}
	batchSize = max(batchSize, 1)
	concurrency = max(concurrency, 1)

	rounds := (batchSize + concurrency - 1) / concurrency
	perBatch := time.Duration(rounds) * (requestTimeout + outcomeAllowance)
	total := time.Duration(messages)*perBatch + visibilityMargin

	secs := int64((total + time.Second - 1) / time.Second)
	if secs > MaxVisibilityTimeout {
		return MaxVisibilityTimeout
	}
	return int32(secs)
}

// ConsumerConfig tunes long polling.
type ConsumerConfig struct {
	QueueURL          string
	MaxMessages       int32
	WaitTimeSeconds   int32
	// VisibilityTimeout defaults to VisibilityTimeoutFor with the dispatcher
	// defaults of 25 jobs, 4 workers and a 10s request timeout.
	VisibilityTimeout int32
	// ErrorBackoff is the pause after a failed receive.
	ErrorBackoff time.Duration
}

// TriggerConsumer long-polls the trigger queue and hands each message to a
// Handler.
type TriggerConsumer struct {
	client API
	config ConsumerConfig
	logger *zap.Logger
}

// NewTriggerConsumer creates a consumer.
func NewTriggerConsumer(client API, cfg ConsumerConfig, logger *zap.Logger) *TriggerConsumer {
	if cfg.MaxMessages <= 0 || cfg.MaxMessages > 10 {
		cfg.MaxMessages = 10
	}
	if cfg.WaitTimeSeconds <= 0 {
		cfg.WaitTimeSeconds = 20
	}
	if cfg.VisibilityTimeout <= 0 {
		cfg.VisibilityTimeout = VisibilityTimeoutFor(cfg.MaxMessages, 25, 4, 10*time.Second)
	}
	if cfg.ErrorBackoff <= 0 {
		cfg.ErrorBackoff = 5 * time.Second
	}

	logger.Info("sqs trigger consumer initialized",
		zap.String("queue_url", cfg.QueueURL),
		zap.Int32("visibility_timeout", cfg.VisibilityTimeout),
	)
	return &TriggerConsumer{client: client, config: cfg, logger: logger}
}

// Run polls until ctx is cancelled. A message is deleted only after its
// handler succeeds; otherwise it becomes visible again and is retried.
func (c *TriggerConsumer) Run(ctx context.Context, handle Handler) error {
	for {
		if ctx.Err() != nil {
			return nil
		}

		n, err := c.Poll(ctx, handle)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			c.logger.Warn("sqs receive failed", zap.Error(err))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(c.config.ErrorBackoff):
			}
			continue
		}
		if n > 0 {
			c.logger.Debug("trigger messages processed", zap.Int("count", n))
		}
	}
}

// Poll receives one batch of messages and handles them in order. It returns
// the number of messages received.
func (c *TriggerConsumer) Poll(ctx context.Context, handle Handler) (int, error) {
	out, err := c.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:              aws.String(c.config.QueueURL),
		MaxNumberOfMessages:   c.config.MaxMessages,
		WaitTimeSeconds:       c.config.WaitTimeSeconds,
		VisibilityTimeout:     c.config.VisibilityTimeout,
		MessageAttributeNames: []string{"All"},
	})
	if err != nil {
		return 0, fmt.Errorf("sqs receive failed: %w", err)
	}

	metrics.SetSQSMessagesInFlight(len(out.Messages))
	defer metrics.SetSQSMessagesInFlight(0)

	for _, msg := range out.Messages {
		c.handle(ctx, msg, handle)
	}
	return len(out.Messages), nil
}

func (c *TriggerConsumer) handle(ctx context.Context, msg types.Message, handle Handler) {
	logger := c.logger.With(zap.String("message_id", aws.ToString(msg.MessageId)))

	var t Trigger
	if err := json.Unmarshal([]byte(aws.ToString(msg.Body)), &t); err != nil || t.Channel == "" {
		// Malformed triggers would otherwise loop until the queue's redrive
		// policy moves them.
		logger.Error("dropping malformed trigger", zap.Error(err))
		c.delete(ctx, msg, logger)
		return
	}

	if err := handle(traceContext(ctx, msg.MessageAttributes), t.Channel); err != nil {
		logger.Warn("trigger handler failed, leaving message for redelivery",
			zap.String("channel", t.Channel),
			zap.Error(err),
		)
		return
	}
	c.delete(ctx, msg, logger)
}

func (c *TriggerConsumer) delete(ctx context.Context, msg types.Message, logger *zap.Logger) {
	_, err := c.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(c.config.QueueURL),
		ReceiptHandle: msg.ReceiptHandle,
	})
	if err != nil {
		logger.Warn("sqs delete failed", zap.Error(err))
	}
}
