package sqs

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"go.uber.org/zap"

	"github.com/lalithlochan/courier/internal/db"
)

// DeadLetter is the notice published when a job exhausts its retries.
type DeadLetter struct {
	JobID          string          `json:"job_id"`
	TenantID       string          `json:"tenant_id"`
	Channel        string          `json:"channel"`
	EventType      string          `json:"event_type,omitempty"`
	TargetID       string          `json:"target_id"`
	Attempts       int             `json:"attempts"`
	LastError      string          `json:"last_error"`
	ResponseStatus *int            `json:"response_status,omitempty"`
	Payload        json.RawMessage `json:"payload"`
	FailedAt       int64           `json:"failed_at"`
}

// DeadLetterProducer publishes dead-letter notices.
type DeadLetterProducer struct {
	client   API
	queueURL string
	logger   *zap.Logger
	now      func() time.Time
}

// NewDeadLetterProducer creates a producer for queueURL.
func NewDeadLetterProducer(client API, queueURL string, logger *zap.Logger) *DeadLetterProducer {
	logger.Info("sqs dead-letter producer initialized",
		zap.String("queue_url", queueURL),
	)
	return &DeadLetterProducer{
		client:   client,
		queueURL: queueURL,
		logger:   logger,
		now:      time.Now,
	}
}

// PublishDeadLetter sends a notice for a permanently failed job.
func (p *DeadLetterProducer) PublishDeadLetter(ctx context.Context, job *db.DeliveryJob, lastError string) error {
	notice := DeadLetter{
		JobID:          job.ID.String(),
		TenantID:       job.TenantID.String(),
		Channel:        string(job.Channel),
		EventType:      job.EventType,
		TargetID:       job.TargetID.String(),
		Attempts:       job.AttemptNumber,
		LastError:      lastError,
		ResponseStatus: job.ResponseStatus,
		Payload:        job.Payload,
		FailedAt:       p.now().Unix(),
	}

	body, err := json.Marshal(notice)
	if err != nil {
		return fmt.Errorf("failed to marshal dead letter: %w", err)
	}

	attrs := traceAttributes(ctx, map[string]types.MessageAttributeValue{
		"channel": {DataType: aws.String("String"), StringValue: aws.String(string(job.Channel))},
	})

	result, err := p.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:          aws.String(p.queueURL),
		MessageBody:       aws.String(string(body)),
		MessageAttributes: attrs,
	})
	if err != nil {
		p.logger.Error("failed to send dead letter",
			zap.Error(err),
			zap.String("job_id", notice.JobID),
		)
		return fmt.Errorf("sqs send failed: %w", err)
	}

	p.logger.Info("dead letter published",
		zap.String("job_id", notice.JobID),
		zap.String("channel", notice.Channel),
		zap.String("message_id", aws.ToString(result.MessageId)),
	)
	return nil
}
