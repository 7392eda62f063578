// Package alert notifies operators about unhealthy delivery targets.
package alert

import (
	"context"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ses"
	"github.com/aws/aws-sdk-go-v2/service/ses/types"
	"go.uber.org/zap"

	"github.com/lalithlochan/courier/internal/db"
)

// SESAPI is the subset of the SES client used here.
type SESAPI interface {
	SendEmail(ctx context.Context, params *ses.SendEmailInput, optFns ...func(*ses.Options)) (*ses.SendEmailOutput, error)
}

// Config holds sender and recipient addresses.
type Config struct {
	FromEmail string
	ToEmail   string
}

// SESNotifier emails an alert when a webhook target keeps failing.
type SESNotifier struct {
	client SESAPI
	config Config
	logger *zap.Logger
}

// NewSESNotifier creates a notifier.
func NewSESNotifier(client SESAPI, cfg Config, logger *zap.Logger) *SESNotifier {
	return &SESNotifier{client: client, config: cfg, logger: logger}
}

// NewSESClient builds an SES client from a loaded AWS config.
func NewSESClient(awsCfg aws.Config) *ses.Client {
	return ses.NewFromConfig(awsCfg)
}

// AlertTargetUnhealthy sends one alert for target after failures
// consecutive failed deliveries.
func (n *SESNotifier) AlertTargetUnhealthy(ctx context.Context, target *db.WebhookTarget, failures int) error {
	subject := fmt.Sprintf("Webhook endpoint failing: %d consecutive errors", failures)
	body := renderBody(target, failures)

	input := &ses.SendEmailInput{
		Source: aws.String(n.config.FromEmail),
		Destination: &types.Destination{
			ToAddresses: []string{n.config.ToEmail},
		},
		Message: &types.Message{
			Subject: &types.Content{
				Data:    aws.String(subject),
				Charset: aws.String("UTF-8"),
			},
			Body: &types.Body{
				Text: &types.Content{
					Data:    aws.String(body),
					Charset: aws.String("UTF-8"),
				},
			},
		},
	}

	result, err := n.client.SendEmail(ctx, input)
	if err != nil {
		return fmt.Errorf("ses send failed: %w", err)
	}

	n.logger.Info("target health alert sent",
		zap.String("target_id", target.ID.String()),
		zap.Int("failures", failures),
		zap.String("message_id", aws.ToString(result.MessageId)),
	)
	return nil
}

func renderBody(target *db.WebhookTarget, failures int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "The webhook endpoint below has failed %d deliveries in a row.\n\n", failures)
	fmt.Fprintf(&b, "Tenant:   %s\n", target.TenantID)
	fmt.Fprintf(&b, "Endpoint: %s\n", target.ID)
	fmt.Fprintf(&b, "URL:      %s\n", redactURL(target.URL))
	if target.LastSuccessAt != nil {
		fmt.Fprintf(&b, "Last success: %s\n", target.LastSuccessAt.UTC().Format("2006-01-02 15:04 MST"))
	} else {
		b.WriteString("Last success: never\n")
	}
	b.WriteString("\nDeliveries keep retrying on schedule. Check the receiving service or disable the endpoint.\n")
	return b.String()
}

// redactURL drops query strings, which often carry tokens.
func redactURL(raw string) string {
	if i := strings.IndexAny(raw, "?#"); i >= 0 {
		return raw[:i]
	}
	return raw
}
