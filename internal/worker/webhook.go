package worker

import (
	"context"
	"net/http"
	"time"

	"github.com/lalithlochan/courier/internal/db"
	"github.com/lalithlochan/courier/internal/signing"
)

// WebhookChannel POSTs the raw event JSON to a tenant's registered URL,
// signed with the registration secret.
type WebhookChannel struct {
	client *http.Client
	now    func() time.Time
}

// NewWebhookChannel creates the generic webhook channel.
func NewWebhookChannel(timeout time.Duration) *WebhookChannel {
	return &WebhookChannel{client: newHTTPClient(timeout), now: time.Now}
}

func (c *WebhookChannel) Name() db.Channel { return db.ChannelWebhook }

func (c *WebhookChannel) Deliver(ctx context.Context, job *db.ClaimedJob, payload Payload) (Response, error) {
	target := job.Webhook
	if target == nil {
		return Response{}, configError("webhook registration %s not found", job.TargetID)
	}
	if !target.Active {
		return Response{}, configError("webhook registration %s is disabled", target.ID)
	}
	if err := validate.Struct(target); err != nil {
		return Response{}, configError("webhook registration %s: %v", target.ID, err)
	}

	p, ok := payload.(WebhookPayload)
	if !ok {
		return Response{}, configError("unexpected payload %T for webhook", payload)
	}

	now := c.now()
	return sendJSON(ctx, c.client, http.MethodPost, target.URL, p.Data, func(req *http.Request) {
		signing.SignRequest(req, target.Secret, job.EventType, p.Data, now)
		req.Header.Set("X-Webhook-Delivery", job.ID.String())
	})
}
