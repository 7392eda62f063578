package worker

import (
	"context"
	"errors"

	"github.com/lalithlochan/courier/internal/db"
	"github.com/lalithlochan/courier/internal/sns"
)

// EndpointPublisher publishes to a single SNS platform endpoint.
type EndpointPublisher interface {
	PublishToEndpoint(ctx context.Context, endpointARN, platform string, n sns.Notification) (string, error)
}

// PushChannel delivers push notifications through SNS platform endpoints.
type PushChannel struct {
	publisher EndpointPublisher
}

// NewPushChannel creates the push channel.
func NewPushChannel(publisher EndpointPublisher) *PushChannel {
	return &PushChannel{publisher: publisher}
}

func (c *PushChannel) Name() db.Channel { return db.ChannelPush }

func (c *PushChannel) Deliver(ctx context.Context, job *db.ClaimedJob, payload Payload) (Response, error) {
	target := job.Push
	if target == nil {
		return Response{}, configError("push subscription %s not found", job.TargetID)
	}
	if !target.Active {
		return Response{}, configError("push subscription %s is disabled", target.ID)
	}
	if err := validate.Struct(target); err != nil {
		return Response{}, configError("push subscription %s: %v", target.ID, err)
	}

	p, ok := payload.(PushPayload)
	if !ok {
		return Response{}, configError("unexpected payload %T for push", payload)
	}

	messageID, err := c.publisher.PublishToEndpoint(ctx, target.EndpointARN, target.Platform, sns.Notification{
		Title: p.Title,
		Body:  p.Body,
		URL:   p.URL,
		Badge: p.Badge,
		Data:  p.Data,
	})
	if err != nil {
		return Response{StatusCode: awsStatus(err), Body: Truncate(err.Error(), MaxResponseBody)}, err
	}

	return Response{StatusCode: 200, Body: messageID}, nil
}

// awsStatus extracts the HTTP status carried by AWS SDK response errors.
func awsStatus(err error) int {
	var re interface{ HTTPStatusCode() int }
	if errors.As(err, &re) {
		return re.HTTPStatusCode()
	}
	return 0
}
