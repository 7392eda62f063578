package sns

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sns"
)

// Platforms supported by PublishToEndpoint.
const (
	PlatformAPNS = "apns"
	PlatformFCM  = "fcm"
)

// ErrUnsupportedPlatform is returned for a platform without a message shape.
var ErrUnsupportedPlatform = errors.New("unsupported push platform")

// API is the subset of the SNS client used here.
type API interface {
	Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

// Publisher sends push notifications to SNS platform application endpoints.
type Publisher struct {
	client API
}

// Notification is the platform-neutral content of a push message.
type Notification struct {
	Title string
	Body  string
	URL   string
	Badge int
	Data  map[string]string
}

// NewPublisher creates a publisher from a loaded AWS config. A non-empty
// endpoint overrides the SNS endpoint (LocalStack).
func NewPublisher(awsCfg aws.Config, endpoint string) *Publisher {
	client := sns.NewFromConfig(awsCfg, func(o *sns.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
	})
	return &Publisher{client: client}
}

// NewPublisherWithClient wraps an existing client.
func NewPublisherWithClient(client API) *Publisher {
	return &Publisher{client: client}
}

// PublishToEndpoint delivers n to a single device endpoint and returns the
// SNS message id.
func (p *Publisher) PublishToEndpoint(ctx context.Context, endpointARN, platform string, n Notification) (string, error) {
	message, err := BuildMessage(platform, n)
	if err != nil {
		return "", err
	}

	result, err := p.client.Publish(ctx, &sns.PublishInput{
		TargetArn:        aws.String(endpointARN),
		Message:          aws.String(message),
		MessageStructure: aws.String("json"),
	})
	if err != nil {
		return "", fmt.Errorf("sns publish failed: %w", err)
	}

	return aws.ToString(result.MessageId), nil
}

type apsAlert struct {
	Title string `json:"title,omitempty"`
	Body  string `json:"body"`
}

type aps struct {
	Alert apsAlert `json:"alert"`
	Badge *int     `json:"badge,omitempty"`
	Sound string   `json:"sound"`
}

type fcmNotification struct {
	Title string `json:"title,omitempty"`
	Body  string `json:"body"`
}

type fcmMessage struct {
	Notification fcmNotification   `json:"notification"`
	Data         map[string]string `json:"data,omitempty"`
}

// BuildMessage renders the SNS MessageStructure=json document for platform.
// Each platform key holds its own JSON document encoded as a string.
func BuildMessage(platform string, n Notification) (string, error) {
	data := make(map[string]string, len(n.Data)+1)
	for k, v := range n.Data {
		data[k] = v
	}
	if n.URL != "" {
		data["url"] = n.URL
	}

	envelope := map[string]string{"default": n.Body}

	switch platform {
	case PlatformAPNS:
		doc := map[string]any{"aps": aps{
			Alert: apsAlert{Title: n.Title, Body: n.Body},
			Badge: badge(n.Badge),
			Sound: "default",
		}}
		for k, v := range data {
			doc[k] = v
		}
		encoded, err := json.Marshal(doc)
		if err != nil {
			return "", fmt.Errorf("marshal apns payload: %w", err)
		}
		envelope["APNS"] = string(encoded)
		envelope["APNS_SANDBOX"] = string(encoded)

	case PlatformFCM:
		msg := fcmMessage{
			Notification: fcmNotification{Title: n.Title, Body: n.Body},
			Data:         data,
		}
		if len(msg.Data) == 0 {
			msg.Data = nil
		}
		encoded, err := json.Marshal(msg)
		if err != nil {
			return "", fmt.Errorf("marshal fcm payload: %w", err)
		}
		envelope["GCM"] = string(encoded)

	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedPlatform, platform)
	}

	out, err := json.Marshal(envelope)
	if err != nil {
		return "", fmt.Errorf("marshal sns envelope: %w", err)
	}
	return string(out), nil
}

func badge(n int) *int {
	if n <= 0 {
		return nil
	}
	return &n
}
