package db

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Channel identifies a delivery channel. Each channel has its own job table.
type Channel string

const (
	ChannelWebhook  Channel = "webhook"
	ChannelChat     Channel = "chat"
	ChannelPush     Channel = "push"
	ChannelCalendar Channel = "calendar"
)

// Channels lists every channel in a stable order.
var Channels = []Channel{ChannelWebhook, ChannelChat, ChannelPush, ChannelCalendar}

// ParseChannel validates a channel name.
func ParseChannel(s string) (Channel, bool) {
	for _, ch := range Channels {
		if string(ch) == s {
			return ch, true
		}
	}
	return "", false
}

// Status constants
const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusSuccess    = "success"
	StatusFailed     = "failed"
)

// StaleClaimError is recorded on a job whose claim lease expired before an
// outcome was written.
const StaleClaimError = "claim lease expired before an outcome was recorded"

// Chat platforms
const (
	PlatformSlack   = "slack"
	PlatformDiscord = "discord"
)

// Push platforms
const (
	PlatformAPNS = "apns"
	PlatformFCM  = "fcm"
)

// OAuth providers
const (
	ProviderGoogle    = "google"
	ProviderMicrosoft = "microsoft"
)

// DeliveryJob is one row of a channel's delivery table.
type DeliveryJob struct {
	ID             uuid.UUID       `json:"id"`
	TenantID       uuid.UUID       `json:"tenant_id"`
	Channel        Channel         `json:"channel"`
	Status         string          `json:"status"`
	AttemptNumber  int             `json:"attempt_number"`
	NextRetryAt    time.Time       `json:"next_retry_at"`
	EventType      string          `json:"event_type"`
	Payload        json.RawMessage `json:"payload"`
	TargetID       uuid.UUID       `json:"target_id"`
	ResponseStatus *int            `json:"response_status,omitempty"`
	ResponseBody   *string         `json:"response_body,omitempty"`
	ErrorMessage   *string         `json:"error_message,omitempty"`
	DeliveredAt    *time.Time      `json:"delivered_at,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// ClaimedJob is a job in the processing state joined with its target row.
// Exactly one target pointer matches the job's channel; it is nil when the
// target row is missing.
type ClaimedJob struct {
	DeliveryJob

	Webhook    *WebhookTarget
	Chat       *ChatTarget
	Push       *PushTarget
	Connection *OAuthConnection
}

// WebhookTarget is a tenant's generic webhook registration.
type WebhookTarget struct {
	ID            uuid.UUID  `json:"id"`
	TenantID      uuid.UUID  `json:"tenant_id"`
	URL           string     `json:"url" validate:"required,url"`
	Secret        string     `json:"-" validate:"required"`
	Events        []string   `json:"events"`
	Active        bool       `json:"active"`
	FailureCount  int        `json:"failure_count"`
	LastFailureAt *time.Time `json:"last_failure_at,omitempty"`
	LastSuccessAt *time.Time `json:"last_success_at,omitempty"`
}

// ChatTarget is a Slack or Discord incoming-webhook integration.
type ChatTarget struct {
	ID         uuid.UUID `json:"id"`
	TenantID   uuid.UUID `json:"tenant_id"`
	Platform   string    `json:"platform" validate:"required,oneof=slack discord"`
	WebhookURL string    `json:"-" validate:"required,url"`
	Events     []string  `json:"events"`
	Active     bool      `json:"active"`
}

// PushTarget is a device registered as an SNS platform endpoint.
type PushTarget struct {
	ID          uuid.UUID `json:"id"`
	TenantID    uuid.UUID `json:"tenant_id"`
	UserID      uuid.UUID `json:"user_id"`
	Platform    string    `json:"platform" validate:"required,oneof=apns fcm"`
	EndpointARN string    `json:"endpoint_arn" validate:"required"`
	Active      bool      `json:"active"`
}

// OAuthConnection holds encrypted provider tokens for one (tenant, provider).
type OAuthConnection struct {
	ID                    uuid.UUID  `json:"id"`
	TenantID              uuid.UUID  `json:"tenant_id"`
	Provider              string     `json:"provider"`
	EncryptedAccessToken  string     `json:"-"`
	EncryptedRefreshToken string     `json:"-"`
	ExpiresAt             *time.Time `json:"expires_at,omitempty"`
	Scopes                []string   `json:"scopes"`
	AccountEmail          string     `json:"account_email"`
	AccountName           string     `json:"account_name"`
	CalendarID            string     `json:"calendar_id"`
	CreatedAt             time.Time  `json:"created_at"`
	UpdatedAt             time.Time  `json:"updated_at"`
}

// DeliveryOutcome is the last observed response of an attempt.
type DeliveryOutcome struct {
	ResponseStatus int
	ResponseBody   string
	ErrorMessage   string
}

// BillingEvent is a verified billing-provider webhook.
type BillingEvent struct {
	ID              uuid.UUID       `json:"id"`
	ProviderEventID string          `json:"provider_event_id"`
	EventType       string          `json:"event_type"`
	Payload         json.RawMessage `json:"payload"`
	ReceivedAt      time.Time       `json:"received_at"`
}

// InboundEmail is a verified inbound-email webhook.
type InboundEmail struct {
	ID          uuid.UUID       `json:"id"`
	MessageID   string          `json:"message_id"`
	TenantID    *uuid.UUID      `json:"tenant_id,omitempty"`
	FromAddress string          `json:"from_address"`
	ToAddress   string          `json:"to_address"`
	Subject     string          `json:"subject"`
	Payload     json.RawMessage `json:"payload"`
	ReceivedAt  time.Time       `json:"received_at"`
}
