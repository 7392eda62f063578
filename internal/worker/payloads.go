package worker

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/lalithlochan/courier/internal/db"
)

// ErrInvalidPayload is returned by DecodePayload.
var ErrInvalidPayload = errors.New("invalid payload")

var validate = validator.New(validator.WithRequiredStructEnabled())

// Payload is the decoded body of a delivery job. The set of implementations
// is closed: one per channel.
type Payload interface {
	channel() db.Channel
}

// WebhookPayload is delivered verbatim as the request body.
type WebhookPayload struct {
	Data json.RawMessage
}

// ChatField is a name/value pair rendered as a Slack field or Discord embed field.
type ChatField struct {
	Name   string `json:"name" validate:"required"`
	Value  string `json:"value" validate:"required"`
	Inline bool   `json:"inline,omitempty"`
}

// ChatPayload is rendered into Slack blocks or a Discord message.
type ChatPayload struct {
	Title  string      `json:"title" validate:"required_without=Text"`
	Text   string      `json:"text" validate:"required_without=Title"`
	URL    string      `json:"url,omitempty" validate:"omitempty,url"`
	Fields []ChatField `json:"fields,omitempty" validate:"dive"`
}

// PushPayload is rendered into APNS / FCM message structures.
type PushPayload struct {
	Title string            `json:"title"`
	Body  string            `json:"body" validate:"required"`
	URL   string            `json:"url,omitempty"`
	Badge int               `json:"badge,omitempty" validate:"gte=0"`
	Data  map[string]string `json:"data,omitempty"`
}

// CalendarPayload creates an event, or updates one when ExternalEventID is set.
type CalendarPayload struct {
	Summary         string    `json:"summary" validate:"required"`
	Description     string    `json:"description,omitempty"`
	Location        string    `json:"location,omitempty"`
	Start           time.Time `json:"start" validate:"required"`
	End             time.Time `json:"end" validate:"required,gtfield=Start"`
	TimeZone        string    `json:"time_zone,omitempty"`
	ExternalEventID string    `json:"external_event_id,omitempty"`
}

func (WebhookPayload) channel() db.Channel  { return db.ChannelWebhook }
func (ChatPayload) channel() db.Channel     { return db.ChannelChat }
func (PushPayload) channel() db.Channel     { return db.ChannelPush }
func (CalendarPayload) channel() db.Channel { return db.ChannelCalendar }

// DecodePayload parses a stored job payload into the variant for ch.
func DecodePayload(ch db.Channel, raw json.RawMessage) (Payload, error) {
	if len(raw) == 0 || !json.Valid(raw) {
		return nil, fmt.Errorf("%w: %s payload is not valid JSON", ErrInvalidPayload, ch)
	}

	switch ch {
	case db.ChannelWebhook:
		return WebhookPayload{Data: raw}, nil
	case db.ChannelChat:
		var p ChatPayload
		return decodeInto(ch, raw, &p)
	case db.ChannelPush:
		var p PushPayload
		return decodeInto(ch, raw, &p)
	case db.ChannelCalendar:
		var p CalendarPayload
		return decodeInto(ch, raw, &p)
	}
	return nil, fmt.Errorf("%w: unknown channel %q", ErrInvalidPayload, ch)
}

func decodeInto[T ChatPayload | PushPayload | CalendarPayload](ch db.Channel, raw json.RawMessage, p *T) (Payload, error) {
	if err := json.Unmarshal(raw, p); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidPayload, ch, err)
	}
	if err := validate.Struct(p); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidPayload, ch, err)
	}
	return any(*p).(Payload), nil
}

// ValidatePayload checks that raw decodes for ch. Producers call it before
// enqueueing so malformed payloads are rejected at the edge.
func ValidatePayload(ch db.Channel, raw json.RawMessage) error {
	_, err := DecodePayload(ch, raw)
	return err
}
