package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/lalithlochan/courier/internal/db"
)

// TokenRefresher returns a connection whose access token is usable now.
type TokenRefresher interface {
	EnsureFresh(ctx context.Context, conn *db.OAuthConnection) *db.OAuthConnection
}

// Decrypter opens stored token ciphertexts.
type Decrypter interface {
	Decrypt(ciphertext string) (string, error)
}

// CalendarEndpoints are the provider API base URLs.
type CalendarEndpoints struct {
	GoogleBaseURL string
	GraphBaseURL  string
}

// DefaultCalendarEndpoints returns the production API base URLs.
func DefaultCalendarEndpoints() CalendarEndpoints {
	return CalendarEndpoints{
		GoogleBaseURL: "https://www.googleapis.com/calendar/v3",
		GraphBaseURL:  "https://graph.microsoft.com/v1.0",
	}
}

// CalendarChannel creates or updates events in the tenant's connected
// Google or Microsoft calendar.
type CalendarChannel struct {
	client    *http.Client
	refresher TokenRefresher
	vault     Decrypter
	endpoints CalendarEndpoints
}

// NewCalendarChannel creates the calendar channel.
func NewCalendarChannel(refresher TokenRefresher, vault Decrypter, endpoints CalendarEndpoints, timeout time.Duration) *CalendarChannel {
	return &CalendarChannel{
		client:    newHTTPClient(timeout),
		refresher: refresher,
		vault:     vault,
		endpoints: endpoints,
	}
}

func (c *CalendarChannel) Name() db.Channel { return db.ChannelCalendar }

func (c *CalendarChannel) Deliver(ctx context.Context, job *db.ClaimedJob, payload Payload) (Response, error) {
	if job.Connection == nil {
		return Response{}, configError("calendar connection %s not found", job.TargetID)
	}

	p, ok := payload.(CalendarPayload)
	if !ok {
		return Response{}, configError("unexpected payload %T for calendar", payload)
	}

	conn := c.refresher.EnsureFresh(ctx, job.Connection)

	token, err := c.vault.Decrypt(conn.EncryptedAccessToken)
	if err != nil {
		return Response{}, configError("decrypt access token: %v", err)
	}

	method, endpoint, body, err := c.request(conn, p)
	if err != nil {
		return Response{}, err
	}

	return sendJSON(ctx, c.client, method, endpoint, body, func(req *http.Request) {
		req.Header.Set("Authorization", "Bearer "+token)
	})
}

func (c *CalendarChannel) request(conn *db.OAuthConnection, p CalendarPayload) (method, endpoint string, body []byte, err error) {
	method = http.MethodPost
	if p.ExternalEventID != "" {
		method = http.MethodPatch
	}

	switch conn.Provider {
	case db.ProviderGoogle:
		calendarID := conn.CalendarID
		if calendarID == "" {
			calendarID = "primary"
		}
		endpoint = fmt.Sprintf("%s/calendars/%s/events", c.endpoints.GoogleBaseURL, url.PathEscape(calendarID))
		if p.ExternalEventID != "" {
			endpoint += "/" + url.PathEscape(p.ExternalEventID)
		}
		body, err = json.Marshal(googleEvent(p))

	case db.ProviderMicrosoft:
		base := c.endpoints.GraphBaseURL + "/me"
		if conn.CalendarID != "" && conn.CalendarID != "primary" {
			base += "/calendars/" + url.PathEscape(conn.CalendarID)
		}
		endpoint = base + "/events"
		if p.ExternalEventID != "" {
			endpoint = c.endpoints.GraphBaseURL + "/me/events/" + url.PathEscape(p.ExternalEventID)
		}
		body, err = json.Marshal(graphEvent(p))

	default:
		return "", "", nil, configError("unsupported calendar provider %q", conn.Provider)
	}

	if err != nil {
		return "", "", nil, fmt.Errorf("render %s event: %w", conn.Provider, err)
	}
	return method, endpoint, body, nil
}

type googleTime struct {
	DateTime string `json:"dateTime"`
	TimeZone string `json:"timeZone,omitempty"`
}

type googleEventBody struct {
	Summary     string     `json:"summary"`
	Description string     `json:"description,omitempty"`
	Location    string     `json:"location,omitempty"`
	Start       googleTime `json:"start"`
	End         googleTime `json:"end"`
}

func googleEvent(p CalendarPayload) googleEventBody {
	return googleEventBody{
		Summary:     p.Summary,
		Description: p.Description,
		Location:    p.Location,
		Start:       googleTime{DateTime: p.Start.Format(time.RFC3339), TimeZone: p.TimeZone},
		End:         googleTime{DateTime: p.End.Format(time.RFC3339), TimeZone: p.TimeZone},
	}
}

type graphTime struct {
	DateTime string `json:"dateTime"`
	TimeZone string `json:"timeZone"`
}

type graphBody struct {
	ContentType string `json:"contentType"`
	Content     string `json:"content"`
}

type graphLocation struct {
	DisplayName string `json:"displayName"`
}

type graphEventBody struct {
	Subject  string         `json:"subject"`
	Body     *graphBody     `json:"body,omitempty"`
	Location *graphLocation `json:"location,omitempty"`
	Start    graphTime      `json:"start"`
	End      graphTime      `json:"end"`
}

// graphEvent renders a Microsoft Graph event. Graph takes a wall-clock time
// plus a zone name, so times are converted into the payload's zone.
func graphEvent(p CalendarPayload) graphEventBody {
	zone := strings.TrimSpace(p.TimeZone)
	loc, err := time.LoadLocation(zone)
	if zone == "" || err != nil {
		zone, loc = "UTC", time.UTC
	}

	const wall = "2006-01-02T15:04:05"
	ev := graphEventBody{
		Subject: p.Summary,
		Start:   graphTime{DateTime: p.Start.In(loc).Format(wall), TimeZone: zone},
		End:     graphTime{DateTime: p.End.In(loc).Format(wall), TimeZone: zone},
	}
	if p.Description != "" {
		ev.Body = &graphBody{ContentType: "text", Content: p.Description}
	}
	if p.Location != "" {
		ev.Location = &graphLocation{DisplayName: p.Location}
	}
	return ev
}
