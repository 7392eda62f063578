package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/lalithlochan/courier/internal/db"
)

// ChatChannel posts to Slack and Discord incoming webhooks.
type ChatChannel struct {
	client *http.Client
}

// NewChatChannel creates the chat channel.
func NewChatChannel(timeout time.Duration) *ChatChannel {
	return &ChatChannel{client: newHTTPClient(timeout)}
}

func (c *ChatChannel) Name() db.Channel { return db.ChannelChat }

func (c *ChatChannel) Deliver(ctx context.Context, job *db.ClaimedJob, payload Payload) (Response, error) {
	target := job.Chat
	if target == nil {
		return Response{}, configError("chat integration %s not found", job.TargetID)
	}
	if !target.Active {
		return Response{}, configError("chat integration %s is disabled", target.ID)
	}
	if err := validate.Struct(target); err != nil {
		return Response{}, configError("chat integration %s: %v", target.ID, err)
	}

	p, ok := payload.(ChatPayload)
	if !ok {
		return Response{}, configError("unexpected payload %T for chat", payload)
	}

	var (
		body []byte
		err  error
	)
	switch target.Platform {
	case db.PlatformSlack:
		body, err = json.Marshal(renderSlack(p))
	case db.PlatformDiscord:
		body, err = json.Marshal(renderDiscord(p))
	}
	if err != nil {
		return Response{}, fmt.Errorf("render %s message: %w", target.Platform, err)
	}

	return sendJSON(ctx, c.client, http.MethodPost, target.WebhookURL, body, nil)
}

type slackText struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type slackBlock struct {
	Type   string      `json:"type"`
	Text   *slackText  `json:"text,omitempty"`
	Fields []slackText `json:"fields,omitempty"`
}

type slackMessage struct {
	Text   string       `json:"text"`
	Blocks []slackBlock `json:"blocks"`
}

// renderSlack builds a Block Kit message. Text is the notification fallback.
func renderSlack(p ChatPayload) slackMessage {
	msg := slackMessage{Text: p.Title}
	if msg.Text == "" {
		msg.Text = p.Text
	}

	if p.Title != "" {
		msg.Blocks = append(msg.Blocks, slackBlock{
			Type: "header",
			Text: &slackText{Type: "plain_text", Text: Truncate(p.Title, 150)},
		})
	}

	text := p.Text
	if p.URL != "" {
		if text != "" {
			text += "\n"
		}
		text += fmt.Sprintf("<%s|View details>", p.URL)
	}
	if text != "" {
		msg.Blocks = append(msg.Blocks, slackBlock{
			Type: "section",
			Text: &slackText{Type: "mrkdwn", Text: Truncate(text, 3000)},
		})
	}

	if len(p.Fields) > 0 {
		fields := make([]slackText, 0, len(p.Fields))
		for _, f := range p.Fields {
			// Slack allows at most 10 fields per section.
			if len(fields) == 10 {
				break
			}
			fields = append(fields, slackText{Type: "mrkdwn", Text: fmt.Sprintf("*%s*\n%s", f.Name, f.Value)})
		}
		msg.Blocks = append(msg.Blocks, slackBlock{Type: "section", Fields: fields})
	}

	return msg
}

type discordField struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline,omitempty"`
}

type discordEmbed struct {
	Title       string         `json:"title,omitempty"`
	Description string         `json:"description,omitempty"`
	URL         string         `json:"url,omitempty"`
	Color       int            `json:"color"`
	Fields      []discordField `json:"fields,omitempty"`
}

type discordMessage struct {
	Content string         `json:"content"`
	Embeds  []discordEmbed `json:"embeds"`
}

const discordColor = 0x5865F2

// renderDiscord builds a message with plain content and one embed.
func renderDiscord(p ChatPayload) discordMessage {
	content := p.Title
	if content == "" {
		content = p.Text
	}

	embed := discordEmbed{
		Title:       Truncate(p.Title, 256),
		Description: Truncate(p.Text, 4096),
		URL:         p.URL,
		Color:       discordColor,
	}
	for i, f := range p.Fields {
		if i == 25 {
			break
		}
		embed.Fields = append(embed.Fields, discordField{
			Name:   Truncate(f.Name, 256),
			Value:  Truncate(f.Value, 1024),
			Inline: f.Inline,
		})
	}

	return discordMessage{Content: Truncate(content, 2000), Embeds: []discordEmbed{embed}}
}
