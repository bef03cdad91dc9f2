package alerts

import (
	"context"

	"github.com/slack-go/slack"
)

// slackClient is the subset of the slack API the sink uses.
type slackClient interface {
	PostMessageContext(ctx context.Context, channelID string, options ...slack.MsgOption) (string, string, error)
}

// SlackSink delivers alerts to a slack channel as colored attachments.
type SlackSink struct {
	client    slackClient
	channelID string
}

// NewSlackSink creates a slack sink posting to the given channel.
func NewSlackSink(token, channelID string) *SlackSink {
	return &SlackSink{client: slack.New(token), channelID: channelID}
}

func (s *SlackSink) Name() string { return "slack" }

// Send posts a plain-text alert.
func (s *SlackSink) Send(ctx context.Context, message string) error {
	_, _, err := s.client.PostMessageContext(ctx, s.channelID, slack.MsgOptionText(message, false))
	return err
}

// SendRich posts the alert as a colored attachment with fields.
func (s *SlackSink) SendRich(ctx context.Context, alert *Formatted) error {
	fields := make([]slack.AttachmentField, 0, len(alert.Fields))
	for _, f := range alert.Fields {
		fields = append(fields, slack.AttachmentField{
			Title: f.Name,
			Value: f.Value,
			Short: f.Inline,
		})
	}
	attachment := slack.Attachment{
		Color:  alert.Color,
		Title:  alert.Title,
		Text:   alert.Body,
		Fields: fields,
	}
	_, _, err := s.client.PostMessageContext(ctx, s.channelID,
		slack.MsgOptionAttachments(attachment),
	)
	return err
}
