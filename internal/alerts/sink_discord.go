package alerts

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/bwmarrin/discordgo"
)

// discordSession is the subset of the discord API the sink uses.
type discordSession interface {
	ChannelMessageSend(channelID string, content string, options ...discordgo.RequestOption) (*discordgo.Message, error)
	ChannelMessageSendComplex(channelID string, data *discordgo.MessageSend, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

// DiscordSink delivers alerts to a discord channel as embeds.
type DiscordSink struct {
	session   discordSession
	channelID string
}

// NewDiscordSink creates a discord sink posting to the given channel.
func NewDiscordSink(token, channelID string) (*DiscordSink, error) {
	session, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("discord sink: %w", err)
	}
	return &DiscordSink{session: session, channelID: channelID}, nil
}

func (s *DiscordSink) Name() string { return "discord" }

// Send posts a plain-text alert.
func (s *DiscordSink) Send(ctx context.Context, message string) error {
	_, err := s.session.ChannelMessageSend(s.channelID, message, discordgo.WithContext(ctx))
	return err
}

// SendRich posts the alert as a colored embed with fields.
func (s *DiscordSink) SendRich(ctx context.Context, alert *Formatted) error {
	fields := make([]*discordgo.MessageEmbedField, 0, len(alert.Fields))
	for _, f := range alert.Fields {
		fields = append(fields, &discordgo.MessageEmbedField{
			Name:   f.Name,
			Value:  f.Value,
			Inline: f.Inline,
		})
	}
	embed := &discordgo.MessageEmbed{
		Title:       alert.Title,
		Description: alert.Body,
		Color:       hexColor(alert.Color),
		Fields:      fields,
	}
	_, err := s.session.ChannelMessageSendComplex(s.channelID, &discordgo.MessageSend{
		Embeds: []*discordgo.MessageEmbed{embed},
	}, discordgo.WithContext(ctx))
	return err
}

func hexColor(value string) int {
	parsed, err := strconv.ParseInt(strings.TrimPrefix(value, "#"), 16, 32)
	if err != nil {
		return 0
	}
	return int(parsed)
}
