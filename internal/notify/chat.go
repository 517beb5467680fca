package notify

import (
	"context"
	"fmt"

	"github.com/bwmarrin/discordgo"
	slackapi "github.com/slack-go/slack"
)

// slackClient is the subset of *slack.Client used here.
type slackClient interface {
	PostMessageContext(ctx context.Context, channelID string, options ...slackapi.MsgOption) (string, string, error)
}

// Slack posts alerts to a channel.
type Slack struct {
	client  slackClient
	channel string
}

// NewSlack creates a Slack notifier using a bot token.
func NewSlack(token, channel string) *Slack {
	return &Slack{client: slackapi.New(token), channel: channel}
}

// Send posts msg to the configured channel.
func (s *Slack) Send(ctx context.Context, msg Message) error {
	text := fmt.Sprintf("*%s*\n%s", msg.Subject, msg.Body)
	if _, _, err := s.client.PostMessageContext(ctx, s.channel, slackapi.MsgOptionText(text, false)); err != nil {
		return fmt.Errorf("post to %s: %w", s.channel, err)
	}
	return nil
}

// discordSession is the subset of *discordgo.Session used here.
type discordSession interface {
	ChannelMessageSendEmbed(channelID string, embed *discordgo.MessageEmbed, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

// Discord posts alerts as embeds.
type Discord struct {
	sess    discordSession
	channel string
}

// alertColor is the embed color for quality alerts.
const alertColor = 0xE01E5A

// NewDiscord creates a Discord notifier using a bot token. No gateway
// connection is opened; messages go over REST.
func NewDiscord(token, channel string) (*Discord, error) {
	dg, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("notify: discord session: %w", err)
	}
	return &Discord{sess: dg, channel: channel}, nil
}

// Send posts msg to the configured channel.
func (d *Discord) Send(ctx context.Context, msg Message) error {
	embed := &discordgo.MessageEmbed{
		Title:       msg.Subject,
		Description: msg.Body,
		Color:       alertColor,
		Fields: []*discordgo.MessageEmbedField{
			{Name: "Line", Value: msg.LineName, Inline: true},
			{Name: "Quality", Value: fmt.Sprintf("%.1f%%", msg.Quality), Inline: true},
			{Name: "Threshold", Value: fmt.Sprintf("%d%%", msg.Threshold), Inline: true},
		},
	}
	if _, err := d.sess.ChannelMessageSendEmbed(d.channel, embed, discordgo.WithContext(ctx)); err != nil {
		return fmt.Errorf("post to %s: %w", d.channel, err)
	}
	return nil
}
