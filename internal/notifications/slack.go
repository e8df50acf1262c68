package notifications

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/slack-go/slack"
)

// SlackConfig configurazione per il canale Slack
type SlackConfig struct {
	Name      string
	Token     string // bot token xoxb-
	ChannelID string
	APIURL    string // opzionale
}

// SlackChannel pubblica le notifiche in un canale Slack
type SlackChannel struct {
	name      string
	channelID string
	api       *slack.Client
}

// NewSlackChannel crea un nuovo canale Slack
func NewSlackChannel(cfg SlackConfig) *SlackChannel {
	if cfg.Name == "" {
		cfg.Name = "slack"
	}

	var opts []slack.Option
	if cfg.APIURL != "" {
		opts = append(opts, slack.OptionAPIURL(cfg.APIURL))
	}

	return &SlackChannel{
		name:      cfg.Name,
		channelID: cfg.ChannelID,
		api:       slack.New(cfg.Token, opts...),
	}
}

// Name implementa Channel
func (sc *SlackChannel) Name() string {
	return sc.name
}

// Notify implementa Channel
func (sc *SlackChannel) Notify(ctx context.Context, n Notification) error {
	text := n.Message
	if n.Severity != SeverityInfo {
		text = fmt.Sprintf(":warning: [%s] %s", n.Severity, n.Message)
	}

	fields := []slack.AttachmentField{
		{Title: "Event", Value: string(n.Event.Type), Short: true},
		{Title: "Transition", Value: n.Event.From + " → " + n.Event.To, Short: true},
	}
	if n.Event.AgentID != "" {
		fields = append(fields, slack.AttachmentField{Title: "Agent", Value: n.Event.AgentID, Short: true})
	}
	if n.Event.SessionID != "" {
		fields = append(fields, slack.AttachmentField{Title: "Session", Value: n.Event.SessionID, Short: true})
	}

	_, ts, err := sc.api.PostMessageContext(ctx, sc.channelID,
		slack.MsgOptionText(text, false),
		slack.MsgOptionAttachments(slack.Attachment{
			Color:  severityColor(n.Severity),
			Fields: fields,
			Footer: "rule " + n.Rule,
		}),
	)
	if err != nil {
		return fmt.Errorf("slack %s: %w", sc.name, err)
	}

	log.Debug().Str("channel", sc.name).Str("ts", ts).Msg("Slack notification posted")
	return nil
}

func severityColor(s Severity) string {
	switch s {
	case SeverityCritical:
		return "danger"
	case SeverityWarning:
		return "warning"
	default:
		return "good"
	}
}
