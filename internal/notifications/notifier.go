package notifications

import (
	"context"
	"errors"
	"fmt"

	"github.com/biodoia/hacp/internal/events"
	"github.com/rs/zerolog/log"
)

// Notification è ciò che un canale riceve
type Notification struct {
	Rule     string
	Severity Severity
	Message  string
	Event    events.Event
}

// Channel è un canale di consegna delle notifiche
type Channel interface {
	Name() string
	Notify(ctx context.Context, n Notification) error
}

// LogChannel scrive le notifiche sul logger globale
type LogChannel struct{}

// Name implementa Channel
func (LogChannel) Name() string { return "log" }

// Notify implementa Channel
func (LogChannel) Notify(ctx context.Context, n Notification) error {
	entry := log.Info()
	switch n.Severity {
	case SeverityCritical:
		entry = log.Error()
	case SeverityWarning:
		entry = log.Warn()
	}
	entry.
		Str("rule", n.Rule).
		Str("severity", string(n.Severity)).
		Str("type", string(n.Event.Type)).
		Str("subject_id", n.Event.SubjectID).
		Msg(n.Message)
	return nil
}

// Notifier è un sink del bus eventi che applica le regole e consegna ai canali
type Notifier struct {
	engine   *RuleEngine
	channels map[string]Channel
}

// New crea un notifier. Il canale "log" è sempre disponibile.
func New(rules []Rule, channels ...Channel) (*Notifier, error) {
	n := &Notifier{
		engine:   NewRuleEngine(rules),
		channels: map[string]Channel{"log": LogChannel{}},
	}
	for _, ch := range channels {
		if _, dup := n.channels[ch.Name()]; dup && ch.Name() != "log" {
			return nil, fmt.Errorf("duplicate notification channel %q", ch.Name())
		}
		n.channels[ch.Name()] = ch
	}

	for _, rule := range rules {
		if len(rule.Channels) == 0 {
			return nil, fmt.Errorf("notification rule %q has no channels", rule.Name)
		}
		for _, name := range rule.Channels {
			if _, ok := n.channels[name]; !ok {
				return nil, fmt.Errorf("notification rule %q references unknown channel %q", rule.Name, name)
			}
		}
	}

	return n, nil
}

// Name implementa events.Sink
func (n *Notifier) Name() string { return "notifications" }

// Send implementa events.Sink
func (n *Notifier) Send(ctx context.Context, event events.Event) error {
	severity := Classify(event)
	fired := n.engine.Evaluate(event, severity)
	if len(fired) == 0 {
		return nil
	}

	message := Describe(event)
	var errs []error
	for _, rule := range fired {
		notification := Notification{
			Rule:     rule.Name,
			Severity: severity,
			Message:  message,
			Event:    event,
		}
		for _, name := range rule.Channels {
			if err := n.channels[name].Notify(ctx, notification); err != nil {
				errs = append(errs, fmt.Errorf("rule %s, channel %s: %w", rule.Name, name, err))
			}
		}
	}
	return errors.Join(errs...)
}
