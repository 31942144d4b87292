// ABOUTME: Notification sinks: a generic severity+text interface with writer, Slack, and fan-out implementations.
// ABOUTME: Notifiers are observational; delivery failures never affect a run's recorded status.
package pipeline

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/fatih/color"
	"github.com/slack-go/slack"
)

// Severity classifies a notification message.
type Severity string

const (
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// Notifier delivers run notifications to some sink (chat, log, email).
type Notifier interface {
	Notify(ctx context.Context, severity Severity, text string) error
}

// WriterNotifier writes colored notification lines to an io.Writer.
type WriterNotifier struct {
	mu sync.Mutex
	w  io.Writer
}

// NewWriterNotifier creates a notifier writing to w.
func NewWriterNotifier(w io.Writer) *WriterNotifier {
	return &WriterNotifier{w: w}
}

// Notify writes one line with a colored severity tag.
func (n *WriterNotifier) Notify(_ context.Context, severity Severity, text string) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	tag := string(severity)
	switch severity {
	case SeverityError:
		tag = color.RedString(tag)
	case SeverityWarning:
		tag = color.YellowString(tag)
	default:
		tag = color.CyanString(tag)
	}
	_, err := fmt.Fprintf(n.w, "[%s] %s\n", tag, text)
	return err
}

// SlackNotifier posts notifications to a Slack channel.
type SlackNotifier struct {
	api     *slack.Client
	channel string
}

// NewSlackNotifier creates a notifier posting to the given channel ID.
func NewSlackNotifier(botToken, channelID string) (*SlackNotifier, error) {
	if botToken == "" {
		return nil, fmt.Errorf("slack bot token is required")
	}
	if channelID == "" {
		return nil, fmt.Errorf("slack channel is required")
	}
	return &SlackNotifier{api: slack.New(botToken), channel: channelID}, nil
}

// Notify posts one message. The severity is rendered as an emoji prefix.
func (n *SlackNotifier) Notify(ctx context.Context, severity Severity, text string) error {
	prefix := ":information_source:"
	switch severity {
	case SeverityWarning:
		prefix = ":warning:"
	case SeverityError:
		prefix = ":x:"
	}
	_, _, err := n.api.PostMessageContext(ctx, n.channel, slack.MsgOptionText(prefix+" "+text, false))
	if err != nil {
		return fmt.Errorf("post slack message: %w", err)
	}
	return nil
}

// MultiNotifier fans a notification out to several sinks, returning the
// first delivery error after attempting all of them.
type MultiNotifier []Notifier

// Notify delivers to every sink.
func (m MultiNotifier) Notify(ctx context.Context, severity Severity, text string) error {
	var firstErr error
	for _, n := range m {
		if err := n.Notify(ctx, severity, text); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
