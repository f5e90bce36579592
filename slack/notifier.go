// Package slack delivers human intervention requests to a Slack channel.
package slack

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/deepnoodle-ai/orchestrator"
	"github.com/deepnoodle-ai/orchestrator/retry"
	"github.com/slack-go/slack"
)

// NotifierOptions configures a Notifier.
type NotifierOptions struct {
	// Token is the Slack bot token (xoxb-...). Required unless Client is set.
	Token string

	// Channel is the channel ID or name messages are posted to. Required.
	Channel string

	// Client overrides the Slack API client, for testing.
	Client PostClient

	Logger *slog.Logger
}

// PostClient is the part of the Slack API the notifier uses.
type PostClient interface {
	PostMessageContext(ctx context.Context, channelID string, options ...slack.MsgOption) (string, string, error)
}

// Notifier posts intervention requests to a Slack channel so a human can
// pick them up. Transient Slack API failures are retried with backoff.
type Notifier struct {
	client  PostClient
	channel string
	logger  *slog.Logger
}

var _ orchestrator.Notifier = (*Notifier)(nil)

// NewNotifier creates a new Slack notifier.
func NewNotifier(opts NotifierOptions) (*Notifier, error) {
	if opts.Channel == "" {
		return nil, fmt.Errorf("slack channel is required")
	}
	if opts.Client == nil {
		if opts.Token == "" {
			return nil, fmt.Errorf("slack token is required")
		}
		opts.Client = slack.New(opts.Token)
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Notifier{
		client:  opts.Client,
		channel: opts.Channel,
		logger:  opts.Logger,
	}, nil
}

// Name identifies the notifier in logs.
func (n *Notifier) Name() string {
	return "slack"
}

// Notify posts the intervention request to the configured channel.
func (n *Notifier) Notify(ctx context.Context, request *orchestrator.InterventionRequest) error {
	blocks := requestBlocks(request)
	err := retry.Do(ctx, func() error {
		_, _, err := n.client.PostMessageContext(ctx, n.channel,
			slack.MsgOptionText(fmt.Sprintf("Workflow paused: %s input needed", request.InterventionType), false),
			slack.MsgOptionBlocks(blocks...),
		)
		return err
	}, retry.WithMaxRetries(2), retry.WithBaseWait(500*time.Millisecond))
	if err != nil {
		return fmt.Errorf("failed to post intervention to slack: %w", err)
	}
	n.logger.Info("posted intervention request to slack",
		"request_id", request.RequestID, "channel", n.channel)
	return nil
}

func requestBlocks(request *orchestrator.InterventionRequest) []slack.Block {
	header := slack.NewHeaderBlock(slack.NewTextBlockObject(
		slack.PlainTextType, "Human input required", false, false))

	var fields []*slack.TextBlockObject
	fields = append(fields,
		slack.NewTextBlockObject(slack.MarkdownType,
			fmt.Sprintf("*Request:*\n%s", request.RequestID), false, false),
		slack.NewTextBlockObject(slack.MarkdownType,
			fmt.Sprintf("*Type:*\n%s", request.InterventionType), false, false),
		slack.NewTextBlockObject(slack.MarkdownType,
			fmt.Sprintf("*Thread:*\n%s", request.ThreadID), false, false),
		slack.NewTextBlockObject(slack.MarkdownType,
			fmt.Sprintf("*Deadline:*\n%s", request.Deadline().Format(time.RFC3339)), false, false),
	)
	section := slack.NewSectionBlock(nil, fields, nil)

	blocks := []slack.Block{header, section}
	if query, ok := request.Context["generated_query"].(string); ok && query != "" {
		blocks = append(blocks, slack.NewSectionBlock(
			slack.NewTextBlockObject(slack.MarkdownType,
				fmt.Sprintf("```%s```", query), false, false), nil, nil))
	}
	if len(request.Options) > 0 {
		labels := make([]string, 0, len(request.Options))
		for _, option := range request.Options {
			labels = append(labels, fmt.Sprintf("`%s` %s", option.Action, option.Label))
		}
		blocks = append(blocks, slack.NewContextBlock("",
			slack.NewTextBlockObject(slack.MarkdownType,
				"Actions: "+strings.Join(labels, " | "), false, false)))
	}
	return blocks
}
