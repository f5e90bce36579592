// Package email delivers human intervention requests over SMTP. It serves as
// a fallback channel when no chat integration is configured.
package email

import (
	"context"
	"fmt"
	"log/slog"
	"net/smtp"
	"strings"
	"time"

	"github.com/deepnoodle-ai/orchestrator"
	"github.com/deepnoodle-ai/orchestrator/retry"
)

// NotifierOptions configures a Notifier.
type NotifierOptions struct {
	// Host and Port locate the SMTP server. Host is required unless Sender
	// is set; Port defaults to 587.
	Host string
	Port int

	// Username and Password authenticate against the SMTP server. Optional;
	// unauthenticated relays are accepted.
	Username string
	Password string

	// From is the sender address. Defaults to orchestrator@localhost.
	From string

	// Recipients are the addresses notified on every request. Required.
	Recipients []string

	// Sender overrides the SMTP client, for testing.
	Sender Sender

	Logger *slog.Logger
}

// Sender delivers one rendered mail message.
type Sender interface {
	Send(ctx context.Context, from string, to []string, msg []byte) error
}

type smtpSender struct {
	addr string
	auth smtp.Auth
}

func (s *smtpSender) Send(ctx context.Context, from string, to []string, msg []byte) error {
	return smtp.SendMail(s.addr, s.auth, from, to, msg)
}

// Notifier emails intervention requests to a fixed recipient list. Transient
// delivery failures are retried with backoff.
type Notifier struct {
	sender     Sender
	from       string
	recipients []string
	logger     *slog.Logger
}

var _ orchestrator.Notifier = (*Notifier)(nil)

// NewNotifier creates a new email notifier.
func NewNotifier(opts NotifierOptions) (*Notifier, error) {
	if len(opts.Recipients) == 0 {
		return nil, fmt.Errorf("at least one recipient is required")
	}
	if opts.From == "" {
		opts.From = "orchestrator@localhost"
	}
	if opts.Sender == nil {
		if opts.Host == "" {
			return nil, fmt.Errorf("smtp host is required")
		}
		if opts.Port == 0 {
			opts.Port = 587
		}
		var auth smtp.Auth
		if opts.Username != "" {
			auth = smtp.PlainAuth("", opts.Username, opts.Password, opts.Host)
		}
		opts.Sender = &smtpSender{
			addr: fmt.Sprintf("%s:%d", opts.Host, opts.Port),
			auth: auth,
		}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Notifier{
		sender:     opts.Sender,
		from:       opts.From,
		recipients: opts.Recipients,
		logger:     opts.Logger,
	}, nil
}

// Name identifies the notifier in logs.
func (n *Notifier) Name() string {
	return "email"
}

// Notify mails the intervention request to every configured recipient.
func (n *Notifier) Notify(ctx context.Context, request *orchestrator.InterventionRequest) error {
	msg := renderMessage(n.from, n.recipients, request)
	err := retry.Do(ctx, func() error {
		return n.sender.Send(ctx, n.from, n.recipients, msg)
	}, retry.WithMaxRetries(2), retry.WithBaseWait(500*time.Millisecond))
	if err != nil {
		return fmt.Errorf("failed to email intervention request: %w", err)
	}
	n.logger.Info("emailed intervention request",
		"request_id", request.RequestID, "recipients", len(n.recipients))
	return nil
}

func renderMessage(from string, to []string, request *orchestrator.InterventionRequest) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", from)
	fmt.Fprintf(&b, "To: %s\r\n", strings.Join(to, ", "))
	fmt.Fprintf(&b, "Subject: Human input required: %s\r\n", request.InterventionType)
	b.WriteString("MIME-Version: 1.0\r\nContent-Type: text/plain; charset=utf-8\r\n\r\n")

	fmt.Fprintf(&b, "Request:  %s\r\n", request.RequestID)
	fmt.Fprintf(&b, "Thread:   %s\r\n", request.ThreadID)
	fmt.Fprintf(&b, "Workflow: %s\r\n", request.WorkflowID)
	fmt.Fprintf(&b, "Deadline: %s\r\n", request.Deadline().Format(time.RFC3339))
	if query, ok := request.Context["generated_query"].(string); ok && query != "" {
		fmt.Fprintf(&b, "\r\nGenerated query:\r\n%s\r\n", query)
	}
	if len(request.Options) > 0 {
		b.WriteString("\r\nActions:\r\n")
		for _, option := range request.Options {
			fmt.Fprintf(&b, "  %s - %s\r\n", option.Action, option.Label)
		}
	}
	b.WriteString("\r\nUnanswered requests time out and the configured fallback applies.\r\n")
	return []byte(b.String())
}
