package processor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/wneessen/go-mail"

	"errorwatch.app/pipeline/common/otel"
	"errorwatch.app/pipeline/core/config"
	"errorwatch.app/pipeline/internal/model"
)

var (
	ErrDeliveryFailed      = errors.New("notification delivery failed")
	ErrChannelNotAvailable = errors.New("notification channel not available")
)

// Alert is everything a channel needs to render one notification.
type Alert struct {
	Rule         model.AlertRule
	ProjectName  string
	Group        model.ErrorGroup
	Environment  string
	DashboardURL string
}

func (a Alert) IssueURL() string {
	return strings.TrimRight(a.DashboardURL, "/") + "/dashboard/issues/" + a.Group.Fingerprint
}

// Notifier delivers an alert on one channel.
type Notifier interface {
	Notify(ctx context.Context, alert Alert) error
}

type NotifierFunc func(ctx context.Context, alert Alert) error

func (f NotifierFunc) Notify(ctx context.Context, alert Alert) error {
	return f(ctx, alert)
}

// Notifiers builds the channel table from configuration. Email is only
// available when an SMTP relay is configured.
func Notifiers(cfg config.AlertsConfig, timeout time.Duration) (map[model.AlertChannel]Notifier, error) {
	client := otel.InstrumentClient(&http.Client{Timeout: timeout})
	notifiers := map[model.AlertChannel]Notifier{
		model.AlertChannelWebhook: NewWebhookNotifier(client),
		model.AlertChannelSlack:   NewSlackNotifier(client),
	}
	if cfg.EmailEnabled() {
		mailer, err := NewSMTPMailer(cfg, timeout)
		if err != nil {
			return nil, err
		}
		notifiers[model.AlertChannelEmail] = NewEmailNotifier(mailer)
	}
	return notifiers, nil
}

type webhookNotifier struct {
	client *http.Client
}

func NewWebhookNotifier(client *http.Client) Notifier {
	return &webhookNotifier{client: client}
}

type webhookBody struct {
	Type        model.AlertRuleType `json:"type"`
	ProjectName string              `json:"projectName"`
	Error       webhookError        `json:"error"`
}

type webhookError struct {
	Message     string `json:"message"`
	File        string `json:"file"`
	Line        int    `json:"line"`
	Count       int64  `json:"count"`
	Fingerprint string `json:"fingerprint"`
}

func (n *webhookNotifier) Notify(ctx context.Context, alert Alert) error {
	return postJSON(ctx, n.client, alert.Rule.Config.WebhookURL, webhookBody{
		Type:        alert.Rule.Type,
		ProjectName: alert.ProjectName,
		Error: webhookError{
			Message:     alert.Group.Message,
			File:        alert.Group.File,
			Line:        alert.Group.Line,
			Count:       alert.Group.Count,
			Fingerprint: alert.Group.Fingerprint,
		},
	})
}

type slackNotifier struct {
	client *http.Client
}

func NewSlackNotifier(client *http.Client) Notifier {
	return &slackNotifier{client: client}
}

type slackText struct {
	Type  string `json:"type"`
	Text  string `json:"text"`
	Emoji bool   `json:"emoji,omitempty"`
}

type slackElement struct {
	Type  string    `json:"type"`
	Text  slackText `json:"text"`
	URL   string    `json:"url"`
	Style string    `json:"style,omitempty"`
}

type slackBlock struct {
	Type     string         `json:"type"`
	Text     *slackText     `json:"text,omitempty"`
	Elements []slackElement `json:"elements,omitempty"`
}

func (n *slackNotifier) Notify(ctx context.Context, alert Alert) error {
	g := alert.Group
	blocks := []slackBlock{
		{
			Type: "header",
			Text: &slackText{Type: "plain_text", Text: "New Error in " + alert.ProjectName, Emoji: true},
		},
		{
			Type: "section",
			Text: &slackText{
				Type: "mrkdwn",
				Text: fmt.Sprintf("*Error:* `%s`\n*Location:* `%s:%d`\n*Events:* %d", g.Message, g.File, g.Line, g.Count),
			},
		},
		{
			Type: "actions",
			Elements: []slackElement{{
				Type:  "button",
				Text:  slackText{Type: "plain_text", Text: "View Details", Emoji: true},
				URL:   alert.IssueURL(),
				Style: "primary",
			}},
		},
	}
	return postJSON(ctx, n.client, alert.Rule.Config.SlackWebhook, map[string]any{"blocks": blocks})
}

func postJSON(ctx context.Context, client *http.Client, url string, body any) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encoding notification: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("building notification request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDeliveryFailed, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%w: HTTP %d", ErrDeliveryFailed, resp.StatusCode)
	}
	return nil
}

// Mailer sends a single plain-text email.
type Mailer interface {
	Send(ctx context.Context, to, subject, body string) error
}

type smtpMailer struct {
	client *mail.Client
	from   string
}

// NewSMTPMailer dials the relay per message; timeout bounds the dial and
// each SMTP command.
func NewSMTPMailer(cfg config.AlertsConfig, timeout time.Duration) (Mailer, error) {
	host, portStr, err := net.SplitHostPort(cfg.SMTPAddr)
	if err != nil {
		return nil, fmt.Errorf("parsing SMTP address: %w", err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, fmt.Errorf("parsing SMTP port: %w", err)
	}

	opts := []mail.Option{
		mail.WithPort(port),
		mail.WithTimeout(timeout),
		mail.WithTLSPolicy(mail.TLSOpportunistic),
	}
	if cfg.SMTPUsername != "" {
		opts = append(opts,
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
			mail.WithUsername(cfg.SMTPUsername),
			mail.WithPassword(cfg.SMTPPassword),
		)
	}
	client, err := mail.NewClient(host, opts...)
	if err != nil {
		return nil, fmt.Errorf("creating SMTP client: %w", err)
	}
	return &smtpMailer{client: client, from: cfg.SMTPFrom}, nil
}

func (m *smtpMailer) Send(ctx context.Context, to, subject, body string) error {
	msg := mail.NewMsg()
	if err := msg.From(m.from); err != nil {
		return fmt.Errorf("invalid sender: %w", err)
	}
	if err := msg.To(to); err != nil {
		return fmt.Errorf("%w: invalid recipient: %v", ErrDeliveryFailed, err)
	}
	msg.Subject(subject)
	msg.SetBodyString(mail.TypeTextPlain, body)

	if err := m.client.DialAndSendWithContext(ctx, msg); err != nil {
		return fmt.Errorf("%w: %v", ErrDeliveryFailed, err)
	}
	return nil
}

type emailNotifier struct {
	mailer Mailer
}

func NewEmailNotifier(mailer Mailer) Notifier {
	return &emailNotifier{mailer: mailer}
}

func (n *emailNotifier) Notify(ctx context.Context, alert Alert) error {
	subject, body := renderEmail(alert)
	return n.mailer.Send(ctx, alert.Rule.Config.Email, subject, body)
}

func renderEmail(alert Alert) (subject, body string) {
	g := alert.Group
	var b strings.Builder

	switch alert.Rule.Type {
	case model.AlertRuleThreshold:
		window := 0
		if alert.Rule.WindowMinutes != nil {
			window = *alert.Rule.WindowMinutes
		}
		threshold := 0
		if alert.Rule.Threshold != nil {
			threshold = *alert.Rule.Threshold
		}
		subject = fmt.Sprintf("[%s] Alert: %d errors in %d minutes", alert.ProjectName, g.Count, window)
		fmt.Fprintf(&b, "The error threshold of %d events in %d minutes was exceeded.\n\n", threshold, window)
	case model.AlertRuleRegression:
		subject = fmt.Sprintf("[%s] Regression: %s", alert.ProjectName, shorten(g.Message, 50))
		b.WriteString("A previously resolved error has occurred again.\n\n")
		if g.ResolvedAt != nil {
			fmt.Fprintf(&b, "Resolved at: %s\n", g.ResolvedAt.UTC().Format(time.RFC3339))
		}
	default:
		subject = fmt.Sprintf("[%s] Error Alert: %s", alert.ProjectName, shorten(g.Message, 50))
	}

	fmt.Fprintf(&b, "Error: %s\n", g.Message)
	fmt.Fprintf(&b, "Location: %s:%d\n", g.File, g.Line)
	fmt.Fprintf(&b, "Events: %d\n", g.Count)
	if alert.Environment != "" {
		fmt.Fprintf(&b, "Environment: %s\n", alert.Environment)
	}
	fmt.Fprintf(&b, "\nView details: %s\n", alert.IssueURL())
	return headerSafe(subject), b.String()
}

// headerSafe flattens control characters so SDK-supplied text cannot end
// the Subject header early.
func headerSafe(s string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return ' '
		}
		return r
	}, s)
}

func shorten(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
