// Package mail renders and delivers account emails.
package mail

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"text/template"
	"time"
)

type Message struct {
	To      string
	Subject string
	Body    string
}

// Sender delivers a rendered message.
type Sender interface {
	Send(ctx context.Context, msg Message) error
}

var (
	resetTmpl = template.Must(template.New("reset").Parse(`Hello {{.Name}},

A password reset was requested for your {{.App}} account.
Open the link below to choose a new password:

{{.Link}}

The link expires at {{.ExpiresAt}} and can be used once.
If you did not request this, you can ignore this email.
`))

	changedTmpl = template.Must(template.New("changed").Parse(`Hello {{.Name}},

The password for your {{.App}} account was just changed.
If this was not you, contact an administrator immediately.
`))
)

// Notifier renders account emails and hands them to a Sender.
type Notifier struct {
	sender  Sender
	appName string
}

func NewNotifier(sender Sender, appName string) *Notifier {
	if appName == "" {
		appName = "Bioadmin"
	}
	return &Notifier{sender: sender, appName: appName}
}

func (n *Notifier) SendPasswordReset(ctx context.Context, to, name, link string, expiresAt time.Time) error {
	body, err := render(resetTmpl, map[string]string{
		"App":       n.appName,
		"Name":      displayName(name, to),
		"Link":      link,
		"ExpiresAt": expiresAt.UTC().Format("2006-01-02 15:04 MST"),
	})
	if err != nil {
		return err
	}
	return n.sender.Send(ctx, Message{To: to, Subject: n.appName + " password reset", Body: body})
}

func (n *Notifier) SendPasswordChanged(ctx context.Context, to, name string) error {
	body, err := render(changedTmpl, map[string]string{
		"App":  n.appName,
		"Name": displayName(name, to),
	})
	if err != nil {
		return err
	}
	return n.sender.Send(ctx, Message{To: to, Subject: n.appName + " password changed", Body: body})
}

func render(t *template.Template, data any) (string, error) {
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("render %s email: %w", t.Name(), err)
	}
	return buf.String(), nil
}

func displayName(name, fallback string) string {
	if name != "" {
		return name
	}
	return fallback
}

// LogSender writes messages to the logger instead of delivering them. It is
// used when no SMTP host is configured.
type LogSender struct {
	log *slog.Logger
}

func NewLogSender(log *slog.Logger) *LogSender {
	if log == nil {
		log = slog.Default()
	}
	return &LogSender{log: log}
}

func (s *LogSender) Send(ctx context.Context, msg Message) error {
	s.log.InfoContext(ctx, "email not delivered, smtp disabled", "to", msg.To, "subject", msg.Subject)
	return nil
}
