package email

import (
	"context"
	"fmt"
	"log/slog"
	"mime"
	"net/smtp"
	"strings"
)

type Sender interface {
	Send(ctx context.Context, to string, subject string, body string) error
}

// SMTPSender sends email via unauthenticated SMTP (Mailpit-compatible).
type SMTPSender struct {
	addr string
	from string
}

func NewSMTPSender(host string, port string, from string) *SMTPSender {
	host = strings.TrimSpace(host)
	port = strings.TrimSpace(port)
	from = strings.TrimSpace(from)
	if from == "" {
		from = "no-reply@orderpipe.local"
	}
	return &SMTPSender{
		addr: fmt.Sprintf("%s:%s", host, port),
		from: from,
	}
}

// Send ignores ctx once the SMTP dialogue has started; net/smtp has no
// cancellation hook.
func (s *SMTPSender) Send(ctx context.Context, to string, subject string, body string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	msg := buildMessage(s.from, to, subject, body)
	if err := smtp.SendMail(s.addr, nil, s.from, []string{to}, []byte(msg)); err != nil {
		return fmt.Errorf("smtp send to %s: %w", to, err)
	}
	return nil
}

func buildMessage(from, to, subject, body string) string {
	return fmt.Sprintf(
		"From: %s\r\nTo: %s\r\nSubject: %s\r\nMIME-Version: 1.0\r\nContent-Type: text/plain; charset=utf-8\r\n\r\n%s\r\n",
		singleLine(from),
		singleLine(to),
		mime.QEncoding.Encode("utf-8", singleLine(subject)),
		body,
	)
}

// singleLine folds CR and LF into spaces so a value cannot start a new header.
func singleLine(v string) string {
	return strings.Map(func(r rune) rune {
		if r == '\r' || r == '\n' {
			return ' '
		}
		return r
	}, v)
}

// NoopSender only logs. Used when SMTP_HOST is not configured.
type NoopSender struct {
	Logger *slog.Logger
}

func (s NoopSender) Send(_ context.Context, to string, subject string, _ string) error {
	if s.Logger != nil {
		s.Logger.Info("email send skipped (noop sender)", "to", to, "subject", subject)
	}
	return nil
}
