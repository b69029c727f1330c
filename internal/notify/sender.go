// Package notify delivers OTP messages. SMTPSender talks to the mail server;
// AsyncSender moves delivery onto a worker pool while callers still await the result.
package notify

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gopkg.in/mail.v2"

	"github.com/ovaphlow/pitchfork/service-shop-auth/pkg/utilities"
)

// Message is one notification addressed to an email destination.
type Message struct {
	To      string
	Subject string
	Text    string
	HTML    string
}

// Sender delivers a message or reports why it could not.
type Sender interface {
	Send(ctx context.Context, msg Message) error
}

var ErrUnsupportedDestination = errors.New("destination is not an email address")

type dialer interface {
	DialAndSend(m ...*mail.Message) error
}

// SMTPSender sends mail through one SMTP relay.
type SMTPSender struct {
	dialer   dialer
	from     string
	attempts int
	backoff  time.Duration
	logger   *zap.SugaredLogger
}

// NewSMTPSender picks the TLS mode from the port: 587 requires STARTTLS,
// 465 is implicit TLS, anything else upgrades opportunistically.
func NewSMTPSender(host string, port int, username, password, from string, logger *zap.SugaredLogger) *SMTPSender {
	d := mail.NewDialer(host, port, username, password)
	d.Timeout = 30 * time.Second
	switch port {
	case 587:
		d.StartTLSPolicy = mail.MandatoryStartTLS
	case 465:
		d.SSL = true
		d.StartTLSPolicy = mail.NoStartTLS
	default:
		d.StartTLSPolicy = mail.OpportunisticStartTLS
	}
	return &SMTPSender{dialer: d, from: from, attempts: 3, backoff: time.Second, logger: logger}
}

func (s *SMTPSender) Send(ctx context.Context, msg Message) error {
	if !utilities.IsEmail(msg.To) {
		return ErrUnsupportedDestination
	}
	m := mail.NewMessage()
	m.SetHeader("From", s.from)
	m.SetHeader("To", msg.To)
	m.SetHeader("Subject", msg.Subject)
	m.SetHeader("X-Priority", "1")
	m.SetBody("text/plain", msg.Text)
	if msg.HTML != "" {
		m.AddAlternative("text/html", msg.HTML)
	}

	var err error
	for attempt := 1; attempt <= s.attempts; attempt++ {
		if err = s.dialer.DialAndSend(m); err == nil {
			return nil
		}
		s.logger.Warnw("smtp send failed", "to", utilities.MaskLogin(msg.To), "attempt", attempt, "err", err)
		if attempt == s.attempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(attempt) * s.backoff):
		}
	}
	return fmt.Errorf("smtp send after %d attempts: %w", s.attempts, err)
}
