package mailer

import (
	"github.com/sirupsen/logrus"
	"gopkg.in/gomail.v2"
)

// Config is injected at construction. No sender reads the environment
// directly; config/mailer.go builds this once from env.
type Config struct {
	From            string
	AdminRecipients []string
	SMTPHost        string
	SMTPPort        int
	SMTPUsername    string
	SMTPPassword    string
}

type transport interface {
	send(from, to, subject, body string) error
	name() string
}

type smtpTransport struct {
	dialer *gomail.Dialer
}

func (t *smtpTransport) name() string { return "smtp" }

func (t *smtpTransport) send(from, to, subject, body string) error {
	m := gomail.NewMessage()
	m.SetHeader("From", from)
	m.SetHeader("To", to)
	m.SetHeader("Subject", subject)
	m.SetBody("text/plain", body)
	return t.dialer.DialAndSend(m)
}

// logTransport writes the rendered mail to the structured log. It backs two
// situations: local/dev environments without SMTP, and operator recovery of
// messages whose SMTP delivery failed.
type logTransport struct {
	logger *logrus.Logger
}

func (t *logTransport) name() string { return "log" }

func (t *logTransport) send(from, to, subject, body string) error {
	if t.logger == nil {
		return nil
	}
	t.logger.WithFields(logrus.Fields{
		"module":  "mailer",
		"from":    from,
		"to":      to,
		"subject": subject,
		"body":    body,
	}).Info("mail written to log transport")
	return nil
}

type Mailer struct {
	cfg      Config
	logger   *logrus.Logger
	primary  transport
	fallback transport

	// smtpConfigured distinguishes "log transport is the environment" (dev,
	// sends count as delivered) from "log transport is the fallback copy of a
	// failed SMTP send" (does not count as delivered).
	smtpConfigured bool
}

func New(cfg Config, logger *logrus.Logger) *Mailer {
	m := &Mailer{
		cfg:      cfg,
		logger:   logger,
		fallback: &logTransport{logger: logger},
	}
	if cfg.SMTPHost != "" {
		m.primary = &smtpTransport{
			dialer: gomail.NewDialer(cfg.SMTPHost, cfg.SMTPPort, cfg.SMTPUsername, cfg.SMTPPassword),
		}
		m.smtpConfigured = true
	} else {
		if logger != nil {
			logger.WithFields(logrus.Fields{"module": "mailer"}).
				Warn("SMTP not configured; outbound mail goes to the log transport")
		}
		m.primary = m.fallback
	}
	return m
}

func (m *Mailer) AdminRecipients() []string {
	return m.cfg.AdminRecipients
}

// Send delivers to every recipient best-effort. Overall success means at
// least one recipient accepted; partial failure is logged per recipient and
// intentionally not retried.
func (m *Mailer) Send(to []string, subject, body string) bool {
	delivered := false
	for _, rcpt := range to {
		if rcpt == "" {
			continue
		}
		err := m.primary.send(m.cfg.From, rcpt, subject, body)
		if err == nil {
			delivered = true
			continue
		}
		if m.logger != nil {
			m.logger.WithFields(logrus.Fields{
				"module":    "mailer",
				"transport": m.primary.name(),
				"to":        rcpt,
				"subject":   subject,
			}).Error("mail send failed: " + err.Error())
		}
		// Keep a recoverable copy of what we could not deliver.
		_ = m.fallback.send(m.cfg.From, rcpt, subject, body)
	}
	return delivered
}
