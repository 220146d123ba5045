package config

import (
	"os"
	"strings"
	"sync"

	"bitbucket.org/mmdatafocus/directory_backend/mailer"
)

var (
	mailerOnce     sync.Once
	mailerInstance *mailer.Mailer
)

// GetMailer builds the shared Mailer from env on first use.
// Env:
// - MAIL_FROM (default no-reply@localhost)
// - ADMIN_EMAILS (comma-separated; admin notifications fan out to all)
// - SMTP_HOST / SMTP_PORT / SMTP_USERNAME / SMTP_PASSWORD (optional; log transport when unset)
func GetMailer() *mailer.Mailer {
	mailerOnce.Do(func() {
		from := strings.TrimSpace(os.Getenv("MAIL_FROM"))
		if from == "" {
			from = "no-reply@localhost"
		}
		mailerInstance = mailer.New(mailer.Config{
			From:            from,
			AdminRecipients: splitAndTrim(os.Getenv("ADMIN_EMAILS")),
			SMTPHost:        strings.TrimSpace(os.Getenv("SMTP_HOST")),
			SMTPPort:        IntFromEnv("SMTP_PORT", 587),
			SMTPUsername:    os.Getenv("SMTP_USERNAME"),
			SMTPPassword:    os.Getenv("SMTP_PASSWORD"),
		}, GetLogger())
	})
	return mailerInstance
}

// AppBaseURL is the externally reachable base for approval/re-drive links in
// outbound mail (no trailing slash).
func AppBaseURL() string {
	v := strings.TrimRight(strings.TrimSpace(os.Getenv("APP_BASE_URL")), "/")
	if v == "" {
		v = "http://localhost:8080"
	}
	return v
}

func splitAndTrim(csv string) []string {
	if strings.TrimSpace(csv) == "" {
		return nil
	}
	parts := strings.Split(csv, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
