package mailer

import (
	"fmt"

	"bitbucket.org/mmdatafocus/directory_backend/utils"
)

// MessageKind selects a template pair from the table below. All senders go
// through Render + Send; there is exactly one transport code path.
type MessageKind string

const (
	KindFacilityApprovalRequest MessageKind = "FacilityApprovalRequest"
	KindAdminApprovalRequest    MessageKind = "AdminApprovalRequest"
	KindGiftCodeDelivery        MessageKind = "GiftCodeDelivery"
	KindEscalationNotConfigured MessageKind = "EscalationNotConfigured"
	KindEscalationOutOfStock    MessageKind = "EscalationOutOfStock"
)

// Fields is the flat interpolation set shared by every template. Templates
// only reference the fields that matter to them.
type Fields struct {
	ReviewerName string
	FacilityName string
	Amount       string
	Code         string
	ExpiresAt    string
	Link         string
	Reason       string
	Remaining    int
}

type messageTemplate struct {
	subject string
	body    string
}

var templates = map[MessageKind]messageTemplate{
	KindFacilityApprovalRequest: {
		subject: "[{{.FacilityName}}] Review confirmed - approval needed",
		body: `A public review by {{.ReviewerName}} for {{.FacilityName}} has been confirmed.

If this reviewer should receive a gift code, approve here:
{{.Link}}

The link can be used once. If you do not recognize this review, ignore this mail.
`,
	},
	KindAdminApprovalRequest: {
		subject: "[{{.FacilityName}}] Gift code send approval needed",
		body: `The facility has approved the review by {{.ReviewerName}} ({{.FacilityName}}).

To send the gift code ({{.Amount}}), approve here:
{{.Link}}
`,
	},
	KindGiftCodeDelivery: {
		subject: "Your gift code for reviewing {{.FacilityName}}",
		body: `Hello {{.ReviewerName}},

Thank you for your review of {{.FacilityName}}. Here is your gift code:

    {{.Code}}  ({{.Amount}})
{{if .ExpiresAt}}
It expires on {{.ExpiresAt}}.
{{end}}`,
	},
	KindEscalationNotConfigured: {
		subject: "[action needed] Gift amount not configured for {{.FacilityName}}",
		body: `A gift code send for {{.ReviewerName}} ({{.FacilityName}}) could not start:
no gift amount is configured for this facility.

Configure the amount for the facility, then retry:
{{.Link}}

No code was taken from any pool.
`,
	},
	KindEscalationOutOfStock: {
		subject: "[action needed] Gift code send failed for {{.FacilityName}}",
		body: `A gift code send for {{.ReviewerName}} ({{.FacilityName}}) did not complete.

Reason: {{.Reason}}
Amount: {{.Amount}} (codes remaining in pool: {{.Remaining}})

After restocking or fixing the cause, retry:
{{.Link}}
`,
	},
}

// Render produces the subject and body for a message kind. Unknown kinds are
// a programming error and surface as one.
func Render(kind MessageKind, f Fields) (subject string, body string, err error) {
	tmpl, ok := templates[kind]
	if !ok {
		return "", "", fmt.Errorf("unknown message kind %q", kind)
	}
	data := map[string]interface{}{
		"ReviewerName": f.ReviewerName,
		"FacilityName": f.FacilityName,
		"Amount":       f.Amount,
		"Code":         f.Code,
		"ExpiresAt":    f.ExpiresAt,
		"Link":         f.Link,
		"Reason":       f.Reason,
		"Remaining":    f.Remaining,
	}
	subject, err = utils.ExecTemplate(tmpl.subject, data)
	if err != nil {
		return "", "", err
	}
	body, err = utils.ExecTemplate(tmpl.body, data)
	if err != nil {
		return "", "", err
	}
	return subject, body, nil
}
