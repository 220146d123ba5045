package mailer

import (
	"errors"
	"strings"
	"testing"
)

type fakeTransport struct {
	failFor map[string]bool
	sent    []string
}

func (t *fakeTransport) name() string { return "fake" }

func (t *fakeTransport) send(from, to, subject, body string) error {
	if t.failFor[to] {
		return errors.New("connection refused")
	}
	t.sent = append(t.sent, to)
	return nil
}

func newTestMailer(primary, fallback transport) *Mailer {
	return &Mailer{
		cfg:      Config{From: "no-reply@example.com", AdminRecipients: []string{"a@example.com", "b@example.com"}},
		primary:  primary,
		fallback: fallback,
	}
}

func TestSend_AllRecipientsAccepted(t *testing.T) {
	primary := &fakeTransport{}
	m := newTestMailer(primary, &fakeTransport{})

	if !m.Send([]string{"a@example.com", "b@example.com"}, "subj", "body") {
		t.Fatal("expected delivery to succeed")
	}
	if len(primary.sent) != 2 {
		t.Fatalf("expected 2 sends, got %d", len(primary.sent))
	}
}

func TestSend_PartialFailure_StillCountsAsDelivered(t *testing.T) {
	primary := &fakeTransport{failFor: map[string]bool{"a@example.com": true}}
	fallback := &fakeTransport{}
	m := newTestMailer(primary, fallback)

	if !m.Send([]string{"a@example.com", "b@example.com"}, "subj", "body") {
		t.Fatal("expected one accepted recipient to count as delivered")
	}
	// The failed recipient's copy lands on the fallback.
	if len(fallback.sent) != 1 || fallback.sent[0] != "a@example.com" {
		t.Fatalf("expected fallback copy for the failed recipient, got %v", fallback.sent)
	}
}

func TestSend_AllFail_ReportsNotDelivered(t *testing.T) {
	primary := &fakeTransport{failFor: map[string]bool{"a@example.com": true, "b@example.com": true}}
	fallback := &fakeTransport{}
	m := newTestMailer(primary, fallback)

	if m.Send([]string{"a@example.com", "b@example.com"}, "subj", "body") {
		t.Fatal("expected delivery to fail when every recipient fails")
	}
	if len(fallback.sent) != 2 {
		t.Fatalf("expected fallback copies for both recipients, got %d", len(fallback.sent))
	}
}

func TestSend_SkipsEmptyRecipients(t *testing.T) {
	primary := &fakeTransport{}
	m := newTestMailer(primary, &fakeTransport{})

	if m.Send([]string{"", ""}, "subj", "body") {
		t.Fatal("expected no delivery with only empty recipients")
	}
	if len(primary.sent) != 0 {
		t.Fatalf("expected no sends, got %d", len(primary.sent))
	}
}

func TestRender_GiftCodeDelivery(t *testing.T) {
	subject, body, err := Render(KindGiftCodeDelivery, Fields{
		ReviewerName: "Aye Chan",
		FacilityName: "Golden Land Clinic",
		Amount:       "25.00",
		Code:         "GC-XYZ-123",
		ExpiresAt:    "2026-12-31",
	})
	if err != nil {
		t.Fatalf("render failed: %v", err)
	}
	if subject == "" {
		t.Fatal("expected a subject")
	}
	for _, want := range []string{"Aye Chan", "Golden Land Clinic", "25.00", "GC-XYZ-123"} {
		if !strings.Contains(body, want) {
			t.Fatalf("expected body to contain %q, body:\n%s", want, body)
		}
	}
}

func TestRender_AllKindsHaveTemplates(t *testing.T) {
	kinds := []MessageKind{
		KindFacilityApprovalRequest,
		KindAdminApprovalRequest,
		KindGiftCodeDelivery,
		KindEscalationNotConfigured,
		KindEscalationOutOfStock,
	}
	for _, kind := range kinds {
		if _, _, err := Render(kind, Fields{}); err != nil {
			t.Fatalf("render %s failed: %v", kind, err)
		}
	}
}

func TestRender_UnknownKind(t *testing.T) {
	if _, _, err := Render(MessageKind("NOPE"), Fields{}); err == nil {
		t.Fatal("expected an error for an unknown kind")
	}
}
