package mail

import (
	"context"
	"strings"
	"testing"
)

func TestNewMailerRequiresCredentials(t *testing.T) {
	if m := NewMailer("", "secret", "token", "svc@example.org"); m != nil {
		t.Error("missing client id must disable the mailer")
	}
	if m := NewMailer("id", "secret", "token", "svc@example.org"); m == nil {
		t.Error("full credentials must enable the mailer")
	}
}

func TestNilMailerSendIsNoOp(t *testing.T) {
	var m *Mailer
	if err := m.Send(context.Background(), "to@example.org", nil, "subject", "<p>body</p>", ""); err != nil {
		t.Errorf("nil mailer must degrade silently, got %v", err)
	}
}

func TestBuildMIME(t *testing.T) {
	raw, err := buildMIME("svc@example.org", "officer@avadi.tn.gov.in",
		[]string{"grievances@avadi.tn.gov.in"}, "Work Order", "<p>hello</p>", "")
	if err != nil {
		t.Fatalf("buildMIME failed: %v", err)
	}
	msg := string(raw)

	for _, want := range []string{
		"From: svc@example.org",
		"To: officer@avadi.tn.gov.in",
		"Cc: grievances@avadi.tn.gov.in",
		"Content-Type: text/html",
		"<p>hello</p>",
	} {
		if !strings.Contains(msg, want) {
			t.Errorf("MIME message missing %q", want)
		}
	}
}

func TestBuildMIMESkipsMissingAttachment(t *testing.T) {
	raw, err := buildMIME("a@b.c", "d@e.f", nil, "s", "body", "/nonexistent/photo.jpg")
	if err != nil {
		t.Fatalf("missing attachment must not fail the send: %v", err)
	}
	if strings.Contains(string(raw), "Content-Disposition: attachment") {
		t.Error("unreadable attachment must be omitted")
	}
}

func TestWorkOrderBodyHTML(t *testing.T) {
	html := WorkOrderBody{
		WorkOrderID:  "WO-3F2A91BC",
		ComplaintID:  "CIV-00000001",
		IssueType:    "water_leak",
		Severity:     "high",
		Description:  "Burst pipe flooding the street",
		LocationText: "Avadi",
		OfficerName:  "Municipal Officer (Avadi)",
		Department:   "Water Supply & Drainage",
	}.HTML()

	for _, want := range []string{"WO-3F2A91BC", "CIV-00000001", "water leak", "high severity"} {
		if !strings.Contains(html, want) {
			t.Errorf("work order body missing %q", want)
		}
	}
}

func TestEscalationBodyHTML(t *testing.T) {
	html := EscalationBody{
		WorkOrderID:        "WO-00000002",
		ClusterID:          "CLU-00000001",
		IssueType:          "water_leak",
		Priority:           "P1",
		Size:               5,
		Score:              72.5,
		LocationText:       "Tambaram",
		FailureType:        "water main burst",
		Reasoning:          "Repeated leaks along one main suggest imminent failure",
		EstimatedWindowHrs: 48,
		Households:         36,
	}.HTML()

	for _, want := range []string{"P1", "CLU-00000001", "5 complaints", "72.5", "36", "water main burst", "48 hours"} {
		if !strings.Contains(html, want) {
			t.Errorf("escalation body missing %q", want)
		}
	}
}

func TestCitizenAckBody(t *testing.T) {
	html := CitizenAckBody("CIV-00000001", "garbage_overflow", "Avadi market")
	if !strings.Contains(html, "CIV-00000001") || !strings.Contains(html, "garbage overflow") {
		t.Errorf("ack body incomplete: %s", html)
	}
}
