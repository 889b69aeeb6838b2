package types

import (
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func TestEmailAddress_Validate(t *testing.T) {
	tests := []struct {
		addr  string
		valid bool
	}{
		{"test@example.com", true},
		{"user+tag@example.co.uk", true},
		{"first.last@sub.domain.org", true},
		{"invalid", false},
		{"@example.com", false},
		{"user@", false},
		{"user@example", false},
		{"us er@example.com", false},
	}

	for _, tt := range tests {
		t.Run(tt.addr, func(t *testing.T) {
			err := EmailAddress{Address: tt.addr}.Validate()
			if tt.valid && err != nil {
				t.Errorf("expected valid, got %v", err)
			}
			if !tt.valid && err == nil {
				t.Error("expected error for invalid address")
			}
		})
	}
}

func TestEmailAddress_DomainAndLocalPart(t *testing.T) {
	a := EmailAddress{Address: "_App1@ACME.com"}
	if a.Domain() != "acme.com" {
		t.Errorf("Domain() = %q, want acme.com", a.Domain())
	}
	if a.LocalPart() != "_App1" {
		t.Errorf("LocalPart() = %q, want _App1", a.LocalPart())
	}
	if DomainOf("nodomain") != "" {
		t.Error("DomainOf without @ should be empty")
	}
	if DomainOf("trailing@") != "" {
		t.Error("DomainOf with empty domain should be empty")
	}
}

func TestEmailAddress_String(t *testing.T) {
	if got := (EmailAddress{Address: "a@b.com", Name: "Alice"}).String(); got != "Alice <a@b.com>" {
		t.Errorf("String() = %q", got)
	}
	if got := (EmailAddress{Address: "a@b.com"}).String(); got != "a@b.com" {
		t.Errorf("String() = %q", got)
	}
}

func TestEmail_AttachmentsDataNeverSerialized(t *testing.T) {
	e := Email{
		MessageID:       "m1",
		AttachmentsData: []AttachmentData{{Filename: "secret.pdf", Data: []byte("%PDF-raw-bytes")}},
		ReceivedAt:      time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}

	data, err := json.Marshal(e)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if strings.Contains(string(data), "raw-bytes") || strings.Contains(string(data), "secret.pdf") {
		t.Errorf("raw attachment data leaked into JSON: %s", data)
	}
}

func TestAttachment_FailedOmitsLocation(t *testing.T) {
	a := Attachment{
		Filename:          "payload.exe",
		SanitizedFilename: "payload.exe",
		ContentType:       "application/octet-stream",
		Status:            AttachmentFailed,
		Error:             "blocked extension",
	}

	data, err := json.Marshal(a)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	for _, key := range []string{"s3Key", "s3Bucket", "presignedUrl"} {
		if strings.Contains(string(data), key) {
			t.Errorf("failed attachment JSON should not contain %s: %s", key, data)
		}
	}
	if !strings.Contains(string(data), `"status":"failed"`) {
		t.Errorf("expected failed status in %s", data)
	}
}

func TestEmail_Recipients(t *testing.T) {
	e := Email{
		To:  []EmailAddress{{Address: "a@x.com"}},
		Cc:  []EmailAddress{{Address: "b@x.com"}},
		Bcc: []EmailAddress{{Address: "c@x.com"}},
	}
	got := e.Recipients()
	if len(got) != 3 || got[0].Address != "a@x.com" || got[2].Address != "c@x.com" {
		t.Errorf("Recipients() = %v", got)
	}
}
