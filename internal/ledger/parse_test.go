package ledger

import (
	"errors"
	"testing"
	"time"

	"github.com/mkoval/certledger/internal/record"
)

var t0 = time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)

func issuanceEntry(comments ...Comment) *Entry {
	return &Entry{
		ID:        42,
		Title:     "[cert-request] certificate for alice",
		Body:      "Requesting a code-signing certificate.",
		Author:    "alice",
		CreatedAt: t0,
		ClosedAt:  t0.Add(time.Hour),
		Comments:  comments,
	}
}

func TestExtractCertificate_StructuredBlock(t *testing.T) {
	body := FormatIssuanceEvent("aa11bb22", "AB:CD:EF", t0)
	e := issuanceEntry(Comment{Author: "cert-bot", Body: "done!\n\n" + body, CreatedAt: t0.Add(time.Minute)})

	c, err := ExtractCertificate(e)
	if err != nil {
		t.Fatalf("ExtractCertificate: %v", err)
	}
	if c.SerialNumber != "aa11bb22" {
		t.Errorf("serial = %q, want aa11bb22", c.SerialNumber)
	}
	if c.Owner != "alice" {
		t.Errorf("owner = %q, want alice", c.Owner)
	}
	if !c.IssuedAt.Equal(t0) {
		t.Errorf("issuedAt = %s, want %s", c.IssuedAt, t0)
	}
	if want := t0.Add(record.ValidityPeriod); !c.ExpiresAt.Equal(want) {
		t.Errorf("expiresAt = %s, want %s", c.ExpiresAt, want)
	}
	if c.SourceID != 42 {
		t.Errorf("sourceID = %d, want 42", c.SourceID)
	}
}

func TestExtractCertificate_LegacyMarker(t *testing.T) {
	e := issuanceEntry(Comment{
		Author:    "cert-bot",
		Body:      "Certificate issued :tada:\nSerial: DEADBEEF01\nFingerprint: aa:bb:cc:dd\nIssued: 2025-03-10T12:00:00Z",
		CreatedAt: t0.Add(time.Minute),
	})

	c, err := ExtractCertificate(e)
	if err != nil {
		t.Fatalf("ExtractCertificate: %v", err)
	}
	if c.SerialNumber != "deadbeef01" {
		t.Errorf("serial = %q, want deadbeef01 (lowercased)", c.SerialNumber)
	}
	if c.Fingerprint != "AA:BB:CC:DD" {
		t.Errorf("fingerprint = %q, want AA:BB:CC:DD (uppercased)", c.Fingerprint)
	}
	if !c.IssuedAt.Equal(t0) {
		t.Errorf("issuedAt = %s, want %s (from Issued field)", c.IssuedAt, t0)
	}
}

func TestExtractCertificate_LastMarkerWins(t *testing.T) {
	e := issuanceEntry(
		Comment{Author: "cert-bot", Body: "Certificate issued\nSerial: 1111", CreatedAt: t0},
		Comment{Author: "cert-bot", Body: "Reissued after correction.\n\n" + FormatIssuanceEvent("2222", "", t0.Add(time.Hour)), CreatedAt: t0.Add(time.Hour)},
	)

	c, err := ExtractCertificate(e)
	if err != nil {
		t.Fatalf("ExtractCertificate: %v", err)
	}
	if c.SerialNumber != "2222" {
		t.Errorf("serial = %q, want 2222 (last marker in thread)", c.SerialNumber)
	}
}

func TestExtractCertificate_NoMarker(t *testing.T) {
	e := issuanceEntry(Comment{Author: "bob", Body: "just chatting", CreatedAt: t0})
	_, err := ExtractCertificate(e)
	if !errors.Is(err, ErrNoRecord) {
		t.Fatalf("err = %v, want ErrNoRecord", err)
	}
}

func TestExtractCertificate_MalformedBlockIgnored(t *testing.T) {
	e := issuanceEntry(
		Comment{Author: "cert-bot", Body: "```certledger\n{not json\n```", CreatedAt: t0},
		Comment{Author: "cert-bot", Body: FormatIssuanceEvent("3333", "", t0), CreatedAt: t0.Add(time.Minute)},
	)
	c, err := ExtractCertificate(e)
	if err != nil {
		t.Fatalf("ExtractCertificate: %v", err)
	}
	if c.SerialNumber != "3333" {
		t.Errorf("serial = %q, want 3333", c.SerialNumber)
	}
}

func TestExtractRevocation(t *testing.T) {
	e := &Entry{
		ID:     7,
		Title:  "[cert-revocation] revoke my key",
		Body:   "Serial: AA11\nReason: key compromise",
		Author: "mallory-victim",
		Comments: []Comment{{
			Author:    "cert-bot",
			Body:      FormatRevocationEvent("aa11", record.ReasonKeyCompromise, t0),
			CreatedAt: t0,
		}},
	}

	r, err := ExtractRevocation(e)
	if err != nil {
		t.Fatalf("ExtractRevocation: %v", err)
	}
	if r.SerialNumber != "aa11" {
		t.Errorf("serial = %q, want aa11", r.SerialNumber)
	}
	if r.RequestedBy != "mallory-victim" {
		t.Errorf("requestedBy = %q, want entry author", r.RequestedBy)
	}
	if r.Reason != record.ReasonKeyCompromise {
		t.Errorf("reason = %q, want keyCompromise", r.Reason)
	}
	if !r.RevokedAt.Equal(t0) {
		t.Errorf("revokedAt = %s, want %s", r.RevokedAt, t0)
	}
}

func TestRequestedSerial(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		want    string
		wantErr bool
	}{
		{"plain", "Serial: AB12CD\nReason: superseded", "ab12cd", false},
		{"backticked", "Serial: `FF00`", "ff00", false},
		{"bold label", "**Serial**: 1234", "1234", false},
		{"missing", "please revoke my cert", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := RequestedSerial(&Entry{ID: 1, Body: tt.body})
			if tt.wantErr {
				if !errors.Is(err, ErrNoRecord) {
					t.Fatalf("err = %v, want ErrNoRecord", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("RequestedSerial: %v", err)
			}
			if got != tt.want {
				t.Errorf("serial = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestParseReason(t *testing.T) {
	tests := []struct {
		in   string
		want record.Reason
	}{
		{"key compromise", record.ReasonKeyCompromise},
		{"keyCompromise", record.ReasonKeyCompromise},
		{"Superseded", record.ReasonSuperseded},
		{"whatever", record.ReasonUnspecified},
		{"", record.ReasonUnspecified},
	}
	for _, tt := range tests {
		if got := record.ParseReason(tt.in); got != tt.want {
			t.Errorf("ParseReason(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
