package ledger

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/mkoval/certledger/internal/record"
)

// ErrNoRecord reports that an entry's thread contains no extractable
// certificate event. Permanent for that entry; callers skip and log, never
// fail the batch over it.
var ErrNoRecord = errors.New("no certificate record in entry")

// Event kinds carried by the structured comment schema.
const (
	eventIssued  = "issued"
	eventRevoked = "revoked"
)

// certEvent is the typed event block posted in ledger comments. Schema
// version 1.
type certEvent struct {
	Schema      int    `json:"schema"`
	Event       string `json:"event"`
	Serial      string `json:"serial"`
	Fingerprint string `json:"fingerprint,omitempty"`
	IssuedAt    string `json:"issuedAt,omitempty"`
	RevokedAt   string `json:"revokedAt,omitempty"`
	Reason      string `json:"reason,omitempty"`
}

var (
	eventBlockRe = regexp.MustCompile("(?s)```certledger\\s*\\n(.*?)```")

	// Legacy free-text markers. Historical threads carry a sentinel line and
	// labeled fields instead of the structured block.
	legacyIssuedRe  = regexp.MustCompile(`(?i)certificate issued`)
	legacyRevokedRe = regexp.MustCompile(`(?i)certificate revoked`)
	serialFieldRe   = regexp.MustCompile(`(?im)^\s*\**Serial\**\s*:\s*` + "`?" + `([0-9a-fA-F]+)` + "`?")
	fpFieldRe       = regexp.MustCompile(`(?im)^\s*\**Fingerprint\**\s*:\s*` + "`?" + `([0-9A-Fa-f:]+)` + "`?")
	issuedFieldRe   = regexp.MustCompile(`(?im)^\s*\**Issued\**\s*:\s*(\S+)`)
	reasonFieldRe   = regexp.MustCompile(`(?im)^\s*\**Reason\**\s*:\s*(.+)$`)
)

// FormatIssuanceEvent renders the structured comment block for a fresh
// issuance. The human-readable preamble around it is the engine's business.
func FormatIssuanceEvent(serial, fingerprint string, issuedAt time.Time) string {
	ev := certEvent{
		Schema:      1,
		Event:       eventIssued,
		Serial:      serial,
		Fingerprint: fingerprint,
		IssuedAt:    issuedAt.UTC().Format(time.RFC3339),
	}
	b, _ := json.Marshal(ev) //nolint:errcheck // plain struct, cannot fail
	return fmt.Sprintf("```certledger\n%s\n```", b)
}

// FormatRevocationEvent renders the structured comment block for a processed
// revocation.
func FormatRevocationEvent(serial string, reason record.Reason, revokedAt time.Time) string {
	ev := certEvent{
		Schema:    1,
		Event:     eventRevoked,
		Serial:    serial,
		Reason:    string(reason),
		RevokedAt: revokedAt.UTC().Format(time.RFC3339),
	}
	b, _ := json.Marshal(ev) //nolint:errcheck // plain struct, cannot fail
	return fmt.Sprintf("```certledger\n%s\n```", b)
}

// ExtractCertificate recovers the issuance record from an entry's thread.
// Structured blocks and legacy markers are both honored; the last match in
// the thread wins, which supports corrections within one thread.
func ExtractCertificate(e *Entry) (*record.Certificate, error) {
	var found *record.Certificate

	scan := func(body string, at time.Time) {
		if ev, ok := lastEventBlock(body, eventIssued); ok {
			issued := parseEventTime(ev.IssuedAt, at)
			found = &record.Certificate{
				SerialNumber: strings.ToLower(ev.Serial),
				Fingerprint:  strings.ToUpper(ev.Fingerprint),
				Owner:        e.Author,
				IssuedAt:     issued,
				ExpiresAt:    issued.Add(record.ValidityPeriod),
				SourceID:     e.ID,
			}
			return
		}
		if c := legacyCertificate(e, body, at); c != nil {
			found = c
		}
	}

	scan(e.Body, fallbackTime(e.CreatedAt, e.ClosedAt))
	for i := range e.Comments {
		scan(e.Comments[i].Body, e.Comments[i].CreatedAt)
	}

	if found == nil {
		return nil, fmt.Errorf("entry #%d: %w", e.ID, ErrNoRecord)
	}
	if found.SerialNumber == "" {
		return nil, fmt.Errorf("entry #%d: marker without serial: %w", e.ID, ErrNoRecord)
	}
	return found, nil
}

// ExtractRevocation recovers the revocation record from an entry's thread.
// The requester is the entry author; the platform has already authenticated
// that field, unlike anything claimed in the body text.
func ExtractRevocation(e *Entry) (*record.Revocation, error) {
	var found *record.Revocation

	scan := func(body string, at time.Time) {
		if ev, ok := lastEventBlock(body, eventRevoked); ok {
			found = &record.Revocation{
				SerialNumber: strings.ToLower(ev.Serial),
				RequestedBy:  e.Author,
				Reason:       record.ParseReason(ev.Reason),
				RevokedAt:    parseEventTime(ev.RevokedAt, at),
				SourceID:     e.ID,
			}
			return
		}
		if r := legacyRevocation(e, body, at); r != nil {
			found = r
		}
	}

	scan(e.Body, fallbackTime(e.CreatedAt, e.ClosedAt))
	for i := range e.Comments {
		scan(e.Comments[i].Body, e.Comments[i].CreatedAt)
	}

	if found == nil || found.SerialNumber == "" {
		return nil, fmt.Errorf("entry #%d: %w", e.ID, ErrNoRecord)
	}
	return found, nil
}

// RequestedSerial pulls the serial number a revocation entry is asking about,
// from the entry body alone. Used before any processing marker exists.
func RequestedSerial(e *Entry) (string, error) {
	m := serialFieldRe.FindStringSubmatch(e.Body)
	if m == nil {
		return "", fmt.Errorf("entry #%d: no serial field in request body: %w", e.ID, ErrNoRecord)
	}
	return strings.ToLower(m[1]), nil
}

// RequestedReason pulls the stated revocation reason from the entry body.
func RequestedReason(e *Entry) record.Reason {
	if m := reasonFieldRe.FindStringSubmatch(e.Body); m != nil {
		return record.ParseReason(m[1])
	}
	return record.ReasonUnspecified
}

// lastEventBlock returns the last well-formed structured event of the wanted
// kind in the text.
func lastEventBlock(body, kind string) (certEvent, bool) {
	matches := eventBlockRe.FindAllStringSubmatch(body, -1)
	for i := len(matches) - 1; i >= 0; i-- {
		var ev certEvent
		if err := json.Unmarshal([]byte(strings.TrimSpace(matches[i][1])), &ev); err != nil {
			continue
		}
		if ev.Schema != 1 || ev.Event != kind {
			continue
		}
		return ev, true
	}
	return certEvent{}, false
}

func legacyCertificate(e *Entry, body string, at time.Time) *record.Certificate {
	if !legacyIssuedRe.MatchString(body) {
		return nil
	}
	sm := serialFieldRe.FindStringSubmatch(body)
	if sm == nil {
		return nil
	}
	issued := at
	if im := issuedFieldRe.FindStringSubmatch(body); im != nil {
		if t, err := time.Parse(time.RFC3339, im[1]); err == nil {
			issued = t
		}
	}
	c := &record.Certificate{
		SerialNumber: strings.ToLower(sm[1]),
		Owner:        e.Author,
		IssuedAt:     issued,
		ExpiresAt:    issued.Add(record.ValidityPeriod),
		SourceID:     e.ID,
	}
	if fm := fpFieldRe.FindStringSubmatch(body); fm != nil {
		c.Fingerprint = strings.ToUpper(fm[1])
	}
	return c
}

func legacyRevocation(e *Entry, body string, at time.Time) *record.Revocation {
	if !legacyRevokedRe.MatchString(body) {
		return nil
	}
	sm := serialFieldRe.FindStringSubmatch(body)
	if sm == nil {
		return nil
	}
	r := &record.Revocation{
		SerialNumber: strings.ToLower(sm[1]),
		RequestedBy:  e.Author,
		Reason:       record.ReasonUnspecified,
		RevokedAt:    at,
		SourceID:     e.ID,
	}
	if rm := reasonFieldRe.FindStringSubmatch(body); rm != nil {
		r.Reason = record.ParseReason(rm[1])
	}
	return r
}

func parseEventTime(s string, fallback time.Time) time.Time {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t
	}
	return fallback
}

func fallbackTime(created, closed time.Time) time.Time {
	if !closed.IsZero() {
		return closed
	}
	return created
}
