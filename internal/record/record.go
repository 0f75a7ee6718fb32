// Package record holds the shared certificate lifecycle data model.
package record

import (
	"strings"
	"time"
)

// ValidityPeriod is how long an issued certificate stays valid.
const ValidityPeriod = 365 * 24 * time.Hour

// Reason classifies why a certificate was revoked.
type Reason string

const (
	ReasonKeyCompromise Reason = "keyCompromise"
	ReasonSuperseded    Reason = "superseded"
	ReasonUnspecified   Reason = "unspecified"
)

// ParseReason maps free-form reason text to a known Reason, defaulting to
// unspecified.
func ParseReason(s string) Reason {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "keycompromise", "key_compromise", "key compromise", "compromised":
		return ReasonKeyCompromise
	case "superseded", "replaced":
		return ReasonSuperseded
	default:
		return ReasonUnspecified
	}
}

// Certificate represents one issuance event reconstructed from the ledger.
// Immutable once parsed; its state (active/expired/revoked) is derived, never
// stored.
type Certificate struct {
	SerialNumber string    `json:"serialNumber"` // lowercase hex
	Fingerprint  string    `json:"fingerprint"`  // uppercase colon-hex SHA-256 of DER
	Owner        string    `json:"owner"`
	IssuedAt     time.Time `json:"issuedAt"`
	ExpiresAt    time.Time `json:"expiresAt"`
	SourceID     int       `json:"sourceId"` // ledger entry the record was extracted from
}

// Expired reports whether the certificate's validity window has passed at
// now. The window is half-open: the certificate is no longer valid at exactly
// ExpiresAt.
func (c *Certificate) Expired(now time.Time) bool {
	return !now.Before(c.ExpiresAt)
}

// Revocation represents one revocation event. The serial may reference a
// certificate the ledger never recorded issuing.
type Revocation struct {
	SerialNumber string    `json:"serialNumber"`
	Fingerprint  string    `json:"fingerprint,omitempty"` // backfilled from issuance history when known
	Owner        string    `json:"owner"`                 // true owner, or requester when unknown
	RequestedBy  string    `json:"requestedBy"`
	Reason       Reason    `json:"reason"`
	RevokedAt    time.Time `json:"revokedAt"`
	SourceID     int       `json:"sourceId"`
}

// State partitions an identity's certificate history at a point in time.
// Active holds at most one certificate; the single-active policy is derived
// from scan order, not stored anywhere.
type State struct {
	Active  *Certificate  `json:"active,omitempty"`
	Expired []Certificate `json:"expired"`
	Revoked []Certificate `json:"revoked"`
}

// CRL is the derived revocation list artifact. It is rebuilt in full from the
// ledger on every build; absence from the list means "not revoked", never
// "not issued".
type CRL struct {
	Version      string       `json:"version"`
	GeneratedAt  time.Time    `json:"generatedAt"`
	Issuer       string       `json:"issuer"`
	TotalIssued  int          `json:"totalIssued"`
	TotalRevoked int          `json:"totalRevoked"`
	Revoked      []Revocation `json:"revokedCertificates"`
}

// SameIdentity compares ledger handles the way the ledger does:
// case-insensitively.
func SameIdentity(a, b string) bool {
	return strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
}
