// Package authz decides whether a revocation request is permitted. Ownership
// is always cross-checked against the historical issuance record; an identity
// string asserted by the requester is never enough on its own.
package authz

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/mkoval/certledger/internal/ledger"
	"github.com/mkoval/certledger/internal/record"
)

// Outcome names the authorization result for accurate requester-facing
// messages: "not yours" and "unknown serial" are different answers.
type Outcome string

const (
	OutcomePermitted      Outcome = "permitted"
	OutcomeAdminOverride  Outcome = "adminOverride"
	OutcomeDeniedNotOwner Outcome = "deniedNotOwner"
	OutcomeDeniedUnknown  Outcome = "deniedUnknown"
)

// Decision is the authorization verdict for one revocation request.
type Decision struct {
	Outcome  Outcome
	Owner    string // true owner when the serial is known
	OriginID int    // ledger entry that issued the serial, when known
}

// Permitted reports whether the revocation may proceed.
func (d Decision) Permitted() bool {
	return d.Outcome == OutcomePermitted || d.Outcome == OutcomeAdminOverride
}

// Authorizer answers revocation permission questions and serves as the
// revocation read path for the resolver.
type Authorizer struct {
	reader ledger.Reader
	roles  ledger.RoleChecker
}

// New creates an Authorizer.
func New(reader ledger.Reader, roles ledger.RoleChecker) *Authorizer {
	return &Authorizer{reader: reader, roles: roles}
}

// Authorize checks a revocation request two-tiered: the serial's true owner
// per the issuance history may revoke, and so may a privileged operator (the
// override is recorded in the outcome). Unknown serials are denied by
// default, distinctly from "belongs to someone else".
//
// A ledger or role-check failure is returned as an error: revocation
// fails closed, unlike issuance resolution.
func (a *Authorizer) Authorize(ctx context.Context, serial, requester string) (Decision, error) {
	cert, err := a.findIssuance(ctx, serial)
	if err != nil {
		return Decision{}, err
	}
	if cert == nil {
		return Decision{Outcome: OutcomeDeniedUnknown}, nil
	}

	d := Decision{Owner: cert.Owner, OriginID: cert.SourceID}
	if record.SameIdentity(cert.Owner, requester) {
		d.Outcome = OutcomePermitted
		return d, nil
	}

	privileged, err := a.roles.IsPrivileged(ctx, requester)
	if err != nil {
		return Decision{}, err
	}
	if privileged {
		d.Outcome = OutcomeAdminOverride
		return d, nil
	}
	d.Outcome = OutcomeDeniedNotOwner
	return d, nil
}

// IsRevoked reports whether any processed revocation names the serial.
func (a *Authorizer) IsRevoked(ctx context.Context, serial string) (bool, error) {
	revs, err := a.Revocations(ctx)
	if err != nil {
		return false, err
	}
	want := normalizeSerial(serial)
	for i := range revs {
		if normalizeSerial(revs[i].SerialNumber) == want {
			return true, nil
		}
	}
	return false, nil
}

// Revocations returns all processed revocation records, newest first.
// Entries without an extractable record are skipped with a warning.
func (a *Authorizer) Revocations(ctx context.Context) ([]record.Revocation, error) {
	entries, err := a.reader.ListEntries(ctx, ledger.CategoryRevocation, "")
	if err != nil {
		return nil, err
	}
	var revs []record.Revocation
	for i := range entries {
		r, err := ledger.ExtractRevocation(&entries[i])
		if err != nil {
			if !errors.Is(err, ledger.ErrNoRecord) {
				slog.Warn("skipping unreadable revocation entry", "entry", entries[i].ID, "err", err)
			}
			continue
		}
		revs = append(revs, *r)
	}
	return revs, nil
}

// findIssuance scans the full issuance history for the serial's record.
func (a *Authorizer) findIssuance(ctx context.Context, serial string) (*record.Certificate, error) {
	entries, err := a.reader.ListEntries(ctx, ledger.CategoryIssuance, "")
	if err != nil {
		return nil, err
	}
	want := normalizeSerial(serial)
	for i := range entries {
		c, err := ledger.ExtractCertificate(&entries[i])
		if err != nil {
			continue
		}
		if normalizeSerial(c.SerialNumber) == want {
			return c, nil
		}
	}
	return nil, nil
}

func normalizeSerial(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
