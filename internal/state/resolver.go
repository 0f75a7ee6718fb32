// Package state derives certificate lifecycle state from the ledger. Nothing
// here is stored: the single-active-certificate policy falls out of scan
// order, not a mutable "current" pointer.
package state

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"time"

	"github.com/mkoval/certledger/internal/ledger"
	"github.com/mkoval/certledger/internal/record"
)

// RevocationChecker is the authorizer's read path: has this serial ever been
// revoked.
type RevocationChecker interface {
	IsRevoked(ctx context.Context, serial string) (bool, error)
}

// Resolver classifies an identity's certificates as active, expired, or
// revoked at a point in time.
type Resolver struct {
	reader  ledger.Reader
	revoked RevocationChecker
	now     func() time.Time
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithClock fixes the resolution clock (for tests).
func WithClock(now func() time.Time) Option {
	return func(r *Resolver) { r.now = now }
}

// New creates a Resolver over the given ledger reader and revocation read
// path.
func New(reader ledger.Reader, revoked RevocationChecker, opts ...Option) *Resolver {
	r := &Resolver{reader: reader, revoked: revoked, now: time.Now}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Resolve walks the identity's issuance history newest first. The first
// record that is neither expired nor revoked is the active certificate;
// anything older is implicitly superseded and not scanned further.
//
// When the ledger is unavailable the result reports no active certificate
// (fail-open: blocking new developers is worse than a rare double-issue) and
// the error is returned alongside so callers can log and alert. It is never
// swallowed silently.
func (r *Resolver) Resolve(ctx context.Context, identity string) (record.State, error) {
	st := record.State{}

	entries, err := r.reader.ListEntries(ctx, ledger.CategoryIssuance, identity)
	if err != nil {
		return st, err
	}

	records := extractAll(entries)
	now := r.now()

	for i := range records {
		c := records[i]
		if c.Expired(now) {
			st.Expired = append(st.Expired, c)
			continue
		}
		isRevoked, err := r.revoked.IsRevoked(ctx, c.SerialNumber)
		if err != nil {
			// Without the revocation read path the active/revoked split is
			// unknowable; report no active certificate and surface the error.
			return record.State{Expired: st.Expired, Revoked: st.Revoked}, err
		}
		if isRevoked {
			st.Revoked = append(st.Revoked, c)
			continue
		}
		active := c
		st.Active = &active
		break
	}
	return st, nil
}

// extractAll parses issuance records from entries, skipping malformed ones
// with a warning, deduplicating serials (newest entry wins), and ordering
// newest first.
func extractAll(entries []ledger.Entry) []record.Certificate {
	var records []record.Certificate
	seen := make(map[string]bool)
	for i := range entries {
		c, err := ledger.ExtractCertificate(&entries[i])
		if err != nil {
			if !errors.Is(err, ledger.ErrNoRecord) {
				slog.Warn("skipping unreadable issuance entry", "entry", entries[i].ID, "err", err)
			} else {
				slog.Debug("issuance entry has no record", "entry", entries[i].ID)
			}
			continue
		}
		if seen[c.SerialNumber] {
			// Duplicate serials are a data anomaly, never silently merged;
			// the newest fully-parsed entry wins.
			slog.Warn("duplicate serial in ledger", "serial", c.SerialNumber, "entry", entries[i].ID)
			continue
		}
		seen[c.SerialNumber] = true
		records = append(records, *c)
	}
	sort.SliceStable(records, func(i, j int) bool {
		return records[i].IssuedAt.After(records[j].IssuedAt)
	})
	return records
}
