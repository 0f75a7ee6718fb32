// Package crl derives the full revocation list from the ledger. Every build
// is a complete replay: no incremental state, no patching, so the artifact
// can be regenerated from scratch at any time and two builds over an
// unchanged ledger agree except for the generation timestamp.
package crl

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/mkoval/certledger/internal/ledger"
	"github.com/mkoval/certledger/internal/record"
)

// Version identifies the artifact schema.
const Version = "1"

// Builder rebuilds the CRL from a full ledger scan.
type Builder struct {
	reader     ledger.Reader
	issuerName string
	tracer     trace.Tracer
	now        func() time.Time
}

// Option configures a Builder.
type Option func(*Builder)

// WithClock fixes the build clock (for tests).
func WithClock(now func() time.Time) Option {
	return func(b *Builder) { b.now = now }
}

// WithTracer wraps each build in a span.
func WithTracer(t trace.Tracer) Option {
	return func(b *Builder) { b.tracer = t }
}

// New creates a Builder. issuerName is stamped into the artifact, typically
// the intermediate's subject.
func New(reader ledger.Reader, issuerName string, opts ...Option) *Builder {
	b := &Builder{reader: reader, issuerName: issuerName, now: time.Now}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Build scans the entire ledger and derives the CRL. Individual bad entries
// are logged and skipped: a partial-but-mostly-correct CRL is safer than no
// CRL. Only ledger unavailability aborts the build.
func (b *Builder) Build(ctx context.Context) (*record.CRL, error) {
	if b.tracer != nil {
		var span trace.Span
		ctx, span = b.tracer.Start(ctx, "crl.build")
		defer span.End()
	}

	var issuanceEntries, revocationEntries []ledger.Entry

	// The two category scans are independent read-only calls; overlap them.
	grp, gctx := errgroup.WithContext(ctx)
	grp.Go(func() error {
		var err error
		issuanceEntries, err = b.reader.ListEntries(gctx, ledger.CategoryIssuance, "")
		return err
	})
	grp.Go(func() error {
		var err error
		revocationEntries, err = b.reader.ListEntries(gctx, ledger.CategoryRevocation, "")
		return err
	})
	if err := grp.Wait(); err != nil {
		return nil, err
	}

	issued := reduceIssuance(issuanceEntries)
	revoked := reduceRevocations(revocationEntries, issued)

	sort.SliceStable(revoked, func(i, j int) bool {
		if !revoked[i].RevokedAt.Equal(revoked[j].RevokedAt) {
			return revoked[i].RevokedAt.After(revoked[j].RevokedAt)
		}
		return revoked[i].SerialNumber < revoked[j].SerialNumber
	})

	if span := trace.SpanFromContext(ctx); span.IsRecording() {
		span.SetAttributes(
			attribute.Int("crl.issued", len(issued)),
			attribute.Int("crl.revoked", len(revoked)),
		)
	}

	return &record.CRL{
		Version:      Version,
		GeneratedAt:  b.now().UTC(),
		Issuer:       b.issuerName,
		TotalIssued:  len(issued),
		TotalRevoked: len(revoked),
		Revoked:      revoked,
	}, nil
}

// reduceIssuance folds issuance entries into a serial-keyed map. Entries are
// newest first, so the first record seen for a serial is the canonical one;
// later duplicates are a data anomaly and never merged.
func reduceIssuance(entries []ledger.Entry) map[string]record.Certificate {
	issued := make(map[string]record.Certificate, len(entries))
	for i := range entries {
		c, err := ledger.ExtractCertificate(&entries[i])
		if err != nil {
			if !errors.Is(err, ledger.ErrNoRecord) {
				slog.Warn("CRL build: skipping unreadable issuance entry", "entry", entries[i].ID, "err", err)
			}
			continue
		}
		if _, dup := issued[c.SerialNumber]; dup {
			slog.Warn("CRL build: duplicate serial in ledger", "serial", c.SerialNumber, "entry", entries[i].ID)
			continue
		}
		issued[c.SerialNumber] = *c
	}
	return issued
}

// reduceRevocations folds revocation entries into a deduplicated list,
// backfilling owner and fingerprint from the issuance map. A revocation for
// a serial the ledger never issued is retained with the requester as the
// owner label; relying parties still need to see it.
func reduceRevocations(entries []ledger.Entry, issued map[string]record.Certificate) []record.Revocation {
	var out []record.Revocation
	seen := make(map[string]bool, len(entries))
	for i := range entries {
		r, err := ledger.ExtractRevocation(&entries[i])
		if err != nil {
			if !errors.Is(err, ledger.ErrNoRecord) {
				slog.Warn("CRL build: skipping unreadable revocation entry", "entry", entries[i].ID, "err", err)
			}
			continue
		}
		if seen[r.SerialNumber] {
			// Duplicate revocation tickets for one certificate are harmless;
			// the first processed one stands.
			slog.Debug("CRL build: serial already revoked", "serial", r.SerialNumber, "entry", entries[i].ID)
			continue
		}
		seen[r.SerialNumber] = true

		if c, ok := issued[r.SerialNumber]; ok {
			r.Owner = c.Owner
			r.Fingerprint = c.Fingerprint
		} else {
			r.Owner = r.RequestedBy
		}
		out = append(out, *r)
	}
	return out
}
