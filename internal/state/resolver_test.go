package state

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/mkoval/certledger/internal/authz"
	"github.com/mkoval/certledger/internal/ledger"
	"github.com/mkoval/certledger/internal/ledger/ledgertest"
	"github.com/mkoval/certledger/internal/record"
)

var t0 = time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)

func newResolver(f *ledgertest.Fake, now time.Time) *Resolver {
	return New(f, authz.New(f, f), WithClock(func() time.Time { return now }))
}

func TestResolve_ActiveCertificate(t *testing.T) {
	f := ledgertest.New()
	f.AddIssued(1, "alice", "aaa111", t0)

	st, err := newResolver(f, t0.Add(10*24*time.Hour)).Resolve(context.Background(), "alice")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if st.Active == nil || st.Active.SerialNumber != "aaa111" {
		t.Fatalf("active = %+v, want serial aaa111", st.Active)
	}
	if len(st.Expired) != 0 || len(st.Revoked) != 0 {
		t.Errorf("expired/revoked = %d/%d, want 0/0", len(st.Expired), len(st.Revoked))
	}
}

func TestResolve_NeverMoreThanOneActive(t *testing.T) {
	f := ledgertest.New()
	// Several still-valid issuances for one identity; newest wins, older are
	// implicitly superseded.
	f.AddIssued(1, "alice", "aaa111", t0)
	f.AddIssued(2, "alice", "bbb222", t0.Add(time.Hour))
	f.AddIssued(3, "alice", "ccc333", t0.Add(2*time.Hour))

	st, err := newResolver(f, t0.Add(3*time.Hour)).Resolve(context.Background(), "alice")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if st.Active == nil || st.Active.SerialNumber != "ccc333" {
		t.Fatalf("active = %+v, want newest serial ccc333", st.Active)
	}
	// Older records were not classified at all: scanning stopped.
	if len(st.Expired)+len(st.Revoked) != 0 {
		t.Errorf("older still-valid records classified, want scan to stop at the active one")
	}
}

func TestResolve_ExpiryMonotonicity(t *testing.T) {
	f := ledgertest.New()
	f.AddIssued(1, "alice", "aaa111", t0)

	justBefore := t0.Add(record.ValidityPeriod - time.Second)
	justAfter := t0.Add(record.ValidityPeriod + time.Second)

	st, err := newResolver(f, justBefore).Resolve(context.Background(), "alice")
	if err != nil {
		t.Fatal(err)
	}
	if st.Active == nil {
		t.Fatal("certificate should still be active just before issuedAt+365d")
	}

	st, err = newResolver(f, justAfter).Resolve(context.Background(), "alice")
	if err != nil {
		t.Fatal(err)
	}
	if st.Active != nil {
		t.Fatalf("active = %+v at expiry+1s, want none", st.Active)
	}
	if len(st.Expired) != 1 {
		t.Fatalf("expired = %d, want 1", len(st.Expired))
	}
}

func TestResolve_RevocationPrecedence(t *testing.T) {
	f := ledgertest.New()
	f.AddIssued(1, "alice", "aaa111", t0)
	f.AddRevoked(2, "alice", "aaa111", record.ReasonKeyCompromise, t0.Add(time.Hour))

	// Within validity window and revoked: always revoked, never active.
	st, err := newResolver(f, t0.Add(2*time.Hour)).Resolve(context.Background(), "alice")
	if err != nil {
		t.Fatal(err)
	}
	if st.Active != nil {
		t.Fatalf("active = %+v, want none for a revoked certificate", st.Active)
	}
	if len(st.Revoked) != 1 || st.Revoked[0].SerialNumber != "aaa111" {
		t.Fatalf("revoked = %+v, want [aaa111]", st.Revoked)
	}
}

func TestResolve_RevokedThenReissued(t *testing.T) {
	f := ledgertest.New()
	f.AddIssued(1, "alice", "aaa111", t0)
	f.AddRevoked(2, "alice", "aaa111", record.ReasonSuperseded, t0.Add(time.Hour))
	f.AddIssued(3, "alice", "bbb222", t0.Add(2*time.Hour))

	st, err := newResolver(f, t0.Add(3*time.Hour)).Resolve(context.Background(), "alice")
	if err != nil {
		t.Fatal(err)
	}
	if st.Active == nil || st.Active.SerialNumber != "bbb222" {
		t.Fatalf("active = %+v, want bbb222", st.Active)
	}
	if len(st.Revoked) != 0 {
		// bbb222 is newest; scanning stopped before reaching aaa111.
		t.Errorf("revoked = %+v, want none scanned", st.Revoked)
	}
}

func TestResolve_MalformedEntrySkipped(t *testing.T) {
	f := ledgertest.New()
	f.Add(ledger.CategoryIssuance, ledger.Entry{
		ID:     1,
		Title:  "[cert-request] old broken entry",
		Author: "alice",
		Comments: []ledger.Comment{
			{Author: "someone", Body: "no marker here", CreatedAt: t0},
		},
	})
	f.AddIssued(2, "alice", "bbb222", t0.Add(time.Hour))

	st, err := newResolver(f, t0.Add(2*time.Hour)).Resolve(context.Background(), "alice")
	if err != nil {
		t.Fatalf("a single malformed historical entry must not block resolution: %v", err)
	}
	if st.Active == nil || st.Active.SerialNumber != "bbb222" {
		t.Fatalf("active = %+v, want bbb222", st.Active)
	}
}

func TestResolve_DuplicateSerialNotMerged(t *testing.T) {
	f := ledgertest.New()
	f.AddIssued(1, "alice", "aaa111", t0)
	f.AddIssued(2, "alice", "aaa111", t0.Add(time.Hour)) // anomaly

	st, err := newResolver(f, t0.Add(2*time.Hour)).Resolve(context.Background(), "alice")
	if err != nil {
		t.Fatal(err)
	}
	if st.Active == nil || st.Active.SerialNumber != "aaa111" {
		t.Fatalf("active = %+v, want aaa111", st.Active)
	}
}

func TestResolve_LedgerUnavailableFailsOpen(t *testing.T) {
	f := ledgertest.New()
	f.AddIssued(1, "alice", "aaa111", t0)
	f.FailReads = true

	st, err := newResolver(f, t0).Resolve(context.Background(), "alice")
	if !errors.Is(err, ledger.ErrUnavailable) {
		t.Fatalf("err = %v, want ErrUnavailable surfaced to the caller", err)
	}
	if st.Active != nil {
		t.Fatalf("active = %+v, want fail-open default of none", st.Active)
	}
}
