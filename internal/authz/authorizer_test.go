package authz

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/mkoval/certledger/internal/ledger"
	"github.com/mkoval/certledger/internal/ledger/ledgertest"
	"github.com/mkoval/certledger/internal/record"
)

var t0 = time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)

func TestAuthorize_Owner(t *testing.T) {
	f := ledgertest.New()
	f.AddIssued(5, "alice", "aaa111", t0)

	d, err := New(f, f).Authorize(context.Background(), "aaa111", "alice")
	if err != nil {
		t.Fatalf("Authorize: %v", err)
	}
	if !d.Permitted() || d.Outcome != OutcomePermitted {
		t.Fatalf("decision = %+v, want owner permitted", d)
	}
	if d.Owner != "alice" || d.OriginID != 5 {
		t.Errorf("owner/origin = %q/#%d, want alice/#5", d.Owner, d.OriginID)
	}
}

func TestAuthorize_OwnerCaseInsensitive(t *testing.T) {
	f := ledgertest.New()
	f.AddIssued(5, "Alice", "aaa111", t0)

	d, err := New(f, f).Authorize(context.Background(), "AAA111", "aLiCe")
	if err != nil {
		t.Fatal(err)
	}
	if !d.Permitted() {
		t.Fatalf("decision = %+v, want permitted (handles are case-insensitive)", d)
	}
}

func TestAuthorize_NonOwnerDenied(t *testing.T) {
	f := ledgertest.New()
	f.AddIssued(5, "alice", "aaa111", t0)

	d, err := New(f, f).Authorize(context.Background(), "aaa111", "bob")
	if err != nil {
		t.Fatal(err)
	}
	if d.Permitted() {
		t.Fatal("non-owner, non-privileged requester must be denied")
	}
	if d.Outcome != OutcomeDeniedNotOwner {
		t.Errorf("outcome = %q, want deniedNotOwner", d.Outcome)
	}
	if d.Owner != "alice" {
		t.Errorf("owner = %q, want alice carried for the denial message", d.Owner)
	}
}

func TestAuthorize_AdminOverride(t *testing.T) {
	f := ledgertest.New()
	f.AddIssued(5, "alice", "aaa111", t0)
	f.SetPrivileged("carol", true)

	d, err := New(f, f).Authorize(context.Background(), "aaa111", "carol")
	if err != nil {
		t.Fatal(err)
	}
	if !d.Permitted() {
		t.Fatal("privileged operator must be permitted regardless of ownership")
	}
	if d.Outcome != OutcomeAdminOverride {
		t.Errorf("outcome = %q, want adminOverride recorded", d.Outcome)
	}
}

func TestAuthorize_UnknownSerial(t *testing.T) {
	f := ledgertest.New()
	f.AddIssued(5, "alice", "aaa111", t0)

	d, err := New(f, f).Authorize(context.Background(), "ffffff", "alice")
	if err != nil {
		t.Fatal(err)
	}
	if d.Permitted() {
		t.Fatal("unknown serial must be denied by default")
	}
	if d.Outcome != OutcomeDeniedUnknown {
		t.Errorf("outcome = %q, want deniedUnknown (distinct from not-yours)", d.Outcome)
	}
}

func TestAuthorize_LedgerUnavailableFailsClosed(t *testing.T) {
	f := ledgertest.New()
	f.AddIssued(5, "alice", "aaa111", t0)
	f.FailReads = true

	_, err := New(f, f).Authorize(context.Background(), "aaa111", "alice")
	if !errors.Is(err, ledger.ErrUnavailable) {
		t.Fatalf("err = %v, want ErrUnavailable (revocation fails closed)", err)
	}
}

func TestAuthorize_RoleCheckFailure(t *testing.T) {
	f := ledgertest.New()
	f.AddIssued(5, "alice", "aaa111", t0)
	f.FailRoles = true

	_, err := New(f, f).Authorize(context.Background(), "aaa111", "bob")
	if !errors.Is(err, ledger.ErrUnavailable) {
		t.Fatalf("err = %v, want role-check failure surfaced", err)
	}
}

func TestIsRevoked(t *testing.T) {
	f := ledgertest.New()
	f.AddRevoked(9, "alice", "aaa111", record.ReasonKeyCompromise, t0)

	a := New(f, f)
	got, err := a.IsRevoked(context.Background(), "AAA111")
	if err != nil {
		t.Fatal(err)
	}
	if !got {
		t.Error("IsRevoked = false, want true (case-insensitive serial match)")
	}
	got, err = a.IsRevoked(context.Background(), "bbb222")
	if err != nil {
		t.Fatal(err)
	}
	if got {
		t.Error("IsRevoked = true for never-revoked serial")
	}
}
