package history

import (
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) error = %v", err)
	}
	t.Cleanup(func() { s.Close() }) //nolint:errcheck // test cleanup
	return s
}

func TestRecordAndListEvents(t *testing.T) {
	s := openTestStore(t)
	base := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)

	events := []Event{
		{At: base, EntryID: 1, Kind: "issuance", Identity: "alice", Serial: "aa01", Outcome: "issued"},
		{At: base.Add(time.Minute), EntryID: 2, Kind: "revocation", Identity: "bob", Serial: "aa01", Outcome: "denied", Detail: "not owner"},
		{At: base.Add(2 * time.Minute), EntryID: 3, Kind: "issuance", Identity: "carol", Outcome: "failed"},
	}
	for _, e := range events {
		if err := s.RecordEvent(e); err != nil {
			t.Fatalf("RecordEvent(%v) error = %v", e, err)
		}
	}

	got, err := s.ListEvents(10)
	if err != nil {
		t.Fatalf("ListEvents() error = %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("ListEvents() returned %d events, want 3", len(got))
	}
	// Newest first.
	if got[0].Identity != "carol" || got[2].Identity != "alice" {
		t.Errorf("ListEvents() order = [%s, %s, %s], want newest first", got[0].Identity, got[1].Identity, got[2].Identity)
	}
	if got[1].Detail != "not owner" {
		t.Errorf("Detail = %q, want %q", got[1].Detail, "not owner")
	}
}

func TestListEventsLimit(t *testing.T) {
	s := openTestStore(t)
	base := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		e := Event{At: base.Add(time.Duration(i) * time.Minute), EntryID: i, Kind: "issuance", Identity: "alice", Outcome: "issued"}
		if err := s.RecordEvent(e); err != nil {
			t.Fatalf("RecordEvent() error = %v", err)
		}
	}
	got, err := s.ListEvents(2)
	if err != nil {
		t.Fatalf("ListEvents(2) error = %v", err)
	}
	if len(got) != 2 {
		t.Errorf("ListEvents(2) returned %d events, want 2", len(got))
	}
}

func TestRecordAndListBuilds(t *testing.T) {
	s := openTestStore(t)
	base := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)

	if err := s.RecordBuild(base, 10, 2); err != nil {
		t.Fatalf("RecordBuild() error = %v", err)
	}
	if err := s.RecordBuild(base.Add(time.Hour), 11, 3); err != nil {
		t.Fatalf("RecordBuild() error = %v", err)
	}

	got, err := s.ListBuilds(10)
	if err != nil {
		t.Fatalf("ListBuilds() error = %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("ListBuilds() returned %d builds, want 2", len(got))
	}
	if got[0].TotalIssued != 11 || got[0].TotalRevoked != 3 {
		t.Errorf("newest build = %d/%d, want 11/3", got[0].TotalIssued, got[0].TotalRevoked)
	}
}
