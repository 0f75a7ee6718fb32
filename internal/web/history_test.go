package web

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/mkoval/certledger/internal/history"
)

func TestHistoryHandler(t *testing.T) {
	hs, err := history.Open(":memory:")
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	defer hs.Close() //nolint:errcheck // test cleanup

	base := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	for i, identity := range []string{"alice", "bob", "carol"} {
		e := history.Event{At: base.Add(time.Duration(i) * time.Minute), EntryID: i + 1, Kind: "issuance", Identity: identity, Outcome: "issued"}
		if err := hs.RecordEvent(e); err != nil {
			t.Fatalf("recording event: %v", err)
		}
	}

	rec := httptest.NewRecorder()
	HistoryHandler(hs)(rec, httptest.NewRequest(http.MethodGet, "/api/v1/history?limit=2", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var events []history.Event
	if err := json.Unmarshal(rec.Body.Bytes(), &events); err != nil {
		t.Fatalf("decoding body: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("got %d events, want 2", len(events))
	}
	if events[0].Identity != "carol" {
		t.Errorf("newest event identity = %q, want carol", events[0].Identity)
	}
}

func TestBuildsHandler(t *testing.T) {
	hs, err := history.Open(":memory:")
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	defer hs.Close() //nolint:errcheck // test cleanup

	at := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	if err := hs.RecordBuild(at, 7, 2); err != nil {
		t.Fatalf("recording build: %v", err)
	}

	rec := httptest.NewRecorder()
	BuildsHandler(hs)(rec, httptest.NewRequest(http.MethodGet, "/api/v1/builds", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var builds []history.BuildSummary
	if err := json.Unmarshal(rec.Body.Bytes(), &builds); err != nil {
		t.Fatalf("decoding body: %v", err)
	}
	if len(builds) != 1 || builds[0].TotalIssued != 7 {
		t.Errorf("builds = %+v, want one with TotalIssued 7", builds)
	}
}
