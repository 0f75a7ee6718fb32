package web

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/mkoval/certledger/internal/record"
)

const testSecret = "hook-secret"

func signedWebhookRequest(t *testing.T, event, body string) *http.Request {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-GitHub-Event", event)

	mac := hmac.New(sha256.New, []byte(testSecret))
	mac.Write([]byte(body)) //nolint:errcheck // hash writes cannot fail
	req.Header.Set("X-Hub-Signature-256", "sha256="+hex.EncodeToString(mac.Sum(nil)))
	return req
}

func TestWebhookHandler_ForwardsClosedIssue(t *testing.T) {
	processed := make(chan int, 1)
	h := WebhookHandler([]byte(testSecret), func(_ context.Context, id int) {
		processed <- id
	})

	body := `{"action":"closed","issue":{"number":42,"state":"closed"}}`
	rec := httptest.NewRecorder()
	h(rec, signedWebhookRequest(t, "issues", body))

	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", rec.Code)
	}
	select {
	case id := <-processed:
		if id != 42 {
			t.Errorf("processed entry %d, want 42", id)
		}
	case <-time.After(time.Second):
		t.Fatal("engine was never handed the entry")
	}
}

func TestWebhookHandler_RejectsBadSignature(t *testing.T) {
	h := WebhookHandler([]byte(testSecret), func(context.Context, int) {
		t.Error("process must not run for an unverified delivery")
	})

	body := `{"action":"closed","issue":{"number":42,"state":"closed"}}`
	req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-GitHub-Event", "issues")
	req.Header.Set("X-Hub-Signature-256", "sha256=deadbeef")

	rec := httptest.NewRecorder()
	h(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestWebhookHandler_IgnoresIrrelevantActions(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"opened issue", `{"action":"opened","issue":{"number":1,"state":"open"}}`},
		{"labeled but open", `{"action":"labeled","issue":{"number":2,"state":"open"}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := WebhookHandler([]byte(testSecret), func(context.Context, int) {
				t.Error("process must not run")
			})
			rec := httptest.NewRecorder()
			h(rec, signedWebhookRequest(t, "issues", tt.body))
			if rec.Code != http.StatusNoContent {
				t.Errorf("status = %d, want 204", rec.Code)
			}
		})
	}
}

func TestWebhookHandler_Ping(t *testing.T) {
	h := WebhookHandler([]byte(testSecret), func(context.Context, int) {})
	rec := httptest.NewRecorder()
	h(rec, signedWebhookRequest(t, "ping", `{"zen":"Keep it logically awesome."}`))

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
	if got := rec.Body.String(); got != "pong" {
		t.Errorf("body = %q, want %q", got, "pong")
	}
}

func TestCRLHandler(t *testing.T) {
	t.Run("no artifact yet", func(t *testing.T) {
		h := CRLHandler(func() *record.CRL { return nil })
		rec := httptest.NewRecorder()
		h(rec, httptest.NewRequest(http.MethodGet, "/api/v1/crl", nil))
		if rec.Code != http.StatusNotFound {
			t.Errorf("status = %d, want 404", rec.Code)
		}
	})

	t.Run("serves latest", func(t *testing.T) {
		crl := &record.CRL{Version: "1", GeneratedAt: time.Now(), TotalIssued: 3, TotalRevoked: 1}
		h := CRLHandler(func() *record.CRL { return crl })
		rec := httptest.NewRecorder()
		h(rec, httptest.NewRequest(http.MethodGet, "/api/v1/crl", nil))

		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, want 200", rec.Code)
		}
		var got record.CRL
		if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
			t.Fatalf("decoding body: %v", err)
		}
		if got.TotalIssued != 3 || got.TotalRevoked != 1 {
			t.Errorf("got totals %d/%d, want 3/1", got.TotalIssued, got.TotalRevoked)
		}
	})
}

func TestStateHandler(t *testing.T) {
	t.Run("requires identity", func(t *testing.T) {
		h := StateHandler(func(context.Context, string) (record.State, error) {
			return record.State{}, nil
		})
		rec := httptest.NewRecorder()
		h(rec, httptest.NewRequest(http.MethodGet, "/api/v1/state", nil))
		if rec.Code != http.StatusBadRequest {
			t.Errorf("status = %d, want 400", rec.Code)
		}
	})

	t.Run("serves state", func(t *testing.T) {
		h := StateHandler(func(_ context.Context, identity string) (record.State, error) {
			if identity != "alice" {
				t.Errorf("identity = %q, want alice", identity)
			}
			return record.State{Active: &record.Certificate{SerialNumber: "aa01", Owner: "alice"}}, nil
		})
		rec := httptest.NewRecorder()
		h(rec, httptest.NewRequest(http.MethodGet, "/api/v1/state?identity=alice", nil))

		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, want 200", rec.Code)
		}
		var got record.State
		if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
			t.Fatalf("decoding body: %v", err)
		}
		if got.Active == nil || got.Active.SerialNumber != "aa01" {
			t.Errorf("active = %+v, want serial aa01", got.Active)
		}
	})

	t.Run("ledger outage", func(t *testing.T) {
		h := StateHandler(func(context.Context, string) (record.State, error) {
			return record.State{}, errors.New("unavailable")
		})
		rec := httptest.NewRecorder()
		h(rec, httptest.NewRequest(http.MethodGet, "/api/v1/state?identity=alice", nil))
		if rec.Code != http.StatusServiceUnavailable {
			t.Errorf("status = %d, want 503", rec.Code)
		}
	})
}

func TestHealthzHandler(t *testing.T) {
	tests := []struct {
		name string
		last time.Time
		want int
	}{
		{"fresh contact", time.Now(), http.StatusOK},
		{"no contact yet", time.Time{}, http.StatusOK},
		{"stale contact", time.Now().Add(-time.Hour), http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := HealthzHandler(func() time.Time { return tt.last }, 10*time.Minute)
			rec := httptest.NewRecorder()
			h(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d", rec.Code, tt.want)
			}
		})
	}
}
