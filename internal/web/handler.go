// Package web provides the HTTP surface: the inbound ledger webhook and the
// read-side JSON API.
package web

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/go-github/v66/github"

	"github.com/mkoval/certledger/internal/record"
)

// ProcessFunc hands one ledger entry id to the event engine.
type ProcessFunc func(ctx context.Context, id int)

// WebhookHandler validates and parses ledger webhook deliveries and forwards
// closed issue events to the engine. Processing happens asynchronously; the
// handler acknowledges with 202 as soon as the delivery is accepted.
func WebhookHandler(secret []byte, process ProcessFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		payload, err := github.ValidatePayload(r, secret)
		if err != nil {
			slog.Warn("webhook rejected", "err", err)
			http.Error(w, "invalid signature", http.StatusBadRequest)
			return
		}

		event, err := github.ParseWebHook(github.WebHookType(r), payload)
		if err != nil {
			http.Error(w, "unparseable payload", http.StatusBadRequest)
			return
		}

		switch ev := event.(type) {
		case *github.PingEvent:
			w.Header().Set("Content-Type", "text/plain")
			w.Write([]byte("pong")) //nolint:errcheck // best-effort response

		case *github.IssuesEvent:
			action := ev.GetAction()
			if action != "closed" && action != "labeled" {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			issue := ev.GetIssue()
			if issue.GetState() != "closed" {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			id := issue.GetNumber()
			slog.Info("webhook accepted", "entry", id, "action", action)
			// The engine re-fetches the entry, so a stale payload is harmless.
			go process(context.Background(), id)
			w.WriteHeader(http.StatusAccepted)

		default:
			w.WriteHeader(http.StatusNoContent)
		}
	}
}

// CRLFunc returns the latest built CRL, or nil when none exists yet.
type CRLFunc func() *record.CRL

// CRLHandler serves the latest CRL artifact as JSON.
func CRLHandler(latest CRLFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		crl := latest()
		if crl == nil {
			http.Error(w, "no revocation list built yet", http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(crl); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
	}
}

// ResolveFunc answers the per-identity state question.
type ResolveFunc func(ctx context.Context, identity string) (record.State, error)

// StateHandler serves per-identity certificate state as JSON. The identity
// comes from the ?identity query parameter.
func StateHandler(resolve ResolveFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		identity := r.URL.Query().Get("identity")
		if identity == "" {
			http.Error(w, "identity query parameter is required", http.StatusBadRequest)
			return
		}

		st, err := resolve(r.Context(), identity)
		if err != nil {
			http.Error(w, "ledger unavailable", http.StatusServiceUnavailable)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(st); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
	}
}

// HealthzHandler reports 200 while the last ledger contact is fresh and 503
// once it goes stale. A zero last-contact time means no contact has been
// attempted yet and reports healthy.
func HealthzHandler(lastContact func() time.Time, maxAge time.Duration) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		last := lastContact()
		if !last.IsZero() && time.Since(last) > maxAge {
			http.Error(w, "ledger contact stale", http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "text/plain")
		w.Write([]byte("ok")) //nolint:errcheck // best-effort response
	}
}
