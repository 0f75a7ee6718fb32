package cli

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/mkoval/certledger/internal/authority"
	"github.com/mkoval/certledger/internal/authz"
	"github.com/mkoval/certledger/internal/config"
	"github.com/mkoval/certledger/internal/engine"
	"github.com/mkoval/certledger/internal/history"
	"github.com/mkoval/certledger/internal/issuer"
	"github.com/mkoval/certledger/internal/ledger"
	"github.com/mkoval/certledger/internal/metrics"
	"github.com/mkoval/certledger/internal/notify"
	"github.com/mkoval/certledger/internal/record"
	"github.com/mkoval/certledger/internal/score"
	"github.com/mkoval/certledger/internal/state"
)

// buildEngine assembles the event engine. CA material is required: the
// engine's issuance flow signs certificates.
func buildEngine(cfg *config.Config, svc *ledger.GitHub, extra ...engine.Option) (*engine.Engine, error) {
	auth, err := authority.Load(cfg.Authority)
	if err != nil {
		return nil, fmt.Errorf("loading CA material: %w", err)
	}

	az := authz.New(svc, svc)
	resolver := state.New(svc, az)
	iss := issuer.New(auth)

	opts := []engine.Option{engine.WithApprovedLabel(cfg.Ledger.ApprovedLabel)}
	if sc := score.NewClient(cfg.ScoreURL); sc != nil {
		opts = append(opts, engine.WithScore(scoreLine(sc)))
	}
	if n := notify.New(cfg.Notifications); n != nil {
		opts = append(opts, engine.WithNotifier(n))
	}
	opts = append(opts, extra...)

	return engine.New(svc, resolver, az, iss, opts...), nil
}

// scoreLine adapts the score client into the informational comment line.
func scoreLine(c *score.Client) engine.ScoreLookup {
	return func(ctx context.Context, identity string) (string, bool) {
		s, err := c.Lookup(ctx, identity)
		if err != nil {
			slog.Debug("score lookup failed", "identity", identity, "err", err)
			return "", false
		}
		if s == nil {
			return "", false
		}
		tier := ""
		if s.Tier != "" {
			tier = ", tier " + s.Tier
		}
		return fmt.Sprintf("Requester reputation: %.0fth percentile%s (informational only, does not affect issuance).", s.Percentile, tier), true
	}
}

// auditRecorder fans terminal results out to the metrics collector and the
// audit store. Either may be nil.
type auditRecorder struct {
	hist      *history.Store
	collector *metrics.Collector
}

func (a *auditRecorder) Record(r engine.Result) {
	if a.collector != nil {
		switch r.Outcome {
		case engine.OutcomeIssued:
			a.collector.CertIssued()
		case engine.OutcomeRevoked:
			a.collector.RevocationConfirmed(record.Reason(r.Detail))
		case engine.OutcomeDenied:
			a.collector.RequestDenied(string(r.Kind), r.Detail)
		case engine.OutcomeFailed:
			if r.Detail == "ledger unavailable" {
				a.collector.LedgerError(string(r.Kind))
			}
		}
	}
	if a.hist != nil {
		err := a.hist.RecordEvent(history.Event{
			At:       time.Now().UTC(),
			EntryID:  r.EntryID,
			Kind:     string(r.Kind),
			Identity: r.Identity,
			Serial:   r.Serial,
			Outcome:  string(r.Outcome),
			Detail:   r.Detail,
		})
		if err != nil {
			slog.Warn("recording audit event failed", "entry", r.EntryID, "err", err)
		}
	}
}
