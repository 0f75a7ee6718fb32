// Package engine processes approved ledger entries end to end: issuance
// requests become signed certificates, revocation requests become confirmed
// revocations, and every terminal failure is reported back to the requester
// on the entry thread. Silence on failure is treated as a defect.
package engine

import (
	"context"
	"encoding/pem"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/mkoval/certledger/internal/authz"
	"github.com/mkoval/certledger/internal/issuer"
	"github.com/mkoval/certledger/internal/ledger"
	"github.com/mkoval/certledger/internal/notify"
	"github.com/mkoval/certledger/internal/record"
)

// Outcome classifies how an entry was handled.
type Outcome string

const (
	OutcomeIssued  Outcome = "issued"
	OutcomeRevoked Outcome = "revoked"
	OutcomeDenied  Outcome = "denied"
	OutcomeFailed  Outcome = "failed"
	OutcomeSkipped Outcome = "skipped"
	OutcomeNoop    Outcome = "noop"
)

// Result is the terminal state of processing one entry.
type Result struct {
	EntryID  int
	Kind     ledger.Category
	Outcome  Outcome
	Identity string
	Serial   string
	Detail   string
}

// Resolver answers the active-certificate question for an identity.
type Resolver interface {
	Resolve(ctx context.Context, identity string) (record.State, error)
}

// ScoreLookup fetches an informational reputation line for an identity.
// A nil function or an error disables the line; scores never gate issuance.
type ScoreLookup func(ctx context.Context, identity string) (string, bool)

// Recorder observes terminal results, for metrics and audit trails.
type Recorder interface {
	Record(r Result)
}

// Engine drives the two lifecycle flows against the ledger.
type Engine struct {
	svc           ledger.Service
	resolver      Resolver
	authorizer    *authz.Authorizer
	issuer        *issuer.Issuer
	score         ScoreLookup
	notifier      *notify.Notifier
	recorder      Recorder
	rebuildCRL    func(ctx context.Context) error
	tracer        trace.Tracer
	issuedLabel   string
	approvedLabel string
	now           func() time.Time
}

// Option customizes an Engine.
type Option func(*Engine)

// WithScore attaches the informational reputation lookup.
func WithScore(fn ScoreLookup) Option {
	return func(e *Engine) { e.score = fn }
}

// WithNotifier attaches operator notifications.
func WithNotifier(n *notify.Notifier) Option {
	return func(e *Engine) { e.notifier = n }
}

// WithRecorder attaches a terminal-result observer.
func WithRecorder(r Recorder) Option {
	return func(e *Engine) { e.recorder = r }
}

// WithRebuild attaches the CRL rebuild hook run after each confirmed
// revocation.
func WithRebuild(fn func(ctx context.Context) error) Option {
	return func(e *Engine) { e.rebuildCRL = fn }
}

// WithTracer wraps each processed entry in a span.
func WithTracer(t trace.Tracer) Option {
	return func(e *Engine) { e.tracer = t }
}

// WithApprovedLabel requires entries to carry the label before processing.
func WithApprovedLabel(label string) Option {
	return func(e *Engine) { e.approvedLabel = label }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// New creates an Engine.
func New(svc ledger.Service, resolver Resolver, authorizer *authz.Authorizer, iss *issuer.Issuer, opts ...Option) *Engine {
	e := &Engine{
		svc:         svc,
		resolver:    resolver,
		authorizer:  authorizer,
		issuer:      iss,
		issuedLabel: "issued",
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// ProcessEntry fetches one ledger entry and runs the matching flow. Entries
// that are not approved requests are skipped, not failed.
func (e *Engine) ProcessEntry(ctx context.Context, id int) (Result, error) {
	entry, err := e.svc.GetEntry(ctx, id)
	if err != nil {
		return Result{EntryID: id, Outcome: OutcomeFailed}, fmt.Errorf("fetching entry %d: %w", id, err)
	}
	return e.Process(ctx, entry)
}

// Process runs the matching flow for an already-fetched entry.
func (e *Engine) Process(ctx context.Context, entry *ledger.Entry) (Result, error) {
	if e.tracer != nil {
		var span trace.Span
		ctx, span = e.tracer.Start(ctx, "engine.process",
			trace.WithAttributes(attribute.Int("entry.id", entry.ID)))
		defer span.End()
	}

	var cat ledger.Category
	switch {
	case strings.Contains(entry.Title, ledger.CategoryIssuance.Tag()):
		cat = ledger.CategoryIssuance
	case strings.Contains(entry.Title, ledger.CategoryRevocation.Tag()):
		cat = ledger.CategoryRevocation
	default:
		return Result{EntryID: entry.ID, Outcome: OutcomeSkipped, Detail: "no request tag in title"}, nil
	}

	if entry.ClosedAt.IsZero() {
		return Result{EntryID: entry.ID, Kind: cat, Outcome: OutcomeSkipped, Detail: "entry not closed"}, nil
	}
	if e.approvedLabel != "" && !entry.HasLabel(e.approvedLabel) {
		return Result{EntryID: entry.ID, Kind: cat, Outcome: OutcomeSkipped, Detail: "entry not approved"}, nil
	}

	var res Result
	var err error
	if cat == ledger.CategoryIssuance {
		res, err = e.processIssuance(ctx, entry)
	} else {
		res, err = e.processRevocation(ctx, entry)
	}
	if e.recorder != nil && res.Outcome != OutcomeSkipped {
		e.recorder.Record(res)
	}
	return res, err
}

func (e *Engine) processIssuance(ctx context.Context, entry *ledger.Entry) (Result, error) {
	identity := entry.Author
	res := Result{EntryID: entry.ID, Kind: ledger.CategoryIssuance, Identity: identity}

	st, err := e.resolver.Resolve(ctx, identity)
	if err != nil {
		e.reportFailure(ctx, entry.ID, "Your request could not be processed: the ledger is temporarily unavailable. It will be retried; no action is needed.")
		e.notifyDegraded(err)
		res.Outcome = OutcomeFailed
		res.Detail = "ledger unavailable"
		return res, fmt.Errorf("resolving state for %s: %w", identity, err)
	}

	if st.Active != nil {
		msg := fmt.Sprintf("Request denied: @%s already has an active certificate (serial `%s`, issue #%d). Revoke it first if it must be replaced.",
			identity, st.Active.SerialNumber, st.Active.SourceID)
		e.reply(ctx, entry.ID, msg)
		res.Outcome = OutcomeDenied
		res.Serial = st.Active.SerialNumber
		res.Detail = "active certificate exists"
		return res, nil
	}

	keyMaterial, csrFlow := extractKeyMaterial(entry.Body)
	if keyMaterial == nil {
		e.reply(ctx, entry.ID, "Request failed: no key material found. Attach a PEM-encoded `CERTIFICATE REQUEST` or `PUBLIC KEY` block to the request body and open a new request.")
		res.Outcome = OutcomeFailed
		res.Detail = "no key material"
		return res, nil
	}

	taken, err := e.issuedSerials(ctx)
	if err != nil {
		e.reportFailure(ctx, entry.ID, "Your request could not be processed: the ledger is temporarily unavailable. It will be retried; no action is needed.")
		e.notifyDegraded(err)
		res.Outcome = OutcomeFailed
		res.Detail = "ledger unavailable"
		return res, fmt.Errorf("listing issued serials: %w", err)
	}

	cert, err := e.issuer.Issue(identity, keyMaterial, func(serial string) bool { return taken[serial] })
	if err != nil {
		res.Outcome = OutcomeFailed
		res.Detail = err.Error()
		switch {
		case errors.Is(err, issuer.ErrInvalidKeyMaterial):
			e.reply(ctx, entry.ID, fmt.Sprintf("Request denied: %v. Accepted key material: ECDSA P-256/P-384 public keys, or a CSR (ECDSA P-256/P-384, or RSA with at least 3072 bits).", err))
			res.Outcome = OutcomeDenied
			return res, nil
		case errors.Is(err, issuer.ErrCSRSignatureInvalid):
			e.reply(ctx, entry.ID, "Request denied: the CSR signature does not verify against its public key. Re-generate the CSR and open a new request.")
			res.Outcome = OutcomeDenied
			return res, nil
		default:
			e.reply(ctx, entry.ID, "Your request could not be processed due to an internal error. An operator has been notified.")
			e.notify(notify.Event{Kind: notify.EventDenied, Identity: identity, EntryID: entry.ID, Detail: err.Error()})
			return res, fmt.Errorf("issuing certificate for %s: %w", identity, err)
		}
	}

	comment := e.issuanceComment(ctx, identity, cert, csrFlow)
	if err := e.svc.PostComment(ctx, entry.ID, comment); err != nil {
		// Without the ledger comment the certificate does not exist as far
		// as the system is concerned; the serial is burned, nothing else.
		e.notifyDegraded(err)
		res.Outcome = OutcomeFailed
		res.Detail = "recording issuance failed"
		return res, fmt.Errorf("recording issuance on entry %d: %w", entry.ID, err)
	}

	e.finalize(ctx, entry.ID, e.issuedLabel)

	res.Outcome = OutcomeIssued
	res.Serial = cert.SerialNumber
	e.notify(notify.Event{Kind: notify.EventIssued, Identity: identity, Serial: cert.SerialNumber, EntryID: entry.ID})
	slog.Info("certificate issued", "identity", identity, "serial", cert.SerialNumber, "entry", entry.ID)
	return res, nil
}

func (e *Engine) processRevocation(ctx context.Context, entry *ledger.Entry) (Result, error) {
	requester := entry.Author
	res := Result{EntryID: entry.ID, Kind: ledger.CategoryRevocation, Identity: requester}

	serial, err := ledger.RequestedSerial(entry)
	if err != nil {
		e.reply(ctx, entry.ID, "Request failed: no certificate serial found. Include a `Serial:` line with the serial number to revoke and open a new request.")
		res.Outcome = OutcomeFailed
		res.Detail = "no serial in request"
		return res, nil
	}
	res.Serial = serial

	decision, err := e.authorizer.Authorize(ctx, serial, requester)
	if err != nil {
		e.reportFailure(ctx, entry.ID, "Your revocation request could not be verified: the ledger is temporarily unavailable. Revocation never proceeds unverified; it will be retried.")
		e.notifyDegraded(err)
		res.Outcome = OutcomeFailed
		res.Detail = "ledger unavailable"
		return res, fmt.Errorf("authorizing revocation of %s: %w", serial, err)
	}

	if !decision.Permitted() {
		var msg string
		switch decision.Outcome {
		case authz.OutcomeDeniedUnknown:
			msg = fmt.Sprintf("Revocation denied: serial `%s` does not correspond to any issued certificate.", serial)
			res.Detail = "unknown serial"
		default:
			msg = fmt.Sprintf("Revocation denied: certificate `%s` belongs to @%s. Only the certificate owner or a certificate operator may revoke it.", serial, decision.Owner)
			res.Detail = "requester is not the owner"
		}
		e.reply(ctx, entry.ID, msg)
		res.Outcome = OutcomeDenied
		e.notify(notify.Event{Kind: notify.EventDenied, Identity: requester, Serial: serial, EntryID: entry.ID, Detail: res.Detail})
		return res, nil
	}

	already, err := e.authorizer.IsRevoked(ctx, serial)
	if err != nil {
		e.reportFailure(ctx, entry.ID, "Your revocation request could not be verified: the ledger is temporarily unavailable. Revocation never proceeds unverified; it will be retried.")
		e.notifyDegraded(err)
		res.Outcome = OutcomeFailed
		res.Detail = "ledger unavailable"
		return res, fmt.Errorf("checking revocation state of %s: %w", serial, err)
	}
	if already {
		e.reply(ctx, entry.ID, fmt.Sprintf("Certificate `%s` is already revoked; no further action taken.", serial))
		res.Outcome = OutcomeNoop
		res.Detail = "already revoked"
		return res, nil
	}

	reason := ledger.RequestedReason(entry)
	now := e.now().UTC()

	var sb strings.Builder
	fmt.Fprintf(&sb, "Revocation confirmed: certificate `%s` (owner @%s) is revoked as of %s, reason `%s`.",
		serial, decision.Owner, now.Format(time.RFC3339), reason)
	if decision.Outcome == authz.OutcomeAdminOverride {
		fmt.Fprintf(&sb, "\n\nRevoked by operator @%s.", requester)
	}
	sb.WriteString("\n\n")
	sb.WriteString(ledger.FormatRevocationEvent(serial, reason, now))

	if err := e.svc.PostComment(ctx, entry.ID, sb.String()); err != nil {
		e.notifyDegraded(err)
		res.Outcome = OutcomeFailed
		res.Detail = "recording revocation failed"
		return res, fmt.Errorf("recording revocation on entry %d: %w", entry.ID, err)
	}

	e.finalize(ctx, entry.ID, "revoked")

	if reason == record.ReasonKeyCompromise {
		// A compromised key is a terminal state for the thread.
		if err := e.svc.LockEntry(ctx, entry.ID); err != nil {
			slog.Warn("locking entry failed", "entry", entry.ID, "err", err)
		}
		// Operator-initiated key-compromise revocation of someone else's
		// certificate is treated as account compromise.
		if decision.Outcome == authz.OutcomeAdminOverride {
			if err := e.svc.BlockIdentity(ctx, decision.Owner); err != nil {
				slog.Warn("blocking identity failed", "identity", decision.Owner, "err", err)
			} else {
				slog.Info("identity blocked after key compromise", "identity", decision.Owner)
			}
		}
	}

	if e.rebuildCRL != nil {
		if err := e.rebuildCRL(ctx); err != nil {
			slog.Warn("revocation list rebuild failed", "err", err)
			e.notifyDegraded(err)
		}
	}

	res.Outcome = OutcomeRevoked
	res.Detail = string(reason)
	e.notify(notify.Event{Kind: notify.EventRevoked, Identity: decision.Owner, Serial: serial, EntryID: entry.ID, Detail: string(reason)})
	slog.Info("certificate revoked", "serial", serial, "owner", decision.Owner, "reason", reason, "entry", entry.ID)
	return res, nil
}

// issuanceComment builds the certificate delivery comment: human text, the
// structured event block, and the PEM material.
func (e *Engine) issuanceComment(ctx context.Context, identity string, cert *issuer.Certificate, csrFlow bool) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Certificate issued to @%s.\n\n", identity)
	fmt.Fprintf(&sb, "| | |\n|---|---|\n")
	fmt.Fprintf(&sb, "| Serial | `%s` |\n", cert.SerialNumber)
	fmt.Fprintf(&sb, "| Fingerprint | `%s` |\n", cert.Fingerprint)
	fmt.Fprintf(&sb, "| Issued | %s |\n", cert.IssuedAt.UTC().Format(time.RFC3339))
	fmt.Fprintf(&sb, "| Expires | %s |\n", cert.ExpiresAt.UTC().Format(time.RFC3339))

	if !csrFlow {
		sb.WriteString("\nNote: this certificate was issued from a raw public key, which establishes no proof of possession of the private key. Submit a CSR to include that proof.\n")
	}

	if e.score != nil {
		if line, ok := e.score(ctx, identity); ok {
			fmt.Fprintf(&sb, "\n%s\n", line)
		}
	}

	sb.WriteString("\n")
	sb.WriteString(ledger.FormatIssuanceEvent(cert.SerialNumber, cert.Fingerprint, cert.IssuedAt))
	sb.WriteString("\n<details><summary>Certificate (PEM)</summary>\n\n```\n")
	sb.WriteString(strings.TrimRight(cert.PEM, "\n"))
	sb.WriteString("\n")
	if cert.ChainPEM != "" {
		sb.WriteString(strings.TrimRight(cert.ChainPEM, "\n"))
		sb.WriteString("\n")
	}
	sb.WriteString("```\n</details>\n")
	return sb.String()
}

// issuedSerials folds the full issuance history into a serial set.
func (e *Engine) issuedSerials(ctx context.Context) (map[string]bool, error) {
	entries, err := e.svc.ListEntries(ctx, ledger.CategoryIssuance, "")
	if err != nil {
		return nil, err
	}
	taken := make(map[string]bool, len(entries))
	for i := range entries {
		cert, err := ledger.ExtractCertificate(&entries[i])
		if err != nil {
			continue
		}
		taken[cert.SerialNumber] = true
	}
	return taken, nil
}

// reply posts a terminal message to the requester. A failed reply is logged
// and reported to operators but does not change the flow's outcome.
func (e *Engine) reply(ctx context.Context, id int, body string) {
	if err := e.svc.PostComment(ctx, id, body); err != nil {
		slog.Error("posting reply failed", "entry", id, "err", err)
		e.notifyDegraded(err)
	}
}

// reportFailure is reply for flows that already failed on the ledger; the
// post is best-effort since the same outage likely affects it.
func (e *Engine) reportFailure(ctx context.Context, id int, body string) {
	if err := e.svc.PostComment(ctx, id, body); err != nil {
		slog.Warn("posting failure notice failed", "entry", id, "err", err)
	}
}

// finalize labels and closes a processed entry. Both are idempotent on the
// ledger side; failures are logged, the posted event comment is the record.
func (e *Engine) finalize(ctx context.Context, id int, label string) {
	if err := e.svc.AddLabel(ctx, id, label); err != nil {
		slog.Warn("labeling entry failed", "entry", id, "label", label, "err", err)
	}
	if err := e.svc.CloseEntry(ctx, id); err != nil {
		slog.Warn("closing entry failed", "entry", id, "err", err)
	}
}

func (e *Engine) notify(ev notify.Event) {
	if e.notifier != nil {
		e.notifier.Send(ev)
	}
}

func (e *Engine) notifyDegraded(err error) {
	e.notify(notify.Event{Kind: notify.EventLedgerDegraded, Detail: err.Error()})
}

// extractKeyMaterial finds the first PEM block in an entry body and reports
// whether it is a CSR.
func extractKeyMaterial(body string) ([]byte, bool) {
	idx := strings.Index(body, "-----BEGIN")
	if idx < 0 {
		return nil, false
	}
	block, _ := pem.Decode([]byte(body[idx:]))
	if block == nil {
		return nil, false
	}
	return pem.EncodeToMemory(block), block.Type == "CERTIFICATE REQUEST"
}
