// Package ledgertest provides an in-memory ledger.Service fake for tests.
package ledgertest

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/mkoval/certledger/internal/ledger"
	"github.com/mkoval/certledger/internal/record"
)

// BotAuthor is the author recorded for comments the fake accepts.
const BotAuthor = "certledger[bot]"

// Fake is an in-memory ledger.Service. Zero value is usable.
type Fake struct {
	mu         sync.Mutex
	entries    map[ledger.Category][]ledger.Entry
	privileged map[string]bool

	// FailReads makes all read operations report ledger unavailability.
	FailReads bool
	// FailRoles makes the privileged-role check fail.
	FailRoles bool

	// Write-path observations for assertions.
	Posted  map[int][]string
	Labeled map[int][]string
	Closed  []int
	Locked  []int
	Blocked []string

	now time.Time
}

// New creates an empty fake with a fixed clock for deterministic comments.
func New() *Fake {
	return &Fake{
		entries:    make(map[ledger.Category][]ledger.Entry),
		privileged: make(map[string]bool),
		Posted:     make(map[int][]string),
		Labeled:    make(map[int][]string),
		now:        time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC),
	}
}

// Add prepends an entry to a category (the fake serves newest first, so add
// oldest first or use AddOldest consistently).
func (f *Fake) Add(cat ledger.Category, e ledger.Entry) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries[cat] = append([]ledger.Entry{e}, f.entries[cat]...)
}

// SetPrivileged marks an identity as a privileged operator.
func (f *Fake) SetPrivileged(identity string, v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.privileged[identity] = v
}

// AddIssued is a convenience: adds a closed, approved issuance entry whose
// thread carries a structured issuance event.
func (f *Fake) AddIssued(id int, owner, serial string, issuedAt time.Time) {
	f.Add(ledger.CategoryIssuance, ledger.Entry{
		ID:        id,
		Title:     "[cert-request] certificate for " + owner,
		Author:    owner,
		CreatedAt: issuedAt,
		ClosedAt:  issuedAt.Add(time.Minute),
		Labels:    []string{"cert-request", "approved"},
		Comments: []ledger.Comment{{
			Author:    BotAuthor,
			Body:      ledger.FormatIssuanceEvent(serial, "", issuedAt),
			CreatedAt: issuedAt,
		}},
	})
}

// AddRevoked adds a closed revocation entry whose thread carries a processed
// revocation event.
func (f *Fake) AddRevoked(id int, requester, serial string, reason record.Reason, at time.Time) {
	f.Add(ledger.CategoryRevocation, ledger.Entry{
		ID:        id,
		Title:     "[cert-revocation] revoke " + serial,
		Body:      "Serial: " + serial,
		Author:    requester,
		CreatedAt: at,
		ClosedAt:  at.Add(time.Minute),
		Labels:    []string{"cert-revocation", "approved"},
		Comments: []ledger.Comment{{
			Author:    BotAuthor,
			Body:      ledger.FormatRevocationEvent(serial, reason, at),
			CreatedAt: at,
		}},
	})
}

// ListEntries implements ledger.Reader.
func (f *Fake) ListEntries(_ context.Context, cat ledger.Category, identity string) ([]ledger.Entry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FailReads {
		return nil, ledger.Unavailable("list entries", errors.New("fake outage"))
	}
	var out []ledger.Entry
	for _, e := range f.entries[cat] {
		if identity != "" && !record.SameIdentity(e.Author, identity) {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

// GetEntry implements ledger.Reader.
func (f *Fake) GetEntry(_ context.Context, id int) (*ledger.Entry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FailReads {
		return nil, ledger.Unavailable("get entry", errors.New("fake outage"))
	}
	for cat := range f.entries {
		for i := range f.entries[cat] {
			if f.entries[cat][i].ID == id {
				e := f.entries[cat][i]
				return &e, nil
			}
		}
	}
	return nil, errors.New("entry not found")
}

// PostComment implements ledger.Writer. The comment becomes visible to
// subsequent reads, like the real ledger.
func (f *Fake) PostComment(_ context.Context, id int, body string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Posted[id] = append(f.Posted[id], body)
	for cat := range f.entries {
		for i := range f.entries[cat] {
			if f.entries[cat][i].ID == id {
				f.entries[cat][i].Comments = append(f.entries[cat][i].Comments, ledger.Comment{
					Author:    BotAuthor,
					Body:      body,
					CreatedAt: f.now,
				})
			}
		}
	}
	return nil
}

// AddLabel implements ledger.Writer.
func (f *Fake) AddLabel(_ context.Context, id int, label string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Labeled[id] = append(f.Labeled[id], label)
	for cat := range f.entries {
		for i := range f.entries[cat] {
			if f.entries[cat][i].ID == id {
				f.entries[cat][i].Labels = append(f.entries[cat][i].Labels, label)
			}
		}
	}
	return nil
}

// RemoveLabel implements ledger.Writer.
func (f *Fake) RemoveLabel(_ context.Context, id int, label string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for cat := range f.entries {
		for i := range f.entries[cat] {
			if f.entries[cat][i].ID != id {
				continue
			}
			labels := f.entries[cat][i].Labels[:0]
			for _, l := range f.entries[cat][i].Labels {
				if l != label {
					labels = append(labels, l)
				}
			}
			f.entries[cat][i].Labels = labels
		}
	}
	return nil
}

// CloseEntry implements ledger.Writer.
func (f *Fake) CloseEntry(_ context.Context, id int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Closed = append(f.Closed, id)
	return nil
}

// LockEntry implements ledger.Writer.
func (f *Fake) LockEntry(_ context.Context, id int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Locked = append(f.Locked, id)
	return nil
}

// BlockIdentity implements ledger.Writer.
func (f *Fake) BlockIdentity(_ context.Context, identity string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Blocked = append(f.Blocked, identity)
	return nil
}

// IsPrivileged implements ledger.RoleChecker.
func (f *Fake) IsPrivileged(_ context.Context, identity string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FailRoles {
		return false, ledger.Unavailable("check role", errors.New("fake outage"))
	}
	return f.privileged[identity], nil
}
