// Package ledger reads and writes the issue-tracker ledger that serves as the
// system's only persistent store. All certificate state is a fold over the
// closed entries it returns; nothing here is ever mutated in place.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrUnavailable reports that the ledger service could not be reached after
// retrying. Callers decide fail-open or fail-closed; an empty result is never
// substituted for this error.
var ErrUnavailable = errors.New("ledger unavailable")

// Category selects which kind of ledger entry to scan.
type Category string

const (
	CategoryIssuance   Category = "issuance"
	CategoryRevocation Category = "revocation"
)

// Tag returns the title tag that marks an entry as belonging to the category.
// Entries without the tag are ignored even when labeled.
func (c Category) Tag() string {
	switch c {
	case CategoryRevocation:
		return "[cert-revocation]"
	default:
		return "[cert-request]"
	}
}

// Comment is one message in an entry's thread.
type Comment struct {
	Author    string
	Body      string
	CreatedAt time.Time
}

// Entry is a normalized closed ledger entry with its full comment thread.
type Entry struct {
	ID        int // issue number; the stable provenance reference
	Title     string
	Body      string
	Author    string
	CreatedAt time.Time
	ClosedAt  time.Time
	Labels    []string
	Comments  []Comment
}

// HasLabel reports whether the entry carries the named label.
func (e *Entry) HasLabel(name string) bool {
	for _, l := range e.Labels {
		if l == name {
			return true
		}
	}
	return false
}

// Reader is the ledger read path. Identity may be empty for a global scan.
// Results are newest first.
type Reader interface {
	ListEntries(ctx context.Context, cat Category, identity string) ([]Entry, error)
	GetEntry(ctx context.Context, id int) (*Entry, error)
}

// Writer is the ledger write path: the conversational surface the engine
// replies through.
type Writer interface {
	PostComment(ctx context.Context, id int, body string) error
	AddLabel(ctx context.Context, id int, label string) error
	RemoveLabel(ctx context.Context, id int, label string) error
	CloseEntry(ctx context.Context, id int) error
	LockEntry(ctx context.Context, id int) error
	BlockIdentity(ctx context.Context, identity string) error
}

// RoleChecker answers the privileged-operator question for an identity.
type RoleChecker interface {
	IsPrivileged(ctx context.Context, identity string) (bool, error)
}

// Service is the full ledger surface the engine depends on.
type Service interface {
	Reader
	Writer
	RoleChecker
}

// Unavailable wraps err as an ErrUnavailable with context.
func Unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %v", op, ErrUnavailable, err)
}
