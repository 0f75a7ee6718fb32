package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/go-github/v66/github"
	"golang.org/x/oauth2"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/mkoval/certledger/internal/config"
)

const (
	listPageSize      = 100
	commentFetchLimit = 4 // concurrent comment-thread fetches per listing
)

// GitHub implements Service against the GitHub Issues API.
type GitHub struct {
	client  *github.Client
	limiter *rate.Limiter
	owner   string
	repo    string
	team    string // privileged operator team slug
	labels  struct {
		request    string
		revocation string
	}
	timeout time.Duration
}

// Option configures a GitHub ledger client.
type Option func(*GitHub)

// WithBaseURL points the client at a different API root (for testing).
func WithBaseURL(u string) Option {
	return func(g *GitHub) {
		if !strings.HasSuffix(u, "/") {
			u += "/"
		}
		base, err := url.Parse(u)
		if err == nil {
			g.client.BaseURL = base
		}
	}
}

// NewGitHub builds a ledger client for the configured repository. An empty
// token yields an unauthenticated client (read-only, heavily rate-limited by
// the platform).
func NewGitHub(cfg *config.Config, token string, opts ...Option) *GitHub {
	var hc *http.Client
	if token != "" {
		hc = oauth2.NewClient(context.Background(), oauth2.StaticTokenSource(
			&oauth2.Token{AccessToken: token},
		))
	}

	g := &GitHub{
		client:  github.NewClient(hc),
		limiter: rate.NewLimiter(rate.Limit(cfg.Ledger.RequestsPerSec), 1),
		owner:   cfg.Ledger.Owner,
		repo:    cfg.Ledger.Repo,
		team:    cfg.PrivilegedTeam,
		timeout: cfg.Ledger.Timeout,
	}
	g.labels.request = cfg.Ledger.RequestLabel
	g.labels.revocation = cfg.Ledger.RevocationLabel

	for _, o := range opts {
		o(g)
	}
	return g
}

func (g *GitHub) label(cat Category) string {
	if cat == CategoryRevocation {
		return g.labels.revocation
	}
	return g.labels.request
}

// call runs fn with rate limiting, a bounded timeout, and a single retry on
// transient failure.
func (g *GitHub) call(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		if err := g.limiter.Wait(ctx); err != nil {
			return Unavailable(op, err)
		}
		cctx, cancel := context.WithTimeout(ctx, g.timeout)
		err := fn(cctx)
		cancel()
		if err == nil {
			return nil
		}
		lastErr = err
		if !transient(err) {
			return fmt.Errorf("%s: %w", op, err)
		}
		slog.Warn("ledger call failed, retrying", "op", op, "attempt", attempt+1, "err", err)
	}
	return Unavailable(op, lastErr)
}

// transient reports whether an error is worth a single retry: network
// failures, timeouts, platform rate limiting, and server-side errors.
// Structured 4xx rejections are permanent.
func transient(err error) bool {
	var rlErr *github.RateLimitError
	if errors.As(err, &rlErr) {
		return true
	}
	var abuseErr *github.AbuseRateLimitError
	if errors.As(err, &abuseErr) {
		return true
	}
	var ghErr *github.ErrorResponse
	if errors.As(err, &ghErr) {
		return ghErr.Response != nil && ghErr.Response.StatusCode >= 500
	}
	// Everything that is not a structured API rejection is assumed to be a
	// network-level failure.
	return true
}

// ListEntries returns closed, category-tagged entries newest first, each with
// its full comment thread. Identity filters by entry author when non-empty.
func (g *GitHub) ListEntries(ctx context.Context, cat Category, identity string) ([]Entry, error) {
	opt := &github.IssueListByRepoOptions{
		State:       "closed",
		Labels:      []string{g.label(cat)},
		Creator:     identity,
		Sort:        "created",
		Direction:   "desc",
		ListOptions: github.ListOptions{PerPage: listPageSize},
	}

	var issues []*github.Issue
	for {
		var page []*github.Issue
		var resp *github.Response
		err := g.call(ctx, "list entries", func(ctx context.Context) error {
			var callErr error
			page, resp, callErr = g.client.Issues.ListByRepo(ctx, g.owner, g.repo, opt)
			return callErr
		})
		if err != nil {
			return nil, err
		}
		issues = append(issues, page...)
		if resp == nil || resp.NextPage == 0 {
			break
		}
		opt.Page = resp.NextPage
	}

	entries := make([]Entry, 0, len(issues))
	for _, is := range issues {
		if is.IsPullRequest() {
			continue
		}
		if !strings.Contains(is.GetTitle(), cat.Tag()) {
			continue
		}
		entries = append(entries, toEntry(is))
	}

	// Comment threads are independent read-only fetches; overlap them.
	grp, gctx := errgroup.WithContext(ctx)
	grp.SetLimit(commentFetchLimit)
	for i := range entries {
		grp.Go(func() error {
			comments, err := g.listComments(gctx, entries[i].ID)
			if err != nil {
				return err
			}
			entries[i].Comments = comments
			return nil
		})
	}
	if err := grp.Wait(); err != nil {
		return nil, err
	}
	return entries, nil
}

// GetEntry fetches a single entry with its comment thread.
func (g *GitHub) GetEntry(ctx context.Context, id int) (*Entry, error) {
	var issue *github.Issue
	err := g.call(ctx, "get entry", func(ctx context.Context) error {
		var callErr error
		issue, _, callErr = g.client.Issues.Get(ctx, g.owner, g.repo, id)
		return callErr
	})
	if err != nil {
		return nil, err
	}
	e := toEntry(issue)
	e.Comments, err = g.listComments(ctx, id)
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func (g *GitHub) listComments(ctx context.Context, id int) ([]Comment, error) {
	opt := &github.IssueListCommentsOptions{
		ListOptions: github.ListOptions{PerPage: listPageSize},
	}
	var out []Comment
	for {
		var page []*github.IssueComment
		var resp *github.Response
		err := g.call(ctx, "list comments", func(ctx context.Context) error {
			var callErr error
			page, resp, callErr = g.client.Issues.ListComments(ctx, g.owner, g.repo, id, opt)
			return callErr
		})
		if err != nil {
			return nil, err
		}
		for _, c := range page {
			out = append(out, Comment{
				Author:    c.GetUser().GetLogin(),
				Body:      c.GetBody(),
				CreatedAt: c.GetCreatedAt().Time,
			})
		}
		if resp == nil || resp.NextPage == 0 {
			break
		}
		opt.Page = resp.NextPage
	}
	return out, nil
}

// PostComment appends a message to the entry's thread.
func (g *GitHub) PostComment(ctx context.Context, id int, body string) error {
	return g.call(ctx, "post comment", func(ctx context.Context) error {
		_, _, err := g.client.Issues.CreateComment(ctx, g.owner, g.repo, id,
			&github.IssueComment{Body: github.String(body)})
		return err
	})
}

// AddLabel attaches a label to the entry.
func (g *GitHub) AddLabel(ctx context.Context, id int, label string) error {
	return g.call(ctx, "add label", func(ctx context.Context) error {
		_, _, err := g.client.Issues.AddLabelsToIssue(ctx, g.owner, g.repo, id, []string{label})
		return err
	})
}

// RemoveLabel detaches a label from the entry.
func (g *GitHub) RemoveLabel(ctx context.Context, id int, label string) error {
	return g.call(ctx, "remove label", func(ctx context.Context) error {
		_, err := g.client.Issues.RemoveLabelForIssue(ctx, g.owner, g.repo, id, label)
		return err
	})
}

// CloseEntry closes the entry.
func (g *GitHub) CloseEntry(ctx context.Context, id int) error {
	return g.call(ctx, "close entry", func(ctx context.Context) error {
		_, _, err := g.client.Issues.Edit(ctx, g.owner, g.repo, id,
			&github.IssueRequest{State: github.String("closed")})
		return err
	})
}

// LockEntry locks the entry's thread so the record cannot grow after
// processing.
func (g *GitHub) LockEntry(ctx context.Context, id int) error {
	return g.call(ctx, "lock entry", func(ctx context.Context) error {
		_, err := g.client.Issues.Lock(ctx, g.owner, g.repo, id,
			&github.LockIssueOptions{LockReason: "resolved"})
		return err
	})
}

// BlockIdentity blocks an identity from the ledger organization.
func (g *GitHub) BlockIdentity(ctx context.Context, identity string) error {
	return g.call(ctx, "block identity", func(ctx context.Context) error {
		_, err := g.client.Organizations.BlockUser(ctx, g.owner, identity)
		return err
	})
}

// IsPrivileged reports whether the identity is an active member of the
// configured operator team.
func (g *GitHub) IsPrivileged(ctx context.Context, identity string) (bool, error) {
	var membership *github.Membership
	err := g.call(ctx, "check role", func(ctx context.Context) error {
		var callErr error
		membership, _, callErr = g.client.Teams.GetTeamMembershipBySlug(ctx, g.owner, g.team, identity)
		return callErr
	})
	if err != nil {
		var ghErr *github.ErrorResponse
		if errors.As(err, &ghErr) && ghErr.Response != nil && ghErr.Response.StatusCode == http.StatusNotFound {
			return false, nil // not a member at all
		}
		return false, err
	}
	return membership.GetState() == "active", nil
}

func toEntry(is *github.Issue) Entry {
	labels := make([]string, 0, len(is.Labels))
	for _, l := range is.Labels {
		labels = append(labels, l.GetName())
	}
	return Entry{
		ID:        is.GetNumber(),
		Title:     is.GetTitle(),
		Body:      is.GetBody(),
		Author:    is.GetUser().GetLogin(),
		CreatedAt: is.GetCreatedAt().Time,
		ClosedAt:  is.GetClosedAt().Time,
		Labels:    labels,
	}
}
