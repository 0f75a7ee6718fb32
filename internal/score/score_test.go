package score

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestLookup(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/score/alice":
			fmt.Fprint(w, `{"identity": "alice", "percentile": 87.5, "tier": "trusted"}`)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	c := NewClient(srv.URL)

	s, err := c.Lookup(context.Background(), "alice")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if s == nil || s.Percentile != 87.5 || s.Tier != "trusted" {
		t.Errorf("score = %+v, want percentile 87.5 tier trusted", s)
	}

	s, err = c.Lookup(context.Background(), "nobody")
	if err != nil {
		t.Fatalf("Lookup unscored: %v", err)
	}
	if s != nil {
		t.Errorf("score = %+v, want nil for unscored identity", s)
	}
}

func TestLookup_NilClient(t *testing.T) {
	var c *Client
	s, err := c.Lookup(context.Background(), "alice")
	if err != nil || s != nil {
		t.Errorf("nil client Lookup = (%+v, %v), want (nil, nil)", s, err)
	}
}
