package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaults(t *testing.T) {
	c := Defaults()
	if c.ListenAddr != ":8080" {
		t.Errorf("ListenAddr = %q, want :8080", c.ListenAddr)
	}
	if c.Ledger.RequestLabel != "cert-request" {
		t.Errorf("RequestLabel = %q, want cert-request", c.Ledger.RequestLabel)
	}
	if c.CRLNextUpdate != 24*time.Hour {
		t.Errorf("CRLNextUpdate = %s, want 24h", c.CRLNextUpdate)
	}
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	data := `
ledger:
  owner: example-org
  repo: developer-certs
  timeout: 30s
authority:
  chainFile: /etc/certledger/chain.pem
  keyFile: /etc/certledger/key.pem
  orgName: Example Org
listenAddr: ":9090"
auditDB: /var/lib/certledger/audit.db
`
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatal(err)
	}

	c, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if c.Ledger.Owner != "example-org" {
		t.Errorf("Owner = %q, want example-org", c.Ledger.Owner)
	}
	if c.Ledger.Timeout != 30*time.Second {
		t.Errorf("Timeout = %s, want 30s", c.Ledger.Timeout)
	}
	if c.ListenAddr != ":9090" {
		t.Errorf("ListenAddr = %q, want :9090", c.ListenAddr)
	}
	// Defaults survive partial config
	if c.Ledger.RevocationLabel != "cert-revocation" {
		t.Errorf("RevocationLabel = %q, want default", c.Ledger.RevocationLabel)
	}
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		c := Defaults()
		c.Ledger.Owner = "example-org"
		c.Ledger.Repo = "developer-certs"
		return c
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(*Config) {}, ""},
		{"missing repo", func(c *Config) { c.Ledger.Repo = "" }, "ledger.owner and ledger.repo"},
		{"slash in owner", func(c *Config) { c.Ledger.Owner = "a/b" }, "separate fields"},
		{"zero timeout", func(c *Config) { c.Ledger.Timeout = 0 }, "timeout must be positive"},
		{"same labels", func(c *Config) { c.Ledger.RevocationLabel = c.Ledger.RequestLabel }, "labels must differ"},
		{"empty listen", func(c *Config) { c.ListenAddr = "" }, "listenAddr"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := base()
			tt.mutate(c)
			err := c.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("Validate = %v, want error containing %q", err, tt.wantErr)
			}
		})
	}
}
