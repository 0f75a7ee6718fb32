// Package config loads certledger runtime configuration.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// WebhookConfig is one operator notification target.
type WebhookConfig struct {
	Name string `yaml:"name"`
	URL  string `yaml:"url"`
}

// NotificationConfig controls outbound operator alerts.
type NotificationConfig struct {
	Enabled  bool            `yaml:"enabled"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
	Cooldown time.Duration   `yaml:"cooldown"` // default 1h
}

// LedgerConfig identifies the issue tracker used as the append-only ledger.
type LedgerConfig struct {
	Owner           string        `yaml:"owner"`           // repository owner
	Repo            string        `yaml:"repo"`            // repository name
	RequestLabel    string        `yaml:"requestLabel"`    // default "cert-request"
	RevocationLabel string        `yaml:"revocationLabel"` // default "cert-revocation"
	ApprovedLabel   string        `yaml:"approvedLabel"`   // default "approved"
	Timeout         time.Duration `yaml:"timeout"`         // per-call, default 15s
	RequestsPerSec  float64       `yaml:"requestsPerSec"`  // client-side rate limit, default 5
}

// AuthorityConfig points at the intermediate CA material. The chain file must
// already contain the full path to the root; the issuer never fetches it.
type AuthorityConfig struct {
	ChainFile string `yaml:"chainFile"` // PEM: intermediate first, root last
	KeyFile   string `yaml:"keyFile"`   // PEM: intermediate private key
	OrgName   string `yaml:"orgName"`   // O= in issued subjects
}

// Config holds certledger runtime configuration.
type Config struct {
	Ledger         LedgerConfig       `yaml:"ledger"`
	Authority      AuthorityConfig    `yaml:"authority"`
	Notifications  NotificationConfig `yaml:"notifications"`
	ListenAddr     string             `yaml:"listenAddr"`     // default ":8080"
	MetricsPath    string             `yaml:"metricsPath"`    // default "/metrics"
	AuditDB        string             `yaml:"auditDB"`        // SQLite path, empty = disabled
	CRLPath        string             `yaml:"crlPath"`        // default "crl.json"
	CRLNextUpdate  time.Duration      `yaml:"crlNextUpdate"`  // DER CRL nextUpdate interval, default 24h
	ScoreURL       string             `yaml:"scoreURL"`       // reputation service, empty = disabled
	PrivilegedTeam string             `yaml:"privilegedTeam"` // org team whose members may revoke anything, default "cert-operators"
}

// Defaults returns a Config with sane defaults.
func Defaults() *Config {
	return &Config{
		Ledger: LedgerConfig{
			RequestLabel:    "cert-request",
			RevocationLabel: "cert-revocation",
			ApprovedLabel:   "approved",
			Timeout:         15 * time.Second,
			RequestsPerSec:  5,
		},
		Notifications:  NotificationConfig{Cooldown: time.Hour},
		ListenAddr:     ":8080",
		MetricsPath:    "/metrics",
		CRLPath:        "crl.json",
		CRLNextUpdate:  24 * time.Hour,
		PrivilegedTeam: "cert-operators",
	}
}

// Load reads a YAML config file and merges with defaults.
func Load(path string) (*Config, error) {
	c := Defaults()
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(b, c); err != nil {
		return nil, err
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}
	return c, nil
}

// Validate checks that the config values are sane.
func (c *Config) Validate() error {
	if c.Ledger.Owner == "" || c.Ledger.Repo == "" {
		return fmt.Errorf("ledger.owner and ledger.repo must be set")
	}
	if strings.Contains(c.Ledger.Owner, "/") || strings.Contains(c.Ledger.Repo, "/") {
		return fmt.Errorf("ledger.owner and ledger.repo are separate fields, got %q/%q", c.Ledger.Owner, c.Ledger.Repo)
	}
	if c.Ledger.Timeout <= 0 {
		return fmt.Errorf("ledger.timeout must be positive, got %s", c.Ledger.Timeout)
	}
	if c.Ledger.RequestsPerSec <= 0 {
		return fmt.Errorf("ledger.requestsPerSec must be positive, got %g", c.Ledger.RequestsPerSec)
	}
	if c.Ledger.RequestLabel == c.Ledger.RevocationLabel {
		return fmt.Errorf("request and revocation labels must differ, both %q", c.Ledger.RequestLabel)
	}
	if c.CRLNextUpdate <= 0 {
		return fmt.Errorf("crlNextUpdate must be positive, got %s", c.CRLNextUpdate)
	}
	if c.ListenAddr == "" {
		return fmt.Errorf("listenAddr must not be empty")
	}
	return nil
}

// Token returns the ledger API token from the environment. Tokens never live
// in the config file.
func Token() string {
	return os.Getenv("CERTLEDGER_GITHUB_TOKEN")
}

// WebhookSecret returns the inbound webhook HMAC secret from the environment.
func WebhookSecret() []byte {
	s := os.Getenv("CERTLEDGER_WEBHOOK_SECRET")
	if s == "" {
		return nil
	}
	return []byte(s)
}
