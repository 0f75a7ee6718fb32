// Package authority loads and checks the intermediate CA material that signs
// developer certificates. The chain file must already carry the full path to
// the root; nothing here fetches or validates the root independently.
package authority

import (
	"bytes"
	"crypto"
	"crypto/ecdsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/mkoval/certledger/internal/config"
)

// ErrUnavailable reports that CA material is missing or unusable. This is an
// operational misconfiguration, fatal to the issuance attempt.
var ErrUnavailable = errors.New("authority unavailable")

// Authority holds the signing chain and key for one intermediate CA.
// Constructed once per invocation and passed explicitly; never ambient state.
type Authority struct {
	chain  []*x509.Certificate // chain[0] is the issuing intermediate, root last
	signer crypto.Signer
	org    string
}

// Load reads the configured chain and key files and checks that they belong
// together.
func Load(cfg config.AuthorityConfig) (*Authority, error) {
	if cfg.ChainFile == "" || cfg.KeyFile == "" {
		return nil, fmt.Errorf("%w: chainFile and keyFile not configured", ErrUnavailable)
	}

	chainPEM, err := os.ReadFile(cfg.ChainFile)
	if err != nil {
		return nil, fmt.Errorf("%w: reading chain: %v", ErrUnavailable, err)
	}
	keyPEM, err := os.ReadFile(cfg.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("%w: reading key: %v", ErrUnavailable, err)
	}
	return New(chainPEM, keyPEM, cfg.OrgName)
}

// New builds an Authority from PEM-encoded chain and key material.
func New(chainPEM, keyPEM []byte, org string) (*Authority, error) {
	chain, err := ParsePEMBundle(chainPEM)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	signer, err := parsePrivateKey(keyPEM)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	a := &Authority{chain: chain, signer: signer, org: org}
	if err := a.check(time.Now()); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return a, nil
}

// check verifies the material is internally consistent: the key matches the
// intermediate, the intermediate is a CA within its validity window, and the
// bundle is ordered leaf-to-root.
func (a *Authority) check(now time.Time) error {
	ca := a.chain[0]
	if !ca.IsCA {
		return fmt.Errorf("certificate %q is not a CA", subjectName(ca))
	}
	if ca.NotAfter.Before(now) {
		return fmt.Errorf("intermediate expired: %s", subjectName(ca))
	}
	if ca.NotBefore.After(now) {
		return fmt.Errorf("intermediate not yet valid: %s", subjectName(ca))
	}
	if !publicKeyMatches(ca, a.signer.Public()) {
		return fmt.Errorf("private key does not match intermediate %q", subjectName(ca))
	}
	for i := 0; i < len(a.chain)-1; i++ {
		if a.chain[i].Issuer.String() != a.chain[i+1].Subject.String() {
			return fmt.Errorf("chain misordered at position %d", i)
		}
	}
	return nil
}

// Certificate returns the issuing intermediate certificate.
func (a *Authority) Certificate() *x509.Certificate {
	return a.chain[0]
}

// Signer returns the intermediate's private key.
func (a *Authority) Signer() crypto.Signer {
	return a.signer
}

// Org returns the organization name stamped into issued subjects.
func (a *Authority) Org() string {
	return a.org
}

// IssuerName returns the intermediate's subject, for CRL artifacts.
func (a *Authority) IssuerName() string {
	return a.chain[0].Subject.String()
}

// ChainPEM returns the full configured chain (intermediate through root) as
// concatenated PEM blocks.
func (a *Authority) ChainPEM() string {
	var buf bytes.Buffer
	for _, c := range a.chain {
		pem.Encode(&buf, &pem.Block{Type: "CERTIFICATE", Bytes: c.Raw}) //nolint:errcheck // bytes.Buffer writes cannot fail
	}
	return buf.String()
}

// ParsePEMBundle decodes all CERTIFICATE PEM blocks from data.
func ParsePEMBundle(data []byte) ([]*x509.Certificate, error) {
	var certs []*x509.Certificate
	rest := data
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		if block.Type != "CERTIFICATE" {
			continue
		}
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return certs, fmt.Errorf("parsing certificate at position %d: %w", len(certs), err)
		}
		certs = append(certs, cert)
	}
	if len(certs) == 0 {
		return nil, fmt.Errorf("no PEM certificate blocks found")
	}
	return certs, nil
}

func parsePrivateKey(data []byte) (crypto.Signer, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("no PEM block in key material")
	}
	switch block.Type {
	case "EC PRIVATE KEY":
		return x509.ParseECPrivateKey(block.Bytes)
	case "PRIVATE KEY":
		key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, err
		}
		signer, ok := key.(crypto.Signer)
		if !ok {
			return nil, fmt.Errorf("unsupported PKCS#8 key type %T", key)
		}
		return signer, nil
	case "RSA PRIVATE KEY":
		return x509.ParsePKCS1PrivateKey(block.Bytes)
	default:
		return nil, fmt.Errorf("unsupported PEM block type %q", block.Type)
	}
}

func publicKeyMatches(cert *x509.Certificate, pub crypto.PublicKey) bool {
	switch certPub := cert.PublicKey.(type) {
	case *ecdsa.PublicKey:
		p, ok := pub.(*ecdsa.PublicKey)
		return ok && certPub.Equal(p)
	case interface{ Equal(crypto.PublicKey) bool }:
		return certPub.Equal(pub)
	default:
		return false
	}
}

func subjectName(c *x509.Certificate) string {
	if c.Subject.CommonName != "" {
		return c.Subject.CommonName
	}
	return c.Subject.String()
}
