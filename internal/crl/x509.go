package crl

import (
	"crypto/rand"
	"crypto/x509"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/mkoval/certledger/internal/authority"
	"github.com/mkoval/certledger/internal/record"
)

// RFC 5280 CRL reason codes.
var reasonCodes = map[record.Reason]int{
	record.ReasonUnspecified:   0,
	record.ReasonKeyCompromise: 1,
	record.ReasonSuperseded:    4,
}

// BuildDER renders the artifact as an RFC 5280 certificate revocation list
// signed by the intermediate. The JSON artifact stays canonical; entries
// whose serial is not valid hex are skipped here (they remain in the JSON
// form).
func BuildDER(c *record.CRL, auth *authority.Authority, nextUpdate time.Duration) ([]byte, error) {
	if auth == nil {
		return nil, fmt.Errorf("DER CRL: %w", authority.ErrUnavailable)
	}

	entries := make([]x509.RevocationListEntry, 0, len(c.Revoked))
	for i := range c.Revoked {
		r := &c.Revoked[i]
		serial, ok := new(big.Int).SetString(r.SerialNumber, 16)
		if !ok {
			slog.Warn("DER CRL: skipping non-hex serial", "serial", r.SerialNumber)
			continue
		}
		entries = append(entries, x509.RevocationListEntry{
			SerialNumber:   serial,
			RevocationTime: r.RevokedAt.UTC(),
			ReasonCode:     reasonCodes[r.Reason],
		})
	}

	tmpl := &x509.RevocationList{
		// Monotonic per build; the generation instant is the natural counter.
		Number:                    big.NewInt(c.GeneratedAt.Unix()),
		ThisUpdate:                c.GeneratedAt,
		NextUpdate:                c.GeneratedAt.Add(nextUpdate),
		RevokedCertificateEntries: entries,
	}

	der, err := x509.CreateRevocationList(rand.Reader, tmpl, auth.Certificate(), auth.Signer())
	if err != nil {
		return nil, fmt.Errorf("signing CRL: %w", err)
	}
	return der, nil
}
