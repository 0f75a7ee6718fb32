// Package report renders the certificate revocation list as operator-facing
// artifacts: a self-contained HTML page or CSV rows.
package report

import (
	"bytes"
	"embed"
	"html/template"

	"github.com/mkoval/certledger/internal/record"
)

//go:embed templates/report.html
var templateFS embed.FS

var reportTmpl = template.Must(template.ParseFS(templateFS, "templates/report.html"))

// Generate renders a CRL as a self-contained HTML report.
func Generate(crl *record.CRL) ([]byte, error) {
	rows := make([]reportRow, 0, len(crl.Revoked))
	for i := range crl.Revoked {
		r := &crl.Revoked[i]
		rows = append(rows, reportRow{
			Serial:      r.SerialNumber,
			Fingerprint: r.Fingerprint,
			Owner:       r.Owner,
			RequestedBy: r.RequestedBy,
			Reason:      string(r.Reason),
			RevokedAt:   r.RevokedAt.UTC().Format("2006-01-02 15:04 UTC"),
		})
	}

	data := reportData{
		GeneratedAt:  crl.GeneratedAt.UTC().Format("2006-01-02 15:04 UTC"),
		Issuer:       crl.Issuer,
		Version:      crl.Version,
		TotalIssued:  crl.TotalIssued,
		TotalRevoked: crl.TotalRevoked,
		Revoked:      rows,
	}

	var buf bytes.Buffer
	if err := reportTmpl.Execute(&buf, data); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

type reportData struct {
	GeneratedAt  string
	Issuer       string
	Version      string
	Revoked      []reportRow
	TotalIssued  int
	TotalRevoked int
}

type reportRow struct {
	Serial      string
	Fingerprint string
	Owner       string
	RequestedBy string
	Reason      string
	RevokedAt   string
}
