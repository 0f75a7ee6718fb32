package report

import (
	"encoding/csv"
	"io"
	"strconv"
	"time"

	"github.com/mkoval/certledger/internal/record"
)

var csvHeader = []string{
	"serial", "fingerprint", "owner", "requestedBy", "reason", "revokedAt", "sourceId",
}

// WriteCSV writes the revoked entries of a CRL as CSV rows to w.
func WriteCSV(w io.Writer, crl *record.CRL) error {
	cw := csv.NewWriter(w)

	if err := cw.Write(csvHeader); err != nil {
		return err
	}

	for i := range crl.Revoked {
		r := &crl.Revoked[i]
		row := []string{
			r.SerialNumber,
			r.Fingerprint,
			r.Owner,
			r.RequestedBy,
			string(r.Reason),
			r.RevokedAt.UTC().Format(time.RFC3339),
			strconv.Itoa(r.SourceID),
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}

	cw.Flush()
	return cw.Error()
}
