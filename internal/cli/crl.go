package cli

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/mkoval/certledger/internal/authority"
	"github.com/mkoval/certledger/internal/crl"
	"github.com/mkoval/certledger/internal/record"
	"github.com/mkoval/certledger/internal/report"
)

var crlCmd = &cobra.Command{
	Use:   "crl",
	Short: "Rebuild the certificate revocation list from the ledger",
	Long: `Scan the full revocation history and write the CRL artifact.

The JSON artifact is the canonical product and is rebuilt in full on every
run. When CA material is configured, a signed DER CRL (RFC 5280) is written
alongside it.`,
	Example: `  # Write the JSON artifact to the configured path
  certledger crl

  # Explicit output paths
  certledger crl --out crl.json --der-out crl.der

  # Render a human-readable report as well
  certledger crl --report html --report-out crl.html`,
	RunE: runCRL,
}

func init() {
	rootCmd.AddCommand(crlCmd)
	crlCmd.Flags().String("config", defaultConfigPath, "Path to config file")
	crlCmd.Flags().String("owner", "", "Ledger repository owner (overrides config)")
	crlCmd.Flags().String("repo", "", "Ledger repository name (overrides config)")
	crlCmd.Flags().String("out", "", "JSON artifact path (overrides config)")
	crlCmd.Flags().String("der-out", "", "Signed DER CRL path (requires CA material)")
	crlCmd.Flags().String("report", "", "Also render a report: html, csv")
	crlCmd.Flags().String("report-out", "", "Report output path (default: derived from --out)")
}

func runCRL(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	svc, err := newLedger(cfg)
	if err != nil {
		return err
	}

	// CA material is optional for the JSON artifact, required for DER.
	var auth *authority.Authority
	if cfg.Authority.ChainFile != "" {
		auth, err = authority.Load(cfg.Authority)
		if err != nil {
			return fmt.Errorf("loading CA material: %w", err)
		}
	}

	issuerName := "certledger"
	if auth != nil {
		issuerName = auth.IssuerName()
	}

	start := time.Now()
	built, err := crl.New(svc, issuerName).Build(cmd.Context())
	if err != nil {
		return fmt.Errorf("building revocation list: %w", err)
	}
	slog.Info("revocation list built",
		"issued", built.TotalIssued, "revoked", built.TotalRevoked,
		"duration", time.Since(start).Round(time.Millisecond))

	outPath, _ := cmd.Flags().GetString("out") //nolint:errcheck // flag registered above
	if outPath == "" {
		outPath = cfg.CRLPath
	}
	if err := writeCRLArtifact(outPath, built); err != nil {
		return err
	}
	fmt.Printf("wrote %s (%d revoked of %d issued)\n", outPath, built.TotalRevoked, built.TotalIssued)

	derPath, _ := cmd.Flags().GetString("der-out") //nolint:errcheck // flag registered above
	if derPath != "" {
		if auth == nil {
			return fmt.Errorf("--der-out requires authority.chainFile and authority.keyFile in config")
		}
		der, err := crl.BuildDER(built, auth, cfg.CRLNextUpdate)
		if err != nil {
			return fmt.Errorf("signing DER revocation list: %w", err)
		}
		if err := os.WriteFile(derPath, der, 0o644); err != nil {
			return fmt.Errorf("writing DER revocation list: %w", err)
		}
		fmt.Printf("wrote %s\n", derPath)
	}

	format, _ := cmd.Flags().GetString("report") //nolint:errcheck // flag registered above
	if format != "" {
		reportPath, _ := cmd.Flags().GetString("report-out") //nolint:errcheck // flag registered above
		if reportPath == "" {
			reportPath = strings.TrimSuffix(outPath, ".json") + "." + format
		}
		if err := writeReport(reportPath, format, built); err != nil {
			return err
		}
		fmt.Printf("wrote %s\n", reportPath)
	}
	return nil
}

// writeCRLArtifact writes the canonical JSON artifact.
func writeCRLArtifact(path string, c *record.CRL) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding revocation list: %w", err)
	}
	if err := os.WriteFile(path, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("writing revocation list: %w", err)
	}
	return nil
}

func writeReport(path, format string, c *record.CRL) error {
	switch format {
	case "html":
		data, err := report.Generate(c)
		if err != nil {
			return fmt.Errorf("rendering report: %w", err)
		}
		return os.WriteFile(path, data, 0o644)
	case "csv":
		f, err := os.Create(path)
		if err != nil {
			return err
		}
		defer f.Close() //nolint:errcheck // write errors surface from WriteCSV
		return report.WriteCSV(f, c)
	default:
		return fmt.Errorf("unknown report format %q (want html or csv)", format)
	}
}
