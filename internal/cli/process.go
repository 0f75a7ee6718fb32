package cli

import (
	"context"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/mkoval/certledger/internal/crl"
	"github.com/mkoval/certledger/internal/engine"
	"github.com/mkoval/certledger/internal/history"
)

var processCmd = &cobra.Command{
	Use:   "process <entry-number>",
	Short: "Process one ledger entry end to end",
	Long: `Run the lifecycle flow for a single ledger entry: issuance requests are
resolved, validated and issued; revocation requests are authorized and
confirmed. This is the same path the webhook receiver drives, exposed for
manual and cron-driven operation.

The outcome is always recorded on the entry thread; a confirmed revocation
also rebuilds the CRL artifact.`,
	Example: `  # Process issue #42
  certledger process 42`,
	Args: cobra.ExactArgs(1),
	RunE: runProcess,
}

func init() {
	rootCmd.AddCommand(processCmd)
	processCmd.Flags().String("config", defaultConfigPath, "Path to config file")
}

func runProcess(cmd *cobra.Command, args []string) error {
	id, err := strconv.Atoi(args[0])
	if err != nil || id <= 0 {
		return fmt.Errorf("entry number must be a positive integer, got %q", args[0])
	}

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	svc, err := newLedger(cfg)
	if err != nil {
		return err
	}

	var opts []engine.Option
	if cfg.AuditDB != "" {
		hist, err := history.Open(cfg.AuditDB)
		if err != nil {
			return fmt.Errorf("opening audit database: %w", err)
		}
		defer hist.Close() //nolint:errcheck // best-effort cleanup
		opts = append(opts, engine.WithRecorder(&auditRecorder{hist: hist}))
	}

	issuerName := "certledger"
	if cfg.Authority.OrgName != "" {
		issuerName = cfg.Authority.OrgName
	}
	builder := crl.New(svc, issuerName)
	opts = append(opts, engine.WithRebuild(func(ctx context.Context) error {
		built, err := builder.Build(ctx)
		if err != nil {
			return err
		}
		return writeCRLArtifact(cfg.CRLPath, built)
	}))

	eng, err := buildEngine(cfg, svc, opts...)
	if err != nil {
		return err
	}

	res, err := eng.ProcessEntry(cmd.Context(), id)
	if err != nil {
		return err
	}

	switch res.Outcome {
	case engine.OutcomeIssued:
		fmt.Printf("issued: serial %s to %s (entry #%d)\n", res.Serial, res.Identity, res.EntryID)
	case engine.OutcomeRevoked:
		fmt.Printf("revoked: serial %s, reason %s (entry #%d)\n", res.Serial, res.Detail, res.EntryID)
	case engine.OutcomeSkipped:
		fmt.Printf("skipped: %s (entry #%d)\n", res.Detail, res.EntryID)
	default:
		fmt.Printf("%s: %s (entry #%d)\n", res.Outcome, res.Detail, res.EntryID)
	}
	return nil
}
