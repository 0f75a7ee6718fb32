package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/mkoval/certledger/internal/authz"
	"github.com/mkoval/certledger/internal/record"
	"github.com/mkoval/certledger/internal/state"
)

var resolveCmd = &cobra.Command{
	Use:   "resolve <identity>",
	Short: "Resolve an identity's certificate state from the ledger",
	Long: `Fold an identity's full issuance and revocation history into its current
state: the active certificate (if any), expired certificates, and revoked
certificates.

State is derived entirely from the ledger on every run; nothing is cached.`,
	Example: `  # Table output
  certledger resolve alice

  # JSON for scripting
  certledger resolve alice -o json

  # Without a config file
  certledger resolve alice --owner example-org --repo developer-certs`,
	Args: cobra.ExactArgs(1),
	RunE: runResolve,
}

func init() {
	rootCmd.AddCommand(resolveCmd)
	resolveCmd.Flags().String("config", defaultConfigPath, "Path to config file")
	resolveCmd.Flags().String("owner", "", "Ledger repository owner (overrides config)")
	resolveCmd.Flags().String("repo", "", "Ledger repository name (overrides config)")
	resolveCmd.Flags().StringP("output", "o", "table", "Output format: table, json")
}

func runResolve(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	svc, err := newLedger(cfg)
	if err != nil {
		return err
	}

	resolver := state.New(svc, authz.New(svc, svc))
	st, resolveErr := resolver.Resolve(cmd.Context(), args[0])

	output, _ := cmd.Flags().GetString("output") //nolint:errcheck // flag registered above
	if output == "json" {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(st); err != nil {
			return err
		}
	} else {
		printState(args[0], st)
	}

	if resolveErr != nil {
		return fmt.Errorf("state is incomplete: %w", resolveErr)
	}
	return nil
}

func printState(identity string, st record.State) {
	w := tabwriter.NewWriter(os.Stdout, 2, 4, 2, ' ', 0)
	defer w.Flush() //nolint:errcheck // stdout writer

	if st.Active != nil {
		fmt.Fprintf(w, "ACTIVE\t%s\texpires %s\tissue #%d\n",
			st.Active.SerialNumber,
			st.Active.ExpiresAt.UTC().Format(time.RFC3339),
			st.Active.SourceID)
	} else {
		fmt.Fprintf(w, "no active certificate for %s\n", identity)
	}
	for i := range st.Expired {
		c := &st.Expired[i]
		fmt.Fprintf(w, "expired\t%s\texpired %s\tissue #%d\n",
			c.SerialNumber, c.ExpiresAt.UTC().Format(time.RFC3339), c.SourceID)
	}
	for i := range st.Revoked {
		c := &st.Revoked[i]
		fmt.Fprintf(w, "revoked\t%s\t\tissue #%d\n", c.SerialNumber, c.SourceID)
	}
}
