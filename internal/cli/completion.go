package cli

import (
	"os"

	"github.com/spf13/cobra"
)

var completionCmd = &cobra.Command{
	Use:   "completion [bash|zsh|fish|powershell]",
	Short: "Generate shell completion scripts",
	Long: `Generate shell completion scripts for certledger.

To load completions:

Bash:
  $ source <(certledger completion bash)
  # Or persist across sessions:
  $ certledger completion bash > /etc/bash_completion.d/certledger

Zsh:
  $ source <(certledger completion zsh)
  # Or persist:
  $ certledger completion zsh > "${fpath[1]}/_certledger"

Fish:
  $ certledger completion fish | source
  # Or persist:
  $ certledger completion fish > ~/.config/fish/completions/certledger.fish

PowerShell:
  PS> certledger completion powershell | Out-String | Invoke-Expression`,
	DisableFlagsInUseLine: true,
	ValidArgs:             []string{"bash", "zsh", "fish", "powershell"},
	Args:                  cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
	RunE: func(cmd *cobra.Command, args []string) error {
		switch args[0] {
		case "bash":
			return cmd.Root().GenBashCompletionV2(os.Stdout, true)
		case "zsh":
			return cmd.Root().GenZshCompletion(os.Stdout)
		case "fish":
			return cmd.Root().GenFishCompletion(os.Stdout, true)
		case "powershell":
			return cmd.Root().GenPowerShellCompletionWithDesc(os.Stdout)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(completionCmd)
}
