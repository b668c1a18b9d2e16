// Command remediator runs the incident lifecycle engine and talks to a
// running instance as an operator client.
package main

import (
	"os"

	"github.com/spf13/cobra"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "remediator",
	Short: "Mirador remediator - incident lifecycle and remediation policy engine",
	Long: `remediator correlates telemetry signals into incidents, attaches root
cause analysis, gates remediation through policy and drives execution and
verification against Kubernetes.

Examples:
  # Run the engine
  remediator serve --config configs/remediator.yaml

  # Validate a policy document
  remediator policy check configs/policy.yaml

  # Approve a pending remediation on a running instance
  remediator approve inc-42 --actor alice`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path (defaults to $MIRADOR_REMEDIATOR_CONFIG)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
