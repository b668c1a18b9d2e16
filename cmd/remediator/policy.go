package main

import (
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/miradorstack/mirador-remediator/internal/engine"
	"github.com/miradorstack/mirador-remediator/internal/models"
	"github.com/miradorstack/mirador-remediator/internal/policy"
)

var (
	evalNamespace string
	evalType      string
	evalTarget    string
	evalRisk      string
	evalSeverity  string
	evalPods      int
	evalReplicas  string
)

var policyCmd = &cobra.Command{
	Use:   "policy",
	Short: "Work with remediation policy documents offline",
}

var policyCheckCmd = &cobra.Command{
	Use:   "check <policy.yaml>",
	Short: "Validate a policy document and optionally evaluate one action against it",
	Long: `check parses and compiles the policy, then prints a summary. When --type is
given the action is evaluated with no completion history and the decision is
printed as well.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := policy.LoadFile(args[0])
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "policy ok: threshold=%s maxPods=%d cooldown=%s rules=%d\n",
			cfg.RequireApprovalThreshold, cfg.MaxPodsAffected, cfg.Cooldown, len(cfg.Rules))
		namespaces := make([]string, 0, len(cfg.Namespaces))
		for ns := range cfg.Namespaces {
			namespaces = append(namespaces, ns)
		}
		sort.Strings(namespaces)
		for _, ns := range namespaces {
			fmt.Fprintf(out, "  %s: %v\n", ns, cfg.Namespaces[ns])
		}

		if evalType == "" {
			return nil
		}
		action := models.RemediationAction{
			Type:      models.ActionType(evalType),
			Target:    evalTarget,
			RiskLevel: models.RiskLevel(evalRisk),
		}
		if evalReplicas != "" {
			action.Parameters = map[string]string{"replicas": evalReplicas}
		}
		if err := action.Validate(); err != nil {
			return err
		}
		res := policy.Evaluate(action, policy.IncidentContext{
			Namespace:    evalNamespace,
			Target:       evalTarget,
			Severity:     models.Severity(evalSeverity),
			AffectedPods: evalPods,
			Now:          time.Now(),
		}, cfg)
		fmt.Fprintf(out, "decision=%s rule=%s blastRadius=%d reason=%q\n", res.Decision, res.Rule, res.BlastRadius, res.Reason)
		return nil
	},
}

var rulesCmd = &cobra.Command{
	Use:   "rules",
	Short: "Work with remediation proposal rules offline",
}

var rulesCheckCmd = &cobra.Command{
	Use:   "check <rules.yaml>",
	Short: "Validate a proposal rule file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := slog.New(slog.DiscardHandler)
		if _, err := engine.NewProposer(args[0], logger); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "rules ok")
		return nil
	},
}

func init() {
	policyCheckCmd.Flags().StringVar(&evalNamespace, "namespace", "default", "namespace of the hypothetical incident")
	policyCheckCmd.Flags().StringVar(&evalType, "type", "", "action type to evaluate")
	policyCheckCmd.Flags().StringVar(&evalTarget, "target", "workload", "action target")
	policyCheckCmd.Flags().StringVar(&evalRisk, "risk", "low", "action risk level")
	policyCheckCmd.Flags().StringVar(&evalSeverity, "severity", "medium", "incident severity")
	policyCheckCmd.Flags().IntVar(&evalPods, "pods", 1, "affected pod count")
	policyCheckCmd.Flags().StringVar(&evalReplicas, "replicas", "", "replicas parameter for scale_deployment")
	policyCmd.AddCommand(policyCheckCmd)
	rulesCmd.AddCommand(rulesCheckCmd)
	rootCmd.AddCommand(policyCmd, rulesCmd)
}
