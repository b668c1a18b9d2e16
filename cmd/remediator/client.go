package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/miradorstack/mirador-remediator/internal/api"
)

var (
	serverAddr  string
	callTimeout time.Duration
	actorID     string
)

// withClient dials the operator API, runs fn and closes the connection.
func withClient(cmd *cobra.Command, fn func(ctx context.Context, c *api.OperatorClient) error) error {
	conn, err := grpc.NewClient(serverAddr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return fmt.Errorf("dial %s: %w", serverAddr, err)
	}
	defer conn.Close()
	return fn(cmd.Context(), api.NewOperatorClient(conn))
}

// call invokes a unary method and prints the response.
func call(cmd *cobra.Command, method string, req map[string]any) error {
	in, err := structpb.NewStruct(req)
	if err != nil {
		return err
	}
	return withClient(cmd, func(ctx context.Context, c *api.OperatorClient) error {
		ctx, cancel := context.WithTimeout(ctx, callTimeout)
		defer cancel()
		out, err := c.Call(ctx, method, in)
		if err != nil {
			if st, ok := status.FromError(err); ok {
				return fmt.Errorf("%s: %s", st.Code(), st.Message())
			}
			return err
		}
		return printStruct(cmd.OutOrStdout(), out)
	})
}

func printStruct(w io.Writer, s *structpb.Struct) error {
	data, err := protojson.MarshalOptions{Multiline: true, Indent: "  "}.Marshal(s)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}

func requireActor() error {
	if actorID == "" {
		return errors.New("--actor is required")
	}
	return nil
}

// parseParams turns key=value pairs into action parameters.
func parseParams(pairs []string) (map[string]any, error) {
	out := make(map[string]any, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("parameter %q must be key=value", p)
		}
		out[k] = v
	}
	return out, nil
}

func addClientFlags(cmd *cobra.Command) {
	cmd.PersistentFlags().StringVar(&serverAddr, "server", "localhost:50051", "operator gRPC address")
	cmd.PersistentFlags().DurationVar(&callTimeout, "timeout", 10*time.Second, "per-call timeout")
}

var (
	listStatus    string
	listNamespace string
	listLimit     int
	proposeType   string
	proposeRisk   string
	proposeTarget string
	proposeParams []string
	resolveNote   string
	auditSince    string
	auditUntil    string
	auditActor    string
	auditAction   string
	auditTarget   string
)

var incidentsCmd = &cobra.Command{
	Use:   "incidents",
	Short: "Inspect incidents on a running instance",
}

var incidentsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List incidents",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return call(cmd, "ListIncidents", map[string]any{
			"status":    listStatus,
			"namespace": listNamespace,
			"limit":     listLimit,
		})
	},
}

var incidentsGetCmd = &cobra.Command{
	Use:   "get <incident-id>",
	Short: "Show one incident",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return call(cmd, "GetIncident", map[string]any{"id": args[0]})
	},
}

var proposeCmd = &cobra.Command{
	Use:   "propose <incident-id>",
	Short: "Propose a remediation for an analyzing incident",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		params, err := parseParams(proposeParams)
		if err != nil {
			return err
		}
		return call(cmd, "Propose", map[string]any{
			"incidentId": args[0],
			"action": map[string]any{
				"type":       proposeType,
				"target":     proposeTarget,
				"riskLevel":  proposeRisk,
				"parameters": params,
			},
		})
	},
}

var approveCmd = &cobra.Command{
	Use:   "approve <incident-id>",
	Short: "Approve a pending remediation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := requireActor(); err != nil {
			return err
		}
		return call(cmd, "Approve", map[string]any{"incidentId": args[0], "actorId": actorID})
	},
}

var rejectCmd = &cobra.Command{
	Use:   "reject <incident-id>",
	Short: "Reject a pending remediation and escalate the incident",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := requireActor(); err != nil {
			return err
		}
		return call(cmd, "Reject", map[string]any{"incidentId": args[0], "actorId": actorID})
	},
}

var issuesCmd = &cobra.Command{
	Use:   "issues",
	Short: "Manage operator issues",
}

var issuesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List issues",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return call(cmd, "ListIssues", map[string]any{"status": listStatus, "limit": listLimit})
	},
}

var issuesGetCmd = &cobra.Command{
	Use:   "get <issue-id>",
	Short: "Show one issue",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return call(cmd, "GetIssue", map[string]any{"id": args[0]})
	},
}

var issuesCreateCmd = &cobra.Command{
	Use:   "create <incident-id>",
	Short: "Open an issue for an incident",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := requireActor(); err != nil {
			return err
		}
		return call(cmd, "CreateIssue", map[string]any{"incidentId": args[0], "actorId": actorID})
	},
}

func issueCommand(use, short, method string) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <issue-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireActor(); err != nil {
				return err
			}
			return call(cmd, method, map[string]any{"issueId": args[0], "actorId": actorID, "note": resolveNote})
		},
	}
}

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Query or follow the audit trail",
}

func auditRequest() map[string]any {
	return map[string]any{
		"since":  auditSince,
		"until":  auditUntil,
		"actor":  auditActor,
		"action": auditAction,
		"target": auditTarget,
		"limit":  listLimit,
	}
}

var auditListCmd = &cobra.Command{
	Use:   "list",
	Short: "List audit entries",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return call(cmd, "QueryAudit", auditRequest())
	},
}

var auditTailCmd = &cobra.Command{
	Use:   "tail",
	Short: "Follow new audit entries until interrupted",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		in, err := structpb.NewStruct(auditRequest())
		if err != nil {
			return err
		}
		return withClient(cmd, func(ctx context.Context, c *api.OperatorClient) error {
			stream, err := c.StreamAudit(ctx, in)
			if err != nil {
				return err
			}
			for {
				entry, err := stream.Recv()
				if errors.Is(err, io.EOF) {
					return nil
				}
				if err != nil {
					return err
				}
				if err := printStruct(cmd.OutOrStdout(), entry); err != nil {
					return err
				}
			}
		})
	},
}

func init() {
	incidentsListCmd.Flags().StringVar(&listStatus, "status", "", "filter by status")
	incidentsListCmd.Flags().StringVar(&listNamespace, "namespace", "", "filter by namespace")
	incidentsListCmd.Flags().IntVar(&listLimit, "limit", 0, "maximum number of results")
	incidentsCmd.AddCommand(incidentsListCmd, incidentsGetCmd)

	proposeCmd.Flags().StringVar(&proposeType, "type", "", "action type (rollout_restart, scale_deployment, delete_pod, cleanup_logs)")
	proposeCmd.Flags().StringVar(&proposeTarget, "target", "", "workload or pod to act on")
	proposeCmd.Flags().StringVar(&proposeRisk, "risk", "medium", "risk level (low, medium, high)")
	proposeCmd.Flags().StringArrayVar(&proposeParams, "param", nil, "action parameter as key=value, repeatable")
	_ = proposeCmd.MarkFlagRequired("type")
	_ = proposeCmd.MarkFlagRequired("target")

	for _, c := range []*cobra.Command{approveCmd, rejectCmd, issuesCmd} {
		c.PersistentFlags().StringVar(&actorID, "actor", "", "operator identity recorded in the audit trail")
	}

	issuesListCmd.Flags().StringVar(&listStatus, "status", "", "filter by status")
	issuesListCmd.Flags().IntVar(&listLimit, "limit", 0, "maximum number of results")
	resolve := issueCommand("resolve", "Close an issue by hand", "ResolveIssue")
	resolve.Flags().StringVar(&resolveNote, "note", "", "resolution note")
	issuesCmd.AddCommand(issuesListCmd, issuesGetCmd, issuesCreateCmd,
		issueCommand("execute", "Execute the remediation of an open issue", "ExecuteIssue"),
		issueCommand("retry", "Retry the remediation of an issue needing attention", "RetryIssue"),
		resolve)

	auditCmd.PersistentFlags().StringVar(&auditSince, "since", "", "RFC3339 or unix seconds lower bound")
	auditCmd.PersistentFlags().StringVar(&auditUntil, "until", "", "RFC3339 or unix seconds upper bound")
	auditCmd.PersistentFlags().StringVar(&auditActor, "actor", "", "filter by actor (system, human, gateway)")
	auditCmd.PersistentFlags().StringVar(&auditAction, "action", "", "filter by action")
	auditCmd.PersistentFlags().StringVar(&auditTarget, "target", "", "filter by target incident or issue")
	auditListCmd.Flags().IntVar(&listLimit, "limit", 0, "maximum number of results")
	auditCmd.AddCommand(auditListCmd, auditTailCmd)

	for _, c := range []*cobra.Command{incidentsCmd, proposeCmd, approveCmd, rejectCmd, issuesCmd, auditCmd} {
		addClientFlags(c)
		rootCmd.AddCommand(c)
	}
}
