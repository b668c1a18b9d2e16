package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/miradorstack/mirador-remediator/internal/models"
	"github.com/miradorstack/mirador-remediator/internal/services"
	"github.com/miradorstack/mirador-remediator/internal/utils"
)

// Handler implements OperatorServer on top of the operator service.
type Handler struct {
	logger  *slog.Logger
	service *services.OperatorService
}

// NewHandler constructs the gRPC handler.
func NewHandler(logger *slog.Logger, service *services.OperatorService) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, service: service}
}

type incidentActorRequest struct {
	IncidentID string `json:"incidentId"`
	ActorID    string `json:"actorId"`
}

type issueActorRequest struct {
	IssueID string `json:"issueId"`
	ActorID string `json:"actorId"`
	Note    string `json:"note"`
}

type proposeRequest struct {
	IncidentID string                   `json:"incidentId"`
	Action     models.RemediationAction `json:"action"`
}

type attachRCARequest struct {
	IncidentID string                   `json:"incidentId"`
	RCA        models.RootCauseAnalysis `json:"rca"`
}

type ingestRequest struct {
	Signals []models.Signal `json:"signals"`
}

type getRequest struct {
	ID string `json:"id"`
}

type incidentQuery struct {
	Status    string `json:"status"`
	Namespace string `json:"namespace"`
	Since     string `json:"since"`
	Until     string `json:"until"`
	Limit     int    `json:"limit"`
}

type issueQuery struct {
	Status     string `json:"status"`
	IncidentID string `json:"incidentId"`
	Limit      int    `json:"limit"`
}

type auditQuery struct {
	Since  string `json:"since"`
	Until  string `json:"until"`
	Actor  string `json:"actor"`
	Action string `json:"action"`
	Target string `json:"target"`
	Result string `json:"result"`
	Limit  int    `json:"limit"`
}

// Ingest pushes signals through correlation.
func (h *Handler) Ingest(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req ingestRequest
	if err := decode(in, &req); err != nil {
		return nil, err
	}
	return h.command(h.service.Ingest(ctx, req.Signals))
}

// AttachRCA attaches an analysis to an incident.
func (h *Handler) AttachRCA(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req attachRCARequest
	if err := decode(in, &req); err != nil {
		return nil, err
	}
	if req.IncidentID == "" {
		return nil, status.Error(codes.InvalidArgument, "incidentId is required")
	}
	return h.command(h.service.AttachRCA(ctx, req.IncidentID, req.RCA))
}

// Propose submits a remediation action.
func (h *Handler) Propose(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req proposeRequest
	if err := decode(in, &req); err != nil {
		return nil, err
	}
	if req.IncidentID == "" {
		return nil, status.Error(codes.InvalidArgument, "incidentId is required")
	}
	return h.command(h.service.Propose(ctx, req.IncidentID, req.Action))
}

// Approve approves a pending remediation.
func (h *Handler) Approve(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	req, err := decodeIncidentActor(in)
	if err != nil {
		return nil, err
	}
	return h.command(h.service.Approve(ctx, req.IncidentID, req.ActorID))
}

// Reject rejects a pending remediation.
func (h *Handler) Reject(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	req, err := decodeIncidentActor(in)
	if err != nil {
		return nil, err
	}
	return h.command(h.service.Reject(ctx, req.IncidentID, req.ActorID))
}

// CreateIssue opens an issue for an incident.
func (h *Handler) CreateIssue(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	req, err := decodeIncidentActor(in)
	if err != nil {
		return nil, err
	}
	return h.command(h.service.CreateIssue(ctx, req.IncidentID, req.ActorID))
}

// ExecuteIssue starts remediation of an issue.
func (h *Handler) ExecuteIssue(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	req, err := decodeIssueActor(in)
	if err != nil {
		return nil, err
	}
	return h.command(h.service.ExecuteIssue(ctx, req.IssueID, req.ActorID))
}

// RetryIssue retries remediation of an issue.
func (h *Handler) RetryIssue(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	req, err := decodeIssueActor(in)
	if err != nil {
		return nil, err
	}
	return h.command(h.service.RetryIssue(ctx, req.IssueID, req.ActorID))
}

// ResolveIssue closes an issue by hand.
func (h *Handler) ResolveIssue(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	req, err := decodeIssueActor(in)
	if err != nil {
		return nil, err
	}
	return h.command(h.service.ResolveIssue(ctx, req.IssueID, req.ActorID, req.Note))
}

// GetIncident returns one incident.
func (h *Handler) GetIncident(_ context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req getRequest
	if err := decode(in, &req); err != nil {
		return nil, err
	}
	inc, err := h.service.GetIncident(req.ID)
	if err != nil {
		return nil, ToStatus(err)
	}
	return encode(inc)
}

// ListIncidents lists incidents matching the query.
func (h *Handler) ListIncidents(_ context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req incidentQuery
	if err := decode(in, &req); err != nil {
		return nil, err
	}
	since, until, err := parseRange(req.Since, req.Until)
	if err != nil {
		return nil, err
	}
	items := h.service.ListIncidents(models.IncidentFilter{
		Status:    models.IncidentStatus(req.Status),
		Namespace: req.Namespace,
		Since:     since,
		Until:     until,
		Limit:     req.Limit,
	})
	return encode(map[string]any{"items": items})
}

// GetIssue returns one issue.
func (h *Handler) GetIssue(_ context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req getRequest
	if err := decode(in, &req); err != nil {
		return nil, err
	}
	is, err := h.service.GetIssue(req.ID)
	if err != nil {
		return nil, ToStatus(err)
	}
	return encode(is)
}

// ListIssues lists issues matching the query.
func (h *Handler) ListIssues(_ context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req issueQuery
	if err := decode(in, &req); err != nil {
		return nil, err
	}
	items := h.service.ListIssues(models.IssueFilter{
		Status:     models.IssueStatus(req.Status),
		IncidentID: req.IncidentID,
		Limit:      req.Limit,
	})
	return encode(map[string]any{"items": items})
}

// QueryAudit returns audit entries matching the query.
func (h *Handler) QueryAudit(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	filter, err := decodeAuditFilter(in)
	if err != nil {
		return nil, err
	}
	items, err := h.service.QueryAudit(ctx, filter)
	if err != nil {
		return nil, ToStatus(err)
	}
	return encode(map[string]any{"items": items})
}

// StreamAudit sends every new audit entry matching the query until the
// client goes away.
func (h *Handler) StreamAudit(in *structpb.Struct, stream grpc.ServerStreamingServer[structpb.Struct]) error {
	filter, err := decodeAuditFilter(in)
	if err != nil {
		return err
	}
	entries, cancel := h.service.SubscribeAudit(64)
	defer cancel()
	for {
		select {
		case <-stream.Context().Done():
			return nil
		case entry, ok := <-entries:
			if !ok {
				return nil
			}
			if !filter.Matches(entry) {
				continue
			}
			msg, err := encode(entry)
			if err != nil {
				return err
			}
			if err := stream.Send(msg); err != nil {
				h.logger.Debug("audit stream send failed", slog.Any("error", err))
				return err
			}
		}
	}
}

func (h *Handler) command(res models.CommandResult, err error) (*structpb.Struct, error) {
	if err != nil {
		return nil, ToStatus(err)
	}
	return encode(res)
}

// ToStatus maps the domain error taxonomy onto gRPC status codes.
func ToStatus(err error) error {
	if err == nil {
		return nil
	}
	var (
		notFound   *models.NotFoundError
		validation *models.ValidationError
		conflict   *models.ConflictError
		busy       *models.BusyError
		transition *models.InvalidTransitionError
		denied     *models.PolicyDeniedError
	)
	switch {
	case errors.As(err, &notFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.As(err, &validation):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.As(err, &conflict), errors.As(err, &busy):
		return status.Error(codes.Aborted, err.Error())
	case errors.As(err, &transition), errors.As(err, &denied):
		return status.Error(codes.FailedPrecondition, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	}
	return status.Error(codes.Internal, err.Error())
}

func decodeIncidentActor(in *structpb.Struct) (incidentActorRequest, error) {
	var req incidentActorRequest
	if err := decode(in, &req); err != nil {
		return req, err
	}
	if req.IncidentID == "" {
		return req, status.Error(codes.InvalidArgument, "incidentId is required")
	}
	return req, nil
}

func decodeIssueActor(in *structpb.Struct) (issueActorRequest, error) {
	var req issueActorRequest
	if err := decode(in, &req); err != nil {
		return req, err
	}
	if req.IssueID == "" {
		return req, status.Error(codes.InvalidArgument, "issueId is required")
	}
	return req, nil
}

func decodeAuditFilter(in *structpb.Struct) (models.AuditFilter, error) {
	var req auditQuery
	if err := decode(in, &req); err != nil {
		return models.AuditFilter{}, err
	}
	since, until, err := parseRange(req.Since, req.Until)
	if err != nil {
		return models.AuditFilter{}, err
	}
	return models.AuditFilter{
		Since:  since,
		Until:  until,
		Actor:  models.Actor(req.Actor),
		Action: req.Action,
		Target: req.Target,
		Result: models.AuditResult(req.Result),
		Limit:  req.Limit,
	}, nil
}

func parseRange(sinceRaw, untilRaw string) (since, until time.Time, err error) {
	if since, err = utils.ParseTimeParam(sinceRaw); err != nil {
		return since, until, status.Error(codes.InvalidArgument, "since: "+err.Error())
	}
	if until, err = utils.ParseTimeParam(untilRaw); err != nil {
		return since, until, status.Error(codes.InvalidArgument, "until: "+err.Error())
	}
	return since, until, nil
}

// decode maps a Struct onto a JSON-tagged request type.
func decode(in *structpb.Struct, out any) error {
	if in == nil {
		return status.Error(codes.InvalidArgument, "request cannot be nil")
	}
	data, err := protojson.Marshal(in)
	if err != nil {
		return status.Error(codes.InvalidArgument, err.Error())
	}
	if err := json.Unmarshal(data, out); err != nil {
		return status.Error(codes.InvalidArgument, fmt.Sprintf("decode request: %v", err))
	}
	return nil
}

// encode renders v through its JSON form into a Struct.
func encode(v any) (*structpb.Struct, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	out := new(structpb.Struct)
	if err := protojson.Unmarshal(data, out); err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return out, nil
}
