package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/miradorstack/mirador-remediator/internal/models"
	"github.com/miradorstack/mirador-remediator/internal/utils"
)

const maxBodyBytes = 1 << 20

type actorBody struct {
	ActorID string `json:"actorId"`
	Note    string `json:"note"`
}

type ingestBody struct {
	Signals []models.Signal `json:"signals"`
}

func decodeBody(w http.ResponseWriter, r *http.Request, out any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		badRequest(w, fmt.Sprintf("invalid request body: %v", err))
		return false
	}
	return true
}

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	var body ingestBody
	if !decodeBody(w, r, &body) {
		return
	}
	res, err := s.service.Ingest(r.Context(), body.Signals)
	writeCommand(w, res, err)
}

func (s *Server) handleAttachRCA(w http.ResponseWriter, r *http.Request) {
	var rca models.RootCauseAnalysis
	if !decodeBody(w, r, &rca) {
		return
	}
	res, err := s.service.AttachRCA(r.Context(), chi.URLParam(r, "id"), rca)
	writeCommand(w, res, err)
}

func (s *Server) handlePropose(w http.ResponseWriter, r *http.Request) {
	var action models.RemediationAction
	if !decodeBody(w, r, &action) {
		return
	}
	res, err := s.service.Propose(r.Context(), chi.URLParam(r, "id"), action)
	writeCommand(w, res, err)
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	var body actorBody
	if !decodeBody(w, r, &body) {
		return
	}
	res, err := s.service.Approve(r.Context(), chi.URLParam(r, "id"), body.ActorID)
	writeCommand(w, res, err)
}

func (s *Server) handleReject(w http.ResponseWriter, r *http.Request) {
	var body actorBody
	if !decodeBody(w, r, &body) {
		return
	}
	res, err := s.service.Reject(r.Context(), chi.URLParam(r, "id"), body.ActorID)
	writeCommand(w, res, err)
}

func (s *Server) handleCreateIssue(w http.ResponseWriter, r *http.Request) {
	var body actorBody
	if !decodeBody(w, r, &body) {
		return
	}
	res, err := s.service.CreateIssue(r.Context(), chi.URLParam(r, "id"), body.ActorID)
	writeCommand(w, res, err)
}

func (s *Server) handleExecuteIssue(w http.ResponseWriter, r *http.Request) {
	var body actorBody
	if !decodeBody(w, r, &body) {
		return
	}
	res, err := s.service.ExecuteIssue(r.Context(), chi.URLParam(r, "id"), body.ActorID)
	writeCommand(w, res, err)
}

func (s *Server) handleRetryIssue(w http.ResponseWriter, r *http.Request) {
	var body actorBody
	if !decodeBody(w, r, &body) {
		return
	}
	res, err := s.service.RetryIssue(r.Context(), chi.URLParam(r, "id"), body.ActorID)
	writeCommand(w, res, err)
}

func (s *Server) handleResolveIssue(w http.ResponseWriter, r *http.Request) {
	var body actorBody
	if !decodeBody(w, r, &body) {
		return
	}
	res, err := s.service.ResolveIssue(r.Context(), chi.URLParam(r, "id"), body.ActorID, body.Note)
	writeCommand(w, res, err)
}

func (s *Server) handleGetIncident(w http.ResponseWriter, r *http.Request) {
	inc, err := s.service.GetIncident(chi.URLParam(r, "id"))
	if err != nil {
		fail(w, classify(err))
		return
	}
	ok(w, inc)
}

func (s *Server) handleListIncidents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	since, until, limit, perr := parseWindow(q.Get("since"), q.Get("until"), q.Get("limit"))
	if perr != nil {
		badRequest(w, perr.Error())
		return
	}
	ok(w, s.service.ListIncidents(models.IncidentFilter{
		Status:    models.IncidentStatus(q.Get("status")),
		Namespace: q.Get("namespace"),
		Since:     since,
		Until:     until,
		Limit:     limit,
	}))
}

func (s *Server) handleGetIssue(w http.ResponseWriter, r *http.Request) {
	is, err := s.service.GetIssue(chi.URLParam(r, "id"))
	if err != nil {
		fail(w, classify(err))
		return
	}
	ok(w, is)
}

func (s *Server) handleListIssues(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	_, _, limit, perr := parseWindow("", "", q.Get("limit"))
	if perr != nil {
		badRequest(w, perr.Error())
		return
	}
	ok(w, s.service.ListIssues(models.IssueFilter{
		Status:     models.IssueStatus(q.Get("status")),
		IncidentID: q.Get("incidentId"),
		Limit:      limit,
	}))
}

func (s *Server) handleQueryAudit(w http.ResponseWriter, r *http.Request) {
	filter, perr := auditFilter(r)
	if perr != nil {
		badRequest(w, perr.Error())
		return
	}
	entries, err := s.service.QueryAudit(r.Context(), filter)
	if err != nil {
		fail(w, classify(err))
		return
	}
	ok(w, entries)
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	ok(w, s.service.Stats())
}

func auditFilter(r *http.Request) (models.AuditFilter, error) {
	q := r.URL.Query()
	since, until, limit, err := parseWindow(q.Get("since"), q.Get("until"), q.Get("limit"))
	if err != nil {
		return models.AuditFilter{}, err
	}
	return models.AuditFilter{
		Since:  since,
		Until:  until,
		Actor:  models.Actor(q.Get("actor")),
		Action: q.Get("action"),
		Target: q.Get("target"),
		Result: models.AuditResult(q.Get("result")),
		Limit:  limit,
	}, nil
}

func parseWindow(sinceRaw, untilRaw, limitRaw string) (since, until time.Time, limit int, err error) {
	if since, err = utils.ParseTimeParam(sinceRaw); err != nil {
		return since, until, 0, fmt.Errorf("since: %w", err)
	}
	if until, err = utils.ParseTimeParam(untilRaw); err != nil {
		return since, until, 0, fmt.Errorf("until: %w", err)
	}
	if limitRaw != "" {
		if limit, err = strconv.Atoi(limitRaw); err != nil || limit < 0 {
			return since, until, 0, fmt.Errorf("limit must be a non-negative integer")
		}
	}
	return since, until, limit, nil
}
