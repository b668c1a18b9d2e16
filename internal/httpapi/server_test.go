package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/miradorstack/mirador-remediator/internal/config"
	"github.com/miradorstack/mirador-remediator/internal/models"
	"github.com/miradorstack/mirador-remediator/internal/policy"
	"github.com/miradorstack/mirador-remediator/internal/services"
)

type lifecycleStub struct {
	services.Lifecycle

	mu       sync.Mutex
	approved []string
	backlog  []models.AuditLogEntry
	feed     chan models.AuditLogEntry
}

func (l *lifecycleStub) Approve(_ context.Context, id, actorID string) (*models.Incident, error) {
	if actorID == "" {
		return nil, &models.ValidationError{Field: "actorId", Reason: "is required"}
	}
	if id != "inc-1" {
		return nil, &models.ConflictError{ID: id, Status: "escalated"}
	}
	l.mu.Lock()
	l.approved = append(l.approved, actorID)
	l.mu.Unlock()
	return &models.Incident{ID: id, Status: models.IncidentRemediating,
		Remediation: &models.RemediationAction{Type: models.ActionRolloutRestart}}, nil
}

func (l *lifecycleStub) Propose(_ context.Context, id string, action models.RemediationAction) (*models.Incident, policy.Result, error) {
	if action.Type == models.ActionScaleDeployment {
		return nil, policy.Result{}, &models.PolicyDeniedError{Rule: "action", Reason: "scale_deployment is not allowed"}
	}
	return &models.Incident{ID: id, Status: models.IncidentPendingApproval},
		policy.Result{Decision: policy.RequireApproval, Rule: policy.RuleRisk}, nil
}

func (l *lifecycleStub) Incident(id string) (*models.Incident, error) {
	if id != "inc-1" {
		return nil, &models.NotFoundError{Kind: "incident", ID: id}
	}
	return &models.Incident{ID: id, Namespace: "shop", Service: "checkout", Status: models.IncidentAnalyzing}, nil
}

func (l *lifecycleStub) Incidents(filter models.IncidentFilter) []*models.Incident {
	inc := &models.Incident{ID: "inc-1", Namespace: "shop", Status: models.IncidentAnalyzing}
	if !filter.Matches(inc) {
		return nil
	}
	return []*models.Incident{inc}
}

func (l *lifecycleStub) Audit(_ context.Context, filter models.AuditFilter) ([]models.AuditLogEntry, error) {
	var out []models.AuditLogEntry
	for _, e := range l.backlog {
		if filter.Matches(e) {
			out = append(out, e)
		}
	}
	return out, nil
}

func (l *lifecycleStub) SubscribeAudit(int) (<-chan models.AuditLogEntry, func()) {
	return l.feed, func() {}
}

func (l *lifecycleStub) BackendLatency(float64) time.Duration { return 0 }

func newTestServer(t *testing.T, stub *lifecycleStub) *httptest.Server {
	t.Helper()
	cfg := config.HTTPConfig{AllowedOrigins: []string{"https://ops.example.com"}}
	srv := New(cfg, services.NewOperatorService(nil, stub), nil)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts
}

func post(t *testing.T, url, body string) (*http.Response, models.CommandResult) {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("post %s: %v", url, err)
	}
	defer resp.Body.Close()
	var res models.CommandResult
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return resp, res
}

func TestApproveStatusCodes(t *testing.T) {
	stub := &lifecycleStub{}
	ts := newTestServer(t, stub)

	resp, res := post(t, ts.URL+"/api/v1/incidents/inc-1/approve", `{"actorId":"alice"}`)
	if resp.StatusCode != http.StatusOK || !res.Success || res.ID != "inc-1" {
		t.Fatalf("unexpected approve response %d %+v", resp.StatusCode, res)
	}

	resp, res = post(t, ts.URL+"/api/v1/incidents/inc-9/approve", `{"actorId":"alice"}`)
	if resp.StatusCode != http.StatusConflict || res.Success {
		t.Fatalf("expected 409, got %d %+v", resp.StatusCode, res)
	}

	resp, _ = post(t, ts.URL+"/api/v1/incidents/inc-1/approve", `{}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing actor, got %d", resp.StatusCode)
	}
	if len(stub.approved) != 1 || stub.approved[0] != "alice" {
		t.Fatalf("unexpected approvals: %v", stub.approved)
	}
}

func TestProposeMapsPolicyDenial(t *testing.T) {
	ts := newTestServer(t, &lifecycleStub{})

	resp, res := post(t, ts.URL+"/api/v1/incidents/inc-1/propose", `{"type":"scale_deployment","riskLevel":"medium"}`)
	if resp.StatusCode != http.StatusUnprocessableEntity || !strings.Contains(res.Message, "policy denied") {
		t.Fatalf("expected 422, got %d %+v", resp.StatusCode, res)
	}

	resp, _ = post(t, ts.URL+"/api/v1/incidents/inc-1/propose", `{"type":"reboot_node"}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown type, got %d", resp.StatusCode)
	}

	resp, _ = post(t, ts.URL+"/api/v1/incidents/inc-1/propose", `{"type":`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for malformed body, got %d", resp.StatusCode)
	}
}

func TestQueries(t *testing.T) {
	ts := newTestServer(t, &lifecycleStub{})

	resp, err := http.Get(ts.URL + "/api/v1/incidents/missing")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	var body struct {
		Error *Error `json:"error"`
	}
	_ = json.NewDecoder(resp.Body).Decode(&body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound || body.Error == nil || body.Error.Code != ErrCodeNotFound {
		t.Fatalf("expected 404 NOT_FOUND, got %d %+v", resp.StatusCode, body.Error)
	}

	resp, err = http.Get(ts.URL + "/api/v1/incidents?namespace=shop&limit=5")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	var list struct {
		Data []models.Incident `json:"data"`
	}
	_ = json.NewDecoder(resp.Body).Decode(&list)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || len(list.Data) != 1 {
		t.Fatalf("unexpected list %d %+v", resp.StatusCode, list)
	}

	resp, err = http.Get(ts.URL + "/api/v1/audit?limit=-1")
	if err != nil {
		t.Fatalf("audit: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for negative limit, got %d", resp.StatusCode)
	}
}

func TestCORSPreflight(t *testing.T) {
	ts := newTestServer(t, &lifecycleStub{})

	req, _ := http.NewRequest(http.MethodOptions, ts.URL+"/api/v1/incidents/inc-1/approve", nil)
	req.Header.Set("Origin", "https://ops.example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("preflight: %v", err)
	}
	resp.Body.Close()
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "https://ops.example.com" {
		t.Fatalf("unexpected allow origin %q", got)
	}
}

func TestAuditStreamReplaysThenFollows(t *testing.T) {
	stub := &lifecycleStub{
		backlog: []models.AuditLogEntry{
			{ID: "a1", Sequence: 1, Action: "incident.detected", Target: "inc-1"},
			{ID: "a2", Sequence: 2, Action: "incident.detected", Target: "inc-2"},
		},
		feed: make(chan models.AuditLogEntry, 4),
	}
	ts := newTestServer(t, stub)

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/v1/audit/stream?target=inc-1&replay=true"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	// a1 repeats in the live feed and must not be sent twice.
	stub.feed <- models.AuditLogEntry{ID: "a1", Sequence: 1, Action: "incident.detected", Target: "inc-1"}
	stub.feed <- models.AuditLogEntry{ID: "a3", Sequence: 3, Action: "incident.analyzing", Target: "inc-2"}
	stub.feed <- models.AuditLogEntry{ID: "a4", Sequence: 4, Action: "incident.analyzing", Target: "inc-1"}

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var got []string
	for len(got) < 2 {
		var entry models.AuditLogEntry
		if err := conn.ReadJSON(&entry); err != nil {
			t.Fatalf("read: %v", err)
		}
		got = append(got, entry.ID)
	}
	if got[0] != "a1" || got[1] != "a4" {
		t.Fatalf("unexpected stream order %v", got)
	}
}

func TestAuditStreamRejectsForeignOrigin(t *testing.T) {
	ts := newTestServer(t, &lifecycleStub{feed: make(chan models.AuditLogEntry)})

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/v1/audit/stream"
	header := http.Header{"Origin": []string{"https://evil.example.com"}}
	if _, resp, err := websocket.DefaultDialer.Dial(wsURL, header); err == nil {
		t.Fatalf("expected handshake failure")
	} else if resp != nil && resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", resp.StatusCode)
	}
}
