package repo

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/miradorstack/mirador-remediator/internal/models"
)

// RCAClient asks the RCA service for a root cause analysis of an incident.
type RCAClient struct {
	endpoint   string
	apiKey     string
	httpClient *http.Client
}

// NewRCAClient constructs a client for the analysis endpoint.
func NewRCAClient(endpoint, apiKey string, timeout time.Duration) *RCAClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &RCAClient{
		endpoint:   strings.TrimRight(endpoint, "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: timeout},
	}
}

type rcaResponse struct {
	Status string                    `json:"status"`
	RCA    *models.RootCauseAnalysis `json:"rca"`
}

// Analyze submits the incident's signals. A nil analysis with a nil error
// means the analysis is still in progress.
func (c *RCAClient) Analyze(ctx context.Context, inc *models.Incident) (*models.RootCauseAnalysis, error) {
	if c == nil {
		return nil, fmt.Errorf("rca client not initialised")
	}
	if c.endpoint == "" {
		return nil, nil
	}

	payload := map[string]any{
		"incident_id":   inc.ID,
		"namespace":     inc.Namespace,
		"service":       inc.Service,
		"target":        inc.Target,
		"severity":      inc.Severity,
		"affected_pods": inc.AffectedPods,
		"signals":       inc.Signals,
	}
	header := http.Header{}
	if c.apiKey != "" {
		header.Set("Authorization", "Bearer "+c.apiKey)
	}

	var response rcaResponse
	code, err := postJSON(ctx, c.httpClient, c.endpoint+"/api/v1/rca/analyze", header, payload, &response)
	if err != nil {
		return nil, fmt.Errorf("rca request failed: %w", err)
	}
	if code == http.StatusAccepted || response.Status == "pending" || response.RCA == nil {
		return nil, nil
	}
	return response.RCA, nil
}
