package repo

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/miradorstack/mirador-remediator/internal/models"
)

// MiradorCoreClient pulls detected signals from mirador-core and asks it
// whether a detection condition has cleared.
type MiradorCoreClient struct {
	baseURL     string
	signalsPath string
	verifyPath  string
	httpClient  *http.Client
	logger      *slog.Logger
}

// NewMiradorCoreClient constructs a client targeting the configured mirador-core instance.
func NewMiradorCoreClient(baseURL, signalsPath, verifyPath string, timeout time.Duration, logger *slog.Logger) *MiradorCoreClient {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &MiradorCoreClient{
		baseURL:     strings.TrimRight(baseURL, "/"),
		signalsPath: signalsPath,
		verifyPath:  verifyPath,
		httpClient:  &http.Client{Timeout: timeout},
		logger:      logger,
	}
}

// FetchSignals returns signals observed since the given instant. Entries that
// fail to decode are dropped and logged.
func (c *MiradorCoreClient) FetchSignals(ctx context.Context, since time.Time) ([]models.Signal, error) {
	if c == nil {
		return nil, fmt.Errorf("mirador-core client not initialised")
	}
	if c.baseURL == "" {
		return nil, fmt.Errorf("mirador-core base URL not configured")
	}

	payload := map[string]any{"since": since.UTC().Format(time.RFC3339Nano)}
	var response struct {
		Signals []json.RawMessage `json:"signals"`
	}
	if _, err := postJSON(ctx, c.httpClient, c.resolvePath(c.signalsPath), nil, payload, &response); err != nil {
		return nil, fmt.Errorf("mirador-core signals request failed: %w", err)
	}

	signals := make([]models.Signal, 0, len(response.Signals))
	for _, raw := range response.Signals {
		var sig models.Signal
		if err := json.Unmarshal(raw, &sig); err != nil {
			c.logger.Warn("dropping undecodable signal", slog.Any("error", err))
			continue
		}
		signals = append(signals, sig)
	}
	return signals, nil
}

// CheckCleared asks whether the condition behind the incident has cleared.
func (c *MiradorCoreClient) CheckCleared(ctx context.Context, inc *models.Incident) (bool, string, error) {
	if c == nil {
		return false, "", fmt.Errorf("mirador-core client not initialised")
	}
	if c.baseURL == "" {
		return false, "", fmt.Errorf("mirador-core base URL not configured")
	}

	signalIDs := make([]string, 0, len(inc.Signals))
	for _, s := range inc.Signals {
		signalIDs = append(signalIDs, s.ID)
	}
	payload := map[string]any{
		"incident_id": inc.ID,
		"namespace":   inc.Namespace,
		"service":     inc.Service,
		"target":      inc.Target,
		"since":       inc.DetectedAt.UTC().Format(time.RFC3339),
		"signal_ids":  signalIDs,
	}
	var response struct {
		Cleared bool   `json:"cleared"`
		Message string `json:"message"`
	}
	if _, err := postJSON(ctx, c.httpClient, c.resolvePath(c.verifyPath), nil, payload, &response); err != nil {
		return false, "", fmt.Errorf("mirador-core verification request failed: %w", err)
	}
	return response.Cleared, response.Message, nil
}

func (c *MiradorCoreClient) resolvePath(p string) string {
	return resolveURL(c.baseURL, p)
}

func resolveURL(base, p string) string {
	if base == "" {
		return ""
	}
	cleaned := "/" + strings.TrimLeft(p, "/")
	u, err := url.Parse(base)
	if err != nil {
		return base + cleaned
	}
	u.Path = path.Join(u.Path, cleaned)
	return u.String()
}

// StatusError is returned for non-2xx upstream responses.
type StatusError struct {
	Code   int
	Status string
}

func (e *StatusError) Error() string {
	return "upstream returned " + e.Status
}

// postJSON posts payload and decodes a 2xx body into out. It returns the
// response status code even on failure when one was received.
func postJSON(ctx context.Context, client *http.Client, endpoint string, header http.Header, payload any, out any) (int, error) {
	if endpoint == "" {
		return 0, fmt.Errorf("empty endpoint")
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("marshal payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	resp, err := client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return resp.StatusCode, &StatusError{Code: resp.StatusCode, Status: resp.Status}
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return resp.StatusCode, nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		if errors.Is(err, io.EOF) {
			return resp.StatusCode, nil
		}
		return resp.StatusCode, fmt.Errorf("decode response: %w", err)
	}
	return resp.StatusCode, nil
}
