// Package gateway applies remediation actions through an HTTP remediation gateway.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/miradorstack/mirador-remediator/internal/executor"
)

// Client posts actions to {endpoint}/api/v1/actions.
type Client struct {
	endpoint   string
	apiKey     string
	httpClient *http.Client
	logger     *slog.Logger
}

// New constructs a gateway client.
func New(endpoint, apiKey string, timeout time.Duration, logger *slog.Logger) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		endpoint:   strings.TrimRight(endpoint, "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
	}
}

type actionRequest struct {
	Type       string            `json:"type"`
	Target     string            `json:"target"`
	Namespace  string            `json:"namespace"`
	Parameters map[string]string `json:"parameters,omitempty"`
}

type actionResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// Apply sends req. 5xx and 429 responses and transport errors are retryable;
// other 4xx responses are fatal.
func (c *Client) Apply(ctx context.Context, req executor.Request) (executor.Response, error) {
	if c.endpoint == "" {
		return executor.Response{}, executor.Fatal(errors.New("gateway endpoint not configured"))
	}
	body, err := json.Marshal(actionRequest{
		Type:       string(req.Type),
		Target:     req.Target,
		Namespace:  req.Namespace,
		Parameters: req.Parameters,
	})
	if err != nil {
		return executor.Response{}, executor.Fatal(fmt.Errorf("marshal action: %w", err))
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+"/api/v1/actions", bytes.NewReader(body))
	if err != nil {
		return executor.Response{}, executor.Fatal(err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Idempotency-Key", req.IdempotencyKey)
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) || errors.Is(err, context.DeadlineExceeded) {
			return executor.Response{}, executor.Retryable(err)
		}
		return executor.Response{}, executor.Fatal(err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return executor.Response{}, executor.Retryable(fmt.Errorf("read gateway response: %w", err))
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return executor.Response{}, executor.Retryable(fmt.Errorf("gateway returned %s", resp.Status))
	case resp.StatusCode >= 400:
		return executor.Response{}, executor.Fatal(fmt.Errorf("gateway returned %s: %s", resp.Status, bytes.TrimSpace(raw)))
	}

	var decoded actionResponse
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return executor.Response{}, executor.Fatal(fmt.Errorf("decode gateway response: %w", err))
	}
	c.logger.Debug("gateway action answered",
		slog.String("action", string(req.Type)),
		slog.String("target", req.Target),
		slog.Bool("success", decoded.Success))
	return executor.Response{Success: decoded.Success, Message: decoded.Message, Raw: raw}, nil
}
