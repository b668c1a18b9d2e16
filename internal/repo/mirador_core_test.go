package repo

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/miradorstack/mirador-remediator/internal/models"
)

func jsonResponse(t *testing.T, status int, payload any) *http.Response {
	t.Helper()
	data, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	return &http.Response{
		StatusCode: status,
		Status:     http.StatusText(status),
		Body:       io.NopCloser(bytes.NewReader(data)),
		Header:     make(http.Header),
	}
}

func TestFetchSignalsDropsUndecodableEntries(t *testing.T) {
	client := NewMiradorCoreClient("https://core.example.com/base", "/api/v1/signals", "/api/v1/verify", time.Second, nil)
	client.httpClient = newTestClient(func(req *http.Request) (*http.Response, error) {
		if req.URL.Path != "/base/api/v1/signals" {
			t.Fatalf("unexpected path: %s", req.URL.Path)
		}
		var body map[string]string
		if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if body["since"] != "2024-01-01T00:00:00Z" {
			t.Fatalf("unexpected since: %q", body["since"])
		}
		return jsonResponse(t, http.StatusOK, map[string]any{
			"signals": []any{
				map[string]any{
					"id": "s1", "timestamp": "2024-01-01T00:01:00Z", "source": "pod/checkout-7d9f-abc",
					"namespace": "shop", "service": "checkout", "target": "checkout",
					"severity": "warning", "kind": "metric",
					"payload": map[string]any{"query": "error_rate", "value": 0.4, "threshold": 0.1},
				},
				map[string]any{"id": "s2", "kind": "carrier-pigeon"},
			},
		}), nil
	})

	signals, err := client.FetchSignals(t.Context(), time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(signals) != 1 || signals[0].ID != "s1" {
		t.Fatalf("expected only the decodable signal, got %+v", signals)
	}
	if signals[0].Kind() != models.SignalKindMetric {
		t.Fatalf("expected metric payload, got %s", signals[0].Kind())
	}
}

func TestCheckClearedPostsIncidentContext(t *testing.T) {
	client := NewMiradorCoreClient("https://core.example.com", "/signals", "/verify", time.Second, nil)
	client.httpClient = newTestClient(func(req *http.Request) (*http.Response, error) {
		if req.URL.Path != "/verify" {
			t.Fatalf("unexpected path: %s", req.URL.Path)
		}
		var body map[string]any
		if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if body["incident_id"] != "inc-1" || body["target"] != "checkout" {
			t.Fatalf("unexpected payload: %+v", body)
		}
		return jsonResponse(t, http.StatusOK, map[string]any{"cleared": true, "message": "error rate nominal"}), nil
	})

	inc := &models.Incident{ID: "inc-1", Namespace: "shop", Service: "checkout", Target: "checkout", DetectedAt: time.Now()}
	cleared, msg, err := client.CheckCleared(t.Context(), inc)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !cleared || msg != "error rate nominal" {
		t.Fatalf("unexpected verification: cleared=%v msg=%q", cleared, msg)
	}
}

func TestCheckClearedSurfacesStatusError(t *testing.T) {
	client := NewMiradorCoreClient("https://core.example.com", "/signals", "/verify", time.Second, nil)
	client.httpClient = newTestClient(func(*http.Request) (*http.Response, error) {
		return jsonResponse(t, http.StatusServiceUnavailable, map[string]string{"error": "down"}), nil
	})

	_, _, err := client.CheckCleared(t.Context(), &models.Incident{ID: "inc-1"})
	if err == nil {
		t.Fatalf("expected error for 503")
	}
}

func TestResolveURLJoinsPaths(t *testing.T) {
	cases := map[string]string{
		"https://core/":       "https://core/api/v1/x",
		"https://core/prefix": "https://core/prefix/api/v1/x",
	}
	for base, want := range cases {
		if got := resolveURL(base, "api/v1/x"); got != want {
			t.Fatalf("resolveURL(%q) = %q, want %q", base, got, want)
		}
	}
	if resolveURL("", "/x") != "" {
		t.Fatalf("expected empty URL without base")
	}
}
