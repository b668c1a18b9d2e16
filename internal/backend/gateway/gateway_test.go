package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/miradorstack/mirador-remediator/internal/executor"
	"github.com/miradorstack/mirador-remediator/internal/models"
)

func TestApplySendsIdempotencyKey(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/actions" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		if r.Header.Get("Idempotency-Key") != "attempt-1" {
			t.Errorf("missing idempotency key")
		}
		var body actionRequest
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode: %v", err)
		}
		if body.Type != "scale_deployment" || body.Parameters["replicas"] != "4" {
			t.Errorf("unexpected body: %+v", body)
		}
		_ = json.NewEncoder(w).Encode(actionResponse{Success: true, Message: "scaled"})
	}))
	defer srv.Close()

	c := New(srv.URL, "", time.Second, nil)
	resp, err := c.Apply(context.Background(), executor.Request{
		Type: models.ActionScaleDeployment, Target: "checkout", Namespace: "shop",
		Parameters: map[string]string{"replicas": "4"}, IdempotencyKey: "attempt-1",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !resp.Success || resp.Message != "scaled" {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestApplyClassifiesStatusCodes(t *testing.T) {
	cases := []struct {
		status    int
		retryable bool
	}{
		{http.StatusInternalServerError, true},
		{http.StatusBadGateway, true},
		{http.StatusTooManyRequests, true},
		{http.StatusBadRequest, false},
		{http.StatusForbidden, false},
	}
	for _, tc := range cases {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(tc.status)
		}))
		c := New(srv.URL, "", time.Second, nil)
		_, err := c.Apply(context.Background(), executor.Request{Type: models.ActionDeletePod, Target: "p"})
		srv.Close()
		if err == nil {
			t.Fatalf("status %d: expected error", tc.status)
		}
		if models.IsRetryable(err) != tc.retryable {
			t.Fatalf("status %d: expected retryable=%v, got %v", tc.status, tc.retryable, err)
		}
	}
}

func TestApplyExplicitFailureIsNotAnError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(actionResponse{Success: false, Message: "pdb would be violated"})
	}))
	defer srv.Close()

	resp, err := New(srv.URL, "", time.Second, nil).Apply(context.Background(), executor.Request{Type: models.ActionDeletePod, Target: "p"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Success || resp.Message != "pdb would be violated" {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestApplyUnreachableIsRetryable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := New(url, "", time.Second, nil).Apply(context.Background(), executor.Request{Type: models.ActionDeletePod, Target: "p"})
	if err == nil || !models.IsRetryable(err) {
		t.Fatalf("expected retryable transport error, got %v", err)
	}
}
