// Command mock-upstream stands in for mirador-core, the RCA service and the
// action gateway so the remediator can run end to end on a laptop.
package main

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

type signal struct {
	ID        string         `json:"id"`
	Kind      string         `json:"kind"`
	Timestamp time.Time      `json:"timestamp"`
	Source    string         `json:"source"`
	Namespace string         `json:"namespace"`
	Service   string         `json:"service"`
	Target    string         `json:"target"`
	Severity  string         `json:"severity"`
	Payload   map[string]any `json:"payload"`
}

type cause struct {
	Cause      string   `json:"cause"`
	Confidence float64  `json:"confidence"`
	Evidence   []string `json:"evidence"`
}

type state struct {
	mu      sync.Mutex
	applied map[string]time.Time // target -> last action
	batch   atomic.Int64
}

func main() {
	st := &state{applied: make(map[string]time.Time)}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	// mirador-core: every third scan emits an OOM burst for checkout.
	mux.HandleFunc("/api/v1/remediation/signals", func(w http.ResponseWriter, r *http.Request) {
		if !enforcePost(w, r) {
			return
		}
		n := st.batch.Add(1)
		if n%3 != 1 {
			writeJSON(w, map[string]any{"signals": []signal{}})
			return
		}
		now := time.Now().UTC()
		writeJSON(w, map[string]any{"signals": []signal{
			{
				ID: fmt.Sprintf("sig-%d-a", n), Kind: "event", Timestamp: now.Add(-40 * time.Second),
				Source: "k8s-events", Namespace: "shop", Service: "checkout", Target: "checkout", Severity: "critical",
				Payload: map[string]any{"eventType": "Warning", "reason": "OOMKilling", "message": "Memory cgroup out of memory"},
			},
			{
				ID: fmt.Sprintf("sig-%d-b", n), Kind: "metric", Timestamp: now.Add(-20 * time.Second),
				Source: "prometheus", Namespace: "shop", Service: "checkout", Target: "checkout", Severity: "high",
				Payload: map[string]any{"query": "container_memory_working_set_bytes", "value": 1.9e9, "threshold": 1.5e9, "trend": "rising"},
			},
		}})
	})

	mux.HandleFunc("/api/v1/remediation/verify", func(w http.ResponseWriter, r *http.Request) {
		if !enforcePost(w, r) {
			return
		}
		var req struct {
			Target string `json:"target"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		st.mu.Lock()
		at, ok := st.applied[req.Target]
		st.mu.Unlock()
		cleared := ok && time.Since(at) > 15*time.Second
		writeJSON(w, map[string]any{"cleared": cleared, "message": "memory back under threshold"})
	})

	// RCA service.
	mux.HandleFunc("/api/v1/rca/analyze", func(w http.ResponseWriter, r *http.Request) {
		if !enforcePost(w, r) {
			return
		}
		writeJSON(w, map[string]any{
			"status": "complete",
			"rca": map[string]any{
				"summary": "checkout pods are OOM killed after the last deploy",
				"suspectedCauses": []cause{
					{Cause: "memory leak causing OOM", Confidence: 0.82, Evidence: []string{"OOMKilling events", "working set above limit"}},
				},
				"recommendedActions": []string{"restart deployment checkout"},
				"generatedAt":        time.Now().UTC(),
			},
		})
	})

	// Action gateway.
	mux.HandleFunc("/api/v1/actions", func(w http.ResponseWriter, r *http.Request) {
		if !enforcePost(w, r) {
			return
		}
		var req struct {
			Type      string `json:"type"`
			Target    string `json:"target"`
			Namespace string `json:"namespace"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		st.mu.Lock()
		st.applied[req.Target] = time.Now()
		st.mu.Unlock()
		writeJSON(w, map[string]any{
			"success": true,
			"message": fmt.Sprintf("%s applied to %s/%s (key %s)", req.Type, req.Namespace, req.Target, r.Header.Get("Idempotency-Key")),
		})
	})

	logger := log.New(log.Writer(), "upstream-mock ", log.LstdFlags|log.Lmicroseconds)
	srv := &http.Server{
		Addr:              ":8081",
		Handler:           logRequests(logger, mux),
		ReadHeaderTimeout: 5 * time.Second,
	}

	logger.Println("listening on :8081")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatalf("server error: %v", err)
	}
}

func enforcePost(w http.ResponseWriter, r *http.Request) bool {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, payload any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Printf("encode error: %v", err)
	}
}

func logRequests(logger *log.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rw, r)
		logger.Printf("%s %s %d %s", r.Method, r.URL.Path, rw.status, time.Since(start))
	})
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}
