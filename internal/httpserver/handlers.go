package httpserver

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fleetward/spotfleet/internal/auditlog"
)

// Status is the last completed reconciliation result, surfaced read-only at
// GET /status.
type Status struct {
	Timestamp       time.Time `json:"timestamp"`
	UsedBudgetUSD   float64   `json:"usedBudgetUsd"`
	RemainingBudget float64   `json:"remainingBudgetUsd"`
	CurrentUtility  float64   `json:"currentUtility"`
	NetNewUtility   float64   `json:"netNewUtility"`
	CandidateCount  int       `json:"candidateCount"`
	Alert           string    `json:"alert,omitempty"`
}

// StatusStore holds the most recent Status, updated once per reconciliation
// pass and read by concurrent HTTP requests.
type StatusStore struct {
	mu   sync.RWMutex
	last Status
}

func NewStatusStore() *StatusStore {
	return &StatusStore{}
}

// Set records the outcome of a reconciliation pass.
func (s *StatusStore) Set(status Status) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.last = status
}

// Get returns the most recently recorded Status.
func (s *StatusStore) Get() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.last
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// NewRouter builds the status server's routes.
func NewRouter(statusStore *StatusStore, audit *auditlog.Log) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Get("/status", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, statusStore.Get())
	})

	if audit != nil {
		r.Get("/audit", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, audit.Recent(200))
		})
	}

	r.Handle("/metrics", promhttp.Handler())

	return r
}
