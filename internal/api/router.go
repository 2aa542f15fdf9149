package api

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewRouter mounts the admin API under /api/v1 next to /metrics and /health.
func NewRouter(h *Handler) *mux.Router {
	r := mux.NewRouter()
	r.Handle("/metrics", promhttp.Handler())
	r.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok"}`))
	})

	apiV1 := r.PathPrefix("/api/v1").Subrouter()
	apiV1.HandleFunc("/settlements/runs", h.StartSettlementRun).Methods("POST")
	apiV1.HandleFunc("/settlements/preview", h.PreviewSettlement).Methods("POST")
	apiV1.HandleFunc("/jobs", h.ListJobs).Methods("GET")
	apiV1.HandleFunc("/jobs/{id}", h.GetJob).Methods("GET")
	apiV1.HandleFunc("/jobs/{id}/cancel", h.CancelJob).Methods("POST")
	apiV1.HandleFunc("/loans/settle", h.LoanSettle).Methods("POST")
	apiV1.HandleFunc("/loans/revert", h.LoanRevert).Methods("POST")
	apiV1.HandleFunc("/adjustments", h.Adjust).Methods("POST")
	apiV1.HandleFunc("/settings/schedule", h.UpdateSchedule).Methods("PUT")
	return r
}
