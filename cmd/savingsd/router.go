package main

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/R3E-Network/savings_layer/internal/app"
	"github.com/R3E-Network/savings_layer/internal/app/metrics"
	"github.com/R3E-Network/savings_layer/internal/config"
	"github.com/R3E-Network/savings_layer/internal/errors"
	"github.com/R3E-Network/savings_layer/internal/middleware"
	"github.com/R3E-Network/savings_layer/pkg/logger"
)

// newRouter exposes health, metrics and read-only views. Engine mutations
// are not served over HTTP.
func newRouter(application *app.Application, cfg config.ServerConfig, log *logger.Logger) *mux.Router {
	r := mux.NewRouter()
	r.Use(middleware.NewTracingMiddleware(log).Handler)
	if cfg.RateLimit > 0 {
		r.Use(middleware.NewRateLimiter(cfg.RateLimit, cfg.RateBurst, log).Handler)
	}
	r.Use(metrics.InstrumentHandler)
	r.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"status":   "ok",
			"services": application.Services(),
		})
	}).Methods(http.MethodGet)
	r.HandleFunc("/v1/portfolio/{owner}", func(w http.ResponseWriter, req *http.Request) {
		summary, err := application.Portfolio.Summary(req.Context(), mux.Vars(req)["owner"])
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, summary)
	}).Methods(http.MethodGet)
	r.HandleFunc("/v1/pools", func(w http.ResponseWriter, req *http.Request) {
		pools, err := application.Yield.ListPools(req.Context())
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, pools)
	}).Methods(http.MethodGet)
	return r
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, err error) {
	if se := errors.GetServiceError(err); se != nil {
		status := se.HTTPStatus
		if status == 0 {
			status = http.StatusInternalServerError
		}
		writeJSON(w, status, se)
		return
	}
	writeJSON(w, http.StatusInternalServerError, map[string]string{"message": err.Error()})
}
