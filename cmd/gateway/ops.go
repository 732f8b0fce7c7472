package main

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/matst80/wsgate/internal/gateway"
	"github.com/matst80/wsgate/internal/obs"
	"github.com/matst80/wsgate/internal/web"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// newOpsMux serves Prometheus metrics plus health, readiness, state and dashboard endpoints.
func newOpsMux(gw *gateway.Server) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/api/state", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(collectStats(gw))
	})
	mux.HandleFunc("/dashboard", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		if err := web.Render(w, "dashboard", collectStats(gw).ToTemplateMap()); err != nil {
			http.Error(w, "dashboard unavailable", http.StatusInternalServerError)
		}
	})
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		store := gw.Registry()
		if store.Closing() || !store.Ready() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})
	return mux
}

func startOpsServer(addr string, gw *gateway.Server) *http.Server {
	srv := &http.Server{Addr: addr, Handler: newOpsMux(gw)}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			obs.Error("ops.server", obs.Fields{"err": err.Error(), "addr": addr})
		}
	}()
	return srv
}
