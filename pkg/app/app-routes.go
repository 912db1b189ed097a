package app

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func (a *App) initRouter() http.Handler {
	r := mux.NewRouter().StrictSlash(true)
	r.HandleFunc("/webhooks/cruiseline-pricing", a.webhook.Handler).Methods(http.MethodPost)
	r.HandleFunc("/healthz", a.health.Handler).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.HandlerFor(a.metrics.Registry(), promhttp.HandlerOpts{})).Methods(http.MethodGet)
	r.HandleFunc("/admin/circuit-breaker/reset", a.resetBreakerHandler).Methods(http.MethodPost)
	return r
}

// resetBreakerHandler forces the endpoint breaker closed. Operator recovery
// after a confirmed upstream fix.
func (a *App) resetBreakerHandler(w http.ResponseWriter, r *http.Request) {
	host := r.URL.Query().Get("host")
	if host == "" {
		host = a.cfg.Ftp.Host
	}
	a.ftp.ResetBreaker(host)

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(map[string]string{"host": host, "breaker": "closed"}); err != nil {
		a.log.Error("encoding breaker reset response", slog.String("error", err.Error()))
	}
}
