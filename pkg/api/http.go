// Package api assembles the HTTP router: health and metrics, the foreign
// inter-platform surface and the domestic client surface.
package api

import (
	"net/http"

	"em2/pkg/api/handlers"
	"em2/pkg/logger"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Options tunes router behavior.
type Options struct {
	// MaxBodyBytes caps request body size; 0 means no cap.
	MaxBodyBytes int64
}

// NewRouter builds the full HTTP handler. Fixed routes are registered
// before the conversation wildcards.
func NewRouter(d *handlers.Deps, opts Options) http.Handler {
	r := mux.NewRouter()

	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	}).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	handlers.RegisterAuth(r, d)
	handlers.RegisterDomestic(r, d)
	handlers.RegisterForeign(r, d)

	var h http.Handler = r
	if opts.MaxBodyBytes > 0 {
		h = limitBody(h, opts.MaxBodyBytes)
	}
	return logRequests(h)
}

func logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		logger.LogRequest(r)
		next.ServeHTTP(w, r)
	})
}

func limitBody(next http.Handler, max int64) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, max)
		next.ServeHTTP(w, r)
	})
}
