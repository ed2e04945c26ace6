package app

import (
	"context"
	"net/http"
	"time"

	"courier/cmd/internal/httpapi"
	"courier/cmd/internal/realtime"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const readyzTimeout = 2 * time.Second

// pinger is the readiness probe of the storage layer.
type pinger interface {
	Ping(ctx context.Context) error
}

func registerHTTP(
	mux *http.ServeMux,
	log Logger,
	cfg Config,
	stores pinger,
	gatherer prometheus.Gatherer,
	ws *realtime.WSGateway,
	api *httpapi.Handler,
) {
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})

	mux.HandleFunc("GET /readyz", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), readyzTimeout)
		defer cancel()

		if err := stores.Ping(ctx); err != nil {
			log.Info("readyz.not_ready", "err", err)
			http.Error(w, "not ready", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready\n"))
	})

	if gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}

	if api != nil {
		apiMux := http.NewServeMux()
		api.Register(apiMux)
		mux.Handle("/v1/", WithCORS(apiMux, cfg, log))
	}

	mux.Handle("/ws", ws)
}
