package sync

import (
	"encoding/json"
	"net"
	"net/http"
	"time"

	"github.com/cuemby/cdcflow/pkg/metrics"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// startHTTP builds and starts the status/healthz/metrics surface on
// cfg.HTTPAddr. It's the one HTTP router in the repo, built on
// go-chi/chi/v5.
func (c *Coordinator) startHTTP() error {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(c.requestMetrics)

	r.Get("/status", c.handleStatus)
	r.Get("/healthz", metrics.HealthHandler())
	r.Get("/livez", metrics.LivenessHandler())
	r.Handle("/metrics", metrics.Handler())

	srv := &http.Server{
		Addr:              c.cfg.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}

	ln, err := net.Listen("tcp", c.cfg.HTTPAddr)
	if err != nil {
		return err
	}

	c.httpServer = srv
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			c.logger.Error().Err(err).Msg("status http server failed")
		}
	}()

	c.logger.Info().Str("addr", c.cfg.HTTPAddr).Msg("status http server listening")
	return nil
}

func (c *Coordinator) handleStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(c.StatsSnapshot())
}

// requestMetrics records APIRequestsTotal/APIRequestDuration for every
// request served by the status surface.
func (c *Coordinator) requestMetrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		timer := metrics.NewTimer()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		metrics.APIRequestsTotal.WithLabelValues(r.Method, http.StatusText(ww.Status())).Inc()
		timer.ObserveDurationVec(metrics.APIRequestDuration, r.Method)
	})
}
