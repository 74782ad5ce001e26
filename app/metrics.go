package app

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gorilla/mux"

	log "github.com/freundallein/acm/backend/chassis/logging"
	"github.com/freundallein/acm/backend/chassis/metrics"
)

// MetricsAddr is where pipeline binaries expose /metrics.
const MetricsAddr = ":2112"

// ServeMetrics starts a /metrics listener in the background.
func ServeMetrics(addr string) *http.Server {
	router := mux.NewRouter()
	router.Handle("/metrics", metrics.Handler())

	srv := &http.Server{
		Addr:    addr,
		Handler: router,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithFields(log.Fields{
				"event": "metrics_listen_failed",
			}).Error(err)
		}
	}()
	return srv
}

// SignalContext is cancelled on SIGINT or SIGTERM.
func SignalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-done:
			log.WithFields(log.Fields{
				"event": "ctx_cancel",
			}).Info("received syscall")
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(done)
	}()
	return ctx, cancel
}
