// Package metrics exposes Prometheus collectors for the crawl engine.
package metrics

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

var (
	tasksTotal              *prometheus.CounterVec
	targetsTotal            *prometheus.CounterVec
	targetDurationSeconds   *prometheus.HistogramVec
	findingsTotal           *prometheus.CounterVec
	fetchFallbackTotal      prometheus.Counter
	discoveredLoginsTotal   *prometheus.CounterVec
	credentialCooldownTotal prometheus.Counter

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		tasksTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "spider_tasks_total",
				Help: "Total number of tasks terminalized, labeled by source and status.",
			},
			[]string{"source", "status"},
		)

		targetsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "spider_targets_total",
				Help: "Total number of fetch targets processed, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		targetDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "spider_target_duration_seconds",
				Help:    "Histogram of per-target processing latencies, labeled by kind.",
				Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"kind"},
		)

		findingsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "spider_findings_total",
				Help: "Total contact findings written, labeled by disposition.",
			},
			[]string{"disposition"},
		)

		fetchFallbackTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "spider_fetch_fallback_total",
				Help: "Total fetches that required the headless rendering fallback.",
			},
		)

		discoveredLoginsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "spider_discovered_logins_total",
				Help: "Total logins discovered by follow traversal, labeled by depth.",
			},
			[]string{"depth"},
		)

		credentialCooldownTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "spider_credential_cooldowns_total",
				Help: "Total credential cool-downs triggered by quota responses.",
			},
		)
	})
}

// ObserveTask increments the task counter for the given terminal status.
func ObserveTask(source, status string) {
	tasksTotal.WithLabelValues(source, status).Inc()
}

// ObserveTarget records one processed fetch target.
func ObserveTarget(kind, outcome string, duration time.Duration) {
	targetsTotal.WithLabelValues(outcome).Inc()
	targetDurationSeconds.WithLabelValues(kind).Observe(duration.Seconds())
}

// ObserveFindings records finding write dispositions.
func ObserveFindings(inserted, duplicate int) {
	if inserted > 0 {
		findingsTotal.WithLabelValues("inserted").Add(float64(inserted))
	}
	if duplicate > 0 {
		findingsTotal.WithLabelValues("duplicate").Add(float64(duplicate))
	}
}

// ObserveFallback increments the rendering-fallback counter.
func ObserveFallback() {
	fetchFallbackTotal.Inc()
}

// ObserveDiscovered records discovered logins at a traversal depth.
func ObserveDiscovered(depth string, count int) {
	if count > 0 {
		discoveredLoginsTotal.WithLabelValues(depth).Add(float64(count))
	}
}

// ObserveCredentialCooldown increments the cool-down counter.
func ObserveCredentialCooldown() {
	credentialCooldownTotal.Inc()
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Serve runs a small debug listener with /metrics and /healthz until the
// context is cancelled. Intended for long dry runs and operator inspection;
// batch runs skip it unless an address is configured.
func Serve(ctx context.Context, addr string, logger *zap.Logger) error {
	r := chi.NewRouter()
	r.Handle("/metrics", Handler())
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("metrics listener started", zap.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}
