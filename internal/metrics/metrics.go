// Package metrics exposes prometheus instrumentation for the restart loop.
// Every method is safe on a nil *Metrics so callers never need to guard.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "devloop"

// Decision labels for watch event accounting.
const (
	DecisionDelivered = "delivered"
	DecisionIgnored   = "ignored"
	DecisionPaused    = "paused"
	DecisionFailed    = "failed"
)

// Metrics holds the collectors on a private registry.
type Metrics struct {
	registry        *prometheus.Registry
	restarts        *prometheus.CounterVec
	restartsDropped prometheus.Counter
	restartFailures *prometheus.CounterVec
	restartDuration prometheus.Histogram
	hookErrors      *prometheus.CounterVec
	watchEvents     *prometheus.CounterVec
}

// New creates and registers all collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		restarts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "restarts_total",
			Help:      "Restart cycles accepted, by triggering event kind.",
		}, []string{"event"}),
		restartsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "restarts_dropped_total",
			Help:      "Restart triggers dropped because a cycle was already in flight.",
		}),
		restartFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "restart_failures_total",
			Help:      "Restart cycles that ended in an error, by error type.",
		}, []string{"type"}),
		restartDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "restart_duration_seconds",
			Help:      "Wall time of a restart cycle up to the process being respawned.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 10),
		}),
		hookErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "hook_errors_total",
			Help:      "Plugin hook failures, by plugin and phase.",
		}, []string{"plugin", "phase"}),
		watchEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "watch_events_total",
			Help:      "Watch events seen by each listener, by decision.",
		}, []string{"listener", "decision"}),
	}

	m.registry.MustRegister(
		m.restarts,
		m.restartsDropped,
		m.restartFailures,
		m.restartDuration,
		m.hookErrors,
		m.watchEvents,
	)

	return m
}

// Registry returns the private registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// RestartAccepted counts an accepted restart cycle.
func (m *Metrics) RestartAccepted(event string) {
	if m == nil {
		return
	}
	m.restarts.WithLabelValues(event).Inc()
}

// RestartDropped counts a trigger rejected by the busy guard.
func (m *Metrics) RestartDropped() {
	if m == nil {
		return
	}
	m.restartsDropped.Inc()
}

// RestartFailed counts a failed cycle.
func (m *Metrics) RestartFailed(errType string) {
	if m == nil {
		return
	}
	m.restartFailures.WithLabelValues(errType).Inc()
}

// ObserveRestart records the duration of a cycle.
func (m *Metrics) ObserveRestart(d time.Duration) {
	if m == nil {
		return
	}
	m.restartDuration.Observe(d.Seconds())
}

// HookError counts a plugin hook failure.
func (m *Metrics) HookError(plugin, phase string) {
	if m == nil {
		return
	}
	m.hookErrors.WithLabelValues(plugin, phase).Inc()
}

// WatchEvent counts a listener decision.
func (m *Metrics) WatchEvent(listener, decision string) {
	if m == nil {
		return
	}
	m.watchEvents.WithLabelValues(listener, decision).Inc()
}

// Handler returns the HTTP handler serving the registry.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Serve exposes /metrics on addr until ctx is cancelled.
func (m *Metrics) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
