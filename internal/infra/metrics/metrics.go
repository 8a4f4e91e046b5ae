// Package metrics exposes planner telemetry as Prometheus collectors and as
// an in-memory summary. Both sinks satisfy the recorder interfaces of the
// cache, strategic executor, fallback orchestrator and arbiter.
package metrics

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"arbiter-ai/internal/domain"
)

const namespace = "arbiter"

// Prometheus records planner telemetry on a private registry.
type Prometheus struct {
	registry *prometheus.Registry

	tierAttempts     *prometheus.CounterVec
	tierDuration     *prometheus.HistogramVec
	cacheEvents      *prometheus.CounterVec
	strategicLatency *prometheus.HistogramVec
	strategicErrors  *prometheus.CounterVec
	modeTransitions  *prometheus.CounterVec
	tickDuration     prometheus.Histogram
}

// NewPrometheus registers the arbiter collectors plus the Go runtime and
// process collectors on a fresh registry.
func NewPrometheus() *Prometheus {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Prometheus{
		registry: reg,
		tierAttempts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "fallback",
			Name:      "tier_attempts_total",
			Help:      "Fallback tier attempts by tier and outcome.",
		}, []string{"tier", "outcome"}),
		tierDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "fallback",
			Name:      "tier_duration_seconds",
			Help:      "Duration of one fallback tier attempt.",
			Buckets:   []float64{.0001, .001, .01, .1, .5, 1, 2.5, 5, 10, 20, 30, 60},
		}, []string{"tier"}),
		cacheEvents: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "events_total",
			Help:      "Response cache hits, approximate hits, misses, inserts and evictions.",
		}, []string{"event"}),
		strategicLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "strategic",
			Name:      "request_duration_seconds",
			Help:      "Latency of background strategic requests.",
			Buckets:   []float64{.01, .1, .5, 1, 2.5, 5, 10, 15, 25, 40, 60},
		}, []string{"tier"}),
		strategicErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "strategic",
			Name:      "request_errors_total",
			Help:      "Failed strategic requests by error code.",
		}, []string{"tier", "code"}),
		modeTransitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mode_transitions_total",
			Help:      "Arbiter state changes by destination mode.",
		}, []string{"to"}),
		tickDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "tick_duration_seconds",
			Help:      "Time spent inside one arbiter tick.",
			Buckets:   []float64{1e-6, 5e-6, 1e-5, 5e-5, 1e-4, 5e-4, 1e-3, 5e-3},
		}),
	}
}

// Registry returns the underlying registry.
func (p *Prometheus) Registry() *prometheus.Registry { return p.registry }

// Handler serves the registry in the Prometheus exposition format.
func (p *Prometheus) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}

// RecordCacheEvent implements cache.Recorder.
func (p *Prometheus) RecordCacheEvent(event string) {
	p.cacheEvents.WithLabelValues(event).Inc()
}

// ObserveStrategicRequest implements strategic.Recorder.
func (p *Prometheus) ObserveStrategicRequest(tier domain.Tier, d time.Duration, err error) {
	p.strategicLatency.WithLabelValues(string(tier)).Observe(d.Seconds())
	if err != nil {
		p.strategicErrors.WithLabelValues(string(tier), string(domain.ErrorCodeOf(err))).Inc()
	}
}

// ObserveTierAttempt implements fallback.Recorder.
func (p *Prometheus) ObserveTierAttempt(tier domain.Tier, success bool, d time.Duration) {
	p.tierAttempts.WithLabelValues(string(tier), outcome(success)).Inc()
	p.tierDuration.WithLabelValues(string(tier)).Observe(d.Seconds())
}

// ObserveTick implements arbiter.Recorder.
func (p *Prometheus) ObserveTick(_ string, d time.Duration) {
	p.tickDuration.Observe(d.Seconds())
}

// ObserveModeChange implements arbiter.Recorder.
func (p *Prometheus) ObserveModeChange(_, to string) {
	p.modeTransitions.WithLabelValues(to).Inc()
}

func outcome(success bool) string {
	if success {
		return "success"
	}
	return "failure"
}

// Serve exposes h at path on addr until ctx is cancelled.
func Serve(ctx context.Context, addr, path string, h http.Handler, logger *slog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle(path, h)
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("metrics endpoint listening", "addr", addr, "path", path)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
