// Package metrics exposes the container's Prometheus collectors on a private
// registry.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Label names.
const (
	LabelScope   = "scope"
	LabelOutcome = "outcome"
	LabelPhase   = "phase"
	LabelEvent   = "event"

	OutcomeSuccess = "success"
	OutcomeError   = "error"
)

// Recorder records container metrics. A nil *Recorder is valid and records
// nothing.
type Recorder struct {
	registry *prometheus.Registry

	resolutions        *prometheus.CounterVec
	resolutionDuration *prometheus.HistogramVec
	cacheHits          prometheus.Counter
	hookFailures       *prometheus.CounterVec
	eventsEmitted      *prometheus.CounterVec
	loadedModules      prometheus.Gauge
}

// New creates a Recorder whose collectors are registered on a fresh registry.
func New(namespace string) (*Recorder, error) {
	registry := prometheus.NewRegistry()

	resolutions := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "resolutions_total",
			Help:      "Total number of provider constructions",
		},
		[]string{LabelScope, LabelOutcome},
	)

	resolutionDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "resolution_duration_seconds",
			Help:      "Provider construction duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{LabelScope},
	)

	cacheHits := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_hits_total",
			Help:      "Total number of resolutions served from an instance cache",
		},
	)

	hookFailures := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lifecycle_hook_failures_total",
			Help:      "Total number of lifecycle hooks that failed",
		},
		[]string{LabelPhase},
	)

	eventsEmitted := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_emitted_total",
			Help:      "Total number of events emitted on the event bus",
		},
		[]string{LabelEvent},
	)

	loadedModules := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "loaded_modules",
			Help:      "Number of dynamically loaded modules",
		},
	)

	for _, c := range []prometheus.Collector{
		resolutions,
		resolutionDuration,
		cacheHits,
		hookFailures,
		eventsEmitted,
		loadedModules,
	} {
		if err := registry.Register(c); err != nil {
			return nil, err
		}
	}

	return &Recorder{
		registry:           registry,
		resolutions:        resolutions,
		resolutionDuration: resolutionDuration,
		cacheHits:          cacheHits,
		hookFailures:       hookFailures,
		eventsEmitted:      eventsEmitted,
		loadedModules:      loadedModules,
	}, nil
}

// ObserveResolution records one provider construction.
func (r *Recorder) ObserveResolution(scope string, d time.Duration, err error) {
	if r == nil {
		return
	}

	outcome := OutcomeSuccess
	if err != nil {
		outcome = OutcomeError
	}
	r.resolutions.WithLabelValues(scope, outcome).Inc()
	r.resolutionDuration.WithLabelValues(scope).Observe(d.Seconds())
}

// CacheHit records a resolution served from cache.
func (r *Recorder) CacheHit() {
	if r == nil {
		return
	}
	r.cacheHits.Inc()
}

// HookFailed records a failed lifecycle hook.
func (r *Recorder) HookFailed(phase string) {
	if r == nil {
		return
	}
	r.hookFailures.WithLabelValues(phase).Inc()
}

// EventEmitted records an emitted event.
func (r *Recorder) EventEmitted(name string) {
	if r == nil {
		return
	}
	r.eventsEmitted.WithLabelValues(name).Inc()
}

// ModuleLoaded increments the loaded modules gauge.
func (r *Recorder) ModuleLoaded() {
	if r == nil {
		return
	}
	r.loadedModules.Inc()
}

// ModuleUnloaded decrements the loaded modules gauge.
func (r *Recorder) ModuleUnloaded() {
	if r == nil {
		return
	}
	r.loadedModules.Dec()
}

// Registry returns the underlying Prometheus registry.
func (r *Recorder) Registry() *prometheus.Registry {
	if r == nil {
		return nil
	}
	return r.registry
}

// Handler returns an HTTP handler serving the registry.
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{Registry: r.registry})
}
