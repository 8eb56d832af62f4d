package metrics_test

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/junioryono/modi/internal/metrics"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecorder(t *testing.T) {
	t.Parallel()

	r, err := metrics.New("modi")
	require.NoError(t, err)

	r.ObserveResolution("singleton", time.Millisecond, nil)
	r.ObserveResolution("singleton", time.Millisecond, errors.New("boom"))
	r.CacheHit()
	r.CacheHit()
	r.HookFailed("onModuleInit")
	r.EventEmitted("module.loaded")
	r.ModuleLoaded()
	r.ModuleLoaded()
	r.ModuleUnloaded()

	expected := `
# HELP modi_cache_hits_total Total number of resolutions served from an instance cache
# TYPE modi_cache_hits_total counter
modi_cache_hits_total 2
# HELP modi_loaded_modules Number of dynamically loaded modules
# TYPE modi_loaded_modules gauge
modi_loaded_modules 1
# HELP modi_resolutions_total Total number of provider constructions
# TYPE modi_resolutions_total counter
modi_resolutions_total{outcome="error",scope="singleton"} 1
modi_resolutions_total{outcome="success",scope="singleton"} 1
`
	require.NoError(t, testutil.GatherAndCompare(r.Registry(), strings.NewReader(expected),
		"modi_cache_hits_total", "modi_loaded_modules", "modi_resolutions_total"))

	count, err := testutil.GatherAndCount(r.Registry(), "modi_lifecycle_hook_failures_total", "modi_events_emitted_total")
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestRecorder_Nil(t *testing.T) {
	t.Parallel()

	var r *metrics.Recorder
	assert.NotPanics(t, func() {
		r.ObserveResolution("transient", time.Second, nil)
		r.CacheHit()
		r.HookFailed("x")
		r.EventEmitted("x")
		r.ModuleLoaded()
		r.ModuleUnloaded()
	})
	assert.Nil(t, r.Registry())
}

func TestRecorder_Handler(t *testing.T) {
	t.Parallel()

	r, err := metrics.New("modi")
	require.NoError(t, err)
	r.CacheHit()

	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "modi_cache_hits_total 1")
}
