package modi

import (
	"time"

	"github.com/junioryono/modi/config"
	"github.com/junioryono/modi/events"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Default option values.
const (
	DefaultMaxResolutionDepth = 100
	DefaultHookTimeout        = 10 * time.Second
	DefaultShutdownTimeout    = 30 * time.Second
	DefaultWatchDebounce      = 100 * time.Millisecond
	DefaultMetricsNamespace   = "modi"
)

// Option configures a Container or an Application.
type Option interface {
	apply(*options)
}

type options struct {
	logger         *zap.Logger
	logLevel       string
	logFormat      string
	bus            *events.Bus
	historySize    int
	tracerProvider trace.TracerProvider

	metricsEnabled   bool
	metricsNamespace string

	maxDepth        int
	hookTimeout     time.Duration
	shutdownTimeout time.Duration

	hotReload     bool
	watchDebounce time.Duration
}

type optionFunc func(*options)

func (f optionFunc) apply(o *options) {
	f(o)
}

func defaultOptions() *options {
	return &options{
		historySize:      events.DefaultHistorySize,
		metricsEnabled:   true,
		metricsNamespace: DefaultMetricsNamespace,
		maxDepth:         DefaultMaxResolutionDepth,
		hookTimeout:      DefaultHookTimeout,
		shutdownTimeout:  DefaultShutdownTimeout,
		watchDebounce:    DefaultWatchDebounce,
	}
}

func buildOptions(opts []Option) *options {
	o := defaultOptions()
	for _, opt := range opts {
		if opt != nil {
			opt.apply(o)
		}
	}
	return o
}

// WithLogger sets the logger. Without it the container logs nothing unless
// WithConfig supplies a log level.
func WithLogger(l *zap.Logger) Option {
	return optionFunc(func(o *options) {
		o.logger = l
	})
}

// WithEventBus shares an existing event bus instead of creating one.
func WithEventBus(b *events.Bus) Option {
	return optionFunc(func(o *options) {
		o.bus = b
	})
}

// WithEventHistory sets how many recent events the container's own bus
// keeps.
func WithEventHistory(n int) Option {
	return optionFunc(func(o *options) {
		o.historySize = n
	})
}

// WithTracerProvider sets the OpenTelemetry tracer provider used for
// lifecycle and module load spans. The global provider is used by default.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return optionFunc(func(o *options) {
		o.tracerProvider = tp
	})
}

// WithMetrics enables Prometheus metrics under namespace.
func WithMetrics(namespace string) Option {
	return optionFunc(func(o *options) {
		o.metricsEnabled = true
		o.metricsNamespace = namespace
	})
}

// WithoutMetrics disables Prometheus metrics.
func WithoutMetrics() Option {
	return optionFunc(func(o *options) {
		o.metricsEnabled = false
	})
}

// WithMaxResolutionDepth bounds the length of a resolution chain.
func WithMaxResolutionDepth(depth int) Option {
	return optionFunc(func(o *options) {
		if depth > 0 {
			o.maxDepth = depth
		}
	})
}

// WithHookTimeout bounds every lifecycle hook. Zero disables the bound.
func WithHookTimeout(d time.Duration) Option {
	return optionFunc(func(o *options) {
		if d >= 0 {
			o.hookTimeout = d
		}
	})
}

// WithShutdownTimeout bounds Application.Shutdown as a whole.
func WithShutdownTimeout(d time.Duration) Option {
	return optionFunc(func(o *options) {
		if d > 0 {
			o.shutdownTimeout = d
		}
	})
}

// WithHotReload enables filesystem watching in the application's loader.
func WithHotReload(enabled bool) Option {
	return optionFunc(func(o *options) {
		o.hotReload = enabled
	})
}

// WithWatchDebounce sets the quiet period after a filesystem event before a
// watched module is reloaded.
func WithWatchDebounce(d time.Duration) Option {
	return optionFunc(func(o *options) {
		if d >= 0 {
			o.watchDebounce = d
		}
	})
}

// WithConfig applies a loaded configuration.
func WithConfig(cfg *config.Config) Option {
	return optionFunc(func(o *options) {
		if cfg == nil {
			return
		}

		o.logLevel = cfg.Logging.Level
		o.logFormat = cfg.Logging.Format
		o.historySize = cfg.Events.HistorySize
		o.hookTimeout = cfg.Lifecycle.HookTimeout
		o.shutdownTimeout = cfg.Lifecycle.ShutdownTimeout
		o.hotReload = cfg.HotReload.Enabled
		o.watchDebounce = cfg.HotReload.Debounce
		o.maxDepth = cfg.Resolver.MaxDepth
		o.metricsEnabled = cfg.Metrics.Enabled
		o.metricsNamespace = cfg.Metrics.Namespace
	})
}
