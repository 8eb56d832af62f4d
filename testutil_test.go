package modi

import (
	"context"
	"errors"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

// ============================================================================
// Shared Test Types
// ============================================================================

// TConfig is a leaf dependency.
type TConfig struct {
	Name string
}

// TRepo depends on TConfig.
type TRepo struct {
	Config *TConfig
}

// TService depends on TRepo.
type TService struct {
	Repo *TRepo
}

func NewTConfig() *TConfig { return &TConfig{Name: "test"} }

func NewTRepo(cfg *TConfig) *TRepo { return &TRepo{Config: cfg} }

func NewTService(repo *TRepo) *TService { return &TService{Repo: repo} }

// TCatA and TCatB depend on each other.
type TCatA struct {
	B *TCatB
}

type TCatB struct {
	A *TCatA
}

func NewTCatA(b *TCatB) *TCatA { return &TCatA{B: b} }

func NewTCatB(a *TCatA) *TCatB { return &TCatB{A: a} }

// TRequest is a request scoped value.
type TRequest struct {
	ID int
}

// TConsumer depends on TRequest.
type TConsumer struct {
	Req *TRequest
}

// ============================================================================
// Lifecycle Recorder
// ============================================================================

// recorder collects hook calls in order.
type recorder struct {
	mu    sync.Mutex
	calls []string
}

func (r *recorder) add(call string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, call)
}

func (r *recorder) all() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.calls)
}

func (r *recorder) count(call string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, c := range r.calls {
		if c == call {
			n++
		}
	}
	return n
}

// THooked implements every lifecycle hook and records each call as
// "<phase>:<name>".
type THooked struct {
	Name string

	rec     *recorder
	fail    Phase
	block   Phase
	release <-chan struct{}
}

func (h *THooked) hook(ctx context.Context, phase Phase) error {
	h.rec.add(string(phase) + ":" + h.Name)
	if h.block == phase {
		<-h.release
		return nil
	}
	if h.fail == phase {
		return errors.New(h.Name + " failed")
	}
	return nil
}

func (h *THooked) OnModuleInit(ctx context.Context) error {
	return h.hook(ctx, PhaseModuleInit)
}

func (h *THooked) OnApplicationBootstrap(ctx context.Context) error {
	return h.hook(ctx, PhaseApplicationBootstrap)
}

func (h *THooked) BeforeApplicationShutdown(ctx context.Context, signal string) error {
	return h.hook(ctx, PhaseBeforeShutdown)
}

func (h *THooked) OnModuleDestroy(ctx context.Context) error {
	return h.hook(ctx, PhaseModuleDestroy)
}

func (h *THooked) OnApplicationShutdown(ctx context.Context, signal string) error {
	return h.hook(ctx, PhaseApplicationShutdown)
}

// hookedProvider returns a singleton class provider bound to Named(name)
// whose instance records its hooks in rec.
func hookedProvider(name string, rec *recorder, opts ...func(*THooked)) *Provider {
	return Class(func() *THooked {
		h := &THooked{Name: name, rec: rec}
		for _, opt := range opts {
			opt(h)
		}
		return h
	}, As(Named(name)))
}

// eagerProvider is like hookedProvider but resolved during bootstrap.
func eagerProvider(name string, rec *recorder) *Provider {
	return Class(func() *THooked { return &THooked{Name: name, rec: rec} }, As(Named(name)), Bootstrap())
}

func failOn(phase Phase) func(*THooked) {
	return func(h *THooked) { h.fail = phase }
}

// blockOn makes the phase's hook ignore its context and wait for release.
func blockOn(phase Phase, release <-chan struct{}) func(*THooked) {
	return func(h *THooked) {
		h.block = phase
		h.release = release
	}
}

// ============================================================================
// Helpers
// ============================================================================

// newTestContainer creates a container logging into an observer.
func newTestContainer(t *testing.T, opts ...Option) (*Container, *observer.ObservedLogs) {
	t.Helper()

	core, logs := observer.New(zap.DebugLevel)
	c, err := NewContainer(append([]Option{WithLogger(zap.New(core))}, opts...)...)
	require.NoError(t, err)
	return c, logs
}

// counter counts constructor calls.
type counter struct {
	n atomic.Int32
}

func (c *counter) inc() { c.n.Add(1) }

func (c *counter) load() int { return int(c.n.Load()) }

// eventually waits for cond with a generous deadline.
func eventually(t *testing.T, cond func() bool) {
	t.Helper()
	require.Eventually(t, cond, 5*time.Second, 10*time.Millisecond)
}
