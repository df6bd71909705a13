// Package agent wires the runtime together: settings are resolved into hook
// configurations for the registered methods, and a hook is kept installed for every
// method whose configuration asks for one.
package agent

import (
	"log/slog"
	"maps"
	"slices"
	"sync"
	"sync/atomic"

	"go.opentelemetry.io/otel/trace"

	"github.com/mrproliu/go-agent-runtime/frameworks/core"
	"github.com/mrproliu/go-agent-runtime/frameworks/core/config"
	"github.com/mrproliu/go-agent-runtime/frameworks/core/dataprovider"
	"github.com/mrproliu/go-agent-runtime/frameworks/core/execctx"
	"github.com/mrproliu/go-agent-runtime/frameworks/core/hook"
	"github.com/mrproliu/go-agent-runtime/frameworks/core/resolver"
	"github.com/mrproliu/go-agent-runtime/frameworks/core/selfmon"
	"github.com/mrproliu/go-agent-runtime/frameworks/core/telemetry"
)

type Agent struct {
	logger    *slog.Logger
	providers *dataprovider.Cache
	resolver  *resolver.Resolver
	contexts  *execctx.Manager
	tracer    trace.Tracer
	recorder  telemetry.MetricRecorder

	// hooks is replaced as a whole on every change; readers never lock.
	hooks atomic.Pointer[map[string]*hook.MethodHook]

	mu          sync.Mutex
	cfg         *resolver.InstrumentationConfiguration
	descriptors map[string]*core.MethodDescriptor
	configs     map[string]*resolver.MethodHookConfiguration
	listeners   []func([]resolver.Change)

	contextOpts []execctx.Option
}

type Option func(*Agent)

func WithLogger(logger *slog.Logger) Option {
	return func(a *Agent) { a.logger = logger }
}

func WithTracer(tracer trace.Tracer) Option {
	return func(a *Agent) { a.tracer = tracer }
}

func WithRecorder(recorder telemetry.MetricRecorder) Option {
	return func(a *Agent) { a.recorder = recorder }
}

// WithContextOptions configures the context manager owned by the agent.
func WithContextOptions(opts ...execctx.Option) Option {
	return func(a *Agent) { a.contextOpts = append(a.contextOpts, opts...) }
}

func New(opts ...Option) *Agent {
	a := &Agent{
		logger:      slog.Default(),
		providers:   dataprovider.NewCache(),
		descriptors: map[string]*core.MethodDescriptor{},
		configs:     map[string]*resolver.MethodHookConfiguration{},
	}
	for _, opt := range opts {
		opt(a)
	}
	a.contexts = execctx.NewManager(append([]execctx.Option{execctx.WithLogger(a.logger)}, a.contextOpts...)...)
	if a.tracer == nil {
		a.tracer = telemetry.Tracer()
	}
	if a.recorder == nil {
		a.recorder = telemetry.NewMeterRecorder(nil)
	}
	a.resolver = resolver.New(resolver.WithLogger(a.logger), resolver.WithProviderCache(a.providers))
	a.cfg = a.resolver.Resolve(nil)
	empty := map[string]*hook.MethodHook{}
	a.hooks.Store(&empty)
	return a
}

func (a *Agent) Contexts() *execctx.Manager { return a.contexts }

func (a *Agent) Configuration() *resolver.InstrumentationConfiguration {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cfg
}

// HookConfiguration returns the configuration installed for method id, or nil.
func (a *Agent) HookConfiguration(id string) *resolver.MethodHookConfiguration {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.configs[id]
}

// Hook returns the hook installed for method id, or nil.
func (a *Agent) Hook(id string) *hook.MethodHook {
	return (*a.hooks.Load())[id]
}

// Interceptor returns the hook of method id as interceptor, or a no-op interceptor.
func (a *Agent) Interceptor(id string) core.Interceptor {
	if h := a.Hook(id); h != nil {
		return h
	}
	return core.NoopInterceptor{}
}

// OnHookChange registers fn, called with the changes of every Apply or Register that
// changed anything.
func (a *Agent) OnHookChange(fn func([]resolver.Change)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.listeners = append(a.listeners, fn)
}

// Apply resolves settings and installs, replaces or removes hooks of the registered
// methods. Methods whose configuration did not change keep their hook.
func (a *Agent) Apply(settings *config.Settings) []resolver.Change {
	a.mu.Lock()
	cfg := a.resolver.Resolve(settings)
	a.cfg = cfg
	a.contexts.UpdateSettings(cfg.ContextSettings())
	changes, listeners := a.refresh()
	a.mu.Unlock()

	notify(listeners, changes)
	return changes
}

// Attach applies the current settings of src and every later change.
func (a *Agent) Attach(src *config.Source) (detach func()) {
	a.Apply(src.Current())
	return src.Subscribe(func(s *config.Settings) { a.Apply(s) })
}

// Register adds candidate methods, resolving them against the current configuration.
func (a *Agent) Register(descs ...*core.MethodDescriptor) []resolver.Change {
	a.mu.Lock()
	for _, d := range descs {
		a.descriptors[d.ID()] = d
	}
	changes, listeners := a.refresh()
	a.mu.Unlock()

	notify(listeners, changes)
	return changes
}

// Instrument registers the descriptors of an integration.
func (a *Agent) Instrument(i core.Instrument) []resolver.Change {
	return a.Register(i.Descriptors()...)
}

// refresh must be called with mu held.
func (a *Agent) refresh() ([]resolver.Change, []func([]resolver.Change)) {
	descs := slices.Collect(maps.Values(a.descriptors))
	next, failures := a.resolver.HookConfigurations(a.cfg, descs)
	for id, err := range failures {
		a.logger.Error("method left uninstrumented", "method", id, "error", err)
	}

	changes := resolver.Diff(a.configs, next)
	if len(changes) == 0 {
		return nil, nil
	}
	hooks := maps.Clone(*a.hooks.Load())
	for _, c := range changes {
		switch c.Kind {
		case resolver.Removed:
			delete(hooks, c.Method)
		default:
			hooks[c.Method] = a.build(a.descriptors[c.Method], c.Next)
		}
		selfmon.HookChanges.WithLabelValues(string(c.Kind)).Inc()
	}
	a.hooks.Store(&hooks)
	a.configs = next
	selfmon.InstalledHooks.Set(float64(len(hooks)))
	a.logger.Info("hooks updated", "changes", len(changes), "installed", len(hooks))
	return changes, slices.Clone(a.listeners)
}

func notify(listeners []func([]resolver.Change), changes []resolver.Change) {
	for _, fn := range listeners {
		fn(changes)
	}
}
