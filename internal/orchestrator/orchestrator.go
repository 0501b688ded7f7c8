// Package orchestrator is the generation core: it owns the live provider
// set and the registered features, picks a provider for every call, and
// wraps each call with caching, breaking and cost/audit recording.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"

	"github.com/vnmchuo/storefront-ai/internal/billing"
	"github.com/vnmchuo/storefront-ai/internal/cache"
	"github.com/vnmchuo/storefront-ai/internal/provider"
	"github.com/vnmchuo/storefront-ai/internal/settings"
)

const sinkTimeout = 5 * time.Second

type SecretResolver interface {
	Secret(ctx context.Context, ref string) (string, bool, error)
}

type SettingsReader interface {
	Setting(ctx context.Context, name string) (string, bool, error)
}

type ProviderFactory interface {
	Create(desc provider.Descriptor, apiKey string) (provider.Provider, error)
}

// UsageSink is the write contract of the cost and audit stores.
type UsageSink interface {
	Record(ctx context.Context, rec *billing.Record) error
}

// Options are per-call routing and tracking inputs.
type Options struct {
	Feature            string
	Provider           string
	PreferredProviders []string
	SkipCache          bool
	CallerID           string
	Metadata           map[string]string
}

func (o Options) featureName() string {
	if o.Feature != "" {
		return o.Feature
	}
	return o.Metadata["feature"]
}

type Deps struct {
	Factory   ProviderFactory
	Secrets   SecretResolver
	Settings  SettingsReader
	CostSink  UsageSink
	AuditSink UsageSink
	Logger    *zap.Logger
	Tracer    trace.Tracer
	// Breaker overrides the per-provider circuit breaker settings.
	Breaker func(name string) gobreaker.Settings
	// Now overrides the cache clock.
	Now func() time.Time
}

type instance struct {
	desc    provider.Descriptor
	p       provider.Provider
	breaker *gobreaker.CircuitBreaker
}

// liveSet is immutable once published.
type liveSet struct {
	order  []*instance
	byName map[string]*instance
}

func (s *liveSet) get(name string) (*instance, bool) {
	inst, ok := s.byName[name]
	return inst, ok
}

type Dispatcher struct {
	descriptors []provider.Descriptor
	known       map[string]bool
	features    map[string]*FeatureDescriptor
	monitoring  MonitoringSettings
	cache       *cache.Cache

	factory   ProviderFactory
	secrets   SecretResolver
	settings  SettingsReader
	costSink  UsageSink
	auditSink UsageSink
	logger    *zap.Logger
	tracer    trace.Tracer
	breaker   func(name string) gobreaker.Settings

	live   atomic.Pointer[liveSet]
	initMu sync.Mutex

	handlersMu sync.RWMutex
	handlers   map[string]Feature
}

func New(cfg Config, deps Deps) (*Dispatcher, error) {
	if deps.Factory == nil {
		return nil, errors.New("orchestrator: provider factory is required")
	}
	if deps.Secrets == nil {
		return nil, errors.New("orchestrator: secret resolver is required")
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Tracer == nil {
		deps.Tracer = noop.NewTracerProvider().Tracer("orchestrator")
	}
	if deps.Breaker == nil {
		deps.Breaker = defaultBreakerSettings
	}

	d := &Dispatcher{
		descriptors: append([]provider.Descriptor(nil), cfg.Providers...),
		known:       make(map[string]bool, len(cfg.Providers)),
		features:    make(map[string]*FeatureDescriptor, len(cfg.Features)),
		monitoring:  cfg.Monitoring,
		factory:     deps.Factory,
		secrets:     deps.Secrets,
		settings:    deps.Settings,
		costSink:    deps.CostSink,
		auditSink:   deps.AuditSink,
		logger:      deps.Logger,
		tracer:      deps.Tracer,
		breaker:     deps.Breaker,
		handlers:    make(map[string]Feature),
	}
	for _, desc := range cfg.Providers {
		d.known[desc.Name] = true
	}
	for i := range cfg.Features {
		f := cfg.Features[i]
		d.features[f.Name] = &f
	}

	if cfg.Cache.Enabled {
		c, err := cache.New(cache.Config{
			MaxSize:    cfg.Cache.MaxSize,
			DefaultTTL: cfg.Cache.DefaultTTL(),
			Now:        deps.Now,
		}, deps.Logger.Named("cache"))
		if err != nil {
			return nil, fmt.Errorf("orchestrator: %w", err)
		}
		c.Start()
		d.cache = c
	}

	return d, nil
}

// Initialize builds the live provider set once. Later calls are no-ops; use
// Reinitialize to rebuild.
func (d *Dispatcher) Initialize(ctx context.Context) error {
	if d.live.Load() != nil {
		return nil
	}
	d.initMu.Lock()
	defer d.initMu.Unlock()
	if d.live.Load() != nil {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	d.live.Store(d.buildLiveSet(ctx))
	return nil
}

// Reinitialize builds a fresh live set and swaps it in whole. Calls that
// already hold an instance finish against it.
func (d *Dispatcher) Reinitialize(ctx context.Context) error {
	d.initMu.Lock()
	defer d.initMu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	d.live.Store(d.buildLiveSet(ctx))
	return nil
}

// Shutdown stops background work. The dispatcher must not be used after.
func (d *Dispatcher) Shutdown() {
	if d.cache != nil {
		d.cache.Stop()
	}
}

func (d *Dispatcher) Cache() *cache.Cache {
	return d.cache
}

func (d *Dispatcher) buildLiveSet(ctx context.Context) *liveSet {
	admitted := make([]*instance, len(d.descriptors))

	var wg sync.WaitGroup
	for i, desc := range d.descriptors {
		if !desc.Enabled {
			continue
		}
		wg.Add(1)
		go func(i int, desc provider.Descriptor) {
			defer wg.Done()
			inst, err := d.admit(ctx, desc)
			if err != nil {
				d.logger.Warn("provider not admitted",
					zap.String("provider", desc.Name),
					zap.Error(err))
				return
			}
			admitted[i] = inst
		}(i, desc)
	}
	wg.Wait()

	set := &liveSet{byName: make(map[string]*instance)}
	for _, inst := range admitted {
		if inst == nil {
			continue
		}
		if _, dup := set.byName[inst.desc.Name]; dup {
			continue
		}
		set.order = append(set.order, inst)
		set.byName[inst.desc.Name] = inst
	}
	d.logger.Info("provider set ready", zap.Int("live", len(set.order)), zap.Int("configured", len(d.descriptors)))
	return set
}

// admit resolves the secret, applies a model override, constructs the
// provider and probes it.
func (d *Dispatcher) admit(ctx context.Context, desc provider.Descriptor) (*instance, error) {
	secret, ok, err := d.secrets.Secret(ctx, desc.SecretRef)
	if err != nil {
		return nil, fmt.Errorf("resolve secret: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("secret %q not set", desc.SecretRef)
	}

	if model, ok := d.readSetting(ctx, settings.ModelFor(desc.Name)); ok {
		desc.Model = model
	}

	p, err := d.factory.Create(desc, secret)
	if err != nil {
		return nil, err
	}

	probeTimeout := desc.Timeout
	if probeTimeout <= 0 {
		probeTimeout = provider.DefaultTimeout
	}
	probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()
	if err := p.Ping(probeCtx); err != nil {
		return nil, fmt.Errorf("liveness probe: %w", err)
	}

	d.logger.Info("provider admitted", zap.String("provider", desc.Name), zap.String("model", p.Model()))
	return &instance{
		desc:    desc,
		p:       p,
		breaker: gobreaker.NewCircuitBreaker(d.breaker(desc.Name)),
	}, nil
}

// readSetting never fails the caller; read errors are logged.
func (d *Dispatcher) readSetting(ctx context.Context, name string) (string, bool) {
	if d.settings == nil {
		return "", false
	}
	v, ok, err := d.settings.Setting(ctx, name)
	if err != nil {
		d.logger.Warn("dynamic setting unavailable", zap.String("setting", name), zap.Error(err))
		return "", false
	}
	return v, ok
}

func (d *Dispatcher) liveSet(ctx context.Context) (*liveSet, error) {
	if set := d.live.Load(); set != nil {
		return set, nil
	}
	if err := d.Initialize(ctx); err != nil {
		return nil, err
	}
	return d.live.Load(), nil
}

// GenerateText is the primary path: select, cache lookup, call, record,
// cache store. Only configuration problems are returned as errors.
func (d *Dispatcher) GenerateText(ctx context.Context, req *provider.Request, opts Options) (*provider.Result, error) {
	featureName := opts.featureName()
	ctx, span := d.tracer.Start(ctx, "orchestrator.generate_text")
	defer span.End()
	span.SetAttributes(attribute.String("feature", featureName))

	set, err := d.liveSet(ctx)
	if err != nil {
		return nil, err
	}
	feature := d.features[featureName]

	inst, err := d.selectProvider(ctx, set, feature, opts)
	if err != nil {
		return nil, withFeature(err, featureName)
	}
	span.SetAttributes(attribute.String("provider", inst.desc.Name), attribute.String("model", inst.p.Model()))

	if feature != nil && feature.MaxCostPerCall > 0 {
		if estimate := inst.p.EstimateCost(req); estimate > feature.MaxCostPerCall {
			return nil, &ConfigError{
				Err:      ErrCostLimitExceeded,
				Provider: inst.desc.Name,
				Feature:  featureName,
				Detail:   fmt.Sprintf("estimate %.6f > limit %.6f", estimate, feature.MaxCostPerCall),
			}
		}
	}

	useCache := d.cache != nil && !opts.SkipCache && feature.cacheEnabled()
	var key string
	if useCache {
		key = cache.Key(req, inst.desc.Name)
		if cached, ok := d.cache.Get(key); ok {
			span.SetAttributes(attribute.Bool("cache_hit", true), attribute.String("finish", string(cached.Finish)))
			return cached, nil
		}
	}

	result := d.execute(ctx, inst, req)
	span.SetAttributes(attribute.Bool("cache_hit", false), attribute.String("finish", string(result.Finish)))

	if d.monitoring.Enabled {
		d.record(ctx, featureName, opts, result)
	}

	if useCache && result.Finish == provider.FinishCompleted {
		d.cache.Set(key, result, feature.cacheTTL())
	}

	return result, nil
}

func (d *Dispatcher) execute(ctx context.Context, inst *instance, req *provider.Request) *provider.Result {
	start := time.Now()
	out, err := inst.breaker.Execute(func() (interface{}, error) {
		return inst.p.Generate(ctx, req)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			err = &provider.Error{Kind: provider.KindServer, Provider: inst.desc.Name, Message: "circuit open", Err: err}
		}
		return provider.Failed(inst.desc.Name, inst.p.Model(), err, time.Since(start))
	}
	res, ok := out.(*provider.Result)
	if !ok || res == nil {
		return provider.Failed(inst.desc.Name, inst.p.Model(), errors.New("provider returned no result"), time.Since(start))
	}
	return res
}

// record writes the cost and audit records. Sink failures are logged and
// swallowed.
func (d *Dispatcher) record(ctx context.Context, featureName string, opts Options, res *provider.Result) {
	rec := &billing.Record{
		Provider:     res.Provider,
		Feature:      featureName,
		Model:        res.Model,
		CallerID:     opts.CallerID,
		InputTokens:  res.Usage.InputTokens,
		OutputTokens: res.Usage.OutputTokens,
		TotalTokens:  res.Usage.TotalTokens,
		CostUSD:      res.CostUSD,
		LatencyMs:    res.LatencyMs,
		Success:      res.Finish != provider.FinishFailed,
		ErrorMessage: res.Error,
		Metadata:     mergeMetadata(opts.Metadata, res.Metadata),
	}

	sinkCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sinkTimeout)
	defer cancel()

	if d.monitoring.TrackCosts && d.costSink != nil {
		if err := d.costSink.Record(sinkCtx, rec); err != nil {
			d.logger.Warn("cost sink write failed", zap.String("provider", rec.Provider), zap.Error(err))
		}
	}
	if d.auditSink != nil {
		if err := d.auditSink.Record(sinkCtx, rec); err != nil {
			d.logger.Warn("audit sink write failed", zap.String("provider", rec.Provider), zap.Error(err))
		}
	}

	if d.monitoring.LogAllRequests {
		d.logger.Info("generation",
			zap.String("feature", featureName),
			zap.String("provider", res.Provider),
			zap.String("model", res.Model),
			zap.String("finish", string(res.Finish)),
			zap.Int64("latency_ms", res.LatencyMs),
			zap.Float64("cost_usd", res.CostUSD),
			zap.String("caller_id", opts.CallerID))
	}
}

func mergeMetadata(a, b map[string]string) map[string]string {
	if len(a) == 0 && len(b) == 0 {
		return nil
	}
	out := make(map[string]string, len(a)+len(b))
	maps.Copy(out, b)
	maps.Copy(out, a)
	return out
}

// ProviderInfo describes one live provider.
type ProviderInfo struct {
	Name         string                `json:"name"`
	Model        string                `json:"model"`
	Capabilities provider.Capabilities `json:"capabilities"`
	Breaker      string                `json:"breaker"`
}

// Providers lists the live set in registration order.
func (d *Dispatcher) Providers() []ProviderInfo {
	set := d.live.Load()
	if set == nil {
		return nil
	}
	out := make([]ProviderInfo, 0, len(set.order))
	for _, inst := range set.order {
		out = append(out, ProviderInfo{
			Name:         inst.desc.Name,
			Model:        inst.p.Model(),
			Capabilities: inst.p.Capabilities(),
			Breaker:      inst.breaker.State().String(),
		})
	}
	return out
}

// EstimateCost prices req against the provider selection would pick.
func (d *Dispatcher) EstimateCost(ctx context.Context, req *provider.Request, opts Options) (float64, error) {
	set, err := d.liveSet(ctx)
	if err != nil {
		return 0, err
	}
	inst, err := d.selectProvider(ctx, set, d.features[opts.featureName()], opts)
	if err != nil {
		return 0, err
	}
	return inst.p.EstimateCost(req), nil
}

func defaultBreakerSettings(name string) gobreaker.Settings {
	return gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		// Permanent errors are the caller's problem, not the backend's.
		IsSuccessful: func(err error) bool {
			return err == nil || provider.IsPermanent(err)
		},
	}
}
