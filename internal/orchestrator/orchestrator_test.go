package orchestrator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/vnmchuo/storefront-ai/internal/billing"
	"github.com/vnmchuo/storefront-ai/internal/provider"
	"github.com/vnmchuo/storefront-ai/internal/secrets"
	"github.com/vnmchuo/storefront-ai/internal/settings"
)

type fakeProvider struct {
	name    string
	model   string
	pingErr error
	pricing provider.Pricing

	mu       sync.Mutex
	calls    int
	generate func(ctx context.Context, req *provider.Request) (*provider.Result, error)
}

func (p *fakeProvider) Generate(ctx context.Context, req *provider.Request) (*provider.Result, error) {
	p.mu.Lock()
	p.calls++
	gen := p.generate
	p.mu.Unlock()
	if gen != nil {
		return gen(ctx, req)
	}
	return &provider.Result{
		Text:     "ok from " + p.name,
		Finish:   provider.FinishCompleted,
		Usage:    provider.NewUsage(3, 4),
		CostUSD:  0.01,
		Provider: p.name,
		Model:    p.model,
	}, nil
}

func (p *fakeProvider) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

func (p *fakeProvider) Ping(ctx context.Context) error { return p.pingErr }
func (p *fakeProvider) EstimateCost(req *provider.Request) float64 {
	return p.pricing.Estimate(req)
}
func (p *fakeProvider) Capabilities() provider.Capabilities { return provider.Capabilities{JSON: true} }
func (p *fakeProvider) Name() string                        { return p.name }
func (p *fakeProvider) Model() string                       { return p.model }

// fakeFactory hands out a prepared provider per name, or builds one through
// build when set.
type fakeFactory struct {
	mu        sync.Mutex
	providers map[string]*fakeProvider
	build     func(desc provider.Descriptor) (*fakeProvider, error)
	created   []provider.Descriptor
}

func (f *fakeFactory) Create(desc provider.Descriptor, apiKey string) (provider.Provider, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created = append(f.created, desc)
	if f.build != nil {
		return f.build(desc)
	}
	p, ok := f.providers[desc.Name]
	if !ok {
		return nil, errors.New("unsupported provider")
	}
	if desc.Model != "" {
		p.model = desc.Model
	}
	return p, nil
}

func (f *fakeFactory) Created() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.created)
}

type recordingSink struct {
	mu   sync.Mutex
	recs []*billing.Record
	err  error
}

func (s *recordingSink) Record(ctx context.Context, rec *billing.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recs = append(s.recs, rec)
	return s.err
}

func (s *recordingSink) Records() []*billing.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*billing.Record(nil), s.recs...)
}

type failingSettings struct{}

func (failingSettings) Setting(ctx context.Context, name string) (string, bool, error) {
	return "", false, errors.New("redis down")
}

func descriptors(names ...string) []provider.Descriptor {
	out := make([]provider.Descriptor, 0, len(names))
	for _, n := range names {
		out = append(out, provider.Descriptor{Name: n, Enabled: true, SecretRef: secrets.DefaultRef(n)})
	}
	return out
}

func allSecrets(names ...string) secrets.Static {
	s := secrets.Static{}
	for _, n := range names {
		s[secrets.DefaultRef(n)] = "key-" + n
	}
	return s
}

func fakes(names ...string) map[string]*fakeProvider {
	out := make(map[string]*fakeProvider, len(names))
	for _, n := range names {
		out[n] = &fakeProvider{name: n, model: n + "-model"}
	}
	return out
}

type harness struct {
	d         *Dispatcher
	providers map[string]*fakeProvider
	factory   *fakeFactory
	costs     *recordingSink
	audits    *recordingSink
}

func newHarness(t *testing.T, cfg Config, names []string, mutate func(*Deps)) *harness {
	t.Helper()
	providers := fakes(names...)
	h := &harness{
		providers: providers,
		factory:   &fakeFactory{providers: providers},
		costs:     &recordingSink{},
		audits:    &recordingSink{},
	}
	deps := Deps{
		Factory:   h.factory,
		Secrets:   allSecrets(names...),
		Settings:  settings.Static{},
		CostSink:  h.costs,
		AuditSink: h.audits,
		Logger:    zap.NewNop(),
	}
	if mutate != nil {
		mutate(&deps)
	}
	d, err := New(cfg, deps)
	require.NoError(t, err)
	t.Cleanup(d.Shutdown)
	h.d = d
	return h
}

func temp(v float64) *float64 { return &v }

func helloRequest() *provider.Request {
	return &provider.Request{Prompt: "hello", MaxTokens: 50, Temperature: temp(0.7)}
}

func TestNew_RequiresCollaborators(t *testing.T) {
	_, err := New(Config{}, Deps{Secrets: secrets.Static{}})
	assert.Error(t, err)
	_, err = New(Config{}, Deps{Factory: &fakeFactory{}})
	assert.Error(t, err)
}

func TestNew_RejectsInvalidCacheSettings(t *testing.T) {
	_, err := New(Config{Cache: CacheSettings{Enabled: true, MaxSize: 0}}, Deps{Factory: &fakeFactory{}, Secrets: secrets.Static{}})
	assert.Error(t, err)
}

func TestInitialize_IsolatesProviderFailures(t *testing.T) {
	cfg := Config{Providers: append(descriptors("a", "b", "c", "d", "e"),
		provider.Descriptor{Name: "off", Enabled: false, SecretRef: "OFF_API_KEY"})}
	h := newHarness(t, cfg, []string{"a", "b", "c", "e", "off"}, func(deps *Deps) {
		s := allSecrets("a", "b", "d", "e", "off")
		deps.Secrets = s
	})
	h.providers["e"].pingErr = errors.New("unauthorized")

	require.NoError(t, h.d.Initialize(context.Background()))

	// c has no secret, d is unknown to the factory, e fails its probe, off is disabled.
	var live []string
	for _, p := range h.d.Providers() {
		live = append(live, p.Name)
	}
	assert.Equal(t, []string{"a", "b"}, live)
}

func TestInitialize_Idempotent(t *testing.T) {
	h := newHarness(t, Config{Providers: descriptors("a")}, []string{"a"}, nil)

	require.NoError(t, h.d.Initialize(context.Background()))
	require.NoError(t, h.d.Initialize(context.Background()))
	assert.Equal(t, 1, h.factory.Created())

	require.NoError(t, h.d.Reinitialize(context.Background()))
	assert.Equal(t, 2, h.factory.Created())
}

func TestInitialize_ModelOverrideFromSettings(t *testing.T) {
	h := newHarness(t, Config{Providers: descriptors("a")}, []string{"a"}, func(deps *Deps) {
		deps.Settings = settings.Static{settings.ModelFor("a"): "a-large"}
	})
	require.NoError(t, h.d.Initialize(context.Background()))

	providers := h.d.Providers()
	require.Len(t, providers, 1)
	assert.Equal(t, "a-large", providers[0].Model)
}

func TestInitialize_SettingsFailureIgnored(t *testing.T) {
	h := newHarness(t, Config{Providers: descriptors("a")}, []string{"a"}, func(deps *Deps) {
		deps.Settings = failingSettings{}
	})
	require.NoError(t, h.d.Initialize(context.Background()))

	res, err := h.d.GenerateText(context.Background(), helloRequest(), Options{})
	require.NoError(t, err)
	assert.Equal(t, "a", res.Provider)
	assert.Equal(t, "a-model", res.Model)
}

func TestGenerateText_LazilyInitializes(t *testing.T) {
	h := newHarness(t, Config{Providers: descriptors("a")}, []string{"a"}, nil)

	res, err := h.d.GenerateText(context.Background(), helloRequest(), Options{})
	require.NoError(t, err)
	assert.Equal(t, provider.FinishCompleted, res.Finish)
}

func TestGenerateText_RepeatCallServedFromCache(t *testing.T) {
	cfg := Config{
		Providers: descriptors("openai"),
		Features:  []FeatureDescriptor{{Name: "demo", DefaultProvider: "openai"}},
		Cache:     CacheSettings{Enabled: true, MaxSize: 100, DefaultTTLSeconds: 3600},
	}
	h := newHarness(t, cfg, []string{"openai"}, nil)
	opts := Options{Metadata: map[string]string{"feature": "demo"}}

	first, err := h.d.GenerateText(context.Background(), helloRequest(), opts)
	require.NoError(t, err)
	second, err := h.d.GenerateText(context.Background(), helloRequest(), opts)
	require.NoError(t, err)

	assert.Equal(t, 1, h.providers["openai"].Calls())
	assert.Equal(t, first, second)
	assert.Equal(t, uint64(1), h.d.Cache().Stats().Hits)
}

func TestGenerateText_CacheBypass(t *testing.T) {
	cfg := Config{
		Providers: descriptors("a"),
		Features:  []FeatureDescriptor{{Name: "nocache", Cache: &FeatureCache{Enabled: false}}},
		Cache:     CacheSettings{Enabled: true, MaxSize: 100, DefaultTTLSeconds: 3600},
	}
	h := newHarness(t, cfg, []string{"a"}, nil)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := h.d.GenerateText(ctx, helloRequest(), Options{SkipCache: true})
		require.NoError(t, err)
	}
	for i := 0; i < 2; i++ {
		_, err := h.d.GenerateText(ctx, helloRequest(), Options{Feature: "nocache"})
		require.NoError(t, err)
	}
	assert.Equal(t, 4, h.providers["a"].Calls())
	assert.Equal(t, 0, h.d.Cache().Len())
}

func TestGenerateText_OnlyCompletedResultsCached(t *testing.T) {
	for _, finish := range []provider.FinishReason{provider.FinishTruncated, provider.FinishFiltered} {
		t.Run(string(finish), func(t *testing.T) {
			cfg := Config{
				Providers: descriptors("a"),
				Cache:     CacheSettings{Enabled: true, MaxSize: 100, DefaultTTLSeconds: 3600},
			}
			h := newHarness(t, cfg, []string{"a"}, nil)
			h.providers["a"].generate = func(ctx context.Context, req *provider.Request) (*provider.Result, error) {
				return &provider.Result{Text: "partial", Finish: finish, Provider: "a"}, nil
			}

			for i := 0; i < 2; i++ {
				_, err := h.d.GenerateText(context.Background(), helloRequest(), Options{})
				require.NoError(t, err)
			}
			assert.Equal(t, 2, h.providers["a"].Calls())
		})
	}
}

func TestGenerateText_ProviderErrorBecomesFailedResult(t *testing.T) {
	cfg := Config{
		Providers:  descriptors("a"),
		Cache:      CacheSettings{Enabled: true, MaxSize: 100, DefaultTTLSeconds: 3600},
		Monitoring: MonitoringSettings{Enabled: true, TrackCosts: true},
	}
	h := newHarness(t, cfg, []string{"a"}, nil)
	h.providers["a"].generate = func(ctx context.Context, req *provider.Request) (*provider.Result, error) {
		return nil, &provider.Error{Kind: provider.KindAuth, Provider: "a", StatusCode: 401}
	}

	res, err := h.d.GenerateText(context.Background(), helloRequest(), Options{Feature: "demo", CallerID: "admin-1"})
	require.NoError(t, err)
	assert.Equal(t, provider.FinishFailed, res.Finish)
	assert.Equal(t, provider.Usage{}, res.Usage)
	assert.Zero(t, res.CostUSD)
	assert.Contains(t, res.Error, "auth")
	assert.Equal(t, 0, h.d.Cache().Len())

	costs := h.costs.Records()
	require.Len(t, costs, 1)
	assert.False(t, costs[0].Success)
	assert.Equal(t, "demo", costs[0].Feature)
	assert.Equal(t, "admin-1", costs[0].CallerID)
	assert.NotEmpty(t, costs[0].ErrorMessage)
	assert.Len(t, h.audits.Records(), 1)
}

func TestGenerateText_SinkFailureSwallowed(t *testing.T) {
	cfg := Config{
		Providers:  descriptors("a"),
		Monitoring: MonitoringSettings{Enabled: true, TrackCosts: true, LogAllRequests: true},
	}
	h := newHarness(t, cfg, []string{"a"}, nil)
	h.costs.err = errors.New("db down")
	h.audits.err = errors.New("nats down")

	res, err := h.d.GenerateText(context.Background(), helloRequest(), Options{})
	require.NoError(t, err)
	assert.Equal(t, provider.FinishCompleted, res.Finish)
	assert.Len(t, h.costs.Records(), 1)
	assert.Len(t, h.audits.Records(), 1)
}

func TestGenerateText_MonitoringToggles(t *testing.T) {
	h := newHarness(t, Config{Providers: descriptors("a")}, []string{"a"}, nil)
	_, err := h.d.GenerateText(context.Background(), helloRequest(), Options{})
	require.NoError(t, err)
	assert.Empty(t, h.costs.Records())
	assert.Empty(t, h.audits.Records())

	h = newHarness(t, Config{
		Providers:  descriptors("a"),
		Monitoring: MonitoringSettings{Enabled: true, TrackCosts: false},
	}, []string{"a"}, nil)
	_, err = h.d.GenerateText(context.Background(), helloRequest(), Options{})
	require.NoError(t, err)
	assert.Empty(t, h.costs.Records())
	assert.Len(t, h.audits.Records(), 1)
}

func TestGenerateText_CostCeiling(t *testing.T) {
	cfg := Config{
		Providers: descriptors("a"),
		Features:  []FeatureDescriptor{{Name: "cheap", MaxCostPerCall: 0.001}},
	}
	h := newHarness(t, cfg, []string{"a"}, nil)
	h.providers["a"].pricing = provider.Pricing{InputPer1K: 1, OutputPer1K: 1}

	_, err := h.d.GenerateText(context.Background(), helloRequest(), Options{Feature: "cheap"})
	require.ErrorIs(t, err, ErrCostLimitExceeded)
	assert.True(t, IsConfigError(err))
	assert.Equal(t, 0, h.providers["a"].Calls())

	// Without a ceiling the same call goes through.
	_, err = h.d.GenerateText(context.Background(), helloRequest(), Options{})
	require.NoError(t, err)
}

func TestGenerateText_BreakerOpensAfterConsecutiveFailures(t *testing.T) {
	h := newHarness(t, Config{Providers: descriptors("a")}, []string{"a"}, nil)
	h.providers["a"].generate = func(ctx context.Context, req *provider.Request) (*provider.Result, error) {
		return nil, &provider.Error{Kind: provider.KindServer, Provider: "a", StatusCode: 503}
	}
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		res, err := h.d.GenerateText(ctx, helloRequest(), Options{})
		require.NoError(t, err)
		assert.Equal(t, provider.FinishFailed, res.Finish)
	}
	res, err := h.d.GenerateText(ctx, helloRequest(), Options{})
	require.NoError(t, err)
	assert.Equal(t, provider.FinishFailed, res.Finish)
	assert.Contains(t, res.Error, "circuit open")
	assert.Equal(t, 5, h.providers["a"].Calls())
	assert.Equal(t, "open", h.d.Providers()[0].Breaker)
}

func TestGenerateText_PermanentFailuresDoNotTripBreaker(t *testing.T) {
	h := newHarness(t, Config{Providers: descriptors("a")}, []string{"a"}, nil)
	h.providers["a"].generate = func(ctx context.Context, req *provider.Request) (*provider.Result, error) {
		return nil, &provider.Error{Kind: provider.KindInvalidRequest, Provider: "a", StatusCode: 400}
	}
	for i := 0; i < 8; i++ {
		_, err := h.d.GenerateText(context.Background(), helloRequest(), Options{})
		require.NoError(t, err)
	}
	assert.Equal(t, 8, h.providers["a"].Calls())
}

func TestReinitialize_InFlightCallKeepsCapturedInstance(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	generation := 0

	factory := &fakeFactory{}
	factory.build = func(desc provider.Descriptor) (*fakeProvider, error) {
		generation++
		gen := generation
		p := &fakeProvider{name: desc.Name, model: "m"}
		p.generate = func(ctx context.Context, req *provider.Request) (*provider.Result, error) {
			if gen == 1 {
				close(started)
				<-release
			}
			text := "pre-swap"
			if gen > 1 {
				text = "post-swap"
			}
			return &provider.Result{Text: text, Finish: provider.FinishCompleted, Provider: desc.Name}, nil
		}
		return p, nil
	}

	d, err := New(Config{Providers: descriptors("openai")}, Deps{
		Factory: factory,
		Secrets: allSecrets("openai"),
		Logger:  zap.NewNop(),
	})
	require.NoError(t, err)
	defer d.Shutdown()
	ctx := context.Background()
	require.NoError(t, d.Initialize(ctx))
	before := d.live.Load()

	type outcome struct {
		res *provider.Result
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := d.GenerateText(ctx, helloRequest(), Options{})
		done <- outcome{res, err}
	}()

	<-started
	require.NoError(t, d.Reinitialize(ctx))
	assert.NotSame(t, before, d.live.Load())
	close(release)

	select {
	case out := <-done:
		require.NoError(t, out.err)
		assert.Equal(t, "pre-swap", out.res.Text)
		assert.Equal(t, provider.FinishCompleted, out.res.Finish)
	case <-time.After(5 * time.Second):
		t.Fatal("in-flight call did not complete")
	}

	res, err := d.GenerateText(ctx, helloRequest(), Options{})
	require.NoError(t, err)
	assert.Equal(t, "post-swap", res.Text)
}

func TestReinitialize_CanceledContext(t *testing.T) {
	h := newHarness(t, Config{Providers: descriptors("a")}, []string{"a"}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, h.d.Reinitialize(ctx), context.Canceled)
}

func TestEstimateCost_UsesSelectedProvider(t *testing.T) {
	h := newHarness(t, Config{Providers: descriptors("a", "b")}, []string{"a", "b"}, nil)
	h.providers["b"].pricing = provider.Pricing{InputPer1K: 1, OutputPer1K: 2}

	cost, err := h.d.EstimateCost(context.Background(), helloRequest(), Options{Provider: "b"})
	require.NoError(t, err)
	// "hello" is 2 tokens, plus 50 output tokens.
	assert.InDelta(t, 0.002+0.1, cost, 1e-9)

	cost, err = h.d.EstimateCost(context.Background(), helloRequest(), Options{Provider: "a"})
	require.NoError(t, err)
	assert.Zero(t, cost)
}
