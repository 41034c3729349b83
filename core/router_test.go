package core

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ai-gateway/core/adapter"
	"ai-gateway/core/stream"
	"ai-gateway/models"
)

// fakeProvider 可编程的测试适配器
type fakeProvider struct {
	name     string
	calls    atomic.Int32
	streamFn func(ctx context.Context, prompt, model, secret string) (*stream.TokenStream, error)
}

func (f *fakeProvider) Name() string { return f.name }

func (f *fakeProvider) Stream(ctx context.Context, prompt, model, secret string) (*stream.TokenStream, error) {
	f.calls.Add(1)
	return f.streamFn(ctx, prompt, model, secret)
}

func (f *fakeProvider) HealthCheck(ctx context.Context, secret string) error { return nil }

func succeedWith(text string) func(ctx context.Context, prompt, model, secret string) (*stream.TokenStream, error) {
	return func(ctx context.Context, prompt, model, secret string) (*stream.TokenStream, error) {
		return stream.Text(ctx, text), nil
	}
}

func failWith(provider string, kind adapter.ErrorKind) func(ctx context.Context, prompt, model, secret string) (*stream.TokenStream, error) {
	return func(ctx context.Context, prompt, model, secret string) (*stream.TokenStream, error) {
		return nil, &adapter.ProviderError{Provider: provider, Kind: kind, Detail: "test"}
	}
}

// testHarness 组好一台可控的 Router
type testHarness struct {
	router *Router
	pool   *CredentialPool
	fakes  map[string]*fakeProvider
}

func newHarness(t *testing.T, fakes map[string]*fakeProvider, creds map[string][]string) *testHarness {
	t.Helper()
	log := testLogger()

	pool := NewCredentialPool(log)
	for name, secrets := range creds {
		pool.Add(name, secrets)
	}

	probes := make(map[string]ProbeFunc, len(fakes))
	adapters := make(map[string]adapter.Provider, len(fakes))
	modelMap := make(map[string]map[models.Tier]string, len(fakes))
	for name, f := range fakes {
		f := f
		probes[name] = func(ctx context.Context) error { return nil }
		adapters[name] = f
		modelMap[name] = map[models.Tier]string{
			models.TierFast:     name + "-fast",
			models.TierBalanced: name + "-balanced",
			models.TierSmart:    name + "-smart",
		}
	}

	selector := NewSelector(probes, SelectorOptions{
		TTL:             time.Minute,
		ProbeTimeout:    time.Second,
		RefreshInterval: time.Minute,
		LocalProvider:   "ollama",
		DefaultProvider: "groq",
		Priority: map[models.Tier][]string{
			models.TierFast:     {"groq", "openrouter"},
			models.TierBalanced: {"groq", "openrouter"},
			models.TierSmart:    {"openrouter", "groq"},
		},
	}, log)
	selector.refreshAll(context.Background())

	stability := NewStabilityEngine(NewBreakerRegistry(5, time.Minute, log), log)
	stability.sleep = func(time.Duration) {}

	router := NewRouter(RouterOptions{
		Selector:  selector,
		Pool:      pool,
		Adapters:  adapters,
		ModelMap:  modelMap,
		Cooldowns: map[string]time.Duration{"groq": time.Minute, "openrouter": time.Minute},
		Stability: stability,
		Fallback:  "fallback text",
	}, log)

	return &testHarness{router: router, pool: pool, fakes: fakes}
}

func drain(t *testing.T, s *stream.TokenStream) []string {
	t.Helper()
	var out []string
	for frag := range s.Fragments() {
		out = append(out, frag)
	}
	return out
}

func TestRouteValidation(t *testing.T) {
	h := newHarness(t, map[string]*fakeProvider{
		"groq": {name: "groq", streamFn: succeedWith("hi")},
	}, map[string][]string{"groq": {"sk-1"}})

	_, _, err := h.router.RouteAndStream(context.Background(), &models.GenerateRequest{Prompt: "   "}, "req-1")
	assert.ErrorIs(t, err, ErrEmptyPrompt)

	_, _, err = h.router.RouteAndStream(context.Background(), &models.GenerateRequest{Prompt: "hi", Tier: "turbo"}, "req-2")
	assert.ErrorIs(t, err, ErrInvalidTier)
}

func TestLocalProviderPreferredWhenHealthy(t *testing.T) {
	fakes := map[string]*fakeProvider{
		"ollama": {name: "ollama", streamFn: succeedWith("local answer")},
		"groq":   {name: "groq", streamFn: succeedWith("remote answer")},
	}
	// 本地提供商不挂凭据
	h := newHarness(t, fakes, map[string][]string{"groq": {"sk-1"}})

	for _, tier := range []models.Tier{models.TierFast, models.TierBalanced, models.TierSmart} {
		s, info, err := h.router.RouteAndStream(context.Background(), &models.GenerateRequest{Prompt: "hi", Tier: tier}, "req")
		require.NoError(t, err)
		assert.Equal(t, "ollama", info.Provider)
		assert.Equal(t, []string{"local answer"}, drain(t, s))
	}
	assert.Zero(t, fakes["groq"].calls.Load())
}

func TestRateLimitedCredentialCoolsDownThenNextProvider(t *testing.T) {
	fakes := map[string]*fakeProvider{
		"groq":       {name: "groq", streamFn: failWith("groq", adapter.KindRateLimited)},
		"openrouter": {name: "openrouter", streamFn: succeedWith("backup answer")},
	}
	h := newHarness(t, fakes, map[string][]string{
		"groq":       {"sk-only"},
		"openrouter": {"or-1"},
	})

	s, info, err := h.router.RouteAndStream(context.Background(), &models.GenerateRequest{Prompt: "hi", Tier: models.TierFast}, "req")
	require.NoError(t, err)
	assert.Equal(t, "openrouter", info.Provider)
	assert.Equal(t, []string{"backup answer"}, drain(t, s))

	// 唯一的 groq 凭据只试一次就进冷却，不对同一凭据空转
	assert.Equal(t, int32(1), fakes["groq"].calls.Load())
	assert.Equal(t, 0, h.pool.Available("groq"))
}

func TestAuthFailureRotatesToNextCredential(t *testing.T) {
	var served atomic.Int32
	groq := &fakeProvider{name: "groq"}
	groq.streamFn = func(ctx context.Context, prompt, model, secret string) (*stream.TokenStream, error) {
		if secret == "sk-bad" {
			return nil, &adapter.ProviderError{Provider: "groq", Kind: adapter.KindAuthInvalid}
		}
		served.Add(1)
		return stream.Text(ctx, "ok"), nil
	}

	h := newHarness(t, map[string]*fakeProvider{"groq": groq}, map[string][]string{
		"groq": {"sk-bad", "sk-good"},
	})

	s, info, err := h.router.RouteAndStream(context.Background(), &models.GenerateRequest{Prompt: "hi", Tier: models.TierFast}, "req")
	require.NoError(t, err)
	assert.Equal(t, "groq", info.Provider)
	drain(t, s)
	assert.Equal(t, int32(1), served.Load())

	// 坏凭据被永久摘除
	assert.Equal(t, 1, h.pool.Available("groq"))
}

func TestTransientErrorRotatesThroughAllCredentials(t *testing.T) {
	var secrets []string
	groq := &fakeProvider{name: "groq"}
	groq.streamFn = func(ctx context.Context, prompt, model, secret string) (*stream.TokenStream, error) {
		secrets = append(secrets, secret)
		if len(secrets) <= 2 {
			return nil, &adapter.ProviderError{Provider: "groq", Kind: adapter.KindTimeout}
		}
		return stream.Text(ctx, "ok"), nil
	}

	h := newHarness(t, map[string]*fakeProvider{"groq": groq}, map[string][]string{
		"groq": {"sk-1", "sk-2", "sk-3"},
	})

	s, info, err := h.router.RouteAndStream(context.Background(), &models.GenerateRequest{Prompt: "hi", Tier: models.TierFast}, "req")
	require.NoError(t, err)
	assert.Equal(t, "groq", info.Provider)
	assert.Equal(t, []string{"ok"}, drain(t, s))

	// 超时属于瞬时故障：轮完同一提供商的全部凭据，而不是立刻换提供商
	assert.Equal(t, int32(3), groq.calls.Load())
	assert.ElementsMatch(t, []string{"sk-1", "sk-2", "sk-3"}, secrets)
}

func TestTransientErrorsExhaustPoolThenNextProvider(t *testing.T) {
	fakes := map[string]*fakeProvider{
		"groq":       {name: "groq", streamFn: failWith("groq", adapter.KindTimeout)},
		"openrouter": {name: "openrouter", streamFn: succeedWith("backup answer")},
	}
	h := newHarness(t, fakes, map[string][]string{
		"groq":       {"sk-1", "sk-2"},
		"openrouter": {"or-1"},
	})

	s, info, err := h.router.RouteAndStream(context.Background(), &models.GenerateRequest{Prompt: "hi", Tier: models.TierFast}, "req")
	require.NoError(t, err)
	assert.Equal(t, "openrouter", info.Provider)
	assert.Equal(t, []string{"backup answer"}, drain(t, s))

	// 两把凭据都试过才放弃该提供商
	assert.Equal(t, int32(2), fakes["groq"].calls.Load())
}

func TestAllProvidersDownServesFallbackOnce(t *testing.T) {
	fakes := map[string]*fakeProvider{
		"groq":       {name: "groq", streamFn: failWith("groq", adapter.KindUpstreamUnavailable)},
		"openrouter": {name: "openrouter", streamFn: failWith("openrouter", adapter.KindUpstreamUnavailable)},
	}
	h := newHarness(t, fakes, map[string][]string{
		"groq":       {"sk-1"},
		"openrouter": {"or-1"},
	})

	s, info, err := h.router.RouteAndStream(context.Background(), &models.GenerateRequest{Prompt: "hi", Tier: models.TierFast}, "req")
	require.NoError(t, err)
	assert.Equal(t, "fallback", info.Provider)
	assert.Equal(t, []string{"fallback text"}, drain(t, s))
}

func TestDefaultTierIsFast(t *testing.T) {
	var gotModel string
	groq := &fakeProvider{name: "groq"}
	groq.streamFn = func(ctx context.Context, prompt, model, secret string) (*stream.TokenStream, error) {
		gotModel = model
		return stream.Text(ctx, "ok"), nil
	}
	h := newHarness(t, map[string]*fakeProvider{"groq": groq}, map[string][]string{"groq": {"sk-1"}})

	s, info, err := h.router.RouteAndStream(context.Background(), &models.GenerateRequest{Prompt: "hi"}, "req")
	require.NoError(t, err)
	drain(t, s)
	assert.Equal(t, models.TierFast, info.Tier)
	assert.Equal(t, "groq-fast", gotModel)
}

func TestConsumerCancelPropagatesToInnerStream(t *testing.T) {
	inner := stream.New(context.Background())
	groq := &fakeProvider{name: "groq"}
	groq.streamFn = func(ctx context.Context, prompt, model, secret string) (*stream.TokenStream, error) {
		return inner, nil
	}
	h := newHarness(t, map[string]*fakeProvider{"groq": groq}, map[string][]string{"groq": {"sk-1"}})

	s, _, err := h.router.RouteAndStream(context.Background(), &models.GenerateRequest{Prompt: "hi", Tier: models.TierFast}, "req")
	require.NoError(t, err)

	s.Cancel()

	select {
	case <-inner.Context().Done():
	case <-time.After(time.Second):
		t.Fatal("cancel not propagated to upstream stream")
	}
	inner.Fail(stream.ErrCancelled)
	drain(t, s)
	assert.True(t, s.Cancelled())

	// 取消算一次使用但不进冷却：凭据立刻可以再被取用
	assert.Equal(t, 1, h.pool.Available("groq"))
	cred, ok := h.pool.Acquire("groq")
	require.True(t, ok)
	assert.Equal(t, int64(1), cred.usedCount)
}
