// Package gateway is the request orchestrator. Every entry point runs the
// same admission pipeline before a provider is contacted: authenticate the
// caller, check capabilities and the model allow-list, pass the rate-limit
// chain, reserve quota, consult the cache, then ask the circuit breaker.
// Quota reservations are settled with actual usage on success and released
// on failure, so a failed call is never charged.
package gateway

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/modelbridge/gateway/internal/cache"
	"github.com/modelbridge/gateway/internal/callers"
	"github.com/modelbridge/gateway/internal/circuitbreaker"
	"github.com/modelbridge/gateway/internal/cost"
	"github.com/modelbridge/gateway/internal/domain"
	"github.com/modelbridge/gateway/internal/metrics"
	"github.com/modelbridge/gateway/internal/normalize"
	"github.com/modelbridge/gateway/internal/provider"
	"github.com/modelbridge/gateway/internal/quota"
	"github.com/modelbridge/gateway/internal/ratelimit"
	"github.com/modelbridge/gateway/internal/usage"
)

// RateLimits carries the static bucket sizes for the shared scopes. The
// caller scope comes from the caller record instead.
type RateLimits struct {
	Global   ratelimit.Limit
	Provider map[string]ratelimit.Limit
	Feature  map[domain.Feature]ratelimit.Limit
}

// Options wires the gateway's collaborators. Providers, Normalizer and
// Callers are required; everything else degrades to a no-op when nil.
type Options struct {
	Providers  *provider.Registry
	Normalizer *normalize.Registry
	Callers    callers.Registry
	Limiter    *ratelimit.Chain
	Limits     RateLimits
	Quotas     *quota.Manager
	Cache      cache.Cache
	Policy     cache.Policy
	Breakers   *circuitbreaker.Manager
	Costs      *cost.Calculator
	Usage      usage.Recorder
	Logger     *slog.Logger
}

type Gateway struct {
	providers  *provider.Registry
	normalizer *normalize.Registry
	callers    callers.Registry
	limiter    *ratelimit.Chain
	limits     RateLimits
	quotas     *quota.Manager
	cache      cache.Cache
	policy     cache.Policy
	breakers   *circuitbreaker.Manager
	costs      *cost.Calculator
	usage      usage.Recorder
	logger     *slog.Logger
	now        func() time.Time
}

func New(opts Options) (*Gateway, error) {
	if opts.Providers == nil {
		return nil, &domain.ConfigurationError{Field: "providers", Reason: "provider registry is required"}
	}
	if opts.Normalizer == nil {
		return nil, &domain.ConfigurationError{Field: "normalizer", Reason: "response normalizer is required"}
	}
	if opts.Callers == nil {
		return nil, &domain.ConfigurationError{Field: "callers", Reason: "caller registry is required"}
	}
	if opts.Costs == nil {
		opts.Costs = cost.NewCalculator()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Gateway{
		providers:  opts.Providers,
		normalizer: opts.Normalizer,
		callers:    opts.Callers,
		limiter:    opts.Limiter,
		limits:     opts.Limits,
		quotas:     opts.Quotas,
		cache:      opts.Cache,
		policy:     opts.Policy,
		breakers:   opts.Breakers,
		costs:      opts.Costs,
		usage:      opts.Usage,
		logger:     opts.Logger,
		now:        time.Now,
	}, nil
}

// admission is the per-request state threaded through the pipeline.
type admission struct {
	caller     *domain.Caller
	adapter    provider.Adapter
	op         domain.Operation
	model      string
	quotaToken string
	rate       ratelimit.Decision
	started    time.Time
}

// Complete runs a non-streaming chat completion.
func (g *Gateway) Complete(ctx context.Context, apiKey, providerHint string, req domain.Request) (*domain.Response, error) {
	return g.invoke(ctx, domain.OpComplete, apiKey, providerHint, req)
}

// Embed produces an embedding vector for the request input.
func (g *Gateway) Embed(ctx context.Context, apiKey, providerHint string, req domain.Request) (*domain.Response, error) {
	return g.invoke(ctx, domain.OpEmbed, apiKey, providerHint, req)
}

// AnalyzeImage runs a vision completion. At least one message must carry
// an image.
func (g *Gateway) AnalyzeImage(ctx context.Context, apiKey, providerHint string, req domain.Request) (*domain.Response, error) {
	hasImage := false
	for _, m := range req.Messages {
		if len(m.Images) > 0 {
			hasImage = true
			break
		}
	}
	if !hasImage {
		return nil, &domain.ConfigurationError{Field: "messages", Reason: "vision request carries no images"}
	}
	return g.invoke(ctx, domain.OpAnalyzeImage, apiKey, providerHint, req)
}

func (g *Gateway) invoke(ctx context.Context, op domain.Operation, apiKey, providerHint string, req domain.Request) (*domain.Response, error) {
	adm, err := g.admit(ctx, op, apiKey, providerHint, req)
	if err != nil {
		return nil, err
	}

	// Cache lookup happens after admission so limits apply to hits too,
	// but before the reservation is spent on a provider call.
	var cacheKey string
	if g.cache != nil && g.policy.Cacheable(op, req) {
		cacheKey = cache.Fingerprint(op, adm.adapter.ID(), adm.model, req)
		if hit, ok := g.cache.Get(ctx, cacheKey); ok {
			g.release(adm)
			metrics.RecordCacheHit(adm.caller.ID, string(op.Feature()))
			g.record(ctx, adm, domain.OutcomeSuccess, hit.Usage, 0, true)
			// Annotate a copy; the cached entry itself is immutable.
			resp := *hit
			resp.Metadata = make(map[string]string, len(hit.Metadata)+1)
			for k, v := range hit.Metadata {
				resp.Metadata[k] = v
			}
			resp.Metadata["cache"] = "hit"
			annotateRate(&resp, adm)
			return &resp, nil
		}
		metrics.RecordCacheMiss(adm.caller.ID, string(op.Feature()))
	}

	breaker := g.breakerFor(adm.adapter.ID())
	if breaker != nil {
		if err := breaker.Allow(ctx); err != nil {
			g.release(adm)
			g.record(ctx, adm, domain.OutcomeError, domain.TokenUsage{}, 0, false)
			return nil, err
		}
	}

	var raw []byte
	if op == domain.OpEmbed {
		raw, err = adm.adapter.Embed(ctx, req)
	} else {
		raw, err = adm.adapter.Complete(ctx, req)
	}
	if err != nil {
		return nil, g.dispatchFailed(ctx, adm, breaker, err)
	}

	var resp *domain.Response
	if op == domain.OpEmbed {
		resp, err = g.normalizer.NormalizeEmbedding(adm.adapter.ID(), raw)
	} else {
		resp, err = g.normalizer.Normalize(adm.adapter.ID(), raw)
	}
	if err != nil {
		g.release(adm)
		metrics.RecordProviderError(adm.adapter.ID(), "malformed_response")
		g.record(ctx, adm, domain.OutcomeError, domain.TokenUsage{}, 0, false)
		return nil, err
	}
	resp.Model = adm.model

	if breaker != nil {
		breaker.RecordSuccess(ctx)
	}
	costUSD := g.costs.Calculate(adm.model, resp.Usage)
	g.confirm(ctx, adm, resp.Usage, costUSD)

	if cacheKey != "" {
		if err := g.cache.Set(ctx, cacheKey, resp, g.policy.TTL(op.Feature())); err != nil {
			g.logger.Warn("cache store failed", "key", cacheKey, "error", err)
		}
	}

	g.record(ctx, adm, domain.OutcomeSuccess, resp.Usage, costUSD, false)
	metrics.RecordTokens(adm.caller.ID, adm.adapter.ID(), adm.model, resp.Usage.PromptTokens, resp.Usage.CompletionTokens)
	metrics.RecordCost(adm.caller.ID, adm.adapter.ID(), adm.model, costUSD)
	annotateRate(resp, adm)
	return resp, nil
}

// Stream opens a streaming completion. The returned Stream is pull-based:
// nothing is read from the provider until Recv is called, and Close tears
// the transport down immediately.
func (g *Gateway) Stream(ctx context.Context, apiKey, providerHint string, req domain.Request) (*Stream, error) {
	adm, err := g.admit(ctx, domain.OpStream, apiKey, providerHint, req)
	if err != nil {
		return nil, err
	}

	breaker := g.breakerFor(adm.adapter.ID())
	if breaker != nil {
		if err := breaker.Allow(ctx); err != nil {
			g.release(adm)
			g.record(ctx, adm, domain.OutcomeError, domain.TokenUsage{}, 0, false)
			return nil, err
		}
	}

	parser, err := g.normalizer.ChunkParser(adm.adapter.ID())
	if err != nil {
		g.release(adm)
		return nil, err
	}

	body, err := adm.adapter.OpenStream(ctx, req)
	if err != nil {
		return nil, g.dispatchFailed(ctx, adm, breaker, err)
	}

	metrics.ActiveStreams.Inc()
	return newStream(g, adm, breaker, body, parser, req), nil
}

// admit runs authentication, capability and allow-list checks, the
// rate-limit chain and the quota reservation. On a denial the usage record
// is written here; the caller only sees the typed error.
func (g *Gateway) admit(ctx context.Context, op domain.Operation, apiKey, providerHint string, req domain.Request) (*admission, error) {
	started := g.now()

	caller, err := g.callers.ByAPIKey(ctx, apiKey)
	if err != nil {
		return nil, err
	}

	adapter, err := g.providers.Resolve(providerHint)
	if err != nil {
		return nil, err
	}
	if err := checkCapability(op, adapter); err != nil {
		return nil, err
	}

	if len(caller.AllowedModels) > 0 && !contains(caller.AllowedModels, req.Model) {
		return nil, domain.ErrModelNotAllowed
	}

	adm := &admission{
		caller:  caller,
		adapter: adapter,
		op:      op,
		model:   adapter.ResolveModel(req.Model),
		started: started,
	}

	if g.limiter != nil {
		d := g.limiter.Check(ctx, g.scopes(caller, adapter.ID(), op.Feature()))
		if !d.Allowed {
			metrics.RecordRateLimitDenial(d.Scope)
			g.record(ctx, adm, domain.OutcomeRateLimited, domain.TokenUsage{}, 0, false)
			return nil, &domain.RateLimitError{
				Scope:      d.Scope,
				Limit:      d.Limit,
				Remaining:  d.Remaining,
				RetryAfter: d.RetryAfter,
			}
		}
		adm.rate = d
	}

	if g.quotas != nil {
		// The caller record is the source of truth for its own budgets.
		if caller.Quotas != nil {
			g.quotas.SetLimits(domain.CallerScope(caller.ID), quotaLimits(caller.Quotas))
		}
		amounts := map[quota.Type]float64{
			quota.TypeRequests: 1,
			quota.TypeTokens:   float64(cost.EstimateTokens(op, req)),
			quota.TypeCost:     g.costs.EstimateCost(op, adm.model, req),
		}
		scopes := []string{
			domain.CallerScope(caller.ID),
			domain.GroupScope(caller.Group),
			domain.ProviderScope(adapter.ID()),
			domain.ScopeGlobal,
		}
		token, d := g.quotas.CheckAndReserve(ctx, scopes, amounts)
		if !d.Allowed {
			metrics.RecordQuotaDenial(d.Scope, string(d.Type))
			g.record(ctx, adm, domain.OutcomeQuotaExceeded, domain.TokenUsage{}, 0, false)
			return nil, &domain.QuotaError{
				Scope:   d.Scope,
				Type:    string(d.Type),
				Used:    d.Used,
				Limit:   d.Limit,
				ResetAt: d.ResetAt,
			}
		}
		adm.quotaToken = token
	}

	return adm, nil
}

// scopes builds the rate-limit cascade for one request. Scopes without a
// configured limit are skipped rather than treated as zero.
func (g *Gateway) scopes(caller *domain.Caller, providerID string, feature domain.Feature) []ratelimit.Scope {
	var out []ratelimit.Scope
	if g.limits.Global.Capacity > 0 {
		out = append(out, ratelimit.Scope{Key: domain.ScopeGlobal, Limit: g.limits.Global})
	}
	if l, ok := g.limits.Provider[providerID]; ok {
		out = append(out, ratelimit.Scope{Key: domain.ProviderScope(providerID), Limit: l})
	}
	if caller.RateLimitRPS > 0 {
		burst := caller.RateBurst
		if burst <= 0 {
			burst = caller.RateLimitRPS
		}
		out = append(out, ratelimit.Scope{
			Key:   domain.CallerScope(caller.ID),
			Limit: ratelimit.Limit{Capacity: burst, RefillPerSec: caller.RateLimitRPS},
		})
	}
	if l, ok := g.limits.Feature[feature]; ok {
		out = append(out, ratelimit.Scope{Key: domain.FeatureScope(feature), Limit: l})
	}
	return out
}

// dispatchFailed settles a failed provider call: the reservation is
// released, connection-class failures trip the breaker, and the outcome is
// recorded. Provider 429s keep their rate_limited outcome.
func (g *Gateway) dispatchFailed(ctx context.Context, adm *admission, breaker circuitbreaker.Breaker, err error) error {
	g.release(adm)

	var connErr *domain.ConnectionError
	if errors.As(err, &connErr) {
		if breaker != nil {
			breaker.RecordFailure(ctx)
		}
		metrics.RecordProviderError(adm.adapter.ID(), "connection")
	} else {
		metrics.RecordProviderError(adm.adapter.ID(), errorType(err))
	}

	outcome := domain.OutcomeError
	var rlErr *domain.RateLimitError
	if errors.As(err, &rlErr) {
		outcome = domain.OutcomeRateLimited
	}
	g.record(ctx, adm, outcome, domain.TokenUsage{}, 0, false)
	return err
}

func (g *Gateway) breakerFor(providerID string) circuitbreaker.Breaker {
	if g.breakers == nil {
		return nil
	}
	return g.breakers.For(providerID)
}

func (g *Gateway) confirm(ctx context.Context, adm *admission, u domain.TokenUsage, costUSD float64) {
	if g.quotas == nil || adm.quotaToken == "" {
		return
	}
	g.quotas.Confirm(ctx, adm.quotaToken, map[quota.Type]float64{
		quota.TypeRequests: 1,
		quota.TypeTokens:   float64(u.TotalTokens),
		quota.TypeCost:     costUSD,
	})
}

func (g *Gateway) release(adm *admission) {
	if g.quotas == nil || adm.quotaToken == "" {
		return
	}
	g.quotas.Release(adm.quotaToken)
}

func (g *Gateway) record(ctx context.Context, adm *admission, outcome domain.Outcome, u domain.TokenUsage, costUSD float64, cached bool) {
	latency := g.now().Sub(adm.started)
	metrics.RecordRequest(adm.caller.ID, adm.adapter.ID(), string(adm.op.Feature()), string(outcome), latency.Seconds())

	if g.usage == nil {
		return
	}
	rec := usage.Record{
		ID:        uuid.New().String(),
		CallerID:  adm.caller.ID,
		Group:     adm.caller.Group,
		Provider:  adm.adapter.ID(),
		Model:     adm.model,
		Operation: adm.op,
		Feature:   adm.op.Feature(),
		Outcome:   outcome,
		Usage:     u,
		CostUSD:   costUSD,
		Cached:    cached,
		LatencyMs: latency.Milliseconds(),
		Timestamp: g.now(),
	}
	if err := g.usage.Record(ctx, rec); err != nil {
		g.logger.Warn("usage record dropped", "caller", adm.caller.ID, "error", err)
	}
}

func checkCapability(op domain.Operation, a provider.Adapter) error {
	caps := a.Capabilities()
	var missing string
	switch op {
	case domain.OpStream:
		if !caps.Streaming {
			missing = "streaming"
		}
	case domain.OpEmbed:
		if !caps.Embeddings {
			missing = "embeddings"
		}
	case domain.OpAnalyzeImage:
		if !caps.Vision {
			missing = "vision"
		}
	}
	if missing != "" {
		return &domain.ConfigurationError{Field: "provider", Reason: a.ID() + " does not support " + missing}
	}
	return nil
}

func errorType(err error) string {
	var provErr *domain.ProviderError
	var rlErr *domain.RateLimitError
	var cfgErr *domain.ConfigurationError
	switch {
	case errors.As(err, &rlErr):
		return "rate_limited"
	case errors.As(err, &provErr):
		return "rejected"
	case errors.As(err, &cfgErr):
		return "configuration"
	default:
		return "other"
	}
}

// annotateRate exposes the admission-time bucket state so the HTTP layer
// can emit X-RateLimit headers without reaching into the limiter.
func annotateRate(resp *domain.Response, adm *admission) {
	if adm.rate.Limit <= 0 {
		return
	}
	if resp.Metadata == nil {
		resp.Metadata = make(map[string]string, 2)
	}
	resp.Metadata["ratelimit_limit"] = strconv.FormatFloat(adm.rate.Limit, 'f', -1, 64)
	resp.Metadata["ratelimit_remaining"] = strconv.FormatFloat(adm.rate.Remaining, 'f', -1, 64)
}

func quotaLimits(rules []domain.QuotaRule) []quota.Limit {
	out := make([]quota.Limit, 0, len(rules))
	for _, r := range rules {
		out = append(out, quota.Limit{Type: quota.Type(r.Type), Period: quota.Period(r.Period), Max: r.Max})
	}
	return out
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
