package gateway

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/modelbridge/gateway/internal/cache"
	"github.com/modelbridge/gateway/internal/callers"
	"github.com/modelbridge/gateway/internal/circuitbreaker"
	"github.com/modelbridge/gateway/internal/cost"
	"github.com/modelbridge/gateway/internal/domain"
	"github.com/modelbridge/gateway/internal/normalize"
	"github.com/modelbridge/gateway/internal/provider"
	"github.com/modelbridge/gateway/internal/quota"
	"github.com/modelbridge/gateway/internal/ratelimit"
	"github.com/modelbridge/gateway/internal/usage"
)

const completeBody = `{
	"id": "chatcmpl-1",
	"model": "gpt-4o-2024-11-20",
	"choices": [{"message": {"role": "assistant", "content": "hello there"}, "finish_reason": "stop"}],
	"usage": {"prompt_tokens": 10, "completion_tokens": 5, "total_tokens": 15}
}`

const embedBody = `{
	"model": "text-embedding-3-small",
	"data": [{"embedding": [0.1, 0.2, 0.3]}],
	"usage": {"prompt_tokens": 4, "total_tokens": 4}
}`

const streamBody = "data: {\"choices\":[{\"delta\":{\"content\":\"hello\"}}]}\n\n" +
	"data: {\"choices\":[{\"delta\":{\"content\":\" there\"}}]}\n\n" +
	"data: [DONE]\n\n"

// stubAdapter speaks the chat-completion wire shape so the registered
// normalizer parses its output.
type stubAdapter struct {
	caps        provider.Capabilities
	completeRaw string
	completeErr error
	embedRaw    string
	streamBody  string
	streamRC    io.ReadCloser
	streamErr   error
	calls       int
}

func (s *stubAdapter) ID() string { return "openai" }

func (s *stubAdapter) Capabilities() provider.Capabilities { return s.caps }

func (s *stubAdapter) ResolveModel(alias string) string { return alias }

func (s *stubAdapter) Complete(ctx context.Context, req domain.Request) ([]byte, error) {
	s.calls++
	if s.completeErr != nil {
		return nil, s.completeErr
	}
	return []byte(s.completeRaw), nil
}

func (s *stubAdapter) OpenStream(ctx context.Context, req domain.Request) (io.ReadCloser, error) {
	s.calls++
	if s.streamErr != nil {
		return nil, s.streamErr
	}
	if s.streamRC != nil {
		return s.streamRC, nil
	}
	return io.NopCloser(strings.NewReader(s.streamBody)), nil
}

func (s *stubAdapter) Embed(ctx context.Context, req domain.Request) ([]byte, error) {
	s.calls++
	return []byte(s.embedRaw), nil
}

func (s *stubAdapter) Models(ctx context.Context) ([]domain.ModelInfo, error) { return nil, nil }

func (s *stubAdapter) Healthy(ctx context.Context) error { return nil }

func allCaps() provider.Capabilities {
	return provider.Capabilities{Streaming: true, Embeddings: true, Vision: true}
}

func newStub() *stubAdapter {
	return &stubAdapter{
		caps:        allCaps(),
		completeRaw: completeBody,
		embedRaw:    embedBody,
		streamBody:  streamBody,
	}
}

type fixture struct {
	gw   *Gateway
	stub *stubAdapter
	sink *usage.InMemory
}

func newFixture(t *testing.T, stub *stubAdapter, mutate func(*Options)) *fixture {
	t.Helper()

	reg, err := provider.NewRegistry("openai", stub)
	if err != nil {
		t.Fatalf("registry: %v", err)
	}

	registry := callers.NewInMemory()
	registry.Seed("mb-alice-key", &domain.Caller{ID: "alice", Name: "Alice", Group: "research"})

	sink := usage.NewInMemory()
	opts := Options{
		Providers:  reg,
		Normalizer: normalize.NewRegistry(),
		Callers:    registry,
		Limiter:    ratelimit.NewChain(ratelimit.NewTokenBucket(), nil),
		Cache:      cache.NewInMemoryCache(),
		Policy:     cache.DefaultPolicy(),
		Costs:      cost.NewCalculator(),
		Usage:      sink,
	}
	if mutate != nil {
		mutate(&opts)
	}

	gw, err := New(opts)
	if err != nil {
		t.Fatalf("gateway: %v", err)
	}
	return &fixture{gw: gw, stub: stub, sink: sink}
}

func chatRequest(content string) domain.Request {
	return domain.Request{
		Model:    "gpt-4o-2024-11-20",
		Messages: []domain.Message{{Role: "user", Content: content}},
	}
}

func lastRecord(t *testing.T, sink *usage.InMemory) usage.Record {
	t.Helper()
	all := sink.All()
	if len(all) == 0 {
		t.Fatal("no usage records written")
	}
	return all[len(all)-1]
}

func TestComplete_Success(t *testing.T) {
	f := newFixture(t, newStub(), nil)

	resp, err := f.gw.Complete(context.Background(), "mb-alice-key", "", chatRequest("hi"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Content != "hello there" {
		t.Errorf("content = %q", resp.Content)
	}
	if resp.Usage.TotalTokens != 15 {
		t.Errorf("total tokens = %d, want 15", resp.Usage.TotalTokens)
	}

	rec := lastRecord(t, f.sink)
	if rec.Outcome != domain.OutcomeSuccess || rec.Cached {
		t.Errorf("record = %+v, want fresh success", rec)
	}
	if rec.CostUSD <= 0 {
		t.Errorf("cost = %v, want > 0 for a priced model", rec.CostUSD)
	}
	if rec.Feature != domain.FeatureChat {
		t.Errorf("feature = %q", rec.Feature)
	}
}

func TestComplete_CacheHitInvokesAdapterOnce(t *testing.T) {
	f := newFixture(t, newStub(), nil)
	ctx := context.Background()
	req := chatRequest("cached question")

	if _, err := f.gw.Complete(ctx, "mb-alice-key", "", req); err != nil {
		t.Fatalf("first call: %v", err)
	}
	resp, err := f.gw.Complete(ctx, "mb-alice-key", "", req)
	if err != nil {
		t.Fatalf("second call: %v", err)
	}
	if resp.Content != "hello there" {
		t.Errorf("cached content = %q", resp.Content)
	}
	if f.stub.calls != 1 {
		t.Errorf("adapter calls = %d, want 1", f.stub.calls)
	}

	rec := lastRecord(t, f.sink)
	if !rec.Cached || rec.CostUSD != 0 {
		t.Errorf("cache hit record = %+v, want cached at zero cost", rec)
	}
}

func TestComplete_HighTemperatureBypassesCache(t *testing.T) {
	f := newFixture(t, newStub(), nil)
	ctx := context.Background()

	temp := 1.2
	req := chatRequest("creative")
	req.Temperature = &temp

	f.gw.Complete(ctx, "mb-alice-key", "", req)
	f.gw.Complete(ctx, "mb-alice-key", "", req)

	if f.stub.calls != 2 {
		t.Errorf("adapter calls = %d, non-deterministic requests must not be cached", f.stub.calls)
	}
}

func TestComplete_RateLimited(t *testing.T) {
	f := newFixture(t, newStub(), func(o *Options) {
		o.Limits = RateLimits{Global: ratelimit.Limit{Capacity: 1, RefillPerSec: 0.1}}
	})
	ctx := context.Background()

	if _, err := f.gw.Complete(ctx, "mb-alice-key", "", chatRequest("one")); err != nil {
		t.Fatalf("first call: %v", err)
	}
	_, err := f.gw.Complete(ctx, "mb-alice-key", "", chatRequest("two"))

	var rlErr *domain.RateLimitError
	if !errors.As(err, &rlErr) {
		t.Fatalf("error = %v, want RateLimitError", err)
	}
	if rlErr.Scope != domain.ScopeGlobal {
		t.Errorf("scope = %q, want global", rlErr.Scope)
	}
	if rlErr.RetryAfter <= 0 {
		t.Errorf("retry after = %v, want > 0", rlErr.RetryAfter)
	}
	if rec := lastRecord(t, f.sink); rec.Outcome != domain.OutcomeRateLimited {
		t.Errorf("outcome = %q, want rate_limited", rec.Outcome)
	}
}

func TestComplete_CallerRateLimitFromRecord(t *testing.T) {
	f := newFixture(t, newStub(), func(o *Options) {
		registry := callers.NewInMemory()
		registry.Seed("mb-bob-key", &domain.Caller{ID: "bob", RateLimitRPS: 0.1, RateBurst: 1})
		o.Callers = registry
	})
	ctx := context.Background()

	f.gw.Complete(ctx, "mb-bob-key", "", chatRequest("one"))
	_, err := f.gw.Complete(ctx, "mb-bob-key", "", chatRequest("two"))

	var rlErr *domain.RateLimitError
	if !errors.As(err, &rlErr) {
		t.Fatalf("error = %v, want RateLimitError", err)
	}
	if rlErr.Scope != domain.CallerScope("bob") {
		t.Errorf("scope = %q, want caller:bob", rlErr.Scope)
	}
}

func TestComplete_QuotaDenialChargesNothing(t *testing.T) {
	limits := map[string][]quota.Limit{
		domain.CallerScope("alice"): {{Type: quota.TypeCost, Period: quota.PeriodDay, Max: 0.000001}},
	}
	qm := quota.NewManager(limits, nil)
	f := newFixture(t, newStub(), func(o *Options) { o.Quotas = qm })

	_, err := f.gw.Complete(context.Background(), "mb-alice-key", "", chatRequest("expensive"))

	var qErr *domain.QuotaError
	if !errors.As(err, &qErr) {
		t.Fatalf("error = %v, want QuotaError", err)
	}
	if qErr.Scope != domain.CallerScope("alice") || qErr.Type != string(quota.TypeCost) {
		t.Errorf("denial = %+v", qErr)
	}
	if f.stub.calls != 0 {
		t.Errorf("adapter calls = %d, denied request must not dispatch", f.stub.calls)
	}

	used, reserved, _ := qm.Usage(domain.CallerScope("alice"), quota.TypeCost, quota.PeriodDay)
	if used != 0 || reserved != 0 {
		t.Errorf("used = %v reserved = %v, denial must leave the budget untouched", used, reserved)
	}
	if rec := lastRecord(t, f.sink); rec.Outcome != domain.OutcomeQuotaExceeded {
		t.Errorf("outcome = %q, want quota_exceeded", rec.Outcome)
	}
}

func TestComplete_QuotaConfirmedWithActuals(t *testing.T) {
	limits := map[string][]quota.Limit{
		domain.CallerScope("alice"): {{Type: quota.TypeTokens, Period: quota.PeriodDay, Max: 100000}},
	}
	qm := quota.NewManager(limits, nil)
	f := newFixture(t, newStub(), func(o *Options) { o.Quotas = qm })

	if _, err := f.gw.Complete(context.Background(), "mb-alice-key", "", chatRequest("hi")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	used, reserved, _ := qm.Usage(domain.CallerScope("alice"), quota.TypeTokens, quota.PeriodDay)
	if used != 15 {
		t.Errorf("used = %v, want the 15 actual tokens, not the estimate", used)
	}
	if reserved != 0 {
		t.Errorf("reserved = %v, confirmation must clear the reservation", reserved)
	}
}

func TestComplete_ProviderFailureReleasesQuota(t *testing.T) {
	stub := newStub()
	stub.completeErr = &domain.ConnectionError{Provider: "openai", Err: errors.New("connection refused")}

	limits := map[string][]quota.Limit{
		domain.CallerScope("alice"): {{Type: quota.TypeRequests, Period: quota.PeriodDay, Max: 100}},
	}
	qm := quota.NewManager(limits, nil)
	f := newFixture(t, stub, func(o *Options) { o.Quotas = qm })

	_, err := f.gw.Complete(context.Background(), "mb-alice-key", "", chatRequest("hi"))

	var connErr *domain.ConnectionError
	if !errors.As(err, &connErr) {
		t.Fatalf("error = %v, want ConnectionError", err)
	}
	used, reserved, _ := qm.Usage(domain.CallerScope("alice"), quota.TypeRequests, quota.PeriodDay)
	if used != 0 || reserved != 0 {
		t.Errorf("used = %v reserved = %v, failed call must not be charged", used, reserved)
	}
	if rec := lastRecord(t, f.sink); rec.Outcome != domain.OutcomeError {
		t.Errorf("outcome = %q, want error", rec.Outcome)
	}
}

func TestComplete_Provider429KeepsRateLimitedOutcome(t *testing.T) {
	stub := newStub()
	stub.completeErr = &domain.RateLimitError{
		Scope:      domain.ProviderScope("openai"),
		RetryAfter: 20 * time.Second,
	}
	f := newFixture(t, stub, nil)

	_, err := f.gw.Complete(context.Background(), "mb-alice-key", "", chatRequest("hi"))

	var rlErr *domain.RateLimitError
	if !errors.As(err, &rlErr) {
		t.Fatalf("error = %v, want RateLimitError", err)
	}
	if rlErr.RetryAfter != 20*time.Second {
		t.Errorf("retry after = %v, want the provider's value", rlErr.RetryAfter)
	}
	if rec := lastRecord(t, f.sink); rec.Outcome != domain.OutcomeRateLimited {
		t.Errorf("outcome = %q, want rate_limited", rec.Outcome)
	}
}

func TestComplete_OpenBreakerFailsFast(t *testing.T) {
	mgr := circuitbreaker.NewManager(circuitbreaker.Config{
		FailureThreshold: 1, SuccessThreshold: 1, Timeout: time.Minute,
	})
	f := newFixture(t, newStub(), func(o *Options) { o.Breakers = mgr })
	ctx := context.Background()

	mgr.For("openai").RecordFailure(ctx)

	_, err := f.gw.Complete(ctx, "mb-alice-key", "", chatRequest("hi"))
	if !errors.Is(err, domain.ErrProviderDisabled) {
		t.Fatalf("error = %v, want ErrProviderDisabled", err)
	}
	if f.stub.calls != 0 {
		t.Errorf("adapter calls = %d, open breaker must not dispatch", f.stub.calls)
	}
}

func TestComplete_ConnectionFailuresTripBreaker(t *testing.T) {
	stub := newStub()
	stub.completeErr = &domain.ConnectionError{Provider: "openai", Err: errors.New("refused")}
	mgr := circuitbreaker.NewManager(circuitbreaker.Config{
		FailureThreshold: 2, SuccessThreshold: 1, Timeout: time.Minute,
	})
	f := newFixture(t, stub, func(o *Options) { o.Breakers = mgr })
	ctx := context.Background()

	f.gw.Complete(ctx, "mb-alice-key", "", chatRequest("a"))
	f.gw.Complete(ctx, "mb-alice-key", "", chatRequest("b"))

	if mgr.For("openai").State(ctx) != circuitbreaker.StateOpen {
		t.Error("breaker must open after repeated connection failures")
	}
}

func TestComplete_ModelNotAllowed(t *testing.T) {
	f := newFixture(t, newStub(), func(o *Options) {
		registry := callers.NewInMemory()
		registry.Seed("mb-carol-key", &domain.Caller{ID: "carol", AllowedModels: []string{"gpt-4o-mini"}})
		o.Callers = registry
	})

	_, err := f.gw.Complete(context.Background(), "mb-carol-key", "", chatRequest("hi"))
	if !errors.Is(err, domain.ErrModelNotAllowed) {
		t.Fatalf("error = %v, want ErrModelNotAllowed", err)
	}
}

func TestComplete_InvalidKey(t *testing.T) {
	f := newFixture(t, newStub(), nil)

	_, err := f.gw.Complete(context.Background(), "mb-wrong", "", chatRequest("hi"))
	if !errors.Is(err, domain.ErrInvalidAPIKey) {
		t.Fatalf("error = %v, want ErrInvalidAPIKey", err)
	}
}

func TestEmbed_CapabilityGate(t *testing.T) {
	stub := newStub()
	stub.caps.Embeddings = false
	f := newFixture(t, stub, nil)

	_, err := f.gw.Embed(context.Background(), "mb-alice-key", "", domain.Request{
		Model: "text-embedding-3-small",
		Input: []string{"hello"},
	})

	var cfgErr *domain.ConfigurationError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("error = %v, want ConfigurationError", err)
	}
}

func TestEmbed_Success(t *testing.T) {
	f := newFixture(t, newStub(), nil)

	resp, err := f.gw.Embed(context.Background(), "mb-alice-key", "", domain.Request{
		Model: "text-embedding-3-small",
		Input: []string{"hello"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(resp.Embedding) != 3 {
		t.Errorf("embedding dims = %d, want 3", len(resp.Embedding))
	}
	if rec := lastRecord(t, f.sink); rec.Feature != domain.FeatureEmbeddings {
		t.Errorf("feature = %q, want embeddings", rec.Feature)
	}
}

func TestAnalyzeImage_RequiresImage(t *testing.T) {
	f := newFixture(t, newStub(), nil)

	_, err := f.gw.AnalyzeImage(context.Background(), "mb-alice-key", "", chatRequest("describe"))

	var cfgErr *domain.ConfigurationError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("error = %v, want ConfigurationError", err)
	}
	if f.stub.calls != 0 {
		t.Error("invalid vision request must not dispatch")
	}
}

func TestStream_ReassemblesToCompleteContent(t *testing.T) {
	f := newFixture(t, newStub(), nil)
	ctx := context.Background()

	stream, err := f.gw.Stream(ctx, "mb-alice-key", "", chatRequest("hi"))
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}
	defer stream.Close()

	var sb strings.Builder
	var sawDone bool
	for {
		chunk, err := stream.Recv(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			t.Fatalf("recv: %v", err)
		}
		sb.WriteString(chunk.Content)
		if chunk.Done {
			sawDone = true
		}
	}

	if !sawDone {
		t.Error("stream ended without a terminal chunk")
	}
	if sb.String() != "hello there" {
		t.Errorf("reassembled = %q, want the non-streaming content", sb.String())
	}

	rec := lastRecord(t, f.sink)
	if rec.Outcome != domain.OutcomeSuccess || rec.Operation != domain.OpStream {
		t.Errorf("record = %+v", rec)
	}
	if rec.Usage.CompletionTokens == 0 {
		t.Error("stream usage must approximate completion tokens")
	}
}

func TestStream_EarlyCloseSettlesOnce(t *testing.T) {
	limits := map[string][]quota.Limit{
		domain.CallerScope("alice"): {{Type: quota.TypeRequests, Period: quota.PeriodDay, Max: 100}},
	}
	qm := quota.NewManager(limits, nil)
	f := newFixture(t, newStub(), func(o *Options) { o.Quotas = qm })
	ctx := context.Background()

	stream, err := f.gw.Stream(ctx, "mb-alice-key", "", chatRequest("hi"))
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}
	if _, err := stream.Recv(ctx); err != nil {
		t.Fatalf("recv: %v", err)
	}
	if err := stream.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := stream.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}

	used, reserved, _ := qm.Usage(domain.CallerScope("alice"), quota.TypeRequests, quota.PeriodDay)
	if used != 1 || reserved != 0 {
		t.Errorf("used = %v reserved = %v, early close must confirm exactly once", used, reserved)
	}
	if len(f.sink.All()) != 1 {
		t.Errorf("records = %d, want exactly one", len(f.sink.All()))
	}
}

func TestStream_TruncatedBodyIsConnectionError(t *testing.T) {
	stub := newStub()
	stub.streamBody = "data: {\"choices\":[{\"delta\":{\"content\":\"partial\"}}]}\n\n"
	f := newFixture(t, stub, nil)
	ctx := context.Background()

	stream, err := f.gw.Stream(ctx, "mb-alice-key", "", chatRequest("hi"))
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}
	defer stream.Close()

	if _, err := stream.Recv(ctx); err != nil {
		t.Fatalf("first chunk: %v", err)
	}
	_, err = stream.Recv(ctx)

	var connErr *domain.ConnectionError
	if !errors.As(err, &connErr) {
		t.Fatalf("error = %v, want ConnectionError for a truncated stream", err)
	}
	if rec := lastRecord(t, f.sink); rec.Outcome != domain.OutcomeError {
		t.Errorf("outcome = %q, want error", rec.Outcome)
	}
}

// blockingBody imitates a provider that has gone silent: Read parks until
// the body is closed or released with an error.
type blockingBody struct {
	readStarted chan struct{}
	startOnce   sync.Once
	release     chan struct{}
	readErr     error
	closed      chan struct{}
	closeOnce   sync.Once
}

func newBlockingBody(readErr error) *blockingBody {
	return &blockingBody{
		readStarted: make(chan struct{}),
		release:     make(chan struct{}),
		readErr:     readErr,
		closed:      make(chan struct{}),
	}
}

func (b *blockingBody) Read(p []byte) (int, error) {
	b.startOnce.Do(func() { close(b.readStarted) })
	select {
	case <-b.release:
		return 0, b.readErr
	case <-b.closed:
		return 0, errors.New("read on closed body")
	}
}

func (b *blockingBody) Close() error {
	b.closeOnce.Do(func() { close(b.closed) })
	return nil
}

func TestStream_CloseUnblocksStalledRecv(t *testing.T) {
	body := newBlockingBody(nil)
	stub := newStub()
	stub.streamRC = body
	f := newFixture(t, stub, nil)
	ctx := context.Background()

	stream, err := f.gw.Stream(ctx, "mb-alice-key", "", chatRequest("hi"))
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}

	recvDone := make(chan error, 1)
	go func() {
		_, err := stream.Recv(ctx)
		recvDone <- err
	}()
	<-body.readStarted

	closeDone := make(chan error, 1)
	go func() { closeDone <- stream.Close() }()

	select {
	case err := <-closeDone:
		if err != nil {
			t.Fatalf("close: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Close did not return while Recv was blocked on the provider")
	}

	select {
	case err := <-recvDone:
		if !errors.Is(err, io.EOF) {
			t.Errorf("recv after close = %v, want io.EOF", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Recv stayed blocked after Close")
	}

	if len(f.sink.All()) != 1 {
		t.Errorf("records = %d, want exactly one", len(f.sink.All()))
	}
	if rec := lastRecord(t, f.sink); rec.Outcome != domain.OutcomeSuccess {
		t.Errorf("outcome = %q, want success", rec.Outcome)
	}
}

func TestStream_CallerCancelDoesNotTripBreaker(t *testing.T) {
	body := newBlockingBody(errors.New("read tcp: connection reset by peer"))
	stub := newStub()
	stub.streamRC = body
	mgr := circuitbreaker.NewManager(circuitbreaker.Config{
		FailureThreshold: 1, SuccessThreshold: 1, Timeout: time.Minute,
	})
	f := newFixture(t, stub, func(o *Options) { o.Breakers = mgr })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stream, err := f.gw.Stream(ctx, "mb-alice-key", "", chatRequest("hi"))
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}
	defer stream.Close()

	recvDone := make(chan error, 1)
	go func() {
		_, err := stream.Recv(ctx)
		recvDone <- err
	}()
	<-body.readStarted

	cancel()
	close(body.release)

	select {
	case err := <-recvDone:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("recv = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Recv stayed blocked after cancellation")
	}

	if mgr.For("openai").State(context.Background()) != circuitbreaker.StateClosed {
		t.Error("a read failure caused by the caller cancelling must not count against the provider")
	}
	if rec := lastRecord(t, f.sink); rec.Outcome != domain.OutcomeSuccess {
		t.Errorf("outcome = %q, want success", rec.Outcome)
	}
}

func TestComplete_CallerQuotaFromRecord(t *testing.T) {
	f := newFixture(t, newStub(), func(o *Options) {
		registry := callers.NewInMemory()
		registry.Seed("mb-dave-key", &domain.Caller{
			ID:     "dave",
			Quotas: []domain.QuotaRule{{Type: "requests", Period: "day", Max: 1}},
		})
		o.Callers = registry
		o.Quotas = quota.NewManager(nil, nil)
	})
	ctx := context.Background()

	if _, err := f.gw.Complete(ctx, "mb-dave-key", "", chatRequest("one")); err != nil {
		t.Fatalf("first call: %v", err)
	}
	_, err := f.gw.Complete(ctx, "mb-dave-key", "", chatRequest("two"))

	var qErr *domain.QuotaError
	if !errors.As(err, &qErr) {
		t.Fatalf("error = %v, want QuotaError from the caller record's budget", err)
	}
	if qErr.Scope != domain.CallerScope("dave") || qErr.Type != string(quota.TypeRequests) {
		t.Errorf("denial = %+v", qErr)
	}
}

func TestComplete_ResponseCarriesRateLimitState(t *testing.T) {
	f := newFixture(t, newStub(), func(o *Options) {
		o.Limits = RateLimits{Global: ratelimit.Limit{Capacity: 10}}
	})
	ctx := context.Background()
	req := chatRequest("hi")

	resp, err := f.gw.Complete(ctx, "mb-alice-key", "", req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Metadata["ratelimit_limit"] != "10" {
		t.Errorf("limit metadata = %q, want 10", resp.Metadata["ratelimit_limit"])
	}
	if resp.Metadata["ratelimit_remaining"] != "9" {
		t.Errorf("remaining metadata = %q, want 9", resp.Metadata["ratelimit_remaining"])
	}

	// Cache hits are annotated with the bucket state at hit time.
	resp, err = f.gw.Complete(ctx, "mb-alice-key", "", req)
	if err != nil {
		t.Fatalf("second call: %v", err)
	}
	if resp.Metadata["cache"] != "hit" {
		t.Fatalf("cache metadata = %q, want hit", resp.Metadata["cache"])
	}
	if resp.Metadata["ratelimit_remaining"] != "8" {
		t.Errorf("remaining on cache hit = %q, want 8", resp.Metadata["ratelimit_remaining"])
	}
}

func TestStream_NeverCached(t *testing.T) {
	f := newFixture(t, newStub(), nil)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		stream, err := f.gw.Stream(ctx, "mb-alice-key", "", chatRequest("hi"))
		if err != nil {
			t.Fatalf("open stream %d: %v", i, err)
		}
		for {
			if _, err := stream.Recv(ctx); err != nil {
				break
			}
		}
		stream.Close()
	}

	if f.stub.calls != 2 {
		t.Errorf("adapter calls = %d, streams must never be served from cache", f.stub.calls)
	}
}
