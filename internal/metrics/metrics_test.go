package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecordRequest(t *testing.T) {
	RequestsTotal.Reset()
	RequestDuration.Reset()

	RecordRequest("alice", "openai", "chat", "success", 1.5)

	count := testutil.ToFloat64(RequestsTotal.WithLabelValues("alice", "openai", "chat", "success"))
	if count != 1 {
		t.Errorf("RequestsTotal = %v, want 1", count)
	}
}

func TestRecordTokens(t *testing.T) {
	TokensTotal.Reset()

	RecordTokens("alice", "openai", "gpt-4o", 100, 50)

	prompt := testutil.ToFloat64(TokensTotal.WithLabelValues("alice", "openai", "gpt-4o", "prompt"))
	if prompt != 100 {
		t.Errorf("prompt tokens = %v, want 100", prompt)
	}
	completion := testutil.ToFloat64(TokensTotal.WithLabelValues("alice", "openai", "gpt-4o", "completion"))
	if completion != 50 {
		t.Errorf("completion tokens = %v, want 50", completion)
	}
}

func TestRecordCost(t *testing.T) {
	CostTotal.Reset()

	RecordCost("alice", "openai", "gpt-4o", 0.05)
	RecordCost("alice", "openai", "gpt-4o", 0.03)

	cost := testutil.ToFloat64(CostTotal.WithLabelValues("alice", "openai", "gpt-4o"))
	if cost != 0.08 {
		t.Errorf("CostTotal = %v, want 0.08", cost)
	}
}

func TestCacheCounters(t *testing.T) {
	CacheHits.Reset()
	CacheMisses.Reset()

	RecordCacheHit("alice", "embeddings")
	RecordCacheHit("alice", "embeddings")
	RecordCacheMiss("alice", "chat")

	if hits := testutil.ToFloat64(CacheHits.WithLabelValues("alice", "embeddings")); hits != 2 {
		t.Errorf("CacheHits = %v, want 2", hits)
	}
	if misses := testutil.ToFloat64(CacheMisses.WithLabelValues("alice", "chat")); misses != 1 {
		t.Errorf("CacheMisses = %v, want 1", misses)
	}
}

func TestDenialCounters(t *testing.T) {
	RateLimitDenials.Reset()
	QuotaDenials.Reset()

	RecordRateLimitDenial("caller:alice")
	RecordQuotaDenial("caller:alice", "cost")

	if n := testutil.ToFloat64(RateLimitDenials.WithLabelValues("caller:alice")); n != 1 {
		t.Errorf("RateLimitDenials = %v, want 1", n)
	}
	if n := testutil.ToFloat64(QuotaDenials.WithLabelValues("caller:alice", "cost")); n != 1 {
		t.Errorf("QuotaDenials = %v, want 1", n)
	}
}
