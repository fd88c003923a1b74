// Package domain holds the canonical request/response model shared by all
// gateway components. Providers translate to and from these types; nothing
// outside the adapters ever sees a provider wire format.
package domain

import "time"

// Operation names the four entry points of the gateway contract.
type Operation string

const (
	OpComplete     Operation = "complete"
	OpStream       Operation = "stream"
	OpEmbed        Operation = "embed"
	OpAnalyzeImage Operation = "analyzeImage"
)

// Feature groups operations for rate limiting, quotas and cache TTLs.
type Feature string

const (
	FeatureChat       Feature = "chat"
	FeatureEmbeddings Feature = "embeddings"
	FeatureVision     Feature = "vision"
)

// Feature maps an operation onto its feature scope. Completion and
// streaming share the chat scope.
func (o Operation) Feature() Feature {
	switch o {
	case OpEmbed:
		return FeatureEmbeddings
	case OpAnalyzeImage:
		return FeatureVision
	default:
		return FeatureChat
	}
}

type Message struct {
	Role    string   `json:"role"`
	Content string   `json:"content"`
	Images  []string `json:"images,omitempty"`
}

// Request is the canonical request envelope. It is immutable once built;
// adapters copy fields into their wire shapes and never write back.
// Extra carries provider-specific options that have no canonical field and
// is passed through untouched.
type Request struct {
	Model            string         `json:"model"`
	Messages         []Message      `json:"messages,omitempty"`
	System           string         `json:"system,omitempty"`
	Input            []string       `json:"input,omitempty"`
	Temperature      *float64       `json:"temperature,omitempty"`
	TopP             *float64       `json:"top_p,omitempty"`
	TopK             *int           `json:"top_k,omitempty"`
	FrequencyPenalty *float64       `json:"frequency_penalty,omitempty"`
	PresencePenalty  *float64       `json:"presence_penalty,omitempty"`
	MaxTokens        *int           `json:"max_tokens,omitempty"`
	Stop             []string       `json:"stop,omitempty"`
	ResponseFormat   string         `json:"response_format,omitempty"`
	Extra            map[string]any `json:"extra,omitempty"`
}

type TokenUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Normalized returns the usage with the total reconciled. A non-zero total
// reported by the provider is authoritative even when it disagrees with
// prompt+completion; otherwise the total is derived.
func (u TokenUsage) Normalized() TokenUsage {
	if u.TotalTokens == 0 {
		u.TotalTokens = u.PromptTokens + u.CompletionTokens
	}
	return u
}

// Finish reasons normalized across providers.
const (
	FinishStop          = "stop"
	FinishLength        = "length"
	FinishContentFilter = "content_filter"
	FinishToolUse       = "tool_use"
)

// Response is the canonical non-streaming result. Embedding is set only for
// embed operations. Never mutated after construction.
type Response struct {
	Content      string            `json:"content,omitempty"`
	Embedding    []float64         `json:"embedding,omitempty"`
	Usage        TokenUsage        `json:"usage"`
	FinishReason string            `json:"finish_reason,omitempty"`
	Provider     string            `json:"provider"`
	Model        string            `json:"model"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// StreamChunk is one increment of a streamed response. A stream yields
// exactly one chunk with Done set, always last.
type StreamChunk struct {
	Content      string `json:"content,omitempty"`
	Done         bool   `json:"done"`
	FinishReason string `json:"finish_reason,omitempty"`
}

// QuotaRule is one per-caller budget: at most Max of Type per Period.
// Type and Period use the quota package's string values.
type QuotaRule struct {
	Type   string  `json:"type"`
	Period string  `json:"period"`
	Max    float64 `json:"max"`
}

// Caller is an authenticated consumer of the gateway. Group links callers
// into a shared quota scope. A nil Quotas leaves any statically configured
// limits for the caller scope untouched; a non-nil one replaces them.
type Caller struct {
	ID            string
	Name          string
	Group         string
	APIKeyHash    string
	RateLimitRPS  float64
	RateBurst     float64
	AllowedModels []string
	Quotas        []QuotaRule
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// ModelInfo describes one model advertised by a provider.
type ModelInfo struct {
	ID       string `json:"id"`
	OwnedBy  string `json:"owned_by,omitempty"`
	Provider string `json:"provider"`
}

// Outcome classifies a finished request for usage accounting.
type Outcome string

const (
	OutcomeSuccess       Outcome = "success"
	OutcomeError         Outcome = "error"
	OutcomeQuotaExceeded Outcome = "quota_exceeded"
	OutcomeRateLimited   Outcome = "rate_limited"
)

// Scope keys for rate limiting and quotas. Each level is tracked
// independently; checks cascade global, provider, caller, feature.
const ScopeGlobal = "global"

func ProviderScope(id string) string { return "provider:" + id }
func CallerScope(id string) string   { return "caller:" + id }
func GroupScope(id string) string    { return "group:" + id }
func FeatureScope(f Feature) string  { return "feature:" + string(f) }
