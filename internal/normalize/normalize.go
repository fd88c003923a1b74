// Package normalize maps provider wire formats onto the canonical
// Response and StreamChunk model. Dispatch is by provider identifier
// through a registry resolved once at startup; unknown identifiers fail
// with ConfigurationError instead of falling through to a default parser.
package normalize

import (
	"encoding/json"
	"strings"

	"github.com/modelbridge/gateway/internal/domain"
)

// ResponseParser turns one provider's whole-response body into a canonical
// Response. Parsers fail with *domain.MalformedResponseError when none of
// the provider's known content locations are populated; missing token
// counts default to zero instead of failing.
type ResponseParser func(raw []byte) (*domain.Response, error)

// Registry holds the parser sets keyed by provider identifier.
type Registry struct {
	responses  map[string]ResponseParser
	embeddings map[string]ResponseParser
	chunks     map[string]func() ChunkParser
}

// NewRegistry wires the built-in provider formats. Bedrock speaks the
// anthropic body shape, so it shares those parsers.
func NewRegistry() *Registry {
	return &Registry{
		responses: map[string]ResponseParser{
			"openai":    parseChatResponse("openai"),
			"anthropic": parseBlocksResponse("anthropic"),
			"bedrock":   parseBlocksResponse("bedrock"),
			"ollama":    parseOllamaResponse,
		},
		embeddings: map[string]ResponseParser{
			"openai": parseOpenAIEmbedding,
			"ollama": parseOllamaEmbedding,
		},
		chunks: map[string]func() ChunkParser{
			"openai":    func() ChunkParser { return &dataLineParser{provider: "openai"} },
			"anthropic": func() ChunkParser { return &eventDataParser{provider: "anthropic"} },
			"bedrock":   func() ChunkParser { return &eventDataParser{provider: "bedrock"} },
			"ollama":    func() ChunkParser { return &jsonLineParser{provider: "ollama"} },
		},
	}
}

// Normalize parses a non-streaming completion body.
func (r *Registry) Normalize(providerID string, raw []byte) (*domain.Response, error) {
	p, ok := r.responses[providerID]
	if !ok {
		return nil, &domain.ConfigurationError{Field: "provider", Reason: "no response parser for " + providerID}
	}
	return p(raw)
}

// NormalizeEmbedding parses an embedding body.
func (r *Registry) NormalizeEmbedding(providerID string, raw []byte) (*domain.Response, error) {
	p, ok := r.embeddings[providerID]
	if !ok {
		return nil, &domain.ConfigurationError{Field: "provider", Reason: "no embedding parser for " + providerID}
	}
	return p(raw)
}

// ChunkParser returns a fresh stream parser for one connection. Stream
// parsers are stateful and must not be shared across streams.
func (r *Registry) ChunkParser(providerID string) (ChunkParser, error) {
	f, ok := r.chunks[providerID]
	if !ok {
		return nil, &domain.ConfigurationError{Field: "provider", Reason: "no stream parser for " + providerID}
	}
	return f(), nil
}

// chatResponse is the chat-message shape: content lives at
// choices[].message.content, or choices[].text for the legacy completion
// shape.
type chatResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Message *struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"message"`
		Text         string `json:"text"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

func parseChatResponse(provider string) ResponseParser {
	return func(raw []byte) (*domain.Response, error) {
		var resp chatResponse
		if err := json.Unmarshal(raw, &resp); err != nil {
			return nil, &domain.MalformedResponseError{Provider: provider, Detail: "invalid JSON: " + err.Error()}
		}
		if len(resp.Choices) == 0 {
			return nil, &domain.MalformedResponseError{Provider: provider, Detail: "no choices in response"}
		}

		choice := resp.Choices[0]
		var content string
		switch {
		case choice.Message != nil:
			content = choice.Message.Content
		case choice.Text != "":
			content = choice.Text
		default:
			return nil, &domain.MalformedResponseError{Provider: provider, Detail: "choice carries neither message nor text"}
		}

		return &domain.Response{
			Content: content,
			Usage: domain.TokenUsage{
				PromptTokens:     resp.Usage.PromptTokens,
				CompletionTokens: resp.Usage.CompletionTokens,
				TotalTokens:      resp.Usage.TotalTokens,
			}.Normalized(),
			FinishReason: mapFinishReason(choice.FinishReason),
			Provider:     provider,
			Model:        resp.Model,
			Metadata:     map[string]string{"id": resp.ID},
		}, nil
	}
}

// blocksResponse is the multi-part content shape: content[].text blocks
// with input/output token usage.
type blocksResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	StopReason string `json:"stop_reason"`
	Usage      struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

func parseBlocksResponse(provider string) ResponseParser {
	return func(raw []byte) (*domain.Response, error) {
		var resp blocksResponse
		if err := json.Unmarshal(raw, &resp); err != nil {
			return nil, &domain.MalformedResponseError{Provider: provider, Detail: "invalid JSON: " + err.Error()}
		}
		if len(resp.Content) == 0 {
			return nil, &domain.MalformedResponseError{Provider: provider, Detail: "no content blocks in response"}
		}

		var sb strings.Builder
		for _, block := range resp.Content {
			if block.Type == "text" {
				sb.WriteString(block.Text)
			}
		}
		if sb.Len() == 0 {
			return nil, &domain.MalformedResponseError{Provider: provider, Detail: "no text blocks in content"}
		}

		return &domain.Response{
			Content: sb.String(),
			Usage: domain.TokenUsage{
				PromptTokens:     resp.Usage.InputTokens,
				CompletionTokens: resp.Usage.OutputTokens,
			}.Normalized(),
			FinishReason: mapFinishReason(resp.StopReason),
			Provider:     provider,
			Model:        resp.Model,
			Metadata:     map[string]string{"id": resp.ID},
		}, nil
	}
}

type ollamaResponse struct {
	Model   string `json:"model"`
	Message struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"message"`
	Done            bool `json:"done"`
	PromptEvalCount int  `json:"prompt_eval_count"`
	EvalCount       int  `json:"eval_count"`
}

func parseOllamaResponse(raw []byte) (*domain.Response, error) {
	var resp ollamaResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, &domain.MalformedResponseError{Provider: "ollama", Detail: "invalid JSON: " + err.Error()}
	}
	if resp.Message.Content == "" {
		return nil, &domain.MalformedResponseError{Provider: "ollama", Detail: "empty message content"}
	}

	return &domain.Response{
		Content: resp.Message.Content,
		Usage: domain.TokenUsage{
			PromptTokens:     resp.PromptEvalCount,
			CompletionTokens: resp.EvalCount,
		}.Normalized(),
		FinishReason: domain.FinishStop,
		Provider:     "ollama",
		Model:        resp.Model,
	}, nil
}

func parseOpenAIEmbedding(raw []byte) (*domain.Response, error) {
	var resp struct {
		Model string `json:"model"`
		Data  []struct {
			Embedding []float64 `json:"embedding"`
		} `json:"data"`
		Usage struct {
			PromptTokens int `json:"prompt_tokens"`
			TotalTokens  int `json:"total_tokens"`
		} `json:"usage"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, &domain.MalformedResponseError{Provider: "openai", Detail: "invalid JSON: " + err.Error()}
	}
	if len(resp.Data) == 0 || len(resp.Data[0].Embedding) == 0 {
		return nil, &domain.MalformedResponseError{Provider: "openai", Detail: "no embedding data in response"}
	}

	return &domain.Response{
		Embedding: resp.Data[0].Embedding,
		Usage: domain.TokenUsage{
			PromptTokens: resp.Usage.PromptTokens,
			TotalTokens:  resp.Usage.TotalTokens,
		}.Normalized(),
		Provider: "openai",
		Model:    resp.Model,
	}, nil
}

func parseOllamaEmbedding(raw []byte) (*domain.Response, error) {
	var resp struct {
		Embedding []float64 `json:"embedding"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, &domain.MalformedResponseError{Provider: "ollama", Detail: "invalid JSON: " + err.Error()}
	}
	if len(resp.Embedding) == 0 {
		return nil, &domain.MalformedResponseError{Provider: "ollama", Detail: "no embedding in response"}
	}

	return &domain.Response{
		Embedding: resp.Embedding,
		Provider:  "ollama",
	}, nil
}

func mapFinishReason(reason string) string {
	switch reason {
	case "", "stop", "end_turn", "stop_sequence":
		return domain.FinishStop
	case "length", "max_tokens":
		return domain.FinishLength
	case "content_filter":
		return domain.FinishContentFilter
	case "tool_calls", "tool_use":
		return domain.FinishToolUse
	default:
		return reason
	}
}
