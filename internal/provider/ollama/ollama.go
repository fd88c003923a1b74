// Package ollama adapts the gateway contract onto a local Ollama server.
// Ollama has no auth and streams line-delimited JSON instead of SSE, but
// it supports images and embeddings natively, so the full contract maps.
package ollama

import (
	"context"
	"encoding/json"
	"io"

	"github.com/modelbridge/gateway/internal/domain"
	"github.com/modelbridge/gateway/internal/httputil"
	"github.com/modelbridge/gateway/internal/provider"
)

const defaultBaseURL = "http://localhost:11434"

type Config struct {
	BaseURL    string
	MaxRetries uint
}

type Adapter struct {
	cfg  Config
	core provider.HTTPCore
}

var aliases = map[string]string{
	"llama3":      "llama3.1:8b",
	"llama3-70b":  "llama3.1:70b",
	"llava":       "llava:13b",
	"embed-local": "nomic-embed-text",
}

func New(cfg Config) *Adapter {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}

	a := &Adapter{cfg: cfg}
	a.core = provider.NewHTTPCore("ollama", provider.HTTPCoreConfig{
		Client:     httputil.DefaultClient(),
		Streamer:   httputil.StreamingClient(),
		MaxTries:   cfg.MaxRetries,
		ParseError: parseErrorBody,
	})
	return a
}

func (a *Adapter) ID() string { return "ollama" }

func (a *Adapter) Capabilities() provider.Capabilities {
	return provider.Capabilities{Streaming: true, Embeddings: true, Vision: true}
}

func (a *Adapter) ResolveModel(alias string) string {
	if m, ok := aliases[alias]; ok {
		return m
	}
	return alias
}

func (a *Adapter) Complete(ctx context.Context, req domain.Request) ([]byte, error) {
	payload, err := a.chatPayload(req, false)
	if err != nil {
		return nil, err
	}
	return a.core.PostJSON(ctx, a.cfg.BaseURL+"/api/chat", payload)
}

func (a *Adapter) OpenStream(ctx context.Context, req domain.Request) (io.ReadCloser, error) {
	payload, err := a.chatPayload(req, true)
	if err != nil {
		return nil, err
	}
	return a.core.OpenStream(ctx, a.cfg.BaseURL+"/api/chat", payload)
}

func (a *Adapter) Embed(ctx context.Context, req domain.Request) ([]byte, error) {
	if len(req.Input) == 0 {
		return nil, &domain.ConfigurationError{Field: "input", Reason: "must not be empty"}
	}
	// The embeddings endpoint takes one prompt per call; refusing extra
	// inputs beats silently dropping them.
	if len(req.Input) > 1 {
		return nil, &domain.ConfigurationError{Field: "input", Reason: "ollama embeddings accept a single input per request"}
	}

	payload, err := provider.MarshalWithExtra(embeddingRequest{
		Model:  a.ResolveModel(req.Model),
		Prompt: req.Input[0],
	}, req.Extra)
	if err != nil {
		return nil, err
	}
	return a.core.PostJSON(ctx, a.cfg.BaseURL+"/api/embeddings", payload)
}

func (a *Adapter) Models(ctx context.Context) ([]domain.ModelInfo, error) {
	var out struct {
		Models []struct {
			Name string `json:"name"`
		} `json:"models"`
	}
	if err := a.core.GetJSON(ctx, a.cfg.BaseURL+"/api/tags", &out); err != nil {
		return nil, err
	}

	models := make([]domain.ModelInfo, 0, len(out.Models))
	for _, m := range out.Models {
		models = append(models, domain.ModelInfo{ID: m.Name, Provider: "ollama"})
	}
	return models, nil
}

func (a *Adapter) Healthy(ctx context.Context) error {
	return a.core.GetJSON(ctx, a.cfg.BaseURL+"/api/tags", nil)
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []wireMessage `json:"messages"`
	Stream   bool          `json:"stream"`
	Options  *options      `json:"options,omitempty"`
}

type wireMessage struct {
	Role    string   `json:"role"`
	Content string   `json:"content"`
	Images  []string `json:"images,omitempty"`
}

// options maps the canonical sampling knobs onto Ollama's option names.
type options struct {
	Temperature      *float64 `json:"temperature,omitempty"`
	TopP             *float64 `json:"top_p,omitempty"`
	TopK             *int     `json:"top_k,omitempty"`
	FrequencyPenalty *float64 `json:"frequency_penalty,omitempty"`
	PresencePenalty  *float64 `json:"presence_penalty,omitempty"`
	NumPredict       *int     `json:"num_predict,omitempty"`
	Stop             []string `json:"stop,omitempty"`
}

type embeddingRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

func (a *Adapter) chatPayload(req domain.Request, stream bool) ([]byte, error) {
	messages := make([]wireMessage, 0, len(req.Messages)+1)
	if req.System != "" {
		messages = append(messages, wireMessage{Role: "system", Content: req.System})
	}
	for _, m := range req.Messages {
		messages = append(messages, wireMessage{Role: m.Role, Content: m.Content, Images: m.Images})
	}

	wire := chatRequest{
		Model:    a.ResolveModel(req.Model),
		Messages: messages,
		Stream:   stream,
	}
	if opts := toOptions(req); opts != nil {
		wire.Options = opts
	}
	return provider.MarshalWithExtra(wire, req.Extra)
}

func toOptions(req domain.Request) *options {
	if req.Temperature == nil && req.TopP == nil && req.TopK == nil &&
		req.FrequencyPenalty == nil && req.PresencePenalty == nil &&
		req.MaxTokens == nil && len(req.Stop) == 0 {
		return nil
	}
	return &options{
		Temperature:      req.Temperature,
		TopP:             req.TopP,
		TopK:             req.TopK,
		FrequencyPenalty: req.FrequencyPenalty,
		PresencePenalty:  req.PresencePenalty,
		NumPredict:       req.MaxTokens,
		Stop:             req.Stop,
	}
}

func parseErrorBody(body []byte) (code, message string) {
	var e struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(body, &e); err != nil {
		return "", ""
	}
	return "", e.Error
}
