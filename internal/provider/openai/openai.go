// Package openai adapts the gateway contract onto the OpenAI REST API.
// Chat, vision and embeddings share one authenticated HTTP core; vision
// requests are chat requests whose messages carry image content parts.
package openai

import (
	"context"
	"encoding/json"
	"io"
	"net/http"

	"github.com/modelbridge/gateway/internal/domain"
	"github.com/modelbridge/gateway/internal/httputil"
	"github.com/modelbridge/gateway/internal/provider"
)

const defaultBaseURL = "https://api.openai.com/v1"

type Config struct {
	APIKey     string
	BaseURL    string
	MaxRetries uint
}

type Adapter struct {
	cfg  Config
	core provider.HTTPCore
}

// aliases maps the short model names callers use onto the versioned
// upstream identifiers. Unknown names pass through unchanged.
var aliases = map[string]string{
	"gpt-4o":      "gpt-4o-2024-11-20",
	"gpt-4o-mini": "gpt-4o-mini-2024-07-18",
	"embed-small": "text-embedding-3-small",
	"embed-large": "text-embedding-3-large",
}

func New(cfg Config) (*Adapter, error) {
	if cfg.APIKey == "" {
		return nil, &domain.ConfigurationError{Field: "openai.api_key", Reason: "must not be empty"}
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 3
	}

	a := &Adapter{cfg: cfg}
	a.core = provider.NewHTTPCore("openai", provider.HTTPCoreConfig{
		Client:   httputil.DefaultClient(),
		Streamer: httputil.StreamingClient(),
		MaxTries: cfg.MaxRetries,
		Header: func(r *http.Request) {
			r.Header.Set("Authorization", "Bearer "+cfg.APIKey)
		},
		ParseError: parseErrorBody,
	})
	return a, nil
}

func (a *Adapter) ID() string { return "openai" }

func (a *Adapter) Capabilities() provider.Capabilities {
	return provider.Capabilities{Streaming: true, Embeddings: true, Vision: true, Tools: true}
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
	return a.core.PostJSON(ctx, a.cfg.BaseURL+"/chat/completions", payload)
}

func (a *Adapter) OpenStream(ctx context.Context, req domain.Request) (io.ReadCloser, error) {
	payload, err := a.chatPayload(req, true)
	if err != nil {
		return nil, err
	}
	return a.core.OpenStream(ctx, a.cfg.BaseURL+"/chat/completions", payload)
}

func (a *Adapter) Embed(ctx context.Context, req domain.Request) ([]byte, error) {
	payload, err := provider.MarshalWithExtra(embeddingRequest{
		Model: a.ResolveModel(req.Model),
		Input: req.Input,
	}, req.Extra)
	if err != nil {
		return nil, err
	}
	return a.core.PostJSON(ctx, a.cfg.BaseURL+"/embeddings", payload)
}

func (a *Adapter) Models(ctx context.Context) ([]domain.ModelInfo, error) {
	var out struct {
		Data []struct {
			ID      string `json:"id"`
			OwnedBy string `json:"owned_by"`
		} `json:"data"`
	}
	if err := a.core.GetJSON(ctx, a.cfg.BaseURL+"/models", &out); err != nil {
		return nil, err
	}

	models := make([]domain.ModelInfo, 0, len(out.Data))
	for _, m := range out.Data {
		models = append(models, domain.ModelInfo{ID: m.ID, OwnedBy: m.OwnedBy, Provider: "openai"})
	}
	return models, nil
}

func (a *Adapter) Healthy(ctx context.Context) error {
	return a.core.GetJSON(ctx, a.cfg.BaseURL+"/models", nil)
}

type chatRequest struct {
	Model            string        `json:"model"`
	Messages         []chatMessage `json:"messages"`
	Temperature      *float64      `json:"temperature,omitempty"`
	TopP             *float64      `json:"top_p,omitempty"`
	FrequencyPenalty *float64      `json:"frequency_penalty,omitempty"`
	PresencePenalty  *float64      `json:"presence_penalty,omitempty"`
	MaxTokens        *int          `json:"max_tokens,omitempty"`
	Stop             []string      `json:"stop,omitempty"`
	ResponseFormat   *formatSpec   `json:"response_format,omitempty"`
	Stream           bool          `json:"stream,omitempty"`
}

type formatSpec struct {
	Type string `json:"type"`
}

// chatMessage carries either a plain string or a list of content parts.
// Parts are only used when the message has images attached.
type chatMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

type contentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *imageRef `json:"image_url,omitempty"`
}

type imageRef struct {
	URL string `json:"url"`
}

type embeddingRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

func (a *Adapter) chatPayload(req domain.Request, stream bool) ([]byte, error) {
	messages := make([]chatMessage, 0, len(req.Messages)+1)
	if req.System != "" {
		messages = append(messages, chatMessage{Role: "system", Content: req.System})
	}
	for _, m := range req.Messages {
		messages = append(messages, toWireMessage(m))
	}

	wire := chatRequest{
		Model:            a.ResolveModel(req.Model),
		Messages:         messages,
		Temperature:      req.Temperature,
		TopP:             req.TopP,
		FrequencyPenalty: req.FrequencyPenalty,
		PresencePenalty:  req.PresencePenalty,
		MaxTokens:        req.MaxTokens,
		Stop:             req.Stop,
		Stream:           stream,
	}
	if req.ResponseFormat != "" {
		wire.ResponseFormat = &formatSpec{Type: req.ResponseFormat}
	}
	return provider.MarshalWithExtra(wire, req.Extra)
}

func toWireMessage(m domain.Message) chatMessage {
	if len(m.Images) == 0 {
		return chatMessage{Role: m.Role, Content: m.Content}
	}

	parts := make([]contentPart, 0, len(m.Images)+1)
	if m.Content != "" {
		parts = append(parts, contentPart{Type: "text", Text: m.Content})
	}
	for _, img := range m.Images {
		parts = append(parts, contentPart{Type: "image_url", ImageURL: &imageRef{URL: img}})
	}
	return chatMessage{Role: m.Role, Content: parts}
}

func parseErrorBody(body []byte) (code, message string) {
	var e struct {
		Error struct {
			Message string `json:"message"`
			Type    string `json:"type"`
			Code    string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &e); err != nil {
		return "", ""
	}
	code = e.Error.Code
	if code == "" {
		code = e.Error.Type
	}
	return code, e.Error.Message
}
