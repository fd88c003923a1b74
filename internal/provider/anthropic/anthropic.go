// Package anthropic adapts the gateway contract onto the Anthropic
// Messages API. Responses come back as content blocks and streams as
// event/data pairs; both are parsed downstream by the normalizer.
package anthropic

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/modelbridge/gateway/internal/domain"
	"github.com/modelbridge/gateway/internal/httputil"
	"github.com/modelbridge/gateway/internal/provider"
)

const (
	defaultBaseURL = "https://api.anthropic.com/v1"
	apiVersion     = "2023-06-01"

	// The Messages API requires max_tokens; this applies when the caller
	// left it unset.
	defaultMaxTokens = 4096
)

type Config struct {
	APIKey     string
	BaseURL    string
	MaxRetries uint
}

type Adapter struct {
	cfg  Config
	core provider.HTTPCore
}

var aliases = map[string]string{
	"claude-sonnet": "claude-3-5-sonnet-20241022",
	"claude-haiku":  "claude-3-5-haiku-20241022",
	"claude-opus":   "claude-3-opus-20240229",
}

func New(cfg Config) (*Adapter, error) {
	if cfg.APIKey == "" {
		return nil, &domain.ConfigurationError{Field: "anthropic.api_key", Reason: "must not be empty"}
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}

	a := &Adapter{cfg: cfg}
	a.core = provider.NewHTTPCore("anthropic", provider.HTTPCoreConfig{
		Client:   httputil.DefaultClient(),
		Streamer: httputil.StreamingClient(),
		MaxTries: cfg.MaxRetries,
		Header: func(r *http.Request) {
			r.Header.Set("x-api-key", cfg.APIKey)
			r.Header.Set("anthropic-version", apiVersion)
		},
		ParseError: parseErrorBody,
	})
	return a, nil
}

func (a *Adapter) ID() string { return "anthropic" }

func (a *Adapter) Capabilities() provider.Capabilities {
	return provider.Capabilities{Streaming: true, Vision: true, Tools: true}
}

func (a *Adapter) ResolveModel(alias string) string {
	if m, ok := aliases[alias]; ok {
		return m
	}
	return alias
}

func (a *Adapter) Complete(ctx context.Context, req domain.Request) ([]byte, error) {
	payload, err := a.messagePayload(req, false)
	if err != nil {
		return nil, err
	}
	return a.core.PostJSON(ctx, a.cfg.BaseURL+"/messages", payload)
}

func (a *Adapter) OpenStream(ctx context.Context, req domain.Request) (io.ReadCloser, error) {
	payload, err := a.messagePayload(req, true)
	if err != nil {
		return nil, err
	}
	return a.core.OpenStream(ctx, a.cfg.BaseURL+"/messages", payload)
}

func (a *Adapter) Embed(ctx context.Context, req domain.Request) ([]byte, error) {
	return nil, &domain.ProviderError{
		Provider: "anthropic",
		Status:   http.StatusNotImplemented,
		Code:     "unsupported_operation",
		Message:  "anthropic has no embeddings endpoint",
	}
}

func (a *Adapter) Models(ctx context.Context) ([]domain.ModelInfo, error) {
	var out struct {
		Data []struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := a.core.GetJSON(ctx, a.cfg.BaseURL+"/models", &out); err != nil {
		return nil, err
	}

	models := make([]domain.ModelInfo, 0, len(out.Data))
	for _, m := range out.Data {
		models = append(models, domain.ModelInfo{ID: m.ID, OwnedBy: "anthropic", Provider: "anthropic"})
	}
	return models, nil
}

func (a *Adapter) Healthy(ctx context.Context) error {
	return a.core.GetJSON(ctx, a.cfg.BaseURL+"/models", nil)
}

type messageRequest struct {
	Model         string        `json:"model"`
	Messages      []wireMessage `json:"messages"`
	MaxTokens     int           `json:"max_tokens"`
	System        string        `json:"system,omitempty"`
	Temperature   *float64      `json:"temperature,omitempty"`
	TopP          *float64      `json:"top_p,omitempty"`
	TopK          *int          `json:"top_k,omitempty"`
	StopSequences []string      `json:"stop_sequences,omitempty"`
	Stream        bool          `json:"stream,omitempty"`
}

// wireMessage carries either a plain string or a block list. Blocks are
// only used when the message has images attached.
type wireMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

type contentBlock struct {
	Type   string       `json:"type"`
	Text   string       `json:"text,omitempty"`
	Source *imageSource `json:"source,omitempty"`
}

type imageSource struct {
	Type      string `json:"type"`
	MediaType string `json:"media_type,omitempty"`
	Data      string `json:"data,omitempty"`
	URL       string `json:"url,omitempty"`
}

func (a *Adapter) messagePayload(req domain.Request, stream bool) ([]byte, error) {
	maxTokens := defaultMaxTokens
	if req.MaxTokens != nil {
		maxTokens = *req.MaxTokens
	}

	messages := make([]wireMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		messages = append(messages, toWireMessage(m))
	}

	wire := messageRequest{
		Model:         a.ResolveModel(req.Model),
		Messages:      messages,
		MaxTokens:     maxTokens,
		System:        req.System,
		Temperature:   req.Temperature,
		TopP:          req.TopP,
		TopK:          req.TopK,
		StopSequences: req.Stop,
		Stream:        stream,
	}
	return provider.MarshalWithExtra(wire, req.Extra)
}

func toWireMessage(m domain.Message) wireMessage {
	if len(m.Images) == 0 {
		return wireMessage{Role: m.Role, Content: m.Content}
	}

	blocks := make([]contentBlock, 0, len(m.Images)+1)
	for _, img := range m.Images {
		blocks = append(blocks, imageBlock(img))
	}
	if m.Content != "" {
		blocks = append(blocks, contentBlock{Type: "text", Text: m.Content})
	}
	return wireMessage{Role: m.Role, Content: blocks}
}

// imageBlock builds the image source for one attachment. URLs are passed
// by reference; anything else is treated as base64 data.
func imageBlock(img string) contentBlock {
	if strings.HasPrefix(img, "http://") || strings.HasPrefix(img, "https://") {
		return contentBlock{Type: "image", Source: &imageSource{Type: "url", URL: img}}
	}

	mediaType := "image/jpeg"
	data := img
	if rest, ok := strings.CutPrefix(img, "data:"); ok {
		if mt, b64, found := strings.Cut(rest, ";base64,"); found {
			mediaType, data = mt, b64
		}
	}
	return contentBlock{Type: "image", Source: &imageSource{Type: "base64", MediaType: mediaType, Data: data}}
}

func parseErrorBody(body []byte) (code, message string) {
	var e struct {
		Type  string `json:"type"`
		Error struct {
			Type    string `json:"type"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &e); err != nil {
		return "", ""
	}
	return e.Error.Type, e.Error.Message
}
