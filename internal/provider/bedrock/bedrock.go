// Package bedrock adapts the gateway contract onto Amazon Bedrock. The
// Anthropic models on Bedrock speak the Messages body shape, so requests
// reuse that format and stream events are re-emitted as data lines for
// the shared event parser.
package bedrock

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	"github.com/aws/smithy-go"

	"github.com/modelbridge/gateway/internal/domain"
	"github.com/modelbridge/gateway/internal/provider"
)

const (
	anthropicVersion = "bedrock-2023-05-31"
	defaultMaxTokens = 4096
)

// runtimeAPI is the slice of the Bedrock runtime client the adapter uses.
type runtimeAPI interface {
	InvokeModel(ctx context.Context, params *bedrockruntime.InvokeModelInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.InvokeModelOutput, error)
	InvokeModelWithResponseStream(ctx context.Context, params *bedrockruntime.InvokeModelWithResponseStreamInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.InvokeModelWithResponseStreamOutput, error)
}

type Adapter struct {
	client runtimeAPI
	region string
}

var aliases = map[string]string{
	"claude-sonnet": "anthropic.claude-3-5-sonnet-20241022-v2:0",
	"claude-haiku":  "anthropic.claude-3-5-haiku-20241022-v1:0",
	"claude-opus":   "anthropic.claude-3-opus-20240229-v1:0",
}

func New(ctx context.Context, region string) (*Adapter, error) {
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, &domain.ConfigurationError{Field: "bedrock.region", Reason: "load aws config: " + err.Error()}
	}
	return NewWithConfig(cfg), nil
}

func NewWithConfig(cfg aws.Config) *Adapter {
	return &Adapter{
		client: bedrockruntime.NewFromConfig(cfg),
		region: cfg.Region,
	}
}

// NewWithClient wires a prebuilt runtime client, used by tests.
func NewWithClient(client runtimeAPI, region string) *Adapter {
	return &Adapter{client: client, region: region}
}

func (a *Adapter) ID() string { return "bedrock" }

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
	body, err := messagePayload(req)
	if err != nil {
		return nil, err
	}

	out, err := a.client.InvokeModel(ctx, &bedrockruntime.InvokeModelInput{
		ModelId:     aws.String(a.ResolveModel(req.Model)),
		ContentType: aws.String("application/json"),
		Accept:      aws.String("application/json"),
		Body:        body,
	})
	if err != nil {
		return nil, a.mapError(err)
	}
	return out.Body, nil
}

// OpenStream invokes the model with a response stream and re-emits each
// chunk as a `data: {json}` line through a pipe. The chunk payloads carry
// their own type field, so the downstream event parser needs no event:
// lines. Closing the reader cancels the pump.
func (a *Adapter) OpenStream(ctx context.Context, req domain.Request) (io.ReadCloser, error) {
	body, err := messagePayload(req)
	if err != nil {
		return nil, err
	}

	out, err := a.client.InvokeModelWithResponseStream(ctx, &bedrockruntime.InvokeModelWithResponseStreamInput{
		ModelId:     aws.String(a.ResolveModel(req.Model)),
		ContentType: aws.String("application/json"),
		Accept:      aws.String("application/json"),
		Body:        body,
	})
	if err != nil {
		return nil, a.mapError(err)
	}

	pr, pw := io.Pipe()
	go func() {
		stream := out.GetStream()
		defer stream.Close()

		for event := range stream.Events() {
			chunk, ok := event.(*types.ResponseStreamMemberChunk)
			if !ok {
				continue
			}
			if _, err := fmt.Fprintf(pw, "data: %s\n\n", chunk.Value.Bytes); err != nil {
				// Reader side closed; stop pumping.
				return
			}
		}
		if err := stream.Err(); err != nil {
			pw.CloseWithError(a.mapError(err))
			return
		}
		pw.Close()
	}()
	return pr, nil
}

func (a *Adapter) Embed(ctx context.Context, req domain.Request) ([]byte, error) {
	return nil, &domain.ProviderError{
		Provider: "bedrock",
		Status:   http.StatusNotImplemented,
		Code:     "unsupported_operation",
		Message:  "embeddings are not wired for bedrock models",
	}
}

func (a *Adapter) Models(ctx context.Context) ([]domain.ModelInfo, error) {
	models := []domain.ModelInfo{
		{ID: "anthropic.claude-3-5-sonnet-20241022-v2:0", OwnedBy: "anthropic", Provider: "bedrock"},
		{ID: "anthropic.claude-3-5-haiku-20241022-v1:0", OwnedBy: "anthropic", Provider: "bedrock"},
		{ID: "anthropic.claude-3-opus-20240229-v1:0", OwnedBy: "anthropic", Provider: "bedrock"},
	}
	return models, nil
}

// Healthy reports ready when a client exists. Bedrock has no cheap probe
// endpoint; credential failures surface on the first invoke.
func (a *Adapter) Healthy(ctx context.Context) error {
	if a.client == nil {
		return &domain.ConfigurationError{Field: "bedrock", Reason: "no runtime client configured"}
	}
	return nil
}

type messageRequest struct {
	AnthropicVersion string        `json:"anthropic_version"`
	MaxTokens        int           `json:"max_tokens"`
	Messages         []wireMessage `json:"messages"`
	System           string        `json:"system,omitempty"`
	Temperature      *float64      `json:"temperature,omitempty"`
	TopP             *float64      `json:"top_p,omitempty"`
	TopK             *int          `json:"top_k,omitempty"`
	StopSequences    []string      `json:"stop_sequences,omitempty"`
}

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
	MediaType string `json:"media_type"`
	Data      string `json:"data"`
}

func messagePayload(req domain.Request) ([]byte, error) {
	maxTokens := defaultMaxTokens
	if req.MaxTokens != nil {
		maxTokens = *req.MaxTokens
	}

	messages := make([]wireMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		messages = append(messages, toWireMessage(m))
	}

	wire := messageRequest{
		AnthropicVersion: anthropicVersion,
		MaxTokens:        maxTokens,
		Messages:         messages,
		System:           req.System,
		Temperature:      req.Temperature,
		TopP:             req.TopP,
		TopK:             req.TopK,
		StopSequences:    req.Stop,
	}
	return provider.MarshalWithExtra(wire, req.Extra)
}

func toWireMessage(m domain.Message) wireMessage {
	if len(m.Images) == 0 {
		return wireMessage{Role: m.Role, Content: m.Content}
	}

	blocks := make([]contentBlock, 0, len(m.Images)+1)
	for _, img := range m.Images {
		mediaType := "image/jpeg"
		data := img
		if rest, ok := strings.CutPrefix(img, "data:"); ok {
			if mt, b64, found := strings.Cut(rest, ";base64,"); found {
				mediaType, data = mt, b64
			}
		}
		blocks = append(blocks, contentBlock{Type: "image", Source: &imageSource{
			Type:      "base64",
			MediaType: mediaType,
			Data:      data,
		}})
	}
	if m.Content != "" {
		blocks = append(blocks, contentBlock{Type: "text", Text: m.Content})
	}
	return wireMessage{Role: m.Role, Content: blocks}
}

// mapError classifies SDK failures into the domain taxonomy using the
// smithy error code.
func (a *Adapter) mapError(err error) error {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return &domain.ConnectionError{Provider: "bedrock", Err: err}
	}

	code := apiErr.ErrorCode()
	switch code {
	case "ThrottlingException", "TooManyRequestsException":
		// The SDK error carries no Retry-After equivalent; advertise its
		// own base backoff so callers still get a structured hint.
		return &domain.RateLimitError{
			Scope:      domain.ProviderScope("bedrock"),
			RetryAfter: time.Second,
		}
	case "AccessDeniedException", "UnrecognizedClientException", "ExpiredTokenException":
		return &domain.ConfigurationError{Field: "bedrock credentials", Reason: apiErr.ErrorMessage()}
	case "ValidationException", "ResourceNotFoundException", "ModelNotReadyException":
		return &domain.ProviderError{
			Provider: "bedrock",
			Status:   http.StatusBadRequest,
			Code:     code,
			Message:  apiErr.ErrorMessage(),
		}
	default:
		return &domain.ConnectionError{Provider: "bedrock", Err: err}
	}
}
