package normalize

import (
	"encoding/json"
	"strings"

	"github.com/modelbridge/gateway/internal/domain"
)

// ChunkParser consumes one line of a provider stream at a time. A nil
// chunk with a nil error means the line carried no payload yet and the
// caller should keep reading; a chunk with Done set marks the end of the
// stream and is emitted exactly once.
type ChunkParser interface {
	Parse(line string) (*domain.StreamChunk, error)
}

// dataLineParser handles the chat-chunk protocol: `data: {json}` lines
// carrying choices[].delta.content, terminated by a literal `data: [DONE]`.
type dataLineParser struct {
	provider string
}

type deltaChunk struct {
	Choices []struct {
		Delta *struct {
			Content string `json:"content"`
		} `json:"delta"`
		Text         string `json:"text"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
}

func (p *dataLineParser) Parse(line string) (*domain.StreamChunk, error) {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, "data:") {
		return nil, nil
	}

	data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
	if data == "[DONE]" {
		return &domain.StreamChunk{Done: true, FinishReason: domain.FinishStop}, nil
	}

	var chunk deltaChunk
	if err := json.Unmarshal([]byte(data), &chunk); err != nil {
		return nil, &domain.MalformedResponseError{Provider: p.provider, Detail: "invalid chunk JSON: " + err.Error()}
	}
	if len(chunk.Choices) == 0 {
		return nil, nil
	}

	choice := chunk.Choices[0]
	out := &domain.StreamChunk{}
	if choice.Delta != nil {
		out.Content = choice.Delta.Content
	} else {
		out.Content = choice.Text
	}
	if choice.FinishReason != "" {
		out.FinishReason = mapFinishReason(choice.FinishReason)
	}
	return out, nil
}

// eventDataParser handles the protocol that splits event type and payload
// across lines: an `event: <type>` line followed by a `data: {json}` line.
// The parser remembers the last seen event type until its data arrives.
// The stream ends with a named `message_stop` event rather than a data
// sentinel.
type eventDataParser struct {
	provider  string
	lastEvent string
}

type blockDelta struct {
	Type  string `json:"type"`
	Delta *struct {
		Type       string `json:"type"`
		Text       string `json:"text"`
		StopReason string `json:"stop_reason"`
	} `json:"delta"`
}

func (p *eventDataParser) Parse(line string) (*domain.StreamChunk, error) {
	line = strings.TrimSpace(line)

	if strings.HasPrefix(line, "event:") {
		p.lastEvent = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		if p.lastEvent == "message_stop" {
			return &domain.StreamChunk{Done: true, FinishReason: domain.FinishStop}, nil
		}
		return nil, nil
	}

	if !strings.HasPrefix(line, "data:") {
		return nil, nil
	}
	data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))

	var event blockDelta
	if err := json.Unmarshal([]byte(data), &event); err != nil {
		return nil, &domain.MalformedResponseError{Provider: p.provider, Detail: "invalid event JSON: " + err.Error()}
	}

	// The data line's own type field wins when present; otherwise fall
	// back to the pending event: line.
	eventType := event.Type
	if eventType == "" {
		eventType = p.lastEvent
	}
	p.lastEvent = ""

	switch eventType {
	case "content_block_delta":
		if event.Delta == nil {
			return nil, nil
		}
		return &domain.StreamChunk{Content: event.Delta.Text}, nil
	case "message_delta":
		if event.Delta != nil && event.Delta.StopReason != "" {
			return &domain.StreamChunk{FinishReason: mapFinishReason(event.Delta.StopReason)}, nil
		}
		return nil, nil
	case "message_stop":
		return &domain.StreamChunk{Done: true, FinishReason: domain.FinishStop}, nil
	default:
		return nil, nil
	}
}

// jsonLineParser handles line-delimited JSON streams: one complete object
// per line with an explicit done flag.
type jsonLineParser struct {
	provider string
}

func (p *jsonLineParser) Parse(line string) (*domain.StreamChunk, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil, nil
	}

	var chunk ollamaResponse
	if err := json.Unmarshal([]byte(line), &chunk); err != nil {
		return nil, &domain.MalformedResponseError{Provider: p.provider, Detail: "invalid chunk JSON: " + err.Error()}
	}

	out := &domain.StreamChunk{Content: chunk.Message.Content, Done: chunk.Done}
	if chunk.Done {
		out.FinishReason = domain.FinishStop
	}
	return out, nil
}
