package gateway

import (
	"bufio"
	"context"
	"io"
	"strings"
	"sync"

	"github.com/modelbridge/gateway/internal/circuitbreaker"
	"github.com/modelbridge/gateway/internal/cost"
	"github.com/modelbridge/gateway/internal/domain"
	"github.com/modelbridge/gateway/internal/metrics"
	"github.com/modelbridge/gateway/internal/normalize"
)

// Stream is a pull-based streaming response. Recv blocks until the next
// chunk is available; after the chunk with Done, or any error, the stream
// is settled and further Recv calls return io.EOF. Recv is for a single
// consumer; Close may be called from any goroutine at any time and tears
// down the provider connection immediately, even while Recv is blocked.
type Stream struct {
	g       *Gateway
	adm     *admission
	breaker circuitbreaker.Breaker
	body    io.ReadCloser
	scanner *bufio.Scanner
	parser  normalize.ChunkParser
	req     domain.Request

	mu      sync.Mutex
	content strings.Builder
	settled bool
	closed  bool
}

// streamBufferSize bounds one protocol line. Vision chunks can carry large
// base64 payloads, so the default Scanner limit is too small.
const streamBufferSize = 1024 * 1024

func newStream(g *Gateway, adm *admission, breaker circuitbreaker.Breaker, body io.ReadCloser, parser normalize.ChunkParser, req domain.Request) *Stream {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 64*1024), streamBufferSize)
	return &Stream{
		g:       g,
		adm:     adm,
		breaker: breaker,
		body:    body,
		scanner: scanner,
		parser:  parser,
		req:     req,
	}
}

// Recv returns the next chunk. The final chunk has Done set; the call
// after it returns io.EOF. The mutex is never held across the network
// read, so a concurrent Close always reaches the transport.
func (s *Stream) Recv(ctx context.Context) (*domain.StreamChunk, error) {
	for {
		s.mu.Lock()
		done := s.settled
		s.mu.Unlock()
		if done {
			return nil, io.EOF
		}

		if err := ctx.Err(); err != nil {
			s.settleSuccess(ctx)
			return nil, err
		}

		if !s.scanner.Scan() {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()

			// A read failure we caused ourselves, by Close or by the
			// caller cancelling, is not a provider failure.
			if closed {
				s.settleSuccess(ctx)
				return nil, io.EOF
			}
			if err := ctx.Err(); err != nil {
				s.settleSuccess(ctx)
				return nil, err
			}

			if err := s.scanner.Err(); err != nil {
				return nil, s.settleFailure(ctx, &domain.ConnectionError{Provider: s.adm.adapter.ID(), Err: err})
			}
			// Stream ended without a terminal chunk.
			return nil, s.settleFailure(ctx, &domain.ConnectionError{Provider: s.adm.adapter.ID(), Err: io.ErrUnexpectedEOF})
		}

		chunk, err := s.parser.Parse(s.scanner.Text())
		if err != nil {
			s.settleMalformed(ctx)
			return nil, err
		}
		if chunk == nil {
			continue
		}

		s.mu.Lock()
		s.content.WriteString(chunk.Content)
		s.mu.Unlock()
		if chunk.Done {
			s.settleSuccess(ctx)
		}
		return chunk, nil
	}
}

// Close releases the provider connection. The body is closed before
// settling so a Recv blocked on a silent provider is unblocked rather than
// waited for. Closing before the terminal chunk settles the stream with
// the content delivered so far.
func (s *Stream) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	err := s.body.Close()
	s.settleSuccess(context.Background())
	return err
}

// settleSuccess confirms the quota reservation with approximated usage and
// writes the usage record. Streaming providers report no token counts, so
// both sides are derived from text length.
func (s *Stream) settleSuccess(ctx context.Context) {
	s.mu.Lock()
	if s.settled {
		s.mu.Unlock()
		return
	}
	s.settled = true
	text := s.content.String()
	s.mu.Unlock()
	metrics.ActiveStreams.Dec()

	u := domain.TokenUsage{
		PromptTokens:     promptTokens(s.req),
		CompletionTokens: cost.ApproxTokens(text),
	}.Normalized()
	costUSD := s.g.costs.Calculate(s.adm.model, u)

	if s.breaker != nil {
		s.breaker.RecordSuccess(ctx)
	}
	s.g.confirm(ctx, s.adm, u, costUSD)
	s.g.record(ctx, s.adm, domain.OutcomeSuccess, u, costUSD, false)
	metrics.RecordTokens(s.adm.caller.ID, s.adm.adapter.ID(), s.adm.model, u.PromptTokens, u.CompletionTokens)
	metrics.RecordCost(s.adm.caller.ID, s.adm.adapter.ID(), s.adm.model, costUSD)
}

func (s *Stream) settleFailure(ctx context.Context, err error) error {
	s.mu.Lock()
	if s.settled {
		s.mu.Unlock()
		return err
	}
	s.settled = true
	s.mu.Unlock()
	metrics.ActiveStreams.Dec()

	if s.breaker != nil {
		s.breaker.RecordFailure(ctx)
	}
	metrics.RecordProviderError(s.adm.adapter.ID(), "connection")
	s.g.release(s.adm)
	s.g.record(ctx, s.adm, domain.OutcomeError, domain.TokenUsage{}, 0, false)
	return err
}

// settleMalformed handles a parse error mid-stream. The transport worked,
// so the breaker is not tripped.
func (s *Stream) settleMalformed(ctx context.Context) {
	s.mu.Lock()
	if s.settled {
		s.mu.Unlock()
		return
	}
	s.settled = true
	s.mu.Unlock()
	metrics.ActiveStreams.Dec()

	metrics.RecordProviderError(s.adm.adapter.ID(), "malformed_response")
	s.g.release(s.adm)
	s.g.record(ctx, s.adm, domain.OutcomeError, domain.TokenUsage{}, 0, false)
}

func promptTokens(req domain.Request) int {
	var sb strings.Builder
	sb.WriteString(req.System)
	for _, m := range req.Messages {
		sb.WriteString(m.Content)
	}
	return cost.ApproxTokens(sb.String())
}
