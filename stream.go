package keymux

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"

	"github.com/blueberrycongee/keymux/internal/keypool"
	llmerrors "github.com/blueberrycongee/keymux/pkg/errors"
	"github.com/blueberrycongee/keymux/pkg/types"
)

var errEventTooLarge = errors.New("keymux: stream event exceeds buffer limit")

// StreamReader wraps a provider's raw SSE stream. It reassembles
// fragmented JSON events, detects mid-stream errors, and defers lock
// release and usage accounting until the stream terminates.
//
// A credential error arriving before any chunk reaches the consumer is
// swallowed: the reader restarts the dispatch on a fresh key within the
// original deadline, invisibly to the caller.
type StreamReader struct {
	mu sync.Mutex

	ctx    context.Context
	client *Client
	req    *types.ChatRequest

	upstream io.ReadCloser
	lease    *keypool.Lease

	providerName string
	modelName    string
	deadline     time.Time
	tried        map[string]struct{}

	buf     []byte // unframed bytes from upstream
	partial []byte // JSON payload fragments awaiting their remainder
	readBuf []byte

	emitted    bool
	finalized  bool
	finalUsage *types.Usage
	content    strings.Builder

	startTime  time.Time
	firstChunk bool
	ttft       time.Duration
}

func newStreamReader(
	ctx context.Context,
	c *Client,
	body io.ReadCloser,
	lease *keypool.Lease,
	req *types.ChatRequest,
	providerName, modelName string,
	deadline time.Time,
	tried map[string]struct{},
) *StreamReader {
	return &StreamReader{
		ctx:          ctx,
		client:       c,
		req:          req,
		upstream:     body,
		lease:        lease,
		providerName: providerName,
		modelName:    modelName,
		deadline:     deadline,
		tried:        tried,
		readBuf:      make([]byte, 4096),
		startTime:    c.config.Clock.Now(),
		firstChunk:   true,
	}
}

// Recv returns the next chunk from the stream.
// Returns io.EOF when the stream is complete.
func (s *StreamReader) Recv() (*types.StreamChunk, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.finalized {
		return nil, io.EOF
	}

	for {
		payload, err := s.nextPayload()
		if err == io.EOF {
			s.finalizeSuccess()
			return nil, io.EOF
		}
		if err != nil {
			s.finalizeFailure(llmerrors.Classify(err))
			return nil, err
		}

		if bytes.Equal(payload, []byte("[DONE]")) {
			s.finalizeSuccess()
			return nil, io.EOF
		}

		data := payload
		if len(s.partial) > 0 {
			data = append(s.partial, payload...)
		}
		if !json.Valid(data) {
			// Hold the fragment until the remainder arrives.
			if len(data) > s.client.config.MaxEventBytes {
				s.finalizeFailure(llmerrors.KindUnknown)
				return nil, errEventTooLarge
			}
			s.partial = data
			continue
		}
		s.partial = nil

		if chunk, err := s.handleEvent(data); err != nil || chunk != nil {
			if err == io.EOF {
				return nil, io.EOF
			}
			return chunk, err
		}
		// Swallowed event (keep-alive, usage-only, or recovered error);
		// keep reading.
	}
}

// handleEvent processes one complete JSON event. A nil, nil return means
// the event was absorbed and the reader should continue.
func (s *StreamReader) handleEvent(data []byte) (*types.StreamChunk, error) {
	var probe struct {
		Error *struct {
			Message string `json:"message"`
			Type    string `json:"type"`
			Code    int    `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &probe); err == nil && probe.Error != nil {
		llmErr := &llmerrors.LLMError{
			StatusCode: probe.Error.Code,
			Message:    probe.Error.Message,
			Type:       probe.Error.Type,
			Provider:   s.providerName,
			Model:      s.modelName,
		}
		return s.handleMidStreamError(llmErr)
	}

	var chunk types.StreamChunk
	if err := json.Unmarshal(data, &chunk); err != nil {
		// Complete but unrecognizable JSON: skip it, as comment and
		// keep-alive payloads are not chunk-shaped.
		return nil, nil
	}

	if chunk.Usage != nil {
		s.finalUsage = chunk.Usage
	}
	if len(chunk.Choices) == 0 {
		return nil, nil
	}

	for _, choice := range chunk.Choices {
		s.content.WriteString(choice.Delta.Content)
	}
	if s.firstChunk {
		s.ttft = s.client.config.Clock.Now().Sub(s.startTime)
		s.firstChunk = false
	}
	s.emitted = true
	return &chunk, nil
}

// handleMidStreamError applies the recovery policy: credential errors
// with no output yet restart on a fresh key; everything else terminates
// the stream with the error.
func (s *StreamReader) handleMidStreamError(llmErr *llmerrors.LLMError) (*types.StreamChunk, error) {
	kind := llmerrors.Classify(llmErr)

	if kind.Credential() && !s.emitted {
		s.client.config.Logger.Warn("mid-stream credential error, rotating key",
			"provider", s.providerName,
			"model", s.modelName,
			"key", s.lease.Fingerprint(),
			"kind", string(kind),
		)
		s.client.pool.RecordFailure(s.lease, kind)
		s.releaseUpstream()
		s.client.metrics.RotationsTotal.Inc()

		body, lease, err := s.client.dialStream(s.ctx, s.providerName, s.modelName, s.req, s.deadline, s.tried)
		if err != nil {
			s.finalized = true
			if errors.Is(err, ErrExhausted) {
				// Pool ran dry mid-recovery: end the stream cleanly with no
				// content, mirroring the non-streaming exhaustion contract.
				return nil, io.EOF
			}
			// Fatal errors and caller cancellation surface as they do
			// from the initial dial.
			return nil, err
		}
		s.upstream = body
		s.lease = lease
		s.buf = nil
		s.partial = nil
		return nil, nil
	}

	s.finalizeFailure(kind)
	return nil, llmErr
}

// nextPayload extracts the next SSE data payload, reading from upstream
// until a complete frame is buffered. Returns io.EOF at end of stream.
func (s *StreamReader) nextPayload() ([]byte, error) {
	for {
		if payload, ok := s.takeFrame(); ok {
			if len(payload) == 0 {
				continue // comment or keep-alive frame
			}
			return payload, nil
		}
		if len(s.buf) > s.client.config.MaxEventBytes {
			return nil, errEventTooLarge
		}

		n, err := s.upstream.Read(s.readBuf)
		if n > 0 {
			s.buf = append(s.buf, s.readBuf[:n]...)
			continue
		}
		if err == io.EOF {
			return nil, io.EOF
		}
		if err != nil {
			return nil, err
		}
	}
}

// takeFrame pops one complete SSE frame off the buffer and returns its
// concatenated data payload.
func (s *StreamReader) takeFrame() ([]byte, bool) {
	idx := bytes.Index(s.buf, []byte("\n\n"))
	crlf := bytes.Index(s.buf, []byte("\r\n\r\n"))
	width := 2
	if crlf >= 0 && (idx < 0 || crlf < idx) {
		idx = crlf
		width = 4
	}
	if idx < 0 {
		return nil, false
	}

	frame := s.buf[:idx]
	s.buf = s.buf[idx+width:]

	var payload []byte
	for _, line := range bytes.Split(frame, []byte("\n")) {
		line = bytes.TrimSuffix(line, []byte("\r"))
		rest, ok := bytes.CutPrefix(line, []byte("data:"))
		if !ok {
			continue
		}
		rest = bytes.TrimPrefix(rest, []byte(" "))
		if len(payload) > 0 {
			payload = append(payload, '\n')
		}
		payload = append(payload, rest...)
	}
	return bytes.TrimSpace(payload), true
}

// Close finalizes an abandoned stream. Whatever was consumed is still
// accounted; calling Close after the stream ended is a no-op.
func (s *StreamReader) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.finalizeSuccess()
	return nil
}

// TTFT returns the time to first token, or 0 before the first chunk.
func (s *StreamReader) TTFT() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ttft
}

// finalizeSuccess closes the upstream, records usage exactly once, and
// releases the key. Provider-reported usage wins; otherwise completion
// tokens are estimated from the accumulated content.
func (s *StreamReader) finalizeSuccess() {
	if s.finalized {
		return
	}
	s.finalized = true

	usage := keypool.Usage{Calls: 1}
	if s.finalUsage != nil {
		usage.PromptTokens = int64(s.finalUsage.PromptTokens)
		usage.CompletionTokens = int64(s.finalUsage.CompletionTokens)
	} else {
		usage.PromptTokens = int64(s.client.counter.Count(s.modelName, s.req.PromptText()))
		usage.CompletionTokens = int64(s.client.counter.Count(s.modelName, s.content.String()))
	}
	usage.CostUSD = s.client.pricing.Cost(s.providerName, s.modelName,
		int(usage.PromptTokens), int(usage.CompletionTokens))

	s.client.pool.RecordSuccess(s.lease, usage)
	s.releaseUpstream()
	s.client.metrics.RequestsTotal.WithLabelValues("chat_completion_stream", "success").Inc()
}

// finalizeFailure closes the upstream, records the failure once, and
// releases the key.
func (s *StreamReader) finalizeFailure(kind llmerrors.Kind) {
	if s.finalized {
		return
	}
	s.finalized = true

	s.client.pool.RecordFailure(s.lease, kind)
	s.releaseUpstream()
	s.client.metrics.RequestsTotal.WithLabelValues("chat_completion_stream", "error").Inc()
}

func (s *StreamReader) releaseUpstream() {
	_ = s.upstream.Close()
	s.lease.Release()
}
