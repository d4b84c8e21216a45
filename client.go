package keymux

import (
	"context"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/blueberrycongee/keymux/internal/keypool"
	"github.com/blueberrycongee/keymux/internal/metrics"
	llmerrors "github.com/blueberrycongee/keymux/pkg/errors"
	"github.com/blueberrycongee/keymux/pkg/pricing"
	"github.com/blueberrycongee/keymux/pkg/provider"
	"github.com/blueberrycongee/keymux/pkg/store"
	"github.com/blueberrycongee/keymux/pkg/types"
)

var (
	// ErrExhausted is returned when the deadline passed or every eligible
	// key was tried without success. Transient and credential failures
	// are never surfaced; they collapse into this sentinel.
	ErrExhausted = errors.New("keymux: no usable key within the request deadline")

	// ErrClosed is returned for calls on a closed client.
	ErrClosed = errors.New("keymux: client is closed")
)

var modelPattern = regexp.MustCompile(`^[a-z0-9_-]+/.+$`)

// Client fronts a pool of provider credentials. It selects a key per
// request, dispatches through the configured LLMClient, and rotates
// keys on credential-specific failures, all bounded by a per-request
// deadline.
//
// Client is safe for concurrent use by multiple goroutines.
type Client struct {
	config  *ClientConfig
	pool    *keypool.Manager
	llm     provider.LLMClient
	counter provider.TokenCounter
	reg     provider.Registry
	pricing *pricing.Registry
	metrics *metrics.Set

	closed      atomic.Bool
	watchCancel context.CancelFunc
}

// New creates a keymux client.
//
// Example:
//
//	client, err := keymux.New(
//	    keymux.WithKeys("openai", os.Getenv("OPENAI_API_KEY")),
//	    keymux.WithKeys("gemini", geminiKeys...),
//	    keymux.WithSnapshotFile("usage.json"),
//	)
func New(opts ...Option) (*Client, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(cfg)
	}

	total := 0
	for _, keys := range cfg.Pools {
		total += len(keys)
	}
	if total == 0 {
		return nil, fmt.Errorf("at least one provider key is required")
	}

	c := &Client{
		config:  cfg,
		llm:     cfg.LLM,
		counter: cfg.TokenCounter,
		reg:     cfg.Registry,
		pricing: pricing.NewRegistry(),
		metrics: metrics.New(cfg.Registerer),
	}
	if c.llm == nil {
		c.llm = provider.NewHTTPClient()
	}
	if c.counter == nil {
		c.counter = provider.HeuristicTokenCounter{}
	}

	if cfg.PricingFile != "" {
		if err := c.pricing.Load(cfg.PricingFile); err != nil {
			return nil, fmt.Errorf("load pricing file: %w", err)
		}
		watchCtx, cancel := context.WithCancel(context.Background())
		c.watchCancel = cancel
		if err := c.pricing.Watch(watchCtx, cfg.PricingFile, cfg.Logger); err != nil {
			cancel()
			return nil, fmt.Errorf("watch pricing file: %w", err)
		}
	}

	c.pool = keypool.NewManager(cfg.Pools, keypool.Options{
		Config:  cfg.Pool,
		Clock:   cfg.Clock,
		Logger:  cfg.Logger,
		Store:   cfg.Store,
		Metrics: c.metrics,
	})

	cfg.Logger.Info("keymux client initialized",
		"providers", len(cfg.Pools),
		"keys", total,
		"global_timeout", cfg.GlobalTimeout,
	)
	return c, nil
}

// ChatCompletion sends a non-streaming chat completion request, rotating
// keys as needed. It returns ErrExhausted when the deadline passes or
// the pool runs dry; only bad-request-class errors surface directly.
func (c *Client) ChatCompletion(ctx context.Context, req *types.ChatRequest) (*types.ChatResponse, error) {
	if err := c.checkRequest(req); err != nil {
		return nil, err
	}
	providerName, modelName, err := splitModel(req.Model)
	if err != nil {
		return nil, err
	}

	deadline := c.config.Clock.Now().Add(c.config.GlobalTimeout)
	requestID := uuid.NewString()

	var out *types.ChatResponse
	err = c.dispatch(ctx, requestID, "chat_completion", providerName, modelName, deadline, make(map[string]struct{}),
		func(ctx context.Context, lease *keypool.Lease) (keypool.Usage, bool, error) {
			callCtx, cancel := context.WithDeadline(ctx, deadline)
			defer cancel()
			resp, err := c.llm.Complete(callCtx, providerName, modelName, lease.Key(), req)
			if err != nil {
				return keypool.Usage{}, false, err
			}
			out = resp
			return c.usageDelta(providerName, modelName, resp.Usage), false, nil
		})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ChatCompletionStream opens a streaming chat completion. The returned
// StreamReader transparently restarts on a fresh key if a credential
// error arrives before any output reaches the consumer.
//
// Example:
//
//	stream, err := client.ChatCompletionStream(ctx, req)
//	if err != nil {
//	    return err
//	}
//	defer stream.Close()
//
//	for {
//	    chunk, err := stream.Recv()
//	    if err == io.EOF {
//	        break
//	    }
//	    if err != nil {
//	        return err
//	    }
//	    fmt.Print(chunk.Choices[0].Delta.Content)
//	}
func (c *Client) ChatCompletionStream(ctx context.Context, req *types.ChatRequest) (*StreamReader, error) {
	if err := c.checkRequest(req); err != nil {
		return nil, err
	}
	providerName, modelName, err := splitModel(req.Model)
	if err != nil {
		return nil, err
	}

	deadline := c.config.Clock.Now().Add(c.config.GlobalTimeout)
	tried := make(map[string]struct{})

	body, lease, err := c.dialStream(ctx, providerName, modelName, req, deadline, tried)
	if err != nil {
		return nil, err
	}
	return newStreamReader(ctx, c, body, lease, req, providerName, modelName, deadline, tried), nil
}

// Embedding sends an embedding request under the same rotation loop.
func (c *Client) Embedding(ctx context.Context, req *types.EmbeddingRequest) (*types.EmbeddingResponse, error) {
	if c.closed.Load() {
		return nil, ErrClosed
	}
	if req == nil {
		return nil, fmt.Errorf("request is nil")
	}
	if req.Model == "" {
		return nil, fmt.Errorf("model is required")
	}
	if err := req.Input.Validate(); err != nil {
		return nil, err
	}
	providerName, modelName, err := splitModel(req.Model)
	if err != nil {
		return nil, err
	}

	deadline := c.config.Clock.Now().Add(c.config.GlobalTimeout)
	requestID := uuid.NewString()

	var out *types.EmbeddingResponse
	err = c.dispatch(ctx, requestID, "embedding", providerName, modelName, deadline, make(map[string]struct{}),
		func(ctx context.Context, lease *keypool.Lease) (keypool.Usage, bool, error) {
			callCtx, cancel := context.WithDeadline(ctx, deadline)
			defer cancel()
			resp, err := c.llm.Embed(callCtx, providerName, modelName, lease.Key(), req)
			if err != nil {
				return keypool.Usage{}, false, err
			}
			out = resp
			return c.usageDelta(providerName, modelName, resp.Usage), false, nil
		})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ListModels returns the models reachable through configured providers,
// discovered via the registry.
func (c *Client) ListModels(ctx context.Context) ([]types.Model, error) {
	if c.reg == nil {
		return nil, fmt.Errorf("no model registry configured")
	}

	var models []types.Model
	for _, name := range c.pool.Providers() {
		key, _ := c.pool.PrimaryKey(name)
		ids, err := c.reg.Models(ctx, name, key)
		if err != nil {
			c.config.Logger.Warn("model discovery failed", "provider", name, "error", err)
			continue
		}
		for _, id := range ids {
			models = append(models, types.Model{ID: id, Object: "model", Provider: name, OwnedBy: name})
		}
	}
	return models, nil
}

// Providers returns the names of all providers with configured keys.
func (c *Client) Providers() []string {
	return c.pool.Providers()
}

// TokenCount estimates the prompt token count for a request.
func (c *Client) TokenCount(req *types.ChatRequest) (int, error) {
	if req == nil || req.Model == "" {
		return 0, fmt.Errorf("model is required")
	}
	_, modelName, err := splitModel(req.Model)
	if err != nil {
		return 0, err
	}
	return c.counter.Count(modelName, req.PromptText()), nil
}

// UsageSnapshot returns the live usage counters for all keys, addressed
// by key fingerprint.
func (c *Client) UsageSnapshot() *store.Snapshot {
	return c.pool.Snapshot()
}

// Close releases the pool, flushes the usage snapshot, and stops the
// pricing watcher.
func (c *Client) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	if c.watchCancel != nil {
		c.watchCancel()
	}
	c.pool.Close()
	c.config.Logger.Info("keymux client closed")
	return nil
}

func (c *Client) checkRequest(req *types.ChatRequest) error {
	if c.closed.Load() {
		return ErrClosed
	}
	if req == nil {
		return fmt.Errorf("request is nil")
	}
	if req.Model == "" {
		return fmt.Errorf("model is required")
	}
	if len(req.Messages) == 0 {
		return fmt.Errorf("messages is required")
	}
	return nil
}

// splitModel validates and splits a "provider/model" identifier. The
// provider prefix is authoritative and selects the key pool.
func splitModel(model string) (providerName, modelName string, err error) {
	if !modelPattern.MatchString(model) {
		return "", "", llmerrors.NewInvalidRequestError("", model,
			fmt.Sprintf("model %q must be of the form provider/model_name", model))
	}
	providerName, modelName, _ = strings.Cut(model, "/")
	return providerName, modelName, nil
}

// dispatch runs the acquire → call → release loop shared by all entry
// points. The attempt callback reports whether it handed the lease off
// (streaming) or the loop still owns release and accounting.
func (c *Client) dispatch(
	ctx context.Context,
	requestID, callType, providerName, modelName string,
	deadline time.Time,
	tried map[string]struct{},
	attempt func(ctx context.Context, lease *keypool.Lease) (keypool.Usage, bool, error),
) error {
	for {
		lease, acquireErr := c.pool.Acquire(ctx, providerName, modelName, deadline, tried)
		if acquireErr != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			c.config.Logger.Warn("request exhausted key pool",
				"request_id", requestID,
				"provider", providerName,
				"model", modelName,
				"tried", len(tried),
			)
			c.metrics.RequestsTotal.WithLabelValues(callType, "exhausted").Inc()
			return ErrExhausted
		}
		tried[lease.Fingerprint()] = struct{}{}

		rotate := false
		unknownRetried := false
		for attemptN := 0; !rotate; attemptN++ {
			usage, handedOff, err := attempt(ctx, lease)
			if err == nil {
				if !handedOff {
					c.pool.RecordSuccess(lease, usage)
					lease.Release()
					c.metrics.RequestsTotal.WithLabelValues(callType, "success").Inc()
				}
				return nil
			}

			kind := llmerrors.Classify(err)
			c.config.Logger.Warn("provider call failed",
				"request_id", requestID,
				"provider", providerName,
				"model", modelName,
				"key", lease.Fingerprint(),
				"kind", string(kind),
				"attempt", attemptN,
				"error", err,
			)

			switch {
			case kind.Fatal():
				lease.Release()
				c.metrics.RequestsTotal.WithLabelValues(callType, "fatal").Inc()
				return err

			case kind.Credential():
				c.pool.RecordFailure(lease, kind)
				lease.Release()
				c.metrics.RotationsTotal.Inc()
				rotate = true

			default: // transient_server or unknown
				if kind == llmerrors.KindUnknown {
					if unknownRetried {
						rotate = true
					}
					unknownRetried = true
				}
				if attemptN >= c.config.MaxRetries {
					rotate = true
				}
				if !rotate {
					wait := c.config.RetryBackoff * (1 << uint(attemptN))
					if c.config.Clock.Now().Add(wait).After(deadline) {
						// A backoff that would cross the deadline is
						// skipped; move straight to rotation.
						rotate = true
					} else {
						select {
						case <-ctx.Done():
							lease.Release()
							return ctx.Err()
						case <-c.config.Clock.After(wait):
						}
					}
				}
				if rotate {
					lease.Release()
				}
			}
		}
	}
}

// dialStream rotates keys until a stream opens, the deadline passes, or
// a fatal error surfaces. It is shared by the initial dial and the
// mid-stream restart path; tried persists across both.
func (c *Client) dialStream(
	ctx context.Context,
	providerName, modelName string,
	req *types.ChatRequest,
	deadline time.Time,
	tried map[string]struct{},
) (io.ReadCloser, *keypool.Lease, error) {
	requestID := uuid.NewString()
	var body io.ReadCloser
	var streamLease *keypool.Lease

	err := c.dispatch(ctx, requestID, "chat_completion_stream", providerName, modelName, deadline, tried,
		func(ctx context.Context, lease *keypool.Lease) (keypool.Usage, bool, error) {
			b, err := c.llm.StreamComplete(ctx, providerName, modelName, lease.Key(), req)
			if err != nil {
				return keypool.Usage{}, false, err
			}
			body = b
			streamLease = lease
			return keypool.Usage{}, true, nil
		})
	if err != nil {
		return nil, nil, err
	}
	return body, streamLease, nil
}

// usageDelta converts a provider usage report into pool counters,
// pricing the tokens from the static table.
func (c *Client) usageDelta(providerName, modelName string, u *types.Usage) keypool.Usage {
	delta := keypool.Usage{Calls: 1}
	if u == nil {
		return delta
	}
	delta.PromptTokens = int64(u.PromptTokens)
	delta.CompletionTokens = int64(u.CompletionTokens)
	delta.CostUSD = c.pricing.Cost(providerName, modelName, u.PromptTokens, u.CompletionTokens)
	return delta
}
