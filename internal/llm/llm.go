// Package llm implements the LLM Client (C3): a single strict JSON-mode
// completion call against Claude, with retry and key rotation layered on
// top via internal/quota and pkg/fn. Modeled on apresai-podcaster's
// ClaudeGenerator, generalized from script generation to structured
// JSON extraction with provider-side prompt caching.
package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/podcastkg/ingest-engine/internal/perr"
	"github.com/podcastkg/ingest-engine/internal/promptcache"
	"github.com/podcastkg/ingest-engine/internal/quota"
	"github.com/podcastkg/ingest-engine/pkg/fn"
	"github.com/podcastkg/ingest-engine/pkg/resilience"
)

const (
	maxRetries        = 4
	initialBackoff    = 1 * time.Second
	maxBackoff        = 30 * time.Second
	backoffMultiplier = 2
)

// breakerOpts trips a model's circuit after enough consecutive failures
// survive quota's per-key backoff and retry — i.e. every pooled key is
// failing against that model, not just one bad key — so callers fail
// fast instead of burning a full retry budget per request during a
// provider-side outage.
var breakerOpts = resilience.BreakerOpts{FailThreshold: 8, Timeout: 20 * time.Second, HalfOpenMax: 1}

// Request describes one completion call.
type Request struct {
	Model           string
	SystemPrompt    string
	UserPrompt      string
	JSONMode        bool
	CacheHandle     promptcache.Handle // "" = no caching for this call
	Temperature     float64
	MaxOutputTokens int64
}

// Response carries the raw text and usage accounting for one call.
type Response struct {
	Text             string
	InputTokens      int64
	OutputTokens     int64
	CacheReadTokens  int64
	CacheWriteTokens int64
}

// Client issues completions against Claude, acquiring a pooled key per
// attempt from quota.Manager and reporting outcomes back to it.
type Client struct {
	quota *quota.Manager
	cache *promptcache.Manager

	mu       sync.Mutex
	breakers map[string]*resilience.Breaker
}

// New builds a Client sharing the given quota and cache managers with
// every other caller in the process (internal/embedding in particular).
func New(q *quota.Manager, c *promptcache.Manager) *Client {
	return &Client{quota: q, cache: c, breakers: make(map[string]*resilience.Breaker)}
}

func (c *Client) breakerFor(model string) *resilience.Breaker {
	c.mu.Lock()
	defer c.mu.Unlock()
	b, ok := c.breakers[model]
	if !ok {
		b = resilience.NewBreaker(breakerOpts)
		c.breakers[model] = b
	}
	return b
}

// Complete performs a single logical completion, retrying failed
// attempts with a fresh key acquisition each time, up to maxRetries
// retries. Every failure is retried, not only transient ones: rate
// limits, invalid keys, quota-acquire errors and non-JSON responses in
// JSON mode all go around the loop again. JSON-mode responses are
// returned as raw text; callers are responsible for strict
// json.Unmarshal with NO markdown-fence stripping or brace-scanning
// rescue — a malformed response is a hard failure, by design.
func (c *Client) Complete(ctx context.Context, req Request) (Response, error) {
	opts := fn.RetryOpts{
		MaxAttempts: maxRetries + 1,
		InitialWait: initialBackoff,
		MaxWait:     maxBackoff,
		Jitter:      true,
	}
	stage := resilience.BreakerStage(c.breakerFor(req.Model), fn.RetryStage(opts, c.attempt()))
	result := stage(ctx, req)
	resp, err := result.Unwrap()
	if err != nil {
		if errors.Is(err, resilience.ErrCircuitOpen) {
			return Response{}, fmt.Errorf("%w: %v", perr.ErrTransient, err)
		}
		return Response{}, fmt.Errorf("llm: complete: %w", err)
	}
	return resp, nil
}

func (c *Client) attempt() fn.Stage[Request, Response] {
	return func(ctx context.Context, r Request) fn.Result[Response] {
		handle, err := c.quota.Acquire(ctx, r.Model)
		if err != nil {
			return fn.Err[Response](fmt.Errorf("%w: %v", perr.ErrQuotaExhausted, err))
		}

		client := anthropic.NewClient(option.WithAPIKey(handle.Key))

		params := anthropic.MessageNewParams{
			Model:       anthropic.Model(r.Model),
			MaxTokens:   r.MaxOutputTokens,
			Temperature: anthropic.Float(r.Temperature),
			System:      []anthropic.TextBlockParam{systemBlock(r)},
			Messages: []anthropic.MessageParam{
				anthropic.NewUserMessage(anthropic.NewTextBlock(r.UserPrompt)),
			},
		}

		msg, err := client.Messages.New(ctx, params)
		if err != nil {
			outcome := classify(err)
			c.quota.Report(handle, outcome, 0)
			return fn.Err[Response](fmt.Errorf("anthropic: %w", err))
		}

		text := extractText(msg)
		if text == "" {
			c.quota.Report(handle, quota.TransientError, 0)
			return fn.Err[Response](fmt.Errorf("%w: empty completion", perr.ErrTransient))
		}
		if r.JSONMode {
			var probe json.RawMessage
			if err := json.Unmarshal([]byte(text), &probe); err != nil {
				// No markdown-fence or brace-scanning rescue: a
				// non-JSON response in JSON mode is a hard failure.
				c.quota.Report(handle, quota.Success, int(msg.Usage.InputTokens+msg.Usage.OutputTokens))
				return fn.Err[Response](fmt.Errorf("%w: response is not valid JSON: %v", perr.ErrExtractionPartial, err))
			}
		}

		resp := Response{
			Text:             text,
			InputTokens:      msg.Usage.InputTokens,
			OutputTokens:     msg.Usage.OutputTokens,
			CacheReadTokens:  msg.Usage.CacheReadInputTokens,
			CacheWriteTokens: msg.Usage.CacheCreationInputTokens,
		}
		if resp.CacheReadTokens > 0 && c.cache != nil {
			c.cache.RecordTokensSaved(resp.CacheReadTokens)
		}
		c.quota.Report(handle, quota.Success, int(resp.InputTokens+resp.OutputTokens))
		return fn.Ok(resp)
	}
}

func systemBlock(r Request) anthropic.TextBlockParam {
	block := anthropic.TextBlockParam{Text: r.SystemPrompt}
	if r.CacheHandle != "" {
		block.CacheControl = anthropic.NewCacheControlEphemeralParam()
	}
	return block
}

func extractText(msg *anthropic.Message) string {
	var out string
	for _, block := range msg.Content {
		if tb, ok := block.AsAny().(anthropic.TextBlock); ok {
			out += tb.Text
		}
	}
	return out
}

// classify maps an SDK error to a quota.Outcome so the key pool can
// apply the right penalty (cooldown for rate limits, growing backoff for
// invalid keys, no penalty for plain transient failures).
func classify(err error) quota.Outcome {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		switch apiErr.StatusCode {
		case 429:
			return quota.RateLimited
		case 401, 403:
			return quota.InvalidKey
		}
	}
	return quota.TransientError
}
