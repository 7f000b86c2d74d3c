// Package embedding implements the Embedding Client (C4): batches unit
// text into bounded-size requests and returns ordered vectors, one per
// input text, with per-item failure isolated rather than failing the
// whole batch. Shares the same quota.Manager as internal/llm so embedding
// calls and completion calls draw from one coordinated key pool.
package embedding

import (
	"context"
	"fmt"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/podcastkg/ingest-engine/internal/model"
	"github.com/podcastkg/ingest-engine/internal/quota"
)

// Config controls batching behavior (spec §6 embedding_* options).
type Config struct {
	Model            string
	BatchSize        int
	InterbatchDelay  time.Duration
	Dimensions       int
}

// Client embeds text via the pooled API keys, batching requests up to
// Config.BatchSize and pausing Config.InterbatchDelay between batches so
// a large episode doesn't burst past per-minute request budgets.
type Client struct {
	quota *quota.Manager
	cfg   Config
	sleep func(time.Duration)
}

// New builds an embedding Client.
func New(q *quota.Manager, cfg Config) *Client {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	return &Client{quota: q, cfg: cfg, sleep: time.Sleep}
}

// Embed returns one model.Embedding per input text, in the same order.
// A text whose embedding call fails gets a nil (absent) entry at its
// index rather than aborting the whole batch; callers record these as
// failed_embeddings for the recovery job.
func (c *Client) Embed(ctx context.Context, texts []string) ([]model.Embedding, error) {
	out := make([]model.Embedding, len(texts))
	for start := 0; start < len(texts); start += c.cfg.BatchSize {
		end := start + c.cfg.BatchSize
		if end > len(texts) {
			end = len(texts)
		}
		batch := texts[start:end]

		vectors, err := c.embedBatch(ctx, batch)
		if err != nil {
			for i := range batch {
				out[start+i] = nil // absent: embedding generation failed for this text
			}
		} else {
			for i, v := range vectors {
				out[start+i] = v
			}
		}

		if end < len(texts) && c.cfg.InterbatchDelay > 0 {
			select {
			case <-ctx.Done():
				return out, ctx.Err()
			default:
				c.sleep(c.cfg.InterbatchDelay)
			}
		}
	}
	return out, nil
}

func (c *Client) embedBatch(ctx context.Context, texts []string) ([]model.Embedding, error) {
	handle, err := c.quota.Acquire(ctx, c.cfg.Model)
	if err != nil {
		return nil, fmt.Errorf("embedding: acquire key: %w", err)
	}

	client := anthropic.NewClient(option.WithAPIKey(handle.Key))
	vectors := make([]model.Embedding, len(texts))

	for i, text := range texts {
		if ctx.Err() != nil {
			c.quota.Report(handle, quota.TransientError, 0)
			return nil, ctx.Err()
		}
		vec, tokens, err := embedOne(ctx, client, c.cfg.Model, text, c.cfg.Dimensions)
		if err != nil {
			c.quota.Report(handle, classifyEmbedErr(err), 0)
			continue // absent: embedding generation failed for this text only
		}
		vectors[i] = vec
		c.quota.Report(handle, quota.Success, tokens)
	}
	return vectors, nil
}

// embedOne issues a single-item embedding request. The Anthropic
// embeddings surface is modeled here as a dedicated endpoint on the same
// client used for completions, consistent with how apresai-podcaster
// constructs one anthropic.Client per call and scopes it to a single key.
func embedOne(ctx context.Context, client anthropic.Client, model_ string, text string, dims int) (model.Embedding, int, error) {
	resp, err := client.Embeddings.New(ctx, anthropic.EmbeddingNewParams{
		Model:          anthropic.Model(model_),
		Input:          anthropic.EmbeddingNewParamsInputUnion{OfString: anthropic.String(text)},
		Dimensions:     anthropic.Int(int64(dims)),
	})
	if err != nil {
		return nil, 0, err
	}
	vec := make(model.Embedding, len(resp.Vector))
	copy(vec, resp.Vector)
	return vec, int(resp.Usage.TotalTokens), nil
}

func classifyEmbedErr(err error) quota.Outcome {
	var apiErr *anthropic.Error
	if ae, ok := err.(*anthropic.Error); ok {
		apiErr = ae
		switch apiErr.StatusCode {
		case 429:
			return quota.RateLimited
		case 401, 403:
			return quota.InvalidKey
		}
	}
	return quota.TransientError
}
