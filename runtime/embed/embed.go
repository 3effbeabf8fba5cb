// Package embed produces the dense and sparse representations attached to
// chunks before they reach a vector destination. Dense embeddings come from a
// provider adapter (features/model/openai) wrapped here with batching, a
// shared rate limiter, and bounded retries; sparse embeddings are computed
// locally with a deterministic hashed term-frequency scheme so hybrid ranking
// needs no extra provider round trip.
package embed

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"github.com/airweave/airweave-go/runtime/errs"
	"github.com/airweave/airweave-go/runtime/telemetry"
)

type (
	// DenseEmbedder converts texts to dense vectors. Implementations wrap
	// provider SDKs and map rate limiting onto errs.KindRateLimited.
	DenseEmbedder interface {
		Embed(ctx context.Context, texts []string) ([][]float32, error)
		Dimensions() int
	}

	// SparseEmbedder converts text to a sparse term-weight map for hybrid
	// ranking.
	SparseEmbedder interface {
		EmbedSparse(text string) map[uint32]float32
	}

	// Options configures a Batcher.
	Options struct {
		// Inner is the provider embedder. Required.
		Inner DenseEmbedder
		// BatchSize caps texts per provider call. Defaults to 128.
		BatchSize int
		// Limiter throttles provider calls (tokens ~ texts). Nil disables.
		Limiter *rate.Limiter
		// Retry bounds transient-failure retries. Zero value uses 3 attempts
		// at 1s base.
		Retry errs.RetryPolicy
		// Logger defaults to a nop logger.
		Logger telemetry.Logger
	}

	// Batcher is the pipeline-facing dense embedder: batched, rate limited,
	// retried.
	Batcher struct {
		inner   DenseEmbedder
		batch   int
		limiter *rate.Limiter
		retry   errs.RetryPolicy
		log     telemetry.Logger
	}
)

// DefaultBatchSize is the per-call text cap.
const DefaultBatchSize = 128

// NewBatcher builds the batching embedder.
func NewBatcher(opts Options) (*Batcher, error) {
	if opts.Inner == nil {
		return nil, fmt.Errorf("embed: inner embedder is required")
	}
	b := opts.BatchSize
	if b <= 0 {
		b = DefaultBatchSize
	}
	retry := opts.Retry
	if retry.Attempts == 0 {
		retry = errs.RetryPolicy{Attempts: 3, Base: time.Second}
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NopLogger{}
	}
	return &Batcher{inner: opts.Inner, batch: b, limiter: opts.Limiter, retry: retry, log: logger}, nil
}

// Dimensions reports the inner embedder's vector width.
func (b *Batcher) Dimensions() int { return b.inner.Dimensions() }

// Embed returns one vector per input text, preserving order. Each provider
// call is rate limited and retried with exponential backoff; a persistent
// failure surfaces so the pipeline can mark the entity failed and continue.
func (b *Batcher) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	out := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += b.batch {
		end := start + b.batch
		if end > len(texts) {
			end = len(texts)
		}
		part := texts[start:end]
		if b.limiter != nil {
			if err := b.limiter.WaitN(ctx, len(part)); err != nil {
				return nil, err
			}
		}
		var vecs [][]float32
		err := errs.Retry(ctx, b.retry, func(ctx context.Context) error {
			var callErr error
			vecs, callErr = b.inner.Embed(ctx, part)
			return callErr
		})
		if err != nil {
			return nil, fmt.Errorf("embed batch [%d:%d): %w", start, end, err)
		}
		if len(vecs) != len(part) {
			return nil, errs.Critical(errs.KindProgramming,
				fmt.Sprintf("embedder returned %d vectors for %d texts", len(vecs), len(part)), nil)
		}
		out = append(out, vecs...)
	}
	return out, nil
}
