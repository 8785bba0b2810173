package embedding

import "context"

// Provider computes vector embeddings for a batch of texts. Calls are
// idempotent and safe to retry. Rate-limit failures are wrapped with
// retry.ErrRateLimited so callers can distinguish them from other errors.
type Provider interface {
	Name() string
	Model() string
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}
