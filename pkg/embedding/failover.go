package embedding

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"mailsync-backend/pkg/retry"
)

// FailoverProvider routes embedding calls across an ordered list of
// providers. A provider that reports a rate limit is put into cooldown for
// a fixed window and the next non-cooled provider is tried. If every
// provider is cooling down, the call waits for the soonest expiry. The
// provider list is immutable; cooldown state lives in a map keyed by
// provider index.
type FailoverProvider struct {
	providers []Provider
	cooldown  time.Duration

	mu            sync.Mutex
	cooldownUntil map[int]time.Time

	// Injected for tests.
	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// NewFailoverProvider creates a failover wrapper over providers, tried in
// order. cooldown is the per-provider penalty window after a rate limit.
func NewFailoverProvider(cooldown time.Duration, providers ...Provider) *FailoverProvider {
	return &FailoverProvider{
		providers:     providers,
		cooldown:      cooldown,
		cooldownUntil: make(map[int]time.Time),
		now:           time.Now,
		sleep:         sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	select {
	case <-time.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (f *FailoverProvider) Name() string { return "failover" }

// Model reports the model of the first available provider; per-record
// provenance comes from Active().
func (f *FailoverProvider) Model() string {
	if p := f.Active(); p != nil {
		return p.Model()
	}
	return ""
}

// Active returns the provider the next call would reach, or nil when the
// list is empty.
func (f *FailoverProvider) Active() Provider {
	f.mu.Lock()
	defer f.mu.Unlock()
	now := f.now()
	for i, p := range f.providers {
		if now.After(f.cooldownUntil[i]) || f.cooldownUntil[i].IsZero() {
			return p
		}
	}
	if len(f.providers) > 0 {
		return f.providers[0]
	}
	return nil
}

// Embed tries each provider in order, skipping those in cooldown. On a
// rate-limit error the provider is cooled and the next one is tried; on
// any other error the next one is tried without a cooldown. When every
// provider is cooling down, the soonest expiry is awaited and that
// provider is retried once.
func (f *FailoverProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(f.providers) == 0 {
		return nil, fmt.Errorf("no embedding provider configured")
	}

	var lastErr error
	attempted := false
	for i, p := range f.providers {
		if f.cooling(i) {
			continue
		}
		attempted = true

		vectors, err := p.Embed(ctx, texts)
		if err == nil {
			return vectors, nil
		}
		lastErr = err

		if retry.Classify(err) == retry.ClassRateLimited {
			f.cool(i)
			log.Printf("[Embedding] Provider %s rate limited, cooling down for %s: %v", p.Name(), f.cooldown, err)
			continue
		}
		log.Printf("[Embedding] Provider %s failed, trying next: %v", p.Name(), err)
	}

	if !attempted {
		// Every provider is cooling down: wait for the soonest one.
		index, wait := f.soonest()
		if index < 0 {
			return nil, fmt.Errorf("no embedding provider available")
		}
		log.Printf("[Embedding] All providers cooling down, waiting %s for %s", wait, f.providers[index].Name())
		if err := f.sleep(ctx, wait); err != nil {
			return nil, err
		}
		f.uncool(index)

		vectors, err := f.providers[index].Embed(ctx, texts)
		if err == nil {
			return vectors, nil
		}
		if retry.Classify(err) == retry.ClassRateLimited {
			f.cool(index)
		}
		return nil, fmt.Errorf("embedding failed after cooldown wait: %w", err)
	}

	return nil, fmt.Errorf("all embedding providers failed: %w", lastErr)
}

func (f *FailoverProvider) cooling(index int) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	until, ok := f.cooldownUntil[index]
	return ok && f.now().Before(until)
}

func (f *FailoverProvider) cool(index int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cooldownUntil[index] = f.now().Add(f.cooldown)
}

func (f *FailoverProvider) uncool(index int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.cooldownUntil, index)
}

// soonest reports the provider index with the earliest cooldown expiry and
// how long until it.
func (f *FailoverProvider) soonest() (int, time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()

	best := -1
	var bestUntil time.Time
	for i := range f.providers {
		until, ok := f.cooldownUntil[i]
		if !ok {
			continue
		}
		if best == -1 || until.Before(bestUntil) {
			best = i
			bestUntil = until
		}
	}
	if best == -1 {
		return -1, 0
	}

	wait := bestUntil.Sub(f.now())
	if wait < 0 {
		wait = 0
	}
	return best, wait
}
