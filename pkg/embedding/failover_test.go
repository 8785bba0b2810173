package embedding

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"mailsync-backend/pkg/retry"
)

// scriptedProvider pops one scripted error per call; nil means success.
type scriptedProvider struct {
	name  string
	errs  []error
	calls int
}

func (p *scriptedProvider) Name() string  { return p.name }
func (p *scriptedProvider) Model() string { return p.name + "-model" }

func (p *scriptedProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	var err error
	if p.calls < len(p.errs) {
		err = p.errs[p.calls]
	}
	p.calls++
	if err != nil {
		return nil, err
	}
	vectors := make([][]float32, len(texts))
	for i := range vectors {
		vectors[i] = []float32{1, 2, 3}
	}
	return vectors, nil
}

func rateLimited(name string) error {
	return fmt.Errorf("%w: %s says 429", retry.ErrRateLimited, name)
}

func newTestFailover(cooldown time.Duration, clock *time.Time, providers ...Provider) *FailoverProvider {
	f := NewFailoverProvider(cooldown, providers...)
	f.now = func() time.Time { return *clock }
	f.sleep = func(ctx context.Context, d time.Duration) error {
		*clock = clock.Add(d)
		return nil
	}
	return f
}

func TestFailoverFallsBackOnRateLimit(t *testing.T) {
	clock := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	primary := &scriptedProvider{name: "primary", errs: []error{rateLimited("primary")}}
	secondary := &scriptedProvider{name: "secondary"}
	f := newTestFailover(time.Minute, &clock, primary, secondary)

	vectors, err := f.Embed(context.Background(), []string{"hello"})
	if err != nil {
		t.Fatalf("Embed returned %v", err)
	}
	if len(vectors) != 1 {
		t.Fatalf("got %d vectors, want 1", len(vectors))
	}

	// Primary is cooling: the next call must go straight to the secondary.
	if _, err := f.Embed(context.Background(), []string{"again"}); err != nil {
		t.Fatalf("second Embed returned %v", err)
	}
	if primary.calls != 1 {
		t.Errorf("primary called %d times, want 1 (cooled after rate limit)", primary.calls)
	}
	if secondary.calls != 2 {
		t.Errorf("secondary called %d times, want 2", secondary.calls)
	}
}

func TestFailoverRecoversAfterCooldown(t *testing.T) {
	clock := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	primary := &scriptedProvider{name: "primary", errs: []error{rateLimited("primary")}}
	secondary := &scriptedProvider{name: "secondary"}
	f := newTestFailover(time.Minute, &clock, primary, secondary)

	if _, err := f.Embed(context.Background(), []string{"a"}); err != nil {
		t.Fatalf("Embed returned %v", err)
	}

	clock = clock.Add(2 * time.Minute)
	if _, err := f.Embed(context.Background(), []string{"b"}); err != nil {
		t.Fatalf("Embed after cooldown returned %v", err)
	}
	if primary.calls != 2 {
		t.Errorf("primary called %d times, want 2 (cooldown expired)", primary.calls)
	}
}

func TestFailoverTriesNextOnOtherErrors(t *testing.T) {
	clock := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	primary := &scriptedProvider{name: "primary", errs: []error{errors.New("boom"), nil}}
	secondary := &scriptedProvider{name: "secondary"}
	f := newTestFailover(time.Minute, &clock, primary, secondary)

	if _, err := f.Embed(context.Background(), []string{"a"}); err != nil {
		t.Fatalf("Embed returned %v", err)
	}
	if secondary.calls != 1 {
		t.Errorf("secondary called %d times, want 1", secondary.calls)
	}

	// A plain failure carries no cooldown; the primary is tried again.
	if _, err := f.Embed(context.Background(), []string{"b"}); err != nil {
		t.Fatalf("second Embed returned %v", err)
	}
	if primary.calls != 2 {
		t.Errorf("primary called %d times, want 2", primary.calls)
	}
}

func TestFailoverWaitsWhenAllCooling(t *testing.T) {
	clock := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	primary := &scriptedProvider{name: "primary", errs: []error{rateLimited("primary"), nil}}
	secondary := &scriptedProvider{name: "secondary", errs: []error{rateLimited("secondary")}}
	f := newTestFailover(time.Minute, &clock, primary, secondary)

	// Both providers end up cooling; the call fails after exhausting them.
	if _, err := f.Embed(context.Background(), []string{"a"}); err == nil {
		t.Fatal("Embed succeeded, want failure with both providers rate limited")
	}

	// The next call has nobody available, waits out the soonest cooldown
	// (the primary's), and succeeds on the retried provider.
	if _, err := f.Embed(context.Background(), []string{"b"}); err != nil {
		t.Fatalf("Embed after waiting returned %v", err)
	}
	if primary.calls != 2 {
		t.Errorf("primary called %d times, want 2", primary.calls)
	}
}

func TestFailoverWithNoProviders(t *testing.T) {
	clock := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	f := newTestFailover(time.Minute, &clock)
	if _, err := f.Embed(context.Background(), []string{"a"}); err == nil {
		t.Fatal("Embed with no providers succeeded, want error")
	}
}
