package retry

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"google.golang.org/api/googleapi"
)

func TestClassifySentinels(t *testing.T) {
	cases := []struct {
		err  error
		want Class
	}{
		{fmt.Errorf("%w: gemini said no", ErrRateLimited), ClassRateLimited},
		{fmt.Errorf("%w: token expired", ErrStateInvalid), ClassStateInvalid},
		{fmt.Errorf("%w: etag mismatch", ErrConflict), ClassConflict},
		{fmt.Errorf("%w: bad payload", ErrPermanent), ClassPermanent},
	}
	for _, tc := range cases {
		if got := Classify(tc.err); got != tc.want {
			t.Errorf("Classify(%v) = %s, want %s", tc.err, got, tc.want)
		}
	}
}

func TestClassifyGoogleAPICodes(t *testing.T) {
	cases := []struct {
		code int
		body string
		want Class
	}{
		{429, "", ClassRateLimited},
		{403, "rateLimitExceeded quota", ClassRateLimited},
		{403, "forbidden", ClassPermanent},
		{410, "sync token expired", ClassStateInvalid},
		{409, "", ClassConflict},
		{412, "precondition failed", ClassConflict},
		{500, "", ClassTransient},
		{503, "", ClassTransient},
		{404, "", ClassPermanent},
	}
	for _, tc := range cases {
		err := &googleapi.Error{Code: tc.code, Message: tc.body}
		if got := Classify(err); got != tc.want {
			t.Errorf("Classify(%d %q) = %s, want %s", tc.code, tc.body, got, tc.want)
		}
	}
}

func TestClassifyWrappedGoogleAPIError(t *testing.T) {
	err := fmt.Errorf("unable to list events: %w", &googleapi.Error{Code: 410})
	if got := Classify(err); got != ClassStateInvalid {
		t.Errorf("Classify(wrapped 410) = %s, want state-invalid", got)
	}
}

func TestClassifyStringIndicators(t *testing.T) {
	if got := Classify(errors.New("dial tcp 10.0.0.1:993: connection refused")); got != ClassTransient {
		t.Errorf("connection refused classified as %s, want transient", got)
	}
	if got := Classify(errors.New("too many requests, slow down")); got != ClassRateLimited {
		t.Errorf("throttle message classified as %s, want rate-limited", got)
	}
	if got := Classify(errors.New("mailbox does not exist")); got != ClassPermanent {
		t.Errorf("unknown error classified as %s, want permanent", got)
	}
}

func TestDoRetriesTransient(t *testing.T) {
	attempts := 0
	policy := Policy{MaxAttempts: 3, InitialDelay: time.Millisecond}

	err := Do(context.Background(), policy, func() error {
		attempts++
		if attempts < 3 {
			return errors.New("connection reset by peer")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Do returned %v, want nil", err)
	}
	if attempts != 3 {
		t.Errorf("fn ran %d times, want 3", attempts)
	}
}

func TestDoStopsOnPermanent(t *testing.T) {
	attempts := 0
	policy := Policy{MaxAttempts: 5, InitialDelay: time.Millisecond}

	wantErr := fmt.Errorf("%w: malformed request", ErrPermanent)
	err := Do(context.Background(), policy, func() error {
		attempts++
		return wantErr
	})
	if !errors.Is(err, ErrPermanent) {
		t.Fatalf("Do returned %v, want permanent error", err)
	}
	if attempts != 1 {
		t.Errorf("fn ran %d times, want 1", attempts)
	}
}

func TestDoGivesUpAfterMaxAttempts(t *testing.T) {
	attempts := 0
	policy := Policy{MaxAttempts: 3, InitialDelay: time.Millisecond}

	err := Do(context.Background(), policy, func() error {
		attempts++
		return errors.New("i/o timeout")
	})
	if err == nil {
		t.Fatal("Do returned nil, want error")
	}
	if attempts != 3 {
		t.Errorf("fn ran %d times, want 3", attempts)
	}
}

func TestDoHonorsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	policy := Policy{MaxAttempts: 3, InitialDelay: time.Minute}
	err := Do(ctx, policy, func() error {
		return errors.New("timeout")
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Do returned %v, want context.Canceled", err)
	}
}
