package retry

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"google.golang.org/api/googleapi"
)

// Class buckets a remote-call failure by how the caller should react.
type Class int

const (
	// ClassTransient covers network timeouts and other failures that are
	// expected to clear on their own. Retried with backoff, bounded.
	ClassTransient Class = iota
	// ClassRateLimited is a provider/server throttle. Retried after a
	// cooldown rather than a plain backoff.
	ClassRateLimited
	// ClassStateInvalid means a stored cursor (sync token, folder identity)
	// no longer matches the remote. Triggers a full resync, not a retry.
	ClassStateInvalid
	// ClassConflict is a remote precondition mismatch. Terminal for the
	// mutation; server state wins.
	ClassConflict
	// ClassPermanent is everything that retrying will not fix.
	ClassPermanent
)

func (c Class) String() string {
	switch c {
	case ClassTransient:
		return "transient"
	case ClassRateLimited:
		return "rate-limited"
	case ClassStateInvalid:
		return "state-invalid"
	case ClassConflict:
		return "conflict"
	case ClassPermanent:
		return "permanent"
	default:
		return "unknown"
	}
}

// Sentinel errors for callers that know the class at the call site.
// Wrap with fmt.Errorf("%w: ...", retry.ErrRateLimited) and Classify will
// pick them up before any string sniffing.
var (
	ErrRateLimited  = errors.New("rate limited")
	ErrStateInvalid = errors.New("sync state invalidated")
	ErrConflict     = errors.New("remote conflict")
	ErrPermanent    = errors.New("permanent failure")
)

var rateLimitIndicators = []string{
	"429",
	"quota",
	"rate limit",
	"too many requests",
	"resource_exhausted",
}

var connectionIndicators = []string{
	"connection refused",
	"no such host",
	"network is unreachable",
	"connection reset",
	"timeout",
	"dial tcp",
	"broken pipe",
	"eof",
}

// Classify maps an error to its Class. Unrecognized errors are permanent:
// everything worth retrying announces itself either through a sentinel,
// an API status code, or a known connection failure shape.
func Classify(err error) Class {
	if err == nil {
		return ClassPermanent
	}

	switch {
	case errors.Is(err, ErrRateLimited):
		return ClassRateLimited
	case errors.Is(err, ErrStateInvalid):
		return ClassStateInvalid
	case errors.Is(err, ErrConflict):
		return ClassConflict
	case errors.Is(err, ErrPermanent):
		return ClassPermanent
	}

	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		switch apiErr.Code {
		case 429:
			return ClassRateLimited
		case 403:
			// Google APIs report quota exhaustion as 403 with a rate reason.
			if containsAny(apiErr.Error(), rateLimitIndicators) {
				return ClassRateLimited
			}
			return ClassPermanent
		case 410:
			return ClassStateInvalid
		case 409, 412:
			return ClassConflict
		case 500, 502, 503, 504:
			return ClassTransient
		default:
			return ClassPermanent
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return ClassTransient
	}

	msg := strings.ToLower(err.Error())
	if containsAny(msg, rateLimitIndicators) {
		return ClassRateLimited
	}
	if containsAny(msg, connectionIndicators) {
		return ClassTransient
	}

	return ClassPermanent
}

func containsAny(s string, indicators []string) bool {
	s = strings.ToLower(s)
	for _, indicator := range indicators {
		if strings.Contains(s, indicator) {
			return true
		}
	}
	return false
}

// Policy bounds a retry loop.
type Policy struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
}

// DefaultPolicy matches the backoff used across the sync workers.
var DefaultPolicy = Policy{
	MaxAttempts:  3,
	InitialDelay: 2 * time.Second,
	MaxDelay:     30 * time.Second,
}

// Do runs fn, retrying transient and rate-limited failures with exponential
// backoff up to MaxAttempts. State-invalidating, conflict, and permanent
// errors are returned to the caller immediately.
func Do(ctx context.Context, p Policy, fn func() error) error {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 1
	}

	delay := p.InitialDelay
	var err error
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		err = fn()
		if err == nil {
			return nil
		}

		class := Classify(err)
		if class != ClassTransient && class != ClassRateLimited {
			return err
		}
		if attempt == p.MaxAttempts {
			break
		}

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}

		delay *= 2
		if p.MaxDelay > 0 && delay > p.MaxDelay {
			delay = p.MaxDelay
		}
	}

	return fmt.Errorf("giving up after %d attempts: %w", p.MaxAttempts, err)
}
