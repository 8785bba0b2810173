package imapx

import (
	"errors"
	"testing"
	"time"
)

func TestPoolAcquireRelease(t *testing.T) {
	built := 0
	pool := NewPool(func() (*Session, error) {
		built++
		return &Session{}, nil
	}, 2)
	defer pool.Close()

	first, err := pool.Acquire(time.Second)
	if err != nil {
		t.Fatalf("Acquire returned %v", err)
	}
	second, err := pool.Acquire(time.Second)
	if err != nil {
		t.Fatalf("second Acquire returned %v", err)
	}
	if built != 2 {
		t.Errorf("factory ran %d times, want 2", built)
	}

	pool.Release(first)
	third, err := pool.Acquire(time.Second)
	if err != nil {
		t.Fatalf("Acquire after Release returned %v", err)
	}
	pool.Release(second)
	pool.Release(third)
}

func TestPoolAcquireTimesOutWhenExhausted(t *testing.T) {
	pool := NewPool(func() (*Session, error) {
		return &Session{}, nil
	}, 1)
	defer pool.Close()

	session, err := pool.Acquire(time.Second)
	if err != nil {
		t.Fatalf("Acquire returned %v", err)
	}
	defer pool.Release(session)

	_, err = pool.Acquire(20 * time.Millisecond)
	if !errors.Is(err, ErrAcquireTimeout) {
		t.Fatalf("Acquire on exhausted pool returned %v, want ErrAcquireTimeout", err)
	}
}

func TestPoolDegradesWhenFactoryFails(t *testing.T) {
	calls := 0
	pool := NewPool(func() (*Session, error) {
		calls++
		if calls%2 == 0 {
			return nil, errors.New("login failed")
		}
		return &Session{}, nil
	}, 4)
	defer pool.Close()

	session, err := pool.Acquire(time.Second)
	if err != nil {
		t.Fatalf("Acquire returned %v", err)
	}
	pool.Release(session)

	if pool.Size() != 2 {
		t.Errorf("pool size = %d, want 2 (half the factories failed)", pool.Size())
	}
}

func TestPoolSetMaxClampsBeforeInit(t *testing.T) {
	built := 0
	pool := NewPool(func() (*Session, error) {
		built++
		return &Session{}, nil
	}, 4)
	defer pool.Close()

	// The folder count turned out lower than the configured ceiling.
	pool.SetMax(2)

	session, err := pool.Acquire(time.Second)
	if err != nil {
		t.Fatalf("Acquire returned %v", err)
	}
	pool.Release(session)

	if built != 2 {
		t.Errorf("factory ran %d times, want 2", built)
	}
	if pool.Size() != 2 {
		t.Errorf("pool size = %d, want 2", pool.Size())
	}
}

func TestPoolSetMaxClosesSurplusIdleSessions(t *testing.T) {
	pool := NewPool(func() (*Session, error) {
		return &Session{}, nil
	}, 4)
	defer pool.Close()

	session, err := pool.Acquire(time.Second)
	if err != nil {
		t.Fatalf("Acquire returned %v", err)
	}
	pool.Release(session)
	if pool.Size() != 4 {
		t.Fatalf("pool size = %d, want 4 before clamp", pool.Size())
	}

	pool.SetMax(2)
	if pool.Size() != 2 {
		t.Errorf("pool size = %d, want 2 after clamp", pool.Size())
	}

	first, err := pool.Acquire(time.Second)
	if err != nil {
		t.Fatalf("Acquire returned %v", err)
	}
	second, err := pool.Acquire(time.Second)
	if err != nil {
		t.Fatalf("second Acquire returned %v", err)
	}
	if _, err := pool.Acquire(20 * time.Millisecond); !errors.Is(err, ErrAcquireTimeout) {
		t.Fatalf("third Acquire returned %v, want ErrAcquireTimeout", err)
	}
	pool.Release(first)
	pool.Release(second)
}

func TestPoolAcquireAfterClose(t *testing.T) {
	pool := NewPool(func() (*Session, error) {
		return &Session{}, nil
	}, 1)
	pool.Close()

	if _, err := pool.Acquire(time.Second); !errors.Is(err, ErrPoolClosed) {
		t.Fatalf("Acquire after Close returned %v, want ErrPoolClosed", err)
	}
}

func TestPoolReleaseAfterCloseClosesSession(t *testing.T) {
	pool := NewPool(func() (*Session, error) {
		return &Session{}, nil
	}, 1)

	session, err := pool.Acquire(time.Second)
	if err != nil {
		t.Fatalf("Acquire returned %v", err)
	}

	pool.Close()
	// Must not panic or block; the session is closed instead of re-queued.
	pool.Release(session)
}
