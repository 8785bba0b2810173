package imapx

import (
	"errors"
	"log"
	"sync"
	"time"
)

// ErrAcquireTimeout is returned when no session becomes available within
// the acquire deadline.
var ErrAcquireTimeout = errors.New("timed out waiting for an imap session")

// ErrPoolClosed is returned by Acquire after Close.
var ErrPoolClosed = errors.New("imap session pool is closed")

// Pool is a bounded set of authenticated sessions. Sessions are built
// lazily on the first Acquire, handed out exclusively, and returned with
// Release. A session that fails to authenticate during construction is
// omitted; the pool runs degraded rather than failing.
type Pool struct {
	factory func() (*Session, error)
	max     int

	initOnce sync.Once
	sessions chan *Session

	mu     sync.Mutex
	built  int
	closed bool
}

// NewPool creates a pool of at most max sessions produced by factory.
func NewPool(factory func() (*Session, error), max int) *Pool {
	if max < 1 {
		max = 1
	}
	return &Pool{
		factory:  factory,
		max:      max,
		sessions: make(chan *Session, max),
	}
}

// SetMax lowers the session ceiling, typically once the folder count is
// known and fewer sessions than configured can ever be in use. Surplus
// idle sessions are closed. Raising the ceiling is not supported.
func (p *Pool) SetMax(max int) {
	if max < 1 {
		max = 1
	}
	p.mu.Lock()
	if max >= p.max {
		p.mu.Unlock()
		return
	}
	p.max = max
	surplus := p.built - max
	p.mu.Unlock()

	for i := 0; i < surplus; i++ {
		select {
		case session := <-p.sessions:
			_ = session.Close()
			p.mu.Lock()
			p.built--
			p.mu.Unlock()
		default:
			return
		}
	}
}

// init builds the sessions exactly once, however many callers race into
// the first Acquire.
func (p *Pool) init() {
	p.mu.Lock()
	max := p.max
	p.mu.Unlock()

	built := 0
	for i := 0; i < max; i++ {
		session, err := p.factory()
		if err != nil {
			log.Printf("[Pool] Session %d/%d failed to initialize (pool degraded): %v", i+1, max, err)
			continue
		}
		p.sessions <- session
		built++
	}

	p.mu.Lock()
	p.built = built
	p.mu.Unlock()

	log.Printf("[Pool] Initialized %d/%d sessions", built, max)
}

// Acquire hands out an exclusive session, waiting up to timeout.
func (p *Pool) Acquire(timeout time.Duration) (*Session, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}
	p.mu.Unlock()

	p.initOnce.Do(p.init)

	select {
	case session, ok := <-p.sessions:
		if !ok {
			return nil, ErrPoolClosed
		}
		return session, nil
	case <-time.After(timeout):
		return nil, ErrAcquireTimeout
	}
}

// Release returns a session to the pool. If the pool has been closed in
// the meantime, the session is closed instead of re-queued. A nil session
// (after a failed call site) is ignored.
func (p *Pool) Release(session *Session) {
	if session == nil {
		return
	}

	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()

	if closed {
		_ = session.Close()
		return
	}

	select {
	case p.sessions <- session:
	default:
		// More releases than capacity should not happen; close rather
		// than leak the connection.
		_ = session.Close()
	}
}

// Discard drops a broken session instead of returning it, shrinking the
// pool until a replacement is built.
func (p *Pool) Discard(session *Session) {
	if session == nil {
		return
	}
	_ = session.Close()

	replacement, err := p.factory()
	if err != nil {
		log.Printf("[Pool] Unable to replace discarded session: %v", err)
		p.mu.Lock()
		p.built--
		p.mu.Unlock()
		return
	}
	p.Release(replacement)
}

// Size reports how many sessions were successfully built.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.built
}

// Close drains and closes every pooled session, best-effort. In-flight
// sessions are closed when their holders call Release.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.mu.Unlock()

	for {
		select {
		case session := <-p.sessions:
			if err := session.Close(); err != nil {
				log.Printf("[Pool] Error closing session: %v", err)
			}
		default:
			return
		}
	}
}
