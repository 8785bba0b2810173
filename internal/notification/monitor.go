package notification

import (
	"context"
	"log"
	"time"

	"mailsync-backend/pkg/imapx"
)

// IdleSession is the slice of an IMAP session the monitor needs.
type IdleSession interface {
	Select(folder string, readOnly bool) (*imapx.SelectInfo, error)
	SupportsIdle() bool
	IdleWait(timeout time.Duration) (bool, error)
	Close() error
}

// SessionFactory dials a fresh authenticated session. The monitor keeps its
// own dedicated connection; IDLE would otherwise pin a pooled session for
// its whole lifetime.
type SessionFactory func() (IdleSession, error)

// PushNotificationMonitor holds one folder open in IMAP IDLE and fires a
// trigger whenever the server reports a change. Connection loss is retried
// with a fixed backoff; the monitor degrades to nothing (periodic sync
// still runs) when the server lacks IDLE.
type PushNotificationMonitor struct {
	factory     SessionFactory
	folder      string
	trigger     func()
	idleTimeout time.Duration
	retryDelay  time.Duration
}

// NewPushNotificationMonitor creates a monitor for one folder.
func NewPushNotificationMonitor(factory SessionFactory, folder string, idleTimeout time.Duration, trigger func()) *PushNotificationMonitor {
	return &PushNotificationMonitor{
		factory:     factory,
		folder:      folder,
		trigger:     trigger,
		idleTimeout: idleTimeout,
		retryDelay:  30 * time.Second,
	}
}

// Run blocks until the context is cancelled.
func (m *PushNotificationMonitor) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		session, err := m.factory()
		if err != nil {
			log.Printf("[Monitor] %s: unable to connect: %v, retrying in %s", m.folder, err, m.retryDelay)
			if !m.sleep(ctx) {
				return
			}
			continue
		}

		if !session.SupportsIdle() {
			log.Printf("[Monitor] %s: server lacks IDLE, push monitoring disabled", m.folder)
			session.Close()
			return
		}

		if _, err := session.Select(m.folder, true); err != nil {
			log.Printf("[Monitor] %s: select failed: %v", m.folder, err)
			session.Close()
			if !m.sleep(ctx) {
				return
			}
			continue
		}

		m.idleLoop(ctx, session)
		session.Close()

		if ctx.Err() != nil {
			return
		}
		if !m.sleep(ctx) {
			return
		}
	}
}

// idleLoop re-enters IDLE until the session breaks or the context ends.
func (m *PushNotificationMonitor) idleLoop(ctx context.Context, session IdleSession) {
	for {
		if ctx.Err() != nil {
			return
		}

		changed, err := session.IdleWait(m.idleTimeout)
		if err != nil {
			log.Printf("[Monitor] %s: idle broke: %v", m.folder, err)
			return
		}
		if changed {
			log.Printf("[Monitor] %s: mailbox changed", m.folder)
			m.trigger()
		}
	}
}

func (m *PushNotificationMonitor) sleep(ctx context.Context) bool {
	select {
	case <-time.After(m.retryDelay):
		return true
	case <-ctx.Done():
		return false
	}
}
