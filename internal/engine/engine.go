package engine

import (
	"context"
	"log"
	"sync"
	"time"

	calusecase "mailsync-backend/internal/calendar/usecase"
	emailusecase "mailsync-backend/internal/email/usecase"
	"mailsync-backend/internal/notification"
	"mailsync-backend/pkg/config"
	"mailsync-backend/pkg/imapx"
)

// poolAdapter narrows *imapx.Pool to the SessionPool interface the email
// workers consume.
type poolAdapter struct {
	pool *imapx.Pool
}

func (a *poolAdapter) Acquire(timeout time.Duration) (emailusecase.MailSession, error) {
	session, err := a.pool.Acquire(timeout)
	if err != nil {
		return nil, err
	}
	return session, nil
}

func (a *poolAdapter) Release(session emailusecase.MailSession) {
	if s, ok := session.(*imapx.Session); ok {
		a.pool.Release(s)
	}
}

func (a *poolAdapter) Discard(session emailusecase.MailSession) {
	if s, ok := session.(*imapx.Session); ok {
		a.pool.Discard(s)
	}
}

// NewSessionPool wraps an imapx pool for the email workers.
func NewSessionPool(pool *imapx.Pool) emailusecase.SessionPool {
	return &poolAdapter{pool: pool}
}

// Deps carries everything the engine orchestrates. CalendarWorker and
// PubSub may be nil when unconfigured.
type Deps struct {
	Config         *config.Config
	Pool           *imapx.Pool
	SyncWorker     *emailusecase.FolderSyncWorker
	EmbedWorker    *emailusecase.EmbeddingWorker
	Ingestion      *emailusecase.LockstepIngestionPipeline
	Flusher        *emailusecase.MutationFlusher
	CalendarWorker *calusecase.CalendarSyncWorker
	PubSub         *notification.PubSubListener
	SessionFactory func() (*imapx.Session, error)
}

// Engine wires the workers together: initial lockstep ingestion, periodic
// sync loops, push-triggered debounced resync, and graceful shutdown.
type Engine struct {
	deps Deps

	folders   []string
	debouncer *Debouncer

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates an engine from its dependencies.
func New(deps Deps) *Engine {
	return &Engine{deps: deps}
}

// Folders reports the folder set the engine is syncing. Empty until Start
// has discovered folders.
func (e *Engine) Folders() []string {
	return e.folders
}

// AttachPubSub wires a push notification listener. Must be called before
// Start.
func (e *Engine) AttachPubSub(listener *notification.PubSubListener) {
	e.deps.PubSub = listener
}

// TriggerResync requests a debounced resync of every folder. External
// change sources (push notifications) call this.
func (e *Engine) TriggerResync() {
	if e.debouncer != nil {
		e.debouncer.Trigger()
	}
}

// Start discovers folders, runs the initial ingestion, and launches the
// background loops. It returns once the loops are running.
func (e *Engine) Start(parent context.Context) error {
	ctx, cancel := context.WithCancel(parent)
	e.cancel = cancel

	folders, err := e.discoverFolders()
	if err != nil {
		return err
	}
	e.folders = folders
	log.Printf("[Engine] Syncing %d folders: %v", len(folders), folders)

	// Only one session per folder can ever be in use; the IDLE monitor
	// runs on its own dedicated connection.
	e.deps.Pool.SetMax(len(folders))

	e.debouncer = NewDebouncer(e.deps.Config.DebounceDelay, func() {
		e.syncAll(ctx)
	})

	e.initialIngestion(ctx)

	e.loop(ctx, e.deps.Config.SyncInterval, "sync", func() {
		e.syncAll(ctx)
	})
	e.loop(ctx, e.deps.Config.EmbedInterval, "embedding", func() {
		e.embedAll(ctx)
	})
	e.loop(ctx, e.deps.Config.SyncInterval, "mutation flush", func() {
		if _, err := e.deps.Flusher.Flush(ctx); err != nil {
			log.Printf("[Engine] Mutation flush failed: %v", err)
		}
	})

	if e.deps.CalendarWorker != nil && len(e.deps.Config.CalendarIDs) > 0 {
		e.loop(ctx, e.deps.Config.CalendarInterval, "calendar", func() {
			e.syncCalendars(ctx)
		})
	}

	e.startMonitor(ctx)
	e.startPubSub(ctx)

	return nil
}

// Stop shuts the engine down: loops wind down, the debouncer stops firing,
// and pooled sessions are logged out.
func (e *Engine) Stop() {
	log.Println("[Engine] Stopping")
	if e.cancel != nil {
		e.cancel()
	}
	if e.debouncer != nil {
		e.debouncer.Stop()
	}
	e.wg.Wait()
	e.deps.Pool.Close()
	if e.deps.PubSub != nil {
		if err := e.deps.PubSub.Close(); err != nil {
			log.Printf("[Engine] Error closing pubsub listener: %v", err)
		}
	}
	log.Println("[Engine] Stopped")
}

// discoverFolders uses the configured list, or asks the server when none is
// configured.
func (e *Engine) discoverFolders() ([]string, error) {
	if len(e.deps.Config.ImapFolders) > 0 {
		return e.deps.Config.ImapFolders, nil
	}

	session, err := e.deps.Pool.Acquire(e.deps.Config.AcquireTimeout)
	if err != nil {
		return nil, err
	}
	folders, err := session.ListFolders()
	if err != nil {
		e.deps.Pool.Discard(session)
		return nil, err
	}
	e.deps.Pool.Release(session)
	return folders, nil
}

// initialIngestion fills every folder in lockstep, bounded by the pool.
func (e *Engine) initialIngestion(ctx context.Context) {
	log.Println("[Engine] Starting initial ingestion")
	var wg sync.WaitGroup
	for _, folder := range e.folders {
		wg.Add(1)
		go func(folder string) {
			defer wg.Done()
			if err := e.deps.Ingestion.Ingest(ctx, folder); err != nil {
				log.Printf("[Engine] Initial ingestion of %s failed: %v", folder, err)
			}
		}(folder)
	}
	wg.Wait()
	log.Println("[Engine] Initial ingestion complete")
}

// loop runs fn immediately and then on every tick until shutdown.
func (e *Engine) loop(ctx context.Context, interval time.Duration, name string, fn func()) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()

		fn()

		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				fn()
			case <-ctx.Done():
				log.Printf("[Engine] %s loop stopped", name)
				return
			}
		}
	}()
}

// syncAll reconciles every folder concurrently. A failing folder never
// blocks the others; per-folder single-flight lives in the worker.
func (e *Engine) syncAll(ctx context.Context) {
	var wg sync.WaitGroup
	for _, folder := range e.folders {
		wg.Add(1)
		go func(folder string) {
			defer wg.Done()
			if err := e.deps.SyncWorker.Sync(ctx, folder); err != nil {
				log.Printf("[Engine] Sync of %s failed: %v", folder, err)
			}
		}(folder)
	}
	wg.Wait()
}

func (e *Engine) embedAll(ctx context.Context) {
	for _, folder := range e.folders {
		if _, err := e.deps.EmbedWorker.SyncFolder(ctx, folder); err != nil {
			log.Printf("[Engine] Embedding pass for %s failed: %v", folder, err)
		}
	}
}

func (e *Engine) syncCalendars(ctx context.Context) {
	for _, calendarID := range e.deps.Config.CalendarIDs {
		if err := e.deps.CalendarWorker.Sync(ctx, calendarID); err != nil {
			log.Printf("[Engine] Calendar sync of %s failed: %v", calendarID, err)
		}
	}
}

// startMonitor watches the inbox over IMAP IDLE on a dedicated connection
// and funnels changes into the debouncer.
func (e *Engine) startMonitor(ctx context.Context) {
	if e.deps.SessionFactory == nil || len(e.folders) == 0 {
		return
	}

	folder := e.folders[0]
	for _, f := range e.folders {
		if f == "INBOX" {
			folder = f
			break
		}
	}

	factory := func() (notification.IdleSession, error) {
		return e.deps.SessionFactory()
	}
	monitor := notification.NewPushNotificationMonitor(factory, folder, e.deps.Config.IdleTimeout, e.debouncer.Trigger)

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		monitor.Run(ctx)
	}()
}

func (e *Engine) startPubSub(ctx context.Context) {
	if e.deps.PubSub == nil {
		return
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.deps.PubSub.Start(ctx)
	}()
}
