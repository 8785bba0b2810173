package usecase

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"mailsync-backend/internal/email/domain"
	"mailsync-backend/internal/email/repository"
	"mailsync-backend/pkg/imapx"
)

// MailSession is the slice of an IMAP session the sync workers need.
// *imapx.Session satisfies it; tests substitute fakes.
type MailSession interface {
	Select(folder string, readOnly bool) (*imapx.SelectInfo, error)
	SearchUIDsFrom(start uint32) ([]uint32, error)
	FetchMessages(uids []uint32) ([]*imapx.FetchedMessage, error)
	FetchFlagChanges(since uint64, maxUID uint32) ([]imapx.FlagUpdate, error)
	StoreFlags(uids []uint32, flags []string, add bool) error
	Move(uids []uint32, dest string) error
	Append(folder string, raw []byte, flags []string) (uint32, error)
	SupportsModSeq() bool
}

// SessionPool hands out MailSessions with bounded concurrency.
type SessionPool interface {
	Acquire(timeout time.Duration) (MailSession, error)
	Release(session MailSession)
	Discard(session MailSession)
}

// FolderSyncWorker reconciles one folder at a time against the server.
// Each folder is single-flight: a sync request for a folder already being
// synced is dropped, not queued.
type FolderSyncWorker struct {
	pool           SessionPool
	stateRepo      repository.FolderStateRepository
	emailRepo      repository.EmailRepository
	batchSize      int
	acquireTimeout time.Duration

	locks sync.Map // folder -> *sync.Mutex
}

// NewFolderSyncWorker creates a new folder sync worker.
func NewFolderSyncWorker(
	pool SessionPool,
	stateRepo repository.FolderStateRepository,
	emailRepo repository.EmailRepository,
	batchSize int,
	acquireTimeout time.Duration,
) *FolderSyncWorker {
	if batchSize <= 0 {
		batchSize = 50
	}
	return &FolderSyncWorker{
		pool:           pool,
		stateRepo:      stateRepo,
		emailRepo:      emailRepo,
		batchSize:      batchSize,
		acquireTimeout: acquireTimeout,
	}
}

func (w *FolderSyncWorker) folderLock(folder string) *sync.Mutex {
	mu, _ := w.locks.LoadOrStore(folder, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

// Sync fully reconciles one folder: UIDVALIDITY check, flag deltas,
// deletion reconciliation, then ingestion of new messages in ascending
// batches with the cursor advanced after every committed batch.
func (w *FolderSyncWorker) Sync(ctx context.Context, folder string) error {
	lock := w.folderLock(folder)
	if !lock.TryLock() {
		log.Printf("[FolderSync] %s already syncing, skipping", folder)
		return nil
	}
	defer lock.Unlock()

	session, err := w.pool.Acquire(w.acquireTimeout)
	if err != nil {
		return fmt.Errorf("unable to acquire session for %s: %w", folder, err)
	}

	err = w.syncLocked(ctx, session, folder, 0)
	if err != nil {
		w.pool.Discard(session)
		w.recordError(folder, err)
		return err
	}
	w.pool.Release(session)
	return nil
}

// SyncBatch ingests at most one batch of new messages and reports the UIDs
// it stored. It is the primitive the lockstep pipeline alternates with
// embedding; an empty result means the folder has no new messages.
func (w *FolderSyncWorker) SyncBatch(ctx context.Context, folder string) ([]uint32, error) {
	lock := w.folderLock(folder)
	lock.Lock()
	defer lock.Unlock()

	session, err := w.pool.Acquire(w.acquireTimeout)
	if err != nil {
		return nil, fmt.Errorf("unable to acquire session for %s: %w", folder, err)
	}

	ingested, err := w.syncBatchLocked(ctx, session, folder)
	if err != nil {
		w.pool.Discard(session)
		w.recordError(folder, err)
		return nil, err
	}
	w.pool.Release(session)
	return ingested, nil
}

// prepare selects the folder, loads (or creates) its state, and handles
// UIDVALIDITY invalidation. Returns the ready state and the select info.
func (w *FolderSyncWorker) prepare(session MailSession, folder string) (*domain.FolderSyncState, *imapx.SelectInfo, error) {
	info, err := session.Select(folder, true)
	if err != nil {
		return nil, nil, err
	}

	state, err := w.stateRepo.GetFolderState(folder)
	if err != nil {
		return nil, nil, fmt.Errorf("unable to load state for %s: %w", folder, err)
	}
	if state == nil {
		state = &domain.FolderSyncState{
			Folder:      folder,
			UIDValidity: info.UIDValidity,
			UIDNext:     1,
		}
	}

	if state.UIDValidity != info.UIDValidity {
		log.Printf("[FolderSync] %s UIDVALIDITY changed %d -> %d, discarding local copy",
			folder, state.UIDValidity, info.UIDValidity)
		if err := w.stateRepo.ClearFolder(folder); err != nil {
			return nil, nil, fmt.Errorf("unable to clear %s after uidvalidity change: %w", folder, err)
		}
		state = &domain.FolderSyncState{
			Folder:      folder,
			UIDValidity: info.UIDValidity,
			UIDNext:     1,
		}
	}

	return state, info, nil
}

// syncLocked runs the full reconciliation. maxBatches of 0 means no limit.
func (w *FolderSyncWorker) syncLocked(ctx context.Context, session MailSession, folder string, maxBatches int) error {
	state, info, err := w.prepare(session, folder)
	if err != nil {
		return err
	}

	// Fast path: nothing appended and the modseq has not advanced, so
	// neither flags nor membership changed.
	if session.SupportsModSeq() &&
		state.HighestModSeq != 0 &&
		info.HighestModSeq == state.HighestModSeq &&
		info.UIDNext == state.UIDNext {
		state.LastSyncAt = time.Now()
		state.LastError = ""
		return w.stateRepo.SaveFolderState(state)
	}

	if err := w.applyFlagDeltas(session, folder, state, info); err != nil {
		return err
	}

	serverUIDs, err := session.SearchUIDsFrom(1)
	if err != nil {
		return err
	}

	if err := w.reconcileDeletions(folder, state, serverUIDs); err != nil {
		return err
	}

	var newUIDs []uint32
	for _, uid := range serverUIDs {
		if uid >= state.UIDNext {
			newUIDs = append(newUIDs, uid)
		}
	}

	batches := 0
	for start := 0; start < len(newUIDs); start += w.batchSize {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		end := start + w.batchSize
		if end > len(newUIDs) {
			end = len(newUIDs)
		}

		if err := w.ingestBatch(session, folder, newUIDs[start:end], state); err != nil {
			return err
		}
		batches++
		if maxBatches > 0 && batches >= maxBatches {
			return nil
		}
	}

	// All caught up; adopt the server cursors observed at select time.
	if info.UIDNext > state.UIDNext {
		state.UIDNext = info.UIDNext
	}
	state.HighestModSeq = info.HighestModSeq
	state.LastSyncAt = time.Now()
	state.LastError = ""
	if err := w.stateRepo.SaveFolderState(state); err != nil {
		return fmt.Errorf("unable to save state for %s: %w", folder, err)
	}

	if len(newUIDs) > 0 {
		log.Printf("[FolderSync] %s ingested %d new messages", folder, len(newUIDs))
	}
	return nil
}

// syncBatchLocked ingests at most one batch of new messages, skipping the
// flag/deletion passes the full sync performs. Used by lockstep ingestion.
func (w *FolderSyncWorker) syncBatchLocked(ctx context.Context, session MailSession, folder string) ([]uint32, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	state, info, err := w.prepare(session, folder)
	if err != nil {
		return nil, err
	}

	serverUIDs, err := session.SearchUIDsFrom(state.UIDNext)
	if err != nil {
		return nil, err
	}
	if len(serverUIDs) == 0 {
		if info.UIDNext > state.UIDNext {
			state.UIDNext = info.UIDNext
		}
		state.HighestModSeq = info.HighestModSeq
		state.LastSyncAt = time.Now()
		state.LastError = ""
		if err := w.stateRepo.SaveFolderState(state); err != nil {
			return nil, fmt.Errorf("unable to save state for %s: %w", folder, err)
		}
		return nil, nil
	}

	batch := serverUIDs
	if len(batch) > w.batchSize {
		batch = batch[:w.batchSize]
	}
	if err := w.ingestBatch(session, folder, batch, state); err != nil {
		return nil, err
	}
	return batch, nil
}

// applyFlagDeltas fetches metadata-only changes since the stored modseq and
// applies them locally. Bodies are never re-fetched here.
func (w *FolderSyncWorker) applyFlagDeltas(session MailSession, folder string, state *domain.FolderSyncState, info *imapx.SelectInfo) error {
	if !session.SupportsModSeq() || state.HighestModSeq == 0 || info.HighestModSeq <= state.HighestModSeq {
		return nil
	}
	if state.UIDNext <= 1 {
		return nil
	}

	updates, err := session.FetchFlagChanges(state.HighestModSeq, state.UIDNext-1)
	if err != nil {
		return err
	}

	for _, update := range updates {
		if err := w.emailRepo.UpdateEmailFlags(folder, update.UID, update.Flags); err != nil {
			return fmt.Errorf("unable to update flags for %s/%d: %w", folder, update.UID, err)
		}
	}
	if len(updates) > 0 {
		log.Printf("[FolderSync] %s applied %d flag updates", folder, len(updates))
	}
	return nil
}

// reconcileDeletions drops stored records whose UID vanished from the
// server listing. Only UIDs below the cursor can have stored records.
func (w *FolderSyncWorker) reconcileDeletions(folder string, state *domain.FolderSyncState, serverUIDs []uint32) error {
	if state.UIDNext <= 1 {
		return nil
	}
	present := make([]uint32, 0, len(serverUIDs))
	for _, uid := range serverUIDs {
		if uid < state.UIDNext {
			present = append(present, uid)
		}
	}
	return w.emailRepo.DeleteMissing(folder, present)
}

// ingestBatch fetches and stores one ascending batch, then commits the
// advanced cursor. A crash between batches re-ingests at most one batch.
func (w *FolderSyncWorker) ingestBatch(session MailSession, folder string, uids []uint32, state *domain.FolderSyncState) error {
	messages, err := session.FetchMessages(uids)
	if err != nil {
		return err
	}

	for _, msg := range messages {
		record := w.recordFromFetched(folder, msg)
		if err := w.emailRepo.UpsertEmail(record); err != nil {
			return fmt.Errorf("unable to store %s/%d: %w", folder, msg.UID, err)
		}
	}

	state.UIDNext = uids[len(uids)-1] + 1
	state.LastSyncAt = time.Now()
	state.LastError = ""
	if err := w.stateRepo.SaveFolderState(state); err != nil {
		return fmt.Errorf("unable to commit cursor for %s: %w", folder, err)
	}
	return nil
}

func (w *FolderSyncWorker) recordFromFetched(folder string, msg *imapx.FetchedMessage) *domain.EmailRecord {
	record := &domain.EmailRecord{
		Folder:      folder,
		UID:         msg.UID,
		MessageID:   msg.MessageID,
		InReplyTo:   msg.InReplyTo,
		References:  strings.Join(msg.References, " "),
		FromAddress: msg.From,
		FromName:    msg.FromName,
		ToAddresses: strings.Join(msg.To, ", "),
		Subject:     msg.Subject,
		Date:        msg.Date,
		TextBody:    msg.TextBody,
		HTMLBody:    msg.HTMLBody,
		Flags:       strings.Join(msg.Flags, " "),
		Seen:        hasFlag(msg.Flags, "\\Seen"),
		Answered:    hasFlag(msg.Flags, "\\Answered"),
		Flagged:     hasFlag(msg.Flags, "\\Flagged"),
		Size:        msg.Size,
		AuthResults: msg.AuthResults,
		ReturnPath:  msg.ReturnPath,
	}
	record.ContentHash = contentHash(normalizeForEmbedding(record.Subject, record.TextBody, record.HTMLBody))
	w.resolveThread(record)
	return record
}

// resolveThread links the record into its conversation. The parent is the
// In-Reply-To message when we have it, otherwise the newest resolvable
// reference. An unresolvable message roots its own thread.
func (w *FolderSyncWorker) resolveThread(record *domain.EmailRecord) {
	record.ThreadRoot = record.MessageID
	record.ThreadDepth = 0

	candidates := make([]string, 0, 4)
	if record.InReplyTo != "" {
		candidates = append(candidates, record.InReplyTo)
	}
	refs := strings.Fields(record.References)
	for i := len(refs) - 1; i >= 0; i-- {
		if refs[i] != record.InReplyTo {
			candidates = append(candidates, refs[i])
		}
	}

	for _, candidate := range candidates {
		parent, err := w.emailRepo.GetByMessageID(candidate)
		if err != nil || parent == nil {
			continue
		}
		record.ThreadParent = parent.MessageID
		record.ThreadDepth = parent.ThreadDepth + 1
		if parent.ThreadRoot != "" {
			record.ThreadRoot = parent.ThreadRoot
		} else {
			record.ThreadRoot = parent.MessageID
		}
		return
	}

	// No stored parent; fall back to the oldest reference as the root so
	// siblings that arrive later land in the same thread.
	if len(refs) > 0 {
		record.ThreadRoot = refs[0]
	}
}

func (w *FolderSyncWorker) recordError(folder string, syncErr error) {
	state, err := w.stateRepo.GetFolderState(folder)
	if err != nil || state == nil {
		return
	}
	state.LastError = syncErr.Error()
	if err := w.stateRepo.SaveFolderState(state); err != nil {
		log.Printf("[FolderSync] Failed to record error for %s: %v", folder, err)
	}
}

func hasFlag(flags []string, want string) bool {
	for _, f := range flags {
		if strings.EqualFold(f, want) {
			return true
		}
	}
	return false
}
