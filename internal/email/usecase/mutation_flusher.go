package usecase

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"mailsync-backend/internal/email/domain"
	"mailsync-backend/internal/email/repository"
	"mailsync-backend/pkg/retry"
)

// Payloads for the mutation journal, stored as JSON on the entry.
type MovePayload struct {
	Dest string `json:"dest"`
}

type FlagsPayload struct {
	Flags []string `json:"flags"`
	Add   bool     `json:"add"`
}

type AppendPayload struct {
	Raw   []byte   `json:"raw"`
	Flags []string `json:"flags"`
}

// MutationFlusher applies journaled local mutations (moves, flag changes,
// appends) to the server. Entries follow the outbox state machine: pending
// until applied, conflict and failed are terminal, and an entry that keeps
// failing transiently is abandoned at the attempt ceiling.
type MutationFlusher struct {
	pool           SessionPool
	mutationRepo   repository.MutationRepository
	acquireTimeout time.Duration
	batchLimit     int
}

// NewMutationFlusher creates a new mutation flusher.
func NewMutationFlusher(pool SessionPool, mutationRepo repository.MutationRepository, acquireTimeout time.Duration) *MutationFlusher {
	return &MutationFlusher{
		pool:           pool,
		mutationRepo:   mutationRepo,
		acquireTimeout: acquireTimeout,
		batchLimit:     100,
	}
}

// Enqueue journals one mutation for later application.
func (f *MutationFlusher) Enqueue(opType, folder string, uid uint32, payload interface{}) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("unable to encode mutation payload: %w", err)
	}
	return f.mutationRepo.CreateMutation(&domain.MutationJournalEntry{
		OpType:  opType,
		Folder:  folder,
		UID:     uid,
		Payload: string(raw),
	})
}

// Flush applies every pending journal entry. Returns the number applied.
func (f *MutationFlusher) Flush(ctx context.Context) (int, error) {
	entries, err := f.mutationRepo.ListPendingMutations(f.batchLimit)
	if err != nil {
		return 0, fmt.Errorf("unable to list pending mutations: %w", err)
	}
	if len(entries) == 0 {
		return 0, nil
	}

	session, err := f.pool.Acquire(f.acquireTimeout)
	if err != nil {
		return 0, fmt.Errorf("unable to acquire session for mutation flush: %w", err)
	}

	applied := 0
	sessionBroken := false
	for i := range entries {
		if ctx.Err() != nil {
			break
		}
		entry := &entries[i]

		applyErr := f.apply(session, entry)
		if applyErr == nil {
			applied++
			if err := f.mutationRepo.UpdateMutationStatus(entry.ID, domain.MutationStatusApplied, entry.AttemptCount+1, ""); err != nil {
				log.Printf("[MutationFlush] Failed to mark %s applied: %v", entry.ID, err)
			}
			continue
		}

		f.settle(entry, applyErr)
		if retry.Classify(applyErr) == retry.ClassTransient {
			// The connection is suspect; stop and retry next cycle.
			sessionBroken = true
			break
		}
	}

	if sessionBroken {
		f.pool.Discard(session)
	} else {
		f.pool.Release(session)
	}
	if applied > 0 {
		log.Printf("[MutationFlush] Applied %d mutations", applied)
	}
	return applied, nil
}

func (f *MutationFlusher) apply(session MailSession, entry *domain.MutationJournalEntry) error {
	switch entry.OpType {
	case domain.MutationOpMove:
		var payload MovePayload
		if err := json.Unmarshal([]byte(entry.Payload), &payload); err != nil {
			return fmt.Errorf("%w: bad move payload: %v", retry.ErrPermanent, err)
		}
		if _, err := session.Select(entry.Folder, false); err != nil {
			return err
		}
		return session.Move([]uint32{entry.UID}, payload.Dest)

	case domain.MutationOpFlags:
		var payload FlagsPayload
		if err := json.Unmarshal([]byte(entry.Payload), &payload); err != nil {
			return fmt.Errorf("%w: bad flags payload: %v", retry.ErrPermanent, err)
		}
		if _, err := session.Select(entry.Folder, false); err != nil {
			return err
		}
		return session.StoreFlags([]uint32{entry.UID}, payload.Flags, payload.Add)

	case domain.MutationOpAppend:
		var payload AppendPayload
		if err := json.Unmarshal([]byte(entry.Payload), &payload); err != nil {
			return fmt.Errorf("%w: bad append payload: %v", retry.ErrPermanent, err)
		}
		_, err := session.Append(entry.Folder, payload.Raw, payload.Flags)
		return err

	default:
		return fmt.Errorf("%w: unknown mutation op %q", retry.ErrPermanent, entry.OpType)
	}
}

// settle records the outcome of a failed application attempt.
func (f *MutationFlusher) settle(entry *domain.MutationJournalEntry, applyErr error) {
	attempts := entry.AttemptCount + 1
	status := domain.MutationStatusPending

	switch retry.Classify(applyErr) {
	case retry.ClassConflict:
		status = domain.MutationStatusConflict
	case retry.ClassPermanent:
		status = domain.MutationStatusFailed
	default:
		if attempts >= domain.MutationMaxAttempts {
			status = domain.MutationStatusFailed
		}
	}

	if status != domain.MutationStatusPending {
		log.Printf("[MutationFlush] Entry %s (%s %s/%d) %s after %d attempts: %v",
			entry.ID, entry.OpType, entry.Folder, entry.UID, status, attempts, applyErr)
	}
	if err := f.mutationRepo.UpdateMutationStatus(entry.ID, status, attempts, applyErr.Error()); err != nil {
		log.Printf("[MutationFlush] Failed to update entry %s: %v", entry.ID, err)
	}
}
