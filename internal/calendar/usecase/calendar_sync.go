package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"google.golang.org/api/googleapi"

	"mailsync-backend/internal/calendar/domain"
	"mailsync-backend/internal/calendar/repository"
	"mailsync-backend/pkg/gcal"
	"mailsync-backend/pkg/retry"
)

// CalendarAPI is the slice of the calendar provider the sync worker needs.
// *gcal.Client satisfies it; tests substitute fakes.
type CalendarAPI interface {
	ListEventsPage(ctx context.Context, calendarID string, query gcal.PageQuery) (*gcal.EventsPage, error)
	InsertEvent(ctx context.Context, calendarID string, event *gcal.EventData) (*gcal.EventData, error)
	PatchEvent(ctx context.Context, calendarID, eventID string, event *gcal.EventData, etag string) (*gcal.EventData, error)
	DeleteEvent(ctx context.Context, calendarID, eventID string) error
}

// CalendarSyncWorker keeps the local event cache converged with one or more
// remote calendars. Each cycle pushes the outbox first, then pulls remote
// changes, so locally-originated mutations come back as normal remote
// updates and overwrite the optimistic cache rows.
type CalendarSyncWorker struct {
	api        CalendarAPI
	stateRepo  repository.SyncStateRepository
	cacheRepo  repository.EventCacheRepository
	outboxRepo repository.OutboxRepository

	windowPast time.Duration
	windowNext time.Duration
}

// NewCalendarSyncWorker creates a new calendar sync worker.
func NewCalendarSyncWorker(
	api CalendarAPI,
	stateRepo repository.SyncStateRepository,
	cacheRepo repository.EventCacheRepository,
	outboxRepo repository.OutboxRepository,
	windowPast, windowNext time.Duration,
) *CalendarSyncWorker {
	return &CalendarSyncWorker{
		api:        api,
		stateRepo:  stateRepo,
		cacheRepo:  cacheRepo,
		outboxRepo: outboxRepo,
		windowPast: windowPast,
		windowNext: windowNext,
	}
}

// Sync runs one cycle for the calendar: outbox flush, then incremental pull
// (falling back to a full window resync when the sync token has expired).
func (w *CalendarSyncWorker) Sync(ctx context.Context, calendarID string) error {
	if err := w.flushOutbox(ctx, calendarID); err != nil {
		log.Printf("[CalendarSync] Outbox flush for %s failed: %v", calendarID, err)
	}

	state, err := w.stateRepo.GetCalendarSyncState(calendarID)
	if err != nil {
		return fmt.Errorf("unable to load state for %s: %w", calendarID, err)
	}
	if state == nil {
		state = &domain.CalendarSyncState{CalendarID: calendarID}
	}

	if state.SyncToken != "" {
		err = w.incrementalSync(ctx, calendarID, state)
		if err != nil && retry.Classify(err) == retry.ClassStateInvalid {
			log.Printf("[CalendarSync] Sync token for %s expired, full resync", calendarID)
			state.SyncToken = ""
			err = w.fullSync(ctx, calendarID, state)
		}
	} else {
		err = w.fullSync(ctx, calendarID, state)
	}

	state.LastSyncAt = time.Now()
	if err != nil {
		state.Status = domain.SyncStatusError
		state.LastError = err.Error()
	} else {
		state.Status = domain.SyncStatusOK
		state.LastError = ""
	}
	if saveErr := w.stateRepo.UpsertCalendarSyncState(state); saveErr != nil {
		return fmt.Errorf("unable to save state for %s: %w", calendarID, saveErr)
	}
	return err
}

// incrementalSync pulls every change since the stored sync token. Cancelled
// events delete their cache row; everything else upserts.
func (w *CalendarSyncWorker) incrementalSync(ctx context.Context, calendarID string, state *domain.CalendarSyncState) error {
	query := gcal.PageQuery{SyncToken: state.SyncToken, ShowDeleted: true}
	changed := 0

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		page, err := w.listPage(ctx, calendarID, query)
		if err != nil {
			return err
		}

		for _, item := range page.Items {
			if err := w.applyRemoteEvent(calendarID, item); err != nil {
				return err
			}
			changed++
		}

		if page.NextSyncToken != "" {
			state.SyncToken = page.NextSyncToken
			break
		}
		if page.NextPageToken == "" {
			break
		}
		query.PageToken = page.NextPageToken
	}

	if changed > 0 {
		log.Printf("[CalendarSync] %s applied %d remote changes", calendarID, changed)
	}
	return nil
}

// fullSync rebuilds the cache over a fresh window and stores the sync token
// the provider hands back on the last page.
func (w *CalendarSyncWorker) fullSync(ctx context.Context, calendarID string, state *domain.CalendarSyncState) error {
	if err := w.cacheRepo.ClearCalendar(calendarID); err != nil {
		return fmt.Errorf("unable to clear cache for %s: %w", calendarID, err)
	}

	now := time.Now()
	state.WindowStart = now.Add(-w.windowPast)
	state.WindowEnd = now.Add(w.windowNext)

	query := gcal.PageQuery{TimeMin: state.WindowStart, TimeMax: state.WindowEnd}
	total := 0

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		page, err := w.listPage(ctx, calendarID, query)
		if err != nil {
			return err
		}

		for _, item := range page.Items {
			if err := w.applyRemoteEvent(calendarID, item); err != nil {
				return err
			}
			total++
		}

		if page.NextSyncToken != "" {
			state.SyncToken = page.NextSyncToken
			break
		}
		if page.NextPageToken == "" {
			break
		}
		query.PageToken = page.NextPageToken
	}

	log.Printf("[CalendarSync] %s full resync cached %d events", calendarID, total)
	return nil
}

// listPage fetches one page, retrying transient and throttled failures.
func (w *CalendarSyncWorker) listPage(ctx context.Context, calendarID string, query gcal.PageQuery) (*gcal.EventsPage, error) {
	var page *gcal.EventsPage
	err := retry.Do(ctx, retry.DefaultPolicy, func() error {
		var listErr error
		page, listErr = w.api.ListEventsPage(ctx, calendarID, query)
		return listErr
	})
	return page, err
}

func (w *CalendarSyncWorker) applyRemoteEvent(calendarID string, event *gcal.EventData) error {
	if event.Status == "cancelled" {
		if err := w.cacheRepo.DeleteCalendarEventCache(calendarID, event.ID); err != nil {
			return fmt.Errorf("unable to delete cached event %s: %w", event.ID, err)
		}
		return nil
	}
	if err := w.cacheRepo.UpsertCalendarEventCache(cacheFromEvent(calendarID, event)); err != nil {
		return fmt.Errorf("unable to cache event %s: %w", event.ID, err)
	}
	return nil
}

func cacheFromEvent(calendarID string, event *gcal.EventData) *domain.CalendarEventCache {
	return &domain.CalendarEventCache{
		CalendarID:      calendarID,
		EventID:         event.ID,
		Etag:            event.Etag,
		Summary:         event.Summary,
		Description:     event.Description,
		Location:        event.Location,
		StartsAt:        event.Start,
		EndsAt:          event.End,
		AllDay:          event.AllDay,
		Status:          event.Status,
		Organizer:       event.Organizer,
		RemoteUpdatedAt: event.Updated,
	}
}

// CreateEvent journals a create and caches an optimistic placeholder under
// a local temp id. The real id replaces it when the outbox entry applies.
func (w *CalendarSyncWorker) CreateEvent(calendarID string, event *gcal.EventData) (string, error) {
	tempID := "local-" + uuid.New().String()
	event.ID = tempID

	if err := w.cacheRepo.UpsertCalendarEventCache(cacheFromEvent(calendarID, event)); err != nil {
		return "", fmt.Errorf("unable to cache placeholder: %w", err)
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return "", fmt.Errorf("unable to encode event: %w", err)
	}
	err = w.outboxRepo.EnqueueCalendarOutbox(&domain.CalendarOutboxEntry{
		OpType:      domain.OutboxOpCreate,
		CalendarID:  calendarID,
		LocalTempID: tempID,
		Payload:     string(payload),
	})
	if err != nil {
		return "", fmt.Errorf("unable to enqueue create: %w", err)
	}
	return tempID, nil
}

// PatchEvent journals a partial update and optimistically updates the cache.
func (w *CalendarSyncWorker) PatchEvent(calendarID, eventID string, event *gcal.EventData) error {
	event.ID = eventID
	if err := w.cacheRepo.UpsertCalendarEventCache(cacheFromEvent(calendarID, event)); err != nil {
		return fmt.Errorf("unable to update cached event: %w", err)
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("unable to encode event: %w", err)
	}
	err = w.outboxRepo.EnqueueCalendarOutbox(&domain.CalendarOutboxEntry{
		OpType:     domain.OutboxOpPatch,
		CalendarID: calendarID,
		EventID:    eventID,
		Payload:    string(payload),
	})
	if err != nil {
		return fmt.Errorf("unable to enqueue patch: %w", err)
	}
	return nil
}

// DeleteEvent journals a delete and removes the cached row immediately.
func (w *CalendarSyncWorker) DeleteEvent(calendarID, eventID string) error {
	if err := w.cacheRepo.DeleteCalendarEventCache(calendarID, eventID); err != nil {
		return fmt.Errorf("unable to delete cached event: %w", err)
	}
	err := w.outboxRepo.EnqueueCalendarOutbox(&domain.CalendarOutboxEntry{
		OpType:     domain.OutboxOpDelete,
		CalendarID: calendarID,
		EventID:    eventID,
	})
	if err != nil {
		return fmt.Errorf("unable to enqueue delete: %w", err)
	}
	return nil
}

// flushOutbox applies pending local mutations in creation order.
func (w *CalendarSyncWorker) flushOutbox(ctx context.Context, calendarID string) error {
	entries, err := w.outboxRepo.ListCalendarOutbox(calendarID, domain.OutboxStatusPending)
	if err != nil {
		return fmt.Errorf("unable to list outbox: %w", err)
	}

	for i := range entries {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		entry := &entries[i]

		applyErr := w.applyOutboxEntry(ctx, entry)
		if applyErr == nil {
			if err := w.outboxRepo.UpdateCalendarOutboxStatus(entry.ID, domain.OutboxStatusApplied, entry.AttemptCount+1, ""); err != nil {
				log.Printf("[CalendarSync] Failed to mark outbox entry %s applied: %v", entry.ID, err)
			}
			continue
		}
		w.settleOutboxEntry(entry, applyErr)
	}
	return nil
}

func (w *CalendarSyncWorker) applyOutboxEntry(ctx context.Context, entry *domain.CalendarOutboxEntry) error {
	switch entry.OpType {
	case domain.OutboxOpCreate:
		var event gcal.EventData
		if err := json.Unmarshal([]byte(entry.Payload), &event); err != nil {
			return fmt.Errorf("%w: bad create payload: %v", retry.ErrPermanent, err)
		}
		created, err := w.api.InsertEvent(ctx, entry.CalendarID, &event)
		if err != nil {
			return err
		}
		if err := w.cacheRepo.ReplaceEventID(entry.CalendarID, entry.LocalTempID, created.ID); err != nil {
			return fmt.Errorf("unable to adopt server id %s: %w", created.ID, err)
		}
		return w.cacheRepo.UpsertCalendarEventCache(cacheFromEvent(entry.CalendarID, created))

	case domain.OutboxOpPatch:
		var event gcal.EventData
		if err := json.Unmarshal([]byte(entry.Payload), &event); err != nil {
			return fmt.Errorf("%w: bad patch payload: %v", retry.ErrPermanent, err)
		}
		updated, err := w.api.PatchEvent(ctx, entry.CalendarID, entry.EventID, &event, event.Etag)
		if err != nil {
			return err
		}
		return w.cacheRepo.UpsertCalendarEventCache(cacheFromEvent(entry.CalendarID, updated))

	case domain.OutboxOpDelete:
		err := w.api.DeleteEvent(ctx, entry.CalendarID, entry.EventID)
		if isNotFound(err) {
			// Already gone remotely; the delete is effectively applied.
			return nil
		}
		return err

	default:
		return fmt.Errorf("%w: unknown outbox op %q", retry.ErrPermanent, entry.OpType)
	}
}

// settleOutboxEntry records a failed attempt. Conflicts are terminal (the
// server's version wins and the next pull restores the cache); everything
// else retries up to the attempt ceiling.
func (w *CalendarSyncWorker) settleOutboxEntry(entry *domain.CalendarOutboxEntry, applyErr error) {
	attempts := entry.AttemptCount + 1
	status := domain.OutboxStatusPending

	switch retry.Classify(applyErr) {
	case retry.ClassConflict:
		status = domain.OutboxStatusConflict
	case retry.ClassPermanent:
		status = domain.OutboxStatusFailed
	default:
		if attempts >= domain.OutboxMaxAttempts {
			status = domain.OutboxStatusFailed
		}
	}

	if status != domain.OutboxStatusPending {
		log.Printf("[CalendarSync] Outbox entry %s (%s on %s) %s after %d attempts: %v",
			entry.ID, entry.OpType, entry.CalendarID, status, attempts, applyErr)
	}
	if err := w.outboxRepo.UpdateCalendarOutboxStatus(entry.ID, status, attempts, applyErr.Error()); err != nil {
		log.Printf("[CalendarSync] Failed to update outbox entry %s: %v", entry.ID, err)
	}
}

func isNotFound(err error) bool {
	if err == nil {
		return false
	}
	var apiErr *googleapi.Error
	return errors.As(err, &apiErr) && apiErr.Code == 404
}
