package repository

import (
	caldomain "mailsync-backend/internal/calendar/domain"
)

// SyncStateRepository persists per-calendar sync cursors.
type SyncStateRepository interface {
	GetCalendarSyncState(calendarID string) (*caldomain.CalendarSyncState, error)
	UpsertCalendarSyncState(state *caldomain.CalendarSyncState) error
	ListCalendarSyncStates() ([]caldomain.CalendarSyncState, error)
}

// EventCacheRepository is the local copy of remote calendar events.
type EventCacheRepository interface {
	UpsertCalendarEventCache(event *caldomain.CalendarEventCache) error
	DeleteCalendarEventCache(calendarID, eventID string) error
	ClearCalendar(calendarID string) error
	// ReplaceEventID rewires a locally-created placeholder to the id the
	// server assigned when the outbox create was applied.
	ReplaceEventID(calendarID, tempID, realID string) error
}

// OutboxRepository is the durable queue of local calendar mutations.
type OutboxRepository interface {
	EnqueueCalendarOutbox(entry *caldomain.CalendarOutboxEntry) error
	ListCalendarOutbox(calendarID, status string) ([]caldomain.CalendarOutboxEntry, error)
	UpdateCalendarOutboxStatus(id, status string, attemptCount int, lastError string) error
	CountOutboxByStatus(status string) (int64, error)
}
