package domain

import "time"

// Calendar sync statuses.
const (
	SyncStatusOK    = "ok"
	SyncStatusError = "error"
)

// CalendarSyncState tracks the incremental cursor for one calendar. When
// the provider rejects the sync token as expired the state is rebuilt by a
// full resync over a fresh window.
type CalendarSyncState struct {
	CalendarID  string    `json:"calendar_id" gorm:"primaryKey"`
	SyncToken   string    `json:"sync_token"`
	WindowStart time.Time `json:"window_start"`
	WindowEnd   time.Time `json:"window_end"`
	Status      string    `json:"status"`
	LastError   string    `json:"last_error"`
	LastSyncAt  time.Time `json:"last_sync_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// CalendarEventCache is the local copy of one remote event.
type CalendarEventCache struct {
	CalendarID string `json:"calendar_id" gorm:"primaryKey"`
	EventID    string `json:"event_id" gorm:"primaryKey"`

	Etag        string    `json:"etag"`
	Summary     string    `json:"summary"`
	Description string    `json:"description" gorm:"type:text"`
	Location    string    `json:"location"`
	StartsAt    time.Time `json:"starts_at" gorm:"index"`
	EndsAt      time.Time `json:"ends_at"`
	AllDay      bool      `json:"all_day"`
	Status      string    `json:"status"`
	Organizer   string    `json:"organizer"`

	RemoteUpdatedAt time.Time `json:"remote_updated_at"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// Outbox statuses. pending -> applied on success, pending -> conflict on a
// precondition mismatch (terminal, server wins), pending -> failed once the
// attempt ceiling is exceeded (terminal, surfaced).
const (
	OutboxStatusPending  = "pending"
	OutboxStatusApplied  = "applied"
	OutboxStatusConflict = "conflict"
	OutboxStatusFailed   = "failed"
)

// Outbox op types.
const (
	OutboxOpCreate = "create"
	OutboxOpPatch  = "patch"
	OutboxOpDelete = "delete"
)

// OutboxMaxAttempts is the transient-failure ceiling before an entry is
// marked failed.
const OutboxMaxAttempts = 5

// CalendarOutboxEntry is one locally-originated calendar mutation awaiting
// application to the remote calendar.
type CalendarOutboxEntry struct {
	ID         string `json:"id" gorm:"primaryKey"`
	OpType     string `json:"op_type"`
	CalendarID string `json:"calendar_id" gorm:"index"`

	// EventID is empty for a create until the remote object exists;
	// LocalTempID correlates the locally-created placeholder with the
	// server id assigned on apply.
	EventID    string `json:"event_id"`
	LocalTempID string `json:"local_temp_id"`

	Payload string `json:"payload" gorm:"type:jsonb"`

	Status       string `json:"status" gorm:"index"`
	AttemptCount int    `json:"attempt_count"`
	LastError    string `json:"last_error"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
