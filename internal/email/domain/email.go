package domain

import "time"

// FolderSyncState tracks the incremental sync cursors for one folder.
// UIDNext is a low-water mark: every UID below it has been considered.
// It only moves forward unless UIDValidity changes, which invalidates the
// folder's stored records entirely.
type FolderSyncState struct {
	Folder        string `json:"folder" gorm:"primaryKey"`
	UIDValidity   uint32 `json:"uidvalidity"`
	UIDNext       uint32 `json:"uid_next"`
	HighestModSeq uint64 `json:"highest_modseq"`
	LastSyncAt    time.Time `json:"last_sync_at"`
	LastError     string    `json:"last_error"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// EmailRecord is one synced message, keyed by (folder, uid). Bodies are
// fetched once and never re-fetched; only flags change after ingestion.
type EmailRecord struct {
	Folder string `json:"folder" gorm:"primaryKey"`
	UID    uint32 `json:"uid" gorm:"primaryKey"`

	MessageID  string `json:"message_id" gorm:"index"`
	InReplyTo  string `json:"in_reply_to"`
	References string `json:"references"`

	// Resolved thread linkage.
	ThreadRoot   string `json:"thread_root" gorm:"index"`
	ThreadParent string `json:"thread_parent"`
	ThreadDepth  int    `json:"thread_depth"`

	FromAddress string    `json:"from_address"`
	FromName    string    `json:"from_name"`
	ToAddresses string    `json:"to_addresses"`
	Subject     string    `json:"subject"`
	Date        time.Time `json:"date"`

	TextBody string `json:"text_body" gorm:"type:text"`
	HTMLBody string `json:"html_body" gorm:"type:text"`

	Flags    string `json:"flags"`
	Seen     bool   `json:"seen"`
	Answered bool   `json:"answered"`
	Flagged  bool   `json:"flagged"`
	Size     int64  `json:"size"`

	// Security signals.
	AuthResults string `json:"auth_results"`
	ReturnPath  string `json:"return_path"`

	// ContentHash is the hash of the normalized text used for embedding;
	// EmbedSkipped marks records with no usable text so they are not
	// re-examined every embedding cycle.
	ContentHash  string `json:"content_hash"`
	EmbedSkipped bool   `json:"embed_skipped"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// EmbeddingRecord is the stored vector for one email. A row exists only
// once a provider call has succeeded.
type EmbeddingRecord struct {
	Folder string `json:"folder" gorm:"primaryKey"`
	UID    uint32 `json:"uid" gorm:"primaryKey"`

	Vector      []float32 `json:"vector" gorm:"type:jsonb;serializer:json"`
	Provider    string    `json:"provider"`
	Model       string    `json:"model"`
	ContentHash string    `json:"content_hash"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Mutation journal statuses. Same state machine as the calendar outbox:
// pending -> applied | conflict | failed, with conflict and failed terminal.
const (
	MutationStatusPending  = "pending"
	MutationStatusApplied  = "applied"
	MutationStatusConflict = "conflict"
	MutationStatusFailed   = "failed"
)

// Mutation op types.
const (
	MutationOpMove   = "move"
	MutationOpFlags  = "flags"
	MutationOpAppend = "append"
)

// MutationMaxAttempts is the retry ceiling before a journal entry is
// marked failed.
const MutationMaxAttempts = 5

// MutationJournalEntry is one locally-originated email mutation awaiting
// application to the remote server.
type MutationJournalEntry struct {
	ID     string `json:"id" gorm:"primaryKey"`
	OpType string `json:"op_type"`
	Folder string `json:"folder" gorm:"index"`
	UID    uint32 `json:"uid"`

	// Payload is op-specific JSON: destination folder for move, flag set
	// and direction for flags, raw message for append.
	Payload string `json:"payload" gorm:"type:jsonb"`

	Status       string `json:"status" gorm:"index"`
	AttemptCount int    `json:"attempt_count"`
	LastError    string `json:"last_error"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
