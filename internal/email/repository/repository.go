package repository

import (
	emaildomain "mailsync-backend/internal/email/domain"
)

// FolderStateRepository persists per-folder sync cursors. States are
// mutated only by the folder's single-flight sync worker.
type FolderStateRepository interface {
	GetFolderState(folder string) (*emaildomain.FolderSyncState, error)
	SaveFolderState(state *emaildomain.FolderSyncState) error
	// ClearFolder removes every stored record and embedding for the folder
	// (UIDVALIDITY invalidation path).
	ClearFolder(folder string) error
	ListFolderStates() ([]emaildomain.FolderSyncState, error)
}

// EmailRepository is the store surface for synced messages.
type EmailRepository interface {
	UpsertEmail(email *emaildomain.EmailRecord) error
	UpdateEmailFlags(folder string, uid uint32, flags []string) error
	GetSyncedUIDs(folder string) ([]uint32, error)
	CountEmails(folder string) (int64, error)
	// DeleteMissing reconciles deletions: removes records whose UID is
	// absent from a fresh server listing.
	DeleteMissing(folder string, presentUIDs []uint32) error
	GetByMessageID(messageID string) (*emaildomain.EmailRecord, error)
	GetEmailsByUIDs(folder string, uids []uint32) ([]emaildomain.EmailRecord, error)
	GetEmailsNeedingEmbedding(folder string, limit int) ([]emaildomain.EmailRecord, error)
	MarkEmbedSkipped(folder string, uid uint32) error
}

// EmbeddingRepository stores computed vectors. Rows are written only after
// a provider call succeeded.
type EmbeddingRepository interface {
	UpsertEmbedding(record *emaildomain.EmbeddingRecord) error
	CountEmbedded(folder string) (int64, error)
}

// MutationRepository is the email mutation journal: an outbox of
// locally-originated changes awaiting application to the server.
type MutationRepository interface {
	CreateMutation(entry *emaildomain.MutationJournalEntry) error
	ListPendingMutations(limit int) ([]emaildomain.MutationJournalEntry, error)
	UpdateMutationStatus(id, status string, attemptCount int, lastError string) error
	CountMutationsByStatus(status string) (int64, error)
}
