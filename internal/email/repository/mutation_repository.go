package repository

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	emaildomain "mailsync-backend/internal/email/domain"
)

// mutationRepository implements MutationRepository over gorm.
type mutationRepository struct {
	db *gorm.DB
}

// NewMutationRepository creates a new instance of mutationRepository.
func NewMutationRepository(db *gorm.DB) MutationRepository {
	return &mutationRepository{db: db}
}

func (r *mutationRepository) CreateMutation(entry *emaildomain.MutationJournalEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	if entry.Status == "" {
		entry.Status = emaildomain.MutationStatusPending
	}
	now := time.Now()
	entry.CreatedAt = now
	entry.UpdatedAt = now
	return r.db.Create(entry).Error
}

func (r *mutationRepository) ListPendingMutations(limit int) ([]emaildomain.MutationJournalEntry, error) {
	var entries []emaildomain.MutationJournalEntry
	query := r.db.Where("status = ?", emaildomain.MutationStatusPending).
		Order("created_at")
	if limit > 0 {
		query = query.Limit(limit)
	}
	err := query.Find(&entries).Error
	return entries, err
}

func (r *mutationRepository) UpdateMutationStatus(id, status string, attemptCount int, lastError string) error {
	return r.db.Model(&emaildomain.MutationJournalEntry{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":        status,
			"attempt_count": attemptCount,
			"last_error":    lastError,
			"updated_at":    time.Now(),
		}).Error
}

func (r *mutationRepository) CountMutationsByStatus(status string) (int64, error) {
	var count int64
	err := r.db.Model(&emaildomain.MutationJournalEntry{}).
		Where("status = ?", status).
		Count(&count).Error
	return count, err
}
