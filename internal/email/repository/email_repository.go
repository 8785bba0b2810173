package repository

import (
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	emaildomain "mailsync-backend/internal/email/domain"
)

// emailRepository implements EmailRepository over gorm.
type emailRepository struct {
	db *gorm.DB
}

// NewEmailRepository creates a new instance of emailRepository.
func NewEmailRepository(db *gorm.DB) EmailRepository {
	return &emailRepository{db: db}
}

// UpsertEmail inserts or replaces one record keyed by (folder, uid).
// Applying the same fetched record twice yields identical stored state.
func (r *emailRepository) UpsertEmail(email *emaildomain.EmailRecord) error {
	now := time.Now()
	if email.CreatedAt.IsZero() {
		email.CreatedAt = now
	}
	email.UpdatedAt = now

	return r.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "folder"}, {Name: "uid"}},
		UpdateAll: true,
	}).Create(email).Error
}

func (r *emailRepository) UpdateEmailFlags(folder string, uid uint32, flags []string) error {
	joined := strings.Join(flags, " ")
	updates := map[string]interface{}{
		"flags":      joined,
		"seen":       hasFlag(flags, "\\Seen"),
		"answered":   hasFlag(flags, "\\Answered"),
		"flagged":    hasFlag(flags, "\\Flagged"),
		"updated_at": time.Now(),
	}
	return r.db.Model(&emaildomain.EmailRecord{}).
		Where("folder = ? AND uid = ?", folder, uid).
		Updates(updates).Error
}

func (r *emailRepository) GetSyncedUIDs(folder string) ([]uint32, error) {
	var uids []uint32
	err := r.db.Model(&emaildomain.EmailRecord{}).
		Where("folder = ?", folder).
		Order("uid").
		Pluck("uid", &uids).Error
	return uids, err
}

func (r *emailRepository) CountEmails(folder string) (int64, error) {
	var count int64
	err := r.db.Model(&emaildomain.EmailRecord{}).
		Where("folder = ?", folder).
		Count(&count).Error
	return count, err
}

func (r *emailRepository) DeleteMissing(folder string, presentUIDs []uint32) error {
	query := r.db.Where("folder = ?", folder)
	if len(presentUIDs) > 0 {
		query = query.Where("uid NOT IN ?", presentUIDs)
	}
	if err := query.Delete(&emaildomain.EmailRecord{}).Error; err != nil {
		return err
	}

	// Embeddings for expunged messages go with them.
	embQuery := r.db.Where("folder = ?", folder)
	if len(presentUIDs) > 0 {
		embQuery = embQuery.Where("uid NOT IN ?", presentUIDs)
	}
	return embQuery.Delete(&emaildomain.EmbeddingRecord{}).Error
}

func (r *emailRepository) GetByMessageID(messageID string) (*emaildomain.EmailRecord, error) {
	if messageID == "" {
		return nil, nil
	}
	var email emaildomain.EmailRecord
	err := r.db.Where("message_id = ?", messageID).First(&email).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, err
	}
	return &email, nil
}

func (r *emailRepository) GetEmailsByUIDs(folder string, uids []uint32) ([]emaildomain.EmailRecord, error) {
	if len(uids) == 0 {
		return nil, nil
	}
	var emails []emaildomain.EmailRecord
	err := r.db.Where("folder = ? AND uid IN ?", folder, uids).
		Order("uid").
		Find(&emails).Error
	return emails, err
}

// GetEmailsNeedingEmbedding returns records with no stored vector, or
// whose stored vector was computed from different text, skipping records
// marked as permanently unembeddable.
func (r *emailRepository) GetEmailsNeedingEmbedding(folder string, limit int) ([]emaildomain.EmailRecord, error) {
	var emails []emaildomain.EmailRecord
	err := r.db.
		Where("folder = ? AND embed_skipped = ?", folder, false).
		Where(`NOT EXISTS (
			SELECT 1 FROM embedding_records er
			WHERE er.folder = email_records.folder
			  AND er.uid = email_records.uid
			  AND er.content_hash = email_records.content_hash
		)`).
		Order("uid DESC").
		Limit(limit).
		Find(&emails).Error
	return emails, err
}

func (r *emailRepository) MarkEmbedSkipped(folder string, uid uint32) error {
	return r.db.Model(&emaildomain.EmailRecord{}).
		Where("folder = ? AND uid = ?", folder, uid).
		Updates(map[string]interface{}{
			"embed_skipped": true,
			"updated_at":    time.Now(),
		}).Error
}

func hasFlag(flags []string, flag string) bool {
	for _, f := range flags {
		if strings.EqualFold(f, flag) {
			return true
		}
	}
	return false
}
