package repository

import (
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	emaildomain "mailsync-backend/internal/email/domain"
)

// embeddingRepository implements EmbeddingRepository over gorm.
type embeddingRepository struct {
	db *gorm.DB
}

// NewEmbeddingRepository creates a new instance of embeddingRepository.
func NewEmbeddingRepository(db *gorm.DB) EmbeddingRepository {
	return &embeddingRepository{db: db}
}

func (r *embeddingRepository) UpsertEmbedding(record *emaildomain.EmbeddingRecord) error {
	now := time.Now()
	if record.CreatedAt.IsZero() {
		record.CreatedAt = now
	}
	record.UpdatedAt = now

	return r.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "folder"}, {Name: "uid"}},
		UpdateAll: true,
	}).Create(record).Error
}

func (r *embeddingRepository) CountEmbedded(folder string) (int64, error) {
	var count int64
	err := r.db.Model(&emaildomain.EmbeddingRecord{}).
		Where("folder = ?", folder).
		Count(&count).Error
	return count, err
}
