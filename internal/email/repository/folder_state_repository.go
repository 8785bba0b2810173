package repository

import (
	"fmt"
	"time"

	"gorm.io/gorm"

	emaildomain "mailsync-backend/internal/email/domain"
)

// folderStateRepository implements FolderStateRepository over gorm.
type folderStateRepository struct {
	db *gorm.DB
}

// NewFolderStateRepository creates a new instance of folderStateRepository.
func NewFolderStateRepository(db *gorm.DB) FolderStateRepository {
	return &folderStateRepository{db: db}
}

func (r *folderStateRepository) GetFolderState(folder string) (*emaildomain.FolderSyncState, error) {
	var state emaildomain.FolderSyncState
	err := r.db.Where("folder = ?", folder).First(&state).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, err
	}
	return &state, nil
}

func (r *folderStateRepository) SaveFolderState(state *emaildomain.FolderSyncState) error {
	state.UpdatedAt = time.Now()
	return r.db.Save(state).Error
}

// ClearFolder drops the folder's records, embeddings, and sync state in one
// transaction so a partial invalidation can never survive a crash.
func (r *folderStateRepository) ClearFolder(folder string) error {
	return r.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("folder = ?", folder).Delete(&emaildomain.EmbeddingRecord{}).Error; err != nil {
			return fmt.Errorf("unable to clear embeddings for %s: %w", folder, err)
		}
		if err := tx.Where("folder = ?", folder).Delete(&emaildomain.EmailRecord{}).Error; err != nil {
			return fmt.Errorf("unable to clear emails for %s: %w", folder, err)
		}
		if err := tx.Where("folder = ?", folder).Delete(&emaildomain.FolderSyncState{}).Error; err != nil {
			return fmt.Errorf("unable to clear sync state for %s: %w", folder, err)
		}
		return nil
	})
}

func (r *folderStateRepository) ListFolderStates() ([]emaildomain.FolderSyncState, error) {
	var states []emaildomain.FolderSyncState
	err := r.db.Order("folder").Find(&states).Error
	return states, err
}
