package repository

import (
	"time"

	"gorm.io/gorm"

	caldomain "mailsync-backend/internal/calendar/domain"
)

// syncStateRepository implements SyncStateRepository over gorm.
type syncStateRepository struct {
	db *gorm.DB
}

// NewSyncStateRepository creates a new instance of syncStateRepository.
func NewSyncStateRepository(db *gorm.DB) SyncStateRepository {
	return &syncStateRepository{db: db}
}

func (r *syncStateRepository) GetCalendarSyncState(calendarID string) (*caldomain.CalendarSyncState, error) {
	var state caldomain.CalendarSyncState
	err := r.db.Where("calendar_id = ?", calendarID).First(&state).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, err
	}
	return &state, nil
}

func (r *syncStateRepository) UpsertCalendarSyncState(state *caldomain.CalendarSyncState) error {
	state.UpdatedAt = time.Now()
	return r.db.Save(state).Error
}

func (r *syncStateRepository) ListCalendarSyncStates() ([]caldomain.CalendarSyncState, error) {
	var states []caldomain.CalendarSyncState
	err := r.db.Order("calendar_id").Find(&states).Error
	return states, err
}
