package repository

import (
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	caldomain "mailsync-backend/internal/calendar/domain"
)

// eventCacheRepository implements EventCacheRepository over gorm.
type eventCacheRepository struct {
	db *gorm.DB
}

// NewEventCacheRepository creates a new instance of eventCacheRepository.
func NewEventCacheRepository(db *gorm.DB) EventCacheRepository {
	return &eventCacheRepository{db: db}
}

func (r *eventCacheRepository) UpsertCalendarEventCache(event *caldomain.CalendarEventCache) error {
	now := time.Now()
	if event.CreatedAt.IsZero() {
		event.CreatedAt = now
	}
	event.UpdatedAt = now

	return r.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "calendar_id"}, {Name: "event_id"}},
		UpdateAll: true,
	}).Create(event).Error
}

func (r *eventCacheRepository) DeleteCalendarEventCache(calendarID, eventID string) error {
	return r.db.Where("calendar_id = ? AND event_id = ?", calendarID, eventID).
		Delete(&caldomain.CalendarEventCache{}).Error
}

func (r *eventCacheRepository) ClearCalendar(calendarID string) error {
	return r.db.Where("calendar_id = ?", calendarID).
		Delete(&caldomain.CalendarEventCache{}).Error
}

func (r *eventCacheRepository) ReplaceEventID(calendarID, tempID, realID string) error {
	return r.db.Model(&caldomain.CalendarEventCache{}).
		Where("calendar_id = ? AND event_id = ?", calendarID, tempID).
		Updates(map[string]interface{}{
			"event_id":   realID,
			"updated_at": time.Now(),
		}).Error
}
