package repository

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	caldomain "mailsync-backend/internal/calendar/domain"
)

// outboxRepository implements OutboxRepository over gorm.
type outboxRepository struct {
	db *gorm.DB
}

// NewOutboxRepository creates a new instance of outboxRepository.
func NewOutboxRepository(db *gorm.DB) OutboxRepository {
	return &outboxRepository{db: db}
}

func (r *outboxRepository) EnqueueCalendarOutbox(entry *caldomain.CalendarOutboxEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	if entry.Status == "" {
		entry.Status = caldomain.OutboxStatusPending
	}
	now := time.Now()
	entry.CreatedAt = now
	entry.UpdatedAt = now
	return r.db.Create(entry).Error
}

func (r *outboxRepository) ListCalendarOutbox(calendarID, status string) ([]caldomain.CalendarOutboxEntry, error) {
	var entries []caldomain.CalendarOutboxEntry
	query := r.db.Order("created_at")
	if calendarID != "" {
		query = query.Where("calendar_id = ?", calendarID)
	}
	if status != "" {
		query = query.Where("status = ?", status)
	}
	err := query.Find(&entries).Error
	return entries, err
}

func (r *outboxRepository) UpdateCalendarOutboxStatus(id, status string, attemptCount int, lastError string) error {
	return r.db.Model(&caldomain.CalendarOutboxEntry{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":        status,
			"attempt_count": attemptCount,
			"last_error":    lastError,
			"updated_at":    time.Now(),
		}).Error
}

func (r *outboxRepository) CountOutboxByStatus(status string) (int64, error) {
	var count int64
	err := r.db.Model(&caldomain.CalendarOutboxEntry{}).
		Where("status = ?", status).
		Count(&count).Error
	return count, err
}
