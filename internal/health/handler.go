package health

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	caldomain "mailsync-backend/internal/calendar/domain"
	calrepo "mailsync-backend/internal/calendar/repository"
	emaildomain "mailsync-backend/internal/email/domain"
	emailrepo "mailsync-backend/internal/email/repository"
)

// Handler exposes sync health over HTTP: per-folder cursors and errors,
// calendar states, outbox depths, and embedding backlog.
type Handler struct {
	stateRepo    emailrepo.FolderStateRepository
	emailRepo    emailrepo.EmailRepository
	embedRepo    emailrepo.EmbeddingRepository
	mutationRepo emailrepo.MutationRepository
	calStateRepo calrepo.SyncStateRepository
	outboxRepo   calrepo.OutboxRepository
}

// NewHandler creates a new health handler.
func NewHandler(
	stateRepo emailrepo.FolderStateRepository,
	emailRepo emailrepo.EmailRepository,
	embedRepo emailrepo.EmbeddingRepository,
	mutationRepo emailrepo.MutationRepository,
	calStateRepo calrepo.SyncStateRepository,
	outboxRepo calrepo.OutboxRepository,
) *Handler {
	return &Handler{
		stateRepo:    stateRepo,
		emailRepo:    emailRepo,
		embedRepo:    embedRepo,
		mutationRepo: mutationRepo,
		calStateRepo: calStateRepo,
		outboxRepo:   outboxRepo,
	}
}

// RegisterRoutes mounts the health endpoints.
func (h *Handler) RegisterRoutes(router *gin.Engine) {
	router.GET("/health", h.Overview)
	router.GET("/health/folders", h.Folders)
	router.GET("/health/calendars", h.Calendars)
}

type folderHealth struct {
	Folder        string    `json:"folder"`
	UIDValidity   uint32    `json:"uidvalidity"`
	UIDNext       uint32    `json:"uid_next"`
	HighestModSeq uint64    `json:"highest_modseq"`
	LastSyncAt    time.Time `json:"last_sync_at"`
	LastError     string    `json:"last_error,omitempty"`
	Messages      int64     `json:"messages"`
	Embedded      int64     `json:"embedded"`
}

// Overview reports a single healthy/degraded verdict plus queue depths.
func (h *Handler) Overview(c *gin.Context) {
	states, err := h.stateRepo.ListFolderStates()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	degraded := false
	for _, state := range states {
		if state.LastError != "" {
			degraded = true
			break
		}
	}

	pendingMutations, _ := h.mutationRepo.CountMutationsByStatus(emaildomain.MutationStatusPending)
	failedMutations, _ := h.mutationRepo.CountMutationsByStatus(emaildomain.MutationStatusFailed)
	pendingOutbox, _ := h.outboxRepo.CountOutboxByStatus(caldomain.OutboxStatusPending)
	conflictOutbox, _ := h.outboxRepo.CountOutboxByStatus(caldomain.OutboxStatusConflict)
	failedOutbox, _ := h.outboxRepo.CountOutboxByStatus(caldomain.OutboxStatusFailed)

	calStates, err := h.calStateRepo.ListCalendarSyncStates()
	if err == nil {
		for _, state := range calStates {
			if state.Status == caldomain.SyncStatusError {
				degraded = true
				break
			}
		}
	}

	status := "ok"
	if degraded {
		status = "degraded"
	}

	c.JSON(http.StatusOK, gin.H{
		"status":  status,
		"folders": len(states),
		"mutations": gin.H{
			"pending": pendingMutations,
			"failed":  failedMutations,
		},
		"calendar_outbox": gin.H{
			"pending":  pendingOutbox,
			"conflict": conflictOutbox,
			"failed":   failedOutbox,
		},
	})
}

// Folders reports per-folder cursors, counts, and embedding progress.
func (h *Handler) Folders(c *gin.Context) {
	states, err := h.stateRepo.ListFolderStates()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	out := make([]folderHealth, 0, len(states))
	for _, state := range states {
		messages, _ := h.emailRepo.CountEmails(state.Folder)
		embedded, _ := h.embedRepo.CountEmbedded(state.Folder)
		out = append(out, folderHealth{
			Folder:        state.Folder,
			UIDValidity:   state.UIDValidity,
			UIDNext:       state.UIDNext,
			HighestModSeq: state.HighestModSeq,
			LastSyncAt:    state.LastSyncAt,
			LastError:     state.LastError,
			Messages:      messages,
			Embedded:      embedded,
		})
	}
	c.JSON(http.StatusOK, gin.H{"folders": out})
}

// Calendars reports each calendar's cursor and last outcome.
func (h *Handler) Calendars(c *gin.Context) {
	states, err := h.calStateRepo.ListCalendarSyncStates()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"calendars": states})
}
