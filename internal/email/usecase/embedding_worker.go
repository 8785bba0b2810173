package usecase

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log"
	"regexp"
	"strings"
	"sync"
	"time"

	"mailsync-backend/internal/email/domain"
	"mailsync-backend/internal/email/repository"
	"mailsync-backend/pkg/embedding"
)

// MessageMirror is the optional secondary store embeddings are mirrored
// into. *chroma.Mirror satisfies it; nil disables mirroring.
type MessageMirror interface {
	UpsertMessage(ctx context.Context, folder string, uid uint32, subject, body string) error
}

// activeReporter is implemented by the failover provider so the worker can
// record which underlying provider actually served a batch.
type activeReporter interface {
	Active() embedding.Provider
}

// EmbeddingWorker computes vectors for synced messages. An embedding row is
// written only after the provider call succeeded; messages with no usable
// text are marked skipped once and never re-examined.
type EmbeddingWorker struct {
	emailRepo repository.EmailRepository
	embedRepo repository.EmbeddingRepository
	provider  embedding.Provider
	mirror    MessageMirror

	batchSize       int
	failureCeiling  int
	failureCooldown time.Duration

	mu            sync.Mutex
	failStreak    int
	cooldownUntil time.Time
}

// NewEmbeddingWorker creates a new embedding worker. mirror may be nil.
func NewEmbeddingWorker(
	emailRepo repository.EmailRepository,
	embedRepo repository.EmbeddingRepository,
	provider embedding.Provider,
	mirror MessageMirror,
	batchSize, failureCeiling int,
	failureCooldown time.Duration,
) *EmbeddingWorker {
	if batchSize <= 0 {
		batchSize = 20
	}
	if failureCeiling <= 0 {
		failureCeiling = 5
	}
	return &EmbeddingWorker{
		emailRepo:       emailRepo,
		embedRepo:       embedRepo,
		provider:        provider,
		mirror:          mirror,
		batchSize:       batchSize,
		failureCeiling:  failureCeiling,
		failureCooldown: failureCooldown,
	}
}

// SyncFolder embeds every message in the folder that still needs a vector.
// Returns the number of vectors written.
func (w *EmbeddingWorker) SyncFolder(ctx context.Context, folder string) (int, error) {
	if w.inCooldown() {
		return 0, nil
	}

	total := 0
	for {
		if ctx.Err() != nil {
			return total, ctx.Err()
		}

		records, err := w.emailRepo.GetEmailsNeedingEmbedding(folder, w.batchSize)
		if err != nil {
			return total, fmt.Errorf("unable to list messages needing embedding: %w", err)
		}
		if len(records) == 0 {
			return total, nil
		}

		embedded, err := w.embedBatch(ctx, folder, records)
		total += embedded
		if err != nil {
			return total, err
		}
	}
}

// EmbedUIDs embeds the given messages immediately. Used by the lockstep
// ingestion pipeline so embedding never lags sync by more than one batch.
func (w *EmbeddingWorker) EmbedUIDs(ctx context.Context, folder string, uids []uint32) (int, error) {
	if len(uids) == 0 {
		return 0, nil
	}

	records, err := w.emailRepo.GetEmailsByUIDs(folder, uids)
	if err != nil {
		return 0, fmt.Errorf("unable to load messages for embedding: %w", err)
	}
	return w.embedBatch(ctx, folder, records)
}

// embedBatch embeds one batch of records. Empty-text records are marked
// skipped; the rest go to the provider in a single call.
func (w *EmbeddingWorker) embedBatch(ctx context.Context, folder string, records []domain.EmailRecord) (int, error) {
	texts := make([]string, 0, len(records))
	kept := make([]*domain.EmailRecord, 0, len(records))

	for i := range records {
		record := &records[i]
		text := normalizeForEmbedding(record.Subject, record.TextBody, record.HTMLBody)
		if text == "" {
			if err := w.emailRepo.MarkEmbedSkipped(folder, record.UID); err != nil {
				return 0, fmt.Errorf("unable to mark %s/%d skipped: %w", folder, record.UID, err)
			}
			continue
		}
		texts = append(texts, text)
		kept = append(kept, record)
	}

	if len(kept) == 0 {
		return 0, nil
	}

	vectors, err := w.provider.Embed(ctx, texts)
	if err != nil {
		w.noteFailure()
		return 0, fmt.Errorf("embedding batch failed: %w", err)
	}
	w.noteSuccess()

	providerName, modelName := w.provenance()
	for i, record := range kept {
		hash := record.ContentHash
		if hash == "" {
			hash = contentHash(texts[i])
		}
		err := w.embedRepo.UpsertEmbedding(&domain.EmbeddingRecord{
			Folder:      folder,
			UID:         record.UID,
			Vector:      vectors[i],
			Provider:    providerName,
			Model:       modelName,
			ContentHash: hash,
		})
		if err != nil {
			return i, fmt.Errorf("unable to store embedding for %s/%d: %w", folder, record.UID, err)
		}

		if w.mirror != nil {
			if err := w.mirror.UpsertMessage(ctx, folder, record.UID, record.Subject, texts[i]); err != nil {
				log.Printf("[Embedding] Mirror upsert failed for %s/%d: %v", folder, record.UID, err)
			}
		}
	}
	return len(kept), nil
}

func (w *EmbeddingWorker) provenance() (string, string) {
	if reporter, ok := w.provider.(activeReporter); ok {
		if active := reporter.Active(); active != nil {
			return active.Name(), active.Model()
		}
	}
	return w.provider.Name(), w.provider.Model()
}

func (w *EmbeddingWorker) inCooldown() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return time.Now().Before(w.cooldownUntil)
}

func (w *EmbeddingWorker) noteFailure() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.failStreak++
	if w.failStreak >= w.failureCeiling {
		w.cooldownUntil = time.Now().Add(w.failureCooldown)
		w.failStreak = 0
		log.Printf("[Embedding] %d consecutive failures, pausing until %s",
			w.failureCeiling, w.cooldownUntil.Format(time.RFC3339))
	}
}

func (w *EmbeddingWorker) noteSuccess() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.failStreak = 0
}

var htmlTagPattern = regexp.MustCompile(`<[^>]*>`)

// normalizeForEmbedding produces the canonical text a message is embedded
// from. The plain-text body wins; the HTML body is tag-stripped as a
// fallback. An empty result means the message has nothing to embed.
func normalizeForEmbedding(subject, textBody, htmlBody string) string {
	body := strings.TrimSpace(textBody)
	if body == "" && htmlBody != "" {
		body = strings.TrimSpace(htmlTagPattern.ReplaceAllString(htmlBody, " "))
	}

	combined := strings.TrimSpace(subject)
	if body != "" {
		if combined != "" {
			combined += "\n\n"
		}
		combined += body
	}

	combined = strings.Join(strings.Fields(combined), " ")
	if len(combined) > 8000 {
		combined = combined[:8000]
	}
	return combined
}

func contentHash(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}
