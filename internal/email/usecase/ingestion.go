package usecase

import (
	"context"
	"log"
)

// LockstepIngestionPipeline drives the initial fill of a folder: one sync
// batch, then embedding of exactly the messages that batch stored,
// alternating until the folder is caught up. Embedding therefore never lags
// ingestion by more than one batch, and a crash resumes where the cursor
// stopped.
type LockstepIngestionPipeline struct {
	syncWorker  *FolderSyncWorker
	embedWorker *EmbeddingWorker
}

// NewLockstepIngestionPipeline creates a new lockstep pipeline.
func NewLockstepIngestionPipeline(syncWorker *FolderSyncWorker, embedWorker *EmbeddingWorker) *LockstepIngestionPipeline {
	return &LockstepIngestionPipeline{
		syncWorker:  syncWorker,
		embedWorker: embedWorker,
	}
}

// Ingest fills one folder. Embedding failures are logged and do not stop
// ingestion; the periodic embedding pass picks up whatever was missed.
func (p *LockstepIngestionPipeline) Ingest(ctx context.Context, folder string) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		uids, err := p.syncWorker.SyncBatch(ctx, folder)
		if err != nil {
			return err
		}
		if len(uids) == 0 {
			return nil
		}

		if _, err := p.embedWorker.EmbedUIDs(ctx, folder, uids); err != nil {
			log.Printf("[Ingestion] Embedding batch for %s failed: %v", folder, err)
		}
	}
}
