package usecase

import (
	"context"
	"fmt"
	"testing"
	"time"

	"mailsync-backend/internal/email/domain"
	"mailsync-backend/pkg/imapx"
)

func TestLockstepEmbedsEachBatch(t *testing.T) {
	session := &fakeSession{
		info:     imapx.SelectInfo{UIDValidity: 7, UIDNext: 6, HighestModSeq: 12},
		uids:     []uint32{1, 2, 3, 4, 5},
		messages: make(map[uint32]*imapx.FetchedMessage),
		modseq:   true,
	}
	for uid := uint32(1); uid <= 5; uid++ {
		session.messages[uid] = testMessage(uid, fmt.Sprintf("<m%d@example.com>", uid), "")
	}

	f := newSyncFixture(session, 2)
	provider := &stubProvider{}
	embedWorker := NewEmbeddingWorker(f.emailRepo, f.embedRepo, provider, nil, 10, 5, time.Minute)
	pipeline := NewLockstepIngestionPipeline(f.worker, embedWorker)

	if err := pipeline.Ingest(context.Background(), "INBOX"); err != nil {
		t.Fatalf("Ingest returned %v", err)
	}

	if n, _ := f.emailRepo.CountEmails("INBOX"); n != 5 {
		t.Errorf("stored %d messages, want 5", n)
	}
	if n, _ := f.embedRepo.CountEmbedded("INBOX"); n != 5 {
		t.Errorf("embedded %d messages, want 5", n)
	}

	// One embedding batch per sync batch: the vector store never lags the
	// mail store by more than one batch.
	sizes := make([]int, 0, len(provider.batches))
	for _, batch := range provider.batches {
		sizes = append(sizes, len(batch))
	}
	if fmt.Sprint(sizes) != fmt.Sprint([]int{2, 2, 1}) {
		t.Errorf("embedding batch sizes = %v, want [2 2 1]", sizes)
	}
}

func TestLockstepEmbedsOnlyTheSyncedBatch(t *testing.T) {
	session := &fakeSession{
		info: imapx.SelectInfo{UIDValidity: 7, UIDNext: 4, HighestModSeq: 12},
		uids: []uint32{2, 3},
		messages: map[uint32]*imapx.FetchedMessage{
			2: testMessage(2, "<m2@example.com>", ""),
			3: testMessage(3, "<m3@example.com>", ""),
		},
		modseq: true,
	}

	f := newSyncFixture(session, 10)
	provider := &stubProvider{}
	embedWorker := NewEmbeddingWorker(f.emailRepo, f.embedRepo, provider, nil, 10, 5, time.Minute)
	pipeline := NewLockstepIngestionPipeline(f.worker, embedWorker)

	// uid 1 was ingested earlier but never embedded. The lockstep fill
	// embeds what it just synced; the backlog belongs to the periodic
	// embedding pass.
	f.stateRepo.SaveFolderState(&domain.FolderSyncState{
		Folder: "INBOX", UIDValidity: 7, UIDNext: 2, HighestModSeq: 10,
	})
	seedEmail(f.emailRepo, "INBOX", 1, "old subject", "old body")

	if err := pipeline.Ingest(context.Background(), "INBOX"); err != nil {
		t.Fatalf("Ingest returned %v", err)
	}

	if len(provider.batches) != 1 || len(provider.batches[0]) != 2 {
		t.Fatalf("provider batches = %v, want one batch of 2", provider.batches)
	}
	if n, _ := f.embedRepo.CountEmbedded("INBOX"); n != 2 {
		t.Errorf("embedded %d messages, want 2", n)
	}
	if _, ok := f.embedRepo.rows["INBOX"][1]; ok {
		t.Error("backlog message embedded during lockstep fill")
	}
}

func TestLockstepResumesFromCursor(t *testing.T) {
	session := &fakeSession{
		info:     imapx.SelectInfo{UIDValidity: 7, UIDNext: 6, HighestModSeq: 12},
		uids:     []uint32{1, 2, 3, 4, 5},
		messages: make(map[uint32]*imapx.FetchedMessage),
		modseq:   true,
	}
	for uid := uint32(1); uid <= 5; uid++ {
		session.messages[uid] = testMessage(uid, fmt.Sprintf("<m%d@example.com>", uid), "")
	}

	f := newSyncFixture(session, 2)
	provider := &stubProvider{}
	embedWorker := NewEmbeddingWorker(f.emailRepo, f.embedRepo, provider, nil, 10, 5, time.Minute)
	pipeline := NewLockstepIngestionPipeline(f.worker, embedWorker)

	// Fail uid 3: the first batch lands, the second aborts.
	f.emailRepo.failUID = 3
	if err := pipeline.Ingest(context.Background(), "INBOX"); err == nil {
		t.Fatal("Ingest succeeded, want failure on uid 3")
	}

	state, _ := f.stateRepo.GetFolderState("INBOX")
	if state.UIDNext != 3 {
		t.Fatalf("uid_next after failure = %d, want 3", state.UIDNext)
	}

	f.emailRepo.failUID = 0
	session.fetchCalls = nil
	if err := pipeline.Ingest(context.Background(), "INBOX"); err != nil {
		t.Fatalf("resumed Ingest returned %v", err)
	}

	// Only the unfinished tail is re-fetched.
	if fmt.Sprint(session.fetchCalls) != fmt.Sprint([][]uint32{{3, 4}, {5}}) {
		t.Errorf("resume fetched %v, want [[3 4] [5]]", session.fetchCalls)
	}
	if n, _ := f.embedRepo.CountEmbedded("INBOX"); n != 5 {
		t.Errorf("embedded %d messages, want 5", n)
	}
}
