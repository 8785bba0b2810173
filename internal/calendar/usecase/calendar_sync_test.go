package usecase

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"google.golang.org/api/googleapi"

	"mailsync-backend/internal/calendar/domain"
	"mailsync-backend/pkg/gcal"
)

// --- In-memory fakes ---

type memCalStateRepo struct {
	states map[string]domain.CalendarSyncState
}

func newMemCalStateRepo() *memCalStateRepo {
	return &memCalStateRepo{states: make(map[string]domain.CalendarSyncState)}
}

func (r *memCalStateRepo) GetCalendarSyncState(calendarID string) (*domain.CalendarSyncState, error) {
	state, ok := r.states[calendarID]
	if !ok {
		return nil, nil
	}
	copied := state
	return &copied, nil
}

func (r *memCalStateRepo) UpsertCalendarSyncState(state *domain.CalendarSyncState) error {
	r.states[state.CalendarID] = *state
	return nil
}

func (r *memCalStateRepo) ListCalendarSyncStates() ([]domain.CalendarSyncState, error) {
	var out []domain.CalendarSyncState
	for _, state := range r.states {
		out = append(out, state)
	}
	return out, nil
}

type memCacheRepo struct {
	events   map[string]map[string]domain.CalendarEventCache
	clears   int
	replaced []string // "temp->real"
}

func newMemCacheRepo() *memCacheRepo {
	return &memCacheRepo{events: make(map[string]map[string]domain.CalendarEventCache)}
}

func (r *memCacheRepo) UpsertCalendarEventCache(event *domain.CalendarEventCache) error {
	if r.events[event.CalendarID] == nil {
		r.events[event.CalendarID] = make(map[string]domain.CalendarEventCache)
	}
	r.events[event.CalendarID][event.EventID] = *event
	return nil
}

func (r *memCacheRepo) DeleteCalendarEventCache(calendarID, eventID string) error {
	delete(r.events[calendarID], eventID)
	return nil
}

func (r *memCacheRepo) ClearCalendar(calendarID string) error {
	r.clears++
	delete(r.events, calendarID)
	return nil
}

func (r *memCacheRepo) ReplaceEventID(calendarID, tempID, realID string) error {
	r.replaced = append(r.replaced, fmt.Sprintf("%s->%s", tempID, realID))
	if event, ok := r.events[calendarID][tempID]; ok {
		delete(r.events[calendarID], tempID)
		event.EventID = realID
		r.events[calendarID][realID] = event
	}
	return nil
}

type memOutboxRepo struct {
	entries []domain.CalendarOutboxEntry
	nextID  int
}

func (r *memOutboxRepo) EnqueueCalendarOutbox(entry *domain.CalendarOutboxEntry) error {
	r.nextID++
	entry.ID = fmt.Sprintf("o-%d", r.nextID)
	entry.Status = domain.OutboxStatusPending
	r.entries = append(r.entries, *entry)
	return nil
}

func (r *memOutboxRepo) ListCalendarOutbox(calendarID, status string) ([]domain.CalendarOutboxEntry, error) {
	var out []domain.CalendarOutboxEntry
	for _, entry := range r.entries {
		if entry.CalendarID == calendarID && entry.Status == status {
			out = append(out, entry)
		}
	}
	return out, nil
}

func (r *memOutboxRepo) UpdateCalendarOutboxStatus(id, status string, attemptCount int, lastError string) error {
	for i := range r.entries {
		if r.entries[i].ID == id {
			r.entries[i].Status = status
			r.entries[i].AttemptCount = attemptCount
			r.entries[i].LastError = lastError
		}
	}
	return nil
}

func (r *memOutboxRepo) CountOutboxByStatus(status string) (int64, error) {
	var n int64
	for _, entry := range r.entries {
		if entry.Status == status {
			n++
		}
	}
	return n, nil
}

// fakeCalendarAPI scripts the provider through a list function plus
// per-mutation results.
type fakeCalendarAPI struct {
	list func(query gcal.PageQuery) (*gcal.EventsPage, error)

	insertResult *gcal.EventData
	insertErr    error
	patchErr     error
	deleteErr    error

	listCalls   []gcal.PageQuery
	patchCalls  int
	deleteCalls int
}

func (a *fakeCalendarAPI) ListEventsPage(ctx context.Context, calendarID string, query gcal.PageQuery) (*gcal.EventsPage, error) {
	a.listCalls = append(a.listCalls, query)
	return a.list(query)
}

func (a *fakeCalendarAPI) InsertEvent(ctx context.Context, calendarID string, event *gcal.EventData) (*gcal.EventData, error) {
	if a.insertErr != nil {
		return nil, a.insertErr
	}
	return a.insertResult, nil
}

func (a *fakeCalendarAPI) PatchEvent(ctx context.Context, calendarID, eventID string, event *gcal.EventData, etag string) (*gcal.EventData, error) {
	a.patchCalls++
	if a.patchErr != nil {
		return nil, a.patchErr
	}
	updated := *event
	updated.ID = eventID
	return &updated, nil
}

func (a *fakeCalendarAPI) DeleteEvent(ctx context.Context, calendarID, eventID string) error {
	a.deleteCalls++
	return a.deleteErr
}

type calFixture struct {
	api        *fakeCalendarAPI
	stateRepo  *memCalStateRepo
	cacheRepo  *memCacheRepo
	outboxRepo *memOutboxRepo
	worker     *CalendarSyncWorker
}

func newCalFixture(api *fakeCalendarAPI) *calFixture {
	stateRepo := newMemCalStateRepo()
	cacheRepo := newMemCacheRepo()
	outboxRepo := &memOutboxRepo{}
	return &calFixture{
		api:        api,
		stateRepo:  stateRepo,
		cacheRepo:  cacheRepo,
		outboxRepo: outboxRepo,
		worker:     NewCalendarSyncWorker(api, stateRepo, cacheRepo, outboxRepo, 30*24*time.Hour, 90*24*time.Hour),
	}
}

func remoteEvent(id, summary string) *gcal.EventData {
	return &gcal.EventData{
		ID:      id,
		Etag:    "etag-" + id,
		Summary: summary,
		Start:   time.Date(2025, 7, 1, 9, 0, 0, 0, time.UTC),
		End:     time.Date(2025, 7, 1, 10, 0, 0, 0, time.UTC),
		Status:  "confirmed",
	}
}

// emptyIncremental answers every query with an empty page carrying the
// given token, for tests that only exercise the outbox.
func emptyIncremental(token string) func(gcal.PageQuery) (*gcal.EventsPage, error) {
	return func(query gcal.PageQuery) (*gcal.EventsPage, error) {
		return &gcal.EventsPage{NextSyncToken: token}, nil
	}
}

// --- Tests ---

func TestFullSyncPagesAndStoresToken(t *testing.T) {
	api := &fakeCalendarAPI{}
	api.list = func(query gcal.PageQuery) (*gcal.EventsPage, error) {
		if query.SyncToken != "" {
			t.Fatalf("full sync sent a sync token: %q", query.SyncToken)
		}
		if query.PageToken == "" {
			return &gcal.EventsPage{
				Items:         []*gcal.EventData{remoteEvent("a", "standup"), remoteEvent("b", "review")},
				NextPageToken: "page-2",
			}, nil
		}
		return &gcal.EventsPage{
			Items:         []*gcal.EventData{remoteEvent("c", "retro")},
			NextSyncToken: "tok-1",
		}, nil
	}
	f := newCalFixture(api)

	if err := f.worker.Sync(context.Background(), "primary"); err != nil {
		t.Fatalf("Sync returned %v", err)
	}

	if len(f.cacheRepo.events["primary"]) != 3 {
		t.Errorf("cached %d events, want 3", len(f.cacheRepo.events["primary"]))
	}

	state := f.stateRepo.states["primary"]
	if state.SyncToken != "tok-1" {
		t.Errorf("sync token = %q, want tok-1", state.SyncToken)
	}
	if state.Status != domain.SyncStatusOK {
		t.Errorf("status = %q, want ok", state.Status)
	}
	if state.WindowStart.IsZero() || state.WindowEnd.IsZero() {
		t.Error("sync window not recorded")
	}
}

func TestIncrementalAppliesUpdatesAndCancellations(t *testing.T) {
	api := &fakeCalendarAPI{}
	api.list = func(query gcal.PageQuery) (*gcal.EventsPage, error) {
		if query.SyncToken != "tok-1" {
			t.Fatalf("incremental sync used token %q, want tok-1", query.SyncToken)
		}
		if !query.ShowDeleted {
			t.Fatal("incremental sync must request deleted events")
		}
		cancelled := remoteEvent("b", "review")
		cancelled.Status = "cancelled"
		return &gcal.EventsPage{
			Items:         []*gcal.EventData{remoteEvent("a", "standup v2"), cancelled},
			NextSyncToken: "tok-2",
		}, nil
	}
	f := newCalFixture(api)
	f.stateRepo.UpsertCalendarSyncState(&domain.CalendarSyncState{CalendarID: "primary", SyncToken: "tok-1"})
	f.cacheRepo.UpsertCalendarEventCache(&domain.CalendarEventCache{CalendarID: "primary", EventID: "a", Summary: "standup"})
	f.cacheRepo.UpsertCalendarEventCache(&domain.CalendarEventCache{CalendarID: "primary", EventID: "b", Summary: "review"})

	if err := f.worker.Sync(context.Background(), "primary"); err != nil {
		t.Fatalf("Sync returned %v", err)
	}

	if _, ok := f.cacheRepo.events["primary"]["b"]; ok {
		t.Error("cancelled event still cached")
	}
	if got := f.cacheRepo.events["primary"]["a"].Summary; got != "standup v2" {
		t.Errorf("updated summary = %q, want standup v2", got)
	}
	if f.stateRepo.states["primary"].SyncToken != "tok-2" {
		t.Errorf("sync token = %q, want tok-2", f.stateRepo.states["primary"].SyncToken)
	}
	if f.cacheRepo.clears != 0 {
		t.Errorf("cache cleared %d times during incremental sync, want 0", f.cacheRepo.clears)
	}
}

func TestExpiredTokenFallsBackToFullResync(t *testing.T) {
	api := &fakeCalendarAPI{}
	api.list = func(query gcal.PageQuery) (*gcal.EventsPage, error) {
		if query.SyncToken != "" {
			return nil, &googleapi.Error{Code: 410, Message: "sync token expired"}
		}
		return &gcal.EventsPage{
			Items:         []*gcal.EventData{remoteEvent("a", "standup")},
			NextSyncToken: "tok-fresh",
		}, nil
	}
	f := newCalFixture(api)
	f.stateRepo.UpsertCalendarSyncState(&domain.CalendarSyncState{CalendarID: "primary", SyncToken: "tok-stale"})
	f.cacheRepo.UpsertCalendarEventCache(&domain.CalendarEventCache{CalendarID: "primary", EventID: "ghost"})

	if err := f.worker.Sync(context.Background(), "primary"); err != nil {
		t.Fatalf("Sync returned %v", err)
	}

	if f.cacheRepo.clears != 1 {
		t.Errorf("cache cleared %d times, want 1 (full resync)", f.cacheRepo.clears)
	}
	if _, ok := f.cacheRepo.events["primary"]["ghost"]; ok {
		t.Error("stale cached event survived full resync")
	}

	state := f.stateRepo.states["primary"]
	if state.SyncToken != "tok-fresh" {
		t.Errorf("sync token = %q, want tok-fresh", state.SyncToken)
	}
	if state.Status != domain.SyncStatusOK {
		t.Errorf("status = %q, want ok", state.Status)
	}
}

func TestCreateFlowAdoptsServerID(t *testing.T) {
	api := &fakeCalendarAPI{
		insertResult: remoteEvent("real-1", "planning"),
	}
	api.list = emptyIncremental("tok-1")
	f := newCalFixture(api)
	f.stateRepo.UpsertCalendarSyncState(&domain.CalendarSyncState{CalendarID: "primary", SyncToken: "tok-1"})

	tempID, err := f.worker.CreateEvent("primary", &gcal.EventData{Summary: "planning"})
	if err != nil {
		t.Fatalf("CreateEvent returned %v", err)
	}
	if _, ok := f.cacheRepo.events["primary"][tempID]; !ok {
		t.Fatal("optimistic placeholder not cached")
	}

	if err := f.worker.Sync(context.Background(), "primary"); err != nil {
		t.Fatalf("Sync returned %v", err)
	}

	if len(f.cacheRepo.replaced) != 1 || f.cacheRepo.replaced[0] != tempID+"->real-1" {
		t.Errorf("replaced = %v, want [%s->real-1]", f.cacheRepo.replaced, tempID)
	}
	if _, ok := f.cacheRepo.events["primary"]["real-1"]; !ok {
		t.Error("server id not cached after apply")
	}
	if n, _ := f.outboxRepo.CountOutboxByStatus(domain.OutboxStatusApplied); n != 1 {
		t.Errorf("%d outbox entries applied, want 1", n)
	}
}

func TestConflictIsTerminal(t *testing.T) {
	api := &fakeCalendarAPI{
		patchErr: &googleapi.Error{Code: 412, Message: "precondition failed"},
	}
	api.list = emptyIncremental("tok-1")
	f := newCalFixture(api)
	f.stateRepo.UpsertCalendarSyncState(&domain.CalendarSyncState{CalendarID: "primary", SyncToken: "tok-1"})

	if err := f.worker.PatchEvent("primary", "a", &gcal.EventData{Summary: "new title", Etag: "etag-a"}); err != nil {
		t.Fatalf("PatchEvent returned %v", err)
	}

	if err := f.worker.Sync(context.Background(), "primary"); err != nil {
		t.Fatalf("Sync returned %v", err)
	}
	if f.outboxRepo.entries[0].Status != domain.OutboxStatusConflict {
		t.Fatalf("status = %s, want conflict", f.outboxRepo.entries[0].Status)
	}
	if f.outboxRepo.entries[0].AttemptCount != 1 {
		t.Errorf("attempt count = %d, want 1 (conflicts never retry)", f.outboxRepo.entries[0].AttemptCount)
	}

	// Conflicts are terminal: the next cycle does not touch the provider.
	if err := f.worker.Sync(context.Background(), "primary"); err != nil {
		t.Fatalf("second Sync returned %v", err)
	}
	if api.patchCalls != 1 {
		t.Errorf("patch called %d times, want 1", api.patchCalls)
	}
}

func TestOutboxRetriesUntilCeiling(t *testing.T) {
	api := &fakeCalendarAPI{
		deleteErr: errors.New("dial tcp: connection refused"),
	}
	api.list = emptyIncremental("tok-1")
	f := newCalFixture(api)
	f.stateRepo.UpsertCalendarSyncState(&domain.CalendarSyncState{CalendarID: "primary", SyncToken: "tok-1"})

	if err := f.worker.DeleteEvent("primary", "a"); err != nil {
		t.Fatalf("DeleteEvent returned %v", err)
	}

	for i := 0; i < domain.OutboxMaxAttempts; i++ {
		if f.outboxRepo.entries[0].Status == domain.OutboxStatusFailed {
			t.Fatalf("entry failed early, after %d attempts", i)
		}
		if err := f.worker.Sync(context.Background(), "primary"); err != nil {
			t.Fatalf("Sync %d returned %v", i+1, err)
		}
	}

	if f.outboxRepo.entries[0].Status != domain.OutboxStatusFailed {
		t.Errorf("status = %s, want failed after %d attempts", f.outboxRepo.entries[0].Status, domain.OutboxMaxAttempts)
	}
	if api.deleteCalls != domain.OutboxMaxAttempts {
		t.Errorf("delete called %d times, want %d", api.deleteCalls, domain.OutboxMaxAttempts)
	}
}

func TestDeleteOfMissingEventCountsAsApplied(t *testing.T) {
	api := &fakeCalendarAPI{
		deleteErr: &googleapi.Error{Code: 404, Message: "not found"},
	}
	api.list = emptyIncremental("tok-1")
	f := newCalFixture(api)
	f.stateRepo.UpsertCalendarSyncState(&domain.CalendarSyncState{CalendarID: "primary", SyncToken: "tok-1"})

	if err := f.worker.DeleteEvent("primary", "gone"); err != nil {
		t.Fatalf("DeleteEvent returned %v", err)
	}
	if err := f.worker.Sync(context.Background(), "primary"); err != nil {
		t.Fatalf("Sync returned %v", err)
	}

	if f.outboxRepo.entries[0].Status != domain.OutboxStatusApplied {
		t.Errorf("status = %s, want applied (already gone remotely)", f.outboxRepo.entries[0].Status)
	}
}
