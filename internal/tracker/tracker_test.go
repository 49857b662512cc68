package tracker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/beaconhq/beacon/internal/db"
)

type memStore struct {
	records     map[uuid.UUID]*db.DeliveryRecord
	refreshes   int
	conflictsOn int
	applies     int
}

func newMemStore(recs ...*db.DeliveryRecord) *memStore {
	s := &memStore{records: make(map[uuid.UUID]*db.DeliveryRecord)}
	for _, rec := range recs {
		s.records[rec.ID] = rec
	}
	return s
}

func (s *memStore) GetDelivery(_ context.Context, id uuid.UUID) (*db.DeliveryRecord, error) {
	rec, ok := s.records[id]
	if !ok {
		return nil, db.ErrNotFound
	}
	clone := *rec
	return &clone, nil
}

func (s *memStore) ApplyDelivery(_ context.Context, rec *db.DeliveryRecord) error {
	s.applies++
	if s.conflictsOn > 0 {
		s.conflictsOn--
		return db.ErrVersionConflict
	}
	current, ok := s.records[rec.ID]
	if !ok || current.Version != rec.Version {
		return db.ErrVersionConflict
	}
	clone := *rec
	clone.Version++
	s.records[rec.ID] = &clone
	rec.Version++
	return nil
}

func (s *memStore) RefreshBatch(_ context.Context, _ uuid.UUID) (*db.Batch, error) {
	s.refreshes++
	return &db.Batch{}, nil
}

type capturedEvent struct {
	previous string
	status   string
}

type fakeEvents struct {
	events []capturedEvent
}

func (f *fakeEvents) PublishTransition(_ context.Context, rec *db.DeliveryRecord, previous string) {
	f.events = append(f.events, capturedEvent{previous: previous, status: rec.Status})
}

func record(status string) *db.DeliveryRecord {
	return &db.DeliveryRecord{
		ID:             uuid.New(),
		NotificationID: uuid.New(),
		RecipientID:    uuid.New(),
		Channel:        db.ChannelInApp,
		Status:         status,
		BatchID:        uuid.New(),
		Attempt:        0,
		Version:        1,
	}
}

func newTracker(store Store, events EventPublisher) *Tracker {
	return New(store, events, Config{
		MaxAttempts: 3,
		BaseBackoff: 30 * time.Second,
		MaxBackoff:  30 * time.Minute,
	}, zap.NewNop())
}

func TestTransition_HappyPathStampsTimestamps(t *testing.T) {
	rec := record(db.StatusSending)
	store := newMemStore(rec)
	tr := newTracker(store, nil)
	ctx := context.Background()

	for _, status := range []string{db.StatusSent, db.StatusDelivered, db.StatusRead, db.StatusClicked} {
		if _, err := tr.Transition(ctx, rec.ID, status); err != nil {
			t.Fatalf("transition to %s: %v", status, err)
		}
	}

	got := store.records[rec.ID]
	if got.Status != db.StatusClicked {
		t.Fatalf("expected clicked, got %s", got.Status)
	}
	if got.SentAt == nil || got.DeliveredAt == nil || got.ReadAt == nil || got.ClickedAt == nil {
		t.Fatalf("expected all happy-path timestamps set: %+v", got)
	}
}

func TestTransition_DuplicateIsIdempotent(t *testing.T) {
	rec := record(db.StatusSent)
	store := newMemStore(rec)
	tr := newTracker(store, nil)

	if _, err := tr.Transition(context.Background(), rec.ID, db.StatusSent); err != nil {
		t.Fatalf("duplicate transition should be a no-op, got %v", err)
	}
	if store.applies != 0 {
		t.Fatalf("expected no write for a duplicate, got %d", store.applies)
	}
}

func TestTransition_BackwardRejected(t *testing.T) {
	rec := record(db.StatusDelivered)
	store := newMemStore(rec)
	tr := newTracker(store, nil)

	_, err := tr.Transition(context.Background(), rec.ID, db.StatusSent)
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
}

func TestTransition_TerminalIsFinal(t *testing.T) {
	for _, terminal := range []string{db.StatusClicked, db.StatusFailed, db.StatusCancelled} {
		rec := record(terminal)
		store := newMemStore(rec)
		tr := newTracker(store, nil)

		_, err := tr.Transition(context.Background(), rec.ID, db.StatusDelivered)
		if !errors.Is(err, ErrInvalidTransition) {
			t.Fatalf("%s: expected ErrInvalidTransition, got %v", terminal, err)
		}
	}
}

func TestTransition_UnknownStatusRejected(t *testing.T) {
	rec := record(db.StatusSent)
	tr := newTracker(newMemStore(rec), nil)

	_, err := tr.Transition(context.Background(), rec.ID, "teleported")
	if !errors.Is(err, ErrUnknownStatus) {
		t.Fatalf("expected ErrUnknownStatus, got %v", err)
	}
}

func TestTransition_SkipStampsIntermediateTimestamps(t *testing.T) {
	rec := record(db.StatusSent)
	store := newMemStore(rec)
	tr := newTracker(store, nil)

	if _, err := tr.Transition(context.Background(), rec.ID, db.StatusRead); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got := store.records[rec.ID]
	if got.DeliveredAt == nil {
		t.Fatal("skipping sent -> read should still stamp delivered_at")
	}
	if got.ReadAt == nil {
		t.Fatal("read_at not stamped")
	}
}

func TestTransition_RetriesVersionConflict(t *testing.T) {
	rec := record(db.StatusSending)
	store := newMemStore(rec)
	store.conflictsOn = 2
	tr := newTracker(store, nil)

	if _, err := tr.Transition(context.Background(), rec.ID, db.StatusSent); err != nil {
		t.Fatalf("expected conflict to be retried, got %v", err)
	}
	if store.records[rec.ID].Status != db.StatusSent {
		t.Fatalf("record not updated after retries")
	}
}

func TestTransition_RefreshesBatchAndPublishes(t *testing.T) {
	rec := record(db.StatusSending)
	store := newMemStore(rec)
	events := &fakeEvents{}
	tr := newTracker(store, events)

	if _, err := tr.Transition(context.Background(), rec.ID, db.StatusSent); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if store.refreshes != 1 {
		t.Fatalf("expected 1 batch refresh, got %d", store.refreshes)
	}
	if len(events.events) != 1 || events.events[0].previous != db.StatusSending || events.events[0].status != db.StatusSent {
		t.Fatalf("unexpected events: %+v", events.events)
	}
}

func TestTransition_TestRecordSkipsBatchRefresh(t *testing.T) {
	rec := record(db.StatusSending)
	rec.IsTest = true
	store := newMemStore(rec)
	tr := newTracker(store, nil)

	if _, err := tr.Transition(context.Background(), rec.ID, db.StatusSent); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if store.refreshes != 0 {
		t.Fatalf("test record should not touch batch counters, got %d refreshes", store.refreshes)
	}
}

func TestBeginAttempt_CountsAndBlocksCancelled(t *testing.T) {
	rec := record(db.StatusQueued)
	store := newMemStore(rec)
	tr := newTracker(store, nil)

	got, err := tr.BeginAttempt(context.Background(), rec.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Status != db.StatusSending || got.Attempt != 1 {
		t.Fatalf("expected sending/attempt=1, got %s/%d", got.Status, got.Attempt)
	}

	cancelled := record(db.StatusCancelled)
	store2 := newMemStore(cancelled)
	tr2 := newTracker(store2, nil)
	if _, err := tr2.BeginAttempt(context.Background(), cancelled.ID); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition for cancelled record, got %v", err)
	}
}

func TestFailAttempt_RecoverableSchedulesRetryWithBackoff(t *testing.T) {
	rec := record(db.StatusSending)
	rec.Attempt = 2
	store := newMemStore(rec)
	tr := newTracker(store, nil)

	start := time.Now()
	got, retryAt, err := tr.FailAttempt(context.Background(), rec.ID, db.StatusFailed, "timeout", "provider timed out", true)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Status != db.StatusQueued {
		t.Fatalf("expected queued for retry, got %s", got.Status)
	}
	if retryAt == nil {
		t.Fatal("expected a retry time")
	}
	// Attempt 2 doubles the 30s base once.
	delay := retryAt.Sub(start)
	if delay < 55*time.Second || delay > 65*time.Second {
		t.Fatalf("expected ~60s backoff, got %s", delay)
	}
	if got.ErrorCode == nil || *got.ErrorCode != "timeout" {
		t.Fatalf("error code not recorded: %+v", got)
	}
}

func TestFailAttempt_AttemptsExhaustedIsTerminal(t *testing.T) {
	rec := record(db.StatusSending)
	rec.Attempt = 3
	store := newMemStore(rec)
	tr := newTracker(store, nil)

	got, retryAt, err := tr.FailAttempt(context.Background(), rec.ID, db.StatusFailed, "timeout", "provider timed out", true)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if retryAt != nil {
		t.Fatal("exhausted record must not retry")
	}
	if got.Status != db.StatusFailed || got.FailedAt == nil {
		t.Fatalf("expected failed with failed_at, got %+v", got)
	}
}

func TestFailAttempt_NonRecoverableImmediatelyTerminal(t *testing.T) {
	rec := record(db.StatusSending)
	rec.Attempt = 1
	store := newMemStore(rec)
	tr := newTracker(store, nil)

	got, retryAt, err := tr.FailAttempt(context.Background(), rec.ID, db.StatusRejected, "invalid_address", "no such mailbox", false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if retryAt != nil {
		t.Fatal("non-recoverable failure must not retry")
	}
	if got.Status != db.StatusRejected {
		t.Fatalf("expected rejected, got %s", got.Status)
	}
}

func TestFailAttempt_TerminalRecordIsNoOp(t *testing.T) {
	rec := record(db.StatusCancelled)
	store := newMemStore(rec)
	tr := newTracker(store, nil)

	got, retryAt, err := tr.FailAttempt(context.Background(), rec.ID, db.StatusFailed, "late", "late result", true)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if retryAt != nil || got.Status != db.StatusCancelled {
		t.Fatalf("late failure must not disturb a terminal record: %+v", got)
	}
}

func TestInteraction_RequiresSentRecord(t *testing.T) {
	ctx := context.Background()
	for _, status := range []string{db.StatusPending, db.StatusQueued, db.StatusSending} {
		rec := record(status)
		store := newMemStore(rec)
		tr := newTracker(store, nil)

		if _, err := tr.MarkRead(ctx, rec.ID); !errors.Is(err, ErrInvalidTransition) {
			t.Fatalf("%s: expected ErrInvalidTransition, got %v", status, err)
		}
		if _, err := tr.MarkDelivered(ctx, rec.ID); !errors.Is(err, ErrInvalidTransition) {
			t.Fatalf("%s: expected ErrInvalidTransition, got %v", status, err)
		}
		if _, err := tr.MarkClicked(ctx, rec.ID); !errors.Is(err, ErrInvalidTransition) {
			t.Fatalf("%s: expected ErrInvalidTransition, got %v", status, err)
		}

		got := store.records[rec.ID]
		if got.SentAt != nil || got.DeliveredAt != nil || got.ReadAt != nil {
			t.Fatalf("%s: interaction on an unsent record must not stamp timestamps: %+v", status, got)
		}
		if got.Status != status {
			t.Fatalf("%s: status changed to %s", status, got.Status)
		}
	}
}

func TestInteraction_SentRecordAdvances(t *testing.T) {
	rec := record(db.StatusSent)
	store := newMemStore(rec)
	tr := newTracker(store, nil)

	got, err := tr.MarkRead(context.Background(), rec.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Status != db.StatusRead || got.ReadAt == nil || got.DeliveredAt == nil {
		t.Fatalf("expected read with stamps, got %+v", got)
	}
}

func TestMarkConverted_RequiresClickAndIsIdempotent(t *testing.T) {
	unclicked := record(db.StatusDelivered)
	store := newMemStore(unclicked)
	tr := newTracker(store, nil)
	ctx := context.Background()

	if _, err := tr.MarkConverted(ctx, unclicked.ID); !errors.Is(err, ErrNotClicked) {
		t.Fatalf("expected ErrNotClicked, got %v", err)
	}

	clicked := record(db.StatusClicked)
	now := time.Now()
	clicked.ClickedAt = &now
	store2 := newMemStore(clicked)
	tr2 := newTracker(store2, nil)

	got, err := tr2.MarkConverted(ctx, clicked.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.ConvertedAt == nil {
		t.Fatal("converted_at not stamped")
	}

	first := *got.ConvertedAt
	again, err := tr2.MarkConverted(ctx, clicked.ID)
	if err != nil {
		t.Fatalf("repeat conversion should be a no-op, got %v", err)
	}
	if !again.ConvertedAt.Equal(first) {
		t.Fatal("repeat conversion changed the timestamp")
	}
}
