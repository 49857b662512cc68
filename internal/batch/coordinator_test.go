package batch

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/beaconhq/beacon/internal/db"
	"github.com/beaconhq/beacon/internal/targeting"
)

type fakeStore struct {
	batch      *db.Batch
	records    []*db.DeliveryRecord
	refreshed  int
	lastFilter db.DeliveryFilter
}

func (s *fakeStore) GetBatch(_ context.Context, _ uuid.UUID) (*db.Batch, error) {
	return s.batch, nil
}

func (s *fakeStore) RefreshBatch(_ context.Context, _ uuid.UUID) (*db.Batch, error) {
	s.refreshed++
	return s.batch, nil
}

func (s *fakeStore) ListDeliveries(_ context.Context, f db.DeliveryFilter) ([]*db.DeliveryRecord, error) {
	s.lastFilter = f
	return s.records, nil
}

type fakeDirectory struct {
	people map[uuid.UUID]*targeting.Recipient
	calls  int
}

func (d *fakeDirectory) ByID(_ context.Context, id uuid.UUID) (*targeting.Recipient, error) {
	d.calls++
	if p, ok := d.people[id]; ok {
		return p, nil
	}
	return nil, db.ErrNotFound
}

func TestSummarize_RecountsFromRecords(t *testing.T) {
	batchID := uuid.New()
	store := &fakeStore{batch: &db.Batch{ID: batchID, Total: 5, Sent: 3, Failed: 1, Pending: 1}}
	c := NewCoordinator(store, nil, zap.NewNop())

	got, err := c.Summarize(context.Background(), batchID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if store.refreshed != 1 {
		t.Fatalf("expected a recount, got %d refreshes", store.refreshed)
	}
	if got.Sent != 3 || got.Failed != 1 || got.Pending != 1 {
		t.Fatalf("unexpected summary: %+v", got)
	}
}

func TestLogs_AnnotatesRecipients(t *testing.T) {
	batchID := uuid.New()
	alice := &targeting.Recipient{ID: uuid.New(), Name: "Alice", Email: "alice@example.com"}
	now := time.Now()

	store := &fakeStore{records: []*db.DeliveryRecord{
		{ID: uuid.New(), RecipientID: alice.ID, Channel: db.ChannelEmail, Status: db.StatusSent, Attempt: 1, SentAt: &now},
		{ID: uuid.New(), RecipientID: alice.ID, Channel: db.ChannelInApp, Status: db.StatusDelivered, Attempt: 1},
	}}
	dir := &fakeDirectory{people: map[uuid.UUID]*targeting.Recipient{alice.ID: alice}}
	c := NewCoordinator(store, dir, zap.NewNop())

	entries, err := c.Logs(context.Background(), batchID, 50, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	for _, e := range entries {
		if e.RecipientName != "Alice" || e.RecipientEmail != "alice@example.com" {
			t.Fatalf("recipient fields missing: %+v", e)
		}
	}
	if dir.calls != 1 {
		t.Fatalf("expected one directory lookup per recipient, got %d", dir.calls)
	}
	if store.lastFilter.BatchID == nil || *store.lastFilter.BatchID != batchID {
		t.Fatalf("batch filter not applied: %+v", store.lastFilter)
	}
}

func TestLogs_DirectoryMissDegradesToIDs(t *testing.T) {
	store := &fakeStore{records: []*db.DeliveryRecord{
		{ID: uuid.New(), RecipientID: uuid.New(), Channel: db.ChannelSMS, Status: db.StatusFailed},
	}}
	c := NewCoordinator(store, &fakeDirectory{}, zap.NewNop())

	entries, err := c.Logs(context.Background(), uuid.New(), 50, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if entries[0].RecipientName != "" || entries[0].RecipientEmail != "" {
		t.Fatalf("expected blank display fields on miss: %+v", entries[0])
	}
}
