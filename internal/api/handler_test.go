package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/beaconhq/beacon/internal/analytics"
	"github.com/beaconhq/beacon/internal/batch"
	"github.com/beaconhq/beacon/internal/db"
	"github.com/beaconhq/beacon/internal/dispatch"
	"github.com/beaconhq/beacon/internal/queue"
	"github.com/beaconhq/beacon/internal/redis"
	"github.com/beaconhq/beacon/internal/tracker"
)

// mockRepo is a fake database for handler tests.
type mockRepo struct {
	requests   map[uuid.UUID]*db.NotificationRequest
	deliveries map[uuid.UUID]*db.DeliveryRecord
	configs    map[uuid.UUID]*db.ChannelConfig
	templates  map[uuid.UUID]*db.Template
}

func newMockRepo() *mockRepo {
	return &mockRepo{
		requests:   make(map[uuid.UUID]*db.NotificationRequest),
		deliveries: make(map[uuid.UUID]*db.DeliveryRecord),
		configs:    make(map[uuid.UUID]*db.ChannelConfig),
		templates:  make(map[uuid.UUID]*db.Template),
	}
}

func (m *mockRepo) GetRequest(ctx context.Context, id uuid.UUID) (*db.NotificationRequest, error) {
	req, ok := m.requests[id]
	if !ok {
		return nil, fmt.Errorf("request %s: %w", id, db.ErrNotFound)
	}
	return req, nil
}

func (m *mockRepo) ListRequests(ctx context.Context, f db.RequestFilter) ([]*db.NotificationRequest, error) {
	var out []*db.NotificationRequest
	for _, req := range m.requests {
		if f.Status != "" && req.Status != f.Status {
			continue
		}
		out = append(out, req)
	}
	return out, nil
}

func (m *mockRepo) UpdateRequest(ctx context.Context, req *db.NotificationRequest) error {
	existing, ok := m.requests[req.ID]
	if !ok {
		return fmt.Errorf("request %s: %w", req.ID, db.ErrNotFound)
	}
	if !db.EditableStatus(existing.Status) {
		return db.ErrNotEditable
	}
	m.requests[req.ID] = req
	return nil
}

func (m *mockRepo) DeleteRequest(ctx context.Context, id uuid.UUID) error {
	existing, ok := m.requests[id]
	if !ok {
		return fmt.Errorf("request %s: %w", id, db.ErrNotFound)
	}
	if !db.EditableStatus(existing.Status) {
		return db.ErrNotEditable
	}
	delete(m.requests, id)
	return nil
}

func (m *mockRepo) GetDelivery(ctx context.Context, id uuid.UUID) (*db.DeliveryRecord, error) {
	rec, ok := m.deliveries[id]
	if !ok {
		return nil, fmt.Errorf("delivery %s: %w", id, db.ErrNotFound)
	}
	return rec, nil
}

func (m *mockRepo) ListDeliveries(ctx context.Context, f db.DeliveryFilter) ([]*db.DeliveryRecord, error) {
	var out []*db.DeliveryRecord
	for _, rec := range m.deliveries {
		if f.NotificationID != nil && rec.NotificationID != *f.NotificationID {
			continue
		}
		if f.BatchID != nil && rec.BatchID != *f.BatchID {
			continue
		}
		if f.Status != "" && rec.Status != f.Status {
			continue
		}
		if rec.IsTest && !f.IncludeTest {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

func (m *mockRepo) ListInbox(ctx context.Context, recipientID uuid.UUID, limit, offset int) ([]*db.DeliveryRecord, error) {
	var out []*db.DeliveryRecord
	for _, rec := range m.deliveries {
		if rec.RecipientID != recipientID || rec.IsTest {
			continue
		}
		if rec.Channel != db.ChannelInApp && rec.Channel != db.ChannelBanner {
			continue
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID.String() < out[j].ID.String() })
	if offset >= len(out) {
		return nil, nil
	}
	out = out[offset:]
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *mockRepo) UnreadCount(ctx context.Context, recipientID uuid.UUID) (int, error) {
	count := 0
	for _, rec := range m.deliveries {
		inbox := rec.Channel == db.ChannelInApp || rec.Channel == db.ChannelBanner
		if rec.RecipientID == recipientID && inbox && rec.ReadAt == nil && !rec.IsTest {
			count++
		}
	}
	return count, nil
}

func (m *mockRepo) CreateChannelConfig(ctx context.Context, cfg *db.ChannelConfig) error {
	if cfg.ID == uuid.Nil {
		cfg.ID = uuid.New()
	}
	m.configs[cfg.ID] = cfg
	return nil
}

func (m *mockRepo) GetChannelConfig(ctx context.Context, id uuid.UUID) (*db.ChannelConfig, error) {
	cfg, ok := m.configs[id]
	if !ok {
		return nil, fmt.Errorf("channel config %s: %w", id, db.ErrNotFound)
	}
	return cfg, nil
}

func (m *mockRepo) ListChannelConfigs(ctx context.Context) ([]*db.ChannelConfig, error) {
	var out []*db.ChannelConfig
	for _, cfg := range m.configs {
		out = append(out, cfg)
	}
	return out, nil
}

func (m *mockRepo) UpdateChannelConfig(ctx context.Context, cfg *db.ChannelConfig) error {
	if _, ok := m.configs[cfg.ID]; !ok {
		return fmt.Errorf("channel config %s: %w", cfg.ID, db.ErrNotFound)
	}
	m.configs[cfg.ID] = cfg
	return nil
}

func (m *mockRepo) DeleteChannelConfig(ctx context.Context, id uuid.UUID) error {
	if _, ok := m.configs[id]; !ok {
		return fmt.Errorf("channel config %s: %w", id, db.ErrNotFound)
	}
	delete(m.configs, id)
	return nil
}

func (m *mockRepo) SeedChannelConfigs(ctx context.Context) ([]string, error) {
	created := []string{}
	for _, notifType := range db.NotificationTypes {
		exists := false
		for _, cfg := range m.configs {
			if cfg.Type == notifType {
				exists = true
				break
			}
		}
		if exists {
			continue
		}
		m.configs[uuid.New()] = &db.ChannelConfig{
			ID:              uuid.New(),
			Type:            notifType,
			AllowedChannels: []string{db.ChannelInApp},
			DefaultChannel:  db.ChannelInApp,
			Active:          true,
		}
		created = append(created, notifType)
	}
	return created, nil
}

func (m *mockRepo) CreateTemplate(ctx context.Context, tpl *db.Template) error {
	if tpl.ID == uuid.Nil {
		tpl.ID = uuid.New()
	}
	m.templates[tpl.ID] = tpl
	return nil
}

func (m *mockRepo) GetTemplate(ctx context.Context, id uuid.UUID) (*db.Template, error) {
	tpl, ok := m.templates[id]
	if !ok {
		return nil, fmt.Errorf("template %s: %w", id, db.ErrNotFound)
	}
	return tpl, nil
}

func (m *mockRepo) GetTemplateByKey(ctx context.Context, key string) (*db.Template, error) {
	for _, tpl := range m.templates {
		if tpl.Key == key {
			return tpl, nil
		}
	}
	return nil, fmt.Errorf("template %s: %w", key, db.ErrNotFound)
}

func (m *mockRepo) ListTemplates(ctx context.Context, category string, limit, offset int) ([]*db.Template, error) {
	var out []*db.Template
	for _, tpl := range m.templates {
		if category != "" && tpl.Category != category {
			continue
		}
		out = append(out, tpl)
	}
	return out, nil
}

func (m *mockRepo) UpdateTemplate(ctx context.Context, tpl *db.Template) error {
	if _, ok := m.templates[tpl.ID]; !ok {
		return fmt.Errorf("template %s: %w", tpl.ID, db.ErrNotFound)
	}
	m.templates[tpl.ID] = tpl
	return nil
}

func (m *mockRepo) DeleteTemplate(ctx context.Context, id uuid.UUID) error {
	if _, ok := m.templates[id]; !ok {
		return fmt.Errorf("template %s: %w", id, db.ErrNotFound)
	}
	delete(m.templates, id)
	return nil
}

// mockDispatcher records calls and returns canned results.
type mockDispatcher struct {
	repo       *mockRepo
	failWith   error
	cancelled  int
	createSeen *db.NotificationRequest
	sentTo     []uuid.UUID
}

func (m *mockDispatcher) Create(ctx context.Context, req *db.NotificationRequest) (*db.NotificationRequest, error) {
	if m.failWith != nil {
		return nil, m.failWith
	}
	req.ID = uuid.New()
	req.Status = db.StatusQueued
	m.createSeen = req
	m.repo.requests[req.ID] = req
	return req, nil
}

func (m *mockDispatcher) SendNow(ctx context.Context, id uuid.UUID) (*db.NotificationRequest, error) {
	if m.failWith != nil {
		return nil, m.failWith
	}
	req, err := m.repo.GetRequest(ctx, id)
	if err != nil {
		return nil, err
	}
	req.Status = db.StatusQueued
	return req, nil
}

func (m *mockDispatcher) SendTo(ctx context.Context, id uuid.UUID, recipients []uuid.UUID) (*db.NotificationRequest, error) {
	if m.failWith != nil {
		return nil, m.failWith
	}
	req, err := m.repo.GetRequest(ctx, id)
	if err != nil {
		return nil, err
	}
	m.sentTo = recipients
	req.Status = db.StatusQueued
	return req, nil
}

func (m *mockDispatcher) Cancel(ctx context.Context, id uuid.UUID) (int, error) {
	if m.failWith != nil {
		return 0, m.failWith
	}
	if req, ok := m.repo.requests[id]; ok {
		req.Status = db.StatusCancelled
	}
	return m.cancelled, nil
}

func (m *mockDispatcher) TestSend(ctx context.Context, req *db.NotificationRequest, recipientID uuid.UUID) (*db.DeliveryRecord, error) {
	if m.failWith != nil {
		return nil, m.failWith
	}
	return &db.DeliveryRecord{
		ID:          uuid.New(),
		RecipientID: recipientID,
		Channel:     db.ChannelInApp,
		Status:      db.StatusDelivered,
		IsTest:      true,
	}, nil
}

// mockInteractions applies simplified transition rules over the shared map.
type mockInteractions struct {
	repo *mockRepo
}

func (m *mockInteractions) mark(id uuid.UUID, status string, stamp func(*db.DeliveryRecord, time.Time)) (*db.DeliveryRecord, error) {
	rec, ok := m.repo.deliveries[id]
	if !ok {
		return nil, fmt.Errorf("delivery %s: %w", id, db.ErrNotFound)
	}
	if db.TerminalStatus(rec.Status) && rec.Status != status {
		return nil, tracker.ErrInvalidTransition
	}
	rec.Status = status
	stamp(rec, time.Now())
	return rec, nil
}

func (m *mockInteractions) MarkDelivered(ctx context.Context, id uuid.UUID) (*db.DeliveryRecord, error) {
	return m.mark(id, db.StatusDelivered, func(r *db.DeliveryRecord, now time.Time) { r.DeliveredAt = &now })
}

func (m *mockInteractions) MarkRead(ctx context.Context, id uuid.UUID) (*db.DeliveryRecord, error) {
	return m.mark(id, db.StatusRead, func(r *db.DeliveryRecord, now time.Time) { r.ReadAt = &now })
}

func (m *mockInteractions) MarkClicked(ctx context.Context, id uuid.UUID) (*db.DeliveryRecord, error) {
	return m.mark(id, db.StatusClicked, func(r *db.DeliveryRecord, now time.Time) { r.ClickedAt = &now })
}

func (m *mockInteractions) MarkConverted(ctx context.Context, id uuid.UUID) (*db.DeliveryRecord, error) {
	rec, ok := m.repo.deliveries[id]
	if !ok {
		return nil, fmt.Errorf("delivery %s: %w", id, db.ErrNotFound)
	}
	if rec.ClickedAt == nil {
		return nil, tracker.ErrNotClicked
	}
	now := time.Now()
	rec.ConvertedAt = &now
	return rec, nil
}

type mockStats struct{}

func (mockStats) Overview(ctx context.Context, w db.StatWindow) (*analytics.Overview, error) {
	f := db.Funnel{Sent: 100, Delivered: 80, Read: 40, Clicked: 10, Converted: 2}
	return &analytics.Overview{
		Funnel:   f,
		Rates:    analytics.DeriveRates(f),
		ByStatus: map[string]int{db.StatusSent: 100},
	}, nil
}

func (mockStats) TopPerformingTypes(ctx context.Context, w db.StatWindow, n int) ([]analytics.TypePerformance, error) {
	return []analytics.TypePerformance{
		{Type: db.TypeOrderShipped, Score: 1.5},
	}, nil
}

type mockBatches struct {
	summary *db.Batch
	logs    []batch.LogEntry
}

func (m *mockBatches) Summarize(ctx context.Context, batchID uuid.UUID) (*db.Batch, error) {
	if m.summary == nil {
		return nil, db.ErrNotFound
	}
	return m.summary, nil
}

func (m *mockBatches) Logs(ctx context.Context, batchID uuid.UUID, limit, offset int) ([]batch.LogEntry, error) {
	return m.logs, nil
}

type mockQueues struct{}

func (mockQueues) Counts() map[string]queue.Counts {
	return map[string]queue.Counts{
		queue.Immediate: {Waiting: 3, Active: 1},
		queue.Scheduled: {Delayed: 2},
		queue.Retry:     {},
	}
}

type fixture struct {
	repo       *mockRepo
	dispatcher *mockDispatcher
	handler    *Handler
	router     chi.Router
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	repo := newMockRepo()
	dispatcher := &mockDispatcher{repo: repo, cancelled: 2}
	handler := NewHandler(zap.NewNop(), repo, dispatcher, &mockInteractions{repo: repo}, mockStats{}, &mockBatches{}).
		WithQueues(mockQueues{})

	router := chi.NewRouter()
	router.Route("/v1", handler.Routes)

	return &fixture{repo: repo, dispatcher: dispatcher, handler: handler, router: router}
}

func (f *fixture) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()

	var reader *bytes.Reader
	switch b := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case string:
		reader = bytes.NewReader([]byte(b))
	default:
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("failed to marshal body: %v", err)
		}
		reader = bytes.NewReader(raw)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func validSubmission() db.NotificationRequest {
	return db.NotificationRequest{
		Type:    db.TypeOrderConfirmed,
		Title:   "Order confirmed",
		Message: "Thanks for your order",
		Target: db.TargetSpec{
			Kind:        db.TargetSingle,
			RecipientID: uuid.New().String(),
		},
	}
}

func TestCreateRequest(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/v1/notifications", validSubmission())

	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}

	var resp db.NotificationRequest
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.ID == uuid.Nil {
		t.Error("expected assigned ID")
	}
	if resp.Status != db.StatusQueued {
		t.Errorf("expected status queued, got %s", resp.Status)
	}
	if f.dispatcher.createSeen == nil {
		t.Error("expected dispatcher to be called")
	}
}

func TestCreateRequest_ValidationError(t *testing.T) {
	f := newFixture(t)
	f.dispatcher.failWith = fmt.Errorf("%w: title is required", dispatch.ErrValidation)

	rec := f.do(t, http.MethodPost, "/v1/notifications", validSubmission())

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}

	var errResp ErrorResponse
	if err := json.NewDecoder(rec.Body).Decode(&errResp); err != nil {
		t.Fatalf("failed to decode error: %v", err)
	}
	if errResp.Type != "invalid_request" {
		t.Errorf("expected type invalid_request, got %s", errResp.Type)
	}
}

func TestCreateRequest_MalformedJSON(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/v1/notifications", "not valid json")

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestCreateRequest_IdempotencyReplay(t *testing.T) {
	mr := miniredis.RunT(t)

	port, err := strconv.Atoi(mr.Port())
	if err != nil {
		t.Fatalf("failed to parse miniredis port: %v", err)
	}
	client, err := redis.New(context.Background(), redis.Config{Host: mr.Host(), Port: port}, zap.NewNop())
	if err != nil {
		t.Fatalf("failed to connect to miniredis: %v", err)
	}
	defer client.Close()

	f := newFixture(t)
	f.handler.WithIdempotency(redis.NewIdempotencyService(client, zap.NewNop()))

	body, err := json.Marshal(validSubmission())
	if err != nil {
		t.Fatalf("failed to marshal body: %v", err)
	}

	send := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/v1/notifications", bytes.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Idempotency-Key", "order-123")
		rec := httptest.NewRecorder()
		f.router.ServeHTTP(rec, req)
		return rec
	}

	first := send()
	if first.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", first.Code, first.Body.String())
	}
	var created db.NotificationRequest
	if err := json.NewDecoder(first.Body).Decode(&created); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}

	second := send()
	if second.Code != http.StatusCreated {
		t.Fatalf("expected replayed 201, got %d", second.Code)
	}
	if second.Header().Get("X-Idempotency-Replayed") != "true" {
		t.Error("expected X-Idempotency-Replayed header")
	}
	var replayed map[string]string
	if err := json.NewDecoder(second.Body).Decode(&replayed); err != nil {
		t.Fatalf("failed to decode replay: %v", err)
	}
	if replayed["id"] != created.ID.String() {
		t.Errorf("expected replayed id %s, got %s", created.ID, replayed["id"])
	}

	if len(f.repo.requests) != 1 {
		t.Errorf("expected a single stored request, got %d", len(f.repo.requests))
	}
}

func TestGetRequest(t *testing.T) {
	f := newFixture(t)

	id := uuid.New()
	f.repo.requests[id] = &db.NotificationRequest{
		ID:     id,
		Type:   db.TypeOrderShipped,
		Status: db.StatusPending,
	}

	rec := f.do(t, http.MethodGet, "/v1/notifications/"+id.String(), nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var resp db.NotificationRequest
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.Type != db.TypeOrderShipped {
		t.Errorf("expected type order_shipped, got %s", resp.Type)
	}
}

func TestGetRequest_NotFound(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/v1/notifications/"+uuid.New().String(), nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestGetRequest_InvalidID(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/v1/notifications/not-a-uuid", nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestUpdateRequest(t *testing.T) {
	f := newFixture(t)

	id := uuid.New()
	f.repo.requests[id] = &db.NotificationRequest{
		ID:      id,
		Type:    db.TypeOrderShipped,
		Title:   "Old title",
		Message: "Old message",
		Status:  db.StatusPending,
	}

	rec := f.do(t, http.MethodPut, "/v1/notifications/"+id.String(), map[string]string{
		"title": "New title",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	updated := f.repo.requests[id]
	if updated.Title != "New title" {
		t.Errorf("expected title replaced, got %q", updated.Title)
	}
	if updated.Message != "Old message" {
		t.Errorf("expected message untouched, got %q", updated.Message)
	}
}

func TestUpdateRequest_Frozen(t *testing.T) {
	f := newFixture(t)

	id := uuid.New()
	f.repo.requests[id] = &db.NotificationRequest{
		ID:     id,
		Status: db.StatusSent,
	}

	rec := f.do(t, http.MethodPut, "/v1/notifications/"+id.String(), map[string]string{"title": "nope"})
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rec.Code)
	}
}

func TestDeleteRequest(t *testing.T) {
	f := newFixture(t)

	id := uuid.New()
	f.repo.requests[id] = &db.NotificationRequest{ID: id, Status: db.StatusPending}

	rec := f.do(t, http.MethodDelete, "/v1/notifications/"+id.String(), nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}
	if _, ok := f.repo.requests[id]; ok {
		t.Error("expected request to be deleted")
	}
}

func TestCancelRequest(t *testing.T) {
	f := newFixture(t)

	id := uuid.New()
	f.repo.requests[id] = &db.NotificationRequest{ID: id, Status: db.StatusQueued}

	rec := f.do(t, http.MethodPost, "/v1/notifications/"+id.String()+"/cancel", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var resp map[string]interface{}
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp["status"] != db.StatusCancelled {
		t.Errorf("expected cancelled, got %v", resp["status"])
	}
	if resp["cancelled_deliveries"].(float64) != 2 {
		t.Errorf("expected 2 cancelled deliveries, got %v", resp["cancelled_deliveries"])
	}
}

func TestCancelRequest_NotCancellable(t *testing.T) {
	f := newFixture(t)
	f.dispatcher.failWith = dispatch.ErrNotCancellable

	rec := f.do(t, http.MethodPost, "/v1/notifications/"+uuid.New().String()+"/cancel", nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rec.Code)
	}
}

func TestSendNowEndpoint(t *testing.T) {
	f := newFixture(t)

	id := uuid.New()
	f.repo.requests[id] = &db.NotificationRequest{ID: id, Status: db.StatusPending}

	rec := f.do(t, http.MethodPost, "/v1/notifications/"+id.String()+"/send", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestSendNowEndpoint_ExplicitRecipients(t *testing.T) {
	f := newFixture(t)

	id := uuid.New()
	f.repo.requests[id] = &db.NotificationRequest{ID: id, Status: db.StatusPending}

	targets := []uuid.UUID{uuid.New(), uuid.New(), uuid.New()}
	rec := f.do(t, http.MethodPost, "/v1/notifications/"+id.String()+"/send", map[string]interface{}{
		"recipients": targets,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	if len(f.dispatcher.sentTo) != len(targets) {
		t.Fatalf("dispatcher received %d recipients, want %d", len(f.dispatcher.sentTo), len(targets))
	}
	for i, want := range targets {
		if f.dispatcher.sentTo[i] != want {
			t.Errorf("recipient %d = %s, want %s", i, f.dispatcher.sentTo[i], want)
		}
	}
}

func TestTestSendEndpoint(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/v1/notifications/test", map[string]interface{}{
		"recipient_id": uuid.New().String(),
		"request":      validSubmission(),
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var resp db.DeliveryRecord
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if !resp.IsTest {
		t.Error("expected test record to be flagged")
	}
}

func TestTestSendEndpoint_InvalidRecipient(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/v1/notifications/test", map[string]interface{}{
		"recipient_id": "not-a-uuid",
		"request":      validSubmission(),
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestGetRequestBatch(t *testing.T) {
	f := newFixture(t)

	batchID := uuid.New()
	id := uuid.New()
	f.repo.requests[id] = &db.NotificationRequest{ID: id, Status: db.StatusQueued, BatchID: &batchID}

	f.handler.batches = &mockBatches{
		summary: &db.Batch{ID: batchID, Total: 2, Sent: 1, Pending: 1},
		logs: []batch.LogEntry{
			{DeliveryID: uuid.New(), Channel: db.ChannelEmail, Status: db.StatusSent},
			{DeliveryID: uuid.New(), Channel: db.ChannelInApp, Status: db.StatusQueued},
		},
	}

	rec := f.do(t, http.MethodGet, "/v1/notifications/"+id.String()+"/batch", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var resp struct {
		Summary db.Batch         `json:"summary"`
		Logs    []batch.LogEntry `json:"logs"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.Summary.Total != 2 {
		t.Errorf("expected total 2, got %d", resp.Summary.Total)
	}
	if len(resp.Logs) != 2 {
		t.Errorf("expected 2 log entries, got %d", len(resp.Logs))
	}
}

func TestGetRequestBatch_NotDispatched(t *testing.T) {
	f := newFixture(t)

	id := uuid.New()
	f.repo.requests[id] = &db.NotificationRequest{ID: id, Status: db.StatusPending}

	rec := f.do(t, http.MethodGet, "/v1/notifications/"+id.String()+"/batch", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestListRequests_StatusFilter(t *testing.T) {
	f := newFixture(t)

	a := uuid.New()
	b := uuid.New()
	f.repo.requests[a] = &db.NotificationRequest{ID: a, Status: db.StatusPending}
	f.repo.requests[b] = &db.NotificationRequest{ID: b, Status: db.StatusQueued}

	rec := f.do(t, http.MethodGet, "/v1/notifications?status=pending", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var resp struct {
		Count int `json:"count"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.Count != 1 {
		t.Errorf("expected 1 result, got %d", resp.Count)
	}
}

func TestListRequests_BadTimeRange(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/v1/notifications?from=yesterday", nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}
