// Package dispatch orchestrates the path from an accepted notification
// request to queued delivery records: validation, recipient expansion,
// channel resolution, template rendering and fan-out.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/beaconhq/beacon/internal/channel"
	"github.com/beaconhq/beacon/internal/db"
	"github.com/beaconhq/beacon/internal/queue"
	"github.com/beaconhq/beacon/internal/targeting"
	"github.com/beaconhq/beacon/internal/template"
	"github.com/beaconhq/beacon/internal/tracker"
	"github.com/beaconhq/beacon/internal/worker"
)

var (
	// ErrValidation marks a request the caller must fix before resubmitting.
	ErrValidation = errors.New("invalid notification request")

	// ErrNotCancellable is returned when a request has already progressed
	// past the point of cancellation.
	ErrNotCancellable = errors.New("request can no longer be cancelled")
)

// recoverLimit caps how many records a queue rebuild will reload at once.
const recoverLimit = 10000

// Store is the repository surface the dispatch service needs.
type Store interface {
	CreateRequest(ctx context.Context, req *db.NotificationRequest) error
	GetRequest(ctx context.Context, id uuid.UUID) (*db.NotificationRequest, error)
	UpdateRequestStatus(ctx context.Context, id uuid.UUID, status string) error
	SetRequestBatch(ctx context.Context, id, batchID uuid.UUID) error
	CreateBatch(ctx context.Context, batch *db.Batch) error
	CreateDeliveries(ctx context.Context, records []*db.DeliveryRecord) error
	CancelQueuedDeliveries(ctx context.Context, notificationID uuid.UUID) ([]uuid.UUID, error)
	QueuedDeliveries(ctx context.Context, notificationID *uuid.UUID, limit int) ([]*db.DeliveryRecord, error)
	ApplyDelivery(ctx context.Context, rec *db.DeliveryRecord) error
}

// Limiter throttles outbound provider traffic. Allow reports whether one more
// send may go out under the given key right now.
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, error)
}

// Metrics receives dispatch-path counters. Implementations must be cheap.
type Metrics interface {
	RecordDispatch(channel string, recipients int)
	RecordSendResult(channel, result string, seconds float64)
}

// Config tunes the dispatch service.
type Config struct {
	SendTimeout time.Duration
}

// Service is the dispatch orchestrator.
type Service struct {
	store     Store
	channels  *channel.Resolver
	templates *template.Renderer
	targets   *targeting.Resolver
	queues    *queue.Service
	tracker   *tracker.Tracker
	sender    worker.Sender
	limiter   Limiter
	metrics   Metrics
	mirror    Mirror
	cfg       Config
	logger    *zap.Logger
	now       func() time.Time
}

// Mirror publishes accepted requests to an external audit feed. Best effort;
// implementations log and drop failures rather than block the accept path.
type Mirror interface {
	Mirror(ctx context.Context, req *db.NotificationRequest)
}

// WithMirror publishes every accepted request to the given audit feed.
func (s *Service) WithMirror(m Mirror) *Service {
	s.mirror = m
	return s
}

// NewService creates a dispatch service. limiter and metrics may be nil.
func NewService(
	store Store,
	channels *channel.Resolver,
	templates *template.Renderer,
	targets *targeting.Resolver,
	queues *queue.Service,
	trk *tracker.Tracker,
	sender worker.Sender,
	limiter Limiter,
	metrics Metrics,
	cfg Config,
	logger *zap.Logger,
) *Service {
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 15 * time.Second
	}
	return &Service{
		store:     store,
		channels:  channels,
		templates: templates,
		targets:   targets,
		queues:    queues,
		tracker:   trk,
		sender:    sender,
		limiter:   limiter,
		metrics:   metrics,
		cfg:       cfg,
		logger:    logger,
		now:       time.Now,
	}
}

// validate checks the request-level invariants shared by create and test-send.
func (s *Service) validate(req *db.NotificationRequest) error {
	if !db.ValidNotificationType(req.Type) {
		return fmt.Errorf("%w: unknown type %q", ErrValidation, req.Type)
	}
	if req.TemplateKey == nil && (req.Title == "" || req.Message == "") {
		return fmt.Errorf("%w: title and message are required without a template", ErrValidation)
	}
	if req.Channel != nil && !db.ValidChannel(*req.Channel) {
		return fmt.Errorf("%w: unknown channel %q", ErrValidation, *req.Channel)
	}
	switch req.Target.Kind {
	case db.TargetSingle:
		if req.Target.RecipientID == "" {
			return fmt.Errorf("%w: single target needs a recipient id", ErrValidation)
		}
	case db.TargetList:
		if len(req.Target.Recipients) == 0 && len(req.Target.RawTokens) == 0 {
			return fmt.Errorf("%w: list target needs at least one recipient", ErrValidation)
		}
	case db.TargetFilter:
	default:
		return fmt.Errorf("%w: unknown target kind %q", ErrValidation, req.Target.Kind)
	}
	if req.Navigation != nil {
		switch req.Navigation.Type {
		case db.NavCategory, db.NavProduct, db.NavOrder, db.NavSection:
			if req.Navigation.TargetID == "" {
				return fmt.Errorf("%w: navigation target id required for %s", ErrValidation, req.Navigation.Type)
			}
		case db.NavExternal:
			if req.Navigation.ExternalURL == "" {
				return fmt.Errorf("%w: external navigation needs a url", ErrValidation)
			}
		default:
			return fmt.Errorf("%w: unknown navigation type %q", ErrValidation, req.Navigation.Type)
		}
	}
	return nil
}

// render fills the request's content from its template, if one is keyed.
// Unresolved variables are logged and kept as placeholders; an unknown key is
// fatal.
func (s *Service) render(ctx context.Context, req *db.NotificationRequest) error {
	if req.TemplateKey == nil {
		return nil
	}

	rendered, err := s.templates.Render(ctx, *req.TemplateKey, req.Variables)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return fmt.Errorf("%w: template %q not found", ErrValidation, *req.TemplateKey)
		}
		return fmt.Errorf("render template %q: %w", *req.TemplateKey, err)
	}

	req.Title = rendered.Title
	req.Message = rendered.Body
	req.MessageLocalized = rendered.BodyLocalized
	if len(rendered.Unresolved) > 0 {
		s.logger.Warn("template variables unresolved",
			zap.String("template_key", *req.TemplateKey),
			zap.Strings("unresolved", rendered.Unresolved),
		)
	}
	return nil
}

// Create validates and persists a request, then dispatches it. A scheduled
// time in the future holds the fan-out jobs until it arrives; one in the past
// dispatches immediately.
func (s *Service) Create(ctx context.Context, req *db.NotificationRequest) (*db.NotificationRequest, error) {
	if err := s.validate(req); err != nil {
		return nil, err
	}
	if err := s.render(ctx, req); err != nil {
		return nil, err
	}

	if req.ID == uuid.Nil {
		req.ID = uuid.New()
	}
	if req.Priority == "" {
		req.Priority = db.PriorityNormal
	}
	if req.Category == "" {
		req.Category = db.CategoryTransactional
	}
	req.Status = db.StatusPending

	if err := s.store.CreateRequest(ctx, req); err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	if err := s.dispatch(ctx, req, false); err != nil {
		return nil, err
	}

	if s.mirror != nil {
		s.mirror.Mirror(ctx, req)
	}
	return req, nil
}

// SendNow dispatches a request immediately. A pending request is dispatched
// from scratch; a queued request has its scheduled and backing-off deliveries
// pulled forward, ignoring their due times.
func (s *Service) SendNow(ctx context.Context, id uuid.UUID) (*db.NotificationRequest, error) {
	req, err := s.store.GetRequest(ctx, id)
	if err != nil {
		return nil, err
	}
	switch req.Status {
	case db.StatusPending:
		if err := s.dispatch(ctx, req, true); err != nil {
			return nil, err
		}
	case db.StatusQueued:
		if err := s.promoteQueued(ctx, req); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("request is %s: %w", req.Status, db.ErrNotEditable)
	}
	return req, nil
}

// promoteQueued moves a queued request's delayed deliveries onto the
// immediate queue and clears their due times so a restart will not re-delay
// them.
func (s *Service) promoteQueued(ctx context.Context, req *db.NotificationRequest) error {
	records, err := s.store.QueuedDeliveries(ctx, &req.ID, recoverLimit)
	if err != nil {
		return fmt.Errorf("load queued deliveries: %w", err)
	}

	promoted := 0
	for _, rec := range records {
		if rec.NextRetryAt == nil {
			continue
		}
		rec.NextRetryAt = nil
		if err := s.store.ApplyDelivery(ctx, rec); err != nil {
			s.logger.Warn("failed to clear delivery due time",
				zap.String("delivery_id", rec.ID.String()),
				zap.Error(err),
			)
			continue
		}
		// The delayed job may have been lost to a restart; enqueue fresh
		// in that case.
		if !s.queues.Promote(rec.ID) {
			s.queues.Enqueue(queue.Job{DeliveryID: rec.ID, RequestID: req.ID, Attempt: rec.Attempt})
		}
		promoted++
	}

	s.logger.Info("queued request promoted",
		zap.String("request_id", req.ID.String()),
		zap.Int("promoted", promoted),
	)
	return nil
}

// SendTo dispatches a request's content to an explicit recipient-ID list
// instead of its stored target, fanning out a fresh batch. The stored target
// is not modified. Cancelled requests are refused.
func (s *Service) SendTo(ctx context.Context, id uuid.UUID, recipients []uuid.UUID) (*db.NotificationRequest, error) {
	if len(recipients) == 0 {
		return nil, fmt.Errorf("empty recipient list: %w", ErrValidation)
	}

	req, err := s.store.GetRequest(ctx, id)
	if err != nil {
		return nil, err
	}
	if req.Status == db.StatusCancelled {
		return nil, fmt.Errorf("request is %s: %w", req.Status, db.ErrNotEditable)
	}

	ids := make([]string, len(recipients))
	for i, rid := range recipients {
		ids[i] = rid.String()
	}
	stored := req.Target
	req.Target = db.TargetSpec{Kind: db.TargetList, Recipients: ids}
	err = s.dispatch(ctx, req, true)
	req.Target = stored
	if err != nil {
		return nil, err
	}
	return req, nil
}

// dispatch expands the target, resolves the channel, fans out delivery
// records under a fresh batch and enqueues one job per record.
func (s *Service) dispatch(ctx context.Context, req *db.NotificationRequest, ignoreSchedule bool) error {
	recipients, err := s.targets.Expand(ctx, req.Target)
	if err != nil {
		if errors.Is(err, targeting.ErrNoRecipients) {
			return fmt.Errorf("%w: %v", ErrValidation, err)
		}
		return fmt.Errorf("expand target: %w", err)
	}

	resolution, err := s.channels.Resolve(ctx, req.Type, req.Target.Role)
	if err != nil {
		return fmt.Errorf("resolve channel: %w", err)
	}

	ch := resolution.Default
	if req.Channel != nil {
		if resolution.Permits(*req.Channel) {
			ch = *req.Channel
		} else {
			s.logger.Warn("requested channel not permitted, using default",
				zap.String("type", req.Type),
				zap.String("requested", *req.Channel),
				zap.String("substituted", resolution.Default),
			)
		}
	}

	scheduledAt := req.ScheduledAt
	if ignoreSchedule || (scheduledAt != nil && !scheduledAt.After(s.now())) {
		scheduledAt = nil
	}

	batch := &db.Batch{
		ID:             uuid.New(),
		NotificationID: req.ID,
		Total:          len(recipients),
		Pending:        len(recipients),
	}
	if err := s.store.CreateBatch(ctx, batch); err != nil {
		return fmt.Errorf("create batch: %w", err)
	}

	records := make([]*db.DeliveryRecord, 0, len(recipients))
	for _, rid := range recipients {
		rec := &db.DeliveryRecord{
			ID:             uuid.New(),
			NotificationID: req.ID,
			RecipientID:    rid,
			Channel:        ch,
			Status:         db.StatusQueued,
			Title:          req.Title,
			Body:           req.Message,
			BodyLocalized:  req.MessageLocalized,
			BatchID:        batch.ID,
			Version:        1,
		}
		// Scheduled records carry their due time so a restart can rebuild
		// the delayed queue from the database.
		if scheduledAt != nil {
			rec.NextRetryAt = scheduledAt
		}
		records = append(records, rec)
	}
	if err := s.store.CreateDeliveries(ctx, records); err != nil {
		return fmt.Errorf("create deliveries: %w", err)
	}

	if err := s.store.SetRequestBatch(ctx, req.ID, batch.ID); err != nil {
		return fmt.Errorf("attach batch: %w", err)
	}
	if err := s.store.UpdateRequestStatus(ctx, req.ID, db.StatusQueued); err != nil {
		return fmt.Errorf("mark request queued: %w", err)
	}
	req.Status = db.StatusQueued
	req.BatchID = &batch.ID

	for _, rec := range records {
		job := queue.Job{DeliveryID: rec.ID, RequestID: req.ID, Attempt: rec.Attempt}
		if scheduledAt != nil {
			job.DueAt = *scheduledAt
			s.queues.Schedule(job)
		} else {
			s.queues.Enqueue(job)
		}
	}

	if s.metrics != nil {
		s.metrics.RecordDispatch(ch, len(recipients))
	}
	s.logger.Info("request dispatched",
		zap.String("request_id", req.ID.String()),
		zap.String("channel", ch),
		zap.Int("recipients", len(recipients)),
		zap.Bool("scheduled", scheduledAt != nil),
	)
	return nil
}

// Cancel stops a request that has not started sending: still-editable records
// flip to cancelled and their jobs leave the queues. Records already past
// queued are untouched.
func (s *Service) Cancel(ctx context.Context, id uuid.UUID) (int, error) {
	req, err := s.store.GetRequest(ctx, id)
	if err != nil {
		return 0, err
	}
	if !db.EditableStatus(req.Status) {
		return 0, fmt.Errorf("%w: request is %s", ErrNotCancellable, req.Status)
	}

	cancelled, err := s.store.CancelQueuedDeliveries(ctx, id)
	if err != nil {
		return 0, fmt.Errorf("cancel deliveries: %w", err)
	}
	for _, deliveryID := range cancelled {
		s.queues.Remove(deliveryID)
	}

	if err := s.store.UpdateRequestStatus(ctx, id, db.StatusCancelled); err != nil {
		return 0, fmt.Errorf("mark request cancelled: %w", err)
	}
	return len(cancelled), nil
}

// TestSend delivers a request to a single recipient with records flagged as
// test, keeping them out of analytics and batch counters. The send bypasses
// the queues and runs inline.
func (s *Service) TestSend(ctx context.Context, req *db.NotificationRequest, recipientID uuid.UUID) (*db.DeliveryRecord, error) {
	req.Target = db.TargetSpec{Kind: db.TargetSingle, RecipientID: recipientID.String()}
	if err := s.validate(req); err != nil {
		return nil, err
	}
	if err := s.render(ctx, req); err != nil {
		return nil, err
	}

	if req.ID == uuid.Nil {
		req.ID = uuid.New()
	}
	req.Status = db.StatusPending
	if req.Priority == "" {
		req.Priority = db.PriorityNormal
	}
	if req.Category == "" {
		req.Category = db.CategoryTransactional
	}
	if err := s.store.CreateRequest(ctx, req); err != nil {
		return nil, fmt.Errorf("create test request: %w", err)
	}

	resolution, err := s.channels.Resolve(ctx, req.Type, req.Target.Role)
	if err != nil {
		return nil, fmt.Errorf("resolve channel: %w", err)
	}
	ch := resolution.Default
	if req.Channel != nil && resolution.Permits(*req.Channel) {
		ch = *req.Channel
	}

	batch := &db.Batch{ID: uuid.New(), NotificationID: req.ID, Total: 1, Pending: 1}
	if err := s.store.CreateBatch(ctx, batch); err != nil {
		return nil, fmt.Errorf("create test batch: %w", err)
	}

	rec := &db.DeliveryRecord{
		ID:             uuid.New(),
		NotificationID: req.ID,
		RecipientID:    recipientID,
		Channel:        ch,
		Status:         db.StatusQueued,
		Title:          req.Title,
		Body:           req.Message,
		BodyLocalized:  req.MessageLocalized,
		BatchID:        batch.ID,
		IsTest:         true,
		Version:        1,
	}
	if err := s.store.CreateDeliveries(ctx, []*db.DeliveryRecord{rec}); err != nil {
		return nil, fmt.Errorf("create test delivery: %w", err)
	}

	if err := s.HandleJob(ctx, queue.Job{DeliveryID: rec.ID, RequestID: req.ID}); err != nil {
		return rec, err
	}
	return rec, nil
}

// Recover rebuilds the in-process queues from delivery records after a
// restart. Work whose time has arrived (or that was waiting on the immediate
// queue) is enqueued; work still due in the future goes back onto the delayed
// heaps.
func (s *Service) Recover(ctx context.Context) error {
	records, err := s.store.QueuedDeliveries(ctx, nil, recoverLimit)
	if err != nil {
		return fmt.Errorf("load queued work: %w", err)
	}

	now := s.now()
	enqueued, delayed := 0, 0
	for _, rec := range records {
		job := queue.Job{DeliveryID: rec.ID, RequestID: rec.NotificationID, Attempt: rec.Attempt}
		if rec.NextRetryAt != nil && rec.NextRetryAt.After(now) {
			job.DueAt = *rec.NextRetryAt
			if rec.Attempt > 0 {
				s.queues.EnqueueRetry(job)
			} else {
				s.queues.Schedule(job)
			}
			delayed++
			continue
		}
		s.queues.Enqueue(job)
		enqueued++
	}

	if len(records) > 0 {
		s.logger.Info("recovered queued work",
			zap.Int("enqueued", enqueued),
			zap.Int("delayed", delayed),
		)
	}
	return nil
}
