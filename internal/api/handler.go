package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/beaconhq/beacon/internal/analytics"
	"github.com/beaconhq/beacon/internal/batch"
	"github.com/beaconhq/beacon/internal/circuitbreaker"
	"github.com/beaconhq/beacon/internal/db"
	"github.com/beaconhq/beacon/internal/dispatch"
	"github.com/beaconhq/beacon/internal/queue"
	"github.com/beaconhq/beacon/internal/redis"
	"github.com/beaconhq/beacon/internal/tracker"
)

// Repository defines the database operations the API reads and writes
// directly. Delivery status never changes through here; that goes through
// the tracker.
type Repository interface {
	GetRequest(ctx context.Context, id uuid.UUID) (*db.NotificationRequest, error)
	ListRequests(ctx context.Context, f db.RequestFilter) ([]*db.NotificationRequest, error)
	UpdateRequest(ctx context.Context, req *db.NotificationRequest) error
	DeleteRequest(ctx context.Context, id uuid.UUID) error

	GetDelivery(ctx context.Context, id uuid.UUID) (*db.DeliveryRecord, error)
	ListDeliveries(ctx context.Context, f db.DeliveryFilter) ([]*db.DeliveryRecord, error)
	ListInbox(ctx context.Context, recipientID uuid.UUID, limit, offset int) ([]*db.DeliveryRecord, error)
	UnreadCount(ctx context.Context, recipientID uuid.UUID) (int, error)

	CreateChannelConfig(ctx context.Context, cfg *db.ChannelConfig) error
	GetChannelConfig(ctx context.Context, id uuid.UUID) (*db.ChannelConfig, error)
	ListChannelConfigs(ctx context.Context) ([]*db.ChannelConfig, error)
	UpdateChannelConfig(ctx context.Context, cfg *db.ChannelConfig) error
	DeleteChannelConfig(ctx context.Context, id uuid.UUID) error
	SeedChannelConfigs(ctx context.Context) ([]string, error)

	CreateTemplate(ctx context.Context, tpl *db.Template) error
	GetTemplate(ctx context.Context, id uuid.UUID) (*db.Template, error)
	GetTemplateByKey(ctx context.Context, key string) (*db.Template, error)
	ListTemplates(ctx context.Context, category string, limit, offset int) ([]*db.Template, error)
	UpdateTemplate(ctx context.Context, tpl *db.Template) error
	DeleteTemplate(ctx context.Context, id uuid.UUID) error
}

// Dispatcher accepts, re-dispatches, and cancels requests.
type Dispatcher interface {
	Create(ctx context.Context, req *db.NotificationRequest) (*db.NotificationRequest, error)
	SendNow(ctx context.Context, id uuid.UUID) (*db.NotificationRequest, error)
	SendTo(ctx context.Context, id uuid.UUID, recipients []uuid.UUID) (*db.NotificationRequest, error)
	Cancel(ctx context.Context, id uuid.UUID) (int, error)
	TestSend(ctx context.Context, req *db.NotificationRequest, recipientID uuid.UUID) (*db.DeliveryRecord, error)
}

// Interactions applies recipient-driven status transitions.
type Interactions interface {
	MarkDelivered(ctx context.Context, id uuid.UUID) (*db.DeliveryRecord, error)
	MarkRead(ctx context.Context, id uuid.UUID) (*db.DeliveryRecord, error)
	MarkClicked(ctx context.Context, id uuid.UUID) (*db.DeliveryRecord, error)
	MarkConverted(ctx context.Context, id uuid.UUID) (*db.DeliveryRecord, error)
}

// Stats serves engagement rollups.
type Stats interface {
	Overview(ctx context.Context, w db.StatWindow) (*analytics.Overview, error)
	TopPerformingTypes(ctx context.Context, w db.StatWindow, n int) ([]analytics.TypePerformance, error)
}

// Batches serves per-request delivery summaries.
type Batches interface {
	Summarize(ctx context.Context, batchID uuid.UUID) (*db.Batch, error)
	Logs(ctx context.Context, batchID uuid.UUID, limit, offset int) ([]batch.LogEntry, error)
}

// QueueStats exposes live queue depths.
type QueueStats interface {
	Counts() map[string]queue.Counts
}

// ErrorResponse represents an error in problem+json format
type ErrorResponse struct {
	Type   string `json:"type"`
	Title  string `json:"title"`
	Status int    `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// Handler holds dependencies for API handlers
type Handler struct {
	logger       *zap.Logger
	repo         Repository
	dispatcher   Dispatcher
	interactions Interactions
	stats        Stats
	batches      Batches
	queues       QueueStats                       // nil if not exposed
	idempotency  *redis.IdempotencyService        // nil if Redis not configured
	breakers     []*circuitbreaker.CircuitBreaker // provider breakers for health reporting
}

// NewHandler creates a new API handler.
func NewHandler(logger *zap.Logger, repo Repository, dispatcher Dispatcher, interactions Interactions, stats Stats, batches Batches) *Handler {
	return &Handler{
		logger:       logger,
		repo:         repo,
		dispatcher:   dispatcher,
		interactions: interactions,
		stats:        stats,
		batches:      batches,
	}
}

// WithIdempotency enables Idempotency-Key handling on submissions.
func (h *Handler) WithIdempotency(svc *redis.IdempotencyService) *Handler {
	h.idempotency = svc
	return h
}

// WithQueues exposes queue depths on the system endpoints.
func (h *Handler) WithQueues(q QueueStats) *Handler {
	h.queues = q
	return h
}

// WithBreakers exposes circuit breaker state on the system endpoints.
func (h *Handler) WithBreakers(breakers ...*circuitbreaker.CircuitBreaker) *Handler {
	h.breakers = breakers
	return h
}

// Routes mounts every endpoint onto the router.
func (h *Handler) Routes(r chi.Router) {
	r.Post("/notifications", h.CreateRequest)
	r.Get("/notifications", h.ListRequests)
	r.Post("/notifications/test", h.TestSend)
	r.Get("/notifications/{id}", h.GetRequest)
	r.Put("/notifications/{id}", h.UpdateRequest)
	r.Delete("/notifications/{id}", h.DeleteRequest)
	r.Post("/notifications/{id}/send", h.SendNow)
	r.Post("/notifications/{id}/cancel", h.CancelRequest)
	r.Get("/notifications/{id}/batch", h.GetRequestBatch)

	r.Get("/deliveries", h.ListDeliveries)
	r.Get("/deliveries/{id}", h.GetDelivery)
	r.Post("/deliveries/{id}/delivered", h.MarkDelivered)
	r.Post("/deliveries/{id}/read", h.MarkRead)
	r.Post("/deliveries/{id}/clicked", h.MarkClicked)
	r.Post("/deliveries/{id}/converted", h.MarkConverted)
	r.Post("/deliveries/read", h.MarkReadBatch)

	r.Get("/recipients/{id}/inbox", h.ListInbox)
	r.Get("/recipients/{id}/inbox/unread-count", h.UnreadCount)
	r.Post("/recipients/{id}/inbox/read-all", h.MarkAllRead)

	r.Get("/channel-configs", h.ListChannelConfigs)
	r.Post("/channel-configs", h.CreateChannelConfig)
	r.Post("/channel-configs/initialize", h.InitializeChannelConfigs)
	r.Get("/channel-configs/{id}", h.GetChannelConfig)
	r.Put("/channel-configs/{id}", h.UpdateChannelConfig)
	r.Delete("/channel-configs/{id}", h.DeleteChannelConfig)

	r.Get("/templates", h.ListTemplates)
	r.Post("/templates", h.CreateTemplate)
	r.Post("/templates/preview", h.PreviewTemplate)
	r.Get("/templates/{id}", h.GetTemplate)
	r.Put("/templates/{id}", h.UpdateTemplate)
	r.Delete("/templates/{id}", h.DeleteTemplate)

	r.Get("/stats/overview", h.StatsOverview)
	r.Get("/stats/top-types", h.TopTypes)

	r.Get("/system/queues", h.QueueDepths)
}

const idempotencyScope = "requests"

// CreateRequest handles POST /v1/notifications
// Supports idempotency via the Idempotency-Key header.
func (h *Handler) CreateRequest(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	idempotencyKey := r.Header.Get("Idempotency-Key")

	var req db.NotificationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}

	if idempotencyKey != "" && h.idempotency != nil {
		cached, err := h.idempotency.CheckOrReserve(ctx, idempotencyScope, idempotencyKey)
		if err != nil {
			if errors.Is(err, redis.ErrDuplicateRequest) {
				h.writeError(w, http.StatusConflict, "duplicate_request",
					"Request is already being processed",
					"Another request with this idempotency key is in progress")
				return
			}
			h.logger.Warn("idempotency check failed, proceeding",
				zap.Error(err),
				zap.String("idempotency_key", idempotencyKey),
			)
		} else if cached != nil {
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("X-Idempotency-Replayed", "true")
			w.WriteHeader(cached.StatusCode)
			_ = json.NewEncoder(w).Encode(map[string]string{"id": cached.RequestID})
			return
		}
	}

	created, err := h.dispatcher.Create(ctx, &req)
	if err != nil {
		if idempotencyKey != "" && h.idempotency != nil {
			// Free the key so the caller can retry after fixing the request.
			if relErr := h.idempotency.Release(ctx, idempotencyScope, idempotencyKey); relErr != nil {
				h.logger.Warn("failed to release idempotency key", zap.Error(relErr))
			}
		}
		h.writeDomainError(w, err, "Failed to create notification")
		return
	}

	h.logger.Info("notification request created",
		zap.String("id", created.ID.String()),
		zap.String("type", created.Type),
		zap.String("status", created.Status),
	)

	if idempotencyKey != "" && h.idempotency != nil {
		result := &redis.IdempotencyResult{
			RequestID:  created.ID.String(),
			StatusCode: http.StatusCreated,
		}
		if err := h.idempotency.Store(ctx, idempotencyScope, idempotencyKey, result, redis.IdempotencyTTLExact); err != nil {
			h.logger.Warn("failed to store idempotency result",
				zap.Error(err),
				zap.String("idempotency_key", idempotencyKey),
			)
		}
	}

	h.writeJSON(w, http.StatusCreated, created)
}

// GetRequest handles GET /v1/notifications/{id}
func (h *Handler) GetRequest(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}

	req, err := h.repo.GetRequest(r.Context(), id)
	if err != nil {
		h.writeDomainError(w, err, "Failed to get notification")
		return
	}

	h.writeJSON(w, http.StatusOK, req)
}

// ListRequests handles GET /v1/notifications with filter query parameters.
func (h *Handler) ListRequests(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, offset := pagination(q)

	f := db.RequestFilter{
		Status:   q.Get("status"),
		Channel:  q.Get("channel"),
		Category: q.Get("category"),
		Priority: q.Get("priority"),
		Type:     q.Get("type"),
		Search:   q.Get("q"),
		Limit:    limit,
		Offset:   offset,
	}
	var ok bool
	if f.From, f.To, ok = timeRange(w, h, q); !ok {
		return
	}

	requests, err := h.repo.ListRequests(r.Context(), f)
	if err != nil {
		h.logger.Error("failed to list requests", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to list notifications", "")
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"data":   requests,
		"limit":  limit,
		"offset": offset,
		"count":  len(requests),
	})
}

// UpdateRequest handles PUT /v1/notifications/{id}. Only requests that have
// not started sending can change.
func (h *Handler) UpdateRequest(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	id, ok := h.pathID(w, r)
	if !ok {
		return
	}

	existing, err := h.repo.GetRequest(ctx, id)
	if err != nil {
		h.writeDomainError(w, err, "Failed to get notification")
		return
	}

	var body struct {
		Title            *string           `json:"title"`
		Message          *string           `json:"message"`
		TitleLocalized   *string           `json:"title_localized"`
		MessageLocalized *string           `json:"message_localized"`
		Priority         *string           `json:"priority"`
		Variables        map[string]string `json:"variables"`
		ScheduledAt      *time.Time        `json:"scheduled_at"`
		Navigation       *db.Navigation    `json:"navigation"`
		ActionURL        *string           `json:"action_url"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}

	if body.Title != nil {
		existing.Title = *body.Title
	}
	if body.Message != nil {
		existing.Message = *body.Message
	}
	if body.TitleLocalized != nil {
		existing.TitleLocalized = *body.TitleLocalized
	}
	if body.MessageLocalized != nil {
		existing.MessageLocalized = *body.MessageLocalized
	}
	if body.Priority != nil {
		existing.Priority = *body.Priority
	}
	if body.Variables != nil {
		existing.Variables = body.Variables
	}
	if body.ScheduledAt != nil {
		existing.ScheduledAt = body.ScheduledAt
	}
	if body.Navigation != nil {
		existing.Navigation = body.Navigation
	}
	if body.ActionURL != nil {
		existing.ActionURL = body.ActionURL
	}

	if err := h.repo.UpdateRequest(ctx, existing); err != nil {
		h.writeDomainError(w, err, "Failed to update notification")
		return
	}

	h.logger.Info("notification request updated", zap.String("id", id.String()))
	h.writeJSON(w, http.StatusOK, existing)
}

// DeleteRequest handles DELETE /v1/notifications/{id}.
func (h *Handler) DeleteRequest(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}

	if err := h.repo.DeleteRequest(r.Context(), id); err != nil {
		h.writeDomainError(w, err, "Failed to delete notification")
		return
	}

	h.logger.Info("notification request deleted", zap.String("id", id.String()))
	w.WriteHeader(http.StatusNoContent)
}

// SendNow handles POST /v1/notifications/{id}/send. Dispatches a pending
// request immediately, ignoring any schedule.
func (h *Handler) SendNow(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}

	// An optional body narrows the send to an explicit recipient list.
	var body struct {
		Recipients []uuid.UUID `json:"recipients"`
	}
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid request body", err.Error())
			return
		}
	}

	var req *db.NotificationRequest
	var err error
	if len(body.Recipients) > 0 {
		req, err = h.dispatcher.SendTo(r.Context(), id, body.Recipients)
	} else {
		req, err = h.dispatcher.SendNow(r.Context(), id)
	}
	if err != nil {
		h.writeDomainError(w, err, "Failed to send notification")
		return
	}

	h.logger.Info("notification dispatched",
		zap.String("id", id.String()),
		zap.String("status", req.Status),
	)
	h.writeJSON(w, http.StatusOK, req)
}

// CancelRequest handles POST /v1/notifications/{id}/cancel.
func (h *Handler) CancelRequest(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}

	cancelled, err := h.dispatcher.Cancel(r.Context(), id)
	if err != nil {
		h.writeDomainError(w, err, "Failed to cancel notification")
		return
	}

	h.logger.Info("notification cancelled",
		zap.String("id", id.String()),
		zap.Int("cancelled_deliveries", cancelled),
	)
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"id":                   id.String(),
		"status":               db.StatusCancelled,
		"cancelled_deliveries": cancelled,
	})
}

// TestSend handles POST /v1/notifications/test. Sends to one recipient and
// flags the record so analytics ignore it.
func (h *Handler) TestSend(w http.ResponseWriter, r *http.Request) {
	var body struct {
		RecipientID string                 `json:"recipient_id"`
		Request     db.NotificationRequest `json:"request"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}

	recipientID, err := uuid.Parse(body.RecipientID)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid recipient_id", "recipient_id must be a valid UUID")
		return
	}

	rec, err := h.dispatcher.TestSend(r.Context(), &body.Request, recipientID)
	if err != nil {
		h.writeDomainError(w, err, "Failed to send test notification")
		return
	}

	h.logger.Info("test notification sent",
		zap.String("delivery_id", rec.ID.String()),
		zap.String("recipient_id", recipientID.String()),
		zap.String("status", rec.Status),
	)
	h.writeJSON(w, http.StatusOK, rec)
}

// GetRequestBatch handles GET /v1/notifications/{id}/batch. Returns the
// recomputed batch summary plus per-recipient delivery logs.
func (h *Handler) GetRequestBatch(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	id, ok := h.pathID(w, r)
	if !ok {
		return
	}

	req, err := h.repo.GetRequest(ctx, id)
	if err != nil {
		h.writeDomainError(w, err, "Failed to get notification")
		return
	}
	if req.BatchID == nil {
		h.writeError(w, http.StatusNotFound, "not_found", "No batch for this notification", "The request has not been dispatched yet")
		return
	}

	limit, offset := pagination(r.URL.Query())

	summary, err := h.batches.Summarize(ctx, *req.BatchID)
	if err != nil {
		h.writeDomainError(w, err, "Failed to summarize batch")
		return
	}

	logs, err := h.batches.Logs(ctx, *req.BatchID, limit, offset)
	if err != nil {
		h.logger.Error("failed to load batch logs", zap.Error(err), zap.String("batch_id", req.BatchID.String()))
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to load batch logs", "")
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"summary": summary,
		"logs":    logs,
		"limit":   limit,
		"offset":  offset,
	})
}

// pathID parses the {id} URL parameter, writing a 400 on failure.
func (h *Handler) pathID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	idStr := chi.URLParam(r, "id")
	id, err := uuid.Parse(idStr)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid ID", "ID must be a valid UUID")
		return uuid.Nil, false
	}
	return id, true
}

// pagination parses limit/offset with defaults, capping limit at 100.
func pagination(q url.Values) (int, int) {
	limit := 20
	offset := 0

	if limitStr := q.Get("limit"); limitStr != "" {
		if l, err := strconv.Atoi(limitStr); err == nil && l > 0 && l <= 100 {
			limit = l
		}
	}
	if offsetStr := q.Get("offset"); offsetStr != "" {
		if o, err := strconv.Atoi(offsetStr); err == nil && o >= 0 {
			offset = o
		}
	}
	return limit, offset
}

// timeRange parses optional from/to RFC3339 query parameters.
func timeRange(w http.ResponseWriter, h *Handler, q url.Values) (*time.Time, *time.Time, bool) {
	var from, to *time.Time
	if s := q.Get("from"); s != "" {
		t, err := time.Parse(time.RFC3339, s)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid from", "from must be RFC3339")
			return nil, nil, false
		}
		from = &t
	}
	if s := q.Get("to"); s != "" {
		t, err := time.Parse(time.RFC3339, s)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid to", "to must be RFC3339")
			return nil, nil, false
		}
		to = &t
	}
	return from, to, true
}

// writeDomainError translates domain sentinel errors into problem responses.
func (h *Handler) writeDomainError(w http.ResponseWriter, err error, title string) {
	switch {
	case errors.Is(err, dispatch.ErrValidation):
		h.writeError(w, http.StatusBadRequest, "invalid_request", title, err.Error())
	case errors.Is(err, db.ErrNotFound):
		h.writeError(w, http.StatusNotFound, "not_found", title, err.Error())
	case errors.Is(err, db.ErrNotEditable), errors.Is(err, dispatch.ErrNotCancellable):
		h.writeError(w, http.StatusConflict, "not_editable", title, err.Error())
	case errors.Is(err, tracker.ErrInvalidTransition), errors.Is(err, tracker.ErrNotClicked), errors.Is(err, tracker.ErrUnknownStatus):
		h.writeError(w, http.StatusConflict, "invalid_transition", title, err.Error())
	default:
		h.logger.Error("request failed", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "internal_error", title, "")
	}
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func (h *Handler) writeError(w http.ResponseWriter, status int, errType, title, detail string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)

	_ = json.NewEncoder(w).Encode(ErrorResponse{
		Type:   errType,
		Title:  title,
		Status: status,
		Detail: detail,
	})
}
