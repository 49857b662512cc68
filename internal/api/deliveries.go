package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/beaconhq/beacon/internal/db"
	"github.com/beaconhq/beacon/internal/tracker"
)

// ListDeliveries handles GET /v1/deliveries with filter query parameters.
func (h *Handler) ListDeliveries(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, offset := pagination(q)

	f := db.DeliveryFilter{
		Status:      q.Get("status"),
		Channel:     q.Get("channel"),
		Search:      q.Get("q"),
		IncludeTest: q.Get("include_test") == "true",
		Limit:       limit,
		Offset:      offset,
	}

	for param, target := range map[string]**uuid.UUID{
		"notification_id": &f.NotificationID,
		"recipient_id":    &f.RecipientID,
		"batch_id":        &f.BatchID,
	} {
		if s := q.Get(param); s != "" {
			id, err := uuid.Parse(s)
			if err != nil {
				h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid "+param, param+" must be a valid UUID")
				return
			}
			*target = &id
		}
	}

	var ok bool
	if f.From, f.To, ok = timeRange(w, h, q); !ok {
		return
	}

	records, err := h.repo.ListDeliveries(r.Context(), f)
	if err != nil {
		h.logger.Error("failed to list deliveries", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to list deliveries", "")
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"data":   records,
		"limit":  limit,
		"offset": offset,
		"count":  len(records),
	})
}

// GetDelivery handles GET /v1/deliveries/{id}
func (h *Handler) GetDelivery(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}

	rec, err := h.repo.GetDelivery(r.Context(), id)
	if err != nil {
		h.writeDomainError(w, err, "Failed to get delivery")
		return
	}

	h.writeJSON(w, http.StatusOK, rec)
}

// MarkDelivered handles POST /v1/deliveries/{id}/delivered
func (h *Handler) MarkDelivered(w http.ResponseWriter, r *http.Request) {
	h.interact(w, r, "delivered", h.interactions.MarkDelivered)
}

// MarkRead handles POST /v1/deliveries/{id}/read
func (h *Handler) MarkRead(w http.ResponseWriter, r *http.Request) {
	h.interact(w, r, "read", h.interactions.MarkRead)
}

// MarkClicked handles POST /v1/deliveries/{id}/clicked
func (h *Handler) MarkClicked(w http.ResponseWriter, r *http.Request) {
	h.interact(w, r, "clicked", h.interactions.MarkClicked)
}

// MarkConverted handles POST /v1/deliveries/{id}/converted
func (h *Handler) MarkConverted(w http.ResponseWriter, r *http.Request) {
	h.interact(w, r, "converted", h.interactions.MarkConverted)
}

type interactFunc func(ctx context.Context, id uuid.UUID) (*db.DeliveryRecord, error)

func (h *Handler) interact(w http.ResponseWriter, r *http.Request, event string, fn interactFunc) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}

	rec, err := fn(r.Context(), id)
	if err != nil {
		h.writeDomainError(w, err, "Failed to record "+event)
		return
	}

	h.logger.Debug("interaction recorded",
		zap.String("delivery_id", id.String()),
		zap.String("event", event),
		zap.String("status", rec.Status),
	)
	h.writeJSON(w, http.StatusOK, rec)
}

// MarkReadBatch handles POST /v1/deliveries/read with a body of record IDs.
// Records that cannot transition are skipped, not failed.
func (h *Handler) MarkReadBatch(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var body struct {
		IDs []string `json:"ids"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}
	if len(body.IDs) == 0 {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Missing ids", "ids must contain at least one delivery ID")
		return
	}

	updated := 0
	for _, idStr := range body.IDs {
		id, err := uuid.Parse(idStr)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid ID", idStr+" is not a valid UUID")
			return
		}

		if _, err := h.interactions.MarkRead(ctx, id); err != nil {
			if errors.Is(err, tracker.ErrInvalidTransition) || errors.Is(err, db.ErrNotFound) {
				continue
			}
			h.writeDomainError(w, err, "Failed to mark deliveries read")
			return
		}
		updated++
	}

	h.writeJSON(w, http.StatusOK, map[string]int{"updated": updated})
}

// ListInbox handles GET /v1/recipients/{id}/inbox. Store-backed channels
// only; the record itself is the message.
func (h *Handler) ListInbox(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}

	limit, offset := pagination(r.URL.Query())

	records, err := h.repo.ListInbox(r.Context(), id, limit, offset)
	if err != nil {
		h.logger.Error("failed to list inbox", zap.Error(err), zap.String("recipient_id", id.String()))
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to list inbox", "")
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"data":   records,
		"limit":  limit,
		"offset": offset,
		"count":  len(records),
	})
}

// UnreadCount handles GET /v1/recipients/{id}/inbox/unread-count
func (h *Handler) UnreadCount(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}

	count, err := h.repo.UnreadCount(r.Context(), id)
	if err != nil {
		h.logger.Error("failed to count unread", zap.Error(err), zap.String("recipient_id", id.String()))
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to count unread", "")
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]int{"unread": count})
}

// readAllPageSize bounds one page of a read-all sweep; the sweep walks pages
// until the inbox is exhausted.
var readAllPageSize = 500

// MarkAllRead handles POST /v1/recipients/{id}/inbox/read-all
func (h *Handler) MarkAllRead(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	id, ok := h.pathID(w, r)
	if !ok {
		return
	}

	// Marking read does not reorder the inbox, so offset paging stays
	// stable across the walk.
	updated := 0
	for offset := 0; ; offset += readAllPageSize {
		records, err := h.repo.ListInbox(ctx, id, readAllPageSize, offset)
		if err != nil {
			h.logger.Error("failed to list inbox", zap.Error(err), zap.String("recipient_id", id.String()))
			h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to mark inbox read", "")
			return
		}

		for _, rec := range records {
			if rec.ReadAt != nil || db.TerminalStatus(rec.Status) {
				continue
			}
			if _, err := h.interactions.MarkRead(ctx, rec.ID); err != nil {
				if errors.Is(err, tracker.ErrInvalidTransition) {
					continue
				}
				h.writeDomainError(w, err, "Failed to mark inbox read")
				return
			}
			updated++
		}

		if len(records) < readAllPageSize {
			break
		}
	}

	h.logger.Info("inbox marked read",
		zap.String("recipient_id", id.String()),
		zap.Int("updated", updated),
	)
	h.writeJSON(w, http.StatusOK, map[string]int{"updated": updated})
}
