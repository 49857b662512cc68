package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/beaconhq/beacon/internal/db"
	"github.com/beaconhq/beacon/internal/template"
)

// ListChannelConfigs handles GET /v1/channel-configs
func (h *Handler) ListChannelConfigs(w http.ResponseWriter, r *http.Request) {
	configs, err := h.repo.ListChannelConfigs(r.Context())
	if err != nil {
		h.logger.Error("failed to list channel configs", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to list channel configs", "")
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"data":  configs,
		"count": len(configs),
	})
}

// CreateChannelConfig handles POST /v1/channel-configs
func (h *Handler) CreateChannelConfig(w http.ResponseWriter, r *http.Request) {
	var cfg db.ChannelConfig
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}

	if msg := validateChannelConfig(&cfg); msg != "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid channel config", msg)
		return
	}

	if err := h.repo.CreateChannelConfig(r.Context(), &cfg); err != nil {
		h.writeDomainError(w, err, "Failed to create channel config")
		return
	}

	h.logger.Info("channel config created",
		zap.String("id", cfg.ID.String()),
		zap.String("type", cfg.Type),
	)
	h.writeJSON(w, http.StatusCreated, &cfg)
}

// GetChannelConfig handles GET /v1/channel-configs/{id}
func (h *Handler) GetChannelConfig(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}

	cfg, err := h.repo.GetChannelConfig(r.Context(), id)
	if err != nil {
		h.writeDomainError(w, err, "Failed to get channel config")
		return
	}

	h.writeJSON(w, http.StatusOK, cfg)
}

// UpdateChannelConfig handles PUT /v1/channel-configs/{id}
func (h *Handler) UpdateChannelConfig(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}

	var cfg db.ChannelConfig
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}
	cfg.ID = id

	if msg := validateChannelConfig(&cfg); msg != "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid channel config", msg)
		return
	}

	if err := h.repo.UpdateChannelConfig(r.Context(), &cfg); err != nil {
		h.writeDomainError(w, err, "Failed to update channel config")
		return
	}

	h.logger.Info("channel config updated", zap.String("id", id.String()), zap.String("type", cfg.Type))
	h.writeJSON(w, http.StatusOK, &cfg)
}

// DeleteChannelConfig handles DELETE /v1/channel-configs/{id}
func (h *Handler) DeleteChannelConfig(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}

	if err := h.repo.DeleteChannelConfig(r.Context(), id); err != nil {
		h.writeDomainError(w, err, "Failed to delete channel config")
		return
	}

	h.logger.Info("channel config deleted", zap.String("id", id.String()))
	w.WriteHeader(http.StatusNoContent)
}

// InitializeChannelConfigs handles POST /v1/channel-configs/initialize.
// Seeds defaults for every notification type missing a config.
func (h *Handler) InitializeChannelConfigs(w http.ResponseWriter, r *http.Request) {
	created, err := h.repo.SeedChannelConfigs(r.Context())
	if err != nil {
		h.logger.Error("failed to seed channel configs", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to initialize channel configs", "")
		return
	}

	h.logger.Info("channel configs initialized", zap.Strings("created", created))
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"created": created,
		"count":   len(created),
	})
}

func validateChannelConfig(cfg *db.ChannelConfig) string {
	if !db.ValidNotificationType(cfg.Type) {
		return "type must be a known notification type"
	}
	if len(cfg.AllowedChannels) == 0 {
		return "allowed_channels must not be empty"
	}
	for _, ch := range cfg.AllowedChannels {
		if !db.ValidChannel(ch) {
			return "unknown channel: " + ch
		}
	}
	if cfg.DefaultChannel == "" {
		return "default_channel is required"
	}
	found := false
	for _, ch := range cfg.AllowedChannels {
		if ch == cfg.DefaultChannel {
			found = true
			break
		}
	}
	if !found {
		return "default_channel must be one of allowed_channels"
	}
	return ""
}

// ListTemplates handles GET /v1/templates?category=xxx
func (h *Handler) ListTemplates(w http.ResponseWriter, r *http.Request) {
	limit, offset := pagination(r.URL.Query())
	category := r.URL.Query().Get("category")

	templates, err := h.repo.ListTemplates(r.Context(), category, limit, offset)
	if err != nil {
		h.logger.Error("failed to list templates", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to list templates", "")
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"data":   templates,
		"limit":  limit,
		"offset": offset,
		"count":  len(templates),
	})
}

// CreateTemplate handles POST /v1/templates
func (h *Handler) CreateTemplate(w http.ResponseWriter, r *http.Request) {
	var tpl db.Template
	if err := json.NewDecoder(r.Body).Decode(&tpl); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}

	if tpl.Key == "" || tpl.Title == "" || tpl.Body == "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid template", "key, title, and body are required")
		return
	}
	if tpl.Category == "" {
		tpl.Category = db.CategoryTransactional
	}

	if err := h.repo.CreateTemplate(r.Context(), &tpl); err != nil {
		h.writeDomainError(w, err, "Failed to create template")
		return
	}

	h.logger.Info("template created",
		zap.String("id", tpl.ID.String()),
		zap.String("key", tpl.Key),
	)
	h.writeJSON(w, http.StatusCreated, &tpl)
}

// GetTemplate handles GET /v1/templates/{id}
func (h *Handler) GetTemplate(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}

	tpl, err := h.repo.GetTemplate(r.Context(), id)
	if err != nil {
		h.writeDomainError(w, err, "Failed to get template")
		return
	}

	h.writeJSON(w, http.StatusOK, tpl)
}

// UpdateTemplate handles PUT /v1/templates/{id}
func (h *Handler) UpdateTemplate(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}

	var tpl db.Template
	if err := json.NewDecoder(r.Body).Decode(&tpl); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}
	tpl.ID = id

	if tpl.Title == "" || tpl.Body == "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid template", "title and body are required")
		return
	}

	if err := h.repo.UpdateTemplate(r.Context(), &tpl); err != nil {
		h.writeDomainError(w, err, "Failed to update template")
		return
	}

	h.logger.Info("template updated", zap.String("id", id.String()))
	h.writeJSON(w, http.StatusOK, &tpl)
}

// DeleteTemplate handles DELETE /v1/templates/{id}
func (h *Handler) DeleteTemplate(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}

	if err := h.repo.DeleteTemplate(r.Context(), id); err != nil {
		h.writeDomainError(w, err, "Failed to delete template")
		return
	}

	h.logger.Info("template deleted", zap.String("id", id.String()))
	w.WriteHeader(http.StatusNoContent)
}

// PreviewTemplate handles POST /v1/templates/preview. Renders either a
// stored template (by key) or ad-hoc title/body with the given variables,
// without persisting anything.
func (h *Handler) PreviewTemplate(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Key       string            `json:"key,omitempty"`
		Title     string            `json:"title,omitempty"`
		Body      string            `json:"body,omitempty"`
		Variables map[string]string `json:"variables,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}

	var rendered *template.Rendered
	if body.Key != "" {
		tpl, err := h.repo.GetTemplateByKey(r.Context(), body.Key)
		if err != nil {
			h.writeDomainError(w, err, "Failed to load template")
			return
		}
		rendered = template.RenderTemplate(tpl, body.Variables)
	} else {
		if body.Body == "" {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid preview", "either key or body is required")
			return
		}
		rendered = template.Preview(body.Title, body.Body, body.Variables)
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"title":          rendered.Title,
		"body":           rendered.Body,
		"body_localized": rendered.BodyLocalized,
		"unresolved":     rendered.Unresolved,
	})
}

// StatsOverview handles GET /v1/stats/overview with optional window filters.
func (h *Handler) StatsOverview(w http.ResponseWriter, r *http.Request) {
	win, ok := h.statWindow(w, r)
	if !ok {
		return
	}

	overview, err := h.stats.Overview(r.Context(), win)
	if err != nil {
		h.logger.Error("failed to compute stats overview", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to compute stats", "")
		return
	}

	h.writeJSON(w, http.StatusOK, overview)
}

// TopTypes handles GET /v1/stats/top-types?n=5
func (h *Handler) TopTypes(w http.ResponseWriter, r *http.Request) {
	win, ok := h.statWindow(w, r)
	if !ok {
		return
	}

	n := 0
	if s := r.URL.Query().Get("n"); s != "" {
		if v, err := strconv.Atoi(s); err == nil && v > 0 && v <= 50 {
			n = v
		}
	}

	top, err := h.stats.TopPerformingTypes(r.Context(), win, n)
	if err != nil {
		h.logger.Error("failed to rank notification types", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to rank types", "")
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"data":  top,
		"count": len(top),
	})
}

func (h *Handler) statWindow(w http.ResponseWriter, r *http.Request) (db.StatWindow, bool) {
	q := r.URL.Query()
	win := db.StatWindow{
		Channel:  q.Get("channel"),
		Category: q.Get("category"),
	}

	var ok bool
	if win.From, win.To, ok = timeRange(w, h, q); !ok {
		return win, false
	}

	if s := q.Get("recipient_id"); s != "" {
		id, err := uuid.Parse(s)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid recipient_id", "recipient_id must be a valid UUID")
			return win, false
		}
		win.RecipientID = &id
	}
	return win, true
}

// QueueDepths handles GET /v1/system/queues. Reports live queue counts and
// provider circuit breaker state.
func (h *Handler) QueueDepths(w http.ResponseWriter, r *http.Request) {
	payload := map[string]interface{}{}

	if h.queues != nil {
		payload["queues"] = h.queues.Counts()
	}

	if len(h.breakers) > 0 {
		stats := make([]interface{}, 0, len(h.breakers))
		for _, cb := range h.breakers {
			stats = append(stats, cb.Stats())
		}
		payload["breakers"] = stats
	}

	h.writeJSON(w, http.StatusOK, payload)
}
