package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ispkit/whatsqueue/internal/db"
	"github.com/ispkit/whatsqueue/internal/metrics"
	"github.com/ispkit/whatsqueue/internal/whatsapp"
)

// MessageRepository defines the interface for message queue database operations
type MessageRepository interface {
	Create(ctx context.Context, msg *db.Message) error
	Get(ctx context.Context, id uuid.UUID) (*db.Message, error)
	ListByCompany(ctx context.Context, companyID uuid.UUID, status string, limit, offset int) ([]*db.Message, error)
	Requeue(ctx context.Context, id uuid.UUID) error
	SoftDelete(ctx context.Context, id uuid.UUID) error
}

// QuotaRepository reads daily quota rows.
type QuotaRepository interface {
	Get(ctx context.Context, companyID uuid.UUID, date time.Time, quotaLimit int) (*db.DailyQuota, error)
}

// ConfigRepository manages per-company gateway settings.
type ConfigRepository interface {
	Get(ctx context.Context, companyID uuid.UUID) (*db.CompanyConfig, error)
	Upsert(ctx context.Context, cfg *db.CompanyConfig) error
	RecordConnectionTest(ctx context.Context, companyID uuid.UUID, status string, at time.Time) error
}

// MessageRequest represents the incoming enqueue request body
type MessageRequest struct {
	CompanyID    string  `json:"company_id"`
	CustomerID   string  `json:"customer_id"`
	Mobile       string  `json:"mobile"`
	Kind         string  `json:"kind"`
	Content      string  `json:"content"`
	MediaKind    string  `json:"media_kind"`
	MediaURL     *string `json:"media_url,omitempty"`
	MediaCaption *string `json:"media_caption,omitempty"`
	Priority     *int    `json:"priority,omitempty"`
	ScheduledAt  *string `json:"scheduled_at,omitempty"`
}

// MessageResponse is returned after enqueueing a message
type MessageResponse struct {
	ID string `json:"id"`
}

// ConfigRequest is the PUT body for company gateway settings.
type ConfigRequest struct {
	APIKey                 string  `json:"api_key"`
	ServerAddress          string  `json:"server_address"`
	InstanceID             *string `json:"instance_id,omitempty"`
	AutoSendInvoices       bool    `json:"auto_send_invoices"`
	AutoSendDeadlineAlerts bool    `json:"auto_send_deadline_alerts"`
	MessageSendTime        string  `json:"message_send_time"`
	DeadlineCheckTime      string  `json:"deadline_check_time"`
	AlertDaysBefore        int     `json:"deadline_alert_days_before"`
	DailyQuotaLimit        int     `json:"daily_quota_limit"`
	QuotaBuffer            int     `json:"quota_buffer"`
	InvoicePriority        *int    `json:"default_invoice_priority,omitempty"`
	AlertPriority          *int    `json:"default_alert_priority,omitempty"`
	CustomPriority         *int    `json:"default_custom_priority,omitempty"`
}

// QuotaResponse reports a company's standing against today's quota.
type QuotaResponse struct {
	CompanyID    string `json:"company_id"`
	QuotaDate    string `json:"quota_date"`
	MessagesSent int    `json:"messages_sent"`
	QuotaLimit   int    `json:"quota_limit"`
	QuotaBuffer  int    `json:"quota_buffer"`
	Remaining    int    `json:"remaining"`
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
	logger   *zap.Logger
	messages MessageRepository
	quotas   QuotaRepository
	configs  ConfigRepository
	sender   whatsapp.Sender // nil disables the connection test endpoint
}

// NewHandler creates a new API handler
func NewHandler(logger *zap.Logger, messages MessageRepository, quotas QuotaRepository, configs ConfigRepository, sender whatsapp.Sender) *Handler {
	return &Handler{
		logger:   logger,
		messages: messages,
		quotas:   quotas,
		configs:  configs,
		sender:   sender,
	}
}

// CreateMessage handles POST /v1/messages
func (h *Handler) CreateMessage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req MessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}

	if req.CompanyID == "" || req.CustomerID == "" || req.Mobile == "" || req.Content == "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Missing required fields",
			"company_id, customer_id, mobile, and content are required")
		return
	}

	if req.Kind == "" {
		req.Kind = db.KindCustom
	}
	switch req.Kind {
	case db.KindInvoice, db.KindDeadlineAlert, db.KindCustom, db.KindPromotional:
	default:
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid kind",
			"kind must be invoice, deadline_alert, custom, or promotional")
		return
	}

	if req.MediaKind == "" {
		req.MediaKind = db.MediaText
	}
	switch req.MediaKind {
	case db.MediaText:
	case db.MediaImage, db.MediaDocument:
		if req.MediaURL == nil || *req.MediaURL == "" {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "Missing media_url",
				"media_url is required for image and document messages")
			return
		}
	default:
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid media_kind",
			"media_kind must be text, image, or document")
		return
	}

	companyID, err := uuid.Parse(req.CompanyID)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid company_id", "company_id must be a valid UUID")
		return
	}

	customerID, err := uuid.Parse(req.CustomerID)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid customer_id", "customer_id must be a valid UUID")
		return
	}

	var scheduledAt *time.Time
	if req.ScheduledAt != nil && *req.ScheduledAt != "" {
		t, err := time.Parse(time.RFC3339, *req.ScheduledAt)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid scheduled_at", "scheduled_at must be RFC 3339")
			return
		}
		scheduledAt = &t
	}

	msg := &db.Message{
		ID:           uuid.New(),
		CompanyID:    companyID,
		CustomerID:   customerID,
		Mobile:       req.Mobile,
		Kind:         req.Kind,
		Content:      req.Content,
		MediaKind:    req.MediaKind,
		MediaURL:     req.MediaURL,
		MediaCaption: req.MediaCaption,
		Priority:     h.resolvePriority(ctx, companyID, req.Kind, req.Priority),
		ScheduledAt:  scheduledAt,
		Status:       db.StatusPending,
		MaxRetry:     3,
	}

	if err := h.messages.Create(ctx, msg); err != nil {
		h.logger.Error("failed to enqueue message",
			zap.Error(err),
			zap.String("company_id", req.CompanyID),
			zap.String("kind", req.Kind),
		)
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to enqueue message", "")
		return
	}

	metrics.RecordMessageEnqueued(req.CompanyID, req.Kind)
	h.logger.Info("message enqueued",
		zap.String("id", msg.ID.String()),
		zap.String("company_id", req.CompanyID),
		zap.String("kind", req.Kind),
		zap.Int("priority", msg.Priority),
	)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(MessageResponse{ID: msg.ID.String()})
}

// resolvePriority picks the explicit priority when the producer set one,
// otherwise the company's configured default for the kind.
func (h *Handler) resolvePriority(ctx context.Context, companyID uuid.UUID, kind string, explicit *int) int {
	if explicit != nil {
		return *explicit
	}

	cfg, err := h.configs.Get(ctx, companyID)
	if err == nil {
		switch kind {
		case db.KindInvoice:
			return cfg.InvoicePriority
		case db.KindDeadlineAlert:
			return cfg.AlertPriority
		default:
			return cfg.CustomPriority
		}
	}

	switch kind {
	case db.KindInvoice:
		return db.PriorityMedium
	case db.KindDeadlineAlert:
		return db.PriorityHigh
	default:
		return db.PriorityLow
	}
}

// GetMessage handles GET /v1/messages/{id}
func (h *Handler) GetMessage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	idStr := chi.URLParam(r, "id")
	msgID, err := uuid.Parse(idStr)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid message ID", "ID must be a valid UUID")
		return
	}

	msg, err := h.messages.Get(ctx, msgID)
	if err != nil {
		h.logger.Error("failed to get message",
			zap.Error(err),
			zap.String("id", idStr),
		)
		h.writeError(w, http.StatusNotFound, "not_found", "Message not found", "")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(msg)
}

// ListMessages handles GET /v1/messages?company_id=xxx&status=failed&limit=20&offset=0
func (h *Handler) ListMessages(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	companyIDStr := r.URL.Query().Get("company_id")
	if companyIDStr == "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Missing company_id", "company_id query parameter is required")
		return
	}

	companyID, err := uuid.Parse(companyIDStr)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid company_id", "company_id must be a valid UUID")
		return
	}

	status := r.URL.Query().Get("status")
	switch status {
	case "", db.StatusPending, db.StatusSent, db.StatusFailed, db.StatusFailedPermanent:
	default:
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid status",
			"status must be one of: pending, sent, failed, failed_permanent")
		return
	}

	// Parse pagination parameters with defaults
	limit := 20
	offset := 0

	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if l, err := strconv.Atoi(limitStr); err == nil && l > 0 && l <= 100 {
			limit = l
		}
	}

	if offsetStr := r.URL.Query().Get("offset"); offsetStr != "" {
		if o, err := strconv.Atoi(offsetStr); err == nil && o >= 0 {
			offset = o
		}
	}

	messages, err := h.messages.ListByCompany(ctx, companyID, status, limit, offset)
	if err != nil {
		h.logger.Error("failed to list messages",
			zap.Error(err),
			zap.String("company_id", companyIDStr),
		)
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to list messages", "")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"data":   messages,
		"limit":  limit,
		"offset": offset,
		"count":  len(messages),
	})
}

// RequeueMessage handles POST /v1/messages/{id}/requeue
func (h *Handler) RequeueMessage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	idStr := chi.URLParam(r, "id")
	msgID, err := uuid.Parse(idStr)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid message ID", "ID must be a valid UUID")
		return
	}

	if err := h.messages.Requeue(ctx, msgID); err != nil {
		h.logger.Warn("failed to requeue message",
			zap.Error(err),
			zap.String("id", idStr),
		)
		h.writeError(w, http.StatusConflict, "not_requeueable",
			"Message cannot be requeued", "only permanently failed messages can be requeued")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"id":     idStr,
		"status": db.StatusPending,
	})
}

// DeleteMessage handles DELETE /v1/messages/{id}
func (h *Handler) DeleteMessage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	idStr := chi.URLParam(r, "id")
	msgID, err := uuid.Parse(idStr)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid message ID", "ID must be a valid UUID")
		return
	}

	if err := h.messages.SoftDelete(ctx, msgID); err != nil {
		h.logger.Error("failed to delete message",
			zap.Error(err),
			zap.String("id", idStr),
		)
		h.writeError(w, http.StatusNotFound, "not_found", "Message not found", "")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// GetQuota handles GET /v1/quota?company_id=xxx
func (h *Handler) GetQuota(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	companyIDStr := r.URL.Query().Get("company_id")
	if companyIDStr == "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Missing company_id", "company_id query parameter is required")
		return
	}

	companyID, err := uuid.Parse(companyIDStr)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid company_id", "company_id must be a valid UUID")
		return
	}

	cfg, err := h.configs.Get(ctx, companyID)
	if err != nil {
		h.logger.Error("failed to load company config",
			zap.Error(err),
			zap.String("company_id", companyIDStr),
		)
		h.writeError(w, http.StatusNotFound, "not_found", "Company has no gateway configuration", "")
		return
	}

	quota, err := h.quotas.Get(ctx, companyID, time.Now(), cfg.DailyQuotaLimit)
	if err != nil {
		h.logger.Error("failed to load daily quota",
			zap.Error(err),
			zap.String("company_id", companyIDStr),
		)
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to load daily quota", "")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(QuotaResponse{
		CompanyID:    companyIDStr,
		QuotaDate:    quota.QuotaDate.Format("2006-01-02"),
		MessagesSent: quota.MessagesSent,
		QuotaLimit:   quota.QuotaLimit,
		QuotaBuffer:  cfg.QuotaBuffer,
		Remaining:    quota.Remaining(cfg.QuotaBuffer),
	})
}

// GetConfig handles GET /v1/config/{company_id}
func (h *Handler) GetConfig(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	companyID, err := uuid.Parse(chi.URLParam(r, "company_id"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid company_id", "company_id must be a valid UUID")
		return
	}

	cfg, err := h.configs.Get(ctx, companyID)
	if err != nil {
		h.writeError(w, http.StatusNotFound, "not_found", "Company has no gateway configuration", "")
		return
	}

	// Never echo the API key back out.
	redacted := *cfg
	redacted.APIKey = ""

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(redacted)
}

// PutConfig handles PUT /v1/config/{company_id}
func (h *Handler) PutConfig(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	companyID, err := uuid.Parse(chi.URLParam(r, "company_id"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid company_id", "company_id must be a valid UUID")
		return
	}

	var req ConfigRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}

	if req.APIKey == "" || req.ServerAddress == "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Missing required fields",
			"api_key and server_address are required")
		return
	}

	if !validClock(req.MessageSendTime) || !validClock(req.DeadlineCheckTime) {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid schedule time",
			"message_send_time and deadline_check_time must be HH:MM")
		return
	}

	if req.AlertDaysBefore < 0 || req.DailyQuotaLimit < 1 || req.QuotaBuffer < 0 || req.QuotaBuffer >= req.DailyQuotaLimit {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid quota settings",
			"daily_quota_limit must be positive and quota_buffer must be smaller than it")
		return
	}

	cfg := &db.CompanyConfig{
		CompanyID:              companyID,
		APIKey:                 req.APIKey,
		ServerAddress:          req.ServerAddress,
		InstanceID:             req.InstanceID,
		AutoSendInvoices:       req.AutoSendInvoices,
		AutoSendDeadlineAlerts: req.AutoSendDeadlineAlerts,
		MessageSendTime:        req.MessageSendTime,
		DeadlineCheckTime:      req.DeadlineCheckTime,
		AlertDaysBefore:        req.AlertDaysBefore,
		DailyQuotaLimit:        req.DailyQuotaLimit,
		QuotaBuffer:            req.QuotaBuffer,
		InvoicePriority:        intOr(req.InvoicePriority, db.PriorityMedium),
		AlertPriority:          intOr(req.AlertPriority, db.PriorityHigh),
		CustomPriority:         intOr(req.CustomPriority, db.PriorityLow),
	}

	if err := h.configs.Upsert(ctx, cfg); err != nil {
		h.logger.Error("failed to save company config",
			zap.Error(err),
			zap.String("company_id", companyID.String()),
		)
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to save configuration", "")
		return
	}

	h.logger.Info("company config saved",
		zap.String("company_id", companyID.String()),
		zap.Bool("auto_send_invoices", cfg.AutoSendInvoices),
		zap.Bool("auto_send_deadline_alerts", cfg.AutoSendDeadlineAlerts),
	)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"company_id": companyID.String(),
		"status":     "saved",
	})
}

// TestConnection handles POST /v1/config/{company_id}/test. It sends a real
// text message through the company's gateway and records the outcome.
func (h *Handler) TestConnection(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	companyID, err := uuid.Parse(chi.URLParam(r, "company_id"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid company_id", "company_id must be a valid UUID")
		return
	}

	var req struct {
		Mobile string `json:"mobile"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Mobile == "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Missing mobile", "a destination mobile is required")
		return
	}

	if h.sender == nil {
		h.writeError(w, http.StatusServiceUnavailable, "sender_unavailable", "Gateway sender not configured", "")
		return
	}

	cfg, err := h.configs.Get(ctx, companyID)
	if err != nil {
		h.writeError(w, http.StatusNotFound, "not_found", "Company has no gateway configuration", "")
		return
	}

	creds := whatsapp.Credentials{
		APIKey:        cfg.APIKey,
		ServerAddress: cfg.ServerAddress,
	}
	if cfg.InstanceID != nil {
		creds.InstanceID = *cfg.InstanceID
	}

	status := "connected"
	_, sendErr := h.sender.SendText(ctx, creds, req.Mobile, "WhatsApp gateway connection test")
	if sendErr != nil {
		status = "failed"
	}

	if err := h.configs.RecordConnectionTest(ctx, companyID, status, time.Now()); err != nil {
		h.logger.Error("failed to record connection test",
			zap.Error(err),
			zap.String("company_id", companyID.String()),
		)
	}

	if sendErr != nil {
		h.logger.Warn("gateway connection test failed",
			zap.Error(sendErr),
			zap.String("company_id", companyID.String()),
		)
		h.writeError(w, http.StatusBadGateway, "gateway_error", "Gateway connection test failed", sendErr.Error())
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"company_id": companyID.String(),
		"status":     status,
	})
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

func validClock(hhmm string) bool {
	_, err := time.Parse("15:04", hhmm)
	return err == nil
}

func intOr(v *int, fallback int) int {
	if v != nil {
		return *v
	}
	return fallback
}
