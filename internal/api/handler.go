package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/disparo/internal/campaign"
	"github.com/lalithlochan/disparo/internal/db"
	"github.com/lalithlochan/disparo/internal/metrics"
	"github.com/lalithlochan/disparo/internal/redis"
)

// CampaignStore is the read side of the campaign tables. *db.Repository implements it.
type CampaignStore interface {
	GetCampaign(ctx context.Context, tenantID, id uuid.UUID) (*db.Campaign, error)
	ListCampaignsByTenant(ctx context.Context, tenantID uuid.UUID, limit, offset int) ([]*db.Campaign, error)
	ListMessageJobsPage(ctx context.Context, campaignID uuid.UUID, status string, limit, offset int) ([]*db.MessageJob, error)
}

// Lifecycle runs campaign transitions. *campaign.Controller implements it.
type Lifecycle interface {
	Start(ctx context.Context, in campaign.CreateInput) (*db.Campaign, error)
	Pause(ctx context.Context, tenantID, id uuid.UUID) (*db.Campaign, error)
	Resume(ctx context.Context, tenantID, id uuid.UUID) (*db.Campaign, error)
	Cancel(ctx context.Context, tenantID, id uuid.UUID) (*db.Campaign, error)
	Reprocess(ctx context.Context, tenantID, id uuid.UUID, content db.ContentConfiguration) (*db.Campaign, error)
}

// Idempotency remembers Idempotency-Key results. *redis.IdempotencyService implements it.
type Idempotency interface {
	CheckOrReserve(ctx context.Context, tenantID, idempotencyKey string) (*redis.IdempotencyResult, error)
	Store(ctx context.Context, tenantID, idempotencyKey string, result *redis.IdempotencyResult, ttl time.Duration) error
	Release(ctx context.Context, tenantID, idempotencyKey string) error
}

// MessageRequest is one template of a campaign's sequence.
type MessageRequest struct {
	Type     string  `json:"type" validate:"required,oneof=text image video audio"`
	Content  string  `json:"content" validate:"max=4096"`
	MediaURL *string `json:"media_url,omitempty" validate:"omitempty,url"`
}

// ContentRequest is the body of PUT /v1/campaigns/{id}/content and part of a create.
type ContentRequest struct {
	UseAI    bool             `json:"use_ai"`
	Messages []MessageRequest `json:"messages" validate:"required,min=1,dive"`
}

// ContactRequest is one audience member. A blank or unusable phone is not a
// request error: the builder skips that contact.
type ContactRequest struct {
	Phone  string            `json:"phone"`
	Fields map[string]string `json:"fields"`
}

// CreateCampaignRequest represents the incoming create body
type CreateCampaignRequest struct {
	Name           string           `json:"name" validate:"required,max=200"`
	TargetAudience string           `json:"target_audience" validate:"max=500"`
	Creative       string           `json:"creative" validate:"max=500"`
	Instances      []string         `json:"instances" validate:"required,min=1,dive,required"`
	DelayMin       int              `json:"delay_min" validate:"gte=0"`
	DelayMax       int              `json:"delay_max" validate:"gte=0"`
	IsScheduled    bool             `json:"is_scheduled"`
	ScheduledFor   *time.Time       `json:"scheduled_for,omitempty" validate:"required_if=IsScheduled true"`
	Content        ContentRequest   `json:"content_configuration"`
	Contacts       []ContactRequest `json:"contacts" validate:"required,min=1,dive"`
}

// ErrorResponse represents an error in problem+json format. Lifecycle errors carry
// the campaign's persisted status.
type ErrorResponse struct {
	Type           string `json:"type"`
	Title          string `json:"title"`
	Status         int    `json:"status"`
	Detail         string `json:"detail,omitempty"`
	CampaignID     string `json:"campaign_id,omitempty"`
	CampaignStatus string `json:"campaign_status,omitempty"`
}

// Handler holds dependencies for API handlers
type Handler struct {
	logger      *zap.Logger
	store       CampaignStore
	lifecycle   Lifecycle
	idempotency Idempotency // nil if Redis not configured
	validate    *validator.Validate
}

// NewHandler creates a new API handler
func NewHandler(logger *zap.Logger, store CampaignStore, lifecycle Lifecycle) *Handler {
	return &Handler{
		logger:    logger,
		store:     store,
		lifecycle: lifecycle,
		validate:  validator.New(),
	}
}

// NewHandlerWithIdempotency creates a handler with idempotency support
func NewHandlerWithIdempotency(logger *zap.Logger, store CampaignStore, lifecycle Lifecycle, idempotency Idempotency) *Handler {
	h := NewHandler(logger, store, lifecycle)
	h.idempotency = idempotency
	return h
}

// CreateCampaign handles POST /v1/campaigns.
// Supports idempotency via the Idempotency-Key header.
func (h *Handler) CreateCampaign(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := TenantFromContext(ctx)

	var req CreateCampaignRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}
	if err := h.validate.Struct(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "validation_error", "Validation failed", validationDetail(err))
		return
	}

	idempotencyKey := r.Header.Get("Idempotency-Key")
	if idempotencyKey != "" && h.idempotency != nil {
		cached, err := h.idempotency.CheckOrReserve(ctx, tenantID.String(), idempotencyKey)
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
			idempotencyKey = ""
		} else if cached != nil {
			metrics.RecordIdempotencyHit()
			h.replay(w, r, tenantID, cached)
			return
		}
	}

	c, err := h.lifecycle.Start(ctx, createInput(tenantID, &req))

	if idempotencyKey != "" && h.idempotency != nil {
		h.rememberCreate(ctx, tenantID, idempotencyKey, c, err)
	}

	if err != nil {
		id := uuid.Nil
		if c != nil {
			id = c.ID
		}
		h.writeLifecycleError(w, r, tenantID, id, "start", err)
		return
	}

	h.logger.Info("campaign created",
		zap.String("campaign_id", c.ID.String()),
		zap.String("tenant_id", tenantID.String()),
		zap.Int("count", c.TotalMessages),
	)

	writeJSON(w, http.StatusCreated, c)
}

// rememberCreate stores the outcome of a create under its idempotency key. A create
// that persisted nothing releases the key so the client can fix the request and retry.
func (h *Handler) rememberCreate(ctx context.Context, tenantID uuid.UUID, key string, c *db.Campaign, err error) {
	ctx = context.WithoutCancel(ctx)

	if c == nil {
		if relErr := h.idempotency.Release(ctx, tenantID.String(), key); relErr != nil {
			h.logger.Warn("failed to release idempotency key",
				zap.Error(relErr),
				zap.String("idempotency_key", key),
			)
		}
		return
	}

	result := &redis.IdempotencyResult{
		CampaignID: c.ID.String(),
		StatusCode: http.StatusCreated,
	}
	if err != nil {
		result.StatusCode = statusFor(err)
	}
	if storeErr := h.idempotency.Store(ctx, tenantID.String(), key, result, redis.IdempotencyTTL); storeErr != nil {
		h.logger.Warn("failed to store idempotency result",
			zap.Error(storeErr),
			zap.String("idempotency_key", key),
		)
	}
}

func (h *Handler) replay(w http.ResponseWriter, r *http.Request, tenantID uuid.UUID, cached *redis.IdempotencyResult) {
	id, err := uuid.Parse(cached.CampaignID)
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, "idempotency_error", "Corrupt idempotency record", "")
		return
	}

	c, err := h.store.GetCampaign(r.Context(), tenantID, id)
	if err != nil {
		h.logger.Error("failed to load replayed campaign", zap.Error(err), zap.String("campaign_id", cached.CampaignID))
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to load campaign", "")
		return
	}

	w.Header().Set("X-Idempotency-Replayed", "true")
	if cached.StatusCode >= http.StatusBadRequest {
		h.writeProblem(w, ErrorResponse{
			Type:           "enqueue_failed",
			Title:          "Campaign saved but not enqueued",
			Status:         cached.StatusCode,
			CampaignID:     c.ID.String(),
			CampaignStatus: c.Status,
		})
		return
	}
	writeJSON(w, cached.StatusCode, c)
}

// GetCampaign handles GET /v1/campaigns/{id}
func (h *Handler) GetCampaign(w http.ResponseWriter, r *http.Request) {
	tenantID := TenantFromContext(r.Context())
	id, ok := h.campaignID(w, r)
	if !ok {
		return
	}

	c, err := h.store.GetCampaign(r.Context(), tenantID, id)
	if err != nil {
		h.writeStoreError(w, err, id)
		return
	}

	writeJSON(w, http.StatusOK, c)
}

// ListCampaigns handles GET /v1/campaigns?limit=20&offset=0
func (h *Handler) ListCampaigns(w http.ResponseWriter, r *http.Request) {
	tenantID := TenantFromContext(r.Context())
	limit, offset := pagination(r)

	campaigns, err := h.store.ListCampaignsByTenant(r.Context(), tenantID, limit, offset)
	if err != nil {
		h.logger.Error("failed to list campaigns",
			zap.Error(err),
			zap.String("tenant_id", tenantID.String()),
		)
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to list campaigns", "")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"data":   campaigns,
		"limit":  limit,
		"offset": offset,
		"count":  len(campaigns),
	})
}

var messageStatuses = map[string]bool{
	db.StatusQueued:    true,
	db.StatusPaused:    true,
	db.StatusPending:   true,
	db.StatusSent:      true,
	db.StatusFailed:    true,
	db.StatusCancelled: true,
}

// ListMessages handles GET /v1/campaigns/{id}/messages?status=queued
func (h *Handler) ListMessages(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := TenantFromContext(ctx)
	id, ok := h.campaignID(w, r)
	if !ok {
		return
	}

	status := r.URL.Query().Get("status")
	if status != "" && !messageStatuses[status] {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid status",
			"status must be one of: queued, paused, pending, sent, failed, cancelled")
		return
	}

	// scopes the campaign to the tenant
	if _, err := h.store.GetCampaign(ctx, tenantID, id); err != nil {
		h.writeStoreError(w, err, id)
		return
	}

	limit, offset := pagination(r)
	jobs, err := h.store.ListMessageJobsPage(ctx, id, status, limit, offset)
	if err != nil {
		h.logger.Error("failed to list message jobs",
			zap.Error(err),
			zap.String("campaign_id", id.String()),
		)
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to list messages", "")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"data":   jobs,
		"limit":  limit,
		"offset": offset,
		"count":  len(jobs),
	})
}

// PauseCampaign handles POST /v1/campaigns/{id}/pause
func (h *Handler) PauseCampaign(w http.ResponseWriter, r *http.Request) {
	h.runTransition(w, r, "pause", h.lifecycle.Pause)
}

// ResumeCampaign handles POST /v1/campaigns/{id}/resume
func (h *Handler) ResumeCampaign(w http.ResponseWriter, r *http.Request) {
	h.runTransition(w, r, "resume", h.lifecycle.Resume)
}

// CancelCampaign handles POST /v1/campaigns/{id}/cancel
func (h *Handler) CancelCampaign(w http.ResponseWriter, r *http.Request) {
	h.runTransition(w, r, "cancel", h.lifecycle.Cancel)
}

// UpdateContent handles PUT /v1/campaigns/{id}/content. Every message not yet
// delivered is regenerated from the new templates.
func (h *Handler) UpdateContent(w http.ResponseWriter, r *http.Request) {
	tenantID := TenantFromContext(r.Context())
	id, ok := h.campaignID(w, r)
	if !ok {
		return
	}

	var req ContentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}
	if err := h.validate.Struct(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "validation_error", "Validation failed", validationDetail(err))
		return
	}

	c, err := h.lifecycle.Reprocess(r.Context(), tenantID, id, contentConfiguration(req))
	if err != nil {
		h.writeLifecycleError(w, r, tenantID, id, "reprocess", err)
		return
	}

	writeJSON(w, http.StatusOK, c)
}

type transitionFunc func(ctx context.Context, tenantID, id uuid.UUID) (*db.Campaign, error)

func (h *Handler) runTransition(w http.ResponseWriter, r *http.Request, op string, fn transitionFunc) {
	tenantID := TenantFromContext(r.Context())
	id, ok := h.campaignID(w, r)
	if !ok {
		return
	}

	c, err := fn(r.Context(), tenantID, id)
	if err != nil {
		h.writeLifecycleError(w, r, tenantID, id, op, err)
		return
	}

	writeJSON(w, http.StatusOK, c)
}

func (h *Handler) campaignID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid campaign ID", "ID must be a valid UUID")
		return uuid.Nil, false
	}
	return id, true
}

func statusFor(err error) int {
	switch {
	case campaign.IsValidation(err):
		return http.StatusBadRequest
	case errors.Is(err, db.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, campaign.ErrInvalidTransition), errors.Is(err, campaign.ErrBusy):
		return http.StatusConflict
	case errors.Is(err, campaign.ErrEnqueueFailed):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

var problemTypes = map[int]string{
	http.StatusBadRequest:          "validation_error",
	http.StatusNotFound:            "not_found",
	http.StatusConflict:            "conflict",
	http.StatusBadGateway:          "enqueue_failed",
	http.StatusInternalServerError: "internal_error",
}

// writeLifecycleError maps a controller error to a problem and reports the status
// the campaign actually has in the database, never the one the operation aimed for.
func (h *Handler) writeLifecycleError(w http.ResponseWriter, r *http.Request, tenantID, id uuid.UUID, op string, err error) {
	status := statusFor(err)
	problem := ErrorResponse{
		Type:   problemTypes[status],
		Title:  fmt.Sprintf("Campaign %s failed", op),
		Status: status,
		Detail: err.Error(),
	}
	if status == http.StatusInternalServerError {
		problem.Detail = ""
		h.logger.Error("campaign operation failed",
			zap.String("op", op),
			zap.String("campaign_id", id.String()),
			zap.String("tenant_id", tenantID.String()),
			zap.Error(err),
		)
	}

	if id != uuid.Nil && status != http.StatusNotFound {
		problem.CampaignID = id.String()
		c, getErr := h.store.GetCampaign(context.WithoutCancel(r.Context()), tenantID, id)
		if getErr == nil {
			problem.CampaignStatus = c.Status
		} else {
			h.logger.Warn("failed to re-read campaign after error",
				zap.String("campaign_id", id.String()),
				zap.Error(getErr),
			)
		}
	}

	h.writeProblem(w, problem)
}

func (h *Handler) writeStoreError(w http.ResponseWriter, err error, id uuid.UUID) {
	if errors.Is(err, db.ErrNotFound) {
		h.writeError(w, http.StatusNotFound, "not_found", "Campaign not found", "")
		return
	}
	h.logger.Error("failed to get campaign",
		zap.Error(err),
		zap.String("campaign_id", id.String()),
	)
	h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to load campaign", "")
}

func (h *Handler) writeError(w http.ResponseWriter, status int, errType, title, detail string) {
	h.writeProblem(w, ErrorResponse{
		Type:   errType,
		Title:  title,
		Status: status,
		Detail: detail,
	})
}

func (h *Handler) writeProblem(w http.ResponseWriter, problem ErrorResponse) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(problem.Status)
	_ = json.NewEncoder(w).Encode(problem)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func pagination(r *http.Request) (limit, offset int) {
	limit = 20
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
	return limit, offset
}

func validationDetail(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		field := fe.Namespace()
		if i := strings.IndexByte(field, '.'); i >= 0 {
			field = field[i+1:]
		}
		switch fe.Tag() {
		case "required", "required_if":
			msgs = append(msgs, field+" is required")
		case "min":
			msgs = append(msgs, fmt.Sprintf("%s must have at least %s item(s)", field, fe.Param()))
		case "oneof":
			msgs = append(msgs, fmt.Sprintf("%s must be one of: %s", field, fe.Param()))
		default:
			msgs = append(msgs, fmt.Sprintf("%s failed %s", field, fe.Tag()))
		}
	}
	return strings.Join(msgs, "; ")
}

func contentConfiguration(req ContentRequest) db.ContentConfiguration {
	msgs := make([]db.MessageTemplate, len(req.Messages))
	for i, m := range req.Messages {
		msgs[i] = db.MessageTemplate{Type: m.Type, Content: m.Content, MediaURL: m.MediaURL}
	}
	return db.ContentConfiguration{UseAI: req.UseAI, Messages: msgs}
}

func createInput(tenantID uuid.UUID, req *CreateCampaignRequest) campaign.CreateInput {
	contacts := make([]db.Contact, len(req.Contacts))
	for i, c := range req.Contacts {
		contacts[i] = db.Contact{Phone: c.Phone, Fields: db.ContactSnapshot(c.Fields)}
	}
	return campaign.CreateInput{
		TenantID:       tenantID,
		Name:           req.Name,
		TargetAudience: req.TargetAudience,
		Creative:       req.Creative,
		Instances:      req.Instances,
		DelayMin:       req.DelayMin,
		DelayMax:       req.DelayMax,
		IsScheduled:    req.IsScheduled,
		ScheduledFor:   req.ScheduledFor,
		Content:        contentConfiguration(req.Content),
		Contacts:       contacts,
	}
}
