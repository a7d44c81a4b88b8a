package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/rosslyle/beacon/internal/domain"
)

// EventPublisher admits producer events into the engine.
type EventPublisher interface {
	Publish(ctx context.Context, e *domain.Event) (int64, error)
}

// AttemptLister reads back delivery attempts for an intent.
type AttemptLister interface {
	ListAttempts(ctx context.Context, intentID uuid.UUID) ([]*domain.DeliveryAttempt, error)
}

// EngagementRecorder accepts open/click signals from notification surfaces.
type EngagementRecorder interface {
	RecordOpen(intentID uuid.UUID)
	RecordClick(intentID uuid.UUID)
}

// EventRequest represents the incoming producer event body.
type EventRequest struct {
	Type       string          `json:"type"`
	EntityID   string          `json:"entity_id"`
	Payload    json.RawMessage `json:"payload"`
	OccurredAt *time.Time      `json:"occurred_at,omitempty"`
}

// EventResponse is returned after admitting an event.
type EventResponse struct {
	ID  string `json:"id"`
	Seq int64  `json:"seq"`
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
	logger     *zap.Logger
	publisher  EventPublisher
	attempts   AttemptLister      // nil if Postgres not configured
	engagement EngagementRecorder // nil if delivery engine not wired
}

// NewHandler creates a new API handler
func NewHandler(logger *zap.Logger, publisher EventPublisher, attempts AttemptLister, engagement EngagementRecorder) *Handler {
	return &Handler{
		logger:     logger,
		publisher:  publisher,
		attempts:   attempts,
		engagement: engagement,
	}
}

// PublishEvent handles POST /v1/events
func (h *Handler) PublishEvent(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req EventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}

	eventType, err := domain.ParseEventType(req.Type)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid event type", err.Error())
		return
	}
	if req.EntityID == "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Missing required fields", "entity_id is required")
		return
	}
	if len(req.Payload) > 0 && !json.Valid(req.Payload) {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid payload", "payload must be valid JSON")
		return
	}

	occurredAt := time.Now().UTC()
	if req.OccurredAt != nil {
		occurredAt = req.OccurredAt.UTC()
	}

	event := &domain.Event{
		ID:         uuid.New(),
		Type:       eventType,
		EntityID:   req.EntityID,
		Payload:    req.Payload,
		OccurredAt: occurredAt,
	}

	seq, err := h.publisher.Publish(ctx, event)
	if err != nil {
		if errors.Is(err, domain.ErrValidation) {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid event", err.Error())
			return
		}
		h.logger.Error("failed to publish event",
			zap.Error(err),
			zap.String("type", req.Type),
			zap.String("entity_id", req.EntityID),
		)
		h.writeError(w, http.StatusInternalServerError, "publish_error", "Failed to publish event", "")
		return
	}

	h.logger.Info("event admitted",
		zap.String("id", event.ID.String()),
		zap.String("type", req.Type),
		zap.Int64("seq", seq),
	)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(EventResponse{
		ID:  event.ID.String(),
		Seq: seq,
	})
}

// ListIntentAttempts handles GET /v1/intents/{id}/attempts
func (h *Handler) ListIntentAttempts(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if h.attempts == nil {
		h.writeError(w, http.StatusNotImplemented, "not_configured", "Attempt history is not configured", "")
		return
	}

	idStr := chi.URLParam(r, "id")
	intentID, err := uuid.Parse(idStr)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid intent ID", "ID must be a valid UUID")
		return
	}

	attempts, err := h.attempts.ListAttempts(ctx, intentID)
	if err != nil {
		h.logger.Error("failed to list delivery attempts",
			zap.Error(err),
			zap.String("intent_id", idStr),
		)
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to list delivery attempts", "")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"data":  attempts,
		"count": len(attempts),
	})
}

// RecordEngagement handles POST /v1/intents/{id}/engagement
func (h *Handler) RecordEngagement(w http.ResponseWriter, r *http.Request) {
	idStr := chi.URLParam(r, "id")
	intentID, err := uuid.Parse(idStr)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid intent ID", "ID must be a valid UUID")
		return
	}

	var req struct {
		Action string `json:"action"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}

	if h.engagement == nil {
		h.writeError(w, http.StatusNotImplemented, "not_configured", "Engagement tracking is not configured", "")
		return
	}

	switch req.Action {
	case "open":
		h.engagement.RecordOpen(intentID)
	case "click":
		h.engagement.RecordClick(intentID)
	default:
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid action", "action must be open or click")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"id":     idStr,
		"action": req.Action,
	})
}

// Health handles GET /healthz
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
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
