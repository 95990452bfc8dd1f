package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"go.uber.org/zap"

	"github.com/lalithlochan/disparo/internal/qstash"
	"github.com/lalithlochan/disparo/internal/queue"
	"github.com/lalithlochan/disparo/internal/worker"
)

// StatusNonRetryable tells QStash to stop retrying a callback. It must be sent
// together with the Upstash-NonRetryable-Error header.
const StatusNonRetryable = 489

const maxCallbackBody = 1 << 20

// Deliverer runs the delivery contract. *worker.Processor implements it.
type Deliverer interface {
	Process(ctx context.Context, job queue.Job) (worker.Outcome, error)
}

// SignatureVerifier checks a queue callback signature. *qstash.Verifier implements it.
type SignatureVerifier interface {
	Verify(signature string, body []byte, callbackURL string) error
}

// DeliveryHandler receives QStash callbacks, one per due message job.
type DeliveryHandler struct {
	logger      *zap.Logger
	processor   Deliverer
	verifier    SignatureVerifier // nil disables signature checks
	callbackURL string
}

// NewDeliveryHandler creates the callback handler. callbackURL must be the exact
// destination the jobs were published with; it is bound into the signature.
func NewDeliveryHandler(logger *zap.Logger, processor Deliverer, verifier SignatureVerifier, callbackURL string) *DeliveryHandler {
	return &DeliveryHandler{
		logger:      logger,
		processor:   processor,
		verifier:    verifier,
		callbackURL: callbackURL,
	}
}

// Deliver handles POST /v1/deliveries.
//
// A 2xx acknowledges the job. A 5xx makes QStash retry it, which is safe because
// the processor skips rows that are no longer queued. Jobs that can never succeed
// get 489 so they go straight to the DLQ.
func (h *DeliveryHandler) Deliver(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxCallbackBody))
	if err != nil {
		h.nonRetryable(w, "unreadable body", err)
		return
	}

	if h.verifier != nil {
		if err := h.verifier.Verify(r.Header.Get(qstash.SignatureHeader), body, h.callbackURL); err != nil {
			h.logger.Warn("rejected delivery callback", zap.Error(err))
			writeMiddlewareError(w, http.StatusUnauthorized, "invalid_signature", "Invalid signature", "")
			return
		}
	}

	var job queue.Job
	if err := json.Unmarshal(body, &job); err != nil {
		h.nonRetryable(w, "malformed job", err)
		return
	}

	outcome, err := h.processor.Process(r.Context(), job)
	if err != nil {
		if errors.Is(err, queue.ErrPermanent) {
			h.nonRetryable(w, "invalid job", err)
			return
		}
		h.logger.Error("delivery failed, queue will retry",
			zap.String("message_id", job.MessageID),
			zap.String("campaign_id", job.CampaignID),
			zap.Error(err),
		)
		writeMiddlewareError(w, http.StatusInternalServerError, "delivery_error", "Delivery failed", "")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"message_id": job.MessageID,
		"outcome":    string(outcome),
	})
}

func (h *DeliveryHandler) nonRetryable(w http.ResponseWriter, reason string, err error) {
	h.logger.Warn("dropping delivery callback",
		zap.String("reason", reason),
		zap.Error(err),
	)
	w.Header().Set("Upstash-NonRetryable-Error", "true")
	writeMiddlewareError(w, StatusNonRetryable, "non_retryable", "Job cannot be delivered", err.Error())
}
