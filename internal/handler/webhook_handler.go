// internal/handler/webhook_handler.go
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"go.uber.org/zap"

	"github.com/unclebandit/rcs-dispatch/internal/service"
)

const maxCallbackBytes = 1 << 20

type EventApplier interface {
	ApplyEvent(ctx context.Context, ev service.Event) (service.ApplyResult, error)
}

type Publisher interface {
	Publish(body []byte) error
}

// WebhookHandler receives gateway callbacks. With a Queue set, the raw body is
// published for the worker and acknowledged at once; otherwise the callback is
// reconciled inside the request.
type WebhookHandler struct {
	Reconciler EventApplier
	Queue      Publisher
	Log        *zap.Logger
}

func (h *WebhookHandler) Receive(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxCallbackBytes))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"success": false, "error": "unreadable body"})
		return
	}

	ev, err := service.ParseCallback(body)
	if err != nil {
		h.Log.Warn("rejecting unparseable callback", zap.ByteString("body", truncate(body, 512)))
		writeJSON(w, http.StatusBadRequest, map[string]any{"success": false, "error": err.Error()})
		return
	}

	if h.Queue != nil {
		if err := h.Queue.Publish(body); err != nil {
			h.Log.Error("failed to queue callback", zap.String("correlation_id", ev.CorrelationID), zap.Error(err))
			writeJSON(w, http.StatusInternalServerError, map[string]any{"success": false, "error": "queue unavailable"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "message": "Webhook queued"})
		return
	}

	result, err := h.Reconciler.ApplyEvent(r.Context(), ev)
	if err != nil {
		h.Log.Error("failed to apply callback",
			zap.String("correlation_id", ev.CorrelationID),
			zap.String("event", string(ev.Type)),
			zap.Error(err),
		)
		writeJSON(w, http.StatusInternalServerError, map[string]any{"success": false, "error": "store unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "message": "Webhook received", "result": result})
}

// ConsumeCallback is the worker-side counterpart of Receive. Malformed bodies
// are dropped rather than retried.
func ConsumeCallback(reconciler EventApplier, log *zap.Logger) func(ctx context.Context, body []byte) error {
	return func(ctx context.Context, body []byte) error {
		ev, err := service.ParseCallback(body)
		if errors.Is(err, service.ErrMalformedCallback) {
			log.Warn("dropping malformed queued callback", zap.ByteString("body", truncate(body, 512)))
			return nil
		}
		_, err = reconciler.ApplyEvent(ctx, ev)
		return err
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func truncate(b []byte, n int) []byte {
	if len(b) > n {
		return b[:n]
	}
	return b
}
