package handler_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"go.uber.org/zap"

	"github.com/unclebandit/rcs-dispatch/internal/handler"
	"github.com/unclebandit/rcs-dispatch/internal/service"
)

type MockReconciler struct {
	events []service.Event
	result service.ApplyResult
	err    error
}

func (m *MockReconciler) ApplyEvent(ctx context.Context, ev service.Event) (service.ApplyResult, error) {
	m.events = append(m.events, ev)
	return m.result, m.err
}

type MockPublisher struct {
	bodies [][]byte
	err    error
}

func (m *MockPublisher) Publish(body []byte) error {
	if m.err != nil {
		return m.err
	}
	m.bodies = append(m.bodies, body)
	return nil
}

func post(h *handler.WebhookHandler, body string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	h.Receive(w, httptest.NewRequest("POST", "/webhooks/gateway", strings.NewReader(body)))
	return w
}

const deliveredNative = `{"entityType":"STATUS_EVENT","entity":{"eventType":"MESSAGE_DELIVERED","messageId":"msg_1"}}`

func TestWebhookDirectMode(t *testing.T) {
	rec := &MockReconciler{result: service.ResultApplied}
	h := &handler.WebhookHandler{Reconciler: rec, Log: zap.NewNop()}

	w := post(h, deliveredNative)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if len(rec.events) != 1 || rec.events[0].Type != service.EventDelivered || rec.events[0].CorrelationID != "msg_1" {
		t.Errorf("unexpected events %+v", rec.events)
	}
}

func TestWebhookUnknownCorrelationStillAcknowledged(t *testing.T) {
	h := &handler.WebhookHandler{Reconciler: &MockReconciler{result: service.ResultNotFound}, Log: zap.NewNop()}

	if w := post(h, `{"correlationId":"msg_unknown","eventType":"READ"}`); w.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", w.Code)
	}
}

func TestWebhookStoreErrorIs500(t *testing.T) {
	h := &handler.WebhookHandler{Reconciler: &MockReconciler{err: errors.New("db down")}, Log: zap.NewNop()}

	if w := post(h, deliveredNative); w.Code != http.StatusInternalServerError {
		t.Errorf("expected 500, got %d", w.Code)
	}
}

func TestWebhookRejectsUnparseable(t *testing.T) {
	rec := &MockReconciler{}
	h := &handler.WebhookHandler{Reconciler: rec, Log: zap.NewNop()}

	if w := post(h, `{{{`); w.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", w.Code)
	}
	if len(rec.events) != 0 {
		t.Error("reconciler should not be called")
	}
}

func TestWebhookQueueMode(t *testing.T) {
	rec := &MockReconciler{}
	pub := &MockPublisher{}
	h := &handler.WebhookHandler{Reconciler: rec, Queue: pub, Log: zap.NewNop()}

	if w := post(h, deliveredNative); w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if len(pub.bodies) != 1 || string(pub.bodies[0]) != deliveredNative {
		t.Errorf("expected the raw body to be queued, got %q", pub.bodies)
	}
	if len(rec.events) != 0 {
		t.Error("queue mode must not reconcile in the request")
	}

	pub.err = errors.New("broker down")
	if w := post(h, deliveredNative); w.Code != http.StatusInternalServerError {
		t.Errorf("expected 500 when the broker is down, got %d", w.Code)
	}
}

func TestConsumeCallback(t *testing.T) {
	rec := &MockReconciler{}
	consume := handler.ConsumeCallback(rec, zap.NewNop())

	if err := consume(context.Background(), []byte("garbage")); err != nil {
		t.Errorf("malformed body should be dropped, got %v", err)
	}
	if err := consume(context.Background(), []byte(deliveredNative)); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if len(rec.events) != 1 {
		t.Fatalf("expected 1 applied event, got %d", len(rec.events))
	}

	rec.err = errors.New("db down")
	if err := consume(context.Background(), []byte(deliveredNative)); err == nil {
		t.Error("store errors should be returned for redelivery")
	}
}
