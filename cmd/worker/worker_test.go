package main

import (
	"context"
	"sync"
	"testing"

	"github.com/streadway/amqp"
	"go.uber.org/zap"

	"github.com/unclebandit/rcs-dispatch/internal/mq"
	"github.com/unclebandit/rcs-dispatch/internal/service"
)

// MockReconciler stores applied events in memory
type MockReconciler struct {
	mu     sync.Mutex
	events []service.Event
}

func (m *MockReconciler) ApplyEvent(ctx context.Context, ev service.Event) (service.ApplyResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, ev)
	return service.ResultApplied, nil
}

type MockChannel struct{}

func (MockChannel) Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	return nil
}

type MockAck struct {
	wg *sync.WaitGroup
}

func (m MockAck) Ack(multiple bool) error {
	m.wg.Done()
	return nil
}

func TestWorkerAppliesQueuedCallback(t *testing.T) {
	rec := &MockReconciler{}
	consumer := newCallbackConsumer(rec, mq.NewPublisher(MockChannel{}, "", "gateway_callbacks"), 3, zap.NewNop())

	var wg sync.WaitGroup
	wg.Add(1)
	body := []byte(`{"entity":{"eventType":"MESSAGE_READ","messageId":"msg_1"}}`)
	go consumer.Handle(context.Background(), MockAck{wg: &wg}, body, nil)

	// Wait until the worker acks the delivery
	wg.Wait()

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.events) != 1 || rec.events[0].Type != service.EventRead || rec.events[0].CorrelationID != "msg_1" {
		t.Errorf("expected READ for msg_1, got %+v", rec.events)
	}
}
