package mq

import (
	"context"

	"github.com/streadway/amqp"
	"go.uber.org/zap"
)

const RetryHeader = "x-retry-count"

type Handler func(ctx context.Context, body []byte) error

// Acknowledger is the subset of amqp.Delivery the consumer settles with.
type Acknowledger interface {
	Ack(multiple bool) error
}

// Consumer hands each delivery to a Handler. A failed delivery is republished
// with an incremented retry header until MaxRedeliveries, then dropped.
type Consumer struct {
	handler         Handler
	republish       *Publisher
	maxRedeliveries int
	log             *zap.Logger
}

func NewConsumer(h Handler, republish *Publisher, maxRedeliveries int, log *zap.Logger) *Consumer {
	return &Consumer{handler: h, republish: republish, maxRedeliveries: maxRedeliveries, log: log}
}

// Run consumes deliveries until the channel closes or ctx is done.
func (c *Consumer) Run(ctx context.Context, deliveries <-chan amqp.Delivery) {
	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-deliveries:
			if !ok {
				c.log.Warn("delivery channel closed")
				return
			}
			c.Handle(ctx, d, d.Body, d.Headers)
		}
	}
}

// Handle processes one delivery and always acks it; a retry is a new publish.
func (c *Consumer) Handle(ctx context.Context, ack Acknowledger, body []byte, headers amqp.Table) {
	err := c.handler(ctx, body)
	if err != nil {
		retries := RetryCount(headers)
		if retries < c.maxRedeliveries {
			c.log.Warn("handler failed, republishing",
				zap.Int("retry", retries+1),
				zap.Error(err),
			)
			if perr := c.republish.PublishWithHeaders(body, amqp.Table{RetryHeader: int32(retries + 1)}); perr != nil {
				c.log.Error("republish failed", zap.Error(perr))
			}
		} else {
			c.log.Error("dropping message after max redeliveries",
				zap.Int("retries", retries),
				zap.Error(err),
			)
		}
	}
	if aerr := ack.Ack(false); aerr != nil {
		c.log.Error("failed to ack delivery", zap.Error(aerr))
	}
}

// RetryCount reads the retry header; brokers may hand integers back in any width.
func RetryCount(headers amqp.Table) int {
	switch v := headers[RetryHeader].(type) {
	case int:
		return v
	case int8:
		return int(v)
	case int16:
		return int(v)
	case int32:
		return int(v)
	case int64:
		return int(v)
	}
	return 0
}
