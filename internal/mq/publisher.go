package mq

import (
	"sync"

	"github.com/streadway/amqp"
)

// Channel is the subset of *amqp.Channel used for publishing.
type Channel interface {
	Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// Publisher serializes publishes on a single channel; amqp channels are not
// safe for concurrent use.
type Publisher struct {
	mu       sync.Mutex
	ch       Channel
	exchange string
	key      string
}

// NewPublisher publishes to exchange with routing key. For a plain queue pass
// an empty exchange and the queue name as key.
func NewPublisher(ch Channel, exchange, key string) *Publisher {
	return &Publisher{ch: ch, exchange: exchange, key: key}
}

func (p *Publisher) Publish(body []byte) error {
	return p.PublishWithHeaders(body, nil)
}

func (p *Publisher) PublishWithHeaders(body []byte, headers amqp.Table) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ch.Publish(
		p.exchange,
		p.key,
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Headers:      headers,
			Body:         body,
		},
	)
}
