package service

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	commonlog "support_broker/server/common/log"
)

const eventsExchange = "support.events"

// EventPublisher forwards domain events to downstream consumers. It is
// separate from the Hub, which only serves connected clients.
type EventPublisher interface {
	Publish(ctx context.Context, key string, payload any) error
}

type nopPublisher struct{}

func (nopPublisher) Publish(context.Context, string, any) error { return nil }

type AMQPPublisher struct {
	mu      sync.Mutex
	conn    *amqp.Connection
	channel *amqp.Channel
}

func NewAMQPPublisher(conn *amqp.Connection) (*AMQPPublisher, error) {
	p := &AMQPPublisher{conn: conn}
	if err := p.openChannel(); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *AMQPPublisher) openChannel() error {
	ch, err := p.conn.Channel()
	if err != nil {
		return err
	}
	if err := ch.ExchangeDeclare(eventsExchange, "topic", true, false, false, false, nil); err != nil {
		_ = ch.Close()
		return err
	}
	p.channel = ch
	return nil
}

func (p *AMQPPublisher) Publish(ctx context.Context, key string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	// A failed publish closes the channel; reopen it on the next call.
	if p.channel == nil || p.channel.IsClosed() {
		if err := p.openChannel(); err != nil {
			return err
		}
	}
	return p.channel.PublishWithContext(ctx, eventsExchange, key, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Body:         body,
		Timestamp:    time.Now(),
	})
}

func (p *AMQPPublisher) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.channel != nil {
		_ = p.channel.Close()
		p.channel = nil
	}
}

func publishBestEffort(ctx context.Context, publisher EventPublisher, key string, payload any) {
	if err := publisher.Publish(ctx, key, payload); err != nil {
		commonlog.Warnf("event=broker_events action=publish status=failed key=%s error=%v", key, err)
	}
}
