// Package queue carries delivery tasks and dead-letter notices over NSQ.
package queue

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nsqio/go-nsq"
	"go.opentelemetry.io/otel/attribute"

	"github.com/austindbirch/signal_hook/internal/delivery"
	"github.com/austindbirch/signal_hook/internal/tracing"
)

// producer is the subset of *nsq.Producer the publisher uses.
type producer interface {
	Publish(topic string, body []byte) error
	Ping() error
	Stop()
}

// Publisher sends tasks to the deliveries topic and notices to the DLQ topic.
type Publisher struct {
	prod     producer
	topic    string
	dlqTopic string
}

// NewPublisher connects a producer to nsqd at addr (host:4150).
func NewPublisher(addr, topic, dlqTopic string) (*Publisher, error) {
	prod, err := nsq.NewProducer(addr, nsq.NewConfig())
	if err != nil {
		return nil, fmt.Errorf("nsq producer: %w", err)
	}
	prod.SetLoggerLevel(nsq.LogLevelWarning)
	return &Publisher{prod: prod, topic: topic, dlqTopic: dlqTopic}, nil
}

func (p *Publisher) Enqueue(ctx context.Context, task delivery.Task) error {
	b, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("marshal task: %w", err)
	}
	if err := p.prod.Publish(p.topic, b); err != nil {
		tracing.SetSpanError(ctx, err)
		return fmt.Errorf("nsq publish: %w", err)
	}
	tracing.AddSpanEvent(ctx, "nsq.published_task",
		attribute.String("topic", p.topic),
		attribute.String("delivery_id", task.DeliveryID),
	)
	return nil
}

func (p *Publisher) PublishDeadLetter(ctx context.Context, dl delivery.DeadLetter) error {
	b, err := json.Marshal(dl)
	if err != nil {
		return fmt.Errorf("marshal dead letter: %w", err)
	}
	if err := p.prod.Publish(p.dlqTopic, b); err != nil {
		return fmt.Errorf("nsq publish dlq: %w", err)
	}
	tracing.AddSpanEvent(ctx, "nsq.published_dlq", attribute.String("topic", p.dlqTopic))
	return nil
}

// Ping checks the nsqd connection. It satisfies health.Pinger.
func (p *Publisher) Ping(context.Context) error {
	return p.prod.Ping()
}

func (p *Publisher) Stop() {
	p.prod.Stop()
}
