package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nsqio/go-nsq"

	"github.com/austindbirch/signal_hook/internal/delivery"
	"github.com/austindbirch/signal_hook/internal/logging"
)

const (
	// requeueStep is multiplied by the message's attempt count.
	requeueStep = 5 * time.Second
	maxRequeue  = time.Minute
	// After this many broker attempts the message is dropped; the log stays
	// pending and the stale sweep picks it up.
	maxMessageAttempts = 10
)

// Handler processes one task. An error asks for redelivery.
type Handler func(ctx context.Context, task delivery.Task) error

// Consumer feeds the deliveries channel to a Handler.
type Consumer struct {
	consumer *nsq.Consumer
	handle   Handler
	logger   *logging.Logger
}

// NewConsumer subscribes to topic/channel. Call Start to connect.
func NewConsumer(topic, channel string, maxInFlight int, handle Handler, logger *logging.Logger) (*Consumer, error) {
	conf := nsq.NewConfig()
	if maxInFlight > 0 {
		conf.MaxInFlight = maxInFlight
	}
	nc, err := nsq.NewConsumer(topic, channel, conf)
	if err != nil {
		return nil, fmt.Errorf("nsq consumer: %w", err)
	}
	nc.SetLoggerLevel(nsq.LogLevelWarning)
	c := &Consumer{consumer: nc, handle: handle, logger: logger}
	nc.AddHandler(c)
	return c, nil
}

// HandleMessage implements nsq.Handler. Responses are sent explicitly.
func (c *Consumer) HandleMessage(m *nsq.Message) error {
	m.DisableAutoResponse()
	defer func() {
		if !m.HasResponded() {
			c.logger.Plain().Warn("message had no response, finishing")
			m.Finish()
		}
	}()

	var task delivery.Task
	if err := json.Unmarshal(m.Body, &task); err != nil || task.DeliveryID == "" {
		c.logger.Plain().WithError(err).WithField("body_bytes", len(m.Body)).Error("bad task payload")
		m.Finish()
		return nil
	}

	if err := c.handle(context.Background(), task); err != nil {
		entry := c.logger.Plain().WithDelivery(task.DeliveryID).WithError(err).WithField("message_attempts", m.Attempts)
		if m.Attempts >= maxMessageAttempts {
			entry.Error("task dropped after repeated failures, left to sweep")
			m.Finish()
			return nil
		}
		delay := requeueDelay(m.Attempts)
		entry.WithField("delay", delay.String()).Warn("task failed, requeueing")
		m.Requeue(delay)
		return nil
	}
	m.Finish()
	return nil
}

func requeueDelay(attempts uint16) time.Duration {
	d := time.Duration(attempts) * requeueStep
	if d <= 0 {
		d = requeueStep
	}
	if d > maxRequeue {
		d = maxRequeue
	}
	return d
}

// Start connects directly to nsqd, which creates the channel eagerly, and
// to lookupd when an address is given.
func (c *Consumer) Start(nsqdAddr, lookupAddr string) error {
	if nsqdAddr != "" {
		if err := c.consumer.ConnectToNSQD(nsqdAddr); err != nil {
			return fmt.Errorf("connect to nsqd: %w", err)
		}
	}
	if lookupAddr != "" {
		if err := c.consumer.ConnectToNSQLookupd(lookupAddr); err != nil {
			return fmt.Errorf("connect to lookupd: %w", err)
		}
	}
	return nil
}

// Stop drains in-flight messages or gives up when ctx ends.
func (c *Consumer) Stop(ctx context.Context) error {
	c.consumer.Stop()
	select {
	case <-c.consumer.StopChan:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
