package rabbitmq

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Consumer binds a durable queue to routing keys and dispatches deliveries to handlers.
type Consumer struct {
	conn     *amqp.Connection
	ch       *amqp.Channel
	handlers map[string]func([]byte) bool
	logger   *slog.Logger
}

func NewConsumer(amqpURL string) (*Consumer, error) {
	cleanURL, err := sanitizeAMQPURL(amqpURL)
	if err != nil {
		return nil, err
	}

	conn, err := amqp.DialConfig(cleanURL, amqp.Config{Dial: amqp.DefaultDial(10 * time.Second)})
	if err != nil {
		return nil, fmt.Errorf("dial rabbitmq: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}

	return &Consumer{conn: conn, ch: ch, logger: slog.Default().With("component", "rabbitmq_consumer")}, nil
}

// ConsumeWithBindings declares the topology, binds every routing key in bindings and starts
// dispatching in a goroutine. prefetch bounds how many unacked deliveries are held at once.
func (c *Consumer) ConsumeWithBindings(exchange, queueName string, prefetch int, bindings map[string]func([]byte) bool) error {
	handlers := make(map[string]func([]byte) bool, len(bindings))
	for routingKey, handler := range bindings {
		if handler != nil {
			handlers[routingKey] = handler
		}
	}
	if len(handlers) == 0 {
		return errors.New("no bindings provided")
	}

	if err := c.ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange %s: %w", exchange, err)
	}
	queue, err := c.ch.QueueDeclare(queueName, true, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("declare queue %s: %w", queueName, err)
	}
	if prefetch > 0 {
		if err := c.ch.Qos(prefetch, 0, false); err != nil {
			return fmt.Errorf("set qos: %w", err)
		}
	}
	for routingKey := range handlers {
		if err := c.ch.QueueBind(queue.Name, routingKey, exchange, false, nil); err != nil {
			return fmt.Errorf("bind %s: %w", routingKey, err)
		}
	}

	deliveries, err := c.ch.Consume(queue.Name, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume %s: %w", queue.Name, err)
	}
	c.handlers = handlers

	go func() {
		for d := range deliveries {
			c.dispatch(d)
		}
		c.logger.Warn("delivery channel closed", "queue", queue.Name)
	}()
	return nil
}

// dispatch settles exactly one delivery. Unknown routing keys are dropped, and a handler
// that panics has its message rejected without requeue so it cannot loop forever.
func (c *Consumer) dispatch(d amqp.Delivery) {
	handler, ok := c.handlers[d.RoutingKey]
	if !ok {
		c.logger.Warn("no handler for routing key; acknowledging to drop", "routing_key", d.RoutingKey)
		d.Ack(false)
		return
	}

	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("handler panicked; dropping message", "routing_key", d.RoutingKey, "panic", r)
			d.Reject(false)
		}
	}()

	if handler(d.Body) {
		d.Ack(false)
		return
	}
	c.logger.Warn("handler failed; re-queuing", "routing_key", d.RoutingKey, "redelivered", d.Redelivered)
	d.Nack(false, true)
}

func (c *Consumer) Close() {
	if c.ch != nil {
		c.ch.Close()
	}
	if c.conn != nil {
		c.conn.Close()
	}
}
