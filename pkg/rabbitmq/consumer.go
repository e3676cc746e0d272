package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/url"
	"strings"

	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	defaultPrefetch        = 20
	defaultMaxRedeliveries = 10
	deliveryCountHeader    = "x-delivery-count"
)

// Handler processes one message body. Returning false asks for redelivery.
type Handler = func(body []byte) bool

// ConsumerConfig names the topic exchange and the durable queue bound to it.
type ConsumerConfig struct {
	Exchange string
	Queue    string
	Prefetch int
	// MaxRedeliveries drops a message once the broker reports this many deliveries.
	// It only applies to queues that set x-delivery-count (quorum queues).
	MaxRedeliveries int
}

// Consumer reads platform requests from a durable queue bound to a topic exchange.
type Consumer struct {
	conn     *amqp.Connection
	ch       *amqp.Channel
	cfg      ConsumerConfig
	handlers map[string]Handler
}

func sanitizeURL(raw string) (string, error) {
	clean := strings.Trim(strings.TrimSpace(raw), "\"'")
	if !strings.HasSuffix(clean, "/") {
		clean += "/"
	}
	parsed, err := url.Parse(clean)
	if err != nil {
		return "", err
	}
	if parsed.Scheme != "amqp" && parsed.Scheme != "amqps" {
		return "", fmt.Errorf("invalid AMQP scheme: %s", parsed.Scheme)
	}
	return clean, nil
}

func NewConsumer(amqpURL string, cfg ConsumerConfig) (*Consumer, error) {
	if strings.TrimSpace(cfg.Exchange) == "" || strings.TrimSpace(cfg.Queue) == "" {
		return nil, errors.New("consumer exchange and queue are required")
	}
	if cfg.Prefetch <= 0 {
		cfg.Prefetch = defaultPrefetch
	}
	if cfg.MaxRedeliveries <= 0 {
		cfg.MaxRedeliveries = defaultMaxRedeliveries
	}

	cleanURL, err := sanitizeURL(amqpURL)
	if err != nil {
		return nil, err
	}
	conn, err := amqp.Dial(cleanURL)
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, err
	}
	if err := ch.Qos(cfg.Prefetch, 0, false); err != nil {
		ch.Close()
		conn.Close()
		return nil, err
	}

	return &Consumer{conn: conn, ch: ch, cfg: cfg}, nil
}

// Bind declares the exchange and queue and binds the queue to every routing key.
func (c *Consumer) Bind(bindings map[string]Handler) error {
	handlers := make(map[string]Handler, len(bindings))
	for routingKey, handler := range bindings {
		if handler != nil {
			handlers[routingKey] = handler
		}
	}
	if len(handlers) == 0 {
		return errors.New("no bindings provided")
	}

	if err := c.ch.ExchangeDeclare(c.cfg.Exchange, "topic", true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange %s: %w", c.cfg.Exchange, err)
	}
	if _, err := c.ch.QueueDeclare(c.cfg.Queue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare queue %s: %w", c.cfg.Queue, err)
	}
	for routingKey := range handlers {
		if err := c.ch.QueueBind(c.cfg.Queue, routingKey, c.cfg.Exchange, false, nil); err != nil {
			return fmt.Errorf("bind %s: %w", routingKey, err)
		}
	}
	c.handlers = handlers
	return nil
}

// Run consumes until ctx is cancelled. A broker-side close returns an error.
func (c *Consumer) Run(ctx context.Context) error {
	if c.handlers == nil {
		return errors.New("consumer has no bindings")
	}
	msgs, err := c.ch.Consume(c.cfg.Queue, "", false, false, false, false, nil)
	if err != nil {
		return err
	}
	log.Printf("level=info component=rabbitmq_consumer msg=\"consuming\" queue=%s exchange=%s routing_keys=%d", c.cfg.Queue, c.cfg.Exchange, len(c.handlers))

	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-msgs:
			if !ok {
				return fmt.Errorf("delivery channel for %s closed", c.cfg.Queue)
			}
			dispatch(d, c.handlers, c.cfg.MaxRedeliveries)
		}
	}
}

func dispatch(d amqp.Delivery, handlers map[string]Handler, maxRedeliveries int) {
	handler, ok := handlers[d.RoutingKey]
	if !ok {
		log.Printf("level=warn component=rabbitmq_consumer msg=\"no handler for routing key; dropping\" routing_key=%s", d.RoutingKey)
		_ = d.Ack(false)
		return
	}
	if handler(d.Body) {
		_ = d.Ack(false)
		return
	}
	if count := deliveryCount(d.Headers); maxRedeliveries > 0 && count >= int64(maxRedeliveries) {
		log.Printf("level=error component=rabbitmq_consumer msg=\"handler failed too often; dropping\" routing_key=%s deliveries=%d message_id=%s", d.RoutingKey, count, d.MessageId)
		_ = d.Nack(false, false)
		return
	}
	log.Printf("level=warn component=rabbitmq_consumer msg=\"handler failed; re-queuing\" routing_key=%s", d.RoutingKey)
	_ = d.Nack(false, true)
}

func deliveryCount(headers amqp.Table) int64 {
	switch v := headers[deliveryCountHeader].(type) {
	case int64:
		return v
	case int32:
		return int64(v)
	case int:
		return int64(v)
	default:
		return 0
	}
}

func (c *Consumer) Close() {
	if c.ch != nil {
		c.ch.Close()
	}
	if c.conn != nil {
		c.conn.Close()
	}
}
