// Package kafka provides the Kafka queue channel for anchor events. It is selected
// with EVENT_QUEUE_DRIVER=kafka and publishes each event to the topic chosen by its type.
package kafka

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/segmentio/kafka-go"
)

// messageWriter is the subset of *kafka.Writer the producer uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Producer sends encoded events to Kafka topics.
type Producer struct {
	writer messageWriter
}

// NewProducer creates a producer for the given brokers. Topics are set per message.
func NewProducer(brokers []string, writeTimeout time.Duration) (*Producer, error) {
	if len(brokers) == 0 {
		return nil, errors.New("kafka brokers not configured")
	}
	if writeTimeout <= 0 {
		writeTimeout = 10 * time.Second
	}
	writer := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		WriteTimeout:           writeTimeout,
		AllowAutoTopicCreation: true,
	}
	return &Producer{writer: writer}, nil
}

// Send writes payload to topic keyed by key, so all deliveries of one event land on
// the same partition.
func (p *Producer) Send(ctx context.Context, topic, key string, payload []byte) error {
	err := p.writer.WriteMessages(ctx, kafka.Message{
		Topic: topic,
		Key:   []byte(key),
		Value: payload,
		Time:  time.Now(),
	})
	if err != nil {
		log.Printf("level=warn component=kafka_producer msg=\"write failed\" topic=%s key=%s err=%v", topic, key, err)
		return err
	}
	return nil
}

func (p *Producer) Close() {
	if err := p.writer.Close(); err != nil {
		log.Printf("level=warn component=kafka_producer msg=\"close failed\" err=%v", err)
	}
}
