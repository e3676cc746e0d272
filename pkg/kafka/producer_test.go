package kafka

import (
	"context"
	"errors"
	"testing"

	"github.com/segmentio/kafka-go"
)

type writerStub struct {
	messages []kafka.Message
	err      error
	closed   bool
}

func (w *writerStub) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	if w.err != nil {
		return w.err
	}
	w.messages = append(w.messages, msgs...)
	return nil
}

func (w *writerStub) Close() error {
	w.closed = true
	return nil
}

func TestProducerSend_SetsTopicAndKey(t *testing.T) {
	stub := &writerStub{}
	p := &Producer{writer: stub}

	if err := p.Send(context.Background(), "anchor.transaction.status_changed", "event-1", []byte(`{"id":"event-1"}`)); err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if len(stub.messages) != 1 {
		t.Fatalf("expected one message, got %d", len(stub.messages))
	}
	msg := stub.messages[0]
	if msg.Topic != "anchor.transaction.status_changed" || string(msg.Key) != "event-1" {
		t.Fatalf("unexpected message %+v", msg)
	}

	p.Close()
	if !stub.closed {
		t.Fatal("expected writer to be closed")
	}
}

func TestProducerSend_PropagatesError(t *testing.T) {
	p := &Producer{writer: &writerStub{err: errors.New("leader not available")}}
	if err := p.Send(context.Background(), "t", "k", nil); err == nil {
		t.Fatal("expected error")
	}
}

func TestNewProducer_RequiresBrokers(t *testing.T) {
	if _, err := NewProducer(nil, 0); err == nil {
		t.Fatal("expected error without brokers")
	}
}
