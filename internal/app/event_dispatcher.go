package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/transfa/custody-service/internal/domain"
	"github.com/transfa/custody-service/internal/store"
	"github.com/transfa/custody-service/pkg/platformclient"
)

const (
	defaultDispatchBatchSize       = 50
	defaultDispatchPollInterval    = 1200 * time.Millisecond
	defaultDispatchStaleProcessing = 2 * time.Minute
	defaultDispatchMaxAttempts     = 12
	defaultDeliveryTimeout         = 10 * time.Second
)

var errPermanentDelivery = errors.New("permanent delivery failure")

// QueueSender publishes a payload to a topic; the RabbitMQ and Kafka producers implement it.
type QueueSender interface {
	Send(ctx context.Context, topic, key string, payload []byte) error
}

// PlatformNotifier is the owning platform's callback API.
type PlatformNotifier interface {
	NotifyTransactionError(ctx context.Context, idempotencyKey string, params platformclient.TransactionErrorParams) error
	NotifyOnchainFundsReceived(ctx context.Context, idempotencyKey string, params platformclient.OnchainFundsReceivedParams) error
	NotifyOnchainFundsSent(ctx context.Context, idempotencyKey string, params platformclient.OnchainFundsSentParams) error
	NotifyRefundSent(ctx context.Context, idempotencyKey string, params platformclient.RefundSentParams) error
}

type DispatcherConfig struct {
	BatchSize       int
	PollInterval    time.Duration
	StaleProcessing time.Duration
	MaxAttempts     int
	DeliveryTimeout time.Duration
}

func (c DispatcherConfig) withDefaults() DispatcherConfig {
	if c.BatchSize <= 0 {
		c.BatchSize = defaultDispatchBatchSize
	}
	if c.PollInterval <= 0 {
		c.PollInterval = defaultDispatchPollInterval
	}
	if c.StaleProcessing <= 0 {
		c.StaleProcessing = defaultDispatchStaleProcessing
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = defaultDispatchMaxAttempts
	}
	if c.DeliveryTimeout <= 0 {
		c.DeliveryTimeout = defaultDeliveryTimeout
	}
	return c
}

type deliverFunc func(ctx context.Context, message store.OutboxMessage) error

// EventDispatcher drains the outbox rows of one delivery channel. Each channel runs its
// own dispatcher, so retries and dead-lettering on one never affect the other.
type EventDispatcher struct {
	repo    store.OutboxStore
	channel domain.DeliveryChannel
	deliver deliverFunc
	metrics *Metrics
	cfg     DispatcherConfig
}

// NewQueueDispatcher delivers events to the message queue, keyed by custody transaction id.
func NewQueueDispatcher(repo store.OutboxStore, sender QueueSender, metrics *Metrics, cfg DispatcherConfig) *EventDispatcher {
	return &EventDispatcher{
		repo:    repo,
		channel: domain.DeliveryChannelQueue,
		deliver: queueDelivery(sender),
		metrics: metrics,
		cfg:     cfg.withDefaults(),
	}
}

// NewCallbackDispatcher delivers events to the platform callback endpoint.
func NewCallbackDispatcher(repo store.OutboxStore, notifier PlatformNotifier, metrics *Metrics, cfg DispatcherConfig) *EventDispatcher {
	return &EventDispatcher{
		repo:    repo,
		channel: domain.DeliveryChannelCallback,
		deliver: callbackDelivery(notifier),
		metrics: metrics,
		cfg:     cfg.withDefaults(),
	}
}

func (d *EventDispatcher) Channel() domain.DeliveryChannel {
	return d.channel
}

func (d *EventDispatcher) Run(ctx context.Context) {
	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()

	log.Printf("level=info component=event_dispatcher msg=\"dispatcher started\" channel=%s", d.channel)
	for {
		select {
		case <-ctx.Done():
			log.Printf("level=info component=event_dispatcher msg=\"dispatcher stopped\" channel=%s", d.channel)
			return
		case <-ticker.C:
			if _, err := d.FlushOnce(ctx); err != nil {
				log.Printf("level=error component=event_dispatcher msg=\"outbox flush failed\" channel=%s err=%v", d.channel, err)
			}
		}
	}
}

// FlushOnce claims one batch and attempts each message once. It returns the number delivered.
func (d *EventDispatcher) FlushOnce(ctx context.Context) (int, error) {
	staleAfterSeconds := int(d.cfg.StaleProcessing.Seconds())
	messages, err := d.repo.ClaimOutboxMessages(ctx, d.channel, d.cfg.BatchSize, staleAfterSeconds)
	if err != nil {
		return 0, err
	}

	delivered := 0
	// A failed event holds back later events for the same transaction in this batch.
	blocked := make(map[string]int)
	for _, message := range messages {
		key := orderingKey(message)
		if delay, ok := blocked[key]; ok {
			d.markHeld(ctx, message, delay)
			continue
		}

		deliverCtx, cancel := context.WithTimeout(ctx, d.cfg.DeliveryTimeout)
		err := d.deliver(deliverCtx, message)
		cancel()
		if err != nil {
			delay := retryDelaySeconds(message.Attempts)
			maxAttempts := d.cfg.MaxAttempts
			if errors.Is(err, errPermanentDelivery) {
				maxAttempts = message.Attempts
			}
			d.markFailed(ctx, message, delay, maxAttempts, err)
			if key != "" {
				blocked[key] = delay
			}
			continue
		}

		if err := d.repo.MarkOutboxDelivered(ctx, message.ID); err != nil {
			log.Printf("level=error component=event_dispatcher msg=\"failed to mark message delivered\" channel=%s outbox_id=%d event_id=%s err=%v", d.channel, message.ID, message.EventID, err)
			continue
		}
		delivered++
		d.metrics.EventDelivery(string(d.channel), "delivered")
	}
	return delivered, nil
}

func (d *EventDispatcher) markFailed(ctx context.Context, message store.OutboxMessage, delaySeconds, maxAttempts int, cause error) {
	dead, err := d.repo.MarkOutboxFailed(ctx, message.ID, delaySeconds, maxAttempts, cause.Error())
	if err != nil {
		log.Printf("level=error component=event_dispatcher msg=\"failed to reschedule message\" channel=%s outbox_id=%d event_id=%s err=%v", d.channel, message.ID, message.EventID, err)
		return
	}
	if dead {
		d.metrics.EventDelivery(string(d.channel), "dead")
		log.Printf("level=error component=event_dispatcher msg=\"event delivery abandoned; replay required\" channel=%s event_id=%s type=%s target=%s attempts=%d err=%q",
			d.channel, message.EventID, message.EventType, message.Target, message.Attempts, cause.Error())
		return
	}
	d.metrics.EventDelivery(string(d.channel), "retry")
	log.Printf("level=warn component=event_dispatcher msg=\"event delivery failed; will retry\" channel=%s event_id=%s type=%s target=%s attempts=%d retry_in_s=%d err=%q",
		d.channel, message.EventID, message.EventType, message.Target, message.Attempts, delaySeconds, cause.Error())
}

// markHeld reschedules a message that was never attempted; it keeps its own retry budget.
func (d *EventDispatcher) markHeld(ctx context.Context, message store.OutboxMessage, delaySeconds int) {
	if err := d.repo.MarkOutboxHeld(ctx, message.ID, delaySeconds, "held behind an earlier failed event"); err != nil {
		log.Printf("level=error component=event_dispatcher msg=\"failed to hold message\" channel=%s outbox_id=%d event_id=%s err=%v", d.channel, message.ID, message.EventID, err)
		return
	}
	d.metrics.EventDelivery(string(d.channel), "held")
	log.Printf("level=info component=event_dispatcher msg=\"event held behind earlier failure\" channel=%s event_id=%s type=%s retry_in_s=%d", d.channel, message.EventID, message.EventType, delaySeconds)
}

func orderingKey(message store.OutboxMessage) string {
	var event domain.AnchorEvent
	if err := json.Unmarshal(message.Payload, &event); err != nil || event.Transaction == nil {
		return ""
	}
	return event.Transaction.ID.String()
}

func retryDelaySeconds(attempt int) int {
	if attempt < 1 {
		return 1
	}
	delay := 1 << min(attempt, 9)
	if delay > 300 {
		return 300
	}
	return delay
}

func queueDelivery(sender QueueSender) deliverFunc {
	return func(ctx context.Context, message store.OutboxMessage) error {
		key := orderingKey(message)
		if key == "" {
			key = message.EventID.String()
		}
		return sender.Send(ctx, message.Target, key, message.Payload)
	}
}

func callbackDelivery(notifier PlatformNotifier) deliverFunc {
	return func(ctx context.Context, message store.OutboxMessage) error {
		var event domain.AnchorEvent
		if err := json.Unmarshal(message.Payload, &event); err != nil {
			return fmt.Errorf("%w: decode event payload: %v", errPermanentDelivery, err)
		}
		txn := event.Transaction
		if txn == nil {
			return fmt.Errorf("%w: event %s has no transaction", errPermanentDelivery, event.ID)
		}

		idempotencyKey := txn.ID.String() + ":" + message.Target
		var err error
		switch domain.PlatformNotification(message.Target) {
		case domain.NotifyTransactionError:
			err = notifier.NotifyTransactionError(ctx, idempotencyKey, platformclient.TransactionErrorParams{
				TransactionID: txn.SepTxID,
				Message:       stringValue(txn.Message),
			})
		case domain.NotifyOnchainFundsReceived:
			err = notifier.NotifyOnchainFundsReceived(ctx, idempotencyKey, platformclient.OnchainFundsReceivedParams{
				TransactionID:        txn.SepTxID,
				StellarTransactionID: stringValue(txn.StellarTransactionID),
				AmountIn:             platformclient.NewAmount(txn.Amount, txn.Asset),
				Message:              "funds received",
			})
		case domain.NotifyOnchainFundsSent:
			err = notifier.NotifyOnchainFundsSent(ctx, idempotencyKey, platformclient.OnchainFundsSentParams{
				TransactionID:        txn.SepTxID,
				StellarTransactionID: stringValue(txn.StellarTransactionID),
				Message:              "funds sent",
			})
		case domain.NotifyRefundSent:
			refundID := stringValue(txn.StellarTransactionID)
			if refundID == "" {
				refundID = txn.ExternalTxIDValue()
			}
			err = notifier.NotifyRefundSent(ctx, idempotencyKey, platformclient.RefundSentParams{
				TransactionID: txn.SepTxID,
				Refund: &platformclient.RefundParams{
					ID:        refundID,
					Amount:    platformclient.Amount{Amount: txn.Amount.String(), Asset: txn.Asset},
					AmountFee: platformclient.Amount{Amount: txn.AmountFee.String(), Asset: txn.Asset},
				},
				Message: "refund sent",
			})
		default:
			return fmt.Errorf("%w: unknown callback method %q", errPermanentDelivery, message.Target)
		}
		return classifyCallbackError(err)
	}
}

// classifyCallbackError marks client errors other than timeouts and rate limits as permanent.
func classifyCallbackError(err error) error {
	if err == nil {
		return nil
	}
	var statusErr *platformclient.StatusError
	if errors.As(err, &statusErr) {
		code := statusErr.StatusCode
		if code >= 400 && code < 500 && code != http.StatusRequestTimeout && code != http.StatusTooManyRequests {
			return fmt.Errorf("%w: %v", errPermanentDelivery, err)
		}
	}
	return err
}

func stringValue(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}
