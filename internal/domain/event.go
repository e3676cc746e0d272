package domain

import (
	"time"

	"github.com/google/uuid"
)

// AnchorEventType names the kind of committed state change an event describes.
type AnchorEventType string

const (
	EventTransactionCreated       AnchorEventType = "transaction_created"
	EventTransactionStatusChanged AnchorEventType = "transaction_status_changed"
	EventTransactionError         AnchorEventType = "transaction_error"
)

// AnchorEvent is emitted once per committed custody transaction state change.
// Consumers de-duplicate by ID.
type AnchorEvent struct {
	ID          uuid.UUID           `json:"id"`
	Type        AnchorEventType     `json:"type"`
	Sep         string              `json:"sep"`
	Transaction *CustodyTransaction `json:"transaction"`
	CreatedAt   time.Time           `json:"created_at"`
}

// NewAnchorEvent snapshots the committed transaction into a new event.
func NewAnchorEvent(eventType AnchorEventType, txn *CustodyTransaction, now time.Time) AnchorEvent {
	return AnchorEvent{
		ID:          uuid.New(),
		Type:        eventType,
		Sep:         txn.Protocol,
		Transaction: txn.Clone(),
		CreatedAt:   now.UTC(),
	}
}

// EventTypeForStatus picks the event type describing a transition into status.
func EventTypeForStatus(status CustodyTransactionStatus) AnchorEventType {
	switch status {
	case CustodyStatusCreated:
		return EventTransactionCreated
	case CustodyStatusFailed:
		return EventTransactionError
	default:
		return EventTransactionStatusChanged
	}
}

// DeliveryChannel identifies one of the two independent event delivery targets.
type DeliveryChannel string

const (
	DeliveryChannelQueue    DeliveryChannel = "queue"
	DeliveryChannelCallback DeliveryChannel = "callback"
)

// PlatformNotification is the owning platform method an event maps to on the callback channel.
type PlatformNotification string

const (
	NotifyNone                 PlatformNotification = ""
	NotifyTransactionError     PlatformNotification = "notify_transaction_error"
	NotifyOnchainFundsReceived PlatformNotification = "notify_onchain_funds_received"
	NotifyOnchainFundsSent     PlatformNotification = "notify_onchain_funds_sent"
	NotifyRefundSent           PlatformNotification = "notify_refund_sent"
)

// PlatformNotificationFor maps a committed event to the platform callback it requires.
func PlatformNotificationFor(event AnchorEvent) PlatformNotification {
	txn := event.Transaction
	if txn == nil {
		return NotifyNone
	}
	switch txn.Status {
	case CustodyStatusFailed:
		return NotifyTransactionError
	case CustodyStatusRefundCompleted:
		return NotifyRefundSent
	case CustodyStatusCompleted:
		if txn.Direction == PaymentDirectionOut {
			return NotifyOnchainFundsSent
		}
		return NotifyOnchainFundsReceived
	default:
		return NotifyNone
	}
}

// ProviderState is the provider-side view of a transaction used by reconciliation.
type ProviderState string

const (
	ProviderStatePending   ProviderState = "pending"
	ProviderStateConfirmed ProviderState = "confirmed"
	ProviderStateFailed    ProviderState = "failed"
	ProviderStateUnknown   ProviderState = "unknown"
)

// ProviderStatus is returned by a rail adapter status query. Payment is set when the
// provider reports a settled movement that can drive the transition path.
type ProviderStatus struct {
	ProviderTxID string
	State        ProviderState
	Payment      *ObservedPayment
	Reason       string
}
