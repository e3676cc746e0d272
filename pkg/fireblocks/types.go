package fireblocks

import "strings"

// Transaction statuses reported by the provider.
const (
	StatusSubmitted            = "SUBMITTED"
	StatusQueued               = "QUEUED"
	StatusPendingAuthorization = "PENDING_AUTHORIZATION"
	StatusPendingSignature     = "PENDING_SIGNATURE"
	StatusBroadcasting         = "BROADCASTING"
	StatusConfirming           = "CONFIRMING"
	StatusCompleted            = "COMPLETED"
	StatusCancelled            = "CANCELLED"
	StatusRejected             = "REJECTED"
	StatusBlocked              = "BLOCKED"
	StatusFailed               = "FAILED"
)

// Webhook event types.
const (
	EventTransactionCreated       = "TRANSACTION_CREATED"
	EventTransactionStatusUpdated = "TRANSACTION_STATUS_UPDATED"
)

const PeerTypeVaultAccount = "VAULT_ACCOUNT"

// TransferPeerPath identifies a source or destination of a provider transaction.
type TransferPeerPath struct {
	Type string `json:"type"`
	ID   string `json:"id"`
	Name string `json:"name"`
}

// AmountInfo carries the decimal amounts of a transaction as strings.
type AmountInfo struct {
	Amount          string `json:"amount"`
	RequestedAmount string `json:"requestedAmount"`
	NetAmount       string `json:"netAmount"`
	AmountUSD       string `json:"amountUSD"`
}

// TransactionDetails is the provider's transaction resource.
type TransactionDetails struct {
	ID                 string           `json:"id"`
	ExternalTxID       string           `json:"externalTxId"`
	Status             string           `json:"status"`
	SubStatus          string           `json:"subStatus"`
	TxHash             string           `json:"txHash"`
	Operation          string           `json:"operation"`
	AssetID            string           `json:"assetId"`
	Source             TransferPeerPath `json:"source"`
	Destination        TransferPeerPath `json:"destination"`
	SourceAddress      string           `json:"sourceAddress"`
	DestinationAddress string           `json:"destinationAddress"`
	DestinationTag     string           `json:"destinationTag"`
	AmountInfo         AmountInfo       `json:"amountInfo"`
	CreatedAt          int64            `json:"createdAt"`
	LastUpdated        int64            `json:"lastUpdated"`
}

// WebhookEvent is the envelope of every provider push notification.
type WebhookEvent struct {
	Type      string             `json:"type"`
	TenantID  string             `json:"tenantId"`
	Timestamp int64              `json:"timestamp"`
	Data      TransactionDetails `json:"data"`
}

// IsCompleted reports a successfully settled transaction.
func IsCompleted(status string) bool {
	return strings.EqualFold(strings.TrimSpace(status), StatusCompleted)
}

// IsFailed reports a terminal, unsuccessful transaction.
func IsFailed(status string) bool {
	switch strings.ToUpper(strings.TrimSpace(status)) {
	case StatusCancelled, StatusRejected, StatusBlocked, StatusFailed:
		return true
	default:
		return false
	}
}

// IsTransactionEvent reports whether the webhook type concerns a transaction.
func IsTransactionEvent(eventType string) bool {
	switch strings.ToUpper(strings.TrimSpace(eventType)) {
	case EventTransactionCreated, EventTransactionStatusUpdated:
		return true
	default:
		return false
	}
}
