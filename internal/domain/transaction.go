/**
 * @description
 * This file defines the core domain models for the custody-service.
 * These structs represent the custody transaction lifecycle, the canonical payment
 * record produced by rail adapters, and the per-stream cursor owned by the observers.
 *
 * @notes
 * - Amounts are carried as `decimal.Decimal` because on-chain assets use up to seven
 *   decimal places and provider amounts arrive as strings.
 * - CustodyTransaction is only mutated through the transition table below.
 */

package domain

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// CustodyTransactionType distinguishes the original funds movement from a refund.
type CustodyTransactionType string

const (
	CustodyTransactionTypePayment CustodyTransactionType = "payment"
	CustodyTransactionTypeRefund  CustodyTransactionType = "refund"
)

// CustodyTransactionStatus is the lifecycle state of a custody transaction.
type CustodyTransactionStatus string

const (
	CustodyStatusCreated         CustodyTransactionStatus = "created"
	CustodyStatusSubmitted       CustodyTransactionStatus = "submitted"
	CustodyStatusCompleted       CustodyTransactionStatus = "completed"
	CustodyStatusFailed          CustodyTransactionStatus = "failed"
	CustodyStatusRefundSubmitted CustodyTransactionStatus = "refund_submitted"
	CustodyStatusRefundCompleted CustodyTransactionStatus = "refund_completed"
)

// IsTerminal reports whether no further transition may leave this status.
func (s CustodyTransactionStatus) IsTerminal() bool {
	switch s {
	case CustodyStatusCompleted, CustodyStatusFailed, CustodyStatusRefundCompleted:
		return true
	default:
		return false
	}
}

// NonTerminalCustodyStatuses lists the statuses the reconciliation sweep looks at.
var NonTerminalCustodyStatuses = []CustodyTransactionStatus{
	CustodyStatusCreated,
	CustodyStatusSubmitted,
	CustodyStatusRefundSubmitted,
}

var custodyTransitions = map[CustodyTransactionType]map[CustodyTransactionStatus][]CustodyTransactionStatus{
	CustodyTransactionTypePayment: {
		CustodyStatusCreated:   {CustodyStatusSubmitted, CustodyStatusCompleted, CustodyStatusFailed},
		CustodyStatusSubmitted: {CustodyStatusCompleted, CustodyStatusFailed},
	},
	CustodyTransactionTypeRefund: {
		CustodyStatusCreated:         {CustodyStatusRefundSubmitted, CustodyStatusRefundCompleted, CustodyStatusFailed},
		CustodyStatusRefundSubmitted: {CustodyStatusRefundCompleted, CustodyStatusFailed},
	},
}

// CanTransition reports whether the transition table allows from -> to for the given type.
func CanTransition(typ CustodyTransactionType, from, to CustodyTransactionStatus) bool {
	for _, allowed := range custodyTransitions[typ][from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// SubmittedStatusFor returns the in-flight status for a transaction type.
func SubmittedStatusFor(typ CustodyTransactionType) CustodyTransactionStatus {
	if typ == CustodyTransactionTypeRefund {
		return CustodyStatusRefundSubmitted
	}
	return CustodyStatusSubmitted
}

// CompletedStatusFor returns the successful terminal status for a transaction type.
func CompletedStatusFor(typ CustodyTransactionType) CustodyTransactionStatus {
	if typ == CustodyTransactionTypeRefund {
		return CustodyStatusRefundCompleted
	}
	return CustodyStatusCompleted
}

// PaymentDirection is relative to the anchor's custody account.
type PaymentDirection string

const (
	PaymentDirectionIn  PaymentDirection = "in"
	PaymentDirectionOut PaymentDirection = "out"
)

// CustodyTransaction is the internally tracked record of a custodial funds movement.
// This struct maps directly to the `custody_transactions` table in the database.
type CustodyTransaction struct {
	ID                         uuid.UUID                `json:"id"`
	SepTxID                    string                   `json:"sep_tx_id"`
	Protocol                   string                   `json:"protocol"`
	Type                       CustodyTransactionType   `json:"type"`
	Direction                  PaymentDirection         `json:"direction"`
	Status                     CustodyTransactionStatus `json:"status"`
	Rail                       string                   `json:"rail"`
	Asset                      string                   `json:"asset"`
	Amount                     decimal.Decimal          `json:"amount"`
	AmountFee                  decimal.Decimal          `json:"amount_fee"`
	FromAccount                string                   `json:"from_account,omitempty"`
	ToAccount                  string                   `json:"to_account,omitempty"`
	Memo                       string                   `json:"memo,omitempty"`
	MemoType                   string                   `json:"memo_type,omitempty"`
	ExternalTxID               *string                  `json:"external_tx_id,omitempty"`
	StellarTransactionID       *string                  `json:"stellar_transaction_id,omitempty"`
	Message                    *string                  `json:"message,omitempty"`
	ReconciliationAttemptCount int                      `json:"reconciliation_attempt_count"`
	Version                    int64                    `json:"version"`
	CreatedAt                  time.Time                `json:"created_at"`
	UpdatedAt                  time.Time                `json:"updated_at"`
	CompletedAt                *time.Time               `json:"completed_at,omitempty"`
}

// Clone returns a deep copy so callers can build a new state without touching the stored one.
func (t *CustodyTransaction) Clone() *CustodyTransaction {
	if t == nil {
		return nil
	}
	c := *t
	c.ExternalTxID = cloneString(t.ExternalTxID)
	c.StellarTransactionID = cloneString(t.StellarTransactionID)
	c.Message = cloneString(t.Message)
	if t.CompletedAt != nil {
		completedAt := *t.CompletedAt
		c.CompletedAt = &completedAt
	}
	return &c
}

// ExternalTxIDValue returns the provider transaction id or an empty string.
func (t *CustodyTransaction) ExternalTxIDValue() string {
	if t == nil || t.ExternalTxID == nil {
		return ""
	}
	return *t.ExternalTxID
}

func cloneString(v *string) *string {
	if v == nil {
		return nil
	}
	s := *v
	return &s
}

// CreateCustodyTransactionRequest is the DTO used to allocate a custody transaction
// for a SEP transaction. It is received from the platform over RabbitMQ or the CLI.
type CreateCustodyTransactionRequest struct {
	SepTxID     string                 `json:"sep_tx_id"`
	Protocol    string                 `json:"protocol"`
	Type        CustodyTransactionType `json:"type"`
	Direction   PaymentDirection       `json:"direction"`
	Rail        string                 `json:"rail"`
	Asset       string                 `json:"asset"`
	Amount      string                 `json:"amount"`
	AmountFee   string                 `json:"amount_fee"`
	FromAccount string                 `json:"from_account"`
	ToAccount   string                 `json:"to_account"`
	Memo        string                 `json:"memo"`
	MemoType    string                 `json:"memo_type"`
}

// SubmitCustodyTransactionRequest tells the engine which provider transaction carries a custody transaction.
type SubmitCustodyTransactionRequest struct {
	SepTxID      string                 `json:"sep_tx_id"`
	Type         CustodyTransactionType `json:"type"`
	ExternalTxID string                 `json:"external_tx_id"`
}

// PaymentStatus is the provider-reported outcome carried on an observed payment.
type PaymentStatus string

const (
	PaymentStatusSuccess PaymentStatus = "success"
	PaymentStatusError   PaymentStatus = "error"
	PaymentStatusPending PaymentStatus = "pending"
)

// ObservedPayment is the canonical, provider-agnostic representation of a single
// funds-movement record. It is produced by rail adapters and never persisted.
type ObservedPayment struct {
	ID                 string           `json:"id"`
	Rail               string           `json:"rail"`
	ExternalTxID       string           `json:"external_tx_id"`
	Direction          PaymentDirection `json:"direction"`
	Status             PaymentStatus    `json:"status"`
	Amount             decimal.Decimal  `json:"amount"`
	Asset              string           `json:"asset"`
	SourceAddress      string           `json:"source_address"`
	DestinationAddress string           `json:"destination_address"`
	Memo               string           `json:"memo"`
	MemoType           string           `json:"memo_type"`
	TransactionHash    string           `json:"transaction_hash"`
	Message            string           `json:"message,omitempty"`
	ObservedAt         time.Time        `json:"observed_at"`
}

// CursorState is the last fully processed position of one observed stream.
type CursorState struct {
	StreamID  string    `json:"stream_id"`
	Cursor    string    `json:"cursor"`
	UpdatedAt time.Time `json:"updated_at"`
}

// IsEmpty reports whether the stream has never been advanced.
func (c CursorState) IsEmpty() bool {
	return strings.TrimSpace(c.Cursor) == ""
}
