/**
 * @description
 * This file defines the repository interfaces for the custody-service. The observers,
 * the custody state machine and the event dispatchers only depend on these contracts,
 * so the PostgreSQL implementation can be swapped for the in-memory one in tests and
 * local development.
 *
 * @dependencies
 * - context, time: Standard Go libraries.
 * - github.com/google/uuid: For UUID handling.
 * - internal/domain: For the service's domain models.
 */

package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/transfa/custody-service/internal/domain"
)

var (
	ErrCustodyTransactionNotFound = errors.New("custody transaction not found")
	ErrVersionConflict            = errors.New("custody transaction version conflict")
	ErrPaymentAlreadyApplied      = errors.New("observed payment already applied to custody transaction")
	ErrOutboxMessageNotFound      = errors.New("outbox message not found")
)

const (
	OutboxStatusPending    = "pending"
	OutboxStatusProcessing = "processing"
	OutboxStatusDelivered  = "delivered"
	OutboxStatusDead       = "dead"
)

// OutboxMessage is one delivery of one event on one channel. Each channel keeps its
// own attempts and schedule so a failing sink never holds back the other.
type OutboxMessage struct {
	ID            int64
	EventID       uuid.UUID
	EventType     domain.AnchorEventType
	Channel       domain.DeliveryChannel
	Target        string
	Payload       []byte
	Attempts      int
	Status        string
	LastError     *string
	NextAttemptAt time.Time
	CreatedAt     time.Time
}

// CustodyTransactionUpdate is a compare-and-swap request. Transaction carries the new
// state, ExpectedVersion the version it was derived from. AppliedPaymentID, when set,
// is recorded atomically as the de-duplication key for the transition, and Outbox rows
// are written in the same database transaction as the state change.
type CustodyTransactionUpdate struct {
	Transaction      *domain.CustodyTransaction
	ExpectedVersion  int64
	AppliedPaymentID string
	Outbox           []OutboxMessage
}

// CursorStore persists the last processed position per observed stream.
type CursorStore interface {
	LoadCursor(ctx context.Context, streamID string) (domain.CursorState, error)
	SaveCursor(ctx context.Context, state domain.CursorState) error
	ListCursors(ctx context.Context) ([]domain.CursorState, error)
}

// CustodyTransactionStore owns the custody transaction records.
type CustodyTransactionStore interface {
	// CreateCustodyTransaction inserts txn unless a record with the same sep_tx_id and type
	// exists, in which case the existing record is returned with created=false.
	CreateCustodyTransaction(ctx context.Context, txn *domain.CustodyTransaction, outbox []OutboxMessage) (stored *domain.CustodyTransaction, created bool, err error)
	GetCustodyTransaction(ctx context.Context, id uuid.UUID) (*domain.CustodyTransaction, error)
	FindCustodyTransactionBySepTxID(ctx context.Context, sepTxID string, typ domain.CustodyTransactionType) (*domain.CustodyTransaction, error)
	FindCustodyTransactionByExternalTxID(ctx context.Context, externalTxID string) (*domain.CustodyTransaction, error)
	// FindInboundCustodyTransaction returns the most recent non-terminal inbound
	// transaction expecting funds at toAccount with the given memo.
	FindInboundCustodyTransaction(ctx context.Context, toAccount, memo string) (*domain.CustodyTransaction, error)
	CompareAndSwapCustodyTransaction(ctx context.Context, update CustodyTransactionUpdate) (*domain.CustodyTransaction, error)
	HasAppliedPayment(ctx context.Context, id uuid.UUID, paymentID string) (bool, error)
	ListStaleCustodyTransactions(ctx context.Context, olderThan time.Time, limit int) ([]domain.CustodyTransaction, error)
}

// OutboxStore backs the event dispatchers.
type OutboxStore interface {
	EnqueueOutboxMessages(ctx context.Context, messages []OutboxMessage) error
	ClaimOutboxMessages(ctx context.Context, channel domain.DeliveryChannel, limit int, staleAfterSeconds int) ([]OutboxMessage, error)
	MarkOutboxDelivered(ctx context.Context, id int64) error
	// MarkOutboxFailed reschedules the message, or moves it to dead once attempts reach maxAttempts.
	MarkOutboxFailed(ctx context.Context, id int64, retryAfterSeconds int, maxAttempts int, lastError string) (dead bool, err error)
	// MarkOutboxHeld reschedules a message that was claimed but not attempted, returning its claim attempt.
	MarkOutboxHeld(ctx context.Context, id int64, retryAfterSeconds int, reason string) error
	RequeueOutboxEvent(ctx context.Context, eventID uuid.UUID) (int, error)
	ListOutboxMessagesByEvent(ctx context.Context, eventID uuid.UUID) ([]OutboxMessage, error)
}

// Repository defines the full set of methods for interacting with the database.
type Repository interface {
	CursorStore
	CustodyTransactionStore
	OutboxStore
}
