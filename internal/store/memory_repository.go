package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/transfa/custody-service/internal/domain"
)

// MemoryRepository implements Repository in process memory. It is selected with
// STORE_DRIVER=memory for local runs and backs the package tests of the engine.
// All state is lost on restart.
type MemoryRepository struct {
	mu       sync.Mutex
	now      func() time.Time
	txns     map[uuid.UUID]*domain.CustodyTransaction
	applied  map[uuid.UUID]map[string]struct{}
	cursors  map[string]domain.CursorState
	outbox   []*memoryOutboxRow
	outboxID int64
}

type memoryOutboxRow struct {
	message             OutboxMessage
	processingStartedAt time.Time
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		now:     func() time.Time { return time.Now().UTC() },
		txns:    make(map[uuid.UUID]*domain.CustodyTransaction),
		applied: make(map[uuid.UUID]map[string]struct{}),
		cursors: make(map[string]domain.CursorState),
	}
}

// SetClock overrides the time source used for outbox scheduling.
func (r *MemoryRepository) SetClock(now func() time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.now = now
}

func (r *MemoryRepository) CreateCustodyTransaction(ctx context.Context, txn *domain.CustodyTransaction, outbox []OutboxMessage) (*domain.CustodyTransaction, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, existing := range r.txns {
		if existing.SepTxID == txn.SepTxID && existing.Type == txn.Type {
			return existing.Clone(), false, nil
		}
	}

	stored := txn.Clone()
	stored.Version = 1
	stored.UpdatedAt = stored.CreatedAt
	r.txns[stored.ID] = stored
	r.appendOutboxLocked(outbox)
	return stored.Clone(), true, nil
}

func (r *MemoryRepository) GetCustodyTransaction(ctx context.Context, id uuid.UUID) (*domain.CustodyTransaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	txn, ok := r.txns[id]
	if !ok {
		return nil, ErrCustodyTransactionNotFound
	}
	return txn.Clone(), nil
}

func (r *MemoryRepository) FindCustodyTransactionBySepTxID(ctx context.Context, sepTxID string, typ domain.CustodyTransactionType) (*domain.CustodyTransaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, txn := range r.txns {
		if txn.SepTxID == sepTxID && txn.Type == typ {
			return txn.Clone(), nil
		}
	}
	return nil, ErrCustodyTransactionNotFound
}

func (r *MemoryRepository) FindCustodyTransactionByExternalTxID(ctx context.Context, externalTxID string) (*domain.CustodyTransaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var match *domain.CustodyTransaction
	for _, txn := range r.txns {
		if txn.ExternalTxIDValue() != externalTxID {
			continue
		}
		if match == nil || txn.CreatedAt.After(match.CreatedAt) {
			match = txn
		}
	}
	if match == nil {
		return nil, ErrCustodyTransactionNotFound
	}
	return match.Clone(), nil
}

func (r *MemoryRepository) FindInboundCustodyTransaction(ctx context.Context, toAccount, memo string) (*domain.CustodyTransaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var match *domain.CustodyTransaction
	for _, txn := range r.txns {
		if txn.Direction != domain.PaymentDirectionIn || txn.Status.IsTerminal() {
			continue
		}
		if txn.ToAccount != toAccount || txn.Memo != memo {
			continue
		}
		if match == nil || txn.CreatedAt.After(match.CreatedAt) {
			match = txn
		}
	}
	if match == nil {
		return nil, ErrCustodyTransactionNotFound
	}
	return match.Clone(), nil
}

func (r *MemoryRepository) CompareAndSwapCustodyTransaction(ctx context.Context, update CustodyTransactionUpdate) (*domain.CustodyTransaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	next := update.Transaction
	current, ok := r.txns[next.ID]
	if !ok {
		return nil, ErrCustodyTransactionNotFound
	}
	if current.Version != update.ExpectedVersion {
		return nil, ErrVersionConflict
	}

	paymentID := strings.TrimSpace(update.AppliedPaymentID)
	if paymentID != "" {
		if _, seen := r.applied[next.ID][paymentID]; seen {
			return nil, ErrPaymentAlreadyApplied
		}
	}

	stored := next.Clone()
	stored.Version = current.Version + 1
	stored.SepTxID = current.SepTxID
	stored.Type = current.Type
	stored.CreatedAt = current.CreatedAt
	r.txns[next.ID] = stored

	if paymentID != "" {
		if r.applied[next.ID] == nil {
			r.applied[next.ID] = make(map[string]struct{})
		}
		r.applied[next.ID][paymentID] = struct{}{}
	}
	r.appendOutboxLocked(update.Outbox)
	return stored.Clone(), nil
}

func (r *MemoryRepository) HasAppliedPayment(ctx context.Context, id uuid.UUID, paymentID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, seen := r.applied[id][paymentID]
	return seen, nil
}

func (r *MemoryRepository) ListStaleCustodyTransactions(ctx context.Context, olderThan time.Time, limit int) ([]domain.CustodyTransaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var stale []domain.CustodyTransaction
	for _, txn := range r.txns {
		if txn.Status.IsTerminal() || !txn.UpdatedAt.Before(olderThan) {
			continue
		}
		stale = append(stale, *txn.Clone())
	}
	sort.Slice(stale, func(i, j int) bool { return stale[i].UpdatedAt.Before(stale[j].UpdatedAt) })
	if limit > 0 && len(stale) > limit {
		stale = stale[:limit]
	}
	return stale, nil
}

func (r *MemoryRepository) LoadCursor(ctx context.Context, streamID string) (domain.CursorState, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if state, ok := r.cursors[streamID]; ok {
		return state, nil
	}
	return domain.CursorState{StreamID: streamID}, nil
}

func (r *MemoryRepository) SaveCursor(ctx context.Context, state domain.CursorState) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if state.UpdatedAt.IsZero() {
		state.UpdatedAt = r.now()
	}
	r.cursors[state.StreamID] = state
	return nil
}

func (r *MemoryRepository) ListCursors(ctx context.Context) ([]domain.CursorState, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cursors := make([]domain.CursorState, 0, len(r.cursors))
	for _, state := range r.cursors {
		cursors = append(cursors, state)
	}
	sort.Slice(cursors, func(i, j int) bool { return cursors[i].StreamID < cursors[j].StreamID })
	return cursors, nil
}

func (r *MemoryRepository) EnqueueOutboxMessages(ctx context.Context, messages []OutboxMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.appendOutboxLocked(messages)
	return nil
}

func (r *MemoryRepository) appendOutboxLocked(messages []OutboxMessage) {
	now := r.now()
	for _, message := range messages {
		duplicate := false
		for _, row := range r.outbox {
			if row.message.EventID == message.EventID && row.message.Channel == message.Channel {
				duplicate = true
				break
			}
		}
		if duplicate {
			continue
		}
		r.outboxID++
		message.ID = r.outboxID
		message.Status = OutboxStatusPending
		message.Attempts = 0
		message.NextAttemptAt = now
		message.CreatedAt = now
		r.outbox = append(r.outbox, &memoryOutboxRow{message: message})
	}
}

func (r *MemoryRepository) ClaimOutboxMessages(ctx context.Context, channel domain.DeliveryChannel, limit int, staleAfterSeconds int) ([]OutboxMessage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if limit <= 0 {
		limit = 50
	}
	if staleAfterSeconds <= 0 {
		staleAfterSeconds = 120
	}
	now := r.now()
	staleBefore := now.Add(-time.Duration(staleAfterSeconds) * time.Second)

	var claimed []OutboxMessage
	for _, row := range r.outbox {
		if len(claimed) >= limit {
			break
		}
		if row.message.Channel != channel {
			continue
		}
		due := row.message.Status == OutboxStatusPending && !row.message.NextAttemptAt.After(now)
		stale := row.message.Status == OutboxStatusProcessing && row.processingStartedAt.Before(staleBefore)
		if !due && !stale {
			continue
		}
		row.message.Status = OutboxStatusProcessing
		row.message.Attempts++
		row.processingStartedAt = now
		claimed = append(claimed, row.message)
	}
	return claimed, nil
}

func (r *MemoryRepository) MarkOutboxDelivered(ctx context.Context, id int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	row := r.findOutboxLocked(id)
	if row == nil {
		return ErrOutboxMessageNotFound
	}
	row.message.Status = OutboxStatusDelivered
	row.message.LastError = nil
	return nil
}

func (r *MemoryRepository) MarkOutboxFailed(ctx context.Context, id int64, retryAfterSeconds int, maxAttempts int, lastError string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	row := r.findOutboxLocked(id)
	if row == nil {
		return false, ErrOutboxMessageNotFound
	}
	if retryAfterSeconds < 1 {
		retryAfterSeconds = 1
	}
	row.message.LastError = &lastError
	row.message.NextAttemptAt = r.now().Add(time.Duration(retryAfterSeconds) * time.Second)
	if maxAttempts > 0 && row.message.Attempts >= maxAttempts {
		row.message.Status = OutboxStatusDead
		return true, nil
	}
	row.message.Status = OutboxStatusPending
	return false, nil
}

func (r *MemoryRepository) MarkOutboxHeld(ctx context.Context, id int64, retryAfterSeconds int, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	row := r.findOutboxLocked(id)
	if row == nil {
		return ErrOutboxMessageNotFound
	}
	if retryAfterSeconds < 1 {
		retryAfterSeconds = 1
	}
	if row.message.Attempts > 0 {
		row.message.Attempts--
	}
	row.message.LastError = &reason
	row.message.NextAttemptAt = r.now().Add(time.Duration(retryAfterSeconds) * time.Second)
	row.message.Status = OutboxStatusPending
	return nil
}

func (r *MemoryRepository) RequeueOutboxEvent(ctx context.Context, eventID uuid.UUID) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	count := 0
	for _, row := range r.outbox {
		if row.message.EventID != eventID || row.message.Status == OutboxStatusDelivered {
			continue
		}
		row.message.Status = OutboxStatusPending
		row.message.Attempts = 0
		row.message.NextAttemptAt = r.now()
		count++
	}
	return count, nil
}

func (r *MemoryRepository) ListOutboxMessagesByEvent(ctx context.Context, eventID uuid.UUID) ([]OutboxMessage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var messages []OutboxMessage
	for _, row := range r.outbox {
		if row.message.EventID == eventID {
			messages = append(messages, row.message)
		}
	}
	return messages, nil
}

// OutboxMessages returns a snapshot of every outbox row, oldest first.
func (r *MemoryRepository) OutboxMessages() []OutboxMessage {
	r.mu.Lock()
	defer r.mu.Unlock()

	messages := make([]OutboxMessage, 0, len(r.outbox))
	for _, row := range r.outbox {
		messages = append(messages, row.message)
	}
	return messages
}

func (r *MemoryRepository) findOutboxLocked(id int64) *memoryOutboxRow {
	for _, row := range r.outbox {
		if row.message.ID == id {
			return row
		}
	}
	return nil
}
