/**
 * @description
 * This file provides the PostgreSQL implementation of the `Repository` interface.
 * It contains the SQL for custody transactions (optimistic versioning and the
 * sep_tx_id/type uniqueness key), applied-payment de-duplication, observer cursors
 * and the event outbox.
 *
 * @dependencies
 * - github.com/jackc/pgx/v5: The PostgreSQL driver for database operations.
 * - internal/domain: Contains the domain models used for data transfer.
 */

package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"github.com/transfa/custody-service/internal/domain"
)

// PostgresRepository is a concrete implementation of the Repository interface for PostgreSQL.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository creates a new instance of PostgresRepository.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

const custodyTransactionColumns = `
	id, sep_tx_id, protocol, type, direction, status, rail, asset,
	amount::text, amount_fee::text, from_account, to_account, memo, memo_type,
	external_tx_id, stellar_transaction_id, message, reconciliation_attempt_count,
	version, created_at, updated_at, completed_at`

func scanCustodyTransaction(row pgx.Row) (*domain.CustodyTransaction, error) {
	var (
		txn               domain.CustodyTransaction
		typ, dir, status  string
		amountRaw, feeRaw string
	)
	err := row.Scan(
		&txn.ID,
		&txn.SepTxID,
		&txn.Protocol,
		&typ,
		&dir,
		&status,
		&txn.Rail,
		&txn.Asset,
		&amountRaw,
		&feeRaw,
		&txn.FromAccount,
		&txn.ToAccount,
		&txn.Memo,
		&txn.MemoType,
		&txn.ExternalTxID,
		&txn.StellarTransactionID,
		&txn.Message,
		&txn.ReconciliationAttemptCount,
		&txn.Version,
		&txn.CreatedAt,
		&txn.UpdatedAt,
		&txn.CompletedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrCustodyTransactionNotFound
		}
		return nil, err
	}
	txn.Type = domain.CustodyTransactionType(typ)
	txn.Direction = domain.PaymentDirection(dir)
	txn.Status = domain.CustodyTransactionStatus(status)
	if txn.Amount, err = decimal.NewFromString(amountRaw); err != nil {
		return nil, fmt.Errorf("parse amount for custody transaction %s: %w", txn.ID, err)
	}
	if txn.AmountFee, err = decimal.NewFromString(feeRaw); err != nil {
		return nil, fmt.Errorf("parse amount_fee for custody transaction %s: %w", txn.ID, err)
	}
	return &txn, nil
}

// CreateCustodyTransaction inserts a custody transaction keyed by (sep_tx_id, type).
func (r *PostgresRepository) CreateCustodyTransaction(ctx context.Context, txn *domain.CustodyTransaction, outbox []OutboxMessage) (*domain.CustodyTransaction, bool, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, false, err
	}
	defer tx.Rollback(ctx)

	query := `
		INSERT INTO custody_transactions (
			id, sep_tx_id, protocol, type, direction, status, rail, asset,
			amount, amount_fee, from_account, to_account, memo, memo_type,
			external_tx_id, reconciliation_attempt_count, version, created_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9::numeric, $10::numeric, $11, $12, $13, $14, $15, 0, 1, $16, $16)
		ON CONFLICT (sep_tx_id, type) DO NOTHING
		RETURNING ` + custodyTransactionColumns

	stored, err := scanCustodyTransaction(tx.QueryRow(ctx, query,
		txn.ID,
		txn.SepTxID,
		txn.Protocol,
		string(txn.Type),
		string(txn.Direction),
		string(txn.Status),
		txn.Rail,
		txn.Asset,
		txn.Amount.String(),
		txn.AmountFee.String(),
		txn.FromAccount,
		txn.ToAccount,
		txn.Memo,
		txn.MemoType,
		txn.ExternalTxID,
		txn.CreatedAt,
	))
	if errors.Is(err, ErrCustodyTransactionNotFound) {
		existing, findErr := r.FindCustodyTransactionBySepTxID(ctx, txn.SepTxID, txn.Type)
		if findErr != nil {
			return nil, false, fmt.Errorf("load existing custody transaction: %w", findErr)
		}
		return existing, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	if err := insertOutboxMessages(ctx, tx, outbox); err != nil {
		return nil, false, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, false, err
	}
	return stored, true, nil
}

// GetCustodyTransaction loads a custody transaction by its internal id.
func (r *PostgresRepository) GetCustodyTransaction(ctx context.Context, id uuid.UUID) (*domain.CustodyTransaction, error) {
	query := `SELECT ` + custodyTransactionColumns + ` FROM custody_transactions WHERE id = $1`
	return scanCustodyTransaction(r.db.QueryRow(ctx, query, id))
}

func (r *PostgresRepository) FindCustodyTransactionBySepTxID(ctx context.Context, sepTxID string, typ domain.CustodyTransactionType) (*domain.CustodyTransaction, error) {
	query := `SELECT ` + custodyTransactionColumns + ` FROM custody_transactions WHERE sep_tx_id = $1 AND type = $2`
	return scanCustodyTransaction(r.db.QueryRow(ctx, query, sepTxID, string(typ)))
}

func (r *PostgresRepository) FindCustodyTransactionByExternalTxID(ctx context.Context, externalTxID string) (*domain.CustodyTransaction, error) {
	query := `
		SELECT ` + custodyTransactionColumns + `
		FROM custody_transactions
		WHERE external_tx_id = $1
		ORDER BY created_at DESC
		LIMIT 1`
	return scanCustodyTransaction(r.db.QueryRow(ctx, query, externalTxID))
}

func (r *PostgresRepository) FindInboundCustodyTransaction(ctx context.Context, toAccount, memo string) (*domain.CustodyTransaction, error) {
	query := `
		SELECT ` + custodyTransactionColumns + `
		FROM custody_transactions
		WHERE to_account = $1
		  AND memo = $2
		  AND direction = 'in'
		  AND status = ANY($3)
		ORDER BY created_at DESC
		LIMIT 1`
	return scanCustodyTransaction(r.db.QueryRow(ctx, query, toAccount, memo, nonTerminalStatusStrings()))
}

// CompareAndSwapCustodyTransaction applies update only if the stored version still
// equals update.ExpectedVersion. The applied-payment key and outbox rows commit with it.
func (r *PostgresRepository) CompareAndSwapCustodyTransaction(ctx context.Context, update CustodyTransactionUpdate) (*domain.CustodyTransaction, error) {
	next := update.Transaction
	if next == nil {
		return nil, errors.New("custody transaction update requires a transaction")
	}

	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	query := `
		UPDATE custody_transactions
		SET status = $3,
			external_tx_id = $4,
			stellar_transaction_id = $5,
			message = $6,
			reconciliation_attempt_count = $7,
			completed_at = $8,
			updated_at = $9,
			version = version + 1
		WHERE id = $1 AND version = $2
		RETURNING ` + custodyTransactionColumns

	stored, err := scanCustodyTransaction(tx.QueryRow(ctx, query,
		next.ID,
		update.ExpectedVersion,
		string(next.Status),
		next.ExternalTxID,
		next.StellarTransactionID,
		next.Message,
		next.ReconciliationAttemptCount,
		next.CompletedAt,
		next.UpdatedAt,
	))
	if errors.Is(err, ErrCustodyTransactionNotFound) {
		var exists bool
		if existsErr := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM custody_transactions WHERE id = $1)`, next.ID).Scan(&exists); existsErr != nil {
			return nil, existsErr
		}
		if exists {
			return nil, ErrVersionConflict
		}
		return nil, ErrCustodyTransactionNotFound
	}
	if err != nil {
		return nil, err
	}

	if paymentID := strings.TrimSpace(update.AppliedPaymentID); paymentID != "" {
		tag, err := tx.Exec(ctx, `
			INSERT INTO custody_applied_payments (custody_transaction_id, payment_id, applied_at)
			VALUES ($1, $2, $3)
			ON CONFLICT (custody_transaction_id, payment_id) DO NOTHING
		`, next.ID, paymentID, next.UpdatedAt)
		if err != nil {
			return nil, err
		}
		if tag.RowsAffected() == 0 {
			return nil, ErrPaymentAlreadyApplied
		}
	}

	if err := insertOutboxMessages(ctx, tx, update.Outbox); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return stored, nil
}

func (r *PostgresRepository) HasAppliedPayment(ctx context.Context, id uuid.UUID, paymentID string) (bool, error) {
	var exists bool
	err := r.db.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM custody_applied_payments
			WHERE custody_transaction_id = $1 AND payment_id = $2
		)
	`, id, paymentID).Scan(&exists)
	return exists, err
}

// ListStaleCustodyTransactions returns non-terminal transactions not updated since olderThan.
func (r *PostgresRepository) ListStaleCustodyTransactions(ctx context.Context, olderThan time.Time, limit int) ([]domain.CustodyTransaction, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `
		SELECT ` + custodyTransactionColumns + `
		FROM custody_transactions
		WHERE status = ANY($1)
		  AND updated_at < $2
		ORDER BY updated_at ASC
		LIMIT $3`
	rows, err := r.db.Query(ctx, query, nonTerminalStatusStrings(), olderThan, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := make([]domain.CustodyTransaction, 0, limit)
	for rows.Next() {
		txn, err := scanCustodyTransaction(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, *txn)
	}
	return items, rows.Err()
}

// LoadCursor returns an empty CursorState when the stream has no stored position.
func (r *PostgresRepository) LoadCursor(ctx context.Context, streamID string) (domain.CursorState, error) {
	state := domain.CursorState{StreamID: streamID}
	err := r.db.QueryRow(ctx, `
		SELECT cursor, updated_at FROM stream_cursors WHERE stream_id = $1
	`, streamID).Scan(&state.Cursor, &state.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.CursorState{StreamID: streamID}, nil
		}
		return state, err
	}
	return state, nil
}

func (r *PostgresRepository) SaveCursor(ctx context.Context, state domain.CursorState) error {
	updatedAt := state.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now().UTC()
	}
	_, err := r.db.Exec(ctx, `
		INSERT INTO stream_cursors (stream_id, cursor, updated_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (stream_id) DO UPDATE
		SET cursor = EXCLUDED.cursor,
			updated_at = EXCLUDED.updated_at
	`, state.StreamID, state.Cursor, updatedAt)
	return err
}

func (r *PostgresRepository) ListCursors(ctx context.Context) ([]domain.CursorState, error) {
	rows, err := r.db.Query(ctx, `SELECT stream_id, cursor, updated_at FROM stream_cursors ORDER BY stream_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var cursors []domain.CursorState
	for rows.Next() {
		var state domain.CursorState
		if err := rows.Scan(&state.StreamID, &state.Cursor, &state.UpdatedAt); err != nil {
			return nil, err
		}
		cursors = append(cursors, state)
	}
	return cursors, rows.Err()
}

func (r *PostgresRepository) EnqueueOutboxMessages(ctx context.Context, messages []OutboxMessage) error {
	if len(messages) == 0 {
		return nil
	}
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if err := insertOutboxMessages(ctx, tx, messages); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func insertOutboxMessages(ctx context.Context, tx pgx.Tx, messages []OutboxMessage) error {
	for _, message := range messages {
		_, err := tx.Exec(ctx, `
			INSERT INTO event_outbox (event_id, event_type, channel, target, payload, status, attempts, next_attempt_at, created_at)
			VALUES ($1, $2, $3, $4, $5::jsonb, 'pending', 0, NOW(), NOW())
			ON CONFLICT (event_id, channel) DO NOTHING
		`, message.EventID, string(message.EventType), string(message.Channel), message.Target, string(message.Payload))
		if err != nil {
			if isUndefinedTableError(err) {
				return fmt.Errorf("event_outbox table missing; apply migrations: %w", err)
			}
			return fmt.Errorf("insert outbox message for event %s channel %s: %w", message.EventID, message.Channel, err)
		}
	}
	return nil
}

// ClaimOutboxMessages locks due messages for one channel and marks them processing.
// Messages stuck in processing longer than staleAfterSeconds are reclaimed.
func (r *PostgresRepository) ClaimOutboxMessages(ctx context.Context, channel domain.DeliveryChannel, limit int, staleAfterSeconds int) ([]OutboxMessage, error) {
	if limit <= 0 {
		limit = 50
	}
	if staleAfterSeconds <= 0 {
		staleAfterSeconds = 120
	}

	query := `
		WITH candidates AS (
			SELECT id
			FROM event_outbox
			WHERE channel = $1
			  AND (
				(status = 'pending' AND next_attempt_at <= NOW())
				OR (status = 'processing' AND processing_started_at < NOW() - ($3 * INTERVAL '1 second'))
			  )
			ORDER BY created_at
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		UPDATE event_outbox AS o
		SET status = 'processing',
			processing_started_at = NOW(),
			attempts = o.attempts + 1
		FROM candidates
		WHERE o.id = candidates.id
		RETURNING o.id, o.event_id, o.event_type, o.channel, o.target, o.payload::text, o.attempts, o.status, o.created_at
	`

	rows, err := r.db.Query(ctx, query, string(channel), limit, staleAfterSeconds)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	messages := make([]OutboxMessage, 0, limit)
	for rows.Next() {
		msg, err := scanOutboxMessage(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

func scanOutboxMessage(row pgx.Row) (OutboxMessage, error) {
	var (
		msg                OutboxMessage
		eventType, channel string
		payloadText        string
	)
	if err := row.Scan(&msg.ID, &msg.EventID, &eventType, &channel, &msg.Target, &payloadText, &msg.Attempts, &msg.Status, &msg.CreatedAt); err != nil {
		return msg, err
	}
	msg.EventType = domain.AnchorEventType(eventType)
	msg.Channel = domain.DeliveryChannel(channel)
	msg.Payload = []byte(payloadText)
	return msg, nil
}

func (r *PostgresRepository) MarkOutboxDelivered(ctx context.Context, id int64) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE event_outbox
		SET status = 'delivered',
			delivered_at = NOW(),
			processing_started_at = NULL,
			last_error = NULL
		WHERE id = $1
	`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrOutboxMessageNotFound
	}
	return nil
}

func (r *PostgresRepository) MarkOutboxFailed(ctx context.Context, id int64, retryAfterSeconds int, maxAttempts int, lastError string) (bool, error) {
	if retryAfterSeconds < 1 {
		retryAfterSeconds = 1
	}
	var status string
	err := r.db.QueryRow(ctx, `
		UPDATE event_outbox
		SET status = CASE WHEN $3 > 0 AND attempts >= $3 THEN 'dead' ELSE 'pending' END,
			next_attempt_at = NOW() + ($2 * INTERVAL '1 second'),
			processing_started_at = NULL,
			last_error = LEFT($4, 1000)
		WHERE id = $1
		RETURNING status
	`, id, retryAfterSeconds, maxAttempts, lastError).Scan(&status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, ErrOutboxMessageNotFound
		}
		return false, err
	}
	return status == OutboxStatusDead, nil
}

func (r *PostgresRepository) MarkOutboxHeld(ctx context.Context, id int64, retryAfterSeconds int, reason string) error {
	if retryAfterSeconds < 1 {
		retryAfterSeconds = 1
	}
	tag, err := r.db.Exec(ctx, `
		UPDATE event_outbox
		SET status = 'pending',
			attempts = GREATEST(attempts - 1, 0),
			next_attempt_at = NOW() + ($2 * INTERVAL '1 second'),
			processing_started_at = NULL,
			last_error = LEFT($3, 1000)
		WHERE id = $1
	`, id, retryAfterSeconds, reason)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrOutboxMessageNotFound
	}
	return nil
}

// RequeueOutboxEvent resets every undelivered message of one event for immediate delivery.
func (r *PostgresRepository) RequeueOutboxEvent(ctx context.Context, eventID uuid.UUID) (int, error) {
	tag, err := r.db.Exec(ctx, `
		UPDATE event_outbox
		SET status = 'pending',
			attempts = 0,
			next_attempt_at = NOW(),
			processing_started_at = NULL
		WHERE event_id = $1 AND status <> 'delivered'
	`, eventID)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

func (r *PostgresRepository) ListOutboxMessagesByEvent(ctx context.Context, eventID uuid.UUID) ([]OutboxMessage, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, event_id, event_type, channel, target, payload::text, attempts, status, created_at
		FROM event_outbox
		WHERE event_id = $1
		ORDER BY channel
	`, eventID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []OutboxMessage
	for rows.Next() {
		msg, err := scanOutboxMessage(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

func nonTerminalStatusStrings() []string {
	statuses := make([]string, 0, len(domain.NonTerminalCustodyStatuses))
	for _, status := range domain.NonTerminalCustodyStatuses {
		statuses = append(statuses, string(status))
	}
	return statuses
}

func isUndefinedTableError(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "42P01"
}
