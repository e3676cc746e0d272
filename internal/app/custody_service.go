/**
 * @description
 * This file contains the custody transaction state machine. Every mutation of a custody
 * transaction goes through `CustodyService`, whichever path triggered it (observer poll,
 * provider webhook, reconciliation sweep or a platform request).
 *
 * Key features:
 * - Idempotent creation keyed by sep_tx_id + type.
 * - Compare-and-swap updates on the version column, retried with fresh state.
 * - At-most-once application of an observed payment per (transaction, payment id).
 * - The anchor event of a transition is written to the outbox in the same database
 *   transaction as the new state.
 *
 * @dependencies
 * - github.com/google/uuid, github.com/shopspring/decimal
 * - internal/domain, internal/store
 */

package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/transfa/custody-service/internal/domain"
	"github.com/transfa/custody-service/internal/store"
)

const maxCompareAndSwapAttempts = 5

var (
	ErrInvalidCustodyRequest = errors.New("invalid custody transaction request")
	ErrInvalidTransition     = errors.New("custody transaction transition not allowed")
)

// Failure reasons used as the transition_failures metric label.
const (
	FailureValidationMismatch = "validation_mismatch"
	FailureProviderError      = "provider_error"
	FailureExpired            = "expired"
	FailureMaxAttempts        = "reconciliation_attempts_exhausted"
	FailureManual             = "manual"
)

// ApplyOutcome describes what an observed payment did to a custody transaction.
type ApplyOutcome string

const (
	OutcomeApplied   ApplyOutcome = "applied"
	OutcomeFailed    ApplyOutcome = "failed"
	OutcomeDuplicate ApplyOutcome = "duplicate"
	OutcomeAttached  ApplyOutcome = "attached"
	OutcomeIgnored   ApplyOutcome = "ignored"
)

// transition is the result of a mutation function. A nil next means nothing to write.
type transition struct {
	next          *domain.CustodyTransaction
	paymentID     string
	failureReason string
	outcome       ApplyOutcome
}

// CustodyService provides the custody transaction lifecycle.
type CustodyService struct {
	repo    store.Repository
	metrics *Metrics
	now     func() time.Time
}

func NewCustodyService(repo store.Repository, metrics *Metrics) *CustodyService {
	return &CustodyService{repo: repo, metrics: metrics, now: time.Now}
}

// Create allocates a custody transaction in CREATED state. Calling it again for the same
// sep_tx_id and type returns the existing record and created=false.
func (s *CustodyService) Create(ctx context.Context, req domain.CreateCustodyTransactionRequest) (*domain.CustodyTransaction, bool, error) {
	txn, err := s.newCustodyTransaction(req)
	if err != nil {
		return nil, false, err
	}

	if existing, err := s.repo.FindCustodyTransactionBySepTxID(ctx, txn.SepTxID, txn.Type); err == nil {
		return existing, false, nil
	} else if !errors.Is(err, store.ErrCustodyTransactionNotFound) {
		return nil, false, fmt.Errorf("failed to look up custody transaction: %w", err)
	}

	outbox, err := outboxFor(domain.NewAnchorEvent(domain.EventTransactionCreated, txn, txn.CreatedAt))
	if err != nil {
		return nil, false, err
	}
	stored, created, err := s.repo.CreateCustodyTransaction(ctx, txn, outbox)
	if err != nil {
		return nil, false, fmt.Errorf("failed to create custody transaction: %w", err)
	}
	if created {
		log.Printf("level=info component=custody msg=\"custody transaction created\" custody_txn_id=%s sep_tx_id=%s type=%s rail=%s", stored.ID, stored.SepTxID, stored.Type, stored.Rail)
	}
	return stored, created, nil
}

func (s *CustodyService) newCustodyTransaction(req domain.CreateCustodyTransactionRequest) (*domain.CustodyTransaction, error) {
	sepTxID := strings.TrimSpace(req.SepTxID)
	if sepTxID == "" {
		return nil, fmt.Errorf("%w: sep_tx_id is required", ErrInvalidCustodyRequest)
	}

	typ := domain.CustodyTransactionType(strings.ToLower(strings.TrimSpace(string(req.Type))))
	switch typ {
	case "":
		typ = domain.CustodyTransactionTypePayment
	case domain.CustodyTransactionTypePayment, domain.CustodyTransactionTypeRefund:
	default:
		return nil, fmt.Errorf("%w: unknown type %q", ErrInvalidCustodyRequest, req.Type)
	}

	direction := domain.PaymentDirection(strings.ToLower(strings.TrimSpace(string(req.Direction))))
	switch direction {
	case "":
		direction = domain.PaymentDirectionIn
		if typ == domain.CustodyTransactionTypeRefund {
			direction = domain.PaymentDirectionOut
		}
	case domain.PaymentDirectionIn, domain.PaymentDirectionOut:
	default:
		return nil, fmt.Errorf("%w: unknown direction %q", ErrInvalidCustodyRequest, req.Direction)
	}

	amount, err := decimal.NewFromString(strings.TrimSpace(req.Amount))
	if err != nil || !amount.IsPositive() {
		return nil, fmt.Errorf("%w: amount must be a positive decimal", ErrInvalidCustodyRequest)
	}
	fee := decimal.Zero
	if raw := strings.TrimSpace(req.AmountFee); raw != "" {
		fee, err = decimal.NewFromString(raw)
		if err != nil || fee.IsNegative() {
			return nil, fmt.Errorf("%w: amount_fee must be a non-negative decimal", ErrInvalidCustodyRequest)
		}
	}

	rail := strings.ToLower(strings.TrimSpace(req.Rail))
	asset := strings.TrimSpace(req.Asset)
	if rail == "" || asset == "" {
		return nil, fmt.Errorf("%w: rail and asset are required", ErrInvalidCustodyRequest)
	}

	now := s.now().UTC()
	return &domain.CustodyTransaction{
		ID:          uuid.New(),
		SepTxID:     sepTxID,
		Protocol:    strings.TrimSpace(req.Protocol),
		Type:        typ,
		Direction:   direction,
		Status:      domain.CustodyStatusCreated,
		Rail:        rail,
		Asset:       asset,
		Amount:      amount,
		AmountFee:   fee,
		FromAccount: strings.TrimSpace(req.FromAccount),
		ToAccount:   strings.TrimSpace(req.ToAccount),
		Memo:        strings.TrimSpace(req.Memo),
		MemoType:    strings.TrimSpace(req.MemoType),
		Version:     1,
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}

func (s *CustodyService) Get(ctx context.Context, id uuid.UUID) (*domain.CustodyTransaction, error) {
	return s.repo.GetCustodyTransaction(ctx, id)
}

// Submit records the provider transaction carrying the custody transaction and moves it
// to its in-flight status. Re-submitting the same provider id is a no-op.
func (s *CustodyService) Submit(ctx context.Context, req domain.SubmitCustodyTransactionRequest) (*domain.CustodyTransaction, error) {
	typ := req.Type
	if typ == "" {
		typ = domain.CustodyTransactionTypePayment
	}
	externalTxID := strings.TrimSpace(req.ExternalTxID)
	if externalTxID == "" {
		return nil, fmt.Errorf("%w: external_tx_id is required", ErrInvalidCustodyRequest)
	}
	current, err := s.repo.FindCustodyTransactionBySepTxID(ctx, strings.TrimSpace(req.SepTxID), typ)
	if err != nil {
		return nil, err
	}

	txn, _, err := s.mutate(ctx, current.ID, func(cur *domain.CustodyTransaction) (transition, error) {
		submitted := domain.SubmittedStatusFor(cur.Type)
		if cur.Status == submitted && cur.ExternalTxIDValue() == externalTxID {
			return transition{}, nil
		}
		if !domain.CanTransition(cur.Type, cur.Status, submitted) {
			return transition{}, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, cur.Status, submitted)
		}
		next := cur.Clone()
		next.Status = submitted
		next.ExternalTxID = &externalTxID
		return transition{next: next}, nil
	})
	return txn, err
}

// FindForPayment locates the custody transaction an observed payment belongs to: by
// provider transaction id first, then inbound payments by destination account and memo.
func (s *CustodyService) FindForPayment(ctx context.Context, payment domain.ObservedPayment) (*domain.CustodyTransaction, error) {
	for _, ref := range []string{payment.ExternalTxID, payment.TransactionHash} {
		if strings.TrimSpace(ref) == "" {
			continue
		}
		txn, err := s.repo.FindCustodyTransactionByExternalTxID(ctx, ref)
		if err == nil {
			return txn, nil
		}
		if !errors.Is(err, store.ErrCustodyTransactionNotFound) {
			return nil, err
		}
	}
	if payment.Direction == domain.PaymentDirectionIn && payment.DestinationAddress != "" && payment.Memo != "" {
		return s.repo.FindInboundCustodyTransaction(ctx, payment.DestinationAddress, payment.Memo)
	}
	return nil, store.ErrCustodyTransactionNotFound
}

// ApplyObservedPayment drives the transition implied by payment. The same payment id is
// applied at most once per transaction whichever path delivers it; terminal
// transactions are never moved again.
func (s *CustodyService) ApplyObservedPayment(ctx context.Context, id uuid.UUID, payment domain.ObservedPayment) (*domain.CustodyTransaction, ApplyOutcome, error) {
	if payment.ID != "" {
		applied, err := s.repo.HasAppliedPayment(ctx, id, payment.ID)
		if err != nil {
			return nil, "", fmt.Errorf("failed to check applied payment: %w", err)
		}
		if applied {
			txn, err := s.repo.GetCustodyTransaction(ctx, id)
			return txn, OutcomeDuplicate, err
		}
	}

	txn, tr, err := s.mutate(ctx, id, func(cur *domain.CustodyTransaction) (transition, error) {
		if cur.Status.IsTerminal() {
			log.Printf("level=info component=custody msg=\"payment ignored for terminal transaction\" custody_txn_id=%s status=%s payment_id=%s", cur.ID, cur.Status, payment.ID)
			return transition{outcome: OutcomeIgnored}, nil
		}

		next := cur.Clone()
		if next.ExternalTxID == nil && payment.ExternalTxID != "" {
			ref := payment.ExternalTxID
			next.ExternalTxID = &ref
		}

		switch payment.Status {
		case domain.PaymentStatusPending:
			if next.ExternalTxIDValue() == cur.ExternalTxIDValue() {
				return transition{outcome: OutcomeIgnored}, nil
			}
			return transition{next: next, outcome: OutcomeAttached}, nil

		case domain.PaymentStatusError:
			message := "provider reported failure"
			if payment.Message != "" {
				message += ": " + payment.Message
			}
			return failTransition(cur, next, payment.ID, FailureProviderError, message)

		default:
			if mismatch := MatchObservedPayment(cur, payment); mismatch != nil {
				log.Printf("level=warn component=custody msg=\"observed payment does not match custody transaction\" custody_txn_id=%s sep_tx_id=%s payment_id=%s err=%q", cur.ID, cur.SepTxID, payment.ID, mismatch.Error())
				return failTransition(cur, next, payment.ID, FailureValidationMismatch, mismatch.Error())
			}
			completed := domain.CompletedStatusFor(cur.Type)
			if !domain.CanTransition(cur.Type, cur.Status, completed) {
				return transition{}, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, cur.Status, completed)
			}
			next.Status = completed
			next.Message = nil
			if payment.TransactionHash != "" {
				hash := payment.TransactionHash
				next.StellarTransactionID = &hash
			}
			return transition{next: next, paymentID: payment.ID, outcome: OutcomeApplied}, nil
		}
	})
	if err != nil {
		return nil, "", err
	}
	return txn, tr.outcome, nil
}

// MarkFailed moves a non-terminal transaction to FAILED with a diagnostic message.
func (s *CustodyService) MarkFailed(ctx context.Context, id uuid.UUID, reason, message string) (*domain.CustodyTransaction, bool, error) {
	txn, tr, err := s.mutate(ctx, id, func(cur *domain.CustodyTransaction) (transition, error) {
		if cur.Status.IsTerminal() {
			return transition{outcome: OutcomeIgnored}, nil
		}
		return failTransition(cur, cur.Clone(), "", reason, message)
	})
	if err != nil {
		return nil, false, err
	}
	return txn, tr.outcome == OutcomeFailed, nil
}

// RecordReconciliationAttempt counts an inconclusive provider status check. The
// transaction status is unchanged, so no event is emitted.
func (s *CustodyService) RecordReconciliationAttempt(ctx context.Context, id uuid.UUID) (*domain.CustodyTransaction, error) {
	txn, _, err := s.mutate(ctx, id, func(cur *domain.CustodyTransaction) (transition, error) {
		if cur.Status.IsTerminal() {
			return transition{}, nil
		}
		next := cur.Clone()
		next.ReconciliationAttemptCount++
		return transition{next: next}, nil
	})
	return txn, err
}

func failTransition(cur, next *domain.CustodyTransaction, paymentID, reason, message string) (transition, error) {
	if !domain.CanTransition(cur.Type, cur.Status, domain.CustodyStatusFailed) {
		return transition{}, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, cur.Status, domain.CustodyStatusFailed)
	}
	next.Status = domain.CustodyStatusFailed
	next.Message = &message
	return transition{next: next, paymentID: paymentID, failureReason: reason, outcome: OutcomeFailed}, nil
}

// mutate runs fn against the latest state and writes the result with compare-and-swap.
// A version conflict re-reads and re-runs fn, up to maxCompareAndSwapAttempts times.
func (s *CustodyService) mutate(ctx context.Context, id uuid.UUID, fn func(cur *domain.CustodyTransaction) (transition, error)) (*domain.CustodyTransaction, transition, error) {
	for attempt := 1; attempt <= maxCompareAndSwapAttempts; attempt++ {
		current, err := s.repo.GetCustodyTransaction(ctx, id)
		if err != nil {
			return nil, transition{}, err
		}

		tr, err := fn(current.Clone())
		if err != nil {
			return current, tr, err
		}
		if tr.next == nil {
			return current, tr, nil
		}

		now := s.now().UTC()
		next := tr.next
		next.Version = current.Version + 1
		next.UpdatedAt = now
		statusChanged := next.Status != current.Status
		if statusChanged && next.Status.IsTerminal() {
			next.CompletedAt = &now
		}

		var outbox []store.OutboxMessage
		if statusChanged {
			event := domain.NewAnchorEvent(domain.EventTypeForStatus(next.Status), next, now)
			if outbox, err = outboxFor(event); err != nil {
				return nil, tr, err
			}
		}

		stored, err := s.repo.CompareAndSwapCustodyTransaction(ctx, store.CustodyTransactionUpdate{
			Transaction:      next,
			ExpectedVersion:  current.Version,
			AppliedPaymentID: tr.paymentID,
			Outbox:           outbox,
		})
		switch {
		case err == nil:
			if statusChanged {
				s.recordTransition(current, stored, tr.failureReason)
			}
			return stored, tr, nil
		case errors.Is(err, store.ErrVersionConflict):
			log.Printf("level=info component=custody msg=\"version conflict; retrying with fresh state\" custody_txn_id=%s attempt=%d", id, attempt)
			continue
		case errors.Is(err, store.ErrPaymentAlreadyApplied):
			tr.outcome = OutcomeDuplicate
			return current, tr, nil
		default:
			return nil, tr, fmt.Errorf("failed to update custody transaction: %w", err)
		}
	}
	return nil, transition{}, &domain.ConcurrencyConflictError{ID: id.String(), Attempts: maxCompareAndSwapAttempts}
}

func (s *CustodyService) recordTransition(from, to *domain.CustodyTransaction, failureReason string) {
	log.Printf("level=info component=custody msg=\"custody transaction transitioned\" custody_txn_id=%s sep_tx_id=%s from=%s to=%s version=%d", to.ID, to.SepTxID, from.Status, to.Status, to.Version)

	switch to.Status {
	case domain.CustodyStatusCompleted:
		if to.Direction == domain.PaymentDirectionOut {
			s.metrics.PaymentSent(to.Asset, to.Amount)
		} else {
			s.metrics.PaymentReceived(to.Asset, to.Amount)
		}
	case domain.CustodyStatusRefundCompleted:
		s.metrics.RefundSent(to.Asset, to.Amount)
	case domain.CustodyStatusFailed:
		if failureReason == "" {
			failureReason = FailureManual
		}
		s.metrics.TransitionFailed(failureReason)
	}
}

// QueueTopicFor names the queue topic an event type is published to.
func QueueTopicFor(eventType domain.AnchorEventType) string {
	switch eventType {
	case domain.EventTransactionCreated:
		return "anchor.transaction.created"
	case domain.EventTransactionError:
		return "anchor.transaction.error"
	default:
		return "anchor.transaction.status_changed"
	}
}

// outboxFor builds one delivery per channel. Events without a platform method only go
// to the queue.
func outboxFor(event domain.AnchorEvent) ([]store.OutboxMessage, error) {
	payload, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("failed to encode anchor event: %w", err)
	}
	messages := []store.OutboxMessage{{
		EventID:   event.ID,
		EventType: event.Type,
		Channel:   domain.DeliveryChannelQueue,
		Target:    QueueTopicFor(event.Type),
		Payload:   payload,
	}}
	if method := domain.PlatformNotificationFor(event); method != domain.NotifyNone {
		messages = append(messages, store.OutboxMessage{
			EventID:   event.ID,
			EventType: event.Type,
			Channel:   domain.DeliveryChannelCallback,
			Target:    string(method),
			Payload:   payload,
		})
	}
	return messages, nil
}
