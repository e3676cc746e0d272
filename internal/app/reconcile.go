package app

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/transfa/custody-service/internal/domain"
	"github.com/transfa/custody-service/internal/rail"
	"github.com/transfa/custody-service/internal/store"
)

const (
	defaultReconcileBatchSize   = 100
	maxReconcileBatchSize       = 500
	defaultReconcileGracePeriod = 5 * time.Minute
	defaultReconcileHorizon     = 72 * time.Hour
	defaultReconcileMaxAttempts = 10
)

type ReconciliationConfig struct {
	GracePeriod time.Duration
	Horizon     time.Duration
	MaxAttempts int
	BatchSize   int
}

// ReconcileResult summarises one sweep.
type ReconcileResult struct {
	Processed int `json:"processed"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Expired   int `json:"expired"`
	Pending   int `json:"pending"`
	Unchanged int `json:"unchanged"`
	Errors    int `json:"errors"`
}

// ReconciliationJob compares stale non-terminal custody transactions with the provider
// view and re-drives the state machine where they disagree.
type ReconciliationJob struct {
	custody  *CustodyService
	repo     store.CustodyTransactionStore
	adapters *rail.Registry
	metrics  *Metrics
	cfg      ReconciliationConfig
	now      func() time.Time
}

func NewReconciliationJob(custody *CustodyService, repo store.CustodyTransactionStore, adapters *rail.Registry, metrics *Metrics, cfg ReconciliationConfig) *ReconciliationJob {
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = defaultReconcileGracePeriod
	}
	if cfg.Horizon < cfg.GracePeriod {
		cfg.Horizon = defaultReconcileHorizon
		if cfg.Horizon < cfg.GracePeriod {
			cfg.Horizon = cfg.GracePeriod
		}
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultReconcileMaxAttempts
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultReconcileBatchSize
	}
	if cfg.BatchSize > maxReconcileBatchSize {
		cfg.BatchSize = maxReconcileBatchSize
	}
	return &ReconciliationJob{
		custody:  custody,
		repo:     repo,
		adapters: adapters,
		metrics:  metrics,
		cfg:      cfg,
		now:      time.Now,
	}
}

// Run performs one sweep. An error on one transaction is counted and logged; it never
// aborts the rest of the batch.
func (j *ReconciliationJob) Run(ctx context.Context) (*ReconcileResult, error) {
	cutoff := j.now().UTC().Add(-j.cfg.GracePeriod)
	candidates, err := j.repo.ListStaleCustodyTransactions(ctx, cutoff, j.cfg.BatchSize)
	if err != nil {
		return nil, fmt.Errorf("failed to list reconciliation candidates: %w", err)
	}

	result := &ReconcileResult{Processed: len(candidates)}
	for i := range candidates {
		if ctx.Err() != nil {
			return result, ctx.Err()
		}
		txn := &candidates[i]
		if err := j.reconcileOne(ctx, txn, result); err != nil {
			result.Errors++
			log.Printf("level=warn component=reconciliation msg=\"reconciliation failed for transaction\" custody_txn_id=%s sep_tx_id=%s rail=%s err=%v", txn.ID, txn.SepTxID, txn.Rail, err)
		}
	}

	log.Printf("level=info component=reconciliation msg=\"sweep finished\" processed=%d completed=%d failed=%d expired=%d pending=%d unchanged=%d errors=%d",
		result.Processed, result.Completed, result.Failed, result.Expired, result.Pending, result.Unchanged, result.Errors)
	return result, nil
}

func (j *ReconciliationJob) reconcileOne(ctx context.Context, txn *domain.CustodyTransaction, result *ReconcileResult) error {
	// Nothing to query yet: an inbound deposit may still arrive, so only the horizon applies.
	if providerTxID(txn) == "" {
		if j.pastHorizon(txn) {
			message := fmt.Sprintf("expired: no provider transaction observed after %s", j.cfg.Horizon)
			return j.fail(ctx, txn, FailureExpired, message, &result.Expired, result)
		}
		result.Unchanged++
		return nil
	}

	status, err := j.providerStatus(ctx, txn)
	if err != nil {
		return err
	}

	switch status.State {
	case domain.ProviderStateConfirmed, domain.ProviderStateFailed:
		if status.Payment != nil {
			return j.applyPayment(ctx, txn, *status.Payment, result)
		}
		if status.State == domain.ProviderStateFailed {
			return j.fail(ctx, txn, FailureProviderError, "provider reported failure: "+status.Reason, &result.Failed, result)
		}
		// A confirmation without payment details cannot be validated.
		return j.inconclusive(ctx, txn, status, result)

	default:
		if status.State == domain.ProviderStateUnknown && j.pastHorizon(txn) {
			message := fmt.Sprintf("expired: provider has no record of the transaction after %s", j.cfg.Horizon)
			if status.Reason != "" {
				message += " (" + status.Reason + ")"
			}
			return j.fail(ctx, txn, FailureExpired, message, &result.Expired, result)
		}
		return j.inconclusive(ctx, txn, status, result)
	}
}

func (j *ReconciliationJob) pastHorizon(txn *domain.CustodyTransaction) bool {
	return j.now().Sub(txn.CreatedAt) > j.cfg.Horizon
}

// providerTxID is the id the provider knows the transaction by, or empty before submission.
func providerTxID(txn *domain.CustodyTransaction) string {
	id := txn.ExternalTxIDValue()
	if id == "" && txn.StellarTransactionID != nil {
		id = *txn.StellarTransactionID
	}
	return strings.TrimSpace(id)
}

func (j *ReconciliationJob) providerStatus(ctx context.Context, txn *domain.CustodyTransaction) (domain.ProviderStatus, error) {
	id := providerTxID(txn)
	adapter, ok := j.adapters.ForTransaction(txn)
	if !ok {
		return domain.ProviderStatus{ProviderTxID: id, State: domain.ProviderStateUnknown, Reason: "no adapter for rail " + txn.Rail}, nil
	}
	return adapter.FetchStatus(ctx, id)
}

func (j *ReconciliationJob) applyPayment(ctx context.Context, txn *domain.CustodyTransaction, payment domain.ObservedPayment, result *ReconcileResult) error {
	updated, outcome, err := j.custody.ApplyObservedPayment(ctx, txn.ID, payment)
	if err != nil {
		return err
	}
	switch outcome {
	case OutcomeApplied:
		result.Completed++
		j.metrics.ReconciliationCorrected(txn.Rail, string(updated.Status))
		log.Printf("level=info component=reconciliation msg=\"transaction healed\" custody_txn_id=%s sep_tx_id=%s status=%s", updated.ID, updated.SepTxID, updated.Status)
	case OutcomeFailed:
		result.Failed++
		j.metrics.ReconciliationCorrected(txn.Rail, string(domain.CustodyStatusFailed))
	default:
		result.Unchanged++
	}
	return nil
}

// fail moves txn to FAILED and bumps counter, or Unchanged if it already reached a terminal state.
func (j *ReconciliationJob) fail(ctx context.Context, txn *domain.CustodyTransaction, reason, message string, counter *int, result *ReconcileResult) error {
	_, changed, err := j.custody.MarkFailed(ctx, txn.ID, reason, message)
	if err != nil {
		return err
	}
	if !changed {
		result.Unchanged++
		return nil
	}
	*counter++
	j.metrics.ReconciliationCorrected(txn.Rail, reason)
	log.Printf("level=warn component=reconciliation msg=\"transaction failed by reconciliation\" custody_txn_id=%s sep_tx_id=%s reason=%s message=%q", txn.ID, txn.SepTxID, reason, message)
	return nil
}

// inconclusive counts another attempt, failing the transaction once the budget is spent.
func (j *ReconciliationJob) inconclusive(ctx context.Context, txn *domain.CustodyTransaction, status domain.ProviderStatus, result *ReconcileResult) error {
	if txn.ReconciliationAttemptCount+1 >= j.cfg.MaxAttempts {
		message := fmt.Sprintf("provider status still %s after %d reconciliation attempts", status.State, j.cfg.MaxAttempts)
		return j.fail(ctx, txn, FailureMaxAttempts, message, &result.Failed, result)
	}
	if _, err := j.custody.RecordReconciliationAttempt(ctx, txn.ID); err != nil {
		return err
	}
	result.Pending++
	return nil
}
