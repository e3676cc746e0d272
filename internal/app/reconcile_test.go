package app

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/transfa/custody-service/internal/domain"
	"github.com/transfa/custody-service/internal/rail"
	"github.com/transfa/custody-service/internal/store"
)

type statusAdapterStub struct {
	statuses map[string]domain.ProviderStatus
	errs     map[string]error
	queried  []string
}

func (a *statusAdapterStub) Rail() string     { return rail.RailStellar }
func (a *statusAdapterStub) StreamID() string { return "stellar:GACCOUNT" }

func (a *statusAdapterStub) FetchSince(ctx context.Context, cursor domain.CursorState, pageSize int) (rail.Page, error) {
	return rail.Page{NextCursor: cursor.Cursor}, nil
}

func (a *statusAdapterStub) FetchStatus(ctx context.Context, providerTxID string) (domain.ProviderStatus, error) {
	a.queried = append(a.queried, providerTxID)
	if err := a.errs[providerTxID]; err != nil {
		return domain.ProviderStatus{}, err
	}
	if status, ok := a.statuses[providerTxID]; ok {
		return status, nil
	}
	return domain.ProviderStatus{ProviderTxID: providerTxID, State: domain.ProviderStatePending}, nil
}

type reconcileFixture struct {
	custody *CustodyService
	repo    *store.MemoryRepository
	job     *ReconciliationJob
	adapter *statusAdapterStub
	metrics *Metrics
	start   time.Time
}

func newReconcileFixture(t *testing.T, cfg ReconciliationConfig) *reconcileFixture {
	t.Helper()
	custody, repo, metrics := newTestCustody(t)
	start := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	custody.now = func() time.Time { return start }

	adapter := &statusAdapterStub{statuses: map[string]domain.ProviderStatus{}, errs: map[string]error{}}
	job := NewReconciliationJob(custody, repo, rail.NewRegistry(adapter), metrics, cfg)
	job.now = func() time.Time { return start.Add(10 * time.Minute) }

	return &reconcileFixture{custody: custody, repo: repo, job: job, adapter: adapter, metrics: metrics, start: start}
}

func TestReconciliationJob_HealsMissedConfirmation(t *testing.T) {
	f := newReconcileFixture(t, ReconciliationConfig{GracePeriod: 5 * time.Minute})
	txn := seedSubmitted(t, f.custody, inboundRequest("sep-e"), "hash-e")
	payment := successPayment("op-e", "hash-e", "100")
	f.adapter.statuses["hash-e"] = domain.ProviderStatus{ProviderTxID: "hash-e", State: domain.ProviderStateConfirmed, Payment: &payment}

	result, err := f.job.Run(context.Background())
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if result.Processed != 1 || result.Completed != 1 {
		t.Fatalf("expected one completed, got %+v", result)
	}

	stored, _ := f.custody.Get(context.Background(), txn.ID)
	if stored.Status != domain.CustodyStatusCompleted {
		t.Fatalf("expected completed, got %s", stored.Status)
	}
	events := queueEvents(t, f.repo)
	last := events[len(events)-1]
	if last.Type != domain.EventTransactionStatusChanged || last.Transaction.Status != domain.CustodyStatusCompleted {
		t.Fatalf("expected status_changed to completed, got %s/%s", last.Type, last.Transaction.Status)
	}
	if got := testutil.ToFloat64(f.metrics.reconciliationCorrections.WithLabelValues(rail.RailStellar, string(domain.CustodyStatusCompleted))); got != 1 {
		t.Fatalf("expected one reconciliation correction, got %v", got)
	}

	// A second sweep finds nothing left to do.
	result, err = f.job.Run(context.Background())
	if err != nil || result.Processed != 0 {
		t.Fatalf("expected empty second sweep, got %+v err=%v", result, err)
	}
}

func TestReconciliationJob_LeavesFreshTransactionsAlone(t *testing.T) {
	f := newReconcileFixture(t, ReconciliationConfig{GracePeriod: time.Hour})
	seedSubmitted(t, f.custody, inboundRequest("sep-fresh"), "hash-fresh")

	result, err := f.job.Run(context.Background())
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if result.Processed != 0 || len(f.adapter.queried) != 0 {
		t.Fatalf("expected no candidates, got %+v queried=%v", result, f.adapter.queried)
	}
}

func TestReconciliationJob_ExpiresTransactionsUnknownPastHorizon(t *testing.T) {
	f := newReconcileFixture(t, ReconciliationConfig{GracePeriod: 5 * time.Minute, Horizon: 72 * time.Hour})
	txn, _, err := f.custody.Create(context.Background(), inboundRequest("sep-old"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	f.job.now = func() time.Time { return f.start.Add(73 * time.Hour) }

	result, err := f.job.Run(context.Background())
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if result.Expired != 1 {
		t.Fatalf("expected one expired, got %+v", result)
	}
	stored, _ := f.custody.Get(context.Background(), txn.ID)
	if stored.Status != domain.CustodyStatusFailed {
		t.Fatalf("expected failed, got %s", stored.Status)
	}
	if stored.Message == nil || !strings.Contains(*stored.Message, "expired") {
		t.Fatalf("expected expiry message, got %v", stored.Message)
	}
	if got := testutil.ToFloat64(f.metrics.transitionFailures.WithLabelValues(FailureExpired)); got != 1 {
		t.Fatalf("expected one expired failure, got %v", got)
	}
}

func TestReconciliationJob_FailsAfterMaxAttempts(t *testing.T) {
	f := newReconcileFixture(t, ReconciliationConfig{GracePeriod: 5 * time.Minute, MaxAttempts: 2})
	txn := seedSubmitted(t, f.custody, inboundRequest("sep-stuck"), "hash-stuck")

	first, err := f.job.Run(context.Background())
	if err != nil {
		t.Fatalf("first sweep: %v", err)
	}
	if first.Pending != 1 {
		t.Fatalf("expected one pending, got %+v", first)
	}
	stored, _ := f.custody.Get(context.Background(), txn.ID)
	if stored.ReconciliationAttemptCount != 1 || stored.Status != domain.CustodyStatusSubmitted {
		t.Fatalf("expected one recorded attempt, got %d %s", stored.ReconciliationAttemptCount, stored.Status)
	}

	second, err := f.job.Run(context.Background())
	if err != nil {
		t.Fatalf("second sweep: %v", err)
	}
	if second.Failed != 1 {
		t.Fatalf("expected one failed, got %+v", second)
	}
	stored, _ = f.custody.Get(context.Background(), txn.ID)
	if stored.Status != domain.CustodyStatusFailed {
		t.Fatalf("expected failed, got %s", stored.Status)
	}
}

func TestReconciliationJob_AwaitingDepositOnlyExpiresAtHorizon(t *testing.T) {
	f := newReconcileFixture(t, ReconciliationConfig{GracePeriod: 5 * time.Minute, Horizon: 72 * time.Hour, MaxAttempts: 10})
	txn, _, err := f.custody.Create(context.Background(), inboundRequest("sep-await"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	for i := 1; i <= 12; i++ {
		now := f.start.Add(time.Duration(i) * 10 * time.Minute)
		f.job.now = func() time.Time { return now }
		result, err := f.job.Run(context.Background())
		if err != nil {
			t.Fatalf("sweep %d: %v", i, err)
		}
		if result.Unchanged != 1 || result.Failed != 0 || result.Pending != 0 {
			t.Fatalf("sweep %d: expected transaction left alone, got %+v", i, result)
		}
	}
	stored, _ := f.custody.Get(context.Background(), txn.ID)
	if stored.Status != domain.CustodyStatusCreated || stored.ReconciliationAttemptCount != 0 {
		t.Fatalf("expected created with no attempts spent, got %s attempts=%d", stored.Status, stored.ReconciliationAttemptCount)
	}
	if len(f.adapter.queried) != 0 {
		t.Fatalf("expected no provider queries without a provider id, got %v", f.adapter.queried)
	}

	f.job.now = func() time.Time { return f.start.Add(73 * time.Hour) }
	result, err := f.job.Run(context.Background())
	if err != nil || result.Expired != 1 {
		t.Fatalf("expected expiry past horizon, got %+v err=%v", result, err)
	}
}

func TestReconciliationJob_ProviderFailureFailsTransaction(t *testing.T) {
	f := newReconcileFixture(t, ReconciliationConfig{GracePeriod: 5 * time.Minute})
	txn := seedSubmitted(t, f.custody, inboundRequest("sep-rejected"), "hash-rejected")
	f.adapter.statuses["hash-rejected"] = domain.ProviderStatus{ProviderTxID: "hash-rejected", State: domain.ProviderStateFailed, Reason: "tx_bad_seq"}

	result, err := f.job.Run(context.Background())
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if result.Failed != 1 {
		t.Fatalf("expected one failed, got %+v", result)
	}
	stored, _ := f.custody.Get(context.Background(), txn.ID)
	if stored.Message == nil || !strings.Contains(*stored.Message, "tx_bad_seq") {
		t.Fatalf("expected provider reason in message, got %v", stored.Message)
	}
}

func TestReconciliationJob_ContinuesPastPerTransactionErrors(t *testing.T) {
	f := newReconcileFixture(t, ReconciliationConfig{GracePeriod: 5 * time.Minute})
	seedSubmitted(t, f.custody, inboundRequest("sep-flaky"), "hash-flaky")
	healthy := seedSubmitted(t, f.custody, inboundRequest("sep-healthy"), "hash-healthy")

	f.adapter.errs["hash-flaky"] = &domain.TransientProviderError{Op: "transaction detail", Err: errors.New("timeout")}
	payment := successPayment("op-healthy", "hash-healthy", "100")
	f.adapter.statuses["hash-healthy"] = domain.ProviderStatus{State: domain.ProviderStateConfirmed, Payment: &payment}

	result, err := f.job.Run(context.Background())
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if result.Errors != 1 || result.Completed != 1 {
		t.Fatalf("expected one error and one completion, got %+v", result)
	}
	stored, _ := f.custody.Get(context.Background(), healthy.ID)
	if stored.Status != domain.CustodyStatusCompleted {
		t.Fatalf("expected healthy transaction completed, got %s", stored.Status)
	}
}
