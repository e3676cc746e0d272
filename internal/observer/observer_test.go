package observer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/transfa/custody-service/internal/domain"
	"github.com/transfa/custody-service/internal/rail"
	"github.com/transfa/custody-service/internal/store"
)

type scriptedAdapter struct {
	mu      sync.Mutex
	stream  string
	results []fetchResult
	cursors []string
}

type fetchResult struct {
	page rail.Page
	err  error
}

func (a *scriptedAdapter) Rail() string     { return "stellar" }
func (a *scriptedAdapter) StreamID() string { return a.stream }

func (a *scriptedAdapter) FetchSince(ctx context.Context, cursor domain.CursorState, pageSize int) (rail.Page, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.cursors = append(a.cursors, cursor.Cursor)
	if len(a.results) == 0 {
		return rail.Page{NextCursor: cursor.Cursor}, nil
	}
	next := a.results[0]
	a.results = a.results[1:]
	return next.page, next.err
}

func (a *scriptedAdapter) FetchStatus(ctx context.Context, providerTxID string) (domain.ProviderStatus, error) {
	return domain.ProviderStatus{State: domain.ProviderStateUnknown}, nil
}

func (a *scriptedAdapter) seenCursors() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.cursors...)
}

type recordingListener struct {
	mu       sync.Mutex
	received []string
	failOn   map[string]int
}

func (l *recordingListener) OnPayment(ctx context.Context, payment domain.ObservedPayment) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.received = append(l.received, payment.ID)
	if l.failOn[payment.ID] > 0 {
		l.failOn[payment.ID]--
		return errors.New("custody store unavailable")
	}
	return nil
}

func observed(id string) domain.ObservedPayment {
	return domain.ObservedPayment{ID: id, Amount: decimal.NewFromInt(1), Status: domain.PaymentStatusSuccess}
}

func newTestObserver(adapter rail.Adapter, cursors store.CursorStore, listeners ...Listener) *Observer {
	o := NewObserver(adapter, cursors, Options{
		PageSize:       10,
		IdleInterval:   time.Millisecond,
		InitialBackoff: time.Second,
		MaxBackoff:     8 * time.Second,
	}, listeners...)
	o.now = func() time.Time { return time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC) }
	return o
}

func TestObserver_ListenerFailureKeepsCursorAndRedeliversPage(t *testing.T) {
	page := rail.Page{Records: []domain.ObservedPayment{observed("p1"), observed("p2")}, NextCursor: "20"}
	adapter := &scriptedAdapter{stream: "stellar:GA", results: []fetchResult{{page: page}, {page: page}}}
	repo := store.NewMemoryRepository()
	_ = repo.SaveCursor(context.Background(), domain.CursorState{StreamID: "stellar:GA", Cursor: "10"})
	listener := &recordingListener{failOn: map[string]int{"p2": 1}}
	o := newTestObserver(adapter, repo, listener)

	delay, err := o.iterate(context.Background())
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if delay != time.Second {
		t.Fatalf("expected initial backoff, got %s", delay)
	}
	cursor, _ := repo.LoadCursor(context.Background(), "stellar:GA")
	if cursor.Cursor != "10" {
		t.Fatalf("expected cursor to stay at 10, got %q", cursor.Cursor)
	}
	if status := o.Status(); status.State != StateBackoff || status.ConsecutiveFailures != 1 {
		t.Fatalf("expected backoff status, got %+v", status)
	}

	if _, err := o.iterate(context.Background()); err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	cursor, _ = repo.LoadCursor(context.Background(), "stellar:GA")
	if cursor.Cursor != "20" {
		t.Fatalf("expected cursor to advance to 20, got %q", cursor.Cursor)
	}
	if got := adapter.seenCursors(); len(got) != 2 || got[0] != "10" || got[1] != "10" {
		t.Fatalf("expected the same page to be fetched twice from cursor 10, got %v", got)
	}
	want := []string{"p1", "p2", "p1", "p2"}
	if len(listener.received) != len(want) {
		t.Fatalf("expected deliveries %v, got %v", want, listener.received)
	}
	for i := range want {
		if listener.received[i] != want[i] {
			t.Fatalf("expected deliveries %v, got %v", want, listener.received)
		}
	}
	if status := o.Status(); status.State != StateRunning || status.DeliveredTotal != 2 || status.Cursor != "20" {
		t.Fatalf("unexpected status after recovery %+v", status)
	}
}

func TestObserver_FansOutToEveryListenerInOrder(t *testing.T) {
	var order []string
	record := func(name string) Listener {
		return ListenerFunc(func(ctx context.Context, payment domain.ObservedPayment) error {
			order = append(order, name+":"+payment.ID)
			return nil
		})
	}
	adapter := &scriptedAdapter{stream: "s", results: []fetchResult{{page: rail.Page{Records: []domain.ObservedPayment{observed("a"), observed("b")}, NextCursor: "2"}}}}
	o := newTestObserver(adapter, store.NewMemoryRepository(), record("one"), record("two"))

	if _, err := o.iterate(context.Background()); err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	want := []string{"one:a", "two:a", "one:b", "two:b"}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, order)
		}
	}
}

func TestObserver_TransientErrorsBackOffExponentiallyWithCap(t *testing.T) {
	transient := &domain.TransientProviderError{Op: "fetch", Err: errors.New("timeout")}
	adapter := &scriptedAdapter{stream: "s", results: []fetchResult{
		{err: transient}, {err: transient}, {err: transient}, {err: transient}, {err: transient},
		{err: &domain.TransientProviderError{Op: "fetch", RetryAfter: time.Minute, Err: errors.New("429")}},
	}}
	o := newTestObserver(adapter, store.NewMemoryRepository())

	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 8 * time.Second, 8 * time.Second}
	for i, expected := range want {
		delay, err := o.iterate(context.Background())
		if err != nil {
			t.Fatalf("iteration %d: expected nil error, got %v", i, err)
		}
		if delay != expected {
			t.Fatalf("iteration %d: expected backoff %s, got %s", i, expected, delay)
		}
	}

	delay, err := o.iterate(context.Background())
	if err != nil || delay != time.Millisecond {
		t.Fatalf("expected idle interval after recovery, got %s err=%v", delay, err)
	}
}

func TestObserver_RetryAfterHintRaisesBackoff(t *testing.T) {
	adapter := &scriptedAdapter{stream: "s", results: []fetchResult{
		{err: &domain.TransientProviderError{Op: "fetch", RetryAfter: 5 * time.Second, Err: errors.New("429")}},
	}}
	o := newTestObserver(adapter, store.NewMemoryRepository())

	delay, _ := o.iterate(context.Background())
	if delay != 5*time.Second {
		t.Fatalf("expected provider hint of 5s, got %s", delay)
	}
}

func TestObserver_EmptyPagePersistsAdvancedCursor(t *testing.T) {
	adapter := &scriptedAdapter{stream: "s", results: []fetchResult{{page: rail.Page{NextCursor: "head-token"}}}}
	repo := store.NewMemoryRepository()
	o := newTestObserver(adapter, repo)

	delay, err := o.iterate(context.Background())
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if delay != time.Millisecond {
		t.Fatalf("expected idle interval, got %s", delay)
	}
	cursor, _ := repo.LoadCursor(context.Background(), "s")
	if cursor.Cursor != "head-token" {
		t.Fatalf("expected head cursor to be persisted, got %q", cursor.Cursor)
	}
}

func TestManager_FatalErrorHaltsOnlyThatStream(t *testing.T) {
	broken := &scriptedAdapter{stream: "fireblocks:transactions", results: []fetchResult{
		{err: &domain.FatalConfigurationError{Op: "list transactions", Err: errors.New("401 unauthorized")}},
	}}
	healthy := &scriptedAdapter{stream: "stellar:GA", results: []fetchResult{
		{page: rail.Page{Records: []domain.ObservedPayment{observed("p1")}, NextCursor: "5"}},
	}}
	repo := store.NewMemoryRepository()

	var halted []string
	var haltMu sync.Mutex
	delivered := make(chan struct{}, 1)
	listener := ListenerFunc(func(ctx context.Context, payment domain.ObservedPayment) error {
		select {
		case delivered <- struct{}{}:
		default:
		}
		return nil
	})
	opts := Options{
		IdleInterval: time.Millisecond,
		OnHalt: func(status StreamStatus, err error) {
			haltMu.Lock()
			halted = append(halted, status.StreamID)
			haltMu.Unlock()
		},
	}
	brokenObserver := NewObserver(broken, repo, opts, listener)
	healthyObserver := NewObserver(healthy, repo, opts, listener)
	manager := NewManager(brokenObserver, healthyObserver)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- manager.Run(ctx) }()

	select {
	case <-delivered:
	case <-time.After(2 * time.Second):
		t.Fatal("expected healthy stream to deliver")
	}

	deadline := time.Now().Add(2 * time.Second)
	for brokenObserver.Status().State != StateHalted && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if brokenObserver.Status().State != StateHalted {
		t.Fatalf("expected broken stream to halt, got %+v", brokenObserver.Status())
	}
	if state := healthyObserver.Status().State; state == StateHalted {
		t.Fatal("expected healthy stream to keep running")
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("expected nil error from manager, got %v", err)
	}

	haltMu.Lock()
	defer haltMu.Unlock()
	if len(halted) != 1 || halted[0] != "fireblocks:transactions" {
		t.Fatalf("expected exactly one halt callback, got %v", halted)
	}
	statuses := manager.Statuses()
	if len(statuses) != 2 || statuses[0].StreamID != "fireblocks:transactions" || statuses[1].State != StateStopped {
		t.Fatalf("unexpected statuses %+v", statuses)
	}
}

func TestObserver_StopCompletesInFlightPage(t *testing.T) {
	adapter := &scriptedAdapter{stream: "s", results: []fetchResult{
		{page: rail.Page{Records: []domain.ObservedPayment{observed("p1"), observed("p2")}, NextCursor: "2"}},
	}}
	repo := store.NewMemoryRepository()

	entered := make(chan struct{})
	release := make(chan struct{})
	var delivered []string
	var ctxErrs []error
	listener := ListenerFunc(func(ctx context.Context, payment domain.ObservedPayment) error {
		if payment.ID == "p1" {
			close(entered)
			<-release
		}
		delivered = append(delivered, payment.ID)
		ctxErrs = append(ctxErrs, ctx.Err())
		return nil
	})
	o := newTestObserver(adapter, repo, listener)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- o.Run(ctx) }()

	<-entered
	cancel()
	close(release)

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("expected nil error, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("observer did not stop")
	}

	if len(delivered) != 2 {
		t.Fatalf("expected the whole page to be delivered, got %v", delivered)
	}
	for _, err := range ctxErrs {
		if err != nil {
			t.Fatalf("expected listeners to run on a live context, got %v", err)
		}
	}
	cursor, _ := repo.LoadCursor(context.Background(), "s")
	if cursor.Cursor != "2" {
		t.Fatalf("expected cursor persisted before exit, got %q", cursor.Cursor)
	}
	if o.Status().State != StateStopped {
		t.Fatalf("expected stopped state, got %s", o.Status().State)
	}
}
