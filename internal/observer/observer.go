/**
 * @description
 * Payment observer loops. One Observer drives one rail adapter stream: it loads the
 * stream cursor, fetches the next page, fans every record out to every listener and
 * persists the new cursor only once the whole page was delivered.
 *
 * @notes
 * - A listener failure keeps the cursor where it was, so the same page is delivered
 *   again on the next iteration. Listeners must be idempotent per payment id.
 * - Stopping the loop never interrupts a page that is being delivered.
 */

package observer

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/transfa/custody-service/internal/domain"
	"github.com/transfa/custody-service/internal/rail"
	"github.com/transfa/custody-service/internal/store"
)

const (
	defaultPageSize       = 100
	defaultIdleInterval   = 5 * time.Second
	defaultInitialBackoff = time.Second
	defaultMaxBackoff     = 5 * time.Minute
)

// Listener receives every observed payment of a stream, in provider order.
type Listener interface {
	OnPayment(ctx context.Context, payment domain.ObservedPayment) error
}

// ListenerFunc adapts a function to the Listener interface.
type ListenerFunc func(ctx context.Context, payment domain.ObservedPayment) error

func (f ListenerFunc) OnPayment(ctx context.Context, payment domain.ObservedPayment) error {
	return f(ctx, payment)
}

type Options struct {
	PageSize       int
	IdleInterval   time.Duration
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	// OnHalt is called once when a fatal error stops the stream.
	OnHalt func(status StreamStatus, err error)
}

func (o Options) withDefaults() Options {
	if o.PageSize <= 0 {
		o.PageSize = defaultPageSize
	}
	if o.IdleInterval <= 0 {
		o.IdleInterval = defaultIdleInterval
	}
	if o.InitialBackoff <= 0 {
		o.InitialBackoff = defaultInitialBackoff
	}
	if o.MaxBackoff < o.InitialBackoff {
		o.MaxBackoff = defaultMaxBackoff
		if o.MaxBackoff < o.InitialBackoff {
			o.MaxBackoff = o.InitialBackoff
		}
	}
	return o
}

type Observer struct {
	adapter   rail.Adapter
	cursors   store.CursorStore
	listeners []Listener
	opts      Options

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error

	mu      sync.RWMutex
	status  StreamStatus
	backoff time.Duration
}

func NewObserver(adapter rail.Adapter, cursors store.CursorStore, opts Options, listeners ...Listener) *Observer {
	return &Observer{
		adapter:   adapter,
		cursors:   cursors,
		listeners: listeners,
		opts:      opts.withDefaults(),
		now:       time.Now,
		sleep:     sleepContext,
		status: StreamStatus{
			StreamID: adapter.StreamID(),
			Rail:     adapter.Rail(),
			State:    StateStopped,
		},
	}
}

func (o *Observer) StreamID() string { return o.adapter.StreamID() }

// Run loops until ctx is cancelled or the stream hits a fatal error. Cancellation
// returns nil; a fatal error halts this stream only and is returned.
func (o *Observer) Run(ctx context.Context) error {
	o.setState(StateRunning)
	log.Printf("level=info component=observer msg=\"stream started\" stream=%s", o.StreamID())

	for {
		if ctx.Err() != nil {
			o.setState(StateStopped)
			log.Printf("level=info component=observer msg=\"stream stopped\" stream=%s", o.StreamID())
			return nil
		}

		delay, err := o.iterate(ctx)
		if err != nil {
			o.halt(err)
			return err
		}
		if delay > 0 {
			_ = o.sleep(ctx, delay)
		}
	}
}

// iterate processes at most one page and returns how long to wait before the next one.
func (o *Observer) iterate(ctx context.Context) (time.Duration, error) {
	streamID := o.StreamID()

	cursor, err := o.cursors.LoadCursor(ctx, streamID)
	if err != nil {
		if ctx.Err() != nil {
			return 0, nil
		}
		return o.fail("load cursor", err), nil
	}
	cursor.StreamID = streamID

	page, err := o.adapter.FetchSince(ctx, cursor, o.opts.PageSize)
	if err != nil {
		if ctx.Err() != nil {
			return 0, nil
		}
		if domain.IsFatal(err) {
			return 0, err
		}
		return o.fail("fetch page", err), nil
	}

	// From here on the page is in flight and must finish even if the loop is stopped.
	pageCtx := context.WithoutCancel(ctx)

	next := page.NextCursor
	if next == "" {
		next = cursor.Cursor
	}

	if len(page.Records) == 0 {
		if next != cursor.Cursor {
			if err := o.persist(pageCtx, streamID, next); err != nil {
				return o.fail("save cursor", err), nil
			}
		}
		o.succeed(next, 0)
		return o.opts.IdleInterval, nil
	}

	for _, payment := range page.Records {
		for _, listener := range o.listeners {
			if err := listener.OnPayment(pageCtx, payment); err != nil {
				log.Printf("level=warn component=observer msg=\"listener failed; page will be redelivered\" stream=%s payment_id=%s cursor=%s err=%v", streamID, payment.ID, cursor.Cursor, err)
				return o.fail("deliver page", err), nil
			}
		}
	}

	if err := o.persist(pageCtx, streamID, next); err != nil {
		return o.fail("save cursor", err), nil
	}
	o.succeed(next, len(page.Records))
	log.Printf("level=info component=observer msg=\"page delivered\" stream=%s count=%d cursor=%s", streamID, len(page.Records), next)
	return 0, nil
}

func (o *Observer) persist(ctx context.Context, streamID, cursor string) error {
	return o.cursors.SaveCursor(ctx, domain.CursorState{StreamID: streamID, Cursor: cursor, UpdatedAt: o.now().UTC()})
}

// fail records a recoverable failure and returns the next backoff delay. Provider
// retry hints are honoured up to the configured cap.
func (o *Observer) fail(op string, err error) time.Duration {
	o.mu.Lock()
	defer o.mu.Unlock()

	next := o.opts.InitialBackoff
	if o.backoff > 0 {
		next = o.backoff * 2
	}
	if hint := domain.RetryAfterHint(err); hint > next {
		next = hint
	}
	if next > o.opts.MaxBackoff {
		next = o.opts.MaxBackoff
	}
	o.backoff = next

	o.status.State = StateBackoff
	o.status.ConsecutiveFailures++
	o.status.LastError = op + ": " + err.Error()
	log.Printf("level=warn component=observer msg=\"stream backing off\" stream=%s op=%q failures=%d backoff=%s err=%v", o.status.StreamID, op, o.status.ConsecutiveFailures, next, err)
	return next
}

func (o *Observer) succeed(cursor string, delivered int) {
	o.mu.Lock()
	defer o.mu.Unlock()

	now := o.now().UTC()
	o.backoff = 0
	o.status.State = StateRunning
	o.status.ConsecutiveFailures = 0
	o.status.LastError = ""
	o.status.Cursor = cursor
	o.status.LastPolledAt = &now
	if delivered > 0 {
		o.status.LastDeliveredAt = &now
		o.status.DeliveredTotal += int64(delivered)
	}
}

func (o *Observer) halt(err error) {
	o.mu.Lock()
	o.status.State = StateHalted
	o.status.ConsecutiveFailures++
	o.status.LastError = err.Error()
	snapshot := o.status
	o.mu.Unlock()

	log.Printf("level=error component=observer msg=\"stream halted; operator action required\" stream=%s err=%v", snapshot.StreamID, err)
	if o.opts.OnHalt != nil {
		o.opts.OnHalt(snapshot, err)
	}
}

func (o *Observer) setState(state StreamState) {
	o.mu.Lock()
	o.status.State = state
	o.mu.Unlock()
}

// Status returns a snapshot of the stream for health reporting.
func (o *Observer) Status() StreamStatus {
	o.mu.RLock()
	defer o.mu.RUnlock()
	status := o.status
	if status.LastPolledAt != nil {
		status.Lag = o.now().Sub(*status.LastPolledAt)
	}
	return status
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

