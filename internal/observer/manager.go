package observer

import (
	"context"
	"log"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

type StreamState string

const (
	StateRunning StreamState = "RUNNING"
	StateBackoff StreamState = "BACKOFF"
	StateHalted  StreamState = "HALTED"
	StateStopped StreamState = "STOPPED"
)

// StreamStatus is the operational view of one observed stream.
type StreamStatus struct {
	StreamID            string        `json:"stream_id"`
	Rail                string        `json:"rail"`
	State               StreamState   `json:"state"`
	Cursor              string        `json:"cursor"`
	LastPolledAt        *time.Time    `json:"last_polled_at,omitempty"`
	LastDeliveredAt     *time.Time    `json:"last_delivered_at,omitempty"`
	Lag                 time.Duration `json:"lag_ns"`
	DeliveredTotal      int64         `json:"delivered_total"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
	LastError           string        `json:"last_error,omitempty"`
}

// Manager runs a set of observers, one goroutine per stream. A halted stream does
// not stop the others.
type Manager struct {
	mu        sync.RWMutex
	observers []*Observer
}

func NewManager(observers ...*Observer) *Manager {
	return &Manager{observers: observers}
}

func (m *Manager) Add(o *Observer) {
	m.mu.Lock()
	m.observers = append(m.observers, o)
	m.mu.Unlock()
}

// Run blocks until ctx is cancelled and every observer finished its in-flight page.
func (m *Manager) Run(ctx context.Context) error {
	m.mu.RLock()
	observers := append([]*Observer(nil), m.observers...)
	m.mu.RUnlock()

	if len(observers) == 0 {
		log.Printf("level=warn component=observer_manager msg=\"no streams configured\"")
		<-ctx.Done()
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, o := range observers {
		o := o
		g.Go(func() error {
			if err := o.Run(gctx); err != nil {
				log.Printf("level=error component=observer_manager msg=\"stream exited\" stream=%s err=%v", o.StreamID(), err)
			}
			return nil
		})
	}
	return g.Wait()
}

// Statuses returns one snapshot per stream, ordered by stream id.
func (m *Manager) Statuses() []StreamStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()

	statuses := make([]StreamStatus, 0, len(m.observers))
	for _, o := range m.observers {
		statuses = append(statuses, o.Status())
	}
	sort.Slice(statuses, func(i, j int) bool { return statuses[i].StreamID < statuses[j].StreamID })
	return statuses
}
