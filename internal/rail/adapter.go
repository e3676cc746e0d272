// Package rail turns provider-native records into canonical observed payments. Each
// external settlement system gets one Adapter variant; the observers and the
// reconciliation job only depend on the interface.
package rail

import (
	"context"
	"strings"

	"github.com/transfa/custody-service/internal/domain"
)

const (
	RailStellar    = "stellar"
	RailFireblocks = "fireblocks"
)

// Page is one bounded batch of records strictly after the requested cursor.
// NextCursor is the position to persist once every record has been delivered.
type Page struct {
	Records    []domain.ObservedPayment
	NextCursor string
}

// Adapter is implemented once per external rail stream.
type Adapter interface {
	// Rail names the settlement system, matching CustodyTransaction.Rail.
	Rail() string
	// StreamID identifies the cursor this adapter advances.
	StreamID() string
	FetchSince(ctx context.Context, cursor domain.CursorState, pageSize int) (Page, error)
	FetchStatus(ctx context.Context, providerTxID string) (domain.ProviderStatus, error)
}

// AccountScoped is implemented by adapters bound to a single observed account.
type AccountScoped interface {
	Account() string
}

// Registry resolves the adapter that owns a custody transaction.
type Registry struct {
	adapters []Adapter
}

func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{}
	for _, adapter := range adapters {
		r.Register(adapter)
	}
	return r
}

func (r *Registry) Register(adapter Adapter) {
	if adapter == nil {
		return
	}
	r.adapters = append(r.adapters, adapter)
}

func (r *Registry) Adapters() []Adapter {
	out := make([]Adapter, len(r.adapters))
	copy(out, r.adapters)
	return out
}

// ForTransaction picks the adapter for txn.Rail. Account-scoped adapters watching
// either side of the transaction win over the first adapter of the rail.
func (r *Registry) ForTransaction(txn *domain.CustodyTransaction) (Adapter, bool) {
	if txn == nil {
		return nil, false
	}
	var fallback Adapter
	for _, adapter := range r.adapters {
		if !strings.EqualFold(adapter.Rail(), txn.Rail) {
			continue
		}
		if fallback == nil {
			fallback = adapter
		}
		if scoped, ok := adapter.(AccountScoped); ok {
			account := scoped.Account()
			if account != "" && (account == txn.ToAccount || account == txn.FromAccount) {
				return adapter, true
			}
		}
	}
	return fallback, fallback != nil
}
