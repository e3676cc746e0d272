/**
 * @description
 * This file contains the HTTP handlers for the custody-service. The webhook handler is
 * the only public endpoint; every other handler sits behind the internal API key.
 *
 * @dependencies
 * - github.com/go-chi/chi/v5: URL parameters.
 * - internal/app, internal/domain, internal/observer, internal/store.
 */

package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/transfa/custody-service/internal/app"
	"github.com/transfa/custody-service/internal/domain"
	"github.com/transfa/custody-service/internal/observer"
	"github.com/transfa/custody-service/internal/store"
)

const maxWebhookBodyBytes = 1 << 20

type WebhookProcessor interface {
	Handle(ctx context.Context, body []byte, headers http.Header) error
}

type CustodyTransactions interface {
	Create(ctx context.Context, req domain.CreateCustodyTransactionRequest) (*domain.CustodyTransaction, bool, error)
	Get(ctx context.Context, id uuid.UUID) (*domain.CustodyTransaction, error)
}

type StreamStatusSource interface {
	Statuses() []observer.StreamStatus
}

type Reconciler interface {
	Run(ctx context.Context) (*app.ReconcileResult, error)
}

type EventReplayer interface {
	RequeueOutboxEvent(ctx context.Context, eventID uuid.UUID) (int, error)
}

// CustodyHandlers holds the services the handlers use. Any of them may be nil, in which
// case the matching endpoint answers 503.
type CustodyHandlers struct {
	Webhooks     WebhookProcessor
	Transactions CustodyTransactions
	Streams      StreamStatusSource
	Reconciler   Reconciler
	Events       EventReplayer
}

// WebhookHandler answers 200 for every authenticated, well-formed provider event; the
// business outcome is applied asynchronously to the response.
func (h *CustodyHandlers) WebhookHandler(w http.ResponseWriter, r *http.Request) {
	if h.Webhooks == nil {
		http.Error(w, "Webhooks are not enabled", http.StatusServiceUnavailable)
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBodyBytes))
	if err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	err = h.Webhooks.Handle(r.Context(), body, r.Header)
	var authErr *domain.AuthenticationError
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]string{"status": "accepted"})
	case errors.As(err, &authErr):
		log.Printf("level=warn component=api msg=\"webhook rejected\" remote_addr=%s reason=%q", r.RemoteAddr, authErr.Reason)
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
	case errors.Is(err, app.ErrMalformedWebhook):
		http.Error(w, "Malformed webhook body", http.StatusBadRequest)
	default:
		log.Printf("level=error component=api msg=\"webhook handling failed\" err=%v", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
	}
}

// StreamStatusHandler reports cursor position and lag per observed stream.
func (h *CustodyHandlers) StreamStatusHandler(w http.ResponseWriter, r *http.Request) {
	if h.Streams == nil {
		http.Error(w, "No observers are running", http.StatusServiceUnavailable)
		return
	}
	statuses := h.Streams.Statuses()
	if statuses == nil {
		statuses = []observer.StreamStatus{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"streams": statuses})
}

func (h *CustodyHandlers) CreateCustodyTransactionHandler(w http.ResponseWriter, r *http.Request) {
	if h.Transactions == nil {
		http.Error(w, "Custody service unavailable", http.StatusServiceUnavailable)
		return
	}
	var req domain.CreateCustodyTransactionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	txn, created, err := h.Transactions.Create(r.Context(), req)
	if err != nil {
		if errors.Is(err, app.ErrInvalidCustodyRequest) {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		log.Printf("level=error component=api msg=\"create custody transaction failed\" sep_tx_id=%s err=%v", req.SepTxID, err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, txn)
}

func (h *CustodyHandlers) GetCustodyTransactionHandler(w http.ResponseWriter, r *http.Request) {
	if h.Transactions == nil {
		http.Error(w, "Custody service unavailable", http.StatusServiceUnavailable)
		return
	}
	id, err := uuid.Parse(strings.TrimSpace(chi.URLParam(r, "id")))
	if err != nil {
		http.Error(w, "Invalid transaction ID", http.StatusBadRequest)
		return
	}

	txn, err := h.Transactions.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrCustodyTransactionNotFound) {
			http.Error(w, "Transaction not found", http.StatusNotFound)
			return
		}
		log.Printf("level=error component=api msg=\"get custody transaction failed\" custody_txn_id=%s err=%v", id, err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, txn)
}

// ReconcileHandler runs one reconciliation sweep on demand.
func (h *CustodyHandlers) ReconcileHandler(w http.ResponseWriter, r *http.Request) {
	if h.Reconciler == nil {
		http.Error(w, "Reconciliation is not enabled", http.StatusServiceUnavailable)
		return
	}
	result, err := h.Reconciler.Run(r.Context())
	if err != nil {
		log.Printf("level=error component=api msg=\"manual reconciliation failed\" err=%v", err)
		http.Error(w, "Reconciliation failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// ReplayEventHandler re-schedules every undelivered outbox row of an event.
func (h *CustodyHandlers) ReplayEventHandler(w http.ResponseWriter, r *http.Request) {
	if h.Events == nil {
		http.Error(w, "Event store unavailable", http.StatusServiceUnavailable)
		return
	}
	eventID, err := uuid.Parse(strings.TrimSpace(chi.URLParam(r, "id")))
	if err != nil {
		http.Error(w, "Invalid event ID", http.StatusBadRequest)
		return
	}

	count, err := h.Events.RequeueOutboxEvent(r.Context(), eventID)
	if err != nil {
		log.Printf("level=error component=api msg=\"event replay failed\" event_id=%s err=%v", eventID, err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	if count == 0 {
		http.Error(w, "No undelivered messages for event", http.StatusNotFound)
		return
	}
	log.Printf("level=info component=api msg=\"event requeued\" event_id=%s messages=%d", eventID, count)
	writeJSON(w, http.StatusAccepted, map[string]interface{}{"event_id": eventID, "requeued": count})
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Printf("level=warn component=api msg=\"failed to write response\" err=%v", err)
	}
}
