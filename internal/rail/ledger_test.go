package rail

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stellar/go/clients/horizonclient"
	"github.com/stellar/go/keypair"
	hProtocol "github.com/stellar/go/protocols/horizon"
	"github.com/stellar/go/protocols/horizon/base"
	"github.com/stellar/go/protocols/horizon/operations"
	"github.com/stellar/go/support/render/problem"
	"github.com/transfa/custody-service/internal/domain"
)

type horizonStub struct {
	pages    []operations.OperationsPage
	requests []horizonclient.OperationRequest
	tx       hProtocol.Transaction
	txErr    error
	err      error
}

func (h *horizonStub) Payments(request horizonclient.OperationRequest) (operations.OperationsPage, error) {
	h.requests = append(h.requests, request)
	if h.err != nil {
		return operations.OperationsPage{}, h.err
	}
	if len(h.pages) == 0 {
		return operations.OperationsPage{}, nil
	}
	page := h.pages[0]
	h.pages = h.pages[1:]
	return page, nil
}

func (h *horizonStub) TransactionDetail(txHash string) (hProtocol.Transaction, error) {
	return h.tx, h.txErr
}

func pageOf(records ...operations.Operation) operations.OperationsPage {
	var page operations.OperationsPage
	page.Embedded.Records = records
	return page
}

func ledgerPayment(id, token, from, to, amount string, successful bool) operations.Payment {
	return operations.Payment{
		Base: operations.Base{
			ID:                    id,
			PT:                    token,
			TransactionSuccessful: successful,
			TransactionHash:       "hash-" + id,
			LedgerCloseTime:       time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
			Transaction:           &hProtocol.Transaction{Memo: "memo-" + id, MemoType: "text"},
		},
		Asset:  base.Asset{Type: "credit_alphanum4", Code: "USDC", Issuer: "GISSUER"},
		From:   from,
		To:     to,
		Amount: amount,
	}
}

func TestNewLedgerAdapter_RejectsInvalidAccount(t *testing.T) {
	_, err := NewLedgerAdapter(&horizonStub{}, "not-an-account")
	if !domain.IsFatal(err) {
		t.Fatalf("expected fatal configuration error, got %v", err)
	}
}

func TestLedgerAdapter_FetchSinceEmptyCursorStartsAtHead(t *testing.T) {
	account := keypair.MustRandom().Address()
	stub := &horizonStub{pages: []operations.OperationsPage{
		pageOf(ledgerPayment("9", "900", "GOTHER", account, "1", true)),
	}}
	adapter, err := NewLedgerAdapter(stub, account)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	page, err := adapter.FetchSince(context.Background(), domain.CursorState{StreamID: adapter.StreamID()}, 50)
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if len(page.Records) != 0 {
		t.Fatalf("expected head lookup to deliver no records, got %d", len(page.Records))
	}
	if page.NextCursor != "900" {
		t.Fatalf("expected cursor 900, got %q", page.NextCursor)
	}
	if stub.requests[0].Order != horizonclient.OrderDesc || stub.requests[0].Limit != 1 {
		t.Fatalf("expected newest-first single record request, got %+v", stub.requests[0])
	}
}

func TestLedgerAdapter_FetchSinceMapsPaymentsAndAdvancesPastSkippedRecords(t *testing.T) {
	account := keypair.MustRandom().Address()
	stub := &horizonStub{pages: []operations.OperationsPage{
		pageOf(
			ledgerPayment("1", "101", "GSENDER", account, "100.0000000", true),
			ledgerPayment("2", "102", account, "GRECEIVER", "5", true),
			ledgerPayment("3", "103", "GSENDER", account, "7", false),
			operations.CreateAccount{Base: operations.Base{ID: "4", PT: "104"}},
		),
	}}
	adapter, _ := NewLedgerAdapter(stub, account)

	page, err := adapter.FetchSince(context.Background(), domain.CursorState{Cursor: "100"}, 500)
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if page.NextCursor != "104" {
		t.Fatalf("expected cursor to advance past skipped records, got %q", page.NextCursor)
	}
	if len(page.Records) != 2 {
		t.Fatalf("expected two payments, got %d", len(page.Records))
	}

	in := page.Records[0]
	if in.ID != "1" || in.Direction != domain.PaymentDirectionIn || in.Asset != "stellar:USDC:GISSUER" {
		t.Fatalf("unexpected inbound payment %+v", in)
	}
	if in.Memo != "memo-1" || in.TransactionHash != "hash-1" || in.ExternalTxID != "hash-1" {
		t.Fatalf("expected memo and hash from joined transaction, got %+v", in)
	}
	if in.Amount.String() != "100" {
		t.Fatalf("expected amount 100, got %s", in.Amount)
	}
	if page.Records[1].Direction != domain.PaymentDirectionOut {
		t.Fatalf("expected outbound payment, got %s", page.Records[1].Direction)
	}

	req := stub.requests[0]
	if req.Cursor != "100" || req.Limit != ledgerMaxPageSize || req.Order != horizonclient.OrderAsc || req.ForAccount != account {
		t.Fatalf("unexpected request %+v", req)
	}
}

func TestLedgerAdapter_ClassifiesHorizonErrors(t *testing.T) {
	account := keypair.MustRandom().Address()
	limited := &horizonclient.Error{
		Response: &http.Response{Header: http.Header{"Retry-After": []string{"7"}}},
		Problem:  problem.P{Status: http.StatusTooManyRequests},
	}

	tests := []struct {
		name          string
		err           error
		wantTransient bool
		wantFatal     bool
	}{
		{name: "rate limited", err: limited, wantTransient: true},
		{name: "server error", err: &horizonclient.Error{Problem: problem.P{Status: http.StatusBadGateway}}, wantTransient: true},
		{name: "bad request", err: &horizonclient.Error{Problem: problem.P{Status: http.StatusBadRequest}}, wantFatal: true},
		{name: "network", err: errors.New("dial tcp: connection refused"), wantTransient: true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			adapter, _ := NewLedgerAdapter(&horizonStub{err: tc.err}, account)
			_, err := adapter.FetchSince(context.Background(), domain.CursorState{Cursor: "1"}, 10)
			if domain.IsTransient(err) != tc.wantTransient || domain.IsFatal(err) != tc.wantFatal {
				t.Fatalf("unexpected classification for %v", err)
			}
		})
	}

	adapter, _ := NewLedgerAdapter(&horizonStub{err: limited}, account)
	_, err := adapter.FetchSince(context.Background(), domain.CursorState{Cursor: "1"}, 10)
	if got := domain.RetryAfterHint(err); got != 7*time.Second {
		t.Fatalf("expected retry after 7s, got %s", got)
	}
}

func TestLedgerAdapter_FetchStatus(t *testing.T) {
	account := keypair.MustRandom().Address()

	t.Run("confirmed", func(t *testing.T) {
		stub := &horizonStub{
			tx:    hProtocol.Transaction{Successful: true},
			pages: []operations.OperationsPage{pageOf(ledgerPayment("1", "1", "GSENDER", account, "10", true))},
		}
		adapter, _ := NewLedgerAdapter(stub, account)
		status, err := adapter.FetchStatus(context.Background(), "hash-1")
		if err != nil {
			t.Fatalf("expected nil error, got %v", err)
		}
		if status.State != domain.ProviderStateConfirmed || status.Payment == nil || status.Payment.ID != "1" {
			t.Fatalf("unexpected status %+v", status)
		}
		if stub.requests[0].ForTransaction != "hash-1" {
			t.Fatalf("expected payments lookup for transaction, got %+v", stub.requests[0])
		}
	})

	t.Run("failed", func(t *testing.T) {
		adapter, _ := NewLedgerAdapter(&horizonStub{tx: hProtocol.Transaction{Successful: false}}, account)
		status, err := adapter.FetchStatus(context.Background(), "hash-1")
		if err != nil || status.State != domain.ProviderStateFailed {
			t.Fatalf("expected failed state, got %+v err=%v", status, err)
		}
	})

	t.Run("not found", func(t *testing.T) {
		notFound := &horizonclient.Error{Problem: problem.P{Status: http.StatusNotFound}}
		adapter, _ := NewLedgerAdapter(&horizonStub{txErr: notFound}, account)
		status, err := adapter.FetchStatus(context.Background(), "hash-1")
		if err != nil || status.State != domain.ProviderStateUnknown {
			t.Fatalf("expected unknown state, got %+v err=%v", status, err)
		}
	})

	t.Run("no hash", func(t *testing.T) {
		adapter, _ := NewLedgerAdapter(&horizonStub{}, account)
		status, err := adapter.FetchStatus(context.Background(), "")
		if err != nil || status.State != domain.ProviderStateUnknown {
			t.Fatalf("expected unknown state, got %+v err=%v", status, err)
		}
	})
}
