package app

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/transfa/custody-service/internal/domain"
	"github.com/transfa/custody-service/internal/store"
)

func TestMatchObservedPayment(t *testing.T) {
	txn := &domain.CustodyTransaction{
		Direction: domain.PaymentDirectionIn,
		Asset:     "stellar:USDC:GISSUER",
		Amount:    decimal.RequireFromString("100"),
		ToAccount: "GACCOUNT",
		Memo:      "12345",
	}

	tests := []struct {
		name      string
		mutate    func(p *domain.ObservedPayment)
		wantField string
	}{
		{name: "exact match", mutate: func(p *domain.ObservedPayment) {}},
		{name: "overpayment accepted", mutate: func(p *domain.ObservedPayment) { p.Amount = decimal.RequireFromString("100.5") }},
		{name: "unreported memo accepted", mutate: func(p *domain.ObservedPayment) { p.Memo = "" }},
		{name: "underpayment", mutate: func(p *domain.ObservedPayment) { p.Amount = decimal.RequireFromString("50") }, wantField: "amount"},
		{name: "wrong asset", mutate: func(p *domain.ObservedPayment) { p.Asset = "stellar:EURC:GISSUER" }, wantField: "asset"},
		{name: "wrong issuer", mutate: func(p *domain.ObservedPayment) { p.Asset = "stellar:USDC:GOTHER" }, wantField: "asset"},
		{name: "wrong direction", mutate: func(p *domain.ObservedPayment) { p.Direction = domain.PaymentDirectionOut }, wantField: "direction"},
		{name: "wrong destination", mutate: func(p *domain.ObservedPayment) { p.DestinationAddress = "GELSEWHERE" }, wantField: "destination"},
		{name: "wrong memo", mutate: func(p *domain.ObservedPayment) { p.Memo = "999" }, wantField: "memo"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			payment := domain.ObservedPayment{
				Direction:          domain.PaymentDirectionIn,
				Asset:              "stellar:USDC:GISSUER",
				Amount:             decimal.RequireFromString("100"),
				DestinationAddress: "GACCOUNT",
				Memo:               "12345",
			}
			tt.mutate(&payment)

			mismatch := MatchObservedPayment(txn, payment)
			if tt.wantField == "" {
				if mismatch != nil {
					t.Fatalf("expected match, got %v", mismatch)
				}
				return
			}
			if mismatch == nil {
				t.Fatalf("expected mismatch on %s, got match", tt.wantField)
			}
			if mismatch.Field != tt.wantField {
				t.Fatalf("expected mismatch on %s, got %s", tt.wantField, mismatch.Field)
			}
		})
	}
}

func TestAssetsMatch(t *testing.T) {
	tests := []struct {
		expected string
		observed string
		want     bool
	}{
		{"USDC", "stellar:USDC:GISSUER", true},
		{"stellar:usdc:GISSUER", "USDC:GISSUER", true},
		{"stellar:native", "XLM", true},
		{"XLM", "stellar:native", true},
		{"USDC:GISSUER", "USDC:GOTHER", false},
		{"USDC", "EURC", false},
		{"USDC", "", false},
	}
	for _, tt := range tests {
		if got := AssetsMatch(tt.expected, tt.observed); got != tt.want {
			t.Fatalf("AssetsMatch(%q, %q): expected %t, got %t", tt.expected, tt.observed, tt.want, got)
		}
	}
}

func TestCustodyPaymentHandler_IgnoresUntrackedPayments(t *testing.T) {
	svc, repo, _ := newTestCustody(t)
	handler := NewCustodyPaymentHandler(svc)

	if err := handler.OnPayment(context.Background(), successPayment("p-unknown", "hash-unknown", "5")); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if got := len(repo.OutboxMessages()); got != 0 {
		t.Fatalf("expected no events, got %d", got)
	}
}

func TestCustodyPaymentHandler_MatchesInboundByMemo(t *testing.T) {
	svc, _, _ := newTestCustody(t)
	handler := NewCustodyPaymentHandler(svc)
	ctx := context.Background()

	txn, _, err := svc.Create(ctx, inboundRequest("sep-memo"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	payment := successPayment("op-1", "hash-memo", "100")
	payment.Memo = "12345"

	if err := handler.OnPayment(ctx, payment); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	stored, _ := svc.Get(ctx, txn.ID)
	if stored.Status != domain.CustodyStatusCompleted {
		t.Fatalf("expected completed, got %s", stored.Status)
	}
	if stored.ExternalTxIDValue() != "hash-memo" {
		t.Fatalf("expected provider id to be recorded, got %q", stored.ExternalTxIDValue())
	}
}

type failingLookupRepo struct {
	store.Repository
}

func (r *failingLookupRepo) FindCustodyTransactionByExternalTxID(ctx context.Context, externalTxID string) (*domain.CustodyTransaction, error) {
	return nil, errors.New("connection reset")
}

func TestCustodyPaymentHandler_ReturnsStoreErrorsForRedelivery(t *testing.T) {
	handler := NewCustodyPaymentHandler(NewCustodyService(&failingLookupRepo{}, nil))

	err := handler.OnPayment(context.Background(), successPayment("p1", "hash-1", "100"))
	if err == nil {
		t.Fatalf("expected store error to be returned")
	}
}
