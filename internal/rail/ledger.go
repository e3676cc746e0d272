package rail

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stellar/go/clients/horizonclient"
	hProtocol "github.com/stellar/go/protocols/horizon"
	"github.com/stellar/go/protocols/horizon/operations"
	"github.com/stellar/go/strkey"
	"github.com/transfa/custody-service/internal/domain"
)

const ledgerMaxPageSize = 200

// HorizonClient is the subset of *horizonclient.Client the ledger adapter uses.
type HorizonClient interface {
	Payments(request horizonclient.OperationRequest) (operations.OperationsPage, error)
	TransactionDetail(txHash string) (hProtocol.Transaction, error)
}

// LedgerAdapter observes payments touching one Stellar account through Horizon.
type LedgerAdapter struct {
	client  HorizonClient
	account string
}

// NewHorizonClient builds a Horizon client whose HTTP calls are bounded by timeout.
func NewHorizonClient(horizonURL string, timeout time.Duration) *horizonclient.Client {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &horizonclient.Client{
		HorizonURL: strings.TrimRight(strings.TrimSpace(horizonURL), "/") + "/",
		HTTP:       &http.Client{Timeout: timeout},
	}
}

func NewLedgerAdapter(client HorizonClient, account string) (*LedgerAdapter, error) {
	account = strings.TrimSpace(account)
	if !strkey.IsValidEd25519PublicKey(account) {
		return nil, &domain.FatalConfigurationError{Op: "ledger adapter", Err: fmt.Errorf("invalid stellar account %q", account)}
	}
	return &LedgerAdapter{client: client, account: account}, nil
}

func (a *LedgerAdapter) Rail() string     { return RailStellar }
func (a *LedgerAdapter) StreamID() string { return RailStellar + ":" + a.account }
func (a *LedgerAdapter) Account() string  { return a.account }

// FetchSince returns payments after cursor in ledger order. An empty cursor starts
// at the newest operation on the account rather than replaying its history.
func (a *LedgerAdapter) FetchSince(ctx context.Context, cursor domain.CursorState, pageSize int) (Page, error) {
	if err := ctx.Err(); err != nil {
		return Page{}, err
	}
	if cursor.IsEmpty() {
		return a.headCursor()
	}
	if pageSize <= 0 || pageSize > ledgerMaxPageSize {
		pageSize = ledgerMaxPageSize
	}

	page, err := a.client.Payments(horizonclient.OperationRequest{
		ForAccount: a.account,
		Cursor:     cursor.Cursor,
		Limit:      uint(pageSize),
		Order:      horizonclient.OrderAsc,
		Join:       "transactions",
	})
	if err != nil {
		return Page{}, classifyHorizonError("fetch payments", err)
	}

	result := Page{NextCursor: cursor.Cursor}
	for _, record := range page.Embedded.Records {
		result.NextCursor = record.PagingToken()
		payment, ok := a.toObservedPayment(record)
		if !ok {
			continue
		}
		result.Records = append(result.Records, payment)
	}
	return result, nil
}

func (a *LedgerAdapter) headCursor() (Page, error) {
	page, err := a.client.Payments(horizonclient.OperationRequest{
		ForAccount: a.account,
		Limit:      1,
		Order:      horizonclient.OrderDesc,
	})
	if err != nil {
		return Page{}, classifyHorizonError("fetch head cursor", err)
	}
	if len(page.Embedded.Records) == 0 {
		return Page{NextCursor: "now"}, nil
	}
	log.Printf("level=info component=ledger_adapter msg=\"starting stream at newest operation\" account=%s", a.account)
	return Page{NextCursor: page.Embedded.Records[0].PagingToken()}, nil
}

// FetchStatus reports the ledger outcome of a transaction hash.
func (a *LedgerAdapter) FetchStatus(ctx context.Context, providerTxID string) (domain.ProviderStatus, error) {
	status := domain.ProviderStatus{ProviderTxID: providerTxID, State: domain.ProviderStateUnknown}
	if err := ctx.Err(); err != nil {
		return status, err
	}
	if strings.TrimSpace(providerTxID) == "" {
		status.Reason = "no ledger transaction hash recorded"
		return status, nil
	}

	tx, err := a.client.TransactionDetail(providerTxID)
	if err != nil {
		if isHorizonNotFound(err) {
			status.Reason = "transaction not found on ledger"
			return status, nil
		}
		return status, classifyHorizonError("fetch transaction", err)
	}
	if !tx.Successful {
		status.State = domain.ProviderStateFailed
		status.Reason = "ledger transaction failed"
		return status, nil
	}

	page, err := a.client.Payments(horizonclient.OperationRequest{
		ForTransaction: providerTxID,
		Limit:          ledgerMaxPageSize,
		Join:           "transactions",
	})
	if err != nil {
		return status, classifyHorizonError("fetch transaction payments", err)
	}
	for _, record := range page.Embedded.Records {
		if payment, ok := a.toObservedPayment(record); ok {
			status.State = domain.ProviderStateConfirmed
			status.Payment = &payment
			return status, nil
		}
	}
	status.Reason = "ledger transaction carries no payment for account " + a.account
	return status, nil
}

// toObservedPayment maps payment-like operations touching the account. Operations
// from failed transactions and unrelated operation types are skipped.
func (a *LedgerAdapter) toObservedPayment(record operations.Operation) (domain.ObservedPayment, bool) {
	var payment operations.Payment
	switch op := record.(type) {
	case operations.Payment:
		payment = op
	case *operations.Payment:
		payment = *op
	case operations.PathPayment:
		payment = op.Payment
	case *operations.PathPayment:
		payment = op.Payment
	case operations.PathPaymentStrictSend:
		payment = op.Payment
	case *operations.PathPaymentStrictSend:
		payment = op.Payment
	default:
		return domain.ObservedPayment{}, false
	}
	if !payment.TransactionSuccessful {
		return domain.ObservedPayment{}, false
	}

	var direction domain.PaymentDirection
	switch a.account {
	case payment.To:
		direction = domain.PaymentDirectionIn
	case payment.From:
		direction = domain.PaymentDirectionOut
	default:
		return domain.ObservedPayment{}, false
	}

	amount, err := decimal.NewFromString(payment.Amount)
	if err != nil {
		log.Printf("level=warn component=ledger_adapter msg=\"unparseable payment amount\" operation_id=%s amount=%q", payment.ID, payment.Amount)
		return domain.ObservedPayment{}, false
	}

	observed := domain.ObservedPayment{
		ID:                 payment.ID,
		Rail:               RailStellar,
		ExternalTxID:       payment.TransactionHash,
		Direction:          direction,
		Status:             domain.PaymentStatusSuccess,
		Amount:             amount,
		Asset:              ledgerAssetString(payment.Asset.Type, payment.Asset.Code, payment.Asset.Issuer),
		SourceAddress:      payment.From,
		DestinationAddress: payment.To,
		TransactionHash:    payment.TransactionHash,
		ObservedAt:         payment.LedgerCloseTime,
	}
	if payment.Transaction != nil {
		observed.Memo = payment.Transaction.Memo
		observed.MemoType = payment.Transaction.MemoType
	}
	return observed, true
}

func ledgerAssetString(assetType, code, issuer string) string {
	if assetType == "native" {
		return "stellar:native"
	}
	if issuer == "" {
		return "stellar:" + code
	}
	return "stellar:" + code + ":" + issuer
}

// classifyHorizonError maps Horizon failures onto the provider error taxonomy.
func classifyHorizonError(op string, err error) error {
	var hErr *horizonclient.Error
	if !errors.As(err, &hErr) {
		return &domain.TransientProviderError{Op: op, Err: err}
	}
	status := hErr.Problem.Status
	switch {
	case status == http.StatusTooManyRequests:
		return &domain.TransientProviderError{Op: op, RetryAfter: retryAfterFromResponse(hErr.Response), Err: err}
	case status >= 500 || status == 0:
		return &domain.TransientProviderError{Op: op, Err: err}
	default:
		return &domain.FatalConfigurationError{Op: op, Err: err}
	}
}

func isHorizonNotFound(err error) bool {
	if horizonclient.IsNotFoundError(err) {
		return true
	}
	var hErr *horizonclient.Error
	return errors.As(err, &hErr) && hErr.Problem.Status == http.StatusNotFound
}

func retryAfterFromResponse(resp *http.Response) time.Duration {
	if resp == nil {
		return 0
	}
	seconds, err := strconv.Atoi(strings.TrimSpace(resp.Header.Get("Retry-After")))
	if err != nil || seconds <= 0 {
		return 0
	}
	return time.Duration(seconds) * time.Second
}
