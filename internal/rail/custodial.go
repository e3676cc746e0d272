package rail

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/transfa/custody-service/internal/domain"
	"github.com/transfa/custody-service/pkg/fireblocks"
)

const custodialMaxPageSize = 200

// FireblocksAPI is the subset of *fireblocks.Client the custodial adapter uses.
type FireblocksAPI interface {
	ListTransactions(ctx context.Context, params fireblocks.ListTransactionsParams) ([]fireblocks.TransactionDetails, error)
	GetTransaction(ctx context.Context, txID string) (*fireblocks.TransactionDetails, error)
}

// CustodialAdapter observes transactions of the custodial provider workspace.
//
// Its cursor is "<createdAtMillis>|<id>,<id>": the creation time of the newest
// delivered transaction plus the ids already delivered at that millisecond, so a
// page boundary inside one millisecond neither skips nor repeats records.
type CustodialAdapter struct {
	client FireblocksAPI
	assets map[string]string
	now    func() time.Time
}

func NewCustodialAdapter(client FireblocksAPI, assets map[string]string) *CustodialAdapter {
	if assets == nil {
		assets = map[string]string{}
	}
	return &CustodialAdapter{client: client, assets: assets, now: time.Now}
}

func (a *CustodialAdapter) Rail() string     { return RailFireblocks }
func (a *CustodialAdapter) StreamID() string { return RailFireblocks + ":transactions" }

func (a *CustodialAdapter) FetchSince(ctx context.Context, cursor domain.CursorState, pageSize int) (Page, error) {
	if cursor.IsEmpty() {
		return Page{NextCursor: formatCustodialCursor(a.now().UnixMilli(), nil)}, nil
	}
	createdAt, seen, err := parseCustodialCursor(cursor.Cursor)
	if err != nil {
		return Page{}, &domain.FatalConfigurationError{Op: "parse custodial cursor", Err: err}
	}
	if pageSize <= 0 || pageSize > custodialMaxPageSize {
		pageSize = custodialMaxPageSize
	}

	txs, err := a.client.ListTransactions(ctx, fireblocks.ListTransactionsParams{
		After:   createdAt - 1,
		Limit:   pageSize,
		OrderBy: "createdAt",
		Sort:    "ASC",
	})
	if err != nil {
		return Page{}, classifyFireblocksError("list transactions", err)
	}
	sort.SliceStable(txs, func(i, j int) bool { return txs[i].CreatedAt < txs[j].CreatedAt })

	result := Page{NextCursor: cursor.Cursor}
	for _, tx := range txs {
		if tx.CreatedAt < createdAt {
			continue
		}
		if tx.CreatedAt == createdAt && seen[tx.ID] {
			continue
		}
		if tx.CreatedAt > createdAt {
			createdAt = tx.CreatedAt
			seen = map[string]bool{}
		}
		seen[tx.ID] = true

		result.Records = append(result.Records, a.ToObservedPayment(tx))
	}
	if len(result.Records) > 0 {
		result.NextCursor = formatCustodialCursor(createdAt, seen)
	}
	return result, nil
}

// FetchStatus reports the provider-side outcome of a custodial transaction.
func (a *CustodialAdapter) FetchStatus(ctx context.Context, providerTxID string) (domain.ProviderStatus, error) {
	status := domain.ProviderStatus{ProviderTxID: providerTxID, State: domain.ProviderStateUnknown}
	if strings.TrimSpace(providerTxID) == "" {
		status.Reason = "no provider transaction id recorded"
		return status, nil
	}

	tx, err := a.client.GetTransaction(ctx, providerTxID)
	if err != nil {
		if errors.Is(err, fireblocks.ErrTransactionNotFound) {
			status.Reason = "transaction not found at provider"
			return status, nil
		}
		return status, classifyFireblocksError("get transaction", err)
	}

	payment := a.ToObservedPayment(*tx)
	switch payment.Status {
	case domain.PaymentStatusSuccess:
		status.State = domain.ProviderStateConfirmed
		status.Payment = &payment
	case domain.PaymentStatusError:
		status.State = domain.ProviderStateFailed
		status.Reason = payment.Message
		status.Payment = &payment
	default:
		status.State = domain.ProviderStatePending
	}
	return status, nil
}

// ToObservedPayment converts a provider transaction, from a listing or a webhook,
// into the canonical record.
func (a *CustodialAdapter) ToObservedPayment(tx fireblocks.TransactionDetails) domain.ObservedPayment {
	direction := domain.PaymentDirectionOut
	if tx.Destination.Type == fireblocks.PeerTypeVaultAccount && tx.Source.Type != fireblocks.PeerTypeVaultAccount {
		direction = domain.PaymentDirectionIn
	}

	rawAmount := tx.AmountInfo.Amount
	if rawAmount == "" {
		rawAmount = tx.AmountInfo.NetAmount
	}
	amount, err := decimal.NewFromString(rawAmount)
	if err != nil {
		log.Printf("level=warn component=custodial_adapter msg=\"unparseable amount\" provider_tx_id=%s amount=%q", tx.ID, rawAmount)
		amount = decimal.Zero
	}

	asset := tx.AssetID
	if mapped, ok := a.assets[tx.AssetID]; ok {
		asset = mapped
	}

	payment := domain.ObservedPayment{
		ID:                 tx.ID,
		Rail:               RailFireblocks,
		ExternalTxID:       tx.ID,
		Direction:          direction,
		Status:             domain.PaymentStatusPending,
		Amount:             amount,
		Asset:              asset,
		SourceAddress:      tx.SourceAddress,
		DestinationAddress: tx.DestinationAddress,
		Memo:               tx.DestinationTag,
		TransactionHash:    tx.TxHash,
		ObservedAt:         millisToTime(tx.LastUpdated, tx.CreatedAt),
	}
	if payment.Memo != "" {
		payment.MemoType = memoTypeFor(payment.Memo)
	}

	switch {
	case fireblocks.IsCompleted(tx.Status):
		payment.Status = domain.PaymentStatusSuccess
	case fireblocks.IsFailed(tx.Status):
		payment.Status = domain.PaymentStatusError
		payment.Message = strings.TrimSpace(strings.ToLower(tx.Status + " " + tx.SubStatus))
	}
	return payment
}

func millisToTime(values ...int64) time.Time {
	for _, v := range values {
		if v > 0 {
			return time.UnixMilli(v).UTC()
		}
	}
	return time.Time{}
}

func memoTypeFor(memo string) string {
	if _, err := strconv.ParseUint(memo, 10, 64); err == nil {
		return "id"
	}
	return "text"
}

func formatCustodialCursor(createdAt int64, seen map[string]bool) string {
	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return strconv.FormatInt(createdAt, 10) + "|" + strings.Join(ids, ",")
}

func parseCustodialCursor(raw string) (int64, map[string]bool, error) {
	createdRaw, idsRaw, _ := strings.Cut(strings.TrimSpace(raw), "|")
	createdAt, err := strconv.ParseInt(createdRaw, 10, 64)
	if err != nil {
		return 0, nil, fmt.Errorf("invalid cursor %q: %w", raw, err)
	}
	seen := map[string]bool{}
	for _, id := range strings.Split(idsRaw, ",") {
		if id = strings.TrimSpace(id); id != "" {
			seen[id] = true
		}
	}
	return createdAt, seen, nil
}

// classifyFireblocksError maps client failures onto the provider error taxonomy.
func classifyFireblocksError(op string, err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	var apiErr *fireblocks.ErrorResponse
	if !errors.As(err, &apiErr) {
		return &domain.TransientProviderError{Op: op, Err: err}
	}
	switch {
	case apiErr.StatusCode == http.StatusTooManyRequests:
		return &domain.TransientProviderError{Op: op, RetryAfter: time.Second, Err: err}
	case apiErr.StatusCode >= 500:
		return &domain.TransientProviderError{Op: op, Err: err}
	default:
		return &domain.FatalConfigurationError{Op: op, Err: err}
	}
}
