package app

import (
	"context"
	"errors"
	"log"
	"strings"

	"github.com/transfa/custody-service/internal/domain"
	"github.com/transfa/custody-service/internal/store"
)

// CustodyPaymentHandler is the observer listener that applies observed payments to the
// custody transactions they belong to. Webhooks and reconciliation reuse it so every
// path shares the same lookup and de-duplication.
type CustodyPaymentHandler struct {
	custody *CustodyService
}

func NewCustodyPaymentHandler(custody *CustodyService) *CustodyPaymentHandler {
	return &CustodyPaymentHandler{custody: custody}
}

// OnPayment returns an error only when redelivering the payment could succeed.
func (h *CustodyPaymentHandler) OnPayment(ctx context.Context, payment domain.ObservedPayment) error {
	txn, err := h.custody.FindForPayment(ctx, payment)
	if err != nil {
		if errors.Is(err, store.ErrCustodyTransactionNotFound) {
			log.Printf("level=debug component=payment_handler msg=\"payment not tracked\" rail=%s payment_id=%s external_tx_id=%s", payment.Rail, payment.ID, payment.ExternalTxID)
			return nil
		}
		return err
	}

	updated, outcome, err := h.custody.ApplyObservedPayment(ctx, txn.ID, payment)
	if err != nil {
		if errors.Is(err, ErrInvalidTransition) {
			log.Printf("level=warn component=payment_handler msg=\"payment does not fit transaction state\" custody_txn_id=%s status=%s payment_id=%s err=%v", txn.ID, txn.Status, payment.ID, err)
			return nil
		}
		return err
	}

	log.Printf("level=info component=payment_handler msg=\"payment processed\" custody_txn_id=%s sep_tx_id=%s payment_id=%s outcome=%s status=%s", updated.ID, updated.SepTxID, payment.ID, outcome, updated.Status)
	return nil
}

// MatchObservedPayment checks an observed payment against the terms of txn. Paying more
// than expected is accepted; fields the provider did not report are not compared.
func MatchObservedPayment(txn *domain.CustodyTransaction, payment domain.ObservedPayment) *domain.ValidationMismatchError {
	if txn.Direction != "" && payment.Direction != "" && txn.Direction != payment.Direction {
		return &domain.ValidationMismatchError{Field: "direction", Expected: string(txn.Direction), Observed: string(payment.Direction)}
	}
	if !AssetsMatch(txn.Asset, payment.Asset) {
		return &domain.ValidationMismatchError{Field: "asset", Expected: txn.Asset, Observed: payment.Asset}
	}
	if payment.Amount.LessThan(txn.Amount) {
		return &domain.ValidationMismatchError{Field: "amount", Expected: txn.Amount.String(), Observed: payment.Amount.String()}
	}
	if txn.ToAccount != "" && payment.DestinationAddress != "" && !strings.EqualFold(txn.ToAccount, payment.DestinationAddress) {
		return &domain.ValidationMismatchError{Field: "destination", Expected: txn.ToAccount, Observed: payment.DestinationAddress}
	}
	if txn.Memo != "" && payment.Memo != "" && txn.Memo != payment.Memo {
		return &domain.ValidationMismatchError{Field: "memo", Expected: txn.Memo, Observed: payment.Memo}
	}
	return nil
}

// AssetsMatch compares asset identifiers such as "stellar:USDC:G...", "USDC:G..." and
// "USDC". The issuer is only compared when both sides carry one.
func AssetsMatch(expected, observed string) bool {
	expCode, expIssuer := splitAsset(expected)
	obsCode, obsIssuer := splitAsset(observed)
	if expCode == "" || obsCode == "" {
		return false
	}
	if !strings.EqualFold(expCode, obsCode) {
		return false
	}
	if expIssuer != "" && obsIssuer != "" {
		return expIssuer == obsIssuer
	}
	return true
}

func splitAsset(asset string) (code, issuer string) {
	asset = strings.TrimSpace(asset)
	asset = strings.TrimPrefix(asset, "stellar:")
	code, issuer, _ = strings.Cut(asset, ":")
	if strings.EqualFold(code, "native") {
		code = "XLM"
	}
	return code, issuer
}
