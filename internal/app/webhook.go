package app

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"

	"github.com/transfa/custody-service/internal/domain"
	"github.com/transfa/custody-service/pkg/fireblocks"
)

var ErrMalformedWebhook = errors.New("malformed webhook body")

// PaymentListener receives observed payments; CustodyPaymentHandler implements it.
type PaymentListener interface {
	OnPayment(ctx context.Context, payment domain.ObservedPayment) error
}

// PaymentConverter turns a provider transaction into the canonical record.
type PaymentConverter interface {
	ToObservedPayment(tx fireblocks.TransactionDetails) domain.ObservedPayment
}

// WebhookService authenticates custodial provider push notifications and feeds them into
// the same listener the observers use.
type WebhookService struct {
	publicKey *rsa.PublicKey
	converter PaymentConverter
	listener  PaymentListener
}

func NewWebhookService(publicKey *rsa.PublicKey, converter PaymentConverter, listener PaymentListener) *WebhookService {
	return &WebhookService{publicKey: publicKey, converter: converter, listener: listener}
}

// Handle returns an AuthenticationError before touching any state when the signature is
// missing or invalid, and ErrMalformedWebhook for bodies that are not provider JSON.
// Once a request is authenticated and decoded it is accepted: processing failures are
// logged and left to the reconciliation job.
func (s *WebhookService) Handle(ctx context.Context, body []byte, headers http.Header) error {
	signature := strings.TrimSpace(headers.Get(fireblocks.SignatureHeader))
	if signature == "" {
		return &domain.AuthenticationError{Reason: "missing " + fireblocks.SignatureHeader + " header", Err: domain.ErrSignatureMissing}
	}
	if s.publicKey == nil {
		return &domain.FatalConfigurationError{Op: "verify webhook", Err: errors.New("webhook public key not configured")}
	}
	if !fireblocks.Verify(body, signature, s.publicKey) {
		return &domain.AuthenticationError{Reason: "signature verification failed", Err: domain.ErrSignatureInvalid}
	}

	var event fireblocks.WebhookEvent
	if err := json.Unmarshal(body, &event); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedWebhook, err)
	}
	if !fireblocks.IsTransactionEvent(event.Type) || strings.TrimSpace(event.Data.ID) == "" {
		log.Printf("level=info component=webhook msg=\"ignoring webhook event\" type=%q", event.Type)
		return nil
	}

	payment := s.converter.ToObservedPayment(event.Data)
	if err := s.listener.OnPayment(ctx, payment); err != nil {
		log.Printf("level=warn component=webhook msg=\"webhook processing failed; reconciliation will retry\" type=%s provider_tx_id=%s status=%s err=%v", event.Type, event.Data.ID, event.Data.Status, err)
		return nil
	}
	return nil
}
