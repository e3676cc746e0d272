package app

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"strings"
	"time"

	"github.com/transfa/custody-service/internal/domain"
	"github.com/transfa/custody-service/internal/store"
)

const (
	RoutingKeyCustodyCreate    = "custody.transaction.create"
	RoutingKeyCustodySubmitted = "custody.transaction.submitted"

	requestHandlerTimeout = 15 * time.Second
)

// CustodyRequestConsumer handles platform requests arriving over RabbitMQ. Handlers return
// false only for failures a redelivery could fix; bad payloads are acknowledged and dropped.
type CustodyRequestConsumer struct {
	custody *CustodyService
}

func NewCustodyRequestConsumer(custody *CustodyService) *CustodyRequestConsumer {
	return &CustodyRequestConsumer{custody: custody}
}

// Bindings maps each routing key to its handler for rabbitmq.Consumer.Bind.
func (c *CustodyRequestConsumer) Bindings() map[string]func([]byte) bool {
	return map[string]func([]byte) bool{
		RoutingKeyCustodyCreate:    c.HandleCreate,
		RoutingKeyCustodySubmitted: c.HandleSubmitted,
	}
}

func (c *CustodyRequestConsumer) HandleCreate(body []byte) bool {
	var req domain.CreateCustodyTransactionRequest
	if err := json.Unmarshal(body, &req); err != nil {
		log.Printf("level=warn component=request_consumer msg=\"failed to unmarshal create request\" err=%v", err)
		return true
	}

	ctx, cancel := context.WithTimeout(context.Background(), requestHandlerTimeout)
	defer cancel()

	txn, created, err := c.custody.Create(ctx, req)
	if err != nil {
		if errors.Is(err, ErrInvalidCustodyRequest) {
			log.Printf("level=warn component=request_consumer msg=\"rejecting create request\" sep_tx_id=%s err=%v", req.SepTxID, err)
			return true
		}
		log.Printf("level=error component=request_consumer msg=\"create request failed\" sep_tx_id=%s err=%v", req.SepTxID, err)
		return false
	}

	log.Printf("level=info component=request_consumer msg=\"create request handled\" sep_tx_id=%s custody_txn_id=%s created=%t", txn.SepTxID, txn.ID, created)
	return true
}

func (c *CustodyRequestConsumer) HandleSubmitted(body []byte) bool {
	var req domain.SubmitCustodyTransactionRequest
	if err := json.Unmarshal(body, &req); err != nil {
		log.Printf("level=warn component=request_consumer msg=\"failed to unmarshal submit request\" err=%v", err)
		return true
	}
	if strings.TrimSpace(req.SepTxID) == "" {
		log.Printf("level=warn component=request_consumer msg=\"submit request missing sep_tx_id\"")
		return true
	}

	ctx, cancel := context.WithTimeout(context.Background(), requestHandlerTimeout)
	defer cancel()

	txn, err := c.custody.Submit(ctx, req)
	if err != nil {
		switch {
		case errors.Is(err, store.ErrCustodyTransactionNotFound),
			errors.Is(err, ErrInvalidCustodyRequest),
			errors.Is(err, ErrInvalidTransition):
			log.Printf("level=warn component=request_consumer msg=\"rejecting submit request\" sep_tx_id=%s err=%v", req.SepTxID, err)
			return true
		}
		log.Printf("level=error component=request_consumer msg=\"submit request failed\" sep_tx_id=%s err=%v", req.SepTxID, err)
		return false
	}

	log.Printf("level=info component=request_consumer msg=\"submit request handled\" sep_tx_id=%s custody_txn_id=%s status=%s", txn.SepTxID, txn.ID, txn.Status)
	return true
}
