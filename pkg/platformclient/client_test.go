package platformclient

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/shopspring/decimal"
)

func TestNotifyOnchainFundsReceived_SendsSignedRPCCall(t *testing.T) {
	var got []rpcRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get(IdempotencyKeyHeader) != "txn-1:notify_onchain_funds_received" {
			t.Errorf("unexpected idempotency key %q", r.Header.Get(IdempotencyKeyHeader))
		}
		raw := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		token, err := jwt.ParseWithClaims(raw, &jwt.RegisteredClaims{}, func(token *jwt.Token) (interface{}, error) {
			return []byte("platform-secret"), nil
		})
		if err != nil || !token.Valid {
			t.Errorf("expected valid token, got err=%v", err)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode body: %v", err)
		}
		w.Write([]byte(`[{"jsonrpc":"2.0","id":"txn-1:notify_onchain_funds_received","result":{}}]`))
	}))
	defer server.Close()

	client := NewClient(server.URL, "platform-secret", time.Second)
	err := client.NotifyOnchainFundsReceived(context.Background(), "txn-1:notify_onchain_funds_received", OnchainFundsReceivedParams{
		TransactionID:        "sep-1",
		StellarTransactionID: "hash-1",
		AmountIn:             NewAmount(decimal.RequireFromString("100"), "USDC"),
	})
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if len(got) != 1 || got[0].Method != MethodNotifyOnchainFundsReceived || got[0].JSONRPC != "2.0" {
		t.Fatalf("unexpected rpc request %+v", got)
	}
}

func TestCall_ReturnsRPCError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[{"jsonrpc":"2.0","id":"k","error":{"code":-32600,"message":"invalid transaction status"}}]`))
	}))
	defer server.Close()

	err := NewClient(server.URL, "", time.Second).NotifyTransactionError(context.Background(), "k", TransactionErrorParams{TransactionID: "sep-1"})
	var rpcErr *RPCError
	if !errors.As(err, &rpcErr) || rpcErr.Code != -32600 {
		t.Fatalf("expected rpc error, got %v", err)
	}
}

func TestCall_ReturnsStatusError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	err := NewClient(server.URL, "", time.Second).NotifyRefundSent(context.Background(), "k", RefundSentParams{TransactionID: "sep-1"})
	var statusErr *StatusError
	if !errors.As(err, &statusErr) || statusErr.StatusCode != http.StatusBadGateway {
		t.Fatalf("expected status error, got %v", err)
	}
}

func TestCall_RequiresBaseURL(t *testing.T) {
	if err := NewClient("", "", time.Second).NotifyOnchainFundsSent(context.Background(), "k", OnchainFundsSentParams{}); err == nil {
		t.Fatal("expected error for empty base url")
	}
}
