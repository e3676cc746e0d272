package fireblocks

import (
	"context"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) (*Client, *httptest.Server) {
	t.Helper()
	key := newTestKey(t)
	secretPEM := string(pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)}))

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	client, err := NewClient(server.URL+"/", "api-key-1", secretPEM, 2*time.Second)
	if err != nil {
		t.Fatalf("NewClient returned error: %v", err)
	}
	return client, server
}

func TestListTransactions_SignsRequestAndEncodesQuery(t *testing.T) {
	var client *Client
	client, _ = newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/transactions" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		q := r.URL.Query()
		if q.Get("after") != "1700000000000" || q.Get("limit") != "50" || q.Get("orderBy") != "createdAt" || q.Get("sort") != "ASC" {
			t.Errorf("unexpected query %s", r.URL.RawQuery)
		}
		if r.Header.Get("X-API-Key") != "api-key-1" {
			t.Errorf("expected api key header, got %q", r.Header.Get("X-API-Key"))
		}

		raw := r.Header.Get("Authorization")[len("Bearer "):]
		token, err := jwt.Parse(raw, func(token *jwt.Token) (interface{}, error) {
			return &client.secretKey.PublicKey, nil
		}, jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}))
		if err != nil || !token.Valid {
			t.Errorf("expected valid request token, got err=%v", err)
		} else {
			claims := token.Claims.(jwt.MapClaims)
			if claims["uri"] != r.URL.RequestURI() {
				t.Errorf("expected uri claim %q, got %v", r.URL.RequestURI(), claims["uri"])
			}
			if claims["sub"] != "api-key-1" {
				t.Errorf("expected sub claim api-key-1, got %v", claims["sub"])
			}
		}

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`[{"id":"fb-1","status":"COMPLETED","assetId":"USDC","amountInfo":{"amount":"10"},"createdAt":1700000000001}]`))
	})

	txs, err := client.ListTransactions(context.Background(), ListTransactionsParams{After: 1700000000000, Limit: 50})
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if len(txs) != 1 || txs[0].ID != "fb-1" || txs[0].AmountInfo.Amount != "10" {
		t.Fatalf("unexpected transactions %+v", txs)
	}
}

func TestGetTransaction_NotFound(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"message":"Transaction not found","code":1404}`))
	})

	_, err := client.GetTransaction(context.Background(), "missing")
	if !errors.Is(err, ErrTransactionNotFound) {
		t.Fatalf("expected ErrTransactionNotFound, got %v", err)
	}
}

func TestGetTransaction_ErrorResponse(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"message":"Unauthorized: invalid signature","code":-7}`))
	})

	_, err := client.GetTransaction(context.Background(), "fb-1")
	var apiErr *ErrorResponse
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected ErrorResponse, got %v", err)
	}
	if apiErr.StatusCode != http.StatusUnauthorized || apiErr.Code != -7 {
		t.Fatalf("unexpected error response %+v", apiErr)
	}
}

func TestStatusHelpers(t *testing.T) {
	if !IsCompleted("completed") {
		t.Fatal("expected COMPLETED to be completed")
	}
	for _, status := range []string{StatusFailed, StatusRejected, StatusCancelled, StatusBlocked} {
		if !IsFailed(status) {
			t.Fatalf("expected %s to be failed", status)
		}
	}
	if IsFailed(StatusConfirming) || IsCompleted(StatusConfirming) {
		t.Fatal("expected CONFIRMING to be pending")
	}
	if IsTransactionEvent("VAULT_ACCOUNT_ADDED") {
		t.Fatal("expected vault event not to be a transaction event")
	}
}
