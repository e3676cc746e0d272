/**
 * @description
 * This package provides a client for the owning platform's callback endpoint.
 * Notifications are sent as JSON-RPC 2.0 calls authenticated with a short-lived HS256
 * token, and every call carries an idempotency key so the platform can drop replays.
 */
package platformclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/shopspring/decimal"
)

const (
	MethodNotifyTransactionError     = "notify_transaction_error"
	MethodNotifyOnchainFundsReceived = "notify_onchain_funds_received"
	MethodNotifyOnchainFundsSent     = "notify_onchain_funds_sent"
	MethodNotifyRefundSent           = "notify_refund_sent"

	IdempotencyKeyHeader = "Idempotency-Key"
)

// Client is a client for the platform callback API.
type Client struct {
	baseURL    string
	secret     string
	httpClient *http.Client
	now        func() time.Time
}

// NewClient creates a new platform callback client.
func NewClient(baseURL string, secret string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		baseURL:    strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		secret:     secret,
		httpClient: &http.Client{Timeout: timeout},
		now:        time.Now,
	}
}

type rpcRequest struct {
	JSONRPC string      `json:"jsonrpc"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params"`
	ID      string      `json:"id"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      string          `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// RPCError is an error returned in the JSON-RPC response body.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("platform rpc error %d: %s", e.Code, e.Message)
}

// StatusError is returned for non-2xx HTTP responses.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("platform returned error status %d: %s", e.StatusCode, e.Body)
}

// Amount is an asset amount in platform notation.
type Amount struct {
	Amount string `json:"amount"`
	Asset  string `json:"asset"`
}

type TransactionErrorParams struct {
	TransactionID string `json:"transaction_id"`
	Message       string `json:"message,omitempty"`
}

type OnchainFundsReceivedParams struct {
	TransactionID        string  `json:"transaction_id"`
	StellarTransactionID string  `json:"stellar_transaction_id,omitempty"`
	AmountIn             *Amount `json:"amount_in,omitempty"`
	Message              string  `json:"message,omitempty"`
}

type OnchainFundsSentParams struct {
	TransactionID        string `json:"transaction_id"`
	StellarTransactionID string `json:"stellar_transaction_id,omitempty"`
	Message              string `json:"message,omitempty"`
}

type RefundParams struct {
	ID        string `json:"id"`
	Amount    Amount `json:"amount"`
	AmountFee Amount `json:"amount_fee"`
}

type RefundSentParams struct {
	TransactionID string        `json:"transaction_id"`
	Refund        *RefundParams `json:"refund,omitempty"`
	Message       string        `json:"message,omitempty"`
}

// NewAmount formats a decimal amount for the platform.
func NewAmount(amount decimal.Decimal, asset string) *Amount {
	return &Amount{Amount: amount.String(), Asset: asset}
}

func (c *Client) NotifyTransactionError(ctx context.Context, idempotencyKey string, params TransactionErrorParams) error {
	return c.call(ctx, idempotencyKey, MethodNotifyTransactionError, params)
}

func (c *Client) NotifyOnchainFundsReceived(ctx context.Context, idempotencyKey string, params OnchainFundsReceivedParams) error {
	return c.call(ctx, idempotencyKey, MethodNotifyOnchainFundsReceived, params)
}

func (c *Client) NotifyOnchainFundsSent(ctx context.Context, idempotencyKey string, params OnchainFundsSentParams) error {
	return c.call(ctx, idempotencyKey, MethodNotifyOnchainFundsSent, params)
}

func (c *Client) NotifyRefundSent(ctx context.Context, idempotencyKey string, params RefundSentParams) error {
	return c.call(ctx, idempotencyKey, MethodNotifyRefundSent, params)
}

func (c *Client) call(ctx context.Context, idempotencyKey, method string, params interface{}) error {
	if c.baseURL == "" {
		return fmt.Errorf("platform api base url is empty")
	}

	body, err := json.Marshal([]rpcRequest{{
		JSONRPC: "2.0",
		Method:  method,
		Params:  params,
		ID:      idempotencyKey,
	}})
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, bytes.NewBuffer(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(IdempotencyKeyHeader, idempotencyKey)
	if strings.TrimSpace(c.secret) != "" {
		token, err := c.authToken(idempotencyKey)
		if err != nil {
			return fmt.Errorf("failed to sign platform token: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to execute request to platform: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("failed to read platform response: %w", err)
	}
	if resp.StatusCode >= 300 {
		return &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(respBody))}
	}
	if len(bytes.TrimSpace(respBody)) == 0 {
		return nil
	}

	var responses []rpcResponse
	if err := json.Unmarshal(respBody, &responses); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	for _, response := range responses {
		if response.Error != nil {
			return response.Error
		}
	}
	return nil
}

func (c *Client) authToken(jti string) (string, error) {
	now := c.now()
	claims := jwt.RegisteredClaims{
		ID:        jti,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(time.Minute)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(c.secret))
}
