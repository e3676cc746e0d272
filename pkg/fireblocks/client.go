/**
 * @description
 * This package provides a client for the custodial payment provider (Fireblocks) API.
 * It signs every request with a short-lived RS256 JWT bound to the request path and
 * body hash, and maps non-2xx responses onto ErrorResponse so callers can classify them.
 *
 * @dependencies
 * - github.com/golang-jwt/jwt/v5: Request signing and PEM key parsing.
 * - github.com/google/uuid: Per-request nonce.
 */
package fireblocks

import (
	"bytes"
	"context"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var ErrTransactionNotFound = errors.New("fireblocks transaction not found")

const tokenLifetime = 30 * time.Second

// Client is a client for the Fireblocks API.
type Client struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client

	secretKey *rsa.PrivateKey
	now       func() time.Time
}

// NewClient creates a new Fireblocks API client. secretKeyPEM is the RSA key registered
// for the API user.
func NewClient(baseURL, apiKey, secretKeyPEM string, timeout time.Duration) (*Client, error) {
	key, err := jwt.ParseRSAPrivateKeyFromPEM([]byte(secretKeyPEM))
	if err != nil {
		return nil, fmt.Errorf("parse fireblocks secret key: %w", err)
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		BaseURL:    strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		APIKey:     strings.TrimSpace(apiKey),
		HTTPClient: &http.Client{Timeout: timeout},
		secretKey:  key,
		now:        time.Now,
	}, nil
}

// ErrorResponse represents an error from the Fireblocks API.
type ErrorResponse struct {
	StatusCode int    `json:"-"`
	Message    string `json:"message"`
	Code       int    `json:"code"`
}

func (e *ErrorResponse) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("fireblocks api error: status %d code %d - %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("fireblocks api error: status %d", e.StatusCode)
}

// ListTransactionsParams filters the transaction history query.
type ListTransactionsParams struct {
	// After is a creation time in unix milliseconds; only later transactions are returned.
	After   int64
	Limit   int
	OrderBy string
	Sort    string
}

// ListTransactions returns transaction history ordered by creation time, oldest first by default.
func (c *Client) ListTransactions(ctx context.Context, params ListTransactionsParams) ([]TransactionDetails, error) {
	query := url.Values{}
	if params.After > 0 {
		query.Set("after", strconv.FormatInt(params.After, 10))
	}
	if params.Limit > 0 {
		query.Set("limit", strconv.Itoa(params.Limit))
	}
	orderBy := params.OrderBy
	if orderBy == "" {
		orderBy = "createdAt"
	}
	sort := params.Sort
	if sort == "" {
		sort = "ASC"
	}
	query.Set("orderBy", orderBy)
	query.Set("sort", sort)

	var transactions []TransactionDetails
	if err := c.do(ctx, http.MethodGet, "/v1/transactions?"+query.Encode(), nil, &transactions); err != nil {
		return nil, err
	}
	return transactions, nil
}

// GetTransaction fetches a single transaction by provider id.
func (c *Client) GetTransaction(ctx context.Context, txID string) (*TransactionDetails, error) {
	var details TransactionDetails
	if err := c.do(ctx, http.MethodGet, "/v1/transactions/"+url.PathEscape(txID), nil, &details); err != nil {
		var apiErr *ErrorResponse
		if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound {
			return nil, ErrTransactionNotFound
		}
		return nil, err
	}
	return &details, nil
}

// do is a generic helper function to execute signed requests.
func (c *Client) do(ctx context.Context, method, path string, payload interface{}, out interface{}) error {
	var body []byte
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("failed to marshal fireblocks request: %w", err)
		}
		body = encoded
	}

	token, err := c.signRequest(path, body)
	if err != nil {
		return fmt.Errorf("failed to sign fireblocks request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create fireblocks request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("X-API-Key", c.APIKey)
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to execute fireblocks request: %w", err)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read fireblocks response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		errResp := &ErrorResponse{StatusCode: resp.StatusCode}
		if len(bodyBytes) > 0 {
			if err := json.Unmarshal(bodyBytes, errResp); err != nil {
				log.Printf("level=warn component=fireblocks_client path=%s status=%d msg=\"non-2xx response (unparsable error body)\"", path, resp.StatusCode)
			}
		}
		errResp.StatusCode = resp.StatusCode
		log.Printf("level=warn component=fireblocks_client path=%s status=%d code=%d message=%q", path, resp.StatusCode, errResp.Code, errResp.Message)
		return errResp
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(bodyBytes, out); err != nil {
		return fmt.Errorf("failed to decode fireblocks response: %w", err)
	}
	return nil
}

func (c *Client) signRequest(path string, body []byte) (string, error) {
	now := c.now()
	bodyHash := sha256.Sum256(body)
	claims := jwt.MapClaims{
		"uri":      path,
		"nonce":    uuid.NewString(),
		"iat":      now.Unix(),
		"exp":      now.Add(tokenLifetime).Unix(),
		"sub":      c.APIKey,
		"bodyHash": hex.EncodeToString(bodyHash[:]),
	}
	return jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(c.secretKey)
}
