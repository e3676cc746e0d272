package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/transfa/custody-service/internal/api"
	"github.com/transfa/custody-service/internal/app"
	"github.com/transfa/custody-service/internal/domain"
	"github.com/transfa/custody-service/internal/observer"
)

type clientOptions struct {
	baseURL string
	apiKey  string
	timeout time.Duration
}

func (o *clientOptions) client() *internalClient {
	return &internalClient{
		baseURL:    strings.TrimRight(strings.TrimSpace(o.baseURL), "/"),
		apiKey:     o.apiKey,
		httpClient: &http.Client{Timeout: o.timeout},
	}
}

// internalClient calls the /internal routes of a custody-service.
type internalClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

func (c *internalClient) Streams(ctx context.Context) ([]observer.StreamStatus, error) {
	var body struct {
		Streams []observer.StreamStatus `json:"streams"`
	}
	if _, err := c.do(ctx, http.MethodGet, "/internal/streams", nil, &body); err != nil {
		return nil, err
	}
	return body.Streams, nil
}

func (c *internalClient) Reconcile(ctx context.Context) (*app.ReconcileResult, error) {
	var result app.ReconcileResult
	if _, err := c.do(ctx, http.MethodPost, "/internal/reconcile", nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *internalClient) Replay(ctx context.Context, eventID string) (int, error) {
	var body struct {
		Requeued int `json:"requeued"`
	}
	if _, err := c.do(ctx, http.MethodPost, "/internal/events/"+eventID+"/replay", nil, &body); err != nil {
		return 0, err
	}
	return body.Requeued, nil
}

func (c *internalClient) GetTransaction(ctx context.Context, id string) (*domain.CustodyTransaction, error) {
	var txn domain.CustodyTransaction
	if _, err := c.do(ctx, http.MethodGet, "/internal/transactions/"+id, nil, &txn); err != nil {
		return nil, err
	}
	return &txn, nil
}

func (c *internalClient) CreateTransaction(ctx context.Context, req domain.CreateCustodyTransactionRequest) (*domain.CustodyTransaction, bool, error) {
	var txn domain.CustodyTransaction
	status, err := c.do(ctx, http.MethodPost, "/internal/transactions", req, &txn)
	if err != nil {
		return nil, false, err
	}
	return &txn, status == http.StatusCreated, nil
}

func (c *internalClient) do(ctx context.Context, method, path string, payload, out interface{}) (int, error) {
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return 0, fmt.Errorf("failed to encode request: %w", err)
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return 0, err
	}
	req.Header.Set(api.InternalAPIKeyHeader, c.apiKey)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return resp.StatusCode, fmt.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return resp.StatusCode, nil
}
