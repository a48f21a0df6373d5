// Package rest talks to the inventory, payment and shipping services over
// their JSON HTTP APIs.
package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"fulfillment/internal/orders"
)

// IdempotencyHeader carries the step's idempotency key on every mutating call.
const IdempotencyHeader = "Idempotency-Key"

const maxErrorBody = 4 << 10

// Client is the shared JSON transport for the step services.
type Client struct {
	base string
	http *http.Client
}

// NewClient constructs a Client rooted at baseURL. A nil httpClient gets one
// with the given timeout.
func NewClient(baseURL string, httpClient *http.Client, timeout time.Duration) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid service url %q", baseURL)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: timeout}
	}
	return &Client{base: strings.TrimRight(baseURL, "/"), http: httpClient}, nil
}

// StatusError is a non-2xx reply.
type StatusError struct {
	Method string
	Path   string
	Code   int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s: status %d: %s", e.Method, e.Path, e.Code, e.Body)
}

// errorBody is the error envelope the services reply with.
type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func (c *Client) do(ctx context.Context, method, path, key string, in, out any) error {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return orders.Terminal(fmt.Errorf("encode %s request: %w", path, err))
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return orders.Terminal(fmt.Errorf("build %s request: %w", path, err))
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if key != "" {
		req.Header.Set(IdempotencyHeader, key)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return orders.Transient(fmt.Errorf("%s %s: %w", method, path, err))
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &StatusError{Method: method, Path: path, Code: resp.StatusCode, Body: describe(raw)}
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return orders.Transient(fmt.Errorf("decode %s response: %w", path, err))
	}
	return nil
}

func describe(raw []byte) string {
	var eb errorBody
	if json.Unmarshal(raw, &eb) == nil && (eb.Message != "" || eb.Error != "") {
		if eb.Message != "" {
			return eb.Message
		}
		return eb.Error
	}
	return strings.TrimSpace(string(raw))
}

// classify maps a reply onto the step error taxonomy. rejection is the
// business error a 402, 409 or 422 stands for.
func classify(err error, rejection error) error {
	var statusErr *StatusError
	if !errors.As(err, &statusErr) {
		return err
	}
	switch code := statusErr.Code; {
	case code == http.StatusPaymentRequired, code == http.StatusConflict, code == http.StatusUnprocessableEntity:
		return orders.Terminal(fmt.Errorf("%w: %s", rejection, statusErr.Body))
	case code == http.StatusTooManyRequests, code == http.StatusRequestTimeout, code >= 500:
		return orders.Transient(statusErr)
	default:
		return orders.Terminal(statusErr)
	}
}

// lookupResult is the reply to a by-key query.
type lookupResult struct {
	Status    string `json:"status"`
	Reference string `json:"reference"`
	Detail    string `json:"detail"`
}

func (c *Client) lookup(ctx context.Context, path string, rejection error) (orders.StepResult, error) {
	var out lookupResult
	err := c.do(ctx, http.MethodGet, path, "", nil, &out)
	var statusErr *StatusError
	if errors.As(err, &statusErr) && statusErr.Code == http.StatusNotFound {
		return orders.StepResult{}, orders.ErrUnknownKey
	}
	if err != nil {
		return orders.StepResult{}, classify(err, rejection)
	}
	status := orders.ResultStatus(strings.ToUpper(out.Status))
	switch status {
	case orders.ResultSucceeded, orders.ResultFailed, orders.ResultPending:
	default:
		return orders.StepResult{}, orders.Transient(fmt.Errorf("lookup %s: unexpected status %q", path, out.Status))
	}
	return orders.StepResult{Status: status, Reference: out.Reference, Detail: out.Detail}, nil
}

func byKey(prefix, key string) string {
	return prefix + "/by-key/" + url.PathEscape(key)
}
