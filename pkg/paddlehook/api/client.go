// Package api is a thin client for the outbound Paddle REST calls
// that surround the webhook pipeline: creating customers, creating
// checkout transactions, and changing subscriptions. These are plain
// request/response calls with no delivery or idempotency guarantees
// of their own; the webhook processor picks up their consequences as
// events.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/flyweightdev/paddlehook/pkg/paddlehook"
)

const (
	sandboxBaseURL    = "https://sandbox-api.paddle.com"
	productionBaseURL = "https://api.paddle.com"
)

// Config holds API client configuration.
type Config struct {
	// APIKey is the Paddle API key (required).
	APIKey string

	// Environment selects sandbox or production.
	// Default: paddlehook.EnvironmentSandbox.
	Environment paddlehook.Environment

	// BaseURL overrides the environment-derived API base URL. Intended
	// for tests and proxies.
	BaseURL string

	// HTTPClient is an optional HTTP client. If nil, a default client
	// with a 10s timeout is used.
	HTTPClient *http.Client

	// Metrics is an optional metrics collector for API call tracking.
	Metrics paddlehook.Metrics
}

// Client calls the Paddle REST API.
type Client struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	metrics    paddlehook.Metrics
}

// New creates a Paddle API client.
func New(config Config) (*Client, error) {
	if config.APIKey == "" {
		return nil, fmt.Errorf("api key is required")
	}

	baseURL := sandboxBaseURL
	if config.Environment == paddlehook.EnvironmentProduction {
		baseURL = productionBaseURL
	}
	if config.BaseURL != "" {
		baseURL = config.BaseURL
	}

	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}

	metrics := config.Metrics
	if metrics == nil {
		metrics = &paddlehook.NoopMetrics{}
	}

	return &Client{
		httpClient: httpClient,
		baseURL:    baseURL,
		apiKey:     config.APIKey,
		metrics:    metrics,
	}, nil
}

// Customer is the API representation of a Paddle customer.
type Customer struct {
	ID     string `json:"id"`
	Email  string `json:"email"`
	Name   string `json:"name,omitempty"`
	Status string `json:"status,omitempty"`
}

// CreateCustomerRequest creates a customer ahead of checkout so its
// custom_data carries linkage identifiers from the first event on.
type CreateCustomerRequest struct {
	Email      string         `json:"email"`
	Name       string         `json:"name,omitempty"`
	CustomData map[string]any `json:"custom_data,omitempty"`
}

// CreateCustomer creates a customer in Paddle.
func (c *Client) CreateCustomer(ctx context.Context, req *CreateCustomerRequest) (*Customer, error) {
	var out Customer
	if err := c.do(ctx, http.MethodPost, "/customers", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CheckoutItem is one price line in a checkout transaction.
type CheckoutItem struct {
	PriceID  string `json:"price_id"`
	Quantity int    `json:"quantity"`
}

// CreateTransactionRequest opens a checkout transaction. CustomData
// should carry the linkage identifiers (user_id/org_id) so webhook
// events can be tied back to local records.
type CreateTransactionRequest struct {
	Items      []CheckoutItem `json:"items"`
	CustomerID string         `json:"customer_id,omitempty"`
	CustomData map[string]any `json:"custom_data,omitempty"`
}

// Transaction is the API representation of a checkout transaction.
type Transaction struct {
	ID       string `json:"id"`
	Status   string `json:"status"`
	Checkout struct {
		URL string `json:"url"`
	} `json:"checkout"`
}

// CreateTransaction creates a checkout transaction and returns it,
// including the hosted checkout URL.
func (c *Client) CreateTransaction(ctx context.Context, req *CreateTransactionRequest) (*Transaction, error) {
	var out Transaction
	if err := c.do(ctx, http.MethodPost, "/transactions", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Subscription is the API representation of a subscription.
type Subscription struct {
	ID         string         `json:"id"`
	Status     string         `json:"status"`
	CustomerID string         `json:"customer_id"`
	CustomData map[string]any `json:"custom_data,omitempty"`
}

// GetSubscription fetches a subscription from Paddle.
func (c *Client) GetSubscription(ctx context.Context, id string) (*Subscription, error) {
	var out Subscription
	if err := c.do(ctx, http.MethodGet, "/subscriptions/"+id, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// UpdateSubscriptionRequest patches a subscription's custom data.
type UpdateSubscriptionRequest struct {
	CustomData map[string]any `json:"custom_data,omitempty"`
}

// UpdateSubscription patches a subscription in Paddle.
func (c *Client) UpdateSubscription(ctx context.Context, id string, req *UpdateSubscriptionRequest) (*Subscription, error) {
	var out Subscription
	if err := c.do(ctx, http.MethodPatch, "/subscriptions/"+id, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// effectiveFromRequest selects when a lifecycle change takes effect:
// "immediately" or "next_billing_period".
type effectiveFromRequest struct {
	EffectiveFrom string `json:"effective_from,omitempty"`
}

// CancelSubscription schedules or performs a cancellation. The
// resulting state change arrives as a subscription.canceled event.
func (c *Client) CancelSubscription(ctx context.Context, id, effectiveFrom string) error {
	return c.do(ctx, http.MethodPost, "/subscriptions/"+id+"/cancel", effectiveFromRequest{EffectiveFrom: effectiveFrom}, nil)
}

// PauseSubscription schedules or performs a pause.
func (c *Client) PauseSubscription(ctx context.Context, id, effectiveFrom string) error {
	return c.do(ctx, http.MethodPost, "/subscriptions/"+id+"/pause", effectiveFromRequest{EffectiveFrom: effectiveFrom}, nil)
}

// ResumeSubscription resumes a paused subscription.
func (c *Client) ResumeSubscription(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodPost, "/subscriptions/"+id+"/resume", struct{}{}, nil)
}

// apiEnvelope is Paddle's response wrapper.
type apiEnvelope struct {
	Data  json.RawMessage `json:"data"`
	Error *struct {
		Code   string `json:"code"`
		Detail string `json:"detail"`
	} `json:"error"`
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	start := time.Now()

	var reqBody *bytes.Buffer
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		reqBody = bytes.NewBuffer(encoded)
	} else {
		reqBody = bytes.NewBuffer(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.metrics.RecordAPICall(path, "error")
		return fmt.Errorf("%w: %w", paddlehook.ErrAPIError, err)
	}
	defer resp.Body.Close()

	c.metrics.RecordAPICall(path, strconv.Itoa(resp.StatusCode))
	c.metrics.RecordAPICallDuration(path, time.Since(start))

	var envelope apiEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil && out != nil {
		return fmt.Errorf("%w: failed to decode response: %w", paddlehook.ErrAPIError, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		if envelope.Error != nil {
			return fmt.Errorf("%w: %s (%s)", paddlehook.ErrAPIError, envelope.Error.Detail, envelope.Error.Code)
		}
		return fmt.Errorf("%w: status %d", paddlehook.ErrAPIError, resp.StatusCode)
	}

	if out != nil {
		if err := json.Unmarshal(envelope.Data, out); err != nil {
			return fmt.Errorf("%w: failed to decode data: %w", paddlehook.ErrAPIError, err)
		}
	}
	return nil
}
