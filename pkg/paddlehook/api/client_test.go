package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flyweightdev/paddlehook/pkg/paddlehook"
)

func TestNew_Validation(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)

	c, err := New(Config{APIKey: "pdl_key"})
	require.NoError(t, err)
	assert.Equal(t, sandboxBaseURL, c.baseURL)

	c, err = New(Config{APIKey: "pdl_key", Environment: paddlehook.EnvironmentProduction})
	require.NoError(t, err)
	assert.Equal(t, productionBaseURL, c.baseURL)
}

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	c, err := New(Config{APIKey: "pdl_test_key", BaseURL: server.URL})
	require.NoError(t, err)
	return c
}

func TestCreateTransaction(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/transactions", r.URL.Path)
		assert.Equal(t, "Bearer pdl_test_key", r.Header.Get("Authorization"))

		var req CreateTransactionRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "pri_1", req.Items[0].PriceID)
		assert.Equal(t, "u1", req.CustomData["user_id"])

		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"data": {"id": "txn_1", "status": "draft", "checkout": {"url": "https://pay.example/abc"}}}`))
	})

	txn, err := c.CreateTransaction(context.Background(), &CreateTransactionRequest{
		Items:      []CheckoutItem{{PriceID: "pri_1", Quantity: 1}},
		CustomData: map[string]any{"user_id": "u1"},
	})
	require.NoError(t, err)
	assert.Equal(t, "txn_1", txn.ID)
	assert.Equal(t, "https://pay.example/abc", txn.Checkout.URL)
}

func TestGetSubscription(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/subscriptions/sub_1", r.URL.Path)
		_, _ = w.Write([]byte(`{"data": {"id": "sub_1", "status": "active", "customer_id": "ctm_1"}}`))
	})

	sub, err := c.GetSubscription(context.Background(), "sub_1")
	require.NoError(t, err)
	assert.Equal(t, "active", sub.Status)
}

func TestAPIErrorSurfaced(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error": {"code": "entity_not_found", "detail": "subscription does not exist"}}`))
	})

	_, err := c.GetSubscription(context.Background(), "sub_missing")
	require.Error(t, err)
	assert.ErrorIs(t, err, paddlehook.ErrAPIError)
	assert.Contains(t, err.Error(), "entity_not_found")
}

func TestCancelSubscription(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/subscriptions/sub_1/cancel", r.URL.Path)
		var req map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "next_billing_period", req["effective_from"])
		_, _ = w.Write([]byte(`{"data": {}}`))
	})

	require.NoError(t, c.CancelSubscription(context.Background(), "sub_1", "next_billing_period"))
}

func TestCreateCustomer(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/customers", r.URL.Path)
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"data": {"id": "ctm_1", "email": "a@b.c", "status": "active"}}`))
	})

	customer, err := c.CreateCustomer(context.Background(), &CreateCustomerRequest{
		Email:      "a@b.c",
		CustomData: map[string]any{"user_id": "u1"},
	})
	require.NoError(t, err)
	assert.Equal(t, "ctm_1", customer.ID)
}
