package gin

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flyweightdev/paddlehook/pkg/paddlehook"
	"github.com/flyweightdev/paddlehook/storage/memory"
)

const testSecret = "pdl_ntfset_gin_test"

func newProcessor(t *testing.T) *paddlehook.Processor {
	t.Helper()
	store := memory.New()
	p, err := paddlehook.New(paddlehook.Config{
		Ledger:        store,
		Entities:      store,
		WebhookSecret: testSecret,
	})
	require.NoError(t, err)
	return p
}

func TestRegister(t *testing.T) {
	gin.SetMode(gin.TestMode)
	p := newProcessor(t)
	r := gin.New()
	require.NoError(t, Register(r, p))

	body := []byte(`{
		"event_id": "evt_gin_1",
		"event_type": "customer.created",
		"occurred_at": "2024-04-12T10:18:47Z",
		"data": {"id": "ctm_1", "email": "a@b.c"}
	}`)
	req := httptest.NewRequest(http.MethodPost, p.WebhookPath(), bytes.NewReader(body))
	req.Header.Set("Paddle-Signature", paddlehook.SignPayload(body, testSecret, time.Now()))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"received":true`)
}

func TestRegister_Validation(t *testing.T) {
	gin.SetMode(gin.TestMode)
	assert.Error(t, Register(nil, newProcessor(t)))
	assert.Error(t, Register(gin.New(), nil))
}
