package handler

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexus/payments/internal/domain"
	"github.com/nexus/payments/internal/provider"
	"github.com/nexus/payments/internal/reconcile"
	"github.com/nexus/payments/internal/service"
	"github.com/nexus/payments/internal/signature"
	"github.com/nexus/payments/internal/testutil"
)

const (
	webhookSecret = "mp_webhook_secret"
	customSecret  = "custom_payment_secret"
	playerUUID    = "9f3a21bc-0000-0000-0000-000000000001"
)

type testEnv struct {
	store  *testutil.MemStore
	server *httptest.Server

	mu        sync.Mutex
	mpHandler http.HandlerFunc
}

// swapMPHandler replaces the stub provider response mid-test.
func (e *testEnv) swapMPHandler(t *testing.T, h http.HandlerFunc) {
	t.Helper()
	e.mu.Lock()
	defer e.mu.Unlock()
	e.mpHandler = h
}

func (e *testEnv) serveMP(w http.ResponseWriter, r *http.Request) {
	e.mu.Lock()
	h := e.mpHandler
	e.mu.Unlock()
	h(w, r)
}

// newTestEnv wires the full stack the way cmd/api does, with an in-memory
// store and a stub Mercado Pago API.
func newTestEnv(t *testing.T, mpHandler http.HandlerFunc) *testEnv {
	t.Helper()

	store := testutil.NewMemStore()
	store.AddPlayer(playerUUID, "Player123", decimal.RequireFromString("10.00"))

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	engine := reconcile.NewEngine(store, store, store, store.OutboxRepo(), logger)

	env := &testEnv{store: store, mpHandler: mpHandler}
	mpSrv := httptest.NewServer(http.HandlerFunc(env.serveMP))
	t.Cleanup(mpSrv.Close)
	mpClient := provider.NewMercadoPagoClient("test-token", mpSrv.URL, 5*time.Second, logger)

	svc := service.NewPaymentService(engine, mpClient, webhookSecret, customSecret, logger)

	webhookHandler := NewWebhookHandler(svc, logger)
	customHandler := NewCustomPaymentHandler(svc, logger)

	r := chi.NewRouter()
	r.Use(JSONContentType)
	r.Route("/api/webhooks", func(r chi.Router) {
		r.Post("/mercadopago", webhookHandler.HandleMercadoPago)
		r.Route("/custom", func(r chi.Router) {
			r.Post("/confirm", customHandler.Confirm)
			r.Post("/pending", customHandler.Pending)
			r.Get("/generate-signature", customHandler.GenerateSignature)
		})
	})

	env.server = httptest.NewServer(r)
	t.Cleanup(env.server.Close)
	return env
}

func noMPCalls(t *testing.T) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		t.Error("unexpected call to the payment provider API")
	}
}

func mpPayment(status, amount, username string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{
			"id": 555,
			"status": %q,
			"transaction_amount": %s,
			"payment_type_id": "bank_transfer",
			"metadata": {"username": %q}
		}`, status, amount, username)
	}
}

func (e *testEnv) postSigned(t *testing.T, path string, body []byte) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, e.server.URL+path, bytes.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Payment-Signature", signature.Sign(body, customSecret))
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

// postWebhook sends a provider notification with a valid manifest signature.
func (e *testEnv) postWebhook(t *testing.T, paymentID string) *http.Response {
	t.Helper()
	body := []byte(fmt.Sprintf(`{"type":"payment","data":{"id":%s}}`, paymentID))
	ts := fmt.Sprintf("%d", time.Now().Unix())
	requestID := "req-test-1"
	manifest := fmt.Sprintf("id:%s;request-id:%s;ts:%s;", paymentID, requestID, ts)
	sig := signature.Sign([]byte(manifest), webhookSecret)

	req, err := http.NewRequest(http.MethodPost, e.server.URL+"/api/webhooks/mercadopago", bytes.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("x-signature", fmt.Sprintf("ts=%s,v1=%s", ts, sig))
	req.Header.Set("x-request-id", requestID)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func decodeBody(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	defer resp.Body.Close()
	var m map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&m))
	return m
}

func TestManualConfirm(t *testing.T) {
	env := newTestEnv(t, noMPCalls(t))

	body := []byte(`{"username":"Player123","amount":100.00,"method":"MANUAL"}`)
	resp := env.postSigned(t, "/api/webhooks/custom/confirm", body)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	payload := decodeBody(t, resp)
	assert.Equal(t, true, payload["success"])
	data := payload["data"].(map[string]any)
	assert.Equal(t, "Player123", data["player"])
	assert.Equal(t, "110", fmt.Sprint(data["newBalance"]), "newBalance = oldBalance + 100.00")

	externalID := data["externalId"].(string)
	assert.Regexp(t, `^CUSTOM_\d+_[0-9a-f]{8}$`, externalID)

	tx := env.store.TransactionByExternalID(externalID)
	require.NotNil(t, tx)
	assert.Equal(t, domain.StatusCompleted, tx.Status)
}

func TestManualConfirmTamperedSignature(t *testing.T) {
	env := newTestEnv(t, noMPCalls(t))

	body := []byte(`{"username":"Player123","amount":100.00,"method":"MANUAL"}`)
	req, err := http.NewRequest(http.MethodPost, env.server.URL+"/api/webhooks/custom/confirm", bytes.NewReader(body))
	require.NoError(t, err)
	// Signed over a different amount.
	req.Header.Set("X-Payment-Signature",
		signature.Sign([]byte(`{"username":"Player123","amount":999.00,"method":"MANUAL"}`), customSecret))
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	// Zero storage side effects.
	assert.Equal(t, 0, env.store.TransactionCount())
	assert.True(t, env.store.Balance(playerUUID).Equal(decimal.RequireFromString("10.00")))
}

func TestManualConfirmMissingFields(t *testing.T) {
	env := newTestEnv(t, noMPCalls(t))

	body := []byte(`{"method":"MANUAL"}`)
	resp := env.postSigned(t, "/api/webhooks/custom/confirm", body)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestManualConfirmUnknownPlayer(t *testing.T) {
	env := newTestEnv(t, noMPCalls(t))

	body := []byte(`{"username":"Ghost","amount":100.00,"method":"MANUAL"}`)
	resp := env.postSigned(t, "/api/webhooks/custom/confirm", body)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, 0, env.store.TransactionCount())
}

func TestPendingThenApprovedWebhook(t *testing.T) {
	env := newTestEnv(t, mpPayment("approved", "50.00", "Player123"))

	// Caller registers the pending payment under the provider's id.
	body := []byte(`{"username":"Player123","amount":50.00,"method":"MERCADO_PAGO_PIX","externalId":"MP_555"}`)
	resp := env.postSigned(t, "/api/webhooks/custom/pending", body)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	tx := env.store.TransactionByExternalID("MP_555")
	require.NotNil(t, tx)
	assert.Equal(t, domain.StatusPending, tx.Status)
	assert.True(t, env.store.Balance(playerUUID).Equal(decimal.RequireFromString("10.00")),
		"pending must not move the balance")

	// Provider approves; the same row transitions and credits exactly 50.
	resp = env.postWebhook(t, "555")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, decodeBody(t, resp)["received"])

	tx = env.store.TransactionByExternalID("MP_555")
	assert.Equal(t, domain.StatusCompleted, tx.Status)
	assert.True(t, env.store.Balance(playerUUID).Equal(decimal.RequireFromString("60.00")),
		"balance moved by exactly 50.00, got %s", env.store.Balance(playerUUID))
	assert.Equal(t, 1, env.store.TransactionCount())
}

func TestApprovedWebhookRedelivery(t *testing.T) {
	env := newTestEnv(t, mpPayment("approved", "50.00", "Player123"))

	for i := 0; i < 3; i++ {
		resp := env.postWebhook(t, "555")
		require.Equal(t, http.StatusOK, resp.StatusCode)
		resp.Body.Close()
	}

	assert.Equal(t, 1, env.store.TransactionCount())
	assert.True(t, env.store.Balance(playerUUID).Equal(decimal.RequireFromString("60.00")),
		"three deliveries, one credit")
}

func TestWebhookBadSignature(t *testing.T) {
	env := newTestEnv(t, noMPCalls(t))

	body := []byte(`{"type":"payment","data":{"id":555}}`)
	req, err := http.NewRequest(http.MethodPost, env.server.URL+"/api/webhooks/mercadopago", bytes.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("x-signature", "ts=1704908010,v1=deadbeef")
	req.Header.Set("x-request-id", "req-test-1")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, 0, env.store.TransactionCount())
}

func TestWebhookIgnoresOtherTypes(t *testing.T) {
	env := newTestEnv(t, noMPCalls(t))

	body := []byte(`{"type":"plan","data":{"id":7}}`)
	ts := fmt.Sprintf("%d", time.Now().Unix())
	manifest := fmt.Sprintf("id:7;request-id:req-test-1;ts:%s;", ts)
	req, err := http.NewRequest(http.MethodPost, env.server.URL+"/api/webhooks/mercadopago", bytes.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("x-signature", fmt.Sprintf("ts=%s,v1=%s", ts, signature.Sign([]byte(manifest), webhookSecret)))
	req.Header.Set("x-request-id", "req-test-1")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 0, env.store.TransactionCount())
}

func TestWebhookProviderDownIsRetryable(t *testing.T) {
	env := newTestEnv(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})

	resp := env.postWebhook(t, "555")
	defer resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode,
		"provider failure answers 5xx so the notification is redelivered")
	assert.Equal(t, 0, env.store.TransactionCount())
}

func TestWebhookUnknownPlayerIsAcknowledged(t *testing.T) {
	env := newTestEnv(t, mpPayment("approved", "50.00", "Ghost"))

	resp := env.postWebhook(t, "555")
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode, "redelivery cannot fix an unknown player")
	assert.Equal(t, 0, env.store.TransactionCount())
}

func TestWebhookRejectedAfterCompletedIsAcknowledged(t *testing.T) {
	env := newTestEnv(t, mpPayment("approved", "50.00", "Player123"))

	resp := env.postWebhook(t, "555")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	// Same payment now reports rejected: the conflict is absorbed, the
	// completed state stands.
	env.swapMPHandler(t, mpPayment("rejected", "50.00", "Player123"))

	resp = env.postWebhook(t, "555")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	assert.Equal(t, domain.StatusCompleted, env.store.TransactionByExternalID("MP_555").Status)
	assert.True(t, env.store.Balance(playerUUID).Equal(decimal.RequireFromString("60.00")))
}

func TestGenerateSignature(t *testing.T) {
	env := newTestEnv(t, noMPCalls(t))

	resp, err := http.Get(env.server.URL + "/api/webhooks/custom/generate-signature?username=Player123&amount=100.00")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	payload := decodeBody(t, resp)
	body := payload["body"].(string)
	sig := payload["signature"].(string)
	assert.JSONEq(t, `{"username":"Player123","amount":100,"method":"MANUAL"}`, body)
	assert.Equal(t, signature.Sign([]byte(body), customSecret), sig)

	// The generated pair round-trips through the confirm endpoint.
	confirmResp := env.postSigned(t, "/api/webhooks/custom/confirm", []byte(body))
	defer confirmResp.Body.Close()
	assert.Equal(t, http.StatusOK, confirmResp.StatusCode)
}
