package gateway

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/tabshare/tabshare-api/internal/types"
)

const testSecret = "webhook-test-secret"

// stubEngine records which reference each handler path was invoked with
type stubEngine struct {
	confirmed []string
	failed    []string
	result    *types.ConfirmResult
	err       error
}

func (e *stubEngine) ConfirmPayment(paymentReference string) (*types.ConfirmResult, error) {
	e.confirmed = append(e.confirmed, paymentReference)
	return e.result, e.err
}

func (e *stubEngine) FailPayment(paymentReference string) (*types.ConfirmResult, error) {
	e.failed = append(e.failed, paymentReference)
	return e.result, e.err
}

func setupWebhookRouter(engine *stubEngine) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	handlers := NewWebhookHandlers(engine, testSecret)
	router.POST("/webhooks/payment-gateway", handlers.PaymentEventHandler())
	return router
}

func deliver(t *testing.T, router *gin.Engine, body []byte, signature string) *httptest.ResponseRecorder {
	t.Helper()

	req := httptest.NewRequest("POST", "/webhooks/payment-gateway", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if signature != "" {
		req.Header.Set(SignatureHeader, signature)
	}

	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func signedBody(t *testing.T, payload WebhookPayload) ([]byte, string) {
	t.Helper()

	body, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("failed to marshal payload: %v", err)
	}
	return body, Sign(testSecret, body)
}

func TestSignVerify(t *testing.T) {
	body := []byte(`{"payment_reference":"PAY_x","event_type":"paid","amount":25}`)

	sig := Sign(testSecret, body)
	if !Verify(testSecret, body, sig) {
		t.Error("signature must verify against the body it was computed over")
	}
	if Verify(testSecret, append(body, ' '), sig) {
		t.Error("signature must not verify a tampered body")
	}
	if Verify("other-secret", body, sig) {
		t.Error("signature must not verify under a different secret")
	}
}

func TestWebhookRejectsBadSignature(t *testing.T) {
	engine := &stubEngine{}
	router := setupWebhookRouter(engine)

	body, _ := signedBody(t, WebhookPayload{
		PaymentReference: "PAY_x",
		EventType:        EventPaid,
		Amount:           25,
	})

	w := deliver(t, router, body, "deadbeef")
	if w.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 for a bad signature, got %d", w.Code)
	}

	w = deliver(t, router, body, "")
	if w.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 for a missing signature, got %d", w.Code)
	}

	if len(engine.confirmed)+len(engine.failed) != 0 {
		t.Error("unverified deliveries must never reach the engine")
	}
}

func TestWebhookRejectsMalformedPayload(t *testing.T) {
	engine := &stubEngine{}
	router := setupWebhookRouter(engine)

	body := []byte(`{not json`)
	w := deliver(t, router, body, Sign(testSecret, body))
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for malformed payload, got %d", w.Code)
	}
}

func TestWebhookRejectsUnknownEventType(t *testing.T) {
	engine := &stubEngine{}
	router := setupWebhookRouter(engine)

	body, sig := signedBody(t, WebhookPayload{
		PaymentReference: "PAY_x",
		EventType:        "refunded",
	})
	w := deliver(t, router, body, sig)
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for unknown event type, got %d", w.Code)
	}
	if len(engine.confirmed)+len(engine.failed) != 0 {
		t.Error("unknown event types must not reach the engine")
	}
}

func TestWebhookDispatchesPaidEvent(t *testing.T) {
	engine := &stubEngine{
		result: &types.ConfirmResult{
			GroupOrderID: "GRP_x",
			EntryStatus:  types.EntryStatusPaid,
			PaidSum:      25,
			GroupStatus:  types.GroupStatusPending,
			Applied:      true,
		},
	}
	router := setupWebhookRouter(engine)

	body, sig := signedBody(t, WebhookPayload{
		PaymentReference: "PAY_x",
		EventType:        EventPaid,
		Amount:           25,
	})
	w := deliver(t, router, body, sig)

	if w.Code != http.StatusOK {
		t.Errorf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if len(engine.confirmed) != 1 || engine.confirmed[0] != "PAY_x" {
		t.Errorf("expected one ConfirmPayment call for PAY_x, got %v", engine.confirmed)
	}
	if len(engine.failed) != 0 {
		t.Errorf("paid event must not reach FailPayment, got %v", engine.failed)
	}
}

func TestWebhookDispatchesFailedEvent(t *testing.T) {
	engine := &stubEngine{
		result: &types.ConfirmResult{
			GroupOrderID: "GRP_x",
			EntryStatus:  types.EntryStatusFailed,
			GroupStatus:  types.GroupStatusPending,
			Applied:      true,
		},
	}
	router := setupWebhookRouter(engine)

	body, sig := signedBody(t, WebhookPayload{
		PaymentReference: "PAY_x",
		EventType:        EventFailed,
		Amount:           25,
	})
	w := deliver(t, router, body, sig)

	if w.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", w.Code)
	}
	if len(engine.failed) != 1 || engine.failed[0] != "PAY_x" {
		t.Errorf("expected one FailPayment call for PAY_x, got %v", engine.failed)
	}
}

func TestWebhookAcksUnknownReference(t *testing.T) {
	engine := &stubEngine{err: types.ErrUnknownReference}
	router := setupWebhookRouter(engine)

	body, sig := signedBody(t, WebhookPayload{
		PaymentReference: "PAY_unknown",
		EventType:        EventPaid,
	})
	w := deliver(t, router, body, sig)

	// An unknown reference is logged and acknowledged; a non-2xx here
	// would make the gateway redeliver forever.
	if w.Code != http.StatusOK {
		t.Errorf("expected 200 for unknown reference, got %d", w.Code)
	}
}

func TestWebhookRequestsRedeliveryOnLockTimeout(t *testing.T) {
	engine := &stubEngine{err: types.ErrRetryable}
	router := setupWebhookRouter(engine)

	body, sig := signedBody(t, WebhookPayload{
		PaymentReference: "PAY_x",
		EventType:        EventPaid,
	})
	w := deliver(t, router, body, sig)

	// The event was not applied, so the gateway must try again.
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503 on lock timeout, got %d", w.Code)
	}
}

func TestWebhookAcksConsistencyViolation(t *testing.T) {
	engine := &stubEngine{err: &types.ConsistencyViolation{
		GroupID: "GRP_x",
		Detail:  "awaiting entry found on a cancelled group",
	}}
	router := setupWebhookRouter(engine)

	body, sig := signedBody(t, WebhookPayload{
		PaymentReference: "PAY_x",
		EventType:        EventPaid,
	})
	w := deliver(t, router, body, sig)

	// Redelivery cannot repair an invariant violation; ack and leave the
	// anomaly to manual reconciliation.
	if w.Code != http.StatusOK {
		t.Errorf("expected 200 on consistency violation, got %d", w.Code)
	}
}
