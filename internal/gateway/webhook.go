package gateway

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
	"github.com/tabshare/tabshare-api/internal/types"
	"github.com/tabshare/tabshare-api/pkg/response"
)

// SignatureHeader carries the hex HMAC-SHA256 of the raw request body.
const SignatureHeader = "X-Gateway-Signature"

// Webhook event types delivered by the gateway
const (
	EventPaid   = "paid"
	EventFailed = "failed"
)

// WebhookPayload is the signed confirmation the gateway delivers. Delivery
// is at-least-once; paymentReference is the idempotency key downstream.
type WebhookPayload struct {
	PaymentReference string  `json:"payment_reference"`
	EventType        string  `json:"event_type"`
	Amount           float64 `json:"amount"`
}

// Sign computes the signature the gateway attaches to a delivery body.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify checks a delivery signature in constant time.
func Verify(secret string, body []byte, signature string) bool {
	expected := Sign(secret, body)
	return hmac.Equal([]byte(expected), []byte(signature))
}

// Engine is the slice of the reconciliation engine the webhook drives.
type Engine interface {
	ConfirmPayment(paymentReference string) (*types.ConfirmResult, error)
	FailPayment(paymentReference string) (*types.ConfirmResult, error)
}

// WebhookHandlers contains the HTTP handler for gateway callbacks
type WebhookHandlers struct {
	engine Engine
	secret string
}

func NewWebhookHandlers(engine Engine, secret string) *WebhookHandlers {
	return &WebhookHandlers{
		engine: engine,
		secret: secret,
	}
}

// PaymentEventHandler handles POST deliveries from the payment gateway.
// An unverified payload is rejected and logged without touching state. Once
// the signature checks out the handler answers 200 even for unknown
// references, so gateway retry storms cannot build up; the anomaly is
// logged for manual reconciliation instead.
func (h *WebhookHandlers) PaymentEventHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		logger := log.With().Str("service", "gateway_webhook").Logger()

		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			response.BadRequest(c, "unreadable body")
			return
		}

		signature := c.GetHeader(SignatureHeader)
		if signature == "" || !Verify(h.secret, body, signature) {
			logger.Warn().
				Str("remote_addr", c.ClientIP()).
				Msg("webhook rejected: bad signature")
			response.Unauthorized(c, "invalid signature")
			return
		}

		var payload WebhookPayload
		if err := json.Unmarshal(body, &payload); err != nil {
			logger.Warn().Err(err).Msg("webhook rejected: malformed payload")
			response.BadRequest(c, "malformed payload")
			return
		}

		logger = logger.With().
			Str("payment_reference", payload.PaymentReference).
			Str("event_type", payload.EventType).
			Logger()

		var result *types.ConfirmResult
		switch payload.EventType {
		case EventPaid:
			result, err = h.engine.ConfirmPayment(payload.PaymentReference)
		case EventFailed:
			result, err = h.engine.FailPayment(payload.PaymentReference)
		default:
			logger.Warn().Msg("webhook rejected: unknown event type")
			response.BadRequest(c, "unknown event type")
			return
		}

		switch {
		case err == nil:
			response.OK(c, result)
		case errors.Is(err, types.ErrUnknownReference):
			// Stale or early delivery. Acknowledge so the gateway stops
			// retrying; the reference is logged for manual review.
			logger.Warn().Msg("webhook referenced unknown payment, dropped")
			response.OK(c, gin.H{"applied": false})
		case errors.Is(err, types.ErrRetryable):
			// Not applied; a non-2xx makes the gateway redeliver.
			logger.Warn().Msg("group lock busy, requesting redelivery")
			response.ServiceUnavailable(c, "busy, retry delivery")
		default:
			var cv *types.ConsistencyViolation
			if errors.As(err, &cv) {
				logger.Error().Str("detail", cv.Detail).
					Msg("consistency violation while applying webhook")
				response.OK(c, gin.H{"applied": false})
				return
			}
			logger.Error().Err(err).Msg("failed to apply webhook")
			response.InternalError(c, "failed to apply event")
		}
	}
}
