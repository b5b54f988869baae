package events

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

const EventGroupCompleted = "GroupOrderCompleted"

// Envelope wraps every outbound event with routing metadata.
type Envelope struct {
	EventID       string          `json:"event_id"`
	EventType     string          `json:"event_type"`
	EventVersion  int             `json:"event_version"`
	OccurredAt    time.Time       `json:"occurred_at"`
	Producer      string          `json:"producer"`
	CorrelationID string          `json:"correlation_id"` // group order id
	Payload       json.RawMessage `json:"payload"`
}

// GroupCompletedPayload notifies the fulfillment side that a shared bill
// reached its target and the underlying order can be released.
type GroupCompletedPayload struct {
	GroupOrderID  string    `json:"group_order_id"`
	SourceOrderID string    `json:"source_order_id"`
	TargetAmount  float64   `json:"target_amount"`
	PaidSum       float64   `json:"paid_sum"`
	Currency      string    `json:"currency"`
	CompletedAt   time.Time `json:"completed_at"`
}

// Publisher hands completion events to the external fulfillment collaborator.
type Publisher interface {
	PublishGroupCompleted(payload GroupCompletedPayload)
}

func envelope(producer string, payload GroupCompletedPayload) (Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{
		EventID:       uuid.New().String(),
		EventType:     EventGroupCompleted,
		EventVersion:  1,
		OccurredAt:    time.Now(),
		Producer:      producer,
		CorrelationID: payload.GroupOrderID,
		Payload:       raw,
	}, nil
}

// LogPublisher is the standalone default: completion events land in the
// structured log instead of a broker.
type LogPublisher struct {
	Producer string
}

func (p *LogPublisher) PublishGroupCompleted(payload GroupCompletedPayload) {
	log.Info().
		Str("component", "events").
		Str("event_type", EventGroupCompleted).
		Str("group_id", payload.GroupOrderID).
		Str("source_order_id", payload.SourceOrderID).
		Float64("paid_sum", payload.PaidSum).
		Float64("target_amount", payload.TargetAmount).
		Msg("group completion event emitted")
}
