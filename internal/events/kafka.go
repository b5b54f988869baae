package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/segmentio/kafka-go"
)

const completionTopic = "group-order.completed"

// KafkaPublisher ships completion events to a broker through an async inbox
// so the confirmation path never blocks on broker round trips. Remaining
// messages are drained before shutdown.
type KafkaPublisher struct {
	producer string
	w        *kafka.Writer
	inbox    chan kafka.Message
	closed   chan struct{}
}

func NewKafkaPublisher(brokers []string, producer string, buf int) *KafkaPublisher {
	return &KafkaPublisher{
		producer: producer,
		w: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        completionTopic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireAll,
		},
		inbox:  make(chan kafka.Message, buf),
		closed: make(chan struct{}),
	}
}

// Start runs the delivery loop until ctx is cancelled, then drains the inbox.
func (p *KafkaPublisher) Start(ctx context.Context) {
	go func() {
		defer close(p.closed)
		for {
			select {
			case <-ctx.Done():
				for {
					select {
					case m := <-p.inbox:
						p.write(m)
					default:
						_ = p.w.Close()
						return
					}
				}
			case m := <-p.inbox:
				p.write(m)
			}
		}
	}()
}

func (p *KafkaPublisher) write(m kafka.Message) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := p.w.WriteMessages(ctx, m); err != nil {
		log.Error().Err(err).
			Str("component", "events").
			Str("topic", completionTopic).
			Msg("failed to publish completion event")
	}
}

// WaitClosed blocks until the delivery loop has drained and exited.
func (p *KafkaPublisher) WaitClosed() { <-p.closed }

func (p *KafkaPublisher) PublishGroupCompleted(payload GroupCompletedPayload) {
	env, err := envelope(p.producer, payload)
	if err != nil {
		log.Error().Err(err).
			Str("component", "events").
			Str("group_id", payload.GroupOrderID).
			Msg("failed to build completion envelope")
		return
	}

	value, err := json.Marshal(env)
	if err != nil {
		log.Error().Err(err).
			Str("component", "events").
			Str("group_id", payload.GroupOrderID).
			Msg("failed to marshal completion envelope")
		return
	}

	select {
	case p.inbox <- kafka.Message{
		Key:   []byte(payload.GroupOrderID),
		Value: value,
		Time:  time.Now(),
	}:
	default:
		log.Warn().
			Str("component", "events").
			Str("group_id", payload.GroupOrderID).
			Msg("event inbox full, completion event dropped")
	}
}
