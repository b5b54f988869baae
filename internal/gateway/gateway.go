package gateway

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/tabshare/tabshare-api/internal/types"
)

// provider represents one simulated payment processor behind the gateway
type provider struct {
	ID          string
	Name        string
	MinLatency  int // in milliseconds
	MaxLatency  int
	SuccessRate float64 // 0-1, probability the intent is accepted
}

var mockProviders = []*provider{
	{
		ID:          "PSP1",
		Name:        "Primary Pix Processor",
		MinLatency:  5,
		MaxLatency:  40,
		SuccessRate: 0.97,
	},
	{
		ID:          "PSP2",
		Name:        "Card Acquirer",
		MinLatency:  20,
		MaxLatency:  120,
		SuccessRate: 0.92,
	},
	{
		ID:          "PSP3",
		Name:        "Fallback Processor",
		MinLatency:  30,
		MaxLatency:  200,
		SuccessRate: 0.85,
	},
}

// Simulated is the in-process stand-in for the external payment gateway.
// It creates intents with realistic latency and failure behavior; the real
// confirmation leg arrives later through the signed webhook.
type Simulated struct{}

func NewSimulated() *Simulated {
	return &Simulated{}
}

// pickProvider selects a processor weighted by success rate
func pickProvider() *provider {
	totalWeight := 0.0
	for _, p := range mockProviders {
		totalWeight += p.SuccessRate
	}

	choice := rand.Float64() * totalWeight
	currentWeight := 0.0
	for _, p := range mockProviders {
		currentWeight += p.SuccessRate
		if currentWeight >= choice {
			return p
		}
	}
	return mockProviders[0]
}

// CreateIntent registers a payment with a simulated processor and returns
// the gateway-issued reference plus the code the guest pays against.
func (g *Simulated) CreateIntent(ctx context.Context, identity string, amount float64, document string) (*types.PaymentIntent, error) {
	p := pickProvider()

	logger := log.With().
		Str("service", "gateway").
		Str("provider_id", p.ID).
		Float64("amount", amount).
		Logger()

	logger.Debug().Msg("creating payment intent")

	latency := rand.Intn(p.MaxLatency-p.MinLatency+1) + p.MinLatency
	select {
	case <-time.After(time.Duration(latency) * time.Millisecond):
	case <-ctx.Done():
		logger.Warn().Err(ctx.Err()).Msg("intent creation timed out")
		return nil, ctx.Err()
	}

	if rand.Float64() > p.SuccessRate {
		logger.Warn().
			Float64("success_rate", p.SuccessRate).
			Msg("provider rejected intent")
		return nil, fmt.Errorf("provider %s rejected intent", p.ID)
	}

	reference := "PAY_" + uuid.New().String()
	intent := &types.PaymentIntent{
		PaymentReference: reference,
		PresentableCode:  presentableCode(p.ID, reference, amount),
	}

	logger.Info().
		Str("payment_reference", intent.PaymentReference).
		Msg("payment intent created")

	return intent, nil
}

// presentableCode builds the copy-and-paste code shown to the guest. The
// shape mimics a pix EMV string; contents are opaque to this system.
func presentableCode(providerID, reference string, amount float64) string {
	compact := strings.ToUpper(strings.ReplaceAll(reference, "-", ""))
	return fmt.Sprintf("00020126%s5204000053039865406%.2f6304%s",
		compact, amount, providerID)
}
