package types

import (
	"time"

	"gorm.io/gorm"
)

// GroupOrder statuses
const (
	GroupStatusPending   = "PENDING"
	GroupStatusCompleted = "COMPLETED"
	GroupStatusCancelled = "CANCELLED"
)

// MemberLedgerEntry statuses
const (
	EntryStatusInitiated = "INITIATED"
	EntryStatusAwaiting  = "AWAITING_CONFIRMATION"
	EntryStatusPaid      = "PAID"
	EntryStatusFailed    = "FAILED"
	EntryStatusExpired   = "EXPIRED"
)

// Tolerance absorbs floating point rounding when comparing paid totals
// against the target amount (0.01 of a currency unit).
const Tolerance = 0.01

// SourceOrder is the priced cart a group payment settles. It is created in
// the same transaction as its GroupOrder so a partial failure cannot leave
// an orphaned order behind.
type SourceOrder struct {
	gorm.Model    `json:"-"`
	SourceOrderID string    `gorm:"uniqueIndex" json:"source_order_id"`
	TableCode     string    `json:"table_code"`
	Items         string    `json:"items"` // JSON array of cart items
	TotalAmount   float64   `json:"total_amount"`
	Currency      string    `json:"currency"`
	Status        string    `json:"status"` // OPEN, SETTLED, VOID
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

type GroupOrder struct {
	gorm.Model    `json:"-"`
	GroupID       string    `gorm:"uniqueIndex" json:"group_order_id"`
	SourceOrderID string    `json:"source_order_id"`
	TargetAmount  float64   `json:"target_amount"`
	Currency      string    `json:"currency"`
	Status        string    `json:"status"` // PENDING, COMPLETED, CANCELLED
	Deadline      time.Time `json:"deadline"`
	Version       int64     `json:"-"` // optimistic concurrency counter
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

type MemberLedgerEntry struct {
	gorm.Model          `json:"-"`
	EntryID             string     `gorm:"uniqueIndex" json:"entry_id"`
	GroupID             string     `gorm:"index" json:"group_order_id"`
	ParticipantIdentity string     `json:"identity"` // free-form, guests are anonymous
	DeclaredShareAmount float64    `json:"share_amount"`
	PaymentReference    string     `gorm:"uniqueIndex" json:"payment_reference"`
	Status              string     `json:"status"` // INITIATED, AWAITING_CONFIRMATION, PAID, FAILED, EXPIRED
	ConfirmedAt         *time.Time `json:"confirmed_at,omitempty"`
	CreatedAt           time.Time  `json:"created_at"`
	UpdatedAt           time.Time  `json:"updated_at"`
}

// PaymentIntent is the gateway's answer to intent creation. The payment
// reference is globally unique and correlates the eventual webhook back to
// a ledger entry; the presentable code is what the guest scans or pastes.
type PaymentIntent struct {
	PaymentReference string `json:"payment_reference"`
	PresentableCode  string `json:"presentable_code"`
}

// CartItem is one line of the priced cart submitted on group creation.
type CartItem struct {
	Name      string  `json:"name" binding:"required"`
	Quantity  int     `json:"quantity" binding:"required"`
	UnitPrice float64 `json:"unit_price"`
}
