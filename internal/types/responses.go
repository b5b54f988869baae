package types

import "time"

// CreateGroupResponse is returned to the host after a group is opened.
type CreateGroupResponse struct {
	GroupOrderID  string    `json:"group_order_id"`
	SourceOrderID string    `json:"source_order_id"`
	TargetAmount  float64   `json:"target_amount"`
	Currency      string    `json:"currency"`
	Deadline      time.Time `json:"deadline"`
}

// JoinResponse carries the gateway intent back to the paying guest.
type JoinResponse struct {
	GroupOrderID     string  `json:"group_order_id"`
	EntryID          string  `json:"entry_id"`
	PaymentReference string  `json:"payment_reference"`
	PresentableCode  string  `json:"presentable_code"`
	ShareAmount      float64 `json:"share_amount"`
	Status           string  `json:"status"`
}

// EntrySnapshot is one participant line in a group snapshot.
type EntrySnapshot struct {
	Identity    string  `json:"identity"`
	ShareAmount float64 `json:"share_amount"`
	Status      string  `json:"status"`
}

// GroupSnapshot is the polling view of a group order. PaidSum is derived
// from PAID entries at read time, never stored.
type GroupSnapshot struct {
	GroupOrderID string          `json:"group_order_id"`
	TargetAmount float64         `json:"target_amount"`
	PaidSum      float64         `json:"paid_sum"`
	Currency     string          `json:"currency"`
	Status       string          `json:"status"`
	Deadline     time.Time       `json:"deadline"`
	Entries      []EntrySnapshot `json:"entries"`
}

// ConfirmResult reports the aggregate state after a webhook was applied.
type ConfirmResult struct {
	GroupOrderID string  `json:"group_order_id"`
	EntryStatus  string  `json:"entry_status"`
	PaidSum      float64 `json:"paid_sum"`
	GroupStatus  string  `json:"group_status"`
	Applied      bool    `json:"applied"` // false on idempotent replay
}
