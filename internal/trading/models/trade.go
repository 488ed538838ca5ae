package models

import (
	"time"

	id "cardvault/pkg/domain"
	dErrors "cardvault/pkg/domain-errors"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusAccepted  Status = "accepted"
	StatusRejected  Status = "rejected"
	StatusCancelled Status = "cancelled"
)

func (s Status) IsClosed() bool { return s != StatusPending }

// Trade is a direct two-party exchange proposal. Nothing is reserved when it
// is created; both sides are re-validated when the recipient accepts.
//
// CounterOf only records lineage. Creating a counter never closes the trade it
// answers, so two live trades may reference the same assets; whichever is
// accepted first wins and the other fails re-validation.
type Trade struct {
	ID                   id.TradeID      `json:"id"`
	SenderID             id.UserID       `json:"sender_id"`
	RecipientID          id.UserID       `json:"recipient_id"`
	OfferedInstanceIDs   []id.InstanceID `json:"offered_instance_ids"`
	RequestedInstanceIDs []id.InstanceID `json:"requested_instance_ids"`
	OfferedPacks         int64           `json:"offered_packs"`
	RequestedPacks       int64           `json:"requested_packs"`
	Message              string          `json:"message,omitempty"`
	Status               Status          `json:"status"`
	CounterOf            *id.TradeID     `json:"counter_of,omitempty"`
	CreatedAt            time.Time       `json:"created_at"`
	UpdatedAt            time.Time       `json:"updated_at"`
	ClosedAt             *time.Time      `json:"closed_at,omitempty"`
}

// Involves reports whether userID is either party.
func (t *Trade) Involves(userID id.UserID) bool {
	return t.SenderID == userID || t.RecipientID == userID
}

// CanClose validates a transition out of pending.
func (t *Trade) CanClose() error {
	if t.Status.IsClosed() {
		return dErrors.New(dErrors.CodeAlreadyClosed, "trade is already "+string(t.Status))
	}
	return nil
}

// ApplyClose moves the trade to a terminal status.
func (t *Trade) ApplyClose(next Status, now time.Time) {
	t.Status = next
	t.UpdatedAt = now
	closed := now
	t.ClosedAt = &closed
}

// Clone returns a deep copy of the trade.
func (t *Trade) Clone() *Trade {
	if t == nil {
		return nil
	}
	out := *t
	out.OfferedInstanceIDs = append([]id.InstanceID(nil), t.OfferedInstanceIDs...)
	out.RequestedInstanceIDs = append([]id.InstanceID(nil), t.RequestedInstanceIDs...)
	if t.CounterOf != nil {
		c := *t.CounterOf
		out.CounterOf = &c
	}
	if t.ClosedAt != nil {
		c := *t.ClosedAt
		out.ClosedAt = &c
	}
	return &out
}
