// Package events carries post-commit domain events to downstream consumers
// (achievements, XP, notifications). Emission is fire-and-forget: nothing in
// this package can fail or roll back the commit that produced an event.
package events

import (
	"time"
)

type Type string

const (
	InstanceMinted      Type = "instance_minted"
	InstanceTransferred Type = "instance_transferred"
	InstanceReturned    Type = "instance_returned"
	ListingCreated      Type = "listing_created"
	ListingCancelled    Type = "listing_cancelled"
	OfferMade           Type = "offer_made"
	OfferAccepted       Type = "offer_accepted"
	OfferRejected       Type = "offer_rejected"
	OfferCancelled      Type = "offer_cancelled"
	TradeCreated        Type = "trade_created"
	TradeAccepted       Type = "trade_accepted"
	TradeRejected       Type = "trade_rejected"
	TradeCancelled      Type = "trade_cancelled"
	GradingRequested    Type = "grading_requested"
	GradingCompleted    Type = "grading_completed"
	GradingRevealed     Type = "grading_revealed"
)

// Event is transport-agnostic so every sink can encode it its own way.
type Event struct {
	Type       Type              `json:"type"`
	OccurredAt time.Time         `json:"occurred_at"`
	ActorID    string            `json:"actor_id,omitempty"`
	Subject    string            `json:"subject"`
	RequestID  string            `json:"request_id,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
}
