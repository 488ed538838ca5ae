package models

import (
	"time"

	catalog "cardvault/internal/catalog/models"
	instance "cardvault/internal/instance/models"
	id "cardvault/pkg/domain"
)

// ListingStatus tracks whether a listing still accepts offers. Accepted
// listings are deleted outright together with all of their offers.
type ListingStatus string

const (
	ListingOpen      ListingStatus = "open"
	ListingCancelled ListingStatus = "cancelled"
)

// OfferStatus tracks the lifecycle of one offer.
type OfferStatus string

const (
	OfferActive    OfferStatus = "active"
	OfferRejected  OfferStatus = "rejected"
	OfferCancelled OfferStatus = "cancelled"
	// OfferWithdrawn closes offers whose listing was cancelled by its owner.
	OfferWithdrawn OfferStatus = "withdrawn"
)

// InstanceSnapshot freezes an instance's display attributes at the moment it
// was referenced. The instance itself may change afterwards.
type InstanceSnapshot struct {
	InstanceID   id.InstanceID   `json:"instance_id"`
	DefinitionID id.DefinitionID `json:"definition_id"`
	CardName     string          `json:"card_name"`
	Rarity       catalog.Rarity  `json:"rarity"`
	MintNumber   int             `json:"mint_number"`
	TotalCopies  int             `json:"total_copies"`
	Slabbed      bool            `json:"slabbed"`
	Grade        *float64        `json:"grade,omitempty"`
}

// SnapshotOf captures inst using its definition for display names and caps.
func SnapshotOf(inst *instance.CardInstance, def *catalog.CardDefinition) InstanceSnapshot {
	snap := InstanceSnapshot{
		InstanceID:   inst.ID,
		DefinitionID: inst.DefinitionID,
		Rarity:       inst.Rarity,
		MintNumber:   inst.MintNumber,
		Slabbed:      inst.Slabbed,
	}
	if inst.Grade != nil {
		g := *inst.Grade
		snap.Grade = &g
	}
	if def != nil {
		snap.CardName = def.Name
		if tier, ok := def.Tier(inst.Rarity); ok {
			snap.TotalCopies = tier.TotalCopies
		}
	}
	return snap
}

// Listing publicly offers one owned instance in exchange for packs and/or instances.
type Listing struct {
	ID        id.ListingID     `json:"id"`
	OwnerID   id.UserID        `json:"owner_id"`
	Instance  InstanceSnapshot `json:"instance"`
	Status    ListingStatus    `json:"status"`
	Offers    []*Offer         `json:"offers,omitempty"`
	CreatedAt time.Time        `json:"created_at"`
	ClosedAt  *time.Time       `json:"closed_at,omitempty"`
}

func (l *Listing) IsOpen() bool { return l.Status == ListingOpen }

// Offer is a bid against a listing. Offered instances are not reserved.
type Offer struct {
	ID        id.OfferID         `json:"id"`
	ListingID id.ListingID       `json:"listing_id"`
	OffererID id.UserID          `json:"offerer_id"`
	Instances []InstanceSnapshot `json:"instances"`
	Packs     int64              `json:"packs"`
	Message   string             `json:"message,omitempty"`
	Status    OfferStatus        `json:"status"`
	CreatedAt time.Time          `json:"created_at"`
	ClosedAt  *time.Time         `json:"closed_at,omitempty"`
}

func (o *Offer) IsActive() bool { return o.Status == OfferActive }

// InstanceIDs lists the offered instances in offer order.
func (o *Offer) InstanceIDs() []id.InstanceID {
	out := make([]id.InstanceID, 0, len(o.Instances))
	for _, snap := range o.Instances {
		out = append(out, snap.InstanceID)
	}
	return out
}

// Clone returns a deep copy of the offer.
func (o *Offer) Clone() *Offer {
	if o == nil {
		return nil
	}
	out := *o
	out.Instances = append([]InstanceSnapshot(nil), o.Instances...)
	if o.ClosedAt != nil {
		t := *o.ClosedAt
		out.ClosedAt = &t
	}
	return &out
}

// Clone returns a deep copy of the listing and its offers.
func (l *Listing) Clone() *Listing {
	if l == nil {
		return nil
	}
	out := *l
	if l.ClosedAt != nil {
		t := *l.ClosedAt
		out.ClosedAt = &t
	}
	out.Offers = make([]*Offer, 0, len(l.Offers))
	for _, o := range l.Offers {
		out.Offers = append(out.Offers, o.Clone())
	}
	return &out
}
