// Package domain holds the typed identifiers shared across bounded contexts.
//
// Every identifier is a distinct named UUID type so that an InstanceID can never
// be passed where a UserID is expected. Construct identifiers from external
// input with the Parse* functions; they reject empty, malformed and nil UUIDs.
package domain

import (
	"strings"

	"github.com/google/uuid"

	dErrors "cardvault/pkg/domain-errors"
)

type (
	// UserID identifies an account as supplied by the identity provider.
	UserID uuid.UUID
	// DefinitionID identifies a card definition (the template shared by all copies).
	DefinitionID uuid.UUID
	// InstanceID identifies one minted, ownable copy of a card.
	InstanceID uuid.UUID
	// ListingID identifies a market listing.
	ListingID uuid.UUID
	// OfferID identifies an offer made against a listing.
	OfferID uuid.UUID
	// TradeID identifies a direct trade proposal.
	TradeID uuid.UUID
)

func parseUUID(kind, s string) (uuid.UUID, error) {
	if strings.TrimSpace(s) == "" {
		return uuid.Nil, dErrors.New(dErrors.CodeInvalidInput, kind+" is required")
	}
	parsed, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, dErrors.New(dErrors.CodeInvalidInput, "invalid "+kind)
	}
	if parsed == uuid.Nil {
		return uuid.Nil, dErrors.New(dErrors.CodeInvalidInput, kind+" cannot be nil")
	}
	return parsed, nil
}

func ParseUserID(s string) (UserID, error) {
	u, err := parseUUID("user ID", s)
	return UserID(u), err
}

func ParseDefinitionID(s string) (DefinitionID, error) {
	u, err := parseUUID("definition ID", s)
	return DefinitionID(u), err
}

func ParseInstanceID(s string) (InstanceID, error) {
	u, err := parseUUID("instance ID", s)
	return InstanceID(u), err
}

func ParseListingID(s string) (ListingID, error) {
	u, err := parseUUID("listing ID", s)
	return ListingID(u), err
}

func ParseOfferID(s string) (OfferID, error) {
	u, err := parseUUID("offer ID", s)
	return OfferID(u), err
}

func ParseTradeID(s string) (TradeID, error) {
	u, err := parseUUID("trade ID", s)
	return TradeID(u), err
}

func NewUserID() UserID             { return UserID(uuid.New()) }
func NewDefinitionID() DefinitionID { return DefinitionID(uuid.New()) }
func NewInstanceID() InstanceID     { return InstanceID(uuid.New()) }
func NewListingID() ListingID       { return ListingID(uuid.New()) }
func NewOfferID() OfferID           { return OfferID(uuid.New()) }
func NewTradeID() TradeID           { return TradeID(uuid.New()) }

func (id UserID) String() string       { return uuid.UUID(id).String() }
func (id DefinitionID) String() string { return uuid.UUID(id).String() }
func (id InstanceID) String() string   { return uuid.UUID(id).String() }
func (id ListingID) String() string    { return uuid.UUID(id).String() }
func (id OfferID) String() string      { return uuid.UUID(id).String() }
func (id TradeID) String() string      { return uuid.UUID(id).String() }

func (id UserID) IsNil() bool       { return uuid.UUID(id) == uuid.Nil }
func (id DefinitionID) IsNil() bool { return uuid.UUID(id) == uuid.Nil }
func (id InstanceID) IsNil() bool   { return uuid.UUID(id) == uuid.Nil }
func (id ListingID) IsNil() bool    { return uuid.UUID(id) == uuid.Nil }
func (id OfferID) IsNil() bool      { return uuid.UUID(id) == uuid.Nil }
func (id TradeID) IsNil() bool      { return uuid.UUID(id) == uuid.Nil }

// MarshalText lets typed IDs appear as plain UUID strings in JSON payloads.
func (id UserID) MarshalText() ([]byte, error)       { return uuid.UUID(id).MarshalText() }
func (id DefinitionID) MarshalText() ([]byte, error) { return uuid.UUID(id).MarshalText() }
func (id InstanceID) MarshalText() ([]byte, error)   { return uuid.UUID(id).MarshalText() }
func (id ListingID) MarshalText() ([]byte, error)    { return uuid.UUID(id).MarshalText() }
func (id OfferID) MarshalText() ([]byte, error)      { return uuid.UUID(id).MarshalText() }
func (id TradeID) MarshalText() ([]byte, error)      { return uuid.UUID(id).MarshalText() }

func (id *UserID) UnmarshalText(b []byte) error       { return (*uuid.UUID)(id).UnmarshalText(b) }
func (id *DefinitionID) UnmarshalText(b []byte) error { return (*uuid.UUID)(id).UnmarshalText(b) }
func (id *InstanceID) UnmarshalText(b []byte) error   { return (*uuid.UUID)(id).UnmarshalText(b) }
func (id *ListingID) UnmarshalText(b []byte) error    { return (*uuid.UUID)(id).UnmarshalText(b) }
func (id *OfferID) UnmarshalText(b []byte) error      { return (*uuid.UUID)(id).UnmarshalText(b) }
func (id *TradeID) UnmarshalText(b []byte) error      { return (*uuid.UUID)(id).UnmarshalText(b) }
