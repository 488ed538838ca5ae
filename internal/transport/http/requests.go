package httptransport

import (
	"strings"

	id "cardvault/pkg/domain"
	dErrors "cardvault/pkg/domain-errors"
)

type allocateRequest struct {
	DefinitionID id.DefinitionID `json:"definition_id"`
	Rarity       string          `json:"rarity"`
	OwnerID      id.UserID       `json:"owner_id"`
}

func (r *allocateRequest) Normalize() {
	r.Rarity = strings.TrimSpace(r.Rarity)
}

func (r *allocateRequest) Validate() error {
	if r.DefinitionID.IsNil() {
		return dErrors.New(dErrors.CodeValidation, "definition_id is required")
	}
	if r.Rarity == "" {
		return dErrors.New(dErrors.CodeValidation, "rarity is required")
	}
	if r.OwnerID.IsNil() {
		return dErrors.New(dErrors.CodeValidation, "owner_id is required")
	}
	return nil
}

type displayOverrideRequest struct {
	Value *int `json:"value"`
}

func (r *displayOverrideRequest) Validate() error {
	if r.Value == nil {
		return dErrors.New(dErrors.CodeValidation, "value is required")
	}
	return nil
}

type completeGradingRequest struct {
	Grade         *float64 `json:"grade,omitempty"`
	AdminOverride bool     `json:"admin_override"`
}

type createListingRequest struct {
	InstanceID id.InstanceID `json:"instance_id"`
}

func (r *createListingRequest) Validate() error {
	if r.InstanceID.IsNil() {
		return dErrors.New(dErrors.CodeValidation, "instance_id is required")
	}
	return nil
}

type makeOfferRequest struct {
	InstanceIDs []id.InstanceID `json:"instance_ids"`
	Packs       int64           `json:"packs"`
	Message     string          `json:"message"`
}

type createTradeRequest struct {
	RecipientID          id.UserID       `json:"recipient_id"`
	OfferedInstanceIDs   []id.InstanceID `json:"offered_instance_ids"`
	RequestedInstanceIDs []id.InstanceID `json:"requested_instance_ids"`
	OfferedPacks         int64           `json:"offered_packs"`
	RequestedPacks       int64           `json:"requested_packs"`
	Message              string          `json:"message"`
	CounterOf            *id.TradeID     `json:"counter_of,omitempty"`
}

func (r *createTradeRequest) Validate() error {
	if r.RecipientID.IsNil() {
		return dErrors.New(dErrors.CodeValidation, "recipient_id is required")
	}
	return nil
}

type grantRequest struct {
	Packs int64 `json:"packs"`
}
