package models

import (
	"time"

	catalog "cardvault/internal/catalog/models"
	id "cardvault/pkg/domain"
	dErrors "cardvault/pkg/domain-errors"
)

// Status is the single authoritative claim on an instance. Market, trading and
// grading never keep their own busy flags; they request transitions here.
type Status string

const (
	StatusAvailable        Status = "available"
	StatusListed           Status = "listed"
	StatusGradingRequested Status = "grading_requested"
	StatusGradingComplete  Status = "grading_complete"
)

// transitions is the state machine. Trades never appear here: they reserve
// nothing and re-validate ownership at accept time instead.
var transitions = map[Status][]Status{
	StatusAvailable:        {StatusListed, StatusGradingRequested},
	StatusListed:           {StatusAvailable},
	StatusGradingRequested: {StatusGradingComplete},
	StatusGradingComplete:  {StatusAvailable},
}

func (s Status) IsValid() bool {
	_, ok := transitions[s]
	return ok
}

func (s Status) String() string { return string(s) }

// CanTransitionTo reports whether next is a legal successor of s.
func (s Status) CanTransitionTo(next Status) bool {
	for _, candidate := range transitions[s] {
		if candidate == next {
			return true
		}
	}
	return false
}

// CardInstance is one uniquely mint-numbered, ownable copy of a definition.
//
// Invariants:
//   - 1 <= MintNumber <= the tier's TotalCopies, unique within (DefinitionID, Rarity)
//   - exactly one Status at any time
//   - GradingRequestedAt is set only while grading is in flight
//   - Version increases by one on every persisted change
type CardInstance struct {
	ID                 id.InstanceID   `json:"id"`
	DefinitionID       id.DefinitionID `json:"definition_id"`
	Rarity             catalog.Rarity  `json:"rarity"`
	MintNumber         int             `json:"mint_number"`
	OwnerID            id.UserID       `json:"owner_id"`
	Status             Status          `json:"status"`
	Slabbed            bool            `json:"slabbed"`
	Grade              *float64        `json:"grade,omitempty"`
	GradingRequestedAt *time.Time      `json:"grading_requested_at,omitempty"`
	AcquiredAt         time.Time       `json:"acquired_at"`
	CreatedAt          time.Time       `json:"created_at"`
	UpdatedAt          time.Time       `json:"updated_at"`
	Version            int64           `json:"version"`
}

// NewCardInstance builds a freshly minted instance owned by ownerID.
func NewCardInstance(instanceID id.InstanceID, definitionID id.DefinitionID, rarity catalog.Rarity, mintNumber int, ownerID id.UserID, now time.Time) (*CardInstance, error) {
	if mintNumber < 1 {
		return nil, dErrors.New(dErrors.CodeInvariantViolation, "mint number must be positive")
	}
	if ownerID.IsNil() {
		return nil, dErrors.New(dErrors.CodeInvariantViolation, "instance owner is required")
	}
	return &CardInstance{
		ID:           instanceID,
		DefinitionID: definitionID,
		Rarity:       rarity,
		MintNumber:   mintNumber,
		OwnerID:      ownerID,
		Status:       StatusAvailable,
		AcquiredAt:   now,
		CreatedAt:    now,
		UpdatedAt:    now,
		Version:      1,
	}, nil
}

func (c *CardInstance) IsAvailable() bool {
	return c.Status == StatusAvailable
}

func (c *CardInstance) OwnedBy(userID id.UserID) bool {
	return c.OwnerID == userID
}

// Clone returns a deep copy so callers can stage mutations without aliasing.
func (c *CardInstance) Clone() *CardInstance {
	if c == nil {
		return nil
	}
	out := *c
	if c.Grade != nil {
		g := *c.Grade
		out.Grade = &g
	}
	if c.GradingRequestedAt != nil {
		t := *c.GradingRequestedAt
		out.GradingRequestedAt = &t
	}
	return &out
}

// CanTransition validates a move from the current status to next.
func (c *CardInstance) CanTransition(next Status) error {
	if !next.IsValid() {
		return dErrors.New(dErrors.CodeValidation, "unknown instance status "+string(next))
	}
	if !c.Status.CanTransitionTo(next) {
		return dErrors.New(dErrors.CodeInvariantViolation, "instance cannot move from "+string(c.Status)+" to "+string(next))
	}
	return nil
}

// ApplyTransition sets the new status. Call CanTransition first.
func (c *CardInstance) ApplyTransition(next Status, now time.Time) {
	c.Status = next
	c.UpdatedAt = now
}

// ApplyGradingRequested marks the instance as locked by the grading pipeline.
func (c *CardInstance) ApplyGradingRequested(now time.Time) {
	c.Status = StatusGradingRequested
	requested := now
	c.GradingRequestedAt = &requested
	c.UpdatedAt = now
}

// ApplyGradingComplete records the grade and slabs the instance.
func (c *CardInstance) ApplyGradingComplete(grade float64, now time.Time) {
	g := grade
	c.Grade = &g
	c.Slabbed = true
	c.Status = StatusGradingComplete
	c.UpdatedAt = now
}

// ApplyReveal releases the grading lock. The instance stays slabbed.
func (c *CardInstance) ApplyReveal(now time.Time) {
	c.Status = StatusAvailable
	c.GradingRequestedAt = nil
	c.UpdatedAt = now
}

// ApplyTransfer hands the instance to a new owner and releases any claim.
func (c *CardInstance) ApplyTransfer(to id.UserID, now time.Time) {
	c.OwnerID = to
	c.Status = StatusAvailable
	c.AcquiredAt = now
	c.UpdatedAt = now
}
