package models

import (
	"strings"
	"time"

	id "cardvault/pkg/domain"
	dErrors "cardvault/pkg/domain-errors"
)

// Rarity names a supply tier of a card definition.
type Rarity string

// RarityEvent marks promotional copies. They are never eligible for grading.
const RarityEvent Rarity = "Event"

func (r Rarity) String() string { return string(r) }

// Gradable reports whether instances of this rarity may enter the grading pipeline.
func (r Rarity) Gradable() bool {
	return !strings.EqualFold(string(r), string(RarityEvent))
}

// RarityTier caps the number of copies of a definition at one rarity.
//
// Invariants:
//   - TotalCopies >= 1
//   - when both bounds are set, AvailableFrom is before AvailableTo
type RarityTier struct {
	Rarity        Rarity     `json:"rarity" yaml:"rarity"`
	TotalCopies   int        `json:"total_copies" yaml:"total_copies"`
	AvailableFrom *time.Time `json:"available_from,omitempty" yaml:"available_from,omitempty"`
	AvailableTo   *time.Time `json:"available_to,omitempty" yaml:"available_to,omitempty"`
}

// AvailableAt reports whether the tier's window (if any) contains now.
// Both bounds are inclusive.
func (t RarityTier) AvailableAt(now time.Time) bool {
	if t.AvailableFrom != nil && now.Before(*t.AvailableFrom) {
		return false
	}
	if t.AvailableTo != nil && now.After(*t.AvailableTo) {
		return false
	}
	return true
}

// CardDefinition is the template shared by every copy of a card.
type CardDefinition struct {
	ID          id.DefinitionID `json:"id"`
	Slug        string          `json:"slug"`
	Name        string          `json:"name"`
	Set         string          `json:"set,omitempty"`
	Description string          `json:"description,omitempty"`
	ImageURL    string          `json:"image_url,omitempty"`
	Tiers       []RarityTier    `json:"tiers"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// Tier returns the rarity tier with a case-insensitive match on name.
func (d *CardDefinition) Tier(rarity Rarity) (RarityTier, bool) {
	for _, t := range d.Tiers {
		if strings.EqualFold(string(t.Rarity), string(rarity)) {
			return t, true
		}
	}
	return RarityTier{}, false
}

// Validate checks the definition's structural invariants.
func (d *CardDefinition) Validate() error {
	if d.ID.IsNil() {
		return dErrors.New(dErrors.CodeInvariantViolation, "definition id is required")
	}
	if strings.TrimSpace(d.Name) == "" {
		return dErrors.New(dErrors.CodeInvariantViolation, "definition name is required")
	}
	if len(d.Tiers) == 0 {
		return dErrors.New(dErrors.CodeInvariantViolation, "definition "+d.Name+" has no rarity tiers")
	}
	seen := make(map[string]bool, len(d.Tiers))
	for _, t := range d.Tiers {
		key := strings.ToLower(string(t.Rarity))
		if key == "" {
			return dErrors.New(dErrors.CodeInvariantViolation, "rarity name is required")
		}
		if seen[key] {
			return dErrors.New(dErrors.CodeInvariantViolation, "duplicate rarity "+string(t.Rarity))
		}
		seen[key] = true
		if t.TotalCopies < 1 {
			return dErrors.New(dErrors.CodeInvariantViolation, "rarity "+string(t.Rarity)+" must allow at least one copy")
		}
		if t.AvailableFrom != nil && t.AvailableTo != nil && !t.AvailableFrom.Before(*t.AvailableTo) {
			return dErrors.New(dErrors.CodeInvariantViolation, "rarity "+string(t.Rarity)+" window is empty")
		}
	}
	return nil
}

// Clone returns a deep copy of the definition and its tiers.
func (d *CardDefinition) Clone() *CardDefinition {
	if d == nil {
		return nil
	}
	out := *d
	out.Tiers = make([]RarityTier, len(d.Tiers))
	for i, t := range d.Tiers {
		if t.AvailableFrom != nil {
			from := *t.AvailableFrom
			t.AvailableFrom = &from
		}
		if t.AvailableTo != nil {
			to := *t.AvailableTo
			t.AvailableTo = &to
		}
		out.Tiers[i] = t
	}
	return &out
}
