package sentinel

import "errors"

// Sentinel errors for infrastructure facts. Stores return these (optionally
// wrapped) so services can translate them into domain errors.
//
// - ErrNotFound: entity does not exist in store
// - ErrConflict: a guarded write lost a race (status, version or owner changed)
// - ErrAlreadyUsed: a uniqueness constraint rejected the write
// - ErrExhausted: a bounded counter is at its cap
// - ErrInsufficient: a balance cannot cover a debit
// - ErrInvalidState: entity in wrong state for requested operation
var (
	ErrNotFound     = errors.New("not found")
	ErrConflict     = errors.New("conflict")
	ErrAlreadyUsed  = errors.New("already used")
	ErrExhausted    = errors.New("exhausted")
	ErrInsufficient = errors.New("insufficient")
	ErrInvalidState = errors.New("invalid state")
)
