package service

import (
	"context"
	"errors"
	"time"

	"cardvault/internal/instance/models"
	dErrors "cardvault/pkg/domain-errors"
	"cardvault/pkg/platform/sentinel"
)

// Store is the slice of the instance repository the state machine writes through.
type Store interface {
	Update(ctx context.Context, inst *models.CardInstance, expected models.Status) error
}

// Transition is the single write path for status changes. It validates the
// move against the state machine, applies it to inst and persists it with a
// compare-and-swap on the status inst was read with. A lost race fails
// conflict and leaves inst unchanged.
func Transition(ctx context.Context, store Store, inst *models.CardInstance, next models.Status, now time.Time) error {
	if err := inst.CanTransition(next); err != nil {
		return err
	}
	staged := inst.Clone()
	staged.ApplyTransition(next, now)
	if err := Save(ctx, store, staged, inst.Status); err != nil {
		return err
	}
	*inst = *staged
	return nil
}

// Save persists an already-mutated instance, guarded by the status it held
// when it was read.
func Save(ctx context.Context, store Store, inst *models.CardInstance, readStatus models.Status) error {
	if err := store.Update(ctx, inst, readStatus); err != nil {
		switch {
		case errors.Is(err, sentinel.ErrConflict):
			return dErrors.New(dErrors.CodeConflict, "instance was modified concurrently")
		case errors.Is(err, sentinel.ErrNotFound):
			return dErrors.New(dErrors.CodeNotFound, "card instance not found")
		default:
			return dErrors.Wrap(err, dErrors.CodeInternal, "failed to update card instance")
		}
	}
	return nil
}

// RequireAvailable fails instance_busy when another subsystem holds a claim.
func RequireAvailable(inst *models.CardInstance) error {
	if !inst.IsAvailable() {
		return dErrors.New(dErrors.CodeInstanceBusy, "card instance is "+string(inst.Status))
	}
	return nil
}
