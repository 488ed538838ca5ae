// Package exchange commits multi-party swaps of instances and packs. Market
// acceptance and trade acceptance both reduce to a Settlement applied inside
// one transaction: every instance and balance is re-validated under lock and
// any mismatch fails the whole settlement.
package exchange

import (
	"bytes"
	"context"
	"errors"
	"slices"
	"strconv"
	"time"

	"cardvault/internal/events"
	"cardvault/internal/instance/models"
	instservice "cardvault/internal/instance/service"
	"cardvault/internal/storage"
	id "cardvault/pkg/domain"
	dErrors "cardvault/pkg/domain-errors"
	"cardvault/pkg/platform/sentinel"
)

// InstanceMove hands one instance from From to To. The instance must still be
// owned by From and in ExpectStatus when the settlement runs; otherwise the
// settlement fails with MismatchCode.
type InstanceMove struct {
	InstanceID   id.InstanceID
	From         id.UserID
	To           id.UserID
	ExpectStatus models.Status
	MismatchCode dErrors.Code
}

type PackMove struct {
	From   id.UserID
	To     id.UserID
	Amount int64
}

type Settlement struct {
	Instances []InstanceMove
	Packs     []PackMove
}

// Transfer is one applied instance move.
type Transfer struct {
	Instance *models.CardInstance
	From     id.UserID
	To       id.UserID
}

// Validate checks the settlement's shape before anything is read.
func (s Settlement) Validate() error {
	seen := make(map[id.InstanceID]bool, len(s.Instances))
	for _, m := range s.Instances {
		if m.InstanceID.IsNil() {
			return dErrors.New(dErrors.CodeValidation, "instance id is required")
		}
		if seen[m.InstanceID] {
			return dErrors.New(dErrors.CodeValidation, "instance "+m.InstanceID.String()+" appears more than once")
		}
		seen[m.InstanceID] = true
		if m.From == m.To {
			return dErrors.New(dErrors.CodeValidation, "instance cannot move to its current owner")
		}
	}
	for _, p := range s.Packs {
		if p.Amount < 0 {
			return dErrors.New(dErrors.CodeValidation, "pack amounts must not be negative")
		}
		if p.Amount > 0 && p.From == p.To {
			return dErrors.New(dErrors.CodeValidation, "packs cannot move to the same wallet")
		}
	}
	return nil
}

// Apply locks and re-validates every asset in s, then moves them. It must run
// inside a unit of work; on error the caller's transaction rolls back.
func Apply(ctx context.Context, r storage.Repos, s Settlement, now time.Time) ([]Transfer, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}

	locked, err := lockInstances(ctx, r, s.Instances)
	if err != nil {
		return nil, err
	}
	for i, m := range s.Instances {
		inst := locked[i]
		if !inst.OwnedBy(m.From) {
			return nil, dErrors.New(m.MismatchCode, "card instance "+inst.ID.String()+" is no longer owned by the expected party")
		}
		if inst.Status != m.ExpectStatus {
			return nil, dErrors.New(m.MismatchCode, "card instance "+inst.ID.String()+" is "+string(inst.Status))
		}
	}

	if err := movePacks(ctx, r, s.Packs); err != nil {
		return nil, err
	}

	transfers := make([]Transfer, 0, len(s.Instances))
	for i, m := range s.Instances {
		inst := locked[i]
		staged := inst.Clone()
		staged.ApplyTransfer(m.To, now)
		if err := instservice.Save(ctx, r.Instances, staged, inst.Status); err != nil {
			return nil, err
		}
		transfers = append(transfers, Transfer{Instance: staged, From: m.From, To: m.To})
	}
	return transfers, nil
}

// lockInstances returns the locked rows in move order.
func lockInstances(ctx context.Context, r storage.Repos, moves []InstanceMove) ([]*models.CardInstance, error) {
	if len(moves) == 0 {
		return nil, nil
	}
	ids := make([]id.InstanceID, 0, len(moves))
	for _, m := range moves {
		ids = append(ids, m.InstanceID)
	}
	rows, err := r.Instances.LockMany(ctx, ids)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return nil, missingInstance(ctx, r, moves)
		}
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to lock card instances")
	}
	byID := make(map[id.InstanceID]*models.CardInstance, len(rows))
	for _, inst := range rows {
		byID[inst.ID] = inst
	}
	out := make([]*models.CardInstance, len(moves))
	for i, m := range moves {
		inst, ok := byID[m.InstanceID]
		if !ok {
			return nil, dErrors.New(m.MismatchCode, "card instance "+m.InstanceID.String()+" no longer exists")
		}
		out[i] = inst
	}
	return out, nil
}

// missingInstance names the first move whose instance is gone.
func missingInstance(ctx context.Context, r storage.Repos, moves []InstanceMove) error {
	for _, m := range moves {
		if _, err := r.Instances.FindByID(ctx, m.InstanceID); errors.Is(err, sentinel.ErrNotFound) {
			return dErrors.New(m.MismatchCode, "card instance "+m.InstanceID.String()+" no longer exists")
		}
	}
	return dErrors.New(dErrors.CodeConflict, "card instances changed concurrently")
}

// movePacks locks every wallet involved, applies all debits, then all credits.
func movePacks(ctx context.Context, r storage.Repos, moves []PackMove) error {
	var users []id.UserID
	for _, p := range moves {
		if p.Amount > 0 {
			users = append(users, p.From, p.To)
		}
	}
	if len(users) == 0 {
		return nil
	}
	slices.SortFunc(users, func(a, b id.UserID) int {
		return bytes.Compare(a[:], b[:])
	})
	users = slices.Compact(users)
	if _, err := r.Wallets.Lock(ctx, users); err != nil {
		return dErrors.Wrap(err, dErrors.CodeInternal, "failed to lock wallets")
	}

	for _, p := range moves {
		if p.Amount == 0 {
			continue
		}
		if err := r.Wallets.Debit(ctx, p.From, p.Amount); err != nil {
			if errors.Is(err, sentinel.ErrInsufficient) {
				return dErrors.New(dErrors.CodeInsufficientAssets, "insufficient packs: "+strconv.FormatInt(p.Amount, 10)+" required")
			}
			return dErrors.Wrap(err, dErrors.CodeInternal, "failed to debit packs")
		}
	}
	for _, p := range moves {
		if p.Amount == 0 {
			continue
		}
		if err := r.Wallets.Credit(ctx, p.To, p.Amount); err != nil {
			return dErrors.Wrap(err, dErrors.CodeInternal, "failed to credit packs")
		}
	}
	return nil
}

// TransferEvents builds one instance_transferred event per transfer.
func TransferEvents(operation string, transfers []Transfer) []events.Event {
	out := make([]events.Event, 0, len(transfers))
	for _, t := range transfers {
		out = append(out, events.Event{
			Type:    events.InstanceTransferred,
			Subject: t.Instance.ID.String(),
			Attributes: map[string]string{
				"operation":     operation,
				"from":          t.From.String(),
				"to":            t.To.String(),
				"definition_id": t.Instance.DefinitionID.String(),
				"rarity":        string(t.Instance.Rarity),
				"mint_number":   strconv.Itoa(t.Instance.MintNumber),
			},
		})
	}
	return out
}
