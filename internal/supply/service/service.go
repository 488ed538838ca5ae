// Package service is the Supply Allocator. It is the only code path that
// creates card instances.
package service

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"

	catalog "cardvault/internal/catalog/models"
	"cardvault/internal/events"
	"cardvault/internal/instance/models"
	"cardvault/internal/platform/tracing"
	"cardvault/internal/storage"
	"cardvault/internal/supply/metrics"
	id "cardvault/pkg/domain"
	dErrors "cardvault/pkg/domain-errors"
	"cardvault/pkg/platform/sentinel"
	"cardvault/pkg/requestcontext"
)

// maxMintAttempts bounds how many taken numbers one allocation skips.
const maxMintAttempts = 5

type EventPublisher interface {
	Emit(ctx context.Context, e events.Event)
}

// CacheInvalidator is told when a tier's issued count changes.
type CacheInvalidator interface {
	Invalidate(ctx context.Context, definitionID id.DefinitionID, rarity catalog.Rarity)
}

type DefinitionReader interface {
	FindByID(ctx context.Context, definitionID id.DefinitionID) (*catalog.CardDefinition, error)
}

type Allocator struct {
	uow         storage.UnitOfWork
	definitions DefinitionReader
	invalidator CacheInvalidator
	logger      *slog.Logger
	publisher   EventPublisher
	metrics     *metrics.Metrics
}

type Option func(*Allocator)

func WithLogger(logger *slog.Logger) Option {
	return func(a *Allocator) {
		a.logger = logger
	}
}

func WithEventPublisher(publisher EventPublisher) Option {
	return func(a *Allocator) {
		a.publisher = publisher
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(a *Allocator) {
		a.metrics = m
	}
}

func WithCacheInvalidator(invalidator CacheInvalidator) Option {
	return func(a *Allocator) {
		a.invalidator = invalidator
	}
}

func New(uow storage.UnitOfWork, definitions DefinitionReader, opts ...Option) *Allocator {
	a := &Allocator{uow: uow, definitions: definitions}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// AllocateInstance mints the next copy of (definitionID, rarity) for ownerID.
// Mint numbers are claimed from an atomic per-tier counter, so concurrent
// callers receive distinct numbers in 1..TotalCopies and the rest fail
// supply_exhausted.
func (a *Allocator) AllocateInstance(ctx context.Context, definitionID id.DefinitionID, rarity catalog.Rarity, ownerID id.UserID) (*models.CardInstance, error) {
	start := time.Now()
	if ownerID.IsNil() {
		return nil, dErrors.New(dErrors.CodeValidation, "owner is required")
	}

	def, err := a.definitions.FindByID(ctx, definitionID)
	if err != nil {
		return nil, storage.Translate(err, "card definition not found", "failed to load card definition")
	}
	tier, ok := def.Tier(rarity)
	if !ok {
		return nil, dErrors.New(dErrors.CodeNotFound, "rarity "+string(rarity)+" not offered for "+def.Name)
	}
	now := requestcontext.Now(ctx)
	if !tier.AvailableAt(now) {
		return nil, dErrors.New(dErrors.CodeContentUnavailable, string(tier.Rarity)+" "+def.Name+" is outside its availability window")
	}

	ctx, span := tracing.Start(ctx, "supply.AllocateInstance",
		attribute.String("definition_id", definitionID.String()),
		attribute.String("rarity", string(tier.Rarity)),
	)
	var minted *models.CardInstance
	err = a.uow.RunInTx(ctx, func(ctx context.Context, r storage.Repos) error {
		inst, err := a.mint(ctx, r, def, tier, ownerID, now)
		if err != nil {
			return err
		}
		minted = inst
		return nil
	})
	tracing.End(span, err)
	if err != nil {
		if dErrors.HasCode(err, dErrors.CodeSupplyExhausted) && a.metrics != nil {
			a.metrics.IncrementExhausted()
		}
		return nil, err
	}

	if a.metrics != nil {
		a.metrics.IncrementMinted(string(tier.Rarity))
		a.metrics.ObserveAllocation(start)
	}
	if a.invalidator != nil {
		a.invalidator.Invalidate(ctx, definitionID, tier.Rarity)
	}
	a.logAudit(ctx, string(events.InstanceMinted),
		"instance_id", minted.ID.String(),
		"definition_id", definitionID.String(),
		"rarity", string(tier.Rarity),
		"mint_number", minted.MintNumber,
		"owner_id", ownerID.String(),
	)
	if a.publisher != nil {
		a.publisher.Emit(ctx, events.Event{
			Type:    events.InstanceMinted,
			Subject: minted.ID.String(),
			Attributes: map[string]string{
				"definition_id": definitionID.String(),
				"rarity":        string(tier.Rarity),
				"mint_number":   strconv.Itoa(minted.MintNumber),
				"owner_id":      ownerID.String(),
			},
		})
	}
	return minted, nil
}

// mint claims numbers until one is free. A taken number means the counter
// lags the claims table; each Next advances it, so the skipped number stays
// retired.
func (a *Allocator) mint(ctx context.Context, r storage.Repos, def *catalog.CardDefinition, tier catalog.RarityTier, ownerID id.UserID, now time.Time) (*models.CardInstance, error) {
	for attempt := 1; ; attempt++ {
		number, err := r.MintCounters.Next(ctx, def.ID, tier.Rarity, tier.TotalCopies)
		if err != nil {
			if errors.Is(err, sentinel.ErrExhausted) {
				return nil, dErrors.New(dErrors.CodeSupplyExhausted, "all "+strconv.Itoa(tier.TotalCopies)+" "+string(tier.Rarity)+" copies of "+def.Name+" are issued")
			}
			return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to claim mint number")
		}
		inst, err := models.NewCardInstance(id.NewInstanceID(), def.ID, tier.Rarity, number, ownerID, now)
		if err != nil {
			return nil, err
		}
		err = r.Instances.Create(ctx, inst)
		if err == nil {
			return inst, nil
		}
		if !errors.Is(err, sentinel.ErrAlreadyUsed) {
			return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to create card instance")
		}
		if attempt == maxMintAttempts {
			return nil, dErrors.New(dErrors.CodeConflict, "mint number "+strconv.Itoa(number)+" is already taken")
		}
		a.logAudit(ctx, "mint_number_skipped",
			"definition_id", def.ID.String(),
			"rarity", string(tier.Rarity),
			"mint_number", number,
		)
	}
}

func (a *Allocator) logAudit(ctx context.Context, event string, attributes ...any) {
	if a.logger == nil {
		return
	}
	if requestID := requestcontext.RequestID(ctx); requestID != "" {
		attributes = append(attributes, "request_id", requestID)
	}
	args := append(attributes, "event", event, "log_type", "audit")
	a.logger.InfoContext(ctx, event, args...)
}
