package readmodel

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	catalog "cardvault/internal/catalog/models"
	"cardvault/internal/storage"
	"cardvault/internal/supply/metrics"
	id "cardvault/pkg/domain"
	dErrors "cardvault/pkg/domain-errors"
	"cardvault/pkg/requestcontext"
)

const (
	defaultTTL  = 30 * time.Second
	fillTimeout = 5 * time.Second
)

type DefinitionReader interface {
	FindByID(ctx context.Context, definitionID id.DefinitionID) (*catalog.CardDefinition, error)
}

type IssuedReader interface {
	Issued(ctx context.Context, definitionID id.DefinitionID, rarity catalog.Rarity) (int, error)
}

// Display is what clients are shown for a tier.
type Display struct {
	DefinitionID id.DefinitionID `json:"definition_id"`
	Rarity       catalog.Rarity  `json:"rarity"`
	TotalCopies  int             `json:"total_copies"`
	Remaining    int             `json:"remaining"`
	Overridden   bool            `json:"overridden"`
}

// Service answers remaining-supply queries from a short-lived cache.
type Service struct {
	definitions DefinitionReader
	counters    IssuedReader
	cache       Cache
	overrides   Overrides
	ttl         time.Duration
	fills       singleflight.Group
	logger      *slog.Logger
	metrics     *metrics.Metrics
}

type Option func(*Service)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) {
		s.metrics = m
	}
}

func WithTTL(ttl time.Duration) Option {
	return func(s *Service) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

func New(definitions DefinitionReader, counters IssuedReader, cache Cache, overrides Overrides, opts ...Option) *Service {
	s := &Service{
		definitions: definitions,
		counters:    counters,
		cache:       cache,
		overrides:   overrides,
		ttl:         defaultTTL,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// QueryRemainingSupply returns cap minus issued for the tier. The value may lag
// behind allocations by up to the cache TTL.
func (s *Service) QueryRemainingSupply(ctx context.Context, definitionID id.DefinitionID, rarity catalog.Rarity) (int, error) {
	tier, err := s.tier(ctx, definitionID, rarity)
	if err != nil {
		return 0, err
	}
	return s.remaining(ctx, definitionID, tier)
}

// DisplayRemainingSupply returns the admin override when one is set, otherwise
// the queried value.
func (s *Service) DisplayRemainingSupply(ctx context.Context, definitionID id.DefinitionID, rarity catalog.Rarity) (*Display, error) {
	tier, err := s.tier(ctx, definitionID, rarity)
	if err != nil {
		return nil, err
	}
	out := &Display{DefinitionID: definitionID, Rarity: tier.Rarity, TotalCopies: tier.TotalCopies}
	key := Key{DefinitionID: definitionID, Rarity: tier.Rarity}
	value, ok, err := s.overrides.Get(ctx, key)
	if err != nil {
		s.warn(ctx, "display override lookup failed", key, err)
	}
	if ok {
		out.Remaining = value
		out.Overridden = true
		return out, nil
	}
	out.Remaining, err = s.remaining(ctx, definitionID, tier)
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Service) SetDisplayOverride(ctx context.Context, actor id.Actor, definitionID id.DefinitionID, rarity catalog.Rarity, value int) error {
	if !actor.Admin {
		return dErrors.New(dErrors.CodeForbidden, "only admins can override displayed supply")
	}
	if value < 0 {
		return dErrors.New(dErrors.CodeValidation, "display value must not be negative")
	}
	tier, err := s.tier(ctx, definitionID, rarity)
	if err != nil {
		return err
	}
	key := Key{DefinitionID: definitionID, Rarity: tier.Rarity}
	if err := s.overrides.Set(ctx, key, value); err != nil {
		return dErrors.Wrap(err, dErrors.CodeInternal, "failed to store display override")
	}
	s.logAudit(ctx, "supply_display_overridden",
		"definition_id", definitionID.String(),
		"rarity", string(tier.Rarity),
		"value", value,
		"admin_id", actor.UserID.String(),
	)
	return nil
}

func (s *Service) ClearDisplayOverride(ctx context.Context, actor id.Actor, definitionID id.DefinitionID, rarity catalog.Rarity) error {
	if !actor.Admin {
		return dErrors.New(dErrors.CodeForbidden, "only admins can override displayed supply")
	}
	tier, err := s.tier(ctx, definitionID, rarity)
	if err != nil {
		return err
	}
	if err := s.overrides.Clear(ctx, Key{DefinitionID: definitionID, Rarity: tier.Rarity}); err != nil {
		return dErrors.Wrap(err, dErrors.CodeInternal, "failed to clear display override")
	}
	s.logAudit(ctx, "supply_display_cleared",
		"definition_id", definitionID.String(),
		"rarity", string(tier.Rarity),
		"admin_id", actor.UserID.String(),
	)
	return nil
}

// Invalidate drops the cached figure for a tier. Failures are logged only.
func (s *Service) Invalidate(ctx context.Context, definitionID id.DefinitionID, rarity catalog.Rarity) {
	key := Key{DefinitionID: definitionID, Rarity: rarity}
	if err := s.cache.Delete(ctx, key); err != nil {
		s.warn(ctx, "supply cache invalidation failed", key, err)
	}
}

func (s *Service) tier(ctx context.Context, definitionID id.DefinitionID, rarity catalog.Rarity) (catalog.RarityTier, error) {
	def, err := s.definitions.FindByID(ctx, definitionID)
	if err != nil {
		return catalog.RarityTier{}, storage.Translate(err, "card definition not found", "failed to load card definition")
	}
	tier, ok := def.Tier(rarity)
	if !ok {
		return catalog.RarityTier{}, dErrors.New(dErrors.CodeNotFound, "rarity "+string(rarity)+" not offered for "+def.Name)
	}
	return tier, nil
}

func (s *Service) remaining(ctx context.Context, definitionID id.DefinitionID, tier catalog.RarityTier) (int, error) {
	key := Key{DefinitionID: definitionID, Rarity: tier.Rarity}
	v, ok, err := s.cache.Get(ctx, key)
	switch {
	case err != nil:
		s.observe("error")
		s.warn(ctx, "supply cache read failed", key, err)
	case ok:
		s.observe("hit")
		return v, nil
	default:
		s.observe("miss")
	}

	// Shared by every waiter; detached from the first caller's cancellation.
	filled, err, _ := s.fills.Do(key.String(), func() (any, error) {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), fillTimeout)
		defer cancel()
		issued, err := s.counters.Issued(ctx, definitionID, tier.Rarity)
		if err != nil {
			return 0, dErrors.Wrap(err, dErrors.CodeInternal, "failed to read issued count")
		}
		remaining := max(tier.TotalCopies-issued, 0)
		if err := s.cache.Set(ctx, key, remaining, s.ttl); err != nil {
			s.warn(ctx, "supply cache write failed", key, err)
		}
		return remaining, nil
	})
	if err != nil {
		return 0, err
	}
	return filled.(int), nil
}

func (s *Service) observe(result string) {
	if s.metrics != nil {
		s.metrics.IncrementCacheLookup(result)
	}
}

func (s *Service) warn(ctx context.Context, msg string, key Key, err error) {
	if s.logger != nil {
		s.logger.WarnContext(ctx, msg, "key", key.String(), "error", err)
	}
}

func (s *Service) logAudit(ctx context.Context, event string, attributes ...any) {
	if s.logger == nil {
		return
	}
	if requestID := requestcontext.RequestID(ctx); requestID != "" {
		attributes = append(attributes, "request_id", requestID)
	}
	args := append(attributes, "event", event, "log_type", "audit")
	s.logger.InfoContext(ctx, event, args...)
}
