package readmodel

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	catalog "cardvault/internal/catalog/models"
	"cardvault/internal/storage"
	"cardvault/internal/storage/memory"
	supply "cardvault/internal/supply/service"
	id "cardvault/pkg/domain"
	dErrors "cardvault/pkg/domain-errors"
	"cardvault/pkg/requestcontext"
)

type ReadModelSuite struct {
	suite.Suite
	backend   *memory.Backend
	repos     storage.Repos
	cache     *MemoryCache
	overrides *MemoryOverrides
	service   *Service
	allocator *supply.Allocator
	ctx       context.Context
	def       *catalog.CardDefinition
	admin     id.Actor
}

func TestReadModelSuite(t *testing.T) {
	suite.Run(t, new(ReadModelSuite))
}

func (s *ReadModelSuite) SetupTest() {
	s.ctx = requestcontext.WithTime(context.Background(), time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC))
	s.backend = memory.New()
	s.repos = s.backend.Repos()
	s.cache = NewMemoryCache()
	s.overrides = NewMemoryOverrides()
	s.service = New(s.repos.Definitions, s.repos.MintCounters, s.cache, s.overrides, WithTTL(time.Minute))
	s.allocator = supply.New(s.backend, s.repos.Definitions, supply.WithCacheInvalidator(s.service))
	s.admin = id.Actor{UserID: id.NewUserID(), Admin: true}

	s.def = &catalog.CardDefinition{
		ID:    id.NewDefinitionID(),
		Slug:  "storm-owl",
		Name:  "Storm Owl",
		Tiers: []catalog.RarityTier{{Rarity: "Rare", TotalCopies: 5}},
	}
	s.Require().NoError(s.repos.Definitions.Upsert(s.ctx, s.def))
}

func (s *ReadModelSuite) allocate(n int) {
	for i := 0; i < n; i++ {
		_, err := s.allocator.AllocateInstance(s.ctx, s.def.ID, "Rare", id.NewUserID())
		s.Require().NoError(err)
	}
}

func (s *ReadModelSuite) TestQueryRemainingSupply() {
	s.Run("cap minus issued", func() {
		s.allocate(2)
		remaining, err := s.service.QueryRemainingSupply(s.ctx, s.def.ID, "rare")
		s.Require().NoError(err)
		s.Equal(3, remaining)
	})

	s.Run("allocation invalidates the cached figure", func() {
		s.allocate(1)
		remaining, err := s.service.QueryRemainingSupply(s.ctx, s.def.ID, "Rare")
		s.Require().NoError(err)
		s.Equal(2, remaining)
	})

	s.Run("cached value is served until invalidated", func() {
		key := Key{DefinitionID: s.def.ID, Rarity: "Rare"}
		s.Require().NoError(s.cache.Set(s.ctx, key, 99, time.Minute))
		remaining, err := s.service.QueryRemainingSupply(s.ctx, s.def.ID, "Rare")
		s.Require().NoError(err)
		s.Equal(99, remaining)
	})

	s.Run("unknown rarity fails not found", func() {
		_, err := s.service.QueryRemainingSupply(s.ctx, s.def.ID, "Mythic")
		s.True(dErrors.HasCode(err, dErrors.CodeNotFound))
	})
}

func (s *ReadModelSuite) TestDisplayOverrideIsDecoupledFromAllocation() {
	s.Require().NoError(s.service.SetDisplayOverride(s.ctx, s.admin, s.def.ID, "Rare", 0))

	display, err := s.service.DisplayRemainingSupply(s.ctx, s.def.ID, "Rare")
	s.Require().NoError(err)
	s.True(display.Overridden)
	s.Equal(0, display.Remaining)

	// Showing zero left does not stop real allocation.
	s.allocate(5)
	_, err = s.allocator.AllocateInstance(s.ctx, s.def.ID, "Rare", id.NewUserID())
	s.True(dErrors.HasCode(err, dErrors.CodeSupplyExhausted))

	s.Require().NoError(s.service.ClearDisplayOverride(s.ctx, s.admin, s.def.ID, "rare"))
	display, err = s.service.DisplayRemainingSupply(s.ctx, s.def.ID, "Rare")
	s.Require().NoError(err)
	s.False(display.Overridden)
	s.Equal(0, display.Remaining)
	s.Equal(5, display.TotalCopies)

	remaining, err := s.service.QueryRemainingSupply(s.ctx, s.def.ID, "Rare")
	s.Require().NoError(err)
	s.Equal(0, remaining)
}

func (s *ReadModelSuite) TestOverrideAuthorization() {
	err := s.service.SetDisplayOverride(s.ctx, id.Actor{UserID: id.NewUserID()}, s.def.ID, "Rare", 3)
	s.True(dErrors.HasCode(err, dErrors.CodeForbidden))

	err = s.service.ClearDisplayOverride(s.ctx, id.Actor{UserID: id.NewUserID()}, s.def.ID, "Rare")
	s.True(dErrors.HasCode(err, dErrors.CodeForbidden))

	err = s.service.SetDisplayOverride(s.ctx, s.admin, s.def.ID, "Rare", -1)
	s.True(dErrors.HasCode(err, dErrors.CodeValidation))
}

func (s *ReadModelSuite) TestMemoryCacheExpiry() {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	cache := NewMemoryCache()
	cache.now = func() time.Time { return now }
	key := Key{DefinitionID: s.def.ID, Rarity: "Rare"}

	s.Require().NoError(cache.Set(s.ctx, key, 4, time.Second))
	v, ok, err := cache.Get(s.ctx, key)
	s.Require().NoError(err)
	s.True(ok)
	s.Equal(4, v)

	now = now.Add(2 * time.Second)
	_, ok, err = cache.Get(s.ctx, key)
	s.Require().NoError(err)
	s.False(ok)
}

// contextCheckingCounters fails like a real store would once its context ends.
type contextCheckingCounters struct {
	IssuedReader
}

func (c contextCheckingCounters) Issued(ctx context.Context, definitionID id.DefinitionID, rarity catalog.Rarity) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	return c.IssuedReader.Issued(ctx, definitionID, rarity)
}

func (s *ReadModelSuite) TestFillSurvivesCallerCancellation() {
	service := New(s.repos.Definitions, contextCheckingCounters{s.repos.MintCounters}, NewMemoryCache(), s.overrides)
	s.allocate(1)

	ctx, cancel := context.WithCancel(s.ctx)
	cancel()
	remaining, err := service.QueryRemainingSupply(ctx, s.def.ID, "Rare")
	s.Require().NoError(err)
	s.Equal(4, remaining)
}
