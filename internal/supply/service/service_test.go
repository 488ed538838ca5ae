package service

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/suite"

	catalog "cardvault/internal/catalog/models"
	"cardvault/internal/events"
	instance "cardvault/internal/instance/models"
	"cardvault/internal/storage"
	"cardvault/internal/storage/memory"
	"cardvault/internal/supply/metrics"
	id "cardvault/pkg/domain"
	dErrors "cardvault/pkg/domain-errors"
	"cardvault/pkg/requestcontext"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (p *recordingPublisher) Emit(_ context.Context, e events.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
}

type recordingInvalidator struct {
	mu   sync.Mutex
	keys []string
}

func (r *recordingInvalidator) Invalidate(_ context.Context, definitionID id.DefinitionID, rarity catalog.Rarity) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.keys = append(r.keys, definitionID.String()+"/"+string(rarity))
}

type AllocatorSuite struct {
	suite.Suite
	backend     *memory.Backend
	repos       storage.Repos
	allocator   *Allocator
	publisher   *recordingPublisher
	invalidator *recordingInvalidator
	metrics     *metrics.Metrics
	ctx         context.Context
	now         time.Time
	def         *catalog.CardDefinition
}

func TestAllocatorSuite(t *testing.T) {
	suite.Run(t, new(AllocatorSuite))
}

func (s *AllocatorSuite) SetupTest() {
	s.now = time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	s.ctx = requestcontext.WithTime(context.Background(), s.now)
	s.backend = memory.New()
	s.repos = s.backend.Repos()
	s.publisher = &recordingPublisher{}
	s.invalidator = &recordingInvalidator{}
	s.metrics = metrics.New(prometheus.NewRegistry())
	s.allocator = New(s.backend, s.repos.Definitions,
		WithEventPublisher(s.publisher),
		WithCacheInvalidator(s.invalidator),
		WithMetrics(s.metrics),
	)

	from := s.now.Add(-time.Hour)
	to := s.now.Add(time.Hour)
	past := s.now.Add(-48 * time.Hour)
	pastEnd := s.now.Add(-24 * time.Hour)
	s.def = &catalog.CardDefinition{
		ID:   id.NewDefinitionID(),
		Slug: "ember-drake",
		Name: "Ember Drake",
		Tiers: []catalog.RarityTier{
			{Rarity: "Common", TotalCopies: 100},
			{Rarity: "Legendary", TotalCopies: 3},
			{Rarity: "Event", TotalCopies: 10, AvailableFrom: &from, AvailableTo: &to},
			{Rarity: "Retro", TotalCopies: 10, AvailableFrom: &past, AvailableTo: &pastEnd},
		},
	}
	s.Require().NoError(s.repos.Definitions.Upsert(s.ctx, s.def))
}

func (s *AllocatorSuite) TestAllocateInstance() {
	owner := id.NewUserID()

	s.Run("mints available instances with sequential numbers", func() {
		first, err := s.allocator.AllocateInstance(s.ctx, s.def.ID, "Common", owner)
		s.Require().NoError(err)
		second, err := s.allocator.AllocateInstance(s.ctx, s.def.ID, "Common", owner)
		s.Require().NoError(err)

		s.Equal(1, first.MintNumber)
		s.Equal(2, second.MintNumber)
		s.Equal(owner, first.OwnerID)
		s.True(first.IsAvailable())
		s.Equal(s.now, first.AcquiredAt)
	})

	s.Run("rarity lookup is case-insensitive and stored canonically", func() {
		inst, err := s.allocator.AllocateInstance(s.ctx, s.def.ID, "legendary", owner)
		s.Require().NoError(err)
		s.Equal(catalog.Rarity("Legendary"), inst.Rarity)
	})

	s.Run("cap reached fails supply exhausted", func() {
		for {
			_, err := s.allocator.AllocateInstance(s.ctx, s.def.ID, "Legendary", owner)
			if err != nil {
				s.True(dErrors.HasCode(err, dErrors.CodeSupplyExhausted))
				break
			}
		}
		issued, err := s.repos.MintCounters.Issued(s.ctx, s.def.ID, "Legendary")
		s.Require().NoError(err)
		s.Equal(3, issued)
		s.Equal(1.0, testutil.ToFloat64(s.metrics.SupplyExhausted))
	})

	s.Run("inside availability window succeeds", func() {
		_, err := s.allocator.AllocateInstance(s.ctx, s.def.ID, "Event", owner)
		s.NoError(err)
	})

	s.Run("outside availability window fails content unavailable", func() {
		_, err := s.allocator.AllocateInstance(s.ctx, s.def.ID, "Retro", owner)
		s.True(dErrors.HasCode(err, dErrors.CodeContentUnavailable))
	})

	s.Run("unknown definition or rarity fails not found", func() {
		_, err := s.allocator.AllocateInstance(s.ctx, id.NewDefinitionID(), "Common", owner)
		s.True(dErrors.HasCode(err, dErrors.CodeNotFound))

		_, err = s.allocator.AllocateInstance(s.ctx, s.def.ID, "Mythic", owner)
		s.True(dErrors.HasCode(err, dErrors.CodeNotFound))
	})

	s.Run("missing owner fails validation", func() {
		_, err := s.allocator.AllocateInstance(s.ctx, s.def.ID, "Common", id.UserID{})
		s.True(dErrors.HasCode(err, dErrors.CodeValidation))
	})
}

func (s *AllocatorSuite) TestTakenMintNumbersAreSkipped() {
	owner := id.NewUserID()
	take := func(numbers ...int) {
		for _, n := range numbers {
			inst, err := instance.NewCardInstance(id.NewInstanceID(), s.def.ID, "Common", n, owner, s.now)
			s.Require().NoError(err)
			s.Require().NoError(s.repos.Instances.Create(s.ctx, inst))
		}
	}

	s.Run("a number claimed outside the counter is skipped", func() {
		take(1)
		inst, err := s.allocator.AllocateInstance(s.ctx, s.def.ID, "Common", owner)
		s.Require().NoError(err)
		s.Equal(2, inst.MintNumber)
	})

	s.Run("too many taken numbers fail conflict and roll back", func() {
		take(3, 4, 5, 6, 7)
		_, err := s.allocator.AllocateInstance(s.ctx, s.def.ID, "Common", owner)
		s.True(dErrors.HasCode(err, dErrors.CodeConflict))

		issued, err := s.repos.MintCounters.Issued(s.ctx, s.def.ID, "Common")
		s.Require().NoError(err)
		s.Equal(2, issued)
	})
}

func (s *AllocatorSuite) TestConcurrentAllocationNeverDuplicates() {
	const (
		limit   = 25
		callers = 60
	)
	def := &catalog.CardDefinition{
		ID:    id.NewDefinitionID(),
		Slug:  "tide-caller",
		Name:  "Tide Caller",
		Tiers: []catalog.RarityTier{{Rarity: "Epic", TotalCopies: limit}},
	}
	s.Require().NoError(s.repos.Definitions.Upsert(s.ctx, def))

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		mints     []int
		exhausted int
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			inst, err := s.allocator.AllocateInstance(s.ctx, def.ID, "Epic", id.NewUserID())
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				if dErrors.HasCode(err, dErrors.CodeSupplyExhausted) {
					exhausted++
				}
				return
			}
			mints = append(mints, inst.MintNumber)
		}()
	}
	wg.Wait()

	sort.Ints(mints)
	expected := make([]int, limit)
	for i := range expected {
		expected[i] = i + 1
	}
	s.Equal(expected, mints)
	s.Equal(callers-limit, exhausted)
	s.Equal(float64(limit), testutil.ToFloat64(s.metrics.Mints.WithLabelValues("Epic")))
}

func (s *AllocatorSuite) TestSideEffectsAfterCommit() {
	inst, err := s.allocator.AllocateInstance(s.ctx, s.def.ID, "Common", id.NewUserID())
	s.Require().NoError(err)

	s.Require().Len(s.publisher.events, 1)
	e := s.publisher.events[0]
	s.Equal(events.InstanceMinted, e.Type)
	s.Equal(inst.ID.String(), e.Subject)
	s.Equal("1", e.Attributes["mint_number"])
	s.Equal([]string{s.def.ID.String() + "/Common"}, s.invalidator.keys)

	_, err = s.allocator.AllocateInstance(s.ctx, s.def.ID, "Retro", id.NewUserID())
	s.Require().Error(err)
	s.Len(s.publisher.events, 1)
	s.Len(s.invalidator.keys, 1)
}
