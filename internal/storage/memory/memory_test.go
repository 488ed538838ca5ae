package memory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	instance "cardvault/internal/instance/models"
	market "cardvault/internal/market/models"
	"cardvault/internal/storage"
	trading "cardvault/internal/trading/models"
	id "cardvault/pkg/domain"
	"cardvault/pkg/platform/sentinel"
)

type BackendSuite struct {
	suite.Suite
	backend *Backend
	repos   storage.Repos
	now     time.Time
	owner   id.UserID
	defID   id.DefinitionID
}

func TestBackendSuite(t *testing.T) {
	suite.Run(t, new(BackendSuite))
}

func (s *BackendSuite) SetupTest() {
	s.backend = New()
	s.repos = s.backend.Repos()
	s.now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s.owner = id.NewUserID()
	s.defID = id.NewDefinitionID()
}

func (s *BackendSuite) newInstance(mint int) *instance.CardInstance {
	inst, err := instance.NewCardInstance(id.NewInstanceID(), s.defID, "Rare", mint, s.owner, s.now)
	s.Require().NoError(err)
	return inst
}

func (s *BackendSuite) TestRunInTx() {
	ctx := context.Background()

	s.Run("failed callback discards every write", func() {
		inst := s.newInstance(1)
		boom := errors.New("boom")
		err := s.backend.RunInTx(ctx, func(ctx context.Context, r storage.Repos) error {
			s.Require().NoError(r.Instances.Create(ctx, inst))
			s.Require().NoError(r.Wallets.Credit(ctx, s.owner, 10))
			return boom
		})
		s.ErrorIs(err, boom)

		_, err = s.repos.Instances.FindByID(ctx, inst.ID)
		s.ErrorIs(err, sentinel.ErrNotFound)
		balance, err := s.repos.Wallets.Balance(ctx, s.owner)
		s.NoError(err)
		s.Zero(balance)
	})

	s.Run("successful callback commits every write", func() {
		inst := s.newInstance(2)
		err := s.backend.RunInTx(ctx, func(ctx context.Context, r storage.Repos) error {
			if err := r.Instances.Create(ctx, inst); err != nil {
				return err
			}
			return r.Wallets.Credit(ctx, s.owner, 7)
		})
		s.Require().NoError(err)

		found, err := s.repos.Instances.FindByID(ctx, inst.ID)
		s.Require().NoError(err)
		s.Equal(inst.MintNumber, found.MintNumber)
		balance, _ := s.repos.Wallets.Balance(ctx, s.owner)
		s.Equal(int64(7), balance)
	})

	s.Run("cancelled context aborts before running", func() {
		cancelled, cancel := context.WithCancel(ctx)
		cancel()
		ran := false
		err := s.backend.RunInTx(cancelled, func(context.Context, storage.Repos) error {
			ran = true
			return nil
		})
		s.Error(err)
		s.False(ran)
	})
}

func (s *BackendSuite) TestInstanceCompareAndSwap() {
	ctx := context.Background()
	inst := s.newInstance(1)
	s.Require().NoError(s.repos.Instances.Create(ctx, inst))

	s.Run("update with matching status and version bumps version", func() {
		staged := inst.Clone()
		staged.ApplyTransition(instance.StatusListed, s.now)
		s.Require().NoError(s.repos.Instances.Update(ctx, staged, instance.StatusAvailable))
		s.Equal(int64(2), staged.Version)

		stored, err := s.repos.Instances.FindByID(ctx, inst.ID)
		s.Require().NoError(err)
		s.Equal(instance.StatusListed, stored.Status)
		s.Equal(int64(2), stored.Version)
	})

	s.Run("stale copy loses", func() {
		stale := inst.Clone()
		stale.ApplyTransition(instance.StatusGradingRequested, s.now)
		err := s.repos.Instances.Update(ctx, stale, instance.StatusAvailable)
		s.ErrorIs(err, sentinel.ErrConflict)
	})

	s.Run("returned values do not alias stored state", func() {
		found, err := s.repos.Instances.FindByID(ctx, inst.ID)
		s.Require().NoError(err)
		found.OwnerID = id.NewUserID()

		again, err := s.repos.Instances.FindByID(ctx, inst.ID)
		s.Require().NoError(err)
		s.Equal(s.owner, again.OwnerID)
	})
}

func (s *BackendSuite) TestMintNumbers() {
	ctx := context.Background()

	s.Run("concurrent claims yield each number once", func() {
		const limit = 25
		const workers = 60
		var (
			mu      sync.Mutex
			wg      sync.WaitGroup
			claimed = map[int]int{}
			misses  int
		)
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				n, err := s.repos.MintCounters.Next(ctx, s.defID, "Rare", limit)
				mu.Lock()
				defer mu.Unlock()
				if errors.Is(err, sentinel.ErrExhausted) {
					misses++
					return
				}
				claimed[n]++
			}()
		}
		wg.Wait()

		s.Len(claimed, limit)
		for n := 1; n <= limit; n++ {
			s.Equal(1, claimed[n], "mint %d", n)
		}
		s.Equal(workers-limit, misses)

		issued, err := s.repos.MintCounters.Issued(ctx, s.defID, "rare")
		s.NoError(err)
		s.Equal(limit, issued)
	})

	s.Run("deleted instance keeps its mint number claimed", func() {
		inst := s.newInstance(99)
		s.Require().NoError(s.repos.Instances.Create(ctx, inst))
		s.Require().NoError(s.repos.Instances.Delete(ctx, inst.ID, inst.Version))

		again := s.newInstance(99)
		s.ErrorIs(s.repos.Instances.Create(ctx, again), sentinel.ErrAlreadyUsed)
	})
}

func (s *BackendSuite) TestWallets() {
	ctx := context.Background()
	s.Require().NoError(s.repos.Wallets.Credit(ctx, s.owner, 5))

	s.Run("debit beyond balance is rejected", func() {
		s.ErrorIs(s.repos.Wallets.Debit(ctx, s.owner, 6), sentinel.ErrInsufficient)
		balance, _ := s.repos.Wallets.Balance(ctx, s.owner)
		s.Equal(int64(5), balance)
	})

	s.Run("lock reports zero for unknown users", func() {
		stranger := id.NewUserID()
		balances, err := s.repos.Wallets.Lock(ctx, []id.UserID{s.owner, stranger})
		s.NoError(err)
		s.Equal(int64(5), balances[s.owner])
		s.Zero(balances[stranger])
	})
}

func (s *BackendSuite) TestListings() {
	ctx := context.Background()
	listing := &market.Listing{ID: id.NewListingID(), OwnerID: s.owner, Status: market.ListingOpen, CreatedAt: s.now}
	s.Require().NoError(s.repos.Listings.Create(ctx, listing))
	offerer := id.NewUserID()
	first := &market.Offer{ID: id.NewOfferID(), ListingID: listing.ID, OffererID: offerer, Packs: 3, Status: market.OfferActive, CreatedAt: s.now}
	s.Require().NoError(s.repos.Listings.AddOffer(ctx, first))

	s.Run("second active offer from the same user is rejected", func() {
		dup := &market.Offer{ID: id.NewOfferID(), ListingID: listing.ID, OffererID: offerer, Packs: 4, Status: market.OfferActive, CreatedAt: s.now}
		s.ErrorIs(s.repos.Listings.AddOffer(ctx, dup), sentinel.ErrAlreadyUsed)
	})

	s.Run("closing a closed offer reports invalid state", func() {
		s.Require().NoError(s.repos.Listings.CloseOffer(ctx, first.ID, market.OfferRejected, s.now))
		s.ErrorIs(s.repos.Listings.CloseOffer(ctx, first.ID, market.OfferRejected, s.now), sentinel.ErrInvalidState)
	})

	s.Run("delete removes the listing and its offers", func() {
		s.Require().NoError(s.repos.Listings.Delete(ctx, listing.ID))
		_, err := s.repos.Listings.FindByID(ctx, listing.ID)
		s.ErrorIs(err, sentinel.ErrNotFound)
		_, err = s.repos.Listings.FindOffer(ctx, first.ID)
		s.ErrorIs(err, sentinel.ErrNotFound)
	})
}

func (s *BackendSuite) TestTrades() {
	ctx := context.Background()
	recipient := id.NewUserID()
	trade := &trading.Trade{ID: id.NewTradeID(), SenderID: s.owner, RecipientID: recipient, OfferedPacks: 1, Status: trading.StatusPending, CreatedAt: s.now, UpdatedAt: s.now}
	s.Require().NoError(s.repos.Trades.Create(ctx, trade))

	s.Run("listed for both parties", func() {
		mine, err := s.repos.Trades.ListByUser(ctx, recipient)
		s.NoError(err)
		s.Len(mine, 1)
	})

	s.Run("close is single-shot", func() {
		s.Require().NoError(s.repos.Trades.Close(ctx, trade.ID, trading.StatusRejected, s.now))
		s.ErrorIs(s.repos.Trades.Close(ctx, trade.ID, trading.StatusCancelled, s.now), sentinel.ErrInvalidState)

		stored, err := s.repos.Trades.FindByID(ctx, trade.ID)
		s.Require().NoError(err)
		s.Equal(trading.StatusRejected, stored.Status)
		s.NotNil(stored.ClosedAt)
	})
}

