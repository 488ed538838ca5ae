// Package memory is the in-process storage backend.
//
// All state sits behind one RWMutex. Stored values are immutable: every write
// stores a fresh clone and every read returns one. A transaction takes the
// write lock, works on a shallow copy of the state maps and swaps the copy in
// on success, so a failed transaction leaves nothing behind.
//
// Repositories obtained from Backend.Repos must not be used inside RunInTx;
// use the Repos passed to the callback instead.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	catalog "cardvault/internal/catalog/models"
	instance "cardvault/internal/instance/models"
	market "cardvault/internal/market/models"
	"cardvault/internal/storage"
	trading "cardvault/internal/trading/models"
	id "cardvault/pkg/domain"
	dErrors "cardvault/pkg/domain-errors"
	"cardvault/pkg/platform/sentinel"
)

type mintKey struct {
	definition id.DefinitionID
	rarity     string
	number     int
}

type counterKey struct {
	definition id.DefinitionID
	rarity     string
}

func newCounterKey(definitionID id.DefinitionID, rarity catalog.Rarity) counterKey {
	return counterKey{definition: definitionID, rarity: strings.ToLower(string(rarity))}
}

type state struct {
	definitions map[id.DefinitionID]*catalog.CardDefinition
	instances   map[id.InstanceID]*instance.CardInstance
	mints       map[mintKey]id.InstanceID
	counters    map[counterKey]int
	wallets     map[id.UserID]int64
	listings    map[id.ListingID]*market.Listing
	offers      map[id.OfferID]*market.Offer
	trades      map[id.TradeID]*trading.Trade
}

func newState() *state {
	return &state{
		definitions: make(map[id.DefinitionID]*catalog.CardDefinition),
		instances:   make(map[id.InstanceID]*instance.CardInstance),
		mints:       make(map[mintKey]id.InstanceID),
		counters:    make(map[counterKey]int),
		wallets:     make(map[id.UserID]int64),
		listings:    make(map[id.ListingID]*market.Listing),
		offers:      make(map[id.OfferID]*market.Offer),
		trades:      make(map[id.TradeID]*trading.Trade),
	}
}

func copyMap[K comparable, V any](in map[K]V) map[K]V {
	out := make(map[K]V, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// fork copies the maps. Values are shared because they are never mutated in place.
func (s *state) fork() *state {
	return &state{
		definitions: copyMap(s.definitions),
		instances:   copyMap(s.instances),
		mints:       copyMap(s.mints),
		counters:    copyMap(s.counters),
		wallets:     copyMap(s.wallets),
		listings:    copyMap(s.listings),
		offers:      copyMap(s.offers),
		trades:      copyMap(s.trades),
	}
}

// Backend implements storage.Backend in memory.
type Backend struct {
	mu    sync.RWMutex
	state *state
}

func New() *Backend {
	return &Backend{state: newState()}
}

// scope decides how a repository reaches the state: through the backend lock
// (autocommit) or directly on a transaction's private copy.
type scope struct {
	backend *Backend
	tx      *state
}

func (sc scope) read(fn func(st *state) error) error {
	if sc.tx != nil {
		return fn(sc.tx)
	}
	sc.backend.mu.RLock()
	defer sc.backend.mu.RUnlock()
	return fn(sc.backend.state)
}

func (sc scope) write(fn func(st *state) error) error {
	if sc.tx != nil {
		return fn(sc.tx)
	}
	sc.backend.mu.Lock()
	defer sc.backend.mu.Unlock()
	return fn(sc.backend.state)
}

func reposFor(sc scope) storage.Repos {
	return storage.Repos{
		Definitions:  &definitionStore{sc},
		Instances:    &instanceStore{sc},
		MintCounters: &mintCounterStore{sc},
		Wallets:      &walletStore{sc},
		Listings:     &listingStore{sc},
		Trades:       &tradeStore{sc},
	}
}

// Repos returns autocommit repositories.
func (b *Backend) Repos() storage.Repos {
	return reposFor(scope{backend: b})
}

// RunInTx serializes transactions. Writes become visible only if fn succeeds.
func (b *Backend) RunInTx(ctx context.Context, fn func(ctx context.Context, r storage.Repos) error) error {
	if err := ctx.Err(); err != nil {
		return dErrors.Wrap(err, dErrors.CodeTimeout, "transaction aborted: context cancelled")
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	working := b.state.fork()
	if err := fn(ctx, reposFor(scope{backend: b, tx: working})); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return dErrors.Wrap(err, dErrors.CodeTimeout, "transaction aborted: context cancelled")
	}
	b.state = working
	return nil
}

func (b *Backend) Close() error { return nil }

// -----------------------------------------------------------------------------
// Definitions
// -----------------------------------------------------------------------------

type definitionStore struct{ sc scope }

func (s *definitionStore) Upsert(_ context.Context, def *catalog.CardDefinition) error {
	return s.sc.write(func(st *state) error {
		st.definitions[def.ID] = def.Clone()
		return nil
	})
}

func (s *definitionStore) FindByID(_ context.Context, definitionID id.DefinitionID) (*catalog.CardDefinition, error) {
	var out *catalog.CardDefinition
	err := s.sc.read(func(st *state) error {
		def, ok := st.definitions[definitionID]
		if !ok {
			return sentinel.ErrNotFound
		}
		out = def.Clone()
		return nil
	})
	return out, err
}

func (s *definitionStore) List(_ context.Context) ([]*catalog.CardDefinition, error) {
	var out []*catalog.CardDefinition
	err := s.sc.read(func(st *state) error {
		out = make([]*catalog.CardDefinition, 0, len(st.definitions))
		for _, def := range st.definitions {
			out = append(out, def.Clone())
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Slug < out[j].Slug })
	return out, err
}

// -----------------------------------------------------------------------------
// Instances
// -----------------------------------------------------------------------------

type instanceStore struct{ sc scope }

func (s *instanceStore) Create(_ context.Context, inst *instance.CardInstance) error {
	key := mintKey{definition: inst.DefinitionID, rarity: strings.ToLower(string(inst.Rarity)), number: inst.MintNumber}
	return s.sc.write(func(st *state) error {
		if _, taken := st.mints[key]; taken {
			return sentinel.ErrAlreadyUsed
		}
		if _, exists := st.instances[inst.ID]; exists {
			return sentinel.ErrAlreadyUsed
		}
		st.mints[key] = inst.ID
		st.instances[inst.ID] = inst.Clone()
		return nil
	})
}

func (s *instanceStore) FindByID(_ context.Context, instanceID id.InstanceID) (*instance.CardInstance, error) {
	var out *instance.CardInstance
	err := s.sc.read(func(st *state) error {
		inst, ok := st.instances[instanceID]
		if !ok {
			return sentinel.ErrNotFound
		}
		out = inst.Clone()
		return nil
	})
	return out, err
}

func (s *instanceStore) LockMany(_ context.Context, instanceIDs []id.InstanceID) ([]*instance.CardInstance, error) {
	out := make([]*instance.CardInstance, 0, len(instanceIDs))
	err := s.sc.read(func(st *state) error {
		for _, instanceID := range instanceIDs {
			inst, ok := st.instances[instanceID]
			if !ok {
				return sentinel.ErrNotFound
			}
			out = append(out, inst.Clone())
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *instanceStore) ListByOwner(_ context.Context, ownerID id.UserID) ([]*instance.CardInstance, error) {
	var out []*instance.CardInstance
	err := s.sc.read(func(st *state) error {
		for _, inst := range st.instances {
			if inst.OwnerID == ownerID {
				out = append(out, inst.Clone())
			}
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool {
		if out[i].AcquiredAt.Equal(out[j].AcquiredAt) {
			return out[i].ID.String() < out[j].ID.String()
		}
		return out[i].AcquiredAt.Before(out[j].AcquiredAt)
	})
	return out, err
}

func (s *instanceStore) Update(_ context.Context, inst *instance.CardInstance, expected instance.Status) error {
	return s.sc.write(func(st *state) error {
		current, ok := st.instances[inst.ID]
		if !ok {
			return sentinel.ErrNotFound
		}
		if current.Status != expected || current.Version != inst.Version {
			return sentinel.ErrConflict
		}
		next := inst.Clone()
		next.Version++
		st.instances[inst.ID] = next
		inst.Version = next.Version
		return nil
	})
}

func (s *instanceStore) Delete(_ context.Context, instanceID id.InstanceID, version int64) error {
	return s.sc.write(func(st *state) error {
		current, ok := st.instances[instanceID]
		if !ok {
			return sentinel.ErrNotFound
		}
		if current.Version != version {
			return sentinel.ErrConflict
		}
		// The mint key stays claimed so the number is never issued again.
		delete(st.instances, instanceID)
		return nil
	})
}

// -----------------------------------------------------------------------------
// Mint counters
// -----------------------------------------------------------------------------

type mintCounterStore struct{ sc scope }

func (s *mintCounterStore) Next(_ context.Context, definitionID id.DefinitionID, rarity catalog.Rarity, limit int) (int, error) {
	key := newCounterKey(definitionID, rarity)
	var next int
	err := s.sc.write(func(st *state) error {
		issued := st.counters[key]
		if issued >= limit {
			return sentinel.ErrExhausted
		}
		next = issued + 1
		st.counters[key] = next
		return nil
	})
	return next, err
}

func (s *mintCounterStore) Issued(_ context.Context, definitionID id.DefinitionID, rarity catalog.Rarity) (int, error) {
	key := newCounterKey(definitionID, rarity)
	var issued int
	err := s.sc.read(func(st *state) error {
		issued = st.counters[key]
		return nil
	})
	return issued, err
}

// -----------------------------------------------------------------------------
// Wallets
// -----------------------------------------------------------------------------

type walletStore struct{ sc scope }

func (s *walletStore) Balance(_ context.Context, userID id.UserID) (int64, error) {
	var balance int64
	err := s.sc.read(func(st *state) error {
		balance = st.wallets[userID]
		return nil
	})
	return balance, err
}

func (s *walletStore) Lock(_ context.Context, userIDs []id.UserID) (map[id.UserID]int64, error) {
	out := make(map[id.UserID]int64, len(userIDs))
	err := s.sc.read(func(st *state) error {
		for _, userID := range userIDs {
			out[userID] = st.wallets[userID]
		}
		return nil
	})
	return out, err
}

func (s *walletStore) Debit(_ context.Context, userID id.UserID, amount int64) error {
	if amount == 0 {
		return nil
	}
	return s.sc.write(func(st *state) error {
		if st.wallets[userID] < amount {
			return sentinel.ErrInsufficient
		}
		st.wallets[userID] -= amount
		return nil
	})
}

func (s *walletStore) Credit(_ context.Context, userID id.UserID, amount int64) error {
	return s.sc.write(func(st *state) error {
		st.wallets[userID] += amount
		return nil
	})
}

// -----------------------------------------------------------------------------
// Listings and offers
// -----------------------------------------------------------------------------

type listingStore struct{ sc scope }

func (s *listingStore) Create(_ context.Context, listing *market.Listing) error {
	return s.sc.write(func(st *state) error {
		if _, exists := st.listings[listing.ID]; exists {
			return sentinel.ErrAlreadyUsed
		}
		stored := listing.Clone()
		stored.Offers = nil
		st.listings[listing.ID] = stored
		return nil
	})
}

func (s *listingStore) FindByID(_ context.Context, listingID id.ListingID) (*market.Listing, error) {
	var out *market.Listing
	err := s.sc.read(func(st *state) error {
		listing, ok := st.listings[listingID]
		if !ok {
			return sentinel.ErrNotFound
		}
		out = withOffers(st, listing)
		return nil
	})
	return out, err
}

func (s *listingStore) Lock(ctx context.Context, listingID id.ListingID) (*market.Listing, error) {
	return s.FindByID(ctx, listingID)
}

func (s *listingStore) ListOpen(_ context.Context, limit int) ([]*market.Listing, error) {
	var out []*market.Listing
	err := s.sc.read(func(st *state) error {
		for _, listing := range st.listings {
			if listing.IsOpen() {
				out = append(out, withOffers(st, listing))
			}
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, err
}

func (s *listingStore) Close(_ context.Context, listingID id.ListingID, status market.ListingStatus, at time.Time) error {
	return s.sc.write(func(st *state) error {
		listing, ok := st.listings[listingID]
		if !ok {
			return sentinel.ErrNotFound
		}
		if !listing.IsOpen() {
			return sentinel.ErrInvalidState
		}
		next := listing.Clone()
		next.Status = status
		closed := at
		next.ClosedAt = &closed
		st.listings[listingID] = next
		return nil
	})
}

func (s *listingStore) Delete(_ context.Context, listingID id.ListingID) error {
	return s.sc.write(func(st *state) error {
		if _, ok := st.listings[listingID]; !ok {
			return sentinel.ErrNotFound
		}
		delete(st.listings, listingID)
		for offerID, offer := range st.offers {
			if offer.ListingID == listingID {
				delete(st.offers, offerID)
			}
		}
		return nil
	})
}

func (s *listingStore) AddOffer(_ context.Context, offer *market.Offer) error {
	return s.sc.write(func(st *state) error {
		if _, ok := st.listings[offer.ListingID]; !ok {
			return sentinel.ErrNotFound
		}
		for _, existing := range st.offers {
			if existing.ListingID == offer.ListingID && existing.OffererID == offer.OffererID && existing.IsActive() {
				return sentinel.ErrAlreadyUsed
			}
		}
		st.offers[offer.ID] = offer.Clone()
		return nil
	})
}

func (s *listingStore) FindOffer(_ context.Context, offerID id.OfferID) (*market.Offer, error) {
	var out *market.Offer
	err := s.sc.read(func(st *state) error {
		offer, ok := st.offers[offerID]
		if !ok {
			return sentinel.ErrNotFound
		}
		out = offer.Clone()
		return nil
	})
	return out, err
}

func (s *listingStore) CloseOffer(_ context.Context, offerID id.OfferID, status market.OfferStatus, at time.Time) error {
	return s.sc.write(func(st *state) error {
		offer, ok := st.offers[offerID]
		if !ok {
			return sentinel.ErrNotFound
		}
		if !offer.IsActive() {
			return sentinel.ErrInvalidState
		}
		st.offers[offerID] = closedOffer(offer, status, at)
		return nil
	})
}

func (s *listingStore) CloseOffers(_ context.Context, listingID id.ListingID, status market.OfferStatus, at time.Time) (int, error) {
	closed := 0
	err := s.sc.write(func(st *state) error {
		for offerID, offer := range st.offers {
			if offer.ListingID == listingID && offer.IsActive() {
				st.offers[offerID] = closedOffer(offer, status, at)
				closed++
			}
		}
		return nil
	})
	return closed, err
}

func closedOffer(offer *market.Offer, status market.OfferStatus, at time.Time) *market.Offer {
	next := offer.Clone()
	next.Status = status
	closedAt := at
	next.ClosedAt = &closedAt
	return next
}

func withOffers(st *state, listing *market.Listing) *market.Listing {
	out := listing.Clone()
	for _, offer := range st.offers {
		if offer.ListingID == listing.ID {
			out.Offers = append(out.Offers, offer.Clone())
		}
	}
	sort.Slice(out.Offers, func(i, j int) bool { return out.Offers[i].CreatedAt.Before(out.Offers[j].CreatedAt) })
	return out
}

// -----------------------------------------------------------------------------
// Trades
// -----------------------------------------------------------------------------

type tradeStore struct{ sc scope }

func (s *tradeStore) Create(_ context.Context, trade *trading.Trade) error {
	return s.sc.write(func(st *state) error {
		if _, exists := st.trades[trade.ID]; exists {
			return sentinel.ErrAlreadyUsed
		}
		st.trades[trade.ID] = trade.Clone()
		return nil
	})
}

func (s *tradeStore) FindByID(_ context.Context, tradeID id.TradeID) (*trading.Trade, error) {
	var out *trading.Trade
	err := s.sc.read(func(st *state) error {
		trade, ok := st.trades[tradeID]
		if !ok {
			return sentinel.ErrNotFound
		}
		out = trade.Clone()
		return nil
	})
	return out, err
}

func (s *tradeStore) Lock(ctx context.Context, tradeID id.TradeID) (*trading.Trade, error) {
	return s.FindByID(ctx, tradeID)
}

func (s *tradeStore) ListByUser(_ context.Context, userID id.UserID) ([]*trading.Trade, error) {
	var out []*trading.Trade
	err := s.sc.read(func(st *state) error {
		for _, trade := range st.trades {
			if trade.Involves(userID) {
				out = append(out, trade.Clone())
			}
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, err
}

func (s *tradeStore) Close(_ context.Context, tradeID id.TradeID, status trading.Status, at time.Time) error {
	return s.sc.write(func(st *state) error {
		trade, ok := st.trades[tradeID]
		if !ok {
			return sentinel.ErrNotFound
		}
		if trade.Status.IsClosed() {
			return sentinel.ErrInvalidState
		}
		next := trade.Clone()
		next.ApplyClose(status, at)
		st.trades[tradeID] = next
		return nil
	})
}

var _ storage.Backend = (*Backend)(nil)
