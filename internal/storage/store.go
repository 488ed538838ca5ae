// Package storage defines the persistence ports shared by every bounded context
// and the unit of work that makes multi-entity writes all-or-nothing.
//
// Repositories are pure I/O. They enforce only what the database itself would
// enforce (uniqueness, guarded updates, non-negative balances) and report it
// through sentinel errors; business rules live in the services.
package storage

import (
	"context"
	"time"

	catalog "cardvault/internal/catalog/models"
	instance "cardvault/internal/instance/models"
	market "cardvault/internal/market/models"
	trading "cardvault/internal/trading/models"
	id "cardvault/pkg/domain"
)

type Definitions interface {
	Upsert(ctx context.Context, def *catalog.CardDefinition) error
	FindByID(ctx context.Context, definitionID id.DefinitionID) (*catalog.CardDefinition, error)
	List(ctx context.Context) ([]*catalog.CardDefinition, error)
}

type Instances interface {
	// Create inserts a new instance. Returns sentinel.ErrAlreadyUsed when the
	// (definition, rarity, mint number) triple is taken.
	Create(ctx context.Context, inst *instance.CardInstance) error
	FindByID(ctx context.Context, instanceID id.InstanceID) (*instance.CardInstance, error)
	// LockMany loads every listed instance, row-locking them inside a
	// transaction. Returns sentinel.ErrNotFound if any is missing.
	LockMany(ctx context.Context, instanceIDs []id.InstanceID) ([]*instance.CardInstance, error)
	ListByOwner(ctx context.Context, ownerID id.UserID) ([]*instance.CardInstance, error)
	// Update is the compare-and-swap primitive: it persists inst only if the
	// stored row still has status expected and version inst.Version, then bumps
	// inst.Version. Returns sentinel.ErrConflict otherwise.
	Update(ctx context.Context, inst *instance.CardInstance, expected instance.Status) error
	// Delete removes the instance if it is still at version. Returns
	// sentinel.ErrConflict otherwise.
	Delete(ctx context.Context, instanceID id.InstanceID, version int64) error
}

type MintCounters interface {
	// Next atomically claims the next mint number below or at limit. Returns
	// sentinel.ErrExhausted once limit numbers have been issued.
	Next(ctx context.Context, definitionID id.DefinitionID, rarity catalog.Rarity, limit int) (int, error)
	Issued(ctx context.Context, definitionID id.DefinitionID, rarity catalog.Rarity) (int, error)
}

type Wallets interface {
	Balance(ctx context.Context, userID id.UserID) (int64, error)
	// Lock row-locks the balances of users inside a transaction and returns
	// them. Users without a wallet report zero.
	Lock(ctx context.Context, userIDs []id.UserID) (map[id.UserID]int64, error)
	// Debit returns sentinel.ErrInsufficient when the balance is below amount.
	Debit(ctx context.Context, userID id.UserID, amount int64) error
	Credit(ctx context.Context, userID id.UserID, amount int64) error
}

type Listings interface {
	Create(ctx context.Context, listing *market.Listing) error
	// FindByID returns the listing with all of its offers.
	FindByID(ctx context.Context, listingID id.ListingID) (*market.Listing, error)
	// Lock is FindByID with a row lock inside a transaction.
	Lock(ctx context.Context, listingID id.ListingID) (*market.Listing, error)
	ListOpen(ctx context.Context, limit int) ([]*market.Listing, error)
	// Close moves an open listing to status. Returns sentinel.ErrInvalidState
	// if it was already closed.
	Close(ctx context.Context, listingID id.ListingID, status market.ListingStatus, at time.Time) error
	// Delete removes the listing and every offer against it.
	Delete(ctx context.Context, listingID id.ListingID) error

	// AddOffer returns sentinel.ErrAlreadyUsed when the offerer already has an
	// active offer on the listing.
	AddOffer(ctx context.Context, offer *market.Offer) error
	FindOffer(ctx context.Context, offerID id.OfferID) (*market.Offer, error)
	// CloseOffer moves an active offer to status. Returns
	// sentinel.ErrInvalidState if it was not active.
	CloseOffer(ctx context.Context, offerID id.OfferID, status market.OfferStatus, at time.Time) error
	// CloseOffers closes every active offer on a listing and reports how many.
	CloseOffers(ctx context.Context, listingID id.ListingID, status market.OfferStatus, at time.Time) (int, error)
}

type Trades interface {
	Create(ctx context.Context, trade *trading.Trade) error
	FindByID(ctx context.Context, tradeID id.TradeID) (*trading.Trade, error)
	// Lock is FindByID with a row lock inside a transaction.
	Lock(ctx context.Context, tradeID id.TradeID) (*trading.Trade, error)
	ListByUser(ctx context.Context, userID id.UserID) ([]*trading.Trade, error)
	// Close moves a pending trade to status. Returns sentinel.ErrInvalidState
	// if it was no longer pending.
	Close(ctx context.Context, tradeID id.TradeID, status trading.Status, at time.Time) error
}

// Repos bundles the repositories that may take part in one transaction.
type Repos struct {
	Definitions  Definitions
	Instances    Instances
	MintCounters MintCounters
	Wallets      Wallets
	Listings     Listings
	Trades       Trades
}

// UnitOfWork runs fn inside a transaction. Every write made through the Repos
// handed to fn commits together or not at all; returning an error rolls back.
// fn must use the context it receives.
type UnitOfWork interface {
	RunInTx(ctx context.Context, fn func(ctx context.Context, r Repos) error) error
}

// Backend is a storage implementation: autocommit repositories for single
// statements plus a unit of work for multi-entity commits.
type Backend interface {
	UnitOfWork
	Repos() Repos
	Close() error
}
