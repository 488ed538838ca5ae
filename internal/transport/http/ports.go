package httptransport

import (
	"context"

	catalog "cardvault/internal/catalog/models"
	grading "cardvault/internal/grading/service"
	instance "cardvault/internal/instance/models"
	market "cardvault/internal/market/models"
	marketservice "cardvault/internal/market/service"
	"cardvault/internal/supply/readmodel"
	trading "cardvault/internal/trading/models"
	tradingservice "cardvault/internal/trading/service"
	id "cardvault/pkg/domain"
)

type CatalogService interface {
	GetDefinition(ctx context.Context, definitionID id.DefinitionID) (*catalog.CardDefinition, error)
	ListDefinitions(ctx context.Context) ([]*catalog.CardDefinition, error)
}

type InstanceService interface {
	GetInstance(ctx context.Context, instanceID id.InstanceID) (*instance.CardInstance, error)
	ListByOwner(ctx context.Context, ownerID id.UserID) ([]*instance.CardInstance, error)
	ReturnToPool(ctx context.Context, actor id.Actor, instanceID id.InstanceID) error
}

type Allocator interface {
	AllocateInstance(ctx context.Context, definitionID id.DefinitionID, rarity catalog.Rarity, ownerID id.UserID) (*instance.CardInstance, error)
}

type SupplyService interface {
	DisplayRemainingSupply(ctx context.Context, definitionID id.DefinitionID, rarity catalog.Rarity) (*readmodel.Display, error)
	SetDisplayOverride(ctx context.Context, actor id.Actor, definitionID id.DefinitionID, rarity catalog.Rarity, value int) error
	ClearDisplayOverride(ctx context.Context, actor id.Actor, definitionID id.DefinitionID, rarity catalog.Rarity) error
}

type GradingService interface {
	RequestGrading(ctx context.Context, requesterID id.UserID, instanceID id.InstanceID) (*instance.CardInstance, error)
	CompleteGrading(ctx context.Context, actor id.Actor, instanceID id.InstanceID, grade *float64, adminOverride bool) (*instance.CardInstance, error)
	RevealGraded(ctx context.Context, ownerID id.UserID, instanceID id.InstanceID) (*instance.CardInstance, error)
	GradingStatus(ctx context.Context, actor id.Actor, instanceID id.InstanceID) (*grading.Status, error)
}

type MarketService interface {
	CreateListing(ctx context.Context, ownerID id.UserID, instanceID id.InstanceID) (*market.Listing, error)
	MakeOffer(ctx context.Context, req marketservice.MakeOfferRequest) (*market.Offer, error)
	AcceptOffer(ctx context.Context, listerID id.UserID, listingID id.ListingID, offerID id.OfferID) error
	RejectOffer(ctx context.Context, listerID id.UserID, listingID id.ListingID, offerID id.OfferID) error
	CancelOffer(ctx context.Context, offererID id.UserID, listingID id.ListingID, offerID id.OfferID) error
	CancelListing(ctx context.Context, actor id.Actor, listingID id.ListingID) error
	GetListing(ctx context.Context, listingID id.ListingID) (*market.Listing, error)
	ListOpen(ctx context.Context, limit int) ([]*market.Listing, error)
}

type TradingService interface {
	CreateTrade(ctx context.Context, req tradingservice.CreateTradeRequest) (*trading.Trade, error)
	AcceptTrade(ctx context.Context, recipientID id.UserID, tradeID id.TradeID) (*trading.Trade, error)
	RejectTrade(ctx context.Context, recipientID id.UserID, tradeID id.TradeID) (*trading.Trade, error)
	CancelTrade(ctx context.Context, senderID id.UserID, tradeID id.TradeID) (*trading.Trade, error)
	GetTrade(ctx context.Context, actor id.Actor, tradeID id.TradeID) (*trading.Trade, error)
	ListTrades(ctx context.Context, userID id.UserID) ([]*trading.Trade, error)
}
