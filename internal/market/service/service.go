// Package service runs the public market: listings, offers against them and
// offer acceptance through the exchange settlement engine.
package service

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	catalog "cardvault/internal/catalog/models"
	"cardvault/internal/events"
	"cardvault/internal/exchange"
	exchangemetrics "cardvault/internal/exchange/metrics"
	instance "cardvault/internal/instance/models"
	instservice "cardvault/internal/instance/service"
	"cardvault/internal/market/models"
	"cardvault/internal/platform/tracing"
	"cardvault/internal/storage"
	id "cardvault/pkg/domain"
	dErrors "cardvault/pkg/domain-errors"
	"cardvault/pkg/platform/sentinel"
	"cardvault/pkg/requestcontext"
)

const (
	maxMessageLength = 500
	maxOfferedCards  = 20
	defaultPageSize  = 50
	maxPageSize      = 200
)

type EventPublisher interface {
	Emit(ctx context.Context, e events.Event)
}

type Service struct {
	uow       storage.UnitOfWork
	listings  storage.Listings
	logger    *slog.Logger
	publisher EventPublisher
	metrics   *exchangemetrics.Metrics
}

type Option func(*Service)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

func WithEventPublisher(publisher EventPublisher) Option {
	return func(s *Service) {
		s.publisher = publisher
	}
}

func WithMetrics(m *exchangemetrics.Metrics) Option {
	return func(s *Service) {
		s.metrics = m
	}
}

func New(uow storage.UnitOfWork, listings storage.Listings, opts ...Option) *Service {
	s := &Service{uow: uow, listings: listings}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// MakeOfferRequest describes a bid. Offered instances are validated but not
// reserved.
type MakeOfferRequest struct {
	ListingID   id.ListingID
	OffererID   id.UserID
	InstanceIDs []id.InstanceID
	Packs       int64
	Message     string
}

func (r *MakeOfferRequest) Validate() error {
	if r.Packs < 0 {
		return dErrors.New(dErrors.CodeValidation, "offered packs must not be negative")
	}
	if r.Packs == 0 && len(r.InstanceIDs) == 0 {
		return dErrors.New(dErrors.CodeValidation, "an offer needs packs or cards")
	}
	if len(r.InstanceIDs) > maxOfferedCards {
		return dErrors.New(dErrors.CodeValidation, "at most "+strconv.Itoa(maxOfferedCards)+" cards can be offered")
	}
	seen := make(map[id.InstanceID]bool, len(r.InstanceIDs))
	for _, instanceID := range r.InstanceIDs {
		if seen[instanceID] {
			return dErrors.New(dErrors.CodeValidation, "card "+instanceID.String()+" is offered twice")
		}
		seen[instanceID] = true
	}
	if len(r.Message) > maxMessageLength {
		return dErrors.New(dErrors.CodeValidation, "message is too long")
	}
	return nil
}

// CreateListing puts an owned, available instance on the market.
func (s *Service) CreateListing(ctx context.Context, ownerID id.UserID, instanceID id.InstanceID) (*models.Listing, error) {
	ctx, span := tracing.Start(ctx, "market.CreateListing", attribute.String("instance_id", instanceID.String()))
	now := requestcontext.Now(ctx)
	var listing *models.Listing
	err := s.uow.RunInTx(ctx, func(ctx context.Context, r storage.Repos) error {
		inst, err := r.Instances.FindByID(ctx, instanceID)
		if err != nil {
			return storage.Translate(err, "card instance not found", "failed to load card instance")
		}
		if !inst.OwnedBy(ownerID) {
			return dErrors.New(dErrors.CodeForbidden, "only the owner can list a card")
		}
		if err := instservice.RequireAvailable(inst); err != nil {
			return err
		}
		def, err := definitionFor(ctx, r, inst)
		if err != nil {
			return err
		}
		if err := instservice.Transition(ctx, r.Instances, inst, instance.StatusListed, now); err != nil {
			return err
		}
		listing = &models.Listing{
			ID:        id.NewListingID(),
			OwnerID:   ownerID,
			Instance:  models.SnapshotOf(inst, def),
			Status:    models.ListingOpen,
			CreatedAt: now,
		}
		if err := r.Listings.Create(ctx, listing); err != nil {
			return dErrors.Wrap(err, dErrors.CodeInternal, "failed to create listing")
		}
		return nil
	})
	tracing.End(span, err)
	if err != nil {
		return nil, err
	}

	s.logAudit(ctx, string(events.ListingCreated),
		"listing_id", listing.ID.String(),
		"instance_id", instanceID.String(),
		"owner_id", ownerID.String(),
	)
	s.emit(ctx, events.Event{
		Type:    events.ListingCreated,
		Subject: listing.ID.String(),
		Attributes: map[string]string{
			"instance_id": instanceID.String(),
			"owner_id":    ownerID.String(),
		},
	})
	return listing, nil
}

// MakeOffer records a bid against an open listing. One active offer per
// offerer per listing.
func (s *Service) MakeOffer(ctx context.Context, req MakeOfferRequest) (*models.Offer, error) {
	req.Message = strings.TrimSpace(req.Message)
	if err := req.Validate(); err != nil {
		return nil, err
	}

	ctx, span := tracing.Start(ctx, "market.MakeOffer", attribute.String("listing_id", req.ListingID.String()))
	now := requestcontext.Now(ctx)
	var offer *models.Offer
	err := s.uow.RunInTx(ctx, func(ctx context.Context, r storage.Repos) error {
		listing, err := r.Listings.FindByID(ctx, req.ListingID)
		if err != nil {
			return storage.Translate(err, "listing not found", "failed to load listing")
		}
		if !listing.IsOpen() {
			return dErrors.New(dErrors.CodeAlreadyClosed, "listing is "+string(listing.Status))
		}
		if listing.OwnerID == req.OffererID {
			return dErrors.New(dErrors.CodeForbidden, "cannot make an offer on your own listing")
		}

		snapshots := make([]models.InstanceSnapshot, 0, len(req.InstanceIDs))
		for _, instanceID := range req.InstanceIDs {
			inst, err := r.Instances.FindByID(ctx, instanceID)
			if err != nil {
				return storage.Translate(err, "offered card "+instanceID.String()+" not found", "failed to load card instance")
			}
			if !inst.OwnedBy(req.OffererID) {
				return dErrors.New(dErrors.CodeForbidden, "offered card "+instanceID.String()+" is not yours")
			}
			if err := instservice.RequireAvailable(inst); err != nil {
				return err
			}
			def, err := definitionFor(ctx, r, inst)
			if err != nil {
				return err
			}
			snapshots = append(snapshots, models.SnapshotOf(inst, def))
		}

		if req.Packs > 0 {
			balance, err := r.Wallets.Balance(ctx, req.OffererID)
			if err != nil {
				return dErrors.Wrap(err, dErrors.CodeInternal, "failed to read pack balance")
			}
			if balance < req.Packs {
				return dErrors.New(dErrors.CodeInsufficientAssets, "insufficient packs: "+strconv.FormatInt(req.Packs, 10)+" offered, "+strconv.FormatInt(balance, 10)+" held")
			}
		}

		offer = &models.Offer{
			ID:        id.NewOfferID(),
			ListingID: listing.ID,
			OffererID: req.OffererID,
			Instances: snapshots,
			Packs:     req.Packs,
			Message:   req.Message,
			Status:    models.OfferActive,
			CreatedAt: now,
		}
		if err := r.Listings.AddOffer(ctx, offer); err != nil {
			switch {
			case errors.Is(err, sentinel.ErrAlreadyUsed):
				return dErrors.New(dErrors.CodeConflict, "you already have an active offer on this listing")
			case errors.Is(err, sentinel.ErrNotFound):
				return dErrors.New(dErrors.CodeNotFound, "listing not found")
			default:
				return dErrors.Wrap(err, dErrors.CodeInternal, "failed to create offer")
			}
		}
		return nil
	})
	tracing.End(span, err)
	if err != nil {
		return nil, err
	}

	s.logAudit(ctx, string(events.OfferMade),
		"listing_id", req.ListingID.String(),
		"offer_id", offer.ID.String(),
		"offerer_id", req.OffererID.String(),
		"packs", req.Packs,
		"cards", len(req.InstanceIDs),
	)
	s.emit(ctx, events.Event{
		Type:    events.OfferMade,
		Subject: offer.ID.String(),
		Attributes: map[string]string{
			"listing_id": req.ListingID.String(),
			"offerer_id": req.OffererID.String(),
			"packs":      strconv.FormatInt(req.Packs, 10),
		},
	})
	return offer, nil
}

// AcceptOffer settles the offer and deletes the listing with every offer on
// it. Every asset is re-validated under lock; any drift fails the whole
// exchange with no effect.
func (s *Service) AcceptOffer(ctx context.Context, listerID id.UserID, listingID id.ListingID, offerID id.OfferID) error {
	start := time.Now()
	ctx, span := tracing.Start(ctx, "market.AcceptOffer",
		attribute.String("listing_id", listingID.String()),
		attribute.String("offer_id", offerID.String()),
	)
	now := requestcontext.Now(ctx)
	var (
		accepted  *models.Offer
		listing   *models.Listing
		transfers []exchange.Transfer
	)
	err := s.uow.RunInTx(ctx, func(ctx context.Context, r storage.Repos) error {
		var err error
		listing, err = r.Listings.Lock(ctx, listingID)
		if err != nil {
			return storage.Translate(err, "listing not found", "failed to load listing")
		}
		if listing.OwnerID != listerID {
			return dErrors.New(dErrors.CodeForbidden, "only the lister can accept offers")
		}
		if !listing.IsOpen() {
			return dErrors.New(dErrors.CodeAlreadyClosed, "listing is "+string(listing.Status))
		}
		accepted = findOffer(listing, offerID)
		if accepted == nil {
			return dErrors.New(dErrors.CodeNotFound, "offer not found")
		}
		if !accepted.IsActive() {
			return dErrors.New(dErrors.CodeAlreadyClosed, "offer is "+string(accepted.Status))
		}

		settlement := exchange.Settlement{
			Instances: []exchange.InstanceMove{{
				InstanceID:   listing.Instance.InstanceID,
				From:         listing.OwnerID,
				To:           accepted.OffererID,
				ExpectStatus: instance.StatusListed,
				MismatchCode: dErrors.CodeConflict,
			}},
			Packs: []exchange.PackMove{{From: accepted.OffererID, To: listing.OwnerID, Amount: accepted.Packs}},
		}
		for _, instanceID := range accepted.InstanceIDs() {
			settlement.Instances = append(settlement.Instances, exchange.InstanceMove{
				InstanceID:   instanceID,
				From:         accepted.OffererID,
				To:           listing.OwnerID,
				ExpectStatus: instance.StatusAvailable,
				MismatchCode: dErrors.CodeInsufficientAssets,
			})
		}
		transfers, err = exchange.Apply(ctx, r, settlement, now)
		if err != nil {
			return err
		}
		if err := r.Listings.Delete(ctx, listing.ID); err != nil {
			return storage.Translate(err, "listing not found", "failed to delete listing")
		}
		return nil
	})
	tracing.End(span, err)
	s.metrics.Record("accept_offer", start, err)
	if err != nil {
		return err
	}

	s.logAudit(ctx, string(events.OfferAccepted),
		"listing_id", listingID.String(),
		"offer_id", offerID.String(),
		"lister_id", listerID.String(),
		"offerer_id", accepted.OffererID.String(),
		"packs", accepted.Packs,
		"implicitly_rejected", len(listing.Offers)-1,
	)
	s.emit(ctx, events.Event{
		Type:    events.OfferAccepted,
		Subject: offerID.String(),
		Attributes: map[string]string{
			"listing_id": listingID.String(),
			"lister_id":  listerID.String(),
			"offerer_id": accepted.OffererID.String(),
			"packs":      strconv.FormatInt(accepted.Packs, 10),
		},
	})
	for _, e := range exchange.TransferEvents("accept_offer", transfers) {
		s.emit(ctx, e)
	}
	return nil
}

// RejectOffer closes an active offer at the lister's request. Nothing moves.
func (s *Service) RejectOffer(ctx context.Context, listerID id.UserID, listingID id.ListingID, offerID id.OfferID) error {
	return s.closeOffer(ctx, "market.RejectOffer", listingID, offerID, models.OfferRejected, events.OfferRejected, func(listing *models.Listing, _ *models.Offer) error {
		if listing.OwnerID != listerID {
			return dErrors.New(dErrors.CodeForbidden, "only the lister can reject offers")
		}
		return nil
	})
}

// CancelOffer withdraws an active offer at the offerer's request. Nothing moves.
func (s *Service) CancelOffer(ctx context.Context, offererID id.UserID, listingID id.ListingID, offerID id.OfferID) error {
	return s.closeOffer(ctx, "market.CancelOffer", listingID, offerID, models.OfferCancelled, events.OfferCancelled, func(_ *models.Listing, offer *models.Offer) error {
		if offer.OffererID != offererID {
			return dErrors.New(dErrors.CodeForbidden, "only the offerer can cancel an offer")
		}
		return nil
	})
}

func (s *Service) closeOffer(ctx context.Context, op string, listingID id.ListingID, offerID id.OfferID, status models.OfferStatus, eventType events.Type, authorize func(*models.Listing, *models.Offer) error) error {
	ctx, span := tracing.Start(ctx, op, attribute.String("offer_id", offerID.String()))
	now := requestcontext.Now(ctx)
	var offer *models.Offer
	err := s.uow.RunInTx(ctx, func(ctx context.Context, r storage.Repos) error {
		listing, err := r.Listings.Lock(ctx, listingID)
		if err != nil {
			return storage.Translate(err, "listing not found", "failed to load listing")
		}
		offer = findOffer(listing, offerID)
		if offer == nil {
			return dErrors.New(dErrors.CodeNotFound, "offer not found")
		}
		if err := authorize(listing, offer); err != nil {
			return err
		}
		if err := r.Listings.CloseOffer(ctx, offerID, status, now); err != nil {
			if errors.Is(err, sentinel.ErrInvalidState) {
				return dErrors.New(dErrors.CodeAlreadyClosed, "offer is already closed")
			}
			return storage.Translate(err, "offer not found", "failed to close offer")
		}
		return nil
	})
	tracing.End(span, err)
	if err != nil {
		return err
	}

	s.logAudit(ctx, string(eventType),
		"listing_id", listingID.String(),
		"offer_id", offerID.String(),
		"offerer_id", offer.OffererID.String(),
	)
	s.emit(ctx, events.Event{
		Type:    eventType,
		Subject: offerID.String(),
		Attributes: map[string]string{
			"listing_id": listingID.String(),
			"offerer_id": offer.OffererID.String(),
		},
	})
	return nil
}

// CancelListing closes an open listing, withdraws its active offers and
// returns the instance to available. Admins may cancel any listing.
func (s *Service) CancelListing(ctx context.Context, actor id.Actor, listingID id.ListingID) error {
	ctx, span := tracing.Start(ctx, "market.CancelListing", attribute.String("listing_id", listingID.String()))
	now := requestcontext.Now(ctx)
	var (
		listing   *models.Listing
		withdrawn int
	)
	err := s.uow.RunInTx(ctx, func(ctx context.Context, r storage.Repos) error {
		var err error
		listing, err = r.Listings.Lock(ctx, listingID)
		if err != nil {
			return storage.Translate(err, "listing not found", "failed to load listing")
		}
		if listing.OwnerID != actor.UserID && !actor.Admin {
			return dErrors.New(dErrors.CodeForbidden, "only the lister can cancel a listing")
		}
		if err := r.Listings.Close(ctx, listingID, models.ListingCancelled, now); err != nil {
			if errors.Is(err, sentinel.ErrInvalidState) {
				return dErrors.New(dErrors.CodeAlreadyClosed, "listing is already closed")
			}
			return storage.Translate(err, "listing not found", "failed to close listing")
		}
		withdrawn, err = r.Listings.CloseOffers(ctx, listingID, models.OfferWithdrawn, now)
		if err != nil {
			return dErrors.Wrap(err, dErrors.CodeInternal, "failed to withdraw offers")
		}
		inst, err := r.Instances.FindByID(ctx, listing.Instance.InstanceID)
		if err != nil {
			return storage.Translate(err, "listed card not found", "failed to load card instance")
		}
		return instservice.Transition(ctx, r.Instances, inst, instance.StatusAvailable, now)
	})
	tracing.End(span, err)
	if err != nil {
		return err
	}

	s.logAudit(ctx, string(events.ListingCancelled),
		"listing_id", listingID.String(),
		"instance_id", listing.Instance.InstanceID.String(),
		"actor_id", actor.UserID.String(),
		"withdrawn_offers", withdrawn,
	)
	s.emit(ctx, events.Event{
		Type:    events.ListingCancelled,
		Subject: listingID.String(),
		Attributes: map[string]string{
			"instance_id":      listing.Instance.InstanceID.String(),
			"owner_id":         listing.OwnerID.String(),
			"withdrawn_offers": strconv.Itoa(withdrawn),
		},
	})
	return nil
}

func (s *Service) GetListing(ctx context.Context, listingID id.ListingID) (*models.Listing, error) {
	listing, err := s.listings.FindByID(ctx, listingID)
	if err != nil {
		return nil, storage.Translate(err, "listing not found", "failed to load listing")
	}
	return listing, nil
}

// ListOpen returns open listings, newest first.
func (s *Service) ListOpen(ctx context.Context, limit int) ([]*models.Listing, error) {
	if limit <= 0 {
		limit = defaultPageSize
	}
	limit = min(limit, maxPageSize)
	out, err := s.listings.ListOpen(ctx, limit)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to list listings")
	}
	if out == nil {
		out = []*models.Listing{}
	}
	return out, nil
}

func findOffer(listing *models.Listing, offerID id.OfferID) *models.Offer {
	for _, o := range listing.Offers {
		if o.ID == offerID {
			return o
		}
	}
	return nil
}

// definitionFor loads the display definition of inst. Snapshots tolerate a
// definition removed from the catalog.
func definitionFor(ctx context.Context, r storage.Repos, inst *instance.CardInstance) (*catalog.CardDefinition, error) {
	def, err := r.Definitions.FindByID(ctx, inst.DefinitionID)
	if errors.Is(err, sentinel.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to load card definition")
	}
	return def, nil
}

func (s *Service) emit(ctx context.Context, e events.Event) {
	if s.publisher != nil {
		s.publisher.Emit(ctx, e)
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
