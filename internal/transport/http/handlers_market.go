package httptransport

import (
	"net/http"

	market "cardvault/internal/market/models"
	marketservice "cardvault/internal/market/service"
	id "cardvault/pkg/domain"
	"cardvault/pkg/platform/httputil"
	"cardvault/pkg/requestcontext"
)

type listingsResponse struct {
	Listings []*market.Listing `json:"listings"`
}

// handleListListings handles GET /listings?limit=N.
func (h *Handler) handleListListings(w http.ResponseWriter, r *http.Request) {
	listings, err := h.services.Market.ListOpen(r.Context(), queryInt(r, "limit"))
	if err != nil {
		h.fail(w, r, "list_listings", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, listingsResponse{Listings: listings})
}

// handleCreateListing handles POST /listings.
func (h *Handler) handleCreateListing(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	req, ok := decode[createListingRequest](h, w, r)
	if !ok {
		return
	}
	listing, err := h.services.Market.CreateListing(ctx, requestcontext.UserID(ctx), req.InstanceID)
	if err != nil {
		h.fail(w, r, "create_listing", err)
		return
	}
	h.logger.InfoContext(ctx, "listing created",
		"request_id", requestcontext.RequestID(ctx),
		"listing_id", listing.ID,
		"instance_id", req.InstanceID,
	)
	httputil.WriteJSON(w, http.StatusCreated, listing)
}

// handleGetListing handles GET /listings/{listingID}.
func (h *Handler) handleGetListing(w http.ResponseWriter, r *http.Request) {
	listingID, ok := pathID(w, r, "listingID", id.ParseListingID)
	if !ok {
		return
	}
	listing, err := h.services.Market.GetListing(r.Context(), listingID)
	if err != nil {
		h.fail(w, r, "get_listing", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, listing)
}

// handleCancelListing handles DELETE /listings/{listingID}.
func (h *Handler) handleCancelListing(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	listingID, ok := pathID(w, r, "listingID", id.ParseListingID)
	if !ok {
		return
	}
	if err := h.services.Market.CancelListing(ctx, requestcontext.Actor(ctx), listingID); err != nil {
		h.fail(w, r, "cancel_listing", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleMakeOffer handles POST /listings/{listingID}/offers.
func (h *Handler) handleMakeOffer(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	listingID, ok := pathID(w, r, "listingID", id.ParseListingID)
	if !ok {
		return
	}
	req, ok := decode[makeOfferRequest](h, w, r)
	if !ok {
		return
	}
	offer, err := h.services.Market.MakeOffer(ctx, marketservice.MakeOfferRequest{
		ListingID:   listingID,
		OffererID:   requestcontext.UserID(ctx),
		InstanceIDs: req.InstanceIDs,
		Packs:       req.Packs,
		Message:     req.Message,
	})
	if err != nil {
		h.fail(w, r, "make_offer", err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, offer)
}

// handleAcceptOffer handles POST /listings/{listingID}/offers/{offerID}/accept.
func (h *Handler) handleAcceptOffer(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	listingID, offerID, ok := offerParams(w, r)
	if !ok {
		return
	}
	if err := h.services.Market.AcceptOffer(ctx, requestcontext.UserID(ctx), listingID, offerID); err != nil {
		h.fail(w, r, "accept_offer", err)
		return
	}
	h.logger.InfoContext(ctx, "offer accepted",
		"request_id", requestcontext.RequestID(ctx),
		"listing_id", listingID,
		"offer_id", offerID,
	)
	w.WriteHeader(http.StatusNoContent)
}

// handleRejectOffer handles POST /listings/{listingID}/offers/{offerID}/reject.
func (h *Handler) handleRejectOffer(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	listingID, offerID, ok := offerParams(w, r)
	if !ok {
		return
	}
	if err := h.services.Market.RejectOffer(ctx, requestcontext.UserID(ctx), listingID, offerID); err != nil {
		h.fail(w, r, "reject_offer", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleCancelOffer handles DELETE /listings/{listingID}/offers/{offerID}.
func (h *Handler) handleCancelOffer(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	listingID, offerID, ok := offerParams(w, r)
	if !ok {
		return
	}
	if err := h.services.Market.CancelOffer(ctx, requestcontext.UserID(ctx), listingID, offerID); err != nil {
		h.fail(w, r, "cancel_offer", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func offerParams(w http.ResponseWriter, r *http.Request) (id.ListingID, id.OfferID, bool) {
	listingID, ok := pathID(w, r, "listingID", id.ParseListingID)
	if !ok {
		return id.ListingID{}, id.OfferID{}, false
	}
	offerID, ok := pathID(w, r, "offerID", id.ParseOfferID)
	return listingID, offerID, ok
}
