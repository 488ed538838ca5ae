package httptransport

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	catalog "cardvault/internal/catalog/models"
	id "cardvault/pkg/domain"
	"cardvault/pkg/platform/httputil"
	"cardvault/pkg/requestcontext"
)

type definitionsResponse struct {
	Definitions []*catalog.CardDefinition `json:"definitions"`
}

// handleListDefinitions handles GET /catalog.
func (h *Handler) handleListDefinitions(w http.ResponseWriter, r *http.Request) {
	defs, err := h.services.Catalog.ListDefinitions(r.Context())
	if err != nil {
		h.fail(w, r, "list_definitions", err)
		return
	}
	if defs == nil {
		defs = []*catalog.CardDefinition{}
	}
	httputil.WriteJSON(w, http.StatusOK, definitionsResponse{Definitions: defs})
}

// handleGetDefinition handles GET /catalog/{definitionID}.
func (h *Handler) handleGetDefinition(w http.ResponseWriter, r *http.Request) {
	definitionID, ok := pathID(w, r, "definitionID", id.ParseDefinitionID)
	if !ok {
		return
	}
	def, err := h.services.Catalog.GetDefinition(r.Context(), definitionID)
	if err != nil {
		h.fail(w, r, "get_definition", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, def)
}

// handleGetSupply handles GET /supply/{definitionID}/{rarity}.
func (h *Handler) handleGetSupply(w http.ResponseWriter, r *http.Request) {
	definitionID, ok := pathID(w, r, "definitionID", id.ParseDefinitionID)
	if !ok {
		return
	}
	display, err := h.services.Supply.DisplayRemainingSupply(r.Context(), definitionID, rarityParam(r))
	if err != nil {
		h.fail(w, r, "display_supply", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, display)
}

// handleAllocate handles POST /admin/supply/allocate.
func (h *Handler) handleAllocate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	req, ok := decode[allocateRequest](h, w, r)
	if !ok {
		return
	}
	inst, err := h.services.Allocator.AllocateInstance(ctx, req.DefinitionID, catalog.Rarity(req.Rarity), req.OwnerID)
	if err != nil {
		h.fail(w, r, "allocate_instance", err)
		return
	}
	h.logger.InfoContext(ctx, "instance allocated",
		"request_id", requestcontext.RequestID(ctx),
		"instance_id", inst.ID,
		"mint_number", inst.MintNumber,
	)
	httputil.WriteJSON(w, http.StatusCreated, inst)
}

// handleSetDisplayOverride handles PUT /admin/supply/{definitionID}/{rarity}/display.
func (h *Handler) handleSetDisplayOverride(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	definitionID, ok := pathID(w, r, "definitionID", id.ParseDefinitionID)
	if !ok {
		return
	}
	req, ok := decode[displayOverrideRequest](h, w, r)
	if !ok {
		return
	}
	rarity := rarityParam(r)
	if err := h.services.Supply.SetDisplayOverride(ctx, requestcontext.Actor(ctx), definitionID, rarity, *req.Value); err != nil {
		h.fail(w, r, "set_display_override", err)
		return
	}
	display, err := h.services.Supply.DisplayRemainingSupply(ctx, definitionID, rarity)
	if err != nil {
		h.fail(w, r, "display_supply", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, display)
}

// handleClearDisplayOverride handles DELETE /admin/supply/{definitionID}/{rarity}/display.
func (h *Handler) handleClearDisplayOverride(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	definitionID, ok := pathID(w, r, "definitionID", id.ParseDefinitionID)
	if !ok {
		return
	}
	if err := h.services.Supply.ClearDisplayOverride(ctx, requestcontext.Actor(ctx), definitionID, rarityParam(r)); err != nil {
		h.fail(w, r, "clear_display_override", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func rarityParam(r *http.Request) catalog.Rarity {
	return catalog.Rarity(chi.URLParam(r, "rarity"))
}
