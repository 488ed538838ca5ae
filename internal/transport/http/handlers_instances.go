package httptransport

import (
	"net/http"

	instance "cardvault/internal/instance/models"
	id "cardvault/pkg/domain"
	"cardvault/pkg/platform/httputil"
	"cardvault/pkg/requestcontext"
)

type instancesResponse struct {
	Instances []*instance.CardInstance `json:"instances"`
}

// handleListMyInstances handles GET /me/instances.
func (h *Handler) handleListMyInstances(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	insts, err := h.services.Instances.ListByOwner(ctx, requestcontext.UserID(ctx))
	if err != nil {
		h.fail(w, r, "list_instances", err)
		return
	}
	if insts == nil {
		insts = []*instance.CardInstance{}
	}
	httputil.WriteJSON(w, http.StatusOK, instancesResponse{Instances: insts})
}

// handleGetInstance handles GET /instances/{instanceID}.
func (h *Handler) handleGetInstance(w http.ResponseWriter, r *http.Request) {
	instanceID, ok := pathID(w, r, "instanceID", id.ParseInstanceID)
	if !ok {
		return
	}
	inst, err := h.services.Instances.GetInstance(r.Context(), instanceID)
	if err != nil {
		h.fail(w, r, "get_instance", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, inst)
}

// handleReturnToPool handles DELETE /admin/instances/{instanceID}.
func (h *Handler) handleReturnToPool(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	instanceID, ok := pathID(w, r, "instanceID", id.ParseInstanceID)
	if !ok {
		return
	}
	if err := h.services.Instances.ReturnToPool(ctx, requestcontext.Actor(ctx), instanceID); err != nil {
		h.fail(w, r, "return_to_pool", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleRequestGrading handles POST /instances/{instanceID}/grading.
func (h *Handler) handleRequestGrading(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	instanceID, ok := pathID(w, r, "instanceID", id.ParseInstanceID)
	if !ok {
		return
	}
	inst, err := h.services.Grading.RequestGrading(ctx, requestcontext.UserID(ctx), instanceID)
	if err != nil {
		h.fail(w, r, "request_grading", err)
		return
	}
	httputil.WriteJSON(w, http.StatusAccepted, inst)
}

// handleGradingStatus handles GET /instances/{instanceID}/grading.
func (h *Handler) handleGradingStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	instanceID, ok := pathID(w, r, "instanceID", id.ParseInstanceID)
	if !ok {
		return
	}
	status, err := h.services.Grading.GradingStatus(ctx, requestcontext.Actor(ctx), instanceID)
	if err != nil {
		h.fail(w, r, "grading_status", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, status)
}

// handleCompleteGrading handles POST /instances/{instanceID}/grading/complete.
// Owners may complete once the wait has elapsed; admins may override it.
func (h *Handler) handleCompleteGrading(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	instanceID, ok := pathID(w, r, "instanceID", id.ParseInstanceID)
	if !ok {
		return
	}
	req, ok := decode[completeGradingRequest](h, w, r)
	if !ok {
		return
	}
	inst, err := h.services.Grading.CompleteGrading(ctx, requestcontext.Actor(ctx), instanceID, req.Grade, req.AdminOverride)
	if err != nil {
		h.fail(w, r, "complete_grading", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, inst)
}

// handleRevealGraded handles POST /instances/{instanceID}/grading/reveal.
func (h *Handler) handleRevealGraded(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	instanceID, ok := pathID(w, r, "instanceID", id.ParseInstanceID)
	if !ok {
		return
	}
	inst, err := h.services.Grading.RevealGraded(ctx, requestcontext.UserID(ctx), instanceID)
	if err != nil {
		h.fail(w, r, "reveal_graded", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, inst)
}
