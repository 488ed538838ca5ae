package httptransport

import (
	"context"
	"net/http"

	wallet "cardvault/internal/wallet/service"
	id "cardvault/pkg/domain"
	"cardvault/pkg/platform/httputil"
	"cardvault/pkg/requestcontext"
)

//go:generate mockgen -source=handlers_wallet.go -destination=mocks/mocks.go -package=mocks WalletService

type WalletService interface {
	Balance(ctx context.Context, userID id.UserID) (*wallet.Wallet, error)
	Grant(ctx context.Context, actor id.Actor, userID id.UserID, packs int64) (*wallet.Wallet, error)
}

// handleGetMyWallet handles GET /me/wallet.
func (h *Handler) handleGetMyWallet(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	balance, err := h.services.Wallet.Balance(ctx, requestcontext.UserID(ctx))
	if err != nil {
		h.fail(w, r, "wallet_balance", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, balance)
}

// handleGrant handles POST /admin/wallets/{userID}/grant.
func (h *Handler) handleGrant(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID, ok := pathID(w, r, "userID", id.ParseUserID)
	if !ok {
		return
	}
	req, ok := decode[grantRequest](h, w, r)
	if !ok {
		return
	}
	balance, err := h.services.Wallet.Grant(ctx, requestcontext.Actor(ctx), userID, req.Packs)
	if err != nil {
		h.fail(w, r, "grant_packs", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, balance)
}
