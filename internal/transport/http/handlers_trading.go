package httptransport

import (
	"context"
	"net/http"

	trading "cardvault/internal/trading/models"
	tradingservice "cardvault/internal/trading/service"
	id "cardvault/pkg/domain"
	"cardvault/pkg/platform/httputil"
	"cardvault/pkg/requestcontext"
)

type tradesResponse struct {
	Trades []*trading.Trade `json:"trades"`
}

// handleCreateTrade handles POST /trades.
func (h *Handler) handleCreateTrade(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	req, ok := decode[createTradeRequest](h, w, r)
	if !ok {
		return
	}
	trade, err := h.services.Trading.CreateTrade(ctx, tradingservice.CreateTradeRequest{
		SenderID:             requestcontext.UserID(ctx),
		RecipientID:          req.RecipientID,
		OfferedInstanceIDs:   req.OfferedInstanceIDs,
		RequestedInstanceIDs: req.RequestedInstanceIDs,
		OfferedPacks:         req.OfferedPacks,
		RequestedPacks:       req.RequestedPacks,
		Message:              req.Message,
		CounterOf:            req.CounterOf,
	})
	if err != nil {
		h.fail(w, r, "create_trade", err)
		return
	}
	h.logger.InfoContext(ctx, "trade created",
		"request_id", requestcontext.RequestID(ctx),
		"trade_id", trade.ID,
		"recipient_id", trade.RecipientID,
	)
	httputil.WriteJSON(w, http.StatusCreated, trade)
}

// handleListMyTrades handles GET /me/trades.
func (h *Handler) handleListMyTrades(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	trades, err := h.services.Trading.ListTrades(ctx, requestcontext.UserID(ctx))
	if err != nil {
		h.fail(w, r, "list_trades", err)
		return
	}
	if trades == nil {
		trades = []*trading.Trade{}
	}
	httputil.WriteJSON(w, http.StatusOK, tradesResponse{Trades: trades})
}

// handleGetTrade handles GET /trades/{tradeID}.
func (h *Handler) handleGetTrade(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tradeID, ok := pathID(w, r, "tradeID", id.ParseTradeID)
	if !ok {
		return
	}
	trade, err := h.services.Trading.GetTrade(ctx, requestcontext.Actor(ctx), tradeID)
	if err != nil {
		h.fail(w, r, "get_trade", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, trade)
}

func (h *Handler) handleAcceptTrade(w http.ResponseWriter, r *http.Request) {
	h.closeTrade(w, r, "accept_trade", h.services.Trading.AcceptTrade)
}

func (h *Handler) handleRejectTrade(w http.ResponseWriter, r *http.Request) {
	h.closeTrade(w, r, "reject_trade", h.services.Trading.RejectTrade)
}

func (h *Handler) handleCancelTrade(w http.ResponseWriter, r *http.Request) {
	h.closeTrade(w, r, "cancel_trade", h.services.Trading.CancelTrade)
}

type tradeCloser func(ctx context.Context, userID id.UserID, tradeID id.TradeID) (*trading.Trade, error)

func (h *Handler) closeTrade(w http.ResponseWriter, r *http.Request, op string, closeFn tradeCloser) {
	ctx := r.Context()
	tradeID, ok := pathID(w, r, "tradeID", id.ParseTradeID)
	if !ok {
		return
	}
	trade, err := closeFn(ctx, requestcontext.UserID(ctx), tradeID)
	if err != nil {
		h.fail(w, r, op, err)
		return
	}
	h.logger.InfoContext(ctx, "trade closed",
		"request_id", requestcontext.RequestID(ctx),
		"trade_id", trade.ID,
		"status", trade.Status,
	)
	httputil.WriteJSON(w, http.StatusOK, trade)
}
