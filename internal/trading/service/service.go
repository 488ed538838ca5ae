// Package service runs direct two-party trades. Creating a trade reserves
// nothing; acceptance re-validates both sides and swaps them in one commit.
package service

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"cardvault/internal/events"
	"cardvault/internal/exchange"
	exchangemetrics "cardvault/internal/exchange/metrics"
	instance "cardvault/internal/instance/models"
	instservice "cardvault/internal/instance/service"
	"cardvault/internal/platform/tracing"
	"cardvault/internal/storage"
	"cardvault/internal/trading/models"
	id "cardvault/pkg/domain"
	dErrors "cardvault/pkg/domain-errors"
	"cardvault/pkg/platform/sentinel"
	"cardvault/pkg/requestcontext"
)

const (
	maxMessageLength = 500
	maxCardsPerSide  = 20
)

type EventPublisher interface {
	Emit(ctx context.Context, e events.Event)
}

type Service struct {
	uow       storage.UnitOfWork
	trades    storage.Trades
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

func New(uow storage.UnitOfWork, trades storage.Trades, opts ...Option) *Service {
	s := &Service{uow: uow, trades: trades}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type CreateTradeRequest struct {
	SenderID             id.UserID
	RecipientID          id.UserID
	OfferedInstanceIDs   []id.InstanceID
	RequestedInstanceIDs []id.InstanceID
	OfferedPacks         int64
	RequestedPacks       int64
	Message              string
	CounterOf            *id.TradeID
}

func (r *CreateTradeRequest) Validate() error {
	if r.RecipientID.IsNil() {
		return dErrors.New(dErrors.CodeValidation, "recipient is required")
	}
	if r.SenderID == r.RecipientID {
		return dErrors.New(dErrors.CodeValidation, "cannot trade with yourself")
	}
	if r.OfferedPacks < 0 || r.RequestedPacks < 0 {
		return dErrors.New(dErrors.CodeValidation, "pack amounts must not be negative")
	}
	if len(r.OfferedInstanceIDs) == 0 && len(r.RequestedInstanceIDs) == 0 && r.OfferedPacks == 0 && r.RequestedPacks == 0 {
		return dErrors.New(dErrors.CodeValidation, "a trade must move something")
	}
	if len(r.OfferedInstanceIDs) > maxCardsPerSide || len(r.RequestedInstanceIDs) > maxCardsPerSide {
		return dErrors.New(dErrors.CodeValidation, "at most "+strconv.Itoa(maxCardsPerSide)+" cards per side")
	}
	seen := make(map[id.InstanceID]bool, len(r.OfferedInstanceIDs)+len(r.RequestedInstanceIDs))
	for _, list := range [][]id.InstanceID{r.OfferedInstanceIDs, r.RequestedInstanceIDs} {
		for _, instanceID := range list {
			if seen[instanceID] {
				return dErrors.New(dErrors.CodeValidation, "card "+instanceID.String()+" appears more than once")
			}
			seen[instanceID] = true
		}
	}
	if len(r.Message) > maxMessageLength {
		return dErrors.New(dErrors.CodeValidation, "message is too long")
	}
	return nil
}

// CreateTrade proposes an exchange. The sender's side is checked now; the
// recipient's side is only checked when they accept.
func (s *Service) CreateTrade(ctx context.Context, req CreateTradeRequest) (*models.Trade, error) {
	req.Message = strings.TrimSpace(req.Message)
	if err := req.Validate(); err != nil {
		return nil, err
	}

	ctx, span := tracing.Start(ctx, "trading.CreateTrade")
	now := requestcontext.Now(ctx)
	var trade *models.Trade
	err := s.uow.RunInTx(ctx, func(ctx context.Context, r storage.Repos) error {
		for _, instanceID := range req.OfferedInstanceIDs {
			inst, err := r.Instances.FindByID(ctx, instanceID)
			if err != nil {
				return storage.Translate(err, "offered card "+instanceID.String()+" not found", "failed to load card instance")
			}
			if !inst.OwnedBy(req.SenderID) {
				return dErrors.New(dErrors.CodeForbidden, "offered card "+instanceID.String()+" is not yours")
			}
			if err := instservice.RequireAvailable(inst); err != nil {
				return err
			}
		}
		for _, instanceID := range req.RequestedInstanceIDs {
			if _, err := r.Instances.FindByID(ctx, instanceID); err != nil {
				return storage.Translate(err, "requested card "+instanceID.String()+" not found", "failed to load card instance")
			}
		}
		if req.OfferedPacks > 0 {
			balance, err := r.Wallets.Balance(ctx, req.SenderID)
			if err != nil {
				return dErrors.Wrap(err, dErrors.CodeInternal, "failed to read pack balance")
			}
			if balance < req.OfferedPacks {
				return dErrors.New(dErrors.CodeInsufficientAssets, "insufficient packs: "+strconv.FormatInt(req.OfferedPacks, 10)+" offered, "+strconv.FormatInt(balance, 10)+" held")
			}
		}
		if req.CounterOf != nil {
			original, err := r.Trades.FindByID(ctx, *req.CounterOf)
			if err != nil {
				return storage.Translate(err, "countered trade not found", "failed to load trade")
			}
			if !original.Involves(req.SenderID) || !original.Involves(req.RecipientID) {
				return dErrors.New(dErrors.CodeValidation, "a counter must be between the parties of the original trade")
			}
			if err := original.CanClose(); err != nil {
				return err
			}
		}

		trade = &models.Trade{
			ID:                   id.NewTradeID(),
			SenderID:             req.SenderID,
			RecipientID:          req.RecipientID,
			OfferedInstanceIDs:   append([]id.InstanceID{}, req.OfferedInstanceIDs...),
			RequestedInstanceIDs: append([]id.InstanceID{}, req.RequestedInstanceIDs...),
			OfferedPacks:         req.OfferedPacks,
			RequestedPacks:       req.RequestedPacks,
			Message:              req.Message,
			Status:               models.StatusPending,
			CounterOf:            req.CounterOf,
			CreatedAt:            now,
			UpdatedAt:            now,
		}
		if err := r.Trades.Create(ctx, trade); err != nil {
			return dErrors.Wrap(err, dErrors.CodeInternal, "failed to create trade")
		}
		return nil
	})
	tracing.End(span, err)
	if err != nil {
		return nil, err
	}

	attrs := map[string]string{
		"sender_id":    req.SenderID.String(),
		"recipient_id": req.RecipientID.String(),
	}
	if req.CounterOf != nil {
		attrs["counter_of"] = req.CounterOf.String()
	}
	s.logAudit(ctx, string(events.TradeCreated),
		"trade_id", trade.ID.String(),
		"sender_id", req.SenderID.String(),
		"recipient_id", req.RecipientID.String(),
	)
	s.emit(ctx, events.Event{Type: events.TradeCreated, Subject: trade.ID.String(), Attributes: attrs})
	return trade, nil
}

// AcceptTrade swaps both sides in one commit. If either side no longer holds
// what the trade names, it fails insufficient_assets and nothing changes.
func (s *Service) AcceptTrade(ctx context.Context, recipientID id.UserID, tradeID id.TradeID) (*models.Trade, error) {
	start := time.Now()
	ctx, span := tracing.Start(ctx, "trading.AcceptTrade", attribute.String("trade_id", tradeID.String()))
	now := requestcontext.Now(ctx)
	var (
		trade     *models.Trade
		transfers []exchange.Transfer
	)
	err := s.uow.RunInTx(ctx, func(ctx context.Context, r storage.Repos) error {
		var err error
		trade, err = r.Trades.Lock(ctx, tradeID)
		if err != nil {
			return storage.Translate(err, "trade not found", "failed to load trade")
		}
		if trade.RecipientID != recipientID {
			return dErrors.New(dErrors.CodeForbidden, "only the recipient can accept a trade")
		}
		if err := trade.CanClose(); err != nil {
			return err
		}

		transfers, err = exchange.Apply(ctx, r, settlementFor(trade), now)
		if err != nil {
			return err
		}
		if err := r.Trades.Close(ctx, tradeID, models.StatusAccepted, now); err != nil {
			return closeError(err)
		}
		trade.ApplyClose(models.StatusAccepted, now)
		return nil
	})
	tracing.End(span, err)
	s.metrics.Record("accept_trade", start, err)
	if err != nil {
		return nil, err
	}

	s.logAudit(ctx, string(events.TradeAccepted),
		"trade_id", tradeID.String(),
		"sender_id", trade.SenderID.String(),
		"recipient_id", recipientID.String(),
		"cards_moved", len(transfers),
	)
	s.emit(ctx, events.Event{
		Type:    events.TradeAccepted,
		Subject: tradeID.String(),
		Attributes: map[string]string{
			"sender_id":    trade.SenderID.String(),
			"recipient_id": recipientID.String(),
		},
	})
	for _, e := range exchange.TransferEvents("accept_trade", transfers) {
		s.emit(ctx, e)
	}
	return trade, nil
}

func settlementFor(trade *models.Trade) exchange.Settlement {
	var st exchange.Settlement
	for _, instanceID := range trade.OfferedInstanceIDs {
		st.Instances = append(st.Instances, exchange.InstanceMove{
			InstanceID:   instanceID,
			From:         trade.SenderID,
			To:           trade.RecipientID,
			ExpectStatus: instance.StatusAvailable,
			MismatchCode: dErrors.CodeInsufficientAssets,
		})
	}
	for _, instanceID := range trade.RequestedInstanceIDs {
		st.Instances = append(st.Instances, exchange.InstanceMove{
			InstanceID:   instanceID,
			From:         trade.RecipientID,
			To:           trade.SenderID,
			ExpectStatus: instance.StatusAvailable,
			MismatchCode: dErrors.CodeInsufficientAssets,
		})
	}
	st.Packs = []exchange.PackMove{
		{From: trade.SenderID, To: trade.RecipientID, Amount: trade.OfferedPacks},
		{From: trade.RecipientID, To: trade.SenderID, Amount: trade.RequestedPacks},
	}
	return st
}

// RejectTrade closes a pending trade at the recipient's request.
func (s *Service) RejectTrade(ctx context.Context, recipientID id.UserID, tradeID id.TradeID) (*models.Trade, error) {
	return s.close(ctx, "trading.RejectTrade", tradeID, models.StatusRejected, events.TradeRejected, func(t *models.Trade) error {
		if t.RecipientID != recipientID {
			return dErrors.New(dErrors.CodeForbidden, "only the recipient can reject a trade")
		}
		return nil
	})
}

// CancelTrade withdraws a pending trade at the sender's request.
func (s *Service) CancelTrade(ctx context.Context, senderID id.UserID, tradeID id.TradeID) (*models.Trade, error) {
	return s.close(ctx, "trading.CancelTrade", tradeID, models.StatusCancelled, events.TradeCancelled, func(t *models.Trade) error {
		if t.SenderID != senderID {
			return dErrors.New(dErrors.CodeForbidden, "only the sender can cancel a trade")
		}
		return nil
	})
}

func (s *Service) close(ctx context.Context, op string, tradeID id.TradeID, status models.Status, eventType events.Type, authorize func(*models.Trade) error) (*models.Trade, error) {
	ctx, span := tracing.Start(ctx, op, attribute.String("trade_id", tradeID.String()))
	now := requestcontext.Now(ctx)
	var trade *models.Trade
	err := s.uow.RunInTx(ctx, func(ctx context.Context, r storage.Repos) error {
		var err error
		trade, err = r.Trades.Lock(ctx, tradeID)
		if err != nil {
			return storage.Translate(err, "trade not found", "failed to load trade")
		}
		if err := authorize(trade); err != nil {
			return err
		}
		if err := trade.CanClose(); err != nil {
			return err
		}
		if err := r.Trades.Close(ctx, tradeID, status, now); err != nil {
			return closeError(err)
		}
		trade.ApplyClose(status, now)
		return nil
	})
	tracing.End(span, err)
	if err != nil {
		return nil, err
	}

	s.logAudit(ctx, string(eventType),
		"trade_id", tradeID.String(),
		"sender_id", trade.SenderID.String(),
		"recipient_id", trade.RecipientID.String(),
	)
	s.emit(ctx, events.Event{
		Type:    eventType,
		Subject: tradeID.String(),
		Attributes: map[string]string{
			"sender_id":    trade.SenderID.String(),
			"recipient_id": trade.RecipientID.String(),
		},
	})
	return trade, nil
}

func closeError(err error) error {
	if errors.Is(err, sentinel.ErrInvalidState) {
		return dErrors.New(dErrors.CodeAlreadyClosed, "trade is already closed")
	}
	return storage.Translate(err, "trade not found", "failed to close trade")
}

// GetTrade returns a trade visible to actor: either party, or an admin.
func (s *Service) GetTrade(ctx context.Context, actor id.Actor, tradeID id.TradeID) (*models.Trade, error) {
	trade, err := s.trades.FindByID(ctx, tradeID)
	if err != nil {
		return nil, storage.Translate(err, "trade not found", "failed to load trade")
	}
	if !actor.Admin && !trade.Involves(actor.UserID) {
		return nil, dErrors.New(dErrors.CodeForbidden, "not a party to this trade")
	}
	return trade, nil
}

// ListTrades returns every trade userID sent or received, newest first.
func (s *Service) ListTrades(ctx context.Context, userID id.UserID) ([]*models.Trade, error) {
	out, err := s.trades.ListByUser(ctx, userID)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to list trades")
	}
	if out == nil {
		out = []*models.Trade{}
	}
	return out, nil
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
