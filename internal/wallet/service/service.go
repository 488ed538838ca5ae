// Package service exposes the packs ledger: balance queries and admin grants.
// Exchange debits and credits go through the settlement engine instead.
package service

import (
	"context"
	"log/slog"
	"strconv"

	"cardvault/internal/storage"
	id "cardvault/pkg/domain"
	dErrors "cardvault/pkg/domain-errors"
	"cardvault/pkg/requestcontext"
)

const maxGrant = 1_000_000

type Wallet struct {
	UserID id.UserID `json:"user_id"`
	Packs  int64     `json:"packs"`
}

type Service struct {
	wallets storage.Wallets
	logger  *slog.Logger
}

type Option func(*Service)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

func New(wallets storage.Wallets, opts ...Option) *Service {
	s := &Service{wallets: wallets}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) Balance(ctx context.Context, userID id.UserID) (*Wallet, error) {
	packs, err := s.wallets.Balance(ctx, userID)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to read pack balance")
	}
	return &Wallet{UserID: userID, Packs: packs}, nil
}

// Grant credits packs to a user. Admin only.
func (s *Service) Grant(ctx context.Context, actor id.Actor, userID id.UserID, packs int64) (*Wallet, error) {
	if !actor.Admin {
		return nil, dErrors.New(dErrors.CodeForbidden, "only admins can grant packs")
	}
	if userID.IsNil() {
		return nil, dErrors.New(dErrors.CodeValidation, "user is required")
	}
	if packs <= 0 || packs > maxGrant {
		return nil, dErrors.New(dErrors.CodeValidation, "grant must be between 1 and "+strconv.Itoa(maxGrant)+" packs")
	}
	if err := s.wallets.Credit(ctx, userID, packs); err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to credit packs")
	}
	if s.logger != nil {
		args := []any{
			"user_id", userID.String(),
			"packs", packs,
			"admin_id", actor.UserID.String(),
			"event", "packs_granted",
			"log_type", "audit",
		}
		if requestID := requestcontext.RequestID(ctx); requestID != "" {
			args = append(args, "request_id", requestID)
		}
		s.logger.InfoContext(ctx, "packs_granted", args...)
	}
	return s.Balance(ctx, userID)
}
