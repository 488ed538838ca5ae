package service

import (
	"context"
	"errors"
	"log/slog"

	"cardvault/internal/catalog/models"
	id "cardvault/pkg/domain"
	dErrors "cardvault/pkg/domain-errors"
	"cardvault/pkg/platform/sentinel"
	"cardvault/pkg/requestcontext"
)

type DefinitionStore interface {
	Upsert(ctx context.Context, def *models.CardDefinition) error
	FindByID(ctx context.Context, definitionID id.DefinitionID) (*models.CardDefinition, error)
	List(ctx context.Context) ([]*models.CardDefinition, error)
}

// Service owns card definitions. Definitions are imported at boot and read by
// the allocator, market snapshots and the API.
type Service struct {
	definitions DefinitionStore
	logger      *slog.Logger
}

type Option func(*Service)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

func New(definitions DefinitionStore, opts ...Option) *Service {
	s := &Service{definitions: definitions}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Import validates every definition before writing any of them, then upserts
// them in order. Returns the number written.
func (s *Service) Import(ctx context.Context, defs []*models.CardDefinition) (int, error) {
	for _, def := range defs {
		if err := def.Validate(); err != nil {
			return 0, dErrors.Wrap(err, dErrors.CodeValidation, "invalid catalog")
		}
	}
	now := requestcontext.Now(ctx)
	for i, def := range defs {
		if def.CreatedAt.IsZero() {
			def.CreatedAt = now
		}
		def.UpdatedAt = now
		if err := s.definitions.Upsert(ctx, def); err != nil {
			if errors.Is(err, sentinel.ErrAlreadyUsed) {
				return i, dErrors.New(dErrors.CodeConflict, "definition slug "+def.Slug+" is already taken")
			}
			return i, dErrors.Wrap(err, dErrors.CodeInternal, "failed to import definition")
		}
	}
	if s.logger != nil {
		s.logger.InfoContext(ctx, "catalog imported", "definitions", len(defs))
	}
	return len(defs), nil
}

func (s *Service) GetDefinition(ctx context.Context, definitionID id.DefinitionID) (*models.CardDefinition, error) {
	def, err := s.definitions.FindByID(ctx, definitionID)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return nil, dErrors.New(dErrors.CodeNotFound, "card definition not found")
		}
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to load card definition")
	}
	return def, nil
}

func (s *Service) ListDefinitions(ctx context.Context) ([]*models.CardDefinition, error) {
	defs, err := s.definitions.List(ctx)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to list card definitions")
	}
	return defs, nil
}
