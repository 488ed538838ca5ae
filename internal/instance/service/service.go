// Package service is the Instance Registry: the authoritative owner of card
// instances and their status. Other contexts change an instance only through
// Transition or Save.
package service

import (
	"context"
	"errors"
	"log/slog"

	"cardvault/internal/events"
	"cardvault/internal/instance/models"
	"cardvault/internal/platform/tracing"
	"cardvault/internal/storage"
	id "cardvault/pkg/domain"
	dErrors "cardvault/pkg/domain-errors"
	"cardvault/pkg/platform/sentinel"
	"cardvault/pkg/requestcontext"
)

type EventPublisher interface {
	Emit(ctx context.Context, e events.Event)
}

type Service struct {
	uow       storage.UnitOfWork
	instances storage.Instances
	logger    *slog.Logger
	publisher EventPublisher
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

func New(uow storage.UnitOfWork, instances storage.Instances, opts ...Option) *Service {
	s := &Service{uow: uow, instances: instances}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) GetInstance(ctx context.Context, instanceID id.InstanceID) (*models.CardInstance, error) {
	inst, err := s.instances.FindByID(ctx, instanceID)
	if err != nil {
		return nil, storage.Translate(err, "card instance not found", "failed to load card instance")
	}
	return inst, nil
}

func (s *Service) ListByOwner(ctx context.Context, ownerID id.UserID) ([]*models.CardInstance, error) {
	out, err := s.instances.ListByOwner(ctx, ownerID)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to list card instances")
	}
	if out == nil {
		out = []*models.CardInstance{}
	}
	return out, nil
}

// TransitionStatus moves an instance from expected to next. It fails conflict
// when the stored status is no longer expected.
func (s *Service) TransitionStatus(ctx context.Context, instanceID id.InstanceID, expected, next models.Status) (*models.CardInstance, error) {
	ctx, span := tracing.Start(ctx, "instance.TransitionStatus")
	var inst *models.CardInstance
	err := s.uow.RunInTx(ctx, func(ctx context.Context, r storage.Repos) error {
		current, err := r.Instances.FindByID(ctx, instanceID)
		if err != nil {
			return storage.Translate(err, "card instance not found", "failed to load card instance")
		}
		if current.Status != expected {
			return dErrors.New(dErrors.CodeConflict, "card instance is "+string(current.Status)+", not "+string(expected))
		}
		if err := Transition(ctx, r.Instances, current, next, requestcontext.Now(ctx)); err != nil {
			return err
		}
		inst = current
		return nil
	})
	tracing.End(span, err)
	if err != nil {
		return nil, err
	}
	s.logAudit(ctx, "instance_status_changed",
		"instance_id", instanceID.String(),
		"from", string(expected),
		"to", string(next),
	)
	return inst, nil
}

// ReturnToPool deletes an available instance. Its mint number stays retired.
func (s *Service) ReturnToPool(ctx context.Context, actor id.Actor, instanceID id.InstanceID) error {
	if !actor.Admin {
		return dErrors.New(dErrors.CodeForbidden, "only admins can return instances to the pool")
	}
	ctx, span := tracing.Start(ctx, "instance.ReturnToPool")
	var returned *models.CardInstance
	err := s.uow.RunInTx(ctx, func(ctx context.Context, r storage.Repos) error {
		inst, err := r.Instances.FindByID(ctx, instanceID)
		if err != nil {
			return storage.Translate(err, "card instance not found", "failed to load card instance")
		}
		if err := RequireAvailable(inst); err != nil {
			return err
		}
		if err := r.Instances.Delete(ctx, inst.ID, inst.Version); err != nil {
			if errors.Is(err, sentinel.ErrConflict) {
				return dErrors.New(dErrors.CodeConflict, "instance was modified concurrently")
			}
			return storage.Translate(err, "card instance not found", "failed to delete card instance")
		}
		returned = inst
		return nil
	})
	tracing.End(span, err)
	if err != nil {
		return err
	}

	s.logAudit(ctx, string(events.InstanceReturned),
		"instance_id", returned.ID.String(),
		"owner_id", returned.OwnerID.String(),
		"mint_number", returned.MintNumber,
	)
	s.emit(ctx, events.Event{
		Type:    events.InstanceReturned,
		Subject: returned.ID.String(),
		Attributes: map[string]string{
			"owner_id":      returned.OwnerID.String(),
			"definition_id": returned.DefinitionID.String(),
			"rarity":        string(returned.Rarity),
		},
	})
	return nil
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
