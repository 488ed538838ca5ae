// Package service is the Grading Pipeline. The wait between request and
// completion is a deadline derived from the stored request time; nothing
// schedules work in the background.
package service

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"cardvault/internal/events"
	"cardvault/internal/grading/metrics"
	"cardvault/internal/instance/models"
	instservice "cardvault/internal/instance/service"
	"cardvault/internal/platform/tracing"
	"cardvault/internal/storage"
	id "cardvault/pkg/domain"
	dErrors "cardvault/pkg/domain-errors"
	"cardvault/pkg/requestcontext"
)

const DefaultWait = 24 * time.Hour

type EventPublisher interface {
	Emit(ctx context.Context, e events.Event)
}

// Status describes where an instance is in the pipeline.
type Status struct {
	InstanceID  id.InstanceID `json:"instance_id"`
	Status      models.Status `json:"status"`
	Slabbed     bool          `json:"slabbed"`
	Grade       *float64      `json:"grade,omitempty"`
	RequestedAt *time.Time    `json:"requested_at,omitempty"`
	ReadyAt     *time.Time    `json:"ready_at,omitempty"`
	Ready       bool          `json:"ready"`
}

type Service struct {
	uow       storage.UnitOfWork
	instances storage.Instances
	wait      time.Duration
	grader    Grader
	logger    *slog.Logger
	publisher EventPublisher
	metrics   *metrics.Metrics
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

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) {
		s.metrics = m
	}
}

// WithWait sets the minimum time between request and non-override completion.
// Zero lets owners complete immediately; negative values are ignored.
func WithWait(wait time.Duration) Option {
	return func(s *Service) {
		if wait >= 0 {
			s.wait = wait
		}
	}
}

func WithGrader(grader Grader) Option {
	return func(s *Service) {
		if grader != nil {
			s.grader = grader
		}
	}
}

func New(uow storage.UnitOfWork, instances storage.Instances, opts ...Option) *Service {
	s := &Service{
		uow:       uow,
		instances: instances,
		wait:      DefaultWait,
		grader:    RandomGrader{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// RequestGrading locks an owned, available, gradable instance into the pipeline.
func (s *Service) RequestGrading(ctx context.Context, requesterID id.UserID, instanceID id.InstanceID) (*models.CardInstance, error) {
	ctx, span := tracing.Start(ctx, "grading.RequestGrading", attribute.String("instance_id", instanceID.String()))
	now := requestcontext.Now(ctx)
	var updated *models.CardInstance
	err := s.uow.RunInTx(ctx, func(ctx context.Context, r storage.Repos) error {
		inst, err := r.Instances.FindByID(ctx, instanceID)
		if err != nil {
			return storage.Translate(err, "card instance not found", "failed to load card instance")
		}
		if !inst.OwnedBy(requesterID) {
			return dErrors.New(dErrors.CodeForbidden, "only the owner can request grading")
		}
		if !inst.Rarity.Gradable() {
			return dErrors.New(dErrors.CodeForbidden, string(inst.Rarity)+" cards cannot be graded")
		}
		if inst.Slabbed {
			return dErrors.New(dErrors.CodeForbidden, "card instance is already graded")
		}
		if err := instservice.RequireAvailable(inst); err != nil {
			return err
		}
		if err := inst.CanTransition(models.StatusGradingRequested); err != nil {
			return err
		}
		staged := inst.Clone()
		staged.ApplyGradingRequested(now)
		if err := instservice.Save(ctx, r.Instances, staged, inst.Status); err != nil {
			return err
		}
		updated = staged
		return nil
	})
	tracing.End(span, err)
	if err != nil {
		return nil, err
	}

	if s.metrics != nil {
		s.metrics.IncrementRequested()
	}
	readyAt := now.Add(s.wait)
	s.logAudit(ctx, string(events.GradingRequested),
		"instance_id", instanceID.String(),
		"owner_id", requesterID.String(),
		"ready_at", readyAt,
	)
	s.emit(ctx, events.Event{
		Type:    events.GradingRequested,
		Subject: instanceID.String(),
		Attributes: map[string]string{
			"owner_id": requesterID.String(),
			"ready_at": readyAt.Format(time.RFC3339),
		},
	})
	return updated, nil
}

// CompleteGrading assigns a grade and slabs the instance. Without an admin
// override the caller must own the instance and the wait must have elapsed
// since the stored request time. Only admins may supply a grade; otherwise
// the Grader decides.
func (s *Service) CompleteGrading(ctx context.Context, actor id.Actor, instanceID id.InstanceID, grade *float64, adminOverride bool) (*models.CardInstance, error) {
	if adminOverride && !actor.Admin {
		return nil, dErrors.New(dErrors.CodeForbidden, "only admins can override the grading wait")
	}
	if grade != nil && !actor.Admin {
		return nil, dErrors.New(dErrors.CodeForbidden, "only admins can assign a grade")
	}
	if grade != nil && !validGrade(*grade) {
		return nil, dErrors.New(dErrors.CodeValidation, "grade must be between 1 and 10")
	}

	ctx, span := tracing.Start(ctx, "grading.CompleteGrading",
		attribute.String("instance_id", instanceID.String()),
		attribute.Bool("override", adminOverride),
	)
	now := requestcontext.Now(ctx)
	var updated *models.CardInstance
	err := s.uow.RunInTx(ctx, func(ctx context.Context, r storage.Repos) error {
		inst, err := r.Instances.FindByID(ctx, instanceID)
		if err != nil {
			return storage.Translate(err, "card instance not found", "failed to load card instance")
		}
		if !actor.Admin && !inst.OwnedBy(actor.UserID) {
			return dErrors.New(dErrors.CodeForbidden, "only the owner can complete grading")
		}
		if inst.Status != models.StatusGradingRequested || inst.GradingRequestedAt == nil {
			return dErrors.New(dErrors.CodeConflict, "card instance is not awaiting grading")
		}
		if !adminOverride {
			readyAt := inst.GradingRequestedAt.Add(s.wait)
			if now.Before(readyAt) {
				return dErrors.New(dErrors.CodeForbidden, "grading is not ready until "+readyAt.UTC().Format(time.RFC3339))
			}
		}

		value := s.grader.Grade()
		if grade != nil {
			value = *grade
		}
		if !validGrade(value) {
			return dErrors.New(dErrors.CodeInternal, "grader produced an out-of-range grade")
		}
		staged := inst.Clone()
		staged.ApplyGradingComplete(value, now)
		if err := instservice.Save(ctx, r.Instances, staged, inst.Status); err != nil {
			return err
		}
		updated = staged
		return nil
	})
	tracing.End(span, err)
	if err != nil {
		return nil, err
	}

	if s.metrics != nil {
		s.metrics.IncrementCompleted(adminOverride)
	}
	gradeText := strconv.FormatFloat(*updated.Grade, 'f', 1, 64)
	s.logAudit(ctx, string(events.GradingCompleted),
		"instance_id", instanceID.String(),
		"grade", gradeText,
		"override", adminOverride,
		"actor_id", actor.UserID.String(),
	)
	s.emit(ctx, events.Event{
		Type:    events.GradingCompleted,
		Subject: instanceID.String(),
		Attributes: map[string]string{
			"owner_id": updated.OwnerID.String(),
			"grade":    gradeText,
			"override": strconv.FormatBool(adminOverride),
		},
	})
	return updated, nil
}

// RevealGraded releases a graded instance back to available. It stays slabbed.
func (s *Service) RevealGraded(ctx context.Context, ownerID id.UserID, instanceID id.InstanceID) (*models.CardInstance, error) {
	ctx, span := tracing.Start(ctx, "grading.RevealGraded", attribute.String("instance_id", instanceID.String()))
	now := requestcontext.Now(ctx)
	var updated *models.CardInstance
	err := s.uow.RunInTx(ctx, func(ctx context.Context, r storage.Repos) error {
		inst, err := r.Instances.FindByID(ctx, instanceID)
		if err != nil {
			return storage.Translate(err, "card instance not found", "failed to load card instance")
		}
		if !inst.OwnedBy(ownerID) {
			return dErrors.New(dErrors.CodeForbidden, "only the owner can reveal a graded card")
		}
		if inst.Status != models.StatusGradingComplete {
			return dErrors.New(dErrors.CodeConflict, "card instance has no grade to reveal")
		}
		staged := inst.Clone()
		staged.ApplyReveal(now)
		if err := instservice.Save(ctx, r.Instances, staged, inst.Status); err != nil {
			return err
		}
		updated = staged
		return nil
	})
	tracing.End(span, err)
	if err != nil {
		return nil, err
	}

	if s.metrics != nil {
		s.metrics.IncrementRevealed()
	}
	s.logAudit(ctx, string(events.GradingRevealed), "instance_id", instanceID.String(), "owner_id", ownerID.String())
	s.emit(ctx, events.Event{
		Type:       events.GradingRevealed,
		Subject:    instanceID.String(),
		Attributes: map[string]string{"owner_id": ownerID.String()},
	})
	return updated, nil
}

// GradingStatus evaluates the deadline against the current request time.
func (s *Service) GradingStatus(ctx context.Context, actor id.Actor, instanceID id.InstanceID) (*Status, error) {
	inst, err := s.instances.FindByID(ctx, instanceID)
	if err != nil {
		return nil, storage.Translate(err, "card instance not found", "failed to load card instance")
	}
	if !actor.Admin && !inst.OwnedBy(actor.UserID) {
		return nil, dErrors.New(dErrors.CodeForbidden, "only the owner can view grading status")
	}
	out := &Status{
		InstanceID:  inst.ID,
		Status:      inst.Status,
		Slabbed:     inst.Slabbed,
		Grade:       inst.Grade,
		RequestedAt: inst.GradingRequestedAt,
	}
	if inst.GradingRequestedAt != nil {
		readyAt := inst.GradingRequestedAt.Add(s.wait)
		out.ReadyAt = &readyAt
		out.Ready = inst.Status == models.StatusGradingRequested && !requestcontext.Now(ctx).Before(readyAt)
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
