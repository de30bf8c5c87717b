package core

import (
	"applicatorsync/internal/infra/persistence/memory"
	"applicatorsync/pkg/domain"
	"context"
	"fmt"
	"sync"
	"time"
)

// Service exposes the transition engine and the offline sync engine over a
// persistent store. Every mutation runs inside a single store transaction.
type Service struct {
	store   domain.PersistentStore
	engine  *domain.RulesEngine
	clock   Clock
	now     func() time.Time
	logger  Logger
	metrics MetricsRecorder
	tracer  Tracer
	opts    serviceOptions
	mu      sync.RWMutex
}

// NewService constructs a service backed by the supplied store.
func NewService(store domain.PersistentStore, opts ...Option) *Service {
	options := defaultServiceOptions()
	for _, opt := range opts {
		if opt != nil {
			opt(&options)
		}
	}
	svc := &Service{
		store:   store,
		clock:   options.clock,
		logger:  options.logger,
		metrics: options.metrics,
		tracer:  options.tracer,
		opts:    options,
	}
	svc.now = func() time.Time { return svc.clock.Now() }
	if provider, ok := store.(interface{ RulesEngine() *domain.RulesEngine }); ok {
		svc.engine = provider.RulesEngine()
	}
	return svc
}

// NewInMemoryService creates a service and in-memory store with the given
// rules engine, falling back to the default rule set.
func NewInMemoryService(engine *RulesEngine, opts ...Option) *Service {
	if engine == nil {
		engine = NewDefaultRulesEngine()
	}
	return NewService(memory.NewStore(engine), opts...)
}

// Store returns the underlying storage implementation.
func (s *Service) Store() domain.PersistentStore {
	return s.store
}

// RulesEngine returns the rules engine evaluated by the store, if known.
func (s *Service) RulesEngine() *RulesEngine {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.engine
}

// run executes fn inside a store transaction with tracing, metrics and logging.
func (s *Service) run(ctx context.Context, op string, fn func(tx Transaction) error) (Result, error) {
	ctx, span := s.tracer.Start(ctx, op)
	start := s.now()
	res, err := s.store.RunInTransaction(ctx, fn)
	s.metrics.Observe(ctx, op, err == nil, s.now().Sub(start))
	span.End(err)
	if err != nil {
		s.logger.Error("operation failed", "operation", op, "error", err)
		return res, err
	}
	for _, v := range res.Violations {
		s.logger.Warn("rule violation", "operation", op, "rule", v.Rule, "severity", v.Severity, "entity", v.Entity, "entity_id", v.EntityID, "message", v.Message)
	}
	s.logger.Debug("operation completed", "operation", op)
	return res, nil
}

// CreateTreatment persists a new treatment. The category is resolved once
// here and stored; unknown categories fall back to generic.
func (s *Service) CreateTreatment(ctx context.Context, treatment Treatment) (Treatment, Result, error) {
	var created Treatment
	res, err := s.run(ctx, "create_treatment", func(tx Transaction) error {
		var err error
		created, err = tx.CreateTreatment(treatment)
		return err
	})
	return created, res, err
}

// CreateApplicator registers a sealed applicator against an existing treatment.
func (s *Service) CreateApplicator(ctx context.Context, applicator Applicator, actor Actor) (Applicator, Result, error) {
	var created Applicator
	res, err := s.run(ctx, "create_applicator", func(tx Transaction) error {
		var err error
		created, err = tx.CreateApplicator(applicator)
		if err != nil {
			return err
		}
		_, err = s.appendAudit(tx, auditRecord{
			entity:    EntityApplicator,
			entityID:  created.ID,
			operation: domain.AuditOpCreate,
			outcome:   domain.AuditOutcomeSynced,
			actor:     actor,
			after:     created,
		})
		return err
	})
	return created, res, err
}

// UpdateApplicatorStatus is the online status write path. The transition is
// validated against the treatment's category before anything is written and
// expectedVersion guards against lost updates.
func (s *Service) UpdateApplicatorStatus(ctx context.Context, applicatorID string, expectedVersion int64, requested Status, actor Actor) (Applicator, Result, error) {
	var updated Applicator
	res, err := s.run(ctx, "update_applicator_status", func(tx Transaction) error {
		current, ok := tx.FindApplicator(applicatorID)
		if !ok {
			return domain.ErrNotFound{Entity: EntityApplicator, ID: applicatorID}
		}
		treatment, ok := tx.FindTreatment(current.TreatmentID)
		if !ok {
			return domain.ErrNotFound{Entity: EntityTreatment, ID: current.TreatmentID}
		}
		from := current.EffectiveStatus()
		if err := ValidateStatusTransition(treatment.Category, from, requested).Err(treatment.Category, from, requested); err != nil {
			return err
		}
		if requested == from {
			updated = current
			return nil
		}
		var err error
		updated, err = tx.UpdateApplicator(applicatorID, expectedVersion, func(a *Applicator) error {
			a.Status = requested
			if requested == domain.StatusInserted && a.InsertedAt == nil {
				at := s.now()
				a.InsertedAt = &at
			}
			return nil
		})
		if err != nil {
			return err
		}
		_, err = s.appendAudit(tx, auditRecord{
			entity:    EntityApplicator,
			entityID:  applicatorID,
			operation: domain.AuditOpStatusChange,
			outcome:   domain.AuditOutcomeSynced,
			actor:     actor,
			before:    current,
			after:     updated,
			message:   fmt.Sprintf("%s -> %s", from, requested),
		})
		return err
	})
	return updated, res, err
}
