package orders

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/odyssey-erp/odyssey-stock/internal/ordercode"
	"github.com/odyssey-erp/odyssey-stock/internal/shared"
)

// AuditPort abstracts audit logging functionality.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// Recorder counts readable id outcomes.
type Recorder interface {
	ObserveOrderCode(outcome string)
}

// Service creates orders and guards their readable identifiers.
type Service struct {
	repo      RepositoryPort
	allocator *ordercode.Allocator
	audit     AuditPort
	recorder  Recorder
	logger    *slog.Logger
	validate  *validator.Validate
	now       func() time.Time
}

// ServiceConfig groups optional collaborators.
type ServiceConfig struct {
	Location *time.Location
	Clock    func() time.Time
	Recorder Recorder
	Logger   *slog.Logger
}

// NewService builds Service.
func NewService(repo RepositoryPort, audit AuditPort, cfg ServiceConfig) *Service {
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		repo:      repo,
		allocator: ordercode.NewAllocator(clock, cfg.Location),
		audit:     audit,
		recorder:  cfg.Recorder,
		logger:    logger,
		validate:  validator.New(),
		now:       func() time.Time { return clock().UTC() },
	}
}

// Create inserts an order and allocates its readable id in the same
// transaction.
func (s *Service) Create(ctx context.Context, input CreateInput) (Order, error) {
	legacy := strings.TrimSpace(input.LegacyID)
	if legacy != "" && !ordercode.IsLegacy(legacy) {
		return Order{}, shared.Errorf(shared.CodeValidation, "legacy id must start with %s", ordercode.LegacyPrefix)
	}
	if input.ID == uuid.Nil {
		input.ID = uuid.New()
	}
	now := s.now()
	order := Order{ID: input.ID, ReadableID: legacy, CreatedAt: now, UpdatedAt: now}
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if order.ReadableID == "" {
			code, err := s.allocator.Allocate(ctx, tx)
			if err != nil {
				return err
			}
			order.ReadableID = code.String()
		}
		if err := tx.Insert(ctx, order); err != nil {
			if errors.Is(err, ErrDuplicate) {
				return shared.Errorf(shared.CodeValidation, "order %s or readable id %q already exists", order.ID, order.ReadableID)
			}
			return err
		}
		return nil
	})
	if err != nil {
		return Order{}, s.fail(ctx, "create", err)
	}
	if legacy != "" {
		s.observe("legacy_imported")
	} else {
		s.observe("allocated")
	}
	s.logger.InfoContext(ctx, "order created", slog.String("order_id", order.ID.String()), slog.String("readable_id", order.ReadableID))
	return order, nil
}

// Get loads an order.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (Order, error) {
	order, err := s.repo.Get(ctx, id)
	if err != nil {
		return Order{}, s.fail(ctx, "get", err)
	}
	return order, nil
}

// UpdateReadableID changes the readable id under the row lock when the
// immutability guard allows it. A well-formed target also takes its day's
// prefix lock, before the row lock as Create does, so a migrated code and a
// concurrent allocation never pick the same sequence.
func (s *Service) UpdateReadableID(ctx context.Context, id uuid.UUID, input UpdateReadableIDInput) (Order, error) {
	if err := s.validate.Struct(input); err != nil {
		return Order{}, s.fail(ctx, "update", shared.Errorf(shared.CodeValidation, "readable_id required"))
	}
	next := strings.TrimSpace(input.ReadableID)
	var (
		updated  Order
		previous string
	)
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if code, err := ordercode.Parse(next); err == nil {
			if err := tx.LockPrefix(ctx, code.Prefix); err != nil {
				return err
			}
		}
		current, err := tx.GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		previous = current.ReadableID
		if err := ordercode.CheckUpdate(previous, next); err != nil {
			return err
		}
		updated = current
		if previous == next {
			return nil
		}
		updated.ReadableID = next
		updated.UpdatedAt = s.now()
		if err := tx.UpdateReadableID(ctx, id, next, updated.UpdatedAt); err != nil {
			if errors.Is(err, ErrDuplicate) {
				return shared.Errorf(shared.CodeValidation, "readable id %q already exists", next)
			}
			return err
		}
		return nil
	})
	if err != nil {
		if shared.CodeOf(err) == shared.CodeImmutableField {
			s.observe("immutable_rejected")
		}
		return Order{}, s.fail(ctx, "update", err)
	}
	if previous != next {
		s.observe("assigned")
		s.record(ctx, updated, previous)
	}
	return updated, nil
}

// Preview returns the identifier the next order would likely receive.
func (s *Service) Preview(ctx context.Context) (ordercode.Preview, error) {
	preview, err := s.allocator.Preview(ctx, s.repo)
	if err != nil {
		return ordercode.Preview{}, s.fail(ctx, "preview", err)
	}
	return preview, nil
}

func (s *Service) record(ctx context.Context, order Order, previous string) {
	if s.audit == nil {
		return
	}
	err := s.audit.Record(ctx, shared.AuditLog{
		Actor:    shared.ActorFromContext(ctx),
		Action:   "order:readable_id",
		Entity:   "order",
		EntityID: order.ID.String(),
		Meta:     map[string]any{"previous": previous, "readable_id": order.ReadableID},
		At:       order.UpdatedAt,
	})
	if err != nil {
		s.logger.Warn("order audit record", slog.Any("error", err))
	}
}

func (s *Service) observe(outcome string) {
	if s.recorder != nil {
		s.recorder.ObserveOrderCode(outcome)
	}
}

func (s *Service) fail(ctx context.Context, op string, err error) error {
	var se *shared.Error
	switch {
	case errors.As(err, &se):
		err = se
	case errors.Is(err, ErrNotFound):
		err = shared.Errorf(shared.CodeNotFound, "order not found")
	default:
		err = shared.Internal(fmt.Errorf("orders: %s: %w", op, err))
	}
	if shared.CodeOf(err) == shared.CodeInternal {
		s.logger.ErrorContext(ctx, "order operation failed", slog.String("op", op), slog.Any("error", err))
	} else {
		s.logger.WarnContext(ctx, "order operation rejected", slog.String("op", op), slog.Any("error", err))
	}
	return err
}
