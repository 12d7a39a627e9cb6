package availability

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/example/godrive/internal/models"
	"github.com/example/godrive/internal/storage"
)

var (
	ErrInvalidRule = errors.New("invalid availability rule")
	ErrRuleOverlap = errors.New("availability rule overlaps an existing rule")
)

// InstructorInvalidator drops cached availability for every day of an instructor.
type InstructorInvalidator interface {
	InvalidateInstructor(ctx context.Context, instructorID int64)
}

// RuleService manages the weekly availability of instructors.
type RuleService struct {
	store       storage.AvailabilityStore
	invalidator InstructorInvalidator
	logger      *slog.Logger
}

type RuleOption func(*RuleService)

// WithRuleInvalidator clears cached slots whenever a rule is added.
func WithRuleInvalidator(inv InstructorInvalidator) RuleOption {
	return func(s *RuleService) { s.invalidator = inv }
}

func NewRuleService(store storage.AvailabilityStore, logger *slog.Logger, opts ...RuleOption) *RuleService {
	if logger == nil {
		logger = slog.Default()
	}
	s := &RuleService{store: store, logger: logger}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *RuleService) AddRule(ctx context.Context, r *models.AvailabilityRule) error {
	if err := r.Valid(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRule, err)
	}
	existing, err := s.store.GetByInstructor(ctx, r.InstructorID)
	if err != nil {
		return fmt.Errorf("load availability rules: %w", err)
	}
	for _, e := range existing {
		if r.Overlaps(e) {
			return fmt.Errorf("%w: rule %d covers %s-%s", ErrRuleOverlap, e.ID, e.Start, e.End)
		}
	}
	if err := s.store.Create(ctx, r); err != nil {
		return fmt.Errorf("create availability rule: %w", err)
	}
	if s.invalidator != nil {
		s.invalidator.InvalidateInstructor(ctx, r.InstructorID)
	}
	s.logger.Info("availability rule added",
		"instructor_id", r.InstructorID,
		"day_of_week", r.DayOfWeek,
		"start", r.Start.String(),
		"end", r.End.String(),
	)
	return nil
}

func (s *RuleService) Rules(ctx context.Context, instructorID int64) ([]models.AvailabilityRule, error) {
	rules, err := s.store.GetByInstructor(ctx, instructorID)
	if err != nil {
		return nil, fmt.Errorf("load availability rules: %w", err)
	}
	return rules, nil
}
