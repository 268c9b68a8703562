package rules

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ignite/repricer/internal/domain"
)

// Service implements rule business logic on top of a Repository. All
// public methods are safe for concurrent use if the repository is.
type Service struct {
	repo          Repository
	notifications NotificationChecker
	expressions   ExpressionChecker
	now           func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithNotificationChecker compiles notification specs on create and update.
func WithNotificationChecker(c NotificationChecker) Option {
	return func(s *Service) { s.notifications = c }
}

// WithExpressionChecker validates EXPRESSION conditions on create and update.
func WithExpressionChecker(c ExpressionChecker) Option {
	return func(s *Service) { s.expressions = c }
}

// NewService creates a rule service backed by the given repository.
func NewService(repo Repository, opts ...Option) *Service {
	s := &Service{repo: repo, now: time.Now}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Get returns a single rule.
func (s *Service) Get(ctx context.Context, id string) (*domain.RepricingRule, error) {
	return s.repo.GetRule(ctx, id)
}

// List returns rules matching the filter.
func (s *Service) List(ctx context.Context, f domain.RuleFilter) ([]domain.RepricingRule, error) {
	return s.repo.ListRules(ctx, f)
}

// Create validates and persists a new rule. Status defaults to DRAFT; a rule
// created ACTIVE is immediately evaluable.
func (s *Service) Create(ctx context.Context, r domain.RepricingRule) (*domain.RepricingRule, error) {
	if r.Status == "" {
		r.Status = domain.RuleDraft
	}
	if r.Status == domain.RuleArchived {
		return nil, &domain.ValidationError{Field: "status", Message: "cannot create an archived rule"}
	}
	if err := s.validate(&r); err != nil {
		return nil, err
	}

	now := s.now().UTC()
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	r.IsActive = r.Status == domain.RuleActive
	r.Counters = domain.RuleCounters{NextExecutionTime: s.nextRun(&r, now)}
	r.Performance = domain.RulePerformance{}
	r.CreatedAt, r.UpdatedAt = now, now

	if err := s.repo.CreateRule(ctx, &r); err != nil {
		return nil, fmt.Errorf("create rule: %w", err)
	}
	log.Printf("[rules.Service] Rule %s (%s) created as %s", r.ID, r.Name, r.Status)
	return &r, nil
}

// Update replaces the definition of a rule. Status, counters and
// performance stay as stored; use Pause/Activate/Archive for status.
func (s *Service) Update(ctx context.Context, id string, r domain.RepricingRule) (*domain.RepricingRule, error) {
	cur, err := s.repo.GetRule(ctx, id)
	if err != nil {
		return nil, err
	}
	if cur.Status == domain.RuleArchived {
		return nil, ErrArchived
	}

	r.ID = cur.ID
	r.Status = cur.Status
	r.IsActive = cur.IsActive
	if err := s.validate(&r); err != nil {
		return nil, err
	}
	r.Counters = cur.Counters
	r.Performance = cur.Performance
	r.CreatedAt = cur.CreatedAt
	r.UpdatedAt = s.now().UTC()

	if err := s.repo.UpdateRule(ctx, &r); err != nil {
		return nil, fmt.Errorf("update rule: %w", err)
	}
	if err := s.reschedule(ctx, &r); err != nil {
		return nil, err
	}
	return s.repo.GetRule(ctx, id)
}

// Activate moves a DRAFT or PAUSED rule to ACTIVE.
func (s *Service) Activate(ctx context.Context, id string) (*domain.RepricingRule, error) {
	return s.transition(ctx, id, domain.RuleActive)
}

// Pause moves an ACTIVE rule to PAUSED.
func (s *Service) Pause(ctx context.Context, id string) (*domain.RepricingRule, error) {
	return s.transition(ctx, id, domain.RulePaused)
}

// Archive retires a rule. Archived rules are never evaluated again.
func (s *Service) Archive(ctx context.Context, id string) (*domain.RepricingRule, error) {
	return s.transition(ctx, id, domain.RuleArchived)
}

var allowedTransitions = map[domain.RuleStatus][]domain.RuleStatus{
	domain.RuleDraft:  {domain.RuleActive, domain.RuleArchived},
	domain.RuleActive: {domain.RulePaused, domain.RuleArchived},
	domain.RulePaused: {domain.RuleActive, domain.RuleArchived},
}

func (s *Service) transition(ctx context.Context, id string, to domain.RuleStatus) (*domain.RepricingRule, error) {
	r, err := s.repo.GetRule(ctx, id)
	if err != nil {
		return nil, err
	}
	if r.Status == domain.RuleArchived {
		return nil, ErrArchived
	}
	if r.Status == to {
		return r, nil
	}
	allowed := false
	for _, st := range allowedTransitions[r.Status] {
		if st == to {
			allowed = true
			break
		}
	}
	if !allowed {
		return nil, fmt.Errorf("%s -> %s: %w", r.Status, to, ErrInvalidTransition)
	}

	from := r.Status
	r.Status = to
	r.IsActive = to == domain.RuleActive
	r.UpdatedAt = s.now().UTC()
	if err := s.repo.UpdateRule(ctx, r); err != nil {
		return nil, fmt.Errorf("update rule status: %w", err)
	}
	if err := s.reschedule(ctx, r); err != nil {
		return nil, err
	}
	log.Printf("[rules.Service] Rule %s: %s -> %s", r.ID, from, to)
	return s.repo.GetRule(ctx, id)
}

// reschedule recomputes the next run for active scheduled rules and clears
// it for everything else.
func (s *Service) reschedule(ctx context.Context, r *domain.RepricingRule) error {
	var next *time.Time
	if r.Status == domain.RuleActive {
		next = s.nextRun(r, s.now())
	}
	if err := s.repo.SetNextExecution(ctx, r.ID, next); err != nil {
		return fmt.Errorf("set next execution: %w", err)
	}
	return nil
}

func (s *Service) nextRun(r *domain.RepricingRule, now time.Time) *time.Time {
	if r.Schedule == nil || r.Status != domain.RuleActive {
		return nil
	}
	next, ok := r.Schedule.NextRun(now)
	if !ok {
		return nil
	}
	return &next
}

func (s *Service) validate(r *domain.RepricingRule) error {
	r.Name = strings.TrimSpace(r.Name)
	if err := r.Validate(); err != nil {
		return err
	}
	if s.expressions != nil {
		conds := []domain.ConditionSpec{r.Triggers.Primary}
		for _, sc := range r.Triggers.Secondary {
			conds = append(conds, sc.Condition)
		}
		for _, sa := range r.Actions.Secondary {
			if sa.Condition != nil {
				conds = append(conds, *sa.Condition)
			}
		}
		for _, c := range conds {
			if c.Kind != domain.CondExpression || c.Expression == nil {
				continue
			}
			if err := s.expressions.Validate(c.Expression.Logic); err != nil {
				return &domain.ValidationError{Field: "trigger_conditions.expression", Message: err.Error()}
			}
		}
	}
	if s.notifications != nil {
		for i, n := range r.Actions.Notifications {
			if err := s.notifications.Validate(n); err != nil {
				return &domain.ValidationError{Field: fmt.Sprintf("actions.notifications[%d]", i), Message: err.Error()}
			}
		}
	}
	return nil
}
