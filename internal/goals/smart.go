package goals

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
)

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func targetValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
	})
	return validate
}

// ValidateTargets checks that every target names a metric and carries a
// finite numeric threshold.
func ValidateTargets(targets []Target) error {
	v := targetValidator()
	for i, target := range targets {
		if strings.TrimSpace(target.Metric) == "" {
			return fmt.Errorf("%w: target %d: metric is required", ErrValidation, i)
		}
		if err := v.Struct(target); err != nil {
			var fieldErrs validator.ValidationErrors
			if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
				return fmt.Errorf("%w: target %d: %s is %s", ErrValidation, i, strings.ToLower(fieldErrs[0].Field()), fieldErrs[0].Tag())
			}
			return fmt.Errorf("%w: target %d: %v", ErrValidation, i, err)
		}
		if th := *target.Threshold; math.IsNaN(th) || math.IsInf(th, 0) {
			return fmt.Errorf("%w: target %d: threshold must be finite", ErrValidation, i)
		}
	}
	return nil
}

// SmartReport breaks the SMART decision into its criteria. Specificity is
// carried by the targets themselves, so it has no separate flag.
type SmartReport struct {
	GoalID     string `json:"goal_id"`
	Measurable bool   `json:"measurable"`
	Achievable bool   `json:"achievable"`
	Relevant   bool   `json:"relevant"`
	TimeBound  bool   `json:"time_bound"`
}

// IsSmart reports whether every criterion holds.
func (r SmartReport) IsSmart() bool {
	return r.Measurable && r.Achievable && r.Relevant && r.TimeBound
}

// SmartEvaluator derives the is_smart flag of a goal.
type SmartEvaluator struct {
	resolver *Resolver
	levels   *LevelTable
}

// NewSmartEvaluator constructs an evaluator. Direct associations are read
// through the resolver's store; deadline policy comes from levels.
func NewSmartEvaluator(resolver *Resolver, levels *LevelTable) *SmartEvaluator {
	return &SmartEvaluator{resolver: resolver, levels: levels}
}

// Evaluate computes the SMART report for node. Malformed targets fail with
// ErrValidation. Only associations on the node itself count towards the
// achievable criterion.
func (e *SmartEvaluator) Evaluate(ctx context.Context, node GoalNode) (SmartReport, error) {
	if err := ValidateTargets(node.Targets); err != nil {
		return SmartReport{}, err
	}

	direct, err := e.resolver.DirectActivityIDs(ctx, node.ID)
	if err != nil {
		return SmartReport{}, err
	}

	report := SmartReport{
		GoalID:     node.ID,
		Measurable: len(node.Targets) > 0,
		Achievable: len(direct) > 0,
		Relevant:   strings.TrimSpace(node.RelevanceStatement) != "",
		TimeBound:  node.Deadline != nil || !e.levels.DeadlineRequired(node.Level),
	}
	return report, nil
}

// IsSmart is a convenience wrapper around Evaluate.
func (e *SmartEvaluator) IsSmart(ctx context.Context, node GoalNode) (bool, error) {
	report, err := e.Evaluate(ctx, node)
	if err != nil {
		return false, err
	}
	return report.IsSmart(), nil
}
