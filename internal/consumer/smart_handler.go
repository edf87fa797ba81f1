package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"

	"example.com/fractalgoals/internal/events"
	"example.com/fractalgoals/internal/goals"
)

// SmartEvaluator is the slice of the domain service the handler needs.
type SmartEvaluator interface {
	EvaluateSmart(ctx context.Context, tenantID, goalID string) (goals.SmartReport, bool, error)
}

// SmartHandler re-evaluates a goal's SMART flag whenever the goal or its
// activity associations change.
type SmartHandler struct {
	evaluator SmartEvaluator
	logger    *log.Logger
}

// NewSmartHandler constructs a SmartHandler.
func NewSmartHandler(evaluator SmartEvaluator, logger *log.Logger) *SmartHandler {
	if logger == nil {
		logger = log.New(log.Writer(), "[smart] ", log.LstdFlags)
	}
	return &SmartHandler{evaluator: evaluator, logger: logger}
}

// Handle implements Handler. Unrelated event types are ignored, as are goals
// that no longer exist; malformed payloads are reported so they are not
// committed silently.
func (h *SmartHandler) Handle(ctx context.Context, msg Message) error {
	switch msg.EventType {
	case events.TypeGoalUpdated, events.TypeGoalAssociationChange:
	default:
		return nil
	}

	var evt events.GoalChanged
	if err := json.Unmarshal(msg.Payload, &evt); err != nil {
		return fmt.Errorf("decode %s: %w", msg.EventType, err)
	}
	if evt.GoalID == "" {
		return fmt.Errorf("%s without goal_id", msg.EventType)
	}
	tenantID := evt.TenantID
	if tenantID == "" {
		tenantID = msg.TenantID
	}
	if tenantID == "" {
		return fmt.Errorf("%s for goal %s without tenant", msg.EventType, evt.GoalID)
	}

	report, changed, err := h.evaluator.EvaluateSmart(ctx, tenantID, evt.GoalID)
	switch {
	case errors.Is(err, goals.ErrNotFound):
		h.logger.Printf("goal %s no longer exists, skipping %s", evt.GoalID, msg.EventType)
		return nil
	case err != nil:
		return err
	}
	if changed {
		h.logger.Printf("goal %s is_smart=%t after %s", evt.GoalID, report.IsSmart(), msg.EventType)
	}
	recordSmartRecompute(changed)
	return nil
}
