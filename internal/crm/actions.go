package crm

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/capitalize-ai/lead-scheduler/internal/model"
)

// ErrCriticalAction marks a failed action that must stop the rest of the list.
var ErrCriticalAction = errors.New("critical crm action failed")

// ActionResult is the outcome of one action.
type ActionResult struct {
	Kind  model.ActionKind `json:"kind"`
	Err   string           `json:"error,omitempty"`
	Index int              `json:"index"`
}

// ActionReport summarizes ApplyActions.
type ActionReport struct {
	Applied []ActionResult `json:"applied"`
	Failed  []ActionResult `json:"failed"`
	// Skipped counts actions not attempted after a critical failure.
	Skipped int `json:"skipped"`
}

// ApplyActions executes actions in order. A failed RemoveTag is
// compliance-critical: processing stops and the error wraps ErrCriticalAction.
// Every other failure is recorded and processing continues.
func (c *Client) ApplyActions(ctx context.Context, contactID string, actions model.Actions) (ActionReport, error) {
	var report ActionReport
	for i, a := range actions {
		err := c.apply(ctx, contactID, a)
		res := ActionResult{Kind: a.Kind(), Index: i}
		if err == nil {
			report.Applied = append(report.Applied, res)
			continue
		}

		res.Err = err.Error()
		report.Failed = append(report.Failed, res)
		if _, critical := a.(model.RemoveTag); critical {
			report.Skipped = len(actions) - i - 1
			c.logger.Error("critical action failed, stopping",
				zap.String("contact_id", contactID), zap.String("kind", string(a.Kind())), zap.Error(err))
			return report, fmt.Errorf("%w: %s: %v", ErrCriticalAction, a.Kind(), err)
		}
		c.logger.Warn("action failed", zap.String("contact_id", contactID), zap.String("kind", string(a.Kind())), zap.Error(err))
	}
	return report, nil
}

func (c *Client) apply(ctx context.Context, contactID string, a model.Action) error {
	switch v := a.(type) {
	case model.SendMessage:
		return c.SendMessage(ctx, contactID, v.Message, string(v.Channel))
	case model.AddTag:
		return c.AddTags(ctx, contactID, []string{v.Tag})
	case model.RemoveTag:
		return c.RemoveTags(ctx, contactID, []string{v.Tag})
	case model.UpdateCustomField:
		return c.UpdateCustomField(ctx, contactID, v.Field, v.Value)
	case model.TriggerWorkflow:
		return c.TriggerWorkflow(ctx, contactID, v.WorkflowID)
	default:
		return fmt.Errorf("unsupported action %T", a)
	}
}
