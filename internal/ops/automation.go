package ops

import (
	"context"
	"strings"

	"github.com/hpungsan/counsel/internal/automation"
	"github.com/hpungsan/counsel/internal/errors"
)

// RunWorkflowInput contains parameters for RunWorkflow. Either Template or
// Steps selects what runs.
type RunWorkflowInput struct {
	WorkflowID string            `json:"workflow_id,omitempty"`
	Template   string            `json:"template,omitempty"`
	Steps      []automation.Step `json:"steps,omitempty"`
	SessionID  string            `json:"session_id,omitempty"`
	UserID     string            `json:"user_id,omitempty"`
	Variables  map[string]any    `json:"variables,omitempty"`
}

// RunWorkflow runs a workflow locally and waits for it to finish. Step
// failures are reported in the Result, not as an error.
func RunWorkflow(ctx context.Context, d *Deps, input RunWorkflowInput) (*automation.Result, error) {
	if err := d.needRunner(); err != nil {
		return nil, err
	}
	tmpl := strings.TrimSpace(input.Template)
	if tmpl == "" && len(input.Steps) == 0 {
		return nil, errors.NewInvalidRequest("template or steps is required")
	}
	if tmpl != "" && len(input.Steps) > 0 {
		return nil, errors.NewInvalidRequest("set either template or steps, not both")
	}
	res := d.Runner.ExecuteID(ctx, strings.TrimSpace(input.WorkflowID),
		automation.Workflow{Template: tmpl, Steps: input.Steps},
		automation.RunContext{SessionID: input.SessionID, UserID: input.UserID, Variables: input.Variables})
	return &res, nil
}

// StopWorkflowInput contains parameters for StopWorkflow.
type StopWorkflowInput struct {
	WorkflowID string `json:"workflow_id"`
}

// StopWorkflowOutput reports whether a running workflow was found.
type StopWorkflowOutput struct {
	WorkflowID string `json:"workflow_id"`
	Stopped    bool   `json:"stopped"`
}

// StopWorkflow cancels an active workflow.
func StopWorkflow(_ context.Context, d *Deps, input StopWorkflowInput) (*StopWorkflowOutput, error) {
	if err := d.needRunner(); err != nil {
		return nil, err
	}
	id, err := requireID("workflow_id", input.WorkflowID)
	if err != nil {
		return nil, err
	}
	if !d.Runner.Stop(id) {
		return nil, errors.NewNotFound("workflow", id)
	}
	return &StopWorkflowOutput{WorkflowID: id, Stopped: true}, nil
}

// AutomationStatus returns the runner's active workflows and capabilities.
func AutomationStatus(_ context.Context, d *Deps) (*automation.Status, error) {
	if err := d.needRunner(); err != nil {
		return nil, err
	}
	st := d.Runner.Status()
	return &st, nil
}
