package automation

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hpungsan/counsel/internal/logging"
)

// Options configures a Runner.
type Options struct {
	// StepTimeout applies to steps without their own timeout. Default 30s.
	StepTimeout time.Duration
	// RetryCount is the attempt count for steps without their own. Default 3.
	RetryCount int
	// RetryDelay is the fixed pause between attempts. Default 1s.
	RetryDelay time.Duration
	// Actions overrides the action table. Default is a real-time Simulator.
	Actions map[string]Action
	Logger  *slog.Logger
	Now     func() time.Time
}

// WorkflowInfo describes an active workflow.
type WorkflowInfo struct {
	WorkflowID  string    `json:"workflow_id"`
	SessionID   string    `json:"session_id,omitempty"`
	UserID      string    `json:"user_id,omitempty"`
	Status      string    `json:"status"`
	CurrentStep int       `json:"current_step"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

type activeWorkflow struct {
	info   WorkflowInfo
	cancel context.CancelFunc
}

// Runner executes workflows and tracks the ones in flight.
type Runner struct {
	opts    Options
	actions map[string]Action
	logger  *slog.Logger

	mu           sync.Mutex
	active       map[string]*activeWorkflow
	lastActivity time.Time
}

// NewRunner creates a Runner.
func NewRunner(opts Options) *Runner {
	if opts.StepTimeout <= 0 {
		opts.StepTimeout = 30 * time.Second
	}
	if opts.RetryCount <= 0 {
		opts.RetryCount = 3
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	logger := logging.OrDefault(opts.Logger)
	actions := opts.Actions
	if actions == nil {
		actions = NewSimulator(logger).Actions()
	}
	return &Runner{
		opts:         opts,
		actions:      actions,
		logger:       logger,
		active:       make(map[string]*activeWorkflow),
		lastActivity: opts.Now(),
	}
}

// errStopped marks a workflow cancelled through Stop.
var errStopped = stderrors.New("workflow stopped")

// Execute runs w under a fresh workflow ID. See ExecuteID.
func (r *Runner) Execute(ctx context.Context, w Workflow, rc RunContext) Result {
	return r.ExecuteID(ctx, "", w, rc)
}

// ExecuteID runs w to completion, stopping at the first failed step. The
// workflow is tracked as active under id until it returns; an empty id gets
// a random one. A malformed workflow is reported as a failed Result, not an
// error.
func (r *Runner) ExecuteID(ctx context.Context, id string, w Workflow, rc RunContext) Result {
	if id == "" {
		id = uuid.NewString()
	}
	res := Result{WorkflowID: id, Results: []StepResult{}}

	steps, err := resolveSteps(w, r.opts.StepTimeout, r.opts.RetryCount)
	if err != nil {
		res.Status = StatusFailed
		res.Error = err.Error()
		return res
	}

	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	now := r.opts.Now()
	r.mu.Lock()
	if _, dup := r.active[id]; dup {
		r.mu.Unlock()
		res.Status = StatusFailed
		res.Error = "workflow already running: " + id
		return res
	}
	r.active[id] = &activeWorkflow{
		info: WorkflowInfo{
			WorkflowID: id,
			SessionID:  rc.SessionID,
			UserID:     rc.UserID,
			Status:     StatusRunning,
			CreatedAt:  now,
			UpdatedAt:  now,
		},
		cancel: func() { cancel(errStopped) },
	}
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		delete(r.active, id)
		r.lastActivity = r.opts.Now()
		r.mu.Unlock()
	}()

	log := r.logger.With("workflow_id", id)
	log.Info("workflow started", "template", w.Template, "steps", len(steps))

	for i, step := range steps {
		r.setStep(id, i)
		vars := scope(rc.Variables, res.Results)

		if step.Condition != "" {
			ok, err := EvalCondition(step.Condition, vars)
			if err != nil {
				log.Warn("condition not understood, skipping step", "step", step.ID, "condition", step.Condition, "error", err)
			}
			if !ok {
				log.Info("step skipped by condition", "step", step.ID, "condition", step.Condition)
				res.Results = append(res.Results, StepResult{StepID: step.ID, Success: true, Skipped: true})
				continue
			}
		}

		sr := r.runStep(ctx, log, step, vars)
		sr.StepID = step.ID
		res.Results = append(res.Results, sr)

		if context.Cause(ctx) == errStopped {
			res.Status = StatusStopped
			res.Error = fmt.Sprintf("workflow stopped during step %s", step.ID)
			log.Info("workflow stopped", "step", step.ID)
			return res
		}
		if !sr.Success {
			res.Status = StatusFailed
			res.Error = fmt.Sprintf("step %s failed: %s", step.ID, sr.Error)
			log.Warn("workflow failed", "step", step.ID, "error", sr.Error)
			return res
		}
	}

	res.Success = true
	res.Status = StatusCompleted
	log.Info("workflow completed", "steps", len(res.Results))
	return res
}

// runStep makes up to RetryCount attempts, each bounded by the step timeout.
func (r *Runner) runStep(ctx context.Context, log *slog.Logger, step Step, vars map[string]any) StepResult {
	action, ok := r.actions[step.Action]
	if !ok {
		return StepResult{Error: "unknown action: " + step.Action}
	}
	params, _ := substitute(step.Parameters, vars).(map[string]any)
	if params == nil {
		params = map[string]any{}
	}
	timeout := time.Duration(step.Timeout * float64(time.Second))

	var last StepResult
	for attempt := 1; attempt <= step.RetryCount; attempt++ {
		log.Info("executing step", "step", step.ID, "action", step.Action, "attempt", attempt, "of", step.RetryCount)
		last = r.attempt(ctx, action, step, params, timeout)
		if last.Success {
			return last
		}
		log.Warn("step attempt failed", "step", step.ID, "attempt", attempt, "error", last.Error)

		if attempt == step.RetryCount || ctx.Err() != nil {
			break
		}
		t := time.NewTimer(r.opts.RetryDelay)
		select {
		case <-ctx.Done():
			t.Stop()
			return last
		case <-t.C:
		}
	}
	return last
}

func (r *Runner) attempt(ctx context.Context, action Action, step Step, params map[string]any, timeout time.Duration) (sr StepResult) {
	actx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	defer func() {
		if p := recover(); p != nil {
			sr = StepResult{Error: fmt.Sprintf("action %s panicked: %v", step.Action, p)}
		}
	}()

	sr, err := action(actx, params)
	switch {
	case err == nil && !sr.Success && sr.Error == "":
		sr.Error = "unknown error"
	case err == nil:
	case stderrors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil:
		sr = StepResult{Error: fmt.Sprintf("action %s timed out after %g seconds", step.Action, step.Timeout)}
	default:
		sr = StepResult{Error: err.Error()}
	}
	return sr
}

func (r *Runner) setStep(id string, i int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if a, ok := r.active[id]; ok {
		a.info.CurrentStep = i
		a.info.UpdatedAt = r.opts.Now()
	}
}

// Stop cancels an active workflow. It reports whether id was active.
func (r *Runner) Stop(id string) bool {
	r.mu.Lock()
	a, ok := r.active[id]
	if ok {
		a.info.Status = StatusStopped
		a.info.UpdatedAt = r.opts.Now()
	}
	r.mu.Unlock()
	if ok {
		a.cancel()
		r.logger.Info("workflow stop requested", "workflow_id", id)
	}
	return ok
}

// StopAll cancels every active workflow and returns how many there were.
func (r *Runner) StopAll() int {
	n := 0
	for _, w := range r.Active() {
		if r.Stop(w.WorkflowID) {
			n++
		}
	}
	return n
}

// Active lists in-flight workflows, oldest first.
func (r *Runner) Active() []WorkflowInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]WorkflowInfo, 0, len(r.active))
	for _, a := range r.active {
		out = append(out, a.info)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].WorkflowID < out[j].WorkflowID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Capabilities lists the template and action names this runner accepts.
func (r *Runner) Capabilities() []string {
	seen := map[string]bool{}
	var out []string
	for _, n := range append(TemplateNames(), ActionNames(r.actions)...) {
		if !seen[n] {
			seen[n] = true
			out = append(out, n)
		}
	}
	return out
}

// LastActivity is when the most recent workflow finished, or when the
// runner was created.
func (r *Runner) LastActivity() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastActivity
}

// Status is a snapshot for status queries.
type Status struct {
	ActiveWorkflows []WorkflowInfo `json:"active_workflows"`
	Capabilities    []string       `json:"capabilities"`
	LastActivity    time.Time      `json:"last_activity"`
}

// Status returns the current snapshot.
func (r *Runner) Status() Status {
	return Status{
		ActiveWorkflows: r.Active(),
		Capabilities:    r.Capabilities(),
		LastActivity:    r.LastActivity(),
	}
}
