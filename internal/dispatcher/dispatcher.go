// Package dispatcher routes a ScheduledTask's action_type to a Handler
// (spec.md §4.2). It replaces the source's duck-typed, string-dispatched
// handlers with a registry mapping models.ActionType to a Handler
// interface, grounded on the teacher's jobRunner-closure wiring in
// cmd/tapebackarr/main.go but generalized to every action kind.
package dispatcher

import (
	"context"
	"time"

	"github.com/RoseOO/TapeBackarr/internal/apperr"
	"github.com/RoseOO/TapeBackarr/internal/models"
)

// RunOptions carries caller-provided overrides for one dispatch, e.g. from
// a manual RunTaskNow call.
type RunOptions struct {
	Manual bool
}

// Handler executes one action_type's behavior. Config is the ScheduledTask's
// action_config JSON already decoded into a map for convenience.
type Handler interface {
	Execute(ctx context.Context, task *models.ScheduledTask, config map[string]interface{}, opts RunOptions) (map[string]interface{}, error)
}

// Dispatcher is a registry of action_type -> Handler.
type Dispatcher struct {
	handlers map[models.ActionType]Handler
}

// New creates an empty Dispatcher; register handlers with Register.
func New() *Dispatcher {
	return &Dispatcher{handlers: make(map[models.ActionType]Handler)}
}

// Register installs the handler for one action_type, overwriting any
// previous registration.
func (d *Dispatcher) Register(kind models.ActionType, h Handler) {
	d.handlers[kind] = h
}

// Dispatch routes to the registered handler for task.ActionType. Unknown
// action types fail with a validation error before any side effects, per
// spec.md §4.2.
func (d *Dispatcher) Dispatch(ctx context.Context, task *models.ScheduledTask, config map[string]interface{}, opts RunOptions) (map[string]interface{}, error) {
	h, ok := d.handlers[task.ActionType]
	if !ok {
		return nil, apperr.Validation("unknown action_type %q", task.ActionType)
	}
	return h.Execute(ctx, task, config, opts)
}

// trivialHandler implements the thin, always-succeeding handlers spec.md
// §4.2 names for recovery/cleanup/health_check/retention_check/custom: they
// return a trivial success result rather than doing real work, since their
// concrete bodies are external collaborators (recovery engine, retention
// policy evaluator, health probes) out of this system's scope.
type trivialHandler struct {
	kind models.ActionType
}

// NewTrivialHandler builds a Handler that reports success without side
// effects, used for action kinds whose real implementation is an external
// collaborator.
func NewTrivialHandler(kind models.ActionType) Handler {
	return &trivialHandler{kind: kind}
}

func (h *trivialHandler) Execute(ctx context.Context, task *models.ScheduledTask, config map[string]interface{}, opts RunOptions) (map[string]interface{}, error) {
	return map[string]interface{}{
		"status":     "success",
		"action":     string(h.kind),
		"task_id":    task.ID,
		"checked_at": time.Now().UTC().Format(time.RFC3339),
	}, nil
}
