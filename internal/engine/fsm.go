package engine

import (
	"sync"

	"github.com/rendis/stepflow/pkg/schema"
)

// Transition describes one state change of an execution, step attempt or job.
type Transition[S ~string] struct {
	ID     string // execution, "execution/step#attempt" or job id
	Action schema.ActionKind
	From   S
	To     S
}

// TransitionHook observes a transition after it was validated.
type TransitionHook[S ~string] func(t Transition[S])

// ExecutionTransitions lists the legal execution status changes.
var ExecutionTransitions = map[schema.ExecutionStatus][]schema.ExecutionStatus{
	schema.ExecutionPending: {schema.ExecutionRunning, schema.ExecutionFailed, schema.ExecutionCancelled},
	schema.ExecutionRunning: {schema.ExecutionCompleted, schema.ExecutionFailed, schema.ExecutionCancelled},
}

// StepTransitions lists the legal step attempt status changes. The empty
// status is a record that does not exist yet.
var StepTransitions = map[schema.StepStatus][]schema.StepStatus{
	"":                 {schema.StepRunning},
	schema.StepRunning: {schema.StepSucceeded, schema.StepFailed, schema.StepRetrying},
}

// JobTransitions lists the legal job status changes. running → pending is
// lease recovery.
var JobTransitions = map[schema.JobStatus][]schema.JobStatus{
	schema.JobPending: {schema.JobRunning, schema.JobCancelled},
	schema.JobRunning: {schema.JobCompleted, schema.JobFailed, schema.JobCancelled, schema.JobPending},
}

// fsm validates transitions against a table and notifies hooks.
type fsm[S ~string] struct {
	kind  string
	table map[S][]S

	mu    sync.RWMutex
	hooks []TransitionHook[S]
}

func newFSM[S ~string](kind string, table map[S][]S) *fsm[S] {
	return &fsm[S]{kind: kind, table: table}
}

// OnTransition registers a hook called after every fired transition.
func (f *fsm[S]) OnTransition(h TransitionHook[S]) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hooks = append(f.hooks, h)
}

// Check reports whether from → to is allowed.
func (f *fsm[S]) Check(from, to S) error {
	for _, allowed := range f.table[from] {
		if allowed == to {
			return nil
		}
	}
	return schema.NewErrorf(schema.ErrCodeInvalidTransition, "invalid %s transition: %q -> %q", f.kind, from, to).
		WithDetails(map[string]any{"from": string(from), "to": string(to)})
}

// Fire validates t and runs the hooks.
func (f *fsm[S]) Fire(t Transition[S]) error {
	if err := f.Check(t.From, t.To); err != nil {
		return err
	}
	f.notify(t)
	return nil
}

// notify runs the hooks for a transition checked earlier.
func (f *fsm[S]) notify(t Transition[S]) {
	f.mu.RLock()
	hooks := f.hooks
	f.mu.RUnlock()
	for _, h := range hooks {
		h(t)
	}
}

// CheckJobTransition validates a job status change.
func CheckJobTransition(from, to schema.JobStatus) error {
	return jobFSM.Check(from, to)
}

var jobFSM = newFSM("job", JobTransitions)
