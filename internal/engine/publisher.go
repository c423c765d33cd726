package engine

import (
	"context"

	"github.com/rendis/stepflow/pkg/schema"
)

// Publisher receives every state change the engine commits. Calls happen
// after the commit and must not block for long.
type Publisher interface {
	ExecutionLog(ctx context.Context, log *schema.ExecutionLog)
	ExecutionStatus(ctx context.Context, exec *schema.Execution)
	JobStatus(ctx context.Context, job *schema.Job)
}

// NopPublisher drops everything.
type NopPublisher struct{}

func (NopPublisher) ExecutionLog(context.Context, *schema.ExecutionLog)  {}
func (NopPublisher) ExecutionStatus(context.Context, *schema.Execution) {}
func (NopPublisher) JobStatus(context.Context, *schema.Job)             {}
