package streaming

import (
	"context"
	"encoding/json"
	"time"
)

// Event is one message delivered to the subscribers of a channel.
type Event struct {
	Channel   string          `json:"channel"`
	Event     string          `json:"event"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// Filter selects the events a subscriber receives. Empty fields match everything.
type Filter struct {
	Channels []string `json:"channels,omitempty"`
	Events   []string `json:"events,omitempty"`
}

// Sink accepts events for delivery.
type Sink interface {
	Publish(ctx context.Context, event Event) error
}

// Hub is a fan-out pub/sub keyed by channel name.
type Hub interface {
	Sink
	Subscribe(ctx context.Context, filter Filter) (<-chan Event, func(), error)
}

// Channel names.
const ChannelJobs = "jobs"

func JobChannel(jobID string) string { return "job:" + jobID }

func UserJobsChannel(userID string) string { return "user:" + userID + ":jobs" }

func WorkflowExecutionsChannel(workflowID string) string {
	return "workflow:" + workflowID + ":executions"
}

func ExecutionChannel(executionID string) string { return "execution:" + executionID }

func EmailChannel(emailID string) string { return "email:" + emailID }
