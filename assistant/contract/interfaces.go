package contract

import (
	"context"
	"time"
)

// Store is the durable record of tasks, audit rows and runtime state.
// It is the only thing the listener and the daemon share.
type Store interface {
	Enqueue(ctx context.Context, task *Task) (string, error)
	// ClaimNextPending atomically selects the most urgent pending task
	// (priority asc, created_at asc) and moves it to planning. Returns
	// ErrNoPendingTask when the queue is drained.
	ClaimNextPending(ctx context.Context) (*Task, error)
	MarkPlanned(ctx context.Context, taskID string, plan *Plan) error
	MarkDone(ctx context.Context, taskID, result string) error
	MarkFailed(ctx context.Context, taskID, result string) error
	// ReleaseForRetry returns a claimed task to pending with an
	// incremented retry count, invisible to claimants until notBefore.
	ReleaseForRetry(ctx context.Context, taskID string, notBefore time.Time) error
	Cancel(ctx context.Context, taskID string) error
	Get(ctx context.Context, taskID string) (*Task, error)

	AppendAudit(ctx context.Context, rec *AuditRecord) error
	ListAudit(ctx context.Context, taskID string) ([]AuditRecord, error)

	GetState(ctx context.Context, key string) (string, error)
	SetState(ctx context.Context, key, value string) error

	// SweepStale returns tasks stuck in planning/executing longer than
	// grace back to pending. Used at startup and on a timer.
	SweepStale(ctx context.Context, grace time.Duration) (int, error)
}

// Planner turns a task description into an executable plan.
type Planner interface {
	Plan(ctx context.Context, task *Task) (*Plan, error)
}

// Skill is one named capability. Implementations must not share
// mutable state with each other; anything shared flows through the
// SkillContext.
type Skill interface {
	Name() string
	Description() string
	Params() []ParamSpec
	Run(ctx context.Context, params map[string]any, sc *SkillContext) (SkillResult, error)
}

// Sender delivers an outbound event to its messaging channel.
type Sender interface {
	Send(ctx context.Context, ev OutboundEvent) error
}

// MemoryStore keeps a rolling conversational summary per sender.
type MemoryStore interface {
	ReadSummary(ctx context.Context, sender string) (string, error)
	WriteSummary(ctx context.Context, sender, update string) error
}
