package contract

import (
	"time"
)

type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskPlanning  TaskStatus = "planning"
	TaskExecuting TaskStatus = "executing"
	TaskDone      TaskStatus = "done"
	TaskFailed    TaskStatus = "failed"
)

func (s TaskStatus) Terminal() bool {
	return s == TaskDone || s == TaskFailed
}

// DefaultPriority is assigned to tasks that do not ask for anything
// more urgent. Lower values are claimed first.
const DefaultPriority = 100

// Task is a persisted unit of deferred, multi-step work.
type Task struct {
	ID          string     `json:"id"`
	Text        string     `json:"text"`
	Priority    int        `json:"priority"`
	Status      TaskStatus `json:"status"`
	Plan        *Plan      `json:"plan,omitempty"`
	Result      string     `json:"result,omitempty"`
	Source      string     `json:"source"`
	Sender      string     `json:"sender,omitempty"`
	RetryCount  int        `json:"retry_count"`
	NotBefore   time.Time  `json:"not_before"`
	CreatedAt   time.Time  `json:"created_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Plan is the ordered skill chain produced by the Planner. A plan with
// zero steps is valid: the task is answered directly with Answer.
type Plan struct {
	Steps  []SkillInvocation `json:"steps"`
	Answer string            `json:"answer,omitempty"`
}

// SkillInvocation is one element of a plan: which skill to run and with
// what parameters. A string parameter whose whole value is
// "$output.<skill_name>" resolves at execution time to the output text
// of that earlier step.
type SkillInvocation struct {
	Skill  string         `json:"skill"`
	Params map[string]any `json:"params,omitempty"`
	Index  int            `json:"index"`
}

// OutputRefPrefix marks a step parameter that references a prior
// step's output. Resolution is strict: whole-value only, by registry
// skill name.
const OutputRefPrefix = "$output."

// SkillResult is what a skill reports back to the executor.
type SkillResult struct {
	Success bool           `json:"success"`
	Output  string         `json:"output"`
	Data    map[string]any `json:"data,omitempty"`
}

// AuditRecord is one append-only row describing a single skill
// invocation. Never mutated after insertion.
type AuditRecord struct {
	ID        int64         `json:"id"`
	TaskID    string        `json:"task_id"`
	Skill     string        `json:"skill"`
	Input     string        `json:"input"`
	Success   bool          `json:"success"`
	Output    string        `json:"output,omitempty"`
	Error     string        `json:"error,omitempty"`
	Duration  time.Duration `json:"duration"`
	CreatedAt time.Time     `json:"created_at"`
}

// SkillContext threads state through one chain run. It is owned by the
// executor for the duration of the run and never persisted.
type SkillContext struct {
	Task    *Task
	Outputs map[string]SkillResult
	Memory  string
	Config  map[string]string
}

func NewSkillContext(task *Task) *SkillContext {
	return &SkillContext{
		Task:    task,
		Outputs: make(map[string]SkillResult),
		Config:  make(map[string]string),
	}
}

// PriorOutput returns the output text of an earlier step by skill name.
func (c *SkillContext) PriorOutput(skillName string) (string, bool) {
	if c == nil || c.Outputs == nil {
		return "", false
	}
	res, ok := c.Outputs[skillName]
	if !ok {
		return "", false
	}
	return res.Output, true
}

// ParamSpec describes one expected skill parameter for the planner
// prompt and for validation.
type ParamSpec struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Required    bool   `json:"required"`
}

// InboundEvent is a normalized message from a messaging channel.
type InboundEvent struct {
	Source     string    `json:"source"`
	Sender     string    `json:"sender"`
	Text       string    `json:"text"`
	ReceivedAt time.Time `json:"received_at"`
}

// OutboundEvent is a reply handed back to a messaging channel.
type OutboundEvent struct {
	Destination string `json:"destination"`
	Text        string `json:"text"`
}
