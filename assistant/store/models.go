package store

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/uptrace/bun"

	contractx "github.com/stewardhq/steward/assistant/contract"
)

type taskRow struct {
	bun.BaseModel `bun:"table:tasks,alias:t"`

	ID          string     `bun:"id,pk"`
	Text        string     `bun:"text,notnull"`
	Priority    int        `bun:"priority,notnull"`
	Status      string     `bun:"status,notnull"`
	Plan        []byte     `bun:"plan,type:jsonb,nullzero"`
	Result      string     `bun:"result,nullzero"`
	Source      string     `bun:"source,nullzero"`
	Sender      string     `bun:"sender,nullzero"`
	RetryCount  int        `bun:"retry_count,notnull,default:0"`
	NotBefore   time.Time  `bun:"not_before,notnull,default:current_timestamp"`
	CreatedAt   time.Time  `bun:"created_at,notnull,default:current_timestamp"`
	UpdatedAt   time.Time  `bun:"updated_at,notnull,default:current_timestamp"`
	CompletedAt *time.Time `bun:"completed_at,nullzero"`
}

func (r *taskRow) toTask() (*contractx.Task, error) {
	task := &contractx.Task{
		ID:          r.ID,
		Text:        r.Text,
		Priority:    r.Priority,
		Status:      contractx.TaskStatus(r.Status),
		Result:      r.Result,
		Source:      r.Source,
		Sender:      r.Sender,
		RetryCount:  r.RetryCount,
		NotBefore:   r.NotBefore,
		CreatedAt:   r.CreatedAt,
		CompletedAt: r.CompletedAt,
	}
	if len(r.Plan) > 0 {
		var plan contractx.Plan
		if err := json.Unmarshal(r.Plan, &plan); err != nil {
			return nil, fmt.Errorf("unmarshal task plan: %w", err)
		}
		task.Plan = &plan
	}
	return task, nil
}

type auditRow struct {
	bun.BaseModel `bun:"table:skill_audit,alias:a"`

	ID         int64     `bun:"id,pk,autoincrement"`
	TaskID     string    `bun:"task_id,notnull"`
	Skill      string    `bun:"skill,notnull"`
	Input      string    `bun:"input,nullzero"`
	Success    bool      `bun:"success,notnull"`
	Output     string    `bun:"output,nullzero"`
	Error      string    `bun:"error,nullzero"`
	DurationMS int64     `bun:"duration_ms,notnull,default:0"`
	CreatedAt  time.Time `bun:"created_at,notnull,default:current_timestamp"`
}

func (r *auditRow) toRecord() contractx.AuditRecord {
	return contractx.AuditRecord{
		ID:        r.ID,
		TaskID:    r.TaskID,
		Skill:     r.Skill,
		Input:     r.Input,
		Success:   r.Success,
		Output:    r.Output,
		Error:     r.Error,
		Duration:  time.Duration(r.DurationMS) * time.Millisecond,
		CreatedAt: r.CreatedAt,
	}
}

type stateRow struct {
	bun.BaseModel `bun:"table:runtime_state,alias:s"`

	Key       string    `bun:"key,pk"`
	Value     string    `bun:"value,nullzero"`
	UpdatedAt time.Time `bun:"updated_at,notnull,default:current_timestamp"`
}

type reminderRow struct {
	bun.BaseModel `bun:"table:reminders,alias:r"`

	ID        string    `bun:"id,pk"`
	TaskID    string    `bun:"task_id,nullzero"`
	Text      string    `bun:"text,notnull"`
	When      string    `bun:"remind_when,nullzero"`
	CreatedAt time.Time `bun:"created_at,notnull,default:current_timestamp"`
}
