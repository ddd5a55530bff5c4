package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/driver/pgdriver"

	contractx "github.com/stewardhq/steward/assistant/contract"
)

type Config struct {
	DSN          string        `envconfig:"DSN" split_words:"true" required:"true"`
	DialTimeout  time.Duration `envconfig:"DIAL_TIMEOUT" split_words:"true" default:"5s"`
	MaxOpenConns int           `envconfig:"MAX_OPEN_CONNS" split_words:"true" default:"8"`
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.DSN) == "" {
		return fmt.Errorf("%w: store dsn is required", contractx.ErrValidation)
	}
	return nil
}

// Store persists tasks, the skill audit log and runtime state in
// Postgres. It is the single synchronization point between the inbound
// listener and the daemon loop.
type Store struct {
	db *bun.DB
}

var _ contractx.Store = (*Store)(nil)

func New(cfg Config) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	sqldb := sql.OpenDB(pgdriver.NewConnector(
		pgdriver.WithDSN(strings.TrimSpace(cfg.DSN)),
		pgdriver.WithDialTimeout(cfg.DialTimeout),
	))
	sqldb.SetMaxOpenConns(cfg.MaxOpenConns)

	return &Store{db: bun.NewDB(sqldb, pgdialect.New())}, nil
}

// NewWithDB wraps an existing bun.DB. Used by tests.
func NewWithDB(db *bun.DB) *Store {
	return &Store{db: db}
}

// Init creates the schema if missing.
func (s *Store) Init(ctx context.Context) error {
	models := []any{
		(*taskRow)(nil),
		(*auditRow)(nil),
		(*stateRow)(nil),
		(*reminderRow)(nil),
	}
	for _, model := range models {
		if _, err := s.db.NewCreateTable().Model(model).IfNotExists().Exec(ctx); err != nil {
			return infra(fmt.Errorf("create table: %w", err))
		}
	}
	if _, err := s.db.NewCreateIndex().
		Model((*taskRow)(nil)).
		Index("tasks_claim_idx").
		Column("status", "priority", "created_at").
		IfNotExists().
		Exec(ctx); err != nil {
		return infra(fmt.Errorf("create claim index: %w", err))
	}
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Enqueue(ctx context.Context, task *contractx.Task) (string, error) {
	if task == nil || strings.TrimSpace(task.Text) == "" {
		return "", fmt.Errorf("%w: task text is required", contractx.ErrValidation)
	}

	now := time.Now().UTC()
	row := &taskRow{
		ID:         uuid.NewString(),
		Text:       task.Text,
		Priority:   task.Priority,
		Status:     string(contractx.TaskPending),
		Source:     task.Source,
		Sender:     task.Sender,
		NotBefore:  now,
		CreatedAt:  now,
		UpdatedAt:  now,
		RetryCount: 0,
	}
	if row.Priority == 0 {
		row.Priority = contractx.DefaultPriority
	}

	if _, err := s.db.NewInsert().Model(row).Exec(ctx); err != nil {
		return "", infra(fmt.Errorf("enqueue task: %w", err))
	}
	return row.ID, nil
}

// ClaimNextPending selects the most urgent due pending task and flips
// it to planning in one statement. SKIP LOCKED keeps concurrent
// claimants from ever receiving the same row.
func (s *Store) ClaimNextPending(ctx context.Context) (*contractx.Task, error) {
	var row taskRow
	err := s.db.NewRaw(`
		UPDATE tasks SET status = ?, updated_at = now()
		WHERE id = (
			SELECT id FROM tasks
			WHERE status = ? AND not_before <= now()
			ORDER BY priority ASC, created_at ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING *
	`, string(contractx.TaskPlanning), string(contractx.TaskPending)).Scan(ctx, &row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, contractx.ErrNoPendingTask
		}
		return nil, infra(fmt.Errorf("claim next pending: %w", err))
	}
	return row.toTask()
}

func (s *Store) MarkPlanned(ctx context.Context, taskID string, plan *contractx.Plan) error {
	payload, err := json.Marshal(plan)
	if err != nil {
		return fmt.Errorf("marshal plan: %w", err)
	}
	res, err := s.db.NewUpdate().
		Model((*taskRow)(nil)).
		Set("status = ?", string(contractx.TaskExecuting)).
		Set("plan = ?", string(payload)).
		Set("updated_at = now()").
		Where("id = ? AND status = ?", taskID, string(contractx.TaskPlanning)).
		Exec(ctx)
	if err != nil {
		return infra(fmt.Errorf("mark planned: %w", err))
	}
	return requireRow(res, taskID)
}

func (s *Store) MarkDone(ctx context.Context, taskID, result string) error {
	return s.finish(ctx, taskID, contractx.TaskDone, result)
}

func (s *Store) MarkFailed(ctx context.Context, taskID, result string) error {
	return s.finish(ctx, taskID, contractx.TaskFailed, result)
}

func (s *Store) finish(ctx context.Context, taskID string, status contractx.TaskStatus, result string) error {
	res, err := s.db.NewUpdate().
		Model((*taskRow)(nil)).
		Set("status = ?", string(status)).
		Set("result = ?", result).
		Set("completed_at = now()").
		Set("updated_at = now()").
		Where("id = ? AND status IN (?, ?)",
			taskID, string(contractx.TaskPlanning), string(contractx.TaskExecuting)).
		Exec(ctx)
	if err != nil {
		return infra(fmt.Errorf("finish task: %w", err))
	}
	return requireRow(res, taskID)
}

func (s *Store) ReleaseForRetry(ctx context.Context, taskID string, notBefore time.Time) error {
	res, err := s.db.NewUpdate().
		Model((*taskRow)(nil)).
		Set("status = ?", string(contractx.TaskPending)).
		Set("retry_count = retry_count + 1").
		Set("not_before = ?", notBefore.UTC()).
		Set("updated_at = now()").
		Where("id = ? AND status IN (?, ?)",
			taskID, string(contractx.TaskPlanning), string(contractx.TaskExecuting)).
		Exec(ctx)
	if err != nil {
		return infra(fmt.Errorf("release for retry: %w", err))
	}
	return requireRow(res, taskID)
}

// Cancel removes a task from the queue. Only pending tasks may be
// cancelled; anything mid-flight runs to completion or timeout.
func (s *Store) Cancel(ctx context.Context, taskID string) error {
	res, err := s.db.NewUpdate().
		Model((*taskRow)(nil)).
		Set("status = ?", string(contractx.TaskFailed)).
		Set("result = ?", "cancelled").
		Set("completed_at = now()").
		Set("updated_at = now()").
		Where("id = ? AND status = ?", taskID, string(contractx.TaskPending)).
		Exec(ctx)
	if err != nil {
		return infra(fmt.Errorf("cancel task: %w", err))
	}
	return requireRow(res, taskID)
}

func (s *Store) Get(ctx context.Context, taskID string) (*contractx.Task, error) {
	var row taskRow
	err := s.db.NewSelect().Model(&row).Where("id = ?", taskID).Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, contractx.ErrTaskNotFound
		}
		return nil, infra(fmt.Errorf("get task: %w", err))
	}
	return row.toTask()
}

func (s *Store) AppendAudit(ctx context.Context, rec *contractx.AuditRecord) error {
	if rec == nil {
		return fmt.Errorf("%w: audit record is nil", contractx.ErrValidation)
	}
	row := &auditRow{
		TaskID:     rec.TaskID,
		Skill:      rec.Skill,
		Input:      rec.Input,
		Success:    rec.Success,
		Output:     rec.Output,
		Error:      rec.Error,
		DurationMS: rec.Duration.Milliseconds(),
		CreatedAt:  time.Now().UTC(),
	}
	if _, err := s.db.NewInsert().Model(row).Exec(ctx); err != nil {
		return infra(fmt.Errorf("append audit: %w", err))
	}
	rec.ID = row.ID
	return nil
}

func (s *Store) ListAudit(ctx context.Context, taskID string) ([]contractx.AuditRecord, error) {
	var rows []auditRow
	err := s.db.NewSelect().
		Model(&rows).
		Where("task_id = ?", taskID).
		Order("id ASC").
		Scan(ctx)
	if err != nil {
		return nil, infra(fmt.Errorf("list audit: %w", err))
	}
	out := make([]contractx.AuditRecord, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].toRecord())
	}
	return out, nil
}

func (s *Store) GetState(ctx context.Context, key string) (string, error) {
	var row stateRow
	err := s.db.NewSelect().Model(&row).Where("key = ?", key).Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", nil
		}
		return "", infra(fmt.Errorf("get state: %w", err))
	}
	return row.Value, nil
}

func (s *Store) SetState(ctx context.Context, key, value string) error {
	if strings.TrimSpace(key) == "" {
		return fmt.Errorf("%w: state key is required", contractx.ErrValidation)
	}
	row := &stateRow{Key: key, Value: value, UpdatedAt: time.Now().UTC()}
	_, err := s.db.NewInsert().
		Model(row).
		On("CONFLICT (key) DO UPDATE").
		Set("value = EXCLUDED.value").
		Set("updated_at = EXCLUDED.updated_at").
		Exec(ctx)
	if err != nil {
		return infra(fmt.Errorf("set state: %w", err))
	}
	return nil
}

// SweepStale requeues tasks abandoned mid-claim, e.g. after a daemon
// crash. Retry counts are untouched; the interruption says nothing
// about the task itself.
func (s *Store) SweepStale(ctx context.Context, grace time.Duration) (int, error) {
	res, err := s.db.NewUpdate().
		Model((*taskRow)(nil)).
		Set("status = ?", string(contractx.TaskPending)).
		Set("updated_at = now()").
		Where("status IN (?, ?) AND updated_at < now() - make_interval(secs => ?)",
			string(contractx.TaskPlanning), string(contractx.TaskExecuting),
			int64(grace.Seconds())).
		Exec(ctx)
	if err != nil {
		return 0, infra(fmt.Errorf("sweep stale: %w", err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, infra(fmt.Errorf("rows affected: %w", err))
	}
	return int(n), nil
}

// SaveReminder persists a reminder row created by the create_reminder
// skill.
func (s *Store) SaveReminder(ctx context.Context, taskID, text, when string) (string, error) {
	if strings.TrimSpace(text) == "" {
		return "", fmt.Errorf("%w: reminder text is required", contractx.ErrValidation)
	}
	row := &reminderRow{
		ID:        uuid.NewString(),
		TaskID:    taskID,
		Text:      text,
		When:      when,
		CreatedAt: time.Now().UTC(),
	}
	if _, err := s.db.NewInsert().Model(row).Exec(ctx); err != nil {
		return "", infra(fmt.Errorf("save reminder: %w", err))
	}
	return row.ID, nil
}

func requireRow(res sql.Result, taskID string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return infra(fmt.Errorf("rows affected: %w", err))
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", contractx.ErrTaskNotFound, taskID)
	}
	return nil
}

// infra tags store-level failures as retryable infrastructure errors.
// Callers never fail a task because the database hiccuped.
func infra(err error) error {
	return fmt.Errorf("%w: %v", contractx.ErrTransientInfra, err)
}
