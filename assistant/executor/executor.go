package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	contractx "github.com/stewardhq/steward/assistant/contract"
	skillx "github.com/stewardhq/steward/assistant/skill"
)

type Config struct {
	// StepTimeout bounds each skill invocation. Whole-task duration is
	// unbounded since plan length is unbounded.
	StepTimeout time.Duration `envconfig:"STEP_TIMEOUT" split_words:"true" default:"120s"`
}

// AuditLog is the slice of the store the executor needs: append-only
// records of every executed step.
type AuditLog interface {
	AppendAudit(ctx context.Context, rec *contractx.AuditRecord) error
}

// Executor runs a planned skill chain in order, threading each step's
// output into the next through the SkillContext and appending one
// audit row per executed step. On the first failing step the chain
// aborts; nothing downstream runs.
type Executor struct {
	registry *skillx.Registry
	audits   AuditLog
	memory   contractx.MemoryStore
	conf     Config
}

func New(registry *skillx.Registry, audits AuditLog, memory contractx.MemoryStore, cfg Config) *Executor {
	if cfg.StepTimeout <= 0 {
		cfg.StepTimeout = 120 * time.Second
	}
	return &Executor{
		registry: registry,
		audits:   audits,
		memory:   memory,
		conf:     cfg,
	}
}

// Execute runs the plan and returns the task's final human-readable
// result. Skill names are validated against the registry before step 1
// so an unknown skill produces zero side effects.
func (e *Executor) Execute(ctx context.Context, task *contractx.Task, plan *contractx.Plan) (string, error) {
	if task == nil {
		return "", fmt.Errorf("%w: task is required", contractx.ErrValidation)
	}
	if plan == nil {
		return "", fmt.Errorf("%w: plan is required", contractx.ErrValidation)
	}

	for _, step := range plan.Steps {
		if _, ok := e.registry.Lookup(step.Skill); !ok {
			return "", fmt.Errorf("%w: %q", contractx.ErrUnknownSkill, step.Skill)
		}
	}

	if len(plan.Steps) == 0 {
		return directAnswer(task, plan), nil
	}

	sc := contractx.NewSkillContext(task)
	if e.memory != nil && task.Sender != "" {
		if summary, err := e.memory.ReadSummary(ctx, task.Sender); err == nil {
			sc.Memory = summary
		} else {
			log.Warn().Err(err).Str("task_id", task.ID).Msg("executor: memory read failed")
		}
	}

	outputs := make([]string, 0, len(plan.Steps))
	for _, step := range plan.Steps {
		result, err := e.runStep(ctx, step, sc)
		if err != nil {
			return "", err
		}
		sc.Outputs[step.Skill] = result
		if out := strings.TrimSpace(result.Output); out != "" {
			outputs = append(outputs, out)
		}
	}

	if len(outputs) == 0 {
		return "Done.", nil
	}
	return strings.Join(outputs, "\n"), nil
}

func (e *Executor) runStep(ctx context.Context, step contractx.SkillInvocation, sc *contractx.SkillContext) (contractx.SkillResult, error) {
	sk, _ := e.registry.Lookup(step.Skill)

	params, err := resolveParams(step, sc)
	if err != nil {
		e.audit(ctx, sc.Task.ID, step.Skill, step.Params, contractx.SkillResult{}, 0, err)
		return contractx.SkillResult{}, fmt.Errorf("%w: step %d (%s): %v",
			contractx.ErrSkillExecution, step.Index, step.Skill, err)
	}

	stepCtx, cancel := context.WithTimeout(ctx, e.conf.StepTimeout)
	defer cancel()

	started := time.Now()
	result, runErr := sk.Run(stepCtx, params, sc)
	elapsed := time.Since(started)

	switch {
	case runErr != nil:
		e.audit(ctx, sc.Task.ID, step.Skill, params, contractx.SkillResult{}, elapsed, runErr)
		if ctx.Err() != nil {
			// The whole run was interrupted (shutdown), not the step's
			// own deadline. The task is retryable, not failed.
			return contractx.SkillResult{}, fmt.Errorf("%w: step %d (%s) interrupted: %v",
				contractx.ErrTransientInfra, step.Index, step.Skill, ctx.Err())
		}
		if errors.Is(runErr, context.DeadlineExceeded) && stepCtx.Err() != nil {
			return contractx.SkillResult{}, fmt.Errorf("%w: step %d (%s) after %s",
				contractx.ErrSkillTimeout, step.Index, step.Skill, e.conf.StepTimeout)
		}
		return contractx.SkillResult{}, fmt.Errorf("%w: step %d (%s): %v",
			contractx.ErrSkillExecution, step.Index, step.Skill, runErr)

	case !result.Success:
		e.audit(ctx, sc.Task.ID, step.Skill, params, result, elapsed, nil)
		reason := strings.TrimSpace(result.Output)
		if reason == "" {
			reason = "skill reported failure"
		}
		return contractx.SkillResult{}, fmt.Errorf("%w: step %d (%s): %s",
			contractx.ErrSkillExecution, step.Index, step.Skill, reason)

	default:
		e.audit(ctx, sc.Task.ID, step.Skill, params, result, elapsed, nil)
		return result, nil
	}
}

// resolveParams substitutes whole-value "$output.<skill>" references
// with the recorded output of that earlier step. Resolution is strict
// by registry skill name; a dangling reference aborts the step.
func resolveParams(step contractx.SkillInvocation, sc *contractx.SkillContext) (map[string]any, error) {
	resolved := make(map[string]any, len(step.Params))
	for key, val := range step.Params {
		str, ok := val.(string)
		if !ok || !strings.HasPrefix(str, contractx.OutputRefPrefix) {
			resolved[key] = val
			continue
		}
		name := strings.TrimPrefix(str, contractx.OutputRefPrefix)
		out, found := sc.PriorOutput(name)
		if !found {
			return nil, fmt.Errorf("param %q references %q which has no recorded output", key, name)
		}
		resolved[key] = out
	}
	return resolved, nil
}

// audit appends one append-only row for an executed step. A failed
// audit write never aborts the chain: skills are not idempotent and
// their side effects outrank bookkeeping.
func (e *Executor) audit(ctx context.Context, taskID, skillName string, params map[string]any, result contractx.SkillResult, elapsed time.Duration, runErr error) {
	input, err := json.Marshal(params)
	if err != nil {
		input = []byte("{}")
	}

	rec := &contractx.AuditRecord{
		TaskID:   taskID,
		Skill:    skillName,
		Input:    string(input),
		Success:  runErr == nil && result.Success,
		Output:   result.Output,
		Duration: elapsed,
	}
	if runErr != nil {
		rec.Error = runErr.Error()
	} else if !result.Success {
		rec.Error = result.Output
	}

	if err := e.audits.AppendAudit(ctx, rec); err != nil {
		log.Error().Err(err).Str("task_id", taskID).Str("skill", skillName).
			Msg("executor: audit append failed")
	}
}

func directAnswer(task *contractx.Task, plan *contractx.Plan) string {
	if plan.Answer != "" {
		return plan.Answer
	}
	return fmt.Sprintf("Nothing to do for: %s", task.Text)
}
