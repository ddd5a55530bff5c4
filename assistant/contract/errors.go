package contract

import "errors"

var (
	// ErrTransientInfra marks store or inference backend trouble. The
	// daemon retries with backoff; it never fails a task directly.
	ErrTransientInfra = errors.New("transient infrastructure error")

	// ErrPlanParse means no valid plan could be extracted from the
	// model output. Terminal for the task.
	ErrPlanParse = errors.New("model output is not a valid plan")

	// ErrUnknownSkill means a plan references a skill absent from the
	// registry. Detected before any step runs.
	ErrUnknownSkill = errors.New("plan references unknown skill")

	// ErrSkillExecution means a skill reported failure or returned an
	// error. The chain aborts at that step.
	ErrSkillExecution = errors.New("skill execution failed")

	// ErrSkillTimeout is a per-step deadline hit. Aborts the chain like
	// ErrSkillExecution but logged distinctly.
	ErrSkillTimeout = errors.New("skill execution timed out")

	// ErrNoPendingTask is returned by ClaimNextPending on an empty queue.
	ErrNoPendingTask = errors.New("no pending task")

	ErrTaskNotFound = errors.New("task not found")
	ErrValidation   = errors.New("validation failed")
)
