package executor

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	contractx "github.com/stewardhq/steward/assistant/contract"
	skillx "github.com/stewardhq/steward/assistant/skill"
)

type fakeAuditLog struct {
	records []contractx.AuditRecord
	err     error
}

func (f *fakeAuditLog) AppendAudit(_ context.Context, rec *contractx.AuditRecord) error {
	if f.err != nil {
		return f.err
	}
	f.records = append(f.records, *rec)
	return nil
}

// stubSkill is a scripted skill for chain tests.
type stubSkill struct {
	name   string
	params []contractx.ParamSpec
	run    func(ctx context.Context, params map[string]any, sc *contractx.SkillContext) (contractx.SkillResult, error)
	calls  int
}

func (s *stubSkill) Name() string                  { return s.name }
func (s *stubSkill) Description() string           { return "stub skill " + s.name }
func (s *stubSkill) Params() []contractx.ParamSpec { return s.params }

func (s *stubSkill) Run(ctx context.Context, params map[string]any, sc *contractx.SkillContext) (contractx.SkillResult, error) {
	s.calls++
	return s.run(ctx, params, sc)
}

func okSkill(name, output string) *stubSkill {
	return &stubSkill{
		name: name,
		run: func(context.Context, map[string]any, *contractx.SkillContext) (contractx.SkillResult, error) {
			return contractx.SkillResult{Success: true, Output: output}, nil
		},
	}
}

func failingSkill(name, reason string) *stubSkill {
	return &stubSkill{
		name: name,
		run: func(context.Context, map[string]any, *contractx.SkillContext) (contractx.SkillResult, error) {
			return contractx.SkillResult{Success: false, Output: reason}, nil
		},
	}
}

func newTestExecutor(t *testing.T, audits *fakeAuditLog, skills ...contractx.Skill) *Executor {
	t.Helper()
	reg, err := skillx.NewRegistry(skills...)
	if err != nil {
		t.Fatalf("NewRegistry() error = %v", err)
	}
	return New(reg, audits, nil, Config{StepTimeout: time.Second})
}

func plan(steps ...contractx.SkillInvocation) *contractx.Plan {
	for i := range steps {
		steps[i].Index = i
	}
	return &contractx.Plan{Steps: steps}
}

func step(skill string, params map[string]any) contractx.SkillInvocation {
	return contractx.SkillInvocation{Skill: skill, Params: params}
}

func testTask() *contractx.Task {
	return &contractx.Task{ID: "task-1", Text: "do the thing", Sender: "42"}
}

func TestExecuteThreadsOutputs(t *testing.T) {
	t.Parallel()

	audits := &fakeAuditLog{}
	second := &stubSkill{
		name: "second",
		run: func(_ context.Context, params map[string]any, _ *contractx.SkillContext) (contractx.SkillResult, error) {
			return contractx.SkillResult{Success: true, Output: "got: " + params["input"].(string)}, nil
		},
	}
	exec := newTestExecutor(t, audits, okSkill("first", "hello"), second)

	result, err := exec.Execute(context.Background(), testTask(), plan(
		step("first", nil),
		step("second", map[string]any{"input": "$output.first"}),
	))
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if result != "hello\ngot: hello" {
		t.Fatalf("result = %q", result)
	}
	if len(audits.records) != 2 {
		t.Fatalf("got %d audit records, want 2", len(audits.records))
	}
	for i, rec := range audits.records {
		if !rec.Success {
			t.Fatalf("audit %d not marked success: %+v", i, rec)
		}
		if rec.TaskID != "task-1" {
			t.Fatalf("audit %d task id = %q", i, rec.TaskID)
		}
	}
}

func TestExecuteAbortsOnStepFailure(t *testing.T) {
	t.Parallel()

	audits := &fakeAuditLog{}
	third := okSkill("third", "never")
	exec := newTestExecutor(t, audits,
		okSkill("first", "ok"),
		failingSkill("second", "disk on fire"),
		third,
	)

	_, err := exec.Execute(context.Background(), testTask(), plan(
		step("first", nil),
		step("second", nil),
		step("third", nil),
	))
	if !errors.Is(err, contractx.ErrSkillExecution) {
		t.Fatalf("Execute() error = %v, want ErrSkillExecution", err)
	}
	if !strings.Contains(err.Error(), "disk on fire") {
		t.Fatalf("error does not surface skill failure: %v", err)
	}
	if third.calls != 0 {
		t.Fatal("step after failure was executed")
	}
	if len(audits.records) != 2 {
		t.Fatalf("got %d audit records, want 2 (success + failure)", len(audits.records))
	}
	if audits.records[0].Success != true || audits.records[1].Success != false {
		t.Fatalf("unexpected audit outcomes: %+v", audits.records)
	}
}

func TestExecuteUnknownSkillRunsNothing(t *testing.T) {
	t.Parallel()

	audits := &fakeAuditLog{}
	first := okSkill("first", "ok")
	exec := newTestExecutor(t, audits, first)

	_, err := exec.Execute(context.Background(), testTask(), plan(
		step("first", nil),
		step("send_email_totally_fake", nil),
	))
	if !errors.Is(err, contractx.ErrUnknownSkill) {
		t.Fatalf("Execute() error = %v, want ErrUnknownSkill", err)
	}
	if first.calls != 0 {
		t.Fatal("a skill ran despite unknown skill in plan")
	}
	if len(audits.records) != 0 {
		t.Fatalf("got %d audit records, want 0", len(audits.records))
	}
}

func TestExecuteEmptyPlanAnswersDirectly(t *testing.T) {
	t.Parallel()

	audits := &fakeAuditLog{}
	exec := newTestExecutor(t, audits)

	result, err := exec.Execute(context.Background(), testTask(), &contractx.Plan{
		Answer: "All done already.",
	})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if result != "All done already." {
		t.Fatalf("result = %q", result)
	}
	if len(audits.records) != 0 {
		t.Fatalf("got %d audit records, want 0", len(audits.records))
	}
}

func TestExecuteEmptyPlanWithoutAnswerEchoesRequest(t *testing.T) {
	t.Parallel()

	exec := newTestExecutor(t, &fakeAuditLog{})

	result, err := exec.Execute(context.Background(), testTask(), &contractx.Plan{})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if !strings.Contains(result, "do the thing") {
		t.Fatalf("result %q not derived from request text", result)
	}
}

func TestExecuteStepTimeout(t *testing.T) {
	t.Parallel()

	audits := &fakeAuditLog{}
	slow := &stubSkill{
		name: "slow",
		run: func(ctx context.Context, _ map[string]any, _ *contractx.SkillContext) (contractx.SkillResult, error) {
			<-ctx.Done()
			return contractx.SkillResult{}, ctx.Err()
		},
	}
	reg, err := skillx.NewRegistry(slow)
	if err != nil {
		t.Fatalf("NewRegistry() error = %v", err)
	}
	exec := New(reg, audits, nil, Config{StepTimeout: 20 * time.Millisecond})

	_, err = exec.Execute(context.Background(), testTask(), plan(step("slow", nil)))
	if !errors.Is(err, contractx.ErrSkillTimeout) {
		t.Fatalf("Execute() error = %v, want ErrSkillTimeout", err)
	}
	if len(audits.records) != 1 || audits.records[0].Success {
		t.Fatalf("unexpected audit records: %+v", audits.records)
	}
}

func TestExecuteShutdownMidStepIsTransient(t *testing.T) {
	t.Parallel()

	audits := &fakeAuditLog{}
	ctx, cancel := context.WithCancel(context.Background())
	interrupted := &stubSkill{
		name: "interrupted",
		run: func(c context.Context, _ map[string]any, _ *contractx.SkillContext) (contractx.SkillResult, error) {
			cancel()
			<-c.Done()
			return contractx.SkillResult{}, c.Err()
		},
	}
	exec := newTestExecutor(t, audits, interrupted)

	_, err := exec.Execute(ctx, testTask(), plan(step("interrupted", nil)))
	if !errors.Is(err, contractx.ErrTransientInfra) {
		t.Fatalf("Execute() error = %v, want ErrTransientInfra", err)
	}
	if errors.Is(err, contractx.ErrSkillExecution) {
		t.Fatalf("interrupted step misclassified as skill failure: %v", err)
	}
}

func TestExecuteDanglingReferenceFailsStep(t *testing.T) {
	t.Parallel()

	audits := &fakeAuditLog{}
	target := okSkill("target", "out")
	exec := newTestExecutor(t, audits, target)

	_, err := exec.Execute(context.Background(), testTask(), plan(
		step("target", map[string]any{"input": "$output.ghost"}),
	))
	if !errors.Is(err, contractx.ErrSkillExecution) {
		t.Fatalf("Execute() error = %v, want ErrSkillExecution", err)
	}
	if target.calls != 0 {
		t.Fatal("skill ran despite unresolvable parameter")
	}
}
