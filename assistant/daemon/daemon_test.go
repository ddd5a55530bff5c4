package daemon

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	contractx "github.com/stewardhq/steward/assistant/contract"
	executorx "github.com/stewardhq/steward/assistant/executor"
	skillx "github.com/stewardhq/steward/assistant/skill"
)

type fakeStore struct {
	mu     sync.Mutex
	tasks  map[string]*contractx.Task
	audits []contractx.AuditRecord
	state  map[string]string
	nextID int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		tasks: make(map[string]*contractx.Task),
		state: make(map[string]string),
	}
}

func (f *fakeStore) Enqueue(_ context.Context, task *contractx.Task) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	cp := *task
	cp.ID = fmt.Sprintf("task-%d", f.nextID)
	cp.Status = contractx.TaskPending
	cp.CreatedAt = time.Now().Add(time.Duration(f.nextID) * time.Millisecond)
	if cp.Priority == 0 {
		cp.Priority = contractx.DefaultPriority
	}
	f.tasks[cp.ID] = &cp
	return cp.ID, nil
}

func (f *fakeStore) ClaimNextPending(context.Context) (*contractx.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var candidates []*contractx.Task
	now := time.Now()
	for _, task := range f.tasks {
		if task.Status == contractx.TaskPending && !task.NotBefore.After(now) {
			candidates = append(candidates, task)
		}
	}
	if len(candidates) == 0 {
		return nil, contractx.ErrNoPendingTask
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].Priority != candidates[j].Priority {
			return candidates[i].Priority < candidates[j].Priority
		}
		return candidates[i].CreatedAt.Before(candidates[j].CreatedAt)
	})
	claimed := candidates[0]
	claimed.Status = contractx.TaskPlanning
	cp := *claimed
	return &cp, nil
}

func (f *fakeStore) MarkPlanned(_ context.Context, taskID string, plan *contractx.Plan) error {
	return f.update(taskID, func(task *contractx.Task) {
		task.Status = contractx.TaskExecuting
		task.Plan = plan
	})
}

func (f *fakeStore) MarkDone(_ context.Context, taskID, result string) error {
	return f.update(taskID, func(task *contractx.Task) {
		task.Status = contractx.TaskDone
		task.Result = result
	})
}

func (f *fakeStore) MarkFailed(_ context.Context, taskID, result string) error {
	return f.update(taskID, func(task *contractx.Task) {
		task.Status = contractx.TaskFailed
		task.Result = result
	})
}

func (f *fakeStore) ReleaseForRetry(_ context.Context, taskID string, notBefore time.Time) error {
	return f.update(taskID, func(task *contractx.Task) {
		task.Status = contractx.TaskPending
		task.RetryCount++
		task.NotBefore = notBefore
	})
}

func (f *fakeStore) Cancel(_ context.Context, taskID string) error {
	return f.update(taskID, func(task *contractx.Task) {
		task.Status = contractx.TaskFailed
		task.Result = "cancelled"
	})
}

func (f *fakeStore) Get(_ context.Context, taskID string) (*contractx.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	task, ok := f.tasks[taskID]
	if !ok {
		return nil, contractx.ErrTaskNotFound
	}
	cp := *task
	return &cp, nil
}

func (f *fakeStore) AppendAudit(_ context.Context, rec *contractx.AuditRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec.ID = int64(len(f.audits) + 1)
	f.audits = append(f.audits, *rec)
	return nil
}

func (f *fakeStore) ListAudit(_ context.Context, taskID string) ([]contractx.AuditRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []contractx.AuditRecord
	for _, rec := range f.audits {
		if rec.TaskID == taskID {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (f *fakeStore) GetState(_ context.Context, key string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state[key], nil
}

func (f *fakeStore) SetState(_ context.Context, key, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state[key] = value
	return nil
}

func (f *fakeStore) SweepStale(context.Context, time.Duration) (int, error) {
	return 0, nil
}

func (f *fakeStore) update(taskID string, fn func(*contractx.Task)) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	task, ok := f.tasks[taskID]
	if !ok {
		return contractx.ErrTaskNotFound
	}
	fn(task)
	return nil
}

type fakePlanner struct {
	plan *contractx.Plan
	err  error
}

func (f *fakePlanner) Plan(context.Context, *contractx.Task) (*contractx.Plan, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.plan, nil
}

type fakeChainExecutor struct {
	result string
	err    error
}

func (f *fakeChainExecutor) Execute(context.Context, *contractx.Task, *contractx.Plan) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	return f.result, nil
}

type fakeSender struct {
	mu    sync.Mutex
	sends []contractx.OutboundEvent
}

func (f *fakeSender) Send(_ context.Context, ev contractx.OutboundEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sends = append(f.sends, ev)
	return nil
}

func newTestDaemon(t *testing.T, store contractx.Store, planner contractx.Planner, exec ChainExecutor, sender contractx.Sender) *Daemon {
	t.Helper()
	d, err := New(store, planner, exec, sender, Config{
		PollInterval: time.Millisecond,
		MaxRetries:   2,
		BackoffBase:  time.Second,
		BackoffMax:   time.Minute,
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return d
}

func enqueue(t *testing.T, store *fakeStore, text, sender string) string {
	t.Helper()
	id, err := store.Enqueue(context.Background(), &contractx.Task{Text: text, Sender: sender, Source: "test"})
	if err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	return id
}

func TestRunOnceEmptyQueue(t *testing.T) {
	t.Parallel()

	d := newTestDaemon(t, newFakeStore(), &fakePlanner{plan: &contractx.Plan{}}, &fakeChainExecutor{}, nil)
	claimed, err := d.runOnce(context.Background())
	if err != nil {
		t.Fatalf("runOnce() error = %v", err)
	}
	if claimed {
		t.Fatal("runOnce() claimed a task from an empty queue")
	}
}

func TestRunOnceSuccessNotifiesSender(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	sender := &fakeSender{}
	id := enqueue(t, store, "remind me to call Sam tomorrow", "42")

	plan := &contractx.Plan{Steps: []contractx.SkillInvocation{{Skill: "create_reminder"}}}
	d := newTestDaemon(t, store, &fakePlanner{plan: plan}, &fakeChainExecutor{result: "Reminder set: call Sam (tomorrow)"}, sender)

	claimed, err := d.runOnce(context.Background())
	if err != nil || !claimed {
		t.Fatalf("runOnce() = (%v, %v)", claimed, err)
	}

	task, _ := store.Get(context.Background(), id)
	if task.Status != contractx.TaskDone {
		t.Fatalf("status = %q, want done", task.Status)
	}
	if task.Result != "Reminder set: call Sam (tomorrow)" {
		t.Fatalf("result = %q", task.Result)
	}
	if len(sender.sends) != 1 || sender.sends[0].Destination != "42" {
		t.Fatalf("sends = %+v", sender.sends)
	}
}

func TestRunOnceTransientPlannerErrorRequeues(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	id := enqueue(t, store, "do the thing", "42")

	cause := fmt.Errorf("%w: backend down", contractx.ErrTransientInfra)
	d := newTestDaemon(t, store, &fakePlanner{err: cause}, &fakeChainExecutor{}, nil)

	if _, err := d.runOnce(context.Background()); err != nil {
		t.Fatalf("runOnce() error = %v", err)
	}

	task, _ := store.Get(context.Background(), id)
	if task.Status != contractx.TaskPending {
		t.Fatalf("status = %q, want pending after transient failure", task.Status)
	}
	if task.RetryCount != 1 {
		t.Fatalf("retry count = %d, want 1", task.RetryCount)
	}
	if !task.NotBefore.After(time.Now()) {
		t.Fatal("not_before is not in the future")
	}
}

func TestTransientRetriesExhaustedFailsTask(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	sender := &fakeSender{}
	id := enqueue(t, store, "do the thing", "42")

	cause := fmt.Errorf("%w: backend down", contractx.ErrTransientInfra)
	d := newTestDaemon(t, store, &fakePlanner{err: cause}, &fakeChainExecutor{}, sender)
	d.now = func() time.Time { return time.Now().Add(-2 * time.Minute) }

	// MaxRetries is 2: two requeues, then terminal failure.
	for i := 0; i < 3; i++ {
		if _, err := d.runOnce(context.Background()); err != nil {
			t.Fatalf("runOnce() #%d error = %v", i, err)
		}
	}

	task, _ := store.Get(context.Background(), id)
	if task.Status != contractx.TaskFailed {
		t.Fatalf("status = %q, want failed after exhausted retries", task.Status)
	}
	if !strings.Contains(task.Result, "retries") {
		t.Fatalf("result = %q, want retry exhaustion message", task.Result)
	}
	if len(sender.sends) != 1 {
		t.Fatalf("sends = %+v, want exactly one failure notification", sender.sends)
	}
}

func TestPlanParseErrorIsTerminal(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	id := enqueue(t, store, "do the thing", "42")

	cause := fmt.Errorf("%w: no JSON found", contractx.ErrPlanParse)
	d := newTestDaemon(t, store, &fakePlanner{err: cause}, &fakeChainExecutor{}, nil)

	if _, err := d.runOnce(context.Background()); err != nil {
		t.Fatalf("runOnce() error = %v", err)
	}

	task, _ := store.Get(context.Background(), id)
	if task.Status != contractx.TaskFailed {
		t.Fatalf("status = %q, want failed", task.Status)
	}
	if task.RetryCount != 0 {
		t.Fatalf("retry count = %d, want 0 (no retry for plan errors)", task.RetryCount)
	}
}

func TestExecutorErrorIsTerminal(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	id := enqueue(t, store, "do the thing", "42")

	cause := fmt.Errorf("%w: %q", contractx.ErrUnknownSkill, "send_email_totally_fake")
	plan := &contractx.Plan{Steps: []contractx.SkillInvocation{{Skill: "send_email_totally_fake"}}}
	d := newTestDaemon(t, store, &fakePlanner{plan: plan}, &fakeChainExecutor{err: cause}, nil)

	if _, err := d.runOnce(context.Background()); err != nil {
		t.Fatalf("runOnce() error = %v", err)
	}

	task, _ := store.Get(context.Background(), id)
	if task.Status != contractx.TaskFailed {
		t.Fatalf("status = %q, want failed", task.Status)
	}
	if !strings.Contains(task.Result, "send_email_totally_fake") {
		t.Fatalf("result = %q, want unknown skill surfaced", task.Result)
	}
}

// Round trip with a real executor: empty plan means no skills run, no
// audit rows appear, and the result derives from the request alone.
func TestEmptyPlanRoundTrip(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	id := enqueue(t, store, "just checking in", "42")

	reg, err := skillx.NewRegistry()
	if err != nil {
		t.Fatalf("NewRegistry() error = %v", err)
	}
	exec := executorx.New(reg, store, nil, executorx.Config{StepTimeout: time.Second})
	d := newTestDaemon(t, store, &fakePlanner{plan: &contractx.Plan{}}, exec, nil)

	if _, err := d.runOnce(context.Background()); err != nil {
		t.Fatalf("runOnce() error = %v", err)
	}

	task, _ := store.Get(context.Background(), id)
	if task.Status != contractx.TaskDone {
		t.Fatalf("status = %q, want done", task.Status)
	}
	if !strings.Contains(task.Result, "just checking in") {
		t.Fatalf("result = %q, want it derived from the request", task.Result)
	}
	records, _ := store.ListAudit(context.Background(), id)
	if len(records) != 0 {
		t.Fatalf("got %d audit records, want 0", len(records))
	}
}

func TestClaimOrderRespectsPriorityThenFIFO(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	first := enqueue(t, store, "low urgency a", "42")
	second := enqueue(t, store, "low urgency b", "42")
	urgentID, err := store.Enqueue(context.Background(), &contractx.Task{Text: "urgent", Sender: "42", Priority: 1})
	if err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}

	for i, want := range []string{urgentID, first, second} {
		task, err := store.ClaimNextPending(context.Background())
		if err != nil {
			t.Fatalf("ClaimNextPending() #%d error = %v", i, err)
		}
		if task.ID != want {
			t.Fatalf("claim #%d = %s, want %s", i, task.ID, want)
		}
	}
	if _, err := store.ClaimNextPending(context.Background()); !errors.Is(err, contractx.ErrNoPendingTask) {
		t.Fatalf("final claim error = %v, want ErrNoPendingTask", err)
	}
}

func TestBackoffGrowsAndCaps(t *testing.T) {
	t.Parallel()

	d := newTestDaemon(t, newFakeStore(), &fakePlanner{plan: &contractx.Plan{}}, &fakeChainExecutor{}, nil)

	if got := d.backoff(0); got != time.Second {
		t.Fatalf("backoff(0) = %v", got)
	}
	if got := d.backoff(1); got != 2*time.Second {
		t.Fatalf("backoff(1) = %v", got)
	}
	if got := d.backoff(20); got != time.Minute {
		t.Fatalf("backoff(20) = %v, want cap", got)
	}
}
