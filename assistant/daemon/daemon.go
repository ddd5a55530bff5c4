package daemon

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"

	contractx "github.com/stewardhq/steward/assistant/contract"
)

type Config struct {
	PollInterval time.Duration `envconfig:"POLL_INTERVAL" split_words:"true" default:"2s"`
	MaxRetries   int           `envconfig:"MAX_RETRIES" split_words:"true" default:"3"`
	BackoffBase  time.Duration `envconfig:"BACKOFF_BASE" split_words:"true" default:"5s"`
	BackoffMax   time.Duration `envconfig:"BACKOFF_MAX" split_words:"true" default:"5m"`
	SweepGrace   time.Duration `envconfig:"SWEEP_GRACE" split_words:"true" default:"10m"`
	SweepEvery   string        `envconfig:"SWEEP_EVERY" split_words:"true" default:"@every 1m"`
}

// ChainExecutor runs one planned skill chain to completion.
type ChainExecutor interface {
	Execute(ctx context.Context, task *contractx.Task, plan *contractx.Plan) (string, error)
}

// Daemon drains the task queue: claim one task, plan it, execute it,
// persist the outcome, then claim the next. One task in flight per
// worker; every status transition is persisted before moving on.
type Daemon struct {
	store    contractx.Store
	planner  contractx.Planner
	executor ChainExecutor
	sender   contractx.Sender
	conf     Config

	now func() time.Time
}

func New(store contractx.Store, planner contractx.Planner, executor ChainExecutor, sender contractx.Sender, cfg Config) (*Daemon, error) {
	if store == nil {
		return nil, errors.New("store is required")
	}
	if planner == nil {
		return nil, errors.New("planner is required")
	}
	if executor == nil {
		return nil, errors.New("executor is required")
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 5 * time.Second
	}
	if cfg.BackoffMax < cfg.BackoffBase {
		cfg.BackoffMax = 5 * time.Minute
	}
	return &Daemon{
		store:    store,
		planner:  planner,
		executor: executor,
		sender:   sender,
		conf:     cfg,
		now:      time.Now,
	}, nil
}

// Run blocks until ctx is cancelled. A startup sweep requeues tasks a
// previous process left mid-claim; a cron timer repeats the sweep to
// catch crashed sibling workers.
func (d *Daemon) Run(ctx context.Context) error {
	if n, err := d.store.SweepStale(ctx, d.conf.SweepGrace); err != nil {
		log.Warn().Err(err).Msg("daemon: startup sweep failed")
	} else if n > 0 {
		log.Info().Int("requeued", n).Msg("daemon: startup sweep requeued stale tasks")
	}

	sweeper := cron.New()
	if _, err := sweeper.AddFunc(d.conf.SweepEvery, func() {
		if n, err := d.store.SweepStale(ctx, d.conf.SweepGrace); err != nil {
			log.Warn().Err(err).Msg("daemon: periodic sweep failed")
		} else if n > 0 {
			log.Info().Int("requeued", n).Msg("daemon: periodic sweep requeued stale tasks")
		}
	}); err != nil {
		return fmt.Errorf("schedule sweep %q: %w", d.conf.SweepEvery, err)
	}
	sweeper.Start()
	defer sweeper.Stop()

	for {
		if err := ctx.Err(); err != nil {
			return nil
		}
		claimed, err := d.runOnce(ctx)
		if err != nil {
			log.Warn().Err(err).Msg("daemon: claim failed, backing off")
			if !sleep(ctx, d.conf.BackoffBase) {
				return nil
			}
			continue
		}
		if !claimed {
			if !sleep(ctx, d.conf.PollInterval) {
				return nil
			}
		}
	}
}

// runOnce claims and fully processes at most one task. The bool
// reports whether a task was claimed.
func (d *Daemon) runOnce(ctx context.Context) (bool, error) {
	task, err := d.store.ClaimNextPending(ctx)
	if err != nil {
		if errors.Is(err, contractx.ErrNoPendingTask) {
			return false, nil
		}
		return false, err
	}

	log.Info().Str("task_id", task.ID).Int("priority", task.Priority).
		Int("retry", task.RetryCount).Msg("daemon: claimed task")
	d.process(ctx, task)
	return true, nil
}

func (d *Daemon) process(ctx context.Context, task *contractx.Task) {
	plan, err := d.planner.Plan(ctx, task)
	if err != nil {
		if errors.Is(err, contractx.ErrTransientInfra) {
			d.retryOrFail(ctx, task, err)
			return
		}
		d.fail(ctx, task, fmt.Sprintf("I couldn't work out a plan for that request: %v", err))
		return
	}

	if err := d.store.MarkPlanned(ctx, task.ID, plan); err != nil {
		d.retryOrFail(ctx, task, err)
		return
	}

	result, err := d.executor.Execute(ctx, task, plan)
	if err != nil {
		if errors.Is(err, contractx.ErrTransientInfra) {
			d.retryOrFail(ctx, task, err)
			return
		}
		d.fail(ctx, task, fmt.Sprintf("Task failed: %v", err))
		return
	}

	if err := d.store.MarkDone(ctx, task.ID, result); err != nil {
		log.Error().Err(err).Str("task_id", task.ID).Msg("daemon: mark done failed")
		return
	}
	log.Info().Str("task_id", task.ID).Msg("daemon: task done")
	d.notify(ctx, task, result)
}

// retryOrFail handles transient infrastructure trouble: the task goes
// back to pending with backoff until the retry ceiling, then fails.
func (d *Daemon) retryOrFail(ctx context.Context, task *contractx.Task, cause error) {
	if task.RetryCount < d.conf.MaxRetries {
		notBefore := d.now().Add(d.backoff(task.RetryCount))
		if err := d.store.ReleaseForRetry(ctx, task.ID, notBefore); err != nil {
			// The sweep will recover the claim if this keeps failing.
			log.Error().Err(err).Str("task_id", task.ID).Msg("daemon: release for retry failed")
			return
		}
		log.Warn().Err(cause).Str("task_id", task.ID).Time("not_before", notBefore).
			Msg("daemon: transient failure, task requeued")
		return
	}
	d.fail(ctx, task, fmt.Sprintf("Task abandoned after %d retries: %v", task.RetryCount, cause))
}

func (d *Daemon) fail(ctx context.Context, task *contractx.Task, result string) {
	if err := d.store.MarkFailed(ctx, task.ID, result); err != nil {
		log.Error().Err(err).Str("task_id", task.ID).Msg("daemon: mark failed failed")
		return
	}
	log.Warn().Str("task_id", task.ID).Str("result", result).Msg("daemon: task failed")
	d.notify(ctx, task, result)
}

func (d *Daemon) notify(ctx context.Context, task *contractx.Task, text string) {
	if d.sender == nil || task.Sender == "" {
		return
	}
	if err := d.sender.Send(ctx, contractx.OutboundEvent{
		Destination: task.Sender,
		Text:        text,
	}); err != nil {
		log.Warn().Err(err).Str("task_id", task.ID).Msg("daemon: notify failed")
	}
}

func (d *Daemon) backoff(retry int) time.Duration {
	delay := d.conf.BackoffBase
	for i := 0; i < retry; i++ {
		delay *= 2
		if delay >= d.conf.BackoffMax {
			return d.conf.BackoffMax
		}
	}
	return delay
}

func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
