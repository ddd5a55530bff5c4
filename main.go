package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	contractx "github.com/stewardhq/steward/assistant/contract"
	daemonx "github.com/stewardhq/steward/assistant/daemon"
	executorx "github.com/stewardhq/steward/assistant/executor"
	listenerx "github.com/stewardhq/steward/assistant/listener"
	memoryx "github.com/stewardhq/steward/assistant/memory"
	plannerx "github.com/stewardhq/steward/assistant/planner"
	routerx "github.com/stewardhq/steward/assistant/router"
	skillx "github.com/stewardhq/steward/assistant/skill"
	storex "github.com/stewardhq/steward/assistant/store"
	configx "github.com/stewardhq/steward/pkg/config"
	inferencex "github.com/stewardhq/steward/pkg/inference"
	logx "github.com/stewardhq/steward/pkg/logger"
)

const (
	stateKeyFastModel    = "model.fast"
	stateKeyCapableModel = "model.capable"
)

func main() {
	logCfg := configx.MustNew[logx.Config]("LOG")
	logx.Init(*logCfg)

	args := flag.Args()
	if len(args) == 0 {
		usage()
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var err error
	switch args[0] {
	case "queue-task":
		err = queueTask(ctx, args[1:])
	case "run-daemon":
		err = runDaemon(ctx)
	case "show-task":
		err = showTask(ctx, args[1:])
	case "cancel-task":
		err = cancelTask(ctx, args[1:])
	case "get-state":
		err = getState(ctx, args[1:])
	case "set-state":
		err = setState(ctx, args[1:])
	default:
		usage()
		os.Exit(2)
	}
	if err != nil {
		log.Error().Err(err).Str("command", args[0]).Msg("command failed")
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage: steward [-env FILE] <command>

commands:
  queue-task <text>        enqueue a task and print its identifier
  run-daemon               run the task daemon (and telegram listener if configured)
  show-task <id>           print a task's status, result and audit trail
  cancel-task <id>         cancel a task that is still pending
  get-state <key>          read a runtime-state value
  set-state <key> <value>  write a runtime-state value`)
}

func openStore(ctx context.Context) (*storex.Store, error) {
	st, err := storex.New(*configx.MustNew[storex.Config]("STORE"))
	if err != nil {
		return nil, err
	}
	if err := st.Init(ctx); err != nil {
		return nil, err
	}
	return st, nil
}

func queueTask(ctx context.Context, args []string) error {
	text := strings.TrimSpace(strings.Join(args, " "))
	if text == "" {
		return fmt.Errorf("queue-task: task text is required")
	}

	st, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer st.Close()

	taskID, err := st.Enqueue(ctx, &contractx.Task{
		Text:     text,
		Priority: contractx.DefaultPriority,
		Source:   "cli",
	})
	if err != nil {
		return err
	}
	fmt.Println(taskID)
	return nil
}

func runDaemon(ctx context.Context) error {
	st, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer st.Close()

	// Runtime state overrides persisted model choices over the env.
	infCfg := configx.MustNew[inferencex.Config]("INFERENCE")
	if v, err := st.GetState(ctx, stateKeyFastModel); err == nil && v != "" {
		infCfg.FastModel = v
	}
	if v, err := st.GetState(ctx, stateKeyCapableModel); err == nil && v != "" {
		infCfg.CapableModel = v
	}
	llm, err := inferencex.NewClient(*infCfg)
	if err != nil {
		return err
	}
	if err := llm.Ping(ctx); err != nil {
		return fmt.Errorf("boot probe: %w", err)
	}

	memory := memoryx.New(st)

	var sender contractx.Sender
	var channel *listenerx.Telegram
	tgCfg := configx.MustNew[listenerx.TelegramConfig]("TELEGRAM")
	if strings.TrimSpace(tgCfg.Token) != "" {
		handler := listenerx.New(
			routerx.New(*configx.MustNew[routerx.Config]("ROUTER")),
			st, llm, memory,
			*configx.MustNew[listenerx.Config]("LISTENER"),
		)
		channel, err = listenerx.NewTelegram(*tgCfg, handler)
		if err != nil {
			return err
		}
		sender = channel
	} else {
		log.Warn().Msg("telegram token not configured, running without a messaging channel")
	}

	registry, err := buildRegistry(st, memory, sender)
	if err != nil {
		return err
	}

	planner := plannerx.New(llm, registry, memory)
	executor := executorx.New(registry, st, memory, *configx.MustNew[executorx.Config]("EXECUTOR"))
	daemon, err := daemonx.New(st, planner, executor, sender, *configx.MustNew[daemonx.Config]("DAEMON"))
	if err != nil {
		return err
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error { return daemon.Run(groupCtx) })
	if channel != nil {
		group.Go(func() error { return channel.Start(groupCtx) })
	}
	log.Info().Msg("steward daemon started")
	return group.Wait()
}

func buildRegistry(st *storex.Store, memory contractx.MemoryStore, sender contractx.Sender) (*skillx.Registry, error) {
	skills := []contractx.Skill{
		skillx.NewCreateReminder(st),
		skillx.NewRememberNote(memory),
		skillx.NewMathEvaluate(),
	}
	if sender != nil {
		skills = append(skills, skillx.NewSendMessage(sender))
	}
	return skillx.NewRegistry(skills...)
}

func showTask(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("show-task: task id is required")
	}

	st, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer st.Close()

	task, err := st.Get(ctx, args[0])
	if err != nil {
		return err
	}
	fmt.Printf("task %s\n  status: %s\n  text: %s\n", task.ID, task.Status, task.Text)
	if task.Result != "" {
		fmt.Printf("  result: %s\n", task.Result)
	}

	records, err := st.ListAudit(ctx, task.ID)
	if err != nil {
		return err
	}
	for _, rec := range records {
		outcome := "ok"
		if !rec.Success {
			outcome = "failed: " + rec.Error
		}
		fmt.Printf("  step %s (%s) %s\n", rec.Skill, rec.Duration, outcome)
	}
	return nil
}

func cancelTask(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("cancel-task: task id is required")
	}
	st, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer st.Close()

	return st.Cancel(ctx, args[0])
}

func getState(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("get-state: key is required")
	}
	st, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer st.Close()

	value, err := st.GetState(ctx, args[0])
	if err != nil {
		return err
	}
	fmt.Println(value)
	return nil
}

func setState(ctx context.Context, args []string) error {
	if len(args) != 2 {
		return fmt.Errorf("set-state: key and value are required")
	}
	st, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer st.Close()

	return st.SetState(ctx, args[0], args[1])
}
