package listener

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	contractx "github.com/stewardhq/steward/assistant/contract"
	routerx "github.com/stewardhq/steward/assistant/router"
)

type Config struct {
	// QuickChatTimeout bounds the synchronous fast-model call. The
	// listener handles one inbound message at a time, so this also
	// bounds listener throughput.
	QuickChatTimeout time.Duration `envconfig:"QUICK_CHAT_TIMEOUT" split_words:"true" default:"30s"`
}

const quickChatSystem = "You are a helpful personal assistant. Answer briefly and directly."

// InferenceClient is the slice of pkg/inference the quick-chat path needs.
type InferenceClient interface {
	Generate(ctx context.Context, modelName, systemPrompt, userPrompt string) (string, error)
	FastModel() string
}

// Listener turns normalized inbound events into either an immediate
// fast-model answer or a persisted task. Task requests hit the store
// before any inference happens, so a crash after enqueue never loses
// work.
type Listener struct {
	router *routerx.Router
	store  contractx.Store
	llm    InferenceClient
	memory contractx.MemoryStore
	conf   Config
}

func New(router *routerx.Router, store contractx.Store, llm InferenceClient, memory contractx.MemoryStore, cfg Config) *Listener {
	if cfg.QuickChatTimeout <= 0 {
		cfg.QuickChatTimeout = 30 * time.Second
	}
	return &Listener{
		router: router,
		store:  store,
		llm:    llm,
		memory: memory,
		conf:   cfg,
	}
}

// Handle processes one inbound event and returns the reply to deliver.
func (l *Listener) Handle(ctx context.Context, ev contractx.InboundEvent) (contractx.OutboundEvent, error) {
	reply := contractx.OutboundEvent{Destination: ev.Sender}

	switch l.router.Classify(ev.Text) {
	case routerx.RouteQuickChat:
		reply.Text = l.quickChat(ctx, ev)
	default:
		text, err := l.enqueue(ctx, ev)
		if err != nil {
			return contractx.OutboundEvent{}, err
		}
		reply.Text = text
	}
	return reply, nil
}

// quickChat bypasses the store entirely and answers with the fast
// model. Inference trouble degrades to an apology rather than an error
// back to the channel.
func (l *Listener) quickChat(ctx context.Context, ev contractx.InboundEvent) string {
	callCtx, cancel := context.WithTimeout(ctx, l.conf.QuickChatTimeout)
	defer cancel()

	prompt := ev.Text
	if l.memory != nil {
		if summary, err := l.memory.ReadSummary(callCtx, ev.Sender); err == nil && summary != "" {
			prompt = fmt.Sprintf("Known about the user:\n%s\n\nMessage:\n%s", summary, ev.Text)
		}
	}

	answer, err := l.llm.Generate(callCtx, l.llm.FastModel(), quickChatSystem, prompt)
	if err != nil {
		log.Warn().Err(err).Str("sender", ev.Sender).Msg("listener: quick chat inference failed")
		return "Sorry, I'm having trouble answering right now. Please try again."
	}
	answer = strings.TrimSpace(answer)
	if answer == "" {
		return "Sorry, I don't have an answer for that."
	}
	return answer
}

func (l *Listener) enqueue(ctx context.Context, ev contractx.InboundEvent) (string, error) {
	taskID, err := l.store.Enqueue(ctx, &contractx.Task{
		Text:     ev.Text,
		Priority: contractx.DefaultPriority,
		Source:   ev.Source,
		Sender:   ev.Sender,
	})
	if err != nil {
		return "", fmt.Errorf("enqueue inbound task: %w", err)
	}
	log.Info().Str("task_id", taskID).Str("source", ev.Source).Msg("listener: task queued")
	return fmt.Sprintf("Got it. Working on it (task %s).", shortID(taskID)), nil
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
