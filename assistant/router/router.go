package router

import (
	"strings"
	"unicode"
)

type Config struct {
	// QuickChatMaxRunes is the length ceiling for the quick-chat path.
	QuickChatMaxRunes int `envconfig:"QUICK_CHAT_MAX_RUNES" split_words:"true" default:"120"`
	// ActionWords are verbs that imply multi-step, side-effecting work.
	ActionWords []string `envconfig:"ACTION_WORDS" split_words:"true" default:"remind,schedule,send,email,book,buy,order,create,remember,cancel,find,search,plan"`
}

type Route string

const (
	RouteQuickChat Route = "quick_chat"
	RouteTask      Route = "task"
)

// Router classifies inbound requests. Pure and side-effect free: the
// same text and thresholds always produce the same route.
type Router struct {
	maxRunes    int
	actionWords map[string]struct{}
}

func New(cfg Config) *Router {
	words := make(map[string]struct{}, len(cfg.ActionWords))
	for _, w := range cfg.ActionWords {
		w = strings.ToLower(strings.TrimSpace(w))
		if w != "" {
			words[w] = struct{}{}
		}
	}
	maxRunes := cfg.QuickChatMaxRunes
	if maxRunes <= 0 {
		maxRunes = 120
	}
	return &Router{maxRunes: maxRunes, actionWords: words}
}

// Classify returns quick_chat only for short requests with no action
// vocabulary. Anything empty or ambiguous goes to the task path, which
// is the safer, more capable one.
func (r *Router) Classify(text string) Route {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return RouteTask
	}
	if len([]rune(trimmed)) >= r.maxRunes {
		return RouteTask
	}
	for _, token := range tokenize(trimmed) {
		if _, ok := r.actionWords[token]; ok {
			return RouteTask
		}
	}
	return RouteQuickChat
}

func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
}
