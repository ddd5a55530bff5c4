package memory

import (
	"context"
	"fmt"
	"strings"

	contractx "github.com/stewardhq/steward/assistant/contract"
)

const (
	keyPrefix = "memory:"

	// Rolling summaries are capped so prompts stay bounded; older
	// material falls off the front.
	maxSummaryRunes = 4000
)

// StateStore is the slice of the task store the memory layer needs.
type StateStore interface {
	GetState(ctx context.Context, key string) (string, error)
	SetState(ctx context.Context, key, value string) error
}

// Store keeps one rolling conversational summary per sender on top of
// the runtime-state table.
type Store struct {
	state StateStore
}

var _ contractx.MemoryStore = (*Store)(nil)

func New(state StateStore) *Store {
	return &Store{state: state}
}

func (s *Store) ReadSummary(ctx context.Context, sender string) (string, error) {
	sender = strings.TrimSpace(sender)
	if sender == "" {
		return "", nil
	}
	return s.state.GetState(ctx, keyPrefix+sender)
}

func (s *Store) WriteSummary(ctx context.Context, sender, update string) error {
	sender = strings.TrimSpace(sender)
	update = strings.TrimSpace(update)
	if sender == "" {
		return fmt.Errorf("%w: sender is required", contractx.ErrValidation)
	}
	if update == "" {
		return nil
	}

	current, err := s.state.GetState(ctx, keyPrefix+sender)
	if err != nil {
		return err
	}

	merged := update
	if current != "" {
		merged = current + "\n" + update
	}
	if runes := []rune(merged); len(runes) > maxSummaryRunes {
		merged = string(runes[len(runes)-maxSummaryRunes:])
	}

	return s.state.SetState(ctx, keyPrefix+sender, merged)
}
