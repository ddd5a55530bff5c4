package skill

import (
	"context"
	"fmt"

	contractx "github.com/stewardhq/steward/assistant/contract"
)

const NameRememberNote = "remember_note"

// RememberNote appends a fact to the sender's rolling memory summary
// so later quick-chat and planning prompts can see it.
type RememberNote struct {
	memory contractx.MemoryStore
}

var _ contractx.Skill = (*RememberNote)(nil)

func NewRememberNote(memory contractx.MemoryStore) *RememberNote {
	return &RememberNote{memory: memory}
}

func (s *RememberNote) Name() string { return NameRememberNote }

func (s *RememberNote) Description() string {
	return "Remember a fact about the user for future conversations."
}

func (s *RememberNote) Params() []contractx.ParamSpec {
	return []contractx.ParamSpec{
		{Name: "note", Description: "The fact to remember", Required: true},
	}
}

func (s *RememberNote) Run(ctx context.Context, params map[string]any, sc *contractx.SkillContext) (contractx.SkillResult, error) {
	note := stringParam(params, "note")
	if note == "" {
		return failure("note parameter is required"), nil
	}

	sender := ""
	if sc != nil && sc.Task != nil {
		sender = sc.Task.Sender
	}
	if sender == "" {
		return failure("task has no sender to attach the note to"), nil
	}

	if err := s.memory.WriteSummary(ctx, sender, note); err != nil {
		return contractx.SkillResult{}, fmt.Errorf("write memory: %w", err)
	}
	return contractx.SkillResult{
		Success: true,
		Output:  fmt.Sprintf("Noted: %s", note),
	}, nil
}
