package skill

import (
	"context"
	"fmt"
	"strings"

	contractx "github.com/stewardhq/steward/assistant/contract"
)

const NameCreateReminder = "create_reminder"

// ReminderSaver is the slice of the store this skill needs.
type ReminderSaver interface {
	SaveReminder(ctx context.Context, taskID, text, when string) (string, error)
}

// CreateReminder persists a reminder row. The "when" parameter is kept
// as the user phrased it; date parsing lives with the delivery side.
type CreateReminder struct {
	saver ReminderSaver
}

var _ contractx.Skill = (*CreateReminder)(nil)

func NewCreateReminder(saver ReminderSaver) *CreateReminder {
	return &CreateReminder{saver: saver}
}

func (s *CreateReminder) Name() string { return NameCreateReminder }

func (s *CreateReminder) Description() string {
	return "Create a reminder for the user. Stores the reminder text and when it should fire."
}

func (s *CreateReminder) Params() []contractx.ParamSpec {
	return []contractx.ParamSpec{
		{Name: "text", Description: "What to remind the user about", Required: true},
		{Name: "when", Description: "When the reminder should fire, as the user phrased it"},
	}
}

func (s *CreateReminder) Run(ctx context.Context, params map[string]any, sc *contractx.SkillContext) (contractx.SkillResult, error) {
	text := stringParam(params, "text")
	if text == "" {
		return failure("text parameter is required"), nil
	}
	when := stringParam(params, "when")

	taskID := ""
	if sc != nil && sc.Task != nil {
		taskID = sc.Task.ID
	}

	id, err := s.saver.SaveReminder(ctx, taskID, text, when)
	if err != nil {
		return contractx.SkillResult{}, fmt.Errorf("save reminder: %w", err)
	}

	out := fmt.Sprintf("Reminder set: %s", text)
	if when != "" {
		out = fmt.Sprintf("Reminder set: %s (%s)", text, when)
	}
	return contractx.SkillResult{
		Success: true,
		Output:  out,
		Data:    map[string]any{"reminder_id": id},
	}, nil
}

func stringParam(params map[string]any, key string) string {
	if params == nil {
		return ""
	}
	val, ok := params[key]
	if !ok {
		return ""
	}
	str, ok := val.(string)
	if !ok {
		return strings.TrimSpace(fmt.Sprint(val))
	}
	return strings.TrimSpace(str)
}

func failure(reason string) contractx.SkillResult {
	return contractx.SkillResult{Success: false, Output: reason}
}
