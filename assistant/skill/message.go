package skill

import (
	"context"
	"fmt"

	contractx "github.com/stewardhq/steward/assistant/contract"
)

const NameSendMessage = "send_message"

// SendMessage delivers text back over the task's source channel,
// typically as the last step of a chain.
type SendMessage struct {
	sender contractx.Sender
}

var _ contractx.Skill = (*SendMessage)(nil)

func NewSendMessage(sender contractx.Sender) *SendMessage {
	return &SendMessage{sender: sender}
}

func (s *SendMessage) Name() string { return NameSendMessage }

func (s *SendMessage) Description() string {
	return "Send a message to the user over their messaging channel. Use $output.<skill> to forward an earlier step's output."
}

func (s *SendMessage) Params() []contractx.ParamSpec {
	return []contractx.ParamSpec{
		{Name: "text", Description: "Message text to send", Required: true},
	}
}

func (s *SendMessage) Run(ctx context.Context, params map[string]any, sc *contractx.SkillContext) (contractx.SkillResult, error) {
	text := stringParam(params, "text")
	if text == "" {
		return failure("text parameter is required"), nil
	}

	destination := ""
	if sc != nil && sc.Task != nil {
		destination = sc.Task.Sender
	}
	if destination == "" {
		return failure("task has no sender to reply to"), nil
	}

	if err := s.sender.Send(ctx, contractx.OutboundEvent{
		Destination: destination,
		Text:        text,
	}); err != nil {
		return contractx.SkillResult{}, fmt.Errorf("send message: %w", err)
	}
	return contractx.SkillResult{
		Success: true,
		Output:  fmt.Sprintf("Sent message to %s", destination),
	}, nil
}
