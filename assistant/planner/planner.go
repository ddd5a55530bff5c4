package planner

import (
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"

	contractx "github.com/stewardhq/steward/assistant/contract"
	skillx "github.com/stewardhq/steward/assistant/skill"
)

//go:embed template/planner.txt
var systemPromptRaw string

// InferenceClient is the slice of pkg/inference the planner needs.
type InferenceClient interface {
	Generate(ctx context.Context, modelName, systemPrompt, userPrompt string) (string, error)
	CapableModel() string
}

// Planner asks the capable model for a skill chain and defensively
// extracts a structured plan from whatever comes back. It executes
// nothing; it only produces data.
type Planner struct {
	llm      InferenceClient
	registry *skillx.Registry
	memory   contractx.MemoryStore
}

var _ contractx.Planner = (*Planner)(nil)

func New(llm InferenceClient, registry *skillx.Registry, memory contractx.MemoryStore) *Planner {
	return &Planner{
		llm:      llm,
		registry: registry,
		memory:   memory,
	}
}

func (p *Planner) Plan(ctx context.Context, task *contractx.Task) (*contractx.Plan, error) {
	if task == nil || strings.TrimSpace(task.Text) == "" {
		return nil, fmt.Errorf("%w: task text is required", contractx.ErrValidation)
	}

	memorySummary := ""
	if p.memory != nil && task.Sender != "" {
		summary, err := p.memory.ReadSummary(ctx, task.Sender)
		if err != nil {
			// Memory is advisory; plan without it rather than stall.
			log.Warn().Err(err).Str("task_id", task.ID).Msg("planner: memory read failed")
		} else {
			memorySummary = summary
		}
	}

	raw, err := p.llm.Generate(ctx, p.llm.CapableModel(), systemPrompt(), p.userPrompt(task, memorySummary))
	if err != nil {
		return nil, fmt.Errorf("%w: planner inference: %v", contractx.ErrTransientInfra, err)
	}

	plan, err := extractPlan(raw)
	if err != nil {
		return nil, err
	}
	if err := p.validate(plan); err != nil {
		return nil, err
	}
	return plan, nil
}

func systemPrompt() string {
	return strings.TrimSpace(systemPromptRaw)
}

func (p *Planner) userPrompt(task *contractx.Task, memorySummary string) string {
	var sb strings.Builder
	sb.WriteString("AVAILABLE SKILLS:\n")
	sb.WriteString(p.registry.Catalog())
	if memorySummary != "" {
		sb.WriteString("\nKNOWN ABOUT THE USER:\n")
		sb.WriteString(memorySummary)
		sb.WriteString("\n")
	}
	sb.WriteString("\nREQUEST:\n")
	sb.WriteString(task.Text)
	return sb.String()
}

// planEnvelope mirrors the JSON contract the prompt asks for.
type planEnvelope struct {
	Steps  []planStep `json:"steps"`
	Answer string     `json:"answer"`
}

type planStep struct {
	Skill  string         `json:"skill"`
	Params map[string]any `json:"params"`
}

// extractPlan locates the first decodable JSON block in the model
// output. The backend gives no format guarantees: the plan may be
// fenced, surrounded by prose, or missing entirely.
func extractPlan(raw string) (*contractx.Plan, error) {
	candidates := jsonCandidates(raw)
	for _, candidate := range candidates {
		if plan, ok := decodePlan(candidate); ok {
			return plan, nil
		}
	}
	return nil, fmt.Errorf("%w: no JSON plan found in model output", contractx.ErrPlanParse)
}

// jsonCandidates returns substrings worth attempting to decode, fenced
// blocks first, then every top-level '{' or '[' onward.
func jsonCandidates(raw string) []string {
	var out []string
	rest := raw
	for {
		start := strings.Index(rest, "```")
		if start < 0 {
			break
		}
		block := rest[start+3:]
		if nl := strings.IndexByte(block, '\n'); nl >= 0 {
			block = block[nl+1:]
		}
		end := strings.Index(block, "```")
		if end < 0 {
			break
		}
		out = append(out, strings.TrimSpace(block[:end]))
		rest = block[end+3:]
	}
	for i := 0; i < len(raw); i++ {
		if raw[i] == '{' || raw[i] == '[' {
			out = append(out, raw[i:])
		}
	}
	return out
}

func decodePlan(candidate string) (*contractx.Plan, bool) {
	candidate = strings.TrimSpace(candidate)
	if candidate == "" {
		return nil, false
	}

	dec := json.NewDecoder(strings.NewReader(candidate))
	switch candidate[0] {
	case '{':
		// An arbitrary JSON object (a refusal, an error payload, a
		// wrapper) must not decode into a silent empty plan; only
		// objects that actually carry the contract keys count.
		var fields map[string]json.RawMessage
		if err := dec.Decode(&fields); err != nil {
			return nil, false
		}
		rawSteps, hasSteps := fields["steps"]
		rawAnswer, hasAnswer := fields["answer"]
		if !hasSteps && !hasAnswer {
			return nil, false
		}
		var env planEnvelope
		if hasSteps {
			if err := json.Unmarshal(rawSteps, &env.Steps); err != nil {
				return nil, false
			}
		}
		if hasAnswer {
			if err := json.Unmarshal(rawAnswer, &env.Answer); err != nil {
				return nil, false
			}
		}
		return toPlan(env), true
	case '[':
		// Bare step arrays are accepted too.
		var steps []planStep
		if err := dec.Decode(&steps); err != nil {
			return nil, false
		}
		return toPlan(planEnvelope{Steps: steps}), true
	default:
		return nil, false
	}
}

func toPlan(env planEnvelope) *contractx.Plan {
	plan := &contractx.Plan{Answer: strings.TrimSpace(env.Answer)}
	for i, st := range env.Steps {
		plan.Steps = append(plan.Steps, contractx.SkillInvocation{
			Skill:  strings.TrimSpace(st.Skill),
			Params: st.Params,
			Index:  i,
		})
	}
	return plan
}

// validate enforces the structural plan contract: non-empty skill
// names, required parameters present, and output references that only
// point backwards. Skill existence is checked by the executor against
// the registry before anything runs.
func (p *Planner) validate(plan *contractx.Plan) error {
	seen := make(map[string]struct{}, len(plan.Steps))
	for _, step := range plan.Steps {
		if step.Skill == "" {
			return fmt.Errorf("%w: step %d has empty skill name", contractx.ErrPlanParse, step.Index)
		}
		for key, val := range step.Params {
			ref, ok := outputRef(val)
			if !ok {
				continue
			}
			if _, earlier := seen[ref]; !earlier {
				return fmt.Errorf("%w: step %d param %q references output of %q before it runs",
					contractx.ErrPlanParse, step.Index, key, ref)
			}
		}
		if sk, ok := p.registry.Lookup(step.Skill); ok {
			for _, spec := range sk.Params() {
				if !spec.Required {
					continue
				}
				if _, present := step.Params[spec.Name]; !present {
					return fmt.Errorf("%w: step %d (%s) is missing required param %q",
						contractx.ErrPlanParse, step.Index, step.Skill, spec.Name)
				}
			}
		}
		seen[step.Skill] = struct{}{}
	}
	return nil
}

func outputRef(val any) (string, bool) {
	str, ok := val.(string)
	if !ok {
		return "", false
	}
	if !strings.HasPrefix(str, contractx.OutputRefPrefix) {
		return "", false
	}
	name := strings.TrimPrefix(str, contractx.OutputRefPrefix)
	if name == "" || strings.ContainsAny(name, " \t\n") {
		return "", false
	}
	return name, true
}
