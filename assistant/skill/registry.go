package skill

import (
	"fmt"
	"sort"
	"strings"

	contractx "github.com/stewardhq/steward/assistant/contract"
)

// Registry maps skill names to implementations. It is resolved at
// startup and never mutated afterwards.
type Registry struct {
	skills map[string]contractx.Skill
}

func NewRegistry(skills ...contractx.Skill) (*Registry, error) {
	reg := &Registry{skills: make(map[string]contractx.Skill, len(skills))}
	for _, sk := range skills {
		if err := reg.register(sk); err != nil {
			return nil, err
		}
	}
	return reg, nil
}

func (r *Registry) register(sk contractx.Skill) error {
	if sk == nil {
		return fmt.Errorf("%w: nil skill", contractx.ErrValidation)
	}
	name := strings.TrimSpace(sk.Name())
	if name == "" {
		return fmt.Errorf("%w: skill name is empty", contractx.ErrValidation)
	}
	if _, exists := r.skills[name]; exists {
		return fmt.Errorf("%w: duplicate skill %q", contractx.ErrValidation, name)
	}
	r.skills[name] = sk
	return nil
}

func (r *Registry) Lookup(name string) (contractx.Skill, bool) {
	sk, ok := r.skills[name]
	return sk, ok
}

func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.skills))
	for name := range r.skills {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Catalog renders the registry as prompt material for the planner: one
// block per skill with its description and parameters.
func (r *Registry) Catalog() string {
	var sb strings.Builder
	for _, name := range r.Names() {
		sk := r.skills[name]
		sb.WriteString("- ")
		sb.WriteString(name)
		sb.WriteString(": ")
		sb.WriteString(sk.Description())
		sb.WriteString("\n")
		for _, p := range sk.Params() {
			sb.WriteString("    ")
			sb.WriteString(p.Name)
			if p.Required {
				sb.WriteString(" (required)")
			}
			sb.WriteString(": ")
			sb.WriteString(p.Description)
			sb.WriteString("\n")
		}
	}
	return sb.String()
}
