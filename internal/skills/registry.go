package skills

import (
	"fmt"
	"strings"
)

// Registry holds the registered skills, resolvable by code or alias.
// Registration happens once at startup; lookups are read-only afterwards.
type Registry struct {
	order   []Skill
	byCode  map[string]Skill
	byAlias map[string]Skill
}

// NewRegistry returns a Registry preloaded with the built-in skills.
func NewRegistry() *Registry {
	r := &Registry{
		byCode:  make(map[string]Skill),
		byAlias: make(map[string]Skill),
	}
	r.Register(GeneralSkill{})
	r.Register(DataAnalysisSkill{})
	r.Register(PptSkill{})
	return r
}

// Register adds a skill. A duplicate code replaces the earlier entry.
func (r *Registry) Register(skill Skill) {
	desc := skill.Descriptor()
	if _, exists := r.byCode[desc.Code]; !exists {
		r.order = append(r.order, skill)
	}
	r.byCode[desc.Code] = skill
	for _, alias := range desc.Aliases {
		r.byAlias[strings.ToLower(alias)] = skill
	}
}

// Get resolves a skill by code or alias.
func (r *Registry) Get(code string) (Skill, error) {
	key := strings.ToLower(strings.TrimSpace(code))
	if skill, ok := r.byCode[key]; ok {
		return skill, nil
	}
	if skill, ok := r.byAlias[key]; ok {
		return skill, nil
	}
	return nil, fmt.Errorf("skills: unknown skill code: %s", code)
}

// All returns the skills in registration order.
func (r *Registry) All() []Skill {
	out := make([]Skill, len(r.order))
	copy(out, r.order)
	return out
}

// Descriptors returns every skill descriptor, optionally filtered by task
// type.
func (r *Registry) Descriptors(taskType string) []Descriptor {
	var out []Descriptor
	for _, skill := range r.order {
		desc := skill.Descriptor()
		if taskType != "" && desc.TaskType != taskType {
			continue
		}
		out = append(out, desc)
	}
	return out
}
