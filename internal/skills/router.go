package skills

// FallbackInfo explains a low-confidence routing decision, recorded as a
// skill.router.fallback event.
type FallbackInfo struct {
	BestCandidate string  `json:"best_candidate"`
	BestScore     float64 `json:"best_score"`
	Threshold     float64 `json:"threshold"`
	Selected      string  `json:"selected"`
}

// Router picks the skill that runs a job. An explicit code wins outright;
// otherwise the highest-scoring specialized skill is taken, and the default
// skill steps in below the confidence threshold.
type Router struct {
	registry  *Registry
	threshold float64
}

// NewRouter builds a Router over registry with the given fallback
// threshold.
func NewRouter(registry *Registry, threshold float64) *Router {
	return &Router{registry: registry, threshold: threshold}
}

// Select resolves the skill for a job. When skillCode is set, resolution is
// by code or alias and an unknown code is an error. Otherwise every skill
// except the default is scored and the argmax wins; a top score below the
// threshold falls back to the default and returns a non-nil FallbackInfo.
func (r *Router) Select(requirement string, files []string, skillCode string) (Skill, *FallbackInfo, error) {
	if skillCode != "" {
		skill, err := r.registry.Get(skillCode)
		if err != nil {
			return nil, nil, err
		}
		return skill, nil, nil
	}

	var bestSkill Skill
	bestScore := -1.0
	for _, skill := range r.registry.All() {
		if skill.Descriptor().Code == GeneralDefaultCode {
			continue
		}
		if score := skill.Score(requirement, files); score > bestScore {
			bestScore = score
			bestSkill = skill
		}
	}

	fallback, err := r.registry.Get(GeneralDefaultCode)
	if err != nil {
		return nil, nil, err
	}
	if bestSkill == nil {
		return fallback, &FallbackInfo{
			Threshold: r.threshold,
			Selected:  GeneralDefaultCode,
		}, nil
	}
	if bestScore < r.threshold {
		return fallback, &FallbackInfo{
			BestCandidate: bestSkill.Descriptor().Code,
			BestScore:     bestScore,
			Threshold:     r.threshold,
			Selected:      GeneralDefaultCode,
		}, nil
	}
	return bestSkill, nil, nil
}
