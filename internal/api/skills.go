package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/agentforge-io/agentforge/internal/orchestrator"
	"github.com/agentforge-io/agentforge/internal/repositories"
)

// SkillHandler serves the read-only /skills resource.
type SkillHandler struct {
	service *orchestrator.Service
	logger  *zap.Logger
}

// NewSkillHandler creates a SkillHandler.
func NewSkillHandler(service *orchestrator.Service, logger *zap.Logger) *SkillHandler {
	return &SkillHandler{service: service, logger: logger.Named("api.skills")}
}

// List handles GET /skills with an optional task_type filter.
func (h *SkillHandler) List(w http.ResponseWriter, r *http.Request) {
	descriptors := h.service.ListSkills(r.URL.Query().Get("task_type"))
	Ok(w, map[string]any{"skills": descriptors})
}

// Get handles GET /skills/{code}, returning the descriptor, a sample
// execution plan and the plan JSON schema.
func (h *SkillHandler) Get(w http.ResponseWriter, r *http.Request) {
	detail, err := h.service.GetSkill(chi.URLParam(r, "code"))
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			ErrNotFound(w)
			return
		}
		h.logger.Error("skill lookup failed", zap.Error(err))
		ErrInternal(w)
		return
	}
	Ok(w, map[string]any{
		"skill":       detail.Descriptor,
		"sample_plan": detail.SamplePlan,
		"plan_schema": detail.PlanSchema,
	})
}
