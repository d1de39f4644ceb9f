package api

import (
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"path/filepath"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/agentforge-io/agentforge/internal/agent"
	"github.com/agentforge-io/agentforge/internal/db"
	"github.com/agentforge-io/agentforge/internal/orchestrator"
	"github.com/agentforge-io/agentforge/internal/repositories"
)

// JobHandler serves the /jobs resource.
type JobHandler struct {
	service *orchestrator.Service
	logger  *zap.Logger

	maxUploadBytes   int64
	defaultTenantID  string
	defaultCreatedBy string
}

// NewJobHandler creates a JobHandler.
func NewJobHandler(service *orchestrator.Service, maxUploadBytes int64, tenantID, createdBy string, logger *zap.Logger) *JobHandler {
	return &JobHandler{
		service:          service,
		logger:           logger.Named("api.jobs"),
		maxUploadBytes:   maxUploadBytes,
		defaultTenantID:  tenantID,
		defaultCreatedBy: createdBy,
	}
}

// jobResponse is the public projection of a job.
type jobResponse struct {
	JobID          string          `json:"job_id"`
	TenantID       string          `json:"tenant_id"`
	Status         string          `json:"status"`
	SelectedSkill  string          `json:"selected_skill"`
	Agent          string          `json:"agent"`
	Model          *agent.Model    `json:"model"`
	Requirement    string          `json:"requirement"`
	OutputContract json.RawMessage `json:"output_contract,omitempty"`
	SessionID      string          `json:"session_id,omitempty"`
	ErrorCode      string          `json:"error_code,omitempty"`
	ErrorMessage   string          `json:"error_message,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

func toJobResponse(job *db.Job) jobResponse {
	resp := jobResponse{
		JobID:         job.ID.String(),
		TenantID:      job.TenantID,
		Status:        job.Status,
		SelectedSkill: job.SelectedSkill,
		Agent:         job.Agent,
		Requirement:   job.Requirement,
		SessionID:     job.SessionID,
		ErrorCode:     job.ErrorCode,
		ErrorMessage:  job.ErrorMessage,
		CreatedAt:     job.CreatedAt,
		UpdatedAt:     job.UpdatedAt,
	}
	if job.ModelJSON != "" {
		var model agent.Model
		if err := json.Unmarshal([]byte(job.ModelJSON), &model); err == nil {
			resp.Model = &model
		}
	}
	if job.OutputContract != "" {
		resp.OutputContract = json.RawMessage(job.OutputContract)
	}
	return resp
}

// Create handles POST /jobs: a multipart form with the requirement text, at
// least one file, and the optional skill, agent, model and idempotency
// fields.
func (h *JobHandler) Create(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxUploadBytes*4)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		ErrBadRequest(w, "invalid multipart form: "+err.Error())
		return
	}
	defer func() {
		if r.MultipartForm != nil {
			_ = r.MultipartForm.RemoveAll()
		}
	}()

	input := orchestrator.CreateJobInput{
		TenantID:       h.defaultTenantID,
		CreatedBy:      h.defaultCreatedBy,
		Requirement:    r.FormValue("requirement"),
		SkillCode:      r.FormValue("skill_code"),
		Agent:          r.FormValue("agent"),
		IdempotencyKey: r.FormValue("idempotency_key"),
	}

	providerID := r.FormValue("model_provider_id")
	modelID := r.FormValue("model_id")
	if (providerID == "") != (modelID == "") {
		ErrBadRequest(w, "model_provider_id and model_id must be supplied together")
		return
	}
	if providerID != "" {
		input.Model = &agent.Model{ProviderID: providerID, ModelID: modelID}
	}

	if contractText := r.FormValue("output_contract"); contractText != "" {
		var contract map[string]any
		if err := json.Unmarshal([]byte(contractText), &contract); err != nil {
			ErrBadRequest(w, "output_contract must be a JSON object")
			return
		}
		input.OutputContract = contract
	}

	files := r.MultipartForm.File["files"]
	if len(files) == 0 {
		ErrBadRequest(w, "at least one file is required")
		return
	}
	for _, header := range files {
		upload, err := h.readUpload(header)
		if err != nil {
			ErrBadRequest(w, err.Error())
			return
		}
		input.Files = append(input.Files, upload)
	}

	result, err := h.service.CreateJob(r.Context(), input)
	if err != nil {
		if errors.Is(err, orchestrator.ErrInvalidInput) {
			ErrBadRequest(w, err.Error())
			return
		}
		h.logger.Error("create job failed", zap.Error(err))
		ErrInternal(w)
		return
	}

	payload := map[string]any{
		"job_id":         result.JobID.String(),
		"status":         result.Status,
		"selected_skill": result.SelectedSkill,
	}
	if result.Reused {
		// Idempotent replay returns the original job, not an error.
		Ok(w, payload)
		return
	}
	Created(w, payload)
}

func (h *JobHandler) readUpload(header *multipart.FileHeader) (orchestrator.Upload, error) {
	if header.Size > h.maxUploadBytes {
		return orchestrator.Upload{}, errors.New("file exceeds the upload size limit: " + header.Filename)
	}
	f, err := header.Open()
	if err != nil {
		return orchestrator.Upload{}, errors.New("unreadable upload: " + header.Filename)
	}
	defer f.Close()
	content, err := io.ReadAll(io.LimitReader(f, h.maxUploadBytes+1))
	if err != nil {
		return orchestrator.Upload{}, errors.New("unreadable upload: " + header.Filename)
	}
	if int64(len(content)) > h.maxUploadBytes {
		return orchestrator.Upload{}, errors.New("file exceeds the upload size limit: " + header.Filename)
	}
	return orchestrator.Upload{
		Name:     filepath.Base(header.Filename),
		MimeType: header.Header.Get("Content-Type"),
		Content:  content,
	}, nil
}

// Start handles POST /jobs/{id}/start.
func (h *JobHandler) Start(w http.ResponseWriter, r *http.Request) {
	jobID, ok := parseJobID(w, r)
	if !ok {
		return
	}
	job, err := h.service.StartJob(r.Context(), jobID)
	switch {
	case err == nil:
		Ok(w, map[string]any{"job_id": job.ID.String(), "status": job.Status})
	case errors.Is(err, repositories.ErrNotFound):
		ErrNotFound(w)
	case errors.Is(err, orchestrator.ErrAgentUnavailable):
		ErrServiceUnavailable(w, "agent server is unavailable")
	case errors.Is(err, orchestrator.ErrIllegalState):
		ErrConflict(w, "job cannot start from status "+job.Status)
	default:
		h.logger.Error("start job failed", zap.String("job_id", jobID.String()), zap.Error(err))
		ErrInternal(w)
	}
}

// Get handles GET /jobs/{id}.
func (h *JobHandler) Get(w http.ResponseWriter, r *http.Request) {
	jobID, ok := parseJobID(w, r)
	if !ok {
		return
	}
	job, err := h.service.GetJob(r.Context(), jobID)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			ErrNotFound(w)
			return
		}
		h.logger.Error("get job failed", zap.String("job_id", jobID.String()), zap.Error(err))
		ErrInternal(w)
		return
	}
	Ok(w, toJobResponse(job))
}

// List handles GET /jobs with limit/offset pagination.
func (h *JobHandler) List(w http.ResponseWriter, r *http.Request) {
	opts := repositories.ListOptions{Limit: 50}
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 200 {
			opts.Limit = n
		}
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			opts.Offset = n
		}
	}

	jobs, total, err := h.service.ListJobs(r.Context(), opts)
	if err != nil {
		h.logger.Error("list jobs failed", zap.Error(err))
		ErrInternal(w)
		return
	}
	items := make([]jobResponse, 0, len(jobs))
	for i := range jobs {
		items = append(items, toJobResponse(&jobs[i]))
	}
	Ok(w, map[string]any{"jobs": items, "total": total})
}

// Abort handles POST /jobs/{id}/abort.
func (h *JobHandler) Abort(w http.ResponseWriter, r *http.Request) {
	jobID, ok := parseJobID(w, r)
	if !ok {
		return
	}
	job, err := h.service.AbortJob(r.Context(), jobID)
	switch {
	case err == nil:
		Ok(w, toJobResponse(job))
	case errors.Is(err, repositories.ErrNotFound):
		ErrNotFound(w)
	case errors.Is(err, orchestrator.ErrJobTerminal):
		ErrBadRequest(w, "job already finished")
	default:
		h.logger.Error("abort job failed", zap.String("job_id", jobID.String()), zap.Error(err))
		ErrInternal(w)
	}
}

// artifactResponse is the public projection of one artifact.
type artifactResponse struct {
	ArtifactID   string `json:"artifact_id"`
	Category     string `json:"category"`
	RelativePath string `json:"relative_path"`
	MimeType     string `json:"mime_type,omitempty"`
	SizeBytes    int64  `json:"size_bytes"`
	SHA256       string `json:"sha256"`
}

// Artifacts handles GET /jobs/{id}/artifacts.
func (h *JobHandler) Artifacts(w http.ResponseWriter, r *http.Request) {
	jobID, ok := parseJobID(w, r)
	if !ok {
		return
	}
	files, bundleReady, err := h.service.ListArtifacts(r.Context(), jobID)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			ErrNotFound(w)
			return
		}
		h.logger.Error("list artifacts failed", zap.String("job_id", jobID.String()), zap.Error(err))
		ErrInternal(w)
		return
	}
	artifacts := make([]artifactResponse, 0, len(files))
	for _, file := range files {
		artifacts = append(artifacts, artifactResponse{
			ArtifactID:   file.ID.String(),
			Category:     file.Category,
			RelativePath: file.RelativePath,
			MimeType:     file.MimeType,
			SizeBytes:    file.SizeBytes,
			SHA256:       file.SHA256,
		})
	}
	Ok(w, map[string]any{
		"job_id":       jobID.String(),
		"artifacts":    artifacts,
		"bundle_ready": bundleReady,
	})
}

// Download handles GET /jobs/{id}/download, streaming result.zip.
func (h *JobHandler) Download(w http.ResponseWriter, r *http.Request) {
	jobID, ok := parseJobID(w, r)
	if !ok {
		return
	}
	path, err := h.service.BundlePath(r.Context(), jobID)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			ErrNotFound(w)
			return
		}
		h.logger.Error("bundle lookup failed", zap.String("job_id", jobID.String()), zap.Error(err))
		ErrInternal(w)
		return
	}
	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", `attachment; filename="result.zip"`)
	http.ServeFile(w, r, path)
}

// DownloadArtifact handles GET /jobs/{id}/artifacts/{artifact_id}/download.
// Artifacts outside the output and bundle categories answer 404.
func (h *JobHandler) DownloadArtifact(w http.ResponseWriter, r *http.Request) {
	jobID, ok := parseJobID(w, r)
	if !ok {
		return
	}
	artifactID, err := uuid.Parse(chi.URLParam(r, "artifact_id"))
	if err != nil {
		ErrNotFound(w)
		return
	}
	path, file, err := h.service.ArtifactPath(r.Context(), jobID, artifactID)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			ErrNotFound(w)
			return
		}
		h.logger.Error("artifact lookup failed", zap.String("job_id", jobID.String()), zap.Error(err))
		ErrInternal(w)
		return
	}
	if file.MimeType != "" {
		w.Header().Set("Content-Type", file.MimeType)
	}
	w.Header().Set("Content-Disposition", `attachment; filename="`+filepath.Base(file.RelativePath)+`"`)
	http.ServeFile(w, r, path)
}

func parseJobID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	jobID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		ErrNotFound(w)
		return uuid.UUID{}, false
	}
	return jobID, true
}
