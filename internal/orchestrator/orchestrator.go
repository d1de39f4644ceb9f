// Package orchestrator exposes the public job operations: create, start,
// query, abort, artifacts. It owns idempotency and the guardrails around
// the state machine; execution itself happens in the worker pipeline.
package orchestrator

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/agentforge-io/agentforge/internal/agent"
	"github.com/agentforge-io/agentforge/internal/db"
	"github.com/agentforge-io/agentforge/internal/repositories"
	"github.com/agentforge-io/agentforge/internal/skills"
	"github.com/agentforge-io/agentforge/internal/workspace"
)

// Sentinel errors the API layer maps to HTTP statuses.
var (
	ErrInvalidInput     = errors.New("orchestrator: invalid input")
	ErrAgentUnavailable = errors.New("orchestrator: agent unavailable")
	ErrIllegalState     = errors.New("orchestrator: job state does not allow this operation")
	ErrJobTerminal      = errors.New("orchestrator: job already finished")
)

// Enqueuer hands a queued job to the worker pool. Implemented by the queue
// package.
type Enqueuer interface {
	Enqueue(jobID uuid.UUID) error
}

// HealthProber is the slice of the agent client StartJob depends on.
type HealthProber interface {
	Health(ctx context.Context) (agent.Health, error)
	AbortSession(ctx context.Context, directory, sessionID string) error
}

// Upload is one file submitted with CreateJob, already read into memory by
// the multipart parser.
type Upload struct {
	Name     string
	MimeType string
	Content  []byte
}

// CreateJobInput is the validated request for CreateJob.
type CreateJobInput struct {
	TenantID       string
	CreatedBy      string
	Requirement    string
	SkillCode      string
	Agent          string
	Model          *agent.Model
	OutputContract map[string]any
	IdempotencyKey string
	Files          []Upload
}

// CreateJobResult is the public outcome of CreateJob. Reused is true when
// the idempotency key resolved to an earlier job.
type CreateJobResult struct {
	JobID         uuid.UUID
	Status        string
	SelectedSkill string
	Reused        bool
}

// Service implements the orchestrator operations over the store, the
// workspace manager and the skill router.
type Service struct {
	store      repositories.JobStore
	workspaces *workspace.Manager
	registry   *skills.Registry
	router     *skills.Router
	agent      HealthProber
	queue      Enqueuer
	logger     *zap.Logger

	defaultAgent string
	healthWait   time.Duration
}

// New builds the orchestrator Service. defaultAgent names the agent used
// when the request does not pick one.
func New(
	store repositories.JobStore,
	workspaces *workspace.Manager,
	registry *skills.Registry,
	router *skills.Router,
	agentClient HealthProber,
	queue Enqueuer,
	defaultAgent string,
	logger *zap.Logger,
) *Service {
	return &Service{
		store:        store,
		workspaces:   workspaces,
		registry:     registry,
		router:       router,
		agent:        agentClient,
		queue:        queue,
		logger:       logger.Named("orchestrator"),
		defaultAgent: defaultAgent,
		healthWait:   5 * time.Second,
	}
}

// RequirementHash folds the trimmed requirement text and every file's name
// and content digest, in submission order, into one hex digest. Identical
// submissions hash identically; reordering files changes the hash.
func RequirementHash(requirement string, files []Upload) string {
	h := sha256.New()
	io.WriteString(h, strings.TrimSpace(requirement))
	for _, file := range files {
		io.WriteString(h, "\n")
		io.WriteString(h, file.Name)
		io.WriteString(h, "\n")
		io.WriteString(h, workspace.SHA256Bytes(file.Content))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// CreateJob validates the request, claims the idempotency key, materializes
// the workspace, routes the skill and inserts the job in created.
func (s *Service) CreateJob(ctx context.Context, input CreateJobInput) (*CreateJobResult, error) {
	if strings.TrimSpace(input.Requirement) == "" {
		return nil, fmt.Errorf("%w: requirement must not be blank", ErrInvalidInput)
	}
	if len(input.Files) == 0 {
		return nil, fmt.Errorf("%w: at least one input file is required", ErrInvalidInput)
	}
	if input.Agent == "" {
		input.Agent = s.defaultAgent
	}

	jobID, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("orchestrator: generate job id: %w", err)
	}

	// The idempotency claim runs before any side effect so a replayed
	// request never materializes a second workspace. A create that fails
	// after claiming releases the claim again, otherwise the key would
	// stay mapped to a job row that was never inserted.
	if input.IdempotencyKey != "" {
		hash := RequirementHash(input.Requirement, input.Files)
		owner, err := s.store.ClaimIdempotency(ctx, input.TenantID, input.IdempotencyKey, hash, jobID)
		if err != nil {
			return nil, err
		}
		if owner != jobID {
			existing, err := s.store.GetJob(ctx, owner)
			if err != nil {
				return nil, err
			}
			return &CreateJobResult{
				JobID:         existing.ID,
				Status:        existing.Status,
				SelectedSkill: existing.SelectedSkill,
				Reused:        true,
			}, nil
		}
	}

	workspaceDir, err := s.workspaces.Create(jobID.String())
	if err != nil {
		s.releaseClaim(ctx, input, jobID)
		return nil, err
	}
	result, err := s.createInWorkspace(ctx, jobID, workspaceDir, input)
	if err != nil {
		if cleanupErr := s.workspaces.Remove(jobID.String()); cleanupErr != nil {
			s.logger.Warn("workspace cleanup failed", zap.String("job_id", jobID.String()), zap.Error(cleanupErr))
		}
		s.releaseClaim(ctx, input, jobID)
		return nil, err
	}
	return result, nil
}

// releaseClaim undoes a fresh idempotency claim after a failed create so an
// identical retry can claim the triple again.
func (s *Service) releaseClaim(ctx context.Context, input CreateJobInput, jobID uuid.UUID) {
	if input.IdempotencyKey == "" {
		return
	}
	if err := s.store.ReleaseIdempotency(ctx, input.TenantID, input.IdempotencyKey, jobID); err != nil {
		s.logger.Warn("idempotency release failed", zap.String("job_id", jobID.String()), zap.Error(err))
	}
}

func (s *Service) createInWorkspace(ctx context.Context, jobID uuid.UUID, workspaceDir string, input CreateJobInput) (*CreateJobResult, error) {
	stored := make([]workspace.StoredFile, 0, len(input.Files))
	names := make([]string, 0, len(input.Files))
	for _, upload := range input.Files {
		file, err := s.workspaces.StoreInput(workspaceDir, upload.Name, upload.Content, upload.MimeType)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
		}
		stored = append(stored, file)
		names = append(names, filepath.Base(file.RelativePath))
	}
	if err := s.workspaces.WriteRequest(workspaceDir, input.Requirement); err != nil {
		return nil, err
	}

	skill, fallback, err := s.router.Select(input.Requirement, names, input.SkillCode)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	skillCode := skill.Descriptor().Code

	plan := skill.BuildExecutionPlan(skills.Context{
		JobID:          jobID.String(),
		TenantID:       input.TenantID,
		Requirement:    input.Requirement,
		WorkspaceDir:   workspaceDir,
		InputFiles:     names,
		SelectedSkill:  skillCode,
		OutputContract: input.OutputContract,
	})
	if err := s.workspaces.WriteExecutionPlan(workspaceDir, plan); err != nil {
		return nil, err
	}

	job := &db.Job{
		TenantID:      input.TenantID,
		CreatedBy:     input.CreatedBy,
		Requirement:   input.Requirement,
		SelectedSkill: skillCode,
		Agent:         input.Agent,
		Status:        db.StatusCreated,
		WorkspaceDir:  workspaceDir,
	}
	job.ID = jobID
	if input.Model != nil {
		modelJSON, err := json.Marshal(input.Model)
		if err != nil {
			return nil, fmt.Errorf("%w: model: %v", ErrInvalidInput, err)
		}
		job.ModelJSON = string(modelJSON)
	}
	if input.OutputContract != nil {
		contractJSON, err := json.Marshal(input.OutputContract)
		if err != nil {
			return nil, fmt.Errorf("%w: output_contract: %v", ErrInvalidInput, err)
		}
		job.OutputContract = string(contractJSON)
	}
	if err := s.store.CreateJob(ctx, job); err != nil {
		return nil, err
	}

	for _, file := range stored {
		record := &db.JobFile{
			JobID:        jobID,
			Category:     db.FileCategoryInput,
			RelativePath: file.RelativePath,
			MimeType:     file.MimeType,
			SizeBytes:    file.SizeBytes,
			SHA256:       file.SHA256,
		}
		if err := s.store.UpsertFile(ctx, record); err != nil {
			return nil, err
		}
	}

	if fallback != nil {
		s.appendEvent(ctx, jobID, db.StatusCreated, db.EventSourceAPI, "skill.router.fallback",
			"low routing confidence, falling back to the default skill", fallback)
	}
	s.appendEvent(ctx, jobID, db.StatusCreated, db.EventSourceAPI, "job.created",
		"job created", map[string]any{"selected_skill": skillCode, "input_files": len(stored)})

	return &CreateJobResult{JobID: jobID, Status: db.StatusCreated, SelectedSkill: skillCode}, nil
}

// StartJob probes the agent, flips the job to queued and hands it to the
// worker pool. The queued row is the durable ticket: a restart re-enqueues
// every queued job it finds.
func (s *Service) StartJob(ctx context.Context, jobID uuid.UUID) (*db.Job, error) {
	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.Status != db.StatusCreated && job.Status != db.StatusFailed {
		return job, fmt.Errorf("%w: cannot start from %s", ErrIllegalState, job.Status)
	}

	probeCtx, cancel := context.WithTimeout(ctx, s.healthWait)
	defer cancel()
	if _, err := s.agent.Health(probeCtx); err != nil {
		return job, fmt.Errorf("%w: %v", ErrAgentUnavailable, err)
	}

	status, err := s.store.SetStatus(ctx, jobID, []string{db.StatusCreated, db.StatusFailed}, db.StatusQueued)
	if err != nil {
		job.Status = status
		return job, fmt.Errorf("%w: cannot start from %s", ErrIllegalState, status)
	}
	job.Status = status

	if err := s.queue.Enqueue(jobID); err != nil {
		return job, fmt.Errorf("orchestrator: enqueue: %w", err)
	}
	s.appendEvent(ctx, jobID, db.StatusQueued, db.EventSourceAPI, "job.enqueued",
		"job queued for execution", map[string]any{"lane": "default", "ticket": jobID.String()})
	return job, nil
}

// GetJob loads one job.
func (s *Service) GetJob(ctx context.Context, jobID uuid.UUID) (*db.Job, error) {
	return s.store.GetJob(ctx, jobID)
}

// ListJobs returns a page of jobs with the total count.
func (s *Service) ListJobs(ctx context.Context, opts repositories.ListOptions) ([]db.Job, int64, error) {
	return s.store.ListJobs(ctx, opts)
}

// AbortJob writes the absorbing aborted state. Succeeded jobs refuse the
// abort; replaying on an already-aborted job is a no-op returning the same
// state. On success the agent session is cancelled best-effort.
func (s *Service) AbortJob(ctx context.Context, jobID uuid.UUID) (*db.Job, error) {
	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	switch job.Status {
	case db.StatusSucceeded:
		return job, fmt.Errorf("%w: job already succeeded", ErrJobTerminal)
	case db.StatusAborted:
		return job, nil
	}

	fromSet := []string{
		db.StatusCreated, db.StatusQueued, db.StatusRunning,
		db.StatusWaitingApproval, db.StatusVerifying, db.StatusPackaging,
		db.StatusFailed,
	}
	status, err := s.store.SetStatus(ctx, jobID, fromSet, db.StatusAborted)
	if err != nil {
		if errors.Is(err, repositories.ErrAborted) {
			job.Status = db.StatusAborted
			return job, nil
		}
		if status == db.StatusSucceeded {
			job.Status = status
			return job, fmt.Errorf("%w: job already succeeded", ErrJobTerminal)
		}
		return job, err
	}
	job.Status = status
	s.appendEvent(ctx, jobID, db.StatusAborted, db.EventSourceAPI, "job.aborted", "abort requested", nil)

	if job.SessionID != "" {
		if err := s.agent.AbortSession(ctx, job.WorkspaceDir, job.SessionID); err != nil {
			s.logger.Warn("agent session abort failed",
				zap.String("job_id", jobID.String()),
				zap.String("session_id", job.SessionID),
				zap.Error(err),
			)
		}
	}
	return job, nil
}

// ListEvents returns events after the cursor, for polling and SSE fan-out.
func (s *Service) ListEvents(ctx context.Context, jobID uuid.UUID, afterID int64, limit int) ([]db.JobEvent, error) {
	if _, err := s.store.GetJob(ctx, jobID); err != nil {
		return nil, err
	}
	return s.store.ListEventsAfter(ctx, jobID, afterID, limit)
}

// ListArtifacts returns the externally visible files of a job: output and
// bundle categories only. bundleReady is true once result.zip exists and is
// indexed.
func (s *Service) ListArtifacts(ctx context.Context, jobID uuid.UUID) ([]db.JobFile, bool, error) {
	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, false, err
	}
	files, err := s.store.ListFiles(ctx, jobID, db.FileCategoryOutput, db.FileCategoryBundle)
	if err != nil {
		return nil, false, err
	}
	bundleReady := false
	if job.ResultBundlePath != "" {
		for _, file := range files {
			if file.Category == db.FileCategoryBundle {
				bundleReady = true
				break
			}
		}
	}
	return files, bundleReady, nil
}

// BundlePath resolves the absolute path of result.zip, or ErrNotFound when
// the bundle has not been built.
func (s *Service) BundlePath(ctx context.Context, jobID uuid.UUID) (string, error) {
	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return "", err
	}
	if job.ResultBundlePath == "" {
		return "", repositories.ErrNotFound
	}
	return job.ResultBundlePath, nil
}

// ArtifactPath resolves a single downloadable artifact. Files outside the
// output and bundle categories are reported as not found, never as
// forbidden, so the catalog does not leak.
func (s *Service) ArtifactPath(ctx context.Context, jobID, artifactID uuid.UUID) (string, *db.JobFile, error) {
	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return "", nil, err
	}
	file, err := s.store.GetFile(ctx, artifactID)
	if err != nil {
		return "", nil, err
	}
	if file.JobID != jobID {
		return "", nil, repositories.ErrNotFound
	}
	if file.Category != db.FileCategoryOutput && file.Category != db.FileCategoryBundle {
		return "", nil, repositories.ErrNotFound
	}
	return filepath.Join(job.WorkspaceDir, filepath.FromSlash(file.RelativePath)), file, nil
}

// ListSkills returns the registered skill descriptors, optionally filtered
// by task type.
func (s *Service) ListSkills(taskType string) []skills.Descriptor {
	return s.registry.Descriptors(taskType)
}

// SkillDetail is the full public view of one skill.
type SkillDetail struct {
	Descriptor skills.Descriptor
	SamplePlan skills.Plan
	PlanSchema any
}

// GetSkill resolves one skill by code or alias and builds its detail view
// with a sample plan and the plan JSON schema.
func (s *Service) GetSkill(code string) (*SkillDetail, error) {
	skill, err := s.registry.Get(code)
	if err != nil {
		return nil, repositories.ErrNotFound
	}
	desc := skill.Descriptor()
	sample := skill.BuildExecutionPlan(skills.Context{
		JobID:         "00000000-0000-0000-0000-000000000000",
		WorkspaceDir:  "/data/jobs/<job_id>",
		SelectedSkill: desc.Code,
	})
	return &SkillDetail{
		Descriptor: desc,
		SamplePlan: sample,
		PlanSchema: skills.PlanSchema(),
	}, nil
}

func (s *Service) appendEvent(ctx context.Context, jobID uuid.UUID, status, source, eventType, message string, payload any) {
	event := &db.JobEvent{
		JobID:     jobID,
		Status:    status,
		Source:    source,
		EventType: eventType,
		Message:   message,
	}
	if payload != nil {
		if data, err := json.Marshal(payload); err == nil {
			event.Payload = string(data)
		}
	}
	if err := s.store.AppendEvent(ctx, event); err != nil {
		s.logger.Warn("append event failed",
			zap.String("job_id", jobID.String()),
			zap.String("event_type", eventType),
			zap.Error(err),
		)
	}
}
