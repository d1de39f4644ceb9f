// Package executor runs one claimed job through the full pipeline: session
// creation, prompt dispatch, the convergence loop fusing the event stream
// with compensating polls, verification and packaging. Abort is checked
// before every transition and around every suspending call.
package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/agentforge-io/agentforge/internal/agent"
	"github.com/agentforge-io/agentforge/internal/db"
	"github.com/agentforge-io/agentforge/internal/metrics"
	"github.com/agentforge-io/agentforge/internal/policy"
	"github.com/agentforge-io/agentforge/internal/repositories"
	"github.com/agentforge-io/agentforge/internal/skills"
	"github.com/agentforge-io/agentforge/internal/workspace"
)

// Stable error codes recorded on failed jobs.
const (
	CodeSessionCreateFailed = "agent.session.create_failed"
	CodePromptFailed        = "agent.prompt_failed"
	CodePermissionTimeout   = "permission.timeout"
	CodeInputsTampered      = "inputs.tampered"
	CodeContractViolated    = "outputs.contract.violated"
	CodeJobTimeout          = "job.timeout"
	CodeJobKilled           = "job.killed"
	CodeBundleFailed        = "bundle.failed"
	CodeInternal            = "executor.internal"
)

// Config tunes the pipeline. Zero values are replaced with the defaults the
// rest of the system documents.
type Config struct {
	SoftTimeout          time.Duration
	PermissionWait       time.Duration
	PollInterval         time.Duration
	SessionCreateBackoff []time.Duration
}

func (c *Config) applyDefaults() {
	if c.SoftTimeout <= 0 {
		c.SoftTimeout = 15 * time.Minute
	}
	if c.PermissionWait <= 0 {
		c.PermissionWait = 2 * time.Minute
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 2 * time.Second
	}
	if c.SessionCreateBackoff == nil {
		c.SessionCreateBackoff = []time.Duration{30 * time.Second, 120 * time.Second}
	}
}

// Executor drives jobs to a terminal state. One Executor is shared by all
// workers; each Run call owns exactly one job for its full pipeline.
type Executor struct {
	store      repositories.JobStore
	workspaces *workspace.Manager
	bundler    *workspace.Bundler
	registry   *skills.Registry
	agent      *agent.Client
	bridge     *agent.Bridge
	policy     *policy.Engine
	metrics    *metrics.Metrics
	logger     *zap.Logger
	cfg        Config
}

// New builds an Executor.
func New(
	store repositories.JobStore,
	workspaces *workspace.Manager,
	bundler *workspace.Bundler,
	registry *skills.Registry,
	agentClient *agent.Client,
	bridge *agent.Bridge,
	policyEngine *policy.Engine,
	m *metrics.Metrics,
	cfg Config,
	logger *zap.Logger,
) *Executor {
	cfg.applyDefaults()
	return &Executor{
		store:      store,
		workspaces: workspaces,
		bundler:    bundler,
		registry:   registry,
		agent:      agentClient,
		bridge:     bridge,
		policy:     policyEngine,
		metrics:    m,
		logger:     logger.Named("executor"),
		cfg:        cfg,
	}
}

// Run claims and executes one job. A claim that loses to a concurrent state
// change returns nil so queue redelivery stays silent. Every other outcome
// is written to the store before Run returns; Run only returns an error for
// infrastructure faults the caller may want to log.
func (e *Executor) Run(ctx context.Context, jobID uuid.UUID) error {
	logger := e.logger.With(zap.String("job_id", jobID.String()))

	if _, err := e.store.SetStatus(ctx, jobID, []string{db.StatusQueued}, db.StatusRunning); err != nil {
		if errors.Is(err, repositories.ErrIllegalTransition) {
			logger.Debug("claim skipped, job no longer queued")
			return nil
		}
		if errors.Is(err, repositories.ErrAborted) {
			logger.Info("job aborted before execution")
			return nil
		}
		return fmt.Errorf("executor: claim: %w", err)
	}
	e.emit(ctx, jobID, db.StatusRunning, "job.status.changed", "", map[string]any{"status": db.StatusRunning})

	job, err := e.store.GetJob(ctx, jobID)
	if err != nil {
		return fmt.Errorf("executor: load job: %w", err)
	}

	err = e.pipeline(ctx, job, logger)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, repositories.ErrAborted):
		logger.Info("job aborted during execution")
		e.countOutcome(db.StatusAborted)
		return nil
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		// Hard limit: the worker context was killed. Writes below use a
		// detached context because ctx is already dead.
		base := context.WithoutCancel(ctx)
		e.failJob(base, job, CodeJobKilled, "hard execution limit exceeded", logger)
		return nil
	default:
		var violation *skills.ContractViolation
		code := CodeInternal
		message := err.Error()
		switch {
		case errors.As(err, &violation):
			code, message = CodeContractViolated, violation.Reason
		default:
			var coded *codedError
			if errors.As(err, &coded) {
				code, message = coded.code, coded.message
			}
		}
		e.failJob(ctx, job, code, message, logger)
		return nil
	}
}

// codedError carries a stable error code through the pipeline to the single
// failure handler in Run.
type codedError struct {
	code    string
	message string
	cause   error
}

func (e *codedError) Error() string {
	return e.code + ": " + e.message
}

func (e *codedError) Unwrap() error { return e.cause }

func failWith(code, message string, cause error) error {
	return &codedError{code: code, message: message, cause: cause}
}

func (e *Executor) pipeline(ctx context.Context, job *db.Job, logger *zap.Logger) error {
	skill, err := e.registry.Get(job.SelectedSkill)
	if err != nil {
		return failWith(CodeInternal, "unknown skill: "+job.SelectedSkill, err)
	}
	skillCtx, err := e.skillContext(ctx, job)
	if err != nil {
		return err
	}

	sessionID, err := e.createSession(ctx, job, logger)
	if err != nil {
		return err
	}
	job.SessionID = sessionID
	e.emit(ctx, job.ID, db.StatusRunning, "session.created", "agent session established",
		map[string]any{"session_id": sessionID})

	plan := skill.BuildExecutionPlan(skillCtx)
	prompt := skill.BuildPrompt(skillCtx, plan)
	if err := e.agent.PromptAsync(ctx, job.WorkspaceDir, sessionID, prompt, job.Agent, e.jobModel(job)); err != nil {
		return failWith(CodePromptFailed, "prompt dispatch failed", err)
	}
	e.emit(ctx, job.ID, db.StatusRunning, "prompt.sent", "prompt dispatched to the agent", nil)

	if err := e.converge(ctx, job, logger); err != nil {
		return err
	}

	e.captureLastMessage(ctx, job, logger)

	if _, err := e.setStatusOrAbort(ctx, job.ID, []string{db.StatusRunning}, db.StatusVerifying); err != nil {
		return err
	}
	if err := e.verifyInputs(ctx, job); err != nil {
		return err
	}
	if err := skill.ValidateOutputs(skillCtx); err != nil {
		return err
	}

	if _, err := e.setStatusOrAbort(ctx, job.ID, []string{db.StatusVerifying}, db.StatusPackaging); err != nil {
		return err
	}
	if err := e.packageResult(ctx, job); err != nil {
		return err
	}

	if _, err := e.setStatusOrAbort(ctx, job.ID, []string{db.StatusPackaging}, db.StatusSucceeded); err != nil {
		return err
	}
	e.emit(ctx, job.ID, db.StatusSucceeded, "job.succeeded", "job completed", nil)
	e.countOutcome(db.StatusSucceeded)
	logger.Info("job succeeded", zap.String("session_id", sessionID))
	return nil
}

// createSession opens the agent session with bounded retries on transport
// faults, honoring abort between attempts.
func (e *Executor) createSession(ctx context.Context, job *db.Job, logger *zap.Logger) (string, error) {
	var lastErr error
	for attempt := 0; ; attempt++ {
		if err := e.ensureNotAborted(ctx, job.ID); err != nil {
			return "", err
		}
		sessionID, err := e.agent.CreateSession(ctx, job.WorkspaceDir, "job "+job.ID.String())
		if err == nil {
			if err := e.store.SetSessionID(ctx, job.ID, sessionID); err != nil {
				return "", failWith(CodeSessionCreateFailed, "record session id", err)
			}
			return sessionID, nil
		}
		lastErr = err
		if !agent.IsRetriable(err) || attempt >= len(e.cfg.SessionCreateBackoff) {
			break
		}
		wait := e.cfg.SessionCreateBackoff[attempt]
		logger.Warn("session create failed, retrying",
			zap.Int("attempt", attempt+1),
			zap.Duration("backoff", wait),
			zap.Error(err),
		)
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(wait):
		}
	}
	return "", failWith(CodeSessionCreateFailed, "agent session could not be created", lastErr)
}

// converge waits for the agent session to go idle, answering permission
// prompts as they appear. The event stream is the low-latency path and the
// poll tick the correctness path; either can finish the loop.
func (e *Executor) converge(ctx context.Context, job *db.Job, logger *zap.Logger) error {
	streamCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	events := e.bridge.Subscribe(streamCtx, job.WorkspaceDir, job.SessionID)

	ticker := time.NewTicker(e.cfg.PollInterval)
	defer ticker.Stop()

	deadline := time.Now().Add(e.cfg.SoftTimeout)
	state := &convergeState{}
	lastRetryMessage := ""

	for {
		if err := e.ensureNotAborted(ctx, job.ID); err != nil {
			return err
		}
		if time.Now().After(deadline) {
			e.abortSessionQuietly(ctx, job, logger)
			return failWith(CodeJobTimeout, "soft execution deadline exceeded", nil)
		}

		statuses, err := e.agent.SessionStatus(ctx, job.WorkspaceDir)
		if err != nil {
			logger.Warn("session status poll failed", zap.Error(err))
		} else if session, ok := statuses[job.SessionID]; ok {
			switch session.Type {
			case "idle":
				if err := e.resumeRunning(ctx, job.ID, state); err != nil {
					return err
				}
				return nil
			case "retry":
				if session.Message != lastRetryMessage {
					lastRetryMessage = session.Message
					e.emit(ctx, job.ID, "", "session.retry", session.Message, nil)
				}
			}
		}

		if err := e.sweepPermissions(ctx, job, state, logger); err != nil {
			return err
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		case event, open := <-events:
			if !open {
				// Bridge gave up; the poll tick alone still converges.
				events = nil
				continue
			}
			switch event.Type {
			case agent.EventSessionUpdated:
				e.recordAgentEvent(ctx, job.ID, event)
			case agent.EventStreamDown:
				e.emit(ctx, job.ID, "", "agent.stream.disconnected",
					"event stream lost, continuing on the status poll", nil)
			}
			// permission.asked and stream.reconnected fall straight
			// through to the next sweep without waiting for the tick.
		}
	}
}

// convergeState tracks the waiting_approval flip-flop across sweeps.
// pendingSince marks when a prompt was first observed pending; it survives
// successful replies so re-asked prompts accrue against the wait ceiling,
// and clears only when a sweep sees nothing pending.
type convergeState struct {
	waiting      bool
	pendingSince time.Time
}

// sweepPermissions lists pending prompts for this session, decides and
// replies to each, and maintains the running/waiting_approval flip-flop.
func (e *Executor) sweepPermissions(ctx context.Context, job *db.Job, state *convergeState, logger *zap.Logger) error {
	requests, err := e.agent.ListPermissions(ctx, job.WorkspaceDir)
	if err != nil {
		logger.Warn("permission poll failed", zap.Error(err))
		return nil
	}
	var pending []agent.PermissionRequest
	for _, request := range requests {
		if request.SessionID == job.SessionID {
			pending = append(pending, request)
		}
	}

	if len(pending) == 0 {
		state.pendingSince = time.Time{}
		return e.resumeRunning(ctx, job.ID, state)
	}

	if state.pendingSince.IsZero() {
		state.pendingSince = time.Now()
	} else if time.Since(state.pendingSince) > e.cfg.PermissionWait {
		return failWith(CodePermissionTimeout, "permission prompts pending beyond the wait ceiling", nil)
	}

	if !state.waiting {
		if _, err := e.setStatusOrAbort(ctx, job.ID, []string{db.StatusRunning}, db.StatusWaitingApproval); err != nil {
			return err
		}
		state.waiting = true
	}

	allReplied := true
	for _, request := range pending {
		decision := e.policy.Decide(job.WorkspaceDir, request)
		if err := e.agent.ReplyPermission(ctx, job.WorkspaceDir, request.ID, decision.Reply, decision.Message); err != nil {
			logger.Warn("permission reply failed",
				zap.String("request_id", request.ID),
				zap.Error(err),
			)
			allReplied = false
			continue
		}
		if e.metrics != nil {
			e.metrics.PermissionDecisions.WithLabelValues(decision.Reply).Inc()
		}
		action := &db.PermissionAction{
			JobID:     job.ID,
			RequestID: request.ID,
			Action:    decision.Reply,
		}
		if err := e.store.AddPermissionAction(ctx, action); err != nil {
			logger.Warn("permission action record failed", zap.Error(err))
		}
		e.emit(ctx, job.ID, db.StatusWaitingApproval, "permission.replied", decision.Message, map[string]any{
			"request_id": request.ID,
			"permission": request.Permission,
			"decision":   decision.Reply,
		})
	}

	if allReplied {
		return e.resumeRunning(ctx, job.ID, state)
	}
	return nil
}

func (e *Executor) resumeRunning(ctx context.Context, jobID uuid.UUID, state *convergeState) error {
	if !state.waiting {
		return nil
	}
	if _, err := e.setStatusOrAbort(ctx, jobID, []string{db.StatusWaitingApproval}, db.StatusRunning); err != nil {
		return err
	}
	state.waiting = false
	return nil
}

// captureLastMessage persists the agent's final message for the bundle.
// Failures are recorded but never fail the job.
func (e *Executor) captureLastMessage(ctx context.Context, job *db.Job, logger *zap.Logger) {
	raw, err := e.agent.LastMessage(ctx, job.WorkspaceDir, job.SessionID)
	if err != nil || len(raw) == 0 {
		e.emit(ctx, job.ID, "", "agent.last_message.read_failed", "last assistant message unavailable", nil)
		logger.Warn("last message read failed", zap.Error(err))
		return
	}
	if _, err := e.workspaces.WriteLastMessage(job.WorkspaceDir, string(raw)); err != nil {
		e.emit(ctx, job.ID, "", "agent.last_message.read_failed", "last assistant message unavailable", nil)
		logger.Warn("last message write failed", zap.Error(err))
	}
}

// verifyInputs re-hashes every input file against the digest recorded at
// creation time.
func (e *Executor) verifyInputs(ctx context.Context, job *db.Job) error {
	inputs, err := e.store.ListFiles(ctx, job.ID, db.FileCategoryInput)
	if err != nil {
		return fmt.Errorf("executor: list inputs: %w", err)
	}
	for _, input := range inputs {
		path := filepath.Join(job.WorkspaceDir, filepath.FromSlash(input.RelativePath))
		sum, err := workspace.SHA256File(path)
		if err != nil || sum != input.SHA256 {
			return failWith(CodeInputsTampered, "input file modified during execution: "+input.RelativePath, err)
		}
	}
	return nil
}

// packageResult builds the bundle and indexes every output, bundle and log
// file.
func (e *Executor) packageResult(ctx context.Context, job *db.Job) error {
	bundlePath, manifest, err := e.bundler.BuildBundle(job.WorkspaceDir, job.ID.String(), job.SessionID)
	if err != nil {
		return failWith(CodeBundleFailed, "bundle build failed", err)
	}
	if err := e.store.SetResultBundle(ctx, job.ID, bundlePath); err != nil {
		return failWith(CodeBundleFailed, "bundle path record failed", err)
	}

	for _, entry := range manifest.Entries {
		category := categoryFor(entry.RelativePath)
		if category == "" {
			continue
		}
		file := &db.JobFile{
			JobID:        job.ID,
			Category:     category,
			RelativePath: entry.RelativePath,
			SizeBytes:    entry.SizeBytes,
			SHA256:       entry.SHA256,
		}
		if err := e.store.UpsertFile(ctx, file); err != nil {
			return failWith(CodeBundleFailed, "artifact index failed", err)
		}
	}

	for _, relative := range []string{"bundle/result.zip", "bundle/manifest.json"} {
		path := filepath.Join(job.WorkspaceDir, filepath.FromSlash(relative))
		sum, err := workspace.SHA256File(path)
		if err != nil {
			return failWith(CodeBundleFailed, "bundle hash failed", err)
		}
		size := int64(0)
		if info, statErr := os.Stat(path); statErr == nil {
			size = info.Size()
		}
		file := &db.JobFile{
			JobID:        job.ID,
			Category:     db.FileCategoryBundle,
			RelativePath: relative,
			MimeType:     "application/zip",
			SizeBytes:    size,
			SHA256:       sum,
		}
		if relative == "bundle/manifest.json" {
			file.MimeType = "application/json"
		}
		if err := e.store.UpsertFile(ctx, file); err != nil {
			return failWith(CodeBundleFailed, "bundle index failed", err)
		}
	}
	return nil
}

// categoryFor maps a manifest relative path onto a file category. Paths
// under job/ are context-only and stay out of the catalog.
func categoryFor(relativePath string) string {
	switch {
	case hasPathPrefix(relativePath, "outputs/"):
		return db.FileCategoryOutput
	case hasPathPrefix(relativePath, "logs/"):
		return db.FileCategoryLog
	default:
		return ""
	}
}

func hasPathPrefix(path, prefix string) bool {
	return len(path) > len(prefix) && path[:len(prefix)] == prefix
}

func (e *Executor) skillContext(ctx context.Context, job *db.Job) (skills.Context, error) {
	inputs, err := e.store.ListFiles(ctx, job.ID, db.FileCategoryInput)
	if err != nil {
		return skills.Context{}, fmt.Errorf("executor: list inputs: %w", err)
	}
	names := make([]string, 0, len(inputs))
	for _, input := range inputs {
		names = append(names, filepath.Base(input.RelativePath))
	}

	var contract map[string]any
	if job.OutputContract != "" {
		if err := json.Unmarshal([]byte(job.OutputContract), &contract); err != nil {
			return skills.Context{}, fmt.Errorf("executor: decode output contract: %w", err)
		}
	}
	return skills.Context{
		JobID:          job.ID.String(),
		TenantID:       job.TenantID,
		Requirement:    job.Requirement,
		WorkspaceDir:   job.WorkspaceDir,
		InputFiles:     names,
		SelectedSkill:  job.SelectedSkill,
		OutputContract: contract,
	}, nil
}

func (e *Executor) jobModel(job *db.Job) *agent.Model {
	if job.ModelJSON == "" {
		return nil
	}
	var model agent.Model
	if err := json.Unmarshal([]byte(job.ModelJSON), &model); err != nil {
		return nil
	}
	return &model
}

// ensureNotAborted reads the current status and surfaces ErrAborted so the
// caller unwinds without writing any further state.
func (e *Executor) ensureNotAborted(ctx context.Context, jobID uuid.UUID) error {
	job, err := e.store.GetJob(ctx, jobID)
	if err != nil {
		return fmt.Errorf("executor: abort check: %w", err)
	}
	if job.Status == db.StatusAborted {
		return repositories.ErrAborted
	}
	return nil
}

// setStatusOrAbort performs a conditional transition, translating an
// aborted refusal into the universal abort signal. Committed transitions
// are mirrored into the event log for SSE consumers.
func (e *Executor) setStatusOrAbort(ctx context.Context, jobID uuid.UUID, fromSet []string, to string) (string, error) {
	status, err := e.store.SetStatus(ctx, jobID, fromSet, to)
	if err != nil {
		if errors.Is(err, repositories.ErrAborted) {
			return status, repositories.ErrAborted
		}
		return status, fmt.Errorf("executor: transition to %s refused at %s: %w", to, status, err)
	}
	e.emit(ctx, jobID, to, "job.status.changed", "", map[string]any{"status": to})
	return status, nil
}

// failJob writes the terminal failed state unless abort prevails.
func (e *Executor) failJob(ctx context.Context, job *db.Job, code, message string, logger *zap.Logger) {
	if err := e.store.SetError(ctx, job.ID, code, message); err != nil {
		logger.Error("record error failed", zap.Error(err))
	}
	fromSet := []string{
		db.StatusQueued, db.StatusRunning, db.StatusWaitingApproval,
		db.StatusVerifying, db.StatusPackaging,
	}
	if _, err := e.store.SetStatus(ctx, job.ID, fromSet, db.StatusFailed); err != nil {
		if errors.Is(err, repositories.ErrAborted) {
			logger.Info("abort won over failure", zap.String("code", code))
			e.countOutcome(db.StatusAborted)
			return
		}
		logger.Error("failed-state write refused", zap.Error(err))
		return
	}
	e.emit(ctx, job.ID, db.StatusFailed, "job.failed", message, map[string]any{"code": code})
	e.countOutcome(db.StatusFailed)
	logger.Warn("job failed", zap.String("code", code), zap.String("message", message))

	e.abortSessionQuietly(ctx, job, logger)
}

func (e *Executor) abortSessionQuietly(ctx context.Context, job *db.Job, logger *zap.Logger) {
	if job.SessionID == "" {
		return
	}
	if err := e.agent.AbortSession(ctx, job.WorkspaceDir, job.SessionID); err != nil {
		logger.Debug("session abort failed", zap.Error(err))
	}
}

// recordAgentEvent persists a normalized stream event for the audit log and
// SSE fan-out.
func (e *Executor) recordAgentEvent(ctx context.Context, jobID uuid.UUID, event agent.Event) {
	record := &db.JobEvent{
		JobID:     jobID,
		Source:    db.EventSourceAgent,
		EventType: event.Type,
	}
	if event.Payload != nil {
		if data, err := json.Marshal(event.Payload); err == nil {
			record.Payload = string(data)
		}
	}
	if err := e.store.AppendEvent(ctx, record); err != nil {
		e.logger.Warn("agent event append failed", zap.Error(err))
	}
}

func (e *Executor) emit(ctx context.Context, jobID uuid.UUID, status, eventType, message string, payload any) {
	event := &db.JobEvent{
		JobID:     jobID,
		Status:    status,
		Source:    db.EventSourceWorker,
		EventType: eventType,
		Message:   message,
	}
	if payload != nil {
		if data, err := json.Marshal(payload); err == nil {
			event.Payload = string(data)
		}
	}
	if err := e.store.AppendEvent(ctx, event); err != nil {
		e.logger.Warn("event append failed",
			zap.String("job_id", jobID.String()),
			zap.String("event_type", eventType),
			zap.Error(err),
		)
	}
}

func (e *Executor) countOutcome(status string) {
	if e.metrics != nil {
		e.metrics.JobsTotal.WithLabelValues(status).Inc()
	}
}
