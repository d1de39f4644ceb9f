package executor

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	gormlogger "gorm.io/gorm/logger"

	"github.com/agentforge-io/agentforge/internal/agent"
	"github.com/agentforge-io/agentforge/internal/db"
	"github.com/agentforge-io/agentforge/internal/metrics"
	"github.com/agentforge-io/agentforge/internal/policy"
	"github.com/agentforge-io/agentforge/internal/repositories"
	"github.com/agentforge-io/agentforge/internal/skills"
	"github.com/agentforge-io/agentforge/internal/workspace"
)

const testSessionID = "ses-test"

// fakeAgentServer simulates the agent HTTP surface the executor talks to.
type fakeAgentServer struct {
	mu          sync.Mutex
	sessionType string
	permissions []agent.PermissionRequest
	replies     map[string]string
	// stickyPermissions keeps prompts listed as pending even after an
	// accepted reply, like an agent that immediately re-asks.
	stickyPermissions bool
	aborts            int
}

func newFakeAgentServer() *fakeAgentServer {
	return &fakeAgentServer{
		sessionType: "idle",
		replies:     map[string]string{},
	}
}

func (f *fakeAgentServer) setSessionType(t string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessionType = t
}

func (f *fakeAgentServer) setStickyPermissions(sticky bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stickyPermissions = sticky
}

func (f *fakeAgentServer) addPermission(req agent.PermissionRequest) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.permissions = append(f.permissions, req)
}

func (f *fakeAgentServer) replyFor(id string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	reply, ok := f.replies[id]
	return reply, ok
}

func (f *fakeAgentServer) abortCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.aborts
}

func (f *fakeAgentServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Path
	switch {
	case path == "/session" && r.Method == http.MethodPost:
		json.NewEncoder(w).Encode(map[string]string{"id": testSessionID})

	case path == "/session/status":
		f.mu.Lock()
		state := f.sessionType
		f.mu.Unlock()
		json.NewEncoder(w).Encode(map[string]agent.SessionState{
			testSessionID: {Type: state},
		})

	case strings.HasSuffix(path, "/prompt_async"):
		w.WriteHeader(http.StatusOK)

	case strings.HasSuffix(path, "/abort"):
		f.mu.Lock()
		f.aborts++
		f.mu.Unlock()
		w.WriteHeader(http.StatusOK)

	case strings.HasSuffix(path, "/message"):
		json.NewEncoder(w).Encode([]map[string]any{
			{"role": "assistant", "parts": []map[string]string{{"type": "text", "text": "done"}}},
		})

	case path == "/permission" && r.Method == http.MethodGet:
		f.mu.Lock()
		pending := make([]agent.PermissionRequest, 0)
		for _, req := range f.permissions {
			_, replied := f.replies[req.ID]
			if f.stickyPermissions || !replied {
				pending = append(pending, req)
			}
		}
		f.mu.Unlock()
		json.NewEncoder(w).Encode(pending)

	case strings.HasPrefix(path, "/permission/") && strings.HasSuffix(path, "/reply"):
		id := strings.TrimSuffix(strings.TrimPrefix(path, "/permission/"), "/reply")
		var body map[string]string
		json.NewDecoder(r.Body).Decode(&body)
		f.mu.Lock()
		f.replies[id] = body["reply"]
		f.mu.Unlock()
		w.WriteHeader(http.StatusOK)

	case path == "/event":
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		if flusher, ok := w.(http.Flusher); ok {
			flusher.Flush()
		}
		<-r.Context().Done()

	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

type executorEnv struct {
	executor *Executor
	store    repositories.JobStore
	manager  *workspace.Manager
	server   *fakeAgentServer
}

func newExecutorEnv(t *testing.T, cfg Config) *executorEnv {
	t.Helper()
	database, err := db.New(db.Config{
		Driver:   "sqlite",
		DSN:      filepath.Join(t.TempDir(), "test.db"),
		Logger:   zap.NewNop(),
		LogLevel: gormlogger.Silent,
	})
	require.NoError(t, err)
	store := repositories.NewJobStore(database)

	fake := newFakeAgentServer()
	server := httptest.NewServer(fake)
	t.Cleanup(server.Close)

	logger := zap.NewNop()
	m := metrics.New()
	manager := workspace.NewManager(t.TempDir(), 1<<20)
	client := agent.NewClient(server.URL, "agentforge", "", 5*time.Second, m, logger)
	bridge := agent.NewBridge(server.URL, "agentforge", "", logger)

	exec := New(store, manager, workspace.NewBundler(), skills.NewRegistry(),
		client, bridge, policy.NewEngine(), m, cfg, logger)
	return &executorEnv{executor: exec, store: store, manager: manager, server: fake}
}

// seedQueuedJob materializes a workspace with one input and a queued job row.
func seedQueuedJob(t *testing.T, env *executorEnv) *db.Job {
	t.Helper()
	jobID, err := uuid.NewV7()
	require.NoError(t, err)
	root, err := env.manager.Create(jobID.String())
	require.NoError(t, err)

	input, err := env.manager.StoreInput(root, "data.csv", []byte("a,b\n1,2\n"), "text/csv")
	require.NoError(t, err)
	require.NoError(t, env.manager.WriteRequest(root, "do the work"))
	require.NoError(t, env.manager.WriteExecutionPlan(root, map[string]any{"selected_skill": skills.GeneralDefaultCode}))

	job := &db.Job{
		TenantID:      "default",
		CreatedBy:     "test",
		Requirement:   "do the work",
		SelectedSkill: skills.GeneralDefaultCode,
		Agent:         "general",
		Status:        db.StatusQueued,
		WorkspaceDir:  root,
	}
	job.ID = jobID
	require.NoError(t, env.store.CreateJob(context.Background(), job))
	require.NoError(t, env.store.UpsertFile(context.Background(), &db.JobFile{
		JobID:        jobID,
		Category:     db.FileCategoryInput,
		RelativePath: input.RelativePath,
		MimeType:     input.MimeType,
		SizeBytes:    input.SizeBytes,
		SHA256:       input.SHA256,
	}))
	return job
}

func writeOutput(t *testing.T, root, relative string) {
	t.Helper()
	path := filepath.Join(root, "outputs", filepath.FromSlash(relative))
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte("result"), 0o644))
}

func fastConfig() Config {
	return Config{
		SoftTimeout:          5 * time.Second,
		PermissionWait:       time.Second,
		PollInterval:         20 * time.Millisecond,
		SessionCreateBackoff: []time.Duration{10 * time.Millisecond},
	}
}

func eventTypes(t *testing.T, store repositories.JobStore, jobID uuid.UUID) []string {
	t.Helper()
	events, err := store.ListEventsAfter(context.Background(), jobID, 0, 200)
	require.NoError(t, err)
	types := make([]string, 0, len(events))
	for _, event := range events {
		types = append(types, event.EventType)
	}
	return types
}

func TestRunHappyPath(t *testing.T) {
	env := newExecutorEnv(t, fastConfig())
	job := seedQueuedJob(t, env)
	writeOutput(t, job.WorkspaceDir, "result.txt")

	require.NoError(t, env.executor.Run(context.Background(), job.ID))

	final, err := env.store.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, db.StatusSucceeded, final.Status)
	assert.Equal(t, testSessionID, final.SessionID)
	assert.NotEmpty(t, final.ResultBundlePath)
	assert.FileExists(t, final.ResultBundlePath)

	types := eventTypes(t, env.store, job.ID)
	assert.Contains(t, types, "session.created")
	assert.Contains(t, types, "prompt.sent")
	assert.Contains(t, types, "job.succeeded")

	bundles, err := env.store.ListFiles(context.Background(), job.ID, db.FileCategoryBundle)
	require.NoError(t, err)
	paths := make([]string, 0, len(bundles))
	for _, file := range bundles {
		paths = append(paths, file.RelativePath)
	}
	assert.Contains(t, paths, "bundle/result.zip")
	assert.Contains(t, paths, "bundle/manifest.json")

	outputs, err := env.store.ListFiles(context.Background(), job.ID, db.FileCategoryOutput)
	require.NoError(t, err)
	require.Len(t, outputs, 1)
	assert.Equal(t, "outputs/result.txt", outputs[0].RelativePath)
}

func TestRunClaimSkipsNonQueuedJob(t *testing.T) {
	env := newExecutorEnv(t, fastConfig())
	job := seedQueuedJob(t, env)
	_, err := env.store.SetStatus(context.Background(), job.ID, []string{db.StatusQueued}, db.StatusRunning)
	require.NoError(t, err)
	_, err = env.store.SetStatus(context.Background(), job.ID, []string{db.StatusRunning}, db.StatusVerifying)
	require.NoError(t, err)

	require.NoError(t, env.executor.Run(context.Background(), job.ID))

	final, err := env.store.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, db.StatusVerifying, final.Status)
}

func TestRunContractViolationFailsJob(t *testing.T) {
	env := newExecutorEnv(t, fastConfig())
	job := seedQueuedJob(t, env)
	// outputs/ stays empty, so verification must fail the job.

	require.NoError(t, env.executor.Run(context.Background(), job.ID))

	final, err := env.store.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, db.StatusFailed, final.Status)
	assert.Equal(t, CodeContractViolated, final.ErrorCode)
	assert.Contains(t, eventTypes(t, env.store, job.ID), "job.failed")
}

func TestRunRepliesToPermissions(t *testing.T) {
	env := newExecutorEnv(t, fastConfig())
	job := seedQueuedJob(t, env)
	writeOutput(t, job.WorkspaceDir, "result.txt")

	env.server.setSessionType("busy")
	env.server.addPermission(agent.PermissionRequest{
		ID:         "perm-1",
		SessionID:  testSessionID,
		Permission: "edit",
		Patterns:   []string{filepath.Join(job.WorkspaceDir, "outputs", "result.txt")},
	})

	done := make(chan error, 1)
	go func() { done <- env.executor.Run(context.Background(), job.ID) }()

	require.Eventually(t, func() bool {
		_, replied := env.server.replyFor("perm-1")
		return replied
	}, 3*time.Second, 20*time.Millisecond)
	env.server.setSessionType("idle")

	require.NoError(t, <-done)

	reply, _ := env.server.replyFor("perm-1")
	assert.Equal(t, "once", reply)

	actions, err := env.store.ListPermissionActions(context.Background(), job.ID)
	require.NoError(t, err)
	require.Len(t, actions, 1)
	assert.Equal(t, "perm-1", actions[0].RequestID)
	assert.Equal(t, "once", actions[0].Action)

	final, err := env.store.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, db.StatusSucceeded, final.Status)
}

func TestRunPermissionTimeoutOnReaskedPrompt(t *testing.T) {
	cfg := fastConfig()
	cfg.PermissionWait = 300 * time.Millisecond
	env := newExecutorEnv(t, cfg)
	job := seedQueuedJob(t, env)

	// Every reply is accepted but the prompt comes right back, so the job
	// must die on the permission ceiling, not the soft deadline.
	env.server.setSessionType("busy")
	env.server.setStickyPermissions(true)
	env.server.addPermission(agent.PermissionRequest{
		ID:         "perm-reask",
		SessionID:  testSessionID,
		Permission: "edit",
		Patterns:   []string{filepath.Join(job.WorkspaceDir, "outputs", "result.txt")},
	})

	start := time.Now()
	require.NoError(t, env.executor.Run(context.Background(), job.ID))
	elapsed := time.Since(start)

	final, err := env.store.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, db.StatusFailed, final.Status)
	assert.Equal(t, CodePermissionTimeout, final.ErrorCode)
	assert.Less(t, elapsed, cfg.SoftTimeout)

	reply, replied := env.server.replyFor("perm-reask")
	assert.True(t, replied)
	assert.Equal(t, "once", reply)
}

func TestRunAbortWinsMidExecution(t *testing.T) {
	env := newExecutorEnv(t, fastConfig())
	job := seedQueuedJob(t, env)
	env.server.setSessionType("busy")

	done := make(chan error, 1)
	go func() { done <- env.executor.Run(context.Background(), job.ID) }()

	require.Eventually(t, func() bool {
		current, err := env.store.GetJob(context.Background(), job.ID)
		return err == nil && current.Status == db.StatusRunning
	}, 3*time.Second, 20*time.Millisecond)

	_, err := env.store.SetStatus(context.Background(), job.ID,
		[]string{db.StatusRunning, db.StatusWaitingApproval}, db.StatusAborted)
	require.NoError(t, err)

	require.NoError(t, <-done)

	final, err := env.store.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, db.StatusAborted, final.Status)
	assert.Empty(t, final.ErrorCode)
}

func TestRunSoftTimeoutFailsJob(t *testing.T) {
	cfg := fastConfig()
	cfg.SoftTimeout = 100 * time.Millisecond
	env := newExecutorEnv(t, cfg)
	job := seedQueuedJob(t, env)
	env.server.setSessionType("busy")

	require.NoError(t, env.executor.Run(context.Background(), job.ID))

	final, err := env.store.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, db.StatusFailed, final.Status)
	assert.Equal(t, CodeJobTimeout, final.ErrorCode)
	assert.GreaterOrEqual(t, env.server.abortCount(), 1)
}

func TestRunInputTamperFailsVerification(t *testing.T) {
	env := newExecutorEnv(t, fastConfig())
	job := seedQueuedJob(t, env)
	writeOutput(t, job.WorkspaceDir, "result.txt")

	// Mutate the stored input after its digest was recorded.
	require.NoError(t, os.WriteFile(
		filepath.Join(job.WorkspaceDir, "inputs", "data.csv"), []byte("tampered"), 0o644))

	require.NoError(t, env.executor.Run(context.Background(), job.ID))

	final, err := env.store.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, db.StatusFailed, final.Status)
	assert.Equal(t, CodeInputsTampered, final.ErrorCode)
}
