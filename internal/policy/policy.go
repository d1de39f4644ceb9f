// Package policy decides permission replies for agent tool calls. The
// engine is pure: every decision is a function of the request and the job's
// workspace root, so the same request always gets the same answer.
package policy

import (
	"path/filepath"
	"strings"

	"github.com/agentforge-io/agentforge/internal/agent"
)

// Replies accepted by the agent's permission endpoint.
const (
	ReplyOnce   = "once"
	ReplyReject = "reject"
)

// filePermissions are the tool permissions that operate on paths and are
// granted when every referenced path stays inside the workspace.
var filePermissions = map[string]bool{
	"file":        true,
	"edit":        true,
	"write":       true,
	"read":        true,
	"apply_patch": true,
}

// highRiskTokens rejects a bash command outright when any of them appears.
// Substring match on the raw command, lowercased.
var highRiskTokens = []string{
	"rm -rf /",
	"sudo ",
	"mkfs",
	"shutdown",
	"reboot",
	"curl ",
	"wget ",
	"scp ",
	"ssh ",
	"| sh",
	"nc ",
}

// Decision is the engine's answer to one permission request.
type Decision struct {
	Reply   string
	Message string
}

// Granted reports whether the decision lets the tool call proceed.
func (d Decision) Granted() bool { return d.Reply != ReplyReject }

// Engine evaluates permission requests against a job workspace.
type Engine struct{}

// NewEngine returns a policy Engine.
func NewEngine() *Engine {
	return &Engine{}
}

// Decide evaluates one permission request for a job whose workspace root is
// workspaceDir. Unknown permission kinds are rejected; the agent surfaces
// the message to the transcript.
func (e *Engine) Decide(workspaceDir string, req agent.PermissionRequest) Decision {
	kind := strings.ToLower(req.Permission)

	if filePermissions[kind] {
		return e.decideFile(workspaceDir, req)
	}
	if kind == "bash" || kind == "shell" {
		return e.decideBash(req)
	}
	return Decision{Reply: ReplyReject, Message: "permission kind " + req.Permission + " is not allowed"}
}

func (e *Engine) decideFile(workspaceDir string, req agent.PermissionRequest) Decision {
	if len(req.Patterns) == 0 {
		return Decision{Reply: ReplyReject, Message: "file permission without target paths"}
	}
	for _, pattern := range req.Patterns {
		inside, err := pathInside(workspaceDir, pattern)
		if err != nil || !inside {
			return Decision{Reply: ReplyReject, Message: "path escapes the job workspace: " + pattern}
		}
	}
	return Decision{Reply: ReplyOnce}
}

func (e *Engine) decideBash(req agent.PermissionRequest) Decision {
	command := strings.ToLower(req.Command())
	for _, token := range highRiskTokens {
		if strings.Contains(command, token) {
			return Decision{Reply: ReplyReject, Message: "command contains a blocked token: " + strings.TrimSpace(token)}
		}
	}
	// Shell commands are rejected unless a future allowlist grants them.
	// The agent falls back to tool calls that go through the file rules.
	return Decision{Reply: ReplyReject, Message: "shell execution is not permitted for this job"}
}

// pathInside reports whether path resolves under root after cleaning.
// Relative paths are anchored at the workspace root.
func pathInside(root, path string) (bool, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return false, err
	}
	if !filepath.IsAbs(path) {
		path = filepath.Join(absRoot, path)
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		return false, err
	}
	rel, err := filepath.Rel(absRoot, absPath)
	if err != nil {
		return false, err
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return false, nil
	}
	return true, nil
}
