package agent

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"github.com/codescout/internal/logging"
)

// Cloner stages per-task workspaces and shallow-clones repositories into
// them. Each task gets an exclusive directory named after its ID.
type Cloner struct {
	Root  string
	Depth int

	log zerolog.Logger
}

// NewCloner builds a cloner rooted at root. depth below 1 is clamped.
func NewCloner(root string, depth int) *Cloner {
	if depth < 1 {
		depth = 1
	}
	return &Cloner{Root: root, Depth: depth, log: logging.Component("cloner")}
}

// Workspace returns the exclusive directory for a task.
func (c *Cloner) Workspace(taskID string) string {
	return filepath.Join(c.Root, "agent-"+taskID)
}

// Clone shallow-clones cloneURL into <workspace>/repo and checks out
// headSHA when given. Returns the repo path and the resolved commit hash.
func (c *Cloner) Clone(ctx context.Context, taskID, cloneURL, headSHA string) (string, string, error) {
	workspace := c.Workspace(taskID)
	if err := os.MkdirAll(workspace, 0o755); err != nil {
		return "", "", fmt.Errorf("creating workspace: %w", err)
	}
	repoPath := filepath.Join(workspace, "repo")

	depth := strconv.Itoa(c.Depth)
	if _, err := c.git(ctx, workspace, "clone", "--depth", depth, cloneURL, repoPath); err != nil {
		return "", "", fmt.Errorf("cloning repository: %w", err)
	}

	if headSHA != "" {
		if _, err := c.git(ctx, repoPath, "fetch", "--depth", depth, "origin", headSHA); err != nil {
			return "", "", fmt.Errorf("fetching head ref %s: %w", headSHA, err)
		}
		if _, err := c.git(ctx, repoPath, "checkout", "--detach", headSHA); err != nil {
			return "", "", fmt.Errorf("checking out %s: %w", headSHA, err)
		}
	}

	commit, err := c.git(ctx, repoPath, "rev-parse", "HEAD")
	if err != nil {
		return "", "", fmt.Errorf("resolving HEAD: %w", err)
	}

	return repoPath, strings.TrimSpace(commit), nil
}

// Cleanup removes the task workspace. Failure is logged, never returned:
// cleanup must not change a task's final status.
func (c *Cloner) Cleanup(taskID string) {
	workspace := c.Workspace(taskID)
	if err := os.RemoveAll(workspace); err != nil {
		c.log.Warn().Err(err).Str("workspace", workspace).Msg("workspace cleanup failed")
	}
}

// git runs one git command, sanitizing credentials out of any error text.
func (c *Cloner) git(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0")

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		detail := sanitizeCredentials(strings.TrimSpace(stderr.String()))
		return "", fmt.Errorf("git %s: %w: %s", args[0], err, detail)
	}
	return stdout.String(), nil
}

// sanitizeCredentials strips userinfo from any URL embedded in text so
// tokens cannot leak into logs or error messages.
func sanitizeCredentials(text string) string {
	for _, word := range strings.Fields(text) {
		u, err := url.Parse(strings.Trim(word, `'"`))
		if err != nil || u.User == nil {
			continue
		}
		redacted := *u
		redacted.User = url.User("***")
		text = strings.ReplaceAll(text, u.String(), redacted.String())
	}
	return text
}
