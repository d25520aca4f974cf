// Package agent bridges graph nodes to external agent processes. Each
// pipeline stage maps to a configured command; the command receives the
// workflow context as JSON on stdin and reports its result as JSON on
// stdout. Overseer has no opinion about what runs inside the command.
package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/zjrosen/overseer/internal/log"
	"github.com/zjrosen/overseer/internal/orchestrator"
	"github.com/zjrosen/overseer/internal/workflow"
)

// Request is the context handed to an agent command on stdin.
type Request struct {
	WorkflowID string              `json:"workflow_id"`
	Stage      string              `json:"stage"`
	IssueID    string              `json:"issue_id"`
	Worktree   string              `json:"worktree"`
	Issue      json.RawMessage     `json:"issue,omitempty"`
	Plan       *workflow.PlanCache `json:"plan,omitempty"`
}

// Result is what an agent command may print on stdout. Non-JSON output is
// kept verbatim as Output.
type Result struct {
	Plan       *workflow.PlanCache  `json:"plan,omitempty"`
	TokenUsage *workflow.TokenUsage `json:"token_usage,omitempty"`
	Output     string               `json:"output,omitempty"`
}

// Runner executes one pipeline stage.
type Runner interface {
	Run(ctx context.Context, stage string, req Request) (*Result, error)
}

// exitTempFail is the sysexits EX_TEMPFAIL code; agents exit with it to
// request a retry (rate limits, upstream 5xx).
const exitTempFail = 75

// DefaultTimeout bounds one agent invocation when the config leaves it unset.
const DefaultTimeout = 30 * time.Minute

// CommandRunner runs each stage as a subprocess in the workflow's worktree.
type CommandRunner struct {
	commands map[string][]string
	timeout  time.Duration
}

var _ Runner = (*CommandRunner)(nil)

// NewCommandRunner maps stage names to argv slices. Stages without a
// command fail at invocation time, not at construction, so a daemon can
// serve its API before agents are configured.
func NewCommandRunner(commands map[string][]string, timeout time.Duration) *CommandRunner {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &CommandRunner{commands: commands, timeout: timeout}
}

func (r *CommandRunner) Run(ctx context.Context, stage string, req Request) (*Result, error) {
	argv := r.commands[stage]
	if len(argv) == 0 {
		return nil, fmt.Errorf("no agent command configured for stage %q", stage)
	}

	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to encode agent request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = req.Worktree
	cmd.Stdin = bytes.NewReader(payload)
	cmd.Env = append(os.Environ(),
		"OVERSEER_WORKFLOW_ID="+req.WorkflowID,
		"OVERSEER_STAGE="+stage,
		"OVERSEER_ISSUE_ID="+req.IssueID,
		"OVERSEER_WORKTREE="+req.Worktree,
	)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	log.Info(log.CatAgent, "running agent", "stage", stage, "workflow", req.WorkflowID, "command", argv[0])
	start := time.Now()
	runErr := cmd.Run()
	log.Info(log.CatAgent, "agent finished", "stage", stage, "workflow", req.WorkflowID,
		"duration", time.Since(start).Round(time.Millisecond), "error", runErr != nil)

	if runErr != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("agent %s timed out after %s: %w", stage, r.timeout, ctx.Err())
		}
		detail := strings.TrimSpace(stderr.String())
		if detail == "" {
			detail = strings.TrimSpace(stdout.String())
		}
		err := fmt.Errorf("agent %s failed: %v", stage, runErr)
		if detail != "" {
			err = fmt.Errorf("agent %s failed: %v: %s", stage, runErr, truncate(detail, 500))
		}
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) && exitErr.ExitCode() == exitTempFail {
			return nil, orchestrator.Transient(err)
		}
		return nil, err
	}

	return parseResult(stdout.Bytes()), nil
}

// parseResult decodes the agent's stdout. Commands that print plain text
// instead of JSON still succeed; their output is carried as-is.
func parseResult(out []byte) *Result {
	trimmed := bytes.TrimSpace(out)
	if len(trimmed) == 0 {
		return &Result{}
	}
	var res Result
	if err := json.Unmarshal(trimmed, &res); err != nil {
		return &Result{Output: truncate(string(trimmed), 4096)}
	}
	return &res
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
