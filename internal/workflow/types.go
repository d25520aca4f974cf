// Package workflow provides the foundational types and state management for
// the orchestration core. It defines the core domain entities including
// Workflow, Status, Event, and TokenUsage that enable running multiple
// concurrent agent workflows over git worktrees.
package workflow

import (
	"encoding/json"
	"fmt"
	"regexp"
	"time"

	"github.com/google/uuid"
)

// ID uniquely identifies a workflow.
// It is a string-based type using UUID format for global uniqueness.
type ID string

// NewID generates a new unique workflow ID using UUID v4.
func NewID() ID {
	return ID(uuid.New().String())
}

// String returns the string representation of the ID.
func (id ID) String() string {
	return string(id)
}

// IsValid returns true if the ID is a valid UUID format.
func (id ID) IsValid() bool {
	if id == "" {
		return false
	}
	_, err := uuid.Parse(string(id))
	return err == nil
}

// Type selects which portion of the agent graph a workflow runs.
type Type string

const (
	// TypeFull runs the complete graph: architect, approval, developer, reviewer.
	TypeFull Type = "full"
	// TypeReview runs only the review stages against existing changes.
	TypeReview Type = "review"
)

// IsValid returns true if this is a recognized workflow Type.
func (t Type) IsValid() bool {
	return t == TypeFull || t == TypeReview
}

// Status represents the lifecycle state of a workflow.
// Valid transitions:
//
//	Pending    -> InProgress, Failed, Cancelled
//	InProgress -> Blocked, Completed, Failed, Cancelled
//	Blocked    -> InProgress, Failed, Cancelled
//	Completed  -> (terminal)
//	Failed     -> (terminal)
//	Cancelled  -> (terminal)
type Status string

const (
	// StatusPending indicates the workflow is created but not yet picked up by a supervisor.
	StatusPending Status = "pending"
	// StatusInProgress indicates the graph is actively executing.
	StatusInProgress Status = "in_progress"
	// StatusBlocked indicates the graph is paused at a human gate.
	StatusBlocked Status = "blocked"
	// StatusCompleted indicates the workflow finished successfully.
	StatusCompleted Status = "completed"
	// StatusFailed indicates the workflow terminated due to an error or rejection.
	StatusFailed Status = "failed"
	// StatusCancelled indicates the workflow was cancelled by an operator or the watchdog.
	StatusCancelled Status = "cancelled"
)

// validTransitions defines the allowed status transitions for workflows.
// The key is the current status, the value is a set of valid target statuses.
var validTransitions = map[Status]map[Status]bool{
	StatusPending: {
		StatusInProgress: true,
		StatusFailed:     true,
		StatusCancelled:  true,
	},
	StatusInProgress: {
		StatusBlocked:   true,
		StatusCompleted: true,
		StatusFailed:    true,
		StatusCancelled: true,
	},
	StatusBlocked: {
		StatusInProgress: true,
		StatusFailed:     true,
		StatusCancelled:  true,
	},
	// Terminal statuses have no valid transitions
	StatusCompleted: {},
	StatusFailed:    {},
	StatusCancelled: {},
}

// String returns the string representation of the Status.
func (s Status) String() string {
	return string(s)
}

// IsValid returns true if this is a recognized Status value.
func (s Status) IsValid() bool {
	_, ok := validTransitions[s]
	return ok
}

// IsTerminal returns true if this status is a terminal status
// (Completed, Failed, or Cancelled). Terminal statuses cannot transition
// to any other status.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// IsActive returns true if a workflow in this status holds its worktree.
// Pending workflows may queue behind an active one on the same worktree.
func (s Status) IsActive() bool {
	return s == StatusInProgress || s == StatusBlocked
}

// CanTransitionTo returns true if transitioning from the current status
// to the target status is valid according to the workflow state machine.
func (s Status) CanTransitionTo(target Status) bool {
	allowed, ok := validTransitions[s]
	if !ok {
		return false
	}
	return allowed[target]
}

// ValidTargets returns all statuses that can be transitioned to from the current status.
func (s Status) ValidTargets() []Status {
	allowed, ok := validTransitions[s]
	if !ok {
		return nil
	}
	targets := make([]Status, 0, len(allowed))
	for target := range allowed {
		targets = append(targets, target)
	}
	return targets
}

// ActiveStatuses is the default status set used for worktree occupancy checks.
func ActiveStatuses() []Status {
	return []Status{StatusInProgress, StatusBlocked}
}

// NonTerminalStatuses lists every status that is not a sink.
func NonTerminalStatuses() []Status {
	return []Status{StatusPending, StatusInProgress, StatusBlocked}
}

// issueIDPattern restricts issue IDs to characters safe for subprocess
// arguments and path construction.
var issueIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// ValidIssueID returns true if the issue ID uses only safe characters.
func ValidIssueID(issueID string) bool {
	return issueID != "" && issueIDPattern.MatchString(issueID)
}

// PlanCache is a structured snapshot of the plan produced by the architect.
// It is sufficient to render the plan without replaying the graph.
type PlanCache struct {
	Goal       string   `json:"goal"`
	Markdown   string   `json:"markdown"`
	KeyFiles   []string `json:"key_files,omitempty"`
	TotalTasks int      `json:"total_tasks"`
}

// Spec defines parameters for creating a new workflow.
type Spec struct {
	// IssueID is the external tracker reference (required, safe charset).
	IssueID string
	// WorktreePath is the absolute path of the git worktree to operate on (required).
	WorktreePath string
	// Type selects the graph variant. Defaults to TypeFull when empty.
	Type Type
	// ProfileID references a configuration profile. Optional.
	ProfileID string
}

// Validate checks that the Spec has all required fields
// and that all values are within valid ranges.
func (s *Spec) Validate() error {
	if !ValidIssueID(s.IssueID) {
		return fmt.Errorf("%w: issue_id must match [A-Za-z0-9_-]+", ErrValidation)
	}
	if s.WorktreePath == "" {
		return fmt.Errorf("%w: worktree_path is required", ErrValidation)
	}
	if s.Type != "" && !s.Type.IsValid() {
		return fmt.Errorf("%w: unknown workflow type %q", ErrValidation, s.Type)
	}
	return nil
}

// Workflow is one record per submitted unit of work.
// The repository row is the authoritative copy; the orchestrator holds a
// supervisor goroutine referencing it by ID while active.
type Workflow struct {
	ID           ID
	IssueID      string
	WorktreePath string
	Type         Type
	ProfileID    string
	Status       Status

	CreatedAt   time.Time
	StartedAt   *time.Time
	PlannedAt   *time.Time
	CompletedAt *time.Time

	CurrentStage      string
	FailureReason     string
	ConsecutiveErrors int
	LastErrorContext  string

	PlanCache      *PlanCache
	IssueCache     json.RawMessage
	ExecutionState json.RawMessage
}

// New creates a Workflow from a Spec in Pending status.
func New(spec *Spec) (*Workflow, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}

	typ := spec.Type
	if typ == "" {
		typ = TypeFull
	}

	return &Workflow{
		ID:           NewID(),
		IssueID:      spec.IssueID,
		WorktreePath: spec.WorktreePath,
		Type:         typ,
		ProfileID:    spec.ProfileID,
		Status:       StatusPending,
		CreatedAt:    time.Now().UTC(),
	}, nil
}

// TransitionTo attempts to transition the workflow to the target status.
// Returns ErrInvalidTransition if the transition is not valid from the
// current status. Terminal targets set CompletedAt.
func (w *Workflow) TransitionTo(target Status) error {
	if !w.Status.CanTransitionTo(target) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, w.Status, target)
	}
	w.Status = target

	now := time.Now().UTC()
	if target == StatusInProgress && w.StartedAt == nil {
		w.StartedAt = &now
	}
	if target.IsTerminal() {
		w.CompletedAt = &now
	}
	return nil
}

// IsTerminal returns true if the workflow is in a terminal status.
func (w *Workflow) IsTerminal() bool {
	return w.Status.IsTerminal()
}

// SetPlan records the architect's plan snapshot and stamps PlannedAt.
func (w *Workflow) SetPlan(plan *PlanCache) {
	w.PlanCache = plan
	if plan != nil && w.PlannedAt == nil {
		now := time.Now().UTC()
		w.PlannedAt = &now
	}
}

// TokenUsage is one record per agent invocation.
type TokenUsage struct {
	ID                  ID        `json:"id,omitempty"`
	WorkflowID          ID        `json:"workflow_id"`
	Agent               string    `json:"agent"`
	Model               string    `json:"model"`
	InputTokens         int64     `json:"input_tokens"`
	OutputTokens        int64     `json:"output_tokens"`
	CacheReadTokens     int64     `json:"cache_read_tokens"`
	CacheCreationTokens int64     `json:"cache_creation_tokens"`
	CostUSD             float64   `json:"cost_usd"`
	DurationMS          int64     `json:"duration_ms"`
	NumTurns            int       `json:"num_turns"`
	Timestamp           time.Time `json:"timestamp"`
}

// Validate enforces the cache-read subset invariant.
func (u *TokenUsage) Validate() error {
	if u.WorkflowID == "" {
		return fmt.Errorf("%w: workflow_id is required", ErrValidation)
	}
	if u.CacheReadTokens > u.InputTokens {
		return fmt.Errorf("%w: cache_read_tokens (%d) exceeds input_tokens (%d)",
			ErrValidation, u.CacheReadTokens, u.InputTokens)
	}
	return nil
}

// TokenSummary aggregates the usage records of a single workflow.
type TokenSummary struct {
	TotalInputTokens         int64   `json:"total_input_tokens"`
	TotalOutputTokens        int64   `json:"total_output_tokens"`
	TotalCacheReadTokens     int64   `json:"total_cache_read_tokens"`
	TotalCacheCreationTokens int64   `json:"total_cache_creation_tokens"`
	TotalCostUSD             float64 `json:"total_cost_usd"`
	TotalDurationMS          int64   `json:"total_duration_ms"`
	Invocations              int     `json:"invocations"`
}

// UsageSummary reports totals over a date range plus the same-length
// window immediately preceding it, for period-over-period comparison.
type UsageSummary struct {
	Start               time.Time `json:"start"`
	End                 time.Time `json:"end"`
	TotalCostUSD        float64   `json:"total_cost_usd"`
	TotalInputTokens    int64     `json:"total_input_tokens"`
	TotalOutputTokens   int64     `json:"total_output_tokens"`
	Invocations         int       `json:"invocations"`
	PreviousCostUSD     float64   `json:"previous_cost_usd"`
	PreviousInvocations int       `json:"previous_invocations"`
	CompletedWorkflows  int       `json:"completed_workflows"`
	TerminalWorkflows   int       `json:"terminal_workflows"`
	SuccessRate         float64   `json:"success_rate"`
}

// UsageTrendPoint is one date + model cell of the usage trend.
type UsageTrendPoint struct {
	Date         string  `json:"date"` // YYYY-MM-DD
	Model        string  `json:"model"`
	CostUSD      float64 `json:"cost_usd"`
	InputTokens  int64   `json:"input_tokens"`
	OutputTokens int64   `json:"output_tokens"`
	Invocations  int     `json:"invocations"`
}

// ModelUsage is the per-model rollup with a dense daily cost series
// spanning the requested range inclusive (zero-filled for missing days).
type ModelUsage struct {
	Model        string    `json:"model"`
	CostUSD      float64   `json:"cost_usd"`
	InputTokens  int64     `json:"input_tokens"`
	OutputTokens int64     `json:"output_tokens"`
	Invocations  int       `json:"invocations"`
	DailyCostUSD []float64 `json:"daily_cost_usd"`
}
