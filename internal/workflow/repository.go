package workflow

import (
	"context"
	"time"
)

// Cursor is an opaque pagination position: the sort key of the last row of
// the previous page. Ordering is started_at DESC with NULL last, then id
// DESC as tiebreaker, so the cursor carries both fields.
type Cursor struct {
	StartedAt *time.Time `json:"started_at"`
	ID        ID         `json:"id"`
}

// ListFilter narrows and paginates workflow listings.
type ListFilter struct {
	// Statuses restricts results to the given statuses. Empty means all.
	Statuses []Status
	// IssueID restricts results to workflows for one tracker issue.
	IssueID string
	// Type restricts results to one workflow type.
	Type Type
	// Limit caps the page size. Values outside [1, MaxPageSize] are clamped.
	Limit int
	// Cursor resumes a previous listing. Nil starts from the newest row.
	Cursor *Cursor
}

// MaxPageSize caps listing page sizes.
const MaxPageSize = 200

// Page is one page of a workflow listing.
type Page struct {
	Workflows  []*Workflow
	NextCursor *Cursor
}

// StatusCounts maps each status to the number of workflows currently in it.
type StatusCounts map[Status]int

// Repository is the persistence boundary for workflows, the event log, and
// token usage. All writes that change a workflow status validate the
// transition against the state machine before touching the row.
type Repository interface {
	// Create inserts a new workflow row. Returns ErrWorktreeConflict if an
	// active workflow already occupies the worktree.
	Create(ctx context.Context, w *Workflow) error
	// Get retrieves a workflow by ID. Returns ErrNotFound if absent.
	Get(ctx context.Context, id ID) (*Workflow, error)
	// GetByWorktree retrieves the active workflow on a worktree, if any.
	// Returns ErrNotFound when no active workflow holds the path.
	GetByWorktree(ctx context.Context, path string) (*Workflow, error)
	// Update persists the mutable fields of a workflow. The stored status is
	// re-validated: if the row's current status cannot transition to the
	// workflow's status (and they differ), ErrInvalidTransition is returned.
	Update(ctx context.Context, w *Workflow) error
	// SetStatus transitions a workflow to the target status, stamping
	// started_at/completed_at as appropriate. failureReason is recorded for
	// failed transitions and ignored otherwise.
	SetStatus(ctx context.Context, id ID, target Status, failureReason string) (*Workflow, error)
	// UpdatePlanCache stores the plan snapshot and stamps planned_at.
	UpdatePlanCache(ctx context.Context, id ID, plan *PlanCache) error
	// Reopen resets a failed workflow back to pending, clearing its failure
	// bookkeeping, so an operator can resume it from checkpoint. This is the
	// single sanctioned exit from a terminal status; any other caller gets
	// ErrInvalidState.
	Reopen(ctx context.Context, id ID) (*Workflow, error)
	// List returns one page of workflows ordered newest-first.
	List(ctx context.Context, filter ListFilter) (*Page, error)
	// ListActive returns all workflows in an active status (in_progress,
	// blocked), unpaginated.
	ListActive(ctx context.Context) ([]*Workflow, error)
	// FindByStatus returns all workflows in any of the given statuses.
	FindByStatus(ctx context.Context, statuses ...Status) ([]*Workflow, error)
	// CountByStatus returns the current population of every status.
	CountByStatus(ctx context.Context) (StatusCounts, error)
}

// EventRepository is the persistence boundary for the append-only event log.
type EventRepository interface {
	// SaveEvent appends a persisted event. Events whose type is not in the
	// persisted set are silently dropped. Duplicate (workflow_id, sequence)
	// pairs are rejected by the unique index.
	SaveEvent(ctx context.Context, e *Event) error
	// MaxEventSequence returns the highest sequence recorded for a workflow,
	// or 0 if it has no events.
	MaxEventSequence(ctx context.Context, id ID) (int64, error)
	// EventSequence returns the sequence of one of the workflow's events by
	// event id. Returns ErrNotFound when the workflow has no such event.
	EventSequence(ctx context.Context, id ID, eventID string) (int64, error)
	// EventExists reports whether the workflow already has an event of the
	// given type.
	EventExists(ctx context.Context, id ID, eventType EventType) (bool, error)
	// EventsAfter returns up to limit events with sequence > after,
	// ascending. A limit <= 0 means no cap.
	EventsAfter(ctx context.Context, id ID, after int64, limit int) ([]*Event, error)
	// RecentEvents returns the most recent events for a workflow in
	// ascending sequence order. limit <= 0 returns an empty slice.
	RecentEvents(ctx context.Context, id ID, limit int) ([]*Event, error)
}

// TokenRepository is the persistence boundary for usage records and their
// aggregations.
type TokenRepository interface {
	// SaveTokenUsage records one agent invocation.
	SaveTokenUsage(ctx context.Context, u *TokenUsage) error
	// TokenSummary aggregates a workflow's usage. Returns nil (no error)
	// when the workflow has no usage records.
	TokenSummary(ctx context.Context, id ID) (*TokenSummary, error)
	// TokenSummariesBatch aggregates usage for many workflows in a single
	// query. Workflows with no usage are absent from the result map.
	TokenSummariesBatch(ctx context.Context, ids []ID) (map[ID]*TokenSummary, error)
	// UsageSummary reports totals over [start, end) plus the preceding
	// window of equal length.
	UsageSummary(ctx context.Context, start, end time.Time) (*UsageSummary, error)
	// UsageTrend returns per-day, per-model cost and token totals.
	UsageTrend(ctx context.Context, start, end time.Time) ([]UsageTrendPoint, error)
	// UsageByModel returns per-model rollups with dense daily cost series.
	UsageByModel(ctx context.Context, start, end time.Time) ([]ModelUsage, error)
}

// Store combines the three repositories behind one handle.
type Store interface {
	Repository
	EventRepository
	TokenRepository
}
