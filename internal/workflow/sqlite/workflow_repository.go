package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/zjrosen/overseer/internal/workflow"
)

// workflowColumns is the list of columns to select for workflow queries.
const workflowColumns = `id, issue_id, worktree_path, type, profile_id, status,
	current_stage, failure_reason, consecutive_errors, last_error_context,
	plan_cache, issue_cache, execution_state,
	created_at, started_at, planned_at, completed_at`

// Store implements workflow.Store using SQLite.
type Store struct {
	db *sql.DB
}

// NewStore creates a Store backed by the given database. The database must
// already have its schema applied (see NewDB).
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Ensure Store implements workflow.Store.
var _ workflow.Store = (*Store)(nil)

// scanWorkflow scans a row into a WorkflowModel.
func scanWorkflow(scanner interface{ Scan(...any) error }) (*WorkflowModel, error) {
	var model WorkflowModel
	err := scanner.Scan(
		&model.ID, &model.IssueID, &model.WorktreePath, &model.Type, &model.ProfileID, &model.Status,
		&model.CurrentStage, &model.FailureReason, &model.ConsecutiveErrors, &model.LastErrorContext,
		&model.PlanCache, &model.IssueCache, &model.ExecutionState,
		&model.CreatedAt, &model.StartedAt, &model.PlannedAt, &model.CompletedAt,
	)
	return &model, err
}

// isUniqueViolation reports whether err is a SQLite UNIQUE constraint
// failure on the given column spec (e.g. "workflows.worktree_path").
func isUniqueViolation(err error, column string) bool {
	return err != nil &&
		strings.Contains(err.Error(), "UNIQUE constraint failed") &&
		strings.Contains(err.Error(), column)
}

// Create inserts a new workflow row.
func (s *Store) Create(ctx context.Context, w *workflow.Workflow) error {
	m := toWorkflowModel(w)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO workflows (
			id, issue_id, worktree_path, type, profile_id, status,
			current_stage, failure_reason, consecutive_errors, last_error_context,
			plan_cache, issue_cache, execution_state,
			created_at, started_at, planned_at, completed_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.IssueID, m.WorktreePath, m.Type, m.ProfileID, m.Status,
		m.CurrentStage, m.FailureReason, m.ConsecutiveErrors, m.LastErrorContext,
		m.PlanCache, m.IssueCache, m.ExecutionState,
		m.CreatedAt, m.StartedAt, m.PlannedAt, m.CompletedAt,
	)
	if isUniqueViolation(err, "workflows.worktree_path") {
		return fmt.Errorf("%w: %s", workflow.ErrWorktreeConflict, w.WorktreePath)
	}
	if err != nil {
		return fmt.Errorf("failed to insert workflow: %w", err)
	}
	return nil
}

// Get retrieves a workflow by ID.
func (s *Store) Get(ctx context.Context, id workflow.ID) (*workflow.Workflow, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+workflowColumns+` FROM workflows WHERE id = ?`, string(id))
	m, err := scanWorkflow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: workflow %s", workflow.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get workflow: %w", err)
	}
	return m.toDomain(), nil
}

// GetByWorktree retrieves the active workflow occupying a worktree.
func (s *Store) GetByWorktree(ctx context.Context, path string) (*workflow.Workflow, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+workflowColumns+` FROM workflows
		 WHERE worktree_path = ? AND status IN ('in_progress', 'blocked')`,
		path)
	m, err := scanWorkflow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: no active workflow on %s", workflow.ErrNotFound, path)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get workflow by worktree: %w", err)
	}
	return m.toDomain(), nil
}

// Update persists the mutable fields of a workflow after re-validating the
// status against the stored row.
func (s *Store) Update(ctx context.Context, w *workflow.Workflow) error {
	row := s.db.QueryRowContext(ctx,
		`SELECT status FROM workflows WHERE id = ?`, string(w.ID))
	var current string
	if err := row.Scan(&current); errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: workflow %s", workflow.ErrNotFound, w.ID)
	} else if err != nil {
		return fmt.Errorf("failed to read workflow status: %w", err)
	}

	stored := workflow.Status(current)
	if stored != w.Status && !stored.CanTransitionTo(w.Status) {
		return fmt.Errorf("%w: %s -> %s", workflow.ErrInvalidTransition, stored, w.Status)
	}

	m := toWorkflowModel(w)
	_, err := s.db.ExecContext(ctx,
		`UPDATE workflows SET
			status = ?, current_stage = ?, failure_reason = ?,
			consecutive_errors = ?, last_error_context = ?,
			plan_cache = ?, issue_cache = ?, execution_state = ?,
			started_at = ?, planned_at = ?, completed_at = ?
		WHERE id = ?`,
		m.Status, m.CurrentStage, m.FailureReason,
		m.ConsecutiveErrors, m.LastErrorContext,
		m.PlanCache, m.IssueCache, m.ExecutionState,
		m.StartedAt, m.PlannedAt, m.CompletedAt,
		m.ID,
	)
	if isUniqueViolation(err, "workflows.worktree_path") {
		return fmt.Errorf("%w: %s", workflow.ErrWorktreeConflict, w.WorktreePath)
	}
	if err != nil {
		return fmt.Errorf("failed to update workflow: %w", err)
	}
	return nil
}

// SetStatus transitions a workflow to the target status. The update is
// guarded on the current status so concurrent transitions cannot both win.
func (s *Store) SetStatus(ctx context.Context, id workflow.ID, target workflow.Status, failureReason string) (*workflow.Workflow, error) {
	w, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	current := w.Status
	if err := w.TransitionTo(target); err != nil {
		return nil, err
	}
	if target == workflow.StatusFailed && failureReason != "" {
		w.FailureReason = failureReason
	}

	m := toWorkflowModel(w)
	res, err := s.db.ExecContext(ctx,
		`UPDATE workflows SET status = ?, failure_reason = ?, started_at = ?, completed_at = ?
		 WHERE id = ? AND status = ?`,
		m.Status, m.FailureReason, m.StartedAt, m.CompletedAt,
		m.ID, string(current),
	)
	if isUniqueViolation(err, "workflows.worktree_path") {
		return nil, fmt.Errorf("%w: %s", workflow.ErrWorktreeConflict, w.WorktreePath)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to transition workflow: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		// Lost a race with a concurrent transition.
		fresh, getErr := s.Get(ctx, id)
		if getErr != nil {
			return nil, getErr
		}
		return nil, fmt.Errorf("%w: %s -> %s", workflow.ErrInvalidTransition, fresh.Status, target)
	}
	return w, nil
}

// Reopen resets a failed workflow to pending so it can be resumed from its
// checkpoint. The update is guarded on the failed status; anything else
// reports ErrInvalidState.
func (s *Store) Reopen(ctx context.Context, id workflow.ID) (*workflow.Workflow, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE workflows SET
			status = 'pending', failure_reason = NULL, completed_at = NULL,
			consecutive_errors = 0, last_error_context = NULL
		 WHERE id = ? AND status = 'failed'`,
		string(id))
	if err != nil {
		return nil, fmt.Errorf("failed to reopen workflow: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		fresh, getErr := s.Get(ctx, id)
		if getErr != nil {
			return nil, getErr
		}
		return nil, fmt.Errorf("%w: workflow %s is %s, expected failed", workflow.ErrInvalidState, id, fresh.Status)
	}
	return s.Get(ctx, id)
}

// UpdatePlanCache stores the plan snapshot and stamps planned_at if unset.
func (s *Store) UpdatePlanCache(ctx context.Context, id workflow.ID, plan *workflow.PlanCache) error {
	w, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	w.SetPlan(plan)

	m := toWorkflowModel(w)
	_, err = s.db.ExecContext(ctx,
		`UPDATE workflows SET plan_cache = ?, planned_at = ? WHERE id = ?`,
		m.PlanCache, m.PlannedAt, m.ID)
	if err != nil {
		return fmt.Errorf("failed to update plan cache: %w", err)
	}
	return nil
}

// List returns one page of workflows ordered by started_at DESC with
// never-started rows last, id DESC as tiebreaker.
func (s *Store) List(ctx context.Context, filter workflow.ListFilter) (*workflow.Page, error) {
	limit := filter.Limit
	if limit <= 0 || limit > workflow.MaxPageSize {
		limit = workflow.MaxPageSize
	}

	var (
		conds []string
		args  []any
	)
	if len(filter.Statuses) > 0 {
		placeholders := make([]string, len(filter.Statuses))
		for i, st := range filter.Statuses {
			placeholders[i] = "?"
			args = append(args, string(st))
		}
		conds = append(conds, "status IN ("+strings.Join(placeholders, ", ")+")")
	}
	if filter.IssueID != "" {
		conds = append(conds, "issue_id = ?")
		args = append(args, filter.IssueID)
	}
	if filter.Type != "" {
		conds = append(conds, "type = ?")
		args = append(args, string(filter.Type))
	}
	if c := filter.Cursor; c != nil {
		if c.StartedAt != nil {
			conds = append(conds,
				`(started_at IS NULL
				  OR started_at < ?
				  OR (started_at = ? AND id < ?))`)
			ts := c.StartedAt.Unix()
			args = append(args, ts, ts, string(c.ID))
		} else {
			conds = append(conds, "(started_at IS NULL AND id < ?)")
			args = append(args, string(c.ID))
		}
	}

	query := `SELECT ` + workflowColumns + ` FROM workflows`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	// Over-read by one row to learn whether another page exists.
	query += ` ORDER BY started_at DESC NULLS LAST, id DESC LIMIT ?`
	args = append(args, limit+1)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list workflows: %w", err)
	}
	defer rows.Close()

	var workflows []*workflow.Workflow
	for rows.Next() {
		m, err := scanWorkflow(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan workflow: %w", err)
		}
		workflows = append(workflows, m.toDomain())
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate workflows: %w", err)
	}

	page := &workflow.Page{}
	if len(workflows) > limit {
		workflows = workflows[:limit]
		last := workflows[len(workflows)-1]
		page.NextCursor = &workflow.Cursor{StartedAt: last.StartedAt, ID: last.ID}
	}
	page.Workflows = workflows
	return page, nil
}

// ListActive returns all workflows currently holding their worktree.
func (s *Store) ListActive(ctx context.Context) ([]*workflow.Workflow, error) {
	return s.FindByStatus(ctx, workflow.ActiveStatuses()...)
}

// FindByStatus returns all workflows in any of the given statuses.
func (s *Store) FindByStatus(ctx context.Context, statuses ...workflow.Status) ([]*workflow.Workflow, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	placeholders := make([]string, len(statuses))
	args := make([]any, len(statuses))
	for i, st := range statuses {
		placeholders[i] = "?"
		args[i] = string(st)
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+workflowColumns+` FROM workflows
		 WHERE status IN (`+strings.Join(placeholders, ", ")+`)
		 ORDER BY created_at ASC, id ASC`,
		args...)
	if err != nil {
		return nil, fmt.Errorf("failed to find workflows by status: %w", err)
	}
	defer rows.Close()

	var workflows []*workflow.Workflow
	for rows.Next() {
		m, err := scanWorkflow(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan workflow: %w", err)
		}
		workflows = append(workflows, m.toDomain())
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate workflows: %w", err)
	}
	return workflows, nil
}

// CountByStatus returns the current population of every status.
func (s *Store) CountByStatus(ctx context.Context) (workflow.StatusCounts, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM workflows GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to count workflows: %w", err)
	}
	defer rows.Close()

	counts := make(workflow.StatusCounts)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("failed to scan count: %w", err)
		}
		counts[workflow.Status(status)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate counts: %w", err)
	}
	return counts, nil
}
