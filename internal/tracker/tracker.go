// Package tracker reads issue metadata from the external issue tracker
// database so workflows can cache the issue they were started for.
package tracker

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/zjrosen/overseer/internal/log"
)

// ErrIssueNotFound is returned when the tracker has no such issue.
var ErrIssueNotFound = errors.New("issue not found")

// Issue is the tracker metadata cached onto a workflow at admission.
type Issue struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	Description string    `json:"description,omitempty"`
	Status      string    `json:"status"`
	Priority    int       `json:"priority"`
	Assignee    string    `json:"assignee,omitempty"`
	Labels      []string  `json:"labels,omitempty"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Tracker fetches issues by ID.
type Tracker interface {
	FetchIssue(ctx context.Context, issueID string) (*Issue, error)
}

// DBTracker reads issues from the tracker's SQLite database, opened
// read-only so a workflow can never mutate tracker state.
type DBTracker struct {
	db *sql.DB
}

// NewDBTracker opens the tracker database at path.
func NewDBTracker(path string) (*DBTracker, error) {
	db, err := sql.Open("sqlite3", "file:"+path+"?mode=ro")
	if err != nil {
		return nil, fmt.Errorf("failed to open tracker database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping tracker database: %w", err)
	}
	log.Info(log.CatTracker, "connected to tracker database", "path", path)
	return &DBTracker{db: db}, nil
}

var _ Tracker = (*DBTracker)(nil)

// Close closes the database connection.
func (t *DBTracker) Close() error {
	return t.db.Close()
}

// FetchIssue implements Tracker.
func (t *DBTracker) FetchIssue(ctx context.Context, issueID string) (*Issue, error) {
	row := t.db.QueryRowContext(ctx,
		`SELECT id, title, COALESCE(description, ''), status, priority,
			COALESCE(assignee, ''), updated_at
		 FROM issues WHERE id = ? AND deleted_at IS NULL`,
		issueID)

	var issue Issue
	err := row.Scan(&issue.ID, &issue.Title, &issue.Description,
		&issue.Status, &issue.Priority, &issue.Assignee, &issue.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrIssueNotFound, issueID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch issue: %w", err)
	}

	rows, err := t.db.QueryContext(ctx,
		`SELECT label FROM labels WHERE issue_id = ? ORDER BY label`, issueID)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch labels: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var label string
		if err := rows.Scan(&label); err != nil {
			return nil, fmt.Errorf("failed to scan label: %w", err)
		}
		issue.Labels = append(issue.Labels, label)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate labels: %w", err)
	}
	return &issue, nil
}
