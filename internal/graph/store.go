package graph

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Checkpoint is one durable snapshot of a thread: the accumulated state and
// the next node to run.
type Checkpoint struct {
	ID          string
	ThreadID    string
	Node        string
	State       State
	Interrupted bool
	CreatedAt   time.Time
}

// CheckpointStore persists checkpoints per thread.
type CheckpointStore interface {
	// Save appends a checkpoint. An empty ID is assigned.
	Save(ctx context.Context, cp *Checkpoint) error
	// Latest returns the newest checkpoint for a thread, or ErrNoThread.
	Latest(ctx context.Context, threadID string) (*Checkpoint, error)
}

// SQLiteStore persists checkpoints in the graph_checkpoints table.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a SQLiteStore. The schema must already be applied.
func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

var _ CheckpointStore = (*SQLiteStore)(nil)

// Save implements CheckpointStore.
func (s *SQLiteStore) Save(ctx context.Context, cp *Checkpoint) error {
	if cp.ID == "" {
		cp.ID = uuid.New().String()
	}
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	stateJSON, err := json.Marshal(cp.State)
	if err != nil {
		return fmt.Errorf("failed to encode checkpoint state: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO graph_checkpoints (thread_id, checkpoint_id, node, state, interrupted, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		cp.ThreadID, cp.ID, cp.Node, string(stateJSON), cp.Interrupted, cp.CreatedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert checkpoint: %w", err)
	}
	return nil
}

// Latest implements CheckpointStore.
func (s *SQLiteStore) Latest(ctx context.Context, threadID string) (*Checkpoint, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT checkpoint_id, node, state, interrupted, created_at
		 FROM graph_checkpoints
		 WHERE thread_id = ?
		 ORDER BY created_at DESC, rowid DESC LIMIT 1`,
		threadID)

	var (
		cp        Checkpoint
		stateJSON string
		createdNS int64
	)
	err := row.Scan(&cp.ID, &cp.Node, &stateJSON, &cp.Interrupted, &createdNS)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNoThread, threadID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load checkpoint: %w", err)
	}
	cp.ThreadID = threadID
	cp.CreatedAt = time.Unix(0, createdNS).UTC()
	if err := json.Unmarshal([]byte(stateJSON), &cp.State); err != nil {
		return nil, fmt.Errorf("failed to decode checkpoint state: %w", err)
	}
	return &cp, nil
}

// MemoryStore is an in-memory CheckpointStore for tests and ephemeral runs.
type MemoryStore struct {
	mu      sync.Mutex
	threads map[string][]*Checkpoint
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{threads: make(map[string][]*Checkpoint)}
}

var _ CheckpointStore = (*MemoryStore)(nil)

// Save implements CheckpointStore.
func (m *MemoryStore) Save(_ context.Context, cp *Checkpoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cp.ID == "" {
		cp.ID = uuid.New().String()
	}
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	saved := *cp
	saved.State = cp.State.Clone()
	m.threads[cp.ThreadID] = append(m.threads[cp.ThreadID], &saved)
	return nil
}

// Latest implements CheckpointStore.
func (m *MemoryStore) Latest(_ context.Context, threadID string) (*Checkpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cps := m.threads[threadID]
	if len(cps) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoThread, threadID)
	}
	latest := *cps[len(cps)-1]
	latest.State = latest.State.Clone()
	return &latest, nil
}
