// Package graph provides a small checkpointed state-graph executor. A graph
// is a set of named nodes producing state deltas, connected by static or
// conditional edges, with interrupt gates that pause execution before
// designated nodes until the caller resumes.
package graph

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"time"

	"github.com/zjrosen/overseer/internal/log"
)

// State is the accumulated graph state for one thread. Node deltas are
// merged into it key by key.
type State map[string]any

// Clone returns a shallow copy of the state.
func (s State) Clone() State {
	out := make(State, len(s))
	maps.Copy(out, s)
	return out
}

// Merge folds a delta into the state, overwriting existing keys.
func (s State) Merge(delta State) {
	maps.Copy(s, delta)
}

// NodeFunc executes one node. It receives a copy of the accumulated state
// and returns the delta to merge.
type NodeFunc func(ctx context.Context, state State) (State, error)

// Interrupt reports execution pausing at a gate before the named node.
type Interrupt struct {
	Node   string `json:"node"`
	Reason string `json:"reason,omitempty"`
}

// Chunk is one unit of streamed progress. Exactly one of Delta, Interrupt,
// or Err is meaningful per chunk.
type Chunk struct {
	// Node is the node that produced this chunk (or the gate node for
	// interrupts).
	Node string
	// Delta is the state change produced by a completed node.
	Delta State
	// Interrupt is set when execution paused at a gate.
	Interrupt *Interrupt
	// Err terminates the stream with a node failure.
	Err error
}

// RunConfig addresses one execution thread and its gates.
type RunConfig struct {
	// ThreadID keys the checkpoint history. One thread per workflow.
	ThreadID string
	// InterruptBefore pauses execution before each listed node, once.
	// Resuming a paused thread with nil input steps through the gate.
	InterruptBefore []string
}

// Snapshot is the observable state of a thread.
type Snapshot struct {
	State        State
	Next         string // next node to run; "" when the thread is done
	Interrupted  bool
	CheckpointID string
	CreatedAt    time.Time
}

// Executor runs graphs. The orchestrator depends on this interface, not on
// the concrete Graph, so agent-backed executors and test doubles plug in.
type Executor interface {
	// Stream resumes the thread from its latest checkpoint (or the entry
	// node for a fresh thread), merges input into state, and emits one
	// chunk per node until completion, interrupt, or failure. The channel
	// is closed when the stream ends.
	Stream(ctx context.Context, cfg RunConfig, input State) (<-chan Chunk, error)
	// GetState returns the thread's latest snapshot. Returns ErrNoThread
	// for unknown threads.
	GetState(ctx context.Context, threadID string) (*Snapshot, error)
	// UpdateState merges a delta into the thread's checkpointed state
	// without running any node.
	UpdateState(ctx context.Context, threadID string, delta State) error
}

// ErrNoThread is returned for threads with no checkpoint history.
var ErrNoThread = errors.New("no such thread")

// End is the pseudo-node terminating execution.
const End = "__end__"

// Graph is a built, immutable node graph. Safe for concurrent Stream calls
// on distinct threads.
type Graph struct {
	nodes  map[string]NodeFunc
	edges  map[string]string
	router map[string]func(State) string
	entry  string
	store  CheckpointStore
}

var _ Executor = (*Graph)(nil)

// Stream implements Executor.
func (g *Graph) Stream(ctx context.Context, cfg RunConfig, input State) (<-chan Chunk, error) {
	if cfg.ThreadID == "" {
		return nil, fmt.Errorf("thread id is required")
	}

	cp, err := g.store.Latest(ctx, cfg.ThreadID)
	if err != nil && !errors.Is(err, ErrNoThread) {
		return nil, err
	}

	state := State{}
	next := g.entry
	resuming := false
	if cp != nil {
		state = cp.State.Clone()
		next = cp.Node
		// Re-entering a paused thread with no new input steps through the
		// gate the thread stopped at.
		resuming = cp.Interrupted && input == nil
	}
	state.Merge(input)

	ch := make(chan Chunk, 16)
	log.SafeGo(fmt.Sprintf("graph.stream[%s]", cfg.ThreadID), func() {
		defer close(ch)
		g.run(ctx, cfg, state, next, resuming, ch)
	})
	return ch, nil
}

func (g *Graph) run(ctx context.Context, cfg RunConfig, state State, next string, resuming bool, ch chan<- Chunk) {
	gates := make(map[string]bool, len(cfg.InterruptBefore))
	for _, n := range cfg.InterruptBefore {
		gates[n] = true
	}

	for next != End && next != "" {
		if err := ctx.Err(); err != nil {
			ch <- Chunk{Node: next, Err: err}
			return
		}

		if gates[next] && !resuming {
			cp := &Checkpoint{ThreadID: cfg.ThreadID, Node: next, State: state, Interrupted: true}
			if err := g.store.Save(ctx, cp); err != nil {
				ch <- Chunk{Node: next, Err: err}
				return
			}
			ch <- Chunk{Node: next, Interrupt: &Interrupt{Node: next}}
			return
		}
		resuming = false

		fn, ok := g.nodes[next]
		if !ok {
			ch <- Chunk{Node: next, Err: fmt.Errorf("unknown node %q", next)}
			return
		}

		delta, err := fn(ctx, state.Clone())
		if err != nil {
			ch <- Chunk{Node: next, Err: fmt.Errorf("node %s: %w", next, err)}
			return
		}
		state.Merge(delta)

		following := g.nextNode(next, state)
		cp := &Checkpoint{ThreadID: cfg.ThreadID, Node: following, State: state}
		if err := g.store.Save(ctx, cp); err != nil {
			ch <- Chunk{Node: next, Err: err}
			return
		}

		ch <- Chunk{Node: next, Delta: delta}
		next = following
	}
}

func (g *Graph) nextNode(from string, state State) string {
	if route, ok := g.router[from]; ok {
		return route(state)
	}
	if to, ok := g.edges[from]; ok {
		return to
	}
	return End
}

// GetState implements Executor.
func (g *Graph) GetState(ctx context.Context, threadID string) (*Snapshot, error) {
	cp, err := g.store.Latest(ctx, threadID)
	if err != nil {
		return nil, err
	}
	next := cp.Node
	if next == End {
		next = ""
	}
	return &Snapshot{
		State:        cp.State.Clone(),
		Next:         next,
		Interrupted:  cp.Interrupted,
		CheckpointID: cp.ID,
		CreatedAt:    cp.CreatedAt,
	}, nil
}

// UpdateState implements Executor.
func (g *Graph) UpdateState(ctx context.Context, threadID string, delta State) error {
	cp, err := g.store.Latest(ctx, threadID)
	if err != nil {
		return err
	}
	state := cp.State.Clone()
	state.Merge(delta)
	return g.store.Save(ctx, &Checkpoint{
		ThreadID:    threadID,
		Node:        cp.Node,
		State:       state,
		Interrupted: cp.Interrupted,
	})
}
