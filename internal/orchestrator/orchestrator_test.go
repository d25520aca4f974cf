package orchestrator_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/zjrosen/overseer/internal/event"
	"github.com/zjrosen/overseer/internal/graph"
	"github.com/zjrosen/overseer/internal/orchestrator"
	"github.com/zjrosen/overseer/internal/testutil"
	"github.com/zjrosen/overseer/internal/workflow"
	"github.com/zjrosen/overseer/internal/workflow/sqlite"
)

// newWorktree creates a directory that passes worktree validation.
func newWorktree(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(dir, ".git"), 0o755))
	return dir
}

// planBuildReview builds the standard three-stage graph. The plan node
// publishes a plan snapshot; build and review are plain stages.
func planBuildReview(t *testing.T, buildFn graph.NodeFunc) *graph.Graph {
	t.Helper()
	if buildFn == nil {
		buildFn = func(context.Context, graph.State) (graph.State, error) {
			return graph.State{"built": true}, nil
		}
	}
	g, err := graph.NewBuilder(graph.NewMemoryStore()).
		AddNode("plan", func(context.Context, graph.State) (graph.State, error) {
			return graph.State{"plan": map[string]any{
				"goal":        "ship the feature",
				"markdown":    "## Plan",
				"total_tasks": 2,
			}}, nil
		}).
		AddNode("build", buildFn).
		AddNode("review", func(context.Context, graph.State) (graph.State, error) {
			return graph.State{"token_usage": workflow.TokenUsage{
				Model:        "sonnet",
				InputTokens:  100,
				OutputTokens: 50,
				CostUSD:      0.01,
			}}, nil
		}).
		SetEntry("plan").
		AddEdge("plan", "build").
		AddEdge("build", "review").
		AddEdge("review", graph.End).
		Build()
	require.NoError(t, err)
	return g
}

type fixture struct {
	store *sqlite.Store
	bus   *event.Bus
	orch  *orchestrator.Orchestrator
}

func newFixture(t *testing.T, exec graph.Executor, cfg orchestrator.Config) *fixture {
	t.Helper()
	store := testutil.NewTestStore(t)
	bus := event.NewBus(store)
	t.Cleanup(bus.Close)
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = orchestrator.RetryPolicy{
			MaxAttempts: 3,
			BaseDelay:   time.Millisecond,
			MaxDelay:    5 * time.Millisecond,
		}
	}
	return &fixture{
		store: store,
		bus:   bus,
		orch:  orchestrator.New(store, bus, exec, nil, cfg),
	}
}

// waitStatus polls until the workflow reaches the wanted status.
func (f *fixture) waitStatus(t *testing.T, id workflow.ID, want workflow.Status) *workflow.Workflow {
	t.Helper()
	var got *workflow.Workflow
	require.Eventually(t, func() bool {
		w, err := f.store.Get(context.Background(), id)
		if err != nil {
			return false
		}
		got = w
		return w.Status == want
	}, 5*time.Second, 5*time.Millisecond, "workflow never reached %s", want)
	return got
}

func (f *fixture) eventTypes(t *testing.T, id workflow.ID) []workflow.EventType {
	t.Helper()
	require.NoError(t, f.bus.Flush(context.Background()))
	events, err := f.store.EventsAfter(context.Background(), id, 0, 0)
	require.NoError(t, err)
	types := make([]workflow.EventType, len(events))
	for i, e := range events {
		types[i] = e.Type
		require.Equal(t, int64(i+1), e.Sequence, "sequences must be contiguous from 1")
	}
	return types
}

func TestOrchestrator_HappyPathWithApproval(t *testing.T) {
	f := newFixture(t, planBuildReview(t, nil), orchestrator.Config{Gates: []string{"build"}})
	ctx := context.Background()

	w, err := f.orch.Start(ctx, &workflow.Spec{IssueID: "ISSUE-1", WorktreePath: newWorktree(t)})
	require.NoError(t, err)
	require.Equal(t, workflow.StatusPending, w.Status)

	blocked := f.waitStatus(t, w.ID, workflow.StatusBlocked)
	require.NotNil(t, blocked.PlanCache, "plan must be synced before blocking")
	require.Equal(t, "ship the feature", blocked.PlanCache.Goal)
	require.NotNil(t, blocked.PlannedAt)

	require.NoError(t, f.orch.Approve(ctx, w.ID))
	done := f.waitStatus(t, w.ID, workflow.StatusCompleted)
	require.NotNil(t, done.CompletedAt)

	types := f.eventTypes(t, w.ID)
	require.Equal(t, []workflow.EventType{
		workflow.EventWorkflowStarted,
		workflow.EventStageStarted, // plan
		workflow.EventStageCompleted,
		workflow.EventApprovalRequired,
		workflow.EventApprovalGranted,
		workflow.EventStageStarted, // build
		workflow.EventStageCompleted,
		workflow.EventStageStarted, // review
		workflow.EventStageCompleted,
		workflow.EventWorkflowCompleted,
	}, types)

	// The review node reported token usage.
	sum, err := f.store.TokenSummary(ctx, w.ID)
	require.NoError(t, err)
	require.NotNil(t, sum)
	require.Equal(t, 1, sum.Invocations)
}

func TestOrchestrator_NoGateRunsStraightThrough(t *testing.T) {
	f := newFixture(t, planBuildReview(t, nil), orchestrator.Config{})
	ctx := context.Background()

	w, err := f.orch.Start(ctx, &workflow.Spec{IssueID: "ISSUE-1", WorktreePath: newWorktree(t)})
	require.NoError(t, err)
	f.waitStatus(t, w.ID, workflow.StatusCompleted)
}

func TestOrchestrator_RejectsInvalidWorktree(t *testing.T) {
	f := newFixture(t, planBuildReview(t, nil), orchestrator.Config{})
	ctx := context.Background()

	_, err := f.orch.Start(ctx, &workflow.Spec{IssueID: "ISSUE-1", WorktreePath: t.TempDir()})
	require.ErrorIs(t, err, workflow.ErrInvalidWorktree, "missing .git entry")

	_, err = f.orch.Start(ctx, &workflow.Spec{IssueID: "ISSUE-1", WorktreePath: "relative/path"})
	require.ErrorIs(t, err, workflow.ErrInvalidWorktree)

	_, err = f.orch.Start(ctx, &workflow.Spec{IssueID: "bad id!", WorktreePath: newWorktree(t)})
	require.ErrorIs(t, err, workflow.ErrValidation)
}

func TestOrchestrator_WorktreeConflict(t *testing.T) {
	f := newFixture(t, planBuildReview(t, nil), orchestrator.Config{Gates: []string{"build"}})
	ctx := context.Background()
	wt := newWorktree(t)

	w, err := f.orch.Start(ctx, &workflow.Spec{IssueID: "ISSUE-1", WorktreePath: wt})
	require.NoError(t, err)
	f.waitStatus(t, w.ID, workflow.StatusBlocked)

	// The blocked workflow has no supervisor but still owns the worktree.
	_, err = f.orch.Start(ctx, &workflow.Spec{IssueID: "ISSUE-2", WorktreePath: wt})
	require.ErrorIs(t, err, workflow.ErrWorktreeConflict)

	// A different worktree is fine.
	w2, err := f.orch.Start(ctx, &workflow.Spec{IssueID: "ISSUE-2", WorktreePath: newWorktree(t)})
	require.NoError(t, err)
	f.waitStatus(t, w2.ID, workflow.StatusBlocked)
}

func TestOrchestrator_ConcurrencyLimit(t *testing.T) {
	release := make(chan struct{})
	slowBuild := func(ctx context.Context, _ graph.State) (graph.State, error) {
		select {
		case <-release:
			return graph.State{"built": true}, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	f := newFixture(t, planBuildReview(t, slowBuild), orchestrator.Config{MaxConcurrent: 1})
	ctx := context.Background()

	w, err := f.orch.Start(ctx, &workflow.Spec{IssueID: "ISSUE-1", WorktreePath: newWorktree(t)})
	require.NoError(t, err)
	f.waitStatus(t, w.ID, workflow.StatusInProgress)

	_, err = f.orch.Start(ctx, &workflow.Spec{IssueID: "ISSUE-2", WorktreePath: newWorktree(t)})
	require.ErrorIs(t, err, workflow.ErrConcurrencyLimit)

	close(release)
	f.waitStatus(t, w.ID, workflow.StatusCompleted)
}

func TestOrchestrator_RetryThenSucceed(t *testing.T) {
	var calls atomic.Int32
	flaky := func(context.Context, graph.State) (graph.State, error) {
		if calls.Add(1) < 3 {
			return nil, orchestrator.Transient(errors.New("rate limited"))
		}
		return graph.State{"built": true}, nil
	}
	f := newFixture(t, planBuildReview(t, flaky), orchestrator.Config{})
	ctx := context.Background()

	w, err := f.orch.Start(ctx, &workflow.Spec{IssueID: "ISSUE-1", WorktreePath: newWorktree(t)})
	require.NoError(t, err)
	done := f.waitStatus(t, w.ID, workflow.StatusCompleted)

	require.Equal(t, int32(3), calls.Load())
	require.Zero(t, done.ConsecutiveErrors, "streak resets on success")

	types := f.eventTypes(t, w.ID)
	var warnings int
	for _, typ := range types {
		if typ == workflow.EventSystemWarning {
			warnings++
		}
	}
	require.Equal(t, 2, warnings, "one retry warning per failed attempt")
}

func TestOrchestrator_NonTransientFailureFailsFast(t *testing.T) {
	var calls atomic.Int32
	broken := func(context.Context, graph.State) (graph.State, error) {
		calls.Add(1)
		return nil, errors.New("compile error")
	}
	f := newFixture(t, planBuildReview(t, broken), orchestrator.Config{})
	ctx := context.Background()

	w, err := f.orch.Start(ctx, &workflow.Spec{IssueID: "ISSUE-1", WorktreePath: newWorktree(t)})
	require.NoError(t, err)
	failed := f.waitStatus(t, w.ID, workflow.StatusFailed)

	require.Equal(t, int32(1), calls.Load(), "non-transient errors must not retry")
	require.Contains(t, failed.FailureReason, "compile error")

	types := f.eventTypes(t, w.ID)
	require.Equal(t, workflow.EventWorkflowFailed, types[len(types)-1])
}

func TestOrchestrator_ExhaustedRetriesFail(t *testing.T) {
	flaky := func(context.Context, graph.State) (graph.State, error) {
		return nil, orchestrator.Transient(errors.New("still flaky"))
	}
	f := newFixture(t, planBuildReview(t, flaky), orchestrator.Config{})
	ctx := context.Background()

	w, err := f.orch.Start(ctx, &workflow.Spec{IssueID: "ISSUE-1", WorktreePath: newWorktree(t)})
	require.NoError(t, err)
	failed := f.waitStatus(t, w.ID, workflow.StatusFailed)
	require.Contains(t, failed.FailureReason, "still flaky")
	require.Equal(t, 2, failed.ConsecutiveErrors)
}

func TestOrchestrator_Reject(t *testing.T) {
	f := newFixture(t, planBuildReview(t, nil), orchestrator.Config{Gates: []string{"build"}})
	ctx := context.Background()

	w, err := f.orch.Start(ctx, &workflow.Spec{IssueID: "ISSUE-1", WorktreePath: newWorktree(t)})
	require.NoError(t, err)
	f.waitStatus(t, w.ID, workflow.StatusBlocked)

	require.NoError(t, f.orch.Reject(ctx, w.ID, "wrong approach"))
	failed := f.waitStatus(t, w.ID, workflow.StatusFailed)
	require.Equal(t, "wrong approach", failed.FailureReason)

	types := f.eventTypes(t, w.ID)
	require.Contains(t, types, workflow.EventApprovalRejected)
	require.Equal(t, workflow.EventWorkflowFailed, types[len(types)-1])

	// Rejecting again is an invalid-state error.
	require.ErrorIs(t, f.orch.Reject(ctx, w.ID, "again"), workflow.ErrInvalidState)
}

func TestOrchestrator_ApproveRequiresBlocked(t *testing.T) {
	f := newFixture(t, planBuildReview(t, nil), orchestrator.Config{})
	ctx := context.Background()

	w, err := f.orch.Start(ctx, &workflow.Spec{IssueID: "ISSUE-1", WorktreePath: newWorktree(t)})
	require.NoError(t, err)
	f.waitStatus(t, w.ID, workflow.StatusCompleted)

	require.ErrorIs(t, f.orch.Approve(ctx, w.ID), workflow.ErrInvalidState)
}

func TestOrchestrator_Cancel(t *testing.T) {
	started := make(chan struct{}, 1)
	hang := func(ctx context.Context, _ graph.State) (graph.State, error) {
		started <- struct{}{}
		<-ctx.Done()
		return nil, ctx.Err()
	}
	f := newFixture(t, planBuildReview(t, hang), orchestrator.Config{})
	ctx := context.Background()

	w, err := f.orch.Start(ctx, &workflow.Spec{IssueID: "ISSUE-1", WorktreePath: newWorktree(t)})
	require.NoError(t, err)
	<-started

	require.NoError(t, f.orch.Cancel(ctx, w.ID, "operator abort"))
	f.waitStatus(t, w.ID, workflow.StatusCancelled)

	types := f.eventTypes(t, w.ID)
	require.Equal(t, workflow.EventWorkflowCancelled, types[len(types)-1])
}

func TestOrchestrator_CancelBlockedWorkflow(t *testing.T) {
	f := newFixture(t, planBuildReview(t, nil), orchestrator.Config{Gates: []string{"build"}})
	ctx := context.Background()

	w, err := f.orch.Start(ctx, &workflow.Spec{IssueID: "ISSUE-1", WorktreePath: newWorktree(t)})
	require.NoError(t, err)
	f.waitStatus(t, w.ID, workflow.StatusBlocked)

	require.NoError(t, f.orch.Cancel(ctx, w.ID, ""))
	f.waitStatus(t, w.ID, workflow.StatusCancelled)
}

func TestOrchestrator_UpdatePlanWhileBlocked(t *testing.T) {
	f := newFixture(t, planBuildReview(t, nil), orchestrator.Config{Gates: []string{"build"}})
	ctx := context.Background()

	w, err := f.orch.Start(ctx, &workflow.Spec{IssueID: "ISSUE-1", WorktreePath: newWorktree(t)})
	require.NoError(t, err)
	f.waitStatus(t, w.ID, workflow.StatusBlocked)

	edited := &workflow.PlanCache{Goal: "revised goal", Markdown: "## Revised", TotalTasks: 1}
	require.NoError(t, f.orch.UpdatePlan(ctx, w.ID, edited))

	refreshed, err := f.store.Get(ctx, w.ID)
	require.NoError(t, err)
	require.Equal(t, "revised goal", refreshed.PlanCache.Goal)

	require.NoError(t, f.orch.Approve(ctx, w.ID))
	f.waitStatus(t, w.ID, workflow.StatusCompleted)
}

func TestOrchestrator_ResolveBlockerSkip(t *testing.T) {
	f := newFixture(t, planBuildReview(t, nil), orchestrator.Config{Gates: []string{"build"}})
	ctx := context.Background()

	w, err := f.orch.Start(ctx, &workflow.Spec{IssueID: "ISSUE-1", WorktreePath: newWorktree(t)})
	require.NoError(t, err)
	f.waitStatus(t, w.ID, workflow.StatusBlocked)

	require.NoError(t, f.orch.ResolveBlocker(ctx, w.ID, "skip", ""))
	f.waitStatus(t, w.ID, workflow.StatusCompleted)

	require.NoError(t, f.bus.Flush(ctx))
	events, err := f.store.EventsAfter(ctx, w.ID, 0, 0)
	require.NoError(t, err)
	var granted *workflow.Event
	for _, e := range events {
		if e.Type == workflow.EventApprovalGranted {
			granted = e
		}
	}
	require.NotNil(t, granted)
	require.Equal(t, "skip", granted.Data["action"])
}

func TestOrchestrator_ResolveBlockerFixCarriesFeedback(t *testing.T) {
	f := newFixture(t, planBuildReview(t, nil), orchestrator.Config{Gates: []string{"build"}})
	ctx := context.Background()

	w, err := f.orch.Start(ctx, &workflow.Spec{IssueID: "ISSUE-1", WorktreePath: newWorktree(t)})
	require.NoError(t, err)
	f.waitStatus(t, w.ID, workflow.StatusBlocked)

	require.NoError(t, f.orch.ResolveBlocker(ctx, w.ID, "fix", "touch only the parser"))
	f.waitStatus(t, w.ID, workflow.StatusCompleted)
}

func TestOrchestrator_ResolveBlockerValidation(t *testing.T) {
	f := newFixture(t, planBuildReview(t, nil), orchestrator.Config{})
	ctx := context.Background()

	// Action validation happens before any lookup.
	err := f.orch.ResolveBlocker(ctx, workflow.NewID(), "fix", "")
	require.ErrorIs(t, err, workflow.ErrValidation, "fix requires feedback")
	err = f.orch.ResolveBlocker(ctx, workflow.NewID(), "detonate", "")
	require.ErrorIs(t, err, workflow.ErrValidation)

	w, err := f.orch.Start(ctx, &workflow.Spec{IssueID: "ISSUE-1", WorktreePath: newWorktree(t)})
	require.NoError(t, err)
	f.waitStatus(t, w.ID, workflow.StatusCompleted)
	require.ErrorIs(t, f.orch.ResolveBlocker(ctx, w.ID, "retry", ""), workflow.ErrInvalidState)
}

func TestOrchestrator_ResumeFailedWorkflow(t *testing.T) {
	var broken atomic.Bool
	broken.Store(true)
	flaky := func(context.Context, graph.State) (graph.State, error) {
		if broken.Load() {
			return nil, errors.New("compile error")
		}
		return graph.State{"built": true}, nil
	}
	f := newFixture(t, planBuildReview(t, flaky), orchestrator.Config{})
	ctx := context.Background()

	w, err := f.orch.Start(ctx, &workflow.Spec{IssueID: "ISSUE-1", WorktreePath: newWorktree(t)})
	require.NoError(t, err)
	f.waitStatus(t, w.ID, workflow.StatusFailed)

	broken.Store(false)
	require.NoError(t, f.orch.Resume(ctx, w.ID))
	done := f.waitStatus(t, w.ID, workflow.StatusCompleted)
	require.Empty(t, done.FailureReason, "reopen clears the failure")
	require.Zero(t, done.ConsecutiveErrors)

	// The resumed run picks up at the failed node: no second
	// workflow_started, no replayed plan stage, three completions total.
	types := f.eventTypes(t, w.ID)
	counts := map[workflow.EventType]int{}
	for _, typ := range types {
		counts[typ]++
	}
	require.Equal(t, 1, counts[workflow.EventWorkflowStarted])
	require.Equal(t, 1, counts[workflow.EventWorkflowFailed])
	require.Equal(t, 3, counts[workflow.EventStageCompleted])
	require.Equal(t, workflow.EventWorkflowCompleted, types[len(types)-1])
}

func TestOrchestrator_ResumeRequiresFailed(t *testing.T) {
	f := newFixture(t, planBuildReview(t, nil), orchestrator.Config{Gates: []string{"build"}})
	ctx := context.Background()

	w, err := f.orch.Start(ctx, &workflow.Spec{IssueID: "ISSUE-1", WorktreePath: newWorktree(t)})
	require.NoError(t, err)
	f.waitStatus(t, w.ID, workflow.StatusBlocked)

	// Blocked workflows resume through Approve, not Resume.
	require.ErrorIs(t, f.orch.Resume(ctx, w.ID), workflow.ErrInvalidState)
}

func TestOrchestrator_ResumeWithoutCheckpoint(t *testing.T) {
	f := newFixture(t, planBuildReview(t, nil), orchestrator.Config{})
	ctx := context.Background()

	// A row failed before the graph ever ran has nothing to resume from.
	w, err := workflow.New(&workflow.Spec{IssueID: "ISSUE-1", WorktreePath: "/tmp/wt-gone"})
	require.NoError(t, err)
	require.NoError(t, f.store.Create(ctx, w))
	_, err = f.store.SetStatus(ctx, w.ID, workflow.StatusInProgress, "")
	require.NoError(t, err)
	_, err = f.store.SetStatus(ctx, w.ID, workflow.StatusFailed, "host rebooted")
	require.NoError(t, err)

	require.ErrorIs(t, f.orch.Resume(ctx, w.ID), workflow.ErrInvalidState)
}

func TestOrchestrator_ResumeWorktreeConflict(t *testing.T) {
	var calls atomic.Int32
	brokenOnce := func(context.Context, graph.State) (graph.State, error) {
		if calls.Add(1) == 1 {
			return nil, errors.New("compile error")
		}
		return graph.State{"built": true}, nil
	}
	f := newFixture(t, planBuildReview(t, brokenOnce), orchestrator.Config{Gates: []string{"review"}})
	ctx := context.Background()
	wt := newWorktree(t)

	w, err := f.orch.Start(ctx, &workflow.Spec{IssueID: "ISSUE-1", WorktreePath: wt})
	require.NoError(t, err)
	f.waitStatus(t, w.ID, workflow.StatusFailed)

	// Failing released the worktree; a new workflow claims it and parks at
	// the gate, so it holds the path without a running supervisor.
	w2, err := f.orch.Start(ctx, &workflow.Spec{IssueID: "ISSUE-2", WorktreePath: wt})
	require.NoError(t, err)
	f.waitStatus(t, w2.ID, workflow.StatusBlocked)

	require.ErrorIs(t, f.orch.Resume(ctx, w.ID), workflow.ErrWorktreeConflict)
}

func TestOrchestrator_RecoverInterrupted(t *testing.T) {
	store := testutil.NewTestStore(t)
	bus := event.NewBus(store)
	t.Cleanup(bus.Close)
	ctx := context.Background()

	// Simulate rows left behind by a crashed daemon.
	interrupted, err := workflow.New(&workflow.Spec{IssueID: "ISSUE-1", WorktreePath: "/tmp/wt-a"})
	require.NoError(t, err)
	require.NoError(t, store.Create(ctx, interrupted))
	_, err = store.SetStatus(ctx, interrupted.ID, workflow.StatusInProgress, "")
	require.NoError(t, err)

	blocked, err := workflow.New(&workflow.Spec{IssueID: "ISSUE-2", WorktreePath: "/tmp/wt-b"})
	require.NoError(t, err)
	require.NoError(t, store.Create(ctx, blocked))
	_, err = store.SetStatus(ctx, blocked.ID, workflow.StatusInProgress, "")
	require.NoError(t, err)
	_, err = store.SetStatus(ctx, blocked.ID, workflow.StatusBlocked, "")
	require.NoError(t, err)

	orch := orchestrator.New(store, bus, planBuildReview(t, nil), nil, orchestrator.Config{})
	require.NoError(t, orch.RecoverInterrupted(ctx))
	require.NoError(t, bus.Flush(ctx))

	w1, err := store.Get(ctx, interrupted.ID)
	require.NoError(t, err)
	require.Equal(t, workflow.StatusFailed, w1.Status)
	events, err := store.EventsAfter(ctx, interrupted.ID, 0, 0)
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, workflow.EventWorkflowFailed, events[0].Type)
	require.Equal(t, true, events[0].Data["recoverable"])

	w2, err := store.Get(ctx, blocked.ID)
	require.NoError(t, err)
	require.Equal(t, workflow.StatusBlocked, w2.Status, "blocked workflows stay parked")
	events, err = store.EventsAfter(ctx, blocked.ID, 0, 0)
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, workflow.EventApprovalRequired, events[0].Type)
}

func TestOrchestrator_CancelAll(t *testing.T) {
	hang := func(ctx context.Context, _ graph.State) (graph.State, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	f := newFixture(t, planBuildReview(t, hang), orchestrator.Config{MaxConcurrent: 4})
	ctx := context.Background()

	var ids []workflow.ID
	for i := 0; i < 3; i++ {
		w, err := f.orch.Start(ctx, &workflow.Spec{IssueID: "ISSUE-1", WorktreePath: newWorktree(t)})
		require.NoError(t, err)
		ids = append(ids, w.ID)
	}
	for _, id := range ids {
		f.waitStatus(t, id, workflow.StatusInProgress)
	}

	require.NoError(t, f.orch.CancelAll(ctx, "daemon shutting down"))
	for _, id := range ids {
		f.waitStatus(t, id, workflow.StatusCancelled)
	}
	require.Zero(t, f.orch.RunningCount())
}

func TestOrchestrator_CancelAllLeavesParkedWorkflows(t *testing.T) {
	started := make(chan struct{}, 1)
	hang := func(ctx context.Context, _ graph.State) (graph.State, error) {
		started <- struct{}{}
		<-ctx.Done()
		return nil, ctx.Err()
	}
	f := newFixture(t, planBuildReview(t, hang), orchestrator.Config{Gates: []string{"build"}})
	ctx := context.Background()

	// Full workflows honor gates: this one parks before build.
	gated, err := f.orch.Start(ctx, &workflow.Spec{IssueID: "ISSUE-1", WorktreePath: newWorktree(t)})
	require.NoError(t, err)
	f.waitStatus(t, gated.ID, workflow.StatusBlocked)

	// Review workflows skip gates, so this one is live inside build.
	running, err := f.orch.Start(ctx, &workflow.Spec{
		IssueID: "ISSUE-2", WorktreePath: newWorktree(t), Type: workflow.TypeReview,
	})
	require.NoError(t, err)
	<-started
	f.waitStatus(t, running.ID, workflow.StatusInProgress)

	// A pending row with no supervisor yet.
	pending, err := workflow.New(&workflow.Spec{IssueID: "ISSUE-3", WorktreePath: "/tmp/wt-parked"})
	require.NoError(t, err)
	require.NoError(t, f.store.Create(ctx, pending))

	require.NoError(t, f.orch.CancelAll(ctx, "daemon shutting down"))

	f.waitStatus(t, running.ID, workflow.StatusCancelled)
	require.Zero(t, f.orch.RunningCount())

	// Shutdown only stops live supervisors; parked workflows survive the
	// restart and recovery re-arms them.
	blocked, err := f.store.Get(ctx, gated.ID)
	require.NoError(t, err)
	require.Equal(t, workflow.StatusBlocked, blocked.Status)
	p, err := f.store.Get(ctx, pending.ID)
	require.NoError(t, err)
	require.Equal(t, workflow.StatusPending, p.Status)
}

// admissionGate stalls Create so a test can hold one admission mid-flight
// while issuing another.
type admissionGate struct {
	workflow.Store
	entered chan struct{}
	release chan struct{}
}

func (g *admissionGate) Create(ctx context.Context, w *workflow.Workflow) error {
	close(g.entered)
	<-g.release
	return g.Store.Create(ctx, w)
}

func TestOrchestrator_ConcurrentAdmissionHonorsCeiling(t *testing.T) {
	store := testutil.NewTestStore(t)
	gate := &admissionGate{Store: store, entered: make(chan struct{}), release: make(chan struct{})}
	bus := event.NewBus(store)
	t.Cleanup(bus.Close)
	orch := orchestrator.New(gate, bus, planBuildReview(t, nil), nil, orchestrator.Config{MaxConcurrent: 1})
	ctx := context.Background()

	type result struct {
		w   *workflow.Workflow
		err error
	}
	results := make(chan result, 1)
	go func() {
		w, err := orch.Start(ctx, &workflow.Spec{IssueID: "ISSUE-1", WorktreePath: newWorktree(t)})
		results <- result{w, err}
	}()
	<-gate.entered

	// The first admission has not spawned yet, but its slot is reserved.
	_, err := orch.Start(ctx, &workflow.Spec{IssueID: "ISSUE-2", WorktreePath: newWorktree(t)})
	require.ErrorIs(t, err, workflow.ErrConcurrencyLimit)

	close(gate.release)
	res := <-results
	require.NoError(t, res.err)
	require.Eventually(t, func() bool {
		w, err := store.Get(ctx, res.w.ID)
		return err == nil && w.Status == workflow.StatusCompleted
	}, 5*time.Second, 5*time.Millisecond)
}

func TestOrchestrator_ConcurrentAdmissionHoldsWorktree(t *testing.T) {
	store := testutil.NewTestStore(t)
	gate := &admissionGate{Store: store, entered: make(chan struct{}), release: make(chan struct{})}
	bus := event.NewBus(store)
	t.Cleanup(bus.Close)
	orch := orchestrator.New(gate, bus, planBuildReview(t, nil), nil, orchestrator.Config{MaxConcurrent: 4})
	ctx := context.Background()
	wt := newWorktree(t)

	done := make(chan error, 1)
	go func() {
		_, err := orch.Start(ctx, &workflow.Spec{IssueID: "ISSUE-1", WorktreePath: wt})
		done <- err
	}()
	<-gate.entered

	// The worktree is claimed the moment admission begins, not when the
	// row lands in the database.
	_, err := orch.Start(ctx, &workflow.Spec{IssueID: "ISSUE-2", WorktreePath: wt})
	require.ErrorIs(t, err, workflow.ErrWorktreeConflict)

	close(gate.release)
	require.NoError(t, <-done)
	orch.Wait()
}

func TestOrchestrator_ResumeFailAgainRecordsSecondFailure(t *testing.T) {
	broken := func(context.Context, graph.State) (graph.State, error) {
		return nil, errors.New("compile error")
	}
	f := newFixture(t, planBuildReview(t, broken), orchestrator.Config{})
	ctx := context.Background()

	w, err := f.orch.Start(ctx, &workflow.Spec{IssueID: "ISSUE-1", WorktreePath: newWorktree(t)})
	require.NoError(t, err)
	f.waitStatus(t, w.ID, workflow.StatusFailed)

	require.NoError(t, f.orch.Resume(ctx, w.ID))
	f.waitStatus(t, w.ID, workflow.StatusFailed)

	types := f.eventTypes(t, w.ID)
	var failures int
	for _, typ := range types {
		if typ == workflow.EventWorkflowFailed {
			failures++
		}
	}
	require.Equal(t, 2, failures, "each run records its own failure")
}

func TestOrchestrator_ApprovalEventsShareCorrelation(t *testing.T) {
	f := newFixture(t, planBuildReview(t, nil), orchestrator.Config{Gates: []string{"build"}})
	ctx := context.Background()

	w, err := f.orch.Start(ctx, &workflow.Spec{IssueID: "ISSUE-1", WorktreePath: newWorktree(t)})
	require.NoError(t, err)
	f.waitStatus(t, w.ID, workflow.StatusBlocked)
	require.NoError(t, f.orch.Approve(ctx, w.ID))
	f.waitStatus(t, w.ID, workflow.StatusCompleted)

	require.NoError(t, f.bus.Flush(ctx))
	events, err := f.store.EventsAfter(ctx, w.ID, 0, 0)
	require.NoError(t, err)
	var required, granted *workflow.Event
	for _, e := range events {
		switch e.Type {
		case workflow.EventApprovalRequired:
			required = e
		case workflow.EventApprovalGranted:
			granted = e
		}
	}
	require.NotNil(t, required)
	require.NotNil(t, granted)
	require.NotEmpty(t, required.CorrelationID)
	require.Equal(t, required.CorrelationID, granted.CorrelationID,
		"a pause and its resolution share one correlation id")
}
