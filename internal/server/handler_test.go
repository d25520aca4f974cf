package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/zjrosen/overseer/internal/event"
	"github.com/zjrosen/overseer/internal/fanout"
	"github.com/zjrosen/overseer/internal/graph"
	"github.com/zjrosen/overseer/internal/orchestrator"
	"github.com/zjrosen/overseer/internal/server"
	"github.com/zjrosen/overseer/internal/testutil"
	"github.com/zjrosen/overseer/internal/workflow"
	"github.com/zjrosen/overseer/internal/workflow/sqlite"
)

type fixture struct {
	store *sqlite.Store
	bus   *event.Bus
	hub   *fanout.Hub
	orch  *orchestrator.Orchestrator
	ts    *httptest.Server
}

// newFixture wires the full stack behind an httptest server: store, bus,
// hub, a plan/build/review graph, and the orchestrator. buildFn overrides
// the build node when a test needs to control its behavior.
func newFixture(t *testing.T, cfg orchestrator.Config, buildFn graph.NodeFunc) *fixture {
	t.Helper()

	store := testutil.NewTestStore(t)
	bus := event.NewBus(store)
	hub := fanout.NewHub(store)

	if buildFn == nil {
		buildFn = func(ctx context.Context, s graph.State) (graph.State, error) {
			return graph.State{"built": true}, nil
		}
	}
	g, err := graph.NewBuilder(graph.NewMemoryStore()).
		AddNode("plan", func(ctx context.Context, s graph.State) (graph.State, error) {
			return graph.State{"plan": map[string]any{
				"goal":        "implement the issue",
				"markdown":    "# Plan\n1. do it",
				"total_tasks": 2,
			}}, nil
		}).
		AddNode("build", buildFn).
		AddNode("review", func(ctx context.Context, s graph.State) (graph.State, error) {
			return graph.State{"token_usage": workflow.TokenUsage{
				Model:        "test-model",
				InputTokens:  1000,
				OutputTokens: 200,
				CostUSD:      0.05,
			}}, nil
		}).
		SetEntry("plan").
		AddEdge("plan", "build").
		AddEdge("build", "review").
		Build()
	require.NoError(t, err)

	orch := orchestrator.New(store, bus, g, nil, cfg)
	h := server.NewHandler(orch, store, hub, bus)
	ts := httptest.NewServer(h.Routes())

	t.Cleanup(func() {
		ts.Close()
		hub.CloseAll()
		bus.Close()
	})
	return &fixture{store: store, bus: bus, hub: hub, orch: orch, ts: ts}
}

func newWorktree(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(dir, ".git"), 0o755))
	return dir
}

func (f *fixture) do(t *testing.T, method, path string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, f.ts.URL+path, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := f.ts.Client().Do(req)
	require.NoError(t, err)
	return resp
}

func decodeJSON(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}

func (f *fixture) create(t *testing.T, worktree string) server.WorkflowResponse {
	t.Helper()
	resp := f.do(t, http.MethodPost, "/api/v1/workflows", server.CreateWorkflowRequest{
		IssueID:      "ISSUE-1",
		WorktreePath: worktree,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var created server.WorkflowResponse
	decodeJSON(t, resp, &created)
	return created
}

func (f *fixture) waitStatus(t *testing.T, id string, want workflow.Status) {
	t.Helper()
	require.Eventually(t, func() bool {
		w, err := f.store.Get(context.Background(), workflow.ID(id))
		return err == nil && w.Status == want
	}, 5*time.Second, 5*time.Millisecond, "workflow never reached %s", want)
}

// waitEvent waits for an event type to be persisted. Status flips land on
// the row just before the matching event is written, so tests that read the
// log after waitStatus use this to close the gap.
func (f *fixture) waitEvent(t *testing.T, id string, typ workflow.EventType) {
	t.Helper()
	require.Eventually(t, func() bool {
		ok, err := f.store.EventExists(context.Background(), workflow.ID(id), typ)
		return err == nil && ok
	}, 5*time.Second, 5*time.Millisecond, "event %s never persisted", typ)
}

func TestCreateWorkflow_RunsToBlockedAndExposesPlan(t *testing.T) {
	f := newFixture(t, orchestrator.Config{Gates: []string{"build"}}, nil)

	created := f.create(t, newWorktree(t))
	require.NotEmpty(t, created.ID)
	require.Equal(t, "pending", created.Status)
	require.Equal(t, "full", created.Type)

	f.waitStatus(t, created.ID, workflow.StatusBlocked)

	resp := f.do(t, http.MethodGet, "/api/v1/workflows/"+created.ID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var got server.WorkflowResponse
	decodeJSON(t, resp, &got)
	require.Equal(t, "blocked", got.Status)
	require.NotNil(t, got.Plan)
	require.Equal(t, "implement the issue", got.Plan.Goal)
	require.Equal(t, 2, got.Plan.TotalTasks)
}

func TestCreateWorkflow_Validation(t *testing.T) {
	f := newFixture(t, orchestrator.Config{}, nil)

	resp := f.do(t, http.MethodPost, "/api/v1/workflows", nil)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	var errResp server.ErrorResponse
	decodeJSON(t, resp, &errResp)
	require.Equal(t, "invalid_json", errResp.Code)

	resp = f.do(t, http.MethodPost, "/api/v1/workflows", server.CreateWorkflowRequest{
		IssueID: "bad id", WorktreePath: newWorktree(t),
	})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	decodeJSON(t, resp, &errResp)
	require.Equal(t, "validation_error", errResp.Code)

	resp = f.do(t, http.MethodPost, "/api/v1/workflows", server.CreateWorkflowRequest{
		IssueID: "ISSUE-1", WorktreePath: "relative/path",
	})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	decodeJSON(t, resp, &errResp)
	require.Equal(t, "invalid_worktree", errResp.Code)
}

func TestCreateWorkflow_WorktreeConflict(t *testing.T) {
	f := newFixture(t, orchestrator.Config{Gates: []string{"build"}}, nil)

	wt := newWorktree(t)
	created := f.create(t, wt)
	f.waitStatus(t, created.ID, workflow.StatusBlocked)

	resp := f.do(t, http.MethodPost, "/api/v1/workflows", server.CreateWorkflowRequest{
		IssueID: "ISSUE-2", WorktreePath: wt,
	})
	require.Equal(t, http.StatusConflict, resp.StatusCode)
	var errResp server.ErrorResponse
	decodeJSON(t, resp, &errResp)
	require.Equal(t, "worktree_conflict", errResp.Code)
}

func TestCreateWorkflow_ConcurrencyLimit(t *testing.T) {
	started := make(chan struct{}, 1)
	hang := func(ctx context.Context, _ graph.State) (graph.State, error) {
		started <- struct{}{}
		<-ctx.Done()
		return nil, ctx.Err()
	}
	f := newFixture(t, orchestrator.Config{MaxConcurrent: 1}, hang)

	created := f.create(t, newWorktree(t))
	<-started

	resp := f.do(t, http.MethodPost, "/api/v1/workflows", server.CreateWorkflowRequest{
		IssueID: "ISSUE-2", WorktreePath: newWorktree(t),
	})
	require.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	require.Equal(t, "30", resp.Header.Get("Retry-After"))
	resp.Body.Close()

	require.NoError(t, f.orch.Cancel(context.Background(), workflow.ID(created.ID), ""))
	f.waitStatus(t, created.ID, workflow.StatusCancelled)
}

func TestListWorkflows_PaginationAndFilters(t *testing.T) {
	f := newFixture(t, orchestrator.Config{}, nil)

	ids := make([]string, 3)
	for i := range ids {
		created := f.create(t, newWorktree(t))
		f.waitStatus(t, created.ID, workflow.StatusCompleted)
		ids[i] = created.ID
	}

	resp := f.do(t, http.MethodGet, "/api/v1/workflows?limit=2", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var page1 server.ListWorkflowsResponse
	decodeJSON(t, resp, &page1)
	require.Len(t, page1.Workflows, 2)
	require.NotEmpty(t, page1.NextCursor)
	require.NotNil(t, page1.Workflows[0].TokenSummary, "list attaches token summaries")

	resp = f.do(t, http.MethodGet, "/api/v1/workflows?limit=2&cursor="+page1.NextCursor, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var page2 server.ListWorkflowsResponse
	decodeJSON(t, resp, &page2)
	require.Len(t, page2.Workflows, 1)
	require.Empty(t, page2.NextCursor)

	seen := map[string]bool{}
	for _, w := range append(page1.Workflows, page2.Workflows...) {
		seen[w.ID] = true
	}
	for _, id := range ids {
		require.True(t, seen[id])
	}

	resp = f.do(t, http.MethodGet, "/api/v1/workflows?status=completed", nil)
	var completed server.ListWorkflowsResponse
	decodeJSON(t, resp, &completed)
	require.Len(t, completed.Workflows, 3)

	resp = f.do(t, http.MethodGet, "/api/v1/workflows?status=pending,failed", nil)
	var none server.ListWorkflowsResponse
	decodeJSON(t, resp, &none)
	require.Empty(t, none.Workflows)

	resp = f.do(t, http.MethodGet, "/api/v1/workflows?status=bogus", nil)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()

	resp = f.do(t, http.MethodGet, "/api/v1/workflows?cursor=not-base64!", nil)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()
}

func TestGetWorkflow_NotFound(t *testing.T) {
	f := newFixture(t, orchestrator.Config{}, nil)

	resp := f.do(t, http.MethodGet, "/api/v1/workflows/"+string(workflow.NewID()), nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	var errResp server.ErrorResponse
	decodeJSON(t, resp, &errResp)
	require.Equal(t, "not_found", errResp.Code)
}

func TestApprove_ResumesBlockedWorkflow(t *testing.T) {
	f := newFixture(t, orchestrator.Config{Gates: []string{"build"}}, nil)

	created := f.create(t, newWorktree(t))
	f.waitStatus(t, created.ID, workflow.StatusBlocked)

	resp := f.do(t, http.MethodPost, "/api/v1/workflows/"+created.ID+"/approve", nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp.Body.Close()
	f.waitStatus(t, created.ID, workflow.StatusCompleted)

	resp = f.do(t, http.MethodPost, "/api/v1/workflows/"+created.ID+"/approve", nil)
	require.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	var errResp server.ErrorResponse
	decodeJSON(t, resp, &errResp)
	require.Equal(t, "invalid_state", errResp.Code)
}

func TestReject_FailsBlockedWorkflow(t *testing.T) {
	f := newFixture(t, orchestrator.Config{Gates: []string{"build"}}, nil)

	created := f.create(t, newWorktree(t))
	f.waitStatus(t, created.ID, workflow.StatusBlocked)

	resp := f.do(t, http.MethodPost, "/api/v1/workflows/"+created.ID+"/reject",
		server.RejectRequest{Feedback: "plan is wrong"})
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp.Body.Close()
	f.waitStatus(t, created.ID, workflow.StatusFailed)

	resp = f.do(t, http.MethodGet, "/api/v1/workflows/"+created.ID, nil)
	var got server.WorkflowResponse
	decodeJSON(t, resp, &got)
	require.Equal(t, "plan is wrong", got.FailureReason)
}

func TestCancel_BlockedWorkflow(t *testing.T) {
	f := newFixture(t, orchestrator.Config{Gates: []string{"build"}}, nil)

	created := f.create(t, newWorktree(t))
	f.waitStatus(t, created.ID, workflow.StatusBlocked)

	resp := f.do(t, http.MethodPost, "/api/v1/workflows/"+created.ID+"/cancel",
		server.CancelRequest{Reason: "superseded"})
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp.Body.Close()
	f.waitStatus(t, created.ID, workflow.StatusCancelled)
}

func TestUpdatePlan_WhileBlocked(t *testing.T) {
	f := newFixture(t, orchestrator.Config{Gates: []string{"build"}}, nil)

	created := f.create(t, newWorktree(t))
	f.waitStatus(t, created.ID, workflow.StatusBlocked)

	resp := f.do(t, http.MethodPut, "/api/v1/workflows/"+created.ID+"/plan",
		workflow.PlanCache{Goal: "revised goal", Markdown: "# revised", TotalTasks: 5})
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp.Body.Close()

	resp = f.do(t, http.MethodGet, "/api/v1/workflows/"+created.ID, nil)
	var got server.WorkflowResponse
	decodeJSON(t, resp, &got)
	require.Equal(t, "revised goal", got.Plan.Goal)
	require.Equal(t, 5, got.Plan.TotalTasks)
}

func TestActiveWorkflows(t *testing.T) {
	f := newFixture(t, orchestrator.Config{Gates: []string{"build"}}, nil)

	parked := f.create(t, newWorktree(t))
	f.waitStatus(t, parked.ID, workflow.StatusBlocked)

	finished := f.create(t, newWorktree(t))
	f.waitStatus(t, finished.ID, workflow.StatusBlocked)
	resp := f.do(t, http.MethodPost, "/api/v1/workflows/"+finished.ID+"/approve", nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp.Body.Close()
	f.waitStatus(t, finished.ID, workflow.StatusCompleted)

	resp = f.do(t, http.MethodGet, "/api/v1/workflows/active", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var active server.ListWorkflowsResponse
	decodeJSON(t, resp, &active)
	require.Len(t, active.Workflows, 1)
	require.Equal(t, parked.ID, active.Workflows[0].ID)
}

func TestResume_FailedWorkflow(t *testing.T) {
	f := newFixture(t, orchestrator.Config{Gates: []string{"build"}}, nil)

	created := f.create(t, newWorktree(t))
	f.waitStatus(t, created.ID, workflow.StatusBlocked)

	resp := f.do(t, http.MethodPost, "/api/v1/workflows/"+created.ID+"/reject",
		server.RejectRequest{Feedback: "not yet"})
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp.Body.Close()
	f.waitStatus(t, created.ID, workflow.StatusFailed)

	resp = f.do(t, http.MethodPost, "/api/v1/workflows/"+created.ID+"/resume", nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp.Body.Close()
	f.waitStatus(t, created.ID, workflow.StatusCompleted)

	// Completed is terminal; resuming again is rejected.
	resp = f.do(t, http.MethodPost, "/api/v1/workflows/"+created.ID+"/resume", nil)
	require.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	var errResp server.ErrorResponse
	decodeJSON(t, resp, &errResp)
	require.Equal(t, "invalid_state", errResp.Code)

	resp = f.do(t, http.MethodPost, "/api/v1/workflows/"+string(workflow.NewID())+"/resume", nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()
}

func TestResolveBlocker_Endpoint(t *testing.T) {
	f := newFixture(t, orchestrator.Config{Gates: []string{"build"}}, nil)

	created := f.create(t, newWorktree(t))
	f.waitStatus(t, created.ID, workflow.StatusBlocked)

	resp := f.do(t, http.MethodPost, "/api/v1/workflows/"+created.ID+"/blocker/resolve",
		server.ResolveBlockerRequest{Action: "detonate"})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	var errResp server.ErrorResponse
	decodeJSON(t, resp, &errResp)
	require.Equal(t, "validation_error", errResp.Code)

	resp = f.do(t, http.MethodPost, "/api/v1/workflows/"+created.ID+"/blocker/resolve",
		server.ResolveBlockerRequest{Action: "skip"})
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp.Body.Close()
	f.waitStatus(t, created.ID, workflow.StatusCompleted)
}

func TestEvents_ReturnsOrderedLog(t *testing.T) {
	f := newFixture(t, orchestrator.Config{}, nil)

	created := f.create(t, newWorktree(t))
	f.waitStatus(t, created.ID, workflow.StatusCompleted)
	f.waitEvent(t, created.ID, workflow.EventWorkflowCompleted)

	resp := f.do(t, http.MethodGet, "/api/v1/workflows/"+created.ID+"/events", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var got server.EventsResponse
	decodeJSON(t, resp, &got)
	require.NotEmpty(t, got.Events)
	for i, e := range got.Events {
		require.Equal(t, int64(i+1), e.Sequence, "sequences are contiguous from 1")
	}
	require.Equal(t, workflow.EventWorkflowStarted, got.Events[0].Type)
	require.Equal(t, workflow.EventWorkflowCompleted, got.Events[len(got.Events)-1].Type)

	resp = f.do(t, http.MethodGet,
		fmt.Sprintf("/api/v1/workflows/%s/events?after=%d", created.ID, got.Events[1].Sequence), nil)
	var tail server.EventsResponse
	decodeJSON(t, resp, &tail)
	require.Len(t, tail.Events, len(got.Events)-2)
	require.Equal(t, got.Events[2].Sequence, tail.Events[0].Sequence)

	resp = f.do(t, http.MethodGet, "/api/v1/workflows/"+string(workflow.NewID())+"/events", nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()
}

func TestRecordUsageAndUsageReport(t *testing.T) {
	f := newFixture(t, orchestrator.Config{}, nil)

	created := f.create(t, newWorktree(t))
	f.waitStatus(t, created.ID, workflow.StatusCompleted)

	resp := f.do(t, http.MethodPost, "/api/v1/workflows/"+created.ID+"/usage",
		workflow.TokenUsage{
			Agent: "developer", Model: "test-model",
			InputTokens: 500, OutputTokens: 100, CostUSD: 0.02,
		})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	resp.Body.Close()

	// Cache reads exceeding input tokens violate the subset invariant.
	resp = f.do(t, http.MethodPost, "/api/v1/workflows/"+created.ID+"/usage",
		workflow.TokenUsage{InputTokens: 10, CacheReadTokens: 20})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()

	resp = f.do(t, http.MethodGet, "/api/v1/usage?preset=7d", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var usage server.UsageResponse
	decodeJSON(t, resp, &usage)
	require.NotNil(t, usage.Summary)
	// One record from the review node plus the one posted above.
	require.Equal(t, 2, usage.Summary.Invocations)
	require.InDelta(t, 0.07, usage.Summary.TotalCostUSD, 1e-9)
	require.NotEmpty(t, usage.Models)

	resp = f.do(t, http.MethodGet, "/api/v1/usage?preset=yesterday", nil)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()
}

func TestHealth(t *testing.T) {
	f := newFixture(t, orchestrator.Config{}, nil)

	resp := f.do(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var health server.HealthResponse
	decodeJSON(t, resp, &health)
	require.Equal(t, "ok", health.Status)
	require.Zero(t, health.Clients)
}
