// Package orchestrator admits workflows, runs one supervisor per active
// workflow over the graph executor, enforces the approval gate, retries
// transient failures, and recovers state after a restart.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/zjrosen/overseer/internal/event"
	"github.com/zjrosen/overseer/internal/graph"
	"github.com/zjrosen/overseer/internal/log"
	"github.com/zjrosen/overseer/internal/tracker"
	"github.com/zjrosen/overseer/internal/workflow"
)

// Config configures the Orchestrator.
type Config struct {
	// MaxConcurrent caps simultaneously running workflows. Zero means the
	// default of 4.
	MaxConcurrent int
	// Retry governs transient node failure handling.
	Retry RetryPolicy
	// Gates lists graph nodes requiring human approval before execution.
	Gates []string
}

const defaultMaxConcurrent = 4

// Orchestrator is the lifecycle owner for all workflows.
type Orchestrator struct {
	store    workflow.Store
	bus      *event.Bus
	executor graph.Executor
	issues   tracker.Tracker
	cfg      Config
	seq      *sequencer

	mu        sync.Mutex
	running   map[workflow.ID]*supervisor
	byPath    map[string]workflow.ID // worktree -> running or admitting workflow
	admitting int                    // admissions reserved but not yet spawned

	// gateMu serializes approval decisions so a concurrent approve+reject
	// pair cannot both observe the blocked status.
	gateMu sync.Mutex
}

// New creates an Orchestrator. The tracker may be nil when no issue
// tracker database is configured.
func New(store workflow.Store, bus *event.Bus, executor graph.Executor, issues tracker.Tracker, cfg Config) *Orchestrator {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = defaultMaxConcurrent
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = DefaultRetryPolicy()
	}
	return &Orchestrator{
		store:    store,
		bus:      bus,
		executor: executor,
		issues:   issues,
		cfg:      cfg,
		seq:      newSequencer(store),
		running:  make(map[workflow.ID]*supervisor),
		byPath:   make(map[string]workflow.ID),
	}
}

// Start admits a new workflow: validates the spec and worktree, enforces
// the concurrency ceiling and worktree exclusivity, persists the pending
// row, and hands it to a supervisor. The returned workflow is the pending
// row; the supervisor transitions it asynchronously.
func (o *Orchestrator) Start(ctx context.Context, spec *workflow.Spec) (*workflow.Workflow, error) {
	w, err := workflow.New(spec)
	if err != nil {
		return nil, err
	}
	if err := validateWorktree(spec.WorktreePath); err != nil {
		return nil, err
	}

	// Reserve a slot and the worktree before any I/O, so two concurrent
	// admissions cannot both pass the ceiling or claim the same path.
	o.mu.Lock()
	if len(o.running)+o.admitting >= o.cfg.MaxConcurrent {
		o.mu.Unlock()
		return nil, fmt.Errorf("%w: %d workflows running", workflow.ErrConcurrencyLimit, o.cfg.MaxConcurrent)
	}
	if holder, ok := o.byPath[spec.WorktreePath]; ok {
		o.mu.Unlock()
		return nil, fmt.Errorf("%w: held by workflow %s", workflow.ErrWorktreeConflict, holder)
	}
	o.admitting++
	o.byPath[spec.WorktreePath] = w.ID
	o.mu.Unlock()

	// A blocked workflow holds its worktree without a live supervisor, so
	// the database is checked too. The partial unique index remains the
	// last line of defense against admission races.
	if holder, err := o.store.GetByWorktree(ctx, spec.WorktreePath); err == nil {
		o.releaseAdmission(w)
		return nil, fmt.Errorf("%w: held by workflow %s", workflow.ErrWorktreeConflict, holder.ID)
	}

	// Best effort: a tracker outage must not block admission.
	if o.issues != nil {
		if issue, err := o.issues.FetchIssue(ctx, spec.IssueID); err == nil {
			if cached, err := json.Marshal(issue); err == nil {
				w.IssueCache = cached
			}
		} else {
			log.Warn(log.CatOrch, "issue fetch failed", "issue", spec.IssueID, "error", err.Error())
		}
	}

	if err := o.store.Create(ctx, w); err != nil {
		o.releaseAdmission(w)
		return nil, err
	}
	log.Info(log.CatOrch, "workflow admitted", "workflow", w.ID, "issue", w.IssueID, "worktree", w.WorktreePath)

	// Seed the thread state with the workflow context so nodes can reach
	// the issue and worktree without a store dependency.
	input := graph.State{
		"workflow_id": string(w.ID),
		"issue_id":    w.IssueID,
		"worktree":    w.WorktreePath,
	}
	if len(w.IssueCache) > 0 {
		input["issue"] = json.RawMessage(w.IssueCache)
	}

	// Convert the reservation into a live supervisor in one step so the
	// ceiling never counts this workflow twice or not at all.
	sup := newSupervisor(o, w, input)
	o.mu.Lock()
	o.admitting--
	o.running[w.ID] = sup
	o.mu.Unlock()
	log.SafeGo(fmt.Sprintf("supervisor[%s]", w.ID), sup.run)
	return w, nil
}

// releaseAdmission undoes a reservation when admission fails after it.
func (o *Orchestrator) releaseAdmission(w *workflow.Workflow) {
	o.mu.Lock()
	o.admitting--
	if o.byPath[w.WorktreePath] == w.ID {
		delete(o.byPath, w.WorktreePath)
	}
	o.mu.Unlock()
}

// Approve resumes a workflow blocked at an approval gate.
func (o *Orchestrator) Approve(ctx context.Context, id workflow.ID) error {
	o.gateMu.Lock()
	defer o.gateMu.Unlock()

	o.mu.Lock()
	if _, active := o.running[id]; active {
		o.mu.Unlock()
		return fmt.Errorf("%w: workflow %s is already running", workflow.ErrInvalidState, id)
	}
	o.mu.Unlock()

	w, err := o.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if w.Status != workflow.StatusBlocked {
		return fmt.Errorf("%w: workflow %s is %s, expected blocked", workflow.ErrInvalidState, id, w.Status)
	}

	// The gate node reads the decision from the checkpoint on resume.
	if err := o.executor.UpdateState(ctx, string(id), graph.State{"human_approved": true}); err != nil {
		return fmt.Errorf("failed to record approval in checkpoint: %w", err)
	}

	o.emitCorrelated(ctx, id, workflow.EventApprovalGranted, workflow.AgentSystem,
		"plan approved", nil, o.pauseCorrelation(ctx, id))
	o.spawn(w, nil)
	return nil
}

// blocker actions map to the resolution string the graph's blocker node
// expects. Retry is the empty string; fix carries the operator's text.
var blockerActions = map[string]string{
	"skip":         "skip",
	"retry":        "",
	"abort":        "abort",
	"abort_revert": "abort_revert",
}

// ResolveBlocker answers a blocker gate with an operator decision and
// resumes the workflow. The resume may stop at another gate; that routes
// through the supervisor like any other interrupt.
func (o *Orchestrator) ResolveBlocker(ctx context.Context, id workflow.ID, action, feedback string) error {
	resolution, ok := blockerActions[action]
	if action == "fix" {
		resolution, ok = feedback, true
		if feedback == "" {
			return fmt.Errorf("%w: fix action requires feedback", workflow.ErrValidation)
		}
	}
	if !ok {
		return fmt.Errorf("%w: unknown blocker action %q", workflow.ErrValidation, action)
	}

	o.gateMu.Lock()
	defer o.gateMu.Unlock()

	o.mu.Lock()
	if _, active := o.running[id]; active {
		o.mu.Unlock()
		return fmt.Errorf("%w: workflow %s is already running", workflow.ErrInvalidState, id)
	}
	o.mu.Unlock()

	w, err := o.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if w.Status != workflow.StatusBlocked {
		return fmt.Errorf("%w: workflow %s is %s, expected blocked", workflow.ErrInvalidState, id, w.Status)
	}

	if err := o.executor.UpdateState(ctx, string(id), graph.State{"blocker_resolution": resolution}); err != nil {
		return fmt.Errorf("failed to record blocker resolution in checkpoint: %w", err)
	}

	o.emitCorrelated(ctx, id, workflow.EventApprovalGranted, workflow.AgentSystem,
		fmt.Sprintf("blocker resolved: %s", action),
		map[string]any{"action": action, "feedback": feedback},
		o.pauseCorrelation(ctx, id))
	o.spawn(w, nil)
	return nil
}

// Reject fails a workflow blocked at an approval gate.
func (o *Orchestrator) Reject(ctx context.Context, id workflow.ID, reason string) error {
	o.gateMu.Lock()
	defer o.gateMu.Unlock()

	w, err := o.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if w.Status != workflow.StatusBlocked {
		return fmt.Errorf("%w: workflow %s is %s, expected blocked", workflow.ErrInvalidState, id, w.Status)
	}

	if reason == "" {
		reason = "plan rejected"
	}
	correlation := o.pauseCorrelation(ctx, id)
	if _, err := o.store.SetStatus(ctx, id, workflow.StatusFailed, reason); err != nil {
		return err
	}
	// Best effort, for auditability when inspecting the checkpoint later.
	if err := o.executor.UpdateState(ctx, string(id), graph.State{"human_approved": false}); err != nil {
		log.Warn(log.CatOrch, "failed to record rejection in checkpoint", "workflow", id, "error", err.Error())
	}
	o.emitCorrelated(ctx, id, workflow.EventApprovalRejected, workflow.AgentSystem, reason, nil, correlation)
	o.emitTerminal(ctx, id, workflow.EventWorkflowFailed, reason, map[string]any{"recoverable": false})
	o.seq.Forget(id)
	return nil
}

// UpdatePlan edits the checkpointed plan of a blocked workflow before
// approval, keeping the stored plan cache in sync.
func (o *Orchestrator) UpdatePlan(ctx context.Context, id workflow.ID, plan *workflow.PlanCache) error {
	w, err := o.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if w.Status != workflow.StatusBlocked {
		return fmt.Errorf("%w: workflow %s is %s, expected blocked", workflow.ErrInvalidState, id, w.Status)
	}
	if err := o.executor.UpdateState(ctx, string(id), graph.State{"plan": planState(plan)}); err != nil {
		return fmt.Errorf("failed to update graph state: %w", err)
	}
	return o.store.UpdatePlanCache(ctx, id, plan)
}

// Cancel stops a workflow in any non-terminal status.
func (o *Orchestrator) Cancel(ctx context.Context, id workflow.ID, reason string) error {
	o.mu.Lock()
	sup, active := o.running[id]
	o.mu.Unlock()

	if active {
		sup.signalCancel(reason)
		return nil
	}

	// Pending or blocked: no supervisor to signal, transition directly.
	if _, err := o.store.SetStatus(ctx, id, workflow.StatusCancelled, ""); err != nil {
		return err
	}
	msg := "workflow cancelled"
	if reason != "" {
		msg = reason
	}
	o.emitTerminal(ctx, id, workflow.EventWorkflowCancelled, msg, nil)
	o.seq.Forget(id)
	return nil
}

// CancelAll stops every live supervisor and waits for them to exit. Used at
// daemon shutdown. Pending and blocked workflows have no supervisor and are
// left alone so they survive the restart; recovery re-arms them.
func (o *Orchestrator) CancelAll(ctx context.Context, reason string) error {
	o.mu.Lock()
	sups := make([]*supervisor, 0, len(o.running))
	for _, sup := range o.running {
		sups = append(sups, sup)
	}
	o.mu.Unlock()

	g, ctx := errgroup.WithContext(ctx)
	for _, sup := range sups {
		sup := sup
		sup.signalCancel(reason)
		g.Go(func() error {
			select {
			case <-sup.done:
				return nil
			case <-ctx.Done():
				return fmt.Errorf("cancel %s: %w", sup.wf.ID, ctx.Err())
			}
		})
	}
	return g.Wait()
}

// Wait blocks until every supervisor goroutine has exited.
func (o *Orchestrator) Wait() {
	for {
		o.mu.Lock()
		var sup *supervisor
		for _, s := range o.running {
			sup = s
			break
		}
		o.mu.Unlock()
		if sup == nil {
			return
		}
		<-sup.done
	}
}

// RunningCount returns the number of active supervisors.
func (o *Orchestrator) RunningCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.running)
}

// spawn registers and starts a supervisor for the workflow.
func (o *Orchestrator) spawn(w *workflow.Workflow, input graph.State) {
	sup := newSupervisor(o, w, input)

	o.mu.Lock()
	o.running[w.ID] = sup
	o.byPath[w.WorktreePath] = w.ID
	o.mu.Unlock()

	log.SafeGo(fmt.Sprintf("supervisor[%s]", w.ID), sup.run)
}

// release removes a finished supervisor from the running set.
func (o *Orchestrator) release(sup *supervisor) {
	o.mu.Lock()
	if o.running[sup.wf.ID] == sup {
		delete(o.running, sup.wf.ID)
	}
	if o.byPath[sup.wf.WorktreePath] == sup.wf.ID {
		delete(o.byPath, sup.wf.WorktreePath)
	}
	o.mu.Unlock()
}

// emit allocates the next sequence and routes the event through the bus.
// Emission failures are logged, not propagated: the lifecycle decision has
// already been persisted on the workflow row.
func (o *Orchestrator) emit(ctx context.Context, id workflow.ID, t workflow.EventType, agent, msg string, data map[string]any) {
	o.emitCorrelated(ctx, id, t, agent, msg, data, "")
}

// emitCorrelated is emit with a correlation id joining a pause event to its
// resolution.
func (o *Orchestrator) emitCorrelated(ctx context.Context, id workflow.ID, t workflow.EventType, agent, msg string, data map[string]any, correlation string) {
	seq, err := o.seq.Next(ctx, id)
	if err != nil {
		log.ErrorErr(log.CatOrch, "failed to allocate event sequence", err, "workflow", id)
		return
	}
	e := workflow.NewEvent(id, t, agent, msg)
	e.Sequence = seq
	e.Data = data
	e.CorrelationID = correlation
	if err := o.bus.Emit(ctx, e); err != nil {
		log.ErrorErr(log.CatOrch, "failed to emit event", err, "workflow", id, "type", t)
	}
}

// emitTerminal emits a lifecycle-terminal event. Every caller has just won a
// terminal SetStatus transition, which the state machine admits at most once
// per run, so the event cannot repeat within one.
func (o *Orchestrator) emitTerminal(ctx context.Context, id workflow.ID, t workflow.EventType, msg string, data map[string]any) {
	o.emit(ctx, id, t, workflow.AgentSystem, msg, data)
}

// pauseCorrelation finds the correlation id of the approval_required event
// that parked the workflow, so the resolution joins its pair. A blocked
// workflow's newest event is always its approval_required.
func (o *Orchestrator) pauseCorrelation(ctx context.Context, id workflow.ID) string {
	events, err := o.store.RecentEvents(ctx, id, 1)
	if err != nil || len(events) == 0 || events[0].Type != workflow.EventApprovalRequired {
		return ""
	}
	return events[0].CorrelationID
}

// validateWorktree requires an existing directory containing a .git entry
// (a directory for a main checkout, a file for a linked worktree).
func validateWorktree(path string) error {
	if !filepath.IsAbs(path) {
		return fmt.Errorf("%w: path must be absolute", workflow.ErrInvalidWorktree)
	}
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("%w: %s", workflow.ErrInvalidWorktree, path)
	}
	if !info.IsDir() {
		return fmt.Errorf("%w: %s is not a directory", workflow.ErrInvalidWorktree, path)
	}
	if _, err := os.Stat(filepath.Join(path, ".git")); err != nil {
		return fmt.Errorf("%w: %s is not a git worktree", workflow.ErrInvalidWorktree, path)
	}
	return nil
}
