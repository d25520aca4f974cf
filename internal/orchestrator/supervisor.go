package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/zjrosen/overseer/internal/graph"
	"github.com/zjrosen/overseer/internal/log"
	"github.com/zjrosen/overseer/internal/workflow"
)

// tracer is a no-op unless the daemon registered a provider at startup.
var tracer = otel.Tracer("overseer/orchestrator")

// supervisor drives one workflow through the graph executor. Exactly one
// supervisor runs per active workflow; it exits when the workflow blocks
// at a gate or reaches a terminal status.
type supervisor struct {
	o     *Orchestrator
	wf    *workflow.Workflow
	input graph.State

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu           sync.Mutex
	cancelReason string
}

func newSupervisor(o *Orchestrator, w *workflow.Workflow, input graph.State) *supervisor {
	ctx, cancel := context.WithCancel(context.Background())
	return &supervisor{
		o:      o,
		wf:     w,
		input:  input,
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
}

func (s *supervisor) run() {
	defer close(s.done)
	defer s.o.release(s)

	ctx := s.ctx
	id := s.wf.ID

	fresh, err := s.o.store.SetStatus(ctx, id, workflow.StatusInProgress, "")
	if err != nil {
		// Lost the worktree race or the workflow was cancelled underneath us.
		if errors.Is(err, workflow.ErrWorktreeConflict) {
			s.fail(ctx, fmt.Sprintf("worktree already held: %v", err), false)
			return
		}
		log.ErrorErr(log.CatOrch, "supervisor could not start workflow", err, "workflow", id)
		return
	}
	s.wf = fresh

	started, err := s.o.store.EventExists(ctx, id, workflow.EventWorkflowStarted)
	if err == nil && !started {
		s.o.emit(ctx, id, workflow.EventWorkflowStarted, workflow.AgentSystem,
			fmt.Sprintf("workflow started for issue %s", s.wf.IssueID),
			map[string]any{"issue_id": s.wf.IssueID, "worktree": s.wf.WorktreePath})
	}

	cfg := graph.RunConfig{ThreadID: string(id)}
	if s.wf.Type == workflow.TypeFull {
		cfg.InterruptBefore = s.o.cfg.Gates
	}

	input := s.input
	for attempt := 1; ; attempt++ {
		attemptCtx, span := tracer.Start(ctx, "workflow.attempt")
		span.SetAttributes(
			attribute.String("workflow.id", string(id)),
			attribute.Int("workflow.attempt", attempt),
		)

		ch, err := s.o.executor.Stream(attemptCtx, cfg, input)
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
			span.End()
			s.fail(ctx, fmt.Sprintf("failed to start graph: %v", err), false)
			return
		}
		input = nil

		outcome := s.consume(attemptCtx, ch)
		if outcome.err != nil {
			span.SetStatus(codes.Error, outcome.err.Error())
		}
		span.End()
		switch outcome.kind {
		case outcomeDone:
			s.complete(ctx)
			return
		case outcomeBlocked:
			s.block(ctx, outcome.gate)
			return
		case outcomeCancelled:
			s.cancelled(ctx)
			return
		case outcomeError:
			if IsTransient(outcome.err) && attempt < s.o.cfg.Retry.MaxAttempts {
				if !s.backoff(ctx, id, attempt, outcome.err) {
					s.cancelled(ctx)
					return
				}
				continue
			}
			s.fail(ctx, outcome.err.Error(), IsTransient(outcome.err))
			return
		}
	}
}

type outcomeKind int

const (
	outcomeDone outcomeKind = iota
	outcomeBlocked
	outcomeCancelled
	outcomeError
)

type outcome struct {
	kind outcomeKind
	gate string
	err  error
}

// consume drains one Stream call, translating chunks into events and row
// updates, until the stream ends.
func (s *supervisor) consume(ctx context.Context, ch <-chan graph.Chunk) outcome {
	for chunk := range ch {
		switch {
		case chunk.Interrupt != nil:
			return outcome{kind: outcomeBlocked, gate: chunk.Interrupt.Node}
		case chunk.Err != nil:
			if ctx.Err() != nil {
				return outcome{kind: outcomeCancelled}
			}
			return outcome{kind: outcomeError, err: chunk.Err}
		default:
			s.handleDelta(ctx, chunk)
		}
	}
	if ctx.Err() != nil {
		return outcome{kind: outcomeCancelled}
	}
	return outcome{kind: outcomeDone}
}

// handleDelta records a completed node: stage events, current_stage update,
// error streak reset, and any token usage the node reported. The stream
// reports nodes on completion, so the started/completed pair is emitted
// together.
func (s *supervisor) handleDelta(ctx context.Context, chunk graph.Chunk) {
	id := s.wf.ID

	s.o.emit(ctx, id, workflow.EventStageStarted, agentFor(chunk.Node),
		fmt.Sprintf("stage %s started", chunk.Node),
		map[string]any{"stage": chunk.Node})
	s.o.emit(ctx, id, workflow.EventStageCompleted, agentFor(chunk.Node),
		fmt.Sprintf("stage %s completed", chunk.Node),
		map[string]any{"stage": chunk.Node})

	w, err := s.o.store.Get(ctx, id)
	if err != nil {
		log.ErrorErr(log.CatOrch, "failed to refresh workflow", err, "workflow", id)
		return
	}
	w.CurrentStage = chunk.Node
	w.ConsecutiveErrors = 0
	w.LastErrorContext = ""
	if err := s.o.store.Update(ctx, w); err != nil {
		log.ErrorErr(log.CatOrch, "failed to record stage", err, "workflow", id)
	}
	s.wf = w

	if usage := usageFromDelta(id, chunk.Delta); usage != nil {
		usage.Agent = agentFor(chunk.Node)
		if err := s.o.store.SaveTokenUsage(ctx, usage); err != nil {
			log.ErrorErr(log.CatOrch, "failed to record token usage", err, "workflow", id)
		}
	}
}

// block parks the workflow at an approval gate: the plan snapshot is synced
// to the row before the status flips so clients reading the blocked
// workflow always see the plan that needs approving.
func (s *supervisor) block(ctx context.Context, gate string) {
	id := s.wf.ID

	if snap, err := s.o.executor.GetState(ctx, string(id)); err == nil {
		if plan := planFromState(snap.State["plan"]); plan != nil {
			if err := s.o.store.UpdatePlanCache(ctx, id, plan); err != nil {
				log.ErrorErr(log.CatOrch, "failed to sync plan cache", err, "workflow", id)
			}
		}
	}

	if _, err := s.o.store.SetStatus(ctx, id, workflow.StatusBlocked, ""); err != nil {
		log.ErrorErr(log.CatOrch, "failed to block workflow", err, "workflow", id)
		return
	}
	// The correlation id ties this pause to whichever approval, rejection
	// or blocker resolution eventually answers it.
	s.o.emitCorrelated(ctx, id, workflow.EventApprovalRequired, workflow.AgentSystem,
		fmt.Sprintf("approval required before %s", gate),
		map[string]any{"gate": gate, "paused_at": gate},
		uuid.NewString())
	log.Info(log.CatOrch, "workflow blocked at gate", "workflow", id, "gate", gate)
}

func (s *supervisor) complete(ctx context.Context) {
	id := s.wf.ID
	if _, err := s.o.store.SetStatus(ctx, id, workflow.StatusCompleted, ""); err != nil {
		log.ErrorErr(log.CatOrch, "failed to complete workflow", err, "workflow", id)
		return
	}
	s.o.emitTerminal(ctx, id, workflow.EventWorkflowCompleted, "workflow completed", nil)
	s.o.seq.Forget(id)
	log.Info(log.CatOrch, "workflow completed", "workflow", id)
}

func (s *supervisor) fail(ctx context.Context, reason string, recoverable bool) {
	id := s.wf.ID
	if _, err := s.o.store.SetStatus(ctx, id, workflow.StatusFailed, reason); err != nil {
		log.ErrorErr(log.CatOrch, "failed to fail workflow", err, "workflow", id)
		return
	}
	s.o.emitTerminal(ctx, id, workflow.EventWorkflowFailed, reason,
		map[string]any{"recoverable": recoverable})
	s.o.seq.Forget(id)
	log.Warn(log.CatOrch, "workflow failed", "workflow", id, "reason", reason)
}

func (s *supervisor) cancelled(ctx context.Context) {
	// The supervisor context is gone; finish bookkeeping on a fresh one.
	ctx = context.WithoutCancel(ctx)
	id := s.wf.ID

	s.mu.Lock()
	reason := s.cancelReason
	s.mu.Unlock()
	if reason == "" {
		reason = "workflow cancelled"
	}

	if _, err := s.o.store.SetStatus(ctx, id, workflow.StatusCancelled, ""); err != nil {
		log.ErrorErr(log.CatOrch, "failed to cancel workflow", err, "workflow", id)
		return
	}
	s.o.emitTerminal(ctx, id, workflow.EventWorkflowCancelled, reason, nil)
	s.o.seq.Forget(id)
	log.Info(log.CatOrch, "workflow cancelled", "workflow", id, "reason", reason)
}

// backoff records the failure on the row and sleeps before the next
// attempt. Returns false if cancelled while waiting.
func (s *supervisor) backoff(ctx context.Context, id workflow.ID, attempt int, cause error) bool {
	delay := s.o.cfg.Retry.Backoff(attempt)
	s.o.emit(ctx, id, workflow.EventSystemWarning, workflow.AgentSystem,
		fmt.Sprintf("transient failure, retrying in %s (attempt %d/%d)", delay, attempt, s.o.cfg.Retry.MaxAttempts),
		map[string]any{"attempt": attempt, "delay_ms": delay.Milliseconds(), "error": cause.Error()})

	// Re-fetch: approval or plan edits may have touched the row meanwhile.
	if w, err := s.o.store.Get(ctx, id); err == nil {
		w.ConsecutiveErrors++
		w.LastErrorContext = cause.Error()
		if err := s.o.store.Update(ctx, w); err != nil {
			log.ErrorErr(log.CatOrch, "failed to record error streak", err, "workflow", id)
		}
		s.wf = w
	}

	select {
	case <-time.After(delay):
		return true
	case <-ctx.Done():
		return false
	}
}

// signalCancel asks the supervisor to stop with a reason.
func (s *supervisor) signalCancel(reason string) {
	s.mu.Lock()
	s.cancelReason = reason
	s.mu.Unlock()
	s.cancel()
}

// agentFor maps graph nodes to the agent credited with their events.
var nodeAgents = map[string]string{
	"architect": workflow.AgentArchitect,
	"plan":      workflow.AgentArchitect,
	"developer": workflow.AgentDeveloper,
	"build":     workflow.AgentDeveloper,
	"reviewer":  workflow.AgentReviewer,
	"review":    workflow.AgentReviewer,
}

func agentFor(node string) string {
	if a, ok := nodeAgents[node]; ok {
		return a
	}
	return workflow.AgentSystem
}

// planState converts a plan snapshot to graph state.
func planState(p *workflow.PlanCache) map[string]any {
	if p == nil {
		return nil
	}
	return map[string]any{
		"goal":        p.Goal,
		"markdown":    p.Markdown,
		"key_files":   p.KeyFiles,
		"total_tasks": p.TotalTasks,
	}
}

// planFromState decodes a plan from graph state. Nodes store plans either
// as the typed struct or, after checkpoint reload, as a generic map.
func planFromState(v any) *workflow.PlanCache {
	switch p := v.(type) {
	case nil:
		return nil
	case *workflow.PlanCache:
		return p
	case workflow.PlanCache:
		return &p
	default:
		raw, err := json.Marshal(v)
		if err != nil {
			return nil
		}
		var plan workflow.PlanCache
		if err := json.Unmarshal(raw, &plan); err != nil {
			return nil
		}
		if plan.Goal == "" && plan.Markdown == "" {
			return nil
		}
		return &plan
	}
}

// usageFromDelta extracts token usage a node attached to its delta.
func usageFromDelta(id workflow.ID, delta graph.State) *workflow.TokenUsage {
	v, ok := delta["token_usage"]
	if !ok {
		return nil
	}
	switch u := v.(type) {
	case *workflow.TokenUsage:
		out := *u
		out.WorkflowID = id
		return &out
	case workflow.TokenUsage:
		u.WorkflowID = id
		return &u
	default:
		raw, err := json.Marshal(v)
		if err != nil {
			return nil
		}
		var usage workflow.TokenUsage
		if err := json.Unmarshal(raw, &usage); err != nil {
			return nil
		}
		usage.WorkflowID = id
		return &usage
	}
}
