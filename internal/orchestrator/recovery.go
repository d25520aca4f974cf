package orchestrator

import (
	"context"
	"fmt"

	"github.com/zjrosen/overseer/internal/log"
	"github.com/zjrosen/overseer/internal/workflow"
)

// RecoverInterrupted reconciles workflow state after a daemon restart.
//
// Workflows left in_progress had a supervisor that died with the process:
// they are failed with a recoverable marker so an operator can resubmit.
// Workflows left blocked are still validly parked at their gate; their
// approval_required event is re-emitted so reconnecting clients regain the
// pending gate without replaying history.
func (o *Orchestrator) RecoverInterrupted(ctx context.Context) error {
	interrupted, err := o.store.FindByStatus(ctx, workflow.StatusInProgress)
	if err != nil {
		return fmt.Errorf("failed to find interrupted workflows: %w", err)
	}
	for _, w := range interrupted {
		reason := "interrupted by daemon restart"
		if _, err := o.store.SetStatus(ctx, w.ID, workflow.StatusFailed, reason); err != nil {
			log.ErrorErr(log.CatOrch, "failed to mark interrupted workflow", err, "workflow", w.ID)
			continue
		}
		o.emitTerminal(ctx, w.ID, workflow.EventWorkflowFailed, reason,
			map[string]any{"recoverable": true})
		log.Warn(log.CatOrch, "recovered interrupted workflow", "workflow", w.ID, "stage", w.CurrentStage)
	}

	blocked, err := o.store.FindByStatus(ctx, workflow.StatusBlocked)
	if err != nil {
		return fmt.Errorf("failed to find blocked workflows: %w", err)
	}
	for _, w := range blocked {
		// Reuse the original pause's correlation id so the eventual
		// resolution still pairs with it.
		o.emitCorrelated(ctx, w.ID, workflow.EventApprovalRequired, workflow.AgentSystem,
			"approval still required",
			map[string]any{"gate": w.CurrentStage, "paused_at": w.CurrentStage, "reissued": true},
			o.pauseCorrelation(ctx, w.ID))
		log.Info(log.CatOrch, "blocked workflow still awaiting approval", "workflow", w.ID)
	}

	log.Info(log.CatOrch, "recovery complete",
		"interrupted", len(interrupted), "blocked", len(blocked))
	return nil
}

// Resume restarts a failed workflow from its saved checkpoint. This is an
// explicit operator escape hatch out of the otherwise-terminal failed
// status: the row is reopened to pending and a fresh supervisor picks up
// where the graph left off. Blocked workflows resume through Approve.
func (o *Orchestrator) Resume(ctx context.Context, id workflow.ID) error {
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
	if w.Status != workflow.StatusFailed {
		return fmt.Errorf("%w: workflow %s is %s, expected failed", workflow.ErrInvalidState, id, w.Status)
	}

	// Without a checkpoint there is nothing to resume from.
	if _, err := o.executor.GetState(ctx, string(id)); err != nil {
		return fmt.Errorf("%w: no checkpoint for workflow %s", workflow.ErrInvalidState, id)
	}

	// The worktree may have been handed to another workflow since the
	// failure.
	if holder, err := o.store.GetByWorktree(ctx, w.WorktreePath); err == nil && holder.ID != id {
		return fmt.Errorf("%w: held by workflow %s", workflow.ErrWorktreeConflict, holder.ID)
	}
	o.mu.Lock()
	if holder, ok := o.byPath[w.WorktreePath]; ok && holder != id {
		o.mu.Unlock()
		return fmt.Errorf("%w: held by workflow %s", workflow.ErrWorktreeConflict, holder)
	}
	o.mu.Unlock()

	w, err = o.store.Reopen(ctx, id)
	if err != nil {
		return err
	}
	log.Info(log.CatOrch, "workflow resumed from checkpoint", "workflow", id, "stage", w.CurrentStage)
	o.spawn(w, nil)
	return nil
}
