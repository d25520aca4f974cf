package agent

import (
	"context"
	"encoding/json"

	"github.com/zjrosen/overseer/internal/graph"
	"github.com/zjrosen/overseer/internal/workflow"
)

// Node adapts one pipeline stage to a graph node. The request is assembled
// from the thread state the orchestrator seeds at admission; the result's
// plan and token usage flow back as state deltas where the supervisor picks
// them up.
func Node(r Runner, stage string) graph.NodeFunc {
	return func(ctx context.Context, state graph.State) (graph.State, error) {
		res, err := r.Run(ctx, stage, requestFromState(stage, state))
		if err != nil {
			return nil, err
		}
		delta := graph.State{}
		if res.Plan != nil {
			delta["plan"] = res.Plan
		}
		if res.TokenUsage != nil {
			delta["token_usage"] = res.TokenUsage
		}
		if res.Output != "" {
			delta[stage+"_output"] = res.Output
		}
		return delta, nil
	}
}

func requestFromState(stage string, state graph.State) Request {
	req := Request{
		Stage:      stage,
		WorkflowID: stringAt(state, "workflow_id"),
		IssueID:    stringAt(state, "issue_id"),
		Worktree:   stringAt(state, "worktree"),
	}
	if raw, ok := state["issue"]; ok {
		switch v := raw.(type) {
		case json.RawMessage:
			req.Issue = v
		case []byte:
			req.Issue = v
		case string:
			req.Issue = json.RawMessage(v)
		default:
			if b, err := json.Marshal(v); err == nil {
				req.Issue = b
			}
		}
	}
	req.Plan = planAt(state)
	return req
}

func stringAt(state graph.State, key string) string {
	s, _ := state[key].(string)
	return s
}

// planAt tolerates both the typed plan a node returned this run and the
// generic map a checkpoint reload produces.
func planAt(state graph.State) *workflow.PlanCache {
	v, ok := state["plan"]
	if !ok {
		return nil
	}
	switch p := v.(type) {
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
		return &plan
	}
}
