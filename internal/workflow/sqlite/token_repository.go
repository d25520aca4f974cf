package sqlite

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/zjrosen/overseer/internal/workflow"
)

// SaveTokenUsage records one agent invocation.
func (s *Store) SaveTokenUsage(ctx context.Context, u *workflow.TokenUsage) error {
	if err := u.Validate(); err != nil {
		return err
	}
	m := toTokenUsageModel(u)
	if m.ID == "" {
		m.ID = string(workflow.NewID())
	}
	if m.Timestamp == 0 {
		m.Timestamp = time.Now().UTC().Unix()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO token_usage (
			id, workflow_id, agent, model,
			input_tokens, output_tokens, cache_read_tokens, cache_creation_tokens,
			cost_usd, duration_ms, num_turns, timestamp
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.WorkflowID, m.Agent, m.Model,
		m.InputTokens, m.OutputTokens, m.CacheReadTokens, m.CacheCreationTokens,
		m.CostUSD, m.DurationMS, m.NumTurns, m.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("failed to insert token usage: %w", err)
	}
	return nil
}

// TokenSummary aggregates a workflow's usage records. Returns nil when the
// workflow has no usage, so callers can distinguish "no data" from zeros.
func (s *Store) TokenSummary(ctx context.Context, id workflow.ID) (*workflow.TokenSummary, error) {
	var sum workflow.TokenSummary
	err := s.db.QueryRowContext(ctx,
		`SELECT
			COALESCE(SUM(input_tokens), 0),
			COALESCE(SUM(output_tokens), 0),
			COALESCE(SUM(cache_read_tokens), 0),
			COALESCE(SUM(cache_creation_tokens), 0),
			COALESCE(SUM(cost_usd), 0),
			COALESCE(SUM(duration_ms), 0),
			COUNT(*)
		FROM token_usage WHERE workflow_id = ?`,
		string(id)).Scan(
		&sum.TotalInputTokens, &sum.TotalOutputTokens,
		&sum.TotalCacheReadTokens, &sum.TotalCacheCreationTokens,
		&sum.TotalCostUSD, &sum.TotalDurationMS, &sum.Invocations,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to summarize token usage: %w", err)
	}
	if sum.Invocations == 0 {
		return nil, nil
	}
	return &sum, nil
}

// TokenSummariesBatch aggregates usage for many workflows in one query.
// Every requested id is present in the result; workflows with no usage
// records map to nil.
func (s *Store) TokenSummariesBatch(ctx context.Context, ids []workflow.ID) (map[workflow.ID]*workflow.TokenSummary, error) {
	if len(ids) == 0 {
		return map[workflow.ID]*workflow.TokenSummary{}, nil
	}

	placeholders := make([]string, len(ids))
	args := make([]any, len(ids))
	for i, id := range ids {
		placeholders[i] = "?"
		args[i] = string(id)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT workflow_id,
			SUM(input_tokens), SUM(output_tokens),
			SUM(cache_read_tokens), SUM(cache_creation_tokens),
			SUM(cost_usd), SUM(duration_ms), COUNT(*)
		FROM token_usage
		WHERE workflow_id IN (`+strings.Join(placeholders, ", ")+`)
		GROUP BY workflow_id`,
		args...)
	if err != nil {
		return nil, fmt.Errorf("failed to batch summarize token usage: %w", err)
	}
	defer rows.Close()

	summaries := make(map[workflow.ID]*workflow.TokenSummary, len(ids))
	for _, id := range ids {
		summaries[id] = nil
	}
	for rows.Next() {
		var wfID string
		var sum workflow.TokenSummary
		err := rows.Scan(&wfID,
			&sum.TotalInputTokens, &sum.TotalOutputTokens,
			&sum.TotalCacheReadTokens, &sum.TotalCacheCreationTokens,
			&sum.TotalCostUSD, &sum.TotalDurationMS, &sum.Invocations,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan token summary: %w", err)
		}
		summaries[workflow.ID(wfID)] = &sum
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate token summaries: %w", err)
	}
	return summaries, nil
}

// UsageSummary reports totals over [start, end) plus the window of equal
// length immediately preceding it.
func (s *Store) UsageSummary(ctx context.Context, start, end time.Time) (*workflow.UsageSummary, error) {
	sum := &workflow.UsageSummary{Start: start, End: end}

	err := s.db.QueryRowContext(ctx,
		`SELECT
			COALESCE(SUM(cost_usd), 0),
			COALESCE(SUM(input_tokens), 0),
			COALESCE(SUM(output_tokens), 0),
			COUNT(*)
		FROM token_usage WHERE timestamp >= ? AND timestamp < ?`,
		start.Unix(), end.Unix()).Scan(
		&sum.TotalCostUSD, &sum.TotalInputTokens, &sum.TotalOutputTokens, &sum.Invocations,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to summarize usage: %w", err)
	}

	prevStart := start.Add(-end.Sub(start))
	err = s.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(cost_usd), 0), COUNT(*)
		 FROM token_usage WHERE timestamp >= ? AND timestamp < ?`,
		prevStart.Unix(), start.Unix()).Scan(
		&sum.PreviousCostUSD, &sum.PreviousInvocations,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to summarize previous usage: %w", err)
	}

	err = s.db.QueryRowContext(ctx,
		`SELECT
			COALESCE(SUM(CASE WHEN status = 'completed' THEN 1 ELSE 0 END), 0),
			COUNT(*)
		FROM workflows
		WHERE status IN ('completed', 'failed', 'cancelled')
		  AND completed_at >= ? AND completed_at < ?`,
		start.Unix(), end.Unix()).Scan(
		&sum.CompletedWorkflows, &sum.TerminalWorkflows,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to count terminal workflows: %w", err)
	}
	if sum.TerminalWorkflows > 0 {
		sum.SuccessRate = float64(sum.CompletedWorkflows) / float64(sum.TerminalWorkflows)
	}
	return sum, nil
}

// UsageTrend returns per-day, per-model cost and token totals over
// [start, end), ordered by date then model.
func (s *Store) UsageTrend(ctx context.Context, start, end time.Time) ([]workflow.UsageTrendPoint, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT date(timestamp, 'unixepoch') AS day, model,
			SUM(cost_usd), SUM(input_tokens), SUM(output_tokens), COUNT(*)
		FROM token_usage
		WHERE timestamp >= ? AND timestamp < ?
		GROUP BY day, model
		ORDER BY day ASC, model ASC`,
		start.Unix(), end.Unix())
	if err != nil {
		return nil, fmt.Errorf("failed to query usage trend: %w", err)
	}
	defer rows.Close()

	var points []workflow.UsageTrendPoint
	for rows.Next() {
		var p workflow.UsageTrendPoint
		err := rows.Scan(&p.Date, &p.Model, &p.CostUSD,
			&p.InputTokens, &p.OutputTokens, &p.Invocations)
		if err != nil {
			return nil, fmt.Errorf("failed to scan trend point: %w", err)
		}
		points = append(points, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate trend points: %w", err)
	}
	return points, nil
}

// UsageByModel returns per-model rollups with a dense daily cost series
// spanning every calendar day from start through end inclusive, zero-filled
// for days with no usage.
func (s *Store) UsageByModel(ctx context.Context, start, end time.Time) ([]workflow.ModelUsage, error) {
	days := dayRange(start, end)

	rows, err := s.db.QueryContext(ctx,
		`SELECT model,
			SUM(cost_usd), SUM(input_tokens), SUM(output_tokens), COUNT(*)
		FROM token_usage
		WHERE timestamp >= ? AND timestamp < ?
		GROUP BY model
		ORDER BY SUM(cost_usd) DESC`,
		start.Unix(), end.Unix())
	if err != nil {
		return nil, fmt.Errorf("failed to query model usage: %w", err)
	}
	defer rows.Close()

	var models []workflow.ModelUsage
	index := make(map[string]int)
	for rows.Next() {
		var m workflow.ModelUsage
		err := rows.Scan(&m.Model, &m.CostUSD,
			&m.InputTokens, &m.OutputTokens, &m.Invocations)
		if err != nil {
			return nil, fmt.Errorf("failed to scan model usage: %w", err)
		}
		m.DailyCostUSD = make([]float64, len(days))
		index[m.Model] = len(models)
		models = append(models, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate model usage: %w", err)
	}
	if len(models) == 0 {
		return models, nil
	}

	trend, err := s.UsageTrend(ctx, start, end)
	if err != nil {
		return nil, err
	}
	dayIndex := make(map[string]int, len(days))
	for i, d := range days {
		dayIndex[d] = i
	}
	for _, p := range trend {
		mi, ok := index[p.Model]
		if !ok {
			continue
		}
		if di, ok := dayIndex[p.Date]; ok {
			models[mi].DailyCostUSD[di] = p.CostUSD
		}
	}
	return models, nil
}

// dayRange lists every calendar day (UTC, YYYY-MM-DD) from start through
// end inclusive.
func dayRange(start, end time.Time) []string {
	var days []string
	last := end.UTC().Truncate(24 * time.Hour)
	for day := start.UTC().Truncate(24 * time.Hour); !day.After(last); day = day.Add(24 * time.Hour) {
		days = append(days, day.Format("2006-01-02"))
	}
	return days
}
