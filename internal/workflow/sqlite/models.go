package sqlite

import (
	"encoding/json"
	"time"

	"github.com/zjrosen/overseer/internal/workflow"
)

// WorkflowModel represents the database row for the workflows table.
// Fields map directly to SQL columns with Unix timestamps for time values.
type WorkflowModel struct {
	ID           string
	IssueID      string
	WorktreePath string
	Type         string
	ProfileID    *string // nullable
	Status       string

	CurrentStage      *string // nullable
	FailureReason     *string // nullable
	ConsecutiveErrors int
	LastErrorContext  *string // nullable

	PlanCache      *string // nullable, JSON encoded
	IssueCache     *string // nullable, JSON encoded
	ExecutionState *string // nullable, JSON encoded

	CreatedAt   int64  // Unix timestamp
	StartedAt   *int64 // Unix timestamp, nullable
	PlannedAt   *int64 // Unix timestamp, nullable
	CompletedAt *int64 // Unix timestamp, nullable
}

// toWorkflowModel converts a domain Workflow to a database WorkflowModel.
func toWorkflowModel(w *workflow.Workflow) *WorkflowModel {
	m := &WorkflowModel{
		ID:                string(w.ID),
		IssueID:           w.IssueID,
		WorktreePath:      w.WorktreePath,
		Type:              string(w.Type),
		Status:            string(w.Status),
		ConsecutiveErrors: w.ConsecutiveErrors,
		CreatedAt:         w.CreatedAt.Unix(),
	}
	if w.ProfileID != "" {
		profileID := w.ProfileID
		m.ProfileID = &profileID
	}
	if w.CurrentStage != "" {
		stage := w.CurrentStage
		m.CurrentStage = &stage
	}
	if w.FailureReason != "" {
		reason := w.FailureReason
		m.FailureReason = &reason
	}
	if w.LastErrorContext != "" {
		errCtx := w.LastErrorContext
		m.LastErrorContext = &errCtx
	}
	if w.PlanCache != nil {
		if planJSON, err := json.Marshal(w.PlanCache); err == nil {
			plan := string(planJSON)
			m.PlanCache = &plan
		}
	}
	if len(w.IssueCache) > 0 {
		issue := string(w.IssueCache)
		m.IssueCache = &issue
	}
	if len(w.ExecutionState) > 0 {
		state := string(w.ExecutionState)
		m.ExecutionState = &state
	}
	if w.StartedAt != nil {
		started := w.StartedAt.Unix()
		m.StartedAt = &started
	}
	if w.PlannedAt != nil {
		planned := w.PlannedAt.Unix()
		m.PlannedAt = &planned
	}
	if w.CompletedAt != nil {
		completed := w.CompletedAt.Unix()
		m.CompletedAt = &completed
	}
	return m
}

// toDomain converts a WorkflowModel back to a domain Workflow.
func (m *WorkflowModel) toDomain() *workflow.Workflow {
	w := &workflow.Workflow{
		ID:                workflow.ID(m.ID),
		IssueID:           m.IssueID,
		WorktreePath:      m.WorktreePath,
		Type:              workflow.Type(m.Type),
		Status:            workflow.Status(m.Status),
		ConsecutiveErrors: m.ConsecutiveErrors,
		CreatedAt:         time.Unix(m.CreatedAt, 0).UTC(),
	}
	if m.ProfileID != nil {
		w.ProfileID = *m.ProfileID
	}
	if m.CurrentStage != nil {
		w.CurrentStage = *m.CurrentStage
	}
	if m.FailureReason != nil {
		w.FailureReason = *m.FailureReason
	}
	if m.LastErrorContext != nil {
		w.LastErrorContext = *m.LastErrorContext
	}
	if m.PlanCache != nil {
		var plan workflow.PlanCache
		if err := json.Unmarshal([]byte(*m.PlanCache), &plan); err == nil {
			w.PlanCache = &plan
		}
	}
	if m.IssueCache != nil {
		w.IssueCache = json.RawMessage(*m.IssueCache)
	}
	if m.ExecutionState != nil {
		w.ExecutionState = json.RawMessage(*m.ExecutionState)
	}
	if m.StartedAt != nil {
		started := time.Unix(*m.StartedAt, 0).UTC()
		w.StartedAt = &started
	}
	if m.PlannedAt != nil {
		planned := time.Unix(*m.PlannedAt, 0).UTC()
		w.PlannedAt = &planned
	}
	if m.CompletedAt != nil {
		completed := time.Unix(*m.CompletedAt, 0).UTC()
		w.CompletedAt = &completed
	}
	return w
}

// EventModel represents the database row for the workflow_log table.
type EventModel struct {
	ID            string
	WorkflowID    string
	Sequence      int64
	Timestamp     int64 // Unix timestamp
	Agent         string
	EventType     string
	Level         string
	Message       string
	Data          *string // nullable, JSON encoded
	IsError       bool
	CorrelationID *string // nullable
}

// toEventModel converts a domain Event to a database EventModel.
func toEventModel(e *workflow.Event) *EventModel {
	m := &EventModel{
		ID:         string(e.ID),
		WorkflowID: string(e.WorkflowID),
		Sequence:   e.Sequence,
		Timestamp:  e.Timestamp.Unix(),
		Agent:      e.Agent,
		EventType:  string(e.Type),
		Level:      string(e.Level),
		Message:    e.Message,
		IsError:    e.IsError,
	}
	if len(e.Data) > 0 {
		if dataJSON, err := json.Marshal(e.Data); err == nil {
			data := string(dataJSON)
			m.Data = &data
		}
	}
	if e.CorrelationID != "" {
		corr := e.CorrelationID
		m.CorrelationID = &corr
	}
	return m
}

// toDomain converts an EventModel back to a domain Event.
func (m *EventModel) toDomain() *workflow.Event {
	e := &workflow.Event{
		ID:         workflow.ID(m.ID),
		WorkflowID: workflow.ID(m.WorkflowID),
		Sequence:   m.Sequence,
		Timestamp:  time.Unix(m.Timestamp, 0).UTC(),
		Agent:      m.Agent,
		Type:       workflow.EventType(m.EventType),
		Level:      workflow.Level(m.Level),
		Message:    m.Message,
		IsError:    m.IsError,
		Domain:     workflow.DomainWorkflow,
	}
	if m.Data != nil {
		var data map[string]any
		if err := json.Unmarshal([]byte(*m.Data), &data); err == nil {
			e.Data = data
		}
	}
	if m.CorrelationID != nil {
		e.CorrelationID = *m.CorrelationID
	}
	return e
}

// TokenUsageModel represents the database row for the token_usage table.
type TokenUsageModel struct {
	ID                  string
	WorkflowID          string
	Agent               string
	Model               string
	InputTokens         int64
	OutputTokens        int64
	CacheReadTokens     int64
	CacheCreationTokens int64
	CostUSD             float64
	DurationMS          int64
	NumTurns            int
	Timestamp           int64 // Unix timestamp
}

// toTokenUsageModel converts a domain TokenUsage to a database model.
func toTokenUsageModel(u *workflow.TokenUsage) *TokenUsageModel {
	return &TokenUsageModel{
		ID:                  string(u.ID),
		WorkflowID:          string(u.WorkflowID),
		Agent:               u.Agent,
		Model:               u.Model,
		InputTokens:         u.InputTokens,
		OutputTokens:        u.OutputTokens,
		CacheReadTokens:     u.CacheReadTokens,
		CacheCreationTokens: u.CacheCreationTokens,
		CostUSD:             u.CostUSD,
		DurationMS:          u.DurationMS,
		NumTurns:            u.NumTurns,
		Timestamp:           u.Timestamp.Unix(),
	}
}

// toDomain converts a TokenUsageModel back to a domain TokenUsage.
func (m *TokenUsageModel) toDomain() *workflow.TokenUsage {
	return &workflow.TokenUsage{
		ID:                  workflow.ID(m.ID),
		WorkflowID:          workflow.ID(m.WorkflowID),
		Agent:               m.Agent,
		Model:               m.Model,
		InputTokens:         m.InputTokens,
		OutputTokens:        m.OutputTokens,
		CacheReadTokens:     m.CacheReadTokens,
		CacheCreationTokens: m.CacheCreationTokens,
		CostUSD:             m.CostUSD,
		DurationMS:          m.DurationMS,
		NumTurns:            m.NumTurns,
		Timestamp:           time.Unix(m.Timestamp, 0).UTC(),
	}
}
