package workflow

import (
	"time"

	"github.com/google/uuid"
)

// EventType categorizes workflow events.
type EventType string

const (
	// Lifecycle events
	EventWorkflowStarted   EventType = "workflow_started"
	EventWorkflowCompleted EventType = "workflow_completed"
	EventWorkflowFailed    EventType = "workflow_failed"
	EventWorkflowCancelled EventType = "workflow_cancelled"

	// Stage events
	EventStageStarted   EventType = "stage_started"
	EventStageCompleted EventType = "stage_completed"

	// Approval gate events
	EventApprovalRequired EventType = "approval_required"
	EventApprovalGranted  EventType = "approval_granted"
	EventApprovalRejected EventType = "approval_rejected"

	// Artifact events
	EventFileCreated  EventType = "file_created"
	EventFileModified EventType = "file_modified"
	EventFileDeleted  EventType = "file_deleted"

	// Review cycle events
	EventReviewRequested   EventType = "review_requested"
	EventReviewCompleted   EventType = "review_completed"
	EventRevisionRequested EventType = "revision_requested"

	// Task events
	EventAgentMessage  EventType = "agent_message"
	EventTaskStarted   EventType = "task_started"
	EventTaskCompleted EventType = "task_completed"
	EventTaskFailed    EventType = "task_failed"

	// System events
	EventSystemError   EventType = "system_error"
	EventSystemWarning EventType = "system_warning"

	// Stream-only trace events: per-token model output, intermediate tool
	// calls, thinking traces, sub-agent status pings. Broadcast to connected
	// clients but never written to the event log.
	EventTraceOutput    EventType = "trace_output"
	EventToolCall       EventType = "tool_call"
	EventThinking       EventType = "thinking"
	EventSubagentStatus EventType = "subagent_status"
)

// Level determines persistence and broadcast routing for an event.
type Level string

const (
	LevelTrace   Level = "trace"
	LevelDebug   Level = "debug"
	LevelInfo    Level = "info"
	LevelWarning Level = "warning"
	LevelError   Level = "error"
)

// eventLevels maps each event type to its fixed level.
var eventLevels = map[EventType]Level{
	EventWorkflowStarted:   LevelInfo,
	EventWorkflowCompleted: LevelInfo,
	EventWorkflowFailed:    LevelError,
	EventWorkflowCancelled: LevelWarning,

	EventStageStarted:   LevelInfo,
	EventStageCompleted: LevelInfo,

	EventApprovalRequired: LevelInfo,
	EventApprovalGranted:  LevelInfo,
	EventApprovalRejected: LevelWarning,

	EventFileCreated:  LevelInfo,
	EventFileModified: LevelInfo,
	EventFileDeleted:  LevelInfo,

	EventReviewRequested:   LevelInfo,
	EventReviewCompleted:   LevelInfo,
	EventRevisionRequested: LevelWarning,

	EventAgentMessage:  LevelInfo,
	EventTaskStarted:   LevelInfo,
	EventTaskCompleted: LevelInfo,
	EventTaskFailed:    LevelError,

	EventSystemError:   LevelError,
	EventSystemWarning: LevelWarning,

	EventTraceOutput:    LevelTrace,
	EventToolCall:       LevelTrace,
	EventThinking:       LevelTrace,
	EventSubagentStatus: LevelTrace,
}

// LevelFor returns the fixed level for an event type.
// Unknown types default to LevelInfo for forward compatibility.
func LevelFor(t EventType) Level {
	if lvl, ok := eventLevels[t]; ok {
		return lvl
	}
	return LevelInfo
}

// persistedEventTypes is the static classification consulted by the
// repository: only these types are written to the event log. Everything
// else is broadcast-only.
var persistedEventTypes = map[EventType]bool{
	EventWorkflowStarted:   true,
	EventWorkflowCompleted: true,
	EventWorkflowFailed:    true,
	EventWorkflowCancelled: true,
	EventStageStarted:      true,
	EventStageCompleted:    true,
	EventApprovalRequired:  true,
	EventApprovalGranted:   true,
	EventApprovalRejected:  true,
	EventFileCreated:       true,
	EventFileModified:      true,
	EventFileDeleted:       true,
	EventReviewRequested:   true,
	EventReviewCompleted:   true,
	EventRevisionRequested: true,
	EventAgentMessage:      true,
	EventTaskStarted:       true,
	EventTaskCompleted:     true,
	EventTaskFailed:        true,
	EventSystemError:       true,
	EventSystemWarning:     true,
}

// IsPersisted returns true if events of this type are written to the log.
func (t EventType) IsPersisted() bool {
	return persistedEventTypes[t]
}

// Domain is a routing category for event framing on the wire.
type Domain string

const (
	// DomainWorkflow events are wrapped {type: "event", payload: <event>}.
	DomainWorkflow Domain = "workflow"
	// DomainBrainstorm events reuse the fan-out with a flat frame.
	DomainBrainstorm Domain = "brainstorm"
)

// Agent source tags for events.
const (
	AgentSystem    = "system"
	AgentArchitect = "architect"
	AgentDeveloper = "developer"
	AgentReviewer  = "reviewer"
)

// Event is one record per observable occurrence within a workflow.
// Events are append-only: never mutated after write.
type Event struct {
	ID            ID             `json:"id"`
	WorkflowID    ID             `json:"workflow_id"`
	Sequence      int64          `json:"sequence"`
	Timestamp     time.Time      `json:"timestamp"`
	Agent         string         `json:"agent"`
	Type          EventType      `json:"event_type"`
	Level         Level          `json:"level"`
	Message       string         `json:"message"`
	Data          map[string]any `json:"data,omitempty"`
	IsError       bool           `json:"is_error"`
	CorrelationID string         `json:"correlation_id,omitempty"`
	Domain        Domain         `json:"-"`
}

// NewEvent builds an event with a fresh id, UTC timestamp, and the level
// derived from the event type. Sequence is assigned by the orchestrator.
func NewEvent(workflowID ID, eventType EventType, agent, message string) *Event {
	lvl := LevelFor(eventType)
	return &Event{
		ID:         ID(uuid.New().String()),
		WorkflowID: workflowID,
		Timestamp:  time.Now().UTC(),
		Agent:      agent,
		Type:       eventType,
		Level:      lvl,
		Message:    message,
		IsError:    lvl == LevelError,
		Domain:     DomainWorkflow,
	}
}

// StreamEvent is a broadcast-only payload for high-frequency traffic
// (per-token output, tool calls). It bypasses subscribers and storage.
type StreamEvent struct {
	WorkflowID ID             `json:"workflow_id"`
	SessionID  string         `json:"session_id,omitempty"`
	MessageID  string         `json:"message_id,omitempty"`
	Agent      string         `json:"agent"`
	Type       EventType      `json:"event_type"`
	Data       map[string]any `json:"data,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
	Domain     Domain         `json:"domain,omitempty"`
}
