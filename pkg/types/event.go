package types

// EventType categorizes a published event. The set is closed.
type EventType string

const (
	EventWorkflowStarted   EventType = "WORKFLOW_STARTED"
	EventWorkflowCompleted EventType = "WORKFLOW_COMPLETED"
	EventWorkflowFailed    EventType = "WORKFLOW_FAILED"
	EventNodeStarted       EventType = "NODE_STARTED"
	EventNodeCompleted     EventType = "NODE_COMPLETED"
	EventNodeFailed        EventType = "NODE_FAILED"
	EventNodeResult        EventType = "NODE_RESULT"
	EventNodeLog           EventType = "NODE_LOG"
	EventToolStarted       EventType = "TOOL_STARTED"
	EventToolCompleted     EventType = "TOOL_COMPLETED"
	EventToolFailed        EventType = "TOOL_FAILED"
	EventAgentNotification EventType = "AGENT_NOTIFICATION"
)

// EventData is implemented by exactly one payload struct per EventType.
type EventData interface {
	EventType() EventType
}

// Event is the published envelope.
type Event struct {
	Type       EventType `json:"type"`
	WorkflowID string    `json:"workflowId"`
	TriggerID  string    `json:"triggerId"`
	SessionID  string    `json:"sessionId,omitempty"`
	Data       EventData `json:"data"`
}

// NewEvent wraps a payload in an envelope for the given run.
func NewEvent(workflowID, triggerID, sessionID string, data EventData) *Event {
	return &Event{
		Type:       data.EventType(),
		WorkflowID: workflowID,
		TriggerID:  triggerID,
		SessionID:  sessionID,
		Data:       data,
	}
}

type WorkflowStarted struct {
	Nodes []string `json:"nodes"`
}

type WorkflowCompleted struct {
	Output     interface{} `json:"output,omitempty"`
	DurationMs int64       `json:"durationMs"`
}

// WorkflowFailed carries a human-readable message only.
type WorkflowFailed struct {
	Message string `json:"message"`
}

type NodeStarted struct {
	NodeID   string `json:"nodeId"`
	NodeType string `json:"nodeType"`
}

type NodeCompleted struct {
	NodeID     string      `json:"nodeId"`
	NodeType   string      `json:"nodeType"`
	Output     interface{} `json:"output,omitempty"`
	DurationMs int64       `json:"durationMs"`
}

type NodeFailed struct {
	NodeID   string `json:"nodeId"`
	NodeType string `json:"nodeType"`
	Message  string `json:"message"`
	Kind     string `json:"kind,omitempty"`
	Code     string `json:"code,omitempty"`
}

// NodeResult is one streamed chunk of node output.
type NodeResult struct {
	NodeID string      `json:"nodeId"`
	Field  string      `json:"field"`
	Chunk  interface{} `json:"chunk"`
	IOType string      `json:"ioType,omitempty"`
}

type NodeLog struct {
	NodeID  string `json:"nodeId"`
	Message string `json:"message"`
}

type ToolStarted struct {
	NodeID    string                 `json:"nodeId"`
	Tool      string                 `json:"tool"`
	CallID    string                 `json:"callId,omitempty"`
	Arguments map[string]interface{} `json:"arguments,omitempty"`
}

type ToolCompleted struct {
	NodeID string      `json:"nodeId"`
	Tool   string      `json:"tool"`
	CallID string      `json:"callId,omitempty"`
	Result interface{} `json:"result,omitempty"`
}

type ToolFailed struct {
	NodeID  string `json:"nodeId"`
	Tool    string `json:"tool"`
	CallID  string `json:"callId,omitempty"`
	Message string `json:"message"`
}

type AgentNotification struct {
	NodeID    string `json:"nodeId"`
	Iteration int    `json:"iteration"`
	Message   string `json:"message"`
}

func (*WorkflowStarted) EventType() EventType   { return EventWorkflowStarted }
func (*WorkflowCompleted) EventType() EventType { return EventWorkflowCompleted }
func (*WorkflowFailed) EventType() EventType    { return EventWorkflowFailed }
func (*NodeStarted) EventType() EventType       { return EventNodeStarted }
func (*NodeCompleted) EventType() EventType     { return EventNodeCompleted }
func (*NodeFailed) EventType() EventType        { return EventNodeFailed }
func (*NodeResult) EventType() EventType        { return EventNodeResult }
func (*NodeLog) EventType() EventType           { return EventNodeLog }
func (*ToolStarted) EventType() EventType       { return EventToolStarted }
func (*ToolCompleted) EventType() EventType     { return EventToolCompleted }
func (*ToolFailed) EventType() EventType        { return EventToolFailed }
func (*AgentNotification) EventType() EventType { return EventAgentNotification }
