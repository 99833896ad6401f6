package types

import (
	"encoding/json"
	"errors"
	"sort"
	"time"
)

// RunStatus represents the current state of a run.
type RunStatus string

const (
	RunStatusInitialized RunStatus = "initialized"
	RunStatusRunning     RunStatus = "running"
	RunStatusCompleted   RunStatus = "completed"
	RunStatusFailed      RunStatus = "failed"
)

// Terminal reports whether the status is final.
func (s RunStatus) Terminal() bool {
	return s == RunStatusCompleted || s == RunStatusFailed
}

// NodeStatus represents the current state of a node within a run.
type NodeStatus string

const (
	NodeStatusPending   NodeStatus = "pending"
	NodeStatusRunning   NodeStatus = "running"
	NodeStatusCompleted NodeStatus = "completed"
	NodeStatusFailed    NodeStatus = "failed"
)

// RunRequest is the queue envelope that admits one run.
type RunRequest struct {
	WorkflowID string                 `json:"workflowId"`
	TriggerID  string                 `json:"triggerId"`
	SessionID  string                 `json:"sessionId,omitempty"`
	ProjectID  string                 `json:"projectId,omitempty"`
	Definition *WorkflowDefinition    `json:"definition"`
	Inputs     map[string]interface{} `json:"inputs,omitempty"`
}

// Validate checks the envelope fields the executor relies on.
func (r *RunRequest) Validate() error {
	switch {
	case r.WorkflowID == "":
		return errors.New("workflowId is required")
	case r.TriggerID == "":
		return errors.New("triggerId is required")
	case r.Definition == nil:
		return errors.New("definition is required")
	}
	return nil
}

// ExecutionContext is the persisted state of one run.
type ExecutionContext struct {
	WorkflowID     string                    `json:"workflowId"`
	SessionID      string                    `json:"sessionId,omitempty"`
	TriggerID      string                    `json:"triggerId"`
	ProjectID      string                    `json:"projectId,omitempty"`
	WorkflowInputs map[string]interface{}    `json:"workflowInputs,omitempty"`
	NodeExecutions map[string]*NodeExecution `json:"nodeExecutions"`
	CompletedNodes NodeSet                   `json:"completedNodes"`
	AllNodes       NodeSet                   `json:"allNodes"`
	Status         RunStatus                 `json:"status"`
	Output         interface{}               `json:"output,omitempty"`
	Error          string                    `json:"error,omitempty"`
	Version        int64                     `json:"version"`
	CreatedAt      time.Time                 `json:"createdAt"`
	UpdatedAt      time.Time                 `json:"updatedAt"`
	FinishedAt     *time.Time                `json:"finishedAt,omitempty"`

	// Owner is the worker holding the run's lease until LeaseExpiresAt.
	Owner          string     `json:"owner,omitempty"`
	LeaseExpiresAt *time.Time `json:"leaseExpiresAt,omitempty"`
}

// NodeExecution records one node's progress within a run.
type NodeExecution struct {
	Status        NodeStatus             `json:"status"`
	Success       bool                   `json:"success"`
	Inputs        map[string]interface{} `json:"inputs,omitempty"`
	Output        interface{}            `json:"output,omitempty"`
	Error         string                 `json:"error,omitempty"`
	ErrorKind     string                 `json:"errorKind,omitempty"`
	ErrorCode     string                 `json:"errorCode,omitempty"`
	ExecutionTime int64                  `json:"executionTime"` // milliseconds
	StartedAt     time.Time              `json:"startedAt"`
	Version       int64                  `json:"version"`
}

// Clone returns a copy whose maps and node records can be mutated freely.
// Input and output values are shared.
func (c *ExecutionContext) Clone() *ExecutionContext {
	if c == nil {
		return nil
	}
	out := *c
	out.WorkflowInputs = make(map[string]interface{}, len(c.WorkflowInputs))
	for k, v := range c.WorkflowInputs {
		out.WorkflowInputs[k] = v
	}
	out.NodeExecutions = make(map[string]*NodeExecution, len(c.NodeExecutions))
	for id, ne := range c.NodeExecutions {
		out.NodeExecutions[id] = ne.Clone()
	}
	out.CompletedNodes = c.CompletedNodes.Clone()
	out.AllNodes = c.AllNodes.Clone()
	if c.FinishedAt != nil {
		t := *c.FinishedAt
		out.FinishedAt = &t
	}
	if c.LeaseExpiresAt != nil {
		t := *c.LeaseExpiresAt
		out.LeaseExpiresAt = &t
	}
	return &out
}

// Clone returns a shallow copy with its own inputs map.
func (n *NodeExecution) Clone() *NodeExecution {
	if n == nil {
		return nil
	}
	out := *n
	if n.Inputs != nil {
		out.Inputs = make(map[string]interface{}, len(n.Inputs))
		for k, v := range n.Inputs {
			out.Inputs[k] = v
		}
	}
	return &out
}

// NodeSet is a set of node ids. It encodes as a sorted JSON array.
type NodeSet map[string]struct{}

// NewNodeSet builds a set from ids.
func NewNodeSet(ids ...string) NodeSet {
	s := make(NodeSet, len(ids))
	for _, id := range ids {
		s[id] = struct{}{}
	}
	return s
}

func (s NodeSet) Add(id string) { s[id] = struct{}{} }

func (s NodeSet) Has(id string) bool {
	_, ok := s[id]
	return ok
}

// Sorted returns the members in sorted order.
func (s NodeSet) Sorted() []string {
	ids := make([]string, 0, len(s))
	for id := range s {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// SubsetOf reports whether every member of s is in other.
func (s NodeSet) SubsetOf(other NodeSet) bool {
	for id := range s {
		if !other.Has(id) {
			return false
		}
	}
	return true
}

func (s NodeSet) Clone() NodeSet {
	out := make(NodeSet, len(s))
	for id := range s {
		out[id] = struct{}{}
	}
	return out
}

func (s NodeSet) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Sorted())
}

func (s *NodeSet) UnmarshalJSON(data []byte) error {
	var ids []string
	if err := json.Unmarshal(data, &ids); err != nil {
		return err
	}
	*s = NewNodeSet(ids...)
	return nil
}
