package model

// NodeState represents the lifecycle state of one node within a workflow run.
type NodeState string

const (
	NodeStatePending   NodeState = "PENDING"
	NodeStateReady     NodeState = "READY"
	NodeStateRunning   NodeState = "RUNNING"
	NodeStateSucceeded NodeState = "SUCCEEDED"
	NodeStateFailed    NodeState = "FAILED"
	NodeStateSkipped   NodeState = "SKIPPED"
)

// String returns the string representation of the node state.
func (s NodeState) String() string {
	return string(s)
}

// IsTerminal returns true if the node is in a final state.
func (s NodeState) IsTerminal() bool {
	switch s {
	case NodeStateSucceeded, NodeStateFailed, NodeStateSkipped:
		return true
	}
	return false
}

// ValidNodeTransitions defines the allowed state transitions for nodes.
// Terminal states have no outgoing transitions.
var ValidNodeTransitions = map[NodeState][]NodeState{
	NodeStatePending: {NodeStateReady, NodeStateSkipped},
	NodeStateReady:   {NodeStateRunning, NodeStateSkipped},
	NodeStateRunning: {NodeStateSucceeded, NodeStateFailed},
}

// CanTransitionTo returns true if moving from the current state to next is valid.
func (s NodeState) CanTransitionTo(next NodeState) bool {
	for _, allowed := range ValidNodeTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// RunStatus is the workflow-level outcome of a run.
type RunStatus string

const (
	RunStatusRunning   RunStatus = "RUNNING"
	RunStatusSucceeded RunStatus = "SUCCEEDED"
	RunStatusFailed    RunStatus = "FAILED"
)

// String returns the string representation of the run status.
func (s RunStatus) String() string {
	return string(s)
}

// IsTerminal returns true if the run has finished.
func (s RunStatus) IsTerminal() bool {
	return s == RunStatusSucceeded || s == RunStatusFailed
}

// Valid reports whether s is one of the known run statuses.
func (s RunStatus) Valid() bool {
	return s == RunStatusRunning || s.IsTerminal()
}

// Mode identifies which execution backend runs an Analysis.
type Mode string

const (
	ModeNative      Mode = "native"
	ModeInterpreter Mode = "interpreter"
	ModeContainer   Mode = "container"
	ModeWorkflow    Mode = "workflow"
)

// Valid reports whether m is one of the known modes.
func (m Mode) Valid() bool {
	switch m {
	case ModeNative, ModeInterpreter, ModeContainer, ModeWorkflow:
		return true
	}
	return false
}
