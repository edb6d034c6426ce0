package model

import (
	"errors"
	"sort"
	"time"
)

// RunResult is the workflow-level outcome of one execution.
type RunResult struct {
	ID          string                 `json:"id"`
	WorkflowID  string                 `json:"workflow_id,omitempty"`
	Status      RunStatus              `json:"status"`
	Nodes       map[string]*NodeResult `json:"nodes"`
	Error       string                 `json:"error,omitempty"`
	StartedAt   time.Time              `json:"started_at"`
	CompletedAt *time.Time             `json:"completed_at,omitempty"`
}

// NodeResult is the final state of one node in a run.
type NodeResult struct {
	NodeID      string           `json:"node_id"`
	Analysis    string           `json:"analysis,omitempty"`
	Mode        Mode             `json:"mode,omitempty"`
	State       NodeState        `json:"state"`
	Outputs     map[string]Value `json:"outputs,omitempty"`
	Error       string           `json:"error,omitempty"`
	StartedAt   *time.Time       `json:"started_at,omitempty"`
	CompletedAt *time.Time       `json:"completed_at,omitempty"`

	err error
}

// Err returns the captured cause for a failed node, or nil.
func (n *NodeResult) Err() error {
	return n.err
}

// SetErr records the failure cause.
func (n *NodeResult) SetErr(err error) {
	n.err = err
	if err != nil {
		n.Error = err.Error()
	}
}

// Duration returns how long the node ran, or zero if it never ran.
func (n *NodeResult) Duration() time.Duration {
	if n.StartedAt == nil || n.CompletedAt == nil {
		return 0
	}
	return n.CompletedAt.Sub(*n.StartedAt)
}

// NodeIDs returns the node ids in sorted order.
func (r *RunResult) NodeIDs() []string {
	ids := make([]string, 0, len(r.Nodes))
	for id := range r.Nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Failures returns the failed and skipped nodes in sorted order.
func (r *RunResult) Failures() []*NodeResult {
	var out []*NodeResult
	for _, id := range r.NodeIDs() {
		n := r.Nodes[id]
		if n.State == NodeStateFailed || n.State == NodeStateSkipped {
			out = append(out, n)
		}
	}
	return out
}

// Err joins the causes of all failed nodes. It returns nil for a succeeded run.
func (r *RunResult) Err() error {
	if r.Status == RunStatusSucceeded {
		return nil
	}
	var errs []error
	for _, n := range r.Failures() {
		if n.err != nil {
			errs = append(errs, n.err)
		}
	}
	if len(errs) == 0 && r.Error != "" {
		errs = append(errs, errors.New(r.Error))
	}
	return errors.Join(errs...)
}

// Summary provides an aggregate count of node states within a run.
type Summary struct {
	Total     int `json:"total"`
	Pending   int `json:"pending"`
	Ready     int `json:"ready"`
	Running   int `json:"running"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
}

// Summarize calculates the Summary for a run.
func (r *RunResult) Summarize() Summary {
	s := Summary{Total: len(r.Nodes)}
	for _, n := range r.Nodes {
		switch n.State {
		case NodeStatePending:
			s.Pending++
		case NodeStateReady:
			s.Ready++
		case NodeStateRunning:
			s.Running++
		case NodeStateSucceeded:
			s.Succeeded++
		case NodeStateFailed:
			s.Failed++
		case NodeStateSkipped:
			s.Skipped++
		}
	}
	return s
}

// Event is a node state transition emitted to observers.
type Event struct {
	RunID string    `json:"run_id"`
	Node  string    `json:"node"`
	From  NodeState `json:"from"`
	To    NodeState `json:"to"`
	Time  time.Time `json:"time"`
	Error string    `json:"error,omitempty"`
	Err   error     `json:"-"`
}
