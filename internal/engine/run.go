package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/me/weft/internal/backend"
	"github.com/me/weft/internal/graph"
	"github.com/me/weft/pkg/model"
)

// job is a node handed to a worker with the values its inbound edges
// delivered.
type job struct {
	node      string
	analysis  *model.Analysis
	delivered map[string]model.Value
}

// delivery is one output converted for one downstream edge.
type delivery struct {
	node  string
	port  string
	value model.Value
}

// jobResult is what a worker reports back to the coordinator.
type jobResult struct {
	node        string
	outputs     map[string]model.Value
	deliveries  []delivery
	err         error
	startedAt   time.Time
	completedAt time.Time
}

// run is the state of one workflow execution. Only the coordinator goroutine
// touches states, delivered and result.Nodes.
type run struct {
	e      *Engine
	plan   *graph.Plan
	depth  int
	result *model.RunResult
	logger *slog.Logger

	states    map[string]model.NodeState
	remaining map[string]int
	delivered map[string]map[string]model.Value
	rank      map[string]int
	ready     []string
	failed    bool
}

func newRun(e *Engine, c *Compiled) *run {
	p := c.Plan
	r := &run{
		e:     e,
		plan:  p,
		depth: c.depth,
		result: &model.RunResult{
			ID:         model.NewID(),
			WorkflowID: c.Spec.ID,
			Status:     model.RunStatusRunning,
			Nodes:      make(map[string]*model.NodeResult, len(p.Order)),
			StartedAt:  time.Now().UTC(),
		},
		states:    make(map[string]model.NodeState, len(p.Order)),
		remaining: make(map[string]int, len(p.Order)),
		delivered: make(map[string]map[string]model.Value, len(p.Order)),
		rank:      make(map[string]int, len(p.Order)),
	}
	r.logger = e.logger.With("run_id", r.result.ID)
	for i, id := range p.Order {
		a := p.Nodes[id]
		r.states[id] = model.NodeStatePending
		r.remaining[id] = len(p.Deps[id])
		r.delivered[id] = make(map[string]model.Value)
		r.rank[id] = i
		r.result.Nodes[id] = &model.NodeResult{
			NodeID:   id,
			Analysis: a.ID,
			Mode:     a.Mode,
			State:    model.NodeStatePending,
		}
	}
	return r
}

// execute is the coordinator loop. It dispatches ready nodes in topological
// order while workers are free, and stops dispatching once ctx is done or,
// with FailFast, once a node failed. Running tasks always finish and are
// reported.
func (r *run) execute(ctx context.Context) *model.RunResult {
	total := len(r.plan.Order)
	numWorkers := r.e.config.Workers
	if numWorkers > total {
		numWorkers = total
	}
	if numWorkers < 1 {
		numWorkers = 1
	}

	r.logger.Info("run started", "workflow", r.result.WorkflowID, "nodes", total, "workers", numWorkers, "depth", r.depth)

	jobs := make(chan job, total)
	results := make(chan jobResult, total)
	var wg sync.WaitGroup
	for i := 0; i < numWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := range jobs {
				results <- r.work(ctx, j)
			}
		}()
	}

	for _, id := range r.plan.Order {
		if r.remaining[id] == 0 {
			r.markReady(id)
		}
	}

	inFlight := 0
	for {
		for len(r.ready) > 0 && inFlight < numWorkers && !r.stopped(ctx) {
			id := r.ready[0]
			r.ready = r.ready[1:]
			r.transition(id, model.NodeStateRunning, nil)
			jobs <- job{node: id, analysis: r.plan.Nodes[id], delivered: r.delivered[id]}
			inFlight++
		}
		if inFlight == 0 {
			break
		}
		res := <-results
		inFlight--
		r.complete(res)
	}
	close(jobs)
	wg.Wait()

	r.skipUnstarted(ctx)
	return r.finish(ctx)
}

func (r *run) stopped(ctx context.Context) bool {
	return ctx.Err() != nil || (r.e.config.FailFast && r.failed)
}

func (r *run) markReady(id string) {
	r.transition(id, model.NodeStateReady, nil)
	i := sort.Search(len(r.ready), func(i int) bool { return r.rank[r.ready[i]] > r.rank[id] })
	r.ready = append(r.ready, "")
	copy(r.ready[i+1:], r.ready[i:])
	r.ready[i] = id
}

func (r *run) complete(res jobResult) {
	nr := r.result.Nodes[res.node]
	started, completed := res.startedAt, res.completedAt
	nr.StartedAt, nr.CompletedAt = &started, &completed
	nr.Outputs = res.outputs
	r.e.metrics.observeTask(nr.Mode, completed.Sub(started))

	if res.err != nil {
		r.failed = true
		r.logger.Error("node failed", "node", res.node, "error", res.err)
		r.transition(res.node, model.NodeStateFailed, res.err)
		for _, id := range r.plan.Downstream(res.node) {
			if r.states[id] == model.NodeStatePending {
				r.transition(id, model.NodeStateSkipped, fmt.Errorf("upstream node %q failed", res.node))
			}
		}
		return
	}

	r.transition(res.node, model.NodeStateSucceeded, nil)
	for _, d := range res.deliveries {
		r.delivered[d.node][d.port] = d.value
	}
	for _, id := range r.plan.Dependents[res.node] {
		r.remaining[id]--
		if r.remaining[id] == 0 && r.states[id] == model.NodeStatePending {
			r.markReady(id)
		}
	}
}

// skipUnstarted skips every node that never ran, in topological order.
func (r *run) skipUnstarted(ctx context.Context) {
	var cause error
	switch {
	case ctx.Err() != nil:
		cause = fmt.Errorf("run cancelled: %w", ctx.Err())
	case r.failed:
		cause = errors.New("run stopped after a failure")
	default:
		cause = errors.New("node never became ready")
	}
	for _, id := range r.plan.Order {
		switch r.states[id] {
		case model.NodeStatePending, model.NodeStateReady:
			r.transition(id, model.NodeStateSkipped, cause)
		}
	}
	r.ready = nil
}

func (r *run) finish(ctx context.Context) *model.RunResult {
	now := time.Now().UTC()
	r.result.CompletedAt = &now
	r.result.Status = model.RunStatusSucceeded
	for _, id := range r.plan.Order {
		if r.states[id] != model.NodeStateSucceeded {
			r.result.Status = model.RunStatusFailed
			break
		}
	}
	if err := ctx.Err(); err != nil && r.result.Status == model.RunStatusFailed {
		r.result.Error = err.Error()
	}
	r.e.metrics.observeRun(r.result.Status)

	s := r.result.Summarize()
	r.logger.Info("run finished",
		"status", r.result.Status,
		"succeeded", s.Succeeded,
		"failed", s.Failed,
		"skipped", s.Skipped,
		"duration", now.Sub(r.result.StartedAt))
	return r.result
}

// transition moves a node to next and notifies observers. An invalid move is
// a scheduler bug; it is logged and ignored.
func (r *run) transition(id string, next model.NodeState, cause error) {
	from := r.states[id]
	if !from.CanTransitionTo(next) {
		r.logger.Error("invalid transition", "error", &model.InvalidTransitionError{Node: id, From: from, To: next})
		return
	}
	r.states[id] = next
	nr := r.result.Nodes[id]
	nr.State = next
	if cause != nil {
		nr.SetErr(cause)
	}

	ev := model.Event{RunID: r.result.ID, Node: id, From: from, To: next, Time: time.Now().UTC(), Err: cause}
	if cause != nil {
		ev.Error = cause.Error()
	}
	r.logger.Debug("node transition", "node", id, "from", from, "to", next)
	r.e.observers.OnTransition(ev)
}

// work runs one node on a worker goroutine.
func (r *run) work(ctx context.Context, j job) jobResult {
	res := jobResult{node: j.node, startedAt: time.Now().UTC()}

	inputs, err := r.materialize(ctx, j)
	if err != nil {
		res.err = &model.TaskExecutionError{NodeID: j.node, Mode: j.analysis.Mode, Cause: err}
		res.completedAt = time.Now().UTC()
		return res
	}

	out, err := r.e.dispatcher.Dispatch(ctx, &backend.Invocation{
		RunID:    r.result.ID,
		NodeID:   j.node,
		Analysis: j.analysis,
		Inputs:   inputs,
		Depth:    r.depth,
	})
	if err == nil {
		res.outputs, err = r.checkOutputs(j.analysis, out)
	}
	if err == nil {
		res.deliveries, err = r.deliver(ctx, j.node, res.outputs)
	}
	if err != nil {
		var te *model.TaskExecutionError
		if !errors.As(err, &te) {
			err = &model.TaskExecutionError{NodeID: j.node, Mode: j.analysis.Mode, Cause: err}
		}
		res.err = err
	}
	res.completedAt = time.Now().UTC()
	return res
}
