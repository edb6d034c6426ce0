package server

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/me/weft/internal/engine"
	"github.com/me/weft/pkg/model"
)

const saveTimeout = 10 * time.Second

type runSummary struct {
	ID          string          `json:"id"`
	WorkflowID  string          `json:"workflow_id,omitempty"`
	Status      model.RunStatus `json:"status"`
	Error       string          `json:"error,omitempty"`
	StartedAt   time.Time       `json:"started_at"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
	Nodes       model.Summary   `json:"nodes"`
}

func summarizeRun(r *model.RunResult) runSummary {
	return runSummary{
		ID:          r.ID,
		WorkflowID:  r.WorkflowID,
		Status:      r.Status,
		Error:       r.Error,
		StartedAt:   r.StartedAt,
		CompletedAt: r.CompletedAt,
		Nodes:       r.Summarize(),
	}
}

// handleCreateRun compiles the submitted workflow and starts it in the
// background, answering 202 with the pending run. With ?wait=true it answers
// with the finished run instead.
func (s *Server) handleCreateRun(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())

	c, ok := s.compileRequest(w, r)
	if !ok {
		return
	}

	ctx, cancel := context.WithCancel(s.runCtx)
	run, err := s.app.Engine.Start(ctx, c)
	if err != nil {
		cancel()
		respondError(w, reqID, http.StatusInternalServerError, model.NewInternalError(err.Error()))
		return
	}
	s.track(run, cancel)
	s.logger.Info("run submitted", "run_id", run.ID, "workflow_id", c.Spec.ID, "nodes", len(c.Plan.Order))

	if r.URL.Query().Get("wait") != "true" {
		respondAccepted(w, reqID, run.Initial)
		return
	}
	select {
	case <-run.Done():
		respondOK(w, reqID, run.Wait())
	case <-r.Context().Done():
		s.logger.Debug("client left before run finished", "run_id", run.ID)
	}
}

// track registers an active run and records it in the store, first as
// submitted and then as finished.
func (s *Server) track(run *engine.Run, cancel context.CancelFunc) {
	s.mu.Lock()
	s.active[run.ID] = &activeRun{run: run, cancel: cancel}
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer cancel()

		s.save(run.Initial)
		res := run.Wait()
		s.save(res)

		s.mu.Lock()
		delete(s.active, run.ID)
		s.mu.Unlock()
		s.logger.Info("run finished", "run_id", res.ID, "status", res.Status)
	}()
}

func (s *Server) save(res *model.RunResult) {
	ctx, cancel := context.WithTimeout(context.Background(), saveTimeout)
	defer cancel()
	if err := s.store.SaveRun(ctx, res); err != nil {
		s.logger.Error("save run", "run_id", res.ID, "error", err)
	}
}

func (s *Server) lookupActive(id string) (*activeRun, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ar, ok := s.active[id]
	return ar, ok
}

// view returns the current state of a run: the finished result, a snapshot
// rebuilt from recorded events while it runs, or the stored record. It
// returns nil when the run is unknown.
func (s *Server) view(ctx context.Context, id string) (*model.RunResult, error) {
	ar, ok := s.lookupActive(id)
	if !ok {
		return s.store.GetRun(ctx, id)
	}
	select {
	case <-ar.run.Done():
		return ar.run.Wait(), nil
	default:
	}

	events, err := s.store.ListEvents(ctx, id)
	if err != nil {
		return nil, err
	}
	return applyEvents(ar.run.Initial, events), nil
}

// applyEvents returns a copy of base with each node moved to its latest
// recorded state.
func applyEvents(base *model.RunResult, events []model.Event) *model.RunResult {
	cp := *base
	cp.Nodes = make(map[string]*model.NodeResult, len(base.Nodes))
	for id, n := range base.Nodes {
		nc := *n
		cp.Nodes[id] = &nc
	}
	for _, ev := range events {
		n, ok := cp.Nodes[ev.Node]
		if !ok {
			continue
		}
		n.State = ev.To
		t := ev.Time
		switch ev.To {
		case model.NodeStateRunning:
			n.StartedAt = &t
		case model.NodeStateSucceeded, model.NodeStateFailed, model.NodeStateSkipped:
			n.CompletedAt = &t
			n.Error = ev.Error
		}
	}
	return &cp
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())

	opts, err := listOptions(r)
	if err != nil {
		respondError(w, reqID, http.StatusBadRequest, model.NewValidationError(err.Error()))
		return
	}
	runs, total, err := s.store.ListRuns(r.Context(), opts)
	if err != nil {
		respondError(w, reqID, http.StatusInternalServerError, model.NewInternalError(err.Error()))
		return
	}

	data := make([]runSummary, 0, len(runs))
	for _, run := range runs {
		data = append(data, summarizeRun(run))
	}
	respondList(w, reqID, data, opts.Page(len(runs), total))
}

func listOptions(r *http.Request) (model.ListOptions, error) {
	q := r.URL.Query()
	opts := model.DefaultListOptions()
	for key, dst := range map[string]*int{"limit": &opts.Limit, "offset": &opts.Offset} {
		v := q.Get(key)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return opts, fmt.Errorf("invalid %s %q", key, v)
		}
		*dst = n
	}
	if status := q.Get("status"); status != "" {
		rs := model.RunStatus(status)
		if !rs.Valid() {
			return opts, fmt.Errorf("invalid status %q", status)
		}
		opts.Status = rs
	}
	return opts, nil
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	id := chi.URLParam(r, "id")

	run, err := s.view(r.Context(), id)
	if err != nil {
		respondError(w, reqID, http.StatusInternalServerError, model.NewInternalError(err.Error()))
		return
	}
	if run == nil {
		respondError(w, reqID, http.StatusNotFound, model.NewNotFoundError("run", id))
		return
	}
	respondOK(w, reqID, run)
}

// handleCancelRun stops scheduling new nodes of a running run. Nodes already
// running finish and are reported.
func (s *Server) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	id := chi.URLParam(r, "id")

	if ar, ok := s.lookupActive(id); ok {
		ar.cancel()
		s.logger.Info("run cancelled", "run_id", id)
		respondAccepted(w, reqID, map[string]any{"id": id, "cancelled": true})
		return
	}
	run, err := s.store.GetRun(r.Context(), id)
	if err != nil {
		respondError(w, reqID, http.StatusInternalServerError, model.NewInternalError(err.Error()))
		return
	}
	if run == nil {
		respondError(w, reqID, http.StatusNotFound, model.NewNotFoundError("run", id))
		return
	}
	respondError(w, reqID, http.StatusConflict, model.NewConflictError(fmt.Sprintf("run '%s' already finished with status %s", id, run.Status)))
}

func (s *Server) handleDeleteRun(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	id := chi.URLParam(r, "id")

	if _, ok := s.lookupActive(id); ok {
		respondError(w, reqID, http.StatusConflict, model.NewConflictError(fmt.Sprintf("run '%s' is still running", id)))
		return
	}
	run, err := s.store.GetRun(r.Context(), id)
	if err != nil {
		respondError(w, reqID, http.StatusInternalServerError, model.NewInternalError(err.Error()))
		return
	}
	if run == nil {
		respondError(w, reqID, http.StatusNotFound, model.NewNotFoundError("run", id))
		return
	}
	if err := s.store.DeleteRun(r.Context(), id); err != nil {
		respondError(w, reqID, http.StatusInternalServerError, model.NewInternalError(err.Error()))
		return
	}
	respondOK(w, reqID, map[string]any{"id": id, "deleted": true})
}

func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	id := chi.URLParam(r, "id")

	run, err := s.view(r.Context(), id)
	if err != nil {
		respondError(w, reqID, http.StatusInternalServerError, model.NewInternalError(err.Error()))
		return
	}
	if run == nil {
		respondError(w, reqID, http.StatusNotFound, model.NewNotFoundError("run", id))
		return
	}
	events, err := s.store.ListEvents(r.Context(), id)
	if err != nil {
		respondError(w, reqID, http.StatusInternalServerError, model.NewInternalError(err.Error()))
		return
	}
	if events == nil {
		events = []model.Event{}
	}
	respondList(w, reqID, events, &model.Pagination{Total: len(events), Limit: len(events)})
}
