package store

import (
	"context"
	"log/slog"
	"time"

	"github.com/me/weft/pkg/model"
)

// Recorder is an engine observer that appends every node transition to a
// Store. Write failures are logged and otherwise ignored.
type Recorder struct {
	store   Store
	timeout time.Duration
	logger  *slog.Logger
}

// NewRecorder creates a Recorder writing to st.
func NewRecorder(st Store, logger *slog.Logger) *Recorder {
	return &Recorder{
		store:   st,
		timeout: 5 * time.Second,
		logger:  logger.With("component", "recorder"),
	}
}

// OnTransition records ev.
func (r *Recorder) OnTransition(ev model.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()
	if err := r.store.AppendEvent(ctx, ev); err != nil {
		r.logger.Warn("record event", "run_id", ev.RunID, "node", ev.Node, "error", err)
	}
}
