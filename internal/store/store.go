// Package store keeps the history of finished runs and the node state
// transitions observed while they executed.
package store

import (
	"context"

	"github.com/me/weft/pkg/model"
)

// Store defines the persistence layer for run history.
type Store interface {
	// Runs
	SaveRun(ctx context.Context, run *model.RunResult) error
	GetRun(ctx context.Context, id string) (*model.RunResult, error)
	ListRuns(ctx context.Context, opts model.ListOptions) ([]*model.RunResult, int, error)
	DeleteRun(ctx context.Context, id string) error

	// Transition events
	AppendEvent(ctx context.Context, ev model.Event) error
	ListEvents(ctx context.Context, runID string) ([]model.Event, error)

	// Lifecycle
	Close() error
	Migrate(ctx context.Context) error
}
