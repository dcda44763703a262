// Package checkpoint persists Run State so a run can survive the
// human-feedback suspension and process restarts.
package checkpoint

import (
	"context"
	"errors"

	"github.com/mohammad-safakhou/deepsearch/internal/state"
)

// ErrNotFound is returned when no state exists for a run id.
var ErrNotFound = errors.New("run not found")

// Store is a durable run-state document store keyed by run id.
type Store interface {
	Save(ctx context.Context, st state.RunState) error
	Get(ctx context.Context, runID string) (state.RunState, error)
}
