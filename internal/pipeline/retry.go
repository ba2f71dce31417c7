package pipeline

import (
	"context"
	"errors"
	"fmt"

	"go-etl-engine/internal/model"
)

// ErrNoRunStore is returned by Resubmit when run history is not persisted
var ErrNoRunStore = errors.New("run history is not configured")

// ErrForeignRun is returned when a caller resubmits another caller's run
var ErrForeignRun = errors.New("run belongs to another caller")

// ShouldResubmit reports whether running the same spec again might succeed.
// Denials other than rate limiting, and extraction and transformation
// failures, are deterministic.
func ShouldResubmit(result *model.Result) bool {
	if result == nil || result.Error == nil {
		return false
	}
	return model.IsRetryable(result.Error)
}

// Resubmit runs the stored spec of a previous run again under a new run id.
// The run goes through admission like any other submission. An empty caller
// id reuses the original caller; only trusted local callers such as the CLI
// may pass one.
func (e *Engine) Resubmit(ctx context.Context, runID string, caller model.Caller) (*model.Result, error) {
	if e.store == nil {
		return nil, ErrNoRunStore
	}
	rec, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to load run %s: %w", runID, err)
	}

	if caller.ID == "" {
		caller.ID = rec.CallerID
	}
	if caller.ID != rec.CallerID {
		return nil, fmt.Errorf("%w: %s", ErrForeignRun, runID)
	}
	if caller.Tier == "" {
		caller.Tier = rec.Tier
	}

	e.log.Info().
		Str("previous_run_id", runID).
		Str("previous_status", rec.Status).
		Str("caller_id", caller.ID).
		Msg("resubmitting run")
	return e.Submit(ctx, rec.Spec, caller)
}
