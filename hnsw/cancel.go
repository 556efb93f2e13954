package hnsw

import "context"

// checkCancel returns a Cancelled error if ctx has been cancelled. Called at
// the top of every candidate-expansion and neighbor-selection iteration, and
// on write-guard acquisition.
func checkCancel(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return wrapErr("cancel", KindCancelled, ctx.Err())
	default:
		return nil
	}
}
