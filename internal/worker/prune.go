package worker

import (
	"context"
	"log/slog"
	"time"
)

const pruneInterval = 10 * time.Minute

// SnapshotPruner is the slice of the store the prune worker consumes.
type SnapshotPruner interface {
	PruneUsageSnapshots(ctx context.Context, keep int) (int64, error)
}

// SnapshotPruneWorker periodically trims the usage history so each
// account retains only its newest snapshots.
type SnapshotPruneWorker struct {
	store SnapshotPruner
	keep  int
}

// NewSnapshotPruneWorker creates a prune worker retaining keep
// snapshots per account.
func NewSnapshotPruneWorker(store SnapshotPruner, keep int) *SnapshotPruneWorker {
	return &SnapshotPruneWorker{store: store, keep: keep}
}

// Name returns the worker identifier.
func (w *SnapshotPruneWorker) Name() string { return "snapshot_prune" }

// Run prunes on a fixed schedule until ctx is cancelled.
func (w *SnapshotPruneWorker) Run(ctx context.Context) error {
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			n, err := w.store.PruneUsageSnapshots(ctx, w.keep)
			if err != nil {
				slog.LogAttrs(ctx, slog.LevelError, "snapshot prune failed",
					slog.String("error", err.Error()),
				)
				continue
			}
			if n > 0 {
				slog.Info("snapshots pruned", "deleted", n)
			}
		}
	}
}
