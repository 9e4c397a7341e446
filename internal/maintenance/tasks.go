package maintenance

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// TaskHistoryPrune is the name of the history retention task.
const TaskHistoryPrune = "history_prune"

// Pruner deletes invocation records older than a cutoff.
type Pruner interface {
	Prune(ctx context.Context, before time.Time) (int64, error)
}

// NewHistoryPruneTask returns a task that deletes history older than retention.
func NewHistoryPruneTask(log *slog.Logger, pruner Pruner, retention time.Duration) TaskFunc {
	log = log.With("task", TaskHistoryPrune)

	return func(ctx context.Context) error {
		cutoff := time.Now().Add(-retention)

		removed, err := pruner.Prune(ctx, cutoff)
		if err != nil {
			return fmt.Errorf("history prune failed: %w", err)
		}

		log.InfoContext(ctx, "Pruned invocation history", "removed", removed, "cutoff", cutoff)
		return nil
	}
}
