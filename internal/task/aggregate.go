package task

import (
	"context"
	"fmt"
)

// Aggregates are the task-level counters derived from items and failures.
type Aggregates struct {
	Total   int
	Success int
	Failure int
}

// computeAggregates derives task counters from scratch so that retries never
// double count:
//
//	total   = max(item.total)
//	failure = failures not RESOLVED
//	success = min(total, max(sum(completed item.success), total - failure))
func computeAggregates(items []Item, unresolved int) Aggregates {
	var total, completedSuccess int
	for _, it := range items {
		if it.TotalCount > total {
			total = it.TotalCount
		}
		if it.Status == ItemCompleted {
			completedSuccess += it.SuccessCount
		}
	}

	success := max(completedSuccess, total-unresolved)
	success = min(total, success)
	if success < 0 {
		success = 0
	}
	return Aggregates{Total: total, Success: success, Failure: unresolved}
}

// recomputeAggregates loads items and failures through q and applies the
// result to t. It returns the items it read. The caller persists t.
func recomputeAggregates(ctx context.Context, q Queries, t *Task) ([]Item, error) {
	items, err := q.ListItems(ctx, t.ID)
	if err != nil {
		return nil, fmt.Errorf("recompute aggregates: %w", err)
	}
	unresolved, err := q.CountUnresolvedFailures(ctx, t.ID)
	if err != nil {
		return nil, fmt.Errorf("recompute aggregates: %w", err)
	}

	agg := computeAggregates(items, unresolved)
	t.TotalCount = agg.Total
	t.SuccessCount = agg.Success
	t.FailureCount = agg.Failure
	return items, nil
}

// hasOpenItems reports whether any item is still PENDING or RUNNING.
func hasOpenItems(items []Item) bool {
	for _, it := range items {
		if it.Status == ItemPending || it.Status == ItemRunning {
			return true
		}
	}
	return false
}
