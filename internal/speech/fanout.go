package speech

import (
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"
)

// ErrTaskAborted marks a task that ended abnormally (panicked) instead of
// returning a result.
var ErrTaskAborted = errors.New("speech: task aborted")

// TaskResult is the outcome of one item of a [ParallelMap], tagged with the
// position of the item it was produced from.
type TaskResult[R any] struct {
	Index int
	Value R
	Err   error
}

// ParallelMap runs fn over every item concurrently and returns one result per
// item, in input order. All tasks run to completion; a failing task never
// cancels its siblings. limit bounds the number of tasks in flight; a value
// of zero or less means unbounded.
func ParallelMap[T, R any](items []T, limit int, fn func(i int, item T) (R, error)) []TaskResult[R] {
	results := make([]TaskResult[R], len(items))

	var g errgroup.Group
	if limit > 0 {
		g.SetLimit(limit)
	}
	for i, item := range items {
		g.Go(func() (err error) {
			defer func() {
				if r := recover(); r != nil {
					err = fmt.Errorf("%w: %v", ErrTaskAborted, r)
					results[i] = TaskResult[R]{Index: i, Err: err}
				}
			}()
			v, err := fn(i, item)
			results[i] = TaskResult[R]{Index: i, Value: v, Err: err}
			return err
		})
	}
	// Errors are inspected per index below; Wait is only the join barrier.
	_ = g.Wait()
	return results
}

// FirstError returns the error of the lowest-index failed result, if any.
func FirstError[R any](results []TaskResult[R]) (TaskResult[R], bool) {
	for _, r := range results {
		if r.Err != nil {
			return r, true
		}
	}
	return TaskResult[R]{}, false
}
