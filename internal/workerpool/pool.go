// Package workerpool runs a fixed-width pool of workers over an ordered
// list of tasks, grounded on backend/b2/upload.go's largeUpload.Upload
// (an errgroup.WithContext-managed producer loop feeding bounded worker
// goroutines, with the group's context cancellation doing fail-fast on the
// first error). Unlike the teacher, each task's result is kept and
// associated back to its index, so results are collected into an
// index-ordered slice rather than discarded. The uploader's chunk tasks
// return the chunk index only; the server's returned slice MD5 is not
// compared against the locally computed one.
package workerpool

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// Task is one unit of work; index is its position in the original task
// list, for result bookkeeping and logging.
type Task func(ctx context.Context, index int) (interface{}, error)

// Run executes tasks with at most width workers concurrently, returning
// their results in task order. Run cancels all remaining work and returns
// the first error encountered, matching the teacher's fail-fast behavior
// on gCtx.Err().
func Run(ctx context.Context, width int, tasks []Task) ([]interface{}, error) {
	if width < 1 {
		width = 1
	}
	results := make([]interface{}, len(tasks))
	g, gCtx := errgroup.WithContext(ctx)
	sem := make(chan struct{}, width)

taskLoop:
	for i, task := range tasks {
		i, task := i, task
		if gCtx.Err() != nil {
			break taskLoop
		}
		select {
		case sem <- struct{}{}:
		case <-gCtx.Done():
			break taskLoop
		}
		g.Go(func() error {
			defer func() { <-sem }()
			if gCtx.Err() != nil {
				return nil
			}
			res, err := task(gCtx, i)
			if err != nil {
				return err
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}
