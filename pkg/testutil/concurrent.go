// Package testutil holds helpers shared by race-style tests.
package testutil

import (
	"sync"
	"sync/atomic"
)

// ConcurrentResult tallies the outcomes of RunConcurrent.
type ConcurrentResult struct {
	Successes int32
	Conflicts int32
	Errors    int32
	// Unexpected keeps the errors counted under Errors for assertion messages.
	Unexpected []error
}

// Total returns the number of calls made.
func (r *ConcurrentResult) Total() int32 {
	return r.Successes + r.Conflicts + r.Errors
}

// RunConcurrent calls fn from n goroutines released at the same moment.
// Errors for which isConflict reports true count as conflicts; the rest
// count as errors.
func RunConcurrent(n int, isConflict func(error) bool, fn func(idx int) error) *ConcurrentResult {
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		start     = make(chan struct{})
		successes atomic.Int32
		conflicts atomic.Int32
		result    = &ConcurrentResult{}
	)
	for i := range n {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			<-start
			err := fn(idx)
			switch {
			case err == nil:
				successes.Add(1)
			case isConflict != nil && isConflict(err):
				conflicts.Add(1)
			default:
				mu.Lock()
				result.Unexpected = append(result.Unexpected, err)
				mu.Unlock()
			}
		}(i)
	}
	close(start)
	wg.Wait()

	result.Successes = successes.Load()
	result.Conflicts = conflicts.Load()
	result.Errors = int32(len(result.Unexpected))
	return result
}
