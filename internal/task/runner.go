// Package task runs background work with panic recovery and coordinated
// shutdown. Conversation generation is dispatched here so request handlers
// can return immediately while the stream hub carries output to subscribers.
package task

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"

	"github.com/lectern/lectern/internal/log"
)

// Runner tracks in-flight background tasks.
type Runner struct {
	wg     sync.WaitGroup
	logger log.Logger
}

// NewRunner creates a runner. A nil logger falls back to a no-op logger.
func NewRunner(logger log.Logger) *Runner {
	if logger == nil {
		logger = log.NewNop()
	}
	return &Runner{logger: logger}
}

// Go runs fn in a new goroutine. Panics are recovered and logged together
// with the task name; returned errors are logged, not propagated. The
// context is passed through unchanged so callers decide cancellation scope.
func (r *Runner) Go(ctx context.Context, name string, fn func(ctx context.Context) error) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer func() {
			if rec := recover(); rec != nil {
				r.logger.Error("task panicked",
					"task", name,
					"panic", fmt.Sprint(rec),
					"stack", string(debug.Stack()))
			}
		}()

		if err := fn(ctx); err != nil {
			r.logger.Error("task failed", "task", name, "error", err)
		}
	}()
}

// Wait blocks until all started tasks have finished.
func (r *Runner) Wait() {
	r.wg.Wait()
}
