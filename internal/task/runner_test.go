package task

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestRunner_RunsTasks(t *testing.T) {
	runner := NewRunner(nil)

	var count atomic.Int32
	for i := 0; i < 5; i++ {
		runner.Go(context.Background(), "count", func(ctx context.Context) error {
			count.Add(1)
			return nil
		})
	}
	runner.Wait()

	if got := count.Load(); got != 5 {
		t.Errorf("ran %d tasks, want 5", got)
	}
}

func TestRunner_RecoversPanic(t *testing.T) {
	runner := NewRunner(nil)

	runner.Go(context.Background(), "panics", func(ctx context.Context) error {
		panic("boom")
	})
	// Wait returning at all proves the panic was contained.
	runner.Wait()
}

func TestRunner_TaskErrorDoesNotPropagate(t *testing.T) {
	runner := NewRunner(nil)

	done := make(chan struct{})
	runner.Go(context.Background(), "fails", func(ctx context.Context) error {
		defer close(done)
		return errors.New("task error")
	})
	<-done
	runner.Wait()
}

func TestRunner_PassesContext(t *testing.T) {
	runner := NewRunner(nil)

	type key struct{}
	ctx := context.WithValue(context.Background(), key{}, "value")

	var got atomic.Value
	runner.Go(ctx, "reads-ctx", func(ctx context.Context) error {
		got.Store(ctx.Value(key{}).(string))
		return nil
	})
	runner.Wait()

	if got.Load() != "value" {
		t.Errorf("context value not passed through, got %v", got.Load())
	}
}
