package worker

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestRunnerCancelsAllOnFirstError(t *testing.T) {
	t.Parallel()

	boom := errors.New("boom")
	stopped := make(chan struct{})

	failing := Func("failing", func(context.Context) error { return boom })
	waiting := Func("waiting", func(ctx context.Context) error {
		<-ctx.Done()
		close(stopped)
		return nil
	})

	r := NewRunner(discard(), waiting, failing)
	if err := r.Run(context.Background()); !errors.Is(err, boom) {
		t.Errorf("Run: %v, want boom", err)
	}

	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Error("sibling worker not cancelled")
	}
}

func TestRunnerStopsOnContextCancel(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	w := Func("blocker", func(ctx context.Context) error {
		<-ctx.Done()
		return nil
	})

	done := make(chan error, 1)
	go func() { done <- NewRunner(discard(), w).Run(ctx) }()

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run: %v", err)
		}
	case <-time.After(time.Second):
		t.Error("runner did not stop")
	}
}

func TestFuncWorkerName(t *testing.T) {
	t.Parallel()
	w := Func("dispatch_worker", func(context.Context) error { return nil })
	if w.Name() != "dispatch_worker" {
		t.Errorf("Name = %q", w.Name())
	}
}
