package main

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/codexmgr/codexmgr/internal/worker"
)

type stubWorker struct {
	name string
	run  func(context.Context) error
}

func (w *stubWorker) Name() string                  { return w.name }
func (w *stubWorker) Run(ctx context.Context) error { return w.run(ctx) }

// With every background worker disabled there must be no completion
// signal at all; the process keeps serving until a real stop arrives.
func TestStartWorkersNoneConfigured(t *testing.T) {
	t.Parallel()
	errCh := startWorkers(context.Background(), nil)
	if errCh != nil {
		t.Fatal("expected nil channel with no workers configured")
	}

	select {
	case <-errCh:
		t.Fatal("nil channel fired")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestStartWorkersPropagatesFailure(t *testing.T) {
	t.Parallel()
	boom := errors.New("boom")
	errCh := startWorkers(context.Background(), []worker.Worker{
		&stubWorker{name: "failing", run: func(context.Context) error { return boom }},
	})

	select {
	case err := <-errCh:
		if !errors.Is(err, boom) {
			t.Errorf("err = %v, want boom", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("worker failure not reported")
	}
}

func TestStartWorkersBlocksWhileRunning(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errCh := startWorkers(ctx, []worker.Worker{
		&stubWorker{name: "blocking", run: func(ctx context.Context) error {
			<-ctx.Done()
			return nil
		}},
	})

	select {
	case <-errCh:
		t.Fatal("runner finished while its worker was still blocked")
	case <-time.After(100 * time.Millisecond):
	}

	cancel()
	select {
	case err := <-errCh:
		if err != nil {
			t.Errorf("err = %v, want nil after cancel", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("runner did not finish after cancel")
	}
}
