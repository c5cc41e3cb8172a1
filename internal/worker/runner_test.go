package worker

import (
	"context"
	"errors"
	"testing"
	"time"
)

type fakeWorker struct {
	name string
	run  func(ctx context.Context) error
}

func (f fakeWorker) Name() string                    { return f.name }
func (f fakeWorker) Run(ctx context.Context) error { return f.run(ctx) }

func TestRunnerCancelsAllOnFirstError(t *testing.T) {
	t.Parallel()
	boom := errors.New("boom")
	otherStopped := make(chan struct{})

	r := NewRunner(
		fakeWorker{name: "failing", run: func(context.Context) error { return boom }},
		fakeWorker{name: "looping", run: func(ctx context.Context) error {
			<-ctx.Done()
			close(otherStopped)
			return nil
		}},
	)

	if err := r.Run(context.Background()); !errors.Is(err, boom) {
		t.Errorf("Run = %v, want boom", err)
	}
	select {
	case <-otherStopped:
	case <-time.After(time.Second):
		t.Error("sibling worker not cancelled")
	}
}

func TestRunnerStopsOnContextCancel(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	r := NewRunner(fakeWorker{name: "looping", run: func(ctx context.Context) error {
		<-ctx.Done()
		return nil
	}})

	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run = %v", err)
		}
	case <-time.After(time.Second):
		t.Error("Run did not return after cancel")
	}
}
