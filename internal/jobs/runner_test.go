package jobs

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"
)

type countingRecorder struct {
	mutex  sync.Mutex
	counts map[string]int
}

func (recorder *countingRecorder) Increment(event string) {
	recorder.mutex.Lock()
	defer recorder.mutex.Unlock()
	if recorder.counts == nil {
		recorder.counts = make(map[string]int)
	}
	recorder.counts[event]++
}

func (recorder *countingRecorder) Count(event string) int {
	recorder.mutex.Lock()
	defer recorder.mutex.Unlock()
	return recorder.counts[event]
}

func TestRunnerExecutesSubmittedJobs(t *testing.T) {
	recorder := &countingRecorder{}
	runner := NewRunner(Config{Workers: 2, QueueSize: 4}, zaptest.NewLogger(t), recorder)
	if err := runner.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	var waitGroup sync.WaitGroup
	waitGroup.Add(3)
	for _, name := range []string{"ok", "fail", "panic"} {
		jobName := name
		accepted := runner.Submit(jobName, func(ctx context.Context) error {
			defer waitGroup.Done()
			switch jobName {
			case "fail":
				return errors.New("boom")
			case "panic":
				panic("unexpected")
			}
			return nil
		})
		if !accepted {
			t.Fatalf("expected job %s to be accepted", jobName)
		}
	}
	waitGroup.Wait()

	if err := runner.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if recorder.Count(metricSubmitted) != 3 {
		t.Fatalf("expected 3 submitted, got %d", recorder.Count(metricSubmitted))
	}
	if recorder.Count(metricSucceeded) != 1 || recorder.Count(metricFailed) != 1 || recorder.Count(metricPanicked) != 1 {
		t.Fatalf("unexpected counters: %+v", recorder.counts)
	}
}

func TestRunnerDropsWhenQueueFull(t *testing.T) {
	recorder := &countingRecorder{}
	runner := NewRunner(Config{Workers: 1, QueueSize: 1}, zaptest.NewLogger(t), recorder)

	noop := func(ctx context.Context) error { return nil }
	if !runner.Submit("first", noop) {
		t.Fatalf("expected first job to be queued")
	}
	if runner.Submit("second", noop) {
		t.Fatalf("expected second job to be dropped")
	}
	if recorder.Count(metricDropped) != 1 {
		t.Fatalf("expected 1 dropped job, got %d", recorder.Count(metricDropped))
	}
}

func TestRunnerAppliesJobTimeout(t *testing.T) {
	runner := NewRunner(Config{Workers: 1, QueueSize: 1, JobTimeout: 20 * time.Millisecond}, zaptest.NewLogger(t), nil)
	if err := runner.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer func() { _ = runner.Stop(context.Background()) }()

	result := make(chan error, 1)
	runner.Submit("slow", func(ctx context.Context) error {
		<-ctx.Done()
		result <- ctx.Err()
		return ctx.Err()
	})

	select {
	case err := <-result:
		if !errors.Is(err, context.DeadlineExceeded) {
			t.Fatalf("expected deadline exceeded, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("job was not cancelled by its timeout")
	}
}

func TestRunnerRejectsAfterStop(t *testing.T) {
	runner := NewRunner(Config{}, zaptest.NewLogger(t), nil)
	if err := runner.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := runner.Start(context.Background()); !errors.Is(err, ErrRunnerStarted) {
		t.Fatalf("expected ErrRunnerStarted, got %v", err)
	}
	if err := runner.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if runner.Submit("late", func(ctx context.Context) error { return nil }) {
		t.Fatalf("expected submit after stop to be rejected")
	}
	if err := runner.Start(context.Background()); !errors.Is(err, ErrRunnerStopped) {
		t.Fatalf("expected ErrRunnerStopped, got %v", err)
	}
}
