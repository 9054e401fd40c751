package executor

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

const executorTestPrefix = "executor:executor_test"

func newStarted(t *testing.T, cfg Config) *Executor {
	t.Helper()
	exec := New(cfg)
	if err := exec.Start(); err != nil {
		t.Fatalf("%s - Start failed: %v", executorTestPrefix, err)
	}
	return exec
}

func TestRunOnHostThread_RunsOnHostLoop(t *testing.T) {
	exec := newStarted(t, Config{})
	stop := startDrainLoop(t, exec)
	defer stop()

	got, err := exec.RunOnHostThread(context.Background(), func(ctx context.Context) (any, error) {
		if !OnHost(ctx) {
			return nil, errors.New("work did not receive a host context")
		}
		return "ok", nil
	})
	if err != nil {
		t.Fatalf("%s - unexpected error: %v", executorTestPrefix, err)
	}
	if got != "ok" {
		t.Errorf("%s - result = %v, want ok", executorTestPrefix, got)
	}
}

func TestRunOnHostThread_ReentrantCallRunsInline(t *testing.T) {
	exec := newStarted(t, Config{})
	stop := startDrainLoop(t, exec)
	defer stop()

	got, err := exec.RunOnHostThread(context.Background(), func(ctx context.Context) (any, error) {
		before := exec.QueueDepth()
		inner, err := exec.RunOnHostThread(ctx, func(context.Context) (any, error) {
			return 41, nil
		})
		if err != nil {
			return nil, err
		}
		if exec.QueueDepth() != before {
			return nil, errors.New("nested call was queued")
		}
		return inner.(int) + 1, nil
	})
	if err != nil {
		t.Fatalf("%s - unexpected error: %v", executorTestPrefix, err)
	}
	if got != 42 {
		t.Errorf("%s - result = %v, want 42", executorTestPrefix, got)
	}
}

func TestRunOnHostThread_HostContextNeverEnqueues(t *testing.T) {
	// No drain loop: a queued task would time out.
	exec := newStarted(t, Config{Timeout: 20 * time.Millisecond})
	ctx := WithHost(context.Background())

	start := time.Now()
	got, err := exec.RunOnHostThread(ctx, func(context.Context) (any, error) { return true, nil })
	if err != nil {
		t.Fatalf("%s - unexpected error: %v", executorTestPrefix, err)
	}
	if got != true {
		t.Errorf("%s - result = %v, want true", executorTestPrefix, got)
	}
	if exec.QueueDepth() != 0 {
		t.Errorf("%s - QueueDepth = %d, want 0", executorTestPrefix, exec.QueueDepth())
	}
	if time.Since(start) > 10*time.Millisecond {
		t.Errorf("%s - inline call blocked for %v", executorTestPrefix, time.Since(start))
	}
}

// The inline path keys on the context mark only. A host context leaked to
// another goroutine runs work inline there, while a fresh context from the same
// goroutine is queued.
func TestRunOnHostThread_InlineFollowsContextNotGoroutine(t *testing.T) {
	exec := newStarted(t, Config{Timeout: 30 * time.Millisecond, PollInterval: 5 * time.Millisecond})
	hostCtx := WithHost(context.Background())

	type outcome struct {
		inline bool
		err    error
	}
	leaked := make(chan outcome, 1)
	fresh := make(chan outcome, 1)
	go func() {
		got, err := exec.RunOnHostThread(hostCtx, func(ctx context.Context) (any, error) {
			return OnHost(ctx), nil
		})
		leaked <- outcome{inline: got == true, err: err}

		_, err = exec.RunOnHostThread(context.Background(), func(context.Context) (any, error) {
			return nil, nil
		})
		fresh <- outcome{err: err}
	}()

	if o := <-leaked; o.err != nil || !o.inline {
		t.Errorf("%s - leaked host context: inline=%v err=%v, want inline run", executorTestPrefix, o.inline, o.err)
	}
	o := <-fresh
	var te *TimeoutError
	if !errors.As(o.err, &te) || te.QueueDepth != 1 {
		t.Errorf("%s - fresh context: err = %v, want queued task timing out", executorTestPrefix, o.err)
	}
}

func TestRunOnHostThread_TimeoutCarriesQueueDepth(t *testing.T) {
	cfg := Config{Timeout: 60 * time.Millisecond, PollInterval: 10 * time.Millisecond}
	exec := newStarted(t, cfg)

	start := time.Now()
	_, err := exec.RunOnHostThread(context.Background(), func(context.Context) (any, error) {
		return nil, nil
	})
	elapsed := time.Since(start)

	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("%s - err = %v, want ErrTimeout", executorTestPrefix, err)
	}
	var te *TimeoutError
	if !errors.As(err, &te) {
		t.Fatalf("%s - err is not *TimeoutError: %T", executorTestPrefix, err)
	}
	if te.QueueDepth != 1 {
		t.Errorf("%s - QueueDepth = %d, want 1", executorTestPrefix, te.QueueDepth)
	}
	if elapsed < cfg.Timeout {
		t.Errorf("%s - returned after %v, before timeout %v", executorTestPrefix, elapsed, cfg.Timeout)
	}
	if elapsed > cfg.Timeout+cfg.PollInterval+200*time.Millisecond {
		t.Errorf("%s - returned after %v, bound is timeout plus one poll interval", executorTestPrefix, elapsed)
	}
}

func TestRunOnHostThread_SlowWorkTimesOutAndFinishesUnobserved(t *testing.T) {
	exec := newStarted(t, Config{Timeout: 40 * time.Millisecond, PollInterval: 5 * time.Millisecond})
	stop := startDrainLoop(t, exec)
	defer stop()

	finished := make(chan struct{})
	_, err := exec.RunOnHostThread(context.Background(), func(context.Context) (any, error) {
		time.Sleep(150 * time.Millisecond)
		close(finished)
		return "late", nil
	})
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("%s - err = %v, want ErrTimeout", executorTestPrefix, err)
	}

	select {
	case <-finished:
	case <-time.After(2 * time.Second):
		t.Fatalf("%s - orphaned work never completed", executorTestPrefix)
	}
}

func TestRunOnHostThread_ErrorAndPanicPropagate(t *testing.T) {
	exec := newStarted(t, Config{})
	stop := startDrainLoop(t, exec)
	defer stop()

	wantErr := errors.New("handler failed")
	_, err := exec.RunOnHostThread(context.Background(), func(context.Context) (any, error) {
		return nil, wantErr
	})
	if !errors.Is(err, wantErr) {
		t.Errorf("%s - err = %v, want %v", executorTestPrefix, err, wantErr)
	}

	_, err = exec.RunOnHostThread(context.Background(), func(context.Context) (any, error) {
		panic("boom")
	})
	if err == nil {
		t.Fatalf("%s - expected error from panicking work", executorTestPrefix)
	}
}

func TestRunOnHostThread_WakesHostWhileWaiting(t *testing.T) {
	exec := newStarted(t, Config{Timeout: 55 * time.Millisecond, PollInterval: 10 * time.Millisecond})
	w := &countingWaker{}
	exec.SetWaker(w)

	_, _ = exec.RunOnHostThread(context.Background(), func(context.Context) (any, error) { return nil, nil })
	if w.n.Load() < 3 {
		t.Errorf("%s - Wake called %d times, want at least 3", executorTestPrefix, w.n.Load())
	}
}

func TestRunOnHostThread_ContextCancelled(t *testing.T) {
	exec := newStarted(t, Config{Timeout: time.Second})
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := exec.RunOnHostThread(ctx, func(context.Context) (any, error) { return nil, nil })
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("%s - err = %v, want context.DeadlineExceeded", executorTestPrefix, err)
	}
}

func TestStop_AbortsQueuedAndRejectsNew(t *testing.T) {
	exec := newStarted(t, Config{Timeout: 5 * time.Second})

	errCh := make(chan error, 1)
	go func() {
		_, err := exec.RunOnHostThread(context.Background(), func(context.Context) (any, error) { return nil, nil })
		errCh <- err
	}()
	waitFor(t, "queued task", func() bool { return exec.QueueDepth() == 1 })

	if err := exec.Stop(); err != nil {
		t.Fatalf("%s - Stop failed: %v", executorTestPrefix, err)
	}
	select {
	case err := <-errCh:
		if !errors.Is(err, ErrAborted) {
			t.Errorf("%s - queued task err = %v, want ErrAborted", executorTestPrefix, err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("%s - queued task not aborted", executorTestPrefix)
	}

	if exec.Running() {
		t.Errorf("%s - Running() = true after Stop", executorTestPrefix)
	}
	_, err := exec.RunOnHostThread(context.Background(), func(context.Context) (any, error) { return nil, nil })
	if !errors.Is(err, ErrAborted) {
		t.Errorf("%s - submit while stopped err = %v, want ErrAborted", executorTestPrefix, err)
	}
}

func TestDrainTick_CapsTasksPerTick(t *testing.T) {
	exec := newStarted(t, Config{MaxTasksPerTick: 100})
	var ran atomic.Int32
	for i := 0; i < 150; i++ {
		if _, err := exec.Submit(func(context.Context) (any, error) {
			ran.Add(1)
			return nil, nil
		}); err != nil {
			t.Fatalf("%s - Submit failed: %v", executorTestPrefix, err)
		}
	}

	if n := exec.DrainTick(context.Background()); n != 100 {
		t.Errorf("%s - first DrainTick ran %d, want 100", executorTestPrefix, n)
	}
	if n := exec.DrainTick(context.Background()); n != 50 {
		t.Errorf("%s - second DrainTick ran %d, want 50", executorTestPrefix, n)
	}
	if ran.Load() != 150 {
		t.Errorf("%s - ran %d tasks, want 150", executorTestPrefix, ran.Load())
	}
	if n := exec.DrainTick(context.Background()); n != 0 {
		t.Errorf("%s - empty DrainTick ran %d, want 0", executorTestPrefix, n)
	}
}

func TestDrainTick_NestedDrainIsSkipped(t *testing.T) {
	exec := newStarted(t, Config{})
	nested := -1
	task, err := exec.Submit(func(ctx context.Context) (any, error) {
		nested = exec.DrainTick(ctx)
		return nil, nil
	})
	if err != nil {
		t.Fatalf("%s - Submit failed: %v", executorTestPrefix, err)
	}
	if _, err := exec.Submit(func(context.Context) (any, error) { return nil, nil }); err != nil {
		t.Fatalf("%s - Submit failed: %v", executorTestPrefix, err)
	}

	if n := exec.DrainTick(context.Background()); n != 2 {
		t.Errorf("%s - DrainTick ran %d, want 2", executorTestPrefix, n)
	}
	if nested != 0 {
		t.Errorf("%s - nested DrainTick ran %d, want 0", executorTestPrefix, nested)
	}
	if !task.Completed() {
		t.Errorf("%s - task not completed", executorTestPrefix)
	}
}

func TestDispatchTask_CompletionIsWriteOnce(t *testing.T) {
	task := newTask(func(context.Context) (any, error) { return nil, nil })

	var wg sync.WaitGroup
	var wins atomic.Int32
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if task.complete(i, nil) {
				wins.Add(1)
			}
		}(i)
	}
	wg.Wait()

	if wins.Load() != 1 {
		t.Fatalf("%s - %d completions succeeded, want 1", executorTestPrefix, wins.Load())
	}
	<-task.Done()
	first, _ := task.Result()
	if task.complete("late", errors.New("late")) {
		t.Errorf("%s - completion after the first succeeded", executorTestPrefix)
	}
	again, err := task.Result()
	if again != first || err != nil {
		t.Errorf("%s - result changed from %v to (%v, %v)", executorTestPrefix, first, again, err)
	}
}

func TestRunOnHostThread_ConcurrentCallersAllComplete(t *testing.T) {
	exec := newStarted(t, Config{})
	stop := startDrainLoop(t, exec)
	defer stop()

	// The host loop is single-threaded, so unsynchronized access from work is safe.
	counter := 0
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := exec.RunOnHostThread(context.Background(), func(context.Context) (any, error) {
				counter++
				return nil, nil
			}); err != nil {
				t.Errorf("%s - unexpected error: %v", executorTestPrefix, err)
			}
		}()
	}
	wg.Wait()

	got, _ := exec.RunOnHostThread(context.Background(), func(context.Context) (any, error) { return counter, nil })
	if got != 50 {
		t.Errorf("%s - counter = %v, want 50", executorTestPrefix, got)
	}
}
