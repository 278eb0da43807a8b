package workerpool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

var errPermanent = errors.New("permanent")

func TestPoolProcessesAllTasks(t *testing.T) {
	var processed int64
	pool, err := New(Config{Workers: 4, QueueSize: 2}, func(ctx context.Context, task *Task) error {
		atomic.AddInt64(&processed, 1)
		return nil
	}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	pool.Start()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		task := &Task{ID: "t", Done: func(r *Result) {
			defer wg.Done()
			if !r.Success || r.Attempts != 1 {
				t.Errorf("unexpected result %+v", r)
			}
		}}
		if err := pool.Submit(context.Background(), task); err != nil {
			t.Fatalf("submit: %v", err)
		}
	}
	wg.Wait()

	if err := pool.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if processed != 50 {
		t.Errorf("expected 50 processed, got %d", processed)
	}
	if s := pool.Stats(); s.Completed != 50 || s.Submitted != 50 {
		t.Errorf("unexpected stats %+v", s)
	}
	if err := pool.Submit(context.Background(), &Task{}); !errors.Is(err, ErrStopped) {
		t.Errorf("expected ErrStopped after Stop, got %v", err)
	}
}

func TestPoolRetries(t *testing.T) {
	var calls int64
	pool, _ := New(Config{
		Workers:    1,
		MaxRetries: 3,
		RetryDelay: time.Millisecond,
		Retryable:  func(err error) bool { return !errors.Is(err, errPermanent) },
	}, func(ctx context.Context, task *Task) error {
		n := atomic.AddInt64(&calls, 1)
		if task.ID == "flaky" && n < 3 {
			return errors.New("transient")
		}
		if task.ID == "broken" {
			return errPermanent
		}
		return nil
	}, nil)
	pool.Start()
	defer pool.Stop()

	results := make(chan *Result, 1)
	pool.Submit(context.Background(), &Task{ID: "flaky", Done: func(r *Result) { results <- r }})
	r := <-results
	if !r.Success || r.Attempts != 3 {
		t.Errorf("expected success on the third attempt, got %+v", r)
	}

	pool.Submit(context.Background(), &Task{ID: "broken", Done: func(r *Result) { results <- r }})
	r = <-results
	if r.Success || r.Attempts != 1 || !errors.Is(r.Error, errPermanent) {
		t.Errorf("expected a single attempt for a permanent error, got %+v", r)
	}
}

func TestSubmitBackpressure(t *testing.T) {
	release := make(chan struct{})
	pool, _ := New(Config{Workers: 1, QueueSize: 1}, func(ctx context.Context, task *Task) error {
		<-release
		return nil
	}, nil)
	pool.Start()
	defer pool.Stop()
	defer close(release)

	// one task held by the worker, one in the queue
	pool.Submit(context.Background(), &Task{})
	deadline := time.Now().Add(time.Second)
	for pool.Stats().Active == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	pool.Submit(context.Background(), &Task{})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := pool.Submit(ctx, &Task{}); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected Submit to give up with the context, got %v", err)
	}
}

func TestNewRequiresFunc(t *testing.T) {
	if _, err := New(DefaultConfig(), nil, nil); err == nil {
		t.Error("expected an error without a worker function")
	}
}
