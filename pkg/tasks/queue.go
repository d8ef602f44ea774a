// Package tasks runs slow side effects of writes off the request path, with a separate concurrency limit for each
// class of work.
package tasks

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/semaphore"
)

type Class string

const (
	// Files jobs read and rewrite whole file records.
	Files Class = "files"
	// Notifications jobs are small writes such as audit entries.
	Notifications Class = "notifications"
)

var (
	ErrClosed       = errors.New("task queue closed")
	ErrUnknownClass = errors.New("unknown task class")
)

func DefaultLimits() map[Class]int64 {
	return map[Class]int64{
		Files:         1,
		Notifications: 5,
	}
}

type Task struct {
	Class Class
	// Name is used for logging only.
	Name string
	Run  func(ctx context.Context) (any, error)
}

type Result struct {
	Value any
	Err   error
}

type Queue struct {
	logger *slog.Logger
	sems   map[Class]*semaphore.Weighted

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

func New(limits map[Class]int64, logger *slog.Logger) (*Queue, error) {
	if len(limits) == 0 {
		limits = DefaultLimits()
	}
	if logger == nil {
		logger = slog.Default()
	}
	q := &Queue{
		logger: logger.With("component", "tasks"),
		sems:   make(map[Class]*semaphore.Weighted, len(limits)),
	}
	for class, n := range limits {
		if n <= 0 {
			return nil, fmt.Errorf("task class %q needs a positive limit, got %d", class, n)
		}
		q.sems[class] = semaphore.NewWeighted(n)
	}
	q.ctx, q.cancel = context.WithCancel(context.Background())
	return q, nil
}

// Submit accepts t without waiting. The returned channel receives exactly one Result once the task has run, or
// ctx.Err() if the queue closed before a slot became free.
func (q *Queue) Submit(t Task) (<-chan Result, error) {
	sem, ok := q.sems[t.Class]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownClass, t.Class)
	}
	if t.Run == nil {
		return nil, fmt.Errorf("task %q has nothing to run", t.Name)
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil, ErrClosed
	}

	out := make(chan Result, 1)
	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		if err := sem.Acquire(q.ctx, 1); err != nil {
			out <- Result{Err: err}
			return
		}
		defer sem.Release(1)
		if err := q.ctx.Err(); err != nil {
			out <- Result{Err: err}
			return
		}
		out <- q.run(t)
	}()
	return out, nil
}

func (q *Queue) run(t Task) (res Result) {
	logger := q.logger.With("class", t.Class, "task", t.Name)
	defer func() {
		if r := recover(); r != nil {
			res = Result{Err: fmt.Errorf("task panicked: %v", r)}
			logger.Error("task panicked", "err", r)
		}
	}()
	v, err := t.Run(q.ctx)
	if err != nil {
		logger.Warn("task failed", "err", err)
	} else {
		logger.Debug("task finished")
	}
	return Result{Value: v, Err: err}
}

// Close stops accepting tasks, cancels the context of running ones, and waits for them to return.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.cancel()
	q.wg.Wait()
}

// Drain waits for every submitted task to finish without cancelling them. New tasks are refused.
func (q *Queue) Drain() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.wg.Wait()
}
