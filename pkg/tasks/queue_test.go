package tasks

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	qt "github.com/frankban/quicktest"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type gauge struct {
	cur, max atomic.Int32
}

func (g *gauge) enter() {
	n := g.cur.Add(1)
	for {
		m := g.max.Load()
		if n <= m || g.max.CompareAndSwap(m, n) {
			return
		}
	}
}

func (g *gauge) leave() { g.cur.Add(-1) }

func runConcurrently(c *qt.C, q *Queue, class Class, n int) int32 {
	g := &gauge{}
	release := make(chan struct{})
	var results []<-chan Result
	for i := 0; i < n; i++ {
		ch, err := q.Submit(Task{Class: class, Name: "sample", Run: func(ctx context.Context) (any, error) {
			g.enter()
			defer g.leave()
			select {
			case <-release:
			case <-time.After(20 * time.Millisecond):
			}
			return nil, nil
		}})
		c.Assert(err, qt.IsNil)
		results = append(results, ch)
	}
	close(release)
	for _, ch := range results {
		c.Assert((<-ch).Err, qt.IsNil)
	}
	return g.max.Load()
}

func TestPerClassConcurrencyLimits(t *testing.T) {
	c := qt.New(t)
	q, err := New(nil, nil)
	c.Assert(err, qt.IsNil)
	defer q.Close()

	c.Assert(runConcurrently(c, q, Files, 4) <= 1, qt.IsTrue)
	c.Assert(runConcurrently(c, q, Notifications, 12) <= 5, qt.IsTrue)
}

func TestClassesDoNotBlockEachOther(t *testing.T) {
	c := qt.New(t)
	q, err := New(nil, nil)
	c.Assert(err, qt.IsNil)
	defer q.Close()

	block := make(chan struct{})
	slow, err := q.Submit(Task{Class: Files, Name: "slow", Run: func(ctx context.Context) (any, error) {
		<-block
		return "slow", nil
	}})
	c.Assert(err, qt.IsNil)

	fast, err := q.Submit(Task{Class: Notifications, Name: "fast", Run: func(ctx context.Context) (any, error) {
		return 42, nil
	}})
	c.Assert(err, qt.IsNil)
	select {
	case r := <-fast:
		c.Assert(r, qt.DeepEquals, Result{Value: 42})
	case <-time.After(5 * time.Second):
		c.Fatal("notification task waited behind a file task")
	}
	close(block)
	c.Assert((<-slow).Value, qt.Equals, "slow")
}

func TestSubmitErrors(t *testing.T) {
	c := qt.New(t)
	q, err := New(map[Class]int64{Files: 1}, nil)
	c.Assert(err, qt.IsNil)

	_, err = q.Submit(Task{Class: Notifications, Run: func(context.Context) (any, error) { return nil, nil }})
	c.Assert(err, qt.ErrorIs, ErrUnknownClass)
	_, err = q.Submit(Task{Class: Files, Name: "empty"})
	c.Assert(err, qt.ErrorMatches, `task "empty" has nothing to run`)

	q.Close()
	_, err = q.Submit(Task{Class: Files, Run: func(context.Context) (any, error) { return nil, nil }})
	c.Assert(err, qt.ErrorIs, ErrClosed)

	_, err = New(map[Class]int64{Files: 0}, nil)
	c.Assert(err, qt.ErrorMatches, `task class "files" needs a positive limit, got 0`)
}

func TestCloseCancelsWaitingAndRunningTasks(t *testing.T) {
	c := qt.New(t)
	q, err := New(map[Class]int64{Files: 1}, nil)
	c.Assert(err, qt.IsNil)

	started := make(chan struct{})
	running, err := q.Submit(Task{Class: Files, Run: func(ctx context.Context) (any, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	}})
	c.Assert(err, qt.IsNil)
	<-started
	waiting, err := q.Submit(Task{Class: Files, Run: func(ctx context.Context) (any, error) {
		return "never", nil
	}})
	c.Assert(err, qt.IsNil)

	q.Close()
	c.Assert((<-running).Err, qt.ErrorIs, context.Canceled)
	c.Assert((<-waiting).Err, qt.ErrorIs, context.Canceled)
}

func TestPanickingTaskReturnsError(t *testing.T) {
	c := qt.New(t)
	q, err := New(nil, nil)
	c.Assert(err, qt.IsNil)
	defer q.Close()

	ch, err := q.Submit(Task{Class: Notifications, Run: func(context.Context) (any, error) { panic("kaboom") }})
	c.Assert(err, qt.IsNil)
	c.Assert((<-ch).Err, qt.ErrorMatches, `task panicked: kaboom`)
}

func TestDrainWaitsForSubmittedTasks(t *testing.T) {
	c := qt.New(t)
	q, err := New(nil, nil)
	c.Assert(err, qt.IsNil)
	defer q.Close()

	var mu sync.Mutex
	done := 0
	for i := 0; i < 3; i++ {
		_, err := q.Submit(Task{Class: Files, Run: func(context.Context) (any, error) {
			time.Sleep(5 * time.Millisecond)
			mu.Lock()
			done++
			mu.Unlock()
			return nil, errors.New("ignored")
		}})
		c.Assert(err, qt.IsNil)
	}
	q.Drain()
	mu.Lock()
	defer mu.Unlock()
	c.Assert(done, qt.Equals, 3)
}
