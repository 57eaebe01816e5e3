// Package eventloop runs tasks one at a time on a single goroutine.
package eventloop

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("component", "eventloop")

var ErrStopped = errors.New("event loop stopped")

// Loop is an unbounded FIFO of tasks. Post may be called from any goroutine;
// tasks only ever run on the goroutine driving Run, RunOne or RunUntilIdle.
type Loop struct {
	mu      sync.Mutex
	tasks   []func()
	wake    chan struct{}
	stopped bool
}

func New() *Loop {
	return &Loop{wake: make(chan struct{}, 1)}
}

// Post queues task. Tasks posted after Run has returned are dropped.
func (l *Loop) Post(task func()) {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		log.Debug("Dropping task posted to stopped loop")
		return
	}
	l.tasks = append(l.tasks, task)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
}

func (l *Loop) next() (func(), bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.tasks) == 0 {
		return nil, false
	}
	task := l.tasks[0]
	l.tasks[0] = nil
	l.tasks = l.tasks[1:]
	return task, true
}

// Run executes tasks until ctx is done. Pending tasks are discarded.
func (l *Loop) Run(ctx context.Context) error {
	defer func() {
		l.mu.Lock()
		l.stopped = true
		l.tasks = nil
		l.mu.Unlock()
	}()

	for {
		if err := l.RunOne(ctx); err != nil {
			return err
		}
	}
}

// RunOne waits for a task and runs it.
func (l *Loop) RunOne(ctx context.Context) error {
	for {
		if task, ok := l.next(); ok {
			task()
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-l.wake:
		}
	}
}

// RunUntilIdle runs queued tasks, including ones they post, until the queue
// is empty. It returns the number of tasks run.
func (l *Loop) RunUntilIdle() int {
	n := 0
	for {
		task, ok := l.next()
		if !ok {
			return n
		}
		task()
		n++
	}
}

// Call runs fn on the loop and waits for it to finish.
func (l *Loop) Call(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	l.Post(func() {
		defer close(done)
		fn()
	})
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Await posts start to the loop and waits for it to call finish exactly once
// with the operation's result. It suits callback style operations.
func Await(ctx context.Context, l *Loop, start func(finish func(error))) error {
	result := make(chan error, 1)
	l.Post(func() {
		var once sync.Once
		start(func(err error) {
			once.Do(func() { result <- err })
		})
	})
	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
