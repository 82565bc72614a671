// Package queue runs analysis tasks on a fixed pool of goroutines fed by a
// bounded channel. Submissions never block the caller.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// ErrQueueFull is returned by Submit when the buffer has no free slot.
var ErrQueueFull = errors.New("queue full")

// Task is one analysis to run.
type Task struct {
	SessionID string
	Ticker    string
	Date      string
}

// Runner executes a task to completion. It must record its own outcome.
type Runner interface {
	Run(ctx context.Context, sessionID, ticker, date string)
}

// Queue manages the task buffer and workers.
type Queue struct {
	tasks       chan Task
	runner      Runner
	concurrency int
	logger      *slog.Logger
	wg          sync.WaitGroup
}

// New creates a queue holding up to size pending tasks, drained by
// concurrency workers once Start is called.
func New(runner Runner, size, concurrency int, logger *slog.Logger) *Queue {
	if size < 0 {
		size = 0
	}
	if concurrency < 1 {
		concurrency = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{
		tasks:       make(chan Task, size),
		runner:      runner,
		concurrency: concurrency,
		logger:      logger,
	}
}

// Submit adds a task to the queue. Returns ErrQueueFull if the queue is full.
func (q *Queue) Submit(_ context.Context, sessionID, ticker, date string) error {
	select {
	case q.tasks <- Task{SessionID: sessionID, Ticker: ticker, Date: date}:
		return nil
	default:
		return fmt.Errorf("%w: cannot enqueue session %s", ErrQueueFull, sessionID)
	}
}

// Start launches the workers. They stop taking new tasks when ctx is done;
// a task already running is left to finish.
func (q *Queue) Start(ctx context.Context) {
	for i := range q.concurrency {
		q.wg.Add(1)
		go q.runWorker(ctx, i)
	}
}

// Wait blocks until every worker has exited.
func (q *Queue) Wait() {
	q.wg.Wait()
}

func (q *Queue) runWorker(ctx context.Context, id int) {
	defer q.wg.Done()
	runCtx := context.WithoutCancel(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case t := <-q.tasks:
			q.logger.Debug("worker picked task", "worker", id, "session_id", t.SessionID)
			q.runner.Run(runCtx, t.SessionID, t.Ticker, t.Date)
		}
	}
}
