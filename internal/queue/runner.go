// Package queue runs batches of transfer tasks with bounded parallelism.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// Task is one unit of work, usually a single model upload or download.
type Task func(ctx context.Context) error

// TaskResult records the outcome of a task.
type TaskResult struct {
	Name     string
	Err      error
	Duration time.Duration
}

type queuedTask struct {
	name  string
	task  Task
	index int
}

// TaskRunner executes queued tasks with at most limit running at the same time. A failing task
// does not stop the others; callers inspect the results and decide.
type TaskRunner struct {
	limit int
	queue *PriorityQueue[*queuedTask]
	count int
	mu    sync.Mutex
}

// NewTaskRunner creates a runner. A limit below one is treated as one.
func NewTaskRunner(limit int) *TaskRunner {
	if limit < 1 {
		limit = 1
	}
	return &TaskRunner{
		limit: limit,
		queue: NewPriorityQueue[*queuedTask](),
	}
}

// Limit returns the concurrency cap.
func (r *TaskRunner) Limit() int {
	return r.limit
}

// Add queues a task. Tasks start in ascending priority order.
func (r *TaskRunner) Add(name string, task Task, priority int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.queue.Enqueue(&queuedTask{name: name, task: task, index: r.count}, priority)
	r.count++
}

// Run drains the queue and blocks until every task has finished. Results are returned in the
// order the tasks were added.
func (r *TaskRunner) Run(ctx context.Context) []TaskResult {
	r.mu.Lock()
	tasks := r.queue.DequeueAll()
	total := r.count
	r.count = 0
	r.mu.Unlock()

	results := make([]TaskResult, total)
	if len(tasks) == 0 {
		return results[:0]
	}

	start := time.Now()
	var g errgroup.Group
	g.SetLimit(r.limit)

	for _, qt := range tasks {
		g.Go(func() error {
			results[qt.index] = runOne(ctx, qt)
			return nil
		})
	}
	g.Wait()

	slog.Debug("task runner done", "tasks", len(tasks), "limit", r.limit, "took", time.Since(start))
	return results
}

func runOne(ctx context.Context, qt *queuedTask) (res TaskResult) {
	res.Name = qt.name
	start := time.Now()
	defer func() {
		if p := recover(); p != nil {
			res.Err = fmt.Errorf("task %s panicked: %v", qt.name, p)
		}
		res.Duration = time.Since(start)
	}()
	res.Err = qt.task(ctx)
	return res
}

// FirstError returns the first failed result's error, annotated with the task name.
func FirstError(results []TaskResult) error {
	for _, res := range results {
		if res.Err != nil {
			return fmt.Errorf("%s: %w", res.Name, res.Err)
		}
	}
	return nil
}

// Errors joins every failure in results.
func Errors(results []TaskResult) error {
	var errs []error
	for _, res := range results {
		if res.Err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", res.Name, res.Err))
		}
	}
	return errors.Join(errs...)
}
