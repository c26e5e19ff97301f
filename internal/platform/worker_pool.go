package platform

import (
	"context"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

// Task is one unit of work submitted to a Pool.
type Task func()

// Pool is a fixed-size goroutine pool with a buffered task queue and
// panic recovery per task, letting a worker process fetched queue
// messages concurrently without spawning one goroutine per message.
type Pool struct {
	workerCount  int
	taskQueue    chan Task
	wg           sync.WaitGroup
	droppedTasks int64
	logger       zerolog.Logger
}

// NewPool builds a Pool with workerCount goroutines and a queue buffer
// of queueSize tasks.
func NewPool(workerCount, queueSize int, logger zerolog.Logger) *Pool {
	if workerCount <= 0 {
		workerCount = 1
	}
	return &Pool{
		workerCount: workerCount,
		taskQueue:   make(chan Task, queueSize),
		logger:      logger,
	}
}

// Start launches the worker goroutines. On ctx cancellation each worker
// returns after its current task; tasks still queued are not run, and
// Submit keeps enqueueing until the buffer is full.
func (p *Pool) Start(ctx context.Context) {
	for i := 0; i < p.workerCount; i++ {
		p.wg.Add(1)
		go p.worker(ctx)
	}
}

func (p *Pool) worker(ctx context.Context) {
	defer p.wg.Done()
	for {
		select {
		case task, ok := <-p.taskQueue:
			if !ok {
				return
			}
			p.run(task)
		case <-ctx.Done():
			return
		}
	}
}

func (p *Pool) run(task Task) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error().
				Interface("panic_value", r).
				Str("stack_trace", string(debug.Stack())).
				Msg("worker pool task panicked, continuing")
		}
	}()
	task()
}

// Submit enqueues task if the queue has room, otherwise drops it and
// records the drop; this bounds goroutine growth under sustained
// backpressure instead of blocking the fetch loop.
func (p *Pool) Submit(task Task) {
	select {
	case p.taskQueue <- task:
	default:
		atomic.AddInt64(&p.droppedTasks, 1)
	}
}

// DroppedTasks returns the number of tasks dropped for a full queue.
func (p *Pool) DroppedTasks() int64 {
	return atomic.LoadInt64(&p.droppedTasks)
}

// Stop closes the task queue and waits for in-flight tasks to finish.
func (p *Pool) Stop() {
	close(p.taskQueue)
	p.wg.Wait()
}
