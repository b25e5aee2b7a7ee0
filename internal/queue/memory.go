package queue

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

const defaultRetryDelay = time.Second

// Memory is an unbounded in-process FIFO served by a fixed number of workers.
// Failed tasks are retried up to maxAttempts times. Tasks that are not ready
// come back after retryDelay for as long as the queue runs.
type Memory struct {
	mu          sync.Mutex
	tasks       []entry
	ready       chan struct{}
	pending     sync.WaitGroup
	workers     int
	maxAttempts int
	retryDelay  time.Duration
}

type MemoryOption func(*Memory)

// WithRetryDelay sets how long a task that returned ErrNotReady waits before redelivery
func WithRetryDelay(d time.Duration) MemoryOption {
	return func(m *Memory) {
		if d > 0 {
			m.retryDelay = d
		}
	}
}

type entry struct {
	task     Task
	attempts int
}

func NewMemory(workers int, opts ...MemoryOption) *Memory {
	if workers < 1 {
		workers = 1
	}
	m := &Memory{
		ready:       make(chan struct{}, 1),
		workers:     workers,
		maxAttempts: 3,
		retryDelay:  defaultRetryDelay,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Memory) Enqueue(_ context.Context, task Task) error {
	m.push(entry{task: task})
	return nil
}

func (m *Memory) push(e entry) {
	m.pending.Add(1)
	m.append(e)
}

// pushAfter counts the entry as pending right away so Wait covers the delay
func (m *Memory) pushAfter(e entry, d time.Duration) {
	m.pending.Add(1)
	time.AfterFunc(d, func() { m.append(e) })
}

func (m *Memory) append(e entry) {
	m.mu.Lock()
	m.tasks = append(m.tasks, e)
	m.mu.Unlock()
	select {
	case m.ready <- struct{}{}:
	default:
	}
}

func (m *Memory) pop() (entry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.tasks) == 0 {
		return entry{}, false
	}
	e := m.tasks[0]
	m.tasks = m.tasks[1:]
	if len(m.tasks) > 0 {
		select {
		case m.ready <- struct{}{}:
		default:
		}
	}
	return e, true
}

// Run starts the workers and blocks until ctx is done
func (m *Memory) Run(ctx context.Context, handle Handler) {
	var wg sync.WaitGroup
	for i := 0; i < m.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.work(ctx, handle)
		}()
	}
	wg.Wait()
}

func (m *Memory) work(ctx context.Context, handle Handler) {
	for {
		e, ok := m.pop()
		if !ok {
			select {
			case <-ctx.Done():
				return
			case <-m.ready:
				continue
			}
		}
		m.deliver(ctx, handle, e)
	}
}

func (m *Memory) deliver(ctx context.Context, handle Handler, e entry) {
	defer m.pending.Done()
	defer func() {
		if r := recover(); r != nil {
			slog.Error("task handler panicked", "kind", e.task.Kind, "batch_id", e.task.BatchID, "panic", r)
		}
	}()

	err := handle(ctx, e.task)
	if errors.Is(err, ErrNotReady) && ctx.Err() == nil {
		slog.Debug("task not ready, deferring", "kind", e.task.Kind, "batch_id", e.task.BatchID, "photo_id", e.task.PhotoID, "delay", m.retryDelay)
		m.pushAfter(e, m.retryDelay)
		return
	}
	e.attempts++
	if err != nil {
		if e.attempts < m.maxAttempts && ctx.Err() == nil {
			slog.Warn("task failed, requeueing", "kind", e.task.Kind, "batch_id", e.task.BatchID, "attempt", e.attempts, "err", err)
			m.push(e)
			return
		}
		slog.Error("task failed, giving up", "kind", e.task.Kind, "batch_id", e.task.BatchID, "attempts", e.attempts, "err", err)
	}
}

// Wait blocks until every enqueued task, including ones enqueued by handlers, has been handled
func (m *Memory) Wait() {
	m.pending.Wait()
}
