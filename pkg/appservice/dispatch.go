// Copyright 2024-2026 Aiku AI
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package appservice

import (
	"sync"

	"github.com/rs/zerolog"
)

// Default sizing for the event dispatch queue.
const (
	DefaultQueueBuffer  = 256
	DefaultQueueWorkers = 8
)

// TaskQueue runs fire-and-forget tasks on a fixed pool of workers.
// Submit blocks when the buffer is full, so a homeserver pushing faster
// than handlers can drain gets back-pressure on the transaction endpoint
// instead of unbounded memory growth. Stop drains everything that was
// accepted before returning.
type TaskQueue struct {
	log zerolog.Logger

	ch      chan func()
	wg      sync.WaitGroup
	mu      sync.Mutex
	stopped bool
}

// NewTaskQueue starts workers goroutines consuming a buffer-sized queue.
func NewTaskQueue(log zerolog.Logger, buffer, workers int) *TaskQueue {
	if buffer <= 0 {
		buffer = DefaultQueueBuffer
	}
	if workers <= 0 {
		workers = DefaultQueueWorkers
	}
	q := &TaskQueue{
		log: log,
		ch:  make(chan func(), buffer),
	}
	q.wg.Add(workers)
	for range workers {
		go q.worker()
	}
	return q
}

func (q *TaskQueue) worker() {
	defer q.wg.Done()
	for task := range q.ch {
		q.run(task)
	}
}

func (q *TaskQueue) run(task func()) {
	defer func() {
		if panicErr := recover(); panicErr != nil {
			q.log.Error().Any("panic", panicErr).Msg("Panic in dispatched task")
		}
	}()
	task()
}

// Submit queues a task, blocking while the buffer is full. It returns
// false if the queue has already been stopped.
func (q *TaskQueue) Submit(task func()) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.stopped {
		return false
	}
	q.ch <- task
	return true
}

// Stop closes the queue and waits for all accepted tasks to finish.
func (q *TaskQueue) Stop() {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		q.wg.Wait()
		return
	}
	q.stopped = true
	close(q.ch)
	q.mu.Unlock()
	q.wg.Wait()
}
