// Copyright 2024-2026 Aiku AI
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package appservice

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/rs/zerolog"
)

func TestTaskQueue_RunsAllSubmitted(t *testing.T) {
	q := NewTaskQueue(zerolog.Nop(), 16, 4)
	var count atomic.Int64
	for range 100 {
		if !q.Submit(func() { count.Add(1) }) {
			t.Fatal("Submit returned false before Stop")
		}
	}
	q.Stop()
	if got := count.Load(); got != 100 {
		t.Errorf("tasks run: got %d, want 100", got)
	}
}

func TestTaskQueue_RejectsAfterStop(t *testing.T) {
	q := NewTaskQueue(zerolog.Nop(), 1, 1)
	q.Stop()
	if q.Submit(func() {}) {
		t.Error("Submit accepted a task after Stop")
	}
}

func TestTaskQueue_PanicDoesNotKillWorker(t *testing.T) {
	q := NewTaskQueue(zerolog.Nop(), 4, 1)
	var wg sync.WaitGroup
	wg.Add(1)
	q.Submit(func() { panic("task panic") })
	var ran bool
	q.Submit(func() {
		ran = true
		wg.Done()
	})
	wg.Wait()
	q.Stop()
	if !ran {
		t.Error("worker died after panicking task")
	}
}

func TestTaskQueue_StopIsIdempotent(t *testing.T) {
	q := NewTaskQueue(zerolog.Nop(), 1, 1)
	q.Stop()
	q.Stop()
}
