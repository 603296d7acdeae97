// Copyright (C) 2025-2026 SpecForge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package locking provides advisory per-task locks so concurrent step
// invocations on one task serialize their run acquisition. Two
// implementations: an in-process keyed mutex and a Redis lock for
// multi-node deployments.
package locking

import (
	"context"
	"sync"
)

// LocalTaskLocker serializes task access within a single process using one
// mutex per task ID. Entries are reference-counted and removed when the last
// holder releases, so the map does not grow with task history.
type LocalTaskLocker struct {
	mu    sync.Mutex
	locks map[string]*taskLock
}

type taskLock struct {
	mu   sync.Mutex
	refs int
}

// NewLocalTaskLocker creates a LocalTaskLocker.
func NewLocalTaskLocker() *LocalTaskLocker {
	return &LocalTaskLocker{locks: make(map[string]*taskLock)}
}

// Acquire blocks until the task lock is held or ctx is done.
func (l *LocalTaskLocker) Acquire(ctx context.Context, taskID string) (func(), error) {
	l.mu.Lock()
	entry, ok := l.locks[taskID]
	if !ok {
		entry = &taskLock{}
		l.locks[taskID] = entry
	}
	entry.refs++
	l.mu.Unlock()

	acquired := make(chan struct{})
	go func() {
		entry.mu.Lock()
		close(acquired)
	}()

	select {
	case <-acquired:
	case <-ctx.Done():
		// The goroutine will still obtain the mutex eventually; hand it
		// straight back so the entry can be collected.
		go func() {
			<-acquired
			entry.mu.Unlock()
			l.release(taskID, entry)
		}()
		return nil, ctx.Err()
	}

	var once sync.Once
	release := func() {
		once.Do(func() {
			entry.mu.Unlock()
			l.release(taskID, entry)
		})
	}
	return release, nil
}

func (l *LocalTaskLocker) release(taskID string, entry *taskLock) {
	l.mu.Lock()
	entry.refs--
	if entry.refs == 0 {
		delete(l.locks, taskID)
	}
	l.mu.Unlock()
}
