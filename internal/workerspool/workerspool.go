// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package workerspool runs independent file-system tasks (one per label directory) with
// bounded parallelism.
package workerspool

import (
	"runtime"
	"sync"
)

// Pool limits how many tasks run at the same time. The zero value is not usable, use New.
type Pool struct {
	// maxParallelism is the limit of tasks running at the same time.
	// If 0 tasks are run inline, if < 0 there is no limit.
	maxParallelism int

	mu         sync.Mutex
	cond       sync.Cond // Signaled whenever numRunning is decreased.
	numRunning int

	wg sync.WaitGroup
}

// New returns a Pool with the default parallelism (runtime.NumCPU()).
func New() *Pool {
	return NewWithParallelism(runtime.NumCPU())
}

// NewWithParallelism returns a Pool that runs at most maxParallelism tasks at a time.
// If maxParallelism is 0, tasks are run inline by Go. If it is negative, parallelism is unlimited.
func NewWithParallelism(maxParallelism int) *Pool {
	p := &Pool{maxParallelism: maxParallelism}
	p.cond = sync.Cond{L: &p.mu}
	return p
}

// MaxParallelism returns the configured limit. See NewWithParallelism.
func (p *Pool) MaxParallelism() int {
	return p.maxParallelism
}

// IsUnlimited returns whether parallelism is unlimited (maxParallelism < 0)
func (p *Pool) IsUnlimited() bool {
	return p.maxParallelism < 0
}

// lockedIsFull returns whether all available workers are in use.
//
// It must be called with Pool.mu acquired.
func (p *Pool) lockedIsFull() bool {
	if p.maxParallelism < 0 {
		return false
	}
	return p.numRunning >= p.maxParallelism
}

// Go waits until there is a worker available and runs the task in a separate goroutine.
//
// If parallelism is disabled (maxParallelism is 0), the task is run inline and Go returns when it is finished.
// Use Wait to wait for all tasks started with Go.
func (p *Pool) Go(task func()) {
	if p.maxParallelism == 0 {
		task()
		return
	}
	p.wg.Add(1)
	if p.IsUnlimited() {
		go func() {
			defer p.wg.Done()
			task()
		}()
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	for p.lockedIsFull() {
		p.cond.Wait()
	}
	p.lockedRunTaskInGoroutine(task)
}

// lockedRunTaskInGoroutine and keep tabs on p.numRunning.
//
// It must be called with Pool.mu acquired.
func (p *Pool) lockedRunTaskInGoroutine(task func()) {
	p.numRunning++
	go func() {
		defer p.wg.Done()
		task()
		p.mu.Lock()
		p.numRunning--
		p.cond.Signal()
		p.mu.Unlock()
	}()
}

// Wait blocks until all tasks started with Go have finished.
func (p *Pool) Wait() {
	p.wg.Wait()
}
