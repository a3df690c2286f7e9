// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package scheduler provides the bounded worker pool that runs storage
// operations off the caller's goroutine with per-caller fairness.
package scheduler

import (
	"errors"
	"log/slog"
	"sync"
)

var (
	// ErrPoolClosed is returned by Submit after Close.
	ErrPoolClosed = errors.New("scheduler: pool is closed")
	// ErrBusy is returned when the pending-task budget is exhausted.
	ErrBusy = errors.New("scheduler: task queue is full")
)

type task struct {
	caller string
	fn     func()
}

// Pool runs submitted tasks on a fixed set of workers. Each caller may have
// a bounded number of tasks running at once; excess tasks from the same
// caller wait without occupying a worker. The total number of pending tasks
// across callers is capped, beyond which Submit rejects.
type Pool struct {
	perCaller int
	queueCap  int
	logger    *slog.Logger

	mu       sync.Mutex
	cond     *sync.Cond
	runnable []task
	waiting  map[string][]task
	inflight map[string]int
	pending  int
	closed   bool
	wg       sync.WaitGroup
}

// NewPool starts workers goroutines. perCaller bounds concurrent tasks per
// caller and queueCap bounds total pending tasks.
func NewPool(workers, perCaller, queueCap int, logger *slog.Logger) *Pool {
	if workers <= 0 {
		workers = 4
	}
	if perCaller <= 0 {
		perCaller = 1
	}
	if queueCap <= 0 {
		queueCap = 256
	}
	if logger == nil {
		logger = slog.Default()
	}
	p := &Pool{
		perCaller: perCaller,
		queueCap:  queueCap,
		logger:    logger,
		waiting:   make(map[string][]task),
		inflight:  make(map[string]int),
	}
	p.cond = sync.NewCond(&p.mu)
	p.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go p.worker()
	}
	return p
}

// Submit schedules fn on behalf of caller. It never blocks: a full pool
// returns ErrBusy immediately.
func (p *Pool) Submit(caller string, fn func()) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrPoolClosed
	}
	if p.pending >= p.queueCap {
		return ErrBusy
	}
	p.pending++
	t := task{caller: caller, fn: fn}
	if p.inflight[caller] < p.perCaller {
		p.inflight[caller]++
		p.runnable = append(p.runnable, t)
		p.cond.Signal()
	} else {
		p.waiting[caller] = append(p.waiting[caller], t)
	}
	return nil
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for {
		p.mu.Lock()
		for len(p.runnable) == 0 {
			if p.closed && p.pending == 0 {
				p.mu.Unlock()
				return
			}
			p.cond.Wait()
		}
		t := p.runnable[0]
		p.runnable = p.runnable[1:]
		p.mu.Unlock()

		p.runTask(t)

		p.mu.Lock()
		p.pending--
		if next, ok := p.popWaiting(t.caller); ok {
			p.runnable = append(p.runnable, next)
			p.cond.Signal()
		} else {
			p.inflight[t.caller]--
			if p.inflight[t.caller] == 0 {
				delete(p.inflight, t.caller)
			}
		}
		if p.closed && p.pending == 0 {
			p.cond.Broadcast()
		}
		p.mu.Unlock()
	}
}

// runTask contains a panicking task so it cannot take the worker down with
// it. The pool's accounting (pending, inflight, promotion) still runs.
func (p *Pool) runTask(t task) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("scheduled task panicked", "caller", t.caller, "panic", r)
		}
	}()
	t.fn()
}

// popWaiting promotes the caller's oldest waiting task, keeping the
// in-flight slot that just freed up.
func (p *Pool) popWaiting(caller string) (task, bool) {
	q := p.waiting[caller]
	if len(q) == 0 {
		return task{}, false
	}
	t := q[0]
	if len(q) == 1 {
		delete(p.waiting, caller)
	} else {
		p.waiting[caller] = q[1:]
	}
	return t, true
}

// Close stops accepting work and waits for every already-accepted task to
// finish. Safe to call more than once.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		p.wg.Wait()
		return
	}
	p.closed = true
	p.cond.Broadcast()
	p.mu.Unlock()
	p.wg.Wait()
}
