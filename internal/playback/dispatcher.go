/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package playback

import (
	"sync"

	"github.com/michaldziwisz/sara/internal/config"
)

// Dispatcher marshals callbacks off backend-owned goroutines. Native sync
// callbacks must never run controller code directly; they hand off here.
type Dispatcher interface {
	Dispatch(fn func())
	Close()
}

// inlineDispatcher runs callbacks on the caller goroutine. Used when an
// external UI dispatcher already serializes events.
type inlineDispatcher struct{}

func (inlineDispatcher) Dispatch(fn func()) { fn() }
func (inlineDispatcher) Close()             {}

// workerDispatcher decouples callbacks onto a single worker goroutine so
// next-item selection never runs on a decoder thread.
type workerDispatcher struct {
	ch        chan func()
	closeOnce sync.Once
	done      chan struct{}
}

func newWorkerDispatcher() *workerDispatcher {
	d := &workerDispatcher{
		ch:   make(chan func(), 64),
		done: make(chan struct{}),
	}
	go d.run()
	return d
}

func (d *workerDispatcher) run() {
	for {
		select {
		case fn := <-d.ch:
			fn()
		case <-d.done:
			return
		}
	}
}

func (d *workerDispatcher) Dispatch(fn func()) {
	select {
	case d.ch <- fn:
	case <-d.done:
	default:
		// queue full: drop rather than block a native callback
	}
}

func (d *workerDispatcher) Close() {
	d.closeOnce.Do(func() { close(d.done) })
}

// NewDispatcher builds the dispatcher matching the configured mix executor.
func NewDispatcher(kind config.MixExecutor) Dispatcher {
	if kind == config.MixExecutorThread {
		return newWorkerDispatcher()
	}
	return inlineDispatcher{}
}
