// Copyright 2015 Marc-Antoine Ruel. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package cmdq implements the bounded command queue drained by a single
// worker goroutine, shared by the engine and the buffer controller.
package cmdq

import (
	"sync"

	"github.com/pkg/errors"
	"gopkg.in/tomb.v2"

	"github.com/maruel/go-cameric/cameric"
)

// Queue is a bounded FIFO of commands read by one worker goroutine.
//
// Close() waits for the worker to exit, then hands every command still queued
// to a cancel function. Send() and Close() are serialized so no command can
// be queued after the final drain.
type Queue[C any] struct {
	c  chan C
	mu sync.RWMutex
	t  tomb.Tomb
}

// New returns a queue holding up to size commands.
func New[C any](size int) (*Queue[C], error) {
	if size <= 0 {
		return nil, errors.Wrapf(cameric.OutOfRange, "cmdq: size %d", size)
	}
	return &Queue[C]{c: make(chan C, size)}, nil
}

// Go starts the worker. handle is called for each command in order until it
// returns true.
func (q *Queue[C]) Go(handle func(cmd C) (exit bool)) {
	q.t.Go(func() error {
		for {
			if handle(<-q.c) {
				return nil
			}
		}
	})
}

// Send queues a command. check is called under the queue lock and its error,
// if any, is returned instead.
//
// Send blocks while the queue is full. It returns Canceled once the worker
// exited.
func (q *Queue[C]) Send(cmd C, check func() error) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if check != nil {
		if err := check(); err != nil {
			return err
		}
	}
	select {
	case <-q.t.Dead():
		return cameric.Canceled
	default:
	}
	select {
	case q.c <- cmd:
		return nil
	case <-q.t.Dead():
		return cameric.Canceled
	}
}

// Len returns the number of commands queued.
func (q *Queue[C]) Len() int {
	return len(q.c)
}

// Alive returns true while the worker runs.
func (q *Queue[C]) Alive() bool {
	select {
	case <-q.t.Dead():
		return false
	default:
		return true
	}
}

// Close sends stop unless the worker already exited, waits for it and passes
// every command left in the queue to cancel.
//
// It must be called once and only if Go() was called.
func (q *Queue[C]) Close(stop C, cancel func(cmd C)) error {
	if q.Alive() {
		select {
		case q.c <- stop:
		case <-q.t.Dead():
		}
	}
	err := q.t.Wait()
	q.mu.Lock()
	defer q.mu.Unlock()
	for {
		select {
		case cmd := <-q.c:
			cancel(cmd)
		default:
			return err
		}
	}
}
