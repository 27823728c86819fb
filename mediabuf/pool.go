// Copyright 2015 Marc-Antoine Ruel. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package mediabuf implements fixed size pools of reference counted frame
// buffers.
//
// A buffer is owned by exactly one party at a time: the pool, a queue, the
// hardware or a consumer. Ownership moves by passing the *Buffer along;
// returning it to the pool is done once with Unlock().
package mediabuf

import (
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// Observer is notified when a buffer is returned to a Pool.
//
// BufferAdded is called synchronously from whichever goroutine released the
// buffer, without any lock held. It must not block.
type Observer interface {
	BufferAdded(p *Pool)
}

// Pool is a fixed set of preallocated buffers.
type Pool struct {
	name string

	mu        sync.Mutex
	all       []*Buffer
	free      []*Buffer
	gen       uint64
	observers []Observer
}

// NewPool allocates n buffers of size bytes each.
func NewPool(name string, n, size int) (*Pool, error) {
	if n <= 0 {
		return nil, errors.Errorf("mediabuf: %s: invalid buffer count %d", name, n)
	}
	if size <= 0 {
		return nil, errors.Errorf("mediabuf: %s: invalid buffer size %d", name, size)
	}
	p := &Pool{name: name, all: make([]*Buffer, n), free: make([]*Buffer, 0, n)}
	for i := range p.all {
		b := &Buffer{ID: uuid.New(), Data: make([]byte, size), pool: p}
		p.all[i] = b
		p.free = append(p.free, b)
	}
	return p, nil
}

func (p *Pool) String() string {
	return p.name
}

// Get checks out a free buffer. It returns nil when none is free.
func (p *Pool) Get() *Buffer {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.free) == 0 {
		return nil
	}
	b := p.free[len(p.free)-1]
	p.free = p.free[:len(p.free)-1]
	b.refs = 1
	b.gen = p.gen
	b.Meta = Meta{}
	return b
}

// Free returns the number of buffers currently in the pool.
func (p *Pool) Free() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.free)
}

// Len returns the total number of buffers managed by the pool.
func (p *Pool) Len() int {
	return len(p.all)
}

// Reset reclaims every buffer, including the ones still checked out, except
// the ones in keep.
//
// The caller must ensure nobody uses a buffer that was reclaimed. Until such
// a buffer is handed out again its stale Unlock() is ignored. A buffer in keep
// stays checked out and its owner's Unlock() returns it normally.
func (p *Pool) Reset(keep ...*Buffer) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.gen++
	p.free = p.free[:0]
	for _, b := range p.all {
		if b.refs != 0 && contains(keep, b) {
			b.gen = p.gen
			continue
		}
		b.refs = 0
		p.free = append(p.free, b)
	}
}

func contains(l []*Buffer, b *Buffer) bool {
	for _, e := range l {
		if e == b {
			return true
		}
	}
	return false
}

// Register adds an observer notified each time a buffer is returned.
func (p *Pool) Register(o Observer) error {
	if o == nil {
		return errors.New("mediabuf: nil observer")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, e := range p.observers {
		if e == o {
			return errors.Errorf("mediabuf: %s: observer already registered", p.name)
		}
	}
	p.observers = append(p.observers, o)
	return nil
}

// Deregister removes an observer previously added with Register().
func (p *Pool) Deregister(o Observer) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, e := range p.observers {
		if e == o {
			p.observers = append(p.observers[:i], p.observers[i+1:]...)
			return nil
		}
	}
	return errors.Errorf("mediabuf: %s: observer not registered", p.name)
}

func (p *Pool) put(b *Buffer) {
	p.mu.Lock()
	if b.gen != p.gen || b.refs == 0 {
		p.mu.Unlock()
		return
	}
	b.refs--
	if b.refs != 0 {
		p.mu.Unlock()
		return
	}
	p.free = append(p.free, b)
	obs := make([]Observer, len(p.observers))
	copy(obs, p.observers)
	p.mu.Unlock()
	for _, o := range obs {
		o.BufferAdded(p)
	}
}
