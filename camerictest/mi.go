// Copyright 2015 Marc-Antoine Ruel. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package camerictest

import (
	"sync"

	"github.com/maruel/go-cameric/cameric"
	"github.com/maruel/go-cameric/hal"
	"github.com/maruel/go-cameric/mediabuf"
)

// Mi is a fake memory interface.
//
// It can be used on its own to drive a buffer controller: Request() takes a
// buffer as the hardware does at frame start, Complete() reports it full and
// Flush() returns every buffer still held.
type Mi struct {
	rec    *Recorder
	prefix string
	bus    hal.Bus
	base   uint32

	mu       sync.Mutex
	paths    [cameric.NumPaths]cameric.PathConfig
	main     cameric.Burst
	self     cameric.Burst
	req      cameric.BufferRequester
	obs      cameric.BufferObserver
	inflight [cameric.NumPaths][]*mediabuf.Buffer
	dropped  [cameric.NumPaths]int
}

// NewMi returns a standalone fake memory interface recording its calls in r
// with the given name prefix.
func NewMi(r *Recorder, prefix string) *Mi {
	if r == nil {
		r = &Recorder{}
	}
	return &Mi{rec: r, prefix: prefix}
}

func (m *Mi) call(op string) error {
	return m.rec.Call(m.prefix + "Mi." + op)
}

// SetPath implements cameric.Mi.
func (m *Mi) SetPath(p cameric.Path, c cameric.PathConfig) error {
	if p < 0 || p >= cameric.NumPaths {
		return cameric.OutOfRange
	}
	if err := m.call("SetPath"); err != nil {
		return err
	}
	m.mu.Lock()
	m.paths[p] = c
	m.mu.Unlock()
	if m.bus == nil {
		return nil
	}
	if c.Mode == cameric.DataDisabled {
		return hal.ClearBits(m.bus, m.base+RegMiCtrl, 1<<uint(p))
	}
	return hal.SetBits(m.bus, m.base+RegMiCtrl, 1<<uint(p))
}

// Path returns the configuration of a path.
func (m *Mi) Path(p cameric.Path) cameric.PathConfig {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.paths[p]
}

// SetBurst implements cameric.Mi.
func (m *Mi) SetBurst(main, self cameric.Burst) error {
	if err := m.call("SetBurst"); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.main, m.self = main, self
	return nil
}

// Burst returns the burst lengths last set.
func (m *Mi) Burst() (main, self cameric.Burst) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.main, m.self
}

// RegisterRequestCb implements cameric.Mi.
func (m *Mi) RegisterRequestCb(r cameric.BufferRequester) error {
	if r == nil {
		return cameric.NullPointer
	}
	if err := m.call("RegisterRequestCb"); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.req != nil {
		return cameric.Busy
	}
	m.req = r
	return nil
}

// DeregisterRequestCb implements cameric.Mi.
func (m *Mi) DeregisterRequestCb() error {
	if err := m.call("DeregisterRequestCb"); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.req = nil
	return nil
}

// RegisterEventCb implements cameric.Mi.
func (m *Mi) RegisterEventCb(o cameric.BufferObserver) error {
	if o == nil {
		return cameric.NullPointer
	}
	if err := m.call("RegisterEventCb"); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.obs != nil {
		return cameric.Busy
	}
	m.obs = o
	return nil
}

// DeregisterEventCb implements cameric.Mi.
func (m *Mi) DeregisterEventCb() error {
	if err := m.call("DeregisterEventCb"); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.obs = nil
	return nil
}

// Request asks the registered requester for a buffer for path p and holds
// it. A refused request counts as a dropped frame and is reported.
func (m *Mi) Request(p cameric.Path) bool {
	m.mu.Lock()
	r, o := m.req, m.obs
	m.mu.Unlock()
	if r == nil {
		return false
	}
	b, err := r.RequestBuffer(p)
	if err != nil || b == nil {
		m.mu.Lock()
		m.dropped[p]++
		m.mu.Unlock()
		if o != nil {
			o.BufferEvent(cameric.BufferDropped, p, nil)
		}
		return false
	}
	m.mu.Lock()
	m.inflight[p] = append(m.inflight[p], b)
	m.mu.Unlock()
	return true
}

// Complete reports the oldest buffer held for path p as full, after passing
// it to fill when not nil.
func (m *Mi) Complete(p cameric.Path, fill func(b *mediabuf.Buffer, c cameric.PathConfig)) bool {
	m.mu.Lock()
	if len(m.inflight[p]) == 0 {
		m.mu.Unlock()
		return false
	}
	b := m.inflight[p][0]
	m.inflight[p] = m.inflight[p][1:]
	o := m.obs
	c := m.paths[p]
	m.mu.Unlock()
	if fill != nil {
		fill(b, c)
	}
	if o != nil {
		o.BufferEvent(cameric.BufferFull, p, b)
	}
	return true
}

// Capture does Request() then Complete() on an enabled path.
func (m *Mi) Capture(p cameric.Path, fill func(b *mediabuf.Buffer, c cameric.PathConfig)) bool {
	m.mu.Lock()
	enabled := m.paths[p].Mode != cameric.DataDisabled
	m.mu.Unlock()
	if !enabled || !m.Request(p) {
		return false
	}
	return m.Complete(p, fill)
}

// Flush returns every held buffer with a flushed event.
func (m *Mi) Flush() int {
	m.mu.Lock()
	o := m.obs
	var held [cameric.NumPaths][]*mediabuf.Buffer
	held, m.inflight = m.inflight, held
	m.mu.Unlock()
	n := 0
	for p := range held {
		for _, b := range held[p] {
			n++
			if o != nil {
				o.BufferEvent(cameric.BufferFlushed, cameric.Path(p), b)
			} else {
				b.Unlock()
			}
		}
	}
	return n
}

// Inflight returns the number of buffers held for path p.
func (m *Mi) Inflight(p cameric.Path) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.inflight[p])
}

// Dropped returns the number of frames dropped on path p for lack of buffer.
func (m *Mi) Dropped(p cameric.Path) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dropped[p]
}

var _ cameric.Mi = &Mi{}
