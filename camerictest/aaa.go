// Copyright 2015 Marc-Antoine Ruel. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package camerictest

import (
	"sync"
	"time"

	"gopkg.in/tomb.v2"

	"github.com/maruel/go-cameric/cameric"
)

// Algo is a fake auto-algorithm. It implements cameric.AutoFocus so it can
// stand in for any of them.
//
// TryLock() returns Pending the number of times given at creation, then
// locks.
type Algo struct {
	name string
	rec  *Recorder

	mu        sync.Mutex
	pending   int
	locked    bool
	running   bool
	searching bool
	frames    int
}

// NewAlgo returns a fake algorithm that settles after pending TryLock()
// calls.
func NewAlgo(r *Recorder, name string, pending int) *Algo {
	if r == nil {
		r = &Recorder{}
	}
	return &Algo{name: name, rec: r, pending: pending}
}

// NewAlgorithms returns a full set of fakes recording in r.
func NewAlgorithms(r *Recorder, aec, awb, af int) cameric.Algorithms {
	return cameric.Algorithms{
		Aec: NewAlgo(r, "Aec", aec),
		Awb: NewAlgo(r, "Awb", awb),
		Af:  NewAlgo(r, "Af", af),
		Avs: NewAlgo(r, "Avs", 0),
	}
}

func (a *Algo) String() string {
	return a.name
}

// Close implements cameric.Algorithm.
func (a *Algo) Close() error {
	return a.rec.Call(a.name + ".Close")
}

// Start implements cameric.Algorithm.
func (a *Algo) Start() error {
	if err := a.rec.Call(a.name + ".Start"); err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.running = true
	return nil
}

// Stop implements cameric.Algorithm.
func (a *Algo) Stop() error {
	if err := a.rec.Call(a.name + ".Stop"); err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.running = false
	return nil
}

// ProcessFrame implements cameric.Algorithm.
func (a *Algo) ProcessFrame(m cameric.Measurement) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.frames++
	return nil
}

// TryLock implements cameric.Lockable.
func (a *Algo) TryLock() error {
	if err := a.rec.Call(a.name + ".TryLock"); err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.pending > 0 {
		a.pending--
		return cameric.Pending
	}
	a.locked = true
	a.searching = false
	return nil
}

// Unlock implements cameric.Lockable.
func (a *Algo) Unlock() error {
	if err := a.rec.Call(a.name + ".Unlock"); err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.locked = false
	return nil
}

// Status implements cameric.AutoFocus.
func (a *Algo) Status() (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.searching, nil
}

// OneShot implements cameric.AutoFocus.
func (a *Algo) OneShot() error {
	if err := a.rec.Call(a.name + ".OneShot"); err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.searching = true
	return nil
}

// Locked returns true when the last TryLock() succeeded and no Unlock()
// followed.
func (a *Algo) Locked() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.locked
}

// Running returns true between Start() and Stop().
func (a *Algo) Running() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.running
}

// Frames returns the number of measurements processed.
func (a *Algo) Frames() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.frames
}

// Clock drives the simulated frames of a Hardware at a fixed rate.
type Clock struct {
	t tomb.Tomb
}

// StartClock calls Frame() on every open driver of h each period.
func StartClock(h *Hardware, period time.Duration) *Clock {
	c := &Clock{}
	c.t.Go(func() error {
		tick := time.NewTicker(period)
		defer tick.Stop()
		for {
			select {
			case <-c.t.Dying():
				return nil
			case <-tick.C:
				for i := cameric.Master; i <= cameric.Slave; i++ {
					if d := h.Driver(i); d != nil {
						d.Frame()
					}
				}
			}
		}
	})
	return c
}

// Close stops the clock.
func (c *Clock) Close() error {
	c.t.Kill(nil)
	return c.t.Wait()
}

var _ cameric.AutoFocus = &Algo{}
