// Copyright 2015 Marc-Antoine Ruel. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package watchdog implements one-shot timeouts that race safely with the
// event they guard.
//
// A Registry holds a fixed number of slots, one per engine instance. Arming a
// slot returns a Token tied to the slot generation. Exactly one of
// Token.Disarm() and the expiry wins; the loser does nothing.
package watchdog

import (
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/maruel/go-cameric/cameric"
)

// Slots is the number of concurrent engine instances supported.
const Slots = 2

// Registry owns the watchdog slots.
//
// Share one Registry between all the engines of a process so the slot
// bound is enforced.
type Registry struct {
	slots [Slots]slot
}

type slot struct {
	mu      sync.Mutex
	claimed bool
	armed   bool
	gen     uint64
	timer   *time.Timer
}

// Default is the process wide Registry.
var Default = New()

// New returns a Registry with all slots free.
func New() *Registry {
	return &Registry{}
}

// Claim reserves a slot for an engine.
func (r *Registry) Claim(index int) error {
	s, err := r.slot(index)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.claimed {
		return errors.Wrapf(cameric.Busy, "watchdog: slot %d", index)
	}
	s.claimed = true
	return nil
}

// Release frees a slot claimed with Claim(). A pending expiry is canceled.
func (r *Registry) Release(index int) {
	s, err := r.slot(index)
	if err != nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.disarm()
	s.claimed = false
}

// Arm starts a one-shot timer on the slot. fire is called from a timer
// goroutine once d elapsed, unless the returned Token is disarmed first.
//
// Arming a slot again invalidates the previous Token.
func (r *Registry) Arm(index int, d time.Duration, fire func()) (*Token, error) {
	s, err := r.slot(index)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.claimed {
		return nil, errors.Wrapf(cameric.WrongHandle, "watchdog: slot %d not claimed", index)
	}
	s.disarm()
	s.gen++
	s.armed = true
	gen := s.gen
	s.timer = time.AfterFunc(d, func() { s.expire(gen, fire) })
	return &Token{s: s, gen: gen}, nil
}

func (r *Registry) slot(index int) (*slot, error) {
	if index < 0 || index >= Slots {
		return nil, errors.Wrapf(cameric.OutOfRange, "watchdog: slot %d", index)
	}
	return &r.slots[index], nil
}

// disarm must be called with mu held.
func (s *slot) disarm() bool {
	if !s.armed {
		return false
	}
	s.armed = false
	s.timer.Stop()
	return true
}

func (s *slot) expire(gen uint64, fire func()) {
	s.mu.Lock()
	won := s.armed && s.gen == gen
	if won {
		s.armed = false
	}
	s.mu.Unlock()
	if won {
		fire()
	}
}

// Token identifies one arming of a slot.
type Token struct {
	s   *slot
	gen uint64
}

// Disarm cancels the timeout. It returns true if the caller won the race,
// that is the timer had not fired and the token was still current.
func (t *Token) Disarm() bool {
	if t == nil {
		return false
	}
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	if t.s.gen != t.gen {
		return false
	}
	return t.s.disarm()
}
