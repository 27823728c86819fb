// Copyright 2015 Marc-Antoine Ruel. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package cameric

import (
	"io"

	"go.uber.org/multierr"
)

// Algorithm is a closed-loop auto-algorithm fed with measurements.
type Algorithm interface {
	io.Closer
	Start() error
	Stop() error
	ProcessFrame(m Measurement) error
}

// Lockable is an algorithm that can freeze its output once converged.
//
// TryLock returns nil when locked and Pending when it has not settled yet.
// Any other result is a programming error.
type Lockable interface {
	Algorithm
	TryLock() error
	Unlock() error
}

// AutoFocus is the focus search algorithm.
type AutoFocus interface {
	Lockable
	Status() (running bool, err error) // Status reports if a search is in progress.
	OneShot() error                    // OneShot starts a single search.
}

// Algorithms is the set of auto-algorithms of an engine. Any may be nil.
type Algorithms struct {
	Aec Lockable
	Awb Lockable
	Af  AutoFocus
	Avs Algorithm
}

// List returns the non-nil algorithms in start order.
func (a *Algorithms) List() []Algorithm {
	var out []Algorithm
	if a.Aec != nil {
		out = append(out, a.Aec)
	}
	if a.Awb != nil {
		out = append(out, a.Awb)
	}
	if a.Af != nil {
		out = append(out, a.Af)
	}
	if a.Avs != nil {
		out = append(out, a.Avs)
	}
	return out
}

// Close closes all the algorithms in reverse order.
func (a *Algorithms) Close() error {
	l := a.List()
	var err error
	for i := len(l) - 1; i >= 0; i-- {
		err = multierr.Append(err, l[i].Close())
	}
	return err
}
