// Copyright 2015 Marc-Antoine Ruel. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package camerictest implements a fake CamerIC.
//
// Every call is recorded and any call can be made to fail. The module enable
// bits and the ISP control bits are mirrored in a hal.Bus so the simulated
// hardware state can be inspected like the real one.
package camerictest

import (
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/maruel/go-cameric/cameric"
	"github.com/maruel/go-cameric/hal"
)

// Register map of the simulated hardware, relative to the chain base.
const (
	ChainStride     = 0x10000
	RegIspCtrl      = 0x0400 // Bit 0: enable, bit 1: input swap, bits 4-5: pixel interface.
	RegModuleEnable = 0x0404 // One bit per cameric.ModuleID.
	RegFrameCount   = 0x0408
	RegMiCtrl       = 0x1400 // One bit per cameric.Path.

	// RegisterSpace is the size of the register file needed for two chains.
	RegisterSpace = 2 * ChainStride
)

// Recorder logs calls and injects failures.
type Recorder struct {
	mu     sync.Mutex
	calls  []string
	counts map[string]int
	fail   map[string]failure
}

type failure struct {
	nth int
	err error
}

// FailOn makes the nth call (1 based) to name return err.
func (r *Recorder) FailOn(name string, nth int, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail == nil {
		r.fail = map[string]failure{}
	}
	r.fail[name] = failure{nth, err}
}

// Calls returns the calls made so far, in order.
func (r *Recorder) Calls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.calls))
	copy(out, r.calls)
	return out
}

// Count returns how many times name was called.
func (r *Recorder) Count(name string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.counts[name]
}

// Reset forgets the calls recorded so far. Pending failures are kept.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = nil
	r.counts = nil
}

// Call records a call and returns the injected failure, if any.
func (r *Recorder) Call(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.counts == nil {
		r.counts = map[string]int{}
	}
	r.counts[name]++
	r.calls = append(r.calls, name)
	if f, ok := r.fail[name]; ok && f.nth == r.counts[name] {
		return f.err
	}
	return nil
}

// Hardware is a fake cameric.Hardware with up to two chains.
type Hardware struct {
	Recorder
	Bus hal.Bus
	Log *zap.Logger

	mu      sync.Mutex
	drivers [2]*Driver
}

// New returns a fake backed by bus. A nil bus gets a heap backed one.
func New(bus hal.Bus) *Hardware {
	if bus == nil {
		bus = hal.NewMemory(RegisterSpace)
	}
	return &Hardware{Bus: bus, Log: zap.NewNop()}
}

// OpenDriver implements cameric.Hardware.
func (h *Hardware) OpenDriver(c cameric.Chain) (cameric.Driver, error) {
	if c != cameric.Master && c != cameric.Slave {
		return nil, cameric.OutOfRange
	}
	if err := h.Call(fmt.Sprintf("%d/OpenDriver", c)); err != nil {
		return nil, err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.drivers[c] != nil {
		return nil, cameric.Busy
	}
	d := newDriver(h, c)
	h.drivers[c] = d
	return d, nil
}

// Driver returns the driver opened for chain c, or nil.
func (h *Hardware) Driver(c cameric.Chain) *Driver {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.drivers[c]
}

// Enabled returns the module enable register of a chain.
func (h *Hardware) Enabled(c cameric.Chain) uint32 {
	v, _ := h.Bus.Read32(uint32(c)*ChainStride + RegModuleEnable)
	return v
}

func (h *Hardware) release(d *Driver) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.drivers[d.chain] == d {
		h.drivers[d.chain] = nil
	}
}

// Sensor is a fake cameric.Sensor.
type Sensor struct {
	Cfg cameric.SensorConfig
	Err error
}

// Config implements cameric.Sensor.
func (s *Sensor) Config() (cameric.SensorConfig, error) {
	return s.Cfg, s.Err
}

var _ cameric.Hardware = &Hardware{}
var _ cameric.Sensor = &Sensor{}
